package repositories

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prudhvinik1/tenantsync/internal/models"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

// base is an arbitrary wall-clock instant the tests pin their clocks to
var base = time.UnixMilli(1_700_000_000_000)

// getTestRedis starts an in-memory Redis and returns a client for it
func getTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	server := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: server.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return server, client
}

// getTestPool returns a connection pool for testing, or skips the test when
// TEST_DATABASE_URL is not set
func getTestPool(t *testing.T) *pgxpool.Pool {
	url := os.Getenv("TEST_DATABASE_URL")
	if url == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}
	pool, err := pgxpool.New(context.Background(), url)
	require.NoError(t, err, "Failed to connect to test database")
	t.Cleanup(pool.Close)
	return pool
}

func newAction(tenantID, userID string, ts int64) *models.Action {
	return &models.Action{
		ActionID:   uuid.NewString(),
		TenantID:   tenantID,
		UserID:     userID,
		Type:       "updated",
		EntityType: "guest",
		EntityID:   uuid.NewString(),
		Payload:    []byte(`{"name":"Ada"}`),
		Timestamp:  ts,
	}
}

func actionIDs(actions []*models.Action) []string {
	ids := make([]string, len(actions))
	for i, a := range actions {
		ids[i] = a.ActionID
	}
	return ids
}

func fixedClock(at time.Time) func() time.Time {
	return func() time.Time { return at }
}
