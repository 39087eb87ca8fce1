package handlers

import (
	"bufio"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-chi/chi/v5"
	"github.com/prudhvinik1/tenantsync/internal/broadcast"
	"github.com/prudhvinik1/tenantsync/internal/models"
	"github.com/prudhvinik1/tenantsync/internal/repositories"
	"github.com/prudhvinik1/tenantsync/internal/services"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

type testServer struct {
	server    *httptest.Server
	channel   *broadcast.MemoryChannel
	publisher *services.Publisher
	tokens    *services.TokenService
	client    *http.Client
}

// newTestServer mounts the sync routes over a miniredis-backed replay store
// and an in-process channel
func newTestServer(t *testing.T, heartbeat time.Duration) *testServer {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	store := repositories.NewRedisReplayStore(client, repositories.DefaultReplayRetention())
	channel := broadcast.NewMemoryChannel(16)
	presence := repositories.NewRedisPresenceRepository(client, time.Minute)
	syncService := services.NewSyncService(store, channel, presence, services.DefaultSyncOptions())
	tokens := services.NewTokenService("test-secret", time.Hour)

	router := chi.NewRouter()
	router.Get("/health", Health(func(ctx context.Context) error {
		return client.Ping(ctx).Err()
	}))
	NewSyncHandler(syncService, tokens, heartbeat).Routes(router)

	server := httptest.NewServer(router)
	t.Cleanup(server.Close)

	return &testServer{
		server:    server,
		channel:   channel,
		publisher: services.NewPublisher(store, channel),
		tokens:    tokens,
		client:    &http.Client{Timeout: 5 * time.Second},
	}
}

func (s *testServer) token(t *testing.T, tenantID, userID string) string {
	t.Helper()
	token, err := s.tokens.IssueToken(models.Identity{TenantID: tenantID, UserID: userID})
	require.NoError(t, err)
	return token
}

func (s *testServer) get(t *testing.T, path, token string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, s.server.URL+path, nil)
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := s.client.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func (s *testServer) publish(t *testing.T, tenantID, userID string) *models.Action {
	t.Helper()
	action, err := s.publisher.Publish(context.Background(), services.PublishRequest{
		TenantID:   tenantID,
		UserID:     userID,
		Type:       "updated",
		EntityType: "guest",
		EntityID:   "g1",
		Payload:    []byte(`{"table":4}`),
	})
	require.NoError(t, err)
	return action
}

// openStream connects to the event stream and returns a reader over its body
func (s *testServer) openStream(t *testing.T, token, query string) (*http.Response, *bufio.Reader) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.server.URL+"/sync/stream"+query, nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := s.client.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp, bufio.NewReader(resp.Body)
}

func (s *testServer) waitSubscribers(t *testing.T, tenantID string, n int) {
	t.Helper()
	require.Eventually(t, func() bool {
		return s.channel.Subscribers(tenantID) == n
	}, 2*time.Second, 5*time.Millisecond)
}

type sseEvent struct {
	name string
	id   string
	data string
}

// readEvent returns the next event frame, skipping comments
func readEvent(t *testing.T, r *bufio.Reader) sseEvent {
	t.Helper()
	var ev sseEvent
	for {
		line := readLine(t, r)
		switch {
		case line == "":
			if ev.name != "" {
				return ev
			}
		case strings.HasPrefix(line, ":"):
		case strings.HasPrefix(line, "event: "):
			ev.name = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "id: "):
			ev.id = strings.TrimPrefix(line, "id: ")
		case strings.HasPrefix(line, "data: "):
			ev.data = strings.TrimPrefix(line, "data: ")
		}
	}
}

func readLine(t *testing.T, r *bufio.Reader) string {
	t.Helper()
	line, err := r.ReadString('\n')
	require.NoError(t, err)
	return strings.TrimSuffix(line, "\n")
}
