package repositories

import (
	"context"
	"errors"
	"time"

	"github.com/prudhvinik1/tenantsync/internal/models"
)

var ErrNotFound = errors.New("not found")

const (
	DefaultReplayMaxAge     = 24 * time.Hour
	DefaultReplayMaxEntries = 1000
)

// ReplayRetention bounds the replay log of every tenant. A zero MaxAge or
// MaxEntries disables that half of the policy.
type ReplayRetention struct {
	MaxAge     time.Duration
	MaxEntries int
}

func DefaultReplayRetention() ReplayRetention {
	return ReplayRetention{
		MaxAge:     DefaultReplayMaxAge,
		MaxEntries: DefaultReplayMaxEntries,
	}
}

// cutoff returns the oldest timestamp (ms) still retained at now, or 0 when
// age-based eviction is disabled.
func (r ReplayRetention) cutoff(now time.Time) int64 {
	if r.MaxAge <= 0 {
		return 0
	}
	return now.Add(-r.MaxAge).UnixMilli()
}

// ReplayStore is the bounded per-tenant log of recently published actions.
type ReplayStore interface {
	// Append stores the action and returns it with its final timestamp,
	// which is never lower than any timestamp already stored for the tenant.
	Append(ctx context.Context, action *models.Action) (*models.Action, error)
	// Query returns the retained actions with timestamp > since, oldest
	// first, ties in insertion order.
	Query(ctx context.Context, tenantID string, since int64) ([]*models.Action, error)
}

type PresenceRepository interface {
	SetPresence(ctx context.Context, presence *models.Presence) error
	DeletePresence(ctx context.Context, tenantID, sessionID string) error
	CountPresence(ctx context.Context, tenantID string) (int, error)
}
