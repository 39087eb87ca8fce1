package repositories

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/prudhvinik1/tenantsync/internal/models"
	"github.com/redis/go-redis/v9"
)

const (
	presenceKeyPrefix    = "presence:"
	tenantPresencePrefix = "tenant:%s:presence"
	DefaultPresenceTTL   = 60 * time.Second // Presence expires without a heartbeat
)

type RedisPresenceRepository struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedisPresenceRepository(client *redis.Client, ttl time.Duration) *RedisPresenceRepository {
	if ttl <= 0 {
		ttl = DefaultPresenceTTL
	}
	return &RedisPresenceRepository{client: client, ttl: ttl}
}

// SetPresence records or refreshes a live sync connection. Sessions call this
// on every heartbeat to stay counted.
func (r *RedisPresenceRepository) SetPresence(ctx context.Context, presence *models.Presence) error {
	presence.LastSeen = time.Now()

	data, err := json.Marshal(presence)
	if err != nil {
		return fmt.Errorf("failed to marshal presence: %w", err)
	}

	key := presenceKey(presence.TenantID, presence.SessionID)
	tenantKey := fmt.Sprintf(tenantPresencePrefix, presence.TenantID)

	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, key, data, r.ttl)
		pipe.SAdd(ctx, tenantKey, presence.SessionID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to set presence: %w", err)
	}
	return nil
}

func (r *RedisPresenceRepository) DeletePresence(ctx context.Context, tenantID, sessionID string) error {
	tenantKey := fmt.Sprintf(tenantPresencePrefix, tenantID)

	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, presenceKey(tenantID, sessionID))
		pipe.SRem(ctx, tenantKey, sessionID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to delete presence: %w", err)
	}
	return nil
}

// CountPresence returns the number of live sync connections of a tenant.
// Index entries whose presence key has expired are cleaned up lazily.
func (r *RedisPresenceRepository) CountPresence(ctx context.Context, tenantID string) (int, error) {
	tenantKey := fmt.Sprintf(tenantPresencePrefix, tenantID)
	sessionIDs, err := r.client.SMembers(ctx, tenantKey).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to get tenant presence: %w", err)
	}
	if len(sessionIDs) == 0 {
		return 0, nil
	}

	keys := make([]string, len(sessionIDs))
	for i, id := range sessionIDs {
		keys[i] = presenceKey(tenantID, id)
	}

	// MGet retrieves every presence in one round trip
	results, err := r.client.MGet(ctx, keys...).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to get bulk presence: %w", err)
	}

	count := 0
	var expiredIDs []any
	for i, result := range results {
		if result == nil {
			expiredIDs = append(expiredIDs, sessionIDs[i])
			continue
		}
		count++
	}

	if len(expiredIDs) > 0 {
		if err := r.client.SRem(ctx, tenantKey, expiredIDs...).Err(); err != nil {
			return 0, fmt.Errorf("failed to remove expired presence: %w", err)
		}
	}
	return count, nil
}

// Helper: build Redis key for presence
func presenceKey(tenantID, sessionID string) string {
	return presenceKeyPrefix + tenantID + ":" + sessionID
}
