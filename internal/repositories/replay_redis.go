package repositories

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/prudhvinik1/tenantsync/internal/models"
	"github.com/redis/go-redis/v9"
)

const (
	replayKeyPrefix   = "replay:"
	replayLogSuffix   = ":log"
	replaySeqSuffix   = ":seq"
	replayClockSuffix = ":ts"

	// members are "<zero padded insertion sequence>:<action json>" so that
	// equal scores sort in insertion order
	replaySeqWidth = 20
)

var ErrMalformedReplayEntry = errors.New("malformed replay entry")

const luaAppendAction = `
	-- Append one action, clamping its timestamp so the tenant log never
	-- goes backwards, then apply the retention policy
	-- KEYS[1] = replay log (sorted set scored by timestamp)
	-- KEYS[2] = insertion sequence
	-- KEYS[3] = last appended timestamp
	-- ARGV[1] = proposed timestamp (ms)
	-- ARGV[2] = action JSON
	-- ARGV[3] = oldest retained timestamp (ms), "0" = no age limit
	-- ARGV[4] = max entries, "0" = unbounded
	-- ARGV[5] = key expiry (ms), "0" = none
	-- Returns: the timestamp the action was stored under

	local ts = ARGV[1]
	local last = redis.call('GET', KEYS[3])
	if last and tonumber(last) > tonumber(ts) then
		ts = last
	end

	local seq = redis.call('INCR', KEYS[2])
	redis.call('ZADD', KEYS[1], ts, string.format('%020d', seq) .. ':' .. ARGV[2])
	redis.call('SET', KEYS[3], ts)

	if ARGV[3] ~= '0' then
		redis.call('ZREMRANGEBYSCORE', KEYS[1], '-inf', '(' .. ARGV[3])
	end

	local max = tonumber(ARGV[4])
	if max > 0 then
		local n = redis.call('ZCARD', KEYS[1])
		if n > max then
			redis.call('ZREMRANGEBYRANK', KEYS[1], 0, n - max - 1)
		end
	end

	if ARGV[5] ~= '0' then
		for i = 1, #KEYS do
			redis.call('PEXPIRE', KEYS[i], ARGV[5])
		end
	end

	return ts
	`

// RedisReplayStore keeps each tenant's replay log in a Redis sorted set.
type RedisReplayStore struct {
	client    *redis.Client
	retention ReplayRetention
	appendLua *redis.Script
	now       func() time.Time
}

func NewRedisReplayStore(client *redis.Client, retention ReplayRetention) *RedisReplayStore {
	return &RedisReplayStore{
		client:    client,
		retention: retention,
		appendLua: redis.NewScript(luaAppendAction),
		now:       time.Now,
	}
}

func (r *RedisReplayStore) Append(ctx context.Context, action *models.Action) (*models.Action, error) {
	data, err := json.Marshal(action)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal action: %w", err)
	}

	keys := []string{
		replayKey(action.TenantID, replayLogSuffix),
		replayKey(action.TenantID, replaySeqSuffix),
		replayKey(action.TenantID, replayClockSuffix),
	}
	args := []any{
		strconv.FormatInt(action.Timestamp, 10),
		string(data),
		strconv.FormatInt(r.retention.cutoff(r.now()), 10),
		strconv.Itoa(max(r.retention.MaxEntries, 0)),
		strconv.FormatInt(max(r.retention.MaxAge.Milliseconds(), 0), 10),
	}

	ts, err := r.appendLua.Run(ctx, r.client, keys, args...).Int64()
	if err != nil {
		return nil, fmt.Errorf("failed to append action: %w", err)
	}

	stored := *action
	stored.Timestamp = ts
	return &stored, nil
}

func (r *RedisReplayStore) Query(ctx context.Context, tenantID string, since int64) ([]*models.Action, error) {
	key := replayKey(tenantID, replayLogSuffix)
	cutoff := r.retention.cutoff(r.now())

	var entries *redis.ZSliceCmd
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		// Passive eviction: anything older than the window goes before the read
		if cutoff > 0 {
			pipe.ZRemRangeByScore(ctx, key, "-inf", "("+strconv.FormatInt(cutoff, 10))
		}
		entries = pipe.ZRangeByScoreWithScores(ctx, key, &redis.ZRangeBy{
			Min: "(" + strconv.FormatInt(since, 10),
			Max: "+inf",
		})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to query replay log: %w", err)
	}

	zs := entries.Val()
	actions := make([]*models.Action, 0, len(zs))
	for _, z := range zs {
		action, err := decodeReplayMember(z)
		if err != nil {
			return nil, err
		}
		actions = append(actions, action)
	}
	return actions, nil
}

func decodeReplayMember(z redis.Z) (*models.Action, error) {
	member, ok := z.Member.(string)
	if !ok || len(member) <= replaySeqWidth || member[replaySeqWidth] != ':' {
		return nil, ErrMalformedReplayEntry
	}

	var action models.Action
	if err := json.Unmarshal([]byte(member[replaySeqWidth+1:]), &action); err != nil {
		return nil, fmt.Errorf("failed to unmarshal action: %w", err)
	}
	// The score is authoritative: the script may have clamped the timestamp
	action.Timestamp = int64(z.Score)
	return &action, nil
}

// Helper: build Redis key for a tenant's replay structures. The hash tag
// keeps all of a tenant's keys in one cluster slot for the append script.
func replayKey(tenantID, suffix string) string {
	return fmt.Sprintf("%s{%s}%s", replayKeyPrefix, tenantID, suffix)
}
