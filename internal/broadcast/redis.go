package broadcast

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/prudhvinik1/tenantsync/internal/models"
	"github.com/redis/go-redis/v9"
)

const channelPrefix = "sync:"

var ErrUnexpectedSubscribeReply = errors.New("unexpected reply to subscribe")

// RedisChannel fans actions out through Redis Pub/Sub, so every server
// process connected to the same Redis sees every action of a tenant.
type RedisChannel struct {
	client *redis.Client
	buffer int
	counts *counter
}

func NewRedisChannel(client *redis.Client, buffer int) *RedisChannel {
	if buffer <= 0 {
		buffer = DefaultBufferSize
	}
	return &RedisChannel{
		client: client,
		buffer: buffer,
		counts: newCounter(),
	}
}

func (r *RedisChannel) Publish(ctx context.Context, action *models.Action) error {
	data, err := json.Marshal(action)
	if err != nil {
		return fmt.Errorf("failed to marshal action: %w", err)
	}

	if err := r.client.Publish(ctx, channelName(action.TenantID), data).Err(); err != nil {
		return fmt.Errorf("failed to publish action: %w", err)
	}
	return nil
}

func (r *RedisChannel) Subscribe(ctx context.Context, tenantID string) (*Subscription, error) {
	pubsub := r.client.Subscribe(ctx, channelName(tenantID))

	// Wait for the subscribe confirmation: only then is delivery guaranteed
	reply, err := pubsub.Receive(ctx)
	if err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("failed to subscribe: %w", err)
	}
	if _, ok := reply.(*redis.Subscription); !ok {
		_ = pubsub.Close()
		return nil, ErrUnexpectedSubscribeReply
	}

	sub, sctx := newSubscription(ctx, r.buffer)
	r.counts.inc(tenantID)
	sub.release = func() { r.counts.dec(tenantID) }

	// A blocked read is only released by closing the connection
	go func() {
		<-sctx.Done()
		_ = pubsub.Close()
	}()

	go r.receive(sctx, tenantID, pubsub, sub)

	return sub, nil
}

func (r *RedisChannel) receive(
	ctx context.Context, tenantID string, pubsub *redis.PubSub, sub *Subscription,
) {
	for {
		msg, err := pubsub.ReceiveMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				sub.finish(nil)
				return
			}
			sub.finish(fmt.Errorf("broker connection lost: %w", err))
			return
		}

		var action models.Action
		if err := json.Unmarshal([]byte(msg.Payload), &action); err != nil {
			slog.Warn("Dropping malformed broadcast message",
				slog.String("tenant_id", tenantID),
				slog.Any("error", err),
			)
			continue
		}

		select {
		case sub.ch <- &action:
		default:
			// reader fell behind
			sub.finish(ErrSubscriberOverflow)
			return
		}
	}
}

func (r *RedisChannel) Subscribers(tenantID string) int {
	return r.counts.get(tenantID)
}

// ClusterSubscribers reports the subscriptions held for a tenant by every
// process connected to the broker.
func (r *RedisChannel) ClusterSubscribers(ctx context.Context, tenantID string) (int64, error) {
	name := channelName(tenantID)
	counts, err := r.client.PubSubNumSub(ctx, name).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to count subscribers: %w", err)
	}
	return counts[name], nil
}

func channelName(tenantID string) string {
	return channelPrefix + tenantID
}
