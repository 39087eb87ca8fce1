package services

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/prudhvinik1/tenantsync/internal/broadcast"
	"github.com/prudhvinik1/tenantsync/internal/models"
	"github.com/prudhvinik1/tenantsync/internal/repositories"
)

// PublishRequest describes a confirmed mutation, as reported by a business
// handler.
type PublishRequest struct {
	TenantID   string
	UserID     string
	Type       string
	EntityType string
	EntityID   string
	Payload    json.RawMessage
}

type Publisher struct {
	store   repositories.ReplayStore
	channel broadcast.Channel
	now     func() time.Time
}

func NewPublisher(store repositories.ReplayStore, channel broadcast.Channel) *Publisher {
	return &Publisher{
		store:   store,
		channel: channel,
		now:     time.Now,
	}
}

// Publish records the action in the replay store and then broadcasts it.
// A store failure fails the call and nothing is broadcast. A broadcast
// failure is only logged: the action stays recoverable through replay.
func (p *Publisher) Publish(ctx context.Context, req PublishRequest) (*models.Action, error) {
	if req.TenantID == "" {
		return nil, ErrMissingTenant
	}
	if req.UserID == "" {
		return nil, ErrMissingUser
	}
	if req.Type == "" {
		return nil, fmt.Errorf("%w: type is required", ErrInvalidAction)
	}

	action := &models.Action{
		ActionID:   uuid.NewString(),
		TenantID:   req.TenantID,
		UserID:     req.UserID,
		Type:       req.Type,
		EntityType: req.EntityType,
		EntityID:   req.EntityID,
		Payload:    req.Payload,
		Timestamp:  p.now().UnixMilli(),
	}

	stored, err := p.store.Append(ctx, action)
	if err != nil {
		return nil, fmt.Errorf("failed to store action: %w", err)
	}

	if err := p.channel.Publish(ctx, stored); err != nil {
		slog.Warn("Broadcast failed, action only available through replay",
			slog.String("tenant_id", stored.TenantID),
			slog.String("action_id", stored.ActionID),
			slog.Any("error", err),
		)
	}

	return stored, nil
}
