package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/prudhvinik1/tenantsync/internal/broadcast"
	"github.com/prudhvinik1/tenantsync/internal/models"
	"github.com/prudhvinik1/tenantsync/internal/repositories"
)

var (
	ErrMissingTenant  = errors.New("missing tenant")
	ErrMissingUser    = errors.New("missing user")
	ErrInvalidAction  = errors.New("invalid action")
	ErrStreamClosed   = errors.New("live stream closed")
	ErrCatchUpBacklog = errors.New("too many live actions during catch-up")
)

// DefaultMaxPending bounds the live actions buffered while catching up.
const DefaultMaxPending = 10000

type SessionState int32

const (
	StateStarting SessionState = iota
	StateCatchingUp
	StateLive
	StateClosed
)

func (s SessionState) String() string {
	switch s {
	case StateStarting:
		return "starting"
	case StateCatchingUp:
		return "catching_up"
	case StateLive:
		return "live"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

type SyncOptions struct {
	DedupWindow int
	MaxPending  int
}

func DefaultSyncOptions() SyncOptions {
	return SyncOptions{
		DedupWindow: DefaultDedupWindow,
		MaxPending:  DefaultMaxPending,
	}
}

// SyncService opens sync sessions and answers status queries. The store and
// channel are process-wide handles shared by every session.
type SyncService struct {
	store    repositories.ReplayStore
	channel  broadcast.Channel
	presence repositories.PresenceRepository
	opts     SyncOptions
}

type StatusResult struct {
	Connected      bool    `json:"connected"`
	MissedCount    int     `json:"missedCount"`
	UserID         string  `json:"userId"`
	TenantID       *string `json:"tenantId"`
	ActiveSessions int     `json:"activeSessions"`
}

// NewSyncService wires the session dependencies. presence may be nil, in
// which case connections are not tracked.
func NewSyncService(
	store repositories.ReplayStore,
	channel broadcast.Channel,
	presence repositories.PresenceRepository,
	opts SyncOptions,
) *SyncService {
	if opts.DedupWindow <= 0 {
		opts.DedupWindow = DefaultDedupWindow
	}
	if opts.MaxPending <= 0 {
		opts.MaxPending = DefaultMaxPending
	}
	return &SyncService{
		store:    store,
		channel:  channel,
		presence: presence,
		opts:     opts,
	}
}

// NewSession creates a session for the caller. A nil lastSyncTimestamp
// means the client has no prior state to resume and skips catch-up.
func (s *SyncService) NewSession(identity models.Identity, lastSyncTimestamp *int64) (*Session, error) {
	if identity.TenantID == "" {
		return nil, ErrMissingTenant
	}
	if identity.UserID == "" {
		return nil, ErrMissingUser
	}

	var since *int64
	if lastSyncTimestamp != nil {
		v := *lastSyncTimestamp
		since = &v
	}

	return &Session{
		id:          uuid.NewString(),
		tenantID:    identity.TenantID,
		userID:      identity.UserID,
		since:       since,
		svc:         s,
		seen:        newRecentIDs(s.opts.DedupWindow),
		connectedAt: time.Now(),
	}, nil
}

// Status reports how many actions a resync would deliver right now. It
// never fails: errors degrade to zero counts.
func (s *SyncService) Status(ctx context.Context, identity models.Identity, since *int64) StatusResult {
	res := StatusResult{UserID: identity.UserID}
	if identity.TenantID == "" {
		return res
	}

	tenantID := identity.TenantID
	res.TenantID = &tenantID
	res.Connected = true

	if since != nil {
		actions, err := s.store.Query(ctx, tenantID, *since)
		if err != nil {
			slog.Warn("Status replay query failed",
				slog.String("tenant_id", tenantID),
				slog.Any("error", err),
			)
		}
		for _, action := range actions {
			if action.UserID != identity.UserID {
				res.MissedCount++
			}
		}
	}

	if s.presence != nil {
		count, err := s.presence.CountPresence(ctx, tenantID)
		if err != nil {
			slog.Warn("Presence count failed",
				slog.String("tenant_id", tenantID),
				slog.Any("error", err),
			)
		}
		res.ActiveSessions = count
	}

	return res
}

// Session streams one client's missed and live actions. A Session is run
// once.
type Session struct {
	id          string
	tenantID    string
	userID      string
	since       *int64
	svc         *SyncService
	seen        *recentIDs
	state       atomic.Int32
	delivered   atomic.Int64
	connectedAt time.Time
}

func (s *Session) ID() string {
	return s.id
}

func (s *Session) State() SessionState {
	return SessionState(s.state.Load())
}

// Delivered returns the number of actions handed to emit so far.
func (s *Session) Delivered() int64 {
	return s.delivered.Load()
}

// Run subscribes to the tenant's live channel, replays what the client
// missed, then forwards live actions until ctx is cancelled. emit is called
// sequentially from the calling goroutine. Cancellation returns nil; a broker
// failure while ctx is still live is returned.
func (s *Session) Run(ctx context.Context, emit func(*models.Action) error) error {
	defer s.state.Store(int32(StateClosed))

	// Subscribe before the replay query so nothing published in between is lost
	sub, err := s.svc.channel.Subscribe(ctx, s.tenantID)
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("failed to subscribe: %w", err)
	}
	defer sub.Close()

	s.register(ctx)
	defer s.unregister()

	s.state.Store(int32(StateCatchingUp))
	replayed, pending, err := s.catchUp(ctx, sub)
	if err != nil {
		return s.closeError(ctx, err)
	}

	replayedIDs := make(map[string]struct{}, len(replayed))
	for _, action := range replayed {
		replayedIDs[action.ActionID] = struct{}{}
		if err := s.deliver(action, emit); err != nil {
			return s.closeError(ctx, err)
		}
	}

	s.state.Store(int32(StateLive))
	for _, action := range pending {
		if _, ok := replayedIDs[action.ActionID]; ok {
			continue
		}
		if s.since != nil && action.Timestamp <= *s.since {
			continue
		}
		if err := s.deliver(action, emit); err != nil {
			return s.closeError(ctx, err)
		}
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case action, ok := <-sub.C():
			if !ok {
				return s.closeError(ctx, s.streamError(sub))
			}
			if err := s.deliver(action, emit); err != nil {
				return s.closeError(ctx, err)
			}
		}
	}
}

// Touch refreshes the session's presence record.
func (s *Session) Touch(ctx context.Context) {
	s.register(ctx)
}

type replayResult struct {
	actions []*models.Action
	err     error
}

// catchUp runs the replay query while buffering whatever arrives live
func (s *Session) catchUp(
	ctx context.Context, sub *broadcast.Subscription,
) ([]*models.Action, []*models.Action, error) {
	if s.since == nil {
		return nil, nil, nil
	}

	done := make(chan replayResult, 1)
	go func() {
		actions, err := s.svc.store.Query(ctx, s.tenantID, *s.since)
		done <- replayResult{actions: actions, err: err}
	}()

	var pending []*models.Action
	for {
		select {
		case <-ctx.Done():
			return nil, nil, ctx.Err()
		case res := <-done:
			if res.err != nil {
				if ctx.Err() != nil {
					return nil, nil, ctx.Err()
				}
				slog.Warn("Catch-up query failed, continuing with live actions only",
					slog.String("tenant_id", s.tenantID),
					slog.String("session_id", s.id),
					slog.Any("error", res.err),
				)
				return nil, pending, nil
			}
			return res.actions, pending, nil
		case action, ok := <-sub.C():
			if !ok {
				return nil, nil, s.streamError(sub)
			}
			if len(pending) >= s.svc.opts.MaxPending {
				return nil, nil, ErrCatchUpBacklog
			}
			pending = append(pending, action)
		}
	}
}

func (s *Session) deliver(action *models.Action, emit func(*models.Action) error) error {
	if action.UserID == s.userID || action.TenantID != s.tenantID {
		return nil
	}
	if s.seen.Contains(action.ActionID) {
		return nil
	}
	if err := emit(action); err != nil {
		return fmt.Errorf("failed to deliver action: %w", err)
	}
	s.seen.Add(action.ActionID)
	s.delivered.Add(1)
	return nil
}

func (s *Session) streamError(sub *broadcast.Subscription) error {
	if err := sub.Err(); err != nil {
		return fmt.Errorf("%w: %w", ErrStreamClosed, err)
	}
	return ErrStreamClosed
}

// closeError swallows anything that happens once the client is gone
func (s *Session) closeError(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return nil
	}
	slog.Error("Sync session failed",
		slog.String("tenant_id", s.tenantID),
		slog.String("user_id", s.userID),
		slog.String("session_id", s.id),
		slog.String("state", s.State().String()),
		slog.Any("error", err),
	)
	return err
}

func (s *Session) register(ctx context.Context) {
	if s.svc.presence == nil {
		return
	}
	err := s.svc.presence.SetPresence(ctx, &models.Presence{
		TenantID:    s.tenantID,
		UserID:      s.userID,
		SessionID:   s.id,
		ConnectedAt: s.connectedAt,
	})
	if err != nil && ctx.Err() == nil {
		slog.Warn("Failed to record presence",
			slog.String("session_id", s.id),
			slog.Any("error", err),
		)
	}
}

func (s *Session) unregister() {
	if s.svc.presence == nil {
		return
	}
	// The request context is usually cancelled by now
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.svc.presence.DeletePresence(ctx, s.tenantID, s.id); err != nil {
		slog.Warn("Failed to clear presence",
			slog.String("session_id", s.id),
			slog.Any("error", err),
		)
	}
}
