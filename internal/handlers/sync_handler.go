package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prudhvinik1/tenantsync/internal/models"
	"github.com/prudhvinik1/tenantsync/internal/services"
)

const DefaultHeartbeat = 15 * time.Second

type SyncHandler struct {
	service   *services.SyncService
	resolver  IdentityResolver
	heartbeat time.Duration
}

func NewSyncHandler(service *services.SyncService, resolver IdentityResolver, heartbeat time.Duration) *SyncHandler {
	if heartbeat <= 0 {
		heartbeat = DefaultHeartbeat
	}
	return &SyncHandler{
		service:   service,
		resolver:  resolver,
		heartbeat: heartbeat,
	}
}

// Routes mounts the authenticated sync endpoints.
func (h *SyncHandler) Routes(r chi.Router) {
	r.Route("/sync", func(r chi.Router) {
		r.Use(Authenticate(h.resolver))
		r.Get("/stream", h.Stream)
		r.Get("/status", h.Status)
	})
}

// Stream serves the caller's sync session as Server-Sent Events.
func (h *SyncHandler) Stream(w http.ResponseWriter, r *http.Request) {
	identity, _ := IdentityFromContext(r.Context())

	since, err := parseTimestamp(r.URL.Query().Get("lastSyncTimestamp"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid lastSyncTimestamp")
		return
	}

	session, err := h.service.NewSession(identity, since)
	if errors.Is(err, services.ErrMissingTenant) || errors.Is(err, services.ErrMissingUser) {
		writeError(w, http.StatusForbidden, err.Error())
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to start session")
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	stream := &eventStream{w: w, flusher: flusher}
	if err := stream.comment("session " + session.ID()); err != nil {
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		h.keepAlive(ctx, cancel, stream, session)
	}()

	err = session.Run(ctx, func(action *models.Action) error {
		return stream.event("action", strconv.FormatInt(action.Timestamp, 10), action)
	})
	if err != nil {
		// The client treats this frame as "resync from scratch"
		_ = stream.event("error", "", errorResponse{Error: err.Error()})
	}

	cancel()
	wg.Wait()
}

// keepAlive writes heartbeat comments and refreshes presence until ctx ends.
// A failed write means the client is gone.
func (h *SyncHandler) keepAlive(
	ctx context.Context, cancel context.CancelFunc, stream *eventStream, session *services.Session,
) {
	ticker := time.NewTicker(h.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := stream.comment("ping"); err != nil {
				cancel()
				return
			}
			session.Touch(ctx)
		}
	}
}

// Status reports the caller's sync status.
func (h *SyncHandler) Status(w http.ResponseWriter, r *http.Request) {
	identity, _ := IdentityFromContext(r.Context())

	since, err := parseTimestamp(r.URL.Query().Get("since"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid since")
		return
	}

	writeJSON(w, http.StatusOK, h.service.Status(r.Context(), identity, since))
}

// eventStream serializes writes to an SSE response
type eventStream struct {
	mu      sync.Mutex
	w       http.ResponseWriter
	flusher http.Flusher
}

func (s *eventStream) event(name, id string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if id != "" {
		if _, err := fmt.Fprintf(s.w, "id: %s\n", id); err != nil {
			return err
		}
	}
	if _, err := fmt.Fprintf(s.w, "event: %s\ndata: %s\n\n", name, data); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}

func (s *eventStream) comment(text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := fmt.Fprintf(s.w, ": %s\n\n", text); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}

func parseTimestamp(raw string) (*int64, error) {
	if raw == "" {
		return nil, nil
	}
	ts, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || ts < 0 {
		return nil, fmt.Errorf("invalid timestamp %q", raw)
	}
	return &ts, nil
}
