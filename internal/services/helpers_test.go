package services

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prudhvinik1/tenantsync/internal/broadcast"
	"github.com/prudhvinik1/tenantsync/internal/models"
	"github.com/stretchr/testify/require"
)

const waitFor = 2 * time.Second

var errBrokerDown = errors.New("broker down")

// memoryStore is an in-process ReplayStore with hooks for racing a query
type memoryStore struct {
	mu        sync.Mutex
	actions   []*models.Action
	appendErr error
	queryErr  error

	// beforeQuery runs before the query reads the log, afterQuery after
	beforeQuery func()
	afterQuery  func()
}

func (m *memoryStore) Append(_ context.Context, action *models.Action) (*models.Action, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.appendErr != nil {
		return nil, m.appendErr
	}
	stored := *action
	if n := len(m.actions); n > 0 && m.actions[n-1].Timestamp > stored.Timestamp {
		stored.Timestamp = m.actions[n-1].Timestamp
	}
	m.actions = append(m.actions, &stored)
	return &stored, nil
}

func (m *memoryStore) Query(_ context.Context, tenantID string, since int64) ([]*models.Action, error) {
	if hook := takeHook(&m.mu, &m.beforeQuery); hook != nil {
		hook()
	}

	m.mu.Lock()
	err := m.queryErr
	var res []*models.Action
	for _, a := range m.actions {
		if a.TenantID == tenantID && a.Timestamp > since {
			res = append(res, a)
		}
	}
	m.mu.Unlock()

	if hook := takeHook(&m.mu, &m.afterQuery); hook != nil {
		hook()
	}
	if err != nil {
		return nil, err
	}
	return res, nil
}

// takeHook returns the hook and clears it so it only fires once
func takeHook(mu *sync.Mutex, hook *func()) func() {
	mu.Lock()
	defer mu.Unlock()
	h := *hook
	*hook = nil
	return h
}

// failingChannel rejects every publish
type failingChannel struct {
	broadcast.Channel
}

func (failingChannel) Publish(context.Context, *models.Action) error {
	return errBrokerDown
}

// memoryPresence records live sessions in a map
type memoryPresence struct {
	mu       sync.Mutex
	sessions map[string]string
	countErr error
}

func newMemoryPresence() *memoryPresence {
	return &memoryPresence{sessions: map[string]string{}}
}

func (m *memoryPresence) SetPresence(_ context.Context, p *models.Presence) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[p.SessionID] = p.TenantID
	return nil
}

func (m *memoryPresence) DeletePresence(_ context.Context, _, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, sessionID)
	return nil
}

func (m *memoryPresence) CountPresence(_ context.Context, tenantID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.countErr != nil {
		return 0, m.countErr
	}
	n := 0
	for _, t := range m.sessions {
		if t == tenantID {
			n++
		}
	}
	return n, nil
}

type fixture struct {
	store     *memoryStore
	channel   *broadcast.MemoryChannel
	presence  *memoryPresence
	service   *SyncService
	publisher *Publisher
}

func newFixture() *fixture {
	store := &memoryStore{}
	channel := broadcast.NewMemoryChannel(64)
	presence := newMemoryPresence()
	return &fixture{
		store:     store,
		channel:   channel,
		presence:  presence,
		service:   NewSyncService(store, channel, presence, DefaultSyncOptions()),
		publisher: NewPublisher(store, channel),
	}
}

func (f *fixture) publish(t *testing.T, tenantID, userID, entityID string) *models.Action {
	t.Helper()
	action, err := f.publisher.Publish(context.Background(), PublishRequest{
		TenantID:   tenantID,
		UserID:     userID,
		Type:       "updated",
		EntityType: "guest",
		EntityID:   entityID,
	})
	require.NoError(t, err)
	return action
}

// running is a session executing in the background
type running struct {
	session *Session
	actions chan *models.Action
	done    chan error
	cancel  context.CancelFunc
}

func (f *fixture) start(t *testing.T, identity models.Identity, since *int64) *running {
	t.Helper()
	session, err := f.service.NewSession(identity, since)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	r := &running{
		session: session,
		actions: make(chan *models.Action, 256),
		done:    make(chan error, 1),
		cancel:  cancel,
	}
	go func() {
		r.done <- session.Run(ctx, func(a *models.Action) error {
			r.actions <- a
			return nil
		})
	}()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-r.done:
			r.done <- err
		case <-time.After(waitFor):
		}
	})
	return r
}

// waitLive blocks until the session forwards live actions
func (r *running) waitLive(t *testing.T) {
	t.Helper()
	require.Eventually(t, func() bool {
		return r.session.State() == StateLive
	}, waitFor, 5*time.Millisecond)
}

// next returns the next n delivered action IDs
func (r *running) next(t *testing.T, n int) []string {
	t.Helper()
	ids := make([]string, 0, n)
	for range n {
		select {
		case a := <-r.actions:
			ids = append(ids, a.ActionID)
		case err := <-r.done:
			require.FailNow(t, "session ended early", "error: %v", err)
		case <-time.After(waitFor):
			require.FailNow(t, "timed out waiting for actions", "got %v", ids)
		}
	}
	return ids
}

// quiet checks that nothing else is delivered within a short window
func (r *running) quiet(t *testing.T) {
	t.Helper()
	select {
	case a := <-r.actions:
		require.FailNow(t, "unexpected action", "%+v", a)
	case <-time.After(100 * time.Millisecond):
	}
}

// stop cancels the session and returns Run's result
func (r *running) stop(t *testing.T) error {
	t.Helper()
	r.cancel()
	return r.wait(t)
}

func (r *running) wait(t *testing.T) error {
	t.Helper()
	select {
	case err := <-r.done:
		r.done <- err
		return err
	case <-time.After(waitFor):
		require.FailNow(t, "session did not stop")
		return nil
	}
}

func ptr(v int64) *int64 {
	return &v
}

func ids(actions ...*models.Action) []string {
	res := make([]string, len(actions))
	for i, a := range actions {
		res[i] = a.ActionID
	}
	return res
}
