package broadcast

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/prudhvinik1/tenantsync/internal/models"
)

// MemoryChannel fans actions out within a single process. It serves
// single-instance deployments and tests.
type MemoryChannel struct {
	mu      sync.RWMutex
	tenants map[string]map[string]*Subscription
	buffer  int
	counts  *counter
	closed  bool
}

func NewMemoryChannel(buffer int) *MemoryChannel {
	if buffer <= 0 {
		buffer = DefaultBufferSize
	}
	return &MemoryChannel{
		tenants: map[string]map[string]*Subscription{},
		buffer:  buffer,
		counts:  newCounter(),
	}
}

// Publish never blocks: a subscriber whose buffer is full is terminated with
// ErrSubscriberOverflow rather than silently missing the action.
func (m *MemoryChannel) Publish(_ context.Context, action *models.Action) error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return ErrChannelClosed
	}

	for _, sub := range m.tenants[action.TenantID] {
		select {
		case sub.ch <- action:
		default:
			sub.fail(ErrSubscriberOverflow)
		}
	}
	return nil
}

func (m *MemoryChannel) Subscribe(ctx context.Context, tenantID string) (*Subscription, error) {
	sub, sctx := newSubscription(ctx, m.buffer)
	id := uuid.NewString()

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		sub.cancel()
		return nil, ErrChannelClosed
	}
	subs, ok := m.tenants[tenantID]
	if !ok {
		subs = map[string]*Subscription{}
		m.tenants[tenantID] = subs
	}
	subs[id] = sub
	m.mu.Unlock()

	m.counts.inc(tenantID)
	sub.release = func() { m.counts.dec(tenantID) }

	go func() {
		<-sctx.Done()
		m.remove(tenantID, id)
		sub.finish(nil)
	}()

	return sub, nil
}

func (m *MemoryChannel) Subscribers(tenantID string) int {
	return m.counts.get(tenantID)
}

// Close terminates every subscription with ErrChannelClosed.
func (m *MemoryChannel) Close() error {
	m.mu.Lock()
	m.closed = true
	var subs []*Subscription
	for _, tenant := range m.tenants {
		for _, sub := range tenant {
			subs = append(subs, sub)
		}
	}
	m.mu.Unlock()

	for _, sub := range subs {
		sub.fail(ErrChannelClosed)
		<-sub.done
	}
	return nil
}

// remove detaches a subscription so that no Publish can send to it once it
// is finished
func (m *MemoryChannel) remove(tenantID, id string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	subs := m.tenants[tenantID]
	delete(subs, id)
	if len(subs) == 0 {
		delete(m.tenants, tenantID)
	}
}
