// Package broadcast fans published actions out to every live subscription
// of a tenant, across all server processes sharing the same broker.
package broadcast

import (
	"context"
	"errors"
	"sync"

	"github.com/prudhvinik1/tenantsync/internal/models"
)

var (
	ErrChannelClosed      = errors.New("broadcast channel closed")
	ErrSubscriberOverflow = errors.New("subscriber buffer overflow")
)

// DefaultBufferSize is the number of actions a subscription holds before
// its consumer reads them.
const DefaultBufferSize = 256

// Channel is the tenant-keyed publish/subscribe fabric.
type Channel interface {
	// Publish fans the action out to the live subscriptions of its tenant.
	Publish(ctx context.Context, action *models.Action) error
	// Subscribe returns once the subscription is active at the broker, so
	// that anything published afterwards is guaranteed to be delivered.
	Subscribe(ctx context.Context, tenantID string) (*Subscription, error)
	// Subscribers reports the live subscriptions this process holds for a
	// tenant.
	Subscribers(tenantID string) int
}

// Subscription is a lazy, unbounded sequence of live actions for one tenant.
// C is closed when the subscription ends; Err then reports why. Err is nil
// when the context was cancelled or Close was called.
type Subscription struct {
	ch     chan *models.Action
	done   chan struct{}
	cancel context.CancelFunc

	mu  sync.Mutex
	err error

	closeOnce sync.Once
	release   func()
}

func newSubscription(parent context.Context, buffer int) (*Subscription, context.Context) {
	ctx, cancel := context.WithCancel(parent)
	return &Subscription{
		ch:     make(chan *models.Action, buffer),
		done:   make(chan struct{}),
		cancel: cancel,
	}, ctx
}

// C returns the channel of live actions.
func (s *Subscription) C() <-chan *models.Action {
	return s.ch
}

// Err returns the error that terminated the subscription, if any.
func (s *Subscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Close cancels the subscription and releases its broker resources. It is
// safe to call more than once.
func (s *Subscription) Close() error {
	s.cancel()
	<-s.done
	return nil
}

// fail records err and cancels the subscription; the owner goroutine then
// finishes it.
func (s *Subscription) fail(err error) {
	s.setErr(err)
	s.cancel()
}

func (s *Subscription) setErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err == nil {
		s.err = err
	}
}

// finish records the terminal error, runs release and closes C exactly once.
// Only the goroutine that sends on C may call it.
func (s *Subscription) finish(err error) {
	s.closeOnce.Do(func() {
		s.setErr(err)
		s.cancel()
		if s.release != nil {
			s.release()
		}
		close(s.ch)
		close(s.done)
	})
}

// counter tracks live subscriptions per tenant within this process
type counter struct {
	mu     sync.Mutex
	counts map[string]int
}

func newCounter() *counter {
	return &counter{counts: map[string]int{}}
}

func (c *counter) inc(tenantID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.counts[tenantID]++
}

func (c *counter) dec(tenantID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.counts[tenantID]--
	if c.counts[tenantID] <= 0 {
		delete(c.counts, tenantID)
	}
}

func (c *counter) get(tenantID string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.counts[tenantID]
}
