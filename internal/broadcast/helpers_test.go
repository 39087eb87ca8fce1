package broadcast

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prudhvinik1/tenantsync/internal/models"
	"github.com/stretchr/testify/require"
)

const waitFor = 2 * time.Second

func newAction(tenantID string) *models.Action {
	return &models.Action{
		ActionID:  uuid.NewString(),
		TenantID:  tenantID,
		UserID:    "u1",
		Type:      "created",
		Timestamp: time.Now().UnixMilli(),
	}
}

// receive waits for the next action on the subscription
func receive(t *testing.T, sub *Subscription) *models.Action {
	t.Helper()
	select {
	case action, ok := <-sub.C():
		require.True(t, ok, "subscription closed unexpectedly: %v", sub.Err())
		return action
	case <-time.After(waitFor):
		require.FailNow(t, "timed out waiting for action")
		return nil
	}
}

// assertNothing checks that no action arrives within a short window
func assertNothing(t *testing.T, sub *Subscription) {
	t.Helper()
	select {
	case action, ok := <-sub.C():
		if ok {
			require.FailNow(t, "unexpected action", "%+v", action)
		}
	case <-time.After(100 * time.Millisecond):
	}
}

// waitClosed waits for the subscription to terminate
func waitClosed(t *testing.T, sub *Subscription) {
	t.Helper()
	deadline := time.After(waitFor)
	for {
		select {
		case _, ok := <-sub.C():
			if !ok {
				return
			}
		case <-deadline:
			require.FailNow(t, "timed out waiting for subscription to close")
		}
	}
}
