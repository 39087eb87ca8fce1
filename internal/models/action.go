package models

import "encoding/json"

// Action is the immutable unit of change propagated to the other sync
// clients of a tenant.
type Action struct {
	ActionID   string          `json:"actionId"`
	TenantID   string          `json:"tenantId"`
	UserID     string          `json:"userId"`
	Type       string          `json:"type"`
	EntityType string          `json:"entityType"`
	EntityID   string          `json:"entityId"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	Timestamp  int64           `json:"timestamp"`
}
