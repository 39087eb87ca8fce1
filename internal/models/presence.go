package models

import "time"

// Presence records one live sync connection.
type Presence struct {
	TenantID    string    `json:"tenant_id"`
	UserID      string    `json:"user_id"`
	SessionID   string    `json:"session_id"`
	ConnectedAt time.Time `json:"connected_at"`
	LastSeen    time.Time `json:"last_seen"`
}
