package models

// Identity is the authenticated caller of a sync endpoint.
type Identity struct {
	TenantID string
	UserID   string
}
