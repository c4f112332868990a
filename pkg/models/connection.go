package models

import (
	"time"

	"github.com/google/uuid"

	"github.com/everlight/trellis/pkg/database"
)

// Provider names. These are the values stored in the provider columns and
// used in webhook routes.
const (
	ProviderNotion = "notion"
	ProviderGmail  = "gmail"
)

// Connection represents an authorized link between a tenant and an external
// provider account. The routing key identifies the provider-side account
// (Notion bot ID, Gmail address) so inbound events can be fanned out to every
// tenant connected to that account.
type Connection struct {
	ID           uuid.UUID                      `db:"id" json:"id"`
	TenantID     uuid.UUID                      `db:"tenant_id" json:"tenant_id"`
	Provider     string                         `db:"provider" json:"provider"`
	AccessToken  string                         `db:"access_token" json:"-"`
	RefreshToken *string                        `db:"refresh_token" json:"-"`
	RoutingKey   *string                        `db:"routing_key" json:"routing_key,omitempty"`
	ExpiresAt    *time.Time                     `db:"expires_at" json:"expires_at,omitempty"`
	Metadata     database.JSONB[map[string]any] `db:"metadata" json:"metadata,omitempty"`
	CreatedAt    time.Time                      `db:"created_at" json:"created_at"`
	UpdatedAt    time.Time                      `db:"updated_at" json:"updated_at"`
}

// TableName returns the database table name
func (Connection) TableName() string {
	return "integration_connections"
}

// HasRefreshToken reports whether the connection can be refreshed.
func (c *Connection) HasRefreshToken() bool {
	return c.RefreshToken != nil && *c.RefreshToken != ""
}

// ExpiresWithin reports whether the access token expires inside the window.
// Connections without an expiry (Notion tokens do not expire) never do.
func (c *Connection) ExpiresWithin(window time.Duration, now time.Time) bool {
	if c.ExpiresAt == nil {
		return false
	}
	return c.ExpiresAt.Before(now.Add(window))
}
