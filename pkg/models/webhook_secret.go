package models

import "time"

// WebhookSecret holds the per-provider HMAC secret used to verify inbound
// webhook signatures. Notion delivers the secret in its initial verification
// request, so the row is written the first time the handshake completes.
type WebhookSecret struct {
	Provider  string    `db:"provider" json:"provider"`
	Secret    string    `db:"secret" json:"-"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
}

// TableName returns the database table name
func (WebhookSecret) TableName() string {
	return "webhook_secrets"
}
