package models

import (
	"time"

	"github.com/google/uuid"
)

// Tenant represents an authenticated user of the gateway. Tenants are
// provisioned lazily the first time a subject shows up in a verified token.
type Tenant struct {
	ID              uuid.UUID `db:"id" json:"id"`
	ExternalSubject string    `db:"external_subject" json:"external_subject"`
	Email           *string   `db:"email" json:"email,omitempty"`
	CreatedAt       time.Time `db:"created_at" json:"created_at"`
}

// TableName returns the database table name
func (Tenant) TableName() string {
	return "tenants"
}
