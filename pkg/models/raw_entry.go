package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/everlight/trellis/pkg/database"
)

// RawEntry is a unit of ingested content with its embedding vector. Entries
// are keyed by (tenant, provider, external_id) so re-delivered events update
// in place instead of duplicating.
type RawEntry struct {
	ID         uuid.UUID                      `db:"id" json:"id"`
	TenantID   uuid.UUID                      `db:"tenant_id" json:"tenant_id"`
	Provider   string                         `db:"provider" json:"provider"`
	ExternalID *string                        `db:"external_id" json:"external_id,omitempty"`
	Content    database.JSONB[map[string]any] `db:"content" json:"content"`
	Embedding  pq.Float64Array                `db:"embedding" json:"-"`
	DeletedAt  *time.Time                     `db:"deleted_at" json:"deleted_at,omitempty"`
	CreatedAt  time.Time                      `db:"created_at" json:"created_at"`
	UpdatedAt  time.Time                      `db:"updated_at" json:"updated_at"`
}

// TableName returns the database table name
func (RawEntry) TableName() string {
	return "raw_entries"
}

// IsDeleted reports whether the entry has been tombstoned.
func (e *RawEntry) IsDeleted() bool {
	return e.DeletedAt != nil
}
