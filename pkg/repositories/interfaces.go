package repositories

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/everlight/trellis/pkg/models"
)

// ConnectionRepo defines the interface for connection repository operations
type ConnectionRepo interface {
	Upsert(ctx context.Context, conn *models.Connection) error
	GetByID(ctx context.Context, id uuid.UUID) (*models.Connection, error)
	GetByProvider(ctx context.Context, provider string) (*models.Connection, error)
	ListByTenant(ctx context.Context) ([]models.Connection, error)
	ListByRoutingKey(ctx context.Context, provider string, routingKey string) ([]models.Connection, error)
	ListByProvider(ctx context.Context, provider string) ([]models.Connection, error)
	UpdateTokens(ctx context.Context, id uuid.UUID, accessToken string, refreshToken *string, expiresAt *time.Time) (*models.Connection, error)
	UpdateMetadata(ctx context.Context, id uuid.UUID, metadata map[string]any) error
	Delete(ctx context.Context, provider string) error
}

// EntryRepo defines the interface for raw entry repository operations
type EntryRepo interface {
	Upsert(ctx context.Context, entry *models.RawEntry) (UpsertOp, error)
	GetByID(ctx context.Context, id uuid.UUID) (*models.RawEntry, error)
	GetByExternalID(ctx context.Context, provider string, externalID string) (*models.RawEntry, error)
	List(ctx context.Context, provider string, limit int, offset int) ([]models.RawEntry, error)
	Count(ctx context.Context, provider string) (int64, error)
	Tombstone(ctx context.Context, provider string, externalID string) error
}

// WebhookSecretRepo defines the interface for webhook secret operations
type WebhookSecretRepo interface {
	Get(ctx context.Context, provider string) (*models.WebhookSecret, error)
	Save(ctx context.Context, provider string, secret string) error
}

// TenantRepo defines the interface for tenant repository operations
type TenantRepo interface {
	GetBySubject(ctx context.Context, subject string) (*models.Tenant, error)
	GetByID(ctx context.Context, id uuid.UUID) (*models.Tenant, error)
	ResolveTenant(ctx context.Context, subject string, email string) (string, error)
}
