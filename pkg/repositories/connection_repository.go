package repositories

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"time"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/Gobusters/ectologger"
	"github.com/google/uuid"
	"github.com/huandu/go-sqlbuilder"
	"github.com/lib/pq"

	"github.com/everlight/trellis/pkg/database"
	"github.com/everlight/trellis/pkg/models"
	"github.com/everlight/trellis/pkg/tracing"
)

const connectionsTable = "integration_connections"

var connectionStruct = database.NewStruct(new(models.Connection))

// ConnectionRepository handles database operations for provider connections
type ConnectionRepository struct {
	*Repository
}

// NewConnectionRepository creates a new connection repository
func NewConnectionRepository(db database.DB, logger ectologger.Logger) *ConnectionRepository {
	return &ConnectionRepository{
		Repository: NewRepository(db, logger),
	}
}

// Upsert creates a connection or, when the tenant already has one for the
// provider and routing key, replaces its credentials. Reconnecting must not
// produce a second row.
func (r *ConnectionRepository) Upsert(ctx context.Context, conn *models.Connection) error {
	ctx, span := tracing.StartSpan(ctx, "ConnectionRepository.Upsert")
	defer span.End()

	tenantID, err := GetTenantID(ctx)
	if err != nil {
		return err
	}
	conn.TenantID = tenantID

	if conn.ID == uuid.Nil {
		conn.ID = uuid.New()
	}

	ib := database.NewInsertBuilder()
	ib.InsertInto(connectionsTable).
		Cols("id", "tenant_id", "provider", "access_token", "refresh_token", "routing_key", "expires_at", "metadata", "created_at", "updated_at").
		Values(conn.ID, conn.TenantID, conn.Provider, conn.AccessToken, conn.RefreshToken, conn.RoutingKey, conn.ExpiresAt, conn.Metadata,
			sqlbuilder.Raw("NOW()"), sqlbuilder.Raw("NOW()"))
	ib.SQL(`ON CONFLICT (tenant_id, provider, COALESCE(routing_key, '')) DO UPDATE SET
		access_token = EXCLUDED.access_token,
		refresh_token = EXCLUDED.refresh_token,
		expires_at = EXCLUDED.expires_at,
		metadata = EXCLUDED.metadata,
		updated_at = NOW()`)
	ib.Returning("id", "created_at", "updated_at")

	query, args := ib.Build()
	err = r.DB().QueryRowContext(ctx, query, args...).Scan(&conn.ID, &conn.CreatedAt, &conn.UpdatedAt)
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"provider": conn.Provider,
		}).Error("failed to upsert connection")
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to upsert connection")
	}

	r.logger.WithContext(ctx).WithFields(map[string]any{
		"connection_id": conn.ID,
		"provider":      conn.Provider,
	}).Debugf("Upserted %s", connectionsTable)
	return nil
}

// GetByID retrieves a connection by ID (tenant-scoped)
func (r *ConnectionRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.Connection, error) {
	ctx, span := tracing.StartSpan(ctx, "ConnectionRepository.GetByID")
	defer span.End()

	tenantID, err := GetTenantID(ctx)
	if err != nil {
		return nil, err
	}

	sb := connectionStruct.SelectFrom(connectionsTable)
	sb.Where(sb.Equal("tenant_id", tenantID), sb.Equal("id", id))

	query, args := sb.Build()
	var conn models.Connection
	err = r.DB().GetContext(ctx, &conn, query, args...)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, httperror.NewHTTPErrorf(http.StatusNotFound, "connection %s does not exist", id)
	}
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"connection_id": id,
		}).Error("failed to get connection by ID")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to get connection by ID")
	}

	return &conn, nil
}

// GetByProvider retrieves the tenant's connection for a provider
func (r *ConnectionRepository) GetByProvider(ctx context.Context, provider string) (*models.Connection, error) {
	ctx, span := tracing.StartSpan(ctx, "ConnectionRepository.GetByProvider")
	defer span.End()

	tenantID, err := GetTenantID(ctx)
	if err != nil {
		return nil, err
	}

	sb := connectionStruct.SelectFrom(connectionsTable)
	sb.Where(sb.Equal("tenant_id", tenantID), sb.Equal("provider", provider))
	sb.Limit(1)

	query, args := sb.Build()
	var conn models.Connection
	err = r.DB().GetContext(ctx, &conn, query, args...)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, httperror.NewHTTPErrorf(http.StatusNotFound, "no %s connection for tenant", provider)
	}
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"provider": provider,
		}).Error("failed to get connection by provider")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to get connection by provider")
	}

	return &conn, nil
}

// ListByTenant retrieves all connections for the current tenant
func (r *ConnectionRepository) ListByTenant(ctx context.Context) ([]models.Connection, error) {
	ctx, span := tracing.StartSpan(ctx, "ConnectionRepository.ListByTenant")
	defer span.End()

	tenantID, err := GetTenantID(ctx)
	if err != nil {
		return nil, err
	}

	sb := connectionStruct.SelectFrom(connectionsTable)
	sb.Where(sb.Equal("tenant_id", tenantID))
	sb.OrderBy("provider")

	query, args := sb.Build()
	var conns []models.Connection
	err = r.DB().SelectContext(ctx, &conns, query, args...)
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("failed to list connections")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to list connections")
	}

	return conns, nil
}

// ListByRoutingKey retrieves every connection for a provider routing key
// across all tenants. This is the fan-out query: a single inbound event may
// belong to many tenants connected to the same provider account.
func (r *ConnectionRepository) ListByRoutingKey(ctx context.Context, provider string, routingKey string) ([]models.Connection, error) {
	ctx, span := tracing.StartSpan(ctx, "ConnectionRepository.ListByRoutingKey")
	defer span.End()

	sb := connectionStruct.SelectFrom(connectionsTable)
	sb.Where(sb.Equal("provider", provider), sb.Equal("routing_key", routingKey))
	sb.OrderBy("created_at")

	query, args := sb.Build()
	var conns []models.Connection
	err := r.DB().SelectContext(ctx, &conns, query, args...)
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"provider": provider,
		}).Error("failed to list connections by routing key")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to list connections by routing key")
	}

	return conns, nil
}

// ListByProvider retrieves every connection for a provider across all
// tenants. Used by the watch renewal scheduler.
func (r *ConnectionRepository) ListByProvider(ctx context.Context, provider string) ([]models.Connection, error) {
	ctx, span := tracing.StartSpan(ctx, "ConnectionRepository.ListByProvider")
	defer span.End()

	sb := connectionStruct.SelectFrom(connectionsTable)
	sb.Where(sb.Equal("provider", provider))
	sb.OrderBy("created_at")

	query, args := sb.Build()
	var conns []models.Connection
	err := r.DB().SelectContext(ctx, &conns, query, args...)
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"provider": provider,
		}).Error("failed to list connections by provider")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to list connections by provider")
	}

	return conns, nil
}

// UpdateTokens replaces a connection's credentials in a single statement.
// Concurrent refreshes are last-write-wins at the row level.
func (r *ConnectionRepository) UpdateTokens(ctx context.Context, id uuid.UUID, accessToken string, refreshToken *string, expiresAt *time.Time) (*models.Connection, error) {
	ctx, span := tracing.StartSpan(ctx, "ConnectionRepository.UpdateTokens")
	defer span.End()

	ub := database.NewUpdateBuilder()
	ub.Update(connectionsTable).
		Set(
			ub.Assign("access_token", accessToken),
			ub.Assign("refresh_token", refreshToken),
			ub.Assign("expires_at", expiresAt),
			ub.Assign("updated_at", sqlbuilder.Raw("NOW()")),
		).
		Where(ub.Equal("id", id))
	ub.SQL("RETURNING tenant_id, provider, routing_key, metadata, updated_at")

	query, args := ub.Build()
	conn := models.Connection{ID: id, AccessToken: accessToken, RefreshToken: refreshToken, ExpiresAt: expiresAt}
	var routingKey sql.NullString
	err := r.DB().QueryRowContext(ctx, query, args...).Scan(&conn.TenantID, &conn.Provider, &routingKey, &conn.Metadata, &conn.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, httperror.NewHTTPErrorf(http.StatusNotFound, "connection %s does not exist", id)
	}
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"connection_id": id,
		}).Error("failed to update connection tokens")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to update connection tokens")
	}
	if routingKey.Valid {
		conn.RoutingKey = &routingKey.String
	}

	r.logger.WithContext(ctx).WithFields(map[string]any{
		"connection_id": id,
		"provider":      conn.Provider,
	}).Debug("Updated connection tokens")
	return &conn, nil
}

// UpdateMetadata replaces a connection's metadata document
func (r *ConnectionRepository) UpdateMetadata(ctx context.Context, id uuid.UUID, metadata map[string]any) error {
	ctx, span := tracing.StartSpan(ctx, "ConnectionRepository.UpdateMetadata")
	defer span.End()

	ub := database.NewUpdateBuilder()
	ub.Update(connectionsTable).
		Set(
			ub.Assign("metadata", database.JSONB[map[string]any]{Data: metadata}),
			ub.Assign("updated_at", sqlbuilder.Raw("NOW()")),
		).
		Where(ub.Equal("id", id))

	query, args := ub.Build()
	result, err := r.DB().ExecContext(ctx, query, args...)
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"connection_id": id,
		}).Error("failed to update connection metadata")
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to update connection metadata")
	}

	rows, _ := result.RowsAffected()
	if rows == 0 {
		return httperror.NewHTTPErrorf(http.StatusNotFound, "connection %s does not exist", id)
	}
	return nil
}

// Delete removes a tenant's connection for a provider
func (r *ConnectionRepository) Delete(ctx context.Context, provider string) error {
	ctx, span := tracing.StartSpan(ctx, "ConnectionRepository.Delete")
	defer span.End()

	tenantID, err := GetTenantID(ctx)
	if err != nil {
		return err
	}

	db := database.NewDeleteBuilder()
	db.DeleteFrom(connectionsTable).
		Where(db.Equal("tenant_id", tenantID), db.Equal("provider", provider))

	query, args := db.Build()
	result, err := r.DB().ExecContext(ctx, query, args...)
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"provider": provider,
		}).Error("failed to delete connection")
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to delete connection")
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to delete connection")
	}
	if rows == 0 {
		return httperror.NewHTTPErrorf(http.StatusNotFound, "no %s connection for tenant", provider)
	}

	r.logger.WithContext(ctx).WithFields(map[string]any{
		"provider": provider,
	}).Debugf("Deleted %s", connectionsTable)
	return nil
}

// IsUniqueViolation reports whether the error is a Postgres unique_violation
func IsUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	return false
}
