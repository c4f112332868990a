package repositories

import (
	"context"
	"database/sql"
	"errors"
	"net/http"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/Gobusters/ectologger"
	"github.com/google/uuid"
	"github.com/huandu/go-sqlbuilder"

	"github.com/everlight/trellis/pkg/database"
	"github.com/everlight/trellis/pkg/models"
	"github.com/everlight/trellis/pkg/tracing"
)

const entriesTable = "raw_entries"

var entryStruct = database.NewStruct(new(models.RawEntry))

// UpsertOp reports what an Upsert actually did
type UpsertOp string

const (
	UpsertOpInserted UpsertOp = "inserted"
	UpsertOpUpdated  UpsertOp = "updated"
)

// EntryRepository handles database operations for raw entries
type EntryRepository struct {
	*Repository
}

// NewEntryRepository creates a new entry repository
func NewEntryRepository(db database.DB, logger ectologger.Logger) *EntryRepository {
	return &EntryRepository{
		Repository: NewRepository(db, logger),
	}
}

// Upsert stores an entry keyed by (tenant, provider, external_id). An
// existing row is updated in place, otherwise a new row is inserted. A
// concurrent insert losing the race surfaces as a unique violation, which is
// retried as an update so redelivered events converge on one row.
func (r *EntryRepository) Upsert(ctx context.Context, entry *models.RawEntry) (UpsertOp, error) {
	ctx, span := tracing.StartSpan(ctx, "EntryRepository.Upsert")
	defer span.End()

	tenantID, err := GetTenantID(ctx)
	if err != nil {
		return "", err
	}
	entry.TenantID = tenantID

	if entry.ExternalID == nil || *entry.ExternalID == "" {
		if err := r.insert(ctx, entry); err != nil {
			return "", err
		}
		return UpsertOpInserted, nil
	}

	existing, err := r.GetByExternalID(ctx, entry.Provider, *entry.ExternalID)
	if err != nil && httperror.GetStatusCode(err) != http.StatusNotFound {
		return "", err
	}

	if existing != nil {
		entry.ID = existing.ID
		if err := r.update(ctx, entry); err != nil {
			return "", err
		}
		return UpsertOpUpdated, nil
	}

	err = r.insert(ctx, entry)
	if err == nil {
		return UpsertOpInserted, nil
	}
	if !IsUniqueViolation(err) {
		return "", err
	}

	// Lost the insert race. The row exists now, update it.
	existing, getErr := r.GetByExternalID(ctx, entry.Provider, *entry.ExternalID)
	if getErr != nil {
		return "", getErr
	}
	entry.ID = existing.ID
	if err := r.update(ctx, entry); err != nil {
		return "", err
	}
	return UpsertOpUpdated, nil
}

func (r *EntryRepository) insert(ctx context.Context, entry *models.RawEntry) error {
	if entry.ID == uuid.Nil {
		entry.ID = uuid.New()
	}

	ib := database.NewInsertBuilder()
	ib.InsertInto(entriesTable).
		Cols("id", "tenant_id", "provider", "external_id", "content", "embedding", "deleted_at", "created_at", "updated_at").
		Values(entry.ID, entry.TenantID, entry.Provider, entry.ExternalID, entry.Content, entry.Embedding, entry.DeletedAt,
			sqlbuilder.Raw("NOW()"), sqlbuilder.Raw("NOW()")).
		Returning("created_at", "updated_at")

	query, args := ib.Build()
	err := r.DB().QueryRowContext(ctx, query, args...).Scan(&entry.CreatedAt, &entry.UpdatedAt)
	if err != nil {
		if IsUniqueViolation(err) {
			return err
		}
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"provider": entry.Provider,
		}).Error("failed to insert entry")
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to insert entry")
	}
	return nil
}

func (r *EntryRepository) update(ctx context.Context, entry *models.RawEntry) error {
	ub := database.NewUpdateBuilder()
	ub.Update(entriesTable).
		Set(
			ub.Assign("content", entry.Content),
			ub.Assign("embedding", entry.Embedding),
			ub.Assign("deleted_at", entry.DeletedAt),
			ub.Assign("updated_at", sqlbuilder.Raw("NOW()")),
		).
		Where(ub.Equal("tenant_id", entry.TenantID), ub.Equal("id", entry.ID))
	ub.SQL("RETURNING created_at, updated_at")

	query, args := ub.Build()
	err := r.DB().QueryRowContext(ctx, query, args...).Scan(&entry.CreatedAt, &entry.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return httperror.NewHTTPErrorf(http.StatusNotFound, "entry %s does not exist", entry.ID)
	}
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"entry_id": entry.ID,
		}).Error("failed to update entry")
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to update entry")
	}
	return nil
}

// GetByID retrieves an entry by ID (tenant-scoped)
func (r *EntryRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.RawEntry, error) {
	ctx, span := tracing.StartSpan(ctx, "EntryRepository.GetByID")
	defer span.End()

	tenantID, err := GetTenantID(ctx)
	if err != nil {
		return nil, err
	}

	sb := entryStruct.SelectFrom(entriesTable)
	sb.Where(sb.Equal("tenant_id", tenantID), sb.Equal("id", id))

	query, args := sb.Build()
	var entry models.RawEntry
	err = r.DB().GetContext(ctx, &entry, query, args...)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, httperror.NewHTTPErrorf(http.StatusNotFound, "entry %s does not exist", id)
	}
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"entry_id": id,
		}).Error("failed to get entry by ID")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to get entry by ID")
	}

	return &entry, nil
}

// GetByExternalID retrieves an entry by its provider item ID (tenant-scoped)
func (r *EntryRepository) GetByExternalID(ctx context.Context, provider string, externalID string) (*models.RawEntry, error) {
	ctx, span := tracing.StartSpan(ctx, "EntryRepository.GetByExternalID")
	defer span.End()

	tenantID, err := GetTenantID(ctx)
	if err != nil {
		return nil, err
	}

	sb := entryStruct.SelectFrom(entriesTable)
	sb.Where(sb.Equal("tenant_id", tenantID), sb.Equal("provider", provider), sb.Equal("external_id", externalID))

	query, args := sb.Build()
	var entry models.RawEntry
	err = r.DB().GetContext(ctx, &entry, query, args...)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, httperror.NewHTTPErrorf(http.StatusNotFound, "entry %s/%s does not exist", provider, externalID)
	}
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"provider":    provider,
			"external_id": externalID,
		}).Error("failed to get entry by external ID")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to get entry by external ID")
	}

	return &entry, nil
}

// List retrieves entries for the current tenant, newest first. Tombstoned
// entries are excluded.
func (r *EntryRepository) List(ctx context.Context, provider string, limit int, offset int) ([]models.RawEntry, error) {
	ctx, span := tracing.StartSpan(ctx, "EntryRepository.List")
	defer span.End()

	tenantID, err := GetTenantID(ctx)
	if err != nil {
		return nil, err
	}

	if limit <= 0 || limit > 200 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}

	sb := entryStruct.SelectFrom(entriesTable)
	sb.Where(sb.Equal("tenant_id", tenantID), sb.IsNull("deleted_at"))
	if provider != "" {
		sb.Where(sb.Equal("provider", provider))
	}
	sb.OrderBy("updated_at").Desc()
	sb.Limit(limit).Offset(offset)

	query, args := sb.Build()
	var entries []models.RawEntry
	err = r.DB().SelectContext(ctx, &entries, query, args...)
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("failed to list entries")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to list entries")
	}

	return entries, nil
}

// Count returns the number of live entries for the current tenant, optionally
// filtered by provider.
func (r *EntryRepository) Count(ctx context.Context, provider string) (int64, error) {
	ctx, span := tracing.StartSpan(ctx, "EntryRepository.Count")
	defer span.End()

	tenantID, err := GetTenantID(ctx)
	if err != nil {
		return 0, err
	}

	sb := database.NewSelectBuilder()
	sb.Select("COUNT(*)").From(entriesTable)
	sb.Where(sb.Equal("tenant_id", tenantID), sb.IsNull("deleted_at"))
	if provider != "" {
		sb.Where(sb.Equal("provider", provider))
	}

	query, args := sb.Build()
	var count int64
	err = r.DB().GetContext(ctx, &count, query, args...)
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("failed to count entries")
		return 0, httperror.NewHTTPError(http.StatusInternalServerError, "failed to count entries")
	}

	return count, nil
}

// Tombstone marks an entry deleted without dropping the row, so a later
// replay of an older event cannot resurrect it.
func (r *EntryRepository) Tombstone(ctx context.Context, provider string, externalID string) error {
	ctx, span := tracing.StartSpan(ctx, "EntryRepository.Tombstone")
	defer span.End()

	tenantID, err := GetTenantID(ctx)
	if err != nil {
		return err
	}

	ub := database.NewUpdateBuilder()
	ub.Update(entriesTable).
		Set(
			ub.Assign("deleted_at", sqlbuilder.Raw("NOW()")),
			ub.Assign("updated_at", sqlbuilder.Raw("NOW()")),
		).
		Where(ub.Equal("tenant_id", tenantID), ub.Equal("provider", provider), ub.Equal("external_id", externalID))

	query, args := ub.Build()
	result, err := r.DB().ExecContext(ctx, query, args...)
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"provider":    provider,
			"external_id": externalID,
		}).Error("failed to tombstone entry")
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to tombstone entry")
	}

	rows, _ := result.RowsAffected()
	if rows == 0 {
		// Nothing to delete. Deletion of an unknown item is a no-op.
		r.logger.WithContext(ctx).WithFields(map[string]any{
			"provider":    provider,
			"external_id": externalID,
		}).Debug("tombstone skipped, entry does not exist")
	}
	return nil
}
