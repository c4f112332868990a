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

const tenantsTable = "tenants"

var tenantStruct = database.NewStruct(new(models.Tenant))

// TenantRepository handles database operations for tenants
type TenantRepository struct {
	*Repository
}

// NewTenantRepository creates a new tenant repository
func NewTenantRepository(db database.DB, logger ectologger.Logger) *TenantRepository {
	return &TenantRepository{
		Repository: NewRepository(db, logger),
	}
}

// GetBySubject retrieves a tenant by identity-provider subject
func (r *TenantRepository) GetBySubject(ctx context.Context, subject string) (*models.Tenant, error) {
	ctx, span := tracing.StartSpan(ctx, "TenantRepository.GetBySubject")
	defer span.End()

	sb := tenantStruct.SelectFrom(tenantsTable)
	sb.Where(sb.Equal("external_subject", subject))

	query, args := sb.Build()
	var tenant models.Tenant
	err := r.DB().GetContext(ctx, &tenant, query, args...)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, httperror.NewHTTPErrorf(http.StatusNotFound, "tenant for subject does not exist")
	}
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("failed to get tenant by subject")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to get tenant by subject")
	}

	return &tenant, nil
}

// GetByID retrieves a tenant by ID
func (r *TenantRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.Tenant, error) {
	ctx, span := tracing.StartSpan(ctx, "TenantRepository.GetByID")
	defer span.End()

	sb := tenantStruct.SelectFrom(tenantsTable)
	sb.Where(sb.Equal("id", id))

	query, args := sb.Build()
	var tenant models.Tenant
	err := r.DB().GetContext(ctx, &tenant, query, args...)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, httperror.NewHTTPErrorf(http.StatusNotFound, "tenant %s does not exist", id)
	}
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("failed to get tenant by ID")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to get tenant by ID")
	}

	return &tenant, nil
}

// ResolveTenant returns the tenant ID for a subject, creating the tenant on
// first authentication. Concurrent first logins race on the unique subject
// index, so a conflict falls back to the winning row.
func (r *TenantRepository) ResolveTenant(ctx context.Context, subject string, email string) (string, error) {
	ctx, span := tracing.StartSpan(ctx, "TenantRepository.ResolveTenant")
	defer span.End()

	tenant, err := r.GetBySubject(ctx, subject)
	if err == nil {
		return tenant.ID.String(), nil
	}
	if httperror.GetStatusCode(err) != http.StatusNotFound {
		return "", err
	}

	var emailPtr *string
	if email != "" {
		emailPtr = &email
	}

	id := uuid.New()
	ib := database.NewInsertBuilder()
	ib.InsertInto(tenantsTable).
		Cols("id", "external_subject", "email", "created_at").
		Values(id, subject, emailPtr, sqlbuilder.Raw("NOW()"))
	ib.SQL("ON CONFLICT (external_subject) DO UPDATE SET external_subject = EXCLUDED.external_subject")
	ib.Returning("id")

	query, args := ib.Build()
	err = r.DB().QueryRowContext(ctx, query, args...).Scan(&id)
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("failed to provision tenant")
		return "", httperror.NewHTTPError(http.StatusInternalServerError, "failed to provision tenant")
	}

	r.logger.WithContext(ctx).WithFields(map[string]any{
		"tenant_id": id,
	}).Info("Provisioned tenant")
	return id.String(), nil
}
