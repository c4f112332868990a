package repositories

import (
	"context"
	"database/sql"
	"errors"
	"net/http"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/Gobusters/ectologger"
	"github.com/huandu/go-sqlbuilder"

	"github.com/everlight/trellis/pkg/database"
	"github.com/everlight/trellis/pkg/models"
	"github.com/everlight/trellis/pkg/tracing"
)

const webhookSecretsTable = "webhook_secrets"

var webhookSecretStruct = database.NewStruct(new(models.WebhookSecret))

// WebhookSecretRepository handles storage of provider webhook signing secrets
type WebhookSecretRepository struct {
	*Repository
}

// NewWebhookSecretRepository creates a new webhook secret repository
func NewWebhookSecretRepository(db database.DB, logger ectologger.Logger) *WebhookSecretRepository {
	return &WebhookSecretRepository{
		Repository: NewRepository(db, logger),
	}
}

// Get retrieves the signing secret for a provider
func (r *WebhookSecretRepository) Get(ctx context.Context, provider string) (*models.WebhookSecret, error) {
	ctx, span := tracing.StartSpan(ctx, "WebhookSecretRepository.Get")
	defer span.End()

	sb := webhookSecretStruct.SelectFrom(webhookSecretsTable)
	sb.Where(sb.Equal("provider", provider))

	query, args := sb.Build()
	var secret models.WebhookSecret
	err := r.DB().GetContext(ctx, &secret, query, args...)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, httperror.NewHTTPErrorf(http.StatusNotFound, "no webhook secret for provider %s", provider)
	}
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"provider": provider,
		}).Error("failed to get webhook secret")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to get webhook secret")
	}

	return &secret, nil
}

// Save stores or replaces the signing secret for a provider. The latest
// secret delivered by the provider wins.
func (r *WebhookSecretRepository) Save(ctx context.Context, provider string, secret string) error {
	ctx, span := tracing.StartSpan(ctx, "WebhookSecretRepository.Save")
	defer span.End()

	ib := database.NewInsertBuilder()
	ib.InsertInto(webhookSecretsTable).
		Cols("provider", "secret", "created_at", "updated_at").
		Values(provider, secret, sqlbuilder.Raw("NOW()"), sqlbuilder.Raw("NOW()"))
	ib.SQL("ON CONFLICT (provider) DO UPDATE SET secret = EXCLUDED.secret, updated_at = NOW()")

	query, args := ib.Build()
	_, err := r.DB().ExecContext(ctx, query, args...)
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"provider": provider,
		}).Error("failed to save webhook secret")
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to save webhook secret")
	}

	r.logger.WithContext(ctx).WithFields(map[string]any{
		"provider": provider,
	}).Info("Stored webhook signing secret")
	return nil
}
