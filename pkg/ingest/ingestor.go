// Package ingest owns the fetch-normalize-embed-store pipeline that turns one
// external content unit into one raw entry.
package ingest

import (
	"context"
	"net/http"
	"time"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/Gobusters/ectologger"
	"github.com/pkg/errors"

	"github.com/everlight/trellis/pkg/database"
	"github.com/everlight/trellis/pkg/embedding"
	"github.com/everlight/trellis/pkg/metrics"
	"github.com/everlight/trellis/pkg/models"
	"github.com/everlight/trellis/pkg/providers"
	"github.com/everlight/trellis/pkg/repositories"
	"github.com/everlight/trellis/pkg/tokens"
	"github.com/everlight/trellis/pkg/tracing"
)

// defaultSyncMax bounds how many recent items a push notification imports.
const defaultSyncMax = 10

// Notifier signals downstream consumers about stored entries. Implementations
// must never return an error; losing a signal must not lose the entry.
type Notifier interface {
	EntryUpserted(ctx context.Context, entry *models.RawEntry, op repositories.UpsertOp, text string)
}

// TokenSource supplies a connection with a currently-valid access token.
type TokenSource interface {
	EnsureFresh(ctx context.Context, conn *models.Connection) (*models.Connection, error)
}

var _ TokenSource = (*tokens.Manager)(nil)

// Ingestor fetches provider content, embeds it and upserts raw entries.
type Ingestor struct {
	registry *providers.Registry
	tokens   TokenSource
	entries  repositories.EntryRepo
	embedder embedding.Embedder
	notifier Notifier
	logger   ectologger.Logger
	syncMax  int
}

// NewIngestor creates an ingestor
func NewIngestor(registry *providers.Registry, tokenSource TokenSource, entries repositories.EntryRepo, embedder embedding.Embedder, notifier Notifier, logger ectologger.Logger) *Ingestor {
	return &Ingestor{
		registry: registry,
		tokens:   tokenSource,
		entries:  entries,
		embedder: embedder,
		notifier: notifier,
		logger:   logger,
		syncMax:  defaultSyncMax,
	}
}

// WithSyncMax overrides how many recent items SyncRecent imports
func (i *Ingestor) WithSyncMax(max int) *Ingestor {
	if max > 0 {
		i.syncMax = max
	}
	return i
}

// IngestItem imports or refreshes one external item for a connection. All
// network calls happen before the store writes; no transaction is held open
// across a provider or embedding call.
func (i *Ingestor) IngestItem(ctx context.Context, conn *models.Connection, externalID string) error {
	ctx, span := tracing.StartSpan(ctx, "Ingestor.IngestItem")
	defer span.End()

	start := time.Now()
	defer func() {
		metrics.IngestDuration.WithLabelValues(conn.Provider).Observe(time.Since(start).Seconds())
	}()

	source, err := i.registry.Get(conn.Provider)
	if err != nil {
		return err
	}

	conn, err = i.tokens.EnsureFresh(ctx, conn)
	if err != nil {
		return errors.Wrap(err, "cannot obtain valid access token")
	}

	item, err := source.FetchItem(ctx, conn.AccessToken, externalID)
	if err != nil {
		return errors.Wrapf(err, "failed to fetch %s item %s", conn.Provider, externalID)
	}

	vector, err := i.embedder.Embed(ctx, item.Text)
	if err != nil {
		return errors.Wrap(err, "failed to embed item text")
	}

	entry := &models.RawEntry{
		TenantID:   conn.TenantID,
		Provider:   conn.Provider,
		ExternalID: &item.ExternalID,
		Content:    database.JSONB[map[string]any]{Data: item.Content},
		Embedding:  vector,
	}
	op, err := i.entries.Upsert(ctx, entry)
	if err != nil {
		return errors.Wrap(err, "failed to upsert entry")
	}

	metrics.RecordEntryUpsert(conn.Provider, string(op))
	i.logger.WithContext(ctx).WithFields(map[string]any{
		"entry_id":    entry.ID,
		"external_id": item.ExternalID,
		"operation":   op,
	}).Info("Ingested item")

	if i.notifier != nil {
		i.notifier.EntryUpserted(ctx, entry, op, item.Text)
	}
	return nil
}

// SyncRecent imports the connection's newest items, skipping ones already
// stored. Push notifications announce that something changed without naming
// the item, so the sync pulls the head of the mailbox or workspace.
func (i *Ingestor) SyncRecent(ctx context.Context, conn *models.Connection) error {
	ctx, span := tracing.StartSpan(ctx, "Ingestor.SyncRecent")
	defer span.End()

	summary, err := i.importBatch(ctx, conn, i.syncMax, true)
	if err != nil {
		return err
	}
	if summary.Failed > 0 {
		i.logger.WithContext(ctx).WithFields(map[string]any{
			"processed": summary.Processed,
			"failed":    summary.Failed,
		}).Warn("Sync completed with per-item failures")
	}
	return nil
}

// Summary is the aggregate result of a batch import.
type Summary struct {
	Total     int      `json:"total"`
	Processed int      `json:"processed"`
	Skipped   int      `json:"skipped"`
	Failed    int      `json:"failed"`
	Errors    []string `json:"errors,omitempty"`
}

// importBatch lists up to max item IDs and ingests them one at a time. One
// item's failure never aborts its siblings; failures are collected into the
// summary instead.
func (i *Ingestor) importBatch(ctx context.Context, conn *models.Connection, max int, skipExisting bool) (*Summary, error) {
	source, err := i.registry.Get(conn.Provider)
	if err != nil {
		return nil, err
	}

	conn, err = i.tokens.EnsureFresh(ctx, conn)
	if err != nil {
		return nil, errors.Wrap(err, "cannot obtain valid access token")
	}

	ids, err := source.ListItemIDs(ctx, conn.AccessToken, max)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to list %s items", conn.Provider)
	}

	summary := &Summary{Total: len(ids)}
	for _, id := range ids {
		if skipExisting {
			_, err := i.entries.GetByExternalID(ctx, conn.Provider, id)
			if err == nil {
				summary.Skipped++
				continue
			}
			if httperror.GetStatusCode(err) != http.StatusNotFound {
				summary.Failed++
				summary.Errors = append(summary.Errors, errors.Wrapf(err, "item %s", id).Error())
				continue
			}
		}

		if err := i.IngestItem(ctx, conn, id); err != nil {
			summary.Failed++
			summary.Errors = append(summary.Errors, errors.Wrapf(err, "item %s", id).Error())
			i.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
				"external_id": id,
			}).Error("failed to ingest item, continuing batch")
			continue
		}
		summary.Processed++
	}
	return summary, nil
}
