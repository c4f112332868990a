package ingest

import (
	"context"

	"github.com/everlight/trellis/pkg/models"
	"github.com/everlight/trellis/pkg/tracing"
)

// Backfill imports a connection's existing content after a fresh connect.
// Notion re-imports everything it lists, since the upsert path converges
// duplicates; Gmail only imports messages not already stored, because inbox
// listings overlap heavily between runs.
func (i *Ingestor) Backfill(ctx context.Context, conn *models.Connection, maxItems int) (*Summary, error) {
	ctx, span := tracing.StartSpan(ctx, "Ingestor.Backfill")
	defer span.End()

	skipExisting := conn.Provider == models.ProviderGmail
	summary, err := i.importBatch(ctx, conn, maxItems, skipExisting)
	if err != nil {
		return nil, err
	}

	i.logger.WithContext(ctx).WithFields(map[string]any{
		"connection_id": conn.ID,
		"provider":      conn.Provider,
		"total":         summary.Total,
		"processed":     summary.Processed,
		"skipped":       summary.Skipped,
		"failed":        summary.Failed,
	}).Info("Backfill finished")
	return summary, nil
}
