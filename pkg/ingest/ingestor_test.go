package ingest

import (
	"context"
	"net/http"
	"testing"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/Gobusters/ectologger"
	"github.com/Gobusters/ectologger/zapadapter"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/everlight/trellis/pkg/models"
	"github.com/everlight/trellis/pkg/providers"
	"github.com/everlight/trellis/pkg/repositories"
)

type fakeSource struct {
	name      string
	items     map[string]*providers.Item
	listIDs   []string
	fetchErrs map[string]error
}

func (f *fakeSource) Name() string { return f.name }

func (f *fakeSource) ExchangeCode(ctx context.Context, code string) (*providers.TokenBundle, error) {
	return nil, nil
}

func (f *fakeSource) RefreshToken(ctx context.Context, refreshToken string) (*providers.TokenBundle, error) {
	return nil, providers.ErrRefreshNotSupported
}

func (f *fakeSource) RevokeToken(ctx context.Context, token string) error { return nil }

func (f *fakeSource) FetchItem(ctx context.Context, accessToken string, externalID string) (*providers.Item, error) {
	if err := f.fetchErrs[externalID]; err != nil {
		return nil, err
	}
	item, ok := f.items[externalID]
	if !ok {
		return nil, providers.ErrItemNotFound
	}
	return item, nil
}

func (f *fakeSource) ListItemIDs(ctx context.Context, accessToken string, max int) ([]string, error) {
	if max > 0 && max < len(f.listIDs) {
		return f.listIDs[:max], nil
	}
	return f.listIDs, nil
}

type passthroughTokens struct{}

func (passthroughTokens) EnsureFresh(ctx context.Context, conn *models.Connection) (*models.Connection, error) {
	return conn, nil
}

type fakeEntryRepo struct {
	existing map[string]*models.RawEntry
	upserts  []*models.RawEntry
}

func (f *fakeEntryRepo) Upsert(ctx context.Context, entry *models.RawEntry) (repositories.UpsertOp, error) {
	entry.ID = uuid.New()
	f.upserts = append(f.upserts, entry)
	return repositories.UpsertOpInserted, nil
}

func (f *fakeEntryRepo) GetByID(ctx context.Context, id uuid.UUID) (*models.RawEntry, error) {
	return nil, httperror.NewHTTPError(http.StatusNotFound, "not found")
}

func (f *fakeEntryRepo) GetByExternalID(ctx context.Context, provider string, externalID string) (*models.RawEntry, error) {
	entry, ok := f.existing[externalID]
	if !ok {
		return nil, httperror.NewHTTPError(http.StatusNotFound, "not found")
	}
	return entry, nil
}

func (f *fakeEntryRepo) List(ctx context.Context, provider string, limit int, offset int) ([]models.RawEntry, error) {
	return nil, nil
}

func (f *fakeEntryRepo) Count(ctx context.Context, provider string) (int64, error) {
	return 0, nil
}

func (f *fakeEntryRepo) Tombstone(ctx context.Context, provider string, externalID string) error {
	return nil
}

type fakeEmbedder struct {
	vector []float64
	err    error
	texts  []string
}

func (f *fakeEmbedder) Embed(ctx context.Context, text string) ([]float64, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.texts = append(f.texts, text)
	return f.vector, nil
}

type fakeNotifier struct {
	notified []repositories.UpsertOp
}

func (f *fakeNotifier) EntryUpserted(ctx context.Context, entry *models.RawEntry, op repositories.UpsertOp, text string) {
	f.notified = append(f.notified, op)
}

func ingestTestLogger(t *testing.T) ectologger.Logger {
	t.Helper()
	zapLogger, err := zap.NewDevelopment()
	require.NoError(t, err)
	return zapadapter.NewZapEctoLogger(zapLogger, nil)
}

func notionTestConnection() *models.Connection {
	key := "bot-a"
	return &models.Connection{
		ID:          uuid.New(),
		TenantID:    uuid.New(),
		Provider:    models.ProviderNotion,
		AccessToken: "tok",
		RoutingKey:  &key,
	}
}

func newTestIngestor(t *testing.T, source *fakeSource, entries *fakeEntryRepo, embedder *fakeEmbedder, notifier *fakeNotifier) *Ingestor {
	t.Helper()
	return NewIngestor(providers.NewRegistry(source), passthroughTokens{}, entries, embedder, notifier, ingestTestLogger(t))
}

func TestIngestItemStoresEntryAndNotifies(t *testing.T) {
	source := &fakeSource{
		name: models.ProviderNotion,
		items: map[string]*providers.Item{
			"page-1": {
				ExternalID: "page-1",
				Content:    map[string]any{"source": "notion"},
				Text:       "Meeting notes\nbudget review",
			},
		},
	}
	entries := &fakeEntryRepo{}
	embedder := &fakeEmbedder{vector: []float64{0.1, 0.2}}
	notifier := &fakeNotifier{}
	ingestor := newTestIngestor(t, source, entries, embedder, notifier)
	conn := notionTestConnection()

	err := ingestor.IngestItem(context.Background(), conn, "page-1")

	require.NoError(t, err)
	require.Len(t, entries.upserts, 1)
	stored := entries.upserts[0]
	assert.Equal(t, conn.TenantID, stored.TenantID)
	assert.Equal(t, models.ProviderNotion, stored.Provider)
	require.NotNil(t, stored.ExternalID)
	assert.Equal(t, "page-1", *stored.ExternalID)
	assert.Equal(t, []float64{0.1, 0.2}, []float64(stored.Embedding))
	assert.Equal(t, []string{"Meeting notes\nbudget review"}, embedder.texts)
	assert.Equal(t, []repositories.UpsertOp{repositories.UpsertOpInserted}, notifier.notified)
}

func TestIngestItemEmbedFailureSkipsStore(t *testing.T) {
	source := &fakeSource{
		name: models.ProviderNotion,
		items: map[string]*providers.Item{
			"page-1": {ExternalID: "page-1", Text: "text"},
		},
	}
	entries := &fakeEntryRepo{}
	embedder := &fakeEmbedder{err: assert.AnError}
	ingestor := newTestIngestor(t, source, entries, embedder, &fakeNotifier{})

	err := ingestor.IngestItem(context.Background(), notionTestConnection(), "page-1")

	require.Error(t, err)
	assert.Empty(t, entries.upserts)
}

func TestBackfillIsolatesItemFailures(t *testing.T) {
	source := &fakeSource{
		name:    models.ProviderNotion,
		listIDs: []string{"page-1", "page-2", "page-3"},
		items: map[string]*providers.Item{
			"page-1": {ExternalID: "page-1", Text: "one"},
			"page-3": {ExternalID: "page-3", Text: "three"},
		},
		fetchErrs: map[string]error{"page-2": providers.ErrTransientFetch},
	}
	entries := &fakeEntryRepo{}
	ingestor := newTestIngestor(t, source, entries, &fakeEmbedder{vector: []float64{0.5}}, &fakeNotifier{})

	summary, err := ingestor.Backfill(context.Background(), notionTestConnection(), 0)

	require.NoError(t, err)
	assert.Equal(t, 3, summary.Total)
	assert.Equal(t, 2, summary.Processed)
	assert.Equal(t, 1, summary.Failed)
	assert.Len(t, entries.upserts, 2)
	require.Len(t, summary.Errors, 1)
	assert.Contains(t, summary.Errors[0], "page-2")
}

func TestSyncRecentSkipsAlreadyImported(t *testing.T) {
	email := "user@example.com"
	conn := &models.Connection{
		ID:          uuid.New(),
		TenantID:    uuid.New(),
		Provider:    models.ProviderGmail,
		AccessToken: "tok",
		RoutingKey:  &email,
	}
	source := &fakeSource{
		name:    models.ProviderGmail,
		listIDs: []string{"msg-1", "msg-2"},
		items: map[string]*providers.Item{
			"msg-1": {ExternalID: "msg-1", Text: "old"},
			"msg-2": {ExternalID: "msg-2", Text: "new"},
		},
	}
	entries := &fakeEntryRepo{
		existing: map[string]*models.RawEntry{"msg-1": {ID: uuid.New()}},
	}
	ingestor := newTestIngestor(t, source, entries, &fakeEmbedder{vector: []float64{0.5}}, &fakeNotifier{})

	err := ingestor.SyncRecent(context.Background(), conn)

	require.NoError(t, err)
	require.Len(t, entries.upserts, 1)
	assert.Equal(t, "msg-2", *entries.upserts[0].ExternalID)
}

func TestBackfillNotionReimportsExisting(t *testing.T) {
	source := &fakeSource{
		name:    models.ProviderNotion,
		listIDs: []string{"page-1"},
		items: map[string]*providers.Item{
			"page-1": {ExternalID: "page-1", Text: "one"},
		},
	}
	entries := &fakeEntryRepo{
		existing: map[string]*models.RawEntry{"page-1": {ID: uuid.New()}},
	}
	ingestor := newTestIngestor(t, source, entries, &fakeEmbedder{vector: []float64{0.5}}, &fakeNotifier{})

	summary, err := ingestor.Backfill(context.Background(), notionTestConnection(), 0)

	require.NoError(t, err)
	assert.Equal(t, 1, summary.Processed)
	assert.Zero(t, summary.Skipped)
	assert.Len(t, entries.upserts, 1)
}
