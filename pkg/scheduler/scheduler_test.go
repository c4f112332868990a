package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/Gobusters/ectologger/zapadapter"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/everlight/trellis/pkg/database"
	"github.com/everlight/trellis/pkg/models"
)

type fakeConnRepo struct {
	conns           []models.Connection
	updatedMetadata map[string]map[string]any
}

func (f *fakeConnRepo) Upsert(ctx context.Context, conn *models.Connection) error { return nil }

func (f *fakeConnRepo) GetByID(ctx context.Context, id uuid.UUID) (*models.Connection, error) {
	return nil, nil
}

func (f *fakeConnRepo) GetByProvider(ctx context.Context, provider string) (*models.Connection, error) {
	return nil, nil
}

func (f *fakeConnRepo) ListByTenant(ctx context.Context) ([]models.Connection, error) {
	return nil, nil
}

func (f *fakeConnRepo) ListByRoutingKey(ctx context.Context, provider string, routingKey string) ([]models.Connection, error) {
	return nil, nil
}

func (f *fakeConnRepo) ListByProvider(ctx context.Context, provider string) ([]models.Connection, error) {
	return f.conns, nil
}

func (f *fakeConnRepo) UpdateTokens(ctx context.Context, id uuid.UUID, accessToken string, refreshToken *string, expiresAt *time.Time) (*models.Connection, error) {
	return nil, nil
}

func (f *fakeConnRepo) UpdateMetadata(ctx context.Context, id uuid.UUID, metadata map[string]any) error {
	if f.updatedMetadata == nil {
		f.updatedMetadata = make(map[string]map[string]any)
	}
	f.updatedMetadata[id.String()] = metadata
	return nil
}

func (f *fakeConnRepo) Delete(ctx context.Context, provider string) error { return nil }

type passthroughTokens struct{}

func (passthroughTokens) EnsureFresh(ctx context.Context, conn *models.Connection) (*models.Connection, error) {
	return conn, nil
}

type fakeWatcher struct {
	expiration int64
	historyID  string
	err        error
	calls      int
}

func (f *fakeWatcher) Watch(ctx context.Context, accessToken string) (int64, string, error) {
	f.calls++
	if f.err != nil {
		return 0, "", f.err
	}
	return f.expiration, f.historyID, nil
}

func newTestScheduler(t *testing.T, repo *fakeConnRepo, watcher *fakeWatcher) *Scheduler {
	t.Helper()
	zapLogger, err := zap.NewDevelopment()
	require.NoError(t, err)
	return NewScheduler(repo, passthroughTokens{}, watcher, nil, DefaultConfig(), zapadapter.NewZapEctoLogger(zapLogger, nil))
}

func gmailConn(metadata map[string]any) models.Connection {
	email := "user@example.com"
	return models.Connection{
		ID:          uuid.New(),
		TenantID:    uuid.New(),
		Provider:    models.ProviderGmail,
		AccessToken: "tok",
		RoutingKey:  &email,
		Metadata:    database.JSONB[map[string]any]{Data: metadata},
	}
}

func TestNeedsRenewalWithoutWatchState(t *testing.T) {
	scheduler := newTestScheduler(t, &fakeConnRepo{}, &fakeWatcher{})
	conn := gmailConn(nil)

	assert.True(t, scheduler.needsRenewal(&conn))
}

func TestNeedsRenewalExpiringSoon(t *testing.T) {
	scheduler := newTestScheduler(t, &fakeConnRepo{}, &fakeWatcher{})
	conn := gmailConn(map[string]any{
		"watch_expiration_ms": float64(time.Now().Add(2 * time.Hour).UnixMilli()),
	})

	assert.True(t, scheduler.needsRenewal(&conn), "watch inside the 24h renewal window")
}

func TestNeedsRenewalFreshWatch(t *testing.T) {
	scheduler := newTestScheduler(t, &fakeConnRepo{}, &fakeWatcher{})
	conn := gmailConn(map[string]any{
		"watch_expiration_ms": float64(time.Now().Add(6 * 24 * time.Hour).UnixMilli()),
	})

	assert.False(t, scheduler.needsRenewal(&conn))
}

func TestRunRenewalCycleUpdatesWatchState(t *testing.T) {
	conn := gmailConn(nil)
	repo := &fakeConnRepo{conns: []models.Connection{conn}}
	newExpiration := time.Now().Add(7 * 24 * time.Hour).UnixMilli()
	watcher := &fakeWatcher{expiration: newExpiration, historyID: "hist-9"}
	scheduler := newTestScheduler(t, repo, watcher)

	scheduler.runRenewalCycle(context.Background())

	assert.Equal(t, 1, watcher.calls)
	metadata := repo.updatedMetadata[conn.ID.String()]
	require.NotNil(t, metadata)
	assert.Equal(t, float64(newExpiration), metadata["watch_expiration_ms"])
	assert.Equal(t, "hist-9", metadata["watch_history_id"])
}

// refreshingTokens simulates a token refresh that returns a connection rebuilt
// from the persisted row, carrying the metadata stored at connect time.
type refreshingTokens struct{}

func (refreshingTokens) EnsureFresh(ctx context.Context, conn *models.Connection) (*models.Connection, error) {
	refreshed := *conn
	refreshed.AccessToken = "refreshed-tok"
	return &refreshed, nil
}

func TestRunRenewalCycleAfterRefreshKeepsConnectMetadata(t *testing.T) {
	conn := gmailConn(map[string]any{
		"workspace_name": "Acme",
		"scope":          "https://www.googleapis.com/auth/gmail.readonly",
	})
	repo := &fakeConnRepo{conns: []models.Connection{conn}}
	newExpiration := time.Now().Add(7 * 24 * time.Hour).UnixMilli()
	watcher := &fakeWatcher{expiration: newExpiration, historyID: "hist-12"}

	zapLogger, err := zap.NewDevelopment()
	require.NoError(t, err)
	scheduler := NewScheduler(repo, refreshingTokens{}, watcher, nil, DefaultConfig(), zapadapter.NewZapEctoLogger(zapLogger, nil))

	scheduler.runRenewalCycle(context.Background())

	metadata := repo.updatedMetadata[conn.ID.String()]
	require.NotNil(t, metadata)
	assert.Equal(t, "Acme", metadata["workspace_name"])
	assert.Equal(t, "https://www.googleapis.com/auth/gmail.readonly", metadata["scope"])
	assert.Equal(t, float64(newExpiration), metadata["watch_expiration_ms"])
	assert.Equal(t, "hist-12", metadata["watch_history_id"])
}

func TestRunRenewalCycleSkipsFreshWatches(t *testing.T) {
	conn := gmailConn(map[string]any{
		"watch_expiration_ms": float64(time.Now().Add(6 * 24 * time.Hour).UnixMilli()),
	})
	repo := &fakeConnRepo{conns: []models.Connection{conn}}
	watcher := &fakeWatcher{}
	scheduler := newTestScheduler(t, repo, watcher)

	scheduler.runRenewalCycle(context.Background())

	assert.Zero(t, watcher.calls)
}
