package tokens

import (
	"context"
	"testing"
	"time"

	"github.com/Gobusters/ectologger/zapadapter"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/everlight/trellis/pkg/models"
	"github.com/everlight/trellis/pkg/providers"
)

type fakeSource struct {
	name         string
	refreshCalls int
	revokeCalls  int
	refreshErr   error
	revokeErr    error
	bundle       *providers.TokenBundle
}

func (f *fakeSource) Name() string { return f.name }

func (f *fakeSource) ExchangeCode(ctx context.Context, code string) (*providers.TokenBundle, error) {
	return nil, nil
}

func (f *fakeSource) RefreshToken(ctx context.Context, refreshToken string) (*providers.TokenBundle, error) {
	f.refreshCalls++
	if f.refreshErr != nil {
		return nil, f.refreshErr
	}
	return f.bundle, nil
}

func (f *fakeSource) RevokeToken(ctx context.Context, token string) error {
	f.revokeCalls++
	return f.revokeErr
}

func (f *fakeSource) FetchItem(ctx context.Context, accessToken string, externalID string) (*providers.Item, error) {
	return nil, nil
}

func (f *fakeSource) ListItemIDs(ctx context.Context, accessToken string, max int) ([]string, error) {
	return nil, nil
}

type fakeConnRepo struct {
	conn         *models.Connection
	updatedToken string
	updatedRef   *string
	updateCalls  int
}

func (f *fakeConnRepo) Upsert(ctx context.Context, conn *models.Connection) error { return nil }

func (f *fakeConnRepo) GetByID(ctx context.Context, id uuid.UUID) (*models.Connection, error) {
	return f.conn, nil
}

func (f *fakeConnRepo) GetByProvider(ctx context.Context, provider string) (*models.Connection, error) {
	return f.conn, nil
}

func (f *fakeConnRepo) ListByTenant(ctx context.Context) ([]models.Connection, error) {
	return nil, nil
}

func (f *fakeConnRepo) ListByRoutingKey(ctx context.Context, provider string, routingKey string) ([]models.Connection, error) {
	return nil, nil
}

func (f *fakeConnRepo) ListByProvider(ctx context.Context, provider string) ([]models.Connection, error) {
	return nil, nil
}

func (f *fakeConnRepo) UpdateTokens(ctx context.Context, id uuid.UUID, accessToken string, refreshToken *string, expiresAt *time.Time) (*models.Connection, error) {
	f.updateCalls++
	f.updatedToken = accessToken
	f.updatedRef = refreshToken
	updated := *f.conn
	updated.AccessToken = accessToken
	updated.RefreshToken = refreshToken
	updated.ExpiresAt = expiresAt
	return &updated, nil
}

func (f *fakeConnRepo) UpdateMetadata(ctx context.Context, id uuid.UUID, metadata map[string]any) error {
	return nil
}

func (f *fakeConnRepo) Delete(ctx context.Context, provider string) error { return nil }

func newTestManager(t *testing.T, repo *fakeConnRepo, source *fakeSource) *Manager {
	t.Helper()
	zapLogger, err := zap.NewDevelopment()
	require.NoError(t, err)
	return NewManager(repo, providers.NewRegistry(source), nil, zapadapter.NewZapEctoLogger(zapLogger, nil))
}

func testConnection(expiresAt *time.Time, refreshToken *string) *models.Connection {
	return &models.Connection{
		ID:           uuid.New(),
		TenantID:     uuid.New(),
		Provider:     models.ProviderGmail,
		AccessToken:  "old-access",
		RefreshToken: refreshToken,
		ExpiresAt:    expiresAt,
	}
}

func strPtr(s string) *string { return &s }

func TestEnsureFreshSkipsFreshToken(t *testing.T) {
	expires := time.Now().Add(10 * time.Minute)
	conn := testConnection(&expires, strPtr("refresh-1"))
	repo := &fakeConnRepo{conn: conn}
	source := &fakeSource{name: models.ProviderGmail}
	manager := newTestManager(t, repo, source)

	got, err := manager.EnsureFresh(context.Background(), conn)

	require.NoError(t, err)
	assert.Equal(t, "old-access", got.AccessToken)
	assert.Zero(t, source.refreshCalls)
	assert.Zero(t, repo.updateCalls)
}

func TestEnsureFreshSkipsNonExpiringToken(t *testing.T) {
	conn := testConnection(nil, nil)
	conn.Provider = models.ProviderNotion
	repo := &fakeConnRepo{conn: conn}
	source := &fakeSource{name: models.ProviderNotion}
	manager := newTestManager(t, repo, source)

	got, err := manager.EnsureFresh(context.Background(), conn)

	require.NoError(t, err)
	assert.Equal(t, "old-access", got.AccessToken)
	assert.Zero(t, source.refreshCalls)
}

func TestEnsureFreshRefreshesWithinSkew(t *testing.T) {
	expires := time.Now().Add(4 * time.Minute)
	newExpires := time.Now().Add(time.Hour)
	conn := testConnection(&expires, strPtr("refresh-1"))
	repo := &fakeConnRepo{conn: conn}
	source := &fakeSource{
		name: models.ProviderGmail,
		bundle: &providers.TokenBundle{
			AccessToken: "new-access",
			ExpiresAt:   &newExpires,
		},
	}
	manager := newTestManager(t, repo, source)

	got, err := manager.EnsureFresh(context.Background(), conn)

	require.NoError(t, err)
	assert.Equal(t, 1, source.refreshCalls)
	assert.Equal(t, "new-access", got.AccessToken)
	require.NotNil(t, got.RefreshToken)
	assert.Equal(t, "refresh-1", *got.RefreshToken, "stored refresh token survives when the provider returns none")
}

func TestEnsureFreshUsesRotatedRefreshToken(t *testing.T) {
	expires := time.Now().Add(time.Minute)
	newExpires := time.Now().Add(time.Hour)
	conn := testConnection(&expires, strPtr("refresh-1"))
	repo := &fakeConnRepo{conn: conn}
	source := &fakeSource{
		name: models.ProviderGmail,
		bundle: &providers.TokenBundle{
			AccessToken:  "new-access",
			RefreshToken: strPtr("refresh-2"),
			ExpiresAt:    &newExpires,
		},
	}
	manager := newTestManager(t, repo, source)

	got, err := manager.EnsureFresh(context.Background(), conn)

	require.NoError(t, err)
	require.NotNil(t, got.RefreshToken)
	assert.Equal(t, "refresh-2", *got.RefreshToken)
}

func TestEnsureFreshExpiredWithoutRefreshToken(t *testing.T) {
	expires := time.Now().Add(-time.Minute)
	conn := testConnection(&expires, nil)
	repo := &fakeConnRepo{conn: conn}
	source := &fakeSource{name: models.ProviderGmail}
	manager := newTestManager(t, repo, source)

	_, err := manager.EnsureFresh(context.Background(), conn)

	require.Error(t, err)
	assert.ErrorIs(t, err, providers.ErrTokenExpiredNoRefresh)
	assert.Zero(t, source.refreshCalls)
}

func TestEnsureFreshPropagatesRefreshFailure(t *testing.T) {
	expires := time.Now().Add(time.Minute)
	conn := testConnection(&expires, strPtr("refresh-1"))
	repo := &fakeConnRepo{conn: conn}
	source := &fakeSource{name: models.ProviderGmail, refreshErr: providers.ErrUpstreamAuth}
	manager := newTestManager(t, repo, source)

	_, err := manager.EnsureFresh(context.Background(), conn)

	require.Error(t, err)
	assert.ErrorIs(t, err, providers.ErrUpstreamAuth)
	assert.Zero(t, repo.updateCalls)
}

func TestRevokeReportsProviderError(t *testing.T) {
	expires := time.Now().Add(time.Hour)
	conn := testConnection(&expires, nil)
	repo := &fakeConnRepo{conn: conn}
	source := &fakeSource{name: models.ProviderGmail, revokeErr: providers.ErrTransientFetch}
	manager := newTestManager(t, repo, source)

	err := manager.Revoke(context.Background(), conn)

	assert.ErrorIs(t, err, providers.ErrTransientFetch)
	assert.Equal(t, 1, source.revokeCalls)
}

func TestRevokeSucceeds(t *testing.T) {
	expires := time.Now().Add(time.Hour)
	conn := testConnection(&expires, nil)
	repo := &fakeConnRepo{conn: conn}
	source := &fakeSource{name: models.ProviderGmail}
	manager := newTestManager(t, repo, source)

	require.NoError(t, manager.Revoke(context.Background(), conn))
	assert.Equal(t, 1, source.revokeCalls)
}
