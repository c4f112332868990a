package queue

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/Gobusters/ectologger/zapadapter"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/everlight/trellis/pkg/ingest"
	"github.com/everlight/trellis/pkg/models"
	"github.com/everlight/trellis/pkg/providers"
	"github.com/everlight/trellis/pkg/redis"
)

type fakeConnRepo struct {
	conn *models.Connection
}

func (f *fakeConnRepo) Upsert(ctx context.Context, conn *models.Connection) error { return nil }

func (f *fakeConnRepo) GetByID(ctx context.Context, id uuid.UUID) (*models.Connection, error) {
	if f.conn == nil || f.conn.ID != id {
		return nil, httperror.NewHTTPError(http.StatusNotFound, "connection does not exist")
	}
	return f.conn, nil
}

func (f *fakeConnRepo) GetByProvider(ctx context.Context, provider string) (*models.Connection, error) {
	return nil, httperror.NewHTTPError(http.StatusNotFound, "not found")
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
	return nil, nil
}

func (f *fakeConnRepo) UpdateMetadata(ctx context.Context, id uuid.UUID, metadata map[string]any) error {
	return nil
}

func (f *fakeConnRepo) Delete(ctx context.Context, provider string) error { return nil }

type fakeBackfiller struct {
	summary *ingest.Summary
	err     error
	calls   int
}

func (f *fakeBackfiller) Backfill(ctx context.Context, conn *models.Connection, maxItems int) (*ingest.Summary, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return f.summary, nil
}

func newTestProcessor(t *testing.T, connections *fakeConnRepo, backfiller *fakeBackfiller) *Processor {
	t.Helper()
	zapLogger, err := zap.NewDevelopment()
	require.NoError(t, err)
	return NewProcessor(nil, nil, connections, backfiller, DefaultProcessorConfig(), zapadapter.NewZapEctoLogger(zapLogger, nil))
}

func backfillJobMessage(connID uuid.UUID, tenantID uuid.UUID) *redis.JobMessage {
	return &redis.JobMessage{
		ID:       uuid.New().String(),
		TenantID: tenantID.String(),
		Type:     JobTypeBackfill,
		Payload: map[string]interface{}{
			"tenant_id":     tenantID.String(),
			"connection_id": connID.String(),
			"provider":      models.ProviderNotion,
			"max_items":     0,
		},
	}
}

func TestParseBackfillJobRequiresIdentity(t *testing.T) {
	_, err := parseBackfillJob(&redis.JobMessage{
		Payload: map[string]interface{}{"provider": models.ProviderNotion},
	})

	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidJobMessage)
}

func TestProcessBackfillSucceeds(t *testing.T) {
	conn := &models.Connection{ID: uuid.New(), TenantID: uuid.New(), Provider: models.ProviderNotion}
	backfiller := &fakeBackfiller{summary: &ingest.Summary{Total: 3, Processed: 3}}
	processor := newTestProcessor(t, &fakeConnRepo{conn: conn}, backfiller)

	result := processor.processBackfill(context.Background(), backfillJobMessage(conn.ID, conn.TenantID))

	assert.True(t, result.success)
	assert.Equal(t, 1, backfiller.calls)
}

func TestProcessBackfillMissingConnectionIsPermanent(t *testing.T) {
	backfiller := &fakeBackfiller{}
	processor := newTestProcessor(t, &fakeConnRepo{}, backfiller)

	result := processor.processBackfill(context.Background(), backfillJobMessage(uuid.New(), uuid.New()))

	assert.False(t, result.success)
	assert.True(t, result.permanent)
	assert.Equal(t, models.DLQReasonConnGone, result.reason)
	assert.Zero(t, backfiller.calls)
}

func TestProcessBackfillAuthFailureIsPermanent(t *testing.T) {
	conn := &models.Connection{ID: uuid.New(), TenantID: uuid.New(), Provider: models.ProviderGmail}
	backfiller := &fakeBackfiller{err: providers.ErrTokenExpiredNoRefresh}
	processor := newTestProcessor(t, &fakeConnRepo{conn: conn}, backfiller)

	result := processor.processBackfill(context.Background(), backfillJobMessage(conn.ID, conn.TenantID))

	assert.False(t, result.success)
	assert.True(t, result.permanent)
	assert.Equal(t, models.DLQReasonAuthError, result.reason)
}

func TestProcessBackfillTransientFailureRetries(t *testing.T) {
	conn := &models.Connection{ID: uuid.New(), TenantID: uuid.New(), Provider: models.ProviderNotion}
	backfiller := &fakeBackfiller{err: providers.ErrTransientFetch}
	processor := newTestProcessor(t, &fakeConnRepo{conn: conn}, backfiller)

	result := processor.processBackfill(context.Background(), backfillJobMessage(conn.ID, conn.TenantID))

	assert.False(t, result.success)
	assert.False(t, result.permanent)
}

type panickingBackfiller struct{}

func (panickingBackfiller) Backfill(ctx context.Context, conn *models.Connection, maxItems int) (*ingest.Summary, error) {
	panic("boom")
}

func TestProcessJobPanicIsDeadLettered(t *testing.T) {
	conn := &models.Connection{ID: uuid.New(), TenantID: uuid.New(), Provider: models.ProviderNotion}
	processor := newTestProcessor(t, &fakeConnRepo{conn: conn}, nil)
	processor.backfiller = panickingBackfiller{}

	result := processor.processJob(context.Background(), jobItem{job: backfillJobMessage(conn.ID, conn.TenantID)})

	assert.False(t, result.success)
	assert.True(t, result.permanent)
	assert.Equal(t, models.DLQReasonPanic, result.reason)
	assert.ErrorContains(t, result.err, "boom")
}

func TestProcessJobDeadlineExceededIsDeadLettered(t *testing.T) {
	conn := &models.Connection{ID: uuid.New(), TenantID: uuid.New(), Provider: models.ProviderGmail}
	backfiller := &fakeBackfiller{err: context.DeadlineExceeded}
	processor := newTestProcessor(t, &fakeConnRepo{conn: conn}, backfiller)

	result := processor.processJob(context.Background(), jobItem{job: backfillJobMessage(conn.ID, conn.TenantID)})

	assert.False(t, result.success)
	assert.True(t, result.permanent)
	assert.Equal(t, models.DLQReasonTimeout, result.reason)
}
