package repositories_test

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/Gobusters/ectoerror/httperror"
	"github.com/Gobusters/ectologger"
	"github.com/Gobusters/ectologger/zapadapter"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	appctx "github.com/everlight/trellis/pkg/context"
	"github.com/everlight/trellis/pkg/database"
	"github.com/everlight/trellis/pkg/models"
	"github.com/everlight/trellis/pkg/repositories"
)

func getTestLogger() ectologger.Logger {
	zapLogger, _ := zap.NewDevelopment()
	return zapadapter.NewZapEctoLogger(zapLogger, nil)
}

func getMockDB(t *testing.T) (database.DB, sqlmock.Sqlmock) {
	t.Helper()

	mockDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { mockDB.Close() })

	db := sqlx.NewDb(mockDB, "sqlmock")
	return database.NewDatabaseInstance(db, getTestLogger()), mock
}

func getTestContext(tenantID uuid.UUID) context.Context {
	return appctx.SetTenantID(context.Background(), tenantID.String())
}

// assertNotFound asserts that err is an HTTP 404 error
func assertNotFound(t *testing.T, err error) {
	t.Helper()
	require.Error(t, err)
	assert.True(t, httperror.IsHTTPError(err), "expected HTTP error, got: %v", err)
	assert.Equal(t, http.StatusNotFound, httperror.GetStatusCode(err))
}

// assertUnauthorized asserts that err is an HTTP 401 error
func assertUnauthorized(t *testing.T, err error) {
	t.Helper()
	require.Error(t, err)
	assert.True(t, httperror.IsHTTPError(err), "expected HTTP error, got: %v", err)
	assert.Equal(t, http.StatusUnauthorized, httperror.GetStatusCode(err))
}

func connectionColumns() []string {
	return []string{"id", "tenant_id", "provider", "access_token", "refresh_token", "routing_key", "expires_at", "metadata", "created_at", "updated_at"}
}

func TestConnectionRepository_Upsert_RequiresTenant(t *testing.T) {
	db, _ := getMockDB(t)
	repo := repositories.NewConnectionRepository(db, getTestLogger())

	err := repo.Upsert(context.Background(), &models.Connection{Provider: models.ProviderNotion})
	assertUnauthorized(t, err)
}

func TestConnectionRepository_Upsert(t *testing.T) {
	db, mock := getMockDB(t)
	repo := repositories.NewConnectionRepository(db, getTestLogger())

	tenantID := uuid.New()
	ctx := getTestContext(tenantID)

	id := uuid.New()
	now := time.Now()
	mock.ExpectQuery("INSERT INTO integration_connections").
		WillReturnRows(sqlmock.NewRows([]string{"id", "created_at", "updated_at"}).AddRow(id.String(), now, now))

	routingKey := "bot-123"
	conn := &models.Connection{
		Provider:    models.ProviderNotion,
		AccessToken: "secret_abc",
		RoutingKey:  &routingKey,
	}
	err := repo.Upsert(ctx, conn)
	require.NoError(t, err)
	assert.Equal(t, tenantID, conn.TenantID)
	assert.Equal(t, id, conn.ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestConnectionRepository_ListByRoutingKey(t *testing.T) {
	db, mock := getMockDB(t)
	repo := repositories.NewConnectionRepository(db, getTestLogger())

	// Fan-out queries are not tenant-scoped. Two tenants share the routing key.
	tenantA := uuid.New()
	tenantB := uuid.New()
	now := time.Now()
	rows := sqlmock.NewRows(connectionColumns()).
		AddRow(uuid.New().String(), tenantA.String(), "notion", "tok-a", nil, "bot-123", nil, nil, now, now).
		AddRow(uuid.New().String(), tenantB.String(), "notion", "tok-b", nil, "bot-123", nil, nil, now, now)

	mock.ExpectQuery("SELECT .+ FROM integration_connections").
		WillReturnRows(rows)

	conns, err := repo.ListByRoutingKey(context.Background(), models.ProviderNotion, "bot-123")
	require.NoError(t, err)
	require.Len(t, conns, 2)
	assert.Equal(t, tenantA, conns[0].TenantID)
	assert.Equal(t, tenantB, conns[1].TenantID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestConnectionRepository_UpdateTokens(t *testing.T) {
	db, mock := getMockDB(t)
	repo := repositories.NewConnectionRepository(db, getTestLogger())

	id := uuid.New()
	tenantID := uuid.New()
	now := time.Now()
	expiresAt := now.Add(time.Hour)

	mock.ExpectQuery("UPDATE integration_connections").
		WillReturnRows(sqlmock.NewRows([]string{"tenant_id", "provider", "routing_key", "metadata", "updated_at"}).
			AddRow(tenantID.String(), "gmail", "user@example.com", []byte(`{"workspace_name":"Acme"}`), now))

	refresh := "refresh-1"
	conn, err := repo.UpdateTokens(context.Background(), id, "new-access", &refresh, &expiresAt)
	require.NoError(t, err)
	assert.Equal(t, tenantID, conn.TenantID)
	assert.Equal(t, "gmail", conn.Provider)
	require.NotNil(t, conn.RoutingKey)
	assert.Equal(t, "user@example.com", *conn.RoutingKey)
	assert.Equal(t, "Acme", conn.Metadata.GetValue()["workspace_name"])
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestConnectionRepository_UpdateTokens_NotFound(t *testing.T) {
	db, mock := getMockDB(t)
	repo := repositories.NewConnectionRepository(db, getTestLogger())

	mock.ExpectQuery("UPDATE integration_connections").
		WillReturnRows(sqlmock.NewRows([]string{"tenant_id", "provider", "routing_key", "metadata", "updated_at"}))

	_, err := repo.UpdateTokens(context.Background(), uuid.New(), "new-access", nil, nil)
	assertNotFound(t, err)
}

func TestConnectionRepository_Delete_NotFound(t *testing.T) {
	db, mock := getMockDB(t)
	repo := repositories.NewConnectionRepository(db, getTestLogger())

	ctx := getTestContext(uuid.New())
	mock.ExpectExec("DELETE FROM integration_connections").
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := repo.Delete(ctx, models.ProviderGmail)
	assertNotFound(t, err)
}
