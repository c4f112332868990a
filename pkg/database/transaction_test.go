package database

import (
	"context"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/Gobusters/ectologger/zapadapter"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func getMockDB(t *testing.T) (DB, sqlmock.Sqlmock) {
	t.Helper()

	mockDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { mockDB.Close() })

	zapLogger, err := zap.NewDevelopment()
	require.NoError(t, err)

	db := sqlx.NewDb(mockDB, "sqlmock")
	return NewDatabaseInstance(db, zapadapter.NewZapEctoLogger(zapLogger, nil)), mock
}

func TestGetTxBeginsAndCommits(t *testing.T) {
	db, mock := getMockDB(t)
	mock.ExpectBegin()
	mock.ExpectCommit()

	ctx, tx, err := db.GetTx(context.Background(), nil)
	require.NoError(t, err)
	require.NotNil(t, tx)
	assert.True(t, tx.IsOpen())

	require.NoError(t, tx.Commit(ctx))
	assert.False(t, tx.IsOpen())

	// Committing a closed transaction is a no-op
	require.NoError(t, tx.Commit(ctx))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetTxReusesOpenTransaction(t *testing.T) {
	db, mock := getMockDB(t)
	mock.ExpectBegin()
	mock.ExpectCommit()

	ctx, outer, err := db.GetTx(context.Background(), nil)
	require.NoError(t, err)

	// A nested call on the transaction-carrying context must not begin a
	// second transaction.
	_, inner, err := db.GetTx(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, outer, inner)

	require.NoError(t, outer.Commit(ctx))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRollbackInheritedTransactionIsNoOp(t *testing.T) {
	db, mock := getMockDB(t)
	mock.ExpectBegin()
	mock.ExpectRollback()

	ctx, tx, err := db.GetTx(context.Background(), nil)
	require.NoError(t, err)

	// With the transaction-carrying context the opener owns the close, so
	// rollback does nothing and the transaction stays open.
	require.NoError(t, tx.Rollback(ctx))
	assert.True(t, tx.IsOpen())

	// Without it the rollback goes through.
	require.NoError(t, tx.Rollback(context.Background()))
	assert.False(t, tx.IsOpen())
	require.NoError(t, mock.ExpectationsWereMet())
}
