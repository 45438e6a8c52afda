package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMockSQLiteStore(t *testing.T) (*SQLiteStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewSQLiteStore(db), mock
}

func TestSQLiteStore_WithinUserTx_RollsBackOnWriteFailure(t *testing.T) {
	st, mock := newMockSQLiteStore(t)
	ctx := context.Background()

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT user_id FROM accounts WHERE user_id = \?`).
		WithArgs("u1").
		WillReturnRows(sqlmock.NewRows([]string{"user_id"}).AddRow("u1"))
	mock.ExpectExec(`INSERT INTO trade_events`).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectQuery(`SELECT cash FROM accounts WHERE user_id = \?`).
		WithArgs("u1").
		WillReturnRows(sqlmock.NewRows([]string{"cash"}).AddRow("1000"))
	mock.ExpectExec(`UPDATE accounts SET cash = \? WHERE user_id = \?`).
		WithArgs("600", "u1").
		WillReturnError(errors.New("disk I/O error"))
	mock.ExpectRollback()

	err := st.WithinUserTx(ctx, "u1", func(tx Tx) error {
		if err := tx.AppendTrade(ctx, newEvent("e1", "u1", "AAPL", 100, 4)); err != nil {
			return err
		}
		return tx.AdjustCash(ctx, d(-400))
	})

	assert.EqualError(t, err, "disk I/O error")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLiteStore_WithinUserTx_Commits(t *testing.T) {
	st, mock := newMockSQLiteStore(t)
	ctx := context.Background()

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT user_id FROM accounts`).
		WithArgs("u1").
		WillReturnRows(sqlmock.NewRows([]string{"user_id"}).AddRow("u1"))
	mock.ExpectQuery(`SELECT COALESCE\(SUM\(shares\), 0\) FROM trade_events`).
		WithArgs("u1", "AAPL").
		WillReturnRows(sqlmock.NewRows([]string{"held"}).AddRow(int64(7)))
	mock.ExpectCommit()

	var held int64
	err := st.WithinUserTx(ctx, "u1", func(tx Tx) error {
		var err error
		held, err = tx.SharesHeld(ctx, "AAPL")
		return err
	})

	require.NoError(t, err)
	assert.Equal(t, int64(7), held)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLiteStore_WithinUserTx_UnknownUser(t *testing.T) {
	st, mock := newMockSQLiteStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT user_id FROM accounts`).
		WithArgs("ghost").
		WillReturnRows(sqlmock.NewRows([]string{"user_id"}))
	mock.ExpectRollback()

	called := false
	err := st.WithinUserTx(context.Background(), "ghost", func(Tx) error {
		called = true
		return nil
	})

	assert.True(t, errors.Is(err, ErrNotFound))
	assert.False(t, called, "fn must not run for an unknown user")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLiteStore_GetAccount_CorruptCash(t *testing.T) {
	st, mock := newMockSQLiteStore(t)

	mock.ExpectQuery(`SELECT user_id, username, cash, created_at FROM accounts WHERE user_id = \?`).
		WithArgs("u1").
		WillReturnRows(sqlmock.NewRows([]string{"user_id", "username", "cash", "created_at"}).
			AddRow("u1", "alice", "12,50", time.Now()))

	acct, err := st.GetAccount(context.Background(), "u1")
	require.Error(t, err)
	assert.Nil(t, acct)
	assert.Contains(t, err.Error(), `parse cash "12,50"`)
	assert.NoError(t, mock.ExpectationsWereMet())
}
