package store

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"

	"github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"

	"github.com/papertrade/finance-engine/internal/model"
)

//go:embed schema/sqlite.sql
var sqliteSchema string

// SQLiteStore implements Store on a single SQLite file. Decimals are stored
// as TEXT and summed in Go so no value passes through a float.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite opens path with immediate transactions, so a write transaction
// takes the database write lock at BEGIN rather than at its first write.
func OpenSQLite(path string) (*sql.DB, error) {
	dsn := fmt.Sprintf("file:%s?_txlock=immediate&_foreign_keys=on&_busy_timeout=5000", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

// NewSQLiteStore creates a new SQLite-backed store.
func NewSQLiteStore(db *sql.DB) *SQLiteStore {
	return &SQLiteStore{db: db}
}

// Migrate creates the tables if they do not exist.
func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteSchema)
	return err
}

// sqlQuerier is satisfied by both *sql.DB and *sql.Tx.
type sqlQuerier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *SQLiteStore) CreateAccount(ctx context.Context, a *model.Account) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO accounts (user_id, username, cash, created_at) VALUES (?, ?, ?, ?)`,
		a.UserID, a.Username, a.Cash.String(), a.CreatedAt,
	)
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) && sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique {
		return fmt.Errorf("%w: %s", ErrDuplicateUsername, a.Username)
	}
	return err
}

func (s *SQLiteStore) GetAccount(ctx context.Context, userID string) (*model.Account, error) {
	return sqlScanAccount(s.db.QueryRowContext(ctx,
		`SELECT user_id, username, cash, created_at FROM accounts WHERE user_id = ?`, userID), userID)
}

func (s *SQLiteStore) GetAccountByUsername(ctx context.Context, username string) (*model.Account, error) {
	return sqlScanAccount(s.db.QueryRowContext(ctx,
		`SELECT user_id, username, cash, created_at FROM accounts WHERE username = ?`, username), username)
}

func sqlScanAccount(row *sql.Row, key string) (*model.Account, error) {
	var a model.Account
	var cash string
	if err := row.Scan(&a.UserID, &a.Username, &cash, &a.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("account %s: %w", key, ErrNotFound)
		}
		return nil, fmt.Errorf("get account %s: %w", key, err)
	}
	var err error
	if a.Cash, err = decimal.NewFromString(cash); err != nil {
		return nil, fmt.Errorf("account %s: parse cash %q: %w", key, cash, err)
	}
	return &a, nil
}

func (s *SQLiteStore) GetCash(ctx context.Context, userID string) (decimal.Decimal, error) {
	return sqlCash(ctx, s.db, userID)
}

func sqlCash(ctx context.Context, q sqlQuerier, userID string) (decimal.Decimal, error) {
	var cash string
	err := q.QueryRowContext(ctx, `SELECT cash FROM accounts WHERE user_id = ?`, userID).Scan(&cash)
	if errors.Is(err, sql.ErrNoRows) {
		return decimal.Zero, fmt.Errorf("account %s: %w", userID, ErrNotFound)
	}
	if err != nil {
		return decimal.Zero, err
	}
	return decimal.NewFromString(cash)
}

// AdjustCash runs its read-modify-write in its own immediate transaction.
func (s *SQLiteStore) AdjustCash(ctx context.Context, userID string, delta decimal.Decimal) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	if err := sqlAdjustCash(ctx, tx, userID, delta); err != nil {
		return err
	}
	return tx.Commit()
}

func sqlAdjustCash(ctx context.Context, q sqlQuerier, userID string, delta decimal.Decimal) error {
	cash, err := sqlCash(ctx, q, userID)
	if err != nil {
		return err
	}
	next := cash.Add(delta)
	if next.IsNegative() {
		return ErrNegativeBalance
	}
	_, err = q.ExecContext(ctx, `UPDATE accounts SET cash = ? WHERE user_id = ?`, next.String(), userID)
	return err
}

func (s *SQLiteStore) AppendTrade(ctx context.Context, e *model.TradeEvent) error {
	return sqlAppendTrade(ctx, s.db, e)
}

func sqlAppendTrade(ctx context.Context, q sqlQuerier, e *model.TradeEvent) error {
	if err := checkTrade(e); err != nil {
		return err
	}
	_, err := q.ExecContext(ctx,
		`INSERT INTO trade_events (id, user_id, symbol, price, shares, total, timestamp)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.UserID, e.Symbol, e.Price.String(), e.Shares, e.Total.String(), e.Timestamp,
	)
	return err
}

func (s *SQLiteStore) TradesByUser(ctx context.Context, userID string) ([]model.TradeEvent, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_id, symbol, price, shares, total, timestamp
		 FROM trade_events WHERE user_id = ? ORDER BY seq`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanTradeEvents(rows)
}

func (s *SQLiteStore) TradesByUserAndSymbol(ctx context.Context, userID, symbol string) ([]model.TradeEvent, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_id, symbol, price, shares, total, timestamp
		 FROM trade_events WHERE user_id = ? AND symbol = ? ORDER BY seq`, userID, symbol)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanTradeEvents(rows)
}

func (s *SQLiteStore) Holdings(ctx context.Context, userID string) ([]model.Holding, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT symbol, COALESCE(SUM(shares), 0)
		 FROM trade_events WHERE user_id = ?
		 GROUP BY symbol ORDER BY symbol`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanHoldings(rows)
}

func (s *SQLiteStore) HeldSymbols(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT DISTINCT symbol FROM (
		     SELECT symbol FROM trade_events
		     GROUP BY user_id, symbol HAVING SUM(shares) > 0
		 ) ORDER BY symbol`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanStrings(rows)
}

// WithinUserTx relies on _txlock=immediate: BEGIN takes the write lock, which
// serializes every writer (not just those for userID).
func (s *SQLiteStore) WithinUserTx(ctx context.Context, userID string, fn func(tx Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	var locked string
	err = tx.QueryRowContext(ctx, `SELECT user_id FROM accounts WHERE user_id = ?`, userID).Scan(&locked)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("account %s: %w", userID, ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("lock account %s: %w", userID, err)
	}

	if err := fn(&sqlTx{tx: tx, userID: userID}); err != nil {
		return err
	}
	return tx.Commit()
}

type sqlTx struct {
	tx     *sql.Tx
	userID string
}

func (t *sqlTx) Cash(ctx context.Context) (decimal.Decimal, error) {
	return sqlCash(ctx, t.tx, t.userID)
}

func (t *sqlTx) SharesHeld(ctx context.Context, symbol string) (int64, error) {
	var held int64
	err := t.tx.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(shares), 0) FROM trade_events WHERE user_id = ? AND symbol = ?`,
		t.userID, symbol).Scan(&held)
	return held, err
}

func (t *sqlTx) AppendTrade(ctx context.Context, e *model.TradeEvent) error {
	if e.UserID != t.userID {
		return fmt.Errorf("trade for %s appended inside transaction for %s", e.UserID, t.userID)
	}
	return sqlAppendTrade(ctx, t.tx, e)
}

func (t *sqlTx) AdjustCash(ctx context.Context, delta decimal.Decimal) error {
	return sqlAdjustCash(ctx, t.tx, t.userID, delta)
}
