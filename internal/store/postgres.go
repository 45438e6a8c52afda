package store

import (
	"context"
	_ "embed"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/papertrade/finance-engine/internal/model"
)

//go:embed schema/postgres.sql
var postgresSchema string

// Postgres error codes.
const (
	pgUniqueViolation = "23505"
	pgCheckViolation  = "23514"
)

// PostgresStore implements Store using PostgreSQL as the source of truth.
// All monetary values are stored as NUMERIC for exact decimal precision.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Migrate creates the tables if they do not exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresSchema)
	return err
}

// pgQuerier is satisfied by both *pgxpool.Pool and pgx.Tx.
type pgQuerier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func (s *PostgresStore) CreateAccount(ctx context.Context, a *model.Account) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO accounts (user_id, username, cash, created_at)
		 VALUES ($1, $2, $3::NUMERIC, $4)`,
		a.UserID, a.Username, a.Cash.String(), a.CreatedAt,
	)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
		return fmt.Errorf("%w: %s", ErrDuplicateUsername, a.Username)
	}
	return err
}

func (s *PostgresStore) GetAccount(ctx context.Context, userID string) (*model.Account, error) {
	return pgScanAccount(s.pool.QueryRow(ctx,
		`SELECT user_id, username, cash::TEXT, created_at
		 FROM accounts WHERE user_id = $1`, userID), userID)
}

func (s *PostgresStore) GetAccountByUsername(ctx context.Context, username string) (*model.Account, error) {
	return pgScanAccount(s.pool.QueryRow(ctx,
		`SELECT user_id, username, cash::TEXT, created_at
		 FROM accounts WHERE username = $1`, username), username)
}

func pgScanAccount(row pgx.Row, key string) (*model.Account, error) {
	var a model.Account
	var cash string
	if err := row.Scan(&a.UserID, &a.Username, &cash, &a.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
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

func (s *PostgresStore) GetCash(ctx context.Context, userID string) (decimal.Decimal, error) {
	return pgCash(ctx, s.pool, userID)
}

func pgCash(ctx context.Context, q pgQuerier, userID string) (decimal.Decimal, error) {
	var cash string
	err := q.QueryRow(ctx, `SELECT cash::TEXT FROM accounts WHERE user_id = $1`, userID).Scan(&cash)
	if errors.Is(err, pgx.ErrNoRows) {
		return decimal.Zero, fmt.Errorf("account %s: %w", userID, ErrNotFound)
	}
	if err != nil {
		return decimal.Zero, err
	}
	return decimal.NewFromString(cash)
}

func (s *PostgresStore) AdjustCash(ctx context.Context, userID string, delta decimal.Decimal) error {
	return pgAdjustCash(ctx, s.pool, userID, delta)
}

func pgAdjustCash(ctx context.Context, q pgQuerier, userID string, delta decimal.Decimal) error {
	tag, err := q.Exec(ctx,
		`UPDATE accounts SET cash = cash + $2::NUMERIC
		 WHERE user_id = $1 AND cash + $2::NUMERIC >= 0`,
		userID, delta.String(),
	)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == pgCheckViolation {
		return ErrNegativeBalance
	}
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		// Either the account is missing or the guard rejected the update.
		if _, err := pgCash(ctx, q, userID); err != nil {
			return err
		}
		return ErrNegativeBalance
	}
	return nil
}

func (s *PostgresStore) AppendTrade(ctx context.Context, e *model.TradeEvent) error {
	return pgAppendTrade(ctx, s.pool, e)
}

func pgAppendTrade(ctx context.Context, q pgQuerier, e *model.TradeEvent) error {
	if err := checkTrade(e); err != nil {
		return err
	}
	_, err := q.Exec(ctx,
		`INSERT INTO trade_events (id, user_id, symbol, price, shares, total, timestamp)
		 VALUES ($1, $2, $3, $4::NUMERIC, $5, $6::NUMERIC, $7)`,
		e.ID, e.UserID, e.Symbol, e.Price.String(), e.Shares, e.Total.String(), e.Timestamp,
	)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == pgCheckViolation {
		return fmt.Errorf("%w: %s", ErrInvalidTrade, pgErr.ConstraintName)
	}
	return err
}

func (s *PostgresStore) TradesByUser(ctx context.Context, userID string) ([]model.TradeEvent, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, user_id, symbol, price::TEXT, shares, total::TEXT, timestamp
		 FROM trade_events WHERE user_id = $1 ORDER BY seq`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanTradeEvents(rows)
}

func (s *PostgresStore) TradesByUserAndSymbol(ctx context.Context, userID, symbol string) ([]model.TradeEvent, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, user_id, symbol, price::TEXT, shares, total::TEXT, timestamp
		 FROM trade_events WHERE user_id = $1 AND symbol = $2 ORDER BY seq`, userID, symbol)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanTradeEvents(rows)
}

func (s *PostgresStore) Holdings(ctx context.Context, userID string) ([]model.Holding, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT symbol, COALESCE(SUM(shares), 0)::BIGINT
		 FROM trade_events WHERE user_id = $1
		 GROUP BY symbol ORDER BY symbol`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanHoldings(rows)
}

func (s *PostgresStore) HeldSymbols(ctx context.Context) ([]string, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT DISTINCT symbol FROM (
		     SELECT symbol FROM trade_events
		     GROUP BY user_id, symbol HAVING SUM(shares) > 0
		 ) held ORDER BY symbol`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanStrings(rows)
}

// WithinUserTx locks the account row FOR UPDATE so concurrent trades for
// the same user run one after another.
func (s *PostgresStore) WithinUserTx(ctx context.Context, userID string, fn func(tx Tx) error) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	var locked string
	err = tx.QueryRow(ctx, `SELECT user_id FROM accounts WHERE user_id = $1 FOR UPDATE`, userID).Scan(&locked)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("account %s: %w", userID, ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("lock account %s: %w", userID, err)
	}

	if err := fn(&pgTx{tx: tx, userID: userID}); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

type pgTx struct {
	tx     pgx.Tx
	userID string
}

func (t *pgTx) Cash(ctx context.Context) (decimal.Decimal, error) {
	return pgCash(ctx, t.tx, t.userID)
}

func (t *pgTx) SharesHeld(ctx context.Context, symbol string) (int64, error) {
	var held int64
	err := t.tx.QueryRow(ctx,
		`SELECT COALESCE(SUM(shares), 0)::BIGINT FROM trade_events WHERE user_id = $1 AND symbol = $2`,
		t.userID, symbol).Scan(&held)
	return held, err
}

func (t *pgTx) AppendTrade(ctx context.Context, e *model.TradeEvent) error {
	if e.UserID != t.userID {
		return fmt.Errorf("trade for %s appended inside transaction for %s", e.UserID, t.userID)
	}
	return pgAppendTrade(ctx, t.tx, e)
}

func (t *pgTx) AdjustCash(ctx context.Context, delta decimal.Decimal) error {
	return pgAdjustCash(ctx, t.tx, t.userID, delta)
}

// rowScanner is the subset of pgx.Rows and *sql.Rows used by the scan helpers.
type rowScanner interface {
	Next() bool
	Scan(dest ...any) error
	Err() error
}

// scanTradeEvents reads rows into TradeEvent slices.
func scanTradeEvents(rows rowScanner) ([]model.TradeEvent, error) {
	var events []model.TradeEvent
	for rows.Next() {
		var e model.TradeEvent
		var priceS, totalS string

		if err := rows.Scan(&e.ID, &e.UserID, &e.Symbol,
			&priceS, &e.Shares, &totalS, &e.Timestamp); err != nil {
			return nil, err
		}

		var err error
		if e.Price, err = decimal.NewFromString(priceS); err != nil {
			return nil, fmt.Errorf("trade %s: parse price %q: %w", e.ID, priceS, err)
		}
		if e.Total, err = decimal.NewFromString(totalS); err != nil {
			return nil, fmt.Errorf("trade %s: parse total %q: %w", e.ID, totalS, err)
		}

		events = append(events, e)
	}
	return events, rows.Err()
}

func scanHoldings(rows rowScanner) ([]model.Holding, error) {
	holdings := []model.Holding{}
	for rows.Next() {
		var h model.Holding
		if err := rows.Scan(&h.Symbol, &h.Shares); err != nil {
			return nil, err
		}
		holdings = append(holdings, h)
	}
	return holdings, rows.Err()
}

func scanStrings(rows rowScanner) ([]string, error) {
	var out []string
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}
