// Package store defines the persistence interface for the finance engine.
// Implementations include PostgreSQL (source of truth), SQLite, Redis
// (read-through cache), and in-memory (for testing).
package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/papertrade/finance-engine/internal/model"
)

var (
	// ErrNotFound is returned when an account does not exist.
	ErrNotFound = errors.New("store: not found")

	// ErrDuplicateUsername is returned when registering a taken username.
	ErrDuplicateUsername = errors.New("store: username already exists")

	// ErrNegativeBalance is returned when a cash adjustment would leave
	// the balance below zero.
	ErrNegativeBalance = errors.New("store: cash balance would go negative")

	// ErrInvalidTrade is returned when a trade event breaks a ledger row
	// constraint: zero shares, non-positive price, more than MoneyScale
	// decimal places, or total != price * shares.
	ErrInvalidTrade = errors.New("store: invalid trade event")
)

// checkTrade applies the ledger row constraints in Go so every backend
// rejects the same events the Postgres CHECK constraints would.
func checkTrade(e *model.TradeEvent) error {
	switch {
	case e.Shares == 0:
		return fmt.Errorf("%w: zero shares", ErrInvalidTrade)
	case !e.Price.IsPositive():
		return fmt.Errorf("%w: price %s", ErrInvalidTrade, e.Price)
	case !e.Price.Equal(e.Price.Round(model.MoneyScale)):
		return fmt.Errorf("%w: price %s has more than %d decimal places", ErrInvalidTrade, e.Price, model.MoneyScale)
	case !e.Total.Equal(e.Price.Mul(decimal.NewFromInt(e.Shares))):
		return fmt.Errorf("%w: total %s != %s * %d", ErrInvalidTrade, e.Total, e.Price, e.Shares)
	}
	return nil
}

// Store is the persistence interface. The ledger is the only source of
// holdings; the account row is the only source of cash.
type Store interface {
	// --- Accounts ---

	// CreateAccount persists a new account with its starting balance.
	CreateAccount(ctx context.Context, acct *model.Account) error

	// GetAccount retrieves an account by user ID.
	GetAccount(ctx context.Context, userID string) (*model.Account, error)

	// GetAccountByUsername retrieves an account by its unique username.
	GetAccountByUsername(ctx context.Context, username string) (*model.Account, error)

	// GetCash returns the user's current cash balance.
	GetCash(ctx context.Context, userID string) (decimal.Decimal, error)

	// AdjustCash atomically adds delta to the balance, rejecting results below zero.
	AdjustCash(ctx context.Context, userID string, delta decimal.Decimal) error

	// --- Immutable ledger ---

	// AppendTrade appends an immutable trade event.
	AppendTrade(ctx context.Context, event *model.TradeEvent) error

	// TradesByUser returns all trade events for a user in insertion order.
	TradesByUser(ctx context.Context, userID string) ([]model.TradeEvent, error)

	// TradesByUserAndSymbol returns a user's trade events for one symbol in insertion order.
	TradesByUserAndSymbol(ctx context.Context, userID, symbol string) ([]model.TradeEvent, error)

	// Holdings sums shares per symbol from the ledger. Zero rows are included.
	Holdings(ctx context.Context, userID string) ([]model.Holding, error)

	// HeldSymbols returns every symbol with a positive net position for any user.
	HeldSymbols(ctx context.Context) ([]string, error)

	// --- Transactions ---

	// WithinUserTx runs fn in a transaction that is serialized against every
	// other transaction for the same user. If fn returns an error nothing
	// it wrote becomes visible.
	WithinUserTx(ctx context.Context, userID string, fn func(tx Tx) error) error
}

// Tx is the view of the store available inside WithinUserTx.
type Tx interface {
	// Cash returns the locked user's balance.
	Cash(ctx context.Context) (decimal.Decimal, error)

	// SharesHeld sums the locked user's ledger for one symbol.
	SharesHeld(ctx context.Context, symbol string) (int64, error)

	// AppendTrade appends a trade event for the locked user.
	AppendTrade(ctx context.Context, event *model.TradeEvent) error

	// AdjustCash adds delta to the locked user's balance.
	AdjustCash(ctx context.Context, delta decimal.Decimal) error
}
