// Package portfolio implements ledger-based portfolio accounting: buying and
// selling at live quotes, and deriving holdings, value and history from the
// append-only trade ledger.
//
// All monetary values use shopspring/decimal, never float64.
package portfolio

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/papertrade/finance-engine/internal/metrics"
	"github.com/papertrade/finance-engine/internal/model"
	"github.com/papertrade/finance-engine/internal/quote"
	"github.com/papertrade/finance-engine/internal/store"
	"github.com/papertrade/finance-engine/internal/symbol"
)

// DefaultStartingCash is the balance every new account receives.
var DefaultStartingCash = decimal.NewFromInt(10000)

const maxUsernameLen = 64

// Service is the accounting core. It holds no state of its own: holdings
// come from the ledger, cash from the account row, prices from the quote
// provider. Conflicting trades for one user are serialized by the store's
// WithinUserTx, not by the service.
type Service struct {
	store        store.Store
	quotes       quote.Provider
	startingCash decimal.Decimal
	now          func() time.Time
}

// NewService creates a new accounting service. A non-positive startingCash
// selects DefaultStartingCash; config.Load rejects such values, so only
// callers passing decimal.Zero on purpose get the default.
func NewService(st store.Store, quotes quote.Provider, startingCash decimal.Decimal) *Service {
	if !startingCash.IsPositive() {
		if !startingCash.IsZero() {
			slog.Warn("negative starting cash, using default", "requested", startingCash.String())
		}
		startingCash = DefaultStartingCash
	}
	startingCash = startingCash.Round(model.MoneyScale)
	return &Service{
		store:        st,
		quotes:       quotes,
		startingCash: startingCash,
		now:          time.Now,
	}
}

// --- Accounts ---

// Register creates an account with the starting cash balance.
func (s *Service) Register(ctx context.Context, username string) (*model.Account, error) {
	username = strings.TrimSpace(username)
	if username == "" {
		return nil, fmt.Errorf("%w: must provide username", ErrInvalidInput)
	}
	if len(username) > maxUsernameLen {
		return nil, fmt.Errorf("%w: username longer than %d characters", ErrInvalidInput, maxUsernameLen)
	}

	acct := &model.Account{
		UserID:    uuid.New().String(),
		Username:  username,
		Cash:      s.startingCash,
		CreatedAt: s.now().UTC(),
	}
	if err := s.store.CreateAccount(ctx, acct); err != nil {
		if errors.Is(err, store.ErrDuplicateUsername) {
			return nil, fmt.Errorf("%w: %s", ErrUsernameTaken, username)
		}
		return nil, fmt.Errorf("create account: %w", err)
	}

	metrics.AccountsRegistered.Inc()
	slog.Info("account registered", "user", acct.UserID, "username", username, "cash", acct.Cash.String())
	return acct, nil
}

// Account returns the user's account.
func (s *Service) Account(ctx context.Context, userID string) (*model.Account, error) {
	acct, err := s.store.GetAccount(ctx, userID)
	if err != nil {
		return nil, mapStoreErr(err, userID)
	}
	return acct, nil
}

// AccountByUsername looks an account up by username.
func (s *Service) AccountByUsername(ctx context.Context, username string) (*model.Account, error) {
	acct, err := s.store.GetAccountByUsername(ctx, strings.TrimSpace(username))
	if err != nil {
		return nil, mapStoreErr(err, username)
	}
	return acct, nil
}

// --- Quotes ---

// Quote normalizes sym and looks up its live price.
func (s *Service) Quote(ctx context.Context, sym string) (model.Quote, error) {
	norm, err := symbol.Normalize(sym)
	if err != nil {
		return model.Quote{}, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	return s.lookup(ctx, norm)
}

func (s *Service) lookup(ctx context.Context, sym string) (model.Quote, error) {
	q, err := s.quotes.Lookup(ctx, sym)
	if err == nil {
		// Every backend stores MoneyScale places; totals are computed from
		// the stored price so price * shares == total holds exactly.
		q.Price = q.Price.Round(model.MoneyScale)
	}
	switch {
	case err == nil && !q.Price.IsPositive():
		metrics.QuoteLookups.WithLabelValues("not_found").Inc()
		return model.Quote{}, fmt.Errorf("%w: %s", ErrUnknownSymbol, sym)
	case err == nil:
		metrics.QuoteLookups.WithLabelValues("ok").Inc()
		return q, nil
	case errors.Is(err, quote.ErrNotFound):
		metrics.QuoteLookups.WithLabelValues("not_found").Inc()
		return model.Quote{}, fmt.Errorf("%w: %s", ErrUnknownSymbol, sym)
	default:
		metrics.QuoteLookups.WithLabelValues("error").Inc()
		slog.Warn("quote lookup failed", "symbol", sym, "err", err)
		return model.Quote{}, fmt.Errorf("%w: %s: %v", ErrQuoteUnavailable, sym, err)
	}
}

// --- Trades ---

type side int

const (
	buy side = iota
	sell
)

func (sd side) String() string {
	if sd == sell {
		return "SELL"
	}
	return "BUY"
}

// Buy purchases shares of sym at the current quote. The ledger append and
// the cash debit commit together or not at all.
func (s *Service) Buy(ctx context.Context, userID, sym string, shares int64) (*model.TradeEvent, error) {
	return s.execute(ctx, buy, userID, sym, shares)
}

// Sell sells shares of sym at the current quote. The event is recorded with
// negated shares and total, at the sale price.
func (s *Service) Sell(ctx context.Context, userID, sym string, shares int64) (*model.TradeEvent, error) {
	return s.execute(ctx, sell, userID, sym, shares)
}

func (s *Service) execute(ctx context.Context, sd side, userID, sym string, shares int64) (*model.TradeEvent, error) {
	start := time.Now()
	event, err := s.trade(ctx, sd, userID, sym, shares)
	if err != nil {
		metrics.TradeRejections.WithLabelValues(sd.String(), Reason(err)).Inc()
		slog.Info("trade rejected",
			"side", sd.String(),
			"user", userID,
			"symbol", sym,
			"shares", shares,
			"reason", Reason(err),
			"err", err,
		)
		return nil, err
	}

	metrics.TradesTotal.WithLabelValues(sd.String()).Inc()
	metrics.TradeLatency.WithLabelValues(sd.String()).Observe(time.Since(start).Seconds())
	slog.Info("trade executed",
		"trade_id", event.ID,
		"side", sd.String(),
		"user", userID,
		"symbol", event.Symbol,
		"shares", event.Shares,
		"price", event.Price.String(),
		"total", event.Total.String(),
	)
	return event, nil
}

func (s *Service) trade(ctx context.Context, sd side, userID, sym string, shares int64) (*model.TradeEvent, error) {
	// --- Input validation (never reaches the store) ---
	if userID == "" {
		return nil, fmt.Errorf("%w: user id is required", ErrInvalidInput)
	}
	if shares <= 0 {
		return nil, fmt.Errorf("%w: must provide positive number of shares", ErrInvalidInput)
	}
	norm, err := symbol.Normalize(sym)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}

	// Quote outside the transaction so no lock is held across the network call.
	q, err := s.lookup(ctx, norm)
	if err != nil {
		return nil, err
	}

	total := q.Price.Mul(decimal.NewFromInt(shares))
	event := &model.TradeEvent{
		ID:        uuid.New().String(),
		UserID:    userID,
		Symbol:    norm,
		Price:     q.Price,
		Shares:    shares,
		Total:     total,
		Timestamp: s.now().UTC(),
	}
	if sd == sell {
		event.Shares = -shares
		event.Total = total.Neg()
	}

	err = s.store.WithinUserTx(ctx, userID, func(tx store.Tx) error {
		if sd == buy {
			return applyBuy(ctx, tx, event)
		}
		return applySell(ctx, tx, event)
	})
	if err != nil {
		return nil, mapStoreErr(err, userID)
	}
	return event, nil
}

func applyBuy(ctx context.Context, tx store.Tx, event *model.TradeEvent) error {
	cash, err := tx.Cash(ctx)
	if err != nil {
		return err
	}
	if event.Total.GreaterThan(cash) {
		return fmt.Errorf("%w: cost %s exceeds cash %s", ErrInsufficientFunds, event.Total, cash)
	}
	if err := tx.AppendTrade(ctx, event); err != nil {
		return fmt.Errorf("record trade: %w", err)
	}
	return tx.AdjustCash(ctx, event.Total.Neg())
}

func applySell(ctx context.Context, tx store.Tx, event *model.TradeEvent) error {
	held, err := tx.SharesHeld(ctx, event.Symbol)
	if err != nil {
		return err
	}
	want := -event.Shares
	if held <= 0 || want > held {
		return fmt.Errorf("%w: selling %d %s, holding %d", ErrInsufficientShares, want, event.Symbol, held)
	}
	if err := tx.AppendTrade(ctx, event); err != nil {
		return fmt.Errorf("record trade: %w", err)
	}
	return tx.AdjustCash(ctx, event.Total.Neg())
}

// --- Derived views ---

// CurrentHoldings returns the user's positions with shares > 0, ordered by
// symbol. Fully liquidated symbols stay in the history but are not held.
func (s *Service) CurrentHoldings(ctx context.Context, userID string) ([]model.Holding, error) {
	if _, err := s.Account(ctx, userID); err != nil {
		return nil, err
	}
	all, err := s.store.Holdings(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("load holdings: %w", err)
	}
	held := make([]model.Holding, 0, len(all))
	for _, h := range all {
		if h.Shares > 0 {
			held = append(held, h)
		}
	}
	return held, nil
}

// SellableSymbols lists the symbols the user can currently sell.
func (s *Service) SellableSymbols(ctx context.Context, userID string) ([]string, error) {
	held, err := s.CurrentHoldings(ctx, userID)
	if err != nil {
		return nil, err
	}
	symbols := make([]string, 0, len(held))
	for _, h := range held {
		symbols = append(symbols, h.Symbol)
	}
	return symbols, nil
}

// Portfolio values every current holding at its live price. Any failed
// quote fails the whole valuation; there is no partial result.
func (s *Service) Portfolio(ctx context.Context, userID string) (*model.Portfolio, error) {
	held, err := s.CurrentHoldings(ctx, userID)
	if err != nil {
		return nil, err
	}
	cash, err := s.store.GetCash(ctx, userID)
	if err != nil {
		return nil, mapStoreErr(err, userID)
	}

	p := &model.Portfolio{
		UserID:   userID,
		Cash:     cash,
		Holdings: make([]model.HoldingValue, 0, len(held)),
		Total:    cash,
	}
	for _, h := range held {
		q, err := s.lookup(ctx, h.Symbol)
		if err != nil {
			// A symbol already in the ledger that no longer resolves is a
			// provider problem, not bad user input.
			if errors.Is(err, ErrUnknownSymbol) {
				return nil, fmt.Errorf("%w: %v", ErrQuoteUnavailable, err)
			}
			return nil, err
		}
		value := q.Price.Mul(decimal.NewFromInt(h.Shares))
		p.Holdings = append(p.Holdings, model.HoldingValue{
			Symbol: h.Symbol,
			Name:   q.Name,
			Shares: h.Shares,
			Price:  q.Price,
			Value:  value,
		})
		p.Total = p.Total.Add(value)
	}
	return p, nil
}

// PortfolioValue is cash plus every holding at its live price.
func (s *Service) PortfolioValue(ctx context.Context, userID string) (decimal.Decimal, error) {
	p, err := s.Portfolio(ctx, userID)
	if err != nil {
		return decimal.Zero, err
	}
	return p.Total, nil
}

// TransactionHistory returns every trade event for the user in the order
// they were recorded.
func (s *Service) TransactionHistory(ctx context.Context, userID string) ([]model.TradeEvent, error) {
	if _, err := s.Account(ctx, userID); err != nil {
		return nil, err
	}
	events, err := s.store.TradesByUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("load history: %w", err)
	}
	if events == nil {
		events = []model.TradeEvent{}
	}
	return events, nil
}

// mapStoreErr translates store errors into the service taxonomy. A
// store-level negative balance rejection is the same failure as a failed
// funds check.
func mapStoreErr(err error, key string) error {
	switch {
	case errors.Is(err, store.ErrNotFound):
		return fmt.Errorf("%w: %s", ErrUnknownUser, key)
	case errors.Is(err, store.ErrNegativeBalance):
		return fmt.Errorf("%w: %v", ErrInsufficientFunds, err)
	case errors.Is(err, store.ErrInvalidTrade):
		return fmt.Errorf("%w: %v", ErrInvalidInput, err)
	default:
		return err
	}
}
