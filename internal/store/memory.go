package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/papertrade/finance-engine/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
type MemoryStore struct {
	mu       sync.RWMutex
	accounts map[string]*model.Account
	ledger   []model.TradeEvent

	// userLocks serializes WithinUserTx per user.
	locksMu   sync.Mutex
	userLocks map[string]*sync.Mutex
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		accounts:  make(map[string]*model.Account),
		userLocks: make(map[string]*sync.Mutex),
	}
}

func (s *MemoryStore) CreateAccount(_ context.Context, acct *model.Account) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.accounts {
		if existing.Username == acct.Username {
			return fmt.Errorf("%w: %s", ErrDuplicateUsername, acct.Username)
		}
	}
	if _, ok := s.accounts[acct.UserID]; ok {
		return fmt.Errorf("account %s already exists", acct.UserID)
	}

	// Store a copy to avoid external mutation.
	copy := *acct
	s.accounts[acct.UserID] = &copy
	return nil
}

func (s *MemoryStore) GetAccount(_ context.Context, userID string) (*model.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	a, ok := s.accounts[userID]
	if !ok {
		return nil, fmt.Errorf("account %s: %w", userID, ErrNotFound)
	}
	copy := *a
	return &copy, nil
}

func (s *MemoryStore) GetAccountByUsername(_ context.Context, username string) (*model.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, a := range s.accounts {
		if a.Username == username {
			copy := *a
			return &copy, nil
		}
	}
	return nil, fmt.Errorf("username %s: %w", username, ErrNotFound)
}

func (s *MemoryStore) GetCash(ctx context.Context, userID string) (decimal.Decimal, error) {
	a, err := s.GetAccount(ctx, userID)
	if err != nil {
		return decimal.Zero, err
	}
	return a.Cash, nil
}

func (s *MemoryStore) AdjustCash(_ context.Context, userID string, delta decimal.Decimal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.adjustCashLocked(userID, delta)
}

func (s *MemoryStore) adjustCashLocked(userID string, delta decimal.Decimal) error {
	a, ok := s.accounts[userID]
	if !ok {
		return fmt.Errorf("account %s: %w", userID, ErrNotFound)
	}
	next := a.Cash.Add(delta)
	if next.IsNegative() {
		return ErrNegativeBalance
	}
	a.Cash = next
	return nil
}

func (s *MemoryStore) AppendTrade(_ context.Context, event *model.TradeEvent) error {
	if err := checkTrade(event); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.accounts[event.UserID]; !ok {
		return fmt.Errorf("account %s: %w", event.UserID, ErrNotFound)
	}
	s.ledger = append(s.ledger, *event)
	return nil
}

func (s *MemoryStore) TradesByUser(_ context.Context, userID string) ([]model.TradeEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.TradeEvent
	for _, e := range s.ledger {
		if e.UserID == userID {
			result = append(result, e)
		}
	}
	return result, nil
}

func (s *MemoryStore) TradesByUserAndSymbol(_ context.Context, userID, symbol string) ([]model.TradeEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.TradeEvent
	for _, e := range s.ledger {
		if e.UserID == userID && e.Symbol == symbol {
			result = append(result, e)
		}
	}
	return result, nil
}

// Holdings aggregates ledger entries into net shares per symbol.
func (s *MemoryStore) Holdings(_ context.Context, userID string) ([]model.Holding, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	agg := make(map[string]int64)
	for _, e := range s.ledger {
		if e.UserID == userID {
			agg[e.Symbol] += e.Shares
		}
	}
	return sortedHoldings(agg), nil
}

func (s *MemoryStore) HeldSymbols(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	type key struct{ user, symbol string }
	agg := make(map[key]int64)
	for _, e := range s.ledger {
		agg[key{e.UserID, e.Symbol}] += e.Shares
	}

	seen := make(map[string]bool)
	var symbols []string
	for k, shares := range agg {
		if shares > 0 && !seen[k.symbol] {
			seen[k.symbol] = true
			symbols = append(symbols, k.symbol)
		}
	}
	sort.Strings(symbols)
	return symbols, nil
}

// WithinUserTx stages writes in a memTx and applies them only if fn succeeds.
func (s *MemoryStore) WithinUserTx(ctx context.Context, userID string, fn func(tx Tx) error) error {
	lock := s.userLock(userID)
	lock.Lock()
	defer lock.Unlock()

	if _, err := s.GetAccount(ctx, userID); err != nil {
		return err
	}

	tx := &memTx{store: s, userID: userID}
	if err := fn(tx); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if !tx.cashDelta.IsZero() {
		if err := s.adjustCashLocked(userID, tx.cashDelta); err != nil {
			return err
		}
	}
	s.ledger = append(s.ledger, tx.events...)
	return nil
}

func (s *MemoryStore) userLock(userID string) *sync.Mutex {
	s.locksMu.Lock()
	defer s.locksMu.Unlock()

	l, ok := s.userLocks[userID]
	if !ok {
		l = &sync.Mutex{}
		s.userLocks[userID] = l
	}
	return l
}

// memTx reads committed state plus its own staged writes.
type memTx struct {
	store     *MemoryStore
	userID    string
	events    []model.TradeEvent
	cashDelta decimal.Decimal
}

func (t *memTx) Cash(ctx context.Context) (decimal.Decimal, error) {
	cash, err := t.store.GetCash(ctx, t.userID)
	if err != nil {
		return decimal.Zero, err
	}
	return cash.Add(t.cashDelta), nil
}

func (t *memTx) SharesHeld(ctx context.Context, symbol string) (int64, error) {
	events, err := t.store.TradesByUserAndSymbol(ctx, t.userID, symbol)
	if err != nil {
		return 0, err
	}
	var held int64
	for _, e := range events {
		held += e.Shares
	}
	for _, e := range t.events {
		if e.Symbol == symbol {
			held += e.Shares
		}
	}
	return held, nil
}

func (t *memTx) AppendTrade(_ context.Context, event *model.TradeEvent) error {
	if event.UserID != t.userID {
		return fmt.Errorf("trade for %s appended inside transaction for %s", event.UserID, t.userID)
	}
	if err := checkTrade(event); err != nil {
		return err
	}
	t.events = append(t.events, *event)
	return nil
}

func (t *memTx) AdjustCash(ctx context.Context, delta decimal.Decimal) error {
	cash, err := t.Cash(ctx)
	if err != nil {
		return err
	}
	if cash.Add(delta).IsNegative() {
		return ErrNegativeBalance
	}
	t.cashDelta = t.cashDelta.Add(delta)
	return nil
}

// sortedHoldings turns a symbol → shares map into a slice ordered by symbol.
func sortedHoldings(agg map[string]int64) []model.Holding {
	holdings := make([]model.Holding, 0, len(agg))
	for symbol, shares := range agg {
		holdings = append(holdings, model.Holding{Symbol: symbol, Shares: shares})
	}
	sort.Slice(holdings, func(i, j int) bool { return holdings[i].Symbol < holdings[j].Symbol })
	return holdings
}
