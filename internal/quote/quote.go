// Package quote looks up live stock prices from an external provider.
//
// Quotes are never cached or retried: a failed lookup is reported to the
// caller immediately because the price may have moved between attempts.
package quote

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/papertrade/finance-engine/internal/model"
)

var (
	// ErrNotFound is returned when the provider does not know the symbol.
	ErrNotFound = errors.New("quote: unknown symbol")

	// ErrUnavailable is returned when the provider could not be reached or
	// answered with something unusable.
	ErrUnavailable = errors.New("quote: provider unavailable")
)

// Provider resolves a normalized symbol to its current price.
type Provider interface {
	Lookup(ctx context.Context, symbol string) (model.Quote, error)
}

// StaticProvider serves quotes from a fixed price table. Used for tests and
// offline development.
type StaticProvider struct {
	mu     sync.RWMutex
	quotes map[string]model.Quote
	fail   map[string]error
}

// NewStaticProvider creates a provider with the given symbol → price table.
func NewStaticProvider(prices map[string]decimal.Decimal) *StaticProvider {
	p := &StaticProvider{
		quotes: make(map[string]model.Quote),
		fail:   make(map[string]error),
	}
	for sym, price := range prices {
		p.quotes[sym] = model.Quote{Symbol: sym, Name: sym, Price: price}
	}
	return p
}

// SetPrice adds or replaces a symbol's price.
func (p *StaticProvider) SetPrice(symbol string, price decimal.Decimal) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.quotes[symbol] = model.Quote{Symbol: symbol, Name: symbol, Price: price}
	delete(p.fail, symbol)
}

// SetError makes every lookup of symbol fail with err.
func (p *StaticProvider) SetError(symbol string, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.fail[symbol] = err
}

func (p *StaticProvider) Lookup(_ context.Context, symbol string) (model.Quote, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if err, ok := p.fail[symbol]; ok {
		return model.Quote{}, err
	}
	q, ok := p.quotes[symbol]
	if !ok {
		return model.Quote{}, fmt.Errorf("%w: %s", ErrNotFound, symbol)
	}
	return q, nil
}
