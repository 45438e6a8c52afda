// Package ticker periodically quotes every held symbol and pushes the prices
// to WebSocket clients.
package ticker

import (
	"context"
	"log/slog"

	"github.com/robfig/cron/v3"

	"github.com/papertrade/finance-engine/internal/api"
	"github.com/papertrade/finance-engine/internal/quote"
)

// SymbolSource lists the symbols with a nonzero position for any user.
type SymbolSource interface {
	HeldSymbols(ctx context.Context) ([]string, error)
}

type Ticker struct {
	cron    *cron.Cron
	symbols SymbolSource
	quotes  quote.Provider
	hub     api.Broadcaster
	baseCtx context.Context
}

func New(baseCtx context.Context, symbols SymbolSource, quotes quote.Provider, hub api.Broadcaster) *Ticker {
	if baseCtx == nil {
		baseCtx = context.Background()
	}
	return &Ticker{
		cron:    cron.New(cron.WithSeconds()),
		symbols: symbols,
		quotes:  quotes,
		hub:     hub,
		baseCtx: baseCtx,
	}
}

// Schedule registers the refresh job. schedule is a six-field cron expression
// ("*/30 * * * * *") or a descriptor such as "@every 1m".
func (t *Ticker) Schedule(schedule string) error {
	_, err := t.cron.AddFunc(schedule, func() { t.Tick(t.baseCtx) })
	return err
}

func (t *Ticker) Start() {
	slog.Info("price ticker started")
	t.cron.Start()
}

// Stop waits for a running tick to finish.
func (t *Ticker) Stop() {
	ctx := t.cron.Stop()
	<-ctx.Done()
	slog.Info("price ticker stopped")
}

// Tick quotes each held symbol once and broadcasts the successful lookups.
// A failed lookup skips that symbol; the next tick retries it.
func (t *Ticker) Tick(ctx context.Context) int {
	syms, err := t.symbols.HeldSymbols(ctx)
	if err != nil {
		slog.Error("ticker: list held symbols", "err", err)
		return 0
	}

	sent := 0
	for _, sym := range syms {
		if ctx.Err() != nil {
			break
		}
		q, err := t.quotes.Lookup(ctx, sym)
		if err != nil || !q.Price.IsPositive() {
			slog.Warn("ticker: quote failed", "symbol", sym, "err", err)
			continue
		}
		t.hub.Broadcast(api.WSMessage{
			Type:   api.MsgPriceUpdate,
			Symbol: q.Symbol,
			Price:  q.Price.String(),
		})
		sent++
	}
	slog.Debug("ticker: prices pushed", "symbols", len(syms), "sent", sent)
	return sent
}
