// Package model defines the core domain types shared across the finance engine.
// All monetary values use shopspring/decimal, never float64.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// MoneyScale is the number of decimal places kept for prices and cash.
// The SQL schemas declare NUMERIC(_, 4) to match; quotes are rounded to it
// before any total is computed.
const MoneyScale int32 = 4

// TradeEvent is an immutable record of an accepted buy or sell.
// Once created, these are never modified or deleted.
type TradeEvent struct {
	ID        string          `json:"id" db:"id"`
	UserID    string          `json:"user_id" db:"user_id"`
	Symbol    string          `json:"symbol" db:"symbol"`
	Price     decimal.Decimal `json:"price" db:"price"`   // per-share price at execution
	Shares    int64           `json:"shares" db:"shares"` // signed: +buy, -sell
	Total     decimal.Decimal `json:"total" db:"total"`   // price * shares (signed)
	Timestamp time.Time       `json:"timestamp" db:"timestamp"`
}

// IsSell reports whether the event records a sale.
func (e TradeEvent) IsSell() bool { return e.Shares < 0 }

// Side returns "BUY" or "SELL".
func (e TradeEvent) Side() string {
	if e.IsSell() {
		return "SELL"
	}
	return "BUY"
}

// Account holds a user's cash balance. The ledger, not the account,
// is the source of truth for share holdings.
type Account struct {
	UserID    string          `json:"user_id" db:"user_id"`
	Username  string          `json:"username" db:"username"`
	Cash      decimal.Decimal `json:"cash" db:"cash"`
	CreatedAt time.Time       `json:"created_at" db:"created_at"`
}

// Holding is a user's net share count in one symbol, derived by summing
// trade events. Never persisted.
type Holding struct {
	Symbol string `json:"symbol"`
	Shares int64  `json:"shares"`
}

// Quote is a live price obtained from the quote provider.
type Quote struct {
	Symbol string          `json:"symbol"`
	Name   string          `json:"name,omitempty"`
	Price  decimal.Decimal `json:"price"`
}

// HoldingValue is a holding marked to the current quote.
type HoldingValue struct {
	Symbol string          `json:"symbol"`
	Name   string          `json:"name,omitempty"`
	Shares int64           `json:"shares"`
	Price  decimal.Decimal `json:"price"`
	Value  decimal.Decimal `json:"value"` // price * shares
}

// Portfolio is a user's cash plus every currently held position at live prices.
type Portfolio struct {
	UserID   string          `json:"user_id"`
	Cash     decimal.Decimal `json:"cash"`
	Holdings []HoldingValue  `json:"holdings"`
	Total    decimal.Decimal `json:"total"` // cash + Σ value
}
