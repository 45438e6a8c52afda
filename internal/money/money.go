// Package money formats decimal amounts for display.
package money

import (
	gomoney "github.com/Rhymond/go-money"
	"github.com/shopspring/decimal"
)

// Format renders amount in the given ISO currency, rounded to the
// currency's minor unit.
func Format(amount decimal.Decimal, currency string) string {
	m := gomoney.New(0, currency)
	minor := amount.Shift(int32(m.Currency().Fraction)).Round(0).IntPart()
	return gomoney.New(minor, currency).Display()
}

// USD renders amount as US dollars, e.g. "$1,234.50".
func USD(amount decimal.Decimal) string {
	return Format(amount, gomoney.USD)
}
