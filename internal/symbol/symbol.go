// Package symbol handles stock ticker symbol normalization and validation.
package symbol

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// symbolRegex matches exchange tickers such as AAPL, BRK.B or RDS-A.
var symbolRegex = regexp.MustCompile(`^[A-Z][A-Z0-9.\-]{0,9}$`)

var (
	ErrEmpty         = errors.New("symbol: must provide a symbol")
	ErrInvalidSymbol = errors.New("symbol: invalid ticker format")
)

// Normalize trims and upper-cases s, then validates the ticker format.
// Every symbol stored in the ledger passes through Normalize, so "aapl"
// and "AAPL " aggregate into the same holding.
func Normalize(s string) (string, error) {
	sym := strings.ToUpper(strings.TrimSpace(s))
	if sym == "" {
		return "", ErrEmpty
	}
	if !symbolRegex.MatchString(sym) {
		return "", fmt.Errorf("%w: %q", ErrInvalidSymbol, s)
	}
	return sym, nil
}
