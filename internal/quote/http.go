package quote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/PaesslerAG/jsonpath"
	"github.com/shopspring/decimal"

	"github.com/papertrade/finance-engine/internal/model"
)

// Default JSON paths into an IEX-style /stock/{symbol}/quote payload.
const (
	DefaultPricePath  = "$.latestPrice"
	DefaultSymbolPath = "$.symbol"
	DefaultNamePath   = "$.companyName"
)

// HTTPProvider fetches quotes from a REST endpoint shaped like
// {base}/stock/{symbol}/quote?token={key} and extracts fields with JSONPath,
// so other vendors can be used by changing the paths.
type HTTPProvider struct {
	Client     *http.Client
	BaseURL    string
	APIKey     string
	PricePath  string
	SymbolPath string
	NamePath   string
}

// NewHTTPProvider creates a provider with the default IEX paths.
func NewHTTPProvider(baseURL, apiKey string, timeout time.Duration) *HTTPProvider {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &HTTPProvider{
		Client:     &http.Client{Timeout: timeout},
		BaseURL:    strings.TrimRight(baseURL, "/"),
		APIKey:     apiKey,
		PricePath:  DefaultPricePath,
		SymbolPath: DefaultSymbolPath,
		NamePath:   DefaultNamePath,
	}
}

func (p *HTTPProvider) Lookup(ctx context.Context, symbol string) (model.Quote, error) {
	addr := fmt.Sprintf("%s/stock/%s/quote", p.BaseURL, url.PathEscape(symbol))
	if p.APIKey != "" {
		addr += "?token=" + url.QueryEscape(p.APIKey)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, addr, nil)
	if err != nil {
		return model.Quote{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	resp, err := p.Client.Do(req)
	if err != nil {
		return model.Quote{}, fmt.Errorf("%w: %s: %v", ErrUnavailable, symbol, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return model.Quote{}, fmt.Errorf("%w: %s", ErrNotFound, symbol)
	case resp.StatusCode != http.StatusOK:
		return model.Quote{}, fmt.Errorf("%w: %s: status %s", ErrUnavailable, symbol, resp.Status)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return model.Quote{}, fmt.Errorf("%w: %s: %v", ErrUnavailable, symbol, err)
	}
	// Some providers answer 200 with an empty body for unknown tickers.
	if len(bytes.TrimSpace(body)) == 0 {
		return model.Quote{}, fmt.Errorf("%w: %s", ErrNotFound, symbol)
	}

	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	var jobj any
	if err := dec.Decode(&jobj); err != nil {
		return model.Quote{}, fmt.Errorf("%w: %s: %v", ErrUnavailable, symbol, err)
	}

	price, err := p.extractPrice(jobj)
	if err != nil {
		return model.Quote{}, fmt.Errorf("%s: %w", symbol, err)
	}

	q := model.Quote{Symbol: symbol, Price: price}
	if s, ok := extractString(p.SymbolPath, jobj); ok && s != "" {
		q.Symbol = strings.ToUpper(s)
	}
	if s, ok := extractString(p.NamePath, jobj); ok {
		q.Name = s
	}
	return q, nil
}

// extractPrice reads the price at PricePath. A missing or non-positive
// price means the provider has no quote for the symbol.
func (p *HTTPProvider) extractPrice(jobj any) (decimal.Decimal, error) {
	jval, err := jsonpath.Get(p.PricePath, jobj)
	if err != nil || jval == nil {
		return decimal.Zero, ErrNotFound
	}
	// jsonpath may wrap a single answer in a list; keep the first one.
	if jlist, ok := jval.([]any); ok {
		if len(jlist) == 0 {
			return decimal.Zero, ErrNotFound
		}
		jval = jlist[0]
	}

	var price decimal.Decimal
	switch v := jval.(type) {
	case json.Number:
		price, err = decimal.NewFromString(v.String())
	case string:
		price, err = decimal.NewFromString(v)
	case float64:
		price = decimal.NewFromFloat(v)
	default:
		return decimal.Zero, fmt.Errorf("%w: price is %T", ErrUnavailable, jval)
	}
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if !price.IsPositive() {
		return decimal.Zero, ErrNotFound
	}
	return price, nil
}

func extractString(path string, jobj any) (string, bool) {
	if path == "" {
		return "", false
	}
	jval, err := jsonpath.Get(path, jobj)
	if err != nil {
		return "", false
	}
	s, ok := jval.(string)
	return s, ok
}
