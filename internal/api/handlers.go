// Package api provides the HTTP handlers that translate requests into
// portfolio accounting calls and results into JSON responses.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"

	"github.com/papertrade/finance-engine/internal/model"
	"github.com/papertrade/finance-engine/internal/money"
	"github.com/papertrade/finance-engine/internal/portfolio"
)

// Broadcaster receives a message for every executed trade.
type Broadcaster interface {
	Broadcast(msg WSMessage)
}

// Handler serves the finance API.
type Handler struct {
	svc      *portfolio.Service
	hub      Broadcaster
	validate *validator.Validate
}

// NewHandler creates the API handler.
// Pass nil for hub if WebSocket broadcasting is not needed.
func NewHandler(svc *portfolio.Service, hub Broadcaster) *Handler {
	return &Handler{
		svc:      svc,
		hub:      hub,
		validate: validator.New(),
	}
}

// Routes registers the API under r.
func (h *Handler) Routes(r chi.Router) {
	r.Post("/accounts", h.Register)
	r.Get("/quote/{symbol}", h.GetQuote)

	r.Route("/accounts/{userID}", func(r chi.Router) {
		r.Get("/", h.GetAccount)
		r.Post("/buy", h.Buy)
		r.Post("/sell", h.Sell)
		r.Get("/holdings", h.GetHoldings)
		r.Get("/portfolio", h.GetPortfolio)
		r.Get("/history", h.GetHistory)
	})
}

// --- Request/Response types ---

// RegisterRequest is the JSON body for POST /accounts.
type RegisterRequest struct {
	Username string `json:"username" validate:"required,max=64"`
}

// TradeRequest is the JSON body for POST /accounts/{userID}/buy and /sell.
type TradeRequest struct {
	Symbol string `json:"symbol" validate:"required,max=10"`
	Shares int64  `json:"shares" validate:"gt=0"`
}

// TradeResponse is returned from buy and sell.
type TradeResponse struct {
	Trade        model.TradeEvent `json:"trade"`
	Cash         decimal.Decimal  `json:"cash"`
	TotalDisplay string           `json:"total_display"`
	CashDisplay  string           `json:"cash_display"`
}

// QuoteResponse is returned from GET /quote/{symbol}.
type QuoteResponse struct {
	Symbol       string          `json:"symbol"`
	Name         string          `json:"name,omitempty"`
	Price        decimal.Decimal `json:"price"`
	PriceDisplay string          `json:"price_display"`
}

// HoldingView is one valued position with display strings.
type HoldingView struct {
	model.HoldingValue
	PriceDisplay string `json:"price_display"`
	ValueDisplay string `json:"value_display"`
}

// PortfolioResponse is returned from GET /accounts/{userID}/portfolio.
type PortfolioResponse struct {
	UserID       string          `json:"user_id"`
	Cash         decimal.Decimal `json:"cash"`
	Total        decimal.Decimal `json:"total"`
	Holdings     []HoldingView   `json:"holdings"`
	CashDisplay  string          `json:"cash_display"`
	TotalDisplay string          `json:"total_display"`
}

// --- HTTP Handlers ---

// Register handles POST /api/v1/accounts
func (h *Handler) Register(w http.ResponseWriter, r *http.Request) {
	var req RegisterRequest
	if !h.decode(w, r, &req) {
		return
	}

	acct, err := h.svc.Register(r.Context(), req.Username)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, acct)
}

// GetAccount handles GET /api/v1/accounts/{userID}
func (h *Handler) GetAccount(w http.ResponseWriter, r *http.Request) {
	acct, err := h.svc.Account(r.Context(), chi.URLParam(r, "userID"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, acct)
}

// GetQuote handles GET /api/v1/quote/{symbol}
func (h *Handler) GetQuote(w http.ResponseWriter, r *http.Request) {
	q, err := h.svc.Quote(r.Context(), chi.URLParam(r, "symbol"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, QuoteResponse{
		Symbol:       q.Symbol,
		Name:         q.Name,
		Price:        q.Price,
		PriceDisplay: money.USD(q.Price),
	})
}

// Buy handles POST /api/v1/accounts/{userID}/buy
func (h *Handler) Buy(w http.ResponseWriter, r *http.Request) {
	h.trade(w, r, h.svc.Buy)
}

// Sell handles POST /api/v1/accounts/{userID}/sell
func (h *Handler) Sell(w http.ResponseWriter, r *http.Request) {
	h.trade(w, r, h.svc.Sell)
}

type tradeFunc func(ctx context.Context, userID, symbol string, shares int64) (*model.TradeEvent, error)

func (h *Handler) trade(w http.ResponseWriter, r *http.Request, exec tradeFunc) {
	var req TradeRequest
	if !h.decode(w, r, &req) {
		return
	}
	userID := chi.URLParam(r, "userID")

	event, err := exec(r.Context(), userID, req.Symbol, req.Shares)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	resp := TradeResponse{
		Trade:        *event,
		TotalDisplay: money.USD(event.Total.Abs()),
	}
	// The trade is committed; a failed balance read only degrades the response.
	if acct, err := h.svc.Account(r.Context(), userID); err == nil {
		resp.Cash = acct.Cash
		resp.CashDisplay = money.USD(acct.Cash)
	} else {
		slog.Warn("balance read after trade failed", "user", userID, "err", err)
	}

	if h.hub != nil {
		h.hub.Broadcast(WSMessage{
			Type:   MsgTradeExecuted,
			Symbol: event.Symbol,
			Price:  event.Price.String(),
			Side:   event.Side(),
			Shares: event.Shares,
		})
	}

	writeJSON(w, http.StatusOK, resp)
}

// GetHoldings handles GET /api/v1/accounts/{userID}/holdings
func (h *Handler) GetHoldings(w http.ResponseWriter, r *http.Request) {
	holdings, err := h.svc.CurrentHoldings(r.Context(), chi.URLParam(r, "userID"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, holdings)
}

// GetPortfolio handles GET /api/v1/accounts/{userID}/portfolio
// Returns cash, each held position at its live price, and the grand total.
func (h *Handler) GetPortfolio(w http.ResponseWriter, r *http.Request) {
	p, err := h.svc.Portfolio(r.Context(), chi.URLParam(r, "userID"))
	if err != nil {
		writeServiceError(w, err)
		return
	}

	resp := PortfolioResponse{
		UserID:       p.UserID,
		Cash:         p.Cash,
		Total:        p.Total,
		Holdings:     make([]HoldingView, 0, len(p.Holdings)),
		CashDisplay:  money.USD(p.Cash),
		TotalDisplay: money.USD(p.Total),
	}
	for _, hv := range p.Holdings {
		resp.Holdings = append(resp.Holdings, HoldingView{
			HoldingValue: hv,
			PriceDisplay: money.USD(hv.Price),
			ValueDisplay: money.USD(hv.Value),
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

// GetHistory handles GET /api/v1/accounts/{userID}/history
func (h *Handler) GetHistory(w http.ResponseWriter, r *http.Request) {
	events, err := h.svc.TransactionHistory(r.Context(), chi.URLParam(r, "userID"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, events)
}

// NoCache marks every response as uncacheable; balances change on every trade.
func NoCache(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Cache-Control", "no-cache, no-store, must-revalidate")
		w.Header().Set("Expires", "0")
		w.Header().Set("Pragma", "no-cache")
		next.ServeHTTP(w, r)
	})
}

// --- helpers ---

// decode reads and validates a JSON body, writing a 400 on failure.
func (h *Handler) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return false
	}
	if err := h.validate.Struct(v); err != nil {
		writeError(w, validationMessage(err), http.StatusBadRequest)
		return false
	}
	return true
}

func validationMessage(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return "invalid input"
	}
	fe := verrs[0]
	switch fe.Field() {
	case "Shares":
		return "invalid input: must provide positive number of shares"
	case "Symbol":
		return "invalid input: must provide a valid symbol"
	case "Username":
		return "invalid input: must provide username"
	}
	return "invalid input: " + fe.Field() + " failed " + fe.Tag()
}

// statusFor maps the accounting error taxonomy to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, portfolio.ErrInvalidInput), errors.Is(err, portfolio.ErrUnknownSymbol):
		return http.StatusBadRequest
	case errors.Is(err, portfolio.ErrUnknownUser):
		return http.StatusNotFound
	case errors.Is(err, portfolio.ErrInsufficientFunds),
		errors.Is(err, portfolio.ErrInsufficientShares),
		errors.Is(err, portfolio.ErrUsernameTaken):
		return http.StatusConflict
	case errors.Is(err, portfolio.ErrQuoteUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeServiceError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		slog.Error("request failed", "err", err)
		msg = "internal error"
	}
	writeError(w, msg, status)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	writeJSON(w, status, map[string]string{"error": message})
}
