package trade

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/simbroker/ledger-engine/internal/dividend"
	"github.com/simbroker/ledger-engine/internal/model"
	"github.com/simbroker/ledger-engine/internal/money"
	"github.com/simbroker/ledger-engine/internal/store"
)

// Handler exposes the engine over HTTP.
type Handler struct {
	engine      *Engine
	store       store.Store
	distributor *dividend.Distributor
}

// NewHandler creates the HTTP handler set.
func NewHandler(e *Engine, st store.Store, dist *dividend.Distributor) *Handler {
	return &Handler{engine: e, store: st, distributor: dist}
}

// Routes registers every endpoint on r.
func (h *Handler) Routes(r chi.Router) {
	r.Post("/accounts", h.CreateAccount)
	r.Route("/accounts/{accountID}", func(r chi.Router) {
		r.Get("/", h.GetAccount)
		r.Get("/portfolio", h.GetPortfolio)
		r.Get("/orders", h.ListOrders)
		r.Get("/entries", h.ListEntries)
		r.Post("/deposit", h.Deposit)
		r.Post("/withdraw", h.Withdraw)
	})
	r.Post("/orders", h.SubmitOrder)
	r.Get("/orders/{orderID}", h.GetOrder)
	r.Post("/dividends", h.AnnounceDividend)
	r.Post("/dividends/{dividendID}/run", h.RunDividend)
}

// --- Request/Response types ---

// CreateAccountRequest is the JSON body for POST /accounts.
type CreateAccountRequest struct {
	ID             string          `json:"id"` // optional; generated when empty
	Name           string          `json:"name"`
	OpeningBalance decimal.Decimal `json:"opening_balance"`
}

// AccountResponse pairs an account with its wallet.
type AccountResponse struct {
	Account *model.Account `json:"account"`
	Wallet  *model.Wallet  `json:"wallet"`
}

// AmountRequest is the JSON body for deposits and withdrawals.
type AmountRequest struct {
	Amount decimal.Decimal `json:"amount"`
}

// OrderResponse is returned for a recorded order. Error is the user-facing
// failure reason when the order FAILED.
type OrderResponse struct {
	Order   *model.Order        `json:"order"`
	Entries []model.LedgerEntry `json:"entries"`
	Error   string              `json:"error,omitempty"`
}

// DividendRequest is the JSON body for POST /dividends.
type DividendRequest struct {
	ID             string          `json:"id"`
	Symbol         string          `json:"symbol"`
	PerShareAmount decimal.Decimal `json:"per_share_amount"`
	ExDate         Date            `json:"ex_date"`
	RecordDate     Date            `json:"record_date"`
	PaymentDate    Date            `json:"payment_date"`
}

// RunDividendRequest is the optional JSON body for POST /dividends/{id}/run.
type RunDividendRequest struct {
	AsOf *Date `json:"as_of"` // defaults to today (UTC)
}

// Date accepts either "2006-01-02" or RFC 3339 in JSON.
type Date struct{ time.Time }

func (d *Date) UnmarshalJSON(b []byte) error {
	s := strings.Trim(string(b), `"`)
	if t, err := time.Parse(time.DateOnly, s); err == nil {
		d.Time = t
		return nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return fmt.Errorf("invalid date %q", s)
	}
	d.Time = t.UTC()
	return nil
}

// --- HTTP Handlers ---

// CreateAccount handles POST /api/v1/accounts
func (h *Handler) CreateAccount(w http.ResponseWriter, r *http.Request) {
	var req CreateAccountRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if strings.TrimSpace(req.Name) == "" {
		writeError(w, "name is required", http.StatusBadRequest)
		return
	}
	if req.OpeningBalance.IsNegative() || !money.IsCents(req.OpeningBalance) {
		writeError(w, "opening_balance must be non-negative with at most 2 decimal places", http.StatusBadRequest)
		return
	}
	if req.ID == "" {
		req.ID = uuid.New().String()
	}

	ctx := r.Context()
	account := &model.Account{ID: req.ID, Name: strings.TrimSpace(req.Name), CreatedAt: h.engine.Now()}
	if err := h.store.CreateAccount(ctx, account, req.OpeningBalance); err != nil {
		writeErr(w, err)
		return
	}
	wallet, err := h.store.GetWallet(ctx, account.ID)
	if err != nil {
		writeErr(w, err)
		return
	}

	slog.Info("account created",
		"id", account.ID,
		"opening_balance", req.OpeningBalance.String(),
	)
	writeJSON(w, http.StatusCreated, AccountResponse{Account: account, Wallet: wallet})
}

// GetAccount handles GET /api/v1/accounts/{accountID}
func (h *Handler) GetAccount(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "accountID")
	ctx := r.Context()

	account, err := h.store.GetAccount(ctx, id)
	if err != nil {
		writeErr(w, err)
		return
	}
	wallet, err := h.store.GetWallet(ctx, id)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, AccountResponse{Account: account, Wallet: wallet})
}

// GetPortfolio handles GET /api/v1/accounts/{accountID}/portfolio
func (h *Handler) GetPortfolio(w http.ResponseWriter, r *http.Request) {
	p, err := h.engine.Portfolio(r.Context(), chi.URLParam(r, "accountID"))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// ListOrders handles GET /api/v1/accounts/{accountID}/orders
func (h *Handler) ListOrders(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "accountID")
	ctx := r.Context()
	if _, err := h.store.GetAccount(ctx, id); err != nil {
		writeErr(w, err)
		return
	}
	orders, err := h.store.ListOrders(ctx, id)
	if err != nil {
		writeError(w, "failed to list orders", http.StatusInternalServerError)
		return
	}
	if orders == nil {
		orders = []model.Order{}
	}
	writeJSON(w, http.StatusOK, orders)
}

// ListEntries handles GET /api/v1/accounts/{accountID}/entries
func (h *Handler) ListEntries(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "accountID")
	ctx := r.Context()
	if _, err := h.store.GetAccount(ctx, id); err != nil {
		writeErr(w, err)
		return
	}
	entries, err := h.store.Entries(ctx, id)
	if err != nil {
		writeError(w, "failed to list entries", http.StatusInternalServerError)
		return
	}
	if entries == nil {
		entries = []model.LedgerEntry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

// Deposit handles POST /api/v1/accounts/{accountID}/deposit
func (h *Handler) Deposit(w http.ResponseWriter, r *http.Request) {
	h.fund(w, r, h.engine.Deposit)
}

// Withdraw handles POST /api/v1/accounts/{accountID}/withdraw
func (h *Handler) Withdraw(w http.ResponseWriter, r *http.Request) {
	h.fund(w, r, h.engine.Withdraw)
}

func (h *Handler) fund(w http.ResponseWriter, r *http.Request, op func(ctx context.Context, id string, amount decimal.Decimal) (*model.LedgerEntry, error)) {
	var req AmountRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	entry, err := op(r.Context(), chi.URLParam(r, "accountID"), req.Amount)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

// SubmitOrder handles POST /api/v1/orders
// Returns 201 for a COMPLETED order and 422 with the stored reason for a
// FAILED one.
func (h *Handler) SubmitOrder(w http.ResponseWriter, r *http.Request) {
	var req OrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	res, err := h.engine.Submit(r.Context(), req)
	if err != nil {
		writeErr(w, err)
		return
	}

	resp := OrderResponse{Order: res.Order, Entries: res.Entries}
	if resp.Entries == nil {
		resp.Entries = []model.LedgerEntry{}
	}
	status := http.StatusCreated
	if !res.Completed() {
		resp.Error = res.Order.FailureReason
		status = http.StatusUnprocessableEntity
	}
	writeJSON(w, status, resp)
}

// GetOrder handles GET /api/v1/orders/{orderID}
func (h *Handler) GetOrder(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "orderID")
	ctx := r.Context()

	order, err := h.store.GetOrder(ctx, id)
	if err != nil {
		writeErr(w, err)
		return
	}
	entries, err := h.store.EntriesForOrder(ctx, id)
	if err != nil {
		writeError(w, "failed to load order entries", http.StatusInternalServerError)
		return
	}
	if entries == nil {
		entries = []model.LedgerEntry{}
	}
	writeJSON(w, http.StatusOK, OrderResponse{Order: order, Entries: entries, Error: order.FailureReason})
}

// AnnounceDividend handles POST /api/v1/dividends
func (h *Handler) AnnounceDividend(w http.ResponseWriter, r *http.Request) {
	var req DividendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	dv := &model.Dividend{
		ID:             req.ID,
		Symbol:         req.Symbol,
		PerShareAmount: req.PerShareAmount,
		ExDate:         req.ExDate.Time,
		RecordDate:     req.RecordDate.Time,
		PaymentDate:    req.PaymentDate.Time,
	}
	if err := h.distributor.Announce(r.Context(), dv); err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, dv)
}

// RunDividend handles POST /api/v1/dividends/{dividendID}/run
// This is the manual trigger; it goes through the same Distributor.Run as
// the scheduler.
func (h *Handler) RunDividend(w http.ResponseWriter, r *http.Request) {
	var req RunDividendRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, "invalid request body", http.StatusBadRequest)
			return
		}
	}
	asOf := h.engine.Now()
	if req.AsOf != nil {
		asOf = req.AsOf.Time
	}

	ctx := r.Context()
	dv, err := h.store.GetDividend(ctx, chi.URLParam(r, "dividendID"))
	if err != nil {
		writeErr(w, err)
		return
	}
	report, err := h.distributor.Run(ctx, dv, asOf)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// --- Response helpers ---

// writeErr maps engine errors to status codes: lookups → 404, malformed
// input → 400, business rules → 422, everything else → 500 with the generic
// system message.
func writeErr(w http.ResponseWriter, err error) {
	var (
		validation  *model.ValidationError
		persistence *model.PersistenceError
		reason      model.Reasoner
	)
	switch {
	case errors.Is(err, model.ErrAccountNotFound):
		writeError(w, model.ErrAccountNotFound.Error(), http.StatusNotFound)
	case errors.Is(err, model.ErrOrderNotFound):
		writeError(w, model.ErrOrderNotFound.Error(), http.StatusNotFound)
	case errors.Is(err, model.ErrDividendNotFound):
		writeError(w, model.ErrDividendNotFound.Error(), http.StatusNotFound)
	case errors.Is(err, store.ErrDuplicate):
		writeError(w, "already exists", http.StatusConflict)
	case errors.As(err, &validation):
		writeError(w, validation.Reason(), http.StatusBadRequest)
	case errors.As(err, &persistence):
		writeError(w, persistence.Reason(), http.StatusInternalServerError)
	case errors.As(err, &reason):
		writeError(w, reason.Reason(), http.StatusUnprocessableEntity)
	default:
		slog.Error("request failed", "err", err)
		writeError(w, model.SystemErrorReason, http.StatusInternalServerError)
	}
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
