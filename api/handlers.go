/*
handlers.go - HTTP API handlers for the toll ledger

PURPOSE:
  Exposes the reconciliation ledger via REST API. Handles HTTP
  request/response, JSON serialization, and delegates to the toll service
  and the ledger Coordinator.

ENDPOINTS:
  Accounts:
    GET    /api/accounts                     List all accounts
    GET    /api/accounts/{id}                Account state
    GET    /api/accounts/{id}/entries        History, newest first (?limit=)

  Ledger:
    GET    /api/entries/{id}                 One ledger entry
    GET    /api/references/{ref}             Outcome of an external reference

  Mutations:
    POST   /api/settlements                  Generic "payment settled" event (service token)
    POST   /api/gate/charges                 Toll gate deduction (gate or service token)
    POST   /api/webhooks/paystack            Paystack webhook (webhook.go)

  Admin:
    POST   /api/admin/accounts               Initialize account
    PATCH  /api/admin/accounts/{id}          Update profile
    POST   /api/admin/accounts/{id}/adjustments  Override balance and debt
    POST   /api/admin/sweep                  Purge expired reservations
    GET    /api/admin/scenarios              Demo fleets (scenarios.go)
    POST   /api/admin/scenarios/load         Load a demo fleet

ERROR HANDLING:
  Every ledger error goes through writeLedgerError:
  - 400: Unreadable request body
  - 422: Validation errors
  - 404: Unknown account, entry or reference
  - 409: Conflict (duplicate initialization, reference reused or rejected)
  - 503: Account busy, with Retry-After
  - 500: Storage failure (details are logged, not returned)

SEE ALSO:
  - dto.go: Request/response data structures
  - auth.go: Role token authentication
  - server.go: Router setup and middleware
*/
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/warp/toll-ledger/ledger"
	"github.com/warp/toll-ledger/notify"
	"github.com/warp/toll-ledger/toll"
)

const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 1000
	maxBodyBytes        = 1 << 20
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Options configures a Handler.
type Options struct {
	Currency       string
	StoreName      string
	PaystackSecret string
	Logger         *slog.Logger

	// Notifications, when set, is reported by /health.
	Notifications *notify.Dispatcher
}

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	svc            *toll.Service
	coord          *ledger.Coordinator
	currency       string
	storeName      string
	paystackSecret string
	logger         *slog.Logger
	notifications  *notify.Dispatcher

	// Track currently loaded scenario
	mu              sync.Mutex
	currentScenario string
}

// NewHandler creates a new handler around the toll service.
func NewHandler(svc *toll.Service, opts Options) *Handler {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		svc:            svc,
		coord:          svc.Coordinator(),
		currency:       opts.Currency,
		storeName:      opts.StoreName,
		paystackSecret: opts.PaystackSecret,
		logger:         logger,
		notifications:  opts.Notifications,
	}
}

// Health reports server status.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	health := HealthDTO{
		Status:      "ok",
		Store:       h.storeName,
		Directory:   h.svc.Directory().Len(),
		Currency:    h.currency,
		GeneratedAt: time.Now().UTC().Format(time.RFC3339),
	}
	if h.notifications != nil {
		health.Sinks = h.notifications.Sinks()
		health.NotificationsDropped = h.notifications.Dropped()
	}
	writeJSON(w, http.StatusOK, health)
}

// =============================================================================
// ACCOUNT QUERIES
// =============================================================================

// ListAccounts returns all accounts.
func (h *Handler) ListAccounts(w http.ResponseWriter, r *http.Request) {
	accts, err := h.coord.ListAccounts(r.Context())
	if err != nil {
		h.writeLedgerError(w, r, err)
		return
	}
	dtos := make([]AccountDTO, len(accts))
	for i, a := range accts {
		dtos[i] = toAccountDTO(a, h.currency)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// GetAccount returns a single account.
func (h *Handler) GetAccount(w http.ResponseWriter, r *http.Request) {
	id, err := ledger.NormalizeAccountID(chi.URLParam(r, "id"))
	if err != nil {
		h.writeLedgerError(w, r, err)
		return
	}
	acct, err := h.coord.GetAccount(r.Context(), id)
	if err != nil {
		h.writeLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toAccountDTO(acct, h.currency))
}

// ListEntries returns an account's history, newest first.
// GET /api/accounts/{id}/entries?limit=50
func (h *Handler) ListEntries(w http.ResponseWriter, r *http.Request) {
	id, err := ledger.NormalizeAccountID(chi.URLParam(r, "id"))
	if err != nil {
		h.writeLedgerError(w, r, err)
		return
	}
	limit := defaultHistoryLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			h.writeLedgerError(w, r, &ledger.ValidationError{Field: "limit", Reason: "must be a positive integer"})
			return
		}
		limit = min(n, maxHistoryLimit)
	}

	entries, err := h.coord.History(r.Context(), id, limit)
	if err != nil {
		h.writeLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toEntryDTOs(entries))
}

// GetEntry returns one ledger entry by id.
func (h *Handler) GetEntry(w http.ResponseWriter, r *http.Request) {
	e, err := h.coord.Entry(r.Context(), ledger.EntryID(chi.URLParam(r, "id")))
	if err != nil {
		h.writeLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toEntryDTO(e))
}

// GetReference returns what happened to an external reference.
func (h *Handler) GetReference(w http.ResponseWriter, r *http.Request) {
	ref := chi.URLParam(r, "ref")
	rec, err := h.coord.Outcome(r.Context(), ref)
	if err != nil {
		h.writeLedgerError(w, r, err)
		return
	}
	if rec == nil {
		writeError(w, http.StatusNotFound, "Reference not found", nil)
		return
	}
	writeJSON(w, http.StatusOK, toReferenceDTO(*rec))
}

// =============================================================================
// MUTATIONS
// =============================================================================

// CreateSettlement applies a settled payment debt-first.
// POST /api/settlements
func (h *Handler) CreateSettlement(w http.ResponseWriter, r *http.Request) {
	var req SettlementRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	id, err := ledger.NormalizeAccountID(req.AccountID)
	if err != nil {
		h.writeLedgerError(w, r, err)
		return
	}
	amount, err := req.Money()
	if err != nil {
		h.writeLedgerError(w, r, err)
		return
	}
	source := strings.TrimSpace(req.Source)
	if source == "" {
		source = "api"
	}

	entry, err := h.coord.Settle(r.Context(), ledger.SettleRequest{
		AccountID:  id,
		Amount:     amount,
		Reference:  strings.TrimSpace(req.Reference),
		OccurredAt: timeOrZero(req.OccurredAt),
		Source:     source,
	})
	if err != nil {
		h.writeLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toEntryDTO(entry))
}

// CreateGateCharge deducts a toll. The shortfall becomes debt.
// POST /api/gate/charges
func (h *Handler) CreateGateCharge(w http.ResponseWriter, r *http.Request) {
	var req GateChargeRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	amount, err := req.Money()
	if err != nil {
		h.writeLedgerError(w, r, err)
		return
	}

	entry, err := h.svc.ChargeGate(r.Context(), toll.GateCharge{
		Tag:       req.Tag,
		Amount:    amount,
		Reference: strings.TrimSpace(req.Reference),
		Gate:      req.Gate,
		At:        timeOrZero(req.At),
	})
	if err != nil {
		h.writeLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toEntryDTO(entry))
}

// =============================================================================
// ADMIN
// =============================================================================

// InitializeAccount creates an account with zero balance and debt.
// POST /api/admin/accounts
func (h *Handler) InitializeAccount(w http.ResponseWriter, r *http.Request) {
	var req InitializeAccountRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	id, err := ledger.NormalizeAccountID(req.ID)
	if err != nil {
		h.writeLedgerError(w, r, err)
		return
	}
	acct, err := h.coord.Initialize(r.Context(), id, ledger.Profile{
		Email:        req.Email,
		CustomerCode: req.CustomerCode,
		Label:        req.Label,
	})
	if err != nil {
		h.writeLedgerError(w, r, err)
		return
	}
	h.logger.Info("account initialized", "account_id", id, "actor", ActorFromContext(r.Context()))
	writeJSON(w, http.StatusCreated, toAccountDTO(acct, h.currency))
}

// UpdateProfile changes descriptive fields only.
// PATCH /api/admin/accounts/{id}
func (h *Handler) UpdateProfile(w http.ResponseWriter, r *http.Request) {
	id, err := ledger.NormalizeAccountID(chi.URLParam(r, "id"))
	if err != nil {
		h.writeLedgerError(w, r, err)
		return
	}
	var req UpdateProfileRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	acct, err := h.coord.UpdateProfile(r.Context(), id, ledger.ProfileUpdate{
		Email:        req.Email,
		CustomerCode: req.CustomerCode,
		Label:        req.Label,
	})
	if err != nil {
		h.writeLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toAccountDTO(acct, h.currency))
}

// CreateAdjustment overrides balance and debt with an audit entry.
// POST /api/admin/accounts/{id}/adjustments
func (h *Handler) CreateAdjustment(w http.ResponseWriter, r *http.Request) {
	id, err := ledger.NormalizeAccountID(chi.URLParam(r, "id"))
	if err != nil {
		h.writeLedgerError(w, r, err)
		return
	}
	var req AdjustmentRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	balance, err := moneyField("balance", req.Balance, req.BalanceMinor)
	if err != nil {
		h.writeLedgerError(w, r, err)
		return
	}
	debt, err := moneyField("debt", req.Debt, req.DebtMinor)
	if err != nil {
		h.writeLedgerError(w, r, err)
		return
	}

	entry, err := h.coord.Adjust(r.Context(), ledger.AdjustRequest{
		AccountID: id,
		Balance:   balance,
		Debt:      debt,
		Reference: strings.TrimSpace(req.Reference),
		Reason:    req.Reason,
		Actor:     ActorFromContext(r.Context()),
	})
	if err != nil {
		h.writeLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toEntryDTO(entry))
}

// Sweep purges expired reservations now instead of waiting for the schedule.
// POST /api/admin/sweep
func (h *Handler) Sweep(w http.ResponseWriter, r *http.Request) {
	n, err := h.coord.SweepReservations(r.Context())
	if err != nil {
		h.writeLedgerError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, SweepResponse{Purged: n})
}

// =============================================================================
// HELPERS
// =============================================================================

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}

// writeLedgerError maps the ledger error taxonomy onto HTTP.
func (h *Handler) writeLedgerError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, ledger.ErrValidation):
		writeError(w, http.StatusUnprocessableEntity, "Validation failed", err)
	case ledger.IsNotFound(err):
		writeError(w, http.StatusNotFound, "Not found", err)
	case errors.Is(err, ledger.ErrConflict):
		writeError(w, http.StatusConflict, "Conflict", err)
	case errors.Is(err, ledger.ErrConcurrencyTimeout):
		w.Header().Set("Retry-After", "1")
		writeError(w, http.StatusServiceUnavailable, "Account busy, retry later", err)
	default:
		h.logger.Error("request failed",
			"method", r.Method, "path", r.URL.Path,
			"request_id", middleware.GetReqID(r.Context()), "error", err)
		writeError(w, http.StatusInternalServerError, "Storage failure, retry later", nil)
	}
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return false
	}
	return true
}

func moneyField(field, major string, minor *int64) (ledger.Money, error) {
	if minor != nil {
		return ledger.Money(*minor), nil
	}
	if major == "" {
		return 0, nil
	}
	m, err := ledger.ParseMoney(major)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", field, err)
	}
	return m, nil
}

func timeOrZero(t *time.Time) time.Time {
	if t == nil {
		return time.Time{}
	}
	return t.UTC()
}
