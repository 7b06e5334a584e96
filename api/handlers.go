/*
handlers.go - HTTP API handlers for the token ledger

PURPOSE:
  Exposes the ledger engine via REST. Handles HTTP request/response, JSON
  serialization, and delegates every balance mutation to the ledger
  Service.

ENDPOINTS:
  Payments:
    POST   /api/payments/webhook        Credit tokens from a completed payment

  Users:
    GET    /api/users/{id}/balance      Current balance
    GET    /api/users/{id}/history      Ledger history (filterable, paginated)
    GET    /api/users/{id}/purchases/{packageID}  Promo-eligibility lookup
    POST   /api/users/{id}/debits       Reserve tokens for a paid operation
    POST   /api/users/{id}/compensations  Corrective credit after failure
    POST   /api/users/{id}/generations  Debit + generate + compensate-on-failure

  Catalog:
    GET    /api/packages                Purchasable token packages

  Admin:
    POST   /api/admin/verify/{id}       Ledger-sum reconciliation

ERROR HANDLING:
  Errors map onto HTTP statuses by taxonomy:
  - 400: invalid input (non-positive amount, missing reference)
  - 402: insufficient balance (distinct so the client can offer purchase)
  - 409: account frozen, or a deduplicated debit retry
  - 502: downstream generation failure (after compensation)
  - 503: ledger store unreachable (retriable)
  Duplicate webhook delivery is 200 with applied=false - never an error.

SEE ALSO:
  - dto.go: Request/response data structures
  - server.go: Router setup and middleware
*/
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/inkforge/token-engine/catalog"
	"github.com/inkforge/token-engine/ledger"
	"github.com/inkforge/token-engine/metrics"
)

// Generator is the opaque paid image-generation operation. It either
// returns artwork bytes or fails; the ledger only cares which.
type Generator interface {
	Generate(ctx context.Context, operation, prompt string) ([]byte, error)
}

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Ledger    *ledger.Service
	Catalog   *catalog.Catalog
	Generator Generator

	// WebhookToken, when non-empty, is required as a bearer token on the
	// payment webhook route.
	WebhookToken string
}

// NewHandler creates a handler over the given ledger service.
func NewHandler(svc *ledger.Service, cat *catalog.Catalog) *Handler {
	return &Handler{Ledger: svc, Catalog: cat}
}

// =============================================================================
// PAYMENT WEBHOOK
// =============================================================================

// PaymentWebhook credits tokens for a completed checkout session. Safe to
// call any number of times with the same session: the first delivery
// credits, every redelivery is acknowledged with applied=false.
func (h *Handler) PaymentWebhook(w http.ResponseWriter, r *http.Request) {
	if h.WebhookToken != "" && bearerToken(r) != h.WebhookToken {
		writeError(w, http.StatusUnauthorized, "Invalid webhook token", nil)
		return
	}

	var ev WebhookEventRequest
	if err := json.NewDecoder(r.Body).Decode(&ev); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if ev.UserID == "" {
		writeError(w, http.StatusBadRequest, "user_id is required", nil)
		return
	}

	res, err := h.Ledger.Credit(r.Context(), ledger.UserID(ev.UserID), ev.Amount, ev.SessionID, ev.PackageID)
	if err != nil {
		if ledger.IsClientError(err) {
			metrics.CreditsTotal.WithLabelValues(metrics.OutcomeInvalid).Inc()
		} else {
			metrics.CreditsTotal.WithLabelValues(metrics.OutcomeError).Inc()
		}
		writeError(w, statusFor(err), "Credit failed", err)
		return
	}

	if res.Applied {
		metrics.CreditsTotal.WithLabelValues(metrics.OutcomeApplied).Inc()
		metrics.TokensCredited.Add(float64(ev.Amount))
	} else {
		metrics.CreditsTotal.WithLabelValues(metrics.OutcomeDuplicate).Inc()
	}

	writeJSON(w, http.StatusOK, CreditResponseDTO{Balance: res.Balance, Applied: res.Applied})
}

// =============================================================================
// BALANCE & HISTORY
// =============================================================================

// GetBalance returns the user's current token balance. Unknown users read
// as zero; the account is created lazily on first credit.
func (h *Handler) GetBalance(w http.ResponseWriter, r *http.Request) {
	userID := ledger.UserID(chi.URLParam(r, "id"))

	account, err := h.Ledger.Account(r.Context(), userID)
	if err != nil {
		writeError(w, statusFor(err), "Failed to get balance", err)
		return
	}

	writeJSON(w, http.StatusOK, BalanceDTO{
		UserID:  string(userID),
		Balance: account.Tokens,
		Frozen:  account.Frozen,
		AsOf:    time.Now().UTC().Format(time.RFC3339),
	})
}

// GetHistory returns ledger history, newest first.
// Query params: kind, from, to (RFC3339), q (package match), limit, offset.
func (h *Handler) GetHistory(w http.ResponseWriter, r *http.Request) {
	userID := ledger.UserID(chi.URLParam(r, "id"))
	q := r.URL.Query()

	f := ledger.Filter{
		Kind:  ledger.Kind(q.Get("kind")),
		Match: q.Get("q"),
	}
	if v := q.Get("from"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid from (use RFC3339)", err)
			return
		}
		f.From = t
	}
	if v := q.Get("to"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid to (use RFC3339)", err)
			return
		}
		f.To = t
	}
	f.Limit, _ = strconv.Atoi(q.Get("limit"))
	f.Offset, _ = strconv.Atoi(q.Get("offset"))

	entries, err := h.Ledger.History(r.Context(), userID, f)
	if err != nil {
		writeError(w, statusFor(err), "Failed to get history", err)
		return
	}

	dtos := make([]EntryDTO, len(entries))
	for i, e := range entries {
		dtos[i] = toEntryDTO(e)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// HasPurchased gates promotional eligibility on past purchases.
func (h *Handler) HasPurchased(w http.ResponseWriter, r *http.Request) {
	userID := ledger.UserID(chi.URLParam(r, "id"))
	packageID := chi.URLParam(r, "packageID")

	purchased, err := h.Ledger.HasPurchased(r.Context(), userID, packageID)
	if err != nil {
		writeError(w, statusFor(err), "Failed to check purchases", err)
		return
	}

	writeJSON(w, http.StatusOK, PurchasedDTO{
		UserID:    string(userID),
		PackageID: packageID,
		Purchased: purchased,
	})
}

// =============================================================================
// DEBIT / COMPENSATION
// =============================================================================

// Debit reserves tokens before a paid operation. The Idempotency-Key
// header makes retries safe; without it, a retried request after a
// timeout is an independent spend.
func (h *Handler) Debit(w http.ResponseWriter, r *http.Request) {
	userID := ledger.UserID(chi.URLParam(r, "id"))

	var req DebitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	cost := req.Cost
	if req.Operation != "" {
		op, ok := h.Catalog.Operation(req.Operation)
		if !ok {
			writeError(w, http.StatusBadRequest, "Unknown operation: "+req.Operation, nil)
			return
		}
		cost = op.Cost
	}

	res, err := h.Ledger.Debit(r.Context(), userID, cost, r.Header.Get("Idempotency-Key"))
	if err != nil {
		h.countDebit(err)
		writeError(w, statusFor(err), "Debit failed", err)
		return
	}

	if !res.Applied {
		metrics.DebitsTotal.WithLabelValues(metrics.OutcomeDuplicate).Inc()
	} else {
		metrics.DebitsTotal.WithLabelValues(metrics.OutcomeApplied).Inc()
	}

	writeJSON(w, http.StatusOK, DebitResponseDTO{
		Balance: res.Balance,
		Applied: res.Applied,
		EntryID: string(res.EntryID),
	})
}

// Compensate credits tokens back after a downstream failure. Used by
// callers that run the paid operation themselves rather than through
// the generations endpoint.
func (h *Handler) Compensate(w http.ResponseWriter, r *http.Request) {
	userID := ledger.UserID(chi.URLParam(r, "id"))

	var req CompensateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	res, err := h.Ledger.Compensate(r.Context(), userID, req.Amount, ledger.EntryID(req.Reverses))
	if err != nil {
		writeError(w, statusFor(err), "Compensation failed", err)
		return
	}
	metrics.CompensationsTotal.Inc()

	writeJSON(w, http.StatusOK, BalanceDTO{UserID: string(userID), Balance: res.Balance})
}

// =============================================================================
// GENERATION FLOW
// =============================================================================

// Generate runs the full paid-operation flow: debit the operation's cost,
// invoke the generator, and compensate the debit if generation fails.
// The generator is never invoked unless the debit applied.
func (h *Handler) Generate(w http.ResponseWriter, r *http.Request) {
	userID := ledger.UserID(chi.URLParam(r, "id"))

	if h.Generator == nil {
		writeError(w, http.StatusServiceUnavailable, "Generation is not available", nil)
		return
	}

	var req GenerateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	op, ok := h.Catalog.Operation(req.Operation)
	if !ok {
		writeError(w, http.StatusBadRequest, "Unknown operation: "+req.Operation, nil)
		return
	}

	res, err := h.Ledger.Debit(r.Context(), userID, op.Cost, r.Header.Get("Idempotency-Key"))
	if err != nil {
		h.countDebit(err)
		writeError(w, statusFor(err), "Debit failed", err)
		return
	}
	if !res.Applied {
		// Retried request: the original debit stands, but the artwork is
		// not stored here, so the client must fetch it from its own state.
		metrics.DebitsTotal.WithLabelValues(metrics.OutcomeDuplicate).Inc()
		writeError(w, http.StatusConflict, "Request already processed", nil)
		return
	}
	metrics.DebitsTotal.WithLabelValues(metrics.OutcomeApplied).Inc()

	image, err := h.Generator.Generate(r.Context(), op.ID, req.Prompt)
	if err != nil {
		// The paid operation failed after the debit: refund the cost.
		if _, cerr := h.Ledger.Compensate(r.Context(), userID, op.Cost, res.EntryID); cerr != nil {
			// Refund also failed; surface both so nobody assumes the
			// tokens were returned.
			writeError(w, statusFor(cerr), "Generation failed and compensation failed", errors.Join(err, cerr))
			return
		}
		metrics.CompensationsTotal.Inc()
		writeError(w, http.StatusBadGateway, "Generation failed; tokens refunded", err)
		return
	}

	writeJSON(w, http.StatusOK, GenerateResponseDTO{Balance: res.Balance, Image: image})
}

// =============================================================================
// CATALOG & ADMIN
// =============================================================================

// ListPackages returns the purchasable token packages.
func (h *Handler) ListPackages(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.Catalog.Packages())
}

// VerifyUser reconciles the materialized balance against the ledger sum.
// A mismatch freezes the account; unfreezing is a manual operation on the
// database after the books are corrected.
func (h *Handler) VerifyUser(w http.ResponseWriter, r *http.Request) {
	userID := ledger.UserID(chi.URLParam(r, "id"))

	report, err := h.Ledger.Verify(r.Context(), userID)
	if err != nil && !errors.Is(err, ledger.ErrLedgerDrift) {
		writeError(w, statusFor(err), "Verification failed", err)
		return
	}
	if errors.Is(err, ledger.ErrLedgerDrift) {
		metrics.DriftDetected.Inc()
	}

	writeJSON(w, http.StatusOK, VerifyDTO{
		UserID:       string(report.UserID),
		Materialized: report.Materialized,
		LedgerSum:    report.LedgerSum,
		Consistent:   report.Consistent(),
		Frozen:       report.Frozen,
	})
}

// Healthz is the liveness probe.
func (h *Handler) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// =============================================================================
// HELPERS
// =============================================================================

func (h *Handler) countDebit(err error) {
	switch {
	case errors.Is(err, ledger.ErrInsufficientBalance):
		metrics.DebitsTotal.WithLabelValues(metrics.OutcomeInsufficient).Inc()
	case ledger.IsClientError(err):
		metrics.DebitsTotal.WithLabelValues(metrics.OutcomeInvalid).Inc()
	default:
		metrics.DebitsTotal.WithLabelValues(metrics.OutcomeError).Inc()
	}
}

// statusFor maps the ledger error taxonomy onto HTTP statuses.
func statusFor(err error) int {
	switch {
	case errors.Is(err, ledger.ErrInvalidAmount),
		errors.Is(err, ledger.ErrMissingReference):
		return http.StatusBadRequest
	case errors.Is(err, ledger.ErrInsufficientBalance):
		return http.StatusPaymentRequired
	case errors.Is(err, ledger.ErrAccountFrozen):
		return http.StatusConflict
	case errors.Is(err, ledger.ErrStoreUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func bearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if !strings.HasPrefix(auth, prefix) {
		return ""
	}
	return strings.TrimPrefix(auth, prefix)
}

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
