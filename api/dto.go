/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  JSON structures for the API contract, decoupled from the ledger's
  internal types so field names can evolve without touching the domain.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients

VALIDATION:
  Validation lives in handlers and in the ledger Service. DTOs are pure
  data carriers.

SEE ALSO:
  - handlers.go: Uses these types
  - ledger/types.go: Domain types these map from
*/
package api

import (
	"time"

	"github.com/inkforge/token-engine/ledger"
)

// =============================================================================
// PAYMENT WEBHOOK
// =============================================================================

// WebhookEventRequest is the payment notification delivered after the
// processor completes a checkout. Delivery is at-least-once; session_id is
// the idempotency key. Signature verification happens before this payload
// reaches the handler.
type WebhookEventRequest struct {
	SessionID string `json:"session_id"`
	UserID    string `json:"user_id"`
	Amount    int64  `json:"amount"`
	PackageID string `json:"package_id,omitempty"`
}

// CreditResponseDTO reports the outcome of a credit. Applied is false when
// the same session had already been processed; redelivery is acknowledged
// without a second credit.
type CreditResponseDTO struct {
	Balance int64 `json:"balance"`
	Applied bool  `json:"applied"`
}

// =============================================================================
// BALANCE & HISTORY
// =============================================================================

// BalanceDTO is the current token balance for a user.
type BalanceDTO struct {
	UserID  string `json:"user_id"`
	Balance int64  `json:"balance"`
	Frozen  bool   `json:"frozen,omitempty"`
	AsOf    string `json:"as_of,omitempty"`
}

// EntryDTO is one ledger entry in history responses.
type EntryDTO struct {
	ID          string `json:"id"`
	Kind        string `json:"kind"`
	Amount      int64  `json:"amount"`
	ExternalRef string `json:"external_reference,omitempty"`
	PackageID   string `json:"package_id,omitempty"`
	Note        string `json:"note,omitempty"`
	CreatedAt   string `json:"created_at"`
}

func toEntryDTO(e ledger.Entry) EntryDTO {
	return EntryDTO{
		ID:          string(e.ID),
		Kind:        string(e.Kind),
		Amount:      e.Amount,
		ExternalRef: e.ExternalRef,
		PackageID:   e.PackageID,
		Note:        e.Note,
		CreatedAt:   e.CreatedAt.Format(time.RFC3339),
	}
}

// PurchasedDTO answers "has this user ever bought package X".
type PurchasedDTO struct {
	UserID    string `json:"user_id"`
	PackageID string `json:"package_id"`
	Purchased bool   `json:"purchased"`
}

// =============================================================================
// DEBIT / COMPENSATION / GENERATION
// =============================================================================

// DebitRequest reserves tokens for a paid operation. Either a raw cost or
// a catalog operation id; operation wins when both are set.
type DebitRequest struct {
	Cost      int64  `json:"cost,omitempty"`
	Operation string `json:"operation,omitempty"`
}

// DebitResponseDTO reports a successful (or deduplicated) debit.
type DebitResponseDTO struct {
	Balance int64  `json:"balance"`
	Applied bool   `json:"applied"`
	EntryID string `json:"entry_id,omitempty"`
}

// CompensateRequest credits tokens back after a failed paid operation.
// Reverses optionally names the spend entry being undone.
type CompensateRequest struct {
	Amount   int64  `json:"amount"`
	Reverses string `json:"reverses,omitempty"`
}

// GenerateRequest runs a paid generation operation end to end:
// debit, invoke, compensate on failure.
type GenerateRequest struct {
	Operation string `json:"operation"`
	Prompt    string `json:"prompt"`
}

// GenerateResponseDTO carries the artwork and the post-debit balance.
// Image is base64 in JSON.
type GenerateResponseDTO struct {
	Balance int64  `json:"balance"`
	Image   []byte `json:"image"`
}

// =============================================================================
// ADMIN
// =============================================================================

// VerifyDTO is the ledger-sum reconciliation report for a user.
type VerifyDTO struct {
	UserID       string `json:"user_id"`
	Materialized int64  `json:"materialized_balance"`
	LedgerSum    int64  `json:"ledger_sum"`
	Consistent   bool   `json:"consistent"`
	Frozen       bool   `json:"frozen"`
}

// ErrorResponse is the JSON error envelope.
type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}
