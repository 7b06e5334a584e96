/*
Package ledger provides the token ledger engine.

PURPOSE:
  This package turns external payment notifications into exactly-once token
  credits and guards the debit path so a user can never spend tokens they
  do not have. The ledger is the source of truth: every balance change is
  an immutable entry, and the materialized balance is a cache of the sum.

KEY CONCEPTS IN THIS FILE (types.go):
  - Entry: An immutable ledger record of one balance change
  - Kind: Why the balance changed (purchase, spend, compensation)
  - Balance: The materialized per-user token balance
  - Filter: History query parameters

DESIGN PRINCIPLES:
  1. Immutability: Entries are never modified, only compensated
  2. Idempotency: Purchase entries are keyed by the payment reference;
     the same reference can never credit twice
  3. Atomicity: Balance and ledger move together or not at all
  4. Auditability: Every change carries provenance (reference, package)

SEE ALSO:
  - ledger.go: The Service applying credits and debits
  - store.go: Persistence interface the Service runs on
  - errors.go: Error taxonomy
*/
package ledger

import "time"

// =============================================================================
// IDENTIFIERS
// =============================================================================

type UserID string
type EntryID string

// =============================================================================
// ENTRY - Immutable record of one balance change
// =============================================================================

type Kind string

const (
	// KindPurchase credits tokens from a completed external payment.
	// Carries the payment reference used as the idempotency key.
	KindPurchase Kind = "purchase"

	// KindSpend debits tokens for a paid generation operation.
	KindSpend Kind = "spend"

	// KindCompensation credits tokens back after a paid operation that was
	// debited for fails downstream. Internally triggered, no external reference.
	KindCompensation Kind = "refund_compensation"
)

// Entry is one row of the append-only ledger.
// Amount is signed: positive for credits, negative for debits.
type Entry struct {
	ID          EntryID
	UserID      UserID
	Kind        Kind
	Amount      int64
	ExternalRef string // idempotency key; unique across all entries when set
	PackageID   string // purchase metadata, carried through untouched
	Note        string // e.g. the spend entry a compensation reverses
	CreatedAt   time.Time
}

// Sum folds entries into a balance. The materialized balance for a user
// must always equal Sum over that user's entries.
func Sum(entries []Entry) int64 {
	var total int64
	for _, e := range entries {
		total += e.Amount
	}
	return total
}

// =============================================================================
// BALANCE - Materialized per-user token balance
// =============================================================================

type Balance struct {
	UserID    UserID
	Tokens    int64
	Frozen    bool // mutation refused pending manual reconciliation
	UpdatedAt time.Time
}

// =============================================================================
// RESULTS
// =============================================================================

// Result is the outcome of a credit or debit.
// Applied is false when the operation was a no-op because the same
// reference had already been processed. That is a success, not an error.
// EntryID names the entry that was written; empty on a no-op.
type Result struct {
	Balance int64
	Applied bool
	EntryID EntryID
}

// VerifyReport compares the materialized balance against the ledger sum.
type VerifyReport struct {
	UserID       UserID
	Materialized int64
	LedgerSum    int64
	Frozen       bool
}

// Consistent reports whether the cached balance matches the ledger.
func (r VerifyReport) Consistent() bool {
	return r.Materialized == r.LedgerSum
}

// =============================================================================
// FILTER - History query parameters
// =============================================================================

const (
	DefaultHistoryLimit = 50
	MaxHistoryLimit     = 200
)

// Filter narrows a history query. Zero values mean "no constraint".
type Filter struct {
	Kind   Kind
	From   time.Time
	To     time.Time
	Match  string // substring match against PackageID
	Limit  int
	Offset int
}

// EffectiveLimit clamps Limit to [1, MaxHistoryLimit], defaulting when unset.
func (f Filter) EffectiveLimit() int {
	if f.Limit <= 0 {
		return DefaultHistoryLimit
	}
	if f.Limit > MaxHistoryLimit {
		return MaxHistoryLimit
	}
	return f.Limit
}
