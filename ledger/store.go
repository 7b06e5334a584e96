/*
store.go - Persistence interface for the token ledger

PURPOSE:
  Defines the contract between the ledger Service and the database. The
  Store owns all atomicity: an implementation must apply the ledger entry
  and the balance change as a single unit, or apply neither.

ATOMICITY CONTRACT:
  ApplyCredit:  insert-if-absent on ExternalRef + balance increment in one
                transaction. A claimed reference without its credit is a
                bug state the Store must make structurally impossible.
  ApplyDebit:   conditional decrement (balance >= cost) + entry append in
                one transaction. No reader may ever observe a negative
                balance, transient or otherwise.

INVARIANT:
  After every mutation the materialized balance must equal SUM(amount)
  over the user's entries. A mutation against an account that already
  violates this is rejected with a *DriftError and the account is frozen.

CONCURRENCY:
  Implementations must be safe under concurrent callers. Two simultaneous
  credits for the same reference: exactly one applies. N simultaneous
  debits against balance B: exactly floor(B/cost) succeed.

IMPLEMENTATIONS:
  - store/sqlite: production SQLite store
  - ledger/store: in-memory store for tests and development
*/
package ledger

import "context"

// Store persists ledger entries and materialized balances.
// The ledger side is APPEND-ONLY: no update, no delete. Corrections are
// made via compensation entries.
type Store interface {
	// ApplyCredit atomically appends a positive entry and increments the
	// user's balance. If e.ExternalRef is set and already recorded, nothing
	// is written and the result reports Applied=false with the current
	// balance. Returns ErrAccountFrozen for frozen accounts and
	// ErrStoreUnavailable on transport failure.
	ApplyCredit(ctx context.Context, e Entry) (Result, error)

	// ApplyDebit atomically appends a negative entry and decrements the
	// user's balance, but only if the balance covers it; otherwise it
	// returns an *InsufficientBalanceError and writes nothing. A duplicate
	// ExternalRef (client-supplied spend key) is a no-op with Applied=false.
	ApplyDebit(ctx context.Context, e Entry) (Result, error)

	// Balance returns the materialized balance. Unknown users read as zero.
	Balance(ctx context.Context, userID UserID) (Balance, error)

	// Entries returns the user's ledger history, newest first.
	Entries(ctx context.Context, userID UserID, f Filter) ([]Entry, error)

	// HasPurchase reports whether a purchase entry for the package exists.
	HasPurchase(ctx context.Context, userID UserID, packageID string) (bool, error)

	// Verify recomputes the ledger sum and compares it against the
	// materialized balance. On mismatch the account is frozen and the
	// report comes back inconsistent; it never repairs silently.
	Verify(ctx context.Context, userID UserID) (VerifyReport, error)
}
