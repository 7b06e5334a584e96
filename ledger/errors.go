/*
errors.go - Centralized error types for the ledger engine

PURPOSE:
  All error types in one place. The taxonomy matters here: callers must be
  able to tell "insufficient balance" from "store unreachable" from
  "duplicate delivery", because each demands a different reaction.

ERROR CATEGORIES:
  1. Input errors   - rejected before any mutation
  2. Business outcomes - insufficient balance (expected, not a fault)
  3. Store errors   - transient, retriable
  4. Invariant errors - ledger drift; mutation refused until reconciled

NOTE:
  A duplicate payment reference is NOT an error. Credit reports it as a
  successful no-op (Result.Applied == false) so webhook redelivery is
  always safe to acknowledge.

SEE ALSO:
  - ledger.go: Raises these errors
  - store/sqlite: Maps SQL failures onto them
*/
package ledger

import (
	"errors"
	"fmt"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrInvalidAmount is returned when a credit amount or debit cost is
	// not strictly positive. Rejected before any mutation.
	ErrInvalidAmount = errors.New("amount must be positive")

	// ErrMissingReference is returned when a purchase credit has no
	// external payment reference. Without one there is no idempotency key.
	ErrMissingReference = errors.New("missing external payment reference")

	// ErrInsufficientBalance is returned when a debit exceeds the available
	// balance. Expected business outcome, not a system failure.
	ErrInsufficientBalance = errors.New("insufficient balance")

	// ErrDuplicateReference is used by stores when an external reference is
	// already recorded. Credit/Debit translate it into Applied=false.
	ErrDuplicateReference = errors.New("duplicate external reference")

	// ErrStoreUnavailable is returned when the underlying store cannot be
	// reached or fails mid-operation. Retriable; must never be conflated
	// with a successful or duplicate credit.
	ErrStoreUnavailable = errors.New("ledger store unavailable")

	// ErrLedgerDrift is returned when the materialized balance disagrees
	// with the ledger sum. Should be unreachable; the account is frozen
	// for manual reconciliation when detected.
	ErrLedgerDrift = errors.New("balance does not match ledger sum")

	// ErrAccountFrozen is returned when mutation is attempted on an
	// account flagged for manual reconciliation.
	ErrAccountFrozen = errors.New("account frozen pending reconciliation")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// InsufficientBalanceError reports how short a debit fell.
type InsufficientBalanceError struct {
	UserID    UserID
	Available int64
	Requested int64
}

func (e *InsufficientBalanceError) Error() string {
	return fmt.Sprintf("insufficient balance for %s: available %d, requested %d",
		e.UserID, e.Available, e.Requested)
}

func (e *InsufficientBalanceError) Unwrap() error {
	return ErrInsufficientBalance
}

// DriftError reports a ledger-sum mismatch for an account.
type DriftError struct {
	UserID       UserID
	Materialized int64
	LedgerSum    int64
}

func (e *DriftError) Error() string {
	return fmt.Sprintf("ledger drift for %s: materialized %d, ledger sum %d",
		e.UserID, e.Materialized, e.LedgerSum)
}

func (e *DriftError) Unwrap() error {
	return ErrLedgerDrift
}

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsRetryable returns true if the error might succeed on retry.
// Credit retries are always safe (idempotent by reference); Debit retries
// are only safe when the caller supplied a spend key.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrStoreUnavailable)
}

// IsClientError returns true if the error is due to the caller's input or
// account state rather than a system fault.
func IsClientError(err error) bool {
	return errors.Is(err, ErrInvalidAmount) ||
		errors.Is(err, ErrMissingReference) ||
		errors.Is(err, ErrInsufficientBalance) ||
		errors.Is(err, ErrAccountFrozen)
}
