/*
ledger.go - Credit, debit, and query operations over the Store

PURPOSE:
  The Service is the only code path that mutates token balances. It
  validates inputs, stamps entries with identity and provenance, and
  delegates the atomic work to the Store.

CONTROL FLOW:
  Payment webhook  → Credit  → purchase entry + balance increment (once
                               per payment reference, however many times
                               the notification is delivered)
  Generation start → Debit   → conditional decrement, or insufficient
  Generation fails → Compensate → corrective credit restoring the cost

RETRY SEMANTICS:
  Credit is idempotent by external reference: callers with an unknown
  outcome (timeout) simply call again. Debit is idempotent only when the
  caller supplies a spend key; without one, a retried debit is a second
  spend. The HTTP layer forwards the Idempotency-Key header for this.

SEE ALSO:
  - store.go: Atomicity contract the Service relies on
  - store/sqlite: Production implementation
*/
package ledger

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// spendKeyPrefix namespaces client-supplied spend keys inside the shared
// uniqueness column so they can never collide with payment references.
const spendKeyPrefix = "spend:"

// Service applies balance-affecting operations. All mutation of a user's
// balance goes through Credit, Debit, and Compensate; nothing else may
// write it.
type Service struct {
	store Store

	now   func() time.Time
	newID func() EntryID
}

func NewService(store Store) *Service {
	return &Service{
		store: store,
		now:   func() time.Time { return time.Now().UTC() },
		newID: func() EntryID { return EntryID(uuid.NewString()) },
	}
}

// Credit converts a verified payment notification into a balance increase.
// Safe to call repeatedly with the same externalRef: the first call
// applies, every later call reports Applied=false with the same balance.
func (s *Service) Credit(ctx context.Context, userID UserID, amount int64, externalRef, packageID string) (Result, error) {
	if amount <= 0 {
		return Result{}, ErrInvalidAmount
	}
	if externalRef == "" {
		return Result{}, ErrMissingReference
	}

	return s.store.ApplyCredit(ctx, Entry{
		ID:          s.newID(),
		UserID:      userID,
		Kind:        KindPurchase,
		Amount:      amount,
		ExternalRef: externalRef,
		PackageID:   packageID,
		CreatedAt:   s.now(),
	})
}

// Debit reserves cost tokens for a paid operation. The check-then-decrement
// is a single atomic step in the Store; two concurrent debits can never
// push the balance negative.
//
// spendKey is optional. When set, a retried debit with the same key is a
// no-op (Applied=false); when empty, every call is an independent spend.
func (s *Service) Debit(ctx context.Context, userID UserID, cost int64, spendKey string) (Result, error) {
	if cost <= 0 {
		return Result{}, ErrInvalidAmount
	}

	ref := ""
	if spendKey != "" {
		ref = spendKeyPrefix + string(userID) + ":" + spendKey
	}

	return s.store.ApplyDebit(ctx, Entry{
		ID:          s.newID(),
		UserID:      userID,
		Kind:        KindSpend,
		Amount:      -cost,
		ExternalRef: ref,
		CreatedAt:   s.now(),
	})
}

// Compensate credits cost tokens back after the downstream paid operation
// failed. Internally triggered, so it carries no external reference;
// reverses names the spend entry being undone, for the audit trail.
func (s *Service) Compensate(ctx context.Context, userID UserID, amount int64, reverses EntryID) (Result, error) {
	if amount <= 0 {
		return Result{}, ErrInvalidAmount
	}

	return s.store.ApplyCredit(ctx, Entry{
		ID:        s.newID(),
		UserID:    userID,
		Kind:      KindCompensation,
		Amount:    amount,
		Note:      string(reverses),
		CreatedAt: s.now(),
	})
}

// Balance returns the current token balance. Users with no ledger history
// read as zero; the account row is created lazily on first credit.
func (s *Service) Balance(ctx context.Context, userID UserID) (int64, error) {
	b, err := s.store.Balance(ctx, userID)
	if err != nil {
		return 0, err
	}
	return b.Tokens, nil
}

// Account returns the full materialized balance record, including the
// frozen flag. Balance is the plain-number convenience over it.
func (s *Service) Account(ctx context.Context, userID UserID) (Balance, error) {
	return s.store.Balance(ctx, userID)
}

// History returns the user's ledger entries, newest first, honoring the
// filter's kind, time-range, package-match, and pagination fields.
func (s *Service) History(ctx context.Context, userID UserID, f Filter) ([]Entry, error) {
	return s.store.Entries(ctx, userID, f)
}

// HasPurchased reports whether the user ever completed a purchase of the
// given package. Used to gate promotional eligibility.
func (s *Service) HasPurchased(ctx context.Context, userID UserID, packageID string) (bool, error) {
	return s.store.HasPurchase(ctx, userID, packageID)
}

// Verify reconciles the materialized balance against the ledger sum.
// On drift it returns a *DriftError and the account is left frozen;
// recovery is a manual, administrative step.
func (s *Service) Verify(ctx context.Context, userID UserID) (VerifyReport, error) {
	report, err := s.store.Verify(ctx, userID)
	if err != nil {
		return report, err
	}
	if !report.Consistent() {
		return report, &DriftError{
			UserID:       userID,
			Materialized: report.Materialized,
			LedgerSum:    report.LedgerSum,
		}
	}
	return report, nil
}
