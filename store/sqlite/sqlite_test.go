package sqlite_test

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"
	"sync"
	"testing"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/inkforge/token-engine/ledger"
	"github.com/inkforge/token-engine/store/sqlite"
)

// =============================================================================
// TEST SETUP
// =============================================================================

func newTestStore(t *testing.T) *sqlite.Store {
	t.Helper()
	store, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

// newFileStore opens a store on a real file so the test can tamper with it
// through a second connection.
func newFileStore(t *testing.T) (*sqlite.Store, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "tokens.db")
	store, err := sqlite.New(path)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store, path
}

func tamperBalance(t *testing.T, path string, userID string, tokens int64) {
	t.Helper()
	db, err := sql.Open("sqlite3", path)
	require.NoError(t, err)
	defer db.Close()

	_, err = db.Exec("UPDATE balances SET token_balance = ? WHERE user_id = ?", tokens, userID)
	require.NoError(t, err)
}

// =============================================================================
// END-TO-END SCENARIO
// =============================================================================

func TestStore_PurchaseSpendCompensateScenario(t *testing.T) {
	// GIVEN: A fresh user
	// WHEN: They buy 30 tokens, the webhook is redelivered, they spend 4,
	//       and the spend is compensated
	// THEN: The balance walks 0 -> 30 -> 30 -> 26 -> 30 with the ledger
	//       sum matching at every step

	store := newTestStore(t)
	svc := ledger.NewService(store)
	ctx := context.Background()

	res, err := svc.Credit(ctx, "u1", 30, "sess_abc", "30_tokens")
	require.NoError(t, err)
	assert.True(t, res.Applied)
	assert.Equal(t, int64(30), res.Balance)

	redelivery, err := svc.Credit(ctx, "u1", 30, "sess_abc", "30_tokens")
	require.NoError(t, err)
	assert.False(t, redelivery.Applied)
	assert.Equal(t, int64(30), redelivery.Balance)

	debit, err := svc.Debit(ctx, "u1", 4, "")
	require.NoError(t, err)
	assert.Equal(t, int64(26), debit.Balance)

	comp, err := svc.Compensate(ctx, "u1", 4, debit.EntryID)
	require.NoError(t, err)
	assert.Equal(t, int64(30), comp.Balance)

	report, err := svc.Verify(ctx, "u1")
	require.NoError(t, err)
	assert.True(t, report.Consistent())

	entries, err := svc.History(ctx, "u1", ledger.Filter{})
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.Equal(t, comp.Balance, ledger.Sum(entries))
	assert.Equal(t, ledger.KindCompensation, entries[0].Kind)
	assert.Equal(t, ledger.KindSpend, entries[1].Kind)
	assert.Equal(t, ledger.KindPurchase, entries[2].Kind)
}

// =============================================================================
// CREDIT
// =============================================================================

func TestStore_DuplicateReferenceAcrossUsers_SecondIsNoop(t *testing.T) {
	// The payment reference is globally unique: a replayed notification
	// aimed at a different user must not credit anyone.
	store := newTestStore(t)
	svc := ledger.NewService(store)
	ctx := context.Background()

	_, err := svc.Credit(ctx, "u1", 30, "sess_abc", "30_tokens")
	require.NoError(t, err)

	res, err := svc.Credit(ctx, "u2", 30, "sess_abc", "30_tokens")
	require.NoError(t, err)
	assert.False(t, res.Applied)
	assert.Equal(t, int64(0), res.Balance, "u2 must remain uncredited")
}

func TestStore_CreditCreatesBalanceRowLazily(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	b, err := store.Balance(ctx, "nobody")
	require.NoError(t, err)
	assert.Equal(t, int64(0), b.Tokens)
	assert.False(t, b.Frozen)
}

// =============================================================================
// DEBIT
// =============================================================================

func TestStore_DebitInsufficient_RollsBackEntry(t *testing.T) {
	store := newTestStore(t)
	svc := ledger.NewService(store)
	ctx := context.Background()

	_, err := svc.Credit(ctx, "u1", 3, "sess_abc", "")
	require.NoError(t, err)

	_, err = svc.Debit(ctx, "u1", 4, "")
	var insufficient *ledger.InsufficientBalanceError
	require.ErrorAs(t, err, &insufficient)
	assert.Equal(t, int64(3), insufficient.Available)
	assert.Equal(t, int64(4), insufficient.Requested)

	// The failed debit must leave no spend entry behind.
	entries, err := svc.History(ctx, "u1", ledger.Filter{Kind: ledger.KindSpend})
	require.NoError(t, err)
	assert.Empty(t, entries)

	balance, err := svc.Balance(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(3), balance)
}

func TestStore_DebitSpendKeyRetry_Noop(t *testing.T) {
	store := newTestStore(t)
	svc := ledger.NewService(store)
	ctx := context.Background()

	_, err := svc.Credit(ctx, "u1", 30, "sess_abc", "")
	require.NoError(t, err)

	first, err := svc.Debit(ctx, "u1", 4, "req-77")
	require.NoError(t, err)
	assert.True(t, first.Applied)

	retry, err := svc.Debit(ctx, "u1", 4, "req-77")
	require.NoError(t, err)
	assert.False(t, retry.Applied)
	assert.Equal(t, int64(26), retry.Balance)
}

func TestStore_ConcurrentDebits_NeverOverspend(t *testing.T) {
	store := newTestStore(t)
	svc := ledger.NewService(store)
	ctx := context.Background()

	_, err := svc.Credit(ctx, "u1", 10, "sess_seed", "")
	require.NoError(t, err)

	const workers = 10
	results := make(chan error, workers)

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.Debit(ctx, "u1", 3, "")
			results <- err
		}()
	}
	wg.Wait()
	close(results)

	var succeeded int
	for err := range results {
		if err == nil {
			succeeded++
			continue
		}
		require.ErrorIs(t, err, ledger.ErrInsufficientBalance)
	}
	assert.Equal(t, 3, succeeded)

	balance, err := svc.Balance(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), balance)

	report, err := svc.Verify(ctx, "u1")
	require.NoError(t, err)
	assert.True(t, report.Consistent())
}

// =============================================================================
// HISTORY
// =============================================================================

func TestStore_Entries_FiltersAndPagination(t *testing.T) {
	store := newTestStore(t)
	svc := ledger.NewService(store)
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		_, err := svc.Credit(ctx, "u1", 10, fmt.Sprintf("sess_%d", i), "10_tokens")
		require.NoError(t, err)
	}
	_, err := svc.Credit(ctx, "u1", 100, "sess_big", "100_tokens")
	require.NoError(t, err)
	_, err = svc.Debit(ctx, "u1", 4, "")
	require.NoError(t, err)

	// Kind filter.
	purchases, err := svc.History(ctx, "u1", ledger.Filter{Kind: ledger.KindPurchase})
	require.NoError(t, err)
	assert.Len(t, purchases, 5)

	// Package substring match.
	big, err := svc.History(ctx, "u1", ledger.Filter{Match: "100"})
	require.NoError(t, err)
	require.Len(t, big, 1)
	assert.Equal(t, "sess_big", big[0].ExternalRef)

	// A LIKE wildcard in the query must be treated literally.
	none, err := svc.History(ctx, "u1", ledger.Filter{Match: "%"})
	require.NoError(t, err)
	assert.Empty(t, none)

	// Pagination, newest first.
	page, err := svc.History(ctx, "u1", ledger.Filter{Limit: 2})
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, ledger.KindSpend, page[0].Kind)
	assert.Equal(t, "sess_big", page[1].ExternalRef)

	rest, err := svc.History(ctx, "u1", ledger.Filter{Limit: 10, Offset: 2})
	require.NoError(t, err)
	assert.Len(t, rest, 4)

	// History is per user.
	other, err := svc.History(ctx, "u2", ledger.Filter{})
	require.NoError(t, err)
	assert.Empty(t, other)
}

// =============================================================================
// HAS-PURCHASE
// =============================================================================

func TestStore_HasPurchase(t *testing.T) {
	store := newTestStore(t)
	svc := ledger.NewService(store)
	ctx := context.Background()

	ok, err := svc.HasPurchased(ctx, "u1", "30_tokens")
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = svc.Credit(ctx, "u1", 30, "sess_abc", "30_tokens")
	require.NoError(t, err)

	ok, err = svc.HasPurchased(ctx, "u1", "30_tokens")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = svc.HasPurchased(ctx, "u2", "30_tokens")
	require.NoError(t, err)
	assert.False(t, ok, "purchases are per user")
}

// =============================================================================
// DRIFT DETECTION
// =============================================================================

func TestStore_Verify_DriftFreezesAccount(t *testing.T) {
	// GIVEN: A balance row silently edited out from under the ledger
	// WHEN: Verification runs
	// THEN: The mismatch is reported and the account is frozen

	store, path := newFileStore(t)
	svc := ledger.NewService(store)
	ctx := context.Background()

	_, err := svc.Credit(ctx, "u1", 30, "sess_abc", "")
	require.NoError(t, err)

	tamperBalance(t, path, "u1", 25)

	_, err = svc.Verify(ctx, "u1")
	var drift *ledger.DriftError
	require.ErrorAs(t, err, &drift)
	assert.Equal(t, int64(25), drift.Materialized)
	assert.Equal(t, int64(30), drift.LedgerSum)

	b, err := store.Balance(ctx, "u1")
	require.NoError(t, err)
	assert.True(t, b.Frozen)

	// Frozen accounts refuse every mutation.
	_, err = svc.Credit(ctx, "u1", 10, "sess_next", "")
	assert.ErrorIs(t, err, ledger.ErrAccountFrozen)
	_, err = svc.Debit(ctx, "u1", 1, "")
	assert.ErrorIs(t, err, ledger.ErrAccountFrozen)
}

func TestStore_MutationDetectsDrift(t *testing.T) {
	// Drift is also caught in-line: a mutation against a corrupted balance
	// is rolled back rather than committed on top of bad state.

	store, path := newFileStore(t)
	svc := ledger.NewService(store)
	ctx := context.Background()

	_, err := svc.Credit(ctx, "u1", 30, "sess_abc", "")
	require.NoError(t, err)

	tamperBalance(t, path, "u1", 25)

	_, err = svc.Credit(ctx, "u1", 10, "sess_next", "")
	assert.ErrorIs(t, err, ledger.ErrLedgerDrift)

	// The rejected credit left no entry behind.
	entries, err := svc.History(ctx, "u1", ledger.Filter{})
	require.NoError(t, err)
	assert.Len(t, entries, 1)

	b, err := store.Balance(ctx, "u1")
	require.NoError(t, err)
	assert.True(t, b.Frozen)
}

func TestStore_Verify_UnknownUserConsistent(t *testing.T) {
	store := newTestStore(t)
	svc := ledger.NewService(store)

	report, err := svc.Verify(context.Background(), "ghost")
	require.NoError(t, err)
	assert.True(t, report.Consistent())
	assert.False(t, report.Frozen)
}

func TestStore_Verify_FreezeFailureSurfaces(t *testing.T) {
	// If the drifted account cannot be flagged, the failure must reach the
	// caller instead of silently reporting the account as frozen.

	store, path := newFileStore(t)
	svc := ledger.NewService(store)
	ctx := context.Background()

	_, err := svc.Credit(ctx, "u1", 30, "sess_abc", "")
	require.NoError(t, err)

	db, err := sql.Open("sqlite3", path)
	require.NoError(t, err)
	defer db.Close()

	_, err = db.Exec("UPDATE balances SET token_balance = 25 WHERE user_id = 'u1'")
	require.NoError(t, err)
	_, err = db.Exec(`
		CREATE TRIGGER block_freeze BEFORE UPDATE OF frozen ON balances
		BEGIN SELECT RAISE(ABORT, 'frozen column locked'); END
	`)
	require.NoError(t, err)

	report, err := svc.Verify(ctx, "u1")
	require.Error(t, err)
	assert.ErrorIs(t, err, ledger.ErrStoreUnavailable)
	assert.False(t, report.Frozen, "an account the store failed to flag is not frozen")

	// The in-transaction check still blocks mutation on the drifted
	// account, and the failed freeze rides along with the drift error.
	_, err = svc.Credit(ctx, "u1", 10, "sess_next", "")
	assert.ErrorIs(t, err, ledger.ErrLedgerDrift)
	assert.ErrorIs(t, err, ledger.ErrStoreUnavailable)
}

// =============================================================================
// FAILURE REPORTING
// =============================================================================

func TestStore_ClosedStore_ReportsRetryableFailure(t *testing.T) {
	// A store failure must come back as a distinct, retriable error -
	// never as success and never as an applied=false duplicate.

	store, err := sqlite.New(":memory:")
	require.NoError(t, err)
	svc := ledger.NewService(store)
	ctx := context.Background()

	_, err = svc.Credit(ctx, "u1", 30, "sess_abc", "")
	require.NoError(t, err)
	require.NoError(t, store.Close())

	res, err := svc.Credit(ctx, "u1", 30, "sess_next", "")
	require.Error(t, err)
	assert.ErrorIs(t, err, ledger.ErrStoreUnavailable)
	assert.True(t, ledger.IsRetryable(err))
	assert.False(t, res.Applied, "a failed credit must not read as processed")

	_, err = svc.Debit(ctx, "u1", 4, "")
	require.Error(t, err)
	assert.ErrorIs(t, err, ledger.ErrStoreUnavailable)
	assert.True(t, ledger.IsRetryable(err))
	assert.NotErrorIs(t, err, ledger.ErrInsufficientBalance)
}

// =============================================================================
// PERSISTENCE
// =============================================================================

func TestStore_ReopenKeepsState(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tokens.db")

	store, err := sqlite.New(path)
	require.NoError(t, err)
	svc := ledger.NewService(store)
	ctx := context.Background()

	_, err = svc.Credit(ctx, "u1", 30, "sess_abc", "30_tokens")
	require.NoError(t, err)
	require.NoError(t, store.Close())

	reopened, err := sqlite.New(path)
	require.NoError(t, err)
	defer reopened.Close()
	svc = ledger.NewService(reopened)

	balance, err := svc.Balance(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(30), balance)

	// The idempotency guard survives the restart.
	res, err := svc.Credit(ctx, "u1", 30, "sess_abc", "30_tokens")
	require.NoError(t, err)
	assert.False(t, res.Applied)
}

func TestStore_UniqueViolationNotRetryable(t *testing.T) {
	// A duplicate is a terminal success (no-op), never surfaced as a
	// retriable store failure.
	store := newTestStore(t)
	svc := ledger.NewService(store)
	ctx := context.Background()

	_, err := svc.Credit(ctx, "u1", 30, "sess_abc", "")
	require.NoError(t, err)

	res, err := svc.Credit(ctx, "u1", 30, "sess_abc", "")
	require.NoError(t, err)
	assert.False(t, res.Applied)
	assert.False(t, ledger.IsRetryable(err))
}
