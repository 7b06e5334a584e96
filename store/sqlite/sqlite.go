/*
Package sqlite provides the SQLite-backed implementation of ledger.Store.

PURPOSE:
  Persists the append-only ledger and the materialized balances. The same
  patterns apply to PostgreSQL - only minor SQL dialect differences.

KEY TABLES:
  ledger_entries: Immutable record of every balance change. The UNIQUE
                  constraint on external_ref IS the idempotency guard:
                  insert-if-absent happens inside the database, so two
                  concurrent deliveries of the same payment race on the
                  constraint and exactly one wins.
  balances:       Materialized per-user balance, a cache of the ledger sum.
                  CHECK (token_balance >= 0) backstops the conditional
                  debit so a negative balance cannot exist even briefly.

ATOMICITY:
  ApplyCredit and ApplyDebit each run as a single SQL transaction covering
  the entry insert and the balance update. A crash between the two steps
  rolls both back; a claimed payment reference without its credit cannot
  be persisted.

INVARIANT CHECK:
  Before committing a mutation, the updated balance is compared against
  SUM(amount) for the user inside the same transaction. On mismatch the
  mutation is rolled back and the account is frozen for manual
  reconciliation. This should be unreachable.

CONCURRENCY:
  Opened with WAL and a single connection plus a mutex, so operations are
  serialized in-process. With PostgreSQL, row locking would take over.

SEE ALSO:
  - ledger/store.go: Interface definition and contract
  - ledger/store/memory.go: In-memory implementation for tests
*/
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/inkforge/token-engine/ledger"
)

// Store implements ledger.Store on SQLite.
type Store struct {
	db *sql.DB
	mu sync.Mutex
}

// New opens (or creates) the database at dbPath and migrates the schema.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// One connection: an in-memory database exists per connection, and the
	// mutex serializes access anyway.
	db.SetMaxOpenConns(1)

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	-- Materialized balances (cache of the ledger sum)
	CREATE TABLE IF NOT EXISTS balances (
		user_id TEXT PRIMARY KEY,
		token_balance INTEGER NOT NULL DEFAULT 0 CHECK (token_balance >= 0),
		frozen INTEGER NOT NULL DEFAULT 0,
		updated_at TEXT NOT NULL
	);

	-- Ledger entries (append-only)
	CREATE TABLE IF NOT EXISTS ledger_entries (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		kind TEXT NOT NULL,
		amount INTEGER NOT NULL,
		external_ref TEXT UNIQUE,
		package_id TEXT,
		note TEXT,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_entries_user_created
		ON ledger_entries(user_id, created_at DESC);
	CREATE INDEX IF NOT EXISTS idx_entries_user_kind
		ON ledger_entries(user_id, kind);
	-- For HasPurchase lookups
	CREATE INDEX IF NOT EXISTS idx_entries_user_package
		ON ledger_entries(user_id, package_id) WHERE package_id IS NOT NULL;
	`

	_, err := s.db.Exec(schema)
	return err
}

// =============================================================================
// MUTATION (ledger.Store interface)
// =============================================================================

// ApplyCredit appends a positive entry and increments the balance in one
// transaction. A duplicate external_ref is reported as Applied=false.
func (s *Store) ApplyCredit(ctx context.Context, e ledger.Entry) (ledger.Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return ledger.Result{}, storeErr(err)
	}
	defer tx.Rollback()

	if err := s.checkFrozen(ctx, tx, e.UserID); err != nil {
		return ledger.Result{}, err
	}

	if err := insertEntry(ctx, tx, e); err != nil {
		if errors.Is(err, ledger.ErrDuplicateReference) {
			tx.Rollback()
			balance, berr := s.readBalance(ctx, e.UserID)
			if berr != nil {
				return ledger.Result{}, berr
			}
			return ledger.Result{Balance: balance, Applied: false}, nil
		}
		return ledger.Result{}, err
	}

	now := e.CreatedAt.UTC().Format(time.RFC3339Nano)
	_, err = tx.ExecContext(ctx, `
		INSERT INTO balances (user_id, token_balance, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET
			token_balance = balances.token_balance + excluded.token_balance,
			updated_at = excluded.updated_at
	`, e.UserID, e.Amount, now)
	if err != nil {
		return ledger.Result{}, storeErr(err)
	}

	return s.finishMutation(ctx, tx, e)
}

// ApplyDebit appends a negative entry and decrements the balance, guarded
// by a conditional UPDATE whose predicate includes balance >= cost. The
// check and the decrement are one statement, so concurrent debits cannot
// push the balance negative.
func (s *Store) ApplyDebit(ctx context.Context, e ledger.Entry) (ledger.Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cost := -e.Amount

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return ledger.Result{}, storeErr(err)
	}
	defer tx.Rollback()

	if err := s.checkFrozen(ctx, tx, e.UserID); err != nil {
		return ledger.Result{}, err
	}

	if err := insertEntry(ctx, tx, e); err != nil {
		if errors.Is(err, ledger.ErrDuplicateReference) {
			// Retried spend key: the original debit already went through.
			tx.Rollback()
			balance, berr := s.readBalance(ctx, e.UserID)
			if berr != nil {
				return ledger.Result{}, berr
			}
			return ledger.Result{Balance: balance, Applied: false}, nil
		}
		return ledger.Result{}, err
	}

	now := e.CreatedAt.UTC().Format(time.RFC3339Nano)
	res, err := tx.ExecContext(ctx, `
		UPDATE balances
		SET token_balance = token_balance - ?, updated_at = ?
		WHERE user_id = ? AND token_balance >= ?
	`, cost, now, e.UserID, cost)
	if err != nil {
		return ledger.Result{}, storeErr(err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return ledger.Result{}, storeErr(err)
	}
	if affected == 0 {
		// Either no balance row yet (implicit zero) or balance < cost.
		tx.Rollback()
		available, berr := s.readBalance(ctx, e.UserID)
		if berr != nil {
			return ledger.Result{}, berr
		}
		return ledger.Result{}, &ledger.InsufficientBalanceError{
			UserID:    e.UserID,
			Available: available,
			Requested: cost,
		}
	}

	return s.finishMutation(ctx, tx, e)
}

// finishMutation runs the ledger-sum invariant check and commits. On drift
// the mutation is discarded and the account frozen instead.
func (s *Store) finishMutation(ctx context.Context, tx *sql.Tx, e ledger.Entry) (ledger.Result, error) {
	var balance, sum int64
	err := tx.QueryRowContext(ctx, `
		SELECT b.token_balance,
		       (SELECT COALESCE(SUM(amount), 0) FROM ledger_entries WHERE user_id = b.user_id)
		FROM balances b
		WHERE b.user_id = ?
	`, e.UserID).Scan(&balance, &sum)
	if err != nil {
		return ledger.Result{}, storeErr(err)
	}

	if balance != sum {
		tx.Rollback()
		drift := &ledger.DriftError{
			UserID:       e.UserID,
			Materialized: balance,
			LedgerSum:    sum,
		}
		if ferr := s.freeze(ctx, e.UserID); ferr != nil {
			// The account could not be flagged; surface both so the
			// caller knows the freeze did not stick.
			return ledger.Result{}, errors.Join(drift, ferr)
		}
		return ledger.Result{}, drift
	}

	if err := tx.Commit(); err != nil {
		return ledger.Result{}, storeErr(err)
	}
	return ledger.Result{Balance: balance, Applied: true, EntryID: e.ID}, nil
}

func (s *Store) checkFrozen(ctx context.Context, tx *sql.Tx, userID ledger.UserID) error {
	var frozen bool
	err := tx.QueryRowContext(ctx,
		"SELECT frozen FROM balances WHERE user_id = ?", userID,
	).Scan(&frozen)
	if err == sql.ErrNoRows {
		return nil
	}
	if err != nil {
		return storeErr(err)
	}
	if frozen {
		return ledger.ErrAccountFrozen
	}
	return nil
}

func (s *Store) freeze(ctx context.Context, userID ledger.UserID) error {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO balances (user_id, token_balance, frozen, updated_at)
		VALUES (?, 0, 1, ?)
		ON CONFLICT(user_id) DO UPDATE SET frozen = 1, updated_at = excluded.updated_at
	`, userID, now)
	if err != nil {
		return storeErr(err)
	}
	return nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func insertEntry(ctx context.Context, db execer, e ledger.Entry) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO ledger_entries (id, user_id, kind, amount, external_ref, package_id, note, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`,
		e.ID,
		e.UserID,
		e.Kind,
		e.Amount,
		nullString(e.ExternalRef),
		nullString(e.PackageID),
		nullString(e.Note),
		e.CreatedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return ledger.ErrDuplicateReference
		}
		return storeErr(err)
	}
	return nil
}

// =============================================================================
// QUERIES (ledger.Store interface)
// =============================================================================

// Balance returns the materialized balance. Unknown users read as zero.
func (s *Store) Balance(ctx context.Context, userID ledger.UserID) (ledger.Balance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var b ledger.Balance
	var updatedAt string
	err := s.db.QueryRowContext(ctx,
		"SELECT user_id, token_balance, frozen, updated_at FROM balances WHERE user_id = ?",
		userID,
	).Scan(&b.UserID, &b.Tokens, &b.Frozen, &updatedAt)

	if err == sql.ErrNoRows {
		return ledger.Balance{UserID: userID}, nil
	}
	if err != nil {
		return ledger.Balance{}, storeErr(err)
	}

	b.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
	return b, nil
}

func (s *Store) readBalance(ctx context.Context, userID ledger.UserID) (int64, error) {
	var balance int64
	err := s.db.QueryRowContext(ctx,
		"SELECT token_balance FROM balances WHERE user_id = ?", userID,
	).Scan(&balance)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, storeErr(err)
	}
	return balance, nil
}

// Entries returns ledger history, newest first.
func (s *Store) Entries(ctx context.Context, userID ledger.UserID, f ledger.Filter) ([]ledger.Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	query := `
		SELECT id, user_id, kind, amount, external_ref, package_id, note, created_at
		FROM ledger_entries
		WHERE user_id = ?
	`
	args := []any{userID}

	if f.Kind != "" {
		query += " AND kind = ?"
		args = append(args, f.Kind)
	}
	if !f.From.IsZero() {
		query += " AND created_at >= ?"
		args = append(args, f.From.UTC().Format(time.RFC3339Nano))
	}
	if !f.To.IsZero() {
		query += " AND created_at <= ?"
		args = append(args, f.To.UTC().Format(time.RFC3339Nano))
	}
	if f.Match != "" {
		query += ` AND package_id LIKE ? ESCAPE '\'`
		args = append(args, "%"+escapeLike(f.Match)+"%")
	}

	query += " ORDER BY created_at DESC, rowid DESC LIMIT ? OFFSET ?"
	args = append(args, f.EffectiveLimit(), f.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storeErr(err)
	}
	defer rows.Close()

	entries := []ledger.Entry{}
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr(err)
	}
	return entries, nil
}

func scanEntry(rows *sql.Rows) (ledger.Entry, error) {
	var (
		e         ledger.Entry
		ref       sql.NullString
		pkg       sql.NullString
		note      sql.NullString
		createdAt string
	)

	err := rows.Scan(&e.ID, &e.UserID, &e.Kind, &e.Amount, &ref, &pkg, &note, &createdAt)
	if err != nil {
		return e, storeErr(err)
	}

	e.ExternalRef = ref.String
	e.PackageID = pkg.String
	e.Note = note.String
	e.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	return e, nil
}

// HasPurchase reports whether a purchase of the package was ever credited.
func (s *Store) HasPurchase(ctx context.Context, userID ledger.UserID, packageID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var exists bool
	err := s.db.QueryRowContext(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM ledger_entries
			WHERE user_id = ? AND kind = ? AND package_id = ?
		)
	`, userID, ledger.KindPurchase, packageID).Scan(&exists)
	if err != nil {
		return false, storeErr(err)
	}
	return exists, nil
}

// Verify recomputes the ledger sum for a user and freezes the account on
// mismatch. Read-only when the ledger is consistent.
func (s *Store) Verify(ctx context.Context, userID ledger.UserID) (ledger.VerifyReport, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	report := ledger.VerifyReport{UserID: userID}

	err := s.db.QueryRowContext(ctx, `
		SELECT b.token_balance, b.frozen,
		       (SELECT COALESCE(SUM(amount), 0) FROM ledger_entries WHERE user_id = b.user_id)
		FROM balances b
		WHERE b.user_id = ?
	`, userID).Scan(&report.Materialized, &report.Frozen, &report.LedgerSum)

	if err == sql.ErrNoRows {
		// No balance row: consistent only if the ledger is empty too.
		err = s.db.QueryRowContext(ctx,
			"SELECT COALESCE(SUM(amount), 0) FROM ledger_entries WHERE user_id = ?",
			userID,
		).Scan(&report.LedgerSum)
	}
	if err != nil {
		return report, storeErr(err)
	}

	if !report.Consistent() && !report.Frozen {
		if err := s.freeze(ctx, userID); err != nil {
			return report, err
		}
		report.Frozen = true
	}

	return report, nil
}

// =============================================================================
// HELPERS
// =============================================================================

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func isUniqueConstraintError(err error) bool {
	return err != nil && (strings.Contains(err.Error(), "UNIQUE constraint failed") ||
		strings.Contains(err.Error(), "duplicate key"))
}

func escapeLike(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, "%", `\%`)
	return strings.ReplaceAll(s, "_", `\_`)
}

func storeErr(err error) error {
	return fmt.Errorf("%w: %v", ledger.ErrStoreUnavailable, err)
}
