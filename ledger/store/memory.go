// Package store provides an in-memory ledger.Store for tests and development.
package store

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/inkforge/token-engine/ledger"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

// Memory holds the ledger in process. The mutex serializes every operation,
// which is what gives ApplyCredit/ApplyDebit their atomicity here.
type Memory struct {
	mu       sync.RWMutex
	balances map[ledger.UserID]ledger.Balance
	entries  map[ledger.UserID][]ledger.Entry
	refs     map[string]ledger.UserID
}

func NewMemory() *Memory {
	return &Memory{
		balances: make(map[ledger.UserID]ledger.Balance),
		entries:  make(map[ledger.UserID][]ledger.Entry),
		refs:     make(map[string]ledger.UserID),
	}
}

func (m *Memory) ApplyCredit(_ context.Context, e ledger.Entry) (ledger.Result, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	b := m.balances[e.UserID]
	if b.Frozen {
		return ledger.Result{}, ledger.ErrAccountFrozen
	}
	if err := m.checkConsistentLocked(e.UserID); err != nil {
		return ledger.Result{}, err
	}

	if e.ExternalRef != "" {
		if _, seen := m.refs[e.ExternalRef]; seen {
			return ledger.Result{Balance: b.Tokens, Applied: false}, nil
		}
	}

	m.appendLocked(e)
	return ledger.Result{Balance: m.balances[e.UserID].Tokens, Applied: true, EntryID: e.ID}, nil
}

func (m *Memory) ApplyDebit(_ context.Context, e ledger.Entry) (ledger.Result, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	b := m.balances[e.UserID]
	if b.Frozen {
		return ledger.Result{}, ledger.ErrAccountFrozen
	}
	if err := m.checkConsistentLocked(e.UserID); err != nil {
		return ledger.Result{}, err
	}

	if e.ExternalRef != "" {
		if _, seen := m.refs[e.ExternalRef]; seen {
			return ledger.Result{Balance: b.Tokens, Applied: false}, nil
		}
	}

	cost := -e.Amount
	if b.Tokens < cost {
		return ledger.Result{}, &ledger.InsufficientBalanceError{
			UserID:    e.UserID,
			Available: b.Tokens,
			Requested: cost,
		}
	}

	m.appendLocked(e)
	return ledger.Result{Balance: m.balances[e.UserID].Tokens, Applied: true, EntryID: e.ID}, nil
}

// checkConsistentLocked rejects mutation when the materialized balance no
// longer matches the ledger sum, freezing the account. Same guard the
// SQLite store runs inside each mutation transaction.
func (m *Memory) checkConsistentLocked(userID ledger.UserID) error {
	b := m.balances[userID]
	sum := ledger.Sum(m.entries[userID])
	if b.Tokens == sum {
		return nil
	}

	b.UserID = userID
	b.Frozen = true
	b.UpdatedAt = time.Now().UTC()
	m.balances[userID] = b
	return &ledger.DriftError{UserID: userID, Materialized: b.Tokens, LedgerSum: sum}
}

func (m *Memory) appendLocked(e ledger.Entry) {
	m.entries[e.UserID] = append(m.entries[e.UserID], e)
	if e.ExternalRef != "" {
		m.refs[e.ExternalRef] = e.UserID
	}

	b := m.balances[e.UserID]
	b.UserID = e.UserID
	b.Tokens += e.Amount
	b.UpdatedAt = e.CreatedAt
	m.balances[e.UserID] = b
}

func (m *Memory) Balance(_ context.Context, userID ledger.UserID) (ledger.Balance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	b, ok := m.balances[userID]
	if !ok {
		return ledger.Balance{UserID: userID}, nil
	}
	return b, nil
}

func (m *Memory) Entries(_ context.Context, userID ledger.UserID, f ledger.Filter) ([]ledger.Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	// Walk backwards so entries with identical timestamps come out
	// newest-appended first, matching the SQLite store's rowid tiebreak.
	all := m.entries[userID]
	var matched []ledger.Entry
	for i := len(all) - 1; i >= 0; i-- {
		e := all[i]
		if f.Kind != "" && e.Kind != f.Kind {
			continue
		}
		if !f.From.IsZero() && e.CreatedAt.Before(f.From) {
			continue
		}
		if !f.To.IsZero() && e.CreatedAt.After(f.To) {
			continue
		}
		if f.Match != "" && !strings.Contains(e.PackageID, f.Match) {
			continue
		}
		matched = append(matched, e)
	}

	sort.SliceStable(matched, func(i, j int) bool {
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})

	if f.Offset >= len(matched) {
		return []ledger.Entry{}, nil
	}
	matched = matched[f.Offset:]

	limit := f.EffectiveLimit()
	if len(matched) > limit {
		matched = matched[:limit]
	}
	return matched, nil
}

func (m *Memory) HasPurchase(_ context.Context, userID ledger.UserID, packageID string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, e := range m.entries[userID] {
		if e.Kind == ledger.KindPurchase && e.PackageID == packageID {
			return true, nil
		}
	}
	return false, nil
}

func (m *Memory) Verify(_ context.Context, userID ledger.UserID) (ledger.VerifyReport, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	b := m.balances[userID]
	sum := ledger.Sum(m.entries[userID])

	if sum != b.Tokens && !b.Frozen {
		b.UserID = userID
		b.Frozen = true
		b.UpdatedAt = time.Now().UTC()
		m.balances[userID] = b
	}

	return ledger.VerifyReport{
		UserID:       userID,
		Materialized: b.Tokens,
		LedgerSum:    sum,
		Frozen:       b.Frozen,
	}, nil
}

// Corrupt overwrites the materialized balance without touching the ledger.
// Test hook for exercising drift detection.
func (m *Memory) Corrupt(userID ledger.UserID, tokens int64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	b := m.balances[userID]
	b.UserID = userID
	b.Tokens = tokens
	m.balances[userID] = b
}
