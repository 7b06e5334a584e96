// Package metrics exposes Prometheus instrumentation for the token ledger.
//
// Counters are cheap and the cardinality is fixed, so everything is
// registered up front via promauto. The /metrics endpoint is mounted by
// the API router when enabled in config.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Debit/credit outcomes used as label values.
const (
	OutcomeApplied      = "applied"
	OutcomeDuplicate    = "duplicate"
	OutcomeInsufficient = "insufficient"
	OutcomeInvalid      = "invalid"
	OutcomeError        = "error"
)

var (
	// CreditsTotal counts credit attempts by outcome. "duplicate" is the
	// redelivered-webhook no-op path, not a failure.
	CreditsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "token_ledger_credits_total",
		Help: "Credit operations by outcome.",
	}, []string{"outcome"})

	// TokensCredited sums tokens actually credited (applied credits only).
	TokensCredited = promauto.NewCounter(prometheus.CounterOpts{
		Name: "token_ledger_tokens_credited_total",
		Help: "Total tokens credited from completed purchases.",
	})

	// DebitsTotal counts debit attempts by outcome.
	DebitsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "token_ledger_debits_total",
		Help: "Debit operations by outcome.",
	}, []string{"outcome"})

	// CompensationsTotal counts compensating credits after failed
	// downstream operations.
	CompensationsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "token_ledger_compensations_total",
		Help: "Compensating credits issued for failed paid operations.",
	})

	// DriftDetected counts ledger-sum mismatches. Any non-zero value is a
	// paging condition.
	DriftDetected = promauto.NewCounter(prometheus.CounterOpts{
		Name: "token_ledger_drift_detected_total",
		Help: "Accounts frozen after a balance/ledger-sum mismatch.",
	})
)
