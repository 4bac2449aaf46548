package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// #region counters
var (
	// SignalsComputed counts candidate signals created, by signal key.
	SignalsComputed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "regulation",
		Name:      "signals_computed_total",
		Help:      "Candidate signals computed, by signal key.",
	}, []string{"signal_key"})

	// SignalsInvalidated counts lifecycle invalidations.
	SignalsInvalidated = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "regulation",
		Name:      "signals_invalidated_total",
		Help:      "Candidate signals invalidated by upstream event changes.",
	})

	// ConsentDenials counts computations refused for lack of consent.
	ConsentDenials = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "regulation",
		Name:      "consent_denials_total",
		Help:      "Signal computations refused because no active grant held.",
	})

	// LevelChanges counts strictness level transitions, by direction.
	LevelChanges = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "regulation",
		Name:      "level_changes_total",
		Help:      "Strictness level transitions, by direction.",
	}, []string{"direction"})

	// ActiveSignalsSurfaced counts ephemeral signals created, by key.
	ActiveSignalsSurfaced = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "regulation",
		Name:      "active_signals_surfaced_total",
		Help:      "Ephemeral active signals surfaced, by signal key.",
	}, []string{"signal_key"})

	// PresetApplications counts preset applies and reverts, by outcome.
	PresetApplications = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "regulation",
		Name:      "preset_applications_total",
		Help:      "Preset applications and reverts, by operation and outcome.",
	}, []string{"operation", "outcome"})

	// InvalidationRetries counts async invalidation delivery attempts that failed.
	InvalidationRetries = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "regulation",
		Name:      "invalidation_retries_total",
		Help:      "Failed async invalidation attempts that were retried.",
	})
)

// #endregion counters
