package signal

import (
	"errors"
	"fmt"
	"time"

	"github.com/focusloop/regulation-engine/internal/consent"
)

// #region key
// Key identifies a computed signal rule. The set is closed and versioned
// with the engine; unknown keys are rejected, never guessed.
type Key string

const (
	KeySessionStructures Key = "session_structures"
	KeyActivityRhythm    Key = "activity_rhythm"
	KeyCaptureCoverage   Key = "capture_coverage"
)

// ErrUnknownSignalKey is returned for keys outside the closed set.
var ErrUnknownSignalKey = errors.New("unknown signal key")

// ruleVersions pins the current algorithm version per key. Bumping a version
// is a deploy-time decision; recomputation under a new version creates a new
// candidate rather than updating the old one.
var ruleVersions = map[Key]int{
	KeySessionStructures: 1,
	KeyActivityRhythm:    1,
	KeyCaptureCoverage:   1,
}

// ParseKey validates a key string against the closed set.
func ParseKey(s string) (Key, error) {
	if _, ok := ruleVersions[Key(s)]; !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownSignalKey, s)
	}
	return Key(s), nil
}

// KeyCategory maps a signal key to the consent category that gates it.
func KeyCategory(k Key) consent.Category {
	switch k {
	case KeySessionStructures:
		return consent.CategorySessionStructures
	case KeyActivityRhythm:
		return consent.CategoryActivityRhythm
	case KeyCaptureCoverage:
		return consent.CategoryCapturePatterns
	}
	return ""
}

// #endregion key

// #region status
// Status tracks a candidate signal's lifecycle. Candidates are created by
// the computation engine and only ever move forward; recomputation creates
// a new record instead of updating in place.
type Status string

const (
	StatusCandidate   Status = "candidate"
	StatusInvalidated Status = "invalidated"
	StatusDeleted     Status = "deleted"
)

// #endregion status

// #region time-range
// TimeRange is a closed interval with Start <= End.
type TimeRange struct {
	Start time.Time
	End   time.Time
}

// Valid reports whether the range is ordered.
func (r TimeRange) Valid() bool {
	return !r.Start.After(r.End)
}

// #endregion time-range

// #region candidate
// Candidate is a computed, provenance-backed behavioral observation. Values
// use neutral vocabulary only; judgment, if any, belongs to presentation
// layers outside this engine.
type Candidate struct {
	SignalID           string
	UserID             string
	Key                Key
	Version            int
	Range              TimeRange
	Value              map[string]any
	Confidence         float64
	ProvenanceEventIDs []string
	ProvenanceHash     string
	Parameters         map[string]float64
	ComputedAt         time.Time
	Status             Status
	InvalidatedAt      *time.Time
	InvalidatedReason  string
}

// #endregion candidate

// #region errors
// ErrConsentDenied is returned when computation is attempted without an
// active grant. Callers surface or swallow it explicitly; it is never
// silently skipped inside the engine.
var ErrConsentDenied = errors.New("consent denied")

// ErrInvalidProvenance is returned for an empty or dangling source event set.
var ErrInvalidProvenance = errors.New("invalid provenance")

// ErrSignalNotFound is returned for lifecycle operations on unknown signals.
var ErrSignalNotFound = errors.New("signal not found")

// #endregion errors

// #region filter
// Filter narrows ListCandidates reads.
type Filter struct {
	Key    Key    // empty = all keys
	Status Status // empty = all statuses
	Limit  int    // 0 = default 100
}

// #endregion filter
