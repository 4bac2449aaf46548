package regulation

import (
	"errors"
	"fmt"
	"time"
)

// #region event-type
// EventType is a closed regulation event category. The derivative
// level_escalated/level_deescalated types are appended by the machine
// itself, never by callers.
type EventType string

const (
	EventTaskCompleted  EventType = "task_completed"
	EventDeadlineMissed EventType = "deadline_missed"
	EventDriftDetected  EventType = "drift_detected"
	EventFocusCompleted EventType = "focus_completed"
	EventFocusAbandoned EventType = "focus_abandoned"
	EventScopeExpanded  EventType = "scope_expanded"
	EventRuleViolation  EventType = "rule_violation"

	EventLevelEscalated   EventType = "level_escalated"
	EventLevelDeescalated EventType = "level_deescalated"
)

// ErrUnknownEventType is returned for event types outside the closed set.
var ErrUnknownEventType = errors.New("unknown regulation event type")

// ParseEventType validates a caller-supplied event type. Derivative types
// are rejected here: only the machine may append them.
func ParseEventType(s string) (EventType, error) {
	switch EventType(s) {
	case EventTaskCompleted, EventDeadlineMissed, EventDriftDetected,
		EventFocusCompleted, EventFocusAbandoned, EventScopeExpanded, EventRuleViolation:
		return EventType(s), nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownEventType, s)
}

// #endregion event-type

// #region event
// Event is one row in the append-only regulation event log, the sole input
// that moves trust_score.
type Event struct {
	ID            string
	UserID        string
	ScopeID       string
	Type          EventType
	Severity      int // 1..5
	ImpactOnTrust int // signed delta actually applied
	Metadata      map[string]any
	CreatedAt     time.Time
}

// #endregion event

// #region state
// WeekCounters are rolling 7-day counts recomputed from the event log on
// every transition.
type WeekCounters struct {
	DriftEvents     int
	MissedDeadlines int
	Completions     int
}

// State is the single regulation row per (user, scope). Level is derived
// from TrustScore via LevelForTrust and is never set directly.
type State struct {
	UserID            string
	ScopeID           string
	Level             int // 1 most permissive .. 5 most restrictive
	TrustScore        int // 0..100
	RuleBreakCount    int
	ConsecutiveWins   int
	ConsecutiveLosses int
	Week              WeekCounters
	LastLevelChangeAt *time.Time
	UpdatedAt         time.Time
	Version           int64
}

// #endregion state

// #region errors
// ErrStaleWrite reports a concurrent modification detected by the version
// check. The caller retries; the machine never auto-merges.
var ErrStaleWrite = errors.New("stale write on regulation state")

// ErrStateNotFound is returned by reads for a (user, scope) pair that has
// never recorded an event.
var ErrStateNotFound = errors.New("regulation state not found")

// #endregion errors
