package behavior

import "time"

// #region event-type
// EventType classifies a raw user-behavior event emitted by the CRUD domains.
type EventType string

const (
	EventContextSwitch EventType = "context_switch"
	EventTaskCreated   EventType = "task_created"
	EventTaskCompleted EventType = "task_completed"
	EventFocusStarted  EventType = "focus_started"
	EventFocusStopped  EventType = "focus_stopped"
	EventBreakTaken    EventType = "break_taken"
	EventCaptureSaved  EventType = "capture_saved"
	EventRuleViolation EventType = "rule_violation"
)

// #endregion event-type

// #region event
// Event is one row in the append-only behavior event log. The log is
// strictly upstream: the engine reads it and never edits it. Late is set
// when the event arrived outside the bounded lateness window; late events
// are stored but excluded from forward-only surfacer windows.
type Event struct {
	ID         string
	UserID     string
	ScopeID    string
	Type       EventType
	Severity   int
	OccurredAt time.Time
	RecordedAt time.Time
	Late       bool
	Metadata   map[string]any
}

// #endregion event
