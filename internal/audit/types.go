package audit

import "time"

// #region action
// Action enumerates the state-changing actions recorded in the audit trail.
type Action string

const (
	ActionComputed       Action = "computed"
	ActionInvalidated    Action = "invalidated"
	ActionDeleted        Action = "deleted"
	ActionConsentGranted Action = "consent_granted"
	ActionConsentRevoked Action = "consent_revoked"
)

// #endregion action

// #region entry
// Entry is a single row in the signal audit trail. Entries are append-only
// and are never mutated or deleted.
type Entry struct {
	AuditID   string
	UserID    string
	SignalID  string // empty for consent actions
	Action    Action
	Actor     string
	Reason    string
	Metadata  map[string]any
	CreatedAt time.Time
}

// #endregion entry
