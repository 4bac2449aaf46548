package audit

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/focusloop/regulation-engine/internal/store"
	"github.com/google/uuid"
)

// #region schema
const schema = `
CREATE TABLE IF NOT EXISTS signal_audit (
	audit_id    TEXT PRIMARY KEY,
	user_id     TEXT NOT NULL,
	signal_id   TEXT,
	action      TEXT NOT NULL,
	actor       TEXT NOT NULL,
	reason      TEXT,
	metadata    TEXT,
	created_at  TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_signal_audit_user ON signal_audit(user_id, created_at);
`

// EnsureSchema creates the audit table.
func EnsureSchema(db *sql.DB) error {
	return store.Migrate(db, schema)
}

// #endregion schema

// #region append
// Append writes one audit entry. It accepts an Execer so callers can append
// inside the same transaction that performs the audited state change.
func Append(ex store.Execer, entry Entry) error {
	if entry.AuditID == "" {
		entry.AuditID = uuid.New().String()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}

	var metaJSON any
	if len(entry.Metadata) > 0 {
		b, err := json.Marshal(entry.Metadata)
		if err != nil {
			return fmt.Errorf("marshal metadata: %w", err)
		}
		metaJSON = string(b)
	}

	_, err := ex.Exec(
		`INSERT INTO signal_audit (audit_id, user_id, signal_id, action, actor, reason, metadata, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.AuditID,
		entry.UserID,
		nullIfEmpty(entry.SignalID),
		string(entry.Action),
		entry.Actor,
		nullIfEmpty(entry.Reason),
		metaJSON,
		entry.CreatedAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("append audit: %w", err)
	}
	return nil
}

// #endregion append

// #region list
// ListForUser returns the most recent audit entries for a user.
func ListForUser(db *sql.DB, userID string, limit int) ([]Entry, error) {
	rows, err := db.Query(
		`SELECT audit_id, user_id, signal_id, action, actor, reason, metadata, created_at
		 FROM signal_audit WHERE user_id = ? ORDER BY created_at DESC LIMIT ?`,
		userID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list audit: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		var signalID, reason, metaJSON sql.NullString
		var createdStr string
		if err := rows.Scan(&e.AuditID, &e.UserID, &signalID, &e.Action, &e.Actor, &reason, &metaJSON, &createdStr); err != nil {
			return nil, fmt.Errorf("scan audit row: %w", err)
		}
		e.SignalID = signalID.String
		e.Reason = reason.String
		if metaJSON.Valid && metaJSON.String != "" {
			if err := json.Unmarshal([]byte(metaJSON.String), &e.Metadata); err != nil {
				return nil, fmt.Errorf("unmarshal metadata: %w", err)
			}
		}
		e.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdStr)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// CountForSignal returns the number of audit entries recorded for a signal.
func CountForSignal(db *sql.DB, signalID string) (int, error) {
	var n int
	err := db.QueryRow(`SELECT COUNT(*) FROM signal_audit WHERE signal_id = ?`, signalID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count audit: %w", err)
	}
	return n, nil
}

// #endregion list

// #region helpers
func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// #endregion helpers
