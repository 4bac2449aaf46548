package behavior

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/focusloop/regulation-engine/internal/store"
	"github.com/google/uuid"
)

// #region schema
const schema = `
CREATE TABLE IF NOT EXISTS behavior_events (
	id           TEXT PRIMARY KEY,
	user_id      TEXT NOT NULL,
	scope_id     TEXT,
	event_type   TEXT NOT NULL,
	severity     INTEGER NOT NULL DEFAULT 1,
	occurred_at  TEXT NOT NULL,
	recorded_at  TEXT NOT NULL,
	late         INTEGER NOT NULL DEFAULT 0,
	metadata     TEXT
);
CREATE INDEX IF NOT EXISTS idx_behavior_user_time ON behavior_events(user_id, occurred_at);
`

// #endregion schema

// #region log
// Log is the engine-side store for the behavior event stream. Append-only;
// out-of-order delivery is tolerated within the lateness window.
type Log struct {
	db       *sql.DB
	lateness time.Duration
}

// NewLog ensures the schema and returns a log with the given lateness window.
func NewLog(db *sql.DB, lateness time.Duration) (*Log, error) {
	if err := store.Migrate(db, schema); err != nil {
		return nil, err
	}
	return &Log{db: db, lateness: lateness}, nil
}

// #endregion log

// #region append
// Append stores one event, assigning an id when absent. Events older than
// the lateness window are accepted but flagged late.
func (l *Log) Append(ctx context.Context, ev Event) (Event, error) {
	if ev.ID == "" {
		ev.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	if ev.OccurredAt.IsZero() {
		ev.OccurredAt = now
	}
	ev.RecordedAt = now
	if ev.Severity == 0 {
		ev.Severity = 1
	}
	ev.Late = now.Sub(ev.OccurredAt) > l.lateness

	var metaJSON any
	if len(ev.Metadata) > 0 {
		b, err := json.Marshal(ev.Metadata)
		if err != nil {
			return Event{}, fmt.Errorf("marshal metadata: %w", err)
		}
		metaJSON = string(b)
	}

	_, err := l.db.ExecContext(ctx,
		`INSERT INTO behavior_events (id, user_id, scope_id, event_type, severity, occurred_at, recorded_at, late, metadata)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ev.ID, ev.UserID, nullIfEmpty(ev.ScopeID), string(ev.Type), ev.Severity,
		ev.OccurredAt.Format(time.RFC3339Nano), ev.RecordedAt.Format(time.RFC3339Nano),
		boolToInt(ev.Late), metaJSON,
	)
	if err != nil {
		return Event{}, fmt.Errorf("append event: %w", err)
	}
	return ev, nil
}

// #endregion append

// #region reads
// ListRange returns a user's events with occurred_at in [from, to], oldest
// first. Late events are included; callers that must not see them filter on
// Event.Late.
func (l *Log) ListRange(ctx context.Context, userID string, from, to time.Time) ([]Event, error) {
	rows, err := l.db.QueryContext(ctx,
		`SELECT id, user_id, scope_id, event_type, severity, occurred_at, recorded_at, late, metadata
		 FROM behavior_events
		 WHERE user_id = ? AND occurred_at >= ? AND occurred_at <= ?
		 ORDER BY occurred_at ASC`,
		userID, from.UTC().Format(time.RFC3339Nano), to.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return nil, fmt.Errorf("list range: %w", err)
	}
	defer rows.Close()
	return scanEvents(rows)
}

// ListRecent returns the user's non-late events from the trailing window,
// oldest first. This is the surfacer's forward-only read: events that
// arrived late never enter it, so an already-surfaced signal cannot change
// retroactively.
func (l *Log) ListRecent(ctx context.Context, userID string, window time.Duration) ([]Event, error) {
	cutoff := time.Now().UTC().Add(-window)
	rows, err := l.db.QueryContext(ctx,
		`SELECT id, user_id, scope_id, event_type, severity, occurred_at, recorded_at, late, metadata
		 FROM behavior_events
		 WHERE user_id = ? AND occurred_at >= ? AND late = 0
		 ORDER BY occurred_at ASC`,
		userID, cutoff.Format(time.RFC3339Nano),
	)
	if err != nil {
		return nil, fmt.Errorf("list recent: %w", err)
	}
	defer rows.Close()
	return scanEvents(rows)
}

// ActiveUsers returns the distinct users with any event in the trailing
// window. The engine's periodic surfacer pass iterates over this set.
func (l *Log) ActiveUsers(ctx context.Context, window time.Duration) ([]string, error) {
	cutoff := time.Now().UTC().Add(-window).Format(time.RFC3339Nano)
	rows, err := l.db.QueryContext(ctx,
		`SELECT DISTINCT user_id FROM behavior_events WHERE occurred_at >= ? ORDER BY user_id`,
		cutoff,
	)
	if err != nil {
		return nil, fmt.Errorf("active users: %w", err)
	}
	defer rows.Close()

	var users []string
	for rows.Next() {
		var u string
		if err := rows.Scan(&u); err != nil {
			return nil, fmt.Errorf("scan user: %w", err)
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

// Get resolves a set of event ids. Missing ids are simply absent from the
// result; the caller decides whether a dangling id is an error.
func (l *Log) Get(ctx context.Context, ids []string) ([]Event, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	rows, err := l.db.QueryContext(ctx,
		`SELECT id, user_id, scope_id, event_type, severity, occurred_at, recorded_at, late, metadata
		 FROM behavior_events WHERE id IN (`+placeholders+`) ORDER BY occurred_at ASC`,
		args...,
	)
	if err != nil {
		return nil, fmt.Errorf("get events: %w", err)
	}
	defer rows.Close()
	return scanEvents(rows)
}

// #endregion reads

// #region helpers
func scanEvents(rows *sql.Rows) ([]Event, error) {
	var events []Event
	for rows.Next() {
		var ev Event
		var scopeID, metaJSON sql.NullString
		var occurredStr, recordedStr string
		var late int
		if err := rows.Scan(&ev.ID, &ev.UserID, &scopeID, &ev.Type, &ev.Severity, &occurredStr, &recordedStr, &late, &metaJSON); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		ev.ScopeID = scopeID.String
		ev.OccurredAt, _ = time.Parse(time.RFC3339Nano, occurredStr)
		ev.RecordedAt, _ = time.Parse(time.RFC3339Nano, recordedStr)
		ev.Late = late != 0
		if metaJSON.Valid && metaJSON.String != "" {
			if err := json.Unmarshal([]byte(metaJSON.String), &ev.Metadata); err != nil {
				return nil, fmt.Errorf("unmarshal metadata: %w", err)
			}
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// #endregion helpers
