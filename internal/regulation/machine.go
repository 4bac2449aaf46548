package regulation

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/focusloop/regulation-engine/internal/params"
	"github.com/focusloop/regulation-engine/internal/store"
	"github.com/google/uuid"
)

// #region schema
const schema = `
CREATE TABLE IF NOT EXISTS regulation_states (
	user_id              TEXT NOT NULL,
	scope_id             TEXT NOT NULL DEFAULT '',
	level                INTEGER NOT NULL,
	trust_score          INTEGER NOT NULL,
	rule_break_count     INTEGER NOT NULL DEFAULT 0,
	consecutive_wins     INTEGER NOT NULL DEFAULT 0,
	consecutive_losses   INTEGER NOT NULL DEFAULT 0,
	week_drift           INTEGER NOT NULL DEFAULT 0,
	week_missed          INTEGER NOT NULL DEFAULT 0,
	week_completions     INTEGER NOT NULL DEFAULT 0,
	last_level_change_at TEXT,
	updated_at           TEXT NOT NULL,
	version              INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (user_id, scope_id)
);

CREATE TABLE IF NOT EXISTS regulation_events (
	id              TEXT PRIMARY KEY,
	user_id         TEXT NOT NULL,
	scope_id        TEXT NOT NULL DEFAULT '',
	event_type      TEXT NOT NULL,
	severity        INTEGER NOT NULL,
	impact_on_trust INTEGER NOT NULL,
	metadata        TEXT,
	created_at      TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_regulation_events_scope ON regulation_events(user_id, scope_id, created_at);
`

// #endregion schema

// #region machine
// Machine maintains one regulation state per (user, scope), driven solely
// by the append-only event log. Callers serialize per user (see
// internal/engine); the version column catches writes that slip past that.
type Machine struct {
	db     *sql.DB
	params *params.Store
}

// NewMachine ensures the regulation schema and returns a machine.
func NewMachine(db *sql.DB, p *params.Store) (*Machine, error) {
	if err := store.Migrate(db, schema); err != nil {
		return nil, err
	}
	return &Machine{db: db, params: p}, nil
}

// #endregion machine

// #region record-event
// RecordEvent appends one regulation event, folds its impact into the
// state, and commits the whole transition atomically. On a level change it
// also appends exactly one level_escalated or level_deescalated derivative
// event and stamps last_level_change_at. On any failure the prior state
// stands unchanged.
func (m *Machine) RecordEvent(ctx context.Context, userID, scopeID string, eventType EventType, severity int, metadata map[string]any) (State, error) {
	if _, err := ParseEventType(string(eventType)); err != nil {
		return State{}, err
	}
	severity = clampSeverity(severity)
	base, err := m.params.Get(ctx, userID, "trust.delta."+string(eventType))
	if err != nil {
		return State{}, err
	}
	impact := ScaleImpact(base, severity)
	now := time.Now().UTC()

	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return State{}, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	prev, created, err := loadOrInitState(tx, userID, scopeID, now)
	if err != nil {
		return State{}, err
	}

	next := ApplyEvent(prev, eventType, impact, now)

	ev := Event{
		ID:            uuid.New().String(),
		UserID:        userID,
		ScopeID:       scopeID,
		Type:          eventType,
		Severity:      severity,
		ImpactOnTrust: impact,
		Metadata:      metadata,
		CreatedAt:     now,
	}
	if err := insertEvent(tx, ev); err != nil {
		return State{}, err
	}

	if next.Level != prev.Level {
		derivType := EventLevelEscalated
		if next.Level < prev.Level {
			derivType = EventLevelDeescalated
		}
		deriv := Event{
			ID:       uuid.New().String(),
			UserID:   userID,
			ScopeID:  scopeID,
			Type:     derivType,
			Severity: 1,
			Metadata: map[string]any{
				"from_level":  prev.Level,
				"to_level":    next.Level,
				"trust_score": next.TrustScore,
				"cause":       string(eventType),
			},
			CreatedAt: now,
		}
		if err := insertEvent(tx, deriv); err != nil {
			return State{}, err
		}
	}

	next.Week, err = weekCounters(tx, userID, scopeID, now)
	if err != nil {
		return State{}, err
	}

	if err := writeState(tx, next, prev.Version, created); err != nil {
		return State{}, err
	}
	if err := tx.Commit(); err != nil {
		return State{}, fmt.Errorf("commit: %w", err)
	}
	return next, nil
}

// #endregion record-event

// #region get-state
// GetState reads the regulation state for a (user, scope) pair.
func (m *Machine) GetState(ctx context.Context, userID, scopeID string) (State, error) {
	return readState(m.db, userID, scopeID)
}

// Scopes returns every scope id a user holds regulation state for.
func (m *Machine) Scopes(ctx context.Context, userID string) ([]string, error) {
	rows, err := m.db.QueryContext(ctx,
		`SELECT scope_id FROM regulation_states WHERE user_id = ? ORDER BY scope_id`, userID)
	if err != nil {
		return nil, fmt.Errorf("list scopes: %w", err)
	}
	defer rows.Close()

	var scopes []string
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, fmt.Errorf("scan scope: %w", err)
		}
		scopes = append(scopes, s)
	}
	return scopes, rows.Err()
}

// ListEvents returns the most recent regulation events for a scope,
// derivative events included.
func (m *Machine) ListEvents(ctx context.Context, userID, scopeID string, limit int) ([]Event, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := m.db.QueryContext(ctx,
		`SELECT id, user_id, scope_id, event_type, severity, impact_on_trust, metadata, created_at
		 FROM regulation_events WHERE user_id = ? AND scope_id = ?
		 ORDER BY created_at DESC LIMIT ?`,
		userID, scopeID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var ev Event
		var metaJSON sql.NullString
		var createdStr string
		if err := rows.Scan(&ev.ID, &ev.UserID, &ev.ScopeID, &ev.Type, &ev.Severity, &ev.ImpactOnTrust, &metaJSON, &createdStr); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		if metaJSON.Valid && metaJSON.String != "" {
			if err := json.Unmarshal([]byte(metaJSON.String), &ev.Metadata); err != nil {
				return nil, fmt.Errorf("unmarshal metadata: %w", err)
			}
		}
		ev.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdStr)
		events = append(events, ev)
	}
	return events, rows.Err()
}

// #endregion get-state

// #region persistence
type queryer interface {
	QueryRow(query string, args ...any) *sql.Row
}

func loadOrInitState(q queryer, userID, scopeID string, now time.Time) (State, bool, error) {
	s, err := scanStateRow(q, userID, scopeID)
	if err == sql.ErrNoRows {
		return InitialState(userID, scopeID, now), true, nil
	}
	if err != nil {
		return State{}, false, fmt.Errorf("load state: %w", err)
	}
	return s, false, nil
}

func readState(q queryer, userID, scopeID string) (State, error) {
	s, err := scanStateRow(q, userID, scopeID)
	if err == sql.ErrNoRows {
		return State{}, fmt.Errorf("%w: user %s scope %q", ErrStateNotFound, userID, scopeID)
	}
	if err != nil {
		return State{}, fmt.Errorf("read state: %w", err)
	}
	return s, nil
}

func scanStateRow(q queryer, userID, scopeID string) (State, error) {
	var s State
	var lastChange sql.NullString
	var updatedStr string
	err := q.QueryRow(
		`SELECT user_id, scope_id, level, trust_score, rule_break_count,
		        consecutive_wins, consecutive_losses, week_drift, week_missed,
		        week_completions, last_level_change_at, updated_at, version
		 FROM regulation_states WHERE user_id = ? AND scope_id = ?`,
		userID, scopeID,
	).Scan(&s.UserID, &s.ScopeID, &s.Level, &s.TrustScore, &s.RuleBreakCount,
		&s.ConsecutiveWins, &s.ConsecutiveLosses, &s.Week.DriftEvents, &s.Week.MissedDeadlines,
		&s.Week.Completions, &lastChange, &updatedStr, &s.Version)
	if err != nil {
		return State{}, err
	}
	if lastChange.Valid && lastChange.String != "" {
		t, perr := time.Parse(time.RFC3339Nano, lastChange.String)
		if perr == nil {
			s.LastLevelChangeAt = &t
		}
	}
	s.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedStr)
	return s, nil
}

func writeState(tx *sql.Tx, s State, prevVersion int64, created bool) error {
	var lastChange any
	if s.LastLevelChangeAt != nil {
		lastChange = s.LastLevelChangeAt.UTC().Format(time.RFC3339Nano)
	}
	updated := s.UpdatedAt.Format(time.RFC3339Nano)

	if created {
		_, err := tx.Exec(
			`INSERT INTO regulation_states
			 (user_id, scope_id, level, trust_score, rule_break_count, consecutive_wins,
			  consecutive_losses, week_drift, week_missed, week_completions,
			  last_level_change_at, updated_at, version)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			s.UserID, s.ScopeID, s.Level, s.TrustScore, s.RuleBreakCount, s.ConsecutiveWins,
			s.ConsecutiveLosses, s.Week.DriftEvents, s.Week.MissedDeadlines, s.Week.Completions,
			lastChange, updated, s.Version,
		)
		if err != nil {
			return fmt.Errorf("insert state: %w", err)
		}
		return nil
	}

	res, err := tx.Exec(
		`UPDATE regulation_states SET
		   level = ?, trust_score = ?, rule_break_count = ?, consecutive_wins = ?,
		   consecutive_losses = ?, week_drift = ?, week_missed = ?, week_completions = ?,
		   last_level_change_at = COALESCE(?, last_level_change_at), updated_at = ?, version = ?
		 WHERE user_id = ? AND scope_id = ? AND version = ?`,
		s.Level, s.TrustScore, s.RuleBreakCount, s.ConsecutiveWins,
		s.ConsecutiveLosses, s.Week.DriftEvents, s.Week.MissedDeadlines, s.Week.Completions,
		lastChange, updated, s.Version,
		s.UserID, s.ScopeID, prevVersion,
	)
	if err != nil {
		return fmt.Errorf("update state: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: user %s scope %q version %d", ErrStaleWrite, s.UserID, s.ScopeID, prevVersion)
	}
	return nil
}

func insertEvent(ex store.Execer, ev Event) error {
	var metaJSON any
	if len(ev.Metadata) > 0 {
		b, err := json.Marshal(ev.Metadata)
		if err != nil {
			return fmt.Errorf("marshal metadata: %w", err)
		}
		metaJSON = string(b)
	}
	_, err := ex.Exec(
		`INSERT INTO regulation_events (id, user_id, scope_id, event_type, severity, impact_on_trust, metadata, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		ev.ID, ev.UserID, ev.ScopeID, string(ev.Type), ev.Severity, ev.ImpactOnTrust,
		metaJSON, ev.CreatedAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	return nil
}

func weekCounters(q queryer, userID, scopeID string, now time.Time) (WeekCounters, error) {
	cutoff := now.Add(-7 * 24 * time.Hour).Format(time.RFC3339Nano)
	var w WeekCounters
	err := q.QueryRow(
		`SELECT
		   COUNT(CASE WHEN event_type = ? THEN 1 END),
		   COUNT(CASE WHEN event_type = ? THEN 1 END),
		   COUNT(CASE WHEN event_type = ? THEN 1 END)
		 FROM regulation_events
		 WHERE user_id = ? AND scope_id = ? AND created_at >= ?`,
		string(EventDriftDetected), string(EventDeadlineMissed), string(EventTaskCompleted),
		userID, scopeID, cutoff,
	).Scan(&w.DriftEvents, &w.MissedDeadlines, &w.Completions)
	if err != nil {
		return WeekCounters{}, fmt.Errorf("week counters: %w", err)
	}
	return w, nil
}

// #endregion persistence
