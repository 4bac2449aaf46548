package signal

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/focusloop/regulation-engine/internal/audit"
	"github.com/focusloop/regulation-engine/internal/store"
)

// #region schema
const schema = `
CREATE TABLE IF NOT EXISTS candidate_signals (
	signal_id          TEXT PRIMARY KEY,
	user_id            TEXT NOT NULL,
	signal_key         TEXT NOT NULL,
	signal_version     INTEGER NOT NULL,
	range_start        TEXT NOT NULL,
	range_end          TEXT NOT NULL,
	value_json         TEXT NOT NULL,
	confidence         REAL NOT NULL,
	provenance_hash    TEXT NOT NULL,
	parameters_json    TEXT NOT NULL,
	computed_at        TEXT NOT NULL,
	status             TEXT NOT NULL,
	invalidated_at     TEXT,
	invalidated_reason TEXT
);
CREATE INDEX IF NOT EXISTS idx_candidate_user ON candidate_signals(user_id, signal_key, status);
CREATE INDEX IF NOT EXISTS idx_candidate_hash ON candidate_signals(user_id, signal_key, signal_version, provenance_hash);

CREATE TABLE IF NOT EXISTS signal_provenance (
	signal_id TEXT NOT NULL,
	event_id  TEXT NOT NULL,
	PRIMARY KEY (signal_id, event_id),
	FOREIGN KEY (signal_id) REFERENCES candidate_signals(signal_id)
);
CREATE INDEX IF NOT EXISTS idx_provenance_event ON signal_provenance(event_id);
`

// EnsureSchema creates the candidate signal tables. Compute and lifecycle
// transitions append audit entries transactionally, so the audit schema is
// ensured alongside.
func EnsureSchema(db *sql.DB) error {
	if err := store.Migrate(db, schema); err != nil {
		return err
	}
	return audit.EnsureSchema(db)
}

// #endregion schema

// #region insert
// insertCandidate writes a candidate and its provenance set in one
// transaction. The provenance join table is what makes event-intersection
// invalidation a direct query.
func insertCandidate(tx *sql.Tx, c Candidate) error {
	valueJSON, err := json.Marshal(c.Value)
	if err != nil {
		return fmt.Errorf("marshal value: %w", err)
	}
	paramsJSON, err := json.Marshal(c.Parameters)
	if err != nil {
		return fmt.Errorf("marshal parameters: %w", err)
	}

	_, err = tx.Exec(
		`INSERT INTO candidate_signals
		 (signal_id, user_id, signal_key, signal_version, range_start, range_end,
		  value_json, confidence, provenance_hash, parameters_json, computed_at, status)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.SignalID, c.UserID, string(c.Key), c.Version,
		c.Range.Start.UTC().Format(time.RFC3339Nano), c.Range.End.UTC().Format(time.RFC3339Nano),
		string(valueJSON), c.Confidence, c.ProvenanceHash, string(paramsJSON),
		c.ComputedAt.Format(time.RFC3339Nano), string(c.Status),
	)
	if err != nil {
		return fmt.Errorf("insert candidate: %w", err)
	}

	for _, eventID := range c.ProvenanceEventIDs {
		if _, err := tx.Exec(
			`INSERT INTO signal_provenance (signal_id, event_id) VALUES (?, ?)`,
			c.SignalID, eventID,
		); err != nil {
			return fmt.Errorf("insert provenance: %w", err)
		}
	}
	return nil
}

// #endregion insert

// #region reads
// findByHash returns the existing candidate-status record for an identical
// computation, if any. This is the idempotence lookup.
func findByHash(db *sql.DB, userID string, key Key, version int, hash string) (*Candidate, error) {
	row := db.QueryRow(
		`SELECT signal_id FROM candidate_signals
		 WHERE user_id = ? AND signal_key = ? AND signal_version = ? AND provenance_hash = ? AND status = ?`,
		userID, string(key), version, hash, string(StatusCandidate),
	)
	var id string
	err := row.Scan(&id)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find by hash: %w", err)
	}
	return getCandidate(db, id)
}

// getCandidate loads a single candidate with its provenance set.
func getCandidate(db *sql.DB, signalID string) (*Candidate, error) {
	row := db.QueryRow(
		`SELECT signal_id, user_id, signal_key, signal_version, range_start, range_end,
		        value_json, confidence, provenance_hash, parameters_json, computed_at,
		        status, invalidated_at, invalidated_reason
		 FROM candidate_signals WHERE signal_id = ?`, signalID,
	)
	c, err := scanCandidate(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: %s", ErrSignalNotFound, signalID)
	}
	if err != nil {
		return nil, fmt.Errorf("get candidate: %w", err)
	}

	rows, err := db.Query(`SELECT event_id FROM signal_provenance WHERE signal_id = ? ORDER BY event_id`, signalID)
	if err != nil {
		return nil, fmt.Errorf("get provenance: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var eventID string
		if err := rows.Scan(&eventID); err != nil {
			return nil, fmt.Errorf("scan provenance: %w", err)
		}
		c.ProvenanceEventIDs = append(c.ProvenanceEventIDs, eventID)
	}
	return c, rows.Err()
}

// ListCandidates is the transparency/debugging read behind the
// testing-mode inspection surface.
func ListCandidates(ctx context.Context, db *sql.DB, userID string, f Filter) ([]Candidate, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT signal_id, user_id, signal_key, signal_version, range_start, range_end,
	                 value_json, confidence, provenance_hash, parameters_json, computed_at,
	                 status, invalidated_at, invalidated_reason
	          FROM candidate_signals WHERE user_id = ?`
	args := []any{userID}
	if f.Key != "" {
		query += ` AND signal_key = ?`
		args = append(args, string(f.Key))
	}
	if f.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(f.Status))
	}
	query += ` ORDER BY computed_at DESC LIMIT ?`
	args = append(args, limit)

	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list candidates: %w", err)
	}
	defer rows.Close()

	var out []Candidate
	for rows.Next() {
		c, err := scanCandidate(rows)
		if err != nil {
			return nil, fmt.Errorf("scan candidate: %w", err)
		}
		out = append(out, *c)
	}
	return out, rows.Err()
}

// #endregion reads

// #region scan
type rowScanner interface {
	Scan(dest ...any) error
}

func scanCandidate(row rowScanner) (*Candidate, error) {
	var c Candidate
	var startStr, endStr, valueJSON, paramsJSON, computedStr string
	var invalidatedAt, invalidatedReason sql.NullString
	err := row.Scan(
		&c.SignalID, &c.UserID, &c.Key, &c.Version, &startStr, &endStr,
		&valueJSON, &c.Confidence, &c.ProvenanceHash, &paramsJSON, &computedStr,
		&c.Status, &invalidatedAt, &invalidatedReason,
	)
	if err != nil {
		return nil, err
	}
	c.Range.Start, _ = time.Parse(time.RFC3339Nano, startStr)
	c.Range.End, _ = time.Parse(time.RFC3339Nano, endStr)
	if err := json.Unmarshal([]byte(valueJSON), &c.Value); err != nil {
		return nil, fmt.Errorf("unmarshal value: %w", err)
	}
	if err := json.Unmarshal([]byte(paramsJSON), &c.Parameters); err != nil {
		return nil, fmt.Errorf("unmarshal parameters: %w", err)
	}
	c.ComputedAt, _ = time.Parse(time.RFC3339Nano, computedStr)
	if invalidatedAt.Valid && invalidatedAt.String != "" {
		t, perr := time.Parse(time.RFC3339Nano, invalidatedAt.String)
		if perr == nil {
			c.InvalidatedAt = &t
		}
	}
	c.InvalidatedReason = invalidatedReason.String
	return &c, nil
}

// #endregion scan
