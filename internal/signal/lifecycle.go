package signal

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/focusloop/regulation-engine/internal/audit"
)

// #region lifecycle
// Lifecycle owns candidate status transitions. Candidates are never hard
// deleted by a transition; invalidated and deleted rows are retained for
// audit until an explicit purge.
type Lifecycle struct {
	db *sql.DB
}

// NewLifecycle ensures the signal schema and returns a lifecycle manager.
func NewLifecycle(db *sql.DB) (*Lifecycle, error) {
	if err := EnsureSchema(db); err != nil {
		return nil, err
	}
	return &Lifecycle{db: db}, nil
}

// #endregion lifecycle

// #region invalidate
// InvalidateForEvents transitions every candidate-status signal whose
// provenance set intersects changedEventIDs to invalidated, writing one
// audit entry per transition. Idempotent: already-invalidated rows do not
// match and are untouched, so at-least-once delivery is safe. Returns the
// number of signals transitioned.
func (m *Lifecycle) InvalidateForEvents(ctx context.Context, userID string, changedEventIDs []string, reason string) (int, error) {
	if len(changedEventIDs) == 0 {
		return 0, nil
	}
	if reason == "" {
		reason = "source events changed"
	}

	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(changedEventIDs)), ",")
	args := []any{userID, string(StatusCandidate)}
	for _, id := range changedEventIDs {
		args = append(args, id)
	}

	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.Query(
		`SELECT DISTINCT cs.signal_id
		 FROM candidate_signals cs
		 JOIN signal_provenance sp ON sp.signal_id = cs.signal_id
		 WHERE cs.user_id = ? AND cs.status = ? AND sp.event_id IN (`+placeholders+`)`,
		args...,
	)
	if err != nil {
		return 0, fmt.Errorf("find affected: %w", err)
	}
	var affected []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return 0, fmt.Errorf("scan affected: %w", err)
		}
		affected = append(affected, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}

	now := time.Now().UTC().Format(time.RFC3339Nano)
	for _, signalID := range affected {
		_, err := tx.Exec(
			`UPDATE candidate_signals
			 SET status = ?, invalidated_at = ?, invalidated_reason = ?
			 WHERE signal_id = ?`,
			string(StatusInvalidated), now, reason, signalID,
		)
		if err != nil {
			return 0, fmt.Errorf("invalidate %s: %w", signalID, err)
		}
		err = audit.Append(tx, audit.Entry{
			UserID:   userID,
			SignalID: signalID,
			Action:   audit.ActionInvalidated,
			Actor:    "lifecycle-manager",
			Reason:   reason,
		})
		if err != nil {
			return 0, err
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit: %w", err)
	}
	return len(affected), nil
}

// #endregion invalidate

// #region soft-delete
// SoftDelete marks a signal deleted without removing the row.
func (m *Lifecycle) SoftDelete(ctx context.Context, signalID string) error {
	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var userID string
	err = tx.QueryRow(`SELECT user_id FROM candidate_signals WHERE signal_id = ?`, signalID).Scan(&userID)
	if err == sql.ErrNoRows {
		return fmt.Errorf("%w: %s", ErrSignalNotFound, signalID)
	}
	if err != nil {
		return fmt.Errorf("read signal: %w", err)
	}

	_, err = tx.Exec(
		`UPDATE candidate_signals SET status = ? WHERE signal_id = ?`,
		string(StatusDeleted), signalID,
	)
	if err != nil {
		return fmt.Errorf("soft delete: %w", err)
	}
	err = audit.Append(tx, audit.Entry{
		UserID:   userID,
		SignalID: signalID,
		Action:   audit.ActionDeleted,
		Actor:    "lifecycle-manager",
	})
	if err != nil {
		return err
	}
	return tx.Commit()
}

// #endregion soft-delete

// #region purge
// PurgeBefore hard-deletes invalidated and deleted rows whose transition
// predates the horizon. Retention is a configuration knob, not engine
// policy; candidate-status rows are never purged.
func (m *Lifecycle) PurgeBefore(ctx context.Context, horizon time.Time) (int, error) {
	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	cutoff := horizon.UTC().Format(time.RFC3339Nano)
	_, err = tx.Exec(
		`DELETE FROM signal_provenance WHERE signal_id IN (
		   SELECT signal_id FROM candidate_signals
		   WHERE status IN (?, ?) AND COALESCE(invalidated_at, computed_at) < ?)`,
		string(StatusInvalidated), string(StatusDeleted), cutoff,
	)
	if err != nil {
		return 0, fmt.Errorf("purge provenance: %w", err)
	}
	res, err := tx.Exec(
		`DELETE FROM candidate_signals
		 WHERE status IN (?, ?) AND COALESCE(invalidated_at, computed_at) < ?`,
		string(StatusInvalidated), string(StatusDeleted), cutoff,
	)
	if err != nil {
		return 0, fmt.Errorf("purge candidates: %w", err)
	}
	n, _ := res.RowsAffected()
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit: %w", err)
	}
	return int(n), nil
}

// #endregion purge
