package params

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/focusloop/regulation-engine/internal/store"
)

// #region defaults
// Defaults are the engine-wide parameter values. The trust deltas and
// thresholds here are configuration, not domain truth; presets and manual
// edits layer per-user overrides on top.
var defaults = map[string]float64{
	"trust.delta.task_completed":  5,
	"trust.delta.deadline_missed": -12,
	"trust.delta.drift_detected":  -5,
	"trust.delta.focus_completed": 3,
	"trust.delta.focus_abandoned": -4,
	"trust.delta.scope_expanded":  -3,
	"trust.delta.rule_violation":  -8,

	"surfacer.horizon_minutes": 120,

	"definition.rapid_context_switching.active": 1,
	"definition.long_unbroken_stretch.active":   1,
	"definition.capture_burst.active":           1,
}

// ErrUnknownParameter is returned for names outside the closed set.
var ErrUnknownParameter = errors.New("unknown parameter")

// Names returns every known parameter name in a stable order.
func Names() []string {
	out := make([]string, 0, len(defaults))
	for name := range defaults {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Default returns the engine-wide default for a name.
func Default(name string) (float64, error) {
	v, ok := defaults[name]
	if !ok {
		return 0, fmt.Errorf("%w: %q", ErrUnknownParameter, name)
	}
	return v, nil
}

// #endregion defaults

// #region schema
const schema = `
CREATE TABLE IF NOT EXISTS user_parameters (
	user_id    TEXT NOT NULL,
	name       TEXT NOT NULL,
	value      REAL NOT NULL,
	updated_at TEXT NOT NULL,
	PRIMARY KEY (user_id, name)
);
`

// #endregion schema

// #region store
// ManualEditHook is called after a parameter is changed outside the preset
// mechanism. The preset layer registers one to sever preset linkage.
type ManualEditHook func(ctx context.Context, userID, name string) error

// Store resolves tunable parameters: per-user override when present,
// engine default otherwise.
type Store struct {
	db    *sql.DB
	hooks []ManualEditHook
}

// NewStore ensures the parameter schema and returns a store.
func NewStore(db *sql.DB) (*Store, error) {
	if err := store.Migrate(db, schema); err != nil {
		return nil, err
	}
	return &Store{db: db}, nil
}

// OnManualEdit registers a hook invoked on every Set.
func (s *Store) OnManualEdit(h ManualEditHook) {
	s.hooks = append(s.hooks, h)
}

// #endregion store

// #region get
// Get resolves the effective value for (user, name).
func (s *Store) Get(ctx context.Context, userID, name string) (float64, error) {
	def, err := Default(name)
	if err != nil {
		return 0, err
	}
	var v float64
	err = s.db.QueryRowContext(ctx,
		`SELECT value FROM user_parameters WHERE user_id = ? AND name = ?`,
		userID, name,
	).Scan(&v)
	if err == sql.ErrNoRows {
		return def, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read parameter: %w", err)
	}
	return v, nil
}

// #endregion get

// #region set
// Set writes a per-user override through the manual-edit path. Every
// registered hook runs after the write commits; a failing hook propagates.
func (s *Store) Set(ctx context.Context, userID, name string, value float64) error {
	if _, err := Default(name); err != nil {
		return err
	}
	if err := s.write(s.db, userID, name, value); err != nil {
		return err
	}
	for _, h := range s.hooks {
		if err := h(ctx, userID, name); err != nil {
			return err
		}
	}
	return nil
}

// SetWithin writes a per-user override inside the caller's transaction.
// This is the preset path: it does NOT fire manual-edit hooks.
func (s *Store) SetWithin(tx *sql.Tx, userID, name string, value float64) error {
	if _, err := Default(name); err != nil {
		return err
	}
	return s.write(tx, userID, name, value)
}

func (s *Store) write(ex store.Execer, userID, name string, value float64) error {
	_, err := ex.Exec(
		`INSERT INTO user_parameters (user_id, name, value, updated_at)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT(user_id, name) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		userID, name, value, time.Now().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("write parameter: %w", err)
	}
	return nil
}

// #endregion set
