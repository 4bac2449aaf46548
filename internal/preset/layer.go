package preset

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/focusloop/regulation-engine/internal/params"
	"github.com/focusloop/regulation-engine/internal/store"
	"github.com/google/uuid"
)

// #region schema
const schema = `
CREATE TABLE IF NOT EXISTS preset_applications (
	id              TEXT PRIMARY KEY,
	user_id         TEXT NOT NULL,
	preset_id       TEXT NOT NULL,
	applied_at      TEXT NOT NULL,
	changes_json    TEXT NOT NULL,
	reverted_at     TEXT,
	edited_manually INTEGER NOT NULL DEFAULT 0,
	edited_params   TEXT,
	notes           TEXT
);
CREATE INDEX IF NOT EXISTS idx_preset_app_user ON preset_applications(user_id, applied_at);
`

// #endregion schema

// #region layer
// Layer applies presets as deltas over the tunable parameter store,
// snapshotting prior values so every application is exactly reversible.
type Layer struct {
	db      *sql.DB
	params  *params.Store
	catalog *Catalog
}

// NewLayer ensures the schema, wires the manual-edit hook into the
// parameter store, and returns the layer.
func NewLayer(db *sql.DB, p *params.Store, catalog *Catalog) (*Layer, error) {
	if err := store.Migrate(db, schema); err != nil {
		return nil, err
	}
	l := &Layer{db: db, params: p, catalog: catalog}
	p.OnManualEdit(l.markEdited)
	return l, nil
}

// #endregion layer

// #region preview
// Preview computes the delta a preset would write without applying it.
// Callers show this to the user before confirming (preview-then-confirm).
func (l *Layer) Preview(ctx context.Context, userID, presetID string) ([]ParameterDelta, error) {
	p, err := l.catalog.Get(presetID)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(p.Parameters))
	for name := range p.Parameters {
		names = append(names, name)
	}
	sort.Strings(names)

	deltas := make([]ParameterDelta, 0, len(names))
	for _, name := range names {
		old, err := l.params.Get(ctx, userID, name)
		if err != nil {
			return nil, err
		}
		deltas = append(deltas, ParameterDelta{Name: name, Old: old, New: p.Parameters[name]})
	}
	return deltas, nil
}

// #endregion preview

// #region apply
// Apply writes every preset parameter and the delta snapshot in one
// transaction. Nothing is overwritten silently: the old value of every
// touched parameter is part of the recorded application.
func (l *Layer) Apply(ctx context.Context, userID, presetID string) (Application, error) {
	deltas, err := l.Preview(ctx, userID, presetID)
	if err != nil {
		return Application{}, err
	}

	app := Application{
		ID:        uuid.New().String(),
		UserID:    userID,
		PresetID:  presetID,
		AppliedAt: time.Now().UTC(),
		Changes:   deltas,
	}
	changesJSON, err := json.Marshal(deltas)
	if err != nil {
		return Application{}, fmt.Errorf("marshal changes: %w", err)
	}

	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return Application{}, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	for _, d := range deltas {
		if err := l.params.SetWithin(tx, userID, d.Name, d.New); err != nil {
			return Application{}, err
		}
	}
	_, err = tx.Exec(
		`INSERT INTO preset_applications (id, user_id, preset_id, applied_at, changes_json, edited_manually)
		 VALUES (?, ?, ?, ?, ?, 0)`,
		app.ID, app.UserID, app.PresetID, app.AppliedAt.Format(time.RFC3339Nano), string(changesJSON),
	)
	if err != nil {
		return Application{}, fmt.Errorf("insert application: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return Application{}, fmt.Errorf("commit: %w", err)
	}
	return app, nil
}

// #endregion apply

// #region revert
// Revert restores every snapshotted old value and stamps reverted_at. An
// application whose parameters were hand-edited is rejected with a
// ConflictError naming them; the caller resolves that explicitly.
func (l *Layer) Revert(ctx context.Context, applicationID string) error {
	app, err := l.Get(ctx, applicationID)
	if err != nil {
		return err
	}
	if app.RevertedAt != nil {
		return fmt.Errorf("%w: %s", ErrAlreadyReverted, applicationID)
	}
	if app.EditedManually {
		return &ConflictError{ApplicationID: applicationID, EditedParams: app.EditedParams}
	}

	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	for _, d := range app.Changes {
		if err := l.params.SetWithin(tx, app.UserID, d.Name, d.Old); err != nil {
			return err
		}
	}
	_, err = tx.Exec(
		`UPDATE preset_applications SET reverted_at = ? WHERE id = ?`,
		time.Now().UTC().Format(time.RFC3339Nano), applicationID,
	)
	if err != nil {
		return fmt.Errorf("mark reverted: %w", err)
	}
	return tx.Commit()
}

// #endregion revert

// #region mark-edited
// markEdited flips edited_manually on every unreverted application of this
// user whose snapshot touches the edited parameter, and records the name so
// conflicts can report exactly what was changed. One-way: names accumulate
// and never clear.
func (l *Layer) markEdited(ctx context.Context, userID, name string) error {
	apps, err := l.listUnreverted(ctx, userID)
	if err != nil {
		return err
	}
	for _, app := range apps {
		for _, d := range app.Changes {
			if d.Name != name {
				continue
			}
			edited := app.EditedParams
			if !containsName(edited, name) {
				edited = append(edited, name)
			}
			editedJSON, err := json.Marshal(edited)
			if err != nil {
				return fmt.Errorf("marshal edited params: %w", err)
			}
			_, err = l.db.ExecContext(ctx,
				`UPDATE preset_applications SET edited_manually = 1, edited_params = ? WHERE id = ?`,
				string(editedJSON), app.ID)
			if err != nil {
				return fmt.Errorf("mark edited: %w", err)
			}
			break
		}
	}
	return nil
}

func containsName(names []string, name string) bool {
	for _, n := range names {
		if n == name {
			return true
		}
	}
	return false
}

// #endregion mark-edited

// #region reads
// Get loads one application.
func (l *Layer) Get(ctx context.Context, applicationID string) (Application, error) {
	row := l.db.QueryRowContext(ctx,
		`SELECT id, user_id, preset_id, applied_at, changes_json, reverted_at, edited_manually, edited_params, notes
		 FROM preset_applications WHERE id = ?`, applicationID)
	app, err := scanApplication(row)
	if err == sql.ErrNoRows {
		return Application{}, fmt.Errorf("%w: %s", ErrApplicationNotFound, applicationID)
	}
	return app, err
}

// Presets returns the catalog contents, sorted by id.
func (l *Layer) Presets() []Preset {
	return l.catalog.List()
}

// ListForUser returns a user's applications, newest first.
func (l *Layer) ListForUser(ctx context.Context, userID string) ([]Application, error) {
	rows, err := l.db.QueryContext(ctx,
		`SELECT id, user_id, preset_id, applied_at, changes_json, reverted_at, edited_manually, edited_params, notes
		 FROM preset_applications WHERE user_id = ? ORDER BY applied_at DESC`, userID)
	if err != nil {
		return nil, fmt.Errorf("list applications: %w", err)
	}
	defer rows.Close()

	var apps []Application
	for rows.Next() {
		app, err := scanApplication(rows)
		if err != nil {
			return nil, err
		}
		apps = append(apps, app)
	}
	return apps, rows.Err()
}

func (l *Layer) listUnreverted(ctx context.Context, userID string) ([]Application, error) {
	rows, err := l.db.QueryContext(ctx,
		`SELECT id, user_id, preset_id, applied_at, changes_json, reverted_at, edited_manually, edited_params, notes
		 FROM preset_applications WHERE user_id = ? AND reverted_at IS NULL`, userID)
	if err != nil {
		return nil, fmt.Errorf("list unreverted: %w", err)
	}
	defer rows.Close()

	var apps []Application
	for rows.Next() {
		app, err := scanApplication(rows)
		if err != nil {
			return nil, err
		}
		apps = append(apps, app)
	}
	return apps, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanApplication(row rowScanner) (Application, error) {
	var app Application
	var appliedStr, changesJSON string
	var revertedStr, editedParams, notes sql.NullString
	var edited int
	err := row.Scan(&app.ID, &app.UserID, &app.PresetID, &appliedStr, &changesJSON, &revertedStr, &edited, &editedParams, &notes)
	if err != nil {
		return Application{}, err
	}
	app.AppliedAt, _ = time.Parse(time.RFC3339Nano, appliedStr)
	if err := json.Unmarshal([]byte(changesJSON), &app.Changes); err != nil {
		return Application{}, fmt.Errorf("unmarshal changes: %w", err)
	}
	if revertedStr.Valid && revertedStr.String != "" {
		t, perr := time.Parse(time.RFC3339Nano, revertedStr.String)
		if perr == nil {
			app.RevertedAt = &t
		}
	}
	app.EditedManually = edited != 0
	if editedParams.Valid && editedParams.String != "" {
		if err := json.Unmarshal([]byte(editedParams.String), &app.EditedParams); err != nil {
			return Application{}, fmt.Errorf("unmarshal edited params: %w", err)
		}
	}
	app.Notes = notes.String
	return app, nil
}

// #endregion reads
