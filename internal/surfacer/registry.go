package surfacer

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/focusloop/regulation-engine/internal/store"
)

// #region schema
const definitionSchema = `
CREATE TABLE IF NOT EXISTS signal_definitions (
	signal_key        TEXT PRIMARY KEY,
	human_label       TEXT NOT NULL,
	short_description TEXT NOT NULL,
	explanation_text  TEXT NOT NULL,
	rule_params_json  TEXT NOT NULL,
	is_active         INTEGER NOT NULL DEFAULT 1,
	display_order     INTEGER NOT NULL DEFAULT 0
);
`

// #endregion schema

// #region seed
// seedDefinitions are the shipped registry rows. Parameters are named in
// every surfaced explanation, so labels stay neutral and concrete.
var seedDefinitions = []Definition{
	{
		Key:              KeyRapidContextSwitching,
		HumanLabel:       "Rapid context switching",
		ShortDescription: "Several quick switches between contexts in a short window.",
		ExplanationText:  "Shown when context switches within a short window reach the configured count.",
		RuleParameters:   map[string]float64{"min_switches": 5, "window_minutes": 20},
		IsActive:         true,
		DisplayOrder:     1,
	},
	{
		Key:              KeyLongUnbrokenStretch,
		HumanLabel:       "Long unbroken stretch",
		ShortDescription: "Continuous activity without a recorded break.",
		ExplanationText:  "Shown when activity continues past the configured number of minutes with no break event.",
		RuleParameters:   map[string]float64{"min_minutes": 90, "max_gap_minutes": 10},
		IsActive:         true,
		DisplayOrder:     2,
	},
	{
		Key:              KeyCaptureBurst,
		HumanLabel:       "Capture burst",
		ShortDescription: "Many captures saved in quick succession.",
		ExplanationText:  "Shown when saved captures within a short window reach the configured count.",
		RuleParameters:   map[string]float64{"min_captures": 8, "window_minutes": 10},
		IsActive:         true,
		DisplayOrder:     3,
	},
}

// #endregion seed

// #region registry
// Registry is the versioned signal definition store read by the surfacer.
type Registry struct {
	db *sql.DB
}

// NewRegistry ensures the schema and seeds missing definitions.
func NewRegistry(db *sql.DB) (*Registry, error) {
	if err := store.Migrate(db, definitionSchema); err != nil {
		return nil, err
	}
	for _, def := range seedDefinitions {
		paramsJSON, err := json.Marshal(def.RuleParameters)
		if err != nil {
			return nil, fmt.Errorf("marshal rule params: %w", err)
		}
		_, err = db.Exec(
			`INSERT INTO signal_definitions
			 (signal_key, human_label, short_description, explanation_text, rule_params_json, is_active, display_order)
			 VALUES (?, ?, ?, ?, ?, ?, ?)
			 ON CONFLICT(signal_key) DO NOTHING`,
			def.Key, def.HumanLabel, def.ShortDescription, def.ExplanationText,
			string(paramsJSON), boolToInt(def.IsActive), def.DisplayOrder,
		)
		if err != nil {
			return nil, fmt.Errorf("seed definition %s: %w", def.Key, err)
		}
	}
	return &Registry{db: db}, nil
}

// #endregion registry

// #region reads
// List returns all definitions in display order.
func (r *Registry) List(ctx context.Context) ([]Definition, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT signal_key, human_label, short_description, explanation_text, rule_params_json, is_active, display_order
		 FROM signal_definitions ORDER BY display_order ASC`,
	)
	if err != nil {
		return nil, fmt.Errorf("list definitions: %w", err)
	}
	defer rows.Close()

	var defs []Definition
	for rows.Next() {
		var d Definition
		var paramsJSON string
		var active int
		if err := rows.Scan(&d.Key, &d.HumanLabel, &d.ShortDescription, &d.ExplanationText, &paramsJSON, &active, &d.DisplayOrder); err != nil {
			return nil, fmt.Errorf("scan definition: %w", err)
		}
		if err := json.Unmarshal([]byte(paramsJSON), &d.RuleParameters); err != nil {
			return nil, fmt.Errorf("unmarshal rule params: %w", err)
		}
		d.IsActive = active != 0
		defs = append(defs, d)
	}
	return defs, rows.Err()
}

// SetActive is the administrative toggle, the only sanctioned mutation of a
// seeded definition.
func (r *Registry) SetActive(ctx context.Context, key string, active bool) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE signal_definitions SET is_active = ? WHERE signal_key = ?`,
		boolToInt(active), key,
	)
	if err != nil {
		return fmt.Errorf("set active: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("%w: %q", ErrUnknownDefinition, key)
	}
	return nil
}

// #endregion reads

// #region helpers
func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// #endregion helpers
