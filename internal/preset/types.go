package preset

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// #region preset
// Preset is a named bundle of parameter target values applied
// non-destructively over existing configuration.
type Preset struct {
	ID          string             `yaml:"id"`
	Name        string             `yaml:"name"`
	Description string             `yaml:"description"`
	Parameters  map[string]float64 `yaml:"parameters"`
}

// ErrUnknownPreset is returned for ids outside the loaded catalog.
var ErrUnknownPreset = errors.New("unknown preset")

// #endregion preset

// #region delta
// ParameterDelta snapshots one touched parameter: the value before and the
// value the preset wrote. The old value is what makes reversal exact.
type ParameterDelta struct {
	Name string  `json:"name"`
	Old  float64 `json:"old"`
	New  float64 `json:"new"`
}

// #endregion delta

// #region application
// Application records one preset application. EditedManually flips one-way
// the moment any touched parameter changes outside the preset mechanism,
// permanently severing the "this preset is still active" claim.
type Application struct {
	ID             string
	UserID         string
	PresetID       string
	AppliedAt      time.Time
	Changes        []ParameterDelta
	RevertedAt     *time.Time
	EditedManually bool
	EditedParams   []string
	Notes          string
}

// #endregion application

// #region conflict
// ConflictError rejects a revert whose parameters were hand-edited after
// application. It names the edited parameters so the caller can resolve the
// conflict explicitly instead of silently clobbering the user's changes.
type ConflictError struct {
	ApplicationID string
	EditedParams  []string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("preset application %s was manually edited (parameters: %s); revert rejected",
		e.ApplicationID, strings.Join(e.EditedParams, ", "))
}

// ErrApplicationNotFound is returned for unknown application ids.
var ErrApplicationNotFound = errors.New("preset application not found")

// ErrAlreadyReverted is returned when reverting twice.
var ErrAlreadyReverted = errors.New("preset application already reverted")

// #endregion conflict
