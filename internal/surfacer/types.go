package surfacer

import (
	"errors"
	"time"

	"github.com/focusloop/regulation-engine/internal/consent"
)

// #region definition
// Definition is one row in the signal definition registry: the human label,
// explanation text, and trigger parameters for an ephemeral signal.
// Effectively immutable once seeded, except for toggling IsActive.
type Definition struct {
	Key              string
	HumanLabel       string
	ShortDescription string
	ExplanationText  string
	RuleParameters   map[string]float64
	IsActive         bool
	DisplayOrder     int
}

// Seeded definition keys.
const (
	KeyRapidContextSwitching = "rapid_context_switching"
	KeyLongUnbrokenStretch   = "long_unbroken_stretch"
	KeyCaptureBurst          = "capture_burst"
)

// definitionCategory maps an active-signal key to the consent category that
// gates its evaluation. Absence of consent yields absence of signal, not an
// error.
func definitionCategory(key string) consent.Category {
	switch key {
	case KeyRapidContextSwitching, KeyLongUnbrokenStretch:
		return consent.CategorySessionStructures
	case KeyCaptureBurst:
		return consent.CategoryCapturePatterns
	}
	return ""
}

// #endregion definition

// #region active-signal
// ActiveSignal is a short-lived, user-visible, explainable observation. It
// auto-expires, never carries cross-session identity, and is never
// aggregated into a profile.
type ActiveSignal struct {
	ID             string
	UserID         string
	Key            string
	Title          string
	Description    string
	ExplanationWhy string
	ContextData    map[string]any
	DetectedAt     time.Time
	ExpiresAt      time.Time
	DismissedAt    *time.Time
	SessionID      string
}

// #endregion active-signal

// #region errors
// ErrSignalNotFound is returned by Dismiss for an unknown id.
var ErrSignalNotFound = errors.New("active signal not found")

// ErrUnknownDefinition is returned for definition keys outside the registry.
var ErrUnknownDefinition = errors.New("unknown signal definition")

// #endregion errors
