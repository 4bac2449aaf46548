package consent

import (
	"errors"
	"fmt"
	"time"
)

// #region category
// Category is a closed consent category. Adding a category is a deploy-time
// decision; unknown strings are rejected, never guessed.
type Category string

const (
	CategorySessionStructures Category = "session_structures"
	CategoryActivityRhythm    Category = "activity_rhythm"
	CategoryCapturePatterns   Category = "capture_patterns"
	CategoryRegulationMetrics Category = "regulation_metrics"
)

// Categories lists every known category in a stable order.
func Categories() []Category {
	return []Category{
		CategorySessionStructures,
		CategoryActivityRhythm,
		CategoryCapturePatterns,
		CategoryRegulationMetrics,
	}
}

// ErrUnknownCategory is returned for categories outside the closed set.
var ErrUnknownCategory = errors.New("unknown consent category")

// ParseCategory validates a category string against the closed set.
func ParseCategory(s string) (Category, error) {
	switch Category(s) {
	case CategorySessionStructures, CategoryActivityRhythm, CategoryCapturePatterns, CategoryRegulationMetrics:
		return Category(s), nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownCategory, s)
}

// #endregion category

// #region flag
// Flag is the stored consent state for one (user, category) pair.
// Exactly one of GrantedAt/RevokedAt is set once the flag has ever been
// touched; a pair with no row at all means never touched (default deny).
type Flag struct {
	UserID    string
	Category  Category
	Enabled   bool
	GrantedAt *time.Time
	RevokedAt *time.Time
}

// #endregion flag
