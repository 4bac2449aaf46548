package replay

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/focusloop/regulation-engine/internal/regulation"
)

// #region fixture-types

// Fixture is the top-level JSON structure for a replay fixture.
type Fixture struct {
	Description string            `json:"description"`
	Start       FixtureStart      `json:"start"`
	Deltas      map[string]float64 `json:"deltas,omitempty"`
	Steps       []FixtureStep     `json:"steps"`
	Expected    []FixtureExpected `json:"expected"`
}

// FixtureStart is the JSON-serializable initial state. A zero value means
// the standard initial state for a fresh user.
type FixtureStart struct {
	TrustScore *int `json:"trust_score,omitempty"`
}

// FixtureStep mirrors replay.Step with JSON tags.
type FixtureStep struct {
	StepID   string    `json:"step_id"`
	Type     string    `json:"type"`
	Severity int       `json:"severity"`
	At       time.Time `json:"at"`
}

// FixtureExpected captures the expected trust and level after a step.
type FixtureExpected struct {
	StepID     string `json:"step_id"`
	TrustScore int    `json:"trust_score"`
	Level      int    `json:"level"`
}

// #endregion fixture-types

// #region fixture-loader

// LoadFixture reads and parses a JSON fixture file.
func LoadFixture(path string) (*Fixture, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read fixture %s: %w", path, err)
	}
	var f Fixture
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse fixture %s: %w", path, err)
	}
	return &f, nil
}

// ToState converts a FixtureStart to a domain State.
func (s *FixtureStart) ToState(now time.Time) regulation.State {
	st := regulation.InitialState("fixture", "fixture", now)
	if s.TrustScore != nil {
		st.TrustScore = *s.TrustScore
		st.Level = regulation.LevelForTrust(st.TrustScore)
	}
	return st
}

// ToStep converts a FixtureStep to a domain Step.
func (fs *FixtureStep) ToStep() Step {
	return Step{
		StepID:   fs.StepID,
		Type:     regulation.EventType(fs.Type),
		Severity: fs.Severity,
		At:       fs.At,
	}
}

// ToDeltas merges fixture delta overrides onto the shipped defaults.
func (f *Fixture) ToDeltas() Deltas {
	d := DefaultDeltas()
	for name, v := range f.Deltas {
		d[regulation.EventType(name)] = v
	}
	return d
}

// #endregion fixture-loader
