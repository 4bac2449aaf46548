package replay

import (
	"fmt"
	"time"

	"github.com/focusloop/regulation-engine/internal/params"
	"github.com/focusloop/regulation-engine/internal/regulation"
)

// #region types
// Step is a single recorded regulation event for replay.
type Step struct {
	StepID   string
	Type     regulation.EventType
	Severity int
	At       time.Time
}

// Deltas maps each caller event type to its base trust delta. Replay is
// in-memory and never touches per-user parameter overrides, so the map is
// fixed for the whole run.
type Deltas map[regulation.EventType]float64

// DefaultDeltas returns the shipped trust deltas.
func DefaultDeltas() Deltas {
	d := make(Deltas)
	for _, t := range []regulation.EventType{
		regulation.EventTaskCompleted,
		regulation.EventDeadlineMissed,
		regulation.EventDriftDetected,
		regulation.EventFocusCompleted,
		regulation.EventFocusAbandoned,
		regulation.EventScopeExpanded,
		regulation.EventRuleViolation,
	} {
		v, err := params.Default("trust.delta." + string(t))
		if err != nil {
			continue
		}
		d[t] = v
	}
	return d
}

// StepResult captures the outcome of folding one step through the
// transition function.
type StepResult struct {
	StepID     string
	Type       regulation.EventType
	Impact     int
	TrustScore int
	Level      int
	Escalation string // "escalated" | "deescalated" | ""
}

// Summary provides aggregate stats from a replay run.
type Summary struct {
	TotalSteps    int
	Escalations   int
	Deescalations int
	FinalState    regulation.State
}

// #endregion types

// #region replay
// Replay folds steps through the pure transition function, starting from
// start. It operates entirely in-memory: no database, no parameter
// overrides, no derivative event rows. Week counters are not maintained
// since they are recomputed from the event log, which replay does not have.
func Replay(start regulation.State, steps []Step, deltas Deltas) ([]StepResult, error) {
	current := start
	results := make([]StepResult, 0, len(steps))

	for _, st := range steps {
		if _, err := regulation.ParseEventType(string(st.Type)); err != nil {
			return nil, fmt.Errorf("step %s: %w", st.StepID, err)
		}
		base, ok := deltas[st.Type]
		if !ok {
			return nil, fmt.Errorf("step %s: no delta for event type %q", st.StepID, st.Type)
		}

		impact := regulation.ScaleImpact(base, st.Severity)
		next := regulation.ApplyEvent(current, st.Type, impact, st.At)

		escalation := ""
		if next.Level > current.Level {
			escalation = "escalated"
		} else if next.Level < current.Level {
			escalation = "deescalated"
		}

		results = append(results, StepResult{
			StepID:     st.StepID,
			Type:       st.Type,
			Impact:     impact,
			TrustScore: next.TrustScore,
			Level:      next.Level,
			Escalation: escalation,
		})
		current = next
	}

	return results, nil
}

// Summarize computes aggregate stats from replay results.
func Summarize(results []StepResult, final regulation.State) Summary {
	s := Summary{
		TotalSteps: len(results),
		FinalState: final,
	}
	for _, r := range results {
		switch r.Escalation {
		case "escalated":
			s.Escalations++
		case "deescalated":
			s.Deescalations++
		}
	}
	return s
}

// Final reconstructs the end state from the fold results on top of start.
func Final(start regulation.State, results []StepResult) regulation.State {
	if len(results) == 0 {
		return start
	}
	last := results[len(results)-1]
	end := start
	end.TrustScore = last.TrustScore
	end.Level = last.Level
	return end
}

// #endregion replay
