package regulation

import (
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

var allCallerTypes = []EventType{
	EventTaskCompleted,
	EventDeadlineMissed,
	EventDriftDetected,
	EventFocusCompleted,
	EventFocusAbandoned,
	EventScopeExpanded,
	EventRuleViolation,
}

// genStep produces a (type index, impact) pair with impacts in the range
// real deltas produce after severity scaling.
func genStep() gopter.Gen {
	return gopter.CombineGens(
		gen.IntRange(0, len(allCallerTypes)-1),
		gen.IntRange(-20, 20),
	)
}

func foldSteps(steps [][]any) State {
	now := time.Now().UTC()
	st := InitialState("u1", "", now)
	for _, pair := range steps {
		eventType := allCallerTypes[pair[0].(int)]
		impact := pair[1].(int)
		st = ApplyEvent(st, eventType, impact, now)
	}
	return st
}

// Level must equal the threshold table applied to trust after any event
// sequence; there is no path that moves level independently of trust.
func TestLevelAlwaysDerivedFromTrust(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("level == LevelForTrust(trust) after any fold", prop.ForAll(
		func(steps [][]any) bool {
			st := foldSteps(steps)
			return st.Level == LevelForTrust(st.TrustScore)
		},
		gen.SliceOf(genStep()),
	))

	properties.Property("trust stays within [0,100]", prop.ForAll(
		func(steps [][]any) bool {
			st := foldSteps(steps)
			return st.TrustScore >= 0 && st.TrustScore <= 100
		},
		gen.SliceOf(genStep()),
	))

	properties.TestingRun(t)
}

// The fold is a pure function of its input sequence: replaying the same
// sequence from the same start always lands on the same state.
func TestFoldDeterminism(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("same sequence, same result", prop.ForAll(
		func(steps [][]any) bool {
			a := foldSteps(steps)
			b := foldSteps(steps)
			return a.TrustScore == b.TrustScore &&
				a.Level == b.Level &&
				a.ConsecutiveWins == b.ConsecutiveWins &&
				a.ConsecutiveLosses == b.ConsecutiveLosses &&
				a.RuleBreakCount == b.RuleBreakCount
		},
		gen.SliceOf(genStep()),
	))

	properties.TestingRun(t)
}

// Version counts every applied event exactly once.
func TestVersionCountsEvents(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("version == number of folded events", prop.ForAll(
		func(steps [][]any) bool {
			st := foldSteps(steps)
			return st.Version == int64(len(steps))
		},
		gen.SliceOf(genStep()),
	))

	properties.TestingRun(t)
}
