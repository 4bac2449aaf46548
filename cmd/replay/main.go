package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/focusloop/regulation-engine/internal/replay"
)

// #region main

func main() {
	fixturePath := flag.String("fixture", "", "path to fixture JSON")
	flag.Parse()

	if *fixturePath == "" {
		fmt.Fprintln(os.Stderr, "usage: replay --fixture path/to/fixture.json")
		os.Exit(2)
	}

	os.Exit(runFixture(*fixturePath))
}

// #endregion main

// #region fixture-mode

func runFixture(path string) int {
	f, err := replay.LoadFixture(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load fixture: %v\n", err)
		return 2
	}

	start := f.Start.ToState(time.Now().UTC())
	steps := make([]replay.Step, len(f.Steps))
	for i := range f.Steps {
		steps[i] = f.Steps[i].ToStep()
	}

	results, err := replay.Replay(start, steps, f.ToDeltas())
	if err != nil {
		fmt.Fprintf(os.Stderr, "replay: %v\n", err)
		return 2
	}

	if f.Description != "" {
		fmt.Printf("%s\n\n", f.Description)
	}
	code := printComparison(results, f.Expected)

	summary := replay.Summarize(results, replay.Final(start, results))
	fmt.Printf("\nFinal: trust=%d level=%d (escalations=%d, deescalations=%d)\n",
		summary.FinalState.TrustScore, summary.FinalState.Level,
		summary.Escalations, summary.Deescalations)

	return code
}

// #endregion fixture-mode

// #region output

// printComparison outputs a per-step comparison table and returns the exit
// code: 0 when every expected step matches, 1 otherwise.
func printComparison(results []replay.StepResult, expected []replay.FixtureExpected) int {
	byStep := make(map[string]replay.FixtureExpected, len(expected))
	for _, e := range expected {
		byStep[e.StepID] = e
	}

	fmt.Printf("%-12s| %-20s| %-14s| %-14s| %s\n", "Step", "Type", "Expected", "Replayed", "Match")
	fmt.Printf("%-12s+%-21s+%-15s+%-15s+%s\n",
		"------------", "---------------------", "---------------", "---------------", "------")

	matches, checked := 0, 0
	for _, r := range results {
		exp, ok := byStep[r.StepID]
		expCol, match := "-", "SKIP"
		if ok {
			checked++
			expCol = fmt.Sprintf("t=%d L=%d", exp.TrustScore, exp.Level)
			if exp.TrustScore == r.TrustScore && exp.Level == r.Level {
				match = "OK"
				matches++
			} else {
				match = "DIFF"
			}
		}
		gotCol := fmt.Sprintf("t=%d L=%d", r.TrustScore, r.Level)
		fmt.Printf("%-12s| %-20s| %-14s| %-14s| %s\n", r.StepID, r.Type, expCol, gotCol, match)
	}

	diverge := checked - matches
	fmt.Printf("\nSummary: %d steps, %d checked, %d match, %d diverge\n",
		len(results), checked, matches, diverge)

	if diverge > 0 {
		return 1
	}
	return 0
}

// #endregion output
