package signal

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"time"

	"github.com/focusloop/regulation-engine/internal/behavior"
)

// #region rule-params
// defaultRuleParams returns the parameter snapshot for a key. The snapshot
// is stored with every candidate so the inputs that produced it remain
// reproducible even if defaults later change.
func defaultRuleParams(key Key) map[string]float64 {
	switch key {
	case KeySessionStructures:
		return map[string]float64{"gap_minutes": 30}
	case KeyActivityRhythm:
		return map[string]float64{"bin_hours": 1}
	case KeyCaptureCoverage:
		return map[string]float64{"min_events": 1}
	}
	return nil
}

// #endregion rule-params

// #region evaluate
// evaluateRule runs the pure rule for a key. Identical (events, params,
// version) must produce identical output; reproducibility is what makes the
// provenance hash meaningful as a cache key.
func evaluateRule(key Key, events []behavior.Event, params map[string]float64) (map[string]any, float64, error) {
	switch key {
	case KeySessionStructures:
		return sessionStructures(events, params), sessionConfidence(events), nil
	case KeyActivityRhythm:
		return activityRhythm(events), rhythmConfidence(events), nil
	case KeyCaptureCoverage:
		return captureCoverage(events), coverageConfidence(events), nil
	}
	return nil, 0, fmt.Errorf("%w: %q", ErrUnknownSignalKey, key)
}

// #endregion evaluate

// #region session-structures
// sessionStructures detects session boundaries from inter-event gaps: a gap
// longer than gap_minutes starts a new session.
func sessionStructures(events []behavior.Event, params map[string]float64) map[string]any {
	sorted := sortedByTime(events)
	gap := time.Duration(params["gap_minutes"]) * time.Minute

	type session struct {
		start time.Time
		end   time.Time
	}
	var sessions []session
	for _, ev := range sorted {
		if len(sessions) == 0 || ev.OccurredAt.Sub(sessions[len(sessions)-1].end) > gap {
			sessions = append(sessions, session{start: ev.OccurredAt, end: ev.OccurredAt})
			continue
		}
		sessions[len(sessions)-1].end = ev.OccurredAt
	}

	boundaries := make([]string, 0, len(sessions))
	var totalMin, maxMin float64
	for _, s := range sessions {
		boundaries = append(boundaries, s.start.UTC().Format(time.RFC3339))
		mins := s.end.Sub(s.start).Minutes()
		totalMin += mins
		if mins > maxMin {
			maxMin = mins
		}
	}
	meanMin := 0.0
	if len(sessions) > 0 {
		meanMin = totalMin / float64(len(sessions))
	}

	return map[string]any{
		"session_count":        len(sessions),
		"mean_session_minutes": round2(meanMin),
		"max_session_minutes":  round2(maxMin),
		"session_starts":       boundaries,
	}
}

func sessionConfidence(events []behavior.Event) float64 {
	// More backing events give a more reliable boundary estimate.
	return clamp01(float64(len(events)) / 20)
}

// #endregion session-structures

// #region activity-rhythm
// activityRhythm counts events per hour-of-day bin over the range.
func activityRhythm(events []behavior.Event) map[string]any {
	bins := make([]int, 24)
	for _, ev := range events {
		bins[ev.OccurredAt.UTC().Hour()]++
	}
	peak := 0
	for h, n := range bins {
		if n > bins[peak] {
			peak = h
		}
	}
	var peakHours []int
	for h, n := range bins {
		if n > 0 && n == bins[peak] {
			peakHours = append(peakHours, h)
		}
	}
	return map[string]any{
		"hour_bins":   bins,
		"peak_hours":  peakHours,
		"total_count": len(events),
	}
}

func rhythmConfidence(events []behavior.Event) float64 {
	if len(events) == 0 {
		return 0
	}
	sorted := sortedByTime(events)
	spanDays := sorted[len(sorted)-1].OccurredAt.Sub(sorted[0].OccurredAt).Hours() / 24
	// A rhythm estimate needs days of coverage before it means much.
	return clamp01(spanDays / 7)
}

// #endregion activity-rhythm

// #region capture-coverage
// captureCoverage is the ratio of capture events to total events in range.
func captureCoverage(events []behavior.Event) map[string]any {
	captures := 0
	for _, ev := range events {
		if ev.Type == behavior.EventCaptureSaved {
			captures++
		}
	}
	ratio := 0.0
	if len(events) > 0 {
		ratio = float64(captures) / float64(len(events))
	}
	return map[string]any{
		"capture_count": captures,
		"total_count":   len(events),
		"ratio":         round2(ratio),
	}
}

func coverageConfidence(events []behavior.Event) float64 {
	return clamp01(float64(len(events)) / 30)
}

// #endregion capture-coverage

// #region provenance-hash
// provenanceHash digests the rule version, parameters, and the sorted source
// event ids plus per-event content so any upstream edit changes the hash.
func provenanceHash(key Key, version int, params map[string]float64, events []behavior.Event) string {
	h := sha256.New()
	fmt.Fprintf(h, "%s/v%d\n", key, version)

	names := make([]string, 0, len(params))
	for name := range params {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Fprintf(h, "param %s=%v\n", name, params[name])
	}

	sorted := make([]behavior.Event, len(events))
	copy(sorted, events)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ID < sorted[j].ID })
	for _, ev := range sorted {
		fmt.Fprintf(h, "event %s %s %s %d\n",
			ev.ID, ev.Type, ev.OccurredAt.UTC().Format(time.RFC3339Nano), ev.Severity)
	}

	return hex.EncodeToString(h.Sum(nil))
}

// #endregion provenance-hash

// #region helpers
func sortedByTime(events []behavior.Event) []behavior.Event {
	out := make([]behavior.Event, len(events))
	copy(out, events)
	sort.Slice(out, func(i, j int) bool { return out[i].OccurredAt.Before(out[j].OccurredAt) })
	return out
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func round2(v float64) float64 {
	return float64(int(v*100+0.5)) / 100
}

// #endregion helpers
