package signal

import (
	"fmt"
	"testing"
	"time"

	"github.com/focusloop/regulation-engine/internal/behavior"
)

func eventsAt(userID string, eventType behavior.EventType, times ...time.Time) []behavior.Event {
	out := make([]behavior.Event, len(times))
	for i, at := range times {
		out[i] = behavior.Event{
			ID:         fmt.Sprintf("ev-%d", i),
			UserID:     userID,
			Type:       eventType,
			Severity:   1,
			OccurredAt: at,
		}
	}
	return out
}

func TestSessionStructuresSplitsOnGaps(t *testing.T) {
	base := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	// Two clusters separated by a 2h gap: 9:00-9:40 and 11:40-12:00.
	events := eventsAt("u1", behavior.EventFocusStarted,
		base, base.Add(20*time.Minute), base.Add(40*time.Minute),
		base.Add(160*time.Minute), base.Add(180*time.Minute),
	)

	value := sessionStructures(events, defaultRuleParams(KeySessionStructures))
	if value["session_count"] != 2 {
		t.Fatalf("expected 2 sessions, got %v", value["session_count"])
	}
	if value["max_session_minutes"] != 40.0 {
		t.Fatalf("expected max 40 minutes, got %v", value["max_session_minutes"])
	}
	if value["mean_session_minutes"] != 30.0 {
		t.Fatalf("expected mean 30 minutes, got %v", value["mean_session_minutes"])
	}
	starts := value["session_starts"].([]string)
	if len(starts) != 2 {
		t.Fatalf("expected 2 session starts, got %v", starts)
	}
}

func TestSessionStructuresIgnoresInputOrder(t *testing.T) {
	base := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	forward := eventsAt("u1", behavior.EventFocusStarted,
		base, base.Add(10*time.Minute), base.Add(90*time.Minute))
	reversed := []behavior.Event{forward[2], forward[0], forward[1]}

	a := sessionStructures(forward, defaultRuleParams(KeySessionStructures))
	b := sessionStructures(reversed, defaultRuleParams(KeySessionStructures))
	if a["session_count"] != b["session_count"] {
		t.Fatalf("session count depends on input order: %v vs %v", a["session_count"], b["session_count"])
	}
}

func TestActivityRhythmPeakHours(t *testing.T) {
	day := time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)
	events := eventsAt("u1", behavior.EventContextSwitch,
		day.Add(9*time.Hour), day.Add(9*time.Hour+15*time.Minute), day.Add(9*time.Hour+30*time.Minute),
		day.Add(14*time.Hour),
	)

	value := activityRhythm(events)
	bins := value["hour_bins"].([]int)
	if bins[9] != 3 || bins[14] != 1 {
		t.Fatalf("unexpected bins: 9h=%d 14h=%d", bins[9], bins[14])
	}
	peaks := value["peak_hours"].([]int)
	if len(peaks) != 1 || peaks[0] != 9 {
		t.Fatalf("expected peak hour 9, got %v", peaks)
	}
}

func TestCaptureCoverageRatio(t *testing.T) {
	base := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	events := append(
		eventsAt("u1", behavior.EventCaptureSaved, base, base.Add(time.Minute)),
		behavior.Event{ID: "ev-x", UserID: "u1", Type: behavior.EventTaskCreated, OccurredAt: base.Add(2 * time.Minute)},
		behavior.Event{ID: "ev-y", UserID: "u1", Type: behavior.EventTaskCreated, OccurredAt: base.Add(3 * time.Minute)},
	)

	value := captureCoverage(events)
	if value["capture_count"] != 2 || value["total_count"] != 4 {
		t.Fatalf("unexpected counts: %v", value)
	}
	if value["ratio"] != 0.5 {
		t.Fatalf("expected ratio 0.5, got %v", value["ratio"])
	}
}

func TestConfidencesStayInUnitRange(t *testing.T) {
	base := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	var times []time.Time
	for i := 0; i < 100; i++ {
		times = append(times, base.Add(time.Duration(i)*time.Hour))
	}
	many := eventsAt("u1", behavior.EventContextSwitch, times...)

	for name, conf := range map[string]float64{
		"session":  sessionConfidence(many),
		"rhythm":   rhythmConfidence(many),
		"coverage": coverageConfidence(many),
	} {
		if conf < 0 || conf > 1 {
			t.Errorf("%s confidence out of range: %v", name, conf)
		}
	}
	if sessionConfidence(nil) != 0 {
		t.Fatal("no events must mean zero confidence")
	}
}

func TestProvenanceHashStableUnderReordering(t *testing.T) {
	base := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	events := eventsAt("u1", behavior.EventFocusStarted, base, base.Add(time.Minute))
	params := defaultRuleParams(KeySessionStructures)

	a := provenanceHash(KeySessionStructures, 1, params, events)
	b := provenanceHash(KeySessionStructures, 1, params, []behavior.Event{events[1], events[0]})
	if a != b {
		t.Fatal("hash must not depend on input event order")
	}
}

func TestProvenanceHashSensitiveToContent(t *testing.T) {
	base := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	events := eventsAt("u1", behavior.EventFocusStarted, base, base.Add(time.Minute))
	params := defaultRuleParams(KeySessionStructures)

	original := provenanceHash(KeySessionStructures, 1, params, events)

	edited := make([]behavior.Event, len(events))
	copy(edited, events)
	edited[0].OccurredAt = edited[0].OccurredAt.Add(time.Second)
	if provenanceHash(KeySessionStructures, 1, params, edited) == original {
		t.Fatal("editing an event must change the hash")
	}

	if provenanceHash(KeySessionStructures, 2, params, events) == original {
		t.Fatal("bumping the rule version must change the hash")
	}

	tweaked := map[string]float64{"gap_minutes": 45}
	if provenanceHash(KeySessionStructures, 1, tweaked, events) == original {
		t.Fatal("changing a parameter must change the hash")
	}
}
