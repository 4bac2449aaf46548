package regulation

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/focusloop/regulation-engine/internal/params"
	"github.com/focusloop/regulation-engine/internal/store"
)

func tempMachine(t *testing.T) *Machine {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	p, err := params.NewStore(db)
	if err != nil {
		t.Fatalf("params store: %v", err)
	}
	m, err := NewMachine(db, p)
	if err != nil {
		t.Fatalf("new machine: %v", err)
	}
	return m
}

func TestFirstEventCreatesInitialState(t *testing.T) {
	m := tempMachine(t)
	ctx := context.Background()

	st, err := m.RecordEvent(ctx, "u1", "work", EventTaskCompleted, 3, nil)
	if err != nil {
		t.Fatalf("record: %v", err)
	}
	// 75 + 5 = 80 crosses into level 1
	if st.TrustScore != 80 {
		t.Fatalf("expected trust 80, got %d", st.TrustScore)
	}
	if st.Level != 1 {
		t.Fatalf("expected level 1, got %d", st.Level)
	}
	if st.Version != 1 {
		t.Fatalf("expected version 1, got %d", st.Version)
	}
}

func TestGetStateForUnknownUser(t *testing.T) {
	m := tempMachine(t)
	if _, err := m.GetState(context.Background(), "nobody", ""); !errors.Is(err, ErrStateNotFound) {
		t.Fatalf("expected ErrStateNotFound, got %v", err)
	}
}

func TestRecordEventRejectsDerivativeType(t *testing.T) {
	m := tempMachine(t)
	if _, err := m.RecordEvent(context.Background(), "u1", "", EventLevelEscalated, 3, nil); err == nil {
		t.Fatal("derivative event types must be rejected")
	}
}

// Severity outside [1, 5] is clamped before the event row is written, so
// the stored severity always matches the impact it produced.
func TestRecordEventClampsSeverity(t *testing.T) {
	m := tempMachine(t)
	ctx := context.Background()

	if _, err := m.RecordEvent(ctx, "u1", "", EventDeadlineMissed, 99, nil); err != nil {
		t.Fatalf("record high severity: %v", err)
	}
	if _, err := m.RecordEvent(ctx, "u1", "", EventTaskCompleted, -4, nil); err != nil {
		t.Fatalf("record low severity: %v", err)
	}

	events, err := m.ListEvents(ctx, "u1", "", 50)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	for _, ev := range events {
		if ev.Severity < 1 || ev.Severity > 5 {
			t.Fatalf("stored severity out of range: %+v", ev)
		}
	}
}

// Five missed deadlines at severity 3 walk trust 75 -> 63 -> 51 -> 39 ->
// 27 -> 15. Levels cross at 51 (2->3), 39 (3->4), and 15 (4->5): exactly
// three escalation derivatives, none for the non-crossing steps.
func TestConsecutiveMissesEscalateOncePerCrossing(t *testing.T) {
	m := tempMachine(t)
	ctx := context.Background()

	var st State
	var err error
	for i := 0; i < 5; i++ {
		st, err = m.RecordEvent(ctx, "u1", "", EventDeadlineMissed, 3, nil)
		if err != nil {
			t.Fatalf("record %d: %v", i, err)
		}
	}

	if st.TrustScore != 15 {
		t.Fatalf("expected trust 15, got %d", st.TrustScore)
	}
	if st.Level != 5 {
		t.Fatalf("expected level 5, got %d", st.Level)
	}

	events, err := m.ListEvents(ctx, "u1", "", 50)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}

	escalations := 0
	for _, ev := range events {
		switch ev.Type {
		case EventLevelEscalated:
			escalations++
			if ev.Metadata["cause"] != "deadline_missed" {
				t.Fatalf("derivative must name its cause, got %v", ev.Metadata["cause"])
			}
		case EventLevelDeescalated:
			t.Fatal("no de-escalation expected in this sequence")
		}
	}
	if escalations != 3 {
		t.Fatalf("expected exactly 3 escalation events, got %d", escalations)
	}
	if len(events) != 8 {
		t.Fatalf("expected 5 caller + 3 derivative events, got %d", len(events))
	}
}

func TestRecoveryAppendsDeescalation(t *testing.T) {
	m := tempMachine(t)
	ctx := context.Background()

	// 75 -> 51: level 2 -> 3
	for i := 0; i < 2; i++ {
		if _, err := m.RecordEvent(ctx, "u1", "", EventDeadlineMissed, 3, nil); err != nil {
			t.Fatalf("record miss: %v", err)
		}
	}
	// 51 + 5 + 5 = 61: back to level 2
	for i := 0; i < 2; i++ {
		if _, err := m.RecordEvent(ctx, "u1", "", EventTaskCompleted, 3, nil); err != nil {
			t.Fatalf("record completion: %v", err)
		}
	}

	st, err := m.GetState(ctx, "u1", "")
	if err != nil {
		t.Fatalf("get state: %v", err)
	}
	if st.TrustScore != 61 || st.Level != 2 {
		t.Fatalf("expected trust 61 level 2, got %d/%d", st.TrustScore, st.Level)
	}

	events, err := m.ListEvents(ctx, "u1", "", 50)
	if err != nil {
		t.Fatalf("list events: %v", err)
	}
	deesc := 0
	for _, ev := range events {
		if ev.Type == EventLevelDeescalated {
			deesc++
		}
	}
	if deesc != 1 {
		t.Fatalf("expected exactly 1 de-escalation, got %d", deesc)
	}
}

func TestWeekCountersTrackRecentEvents(t *testing.T) {
	m := tempMachine(t)
	ctx := context.Background()

	if _, err := m.RecordEvent(ctx, "u1", "", EventDriftDetected, 3, nil); err != nil {
		t.Fatalf("record drift: %v", err)
	}
	if _, err := m.RecordEvent(ctx, "u1", "", EventDeadlineMissed, 3, nil); err != nil {
		t.Fatalf("record miss: %v", err)
	}
	st, err := m.RecordEvent(ctx, "u1", "", EventTaskCompleted, 3, nil)
	if err != nil {
		t.Fatalf("record completion: %v", err)
	}

	if st.Week.DriftEvents != 1 || st.Week.MissedDeadlines != 1 || st.Week.Completions != 1 {
		t.Fatalf("unexpected week counters: %+v", st.Week)
	}
}

func TestScopesAreIndependent(t *testing.T) {
	m := tempMachine(t)
	ctx := context.Background()

	if _, err := m.RecordEvent(ctx, "u1", "work", EventDeadlineMissed, 5, nil); err != nil {
		t.Fatalf("record: %v", err)
	}
	if _, err := m.RecordEvent(ctx, "u1", "personal", EventTaskCompleted, 3, nil); err != nil {
		t.Fatalf("record: %v", err)
	}

	work, err := m.GetState(ctx, "u1", "work")
	if err != nil {
		t.Fatalf("get work: %v", err)
	}
	personal, err := m.GetState(ctx, "u1", "personal")
	if err != nil {
		t.Fatalf("get personal: %v", err)
	}
	if work.TrustScore == personal.TrustScore {
		t.Fatalf("scopes share state: both at %d", work.TrustScore)
	}
}
