package behavior

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/focusloop/regulation-engine/internal/store"
)

func tempLog(t *testing.T) *Log {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	l, err := NewLog(db, 10*time.Minute)
	if err != nil {
		t.Fatalf("new log: %v", err)
	}
	return l
}

func TestAppendAssignsDefaults(t *testing.T) {
	l := tempLog(t)
	ev, err := l.Append(context.Background(), Event{UserID: "u1", Type: EventTaskCreated})
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	if ev.ID == "" {
		t.Fatal("expected generated id")
	}
	if ev.Severity != 1 {
		t.Fatalf("expected default severity 1, got %d", ev.Severity)
	}
	if ev.Late {
		t.Fatal("current event must not be flagged late")
	}
}

func TestLateEventsFlaggedButStored(t *testing.T) {
	l := tempLog(t)
	ctx := context.Background()

	late, err := l.Append(ctx, Event{
		UserID:     "u1",
		Type:       EventContextSwitch,
		OccurredAt: time.Now().UTC().Add(-30 * time.Minute),
	})
	if err != nil {
		t.Fatalf("append late: %v", err)
	}
	if !late.Late {
		t.Fatal("event outside the lateness window must be flagged")
	}

	onTime, err := l.Append(ctx, Event{
		UserID:     "u1",
		Type:       EventContextSwitch,
		OccurredAt: time.Now().UTC().Add(-2 * time.Minute),
	})
	if err != nil {
		t.Fatalf("append on-time: %v", err)
	}
	if onTime.Late {
		t.Fatal("event inside the lateness window must not be flagged")
	}

	// Both rows exist in the full range read.
	all, err := l.ListRange(ctx, "u1", time.Now().UTC().Add(-time.Hour), time.Now().UTC())
	if err != nil {
		t.Fatalf("list range: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("expected both events stored, got %d", len(all))
	}

	// Only the on-time one enters the forward-only window.
	recent, err := l.ListRecent(ctx, "u1", time.Hour)
	if err != nil {
		t.Fatalf("list recent: %v", err)
	}
	if len(recent) != 1 || recent[0].ID != onTime.ID {
		t.Fatalf("forward-only read must exclude late events, got %d", len(recent))
	}
}

func TestListRangeOrdersByOccurrence(t *testing.T) {
	l := tempLog(t)
	ctx := context.Background()
	base := time.Now().UTC().Add(-5 * time.Minute)

	// Insert out of order.
	for _, offset := range []time.Duration{2 * time.Minute, 0, time.Minute} {
		_, err := l.Append(ctx, Event{
			UserID:     "u1",
			Type:       EventFocusStarted,
			OccurredAt: base.Add(offset),
		})
		if err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	events, err := l.ListRange(ctx, "u1", base.Add(-time.Minute), time.Now().UTC())
	if err != nil {
		t.Fatalf("list range: %v", err)
	}
	if len(events) != 3 {
		t.Fatalf("expected 3 events, got %d", len(events))
	}
	for i := 1; i < len(events); i++ {
		if events[i].OccurredAt.Before(events[i-1].OccurredAt) {
			t.Fatal("events must come back oldest first")
		}
	}
}

func TestActiveUsersWindow(t *testing.T) {
	l := tempLog(t)
	ctx := context.Background()

	if _, err := l.Append(ctx, Event{UserID: "u1", Type: EventCaptureSaved}); err != nil {
		t.Fatalf("append: %v", err)
	}
	if _, err := l.Append(ctx, Event{
		UserID:     "u2",
		Type:       EventCaptureSaved,
		OccurredAt: time.Now().UTC().Add(-48 * time.Hour),
	}); err != nil {
		t.Fatalf("append: %v", err)
	}

	users, err := l.ActiveUsers(ctx, time.Hour)
	if err != nil {
		t.Fatalf("active users: %v", err)
	}
	if len(users) != 1 || users[0] != "u1" {
		t.Fatalf("expected only u1 active, got %v", users)
	}
}

func TestGetResolvesOnlyExistingIDs(t *testing.T) {
	l := tempLog(t)
	ctx := context.Background()

	ev, err := l.Append(ctx, Event{UserID: "u1", Type: EventBreakTaken})
	if err != nil {
		t.Fatalf("append: %v", err)
	}

	got, err := l.Get(ctx, []string{ev.ID, "no-such-id"})
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if len(got) != 1 || got[0].ID != ev.ID {
		t.Fatalf("expected just the stored event, got %d", len(got))
	}
}
