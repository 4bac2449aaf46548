package audit

import (
	"database/sql"
	"path/filepath"
	"testing"

	"github.com/focusloop/regulation-engine/internal/store"
)

func tempDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := EnsureSchema(db); err != nil {
		t.Fatalf("schema: %v", err)
	}
	return db
}

func TestAppendAndList(t *testing.T) {
	db := tempDB(t)

	entries := []Entry{
		{UserID: "u1", SignalID: "sig-1", Action: ActionComputed, Actor: "signal-engine"},
		{UserID: "u1", SignalID: "sig-1", Action: ActionInvalidated, Actor: "lifecycle", Reason: "provenance changed"},
		{UserID: "u2", Action: ActionConsentGranted, Actor: "u2", Metadata: map[string]any{"category": "activity_rhythm"}},
	}
	for _, e := range entries {
		if err := Append(db, e); err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	got, err := ListForUser(db, "u1", 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 entries for u1, got %d", len(got))
	}
	for _, e := range got {
		if e.AuditID == "" {
			t.Fatal("entries must get an id on append")
		}
		if e.CreatedAt.IsZero() {
			t.Fatal("entries must get a timestamp on append")
		}
	}

	n, err := CountForSignal(db, "sig-1")
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 2 {
		t.Fatalf("expected 2 entries for sig-1, got %d", n)
	}
}

func TestMetadataRoundTrips(t *testing.T) {
	db := tempDB(t)

	err := Append(db, Entry{
		UserID: "u1",
		Action: ActionConsentRevoked,
		Actor:  "u1",
		Metadata: map[string]any{
			"category": "capture_patterns",
		},
	})
	if err != nil {
		t.Fatalf("append: %v", err)
	}

	got, err := ListForUser(db, "u1", 1)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(got))
	}
	if got[0].Metadata["category"] != "capture_patterns" {
		t.Fatalf("metadata lost: %+v", got[0].Metadata)
	}
}
