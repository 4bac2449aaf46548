package consent

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/focusloop/regulation-engine/internal/audit"
	"github.com/focusloop/regulation-engine/internal/store"
)

func tempRegistry(t *testing.T) *Registry {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	// NewRegistry alone must leave the db ready for audited writes.
	r, err := NewRegistry(db)
	if err != nil {
		t.Fatalf("new registry: %v", err)
	}
	return r
}

func TestConsentDefaultsToDenied(t *testing.T) {
	r := tempRegistry(t)
	ok, err := r.HasConsent(context.Background(), "u1", CategorySessionStructures)
	if err != nil {
		t.Fatalf("has consent: %v", err)
	}
	if ok {
		t.Fatal("untouched category must default to denied")
	}
}

func TestGrantThenRevoke(t *testing.T) {
	r := tempRegistry(t)
	ctx := context.Background()

	if err := r.SetConsent(ctx, "u1", CategoryActivityRhythm, true); err != nil {
		t.Fatalf("grant: %v", err)
	}
	ok, err := r.HasConsent(ctx, "u1", CategoryActivityRhythm)
	if err != nil || !ok {
		t.Fatalf("expected granted, got %v err=%v", ok, err)
	}

	if err := r.SetConsent(ctx, "u1", CategoryActivityRhythm, false); err != nil {
		t.Fatalf("revoke: %v", err)
	}
	ok, err = r.HasConsent(ctx, "u1", CategoryActivityRhythm)
	if err != nil || ok {
		t.Fatalf("expected revoked, got %v err=%v", ok, err)
	}

	flags, err := r.List(ctx, "u1")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(flags) != 1 {
		t.Fatalf("expected 1 flag, got %d", len(flags))
	}
	f := flags[0]
	if f.Enabled {
		t.Fatal("flag should be disabled after revoke")
	}
	if f.RevokedAt == nil || f.GrantedAt != nil {
		t.Fatalf("revoked flag must carry revoked_at only, got granted=%v revoked=%v", f.GrantedAt, f.RevokedAt)
	}
}

func TestTransitionsAreAudited(t *testing.T) {
	r := tempRegistry(t)
	ctx := context.Background()

	if err := r.SetConsent(ctx, "u1", CategoryCapturePatterns, true); err != nil {
		t.Fatalf("grant: %v", err)
	}
	// same value again: no transition, no audit row
	if err := r.SetConsent(ctx, "u1", CategoryCapturePatterns, true); err != nil {
		t.Fatalf("re-grant: %v", err)
	}
	if err := r.SetConsent(ctx, "u1", CategoryCapturePatterns, false); err != nil {
		t.Fatalf("revoke: %v", err)
	}

	entries, err := audit.ListForUser(r.db, "u1", 10)
	if err != nil {
		t.Fatalf("list audit: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 audit entries (grant, revoke), got %d", len(entries))
	}

	actions := map[audit.Action]int{}
	for _, e := range entries {
		actions[e.Action]++
		if e.Metadata["category"] != string(CategoryCapturePatterns) {
			t.Fatalf("audit entry missing category metadata: %+v", e.Metadata)
		}
	}
	if actions[audit.ActionConsentGranted] != 1 || actions[audit.ActionConsentRevoked] != 1 {
		t.Fatalf("unexpected action mix: %v", actions)
	}
}

func TestUnknownCategoryRejected(t *testing.T) {
	r := tempRegistry(t)
	ctx := context.Background()

	if err := r.SetConsent(ctx, "u1", Category("browsing_history"), true); err == nil {
		t.Fatal("unknown category must be rejected")
	}
	if _, err := r.HasConsent(ctx, "u1", Category("browsing_history")); err == nil {
		t.Fatal("unknown category must be rejected on read too")
	}
}
