package surfacer

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/focusloop/regulation-engine/internal/behavior"
	"github.com/focusloop/regulation-engine/internal/consent"
	"github.com/focusloop/regulation-engine/internal/metrics"
	"github.com/focusloop/regulation-engine/internal/params"
	"github.com/focusloop/regulation-engine/internal/store"
	"github.com/google/uuid"
)

// #region schema
const activeSchema = `
CREATE TABLE IF NOT EXISTS active_signals (
	id              TEXT PRIMARY KEY,
	user_id         TEXT NOT NULL,
	signal_key      TEXT NOT NULL,
	title           TEXT NOT NULL,
	description     TEXT NOT NULL,
	explanation_why TEXT NOT NULL,
	context_json    TEXT,
	detected_at     TEXT NOT NULL,
	expires_at      TEXT NOT NULL,
	dismissed_at    TEXT,
	session_id      TEXT
);
CREATE INDEX IF NOT EXISTS idx_active_user_key ON active_signals(user_id, signal_key);
`

// #endregion schema

// #region consent-checker
// ConsentChecker is the slice of the consent registry the surfacer needs.
type ConsentChecker interface {
	HasConsent(ctx context.Context, userID string, category consent.Category) (bool, error)
}

// RecentReader reads the forward-only recent event window.
type RecentReader interface {
	ListRecent(ctx context.Context, userID string, window time.Duration) ([]behavior.Event, error)
}

// #endregion consent-checker

// #region surfacer
// Surfacer evaluates the definition registry against recent behavior and
// maintains the ephemeral active-signal set.
type Surfacer struct {
	db       *sql.DB
	registry *Registry
	consent  ConsentChecker
	events   RecentReader
	params   *params.Store
	log      *slog.Logger
}

// NewSurfacer ensures the active-signal schema and returns a surfacer.
func NewSurfacer(db *sql.DB, registry *Registry, checker ConsentChecker, events RecentReader, p *params.Store) (*Surfacer, error) {
	if err := store.Migrate(db, activeSchema); err != nil {
		return nil, err
	}
	return &Surfacer{
		db: db, registry: registry, consent: checker, events: events, params: p,
		log: slog.Default().With("component", "surfacer"),
	}, nil
}

// #endregion surfacer

// #region evaluate
// Evaluate runs every active definition against the user's recent window
// and returns the full current active set, newly fired signals included.
// Idempotent per call: an unexpired, undismissed signal for the same
// (user, key) suppresses a duplicate. Consent gaps produce absence, not
// errors.
func (s *Surfacer) Evaluate(ctx context.Context, userID, sessionID string) ([]ActiveSignal, error) {
	defs, err := s.registry.List(ctx)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	horizonMin, err := s.params.Get(ctx, userID, "surfacer.horizon_minutes")
	if err != nil {
		return nil, err
	}
	horizon := time.Duration(horizonMin) * time.Minute

	for i, def := range defs {
		if err := ctx.Err(); err != nil {
			// Time-bounded pass: partial results are acceptable.
			s.log.Debug("evaluation pass cut short",
				"user", userID, "evaluated", i, "skipped", len(defs)-i, "err", err)
			break
		}
		active, err := s.definitionActive(ctx, userID, def)
		if err != nil {
			return nil, err
		}
		if !active {
			continue
		}

		ok, err := s.consent.HasConsent(ctx, userID, definitionCategory(def.Key))
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}

		exists, err := s.hasLive(ctx, userID, def.Key, now)
		if err != nil {
			return nil, err
		}
		if exists {
			continue
		}

		window := time.Duration(def.RuleParameters["window_minutes"]) * time.Minute
		if window == 0 {
			// Stretch-style rules: the lookback must exceed the threshold or
			// a qualifying stretch could never fit inside it.
			window = time.Duration(def.RuleParameters["min_minutes"]+def.RuleParameters["max_gap_minutes"]) * time.Minute
		}
		events, err := s.events.ListRecent(ctx, userID, window)
		if err != nil {
			return nil, err
		}

		match, why, contextData := matchDefinition(def, events, now)
		if !match {
			continue
		}

		sig := ActiveSignal{
			ID:             uuid.New().String(),
			UserID:         userID,
			Key:            def.Key,
			Title:          def.HumanLabel,
			Description:    def.ShortDescription,
			ExplanationWhy: why,
			ContextData:    contextData,
			DetectedAt:     now,
			ExpiresAt:      now.Add(horizon),
			SessionID:      sessionID,
		}
		if err := s.insert(ctx, sig); err != nil {
			return nil, err
		}
	}

	return s.Active(ctx, userID)
}

// #endregion evaluate

// #region matching
// matchDefinition applies a definition's trigger parameters to the recent
// window. The explanation names the parameters used, not just a conclusion.
func matchDefinition(def Definition, events []behavior.Event, now time.Time) (bool, string, map[string]any) {
	switch def.Key {
	case KeyRapidContextSwitching:
		minSwitches := int(def.RuleParameters["min_switches"])
		windowMin := int(def.RuleParameters["window_minutes"])
		switches := countType(events, behavior.EventContextSwitch)
		if switches >= minSwitches {
			why := fmt.Sprintf("%d context switches within %d minutes (threshold: %d)",
				switches, windowMin, minSwitches)
			return true, why, map[string]any{"switch_count": switches, "window_minutes": windowMin}
		}

	case KeyLongUnbrokenStretch:
		minMin := def.RuleParameters["min_minutes"]
		maxGap := time.Duration(def.RuleParameters["max_gap_minutes"]) * time.Minute
		stretch := longestStretch(events, maxGap)
		if stretch.Minutes() >= minMin {
			why := fmt.Sprintf("%.0f minutes of continuous activity without a break event (threshold: %.0f minutes)",
				stretch.Minutes(), minMin)
			return true, why, map[string]any{"stretch_minutes": int(stretch.Minutes())}
		}

	case KeyCaptureBurst:
		minCaptures := int(def.RuleParameters["min_captures"])
		windowMin := int(def.RuleParameters["window_minutes"])
		captures := countType(events, behavior.EventCaptureSaved)
		if captures >= minCaptures {
			why := fmt.Sprintf("%d captures saved within %d minutes (threshold: %d)",
				captures, windowMin, minCaptures)
			return true, why, map[string]any{"capture_count": captures, "window_minutes": windowMin}
		}
	}
	return false, "", nil
}

func countType(events []behavior.Event, t behavior.EventType) int {
	n := 0
	for _, ev := range events {
		if ev.Type == t {
			n++
		}
	}
	return n
}

// longestStretch finds the longest run of events with inter-event gaps at
// most maxGap. A break event ends the running stretch without ending the
// scan; activity after a break can still qualify on its own. Events arrive
// oldest first.
func longestStretch(events []behavior.Event, maxGap time.Duration) time.Duration {
	var longest, current time.Duration
	for i := 1; i < len(events); i++ {
		if events[i].Type == behavior.EventBreakTaken || events[i-1].Type == behavior.EventBreakTaken {
			current = 0
			continue
		}
		gap := events[i].OccurredAt.Sub(events[i-1].OccurredAt)
		if gap <= maxGap {
			current += gap
		} else {
			current = 0
		}
		if current > longest {
			longest = current
		}
	}
	return longest
}

// #endregion matching

// #region reads
// Active returns the user's live signals: unexpired and undismissed. The
// read itself is the lazy half of garbage collection.
func (s *Surfacer) Active(ctx context.Context, userID string) ([]ActiveSignal, error) {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_id, signal_key, title, description, explanation_why,
		        context_json, detected_at, expires_at, dismissed_at, session_id
		 FROM active_signals
		 WHERE user_id = ? AND expires_at > ? AND dismissed_at IS NULL
		 ORDER BY detected_at ASC`,
		userID, now,
	)
	if err != nil {
		return nil, fmt.Errorf("list active: %w", err)
	}
	defer rows.Close()

	var signals []ActiveSignal
	for rows.Next() {
		sig, err := scanActive(rows)
		if err != nil {
			return nil, err
		}
		signals = append(signals, sig)
	}
	return signals, rows.Err()
}

func (s *Surfacer) hasLive(ctx context.Context, userID, key string, now time.Time) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM active_signals
		 WHERE user_id = ? AND signal_key = ? AND expires_at > ? AND dismissed_at IS NULL`,
		userID, key, now.Format(time.RFC3339Nano),
	).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("check live: %w", err)
	}
	return n > 0, nil
}

// #endregion reads

// #region dismiss
// Dismiss is the only user-initiated mutation and is terminal; there is no
// undismiss.
func (s *Surfacer) Dismiss(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE active_signals SET dismissed_at = ? WHERE id = ? AND dismissed_at IS NULL`,
		time.Now().UTC().Format(time.RFC3339Nano), id,
	)
	if err != nil {
		return fmt.Errorf("dismiss: %w", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrSignalNotFound, id)
	}
	return nil
}

// #endregion dismiss

// #region sweep
// Sweep removes expired or dismissed rows. Long-lived storage of these
// records is not permitted; the sweep plus the lazy read filter together
// enforce that.
func (s *Surfacer) Sweep(ctx context.Context) (int, error) {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM active_signals WHERE expires_at < ? OR dismissed_at IS NOT NULL`,
		now,
	)
	if err != nil {
		return 0, fmt.Errorf("sweep: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// #endregion sweep

// #region persistence
func (s *Surfacer) insert(ctx context.Context, sig ActiveSignal) error {
	var contextJSON any
	if len(sig.ContextData) > 0 {
		b, err := json.Marshal(sig.ContextData)
		if err != nil {
			return fmt.Errorf("marshal context: %w", err)
		}
		contextJSON = string(b)
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO active_signals
		 (id, user_id, signal_key, title, description, explanation_why, context_json, detected_at, expires_at, session_id)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sig.ID, sig.UserID, sig.Key, sig.Title, sig.Description, sig.ExplanationWhy,
		contextJSON, sig.DetectedAt.Format(time.RFC3339Nano), sig.ExpiresAt.Format(time.RFC3339Nano),
		nullIfEmpty(sig.SessionID),
	)
	if err != nil {
		return fmt.Errorf("insert active signal: %w", err)
	}
	metrics.ActiveSignalsSurfaced.WithLabelValues(sig.Key).Inc()
	return nil
}

func scanActive(rows *sql.Rows) (ActiveSignal, error) {
	var sig ActiveSignal
	var contextJSON, dismissedStr, sessionID sql.NullString
	var detectedStr, expiresStr string
	err := rows.Scan(&sig.ID, &sig.UserID, &sig.Key, &sig.Title, &sig.Description,
		&sig.ExplanationWhy, &contextJSON, &detectedStr, &expiresStr, &dismissedStr, &sessionID)
	if err != nil {
		return ActiveSignal{}, fmt.Errorf("scan active signal: %w", err)
	}
	if contextJSON.Valid && contextJSON.String != "" {
		if err := json.Unmarshal([]byte(contextJSON.String), &sig.ContextData); err != nil {
			return ActiveSignal{}, fmt.Errorf("unmarshal context: %w", err)
		}
	}
	sig.DetectedAt, _ = time.Parse(time.RFC3339Nano, detectedStr)
	sig.ExpiresAt, _ = time.Parse(time.RFC3339Nano, expiresStr)
	if dismissedStr.Valid && dismissedStr.String != "" {
		t, perr := time.Parse(time.RFC3339Nano, dismissedStr.String)
		if perr == nil {
			sig.DismissedAt = &t
		}
	}
	sig.SessionID = sessionID.String
	return sig, nil
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// #endregion persistence

// #region definition-active
// definitionActive combines the registry toggle with the per-user
// parameter override (the preset-tunable half of the toggle).
func (s *Surfacer) definitionActive(ctx context.Context, userID string, def Definition) (bool, error) {
	if !def.IsActive {
		return false, nil
	}
	name := "definition." + def.Key + ".active"
	if _, err := params.Default(name); err != nil {
		// Not a preset-tunable definition; registry toggle decides alone.
		return true, nil
	}
	v, err := s.params.Get(ctx, userID, name)
	if err != nil {
		return false, err
	}
	return v != 0, nil
}

// #endregion definition-active
