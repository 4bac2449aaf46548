package signal

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/focusloop/regulation-engine/internal/audit"
	"github.com/focusloop/regulation-engine/internal/behavior"
	"github.com/focusloop/regulation-engine/internal/consent"
	"github.com/google/uuid"
)

// #region consent-checker
// ConsentChecker is the narrow slice of the consent registry the engine
// needs. The check is made at the start of every computation, never cached.
type ConsentChecker interface {
	HasConsent(ctx context.Context, userID string, category consent.Category) (bool, error)
}

// EventResolver resolves provenance event ids against the behavior log.
type EventResolver interface {
	Get(ctx context.Context, ids []string) ([]behavior.Event, error)
}

// #endregion consent-checker

// #region engine
// Engine computes candidate signals from behavior events under explicit
// consent. Rules are pure; the engine adds the consent gate, provenance
// validation, idempotence, and the audit side effect.
type Engine struct {
	db      *sql.DB
	consent ConsentChecker
	events  EventResolver
}

// NewEngine ensures the signal schema and returns a computation engine.
func NewEngine(db *sql.DB, checker ConsentChecker, events EventResolver) (*Engine, error) {
	if err := EnsureSchema(db); err != nil {
		return nil, err
	}
	return &Engine{db: db, consent: checker, events: events}, nil
}

// #endregion engine

// #region compute
// ComputeSignals runs the versioned rule for key over sourceEvents and
// persists the result. Recomputing with an unchanged provenance hash and
// version returns the existing candidate instead of creating a duplicate.
func (e *Engine) ComputeSignals(ctx context.Context, userID string, key Key, rng TimeRange, sourceEvents []behavior.Event) (*Candidate, error) {
	version, ok := ruleVersions[key]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownSignalKey, key)
	}
	if !rng.Valid() {
		return nil, fmt.Errorf("time range start after end")
	}
	if len(sourceEvents) == 0 {
		return nil, fmt.Errorf("%w: empty source event set", ErrInvalidProvenance)
	}

	ok, err := e.consent.HasConsent(ctx, userID, KeyCategory(key))
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: user %s category %s", ErrConsentDenied, userID, KeyCategory(key))
	}

	ids := make([]string, 0, len(sourceEvents))
	for _, ev := range sourceEvents {
		if ev.UserID != userID {
			return nil, fmt.Errorf("%w: event %s belongs to another user", ErrInvalidProvenance, ev.ID)
		}
		ids = append(ids, ev.ID)
	}
	stored, err := e.events.Get(ctx, ids)
	if err != nil {
		return nil, err
	}
	if len(stored) != len(ids) {
		return nil, fmt.Errorf("%w: %d of %d event ids dangling", ErrInvalidProvenance, len(ids)-len(stored), len(ids))
	}

	params := defaultRuleParams(key)
	hash := provenanceHash(key, version, params, sourceEvents)

	if existing, err := findByHash(e.db, userID, key, version, hash); err != nil {
		return nil, err
	} else if existing != nil {
		return existing, nil
	}

	value, confidence, err := evaluateRule(key, sourceEvents, params)
	if err != nil {
		return nil, err
	}

	c := Candidate{
		SignalID:           uuid.New().String(),
		UserID:             userID,
		Key:                key,
		Version:            version,
		Range:              rng,
		Value:              value,
		Confidence:         clamp01(confidence),
		ProvenanceEventIDs: ids,
		ProvenanceHash:     hash,
		Parameters:         params,
		ComputedAt:         time.Now().UTC(),
		Status:             StatusCandidate,
	}

	tx, err := e.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if err := insertCandidate(tx, c); err != nil {
		return nil, err
	}
	err = audit.Append(tx, audit.Entry{
		UserID:   userID,
		SignalID: c.SignalID,
		Action:   audit.ActionComputed,
		Actor:    "signal-engine",
		Metadata: map[string]any{
			"signal_key":      string(key),
			"signal_version":  version,
			"provenance_hash": hash,
		},
	})
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return &c, nil
}

// #endregion compute

// #region get
// Get loads one candidate with its provenance set.
func (e *Engine) Get(ctx context.Context, signalID string) (*Candidate, error) {
	return getCandidate(e.db, signalID)
}

// List is the transparency read over a user's candidates.
func (e *Engine) List(ctx context.Context, userID string, f Filter) ([]Candidate, error) {
	return ListCandidates(ctx, e.db, userID, f)
}

// #endregion get
