package engine

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/focusloop/regulation-engine/internal/behavior"
	"github.com/focusloop/regulation-engine/internal/consent"
	"github.com/focusloop/regulation-engine/internal/metrics"
	"github.com/focusloop/regulation-engine/internal/preset"
	"github.com/focusloop/regulation-engine/internal/regulation"
	"github.com/focusloop/regulation-engine/internal/signal"
	"github.com/focusloop/regulation-engine/internal/surfacer"
	"golang.org/x/sync/errgroup"
)

// #region options
// Options bound the engine's background work.
type Options struct {
	SurfacerTimeout time.Duration // hard cap on one per-user evaluation pass
	EvalInterval    time.Duration // periodic surfacer cadence (0 = on-demand only)
	SweepInterval   time.Duration // active-signal GC cadence (0 = lazy only)
	Retention       time.Duration // keep invalidated/deleted candidates this long (0 = forever)
	PurgeInterval   time.Duration // retention purge cadence
	EvalParallelism int           // concurrent per-user passes
	ActiveWindow    time.Duration // how far back to look for users to evaluate
}

func (o Options) withDefaults() Options {
	if o.SurfacerTimeout <= 0 {
		o.SurfacerTimeout = 2 * time.Second
	}
	if o.EvalParallelism <= 0 {
		o.EvalParallelism = 4
	}
	if o.ActiveWindow <= 0 {
		o.ActiveWindow = 24 * time.Hour
	}
	if o.Retention > 0 && o.PurgeInterval <= 0 {
		o.PurgeInterval = time.Hour
	}
	return o
}

// #endregion options

// #region engine
// Engine is the top-level coordinator: it serializes per-user mutations,
// dispatches invalidation asynchronously, and runs the periodic surfacer
// and sweep loops. It is the single surface the server talks to.
type Engine struct {
	consent   *consent.Registry
	events    *behavior.Log
	signals   *signal.Engine
	lifecycle *signal.Lifecycle
	surfacer  *surfacer.Surfacer
	machine   *regulation.Machine
	presets   *preset.Layer
	scopes    ScopeResolver

	locks         userLocks
	invalidations chan invalidationJob
	opts          Options
	log           *slog.Logger

	stop chan struct{}
	done chan struct{}
}

// New wires an engine from its parts.
func New(
	consentReg *consent.Registry,
	events *behavior.Log,
	signals *signal.Engine,
	lifecycle *signal.Lifecycle,
	surf *surfacer.Surfacer,
	machine *regulation.Machine,
	presets *preset.Layer,
	opts Options,
	logger *slog.Logger,
) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		consent:       consentReg,
		events:        events,
		signals:       signals,
		lifecycle:     lifecycle,
		surfacer:      surf,
		machine:       machine,
		presets:       presets,
		invalidations: make(chan invalidationJob, 256),
		opts:          opts.withDefaults(),
		log:           logger.With("component", "engine"),
		stop:          make(chan struct{}),
		done:          make(chan struct{}),
	}
}

// Start launches the invalidation worker and, when intervals are set, the
// periodic surfacer and sweep loops. Stop with Close.
func (e *Engine) Start(ctx context.Context) {
	go e.runInvalidationWorker(ctx)
	go e.runLoops(ctx)
}

// Close stops background work and waits for the invalidation worker to
// drain in-flight jobs.
func (e *Engine) Close() {
	close(e.stop)
	<-e.done
}

func (e *Engine) runLoops(ctx context.Context) {
	var evalC, sweepC <-chan time.Time
	if e.opts.EvalInterval > 0 {
		t := time.NewTicker(e.opts.EvalInterval)
		defer t.Stop()
		evalC = t.C
	}
	if e.opts.SweepInterval > 0 {
		t := time.NewTicker(e.opts.SweepInterval)
		defer t.Stop()
		sweepC = t.C
	}
	var purgeC <-chan time.Time
	if e.opts.Retention > 0 {
		t := time.NewTicker(e.opts.PurgeInterval)
		defer t.Stop()
		purgeC = t.C
	}
	for {
		select {
		case <-ctx.Done():
			return
		case <-e.stop:
			return
		case <-evalC:
			if err := e.EvaluateAll(ctx); err != nil {
				e.log.Warn("periodic evaluation failed", "err", err)
			}
		case <-sweepC:
			n, err := e.surfacer.Sweep(ctx)
			if err != nil {
				e.log.Warn("sweep failed", "err", err)
			} else if n > 0 {
				e.log.Debug("swept active signals", "removed", n)
			}
		case <-purgeC:
			n, err := e.PurgeExpiredCandidates(ctx)
			if err != nil {
				e.log.Warn("retention purge failed", "err", err)
			} else if n > 0 {
				e.log.Debug("purged retired candidates", "removed", n)
			}
		}
	}
}

// PurgeExpiredCandidates hard-deletes invalidated and deleted candidates
// older than the retention horizon. No-op when retention is unbounded.
func (e *Engine) PurgeExpiredCandidates(ctx context.Context) (int, error) {
	if e.opts.Retention <= 0 {
		return 0, nil
	}
	return e.lifecycle.PurgeBefore(ctx, time.Now().Add(-e.opts.Retention))
}

// #endregion engine

// #region regulation-api
// RecordRegulationEvent serializes the trust fold per user and returns the
// resulting state. ErrStaleWrite should not occur under the lock; if it
// does, it propagates for the caller to retry.
func (e *Engine) RecordRegulationEvent(ctx context.Context, userID, scopeID string, eventType regulation.EventType, severity int, metadata map[string]any) (regulation.State, error) {
	mu := e.locks.lock(userID)
	defer mu.Unlock()

	prev, err := e.machine.GetState(ctx, userID, scopeID)
	hadState := err == nil

	next, err := e.machine.RecordEvent(ctx, userID, scopeID, eventType, severity, metadata)
	if err != nil {
		return regulation.State{}, err
	}
	if hadState && next.Level != prev.Level {
		direction := "escalated"
		if next.Level < prev.Level {
			direction = "deescalated"
		}
		metrics.LevelChanges.WithLabelValues(direction).Inc()
	}
	return next, nil
}

// GetRegulationState reads the state for one (user, scope).
func (e *Engine) GetRegulationState(ctx context.Context, userID, scopeID string) (regulation.State, error) {
	return e.machine.GetState(ctx, userID, scopeID)
}

// ListRegulationEvents exposes the recent event log for inspection.
func (e *Engine) ListRegulationEvents(ctx context.Context, userID, scopeID string, limit int) ([]regulation.Event, error) {
	return e.machine.ListEvents(ctx, userID, scopeID, limit)
}

// ScopeResolver answers which scope ids a user holds. The authorization
// layer owns the real answer; without one, the machine's own state table
// stands in (every scope that has ever seen a regulation event).
type ScopeResolver interface {
	ResolveUserScope(ctx context.Context, userID string) ([]string, error)
}

// SetScopeResolver installs an external resolver. Call before Start.
func (e *Engine) SetScopeResolver(r ScopeResolver) {
	e.scopes = r
}

// ListRegulationStates returns the regulation state for every scope the
// user resolves to, skipping scopes with no state yet.
func (e *Engine) ListRegulationStates(ctx context.Context, userID string) ([]regulation.State, error) {
	var (
		scopes []string
		err    error
	)
	if e.scopes != nil {
		scopes, err = e.scopes.ResolveUserScope(ctx, userID)
	} else {
		scopes, err = e.machine.Scopes(ctx, userID)
	}
	if err != nil {
		return nil, err
	}

	states := make([]regulation.State, 0, len(scopes))
	for _, scopeID := range scopes {
		st, err := e.machine.GetState(ctx, userID, scopeID)
		if errors.Is(err, regulation.ErrStateNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		states = append(states, st)
	}
	return states, nil
}

// #endregion regulation-api

// #region behavior-api
// IngestBehaviorEvent appends to the behavior log. Strictly upstream data;
// no signal is recomputed synchronously here.
func (e *Engine) IngestBehaviorEvent(ctx context.Context, ev behavior.Event) (behavior.Event, error) {
	return e.events.Append(ctx, ev)
}

// #endregion behavior-api

// #region signal-api
// ComputeSignal runs a consent-gated signal computation under the user's
// lock (candidate writes are serialized with invalidation).
func (e *Engine) ComputeSignal(ctx context.Context, userID string, key signal.Key, rng signal.TimeRange, source []behavior.Event) (*signal.Candidate, error) {
	if source == nil {
		var err error
		source, err = e.events.ListRange(ctx, userID, rng.Start, rng.End)
		if err != nil {
			return nil, err
		}
	}

	mu := e.locks.lock(userID)
	defer mu.Unlock()

	c, err := e.signals.ComputeSignals(ctx, userID, key, rng, source)
	if err != nil {
		if errors.Is(err, signal.ErrConsentDenied) {
			metrics.ConsentDenials.Inc()
		}
		return nil, err
	}
	metrics.SignalsComputed.WithLabelValues(string(key)).Inc()
	return c, nil
}

// ListCandidateSignals is the transparency read (testing-mode surface).
func (e *Engine) ListCandidateSignals(ctx context.Context, userID string, f signal.Filter) ([]signal.Candidate, error) {
	return e.signals.List(ctx, userID, f)
}

// #endregion signal-api

// #region surfacer-api
// GetActiveSignals returns the live ephemeral signals for a user, running
// an on-demand evaluation pass first, bounded by the surfacer timeout.
func (e *Engine) GetActiveSignals(ctx context.Context, userID, sessionID string) ([]surfacer.ActiveSignal, error) {
	evalCtx, cancel := context.WithTimeout(ctx, e.opts.SurfacerTimeout)
	defer cancel()
	return e.surfacer.Evaluate(evalCtx, userID, sessionID)
}

// DismissSignal is the terminal user-initiated mutation on an active signal.
func (e *Engine) DismissSignal(ctx context.Context, id string) error {
	return e.surfacer.Dismiss(ctx, id)
}

// EvaluateAll runs one bounded evaluation pass per recently active user. A
// slow rule for one user cannot starve others: each pass carries its own
// timeout, and failures are logged, not propagated, so the rest of the
// batch completes.
func (e *Engine) EvaluateAll(ctx context.Context) error {
	users, err := e.events.ActiveUsers(ctx, e.opts.ActiveWindow)
	if err != nil {
		return err
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.opts.EvalParallelism)
	for _, userID := range users {
		g.Go(func() error {
			passCtx, cancel := context.WithTimeout(gctx, e.opts.SurfacerTimeout)
			defer cancel()
			if _, err := e.surfacer.Evaluate(passCtx, userID, ""); err != nil {
				e.log.Warn("evaluation pass failed", "user", userID, "err", err)
			}
			return nil
		})
	}
	return g.Wait()
}

// #endregion surfacer-api

// #region consent-api
// SetConsent and HasConsent pass through to the registry.
func (e *Engine) SetConsent(ctx context.Context, userID string, category consent.Category, enabled bool) error {
	return e.consent.SetConsent(ctx, userID, category, enabled)
}

func (e *Engine) HasConsent(ctx context.Context, userID string, category consent.Category) (bool, error) {
	return e.consent.HasConsent(ctx, userID, category)
}

func (e *Engine) ListConsent(ctx context.Context, userID string) ([]consent.Flag, error) {
	return e.consent.List(ctx, userID)
}

// #endregion consent-api

// #region preset-api
// PreviewPreset computes the delta for preview-then-confirm.
func (e *Engine) PreviewPreset(ctx context.Context, userID, presetID string) ([]preset.ParameterDelta, error) {
	return e.presets.Preview(ctx, userID, presetID)
}

// ListPresets returns the preset catalog.
func (e *Engine) ListPresets() []preset.Preset {
	return e.presets.Presets()
}

// ListPresetApplications returns a user's application history, newest first.
func (e *Engine) ListPresetApplications(ctx context.Context, userID string) ([]preset.Application, error) {
	return e.presets.ListForUser(ctx, userID)
}

// ApplyPreset applies under the user's lock so the parameter writes and the
// snapshot commit atomically with respect to concurrent folds.
func (e *Engine) ApplyPreset(ctx context.Context, userID, presetID string) (preset.Application, error) {
	mu := e.locks.lock(userID)
	defer mu.Unlock()

	app, err := e.presets.Apply(ctx, userID, presetID)
	if err != nil {
		metrics.PresetApplications.WithLabelValues("apply", "error").Inc()
		return preset.Application{}, err
	}
	metrics.PresetApplications.WithLabelValues("apply", "ok").Inc()
	return app, nil
}

// RevertPreset reverts an application, surfacing conflicts unchanged.
func (e *Engine) RevertPreset(ctx context.Context, userID, applicationID string) error {
	mu := e.locks.lock(userID)
	defer mu.Unlock()

	if err := e.presets.Revert(ctx, applicationID); err != nil {
		outcome := "error"
		var conflict *preset.ConflictError
		if errors.As(err, &conflict) {
			outcome = "conflict"
		}
		metrics.PresetApplications.WithLabelValues("revert", outcome).Inc()
		return err
	}
	metrics.PresetApplications.WithLabelValues("revert", "ok").Inc()
	return nil
}

// #endregion preset-api
