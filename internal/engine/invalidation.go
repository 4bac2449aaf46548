package engine

import (
	"context"
	"time"

	"github.com/focusloop/regulation-engine/internal/metrics"
)

// #region job
type invalidationJob struct {
	userID   string
	eventIDs []string
	reason   string
	attempts int
}

const maxInvalidationAttempts = 5

// #endregion job

// #region notify
// NotifyEventsChanged is the seam the behavior log's owner calls whenever
// it edits or deletes previously emitted events. It enqueues and returns
// immediately so invalidation never blocks the ingestion path; delivery is
// at-least-once, which is safe because InvalidateForEvents is idempotent.
func (e *Engine) NotifyEventsChanged(userID string, eventIDs []string, reason string) {
	if len(eventIDs) == 0 {
		return
	}
	job := invalidationJob{userID: userID, eventIDs: eventIDs, reason: reason}
	select {
	case e.invalidations <- job:
	default:
		// Queue full: run inline rather than drop. Losing an invalidation
		// would leave stale candidates standing.
		e.runInvalidation(context.Background(), job)
	}
}

// #endregion notify

// #region worker
func (e *Engine) runInvalidationWorker(ctx context.Context) {
	defer close(e.done)
	for {
		select {
		case <-ctx.Done():
			return
		case <-e.stop:
			// drain what is already queued
			for {
				select {
				case job := <-e.invalidations:
					e.runInvalidation(context.Background(), job)
				default:
					return
				}
			}
		case job := <-e.invalidations:
			e.runInvalidation(ctx, job)
		}
	}
}

func (e *Engine) runInvalidation(ctx context.Context, job invalidationJob) {
	mu := e.locks.lock(job.userID)
	n, err := e.lifecycle.InvalidateForEvents(ctx, job.userID, job.eventIDs, job.reason)
	mu.Unlock()

	if err != nil {
		metrics.InvalidationRetries.Inc()
		job.attempts++
		if job.attempts >= maxInvalidationAttempts {
			e.log.Error("invalidation dropped after retries",
				"user", job.userID, "events", len(job.eventIDs), "err", err)
			return
		}
		e.log.Warn("invalidation failed, requeueing",
			"user", job.userID, "attempt", job.attempts, "err", err)
		go func() {
			time.Sleep(time.Duration(job.attempts) * 200 * time.Millisecond)
			select {
			case e.invalidations <- job:
			case <-e.stop:
			}
		}()
		return
	}
	if n > 0 {
		metrics.SignalsInvalidated.Add(float64(n))
		e.log.Info("invalidated candidate signals", "user", job.userID, "count", n)
	}
}

// #endregion worker
