package degree

import (
	"context"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"
	"golang.org/x/time/rate"

	"chiller/backend/internal/apperr"
)

const maxBackoff = 10 * time.Minute

// Worker drains the repair queue in the background.
type Worker struct {
	m        *Materializer
	interval time.Duration
	limiter  *rate.Limiter
	logger   *slog.Logger
	now      func() time.Time
}

// NewWorker creates a Worker that wakes up every interval and recomputes at
// most perSecond subjects per second.
func NewWorker(m *Materializer, interval time.Duration, perSecond float64) *Worker {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	limit := rate.Limit(perSecond)
	if perSecond <= 0 {
		limit = rate.Inf
	}
	return &Worker{
		m:        m,
		interval: interval,
		limiter:  rate.NewLimiter(limit, 1),
		logger:   m.logger.With("component", "degree-repair"),
		now:      time.Now,
	}
}

// Run repairs queued subjects until ctx is done.
func (w *Worker) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := w.RunOnce(ctx); err != nil && ctx.Err() == nil {
				w.logger.Warn("repair pass failed", "error", err)
			}
		}
	}
}

// RunOnce makes one pass over the queue and returns how many subjects were
// repaired. Subjects still inside their backoff window are skipped.
func (w *Worker) RunOnce(ctx context.Context) (int, error) {
	repairs, err := w.m.PendingRepairs(ctx)
	if err != nil {
		return 0, err
	}

	repaired := 0
	for _, r := range repairs {
		if !r.UpdatedAt.IsZero() && w.now().Before(r.UpdatedAt.Add(w.backoff(r.Attempts))) {
			continue
		}
		if err := w.limiter.Wait(ctx); err != nil {
			return repaired, err
		}

		err := w.m.Recompute(ctx, r.SubjectID)
		switch {
		case err == nil:
			w.m.dequeue(ctx, r.SubjectID)
			repaired++
		case apperr.Retryable(err):
			w.m.recordAttempt(ctx, r, err)
			w.logger.Warn("repair attempt failed", "subject", r.SubjectID, "attempts", r.Attempts+1, "error", err)
		default:
			// Not a storage failure, retrying will not help.
			w.logger.Error("dropping unrepairable subject", "subject", r.SubjectID, "error", err)
			w.m.dequeue(ctx, r.SubjectID)
		}
	}

	if _, err := w.m.PendingRepairs(ctx); err != nil {
		return repaired, err
	}
	if repaired > 0 {
		w.logger.Info("repair pass finished", "repaired", repaired)
	}
	return repaired, nil
}

// backoff is the wait before the next attempt of a subject that already
// failed attempts times: zero for a fresh entry, then the worker interval
// doubling up to maxBackoff.
func (w *Worker) backoff(attempts int) time.Duration {
	if attempts <= 0 {
		return 0
	}
	b := &backoff.ExponentialBackOff{
		InitialInterval: w.interval,
		Multiplier:      2,
		MaxInterval:     maxBackoff,
	}
	b.Reset()
	var d time.Duration
	for i := 0; i < attempts && d < maxBackoff; i++ {
		d = b.NextBackOff()
	}
	return min(d, maxBackoff)
}
