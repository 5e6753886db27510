// Package loop has the timing helpers shared by the forever-running loops.
package loop

import (
	"context"
	"log/slog"
	"time"

	"github.com/jdholdren/pitlane/internal/metrics"
)

// Sleep waits for d or until ctx is done, whichever comes first. It returns
// the context's error when cut short.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}

	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Remaining is what is left of period once elapsed has been spent, never
// below zero.
func Remaining(period, elapsed time.Duration) time.Duration {
	return max(period-elapsed, 0)
}

// Until is the time from now to t, never below zero.
func Until(now, t time.Time) time.Duration {
	return max(t.Sub(now), 0)
}

// Every runs iterate once per period until ctx is done. A failed iteration is
// logged and waits out the rest of its period like any other; the next one
// starts from scratch.
func Every(ctx context.Context, name string, period time.Duration, iterate func(context.Context) error) error {
	for {
		timer := metrics.NewTimer()

		err := iterate(ctx)
		timer.ObserveDurationVec(metrics.LoopIterationDuration, name)
		if ctx.Err() != nil {
			return nil
		}

		if err != nil {
			metrics.LoopIterationsTotal.WithLabelValues(name, "failure").Inc()
			slog.ErrorContext(ctx, "iteration aborted", "err", err, "duration", timer.Duration())
		} else {
			metrics.LoopIterationsTotal.WithLabelValues(name, "success").Inc()
		}

		if err := Sleep(ctx, Remaining(period, timer.Duration())); err != nil {
			return nil
		}
	}
}
