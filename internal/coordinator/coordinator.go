// Package coordinator runs the long-lived tick loop that drives the
// execution tracker until the task graph completes or the run is cancelled.
// The coordinator itself is intended to run inside a single lightweight
// scheduler job; all heavy work happens in the per-task jobs it submits.
package coordinator

import (
	"context"
	"errors"
	"time"

	"github.com/vk/batchflow/internal/ctxlog"
	"github.com/vk/batchflow/internal/tracker"
)

// Coordinator ticks a tracker on a fixed interval.
type Coordinator struct {
	tracker  *tracker.Tracker
	interval time.Duration
}

// New creates a coordinator. A non-positive interval defaults to 15 seconds,
// the cadence a polling scheduler front-end tolerates comfortably.
func New(t *tracker.Tracker, interval time.Duration) *Coordinator {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	return &Coordinator{tracker: t, interval: interval}
}

// Run ticks the tracker until the graph is done or ctx is cancelled. On
// cancellation it performs run-level cleanup: best-effort cancel of live jobs
// and failed(cancelled) terminal states for everything non-terminal. The
// final summary is returned in both cases.
func (c *Coordinator) Run(ctx context.Context) (tracker.Summary, error) {
	logger := ctxlog.FromContext(ctx)
	logger.Info("🚀 Coordinator loop starting.", "poll_interval", c.interval.String())

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		done, err := c.tracker.Tick(ctx)
		if err != nil {
			// Tick errors are structural (manifest persistence, bookkeeping),
			// not task failures; task failures are absorbed into task state.
			return c.tracker.Summary(), err
		}
		if done {
			logger.Info("🏁 Task graph complete.")
			return c.tracker.Summary(), nil
		}

		select {
		case <-ctx.Done():
			logger.Warn("Run cancelled; cancelling live jobs.")
			// The run context is gone; use a short independent context for
			// the best-effort cancel calls.
			cancelCtx, cancel := context.WithTimeout(ctxlog.WithLogger(context.Background(), logger), 30*time.Second)
			defer cancel()
			if cerr := c.tracker.CancelAll(cancelCtx); cerr != nil {
				logger.Error("Cancellation cleanup failed.", "error", cerr)
			}
			return c.tracker.Summary(), ErrCancelled
		case <-ticker.C:
		}
	}
}

// ErrCancelled is returned by Run when the run context was cancelled before
// the graph completed.
var ErrCancelled = errors.New("run cancelled")
