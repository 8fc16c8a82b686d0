// Package tracker owns the per-task state machine that advances the task
// graph: it polls submitted jobs, applies state transitions, triggers retries
// with escalated resource requests, propagates failures to dependents, and
// persists the run manifest after every change.
//
// All state mutation happens on the goroutine calling Tick, so no two
// transitions ever race on the same task. Status polls of independent live
// jobs run concurrently in a bounded pool; their results are applied
// serially.
package tracker

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/vk/batchflow/internal/batch"
	"github.com/vk/batchflow/internal/ctxlog"
	"github.com/vk/batchflow/internal/manifest"
	"github.com/vk/batchflow/internal/pipeline"
	"github.com/vk/batchflow/internal/policy"
)

// Options tune the tracker's retry and polling behavior.
type Options struct {
	// GracePeriod is how long a job may report Unknown status before the
	// attempt is declared lost and retried.
	GracePeriod time.Duration
	// BackoffBase is the delay before the second attempt; it doubles per
	// attempt up to BackoffMax.
	BackoffBase time.Duration
	BackoffMax  time.Duration
	// PollWorkers bounds concurrent status queries. Submissions are serial.
	PollWorkers int
}

func (o *Options) withDefaults() Options {
	out := *o
	if out.GracePeriod <= 0 {
		out.GracePeriod = 5 * time.Minute
	}
	if out.BackoffBase <= 0 {
		out.BackoffBase = 10 * time.Second
	}
	if out.BackoffMax <= 0 {
		out.BackoffMax = 10 * time.Minute
	}
	if out.PollWorkers <= 0 {
		out.PollWorkers = 4
	}
	return out
}

// Tracker drives the task graph to completion against a submission client.
type Tracker struct {
	graph   *pipeline.Graph
	profile *policy.Profile
	client  batch.Client
	store   *manifest.Store
	opts    Options

	// live holds the single live handle per task. The at-most-one-live-handle
	// invariant is enforced here: a task is only submitted when it has no
	// entry in this map.
	live map[string]batch.Handle
	// unknownSince records when a live job first reported Unknown.
	unknownSince map[string]time.Time
	// nextAttemptAt gates retrying tasks until their backoff expires.
	nextAttemptAt map[string]time.Time

	// now is the clock, replaceable in tests.
	now func() time.Time
}

// New creates a tracker over the given graph, policy, client and manifest
// store.
func New(graph *pipeline.Graph, profile *policy.Profile, client batch.Client, store *manifest.Store, opts Options) *Tracker {
	return &Tracker{
		graph:         graph,
		profile:       profile,
		client:        client,
		store:         store,
		opts:          opts.withDefaults(),
		live:          make(map[string]batch.Handle),
		unknownSince:  make(map[string]time.Time),
		nextAttemptAt: make(map[string]time.Time),
	}
}

func (t *Tracker) clock() time.Time {
	if t.now != nil {
		return t.now()
	}
	return time.Now()
}

// Seed ensures every graph task has a manifest record, leaving existing
// records (from a previous run) untouched.
func (t *Tracker) Seed() error {
	for _, name := range t.graph.TopoOrder() {
		task := t.graph.Task(name)
		if err := t.store.Ensure(name, task.Optional); err != nil {
			return err
		}
	}
	return nil
}

// Resume reconciles in-memory tracking with a previously persisted manifest.
// Succeeded tasks stay succeeded and are never resubmitted. Tasks that were
// submitted or running when the previous coordinator died get their last
// recorded handle reinstated so the next tick re-polls instead of
// resubmitting.
func (t *Tracker) Resume(ctx context.Context) error {
	logger := ctxlog.FromContext(ctx)
	for name, rec := range t.store.Snapshot() {
		if t.graph.Task(name) == nil {
			logger.Warn("Manifest records a task absent from the pipeline; ignoring.", "task", name)
			continue
		}
		switch rec.State {
		case manifest.StateSubmitted, manifest.StateRunning:
			h := rec.LastHandle()
			if h == nil {
				// Submitted with no handle should be impossible (they are
				// written in one manifest update); recover by restarting the
				// attempt from ready.
				logger.Warn("Manifest task has no job handle; re-queueing.", "task", name, "state", rec.State)
				if err := t.store.Update(name, func(r *manifest.TaskRecord) {
					r.State = manifest.StateReady
				}); err != nil {
					return err
				}
				continue
			}
			t.live[name] = batch.Handle{
				JobID:       h.JobID,
				TaskName:    name,
				Attempt:     h.Attempt,
				SubmittedAt: h.SubmittedAt,
			}
			logger.Info("Resuming tracking of live job.", "task", name, "job_id", h.JobID, "attempt", h.Attempt)
		case manifest.StateSucceeded:
			logger.Debug("Task already succeeded; will not resubmit.", "task", name)
		}
	}
	return nil
}

// Tick advances the graph one step: poll live jobs, apply transitions,
// propagate failures, submit newly ready tasks. It returns true when the
// graph is done (every task terminal).
func (t *Tracker) Tick(ctx context.Context) (bool, error) {
	if err := t.pollLive(ctx); err != nil {
		return false, err
	}
	if err := t.propagateFailures(ctx); err != nil {
		return false, err
	}
	if err := t.submitReady(ctx); err != nil {
		return false, err
	}
	return t.done(), nil
}

// Done reports whether every task has reached a terminal state.
func (t *Tracker) Done() bool { return t.done() }

func (t *Tracker) done() bool {
	for _, rec := range t.store.Snapshot() {
		if t.graph.Task(rec.Name) == nil {
			continue
		}
		if !rec.State.Terminal() {
			return false
		}
	}
	return true
}

// pollResult pairs a status query outcome with its handle.
type pollResult struct {
	handle batch.Handle
	status batch.Status
	err    error
}

// pollLive queries every live handle concurrently (bounded), then applies the
// results serially in deterministic task order.
func (t *Tracker) pollLive(ctx context.Context) error {
	if len(t.live) == 0 {
		return nil
	}

	names := make([]string, 0, len(t.live))
	for name := range t.live {
		names = append(names, name)
	}
	sort.Strings(names)

	results := make(map[string]pollResult, len(names))
	var mu sync.Mutex
	var wg sync.WaitGroup
	sem := make(chan struct{}, t.opts.PollWorkers)

	for _, name := range names {
		h := t.live[name]
		wg.Add(1)
		sem <- struct{}{}
		go func(name string, h batch.Handle) {
			defer wg.Done()
			defer func() { <-sem }()
			status, err := t.client.Status(ctx, h)
			mu.Lock()
			results[name] = pollResult{handle: h, status: status, err: err}
			mu.Unlock()
		}(name, h)
	}
	wg.Wait()

	for _, name := range names {
		if err := t.applyPoll(ctx, name, results[name]); err != nil {
			return err
		}
	}
	return nil
}

// applyPoll handles one status query result for a live job.
func (t *Tracker) applyPoll(ctx context.Context, name string, res pollResult) error {
	logger := ctxlog.FromContext(ctx).With("task", name, "job_id", res.handle.JobID, "attempt", res.handle.Attempt)

	if res.err != nil {
		// A failed query is not a failed job. Keep the handle and re-poll on
		// the next tick.
		logger.Warn("Status query failed; will re-poll.", "error", res.err)
		return nil
	}

	switch res.status.Kind {
	case batch.StatusPending:
		delete(t.unknownSince, name)
		return nil

	case batch.StatusRunning:
		delete(t.unknownSince, name)
		rec, _ := t.store.Get(name)
		if rec.State == manifest.StateSubmitted {
			logger.Debug("Job started running.")
			return t.store.Update(name, func(r *manifest.TaskRecord) {
				r.State = manifest.StateRunning
			})
		}
		return nil

	case batch.StatusCompleted:
		delete(t.unknownSince, name)
		delete(t.live, name)
		if res.status.ExitCode == 0 {
			logger.Info("✅ Task succeeded.")
			return t.store.Update(name, func(r *manifest.TaskRecord) {
				r.State = manifest.StateSucceeded
				r.Reason = ""
				r.Error = ""
			})
		}
		logger.Warn("Task attempt failed.", "exit_code", res.status.ExitCode)
		return t.failAttempt(ctx, name, res.handle.Attempt, manifest.ReasonExit,
			fmt.Sprintf("exit code %d", res.status.ExitCode))

	case batch.StatusUnknown:
		since, seen := t.unknownSince[name]
		if !seen {
			// First Unknown: start the grace clock and force a re-check on
			// the next tick before drawing any conclusion.
			t.unknownSince[name] = t.clock()
			logger.Warn("Scheduler cannot report job status; starting grace period.")
			return nil
		}
		if t.clock().Sub(since) < t.opts.GracePeriod {
			return nil
		}
		// Unknown persisted past the grace period: treat the attempt as lost
		// (transient), cancel best-effort, and retry. Never assume success.
		logger.Warn("Job status unknown past grace period; declaring attempt lost.")
		if err := t.client.Cancel(ctx, res.handle); err != nil {
			logger.Debug("Best-effort cancel of lost job failed.", "error", err)
		}
		delete(t.unknownSince, name)
		delete(t.live, name)
		return t.failAttempt(ctx, name, res.handle.Attempt, manifest.ReasonExhausted, "job status unknown past grace period")
	}
	return nil
}

// failAttempt records a failed attempt and either schedules a retry with
// backoff or marks the task terminally failed when attempts are exhausted.
func (t *Tracker) failAttempt(ctx context.Context, name string, attempt int, reason, detail string) error {
	logger := ctxlog.FromContext(ctx).With("task", name, "attempt", attempt)

	task := t.graph.Task(name)
	req := t.profile.Resolve(task, attempt)

	if attempt >= req.MaxAttempts {
		logger.Error("Task failed terminally; attempts exhausted.", "max_attempts", req.MaxAttempts, "reason", reason)
		return t.store.Update(name, func(r *manifest.TaskRecord) {
			r.State = manifest.StateFailed
			r.Reason = reason
			r.Error = detail
		})
	}

	delay := t.backoff(attempt)
	t.nextAttemptAt[name] = t.clock().Add(delay)
	logger.Info("Retrying task.", "next_attempt", attempt+1, "backoff", delay.String())
	return t.store.Update(name, func(r *manifest.TaskRecord) {
		r.State = manifest.StateRetrying
		r.Reason = ""
		r.Error = detail
	})
}

// backoff returns the delay before the attempt following attempt n, doubling
// per failed attempt and capped at BackoffMax.
func (t *Tracker) backoff(attempt int) time.Duration {
	d := t.opts.BackoffBase
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= t.opts.BackoffMax {
			return t.opts.BackoffMax
		}
	}
	return d
}

// propagateFailures marks every non-terminal dependent of a terminally failed
// required task as failed(skipped), transitively, without submitting it.
func (t *Tracker) propagateFailures(ctx context.Context) error {
	logger := ctxlog.FromContext(ctx)
	snap := t.store.Snapshot()

	var frontier []string
	for name, rec := range snap {
		task := t.graph.Task(name)
		if task == nil || task.Optional {
			continue
		}
		if rec.State == manifest.StateFailed {
			frontier = append(frontier, name)
		}
	}
	sort.Strings(frontier)

	visited := make(map[string]bool)
	for len(frontier) > 0 {
		name := frontier[0]
		frontier = frontier[1:]
		for _, dep := range t.graph.Dependents(name) {
			if visited[dep] {
				continue
			}
			visited[dep] = true
			rec, ok := snap[dep]
			if !ok || rec.State.Terminal() {
				continue
			}
			if _, isLive := t.live[dep]; isLive {
				// Already submitted; let it finish and fail on its own terms.
				continue
			}
			logger.Warn("Skipping task due to upstream failure.", "task", dep, "failed_dependency", name)
			if err := t.store.Update(dep, func(r *manifest.TaskRecord) {
				r.State = manifest.StateFailed
				r.Reason = manifest.ReasonSkipped
				r.Error = fmt.Sprintf("skipped: dependency %q failed", name)
			}); err != nil {
				return err
			}
			snap[dep] = manifest.TaskRecord{Name: dep, State: manifest.StateFailed, Reason: manifest.ReasonSkipped}
			depTask := t.graph.Task(dep)
			if depTask != nil && !depTask.Optional {
				frontier = append(frontier, dep)
			}
		}
	}
	return nil
}

// submitReady submits every task whose dependencies are satisfied, plus
// retrying tasks whose backoff has expired.
func (t *Tracker) submitReady(ctx context.Context) error {
	snap := t.store.Snapshot()

	for _, task := range t.graph.Ready(snap) {
		if err := t.submit(ctx, task); err != nil {
			return err
		}
	}

	// Retrying tasks re-enter ready once their backoff expires. Their
	// dependencies were satisfied when they first ran and succeeded deps
	// never regress, so no re-check is needed.
	names := make([]string, 0, len(snap))
	for name := range snap {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		rec := snap[name]
		if rec.State != manifest.StateRetrying {
			continue
		}
		if t.clock().Before(t.nextAttemptAt[name]) {
			continue
		}
		if task := t.graph.Task(name); task != nil {
			if err := t.submit(ctx, task); err != nil {
				return err
			}
		}
	}
	return nil
}

// submit performs one submission lifecycle for the task's next attempt.
func (t *Tracker) submit(ctx context.Context, task *pipeline.Task) error {
	logger := ctxlog.FromContext(ctx).With("task", task.Name)

	if _, isLive := t.live[task.Name]; isLive {
		// Invariant: never a second live submission for the same task.
		return nil
	}

	rec, ok := t.store.Get(task.Name)
	if !ok {
		return fmt.Errorf("no manifest record for task %q", task.Name)
	}
	attempt := rec.Attempts + 1
	req := t.profile.Resolve(task, attempt)

	if err := t.store.Update(task.Name, func(r *manifest.TaskRecord) {
		r.State = manifest.StateReady
	}); err != nil {
		return err
	}

	logger.Info("▶️ Submitting task.", "attempt", attempt, "cpus", req.CPUs, "memory_mb", req.MemoryMB, "time_min", req.TimeMin)
	handle, err := t.client.Submit(ctx, task, req, attempt)
	if err != nil {
		if batch.IsRejected(err) {
			logger.Error("Submission rejected by scheduler.", "error", err)
			return t.store.Update(task.Name, func(r *manifest.TaskRecord) {
				r.State = manifest.StateFailed
				r.Attempts = attempt
				r.Reason = manifest.ReasonRejected
				r.Error = err.Error()
			})
		}
		logger.Warn("Transient submission failure.", "error", err)
		if uerr := t.store.Update(task.Name, func(r *manifest.TaskRecord) {
			r.Attempts = attempt
		}); uerr != nil {
			return uerr
		}
		return t.failAttempt(ctx, task.Name, attempt, manifest.ReasonExhausted, err.Error())
	}

	t.live[task.Name] = handle
	delete(t.nextAttemptAt, task.Name)
	return t.store.Update(task.Name, func(r *manifest.TaskRecord) {
		r.State = manifest.StateSubmitted
		r.Attempts = attempt
		r.Error = ""
		r.Handles = append(r.Handles, manifest.HandleRecord{
			JobID:       handle.JobID,
			Attempt:     attempt,
			SubmittedAt: handle.SubmittedAt,
		})
	})
}

// CancelAll implements run-level cancellation: best-effort cancel of every
// live job and a failed(cancelled) terminal state for every non-terminal
// task.
func (t *Tracker) CancelAll(ctx context.Context) error {
	logger := ctxlog.FromContext(ctx)

	names := make([]string, 0, len(t.live))
	for name := range t.live {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		h := t.live[name]
		if err := t.client.Cancel(ctx, h); err != nil {
			logger.Warn("Best-effort cancel failed.", "task", name, "job_id", h.JobID, "error", err)
		}
		delete(t.live, name)
	}

	for name, rec := range t.store.Snapshot() {
		if t.graph.Task(name) == nil || rec.State.Terminal() {
			continue
		}
		if err := t.store.Update(name, func(r *manifest.TaskRecord) {
			r.State = manifest.StateFailed
			r.Reason = manifest.ReasonCancelled
			r.Error = "run cancelled"
		}); err != nil {
			return err
		}
	}
	return nil
}
