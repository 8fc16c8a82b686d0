package testutil

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/vk/batchflow/internal/batch"
	"github.com/vk/batchflow/internal/pipeline"
	"github.com/vk/batchflow/internal/policy"
)

// TaskScript programs how the fake scheduler treats one task.
type TaskScript struct {
	// SubmitErrs are consumed one per Submit call; a nil entry means the
	// submission succeeds. Once the slice is drained, submissions succeed.
	SubmitErrs []error
	// StatusByAttempt maps an attempt number to the sequence of statuses
	// successive polls observe; the last entry repeats forever.
	StatusByAttempt map[int][]batch.Status
	// Statuses is the fallback sequence for attempts not listed above.
	Statuses []batch.Status
}

// SubmitCall records one Submit invocation for assertions.
type SubmitCall struct {
	Task    string
	Attempt int
	Request policy.Request
}

// FakeClient is a scripted, in-memory stand-in for the cluster scheduler.
// The zero value runs every task to success on the second poll.
type FakeClient struct {
	mu        sync.Mutex
	scripts   map[string]*TaskScript
	nextJobID int

	submits   []SubmitCall
	cancelled []string

	// cursor tracks how many polls each job has received.
	cursor map[string]int
	// sequences holds the status script assigned to each job at submit time.
	sequences map[string][]batch.Status
}

// NewFakeClient returns an empty fake; use Script to program tasks.
func NewFakeClient() *FakeClient {
	return &FakeClient{
		scripts:   make(map[string]*TaskScript),
		cursor:    make(map[string]int),
		sequences: make(map[string][]batch.Status),
	}
}

// Script registers the behavior for one task.
func (f *FakeClient) Script(task string, script *TaskScript) *FakeClient {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.scripts[task] = script
	return f
}

// Submits returns every recorded Submit call in order.
func (f *FakeClient) Submits() []SubmitCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]SubmitCall(nil), f.submits...)
}

// SubmitCount returns how many times the named task was submitted.
func (f *FakeClient) SubmitCount(task string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.submits {
		if c.Task == task {
			n++
		}
	}
	return n
}

// Cancelled returns the job IDs that received cancel calls.
func (f *FakeClient) Cancelled() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.cancelled...)
}

// Submit implements batch.Client.
func (f *FakeClient) Submit(ctx context.Context, task *pipeline.Task, req policy.Request, attempt int) (batch.Handle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.submits = append(f.submits, SubmitCall{Task: task.Name, Attempt: attempt, Request: req})

	script := f.scripts[task.Name]
	if script != nil && len(script.SubmitErrs) > 0 {
		err := script.SubmitErrs[0]
		script.SubmitErrs = script.SubmitErrs[1:]
		if err != nil {
			return batch.Handle{}, err
		}
	}

	f.nextJobID++
	jobID := fmt.Sprintf("%d", 1000+f.nextJobID)
	f.sequences[jobID] = f.statusSequence(script, attempt)

	return batch.Handle{
		JobID:       jobID,
		TaskName:    task.Name,
		Attempt:     attempt,
		SubmittedAt: time.Now().UTC(),
	}, nil
}

func (f *FakeClient) statusSequence(script *TaskScript, attempt int) []batch.Status {
	if script != nil {
		if seq, ok := script.StatusByAttempt[attempt]; ok {
			return seq
		}
		if len(script.Statuses) > 0 {
			return script.Statuses
		}
	}
	return []batch.Status{
		{Kind: batch.StatusRunning},
		{Kind: batch.StatusCompleted, ExitCode: 0},
	}
}

// Status implements batch.Client.
func (f *FakeClient) Status(ctx context.Context, h batch.Handle) (batch.Status, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	seq, ok := f.sequences[h.JobID]
	if !ok {
		return batch.Status{Kind: batch.StatusUnknown}, nil
	}
	i := f.cursor[h.JobID]
	if i >= len(seq) {
		i = len(seq) - 1
	}
	f.cursor[h.JobID]++
	return seq[i], nil
}

// Cancel implements batch.Client.
func (f *FakeClient) Cancel(ctx context.Context, h batch.Handle) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelled = append(f.cancelled, h.JobID)
	return nil
}

// Convenience status builders used by test scripts.

// Running is a StatusRunning poll result.
func Running() batch.Status { return batch.Status{Kind: batch.StatusRunning} }

// Pending is a StatusPending poll result.
func Pending() batch.Status { return batch.Status{Kind: batch.StatusPending} }

// Unknown is a StatusUnknown poll result.
func Unknown() batch.Status { return batch.Status{Kind: batch.StatusUnknown} }

// Completed is a StatusCompleted poll result with the given exit code.
func Completed(exitCode int) batch.Status {
	return batch.Status{Kind: batch.StatusCompleted, ExitCode: exitCode}
}
