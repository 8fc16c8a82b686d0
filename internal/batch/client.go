// Package batch defines the submission client interface to the cluster
// scheduler and its Slurm CLI implementation. Any client implementing
// Submit/Status/Cancel is interchangeable; the tracker does not care whether
// status updates arrive from polling a real scheduler or from a scripted fake
// in tests.
package batch

import (
	"context"
	"time"

	"github.com/vk/batchflow/internal/pipeline"
	"github.com/vk/batchflow/internal/policy"
)

// Handle identifies one live scheduler submission of a task attempt.
type Handle struct {
	JobID       string
	TaskName    string
	Attempt     int
	SubmittedAt time.Time
}

// StatusKind enumerates what the scheduler can report about a job.
type StatusKind int

const (
	// StatusPending means the job is queued but not yet started.
	StatusPending StatusKind = iota
	// StatusRunning means the job is executing.
	StatusRunning
	// StatusCompleted means the job finished; ExitCode is meaningful.
	StatusCompleted
	// StatusUnknown means the scheduler cannot report on the job (purged
	// history, restarted controller). It is reported verbatim, never guessed
	// into Completed or Failed.
	StatusUnknown
)

func (k StatusKind) String() string {
	switch k {
	case StatusPending:
		return "pending"
	case StatusRunning:
		return "running"
	case StatusCompleted:
		return "completed"
	default:
		return "unknown"
	}
}

// Status is the scheduler's view of a submitted job.
type Status struct {
	Kind     StatusKind
	ExitCode int
}

// Client is the stateless adapter to the cluster scheduler. Submit issues
// exactly one submission call and never blocks waiting for job completion.
type Client interface {
	Submit(ctx context.Context, task *pipeline.Task, req policy.Request, attempt int) (Handle, error)
	Status(ctx context.Context, h Handle) (Status, error)
	Cancel(ctx context.Context, h Handle) error
}
