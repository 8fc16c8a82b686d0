package batch

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/vk/batchflow/internal/ctxlog"
	"github.com/vk/batchflow/internal/pipeline"
	"github.com/vk/batchflow/internal/policy"
)

// SlurmClient submits tasks with sbatch, queries them with squeue, and
// cancels them with scancel. Each attempt gets its own working directory under
// the run directory containing the generated batch script, captured
// stdout/stderr, and an exit-code file written by the script itself. The
// exit-code file doubles as the completion signal once the scheduler has
// forgotten the job.
type SlurmClient struct {
	// Binary names, overridable for clusters that wrap them.
	Sbatch  string
	Squeue  string
	Scancel string

	// RunDir is the root of the per-task working directories.
	RunDir string
}

// NewSlurmClient returns a client using the standard Slurm binaries.
func NewSlurmClient(runDir string) *SlurmClient {
	return &SlurmClient{
		Sbatch:  "sbatch",
		Squeue:  "squeue",
		Scancel: "scancel",
		RunDir:  runDir,
	}
}

// AttemptDir returns the working directory for one attempt of a task.
func (c *SlurmClient) AttemptDir(taskName string, attempt int) string {
	return filepath.Join(c.RunDir, "tasks", taskName, fmt.Sprintf("attempt-%d", attempt))
}

// Submit writes the attempt's batch script and issues one sbatch call,
// returning the parsed job handle. It never waits for the job to run.
func (c *SlurmClient) Submit(ctx context.Context, task *pipeline.Task, req policy.Request, attempt int) (Handle, error) {
	logger := ctxlog.FromContext(ctx)

	dir := c.AttemptDir(task.Name, attempt)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return Handle{}, NewTransientError(fmt.Errorf("creating attempt dir: %w", err))
	}

	scriptPath := filepath.Join(dir, "script.sh")
	if err := os.WriteFile(scriptPath, []byte(c.renderScript(task, req, dir)), 0o755); err != nil {
		return Handle{}, NewTransientError(fmt.Errorf("writing batch script: %w", err))
	}

	args := c.sbatchArgs(task, req, dir, scriptPath)
	logger.Debug("Issuing sbatch call.", "task", task.Name, "attempt", attempt, "args", strings.Join(args, " "))

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, c.Sbatch, args...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return Handle{}, classifySbatchFailure(err, stderr.String())
	}

	jobID, err := parseJobID(stdout.String())
	if err != nil {
		return Handle{}, NewTransientError(err)
	}

	return Handle{
		JobID:       jobID,
		TaskName:    task.Name,
		Attempt:     attempt,
		SubmittedAt: time.Now().UTC(),
	}, nil
}

// Status queries the scheduler for the job's state. If the scheduler no
// longer knows the job, the attempt's exit-code file decides between
// Completed and Unknown.
func (c *SlurmClient) Status(ctx context.Context, h Handle) (Status, error) {
	var stdout bytes.Buffer
	cmd := exec.CommandContext(ctx, c.Squeue, "--noheader", "--format=%T", "--jobs", h.JobID)
	cmd.Stdout = &stdout
	// squeue exits nonzero for unknown job IDs; that is not a query failure,
	// it just means the job left the queue.
	_ = cmd.Run()

	state := strings.TrimSpace(stdout.String())
	switch state {
	case "PENDING", "CONFIGURING", "SUSPENDED", "REQUEUED":
		return Status{Kind: StatusPending}, nil
	case "RUNNING", "COMPLETING":
		return Status{Kind: StatusRunning}, nil
	}

	// Not in the queue anymore (or a terminal squeue state): fall back to the
	// exit-code file the batch script writes as its last action.
	code, ok, err := c.readExitCode(h)
	if err != nil {
		return Status{}, err
	}
	if ok {
		return Status{Kind: StatusCompleted, ExitCode: code}, nil
	}

	switch state {
	case "FAILED", "TIMEOUT", "OUT_OF_MEMORY", "NODE_FAIL", "CANCELLED", "PREEMPTED", "BOOT_FAIL", "DEADLINE":
		// The scheduler says it died before the script could record a code.
		return Status{Kind: StatusCompleted, ExitCode: 1}, nil
	case "COMPLETED":
		return Status{Kind: StatusCompleted, ExitCode: 0}, nil
	}
	return Status{Kind: StatusUnknown}, nil
}

// Cancel issues a best-effort scancel for the handle.
func (c *SlurmClient) Cancel(ctx context.Context, h Handle) error {
	return exec.CommandContext(ctx, c.Scancel, h.JobID).Run()
}

// renderScript produces the batch script for one attempt. The trailing
// exit-code capture is load-bearing: it is how Status resolves jobs the
// scheduler has already purged.
func (c *SlurmClient) renderScript(task *pipeline.Task, req policy.Request, dir string) string {
	var b strings.Builder
	b.WriteString("#!/bin/sh\n")
	if req.Container != "" {
		fmt.Fprintf(&b, "# container: %s\n", req.Container)
	}
	b.WriteString(task.Command)
	b.WriteString("\n")
	b.WriteString("rc=$?\n")
	fmt.Fprintf(&b, "echo $rc > %s\n", filepath.Join(dir, "exitcode"))
	b.WriteString("exit $rc\n")
	return b.String()
}

// sbatchArgs maps a resolved Request onto sbatch flags.
func (c *SlurmClient) sbatchArgs(task *pipeline.Task, req policy.Request, dir, scriptPath string) []string {
	args := []string{
		"--parsable",
		"--job-name", task.Name,
		"--cpus-per-task", strconv.Itoa(req.CPUs),
		"--mem", fmt.Sprintf("%dM", req.MemoryMB),
		"--time", strconv.Itoa(req.TimeMin),
		"--output", filepath.Join(dir, "stdout.log"),
		"--error", filepath.Join(dir, "stderr.log"),
	}
	if len(req.Partitions) > 0 {
		args = append(args, "--partition", strings.Join(req.Partitions, ","))
	}
	if req.Account != "" {
		args = append(args, "--account", req.Account)
	}
	if req.QOS != "" {
		args = append(args, "--qos", req.QOS)
	}
	args = append(args, req.Directives...)
	args = append(args, scriptPath)
	return args
}

func (c *SlurmClient) readExitCode(h Handle) (int, bool, error) {
	raw, err := os.ReadFile(filepath.Join(c.AttemptDir(h.TaskName, h.Attempt), "exitcode"))
	if os.IsNotExist(err) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	code, err := strconv.Atoi(strings.TrimSpace(string(raw)))
	if err != nil {
		return 0, false, fmt.Errorf("malformed exitcode file for %s attempt %d: %w", h.TaskName, h.Attempt, err)
	}
	return code, true, nil
}

// parseJobID extracts the numeric job ID from sbatch --parsable output, which
// is either "123" or "123;cluster".
func parseJobID(out string) (string, error) {
	out = strings.TrimSpace(out)
	if out == "" {
		return "", fmt.Errorf("sbatch produced no job id")
	}
	id := out
	if i := strings.IndexByte(out, ';'); i >= 0 {
		id = out[:i]
	}
	if _, err := strconv.Atoi(id); err != nil {
		return "", fmt.Errorf("unexpected sbatch output %q", out)
	}
	return id, nil
}

// rejectionMarkers are sbatch stderr fragments that mean the request itself
// is invalid and will never be accepted.
var rejectionMarkers = []string{
	"invalid partition",
	"invalid account",
	"invalid qos",
	"unrecognized option",
	"invalid option",
	"memory specification",
}

// classifySbatchFailure decides Transient vs Rejected from the sbatch error
// and stderr. Anything unrecognized is treated as transient so the bounded
// retry gets a chance; permanent problems keep failing and exhaust attempts.
func classifySbatchFailure(err error, stderr string) *SubmitError {
	lower := strings.ToLower(stderr)
	for _, marker := range rejectionMarkers {
		if strings.Contains(lower, marker) {
			return NewRejectedError(fmt.Errorf("%s: %s", err, strings.TrimSpace(stderr)))
		}
	}
	if stderr != "" {
		return NewTransientError(fmt.Errorf("%s: %s", err, strings.TrimSpace(stderr)))
	}
	return NewTransientError(err)
}
