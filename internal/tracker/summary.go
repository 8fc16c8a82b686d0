package tracker

import (
	"fmt"
	"io"

	"github.com/vk/batchflow/internal/manifest"
)

// TaskResult is one line of the final summary.
type TaskResult struct {
	Name     string
	State    manifest.State
	Reason   string
	Attempts int
	Optional bool
}

// Summary is the final account of a run.
type Summary struct {
	Tasks     []TaskResult
	Succeeded int
	Failed    int
	Skipped   int
}

// Clean reports whether the run finished without a required task failing.
// Optional task failures and the skips they cause do not dirty a run.
func (s Summary) Clean() bool {
	return s.Failed == 0
}

// Summary builds the final summary in deterministic topological order.
func (t *Tracker) Summary() Summary {
	snap := t.store.Snapshot()
	var out Summary
	for _, name := range t.graph.TopoOrder() {
		rec, ok := snap[name]
		if !ok {
			continue
		}
		task := t.graph.Task(name)
		res := TaskResult{
			Name:     name,
			State:    rec.State,
			Reason:   rec.Reason,
			Attempts: rec.Attempts,
			Optional: task.Optional,
		}
		out.Tasks = append(out.Tasks, res)

		switch {
		case rec.State == manifest.StateSucceeded:
			out.Succeeded++
		case rec.State == manifest.StateFailed && rec.Reason == manifest.ReasonSkipped:
			out.Skipped++
		case rec.State == manifest.StateFailed && task.Optional:
			// Best-effort task: its failure is accepted.
		case rec.State == manifest.StateFailed:
			out.Failed++
		}
	}
	return out
}

// Write renders the summary as the operator-facing report.
func (s Summary) Write(w io.Writer) {
	fmt.Fprintf(w, "run summary: %d succeeded, %d failed, %d skipped\n", s.Succeeded, s.Failed, s.Skipped)
	for _, res := range s.Tasks {
		line := fmt.Sprintf("  %-24s %-10s attempts=%d", res.Name, res.State, res.Attempts)
		if res.Reason != "" {
			line += fmt.Sprintf(" (%s)", res.Reason)
		}
		if res.Optional {
			line += " [optional]"
		}
		fmt.Fprintln(w, line)
	}
}
