package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/vk/batchflow/internal/batch"
	"github.com/vk/batchflow/internal/coordinator"
	"github.com/vk/batchflow/internal/ctxlog"
	"github.com/vk/batchflow/internal/manifest"
	"github.com/vk/batchflow/internal/pipeline"
	"github.com/vk/batchflow/internal/policy"
	"github.com/vk/batchflow/internal/tracker"
)

// ErrTasksFailed is returned by Run when the graph completed but one or more
// required tasks terminally failed. The process must exit non-zero in that
// case even though the coordinator itself worked fine.
var ErrTasksFailed = errors.New("one or more tasks failed")

// Run executes the coordinator end to end: load, resume if applicable, drive
// the graph, print the final summary.
func (a *App) Run(ctx context.Context) error {
	ctx = ctxlog.WithLogger(ctx, a.logger)
	a.logger.Debug("App.Run method started.")

	if a.config.HealthcheckPort > 0 {
		a.startHealthcheckServer(a.config.HealthcheckPort)
	}

	graph, err := pipeline.Load(ctx, a.config.PipelinePath)
	if err != nil {
		return fmt.Errorf("failed to load pipeline: %w", err)
	}
	a.logger.Info("Pipeline loaded.", "task_count", len(graph.Tasks()))

	profile, err := policy.Load(ctx, a.config.ProfilePath)
	if err != nil {
		return fmt.Errorf("failed to load profile: %w", err)
	}

	if err := os.MkdirAll(a.config.RunDir, 0o755); err != nil {
		return fmt.Errorf("failed to create run directory: %w", err)
	}

	store, existed, err := manifest.Open(filepath.Join(a.config.RunDir, "manifest.json"))
	if err != nil {
		return err
	}
	if a.config.Resume && !existed {
		return fmt.Errorf("resume requested but no manifest found in %q", a.config.RunDir)
	}

	client := a.client
	if client == nil {
		client, err = a.newClient(profile)
		if err != nil {
			return err
		}
	}

	trk := tracker.New(graph, profile, client, store, tracker.Options{
		GracePeriod: a.config.GracePeriod,
		BackoffBase: a.config.BackoffBase,
		BackoffMax:  a.config.BackoffMax,
		PollWorkers: a.config.WorkerCount,
	})
	if err := trk.Seed(); err != nil {
		return err
	}
	if existed {
		a.logger.Info("Existing manifest found; resuming run.", "manifest", store.Path())
		if err := trk.Resume(ctx); err != nil {
			return err
		}
	}

	coord := coordinator.New(trk, a.config.PollInterval)
	summary, runErr := coord.Run(ctx)

	summary.Write(a.outW)

	if runErr != nil {
		return runErr
	}
	if !summary.Clean() {
		return ErrTasksFailed
	}
	a.logger.Debug("App.Run method finished.")
	return nil
}

// newClient builds the scheduler adapter named by the profile.
func (a *App) newClient(profile *policy.Profile) (batch.Client, error) {
	switch profile.Executor {
	case "slurm":
		return batch.NewSlurmClient(a.config.RunDir), nil
	default:
		return nil, fmt.Errorf("unknown executor %q in profile (supported: slurm)", profile.Executor)
	}
}
