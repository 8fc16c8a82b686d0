package testutil

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/vk/batchflow/internal/app"
)

// DefaultProfile is a minimal profile most scenario tests can share.
const DefaultProfile = `
profile {
  executor   = "slurm"
  account    = "test"
  partitions = ["compute"]
}

defaults {
  cpus         = 1
  memory_mb    = 512
  time_min     = 10
  max_attempts = 3
}
`

// HarnessResult holds the outcomes of a coordinator test run.
type HarnessResult struct {
	LogOutput string
	Summary   string
	Err       error
	RunDir    string
	Config    *app.Config
}

// RunCoordinatorTest provides a standardized harness for running the full
// coordinator against a scripted fake scheduler. The files map holds
// HCL sources relative to a fresh temp dir; "pipeline/" entries form the
// pipeline, and a "profile.hcl" entry overrides DefaultProfile.
func RunCoordinatorTest(t *testing.T, files map[string]string, client *FakeClient) *HarnessResult {
	t.Helper()
	return RunCoordinatorTestWithContext(context.Background(), t, files, client, nil)
}

// RunCoordinatorTestWithContext is RunCoordinatorTest with a caller-supplied
// context and an optional config mutator (used for resume tests that re-run
// against the same run directory).
func RunCoordinatorTestWithContext(ctx context.Context, t *testing.T, files map[string]string, client *FakeClient, mutate func(*app.Config)) *HarnessResult {
	t.Helper()

	tmpDir, err := os.MkdirTemp("", ".tmp-coordinator-test-*")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(tmpDir) })

	pipelineDir := filepath.Join(tmpDir, "pipeline")
	require.NoError(t, os.Mkdir(pipelineDir, 0o755))

	profilePath := filepath.Join(tmpDir, "profile.hcl")
	require.NoError(t, os.WriteFile(profilePath, []byte(DefaultProfile), 0o644))

	for name, content := range files {
		filePath := filepath.Join(tmpDir, name)
		require.NoError(t, os.MkdirAll(filepath.Dir(filePath), 0o755))
		require.NoError(t, os.WriteFile(filePath, []byte(content), 0o644))
	}

	config := &app.Config{
		PipelinePath: pipelineDir,
		ProfilePath:  profilePath,
		RunDir:       filepath.Join(tmpDir, "results"),
		LogFormat:    "text",
		LogLevel:     "debug",
		WorkerCount:  4,

		// Tight timings keep scenario tests fast without changing semantics.
		PollInterval: 2 * time.Millisecond,
		GracePeriod:  10 * time.Millisecond,
		BackoffBase:  time.Millisecond,
		BackoffMax:   5 * time.Millisecond,
	}
	if mutate != nil {
		mutate(config)
	}

	outBuffer := &SafeBuffer{}
	logBuffer := &SafeBuffer{}

	coordApp := app.NewApp(outBuffer, logBuffer, config, client)
	runErr := coordApp.Run(ctx)

	if os.Getenv("BATCHFLOW_TEST_LOGS") == "true" {
		t.Logf("--- Full Log Output for %s ---\n%s", t.Name(), logBuffer.String())
	}

	return &HarnessResult{
		LogOutput: logBuffer.String(),
		Summary:   outBuffer.String(),
		Err:       runErr,
		RunDir:    config.RunDir,
		Config:    config,
	}
}

// ResumeRun re-runs the coordinator against an earlier result's run
// directory, simulating a coordinator restart.
func ResumeRun(t *testing.T, prev *HarnessResult, client *FakeClient) *HarnessResult {
	t.Helper()

	config := *prev.Config
	config.Resume = true

	outBuffer := &SafeBuffer{}
	logBuffer := &SafeBuffer{}

	coordApp := app.NewApp(outBuffer, logBuffer, &config, client)
	runErr := coordApp.Run(context.Background())

	return &HarnessResult{
		LogOutput: logBuffer.String(),
		Summary:   outBuffer.String(),
		Err:       runErr,
		RunDir:    config.RunDir,
		Config:    &config,
	}
}
