package integration_tests

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vk/batchflow/internal/app"
	"github.com/vk/batchflow/internal/batch"
	"github.com/vk/batchflow/internal/testutil"
)

// TestResume_NeverResubmitsSucceededTasks completes a run, then resumes it
// against the same run directory and verifies nothing is submitted again.
func TestResume_NeverResubmitsSucceededTasks(t *testing.T) {
	t.Parallel()

	files := map[string]string{
		"pipeline/main.hcl": `
task "a" { command = "true" }

task "b" {
  command    = "true"
  depends_on = ["a"]
}
`,
	}

	first := testutil.RunCoordinatorTest(t, files, testutil.NewFakeClient())
	require.NoError(t, first.Err, "logs:\n%s", first.LogOutput)

	resumeClient := testutil.NewFakeClient()
	second := testutil.ResumeRun(t, first, resumeClient)

	require.NoError(t, second.Err, "logs:\n%s", second.LogOutput)
	assert.Contains(t, second.Summary, "2 succeeded, 0 failed, 0 skipped")
	assert.Empty(t, resumeClient.Submits(), "a completed run must resume to a no-op")
}

// TestResume_RetriesOnlyTheFailedTask fails one task terminally, then resumes
// and verifies the succeeded sibling is untouched while terminal failures
// stay terminal.
func TestResume_KeepsTerminalFailures(t *testing.T) {
	t.Parallel()

	files := map[string]string{
		"pipeline/main.hcl": `
task "good" { command = "true" }
task "bad" { command = "false" }
`,
	}

	failing := testutil.NewFakeClient()
	failing.Script("bad", &testutil.TaskScript{
		Statuses: []batch.Status{testutil.Completed(1)},
	})

	first := testutil.RunCoordinatorTest(t, files, failing)
	require.ErrorIs(t, first.Err, app.ErrTasksFailed)

	resumeClient := testutil.NewFakeClient()
	second := testutil.ResumeRun(t, first, resumeClient)

	// Terminal states survive the restart verbatim; the coordinator reports
	// the same outcome without touching the scheduler.
	require.ErrorIs(t, second.Err, app.ErrTasksFailed)
	assert.Contains(t, second.Summary, "1 succeeded, 1 failed, 0 skipped")
	assert.Empty(t, resumeClient.Submits())
}

func TestResume_WithoutManifestFails(t *testing.T) {
	t.Parallel()

	files := map[string]string{
		"pipeline/main.hcl": `task "a" { command = "true" }`,
	}

	client := testutil.NewFakeClient()
	result := testutil.RunCoordinatorTestWithContext(context.Background(), t, files, client, func(cfg *app.Config) {
		cfg.Resume = true
	})

	require.Error(t, result.Err)
	assert.Contains(t, result.Err.Error(), "no manifest")
	assert.Empty(t, client.Submits())
}
