package tracker

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vk/batchflow/internal/batch"
	"github.com/vk/batchflow/internal/manifest"
	"github.com/vk/batchflow/internal/pipeline"
	"github.com/vk/batchflow/internal/policy"
)

// fakeScript scripts one task's scheduler behavior: submission errors to
// return before the first successful submission, and per-attempt status
// sequences (the last status repeats once the sequence is exhausted).
type fakeScript struct {
	submitErrs []error
	statuses   map[int][]batch.Status
}

type submitCall struct {
	task    string
	attempt int
	req     policy.Request
}

type fakeClient struct {
	mu        sync.Mutex
	scripts   map[string]*fakeScript
	submits   []submitCall
	cancelled []string
	cursors   map[string]int
	nextJobID int
}

func newFakeClient() *fakeClient {
	return &fakeClient{
		scripts:   make(map[string]*fakeScript),
		cursors:   make(map[string]int),
		nextJobID: 1000,
	}
}

func (c *fakeClient) script(task string) *fakeScript {
	s, ok := c.scripts[task]
	if !ok {
		s = &fakeScript{statuses: make(map[int][]batch.Status)}
		c.scripts[task] = s
	}
	return s
}

func (c *fakeClient) Submit(_ context.Context, task *pipeline.Task, req policy.Request, attempt int) (batch.Handle, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := c.script(task.Name)
	if len(s.submitErrs) > 0 {
		err := s.submitErrs[0]
		s.submitErrs = s.submitErrs[1:]
		return batch.Handle{}, err
	}

	c.submits = append(c.submits, submitCall{task: task.Name, attempt: attempt, req: req})
	c.nextJobID++
	return batch.Handle{
		JobID:       fmt.Sprintf("%d", c.nextJobID),
		TaskName:    task.Name,
		Attempt:     attempt,
		SubmittedAt: time.Now(),
	}, nil
}

func (c *fakeClient) Status(_ context.Context, h batch.Handle) (batch.Status, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := c.script(h.TaskName)
	seq, ok := s.statuses[h.Attempt]
	if !ok || len(seq) == 0 {
		return batch.Status{Kind: batch.StatusCompleted, ExitCode: 0}, nil
	}

	key := fmt.Sprintf("%s/%d", h.TaskName, h.Attempt)
	i := c.cursors[key]
	if i >= len(seq) {
		i = len(seq) - 1
	}
	c.cursors[key] = i + 1
	return seq[i], nil
}

func (c *fakeClient) Cancel(_ context.Context, h batch.Handle) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cancelled = append(c.cancelled, h.TaskName)
	return nil
}

func (c *fakeClient) submitsFor(task string) []submitCall {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []submitCall
	for _, s := range c.submits {
		if s.task == task {
			out = append(out, s)
		}
	}
	return out
}

func (c *fakeClient) submitOrder() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.submits))
	for i, s := range c.submits {
		out[i] = s.task
	}
	return out
}

var (
	running   = batch.Status{Kind: batch.StatusRunning}
	pending   = batch.Status{Kind: batch.StatusPending}
	unknown   = batch.Status{Kind: batch.StatusUnknown}
	succeeded = batch.Status{Kind: batch.StatusCompleted, ExitCode: 0}
)

func failedExit(code int) batch.Status {
	return batch.Status{Kind: batch.StatusCompleted, ExitCode: code}
}

func loadTestGraph(t *testing.T, src string) *pipeline.Graph {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "main.hcl"), []byte(src), 0o644))
	g, err := pipeline.Load(context.Background(), dir)
	require.NoError(t, err)
	return g
}

func loadTestProfile(t *testing.T, maxAttempts int) *policy.Profile {
	t.Helper()
	src := fmt.Sprintf(`
profile {
  executor   = "slurm"
  partitions = ["compute"]
}

defaults {
  cpus         = 1
  memory_mb    = 512
  time_min     = 10
  max_attempts = %d
}
`, maxAttempts)
	path := filepath.Join(t.TempDir(), "profile.hcl")
	require.NoError(t, os.WriteFile(path, []byte(src), 0o644))
	p, err := policy.Load(context.Background(), path)
	require.NoError(t, err)
	return p
}

func newTestTracker(t *testing.T, graph *pipeline.Graph, profile *policy.Profile, client batch.Client) *Tracker {
	t.Helper()
	store, _, err := manifest.Open(filepath.Join(t.TempDir(), "manifest.json"))
	require.NoError(t, err)

	trk := New(graph, profile, client, store, Options{
		BackoffBase: time.Nanosecond,
		BackoffMax:  time.Nanosecond,
		PollWorkers: 2,
	})
	require.NoError(t, trk.Seed())
	return trk
}

func runToCompletion(t *testing.T, trk *Tracker) {
	t.Helper()
	ctx := context.Background()
	for i := 0; i < 200; i++ {
		done, err := trk.Tick(ctx)
		require.NoError(t, err)
		if done {
			return
		}
		time.Sleep(time.Microsecond)
	}
	t.Fatalf("tracker did not finish: %+v", trk.store.Snapshot())
}

func TestTickRespectsDependencyOrder(t *testing.T) {
	graph := loadTestGraph(t, `
task "a" { command = "true" }
task "b" {
  command    = "true"
  depends_on = ["a"]
}
`)
	client := newFakeClient()
	client.script("a").statuses[1] = []batch.Status{pending, running, succeeded}

	trk := newTestTracker(t, graph, loadTestProfile(t, 3), client)
	runToCompletion(t, trk)

	assert.Equal(t, []string{"a", "b"}, client.submitOrder())
	for _, name := range []string{"a", "b"} {
		rec, _ := trk.store.Get(name)
		assert.Equal(t, manifest.StateSucceeded, rec.State)
		assert.Equal(t, 1, rec.Attempts)
	}
}

func TestRetryThenSucceed(t *testing.T) {
	graph := loadTestGraph(t, `task "flaky" { command = "true" }`)
	client := newFakeClient()
	client.script("flaky").statuses[1] = []batch.Status{failedExit(1)}
	client.script("flaky").statuses[2] = []batch.Status{failedExit(137)}
	client.script("flaky").statuses[3] = []batch.Status{succeeded}

	trk := newTestTracker(t, graph, loadTestProfile(t, 3), client)
	runToCompletion(t, trk)

	rec, _ := trk.store.Get("flaky")
	assert.Equal(t, manifest.StateSucceeded, rec.State)
	assert.Equal(t, 3, rec.Attempts)
	assert.Empty(t, rec.Reason)
	assert.Len(t, client.submitsFor("flaky"), 3)
}

func TestAttemptsExhausted(t *testing.T) {
	graph := loadTestGraph(t, `task "doomed" { command = "false" }`)
	client := newFakeClient()
	for attempt := 1; attempt <= 3; attempt++ {
		client.script("doomed").statuses[attempt] = []batch.Status{failedExit(1)}
	}

	trk := newTestTracker(t, graph, loadTestProfile(t, 3), client)
	runToCompletion(t, trk)

	rec, _ := trk.store.Get("doomed")
	assert.Equal(t, manifest.StateFailed, rec.State)
	assert.Equal(t, 3, rec.Attempts)
	assert.Equal(t, manifest.ReasonExit, rec.Reason)
	assert.Len(t, client.submitsFor("doomed"), 3)
}

func TestRejectedSubmissionFailsWithoutRetry(t *testing.T) {
	graph := loadTestGraph(t, `task "bad" { command = "true" }`)
	client := newFakeClient()
	client.script("bad").submitErrs = []error{
		batch.NewRejectedError(fmt.Errorf("invalid partition specified")),
	}

	trk := newTestTracker(t, graph, loadTestProfile(t, 3), client)
	runToCompletion(t, trk)

	rec, _ := trk.store.Get("bad")
	assert.Equal(t, manifest.StateFailed, rec.State)
	assert.Equal(t, manifest.ReasonRejected, rec.Reason)
	assert.Equal(t, 1, rec.Attempts)
	// The rejected call never reached the success path, so nothing was
	// recorded as an accepted submission.
	assert.Empty(t, client.submitsFor("bad"))
}

func TestTransientSubmissionFailuresBurnAttempts(t *testing.T) {
	graph := loadTestGraph(t, `
task "a" { command = "true" }
task "b" {
  command    = "true"
  depends_on = ["a"]
}
`)
	client := newFakeClient()
	client.script("a").submitErrs = []error{
		batch.NewTransientError(fmt.Errorf("socket timed out")),
		batch.NewTransientError(fmt.Errorf("socket timed out")),
		batch.NewTransientError(fmt.Errorf("socket timed out")),
	}
	client.script("a").statuses[4] = []batch.Status{succeeded}

	trk := newTestTracker(t, graph, loadTestProfile(t, 5), client)
	runToCompletion(t, trk)

	// Each transient failure consumed an attempt, so the accepted submission
	// is attempt four.
	a, _ := trk.store.Get("a")
	assert.Equal(t, manifest.StateSucceeded, a.State)
	assert.Equal(t, 4, a.Attempts)
	accepted := client.submitsFor("a")
	require.Len(t, accepted, 1)
	assert.Equal(t, 4, accepted[0].attempt)

	b, _ := trk.store.Get("b")
	assert.Equal(t, manifest.StateSucceeded, b.State)
	assert.Equal(t, 1, b.Attempts)
	assert.Equal(t, []string{"a", "b"}, client.submitOrder())
}

func TestFailurePropagatesToDependents(t *testing.T) {
	graph := loadTestGraph(t, `
task "root" { command = "false" }
task "mid" {
  command    = "true"
  depends_on = ["root"]
}
task "leaf" {
  command    = "true"
  depends_on = ["mid"]
}
`)
	client := newFakeClient()
	client.script("root").statuses[1] = []batch.Status{failedExit(1)}

	trk := newTestTracker(t, graph, loadTestProfile(t, 1), client)
	runToCompletion(t, trk)

	root, _ := trk.store.Get("root")
	assert.Equal(t, manifest.StateFailed, root.State)
	assert.Equal(t, manifest.ReasonExit, root.Reason)

	for _, name := range []string{"mid", "leaf"} {
		rec, _ := trk.store.Get(name)
		assert.Equal(t, manifest.StateFailed, rec.State, name)
		assert.Equal(t, manifest.ReasonSkipped, rec.Reason, name)
		assert.Empty(t, client.submitsFor(name), "%s must never be submitted", name)
	}
}

func TestOptionalFailureDoesNotBlockDependents(t *testing.T) {
	graph := loadTestGraph(t, `
task "extra" {
  command  = "false"
  optional = true
}
task "down" {
  command    = "true"
  depends_on = ["extra"]
}
`)
	client := newFakeClient()
	client.script("extra").statuses[1] = []batch.Status{failedExit(1)}

	trk := newTestTracker(t, graph, loadTestProfile(t, 1), client)
	runToCompletion(t, trk)

	extra, _ := trk.store.Get("extra")
	assert.Equal(t, manifest.StateFailed, extra.State)

	down, _ := trk.store.Get("down")
	assert.Equal(t, manifest.StateSucceeded, down.State)
	require.Len(t, client.submitsFor("down"), 1)
}

func TestUnknownStatusGracePeriod(t *testing.T) {
	graph := loadTestGraph(t, `task "ghost" { command = "true" }`)
	client := newFakeClient()
	client.script("ghost").statuses[1] = []batch.Status{running, unknown}
	client.script("ghost").statuses[2] = []batch.Status{succeeded}

	store, _, err := manifest.Open(filepath.Join(t.TempDir(), "manifest.json"))
	require.NoError(t, err)

	trk := New(graph, loadTestProfile(t, 2), client, store, Options{
		GracePeriod: time.Minute,
		BackoffBase: time.Nanosecond,
		BackoffMax:  time.Nanosecond,
	})
	require.NoError(t, trk.Seed())

	clock := time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)
	trk.now = func() time.Time { return clock }

	ctx := context.Background()
	tick := func() {
		_, err := trk.Tick(ctx)
		require.NoError(t, err)
	}

	tick() // submit
	tick() // running
	tick() // first unknown starts the grace clock
	tick() // still unknown, within grace

	rec, _ := trk.store.Get("ghost")
	assert.Equal(t, manifest.StateRunning, rec.State, "unknown within grace must not fail the attempt")
	assert.Empty(t, client.cancelled)

	clock = clock.Add(2 * time.Minute)
	tick() // unknown past grace: attempt declared lost

	rec, _ = trk.store.Get("ghost")
	assert.Equal(t, manifest.StateRetrying, rec.State)
	assert.Equal(t, []string{"ghost"}, client.cancelled)

	clock = clock.Add(time.Second)
	tick() // resubmit attempt two
	tick() // attempt two succeeds

	rec, _ = trk.store.Get("ghost")
	assert.Equal(t, manifest.StateSucceeded, rec.State)
	assert.Equal(t, 2, rec.Attempts)
}

func TestAtMostOneLiveSubmissionPerTask(t *testing.T) {
	graph := loadTestGraph(t, `task "slow" { command = "sleep 60" }`)
	client := newFakeClient()
	client.script("slow").statuses[1] = []batch.Status{pending, pending, running, running, succeeded}

	trk := newTestTracker(t, graph, loadTestProfile(t, 3), client)
	runToCompletion(t, trk)

	assert.Len(t, client.submitsFor("slow"), 1)
}

func TestCancelAll(t *testing.T) {
	graph := loadTestGraph(t, `
task "a" { command = "sleep 60" }
task "b" {
  command    = "true"
  depends_on = ["a"]
}
`)
	client := newFakeClient()
	client.script("a").statuses[1] = []batch.Status{running}

	trk := newTestTracker(t, graph, loadTestProfile(t, 3), client)
	ctx := context.Background()
	_, err := trk.Tick(ctx)
	require.NoError(t, err)

	require.NoError(t, trk.CancelAll(ctx))

	assert.Equal(t, []string{"a"}, client.cancelled)
	for _, name := range []string{"a", "b"} {
		rec, _ := trk.store.Get(name)
		assert.Equal(t, manifest.StateFailed, rec.State, name)
		assert.Equal(t, manifest.ReasonCancelled, rec.Reason, name)
	}
	assert.True(t, trk.Done())
}

func TestResumeReinstatesLiveHandles(t *testing.T) {
	src := `
task "done" { command = "true" }
task "inflight" { command = "sleep 60" }
`
	graph := loadTestGraph(t, src)
	manifestPath := filepath.Join(t.TempDir(), "manifest.json")

	firstClient := newFakeClient()
	firstClient.script("inflight").statuses[1] = []batch.Status{running}

	store, _, err := manifest.Open(manifestPath)
	require.NoError(t, err)
	first := New(graph, loadTestProfile(t, 3), firstClient, store, Options{BackoffBase: time.Nanosecond})
	require.NoError(t, first.Seed())

	ctx := context.Background()
	for i := 0; i < 5; i++ {
		_, err := first.Tick(ctx)
		require.NoError(t, err)
	}
	rec, _ := store.Get("done")
	require.Equal(t, manifest.StateSucceeded, rec.State)
	rec, _ = store.Get("inflight")
	require.Equal(t, manifest.StateRunning, rec.State)
	priorJobID := rec.LastHandle().JobID

	// Simulate a coordinator restart: new store, new client, same file.
	reopened, existed, err := manifest.Open(manifestPath)
	require.NoError(t, err)
	require.True(t, existed)

	secondClient := newFakeClient()
	secondClient.script("inflight").statuses[1] = []batch.Status{succeeded}

	second := New(graph, loadTestProfile(t, 3), secondClient, reopened, Options{BackoffBase: time.Nanosecond})
	require.NoError(t, second.Seed())
	require.NoError(t, second.Resume(ctx))

	runToCompletion(t, second)

	// Neither task was resubmitted: the succeeded task stays terminal and the
	// in-flight task was tracked under its previously recorded job id.
	assert.Empty(t, secondClient.submits)
	rec, _ = reopened.Get("inflight")
	assert.Equal(t, manifest.StateSucceeded, rec.State)
	assert.Equal(t, priorJobID, rec.LastHandle().JobID)
}
