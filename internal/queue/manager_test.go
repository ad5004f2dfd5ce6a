package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowmesh-go/internal/condition"
	"github.com/flowmesh-go/internal/domain/workflow"
	"github.com/flowmesh-go/internal/engine"
	"github.com/flowmesh-go/internal/executors"
	"github.com/flowmesh-go/internal/state"
	"github.com/flowmesh-go/pkg/logger"
)

// fakeRunner fails its first failures calls with err, then succeeds.
type fakeRunner struct {
	mu        sync.Mutex
	calls     int
	failures  int
	err       error
	cancelled []string
}

func (r *fakeRunner) Execute(ctx context.Context, wf *workflow.Workflow, request *workflow.ExecutionRequest) (*workflow.WorkflowState, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	if r.calls <= r.failures {
		return nil, r.err
	}
	st := workflow.NewWorkflowState(request.ID, wf)
	st.Status = workflow.ExecutionCompleted
	return st, nil
}

func (r *fakeRunner) Cancel(executionID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cancelled = append(r.cancelled, executionID)
	return true
}

func (r *fakeRunner) callCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls
}

func testResolver(ctx context.Context, workflowID string) (*workflow.Workflow, error) {
	wf := workflow.NewWorkflow("resolved", "")
	wf.ID = workflowID
	wf.Nodes = []workflow.Node{{ID: "a", Type: "noop"}}
	return wf, nil
}

func newTestManager(t *testing.T, config Config, runner Runner) *Manager {
	t.Helper()
	m := NewManager(config, runner, testResolver, nil, nil, nil, logger.NewNop())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		m.Stop(ctx)
	})
	return m
}

// waitForStatus polls until the job reaches a terminal status.
func waitForStatus(t *testing.T, m *Manager, jobID string, want JobStatus) Job {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if job, ok := m.GetJobStatus(jobID); ok && job.Status == want {
			return job
		}
		time.Sleep(10 * time.Millisecond)
	}
	job, _ := m.GetJobStatus(jobID)
	t.Fatalf("job %s never reached %s, last status %s", jobID, want, job.Status)
	return Job{}
}

func TestAddJobAndProcess(t *testing.T) {
	runner := &fakeRunner{}
	m := newTestManager(t, Config{Workers: 1}, runner)
	require.NoError(t, m.Start(context.Background()))

	request := workflow.NewExecutionRequest("wf-1", nil)
	jobID, err := m.AddJob(context.Background(), request)
	require.NoError(t, err)
	assert.Equal(t, request.ID, jobID)

	job := waitForStatus(t, m, jobID, JobCompleted)
	assert.Equal(t, 1, job.Attempts)
	assert.Equal(t, float64(100), job.Progress)
	require.NotNil(t, job.FinishedAt)

	stats := m.GetQueueStats()
	assert.Equal(t, int64(1), stats.Completed)
	assert.Equal(t, 0, stats.TotalQueued)
}

func TestJobRetryWithBackoff(t *testing.T) {
	runner := &fakeRunner{failures: 1, err: errors.New("transient failure")}
	m := newTestManager(t, Config{Workers: 1}, runner)
	require.NoError(t, m.Start(context.Background()))

	request := workflow.NewExecutionRequest("wf-1", nil)
	request.Options.Retries = 1
	request.Options.RetryDelay = 100 * time.Millisecond

	start := time.Now()
	jobID, err := m.AddJob(context.Background(), request)
	require.NoError(t, err)

	job := waitForStatus(t, m, jobID, JobCompleted)
	assert.Equal(t, 2, job.Attempts)
	assert.Equal(t, 2, runner.callCount())
	assert.GreaterOrEqual(t, time.Since(start), 100*time.Millisecond,
		"the retry waits out its backoff delay before redispatch")
}

func TestJobFailsAfterExhaustedRetries(t *testing.T) {
	runner := &fakeRunner{failures: 10, err: errors.New("always down")}
	m := newTestManager(t, Config{
		Workers:           1,
		DefaultRetryDelay: 10 * time.Millisecond,
		EnableDeadLetter:  true,
	}, runner)
	require.NoError(t, m.Start(context.Background()))

	request := workflow.NewExecutionRequest("wf-1", nil)
	request.Options.Retries = 1
	request.Options.RetryDelay = 10 * time.Millisecond

	jobID, err := m.AddJob(context.Background(), request)
	require.NoError(t, err)

	job := waitForStatus(t, m, jobID, JobFailed)
	assert.Equal(t, 2, job.Attempts)
	assert.Contains(t, job.Error, "always down")

	stats := m.GetQueueStats()
	assert.Equal(t, int64(1), stats.Failed)
	assert.Equal(t, 1, stats.DeadLettered)
}

func TestNonRetryableErrorFailsImmediately(t *testing.T) {
	runner := &fakeRunner{
		failures: 10,
		err:      &engine.ValidationError{WorkflowID: "wf-1", Reason: "cycle"},
	}
	m := newTestManager(t, Config{Workers: 1}, runner)
	require.NoError(t, m.Start(context.Background()))

	request := workflow.NewExecutionRequest("wf-1", nil)
	request.Options.Retries = 3

	jobID, err := m.AddJob(context.Background(), request)
	require.NoError(t, err)

	job := waitForStatus(t, m, jobID, JobFailed)
	assert.Equal(t, 1, job.Attempts, "validation failures are not retried")
}

func TestCancelledRunMarksJobCancelled(t *testing.T) {
	runner := &fakeRunner{
		failures: 10,
		err:      &engine.CancellationError{ExecutionID: "exec"},
	}
	m := newTestManager(t, Config{Workers: 1}, runner)
	require.NoError(t, m.Start(context.Background()))

	jobID, err := m.AddJob(context.Background(), workflow.NewExecutionRequest("wf-1", nil))
	require.NoError(t, err)

	waitForStatus(t, m, jobID, JobCancelled)
	stats := m.GetQueueStats()
	assert.Equal(t, int64(0), stats.Failed, "a cancelled run is not a failure")
}

func TestCancelQueuedJob(t *testing.T) {
	runner := &fakeRunner{}
	// No workers started; the job stays queued.
	m := newTestManager(t, Config{Workers: 1}, runner)

	request := workflow.NewExecutionRequest("wf-1", nil)
	request.Options.Delay = time.Hour
	jobID, err := m.AddJob(context.Background(), request)
	require.NoError(t, err)

	assert.False(t, m.CancelJob(context.Background(), "no-such-job"))
	assert.True(t, m.CancelJob(context.Background(), jobID))

	job, ok := m.GetJobStatus(jobID)
	require.True(t, ok)
	assert.Equal(t, JobCancelled, job.Status)
	assert.Equal(t, 0, m.GetQueueStats().TotalQueued)

	// Terminal jobs cannot be cancelled again.
	assert.False(t, m.CancelJob(context.Background(), jobID))
}

func TestAddJobRejections(t *testing.T) {
	runner := &fakeRunner{}
	m := newTestManager(t, Config{Workers: 1, MaxQueueSize: 1}, runner)

	first := workflow.NewExecutionRequest("wf-1", nil)
	first.Options.Delay = time.Hour
	_, err := m.AddJob(context.Background(), first)
	require.NoError(t, err)

	// Duplicate id.
	_, err = m.AddJob(context.Background(), first)
	assert.ErrorContains(t, err, "already enqueued")

	// Queue full.
	second := workflow.NewExecutionRequest("wf-1", nil)
	second.Options.Delay = time.Hour
	_, err = m.AddJob(context.Background(), second)
	assert.ErrorContains(t, err, "queue is full")

	// Stopped manager accepts nothing.
	require.NoError(t, m.Stop(context.Background()))
	_, err = m.AddJob(context.Background(), workflow.NewExecutionRequest("wf-1", nil))
	assert.ErrorContains(t, err, "stopped")
}

func TestGetJobStatusUnknown(t *testing.T) {
	m := newTestManager(t, Config{}, &fakeRunner{})
	_, ok := m.GetJobStatus("missing")
	assert.False(t, ok)
}

func TestCleanQueue(t *testing.T) {
	runner := &fakeRunner{}
	m := newTestManager(t, Config{Workers: 1}, runner)
	require.NoError(t, m.Start(context.Background()))

	var ids []string
	for i := 0; i < 3; i++ {
		request := workflow.NewExecutionRequest(fmt.Sprintf("wf-%d", i), nil)
		jobID, err := m.AddJob(context.Background(), request)
		require.NoError(t, err)
		ids = append(ids, jobID)
	}
	for _, id := range ids {
		waitForStatus(t, m, id, JobCompleted)
	}

	// Age-based purge with a far-future cutoff removes nothing.
	assert.Equal(t, 0, m.CleanQueue(context.Background(), 24*time.Hour, 0))

	// Count trim keeps the most recently finished record.
	removed := m.CleanQueue(context.Background(), 0, 1)
	assert.Equal(t, 2, removed)
	assert.Equal(t, 1, m.GetQueueStats().TrackedJobs)
}

// onceFailingExecutor fails its first call, then succeeds.
type onceFailingExecutor struct {
	mu    sync.Mutex
	calls int
}

func (f *onceFailingExecutor) Execute(ctx context.Context, node workflow.Node, input map[string]interface{}) (map[string]interface{}, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.calls == 1 {
		return nil, errors.New("transient downstream outage")
	}
	return map[string]interface{}{"ok": true}, nil
}

func (f *onceFailingExecutor) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// A re-enqueued job runs the whole engine again under the same execution
// id, so the second attempt must be able to re-initialize its state.
func TestJobRetryThroughEngine(t *testing.T) {
	log := logger.NewNop()
	store := state.NewStore(state.NewMemoryBackend(), nil, state.Config{
		SnapshotInterval: time.Hour,
	}, log)
	t.Cleanup(store.Close)

	flaky := &onceFailingExecutor{}
	registry := executors.NewRegistry(log)
	registry.Register("flaky", flaky)

	eng := engine.New(registry, store, condition.NewEvaluator(nil), nil, engine.Config{
		InitialInterval: time.Millisecond,
	}, log)

	resolver := func(ctx context.Context, workflowID string) (*workflow.Workflow, error) {
		wf := workflow.NewWorkflow("flaky", "")
		wf.ID = workflowID
		wf.Nodes = []workflow.Node{{ID: "a", Type: "flaky"}}
		return wf, nil
	}

	m := NewManager(Config{Workers: 1}, eng, resolver, store, nil, nil, log)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		m.Stop(ctx)
	})
	require.NoError(t, m.Start(context.Background()))

	request := workflow.NewExecutionRequest("wf-flaky", nil)
	request.Options.Retries = 1
	request.Options.RetryDelay = 20 * time.Millisecond

	jobID, err := m.AddJob(context.Background(), request)
	require.NoError(t, err)

	job := waitForStatus(t, m, jobID, JobCompleted)
	assert.Equal(t, 2, job.Attempts)
	assert.Equal(t, 2, flaky.callCount())

	final, ok := store.GetExecutionState(jobID)
	require.True(t, ok)
	assert.Equal(t, workflow.ExecutionCompleted, final.Status)
	assert.Equal(t, workflow.NodeExecutionCompleted, final.NodeExecutions["a"].Status)
}

func TestCancelBetweenDequeueAndProcess(t *testing.T) {
	runner := &fakeRunner{}
	// No workers; the dequeue is driven by hand to land in the window
	// between pulling the item and starting to process it.
	m := newTestManager(t, Config{Workers: 1}, runner)

	jobID, err := m.AddJob(context.Background(), workflow.NewExecutionRequest("wf-1", nil))
	require.NoError(t, err)

	item := m.dequeue()
	require.NotNil(t, item)
	require.True(t, m.CancelJob(context.Background(), jobID))

	m.process(context.Background(), 0, item)

	job, ok := m.GetJobStatus(jobID)
	require.True(t, ok)
	assert.Equal(t, JobCancelled, job.Status)
	assert.Equal(t, 0, runner.callCount(), "a cancelled job must not reach the runner")
}
