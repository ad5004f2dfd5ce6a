package state

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowmesh-go/internal/domain/workflow"
	"github.com/flowmesh-go/pkg/logger"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	store := NewStore(NewMemoryBackend(), nil, Config{
		SnapshotInterval: time.Hour,
		MaxSnapshots:     3,
		Compress:         true,
	}, logger.NewNop())
	t.Cleanup(store.Close)
	return store
}

func testState(executionID string) *workflow.WorkflowState {
	wf := workflow.NewWorkflow("test", "")
	wf.Nodes = []workflow.Node{
		{ID: "a", Type: "noop"},
		{ID: "b", Type: "noop"},
	}
	state := workflow.NewWorkflowState(executionID, wf)
	state.Status = workflow.ExecutionRunning
	return state
}

func TestInitializeExecution(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	require.NoError(t, store.InitializeExecution(ctx, testState("e1")))

	got, ok := store.GetExecutionState("e1")
	require.True(t, ok)
	assert.Equal(t, workflow.ExecutionRunning, got.Status)
	assert.Len(t, got.NodeExecutions, 2)

	assert.Error(t, store.InitializeExecution(ctx, testState("e1")), "duplicate id must be rejected")
}

func TestUpdateExecutionStateUnknownID(t *testing.T) {
	store := testStore(t)

	ok := store.UpdateExecutionState(context.Background(), "ghost", ExecutionUpdate{})
	assert.False(t, ok)
}

func TestUpdateExecutionStateTerminalSnapshot(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()
	require.NoError(t, store.InitializeExecution(ctx, testState("e1")))

	status := workflow.ExecutionCompleted
	ok := store.UpdateExecutionState(ctx, "e1", ExecutionUpdate{Status: &status})
	require.True(t, ok)

	got, _ := store.GetExecutionState("e1")
	assert.Equal(t, workflow.ExecutionCompleted, got.Status)
	require.NotNil(t, got.CompletedAt)

	snapshots := store.Snapshots("e1")
	require.NotEmpty(t, snapshots)
	assert.Equal(t, workflow.CheckpointCompletion, snapshots[len(snapshots)-1].CheckpointType)
}

func TestUpdateNodeState(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()
	require.NoError(t, store.InitializeExecution(ctx, testState("e1")))

	running := workflow.NodeExecutionRunning
	require.True(t, store.UpdateNodeState(ctx, "e1", "a", NodeUpdate{Status: &running}))

	got, _ := store.GetExecutionState("e1")
	assert.Equal(t, "a", got.CurrentNode)

	completed := workflow.NodeExecutionCompleted
	output := map[string]interface{}{"v": 1}
	require.True(t, store.UpdateNodeState(ctx, "e1", "a", NodeUpdate{Status: &completed, OutputData: output}))
	// Idempotent on duplicate completion.
	require.True(t, store.UpdateNodeState(ctx, "e1", "a", NodeUpdate{Status: &completed}))

	got, _ = store.GetExecutionState("e1")
	assert.Equal(t, []string{"a"}, got.ExecutedNodes)
	assert.Equal(t, "", got.CurrentNode)
	assert.Equal(t, 1, got.Progress.CompletedNodes)
	assert.InDelta(t, 50.0, got.Progress.Percentage, 0.01)

	assert.False(t, store.UpdateNodeState(ctx, "e1", "ghost", NodeUpdate{Status: &completed}))
	assert.False(t, store.UpdateNodeState(ctx, "ghost", "a", NodeUpdate{Status: &completed}))
}

func TestSnapshotRestoreRoundTrip(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()
	require.NoError(t, store.InitializeExecution(ctx, testState("e1")))

	completed := workflow.NodeExecutionCompleted
	store.UpdateNodeState(ctx, "e1", "a", NodeUpdate{
		Status:     &completed,
		OutputData: map[string]interface{}{"answer": float64(42)},
	})

	before, _ := store.GetExecutionState("e1")
	snapshot, err := store.CreateSnapshot(ctx, "e1", workflow.CheckpointManual)
	require.NoError(t, err)
	assert.Equal(t, "e1", snapshot.ExecutionID)
	assert.True(t, snapshot.Size > 0)

	// Mutate after the snapshot.
	store.UpdateNodeState(ctx, "e1", "b", NodeUpdate{Status: &completed})

	restored, err := store.RestoreFromSnapshot(ctx, snapshot.ID)
	require.NoError(t, err)

	assert.Equal(t, before.Status, restored.Status)
	assert.Equal(t, before.ExecutedNodes, restored.ExecutedNodes)
	assert.Equal(t, before.Progress, restored.Progress)
	require.Contains(t, restored.NodeExecutions, "a")
	assert.Equal(t, before.NodeExecutions["a"].OutputData, restored.NodeExecutions["a"].OutputData)
	assert.Equal(t, workflow.NodeExecutionPending, restored.NodeExecutions["b"].Status)
}

func TestRestoreUnknownSnapshot(t *testing.T) {
	store := testStore(t)

	_, err := store.RestoreFromSnapshot(context.Background(), "missing")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not found")
}

func TestSnapshotHistoryCap(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()
	require.NoError(t, store.InitializeExecution(ctx, testState("e1")))

	var ids []string
	for i := 0; i < 5; i++ {
		snapshot, err := store.CreateSnapshot(ctx, "e1", workflow.CheckpointManual)
		require.NoError(t, err)
		ids = append(ids, snapshot.ID)
	}

	snapshots := store.Snapshots("e1")
	require.Len(t, snapshots, 3)
	assert.Equal(t, ids[2], snapshots[0].ID, "oldest snapshots evicted first")
	assert.Equal(t, ids[4], snapshots[2].ID)
}

func TestQueryStates(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	for _, id := range []string{"e1", "e2", "e3"} {
		state := testState(id)
		require.NoError(t, store.InitializeExecution(ctx, state))
	}
	failed := workflow.ExecutionFailed
	store.UpdateExecutionState(ctx, "e2", ExecutionUpdate{Status: &failed})

	all, total := store.QueryStates(QueryFilter{})
	assert.Equal(t, 3, total)
	assert.Len(t, all, 3)

	failedOnly, total := store.QueryStates(QueryFilter{Status: workflow.ExecutionFailed})
	assert.Equal(t, 1, total)
	require.Len(t, failedOnly, 1)
	assert.Equal(t, "e2", failedOnly[0].ID)

	page, total := store.QueryStates(QueryFilter{Limit: 2})
	assert.Equal(t, 3, total)
	assert.Len(t, page, 2)

	rest, total := store.QueryStates(QueryFilter{Offset: 2})
	assert.Equal(t, 3, total)
	assert.Len(t, rest, 1)

	none, total := store.QueryStates(QueryFilter{Offset: 10})
	assert.Equal(t, 3, total)
	assert.Empty(t, none)
}

func TestGetExecutionMetrics(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()
	require.NoError(t, store.InitializeExecution(ctx, testState("e1")))

	started := time.Now().Add(-2 * time.Second)
	finished := time.Now().Add(-1 * time.Second)
	completed := workflow.NodeExecutionCompleted
	failed := workflow.NodeExecutionFailed
	store.UpdateNodeState(ctx, "e1", "a", NodeUpdate{
		Status:      &completed,
		StartedAt:   &started,
		CompletedAt: &finished,
	})
	store.UpdateNodeState(ctx, "e1", "b", NodeUpdate{Status: &failed})

	m, ok := store.GetExecutionMetrics("e1")
	require.True(t, ok)
	assert.Equal(t, 2, m.TotalNodes)
	assert.Equal(t, 1, m.CompletedNodes)
	assert.Equal(t, 1, m.FailedNodes)
	assert.InDelta(t, time.Second, m.AverageNodeTime, float64(100*time.Millisecond))

	_, ok = store.GetExecutionMetrics("ghost")
	assert.False(t, ok)
}

func TestInitializeExecutionAfterTerminalRun(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()
	require.NoError(t, store.InitializeExecution(ctx, testState("e1")))

	// A live run keeps its id reserved.
	assert.Error(t, store.InitializeExecution(ctx, testState("e1")))

	status := workflow.ExecutionFailed
	require.True(t, store.UpdateExecutionState(ctx, "e1", ExecutionUpdate{Status: &status}))

	// A finished run may be re-initialized for the next attempt.
	require.NoError(t, store.InitializeExecution(ctx, testState("e1")))

	got, ok := store.GetExecutionState("e1")
	require.True(t, ok)
	assert.Equal(t, workflow.ExecutionRunning, got.Status)
	assert.Empty(t, got.ExecutedNodes)
}

func TestQueryStatesOrganizationFilter(t *testing.T) {
	store := testStore(t)
	ctx := context.Background()

	acme := testState("e1")
	acme.OrganizationID = "org-acme"
	other := testState("e2")
	other.OrganizationID = "org-globex"
	require.NoError(t, store.InitializeExecution(ctx, acme))
	require.NoError(t, store.InitializeExecution(ctx, other))

	matches, total := store.QueryStates(QueryFilter{OrganizationID: "org-acme"})
	assert.Equal(t, 1, total)
	require.Len(t, matches, 1)
	assert.Equal(t, "e1", matches[0].ID)

	matches, total = store.QueryStates(QueryFilter{OrganizationID: "org-initech"})
	assert.Equal(t, 0, total)
	assert.Empty(t, matches)
}
