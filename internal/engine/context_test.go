package engine

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExecutionContextTimeout(t *testing.T) {
	unbounded := NewExecutionContext("exec-1", 0)
	assert.False(t, unbounded.IsTimedOut())
	assert.Equal(t, time.Duration(0), unbounded.Remaining())

	bounded := NewExecutionContext("exec-2", 10*time.Millisecond)
	assert.False(t, bounded.IsTimedOut())
	time.Sleep(20 * time.Millisecond)
	assert.True(t, bounded.IsTimedOut())
	assert.Equal(t, time.Duration(0), bounded.Remaining())
}

func TestExecutionContextCancel(t *testing.T) {
	execCtx := NewExecutionContext("exec-1", 0)
	assert.False(t, execCtx.IsCancelled())
	execCtx.Cancel()
	assert.True(t, execCtx.IsCancelled())
}

func TestExecutionContextVariables(t *testing.T) {
	execCtx := NewExecutionContext("exec-1", 0)

	_, ok := execCtx.Variable("missing")
	assert.False(t, ok)

	execCtx.SetVariable("region", "eu-west-1")
	got, ok := execCtx.Variable("region")
	require.True(t, ok)
	assert.Equal(t, "eu-west-1", got)
}

func TestNodeContextDelegation(t *testing.T) {
	execCtx := NewExecutionContext("exec-1", time.Minute)
	execCtx.SetNodeResult("upstream", map[string]interface{}{"count": 3})

	child := execCtx.Child("me")

	// Variables are shared with the parent in both directions.
	child.SetVariable("tenant", "acme")
	got, ok := execCtx.Variable("tenant")
	require.True(t, ok)
	assert.Equal(t, "acme", got)

	// Results of other nodes are readable, writes land under the
	// child's own node id.
	upstream, ok := child.Result("upstream")
	require.True(t, ok)
	assert.Equal(t, 3, upstream["count"])

	child.SetResult(map[string]interface{}{"done": true})
	mine, ok := execCtx.NodeResult("me")
	require.True(t, ok)
	assert.Equal(t, true, mine["done"])

	assert.False(t, child.IsTimedOut())
	assert.Greater(t, child.Remaining(), time.Duration(0))
}

func TestNodeResultsCopyIsolated(t *testing.T) {
	execCtx := NewExecutionContext("exec-1", 0)
	execCtx.SetNodeResult("a", map[string]interface{}{"v": 1})

	results := execCtx.NodeResults()
	delete(results, "a")

	_, ok := execCtx.NodeResult("a")
	assert.True(t, ok)
}
