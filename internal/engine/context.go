package engine

import (
	"sync"
	"sync/atomic"
	"time"
)

// ExecutionContext is the per-run scope shared by every node of one
// execution: variables, accumulated node outputs, and the run clock.
// It is created at run start and discarded at run end, never persisted.
type ExecutionContext struct {
	executionID string
	startTime   time.Time
	timeout     time.Duration
	cancelled   atomic.Bool

	mu          sync.RWMutex
	variables   map[string]interface{}
	nodeResults map[string]map[string]interface{}
}

func NewExecutionContext(executionID string, timeout time.Duration) *ExecutionContext {
	return &ExecutionContext{
		executionID: executionID,
		startTime:   time.Now(),
		timeout:     timeout,
		variables:   make(map[string]interface{}),
		nodeResults: make(map[string]map[string]interface{}),
	}
}

func (c *ExecutionContext) ExecutionID() string { return c.executionID }

func (c *ExecutionContext) StartTime() time.Time { return c.startTime }

func (c *ExecutionContext) Elapsed() time.Duration { return time.Since(c.startTime) }

// IsTimedOut reports whether the configured run timeout has elapsed.
// With no timeout configured it always returns false.
func (c *ExecutionContext) IsTimedOut() bool {
	if c.timeout <= 0 {
		return false
	}
	return time.Since(c.startTime) > c.timeout
}

// Remaining returns how long the run may still execute, or zero when no
// timeout is configured.
func (c *ExecutionContext) Remaining() time.Duration {
	if c.timeout <= 0 {
		return 0
	}
	remaining := c.timeout - time.Since(c.startTime)
	if remaining < 0 {
		return 0
	}
	return remaining
}

func (c *ExecutionContext) Timeout() time.Duration { return c.timeout }

// Cancel flips the cooperative cancellation flag. The engine observes it
// at node-scheduling boundaries.
func (c *ExecutionContext) Cancel() { c.cancelled.Store(true) }

func (c *ExecutionContext) IsCancelled() bool { return c.cancelled.Load() }

func (c *ExecutionContext) SetVariable(name string, value interface{}) {
	c.mu.Lock()
	c.variables[name] = value
	c.mu.Unlock()
}

func (c *ExecutionContext) Variable(name string) (interface{}, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	value, ok := c.variables[name]
	return value, ok
}

func (c *ExecutionContext) SetNodeResult(nodeID string, output map[string]interface{}) {
	c.mu.Lock()
	c.nodeResults[nodeID] = output
	c.mu.Unlock()
}

func (c *ExecutionContext) NodeResult(nodeID string) (map[string]interface{}, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	output, ok := c.nodeResults[nodeID]
	return output, ok
}

// NodeResults returns a shallow copy of the accumulated outputs.
func (c *ExecutionContext) NodeResults() map[string]map[string]interface{} {
	c.mu.RLock()
	defer c.mu.RUnlock()
	results := make(map[string]map[string]interface{}, len(c.nodeResults))
	for id, output := range c.nodeResults {
		results[id] = output
	}
	return results
}

// Child creates a node-scoped view over this context.
func (c *ExecutionContext) Child(nodeID string) *NodeExecutionContext {
	return &NodeExecutionContext{parent: c, nodeID: nodeID}
}

// NodeExecutionContext is a read/write view scoped to one node. Variable
// and timeout reads delegate to the parent run context; result writes are
// routed back under the node's own id.
type NodeExecutionContext struct {
	parent *ExecutionContext
	nodeID string
}

func (n *NodeExecutionContext) NodeID() string { return n.nodeID }

func (n *NodeExecutionContext) ExecutionID() string { return n.parent.executionID }

func (n *NodeExecutionContext) Variable(name string) (interface{}, bool) {
	return n.parent.Variable(name)
}

func (n *NodeExecutionContext) SetVariable(name string, value interface{}) {
	n.parent.SetVariable(name, value)
}

func (n *NodeExecutionContext) IsTimedOut() bool { return n.parent.IsTimedOut() }

func (n *NodeExecutionContext) Remaining() time.Duration { return n.parent.Remaining() }

// SetResult records this node's output on the run context.
func (n *NodeExecutionContext) SetResult(output map[string]interface{}) {
	n.parent.SetNodeResult(n.nodeID, output)
}

// Result reads another node's recorded output.
func (n *NodeExecutionContext) Result(nodeID string) (map[string]interface{}, bool) {
	return n.parent.NodeResult(nodeID)
}
