package engine

import (
	"errors"
	"fmt"
	"time"

	"github.com/flowmesh-go/internal/executors"
)

// ValidationError marks a malformed workflow graph. It is surfaced before
// any node runs and is never retried.
type ValidationError struct {
	WorkflowID string
	Reason     string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid workflow %s: %s", e.WorkflowID, e.Reason)
}

// TimeoutError finalizes a run or node as timed out.
type TimeoutError struct {
	ExecutionID string
	NodeID      string
	Elapsed     time.Duration
	Limit       time.Duration
}

func (e *TimeoutError) Error() string {
	if e.NodeID != "" {
		return fmt.Sprintf("node %s in execution %s timed out after %s (limit %s)",
			e.NodeID, e.ExecutionID, e.Elapsed, e.Limit)
	}
	return fmt.Sprintf("execution %s timed out after %s (limit %s)", e.ExecutionID, e.Elapsed, e.Limit)
}

// CancellationError finalizes a run as cancelled by user request.
type CancellationError struct {
	ExecutionID string
}

func (e *CancellationError) Error() string {
	return fmt.Sprintf("execution %s cancelled", e.ExecutionID)
}

// NodeFailureError carries the terminal failure of one node up to the
// run-level error handling policy.
type NodeFailureError struct {
	NodeID   string
	Attempts int
	Err      error
}

func (e *NodeFailureError) Error() string {
	return fmt.Sprintf("node %s failed after %d attempt(s): %v", e.NodeID, e.Attempts, e.Err)
}

func (e *NodeFailureError) Unwrap() error { return e.Err }

// Retryable reports whether a terminal run error is worth a job-level
// retry. Graph validation, cancellation, and unknown node types cannot
// succeed on a re-run.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	var validation *ValidationError
	var cancellation *CancellationError
	if errors.As(err, &validation) || errors.As(err, &cancellation) {
		return false
	}
	if errors.Is(err, executors.ErrUnknownNodeType) {
		return false
	}
	return true
}
