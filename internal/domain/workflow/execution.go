package workflow

import (
	"time"

	"github.com/google/uuid"
)

// ExecutionStatus is the run-level status.
type ExecutionStatus string

const (
	ExecutionPending   ExecutionStatus = "pending"
	ExecutionQueued    ExecutionStatus = "queued"
	ExecutionRunning   ExecutionStatus = "running"
	ExecutionCompleted ExecutionStatus = "completed"
	ExecutionFailed    ExecutionStatus = "failed"
	ExecutionCancelled ExecutionStatus = "cancelled"
	ExecutionTimeout   ExecutionStatus = "timeout"
)

// Terminal reports whether the status is final.
func (s ExecutionStatus) Terminal() bool {
	switch s {
	case ExecutionCompleted, ExecutionFailed, ExecutionCancelled, ExecutionTimeout:
		return true
	}
	return false
}

// ExecutionPriority orders competing jobs in the queue.
type ExecutionPriority string

const (
	PriorityHigh   ExecutionPriority = "high"
	PriorityNormal ExecutionPriority = "normal"
	PriorityLow    ExecutionPriority = "low"
)

// ExecutionOptions carries caller-supplied run tuning.
type ExecutionOptions struct {
	Timeout    time.Duration     `json:"timeout"`
	Retries    int               `json:"retries"`
	RetryDelay time.Duration     `json:"retryDelay"`
	Priority   ExecutionPriority `json:"priority"`
	Delay      time.Duration     `json:"delay"`
}

// ExecutionRequest is immutable once enqueued.
type ExecutionRequest struct {
	ID          string                 `json:"id"`
	WorkflowID  string                 `json:"workflowId"`
	TriggeredBy string                 `json:"triggeredBy"`
	TriggerType string                 `json:"triggerType"`
	InputData   map[string]interface{} `json:"inputData"`
	Options     ExecutionOptions       `json:"options"`
	RequestedAt time.Time              `json:"requestedAt"`
}

// NewExecutionRequest builds a request with a generated id.
func NewExecutionRequest(workflowID string, input map[string]interface{}) *ExecutionRequest {
	return &ExecutionRequest{
		ID:          uuid.New().String(),
		WorkflowID:  workflowID,
		TriggerType: "manual",
		InputData:   input,
		Options:     ExecutionOptions{Priority: PriorityNormal},
		RequestedAt: time.Now(),
	}
}

// NodeExecutionStatus is the per-node status within one run.
type NodeExecutionStatus string

const (
	NodeExecutionPending   NodeExecutionStatus = "pending"
	NodeExecutionRunning   NodeExecutionStatus = "running"
	NodeExecutionCompleted NodeExecutionStatus = "completed"
	NodeExecutionFailed    NodeExecutionStatus = "failed"
	NodeExecutionSkipped   NodeExecutionStatus = "skipped"
	NodeExecutionTimeout   NodeExecutionStatus = "timeout"
)

// Terminal reports whether the node status is final.
func (s NodeExecutionStatus) Terminal() bool {
	switch s {
	case NodeExecutionCompleted, NodeExecutionFailed, NodeExecutionSkipped, NodeExecutionTimeout:
		return true
	}
	return false
}

// NodeExecution is one node's record within a run, created at run init
// and transitioned by the engine.
type NodeExecution struct {
	NodeID      string                 `json:"nodeId"`
	Status      NodeExecutionStatus    `json:"status"`
	StartedAt   *time.Time             `json:"startedAt,omitempty"`
	CompletedAt *time.Time             `json:"completedAt,omitempty"`
	InputData   map[string]interface{} `json:"inputData,omitempty"`
	OutputData  map[string]interface{} `json:"outputData,omitempty"`
	Error       string                 `json:"error,omitempty"`
	Attempts    int                    `json:"attempts"`
	MaxAttempts int                    `json:"maxAttempts"`
	RetryCount  int                    `json:"retryCount"`
	SkipReason  string                 `json:"skipReason,omitempty"`
}

// Progress tracks run completion as completed/total.
type Progress struct {
	TotalNodes     int     `json:"totalNodes"`
	CompletedNodes int     `json:"completedNodes"`
	Percentage     float64 `json:"percentage"`
}

// WorkflowState is the mutable record of one run. It is owned by the
// engine while the run is active; everyone else reads it through the
// state store.
type WorkflowState struct {
	ID             string                    `json:"id"`
	WorkflowID     string                    `json:"workflowId"`
	OrganizationID string                    `json:"organizationId,omitempty"`
	Status         ExecutionStatus           `json:"status"`
	StartedAt      time.Time                 `json:"startedAt"`
	CompletedAt    *time.Time                `json:"completedAt,omitempty"`
	Duration       time.Duration             `json:"duration"`
	NodeExecutions map[string]*NodeExecution `json:"nodeExecutions"`
	ExecutedNodes  []string                  `json:"executedNodes"`
	CurrentNode    string                    `json:"currentNode,omitempty"`
	Progress       Progress                  `json:"progress"`
	Output         map[string]interface{}    `json:"output,omitempty"`
	Error          string                    `json:"error,omitempty"`
	TriggeredBy    string                    `json:"triggeredBy,omitempty"`
}

// NewWorkflowState initializes a run record with every node pending.
func NewWorkflowState(executionID string, wf *Workflow) *WorkflowState {
	state := &WorkflowState{
		ID:             executionID,
		WorkflowID:     wf.ID,
		Status:         ExecutionPending,
		StartedAt:      time.Now(),
		NodeExecutions: make(map[string]*NodeExecution, len(wf.Nodes)),
		Progress:       Progress{TotalNodes: len(wf.Nodes)},
	}

	for _, node := range wf.Nodes {
		maxAttempts := 1
		if node.Retry != nil && node.Retry.MaxAttempts > 0 {
			maxAttempts = node.Retry.MaxAttempts
		}
		state.NodeExecutions[node.ID] = &NodeExecution{
			NodeID:      node.ID,
			Status:      NodeExecutionPending,
			MaxAttempts: maxAttempts,
		}
	}

	return state
}

// CheckpointType classifies why a snapshot was taken.
type CheckpointType string

const (
	CheckpointAuto       CheckpointType = "auto"
	CheckpointManual     CheckpointType = "manual"
	CheckpointError      CheckpointType = "error"
	CheckpointCompletion CheckpointType = "completion"
)

// StateSnapshot is a persisted point-in-time copy of a WorkflowState.
type StateSnapshot struct {
	ID             string         `json:"id"`
	ExecutionID    string         `json:"executionId"`
	Timestamp      time.Time      `json:"timestamp"`
	State          []byte         `json:"state"`
	CheckpointType CheckpointType `json:"checkpointType"`
	Size           int            `json:"size"`
	Compressed     bool           `json:"compressed"`
}

// ExecutionMetrics is a pure derivation from the node map.
type ExecutionMetrics struct {
	ExecutionID        string        `json:"executionId"`
	TotalNodes         int           `json:"totalNodes"`
	CompletedNodes     int           `json:"completedNodes"`
	FailedNodes        int           `json:"failedNodes"`
	SkippedNodes       int           `json:"skippedNodes"`
	AverageNodeTime    time.Duration `json:"averageNodeTime"`
	TotalExecutionTime time.Duration `json:"totalExecutionTime"`
}
