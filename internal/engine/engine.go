package engine

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/flowmesh-go/internal/condition"
	"github.com/flowmesh-go/internal/domain/workflow"
	"github.com/flowmesh-go/internal/executors"
	"github.com/flowmesh-go/internal/state"
	"github.com/flowmesh-go/pkg/events"
	"github.com/flowmesh-go/pkg/logger"
	"github.com/flowmesh-go/pkg/metrics"
)

const secretPrefix = "secret://"

// SecretResolver resolves secret references found in node input during
// input preparation. Injected by the host application.
type SecretResolver func(ctx context.Context, ref string) (string, error)

// AuditHook receives audit records at input preparation and node failure.
type AuditHook func(ctx context.Context, action string, fields map[string]interface{})

// CompensationHook runs best-effort compensating logic for one executed
// node during a rollback. Failures are logged, never fatal.
type CompensationHook func(ctx context.Context, node workflow.Node, output map[string]interface{}) error

// Config tunes engine defaults applied when a workflow or request leaves
// them unset.
type Config struct {
	DefaultTimeout     time.Duration
	MaxNodeConcurrency int
	DefaultMaxAttempts int
	InitialInterval    time.Duration
	MaxInterval        time.Duration
	BackoffMultiplier  float64
}

func DefaultConfig() Config {
	return Config{
		DefaultTimeout:     5 * time.Minute,
		MaxNodeConcurrency: 4,
		DefaultMaxAttempts: 1,
		InitialInterval:    time.Second,
		MaxInterval:        30 * time.Second,
		BackoffMultiplier:  2.0,
	}
}

func (c Config) withDefaults() Config {
	defaults := DefaultConfig()
	if c.DefaultTimeout <= 0 {
		c.DefaultTimeout = defaults.DefaultTimeout
	}
	if c.MaxNodeConcurrency <= 0 {
		c.MaxNodeConcurrency = defaults.MaxNodeConcurrency
	}
	if c.DefaultMaxAttempts <= 0 {
		c.DefaultMaxAttempts = defaults.DefaultMaxAttempts
	}
	if c.InitialInterval <= 0 {
		c.InitialInterval = defaults.InitialInterval
	}
	if c.MaxInterval <= 0 {
		c.MaxInterval = defaults.MaxInterval
	}
	if c.BackoffMultiplier <= 0 {
		c.BackoffMultiplier = defaults.BackoffMultiplier
	}
	return c
}

// Engine drives one ExecutionRequest to a terminal WorkflowState. Ready
// nodes of the same run execute concurrently up to MaxNodeConcurrency;
// state mutation is funneled through the state store.
type Engine struct {
	registry  *executors.Registry
	store     *state.Store
	evaluator *condition.Evaluator
	bus       events.EventBus
	logger    logger.Logger
	config    Config

	secrets     SecretResolver
	audit       AuditHook
	compensator CompensationHook

	mu     sync.RWMutex
	active map[string]*ExecutionContext
}

func New(registry *executors.Registry, store *state.Store, evaluator *condition.Evaluator, bus events.EventBus, config Config, log logger.Logger) *Engine {
	return &Engine{
		registry:  registry,
		store:     store,
		evaluator: evaluator,
		bus:       bus,
		logger:    log,
		config:    config.withDefaults(),
		active:    make(map[string]*ExecutionContext),
	}
}

// WithSecretResolver injects the secret resolution collaborator.
func (e *Engine) WithSecretResolver(resolver SecretResolver) *Engine {
	e.secrets = resolver
	return e
}

// WithAuditHook injects the audit logging collaborator.
func (e *Engine) WithAuditHook(hook AuditHook) *Engine {
	e.audit = hook
	return e
}

// WithCompensationHook injects rollback compensation logic.
func (e *Engine) WithCompensationHook(hook CompensationHook) *Engine {
	e.compensator = hook
	return e
}

// Cancel flips the cooperative cancellation flag of an active run. The
// run honors it at its next node-scheduling boundary. Returns false when
// the execution is not currently running in this engine.
func (e *Engine) Cancel(executionID string) bool {
	e.mu.RLock()
	execCtx, ok := e.active[executionID]
	e.mu.RUnlock()
	if !ok {
		return false
	}
	execCtx.Cancel()
	return true
}

// nodeOutcome is one node's terminal result delivered back to the
// scheduling loop.
type nodeOutcome struct {
	node       workflow.Node
	status     workflow.NodeExecutionStatus
	output     map[string]interface{}
	err        error
	attempts   int
	skipReason string
}

// Execute runs a workflow to completion and returns its final state. The
// returned error is nil only when the run completed; terminal failures
// are both recorded on the state and returned.
func (e *Engine) Execute(ctx context.Context, wf *workflow.Workflow, request *workflow.ExecutionRequest) (*workflow.WorkflowState, error) {
	start := time.Now()

	if err := wf.Validate(); err != nil {
		return nil, &ValidationError{WorkflowID: wf.ID, Reason: err.Error()}
	}

	timeout := request.Options.Timeout
	if timeout <= 0 && wf.Settings.Timeout > 0 {
		timeout = time.Duration(wf.Settings.Timeout) * time.Second
	}
	if timeout <= 0 {
		timeout = e.config.DefaultTimeout
	}

	runState := workflow.NewWorkflowState(request.ID, wf)
	runState.Status = workflow.ExecutionRunning
	runState.TriggeredBy = request.TriggeredBy
	if err := e.store.InitializeExecution(ctx, runState); err != nil {
		return nil, fmt.Errorf("failed to initialize execution state: %w", err)
	}

	execCtx := NewExecutionContext(request.ID, timeout)
	e.mu.Lock()
	e.active[request.ID] = execCtx
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		delete(e.active, request.ID)
		e.mu.Unlock()
	}()

	e.publish(ctx, events.NewEventBuilder(events.ExecutionStarted).
		WithAggregateID(request.ID).
		WithAggregateType("execution").
		WithPayload("workflowId", wf.ID).
		WithPayload("triggerType", request.TriggerType).
		Build())
	e.logger.Info("execution started",
		"executionId", request.ID, "workflowId", wf.ID, "nodes", len(wf.Nodes), "timeout", timeout)

	runErr := e.run(ctx, wf, request, execCtx)

	finalStatus := workflow.ExecutionCompleted
	errText := ""
	switch {
	case runErr == nil:
	case isCancellation(runErr):
		finalStatus = workflow.ExecutionCancelled
		errText = runErr.Error()
	case isTimeout(runErr):
		finalStatus = workflow.ExecutionTimeout
		errText = runErr.Error()
	default:
		finalStatus = workflow.ExecutionFailed
		errText = runErr.Error()
	}

	output := e.aggregateOutput(wf, execCtx)
	duration := time.Since(start)
	completedAt := time.Now()
	e.store.UpdateExecutionState(ctx, request.ID, state.ExecutionUpdate{
		Status:      &finalStatus,
		Error:       &errText,
		Output:      output,
		CompletedAt: &completedAt,
		Duration:    &duration,
	})

	metrics.RecordExecution(wf.ID, string(finalStatus), request.TriggerType, duration.Seconds())
	e.publish(ctx, events.NewEventBuilder(lifecycleEvent(finalStatus)).
		WithAggregateID(request.ID).
		WithAggregateType("execution").
		WithPayload("workflowId", wf.ID).
		WithPayload("status", string(finalStatus)).
		WithPayload("durationMs", duration.Milliseconds()).
		Build())
	e.logger.Info("execution finished",
		"executionId", request.ID, "status", string(finalStatus), "duration", duration)

	final, _ := e.store.GetExecutionState(request.ID)
	if final == nil {
		final = runState
	}
	return final, runErr
}

// run is the scheduling loop. It repeatedly computes ready nodes, fans
// them out up to the concurrency limit, and folds completions back in
// until nothing is ready and nothing is running.
func (e *Engine) run(ctx context.Context, wf *workflow.Workflow, request *workflow.ExecutionRequest, execCtx *ExecutionContext) error {
	statuses := make(map[string]workflow.NodeExecutionStatus, len(wf.Nodes))
	for _, node := range wf.Nodes {
		statuses[node.ID] = workflow.NodeExecutionPending
	}

	outcomes := make(chan nodeOutcome)
	sem := make(chan struct{}, e.config.MaxNodeConcurrency)
	inFlight := 0
	var runErr error
	halted := false
	timedOut := false

	for {
		// Cancellation and timeout are honored at the scheduling
		// boundary only; in-flight executors finish their node.
		if !halted && execCtx.IsCancelled() {
			runErr = &CancellationError{ExecutionID: request.ID}
			halted = true
		}
		if !halted && execCtx.IsTimedOut() {
			timedOut = true
			runErr = &TimeoutError{
				ExecutionID: request.ID,
				Elapsed:     execCtx.Elapsed(),
				Limit:       execCtx.Timeout(),
			}
			halted = true
		}

		if !halted {
			ready, skipped := e.frontier(wf, statuses, execCtx)
			for _, skip := range skipped {
				statuses[skip.node.ID] = workflow.NodeExecutionSkipped
				e.recordSkip(ctx, request.ID, skip.node, skip.reason)
			}
			if len(skipped) > 0 {
				continue
			}

			for _, node := range ready {
				statuses[node.ID] = workflow.NodeExecutionRunning
				inFlight++
				go func(node workflow.Node) {
					sem <- struct{}{}
					defer func() { <-sem }()
					outcomes <- e.runNode(ctx, wf, request, node, execCtx)
				}(node)
			}
		}

		if inFlight == 0 {
			break
		}

		outcome := <-outcomes
		inFlight--

		if timedOut && outcome.status == workflow.NodeExecutionFailed {
			outcome.status = workflow.NodeExecutionTimeout
		}
		statuses[outcome.node.ID] = outcome.status
		e.recordOutcome(ctx, request.ID, outcome, execCtx)

		if outcome.status == workflow.NodeExecutionFailed && runErr == nil {
			failure := &NodeFailureError{
				NodeID:   outcome.node.ID,
				Attempts: outcome.attempts,
				Err:      outcome.err,
			}
			runErr = failure
			switch wf.Settings.ErrorHandling {
			case workflow.ErrorHandlingContinue:
				// Branches not reachable from the failed node keep
				// running; downstream of it is skipped by the frontier.
			case workflow.ErrorHandlingRollback:
				e.rollback(ctx, wf, request.ID, execCtx)
				halted = true
			default:
				halted = true
			}
		}
	}

	return runErr
}

// frontierSkip marks a node whose every inbound path is exhausted without
// a satisfied edge.
type frontierSkip struct {
	node   workflow.Node
	reason string
}

// frontier computes the nodes ready to run and the nodes to skip. A node
// is ready once every upstream source is terminal and at least one
// inbound edge has a completed source with a true condition. With all
// sources terminal and no satisfied edge the node is skipped. Skip is a
// default, not a veto: one satisfied edge runs the node even when other
// inbound paths were skipped.
func (e *Engine) frontier(wf *workflow.Workflow, statuses map[string]workflow.NodeExecutionStatus, execCtx *ExecutionContext) ([]workflow.Node, []frontierSkip) {
	var ready []workflow.Node
	var skips []frontierSkip

	for _, node := range wf.Nodes {
		if statuses[node.ID] != workflow.NodeExecutionPending {
			continue
		}
		if node.Disabled {
			skips = append(skips, frontierSkip{node: node, reason: "node disabled"})
			continue
		}

		inbound := wf.IncomingEdges(node.ID)
		if len(inbound) == 0 {
			ready = append(ready, node)
			continue
		}

		allTerminal := true
		satisfied := false
		var blockedReasons []string
		for _, edge := range inbound {
			sourceStatus := statuses[edge.Source]
			if !sourceStatus.Terminal() {
				allTerminal = false
				break
			}
			if sourceStatus != workflow.NodeExecutionCompleted {
				blockedReasons = append(blockedReasons,
					fmt.Sprintf("upstream %s %s", edge.Source, sourceStatus))
				continue
			}
			output, _ := execCtx.NodeResult(edge.Source)
			if e.evaluator.Evaluate(edge.Condition, output) {
				satisfied = true
			} else {
				blockedReasons = append(blockedReasons,
					fmt.Sprintf("condition on edge %s->%s evaluated false", edge.Source, node.ID))
			}
		}

		if !allTerminal {
			continue
		}
		if satisfied {
			ready = append(ready, node)
		} else {
			skips = append(skips, frontierSkip{node: node, reason: strings.Join(blockedReasons, "; ")})
		}
	}
	return ready, skips
}

// runNode executes one node with its retry policy and returns its
// terminal outcome. Retry delay grows as initialInterval multiplied by
// backoffMultiplier^attempt, capped at maxInterval.
func (e *Engine) runNode(ctx context.Context, wf *workflow.Workflow, request *workflow.ExecutionRequest, node workflow.Node, execCtx *ExecutionContext) nodeOutcome {
	nodeCtx := execCtx.Child(node.ID)
	input, err := e.resolveInput(ctx, wf, request, node, execCtx)
	if err != nil {
		return e.failureOutcome(node, 1, err)
	}

	policy := e.retryPolicy(node)
	startedAt := time.Now()
	e.store.UpdateNodeState(ctx, request.ID, node.ID, state.NodeUpdate{
		Status:      statusPtr(workflow.NodeExecutionRunning),
		StartedAt:   &startedAt,
		InputData:   input,
		MaxAttempts: &policy.MaxAttempts,
	})
	e.publish(ctx, events.NewEventBuilder(events.NodeExecutionStarted).
		WithAggregateID(request.ID).
		WithAggregateType("execution").
		WithPayload("nodeId", node.ID).
		WithPayload("nodeType", node.Type).
		Build())

	executor, err := e.registry.Get(node.Type)
	if err != nil {
		return e.failureOutcome(node, 1, err)
	}

	var lastErr error
	attempts := 0
	for attempt := 0; attempt < policy.MaxAttempts; attempt++ {
		attempts = attempt + 1
		attemptStart := time.Now()
		e.store.UpdateNodeState(ctx, request.ID, node.ID, state.NodeUpdate{
			Attempts:   &attempts,
			RetryCount: intPtr(attempt),
		})

		output, execErr := e.invoke(ctx, executor, node, input, execCtx)
		metrics.RecordNodeExecution(node.Type, attemptStatus(execErr), time.Since(attemptStart).Seconds())

		if execErr == nil {
			nodeCtx.SetResult(output)
			return nodeOutcome{
				node:     node,
				status:   workflow.NodeExecutionCompleted,
				output:   output,
				attempts: attempts,
			}
		}
		lastErr = execErr

		if errors.Is(execErr, executors.ErrUnknownNodeType) || attempt == policy.MaxAttempts-1 {
			break
		}
		if execCtx.IsCancelled() || execCtx.IsTimedOut() {
			break
		}

		delay := backoffDelay(policy, attempt)
		metrics.NodeRetriesTotal.WithLabelValues(node.Type).Inc()
		e.logger.Warn("node attempt failed, retrying",
			"executionId", request.ID, "nodeId", node.ID,
			"attempt", attempts, "maxAttempts", policy.MaxAttempts,
			"delay", delay, "error", execErr)

		select {
		case <-ctx.Done():
			return e.failureOutcome(node, attempts, ctx.Err())
		case <-time.After(delay):
		}
	}

	if errors.Is(lastErr, context.DeadlineExceeded) {
		return nodeOutcome{
			node:     node,
			status:   workflow.NodeExecutionTimeout,
			err:      lastErr,
			attempts: attempts,
		}
	}

	if node.SkipOnError {
		return nodeOutcome{
			node:       node,
			status:     workflow.NodeExecutionSkipped,
			attempts:   attempts,
			skipReason: fmt.Sprintf("skipOnError after %d attempt(s): %v", attempts, lastErr),
		}
	}
	return e.failureOutcome(node, attempts, lastErr)
}

// invoke dispatches one executor call bounded by the node timeout and the
// remaining run time.
func (e *Engine) invoke(ctx context.Context, executor executors.NodeExecutor, node workflow.Node, input map[string]interface{}, execCtx *ExecutionContext) (map[string]interface{}, error) {
	timeout := execCtx.Remaining()
	if node.Timeout > 0 {
		nodeTimeout := time.Duration(node.Timeout) * time.Second
		if timeout <= 0 || nodeTimeout < timeout {
			timeout = nodeTimeout
		}
	}

	invokeCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		invokeCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	return executor.Execute(invokeCtx, node, input)
}

// resolveInput merges node config, the request input, and the outputs of
// all completed upstream nodes, in that order of increasing precedence.
// Secret references are resolved last.
func (e *Engine) resolveInput(ctx context.Context, wf *workflow.Workflow, request *workflow.ExecutionRequest, node workflow.Node, execCtx *ExecutionContext) (map[string]interface{}, error) {
	input := make(map[string]interface{}, len(node.Config)+len(request.InputData))
	for k, v := range node.Config {
		input[k] = v
	}
	for k, v := range request.InputData {
		input[k] = v
	}
	for _, edge := range wf.IncomingEdges(node.ID) {
		if output, ok := execCtx.NodeResult(edge.Source); ok {
			for k, v := range output {
				input[k] = v
			}
		}
	}

	if e.secrets != nil {
		for key, value := range input {
			ref, ok := value.(string)
			if !ok || !strings.HasPrefix(ref, secretPrefix) {
				continue
			}
			resolved, err := e.secrets(ctx, strings.TrimPrefix(ref, secretPrefix))
			if err != nil {
				return nil, fmt.Errorf("failed to resolve secret for %q: %w", key, err)
			}
			input[key] = resolved
		}
	}

	if e.audit != nil {
		e.audit(ctx, "node.input.prepared", map[string]interface{}{
			"executionId": request.ID,
			"nodeId":      node.ID,
			"nodeType":    node.Type,
		})
	}
	return input, nil
}

func (e *Engine) failureOutcome(node workflow.Node, attempts int, err error) nodeOutcome {
	return nodeOutcome{
		node:     node,
		status:   workflow.NodeExecutionFailed,
		err:      err,
		attempts: attempts,
	}
}

// recordOutcome writes a node's terminal result to the store and bus.
func (e *Engine) recordOutcome(ctx context.Context, executionID string, outcome nodeOutcome, execCtx *ExecutionContext) {
	completedAt := time.Now()
	update := state.NodeUpdate{
		Status:      &outcome.status,
		CompletedAt: &completedAt,
		Attempts:    &outcome.attempts,
	}
	if outcome.output != nil {
		update.OutputData = outcome.output
	}
	if outcome.err != nil {
		errText := outcome.err.Error()
		update.Error = &errText
	}
	if outcome.skipReason != "" {
		update.SkipReason = &outcome.skipReason
	}
	e.store.UpdateNodeState(ctx, executionID, outcome.node.ID, update)

	eventType := events.NodeExecutionCompleted
	switch outcome.status {
	case workflow.NodeExecutionFailed, workflow.NodeExecutionTimeout:
		eventType = events.NodeExecutionFailed
	case workflow.NodeExecutionSkipped:
		eventType = events.NodeExecutionSkipped
	}
	e.publish(ctx, events.NewEventBuilder(eventType).
		WithAggregateID(executionID).
		WithAggregateType("execution").
		WithPayload("nodeId", outcome.node.ID).
		WithPayload("nodeType", outcome.node.Type).
		WithPayload("status", string(outcome.status)).
		WithPayload("attempts", outcome.attempts).
		Build())

	if outcome.status == workflow.NodeExecutionFailed && e.audit != nil {
		e.audit(ctx, "node.failed", map[string]interface{}{
			"executionId": executionID,
			"nodeId":      outcome.node.ID,
			"error":       fmt.Sprint(outcome.err),
		})
	}
}

func (e *Engine) recordSkip(ctx context.Context, executionID string, node workflow.Node, reason string) {
	completedAt := time.Now()
	e.store.UpdateNodeState(ctx, executionID, node.ID, state.NodeUpdate{
		Status:      statusPtr(workflow.NodeExecutionSkipped),
		CompletedAt: &completedAt,
		SkipReason:  &reason,
	})
	e.publish(ctx, events.NewEventBuilder(events.NodeExecutionSkipped).
		WithAggregateID(executionID).
		WithAggregateType("execution").
		WithPayload("nodeId", node.ID).
		WithPayload("reason", reason).
		Build())
	e.logger.Debug("node skipped", "executionId", executionID, "nodeId", node.ID, "reason", reason)
}

// rollback invokes compensation for already-executed nodes in reverse
// completion order. Best effort only: a failing compensation is logged
// and the rollback continues.
func (e *Engine) rollback(ctx context.Context, wf *workflow.Workflow, executionID string, execCtx *ExecutionContext) {
	current, ok := e.store.GetExecutionState(executionID)
	if !ok {
		return
	}

	executed := current.ExecutedNodes
	e.logger.Info("rolling back executed nodes", "executionId", executionID, "count", len(executed))

	for i := len(executed) - 1; i >= 0; i-- {
		node := wf.NodeByID(executed[i])
		if node == nil {
			continue
		}
		output, _ := execCtx.NodeResult(node.ID)
		if e.compensator == nil {
			e.logger.Warn("no compensation configured, skipping",
				"executionId", executionID, "nodeId", node.ID)
			continue
		}
		if err := e.compensator(ctx, *node, output); err != nil {
			e.logger.Error("compensation failed",
				"executionId", executionID, "nodeId", node.ID, "error", err)
		}
	}
}

// aggregateOutput builds the run output from completed sink nodes, keyed
// by node id. When no sink completed, every completed node contributes.
func (e *Engine) aggregateOutput(wf *workflow.Workflow, execCtx *ExecutionContext) map[string]interface{} {
	results := execCtx.NodeResults()
	output := make(map[string]interface{})

	for _, sink := range wf.SinkNodes() {
		if result, ok := results[sink.ID]; ok {
			output[sink.ID] = result
		}
	}
	if len(output) > 0 {
		return output
	}

	for id, result := range results {
		output[id] = result
	}
	return output
}

func (e *Engine) retryPolicy(node workflow.Node) workflow.RetryPolicy {
	policy := workflow.RetryPolicy{
		MaxAttempts:       e.config.DefaultMaxAttempts,
		InitialInterval:   e.config.InitialInterval,
		MaxInterval:       e.config.MaxInterval,
		BackoffMultiplier: e.config.BackoffMultiplier,
	}
	if node.Retry == nil {
		return policy
	}
	if node.Retry.MaxAttempts > 0 {
		policy.MaxAttempts = node.Retry.MaxAttempts
	}
	if node.Retry.InitialInterval > 0 {
		policy.InitialInterval = node.Retry.InitialInterval
	}
	if node.Retry.MaxInterval > 0 {
		policy.MaxInterval = node.Retry.MaxInterval
	}
	if node.Retry.BackoffMultiplier > 0 {
		policy.BackoffMultiplier = node.Retry.BackoffMultiplier
	}
	return policy
}

func (e *Engine) publish(ctx context.Context, event events.Event) {
	if e.bus == nil {
		return
	}
	if err := e.bus.Publish(ctx, event); err != nil {
		e.logger.Debug("event publish failed", "type", event.Type, "error", err)
	}
}

func backoffDelay(policy workflow.RetryPolicy, attempt int) time.Duration {
	delay := time.Duration(float64(policy.InitialInterval) * math.Pow(policy.BackoffMultiplier, float64(attempt)))
	if policy.MaxInterval > 0 && delay > policy.MaxInterval {
		delay = policy.MaxInterval
	}
	return delay
}

func lifecycleEvent(status workflow.ExecutionStatus) string {
	switch status {
	case workflow.ExecutionCompleted:
		return events.ExecutionCompleted
	case workflow.ExecutionCancelled:
		return events.ExecutionCancelled
	case workflow.ExecutionTimeout:
		return events.ExecutionTimedOut
	default:
		return events.ExecutionFailed
	}
}

func isCancellation(err error) bool {
	var cancellation *CancellationError
	return errors.As(err, &cancellation)
}

func isTimeout(err error) bool {
	var timeout *TimeoutError
	return errors.As(err, &timeout)
}

func attemptStatus(err error) string {
	if err != nil {
		return "failed"
	}
	return "completed"
}

func statusPtr(s workflow.NodeExecutionStatus) *workflow.NodeExecutionStatus { return &s }

func intPtr(i int) *int { return &i }
