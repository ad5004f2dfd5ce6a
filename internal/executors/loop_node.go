package executors

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/flowmesh-go/internal/condition"
	"github.com/flowmesh-go/internal/domain/workflow"
	"github.com/flowmesh-go/pkg/logger"
)

const defaultMaxIterations = 100

// LoopExecutor runs a body node once per iteration and collects the
// per-iteration outputs into a results array. Iteration is bounded and
// internal to the node; the outer graph stays a DAG.
//
// Config:
//
//	items: path to an array in the input (forEach mode), or
//	iterations: fixed count (counted mode)
//	body: inline node definition executed per iteration
//	while: optional edge-condition object checked before each iteration
//	maxIterations: hard cap, defaults to 100
type LoopExecutor struct {
	registry  *Registry
	evaluator *condition.Evaluator
	logger    logger.Logger
}

func NewLoopExecutor(registry *Registry, log logger.Logger) *LoopExecutor {
	if log == nil {
		log = logger.NewNop()
	}
	return &LoopExecutor{
		registry:  registry,
		evaluator: condition.NewEvaluator(log),
		logger:    log,
	}
}

func (e *LoopExecutor) Execute(ctx context.Context, node workflow.Node, input map[string]interface{}) (map[string]interface{}, error) {
	body, err := e.parseBody(node)
	if err != nil {
		return nil, &ExecutorError{NodeType: node.Type, Err: err}
	}

	bodyExecutor, err := e.registry.Get(body.Type)
	if err != nil {
		return nil, &ExecutorError{NodeType: node.Type, Err: err}
	}

	continueWhile, err := e.parseWhile(node)
	if err != nil {
		return nil, &ExecutorError{NodeType: node.Type, Err: err}
	}

	maxIterations := defaultMaxIterations
	if v, ok := node.Config["maxIterations"].(float64); ok && v > 0 {
		maxIterations = int(v)
	}

	items, counted, err := e.iterationPlan(node, input, maxIterations)
	if err != nil {
		return nil, &ExecutorError{NodeType: node.Type, Err: err}
	}
	if len(items) > maxIterations {
		items = items[:maxIterations]
	}

	results := make([]interface{}, 0, len(items))
	for i, item := range items {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		iterInput := map[string]interface{}{
			"index": i,
			"item":  item,
		}
		for k, v := range input {
			if _, reserved := iterInput[k]; !reserved {
				iterInput[k] = v
			}
		}

		if continueWhile != nil && !e.evaluator.Evaluate(continueWhile, iterInput) {
			break
		}

		out, err := bodyExecutor.Execute(ctx, *body, iterInput)
		if err != nil {
			return nil, fmt.Errorf("loop iteration %d: %w", i, err)
		}
		results = append(results, out)
	}

	return map[string]interface{}{
		"results":    results,
		"totalCount": len(results),
		"counted":    counted,
	}, nil
}

func (e *LoopExecutor) parseBody(node workflow.Node) (*workflow.Node, error) {
	bodyAny, ok := node.Config["body"]
	if !ok {
		return nil, fmt.Errorf("loop node requires a body")
	}

	data, err := json.Marshal(bodyAny)
	if err != nil {
		return nil, err
	}

	var body workflow.Node
	if err := json.Unmarshal(data, &body); err != nil {
		return nil, fmt.Errorf("invalid loop body: %w", err)
	}
	if body.Type == "" {
		return nil, fmt.Errorf("loop body requires a type")
	}
	if body.ID == "" {
		body.ID = node.ID + ":body"
	}
	return &body, nil
}

func (e *LoopExecutor) parseWhile(node workflow.Node) (*workflow.EdgeCondition, error) {
	whileAny, ok := node.Config["while"]
	if !ok {
		return nil, nil
	}

	data, err := json.Marshal(whileAny)
	if err != nil {
		return nil, err
	}

	var cond workflow.EdgeCondition
	if err := json.Unmarshal(data, &cond); err != nil {
		return nil, fmt.Errorf("invalid while condition: %w", err)
	}
	return &cond, nil
}

// iterationPlan returns the items to iterate over: either the array at
// the configured path, or index placeholders for a counted loop.
func (e *LoopExecutor) iterationPlan(node workflow.Node, input map[string]interface{}, maxIterations int) ([]interface{}, bool, error) {
	if path, ok := node.Config["items"].(string); ok && path != "" {
		value := condition.NestedValue(input, path)
		arr, ok := value.([]interface{})
		if !ok {
			return nil, false, fmt.Errorf("items path %s is not an array", path)
		}
		return arr, false, nil
	}

	count := 0
	switch v := node.Config["iterations"].(type) {
	case float64:
		count = int(v)
	case int:
		count = v
	}
	if count <= 0 {
		return nil, false, fmt.Errorf("loop node requires items or a positive iterations count")
	}
	if count > maxIterations {
		count = maxIterations
	}

	items := make([]interface{}, count)
	for i := range items {
		items[i] = i
	}
	return items, true, nil
}
