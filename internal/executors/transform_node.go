package executors

import (
	"context"
	"fmt"

	"github.com/flowmesh-go/internal/condition"
	"github.com/flowmesh-go/internal/domain/workflow"
)

// TransformExecutor maps and projects fields of the input into a new
// output shape. Config:
//
//	mappings: {outputField: inputPath, ...}
//	defaults: {outputField: literal, ...}   applied when the path is nil
//	keepInput: bool                          merge untouched input through
type TransformExecutor struct{}

func NewTransformExecutor() *TransformExecutor {
	return &TransformExecutor{}
}

func (e *TransformExecutor) Execute(ctx context.Context, node workflow.Node, input map[string]interface{}) (map[string]interface{}, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	output := make(map[string]interface{})

	if keep, _ := node.Config["keepInput"].(bool); keep {
		for k, v := range input {
			output[k] = v
		}
	}

	mappings, ok := node.Config["mappings"].(map[string]interface{})
	if !ok && node.Config["mappings"] != nil {
		return nil, &ExecutorError{NodeType: node.Type, Err: fmt.Errorf("mappings must be an object")}
	}
	for field, pathAny := range mappings {
		path, ok := pathAny.(string)
		if !ok {
			return nil, &ExecutorError{NodeType: node.Type, Err: fmt.Errorf("mapping for %s must be a path string", field)}
		}
		output[field] = condition.NestedValue(input, path)
	}

	if defaults, ok := node.Config["defaults"].(map[string]interface{}); ok {
		for field, value := range defaults {
			if output[field] == nil {
				output[field] = value
			}
		}
	}

	return output, nil
}

// PassthroughExecutor returns its input unchanged. Used for no-op and
// marker nodes.
type PassthroughExecutor struct{}

func NewPassthroughExecutor() *PassthroughExecutor {
	return &PassthroughExecutor{}
}

func (e *PassthroughExecutor) Execute(ctx context.Context, node workflow.Node, input map[string]interface{}) (map[string]interface{}, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	output := make(map[string]interface{}, len(input))
	for k, v := range input {
		output[k] = v
	}
	return output, nil
}
