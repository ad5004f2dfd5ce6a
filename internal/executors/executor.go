package executors

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/flowmesh-go/internal/domain/workflow"
	"github.com/flowmesh-go/pkg/logger"
)

// ErrUnknownNodeType is returned by the registry for unregistered types.
var ErrUnknownNodeType = errors.New("unknown node type")

// ExecutorError marks an executor rejecting its input or failing in a way
// the engine may retry.
type ExecutorError struct {
	NodeType string
	Err      error
}

func (e *ExecutorError) Error() string {
	return fmt.Sprintf("executor %s: %v", e.NodeType, e.Err)
}

func (e *ExecutorError) Unwrap() error { return e.Err }

// NodeExecutor performs one node's work. Implementations are stateless
// per invocation; retries are the engine's responsibility.
type NodeExecutor interface {
	Execute(ctx context.Context, node workflow.Node, input map[string]interface{}) (map[string]interface{}, error)
}

// Registry is the type-string to executor lookup table. It is read-only
// after startup registration and safe for concurrent reads.
type Registry struct {
	mu        sync.RWMutex
	executors map[string]NodeExecutor
	logger    logger.Logger
}

func NewRegistry(log logger.Logger) *Registry {
	if log == nil {
		log = logger.NewNop()
	}
	return &Registry{
		executors: make(map[string]NodeExecutor),
		logger:    log,
	}
}

// Register binds a node type to an executor, replacing any previous
// binding for the same type.
func (r *Registry) Register(nodeType string, executor NodeExecutor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.executors[nodeType] = executor
}

// Get resolves a node type. Unknown types are rejected explicitly.
func (r *Registry) Get(nodeType string) (NodeExecutor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	executor, ok := r.executors[nodeType]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownNodeType, nodeType)
	}
	return executor, nil
}

// List returns all registered node types.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	types := make([]string, 0, len(r.executors))
	for t := range r.executors {
		types = append(types, t)
	}
	return types
}

// RegisterBuiltins wires the built-in executor set.
func (r *Registry) RegisterBuiltins() {
	httpExecutor := NewHTTPExecutor(r.logger)
	r.Register("http", httpExecutor)
	r.Register("httpRequest", httpExecutor)

	transform := NewTransformExecutor()
	r.Register("transform", transform)
	r.Register("set", transform)

	r.Register("noop", NewPassthroughExecutor())
	r.Register("passthrough", NewPassthroughExecutor())

	r.Register("loop", NewLoopExecutor(r, r.logger))
	r.Register("forEach", NewLoopExecutor(r, r.logger))

	r.Register("database", NewDatabaseExecutor(nil, r.logger))

	r.Register("ai", NewAIExecutor(r.logger))
	r.Register("llm", NewAIExecutor(r.logger))
}

func timeoutFor(node workflow.Node, fallback time.Duration) time.Duration {
	if node.Timeout > 0 {
		return time.Duration(node.Timeout) * time.Second
	}
	return fallback
}
