package workflow

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Workflow is an immutable node/edge graph plus execution settings.
type Workflow struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description"`
	Nodes       []Node    `json:"nodes"`
	Edges       []Edge    `json:"edges"`
	Settings    Settings  `json:"settings"`
	Version     int       `json:"version"`
	Tags        []string  `json:"tags"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

type Node struct {
	ID          string                 `json:"id"`
	Name        string                 `json:"name"`
	Type        string                 `json:"type"`
	Position    Position               `json:"position"`
	Config      map[string]interface{} `json:"config"`
	Disabled    bool                   `json:"disabled"`
	SkipOnError bool                   `json:"skipOnError"`
	Retry       *RetryPolicy           `json:"retry,omitempty"`
	Timeout     int                    `json:"timeout"`
}

type Edge struct {
	ID           string         `json:"id"`
	Source       string         `json:"source"`
	Target       string         `json:"target"`
	SourceHandle string         `json:"sourceHandle,omitempty"`
	TargetHandle string         `json:"targetHandle,omitempty"`
	Condition    *EdgeCondition `json:"condition,omitempty"`
}

// ConditionType selects how an edge condition is evaluated against the
// source node's output.
type ConditionType string

const (
	ConditionValue      ConditionType = "value"
	ConditionExpression ConditionType = "expression"
	ConditionStatus     ConditionType = "status"
)

// EdgeCondition gates an edge. A nil condition is always true.
type EdgeCondition struct {
	Type       ConditionType `json:"type"`
	Field      string        `json:"field,omitempty"`
	Operator   string        `json:"operator,omitempty"`
	Value      interface{}   `json:"value,omitempty"`
	Expression string        `json:"expression,omitempty"`
}

type Position struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// ErrorHandlingMode decides what happens to a run after a node exhausts
// its retries.
type ErrorHandlingMode string

const (
	ErrorHandlingStop     ErrorHandlingMode = "stop"
	ErrorHandlingContinue ErrorHandlingMode = "continue"
	ErrorHandlingRollback ErrorHandlingMode = "rollback"
)

type Settings struct {
	ErrorHandling ErrorHandlingMode `json:"errorHandling"`
	Timeout       int               `json:"timeout"`
	MaxRetries    int               `json:"maxRetries"`
	Timezone      string            `json:"timezone"`
}

// RetryPolicy is the node-level retry configuration. Delay before retry
// n is InitialInterval * BackoffMultiplier^n, capped at MaxInterval.
type RetryPolicy struct {
	MaxAttempts       int           `json:"maxAttempts"`
	InitialInterval   time.Duration `json:"initialInterval"`
	MaxInterval       time.Duration `json:"maxInterval"`
	BackoffMultiplier float64       `json:"backoffMultiplier"`
}

// NewWorkflow creates an empty workflow with default settings.
func NewWorkflow(name, description string) *Workflow {
	return &Workflow{
		ID:          uuid.New().String(),
		Name:        name,
		Description: description,
		Version:     1,
		Nodes:       []Node{},
		Edges:       []Edge{},
		Settings: Settings{
			ErrorHandling: ErrorHandlingStop,
			Timeout:       300,
			MaxRetries:    3,
			Timezone:      "UTC",
		},
		CreatedAt: time.Now(),
		UpdatedAt: time.Now(),
	}
}

// Validate checks node id uniqueness, edge referential integrity and that
// the graph is acyclic. Loop semantics live inside loop nodes, so an
// actual cycle in the edge set is always a definition error.
func (w *Workflow) Validate() error {
	nodeMap := make(map[string]Node, len(w.Nodes))
	for _, node := range w.Nodes {
		if node.ID == "" {
			return fmt.Errorf("node %q has an empty id", node.Name)
		}
		if _, dup := nodeMap[node.ID]; dup {
			return fmt.Errorf("duplicate node id: %s", node.ID)
		}
		nodeMap[node.ID] = node
	}

	for _, edge := range w.Edges {
		if _, ok := nodeMap[edge.Source]; !ok {
			return fmt.Errorf("edge %s: source node not found: %s", edge.ID, edge.Source)
		}
		if _, ok := nodeMap[edge.Target]; !ok {
			return fmt.Errorf("edge %s: target node not found: %s", edge.ID, edge.Target)
		}
	}

	if w.hasCycle() {
		return fmt.Errorf("workflow contains a cycle")
	}

	return nil
}

func (w *Workflow) hasCycle() bool {
	graph := make(map[string][]string)
	for _, edge := range w.Edges {
		graph[edge.Source] = append(graph[edge.Source], edge.Target)
	}

	visited := make(map[string]bool)
	inProgress := make(map[string]bool)

	var dfs func(node string) bool
	dfs = func(node string) bool {
		visited[node] = true
		inProgress[node] = true

		for _, neighbor := range graph[node] {
			if !visited[neighbor] {
				if dfs(neighbor) {
					return true
				}
			} else if inProgress[neighbor] {
				return true
			}
		}

		inProgress[node] = false
		return false
	}

	for _, node := range w.Nodes {
		if !visited[node.ID] {
			if dfs(node.ID) {
				return true
			}
		}
	}

	return false
}

// NodeByID returns the node with the given id, or nil.
func (w *Workflow) NodeByID(id string) *Node {
	for i := range w.Nodes {
		if w.Nodes[i].ID == id {
			return &w.Nodes[i]
		}
	}
	return nil
}

// RootNodes returns nodes with no incoming edges.
func (w *Workflow) RootNodes() []Node {
	hasIncoming := make(map[string]bool)
	for _, edge := range w.Edges {
		hasIncoming[edge.Target] = true
	}

	var roots []Node
	for _, node := range w.Nodes {
		if !hasIncoming[node.ID] {
			roots = append(roots, node)
		}
	}
	return roots
}

// SinkNodes returns nodes with no outgoing edges. Their outputs form the
// aggregate result of a run.
func (w *Workflow) SinkNodes() []Node {
	hasOutgoing := make(map[string]bool)
	for _, edge := range w.Edges {
		hasOutgoing[edge.Source] = true
	}

	var sinks []Node
	for _, node := range w.Nodes {
		if !hasOutgoing[node.ID] {
			sinks = append(sinks, node)
		}
	}
	return sinks
}

// IncomingEdges returns all edges whose target is the given node.
func (w *Workflow) IncomingEdges(nodeID string) []Edge {
	var edges []Edge
	for _, edge := range w.Edges {
		if edge.Target == nodeID {
			edges = append(edges, edge)
		}
	}
	return edges
}

// OutgoingEdges returns all edges whose source is the given node.
func (w *Workflow) OutgoingEdges(nodeID string) []Edge {
	var edges []Edge
	for _, edge := range w.Edges {
		if edge.Source == nodeID {
			edges = append(edges, edge)
		}
	}
	return edges
}

// Clone returns a deep copy with a fresh id.
func (w *Workflow) Clone(newName string) *Workflow {
	clone := &Workflow{
		ID:          uuid.New().String(),
		Name:        newName,
		Description: w.Description,
		Nodes:       make([]Node, len(w.Nodes)),
		Edges:       make([]Edge, len(w.Edges)),
		Settings:    w.Settings,
		Version:     1,
		Tags:        append([]string{}, w.Tags...),
		CreatedAt:   time.Now(),
		UpdatedAt:   time.Now(),
	}

	copy(clone.Nodes, w.Nodes)
	copy(clone.Edges, w.Edges)

	for i := range clone.Nodes {
		if w.Nodes[i].Config != nil {
			cfg := make(map[string]interface{}, len(w.Nodes[i].Config))
			for k, v := range w.Nodes[i].Config {
				cfg[k] = v
			}
			clone.Nodes[i].Config = cfg
		}
		if w.Nodes[i].Retry != nil {
			retry := *w.Nodes[i].Retry
			clone.Nodes[i].Retry = &retry
		}
	}

	return clone
}

// ToJSON serializes the workflow definition.
func (w *Workflow) ToJSON() (string, error) {
	data, err := json.Marshal(w)
	if err != nil {
		return "", err
	}
	return string(data), nil
}
