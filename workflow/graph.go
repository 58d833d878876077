package workflow

import (
	"errors"
	"fmt"
	"maps"
	"time"
)

var (
	// ErrCycle is returned when an edge would close a cycle.
	ErrCycle = errors.New("workflow: edge would create a cycle")
	// ErrNodeNotFound is returned for edges that reference unknown nodes.
	ErrNodeNotFound = errors.New("workflow: node not found")
	// ErrDuplicateNode is returned when a node id is reused.
	ErrDuplicateNode = errors.New("workflow: duplicate node id")
	// ErrEmptyGraph is returned by Validate for a graph without nodes.
	ErrEmptyGraph = errors.New("workflow: graph has no nodes")
	// ErrNilGraph is reported by Engine.Run when given no graph.
	ErrNilGraph = errors.New("workflow: graph is nil")
)

// NodeType labels what a node's unit does. It is informational; the unit
// decides behaviour.
type NodeType string

const (
	NodeTypeTool  NodeType = "tool"
	NodeTypeAgent NodeType = "agent"
	NodeTypeFunc  NodeType = "func"
	NodeTypeNoop  NodeType = "noop"
)

// ErrorStrategy decides what a node failure does to the run.
type ErrorStrategy string

const (
	// StrategyFail marks the node failed.
	StrategyFail ErrorStrategy = "fail"
	// StrategyRetry re-invokes the unit with a constant delay.
	StrategyRetry ErrorStrategy = "retry"
	// StrategyFallback completes the node with the fallback value.
	StrategyFallback ErrorStrategy = "fallback"
)

// ErrorPolicy configures failure handling for one node.
type ErrorPolicy struct {
	Strategy   ErrorStrategy `yaml:"strategy" json:"strategy"`
	MaxRetries int           `yaml:"max_retries,omitempty" json:"max_retries,omitempty"`
	RetryDelay time.Duration `yaml:"retry_delay,omitempty" json:"retry_delay,omitempty"`
	Fallback   any           `yaml:"fallback,omitempty" json:"fallback,omitempty"`
}

// Node is one vertex of the graph.
type Node struct {
	ID   string
	Type NodeType
	Unit Unit
	// Config is resolved against prior results before dispatch.
	Config   map[string]any
	OnError  *ErrorPolicy
	Metadata map[string]any
}

// Predicate gates an edge on the source node's result.
type Predicate func(result any, vars map[string]any) (bool, error)

// When adapts a plain result check to a Predicate.
func When(fn func(result any) bool) Predicate {
	return func(result any, _ map[string]any) (bool, error) {
		return fn(result), nil
	}
}

// Edge connects two nodes. A nil Predicate always fires.
type Edge struct {
	From      string
	To        string
	Predicate Predicate
	// Expr is the source text of Predicate when it came from a definition.
	Expr string
}

// Graph is a DAG of nodes and predicate edges. It is built once and then
// only read, so a single graph may back concurrent runs.
type Graph struct {
	name     string
	defaults map[string]any
	nodes    map[string]*Node
	order []string
	out   map[string][]*Edge
	in    map[string][]*Edge
}

// NewGraph creates an empty graph.
func NewGraph(name string) *Graph {
	return &Graph{
		name:  name,
		nodes: make(map[string]*Node),
		out:   make(map[string][]*Edge),
		in:    make(map[string][]*Edge),
	}
}

// Name returns the workflow name.
func (g *Graph) Name() string { return g.name }

// SetDefaults sets the variables every run starts with. Variables passed
// to Engine.Run override them key by key.
func (g *Graph) SetDefaults(vars map[string]any) { g.defaults = maps.Clone(vars) }

// Defaults returns a copy of the default variables.
func (g *Graph) Defaults() map[string]any { return maps.Clone(g.defaults) }

// AddNode adds n. Ids must be unique and non-empty.
func (g *Graph) AddNode(n *Node) error {
	if n == nil || n.ID == "" {
		return fmt.Errorf("workflow: node id is required")
	}
	if _, exists := g.nodes[n.ID]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateNode, n.ID)
	}
	if n.Unit == nil {
		return fmt.Errorf("workflow: node %s has no unit", n.ID)
	}
	if n.Type == "" {
		n.Type = NodeTypeFunc
	}
	g.nodes[n.ID] = n
	g.order = append(g.order, n.ID)
	return nil
}

// AddEdge connects from to to. It rejects unknown endpoints, duplicate
// edges and any edge that would close a cycle.
func (g *Graph) AddEdge(from, to string, pred Predicate) error {
	return g.addEdge(&Edge{From: from, To: to, Predicate: pred})
}

func (g *Graph) addEdge(e *Edge) error {
	if _, ok := g.nodes[e.From]; !ok {
		return fmt.Errorf("%w: %s", ErrNodeNotFound, e.From)
	}
	if _, ok := g.nodes[e.To]; !ok {
		return fmt.Errorf("%w: %s", ErrNodeNotFound, e.To)
	}
	for _, existing := range g.out[e.From] {
		if existing.To == e.To {
			return fmt.Errorf("workflow: duplicate edge %s -> %s", e.From, e.To)
		}
	}
	if e.From == e.To || g.reachable(e.To, e.From) {
		return fmt.Errorf("%w: %s -> %s", ErrCycle, e.From, e.To)
	}
	g.out[e.From] = append(g.out[e.From], e)
	g.in[e.To] = append(g.in[e.To], e)
	return nil
}

// reachable reports whether to can be reached from from.
func (g *Graph) reachable(from, to string) bool {
	seen := map[string]bool{from: true}
	stack := []string{from}
	for len(stack) > 0 {
		id := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if id == to {
			return true
		}
		for _, e := range g.out[id] {
			if !seen[e.To] {
				seen[e.To] = true
				stack = append(stack, e.To)
			}
		}
	}
	return false
}

// Validate checks the graph is non-empty and acyclic. Builders use it;
// Engine.Run accepts an empty graph and completes it immediately.
func (g *Graph) Validate() error {
	if len(g.nodes) == 0 {
		return ErrEmptyGraph
	}
	if _, err := g.TopologicalOrder(); err != nil {
		return err
	}
	return nil
}

// TopologicalOrder returns node ids in dependency order using Kahn's
// algorithm. Ties keep insertion order.
func (g *Graph) TopologicalOrder() ([]string, error) {
	indegree := make(map[string]int, len(g.nodes))
	for _, id := range g.order {
		indegree[id] = len(g.in[id])
	}

	queue := make([]string, 0, len(g.order))
	for _, id := range g.order {
		if indegree[id] == 0 {
			queue = append(queue, id)
		}
	}

	sorted := make([]string, 0, len(g.order))
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		sorted = append(sorted, id)
		for _, e := range g.out[id] {
			indegree[e.To]--
			if indegree[e.To] == 0 {
				queue = append(queue, e.To)
			}
		}
	}

	if len(sorted) != len(g.order) {
		return nil, ErrCycle
	}
	return sorted, nil
}

// Node returns the node with id.
func (g *Graph) Node(id string) (*Node, bool) {
	n, ok := g.nodes[id]
	return n, ok
}

// Nodes returns every node in insertion order.
func (g *Graph) Nodes() []*Node {
	out := make([]*Node, 0, len(g.order))
	for _, id := range g.order {
		out = append(out, g.nodes[id])
	}
	return out
}

// Len returns the number of nodes.
func (g *Graph) Len() int { return len(g.order) }

// Roots returns the nodes without inbound edges, in insertion order.
func (g *Graph) Roots() []string {
	var roots []string
	for _, id := range g.order {
		if len(g.in[id]) == 0 {
			roots = append(roots, id)
		}
	}
	return roots
}

// Inbound returns the edges ending at id.
func (g *Graph) Inbound(id string) []*Edge { return g.in[id] }

// Outbound returns the edges leaving id.
func (g *Graph) Outbound(id string) []*Edge { return g.out[id] }

// IsSink reports whether id has no outgoing edges.
func (g *Graph) IsSink(id string) bool { return len(g.out[id]) == 0 }

// Descendants returns every node reachable from id, excluding id.
func (g *Graph) Descendants(id string) []string {
	seen := map[string]bool{id: true}
	var out []string
	stack := []string{id}
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		for _, e := range g.out[cur] {
			if !seen[e.To] {
				seen[e.To] = true
				out = append(out, e.To)
				stack = append(stack, e.To)
			}
		}
	}
	return out
}
