package workflow

import (
	"fmt"
)

// NodeOption configures a node added through a Builder.
type NodeOption func(*Node)

// WithNodeType sets the node type label.
func WithNodeType(t NodeType) NodeOption {
	return func(n *Node) { n.Type = t }
}

// WithConfig sets the node config. Strings may hold ${node} placeholders.
func WithConfig(cfg map[string]any) NodeOption {
	return func(n *Node) { n.Config = cfg }
}

// WithErrorPolicy sets the node failure policy.
func WithErrorPolicy(p ErrorPolicy) NodeOption {
	return func(n *Node) { n.OnError = &p }
}

// WithMetadata attaches a metadata value.
func WithMetadata(key string, value any) NodeOption {
	return func(n *Node) {
		if n.Metadata == nil {
			n.Metadata = make(map[string]any)
		}
		n.Metadata[key] = value
	}
}

// Builder provides a fluent API for constructing graphs. The first error
// sticks and is returned by Build.
type Builder struct {
	graph *Graph
	err   error
}

// NewBuilder starts a graph named name.
func NewBuilder(name string) *Builder {
	return &Builder{graph: NewGraph(name)}
}

// Node adds a node running unit.
func (b *Builder) Node(id string, unit Unit, opts ...NodeOption) *Builder {
	if b.err != nil {
		return b
	}
	n := &Node{ID: id, Unit: unit}
	for _, opt := range opts {
		opt(n)
	}
	b.err = b.graph.AddNode(n)
	return b
}

// Edge adds an unconditional edge.
func (b *Builder) Edge(from, to string) *Builder {
	return b.EdgeWhen(from, to, nil)
}

// EdgeWhen adds an edge gated by pred.
func (b *Builder) EdgeWhen(from, to string, pred Predicate) *Builder {
	if b.err != nil {
		return b
	}
	b.err = b.graph.AddEdge(from, to, pred)
	return b
}

// Defaults sets the run variables defaults of the graph.
func (b *Builder) Defaults(vars map[string]any) *Builder {
	b.graph.SetDefaults(vars)
	return b
}

// Chain connects ids in sequence with unconditional edges.
func (b *Builder) Chain(ids ...string) *Builder {
	for i := 1; i < len(ids); i++ {
		b.Edge(ids[i-1], ids[i])
	}
	return b
}

// Build validates and returns the graph.
func (b *Builder) Build() (*Graph, error) {
	if b.err != nil {
		return nil, fmt.Errorf("build workflow %q: %w", b.graph.name, b.err)
	}
	if err := b.graph.Validate(); err != nil {
		return nil, fmt.Errorf("build workflow %q: %w", b.graph.name, err)
	}
	return b.graph, nil
}

// MustBuild is Build that panics on error.
func (b *Builder) MustBuild() *Graph {
	g, err := b.Build()
	if err != nil {
		panic(err)
	}
	return g
}
