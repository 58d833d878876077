package workflow

import (
	"fmt"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGraph_AddNode(t *testing.T) {
	g := NewGraph("g")

	require.NoError(t, g.AddNode(&Node{ID: "a", Unit: Noop}))
	n, ok := g.Node("a")
	require.True(t, ok)
	assert.Equal(t, NodeTypeFunc, n.Type)

	assert.ErrorIs(t, g.AddNode(&Node{ID: "a", Unit: Noop}), ErrDuplicateNode)
	assert.Error(t, g.AddNode(&Node{ID: "", Unit: Noop}))
	assert.Error(t, g.AddNode(&Node{ID: "b"}))
	assert.Error(t, g.AddNode(nil))
	assert.Equal(t, 1, g.Len())
}

func TestGraph_AddEdge(t *testing.T) {
	g := NewBuilder("g").Node("a", Noop).Node("b", Noop).Node("c", Noop).MustBuild()

	require.NoError(t, g.AddEdge("a", "b", nil))
	require.NoError(t, g.AddEdge("b", "c", nil))

	tests := []struct {
		name     string
		from, to string
		wantErr  error
	}{
		{"unknown source", "x", "a", ErrNodeNotFound},
		{"unknown target", "a", "x", ErrNodeNotFound},
		{"self loop", "a", "a", ErrCycle},
		{"back edge", "b", "a", ErrCycle},
		{"long back edge", "c", "a", ErrCycle},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.ErrorIs(t, g.AddEdge(tt.from, tt.to, nil), tt.wantErr)
		})
	}

	assert.Error(t, g.AddEdge("a", "b", nil), "duplicate edge")
	require.NoError(t, g.AddEdge("a", "c", nil))
	assert.Len(t, g.Inbound("c"), 2)
}

func TestGraph_Structure(t *testing.T) {
	g := NewBuilder("g").
		Node("a", Noop).Node("b", Noop).Node("c", Noop).Node("d", Noop).Node("e", Noop).
		Chain("a", "b", "d").
		Edge("a", "c").
		Edge("c", "d").
		MustBuild()

	assert.Equal(t, []string{"a", "e"}, g.Roots())
	assert.True(t, g.IsSink("d"))
	assert.True(t, g.IsSink("e"))
	assert.False(t, g.IsSink("a"))
	assert.ElementsMatch(t, []string{"b", "c", "d"}, g.Descendants("a"))
	assert.Empty(t, g.Descendants("d"))

	order, err := g.TopologicalOrder()
	require.NoError(t, err)
	pos := make(map[string]int, len(order))
	for i, id := range order {
		pos[id] = i
	}
	for _, n := range g.Nodes() {
		for _, e := range g.Outbound(n.ID) {
			assert.Less(t, pos[e.From], pos[e.To], "%s -> %s", e.From, e.To)
		}
	}
}

func TestGraph_ValidateEmpty(t *testing.T) {
	assert.ErrorIs(t, NewGraph("empty").Validate(), ErrEmptyGraph)
}

func TestBuilder_StickyError(t *testing.T) {
	_, err := NewBuilder("bad").
		Node("a", Noop).
		Edge("a", "missing").
		Node("b", Noop).
		Build()
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNodeNotFound)
	assert.Contains(t, err.Error(), `"bad"`)

	assert.Panics(t, func() { NewBuilder("bad").Edge("x", "y").MustBuild() })
}

func TestBuilder_Options(t *testing.T) {
	policy := ErrorPolicy{Strategy: StrategyRetry, MaxRetries: 2}
	g := NewBuilder("opts").
		Node("t", Noop,
			WithNodeType(NodeTypeTool),
			WithConfig(map[string]any{"k": "v"}),
			WithErrorPolicy(policy),
			WithMetadata("owner", "ops"),
		).
		MustBuild()

	n, ok := g.Node("t")
	require.True(t, ok)
	assert.Equal(t, NodeTypeTool, n.Type)
	assert.Equal(t, "v", n.Config["k"])
	assert.Equal(t, &policy, n.OnError)
	assert.Equal(t, "ops", n.Metadata["owner"])
}

// Adding arbitrary edges never leaves a cycle behind: every accepted edge
// keeps the graph topologically sortable.
func TestProperty_GraphStaysAcyclic(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100

	properties := gopter.NewProperties(parameters)

	pair := gopter.CombineGens(gen.IntRange(0, 7), gen.IntRange(0, 7))

	properties.Property("accepted edges never form a cycle", prop.ForAll(
		func(pairs [][]any) bool {
			g := NewGraph("prop")
			for i := range 8 {
				if err := g.AddNode(&Node{ID: fmt.Sprintf("n%d", i), Unit: Noop}); err != nil {
					return false
				}
			}

			accepted := 0
			for _, v := range pairs {
				from, to := fmt.Sprintf("n%d", v[0].(int)), fmt.Sprintf("n%d", v[1].(int))
				if g.AddEdge(from, to, nil) == nil {
					accepted++
				}
			}

			order, err := g.TopologicalOrder()
			if err != nil || len(order) != g.Len() {
				return false
			}
			edges := 0
			for _, n := range g.Nodes() {
				edges += len(g.Outbound(n.ID))
			}
			return edges == accepted
		},
		gen.SliceOf(pair),
	))

	properties.TestingRun(t)
}

// A self-loop is rejected no matter the node.
func TestProperty_SelfLoopRejected(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	properties := gopter.NewProperties(parameters)

	properties.Property("self loops are cycles", prop.ForAll(
		func(id string) bool {
			if id == "" {
				return true
			}
			g := NewGraph("self")
			if err := g.AddNode(&Node{ID: id, Unit: Noop}); err != nil {
				return false
			}
			return g.AddEdge(id, id, nil) != nil
		},
		gen.AlphaString(),
	))

	properties.TestingRun(t)
}
