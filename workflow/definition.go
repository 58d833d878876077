package workflow

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/BaSui01/agentloop/agent"
	"github.com/google/cel-go/cel"
	"gopkg.in/yaml.v3"
)

// Definition is the declarative form of a workflow, loaded from YAML or
// JSON.
type Definition struct {
	Name        string         `yaml:"name" json:"name"`
	Description string         `yaml:"description,omitempty" json:"description,omitempty"`
	Variables   map[string]any `yaml:"variables,omitempty" json:"variables,omitempty"`
	Nodes       []NodeDef      `yaml:"nodes" json:"nodes"`
	Edges       []EdgeDef      `yaml:"edges,omitempty" json:"edges,omitempty"`
}

// NodeDef declares one node.
type NodeDef struct {
	ID   string   `yaml:"id" json:"id"`
	Type NodeType `yaml:"type" json:"type"`
	// Tool names the tool of a tool node.
	Tool string `yaml:"tool,omitempty" json:"tool,omitempty"`
	// Agent names the agent of an agent node.
	Agent string `yaml:"agent,omitempty" json:"agent,omitempty"`
	// Task is the default task description of an agent node.
	Task string `yaml:"task,omitempty" json:"task,omitempty"`
	// Func names a registered unit for func nodes. Defaults to ID.
	Func    string         `yaml:"func,omitempty" json:"func,omitempty"`
	Config  map[string]any `yaml:"config,omitempty" json:"config,omitempty"`
	OnError *ErrorPolicy   `yaml:"on_error,omitempty" json:"on_error,omitempty"`
}

// EdgeDef declares one edge. When is an optional CEL expression over
// `result` (the source node's result) and `vars` (run variables).
type EdgeDef struct {
	From string `yaml:"from" json:"from"`
	To   string `yaml:"to" json:"to"`
	When string `yaml:"when,omitempty" json:"when,omitempty"`
}

// ParseDefinition decodes a YAML or JSON definition and validates it.
func ParseDefinition(data []byte) (*Definition, error) {
	var def Definition
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&def); err != nil {
		return nil, fmt.Errorf("parse workflow definition: %w", err)
	}
	if err := def.Validate(); err != nil {
		return nil, err
	}
	return &def, nil
}

// LoadDefinition reads and parses a definition file.
func LoadDefinition(path string) (*Definition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read workflow definition: %w", err)
	}
	def, err := ParseDefinition(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return def, nil
}

// Validate checks the definition without building units. Cycles are
// caught by Build.
func (d *Definition) Validate() error {
	var errs []error
	if d.Name == "" {
		errs = append(errs, errors.New("workflow name is required"))
	}
	if len(d.Nodes) == 0 {
		errs = append(errs, ErrEmptyGraph)
	}

	seen := make(map[string]bool, len(d.Nodes))
	for i, n := range d.Nodes {
		switch {
		case n.ID == "":
			errs = append(errs, fmt.Errorf("node %d: id is required", i))
			continue
		case seen[n.ID]:
			errs = append(errs, fmt.Errorf("node %s: %w", n.ID, ErrDuplicateNode))
			continue
		}
		seen[n.ID] = true

		switch n.Type {
		case NodeTypeTool:
			if n.Tool == "" {
				errs = append(errs, fmt.Errorf("node %s: tool node needs a tool", n.ID))
			}
		case NodeTypeAgent:
			if n.Agent == "" {
				errs = append(errs, fmt.Errorf("node %s: agent node needs an agent", n.ID))
			}
		case NodeTypeFunc, NodeTypeNoop, "":
		default:
			errs = append(errs, fmt.Errorf("node %s: unknown type %q", n.ID, n.Type))
		}

		if p := n.OnError; p != nil {
			switch p.Strategy {
			case StrategyFail, StrategyRetry, StrategyFallback:
			default:
				errs = append(errs, fmt.Errorf("node %s: unknown error strategy %q", n.ID, p.Strategy))
			}
			if p.MaxRetries < 0 || p.RetryDelay < 0 {
				errs = append(errs, fmt.Errorf("node %s: retry settings must not be negative", n.ID))
			}
		}
	}

	for _, e := range d.Edges {
		if !seen[e.From] || !seen[e.To] {
			errs = append(errs, fmt.Errorf("edge %s -> %s: %w", e.From, e.To, ErrNodeNotFound))
			continue
		}
		if e.When != "" {
			if _, err := CompileCondition(e.When); err != nil {
				errs = append(errs, fmt.Errorf("edge %s -> %s: %w", e.From, e.To, err))
			}
		}
	}
	return errors.Join(errs...)
}

// UnitFactory creates the unit behind a declared node.
type UnitFactory interface {
	Unit(def NodeDef) (Unit, error)
}

// DefaultUnitFactory resolves tool, agent and func nodes against the
// registries it is given.
type DefaultUnitFactory struct {
	Tools    ToolInvoker
	Executor *agent.Executor
	Agents   map[string]*agent.Agent
	Funcs    map[string]Unit
}

// Unit implements UnitFactory.
func (f *DefaultUnitFactory) Unit(def NodeDef) (Unit, error) {
	switch def.Type {
	case NodeTypeTool:
		if f.Tools == nil {
			return nil, fmt.Errorf("node %s: no tool registry configured", def.ID)
		}
		return &ToolUnit{Tools: f.Tools, Tool: def.Tool}, nil
	case NodeTypeAgent:
		a, ok := f.Agents[def.Agent]
		if !ok {
			return nil, fmt.Errorf("node %s: unknown agent %q", def.ID, def.Agent)
		}
		return &AgentUnit{Executor: f.Executor, Agent: a, Task: def.Task}, nil
	case NodeTypeNoop:
		return Noop, nil
	default:
		name := def.Func
		if name == "" {
			name = def.ID
		}
		u, ok := f.Funcs[name]
		if !ok {
			return nil, fmt.Errorf("node %s: unknown func %q", def.ID, name)
		}
		return u, nil
	}
}

// Build compiles the definition into a graph.
func (d *Definition) Build(factory UnitFactory) (*Graph, error) {
	if err := d.Validate(); err != nil {
		return nil, fmt.Errorf("build workflow %q: %w", d.Name, err)
	}

	g := NewGraph(d.Name)
	g.SetDefaults(d.Variables)
	for _, nd := range d.Nodes {
		unit, err := factory.Unit(nd)
		if err != nil {
			return nil, fmt.Errorf("build workflow %q: %w", d.Name, err)
		}
		typ := nd.Type
		if typ == "" {
			typ = NodeTypeFunc
		}
		err = g.AddNode(&Node{ID: nd.ID, Type: typ, Unit: unit, Config: nd.Config, OnError: nd.OnError})
		if err != nil {
			return nil, fmt.Errorf("build workflow %q: %w", d.Name, err)
		}
	}

	for _, ed := range d.Edges {
		e := &Edge{From: ed.From, To: ed.To, Expr: ed.When}
		if ed.When != "" {
			pred, err := CompileCondition(ed.When)
			if err != nil {
				return nil, fmt.Errorf("build workflow %q: %w", d.Name, err)
			}
			e.Predicate = pred
		}
		if err := g.addEdge(e); err != nil {
			return nil, fmt.Errorf("build workflow %q: %w", d.Name, err)
		}
	}

	if err := g.Validate(); err != nil {
		return nil, fmt.Errorf("build workflow %q: %w", d.Name, err)
	}
	return g, nil
}

var conditionEnv = sync.OnceValues(func() (*cel.Env, error) {
	return cel.NewEnv(
		cel.Variable("result", cel.DynType),
		cel.Variable("vars", cel.MapType(cel.StringType, cel.DynType)),
		cel.CrossTypeNumericComparisons(true),
	)
})

// CompileCondition compiles a CEL edge condition into a Predicate. The
// expression sees `result` and `vars` and must yield a bool.
func CompileCondition(expr string) (Predicate, error) {
	env, err := conditionEnv()
	if err != nil {
		return nil, fmt.Errorf("condition environment: %w", err)
	}
	ast, iss := env.Compile(expr)
	if iss != nil && iss.Err() != nil {
		return nil, fmt.Errorf("compile condition %q: %w", expr, iss.Err())
	}
	switch out := ast.OutputType().String(); out {
	case "bool", "dyn":
	default:
		return nil, fmt.Errorf("condition %q yields %s, want bool", expr, out)
	}
	prg, err := env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("program condition %q: %w", expr, err)
	}

	return func(result any, vars map[string]any) (bool, error) {
		if vars == nil {
			vars = map[string]any{}
		}
		out, _, err := prg.Eval(map[string]any{"result": result, "vars": vars})
		if err != nil {
			return false, fmt.Errorf("evaluate condition %q: %w", expr, err)
		}
		b, ok := out.Value().(bool)
		if !ok {
			return false, fmt.Errorf("condition %q yielded %T, want bool", expr, out.Value())
		}
		return b, nil
	}, nil
}
