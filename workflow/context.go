package workflow

import (
	"maps"
	"time"

	"github.com/BaSui01/agentloop/eventlog"
)

// Status is the state of a run.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// NodeState is the state of one node within a run.
type NodeState string

const (
	NodePending   NodeState = "pending"
	NodeRunning   NodeState = "running"
	NodeCompleted NodeState = "completed"
	NodeFailed    NodeState = "failed"
	NodeSkipped   NodeState = "skipped"
)

// Terminal reports whether the node will not change state again.
func (s NodeState) Terminal() bool {
	return s == NodeCompleted || s == NodeFailed || s == NodeSkipped
}

// Skip reasons.
const (
	SkipCondition      = "condition"
	SkipUpstreamFailed = "upstream_failed"
)

// ExecutionContext is the state of one run. The engine's scheduling loop is
// its only writer; callers read it after Run returns.
type ExecutionContext struct {
	RunID       string               `json:"run_id"`
	Workflow    string               `json:"workflow"`
	Status      Status               `json:"status"`
	NodeResults map[string]any       `json:"node_results"`
	NodeStates  map[string]NodeState `json:"node_states"`
	NodeErrors  map[string]string    `json:"node_errors,omitempty"`
	SkipReasons map[string]string    `json:"skip_reasons,omitempty"`
	Variables   map[string]any       `json:"variables"`
	Log         *eventlog.EventLog   `json:"log"`
	Error       string               `json:"error,omitempty"`
	StartedAt   time.Time            `json:"started_at"`
	FinishedAt  time.Time            `json:"finished_at"`
}

func newExecutionContext(runID string, g *Graph, vars map[string]any) *ExecutionContext {
	ec := &ExecutionContext{
		RunID:       runID,
		Workflow:    g.Name(),
		Status:      StatusPending,
		NodeResults: make(map[string]any),
		NodeStates:  make(map[string]NodeState, g.Len()),
		NodeErrors:  make(map[string]string),
		SkipReasons: make(map[string]string),
		Variables:   g.Defaults(),
		Log:         eventlog.New("", runID),
		StartedAt:   time.Now(),
	}
	if ec.Variables == nil {
		ec.Variables = make(map[string]any, len(vars))
	}
	maps.Copy(ec.Variables, vars)
	for _, n := range g.Nodes() {
		ec.NodeStates[n.ID] = NodePending
	}
	return ec
}

func (ec *ExecutionContext) scope() Scope {
	return Scope{Results: ec.NodeResults, Variables: ec.Variables}
}

// NodesIn returns the ids of nodes in state s in no particular order.
func (ec *ExecutionContext) NodesIn(s NodeState) []string {
	var out []string
	for id, st := range ec.NodeStates {
		if st == s {
			out = append(out, id)
		}
	}
	return out
}

// Result summarizes a finished run.
type Result struct {
	RunID    string             `json:"run_id"`
	Workflow string             `json:"workflow"`
	Success  bool               `json:"success"`
	Status   Status             `json:"status"`
	Results  map[string]any     `json:"results"`
	Error    string             `json:"error,omitempty"`
	Skipped  []string           `json:"skipped,omitempty"`
	Failed   []string           `json:"failed,omitempty"`
	Duration time.Duration      `json:"duration"`
	Log      *eventlog.EventLog `json:"log"`
}

// Result returns the summary of the run.
func (ec *ExecutionContext) Result() *Result {
	return &Result{
		RunID:    ec.RunID,
		Workflow: ec.Workflow,
		Success:  ec.Status == StatusCompleted,
		Status:   ec.Status,
		Results:  maps.Clone(ec.NodeResults),
		Error:    ec.Error,
		Skipped:  sortedIDs(ec.NodesIn(NodeSkipped)),
		Failed:   sortedIDs(ec.NodesIn(NodeFailed)),
		Duration: ec.FinishedAt.Sub(ec.StartedAt),
		Log:      ec.Log,
	}
}
