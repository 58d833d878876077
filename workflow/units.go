package workflow

import (
	"context"
	"fmt"

	"github.com/BaSui01/agentloop/agent"
	"github.com/BaSui01/agentloop/eventlog"
	"github.com/BaSui01/agentloop/types"
)

// Input is what a unit receives for one execution.
type Input struct {
	RunID  string
	NodeID string
	// Config is the node config with placeholders resolved.
	Config map[string]any
	// Results holds the results of nodes that completed before dispatch.
	Results   map[string]any
	Variables map[string]any
}

// Unit is the executable body of a node.
type Unit interface {
	Execute(ctx context.Context, in Input) (any, error)
}

// UnitFunc adapts a function to Unit.
type UnitFunc func(ctx context.Context, in Input) (any, error)

// Execute implements Unit.
func (f UnitFunc) Execute(ctx context.Context, in Input) (any, error) {
	return f(ctx, in)
}

// Noop returns the resolved config, or nil when the config is empty.
var Noop Unit = UnitFunc(func(_ context.Context, in Input) (any, error) {
	if len(in.Config) == 0 {
		return nil, nil
	}
	return in.Config, nil
})

// ToolInvoker runs registered tools. *tools.Registry satisfies it.
type ToolInvoker interface {
	Invoke(ctx context.Context, name string, args map[string]any) (any, error)
}

// ToolUnit invokes one tool with the resolved config as arguments.
type ToolUnit struct {
	Tools ToolInvoker
	Tool  string
}

// Execute implements Unit.
func (u *ToolUnit) Execute(ctx context.Context, in Input) (any, error) {
	if u.Tools == nil {
		return nil, types.NewError(types.ErrToolNotFound, "no tool registry configured").WithTool(u.Tool)
	}
	return u.Tools.Invoke(ctx, u.Tool, in.Config)
}

// ErrSuspended is returned by AgentUnit when the agent asked a human.
var ErrSuspended = fmt.Errorf("workflow: agent is waiting for human input")

// AgentUnit runs an agent task. The task description comes from the
// "task" config key; the whole resolved config becomes the task input.
type AgentUnit struct {
	Executor *agent.Executor
	Agent    *agent.Agent
	// Task is used when the config has no "task" key.
	Task string
}

// Execute implements Unit.
func (u *AgentUnit) Execute(ctx context.Context, in Input) (any, error) {
	if u.Executor == nil || u.Agent == nil {
		return nil, types.NewError(types.ErrInvalidRequest, "agent unit needs an executor and an agent")
	}

	description := u.Task
	if s, ok := in.Config["task"].(string); ok && s != "" {
		description = s
	}

	res := u.Executor.Run(ctx, u.Agent, &agent.Task{
		ID:          in.RunID + ":" + in.NodeID,
		Description: description,
		Input:       in.Config,
	})
	switch res.State {
	case eventlog.StateCompleted:
		return res.Result, nil
	case eventlog.StateWaitingForHuman:
		return nil, fmt.Errorf("%w (run %s)", ErrSuspended, res.RunID)
	default:
		return nil, fmt.Errorf("agent %s failed: %s", u.Agent.ID, res.Error)
	}
}
