package trigger

import (
	"context"
	"errors"
	"fmt"

	"github.com/BaSui01/agentloop/workflow"
)

// ErrWorkflowNotFound is returned when a trigger names an unknown workflow.
var ErrWorkflowNotFound = errors.New("trigger: workflow not found")

// Runner starts one run of a named workflow and waits for it.
type Runner interface {
	RunWorkflow(ctx context.Context, name string, vars map[string]any) (*workflow.ExecutionContext, error)
}

// RunnerFunc adapts a function to Runner.
type RunnerFunc func(ctx context.Context, name string, vars map[string]any) (*workflow.ExecutionContext, error)

// RunWorkflow implements Runner.
func (f RunnerFunc) RunWorkflow(ctx context.Context, name string, vars map[string]any) (*workflow.ExecutionContext, error) {
	return f(ctx, name, vars)
}

// CatalogRunner runs graphs looked up by name in a catalog. Lookup happens
// per firing, so reloaded definitions apply to the next run.
type CatalogRunner struct {
	Engine  *workflow.Engine
	Catalog *workflow.Catalog
}

// RunWorkflow implements Runner.
func (r *CatalogRunner) RunWorkflow(ctx context.Context, name string, vars map[string]any) (*workflow.ExecutionContext, error) {
	g, ok := r.Catalog.Get(name)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrWorkflowNotFound, name)
	}
	return r.Engine.Run(ctx, g, vars), nil
}
