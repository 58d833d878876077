package tools

import (
	"context"
	"encoding/json"

	"github.com/BaSui01/agentloop/types"
)

// Tool is an executable capability exposed to agents.
type Tool interface {
	Schema() types.ToolSchema
	Execute(ctx context.Context, args map[string]any) (any, error)
}

// HandlerFunc is the body of a Func tool.
type HandlerFunc func(ctx context.Context, args map[string]any) (any, error)

// Func adapts a plain function to the Tool interface.
type Func struct {
	schema  types.ToolSchema
	handler HandlerFunc
}

// NewFunc builds a Tool from a function. params is a JSON Schema object
// describing the arguments and may be nil.
func NewFunc(name, description string, params json.RawMessage, handler HandlerFunc) *Func {
	return &Func{
		schema: types.ToolSchema{
			Name:        name,
			Description: description,
			Parameters:  params,
		},
		handler: handler,
	}
}

// Schema implements Tool.
func (f *Func) Schema() types.ToolSchema { return f.schema }

// Execute implements Tool.
func (f *Func) Execute(ctx context.Context, args map[string]any) (any, error) {
	return f.handler(ctx, args)
}
