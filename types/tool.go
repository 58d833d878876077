package types

import "encoding/json"

// ToolSchema defines a tool's interface as advertised to the model.
type ToolSchema struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
	Version     string          `json:"version,omitempty"`
}

// HasParameters reports whether the schema declares a parameter schema.
func (s ToolSchema) HasParameters() bool {
	return len(s.Parameters) > 0 && string(s.Parameters) != "null"
}
