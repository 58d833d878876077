package mocks

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/BaSui01/agentloop/tools"
	"github.com/BaSui01/agentloop/types"
)

// ToolCall 记录一次 MockTool 调用
type ToolCall struct {
	Args   map[string]any
	Result any
	Err    error
}

// MockTool implements tools.Tool with a fixed result, a fixed error or a
// custom function.
type MockTool struct {
	mu     sync.Mutex
	schema types.ToolSchema
	result any
	err    error
	fn     tools.HandlerFunc
	calls  []ToolCall
}

var _ tools.Tool = (*MockTool)(nil)

// NewMockTool 创建返回 nil, nil 的工具
func NewMockTool(name string) *MockTool {
	return &MockTool{
		schema: types.ToolSchema{
			Name:        name,
			Description: "mock tool " + name,
			Parameters:  json.RawMessage(`{"type":"object"}`),
		},
	}
}

// WithResult 设置成功时的返回值
func (m *MockTool) WithResult(v any) *MockTool {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.result = v
	return m
}

// WithError 让每次调用都返回 err
func (m *MockTool) WithError(err error) *MockTool {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.err = err
	return m
}

// WithFunc 用 fn 替换固定行为
func (m *MockTool) WithFunc(fn tools.HandlerFunc) *MockTool {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fn = fn
	return m
}

// WithParameters 设置参数的 JSON Schema
func (m *MockTool) WithParameters(schema string) *MockTool {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.schema.Parameters = json.RawMessage(schema)
	return m
}

// Schema implements tools.Tool.
func (m *MockTool) Schema() types.ToolSchema {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.schema
}

// Execute implements tools.Tool.
func (m *MockTool) Execute(ctx context.Context, args map[string]any) (any, error) {
	m.mu.Lock()
	fn, result, err := m.fn, m.result, m.err
	m.mu.Unlock()

	if fn != nil {
		result, err = fn(ctx, args)
	}
	if err != nil {
		result = nil
	}

	m.mu.Lock()
	m.calls = append(m.calls, ToolCall{Args: args, Result: result, Err: err})
	m.mu.Unlock()
	return result, err
}

// Calls 返回已记录的调用
func (m *MockTool) Calls() []ToolCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]ToolCall, len(m.calls))
	copy(out, m.calls)
	return out
}

// CallCount 返回 Execute 的执行次数
func (m *MockTool) CallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.calls)
}
