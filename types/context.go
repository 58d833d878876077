package types

import "context"

// contextKey is used for storing values in context.Context.
type contextKey string

const (
	keyTraceID contextKey = "trace_id"
	keyRunID   contextKey = "run_id"
	keyAgentID contextKey = "agent_id"
	keyTaskID  contextKey = "task_id"
	keyNodeID  contextKey = "node_id"

	keyRequestID contextKey = "request_id"
	keyTriggerID contextKey = "trigger_id"
	keyPrincipal contextKey = "principal"
)

// WithTraceID adds trace ID to context.
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, keyTraceID, traceID)
}

// TraceID extracts trace ID from context.
func TraceID(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(keyTraceID).(string)
	return v, ok && v != ""
}

// WithRunID adds run ID to context.
func WithRunID(ctx context.Context, runID string) context.Context {
	return context.WithValue(ctx, keyRunID, runID)
}

// RunID extracts run ID from context.
func RunID(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(keyRunID).(string)
	return v, ok && v != ""
}

// WithAgentID adds agent ID to context.
func WithAgentID(ctx context.Context, agentID string) context.Context {
	return context.WithValue(ctx, keyAgentID, agentID)
}

// AgentID extracts agent ID from context.
func AgentID(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(keyAgentID).(string)
	return v, ok && v != ""
}

// WithTaskID adds task ID to context.
func WithTaskID(ctx context.Context, taskID string) context.Context {
	return context.WithValue(ctx, keyTaskID, taskID)
}

// TaskID extracts task ID from context.
func TaskID(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(keyTaskID).(string)
	return v, ok && v != ""
}

// WithNodeID adds workflow node ID to context.
func WithNodeID(ctx context.Context, nodeID string) context.Context {
	return context.WithValue(ctx, keyNodeID, nodeID)
}

// NodeID extracts workflow node ID from context.
func NodeID(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(keyNodeID).(string)
	return v, ok && v != ""
}

// WithRequestID adds the HTTP request ID to context.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, keyRequestID, requestID)
}

// RequestID extracts the HTTP request ID from context.
func RequestID(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(keyRequestID).(string)
	return v, ok && v != ""
}

// WithTriggerID adds the ID of the firing trigger to context.
func WithTriggerID(ctx context.Context, triggerID string) context.Context {
	return context.WithValue(ctx, keyTriggerID, triggerID)
}

// TriggerID extracts the firing trigger ID from context.
func TriggerID(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(keyTriggerID).(string)
	return v, ok && v != ""
}

// WithPrincipal adds the authenticated caller to context.
func WithPrincipal(ctx context.Context, principal string) context.Context {
	return context.WithValue(ctx, keyPrincipal, principal)
}

// Principal extracts the authenticated caller from context.
func Principal(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(keyPrincipal).(string)
	return v, ok && v != ""
}
