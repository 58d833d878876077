package eventlog

import (
	"maps"
	"time"

	"github.com/BaSui01/agentloop/types"
	"github.com/google/uuid"
)

// EventType is the closed set of event variants.
type EventType string

const (
	EventTaskStart     EventType = "task_start"
	EventTaskEnd       EventType = "task_end"
	EventToolCall      EventType = "tool_call"
	EventToolResult    EventType = "tool_result"
	EventError         EventType = "error"
	EventLLMCall       EventType = "llm_call"
	EventLLMResponse   EventType = "llm_response"
	EventHumanRequest  EventType = "human_request"
	EventHumanResponse EventType = "human_response"
	EventFinishTask    EventType = "finish_task"
	EventAgentHandoff  EventType = "agent_handoff"
	EventCompacted     EventType = "compacted"
)

// AllEventTypes lists every variant in declaration order.
var AllEventTypes = []EventType{
	EventTaskStart, EventTaskEnd, EventToolCall, EventToolResult, EventError,
	EventLLMCall, EventLLMResponse, EventHumanRequest, EventHumanResponse,
	EventFinishTask, EventAgentHandoff, EventCompacted,
}

// Valid reports whether t is one of the known variants.
func (t EventType) Valid() bool {
	for _, known := range AllEventTypes {
		if t == known {
			return true
		}
	}
	return false
}

// Payload keys shared by producers and by DeriveState.
const (
	KeySuccess     = "success"
	KeyRecoverable = "recoverable"
	KeyErrorType   = "error_type"
	KeyMessage     = "message"
	KeyResult      = "result"
	KeyReasoning   = "reasoning"
	KeyTool        = "tool"
	KeyArgs        = "args"
	KeyError       = "error"
	KeyQuestion    = "question"
	KeyAnswer      = "answer"
	KeyContent     = "content"
	KeyPrompt      = "prompt"
	KeyIteration   = "iteration"
	KeyUsage       = "usage"
	KeyReason      = "reason"
	KeyDescription = "description"
	KeyFrom        = "from"
	KeyTo          = "to"
	KeySummary     = "summary"
	KeyCount       = "count"
	KeyTypes       = "types"
	KeyState       = "state"
	KeyNodeID      = "node_id"
)

// Event is an immutable record of something that happened during a run.
type Event struct {
	ID        string         `json:"id"`
	Timestamp time.Time      `json:"timestamp"`
	Type      EventType      `json:"type"`
	Data      map[string]any `json:"data,omitempty"`
	AgentID   string         `json:"agent_id,omitempty"`
	TaskID    string         `json:"task_id,omitempty"`
}

// NewEvent creates an event of the given type with a fresh id and timestamp.
func NewEvent(t EventType, data map[string]any) Event {
	if data == nil {
		data = make(map[string]any)
	}
	return Event{
		ID:        uuid.NewString(),
		Timestamp: time.Now().UTC(),
		Type:      t,
		Data:      data,
	}
}

// Get returns a payload value.
func (e Event) Get(key string) (any, bool) {
	v, ok := e.Data[key]
	return v, ok
}

// String returns a payload value as a string, or "" when absent or not a string.
func (e Event) String(key string) string {
	s, _ := e.Data[key].(string)
	return s
}

// Bool returns a payload boolean, falling back to def when absent.
func (e Event) Bool(key string, def bool) bool {
	if b, ok := e.Data[key].(bool); ok {
		return b
	}
	return def
}

// clone detaches the payload from the caller's map.
func (e Event) clone() Event {
	e.Data = maps.Clone(e.Data)
	if e.Data == nil {
		e.Data = make(map[string]any)
	}
	return e
}

// NewTaskStartEvent marks the beginning of a task.
func NewTaskStartEvent(description string) Event {
	return NewEvent(EventTaskStart, map[string]any{KeyDescription: description})
}

// NewTaskEndEvent marks the end of a task. success decides completed vs failed.
func NewTaskEndEvent(success bool, result any, reason string) Event {
	data := map[string]any{KeySuccess: success, KeyResult: result}
	if reason != "" {
		data[KeyReason] = reason
	}
	return NewEvent(EventTaskEnd, data)
}

// NewToolCallEvent records a tool invocation request.
func NewToolCallEvent(tool string, args map[string]any, reasoning string) Event {
	return NewEvent(EventToolCall, map[string]any{
		KeyTool:      tool,
		KeyArgs:      args,
		KeyReasoning: reasoning,
	})
}

// NewToolResultEvent records the outcome of a tool invocation.
func NewToolResultEvent(tool string, success bool, result any, errMsg string) Event {
	data := map[string]any{
		KeyTool:    tool,
		KeySuccess: success,
		KeyResult:  result,
	}
	if errMsg != "" {
		data[KeyError] = errMsg
	}
	return NewEvent(EventToolResult, data)
}

// NewErrorEvent records a classified failure.
func NewErrorEvent(errorType, message string, recoverable bool) Event {
	return NewEvent(EventError, map[string]any{
		KeyErrorType:   errorType,
		KeyMessage:     message,
		KeyRecoverable: recoverable,
	})
}

// NewLLMCallEvent records that a prompt was sent to the model.
func NewLLMCallEvent(prompt string, iteration int) Event {
	return NewEvent(EventLLMCall, map[string]any{
		KeyPrompt:    prompt,
		KeyIteration: iteration,
	})
}

// NewLLMResponseEvent records raw model output and its usage.
func NewLLMResponseEvent(content string, usage types.TokenUsage) Event {
	return NewEvent(EventLLMResponse, map[string]any{
		KeyContent: content,
		KeyUsage:   usage,
	})
}

// NewHumanRequestEvent suspends a run until a human answers.
func NewHumanRequestEvent(question string, context map[string]any) Event {
	data := map[string]any{KeyQuestion: question}
	for k, v := range context {
		if _, reserved := data[k]; !reserved {
			data[k] = v
		}
	}
	return NewEvent(EventHumanRequest, data)
}

// NewHumanResponseEvent records a human answer.
func NewHumanResponseEvent(answer string) Event {
	return NewEvent(EventHumanResponse, map[string]any{KeyAnswer: answer})
}

// NewFinishTaskEvent records the model's decision to finish.
func NewFinishTaskEvent(result any, reasoning string, success bool) Event {
	return NewEvent(EventFinishTask, map[string]any{
		KeyResult:    result,
		KeyReasoning: reasoning,
		KeySuccess:   success,
	})
}

// NewAgentHandoffEvent records control passing between agents.
func NewAgentHandoffEvent(from, to, reason string) Event {
	return NewEvent(EventAgentHandoff, map[string]any{
		KeyFrom:   from,
		KeyTo:     to,
		KeyReason: reason,
	})
}
