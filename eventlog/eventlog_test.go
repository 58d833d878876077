package eventlog

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ---------------------------------------------------------------------------
// Append / basic accessors
// ---------------------------------------------------------------------------

func TestEventLog_EmptyIsInitialized(t *testing.T) {
	t.Parallel()
	l := New("agent-1", "task-1")

	assert.Equal(t, 0, l.Len())
	assert.Equal(t, StateInitialized, l.CurrentState())
	assert.False(t, l.CanContinue())
	assert.False(t, l.IsComplete())
	_, ok := l.Last()
	assert.False(t, ok)
}

func TestEventLog_AppendFillsTags(t *testing.T) {
	t.Parallel()
	l := New("agent-1", "task-1")

	stored := l.Append(Event{Type: EventTaskStart})
	assert.NotEmpty(t, stored.ID)
	assert.False(t, stored.Timestamp.IsZero())
	assert.Equal(t, "agent-1", stored.AgentID)
	assert.Equal(t, "task-1", stored.TaskID)
	assert.NotNil(t, stored.Data)
}

func TestEventLog_AppendDetachesPayload(t *testing.T) {
	t.Parallel()
	l := New("", "")
	data := map[string]any{KeyDescription: "original"}
	l.Append(NewEvent(EventTaskStart, data))

	data[KeyDescription] = "mutated"
	last, _ := l.Last()
	assert.Equal(t, "original", last.String(KeyDescription))
}

func TestEventLog_EventsReturnsCopy(t *testing.T) {
	t.Parallel()
	l := New("", "")
	l.Append(NewTaskStartEvent("x"))

	events := l.Events()
	events[0].Type = EventError
	assert.Equal(t, EventTaskStart, l.Events()[0].Type)
}

func TestEventLog_PreservesOrder(t *testing.T) {
	t.Parallel()
	l := New("", "")
	l.Append(NewTaskStartEvent("go"))
	l.Append(NewLLMCallEvent("p", 1))
	l.Append(NewToolCallEvent("echo", nil, ""))
	l.Append(NewToolResultEvent("echo", true, "ok", ""))

	var got []EventType
	for _, e := range l.Events() {
		got = append(got, e.Type)
	}
	assert.Equal(t, []EventType{EventTaskStart, EventLLMCall, EventToolCall, EventToolResult}, got)
}

// ---------------------------------------------------------------------------
// State derivation
// ---------------------------------------------------------------------------

func TestEventLog_TaskStartIsRunning(t *testing.T) {
	t.Parallel()
	l := New("", "")
	l.Append(NewTaskStartEvent("solve"))

	assert.Equal(t, StateRunning, l.CurrentState())
	assert.True(t, l.CanContinue())
	assert.False(t, l.IsComplete())
}

func TestEventLog_UnrecoverableErrorFails(t *testing.T) {
	t.Parallel()
	l := New("", "")
	l.Append(NewToolCallEvent("search", map[string]any{"q": "go"}, ""))
	require.Equal(t, StateExecutingTool, l.CurrentState())
	assert.True(t, l.CanContinue())

	l.Append(NewErrorEvent("permission_error", "denied", false))
	assert.Equal(t, StateFailed, l.CurrentState())
	assert.True(t, l.IsComplete())
	assert.False(t, l.CanContinue())
}

func TestDeriveState(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name  string
		event Event
		want  State
	}{
		{"task start", NewTaskStartEvent("x"), StateRunning},
		{"tool call", NewToolCallEvent("t", nil, ""), StateExecutingTool},
		{"tool result", NewToolResultEvent("t", false, nil, "boom"), StateRunning},
		{"recoverable error", NewErrorEvent("tool_error", "x", true), StateRunning},
		{"unrecoverable error", NewErrorEvent("permission_error", "x", false), StateFailed},
		{"human request", NewHumanRequestEvent("why?", nil), StateWaitingForHuman},
		{"human response", NewHumanResponseEvent("because"), StateRunning},
		{"finish success", NewFinishTaskEvent("done", "", true), StateCompleted},
		{"finish failure", NewFinishTaskEvent(nil, "", false), StateFailed},
		{"task end success", NewTaskEndEvent(true, nil, ""), StateCompleted},
		{"task end failure", NewTaskEndEvent(false, nil, "x"), StateFailed},
		{"task end without flag", NewEvent(EventTaskEnd, nil), StateCompleted},
		{"handoff", NewAgentHandoffEvent("a", "b", ""), StateRunning},
		{"llm response", NewEvent(EventLLMResponse, nil), StateRunning},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, DeriveState(tt.event))
		})
	}
}

func TestEventLog_NeedsHumanInput(t *testing.T) {
	t.Parallel()
	l := New("", "")
	l.Append(NewTaskStartEvent("x"))
	l.Append(NewHumanRequestEvent("approve?", map[string]any{"question": "ignored", "hint": "y"}))

	assert.True(t, l.NeedsHumanInput())
	assert.False(t, l.CanContinue())
	last, _ := l.Last()
	assert.Equal(t, "approve?", last.String(KeyQuestion))
	assert.Equal(t, "y", last.String("hint"))

	l.Append(NewHumanResponseEvent("yes"))
	assert.False(t, l.NeedsHumanInput())
	assert.True(t, l.CanContinue())
}

// ---------------------------------------------------------------------------
// Queries
// ---------------------------------------------------------------------------

func TestEventLog_FilterAndRecentErrors(t *testing.T) {
	t.Parallel()
	l := New("", "")
	l.Append(NewTaskStartEvent("x"))
	l.Append(NewErrorEvent("tool_error", "e1", true))
	l.Append(NewToolCallEvent("t", nil, ""))
	l.Append(NewErrorEvent("tool_error", "e2", true))
	l.Append(NewErrorEvent("parsing_error", "e3", true))

	assert.Len(t, l.Filter(EventError), 3)
	assert.Len(t, l.Filter(EventError, EventToolCall), 4)
	assert.Empty(t, l.Filter(EventHumanRequest))

	recent := l.RecentErrors(2)
	require.Len(t, recent, 2)
	assert.Equal(t, "e2", recent[0].String(KeyMessage))
	assert.Equal(t, "e3", recent[1].String(KeyMessage))
	assert.Nil(t, l.RecentErrors(0))
	assert.Len(t, l.RecentErrors(10), 3)

	l.Append(NewToolResultEvent("t", true, "ok", ""))
	l.Append(NewToolResultEvent("t", false, nil, "boom"))
	recent = l.RecentErrors(1)
	require.Len(t, recent, 1)
	assert.Equal(t, EventToolResult, recent[0].Type)
	assert.Len(t, l.RecentErrors(10), 4)
}

// ---------------------------------------------------------------------------
// Compaction
// ---------------------------------------------------------------------------

func TestEventLog_Compact(t *testing.T) {
	t.Parallel()
	l := New("a", "t")
	l.Append(NewTaskStartEvent("x"))
	l.Append(NewLLMCallEvent("p", 1))
	l.Append(NewToolCallEvent("echo", nil, ""))
	l.Append(NewToolResultEvent("echo", true, "hi", ""))
	l.Append(NewFinishTaskEvent("hi", "", true))

	c := l.Compact(2, nil)
	assert.Equal(t, 5, l.Len(), "receiver must be untouched")
	require.Equal(t, 3, c.Len())

	first := c.Events()[0]
	assert.Equal(t, EventCompacted, first.Type)
	assert.Equal(t, 3, first.Data[KeyCount])
	assert.Equal(t, string(StateExecutingTool), first.String(KeyState))
	assert.Contains(t, first.String(KeySummary), "3 events")
	assert.Equal(t, StateCompleted, c.CurrentState())
	assert.Equal(t, "a", first.AgentID)
}

func TestEventLog_CompactEverything(t *testing.T) {
	t.Parallel()
	l := New("", "")
	l.Append(NewTaskStartEvent("x"))
	l.Append(NewHumanRequestEvent("?", nil))

	c := l.Compact(0, func(events []Event) string { return "custom" })
	require.Equal(t, 1, c.Len())
	assert.Equal(t, "custom", c.Events()[0].String(KeySummary))
	assert.Equal(t, StateWaitingForHuman, c.CurrentState())
}

func TestEventLog_CompactNothingToFold(t *testing.T) {
	t.Parallel()
	l := New("", "")
	l.Append(NewTaskStartEvent("x"))

	c := l.Compact(5, nil)
	assert.Equal(t, l.Events(), c.Events())
}

func TestDefaultSummary(t *testing.T) {
	t.Parallel()
	s := DefaultSummary([]Event{
		NewToolCallEvent("a", nil, ""),
		NewLLMCallEvent("p", 1),
		NewToolCallEvent("b", nil, ""),
	})
	assert.Equal(t, "3 events: llm_call=1, tool_call=2", s)
}

// ---------------------------------------------------------------------------
// JSON
// ---------------------------------------------------------------------------

func TestEventLog_JSONRoundTrip(t *testing.T) {
	t.Parallel()
	l := New("agent", "task")
	l.Append(NewTaskStartEvent("x"))
	l.Append(NewErrorEvent("permission_error", "no", false))

	raw, err := json.Marshal(l)
	require.NoError(t, err)

	var back EventLog
	require.NoError(t, json.Unmarshal(raw, &back))
	assert.Equal(t, "agent", back.AgentID())
	assert.Equal(t, 2, back.Len())
	assert.Equal(t, StateFailed, back.CurrentState())
}

func TestEventLog_UnmarshalRejectsUnknownType(t *testing.T) {
	t.Parallel()
	var l EventLog
	err := json.Unmarshal([]byte(`{"events":[{"id":"1","type":"bogus"}]}`), &l)
	assert.Error(t, err)
}
