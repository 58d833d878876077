package eventlog

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// EventLog is an ordered, append-only sequence of events for one run.
type EventLog struct {
	agentID string
	taskID  string
	events  []Event
}

// New creates an empty log tagged with optional agent and task ids.
func New(agentID, taskID string) *EventLog {
	return &EventLog{
		agentID: agentID,
		taskID:  taskID,
		events:  make([]Event, 0, 16),
	}
}

// Restore rebuilds a log from previously persisted events.
func Restore(agentID, taskID string, events []Event) *EventLog {
	l := New(agentID, taskID)
	l.events = append(l.events, events...)
	return l
}

// AgentID returns the agent tag of the log.
func (l *EventLog) AgentID() string { return l.agentID }

// TaskID returns the task tag of the log.
func (l *EventLog) TaskID() string { return l.taskID }

// Append adds an event to the end of the log and returns the stored copy.
// Missing id, timestamp and agent/task tags are filled in from the log.
func (l *EventLog) Append(e Event) Event {
	e = e.clone()
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	if e.AgentID == "" {
		e.AgentID = l.agentID
	}
	if e.TaskID == "" {
		e.TaskID = l.taskID
	}
	l.events = append(l.events, e)
	return e
}

// Len returns the number of events.
func (l *EventLog) Len() int { return len(l.events) }

// Events returns a copy of the event sequence in insertion order.
func (l *EventLog) Events() []Event {
	out := make([]Event, len(l.events))
	copy(out, l.events)
	return out
}

// Last returns the most recent event.
func (l *EventLog) Last() (Event, bool) {
	if len(l.events) == 0 {
		return Event{}, false
	}
	return l.events[len(l.events)-1], true
}

// CurrentState derives the run state from the most recent event only.
func (l *EventLog) CurrentState() State {
	last, ok := l.Last()
	if !ok {
		return StateInitialized
	}
	return DeriveState(last)
}

// CanContinue reports whether the run may take another step.
func (l *EventLog) CanContinue() bool {
	s := l.CurrentState()
	return s == StateRunning || s == StateExecutingTool
}

// NeedsHumanInput reports whether the run is suspended on a human request.
func (l *EventLog) NeedsHumanInput() bool {
	return l.CurrentState() == StateWaitingForHuman
}

// IsComplete reports whether the run reached completed or failed.
func (l *EventLog) IsComplete() bool {
	return l.CurrentState().Terminal()
}

// Filter returns the events whose type is one of ts.
func (l *EventLog) Filter(ts ...EventType) []Event {
	out := make([]Event, 0)
	for _, e := range l.events {
		for _, t := range ts {
			if e.Type == t {
				out = append(out, e)
				break
			}
		}
	}
	return out
}

// RecentErrors returns up to n of the latest failures, oldest first. Error
// events and unsuccessful tool results both count.
func (l *EventLog) RecentErrors(n int) []Event {
	if n <= 0 {
		return nil
	}
	out := make([]Event, 0, n)
	for i := len(l.events) - 1; i >= 0 && len(out) < n; i-- {
		e := l.events[i]
		if e.Type == EventError || (e.Type == EventToolResult && !e.Bool(KeySuccess, true)) {
			out = append(out, e)
		}
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out
}

type logJSON struct {
	AgentID string  `json:"agent_id,omitempty"`
	TaskID  string  `json:"task_id,omitempty"`
	Events  []Event `json:"events"`
}

// MarshalJSON implements json.Marshaler.
func (l *EventLog) MarshalJSON() ([]byte, error) {
	return json.Marshal(logJSON{AgentID: l.agentID, TaskID: l.taskID, Events: l.events})
}

// UnmarshalJSON implements json.Unmarshaler.
func (l *EventLog) UnmarshalJSON(data []byte) error {
	var raw logJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("decode event log: %w", err)
	}
	for i, e := range raw.Events {
		if !e.Type.Valid() {
			return fmt.Errorf("decode event log: event %d has unknown type %q", i, e.Type)
		}
	}
	l.agentID = raw.AgentID
	l.taskID = raw.TaskID
	l.events = raw.Events
	if l.events == nil {
		l.events = make([]Event, 0)
	}
	return nil
}
