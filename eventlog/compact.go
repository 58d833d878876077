package eventlog

import (
	"fmt"
	"sort"
	"strings"
)

// Summarizer turns a run of events into summary text.
type Summarizer func(events []Event) string

// Compact returns a new log whose first event is a Compacted event covering
// everything except the last keep events, which are carried over unchanged.
// The receiver is not modified. When there is nothing to fold the result is
// a plain copy.
func (l *EventLog) Compact(keep int, summarize Summarizer) *EventLog {
	if keep < 0 {
		keep = 0
	}
	if keep >= len(l.events) {
		return Restore(l.agentID, l.taskID, l.events)
	}
	if summarize == nil {
		summarize = DefaultSummary
	}

	cut := len(l.events) - keep
	folded := l.events[:cut]

	counts := make(map[string]any, len(AllEventTypes))
	for _, e := range folded {
		n, _ := counts[string(e.Type)].(int)
		counts[string(e.Type)] = n + 1
	}

	compacted := NewEvent(EventCompacted, map[string]any{
		KeySummary: summarize(folded),
		KeyCount:   len(folded),
		KeyTypes:   counts,
		KeyState:   string(DeriveState(folded[len(folded)-1])),
	})
	compacted.Timestamp = folded[len(folded)-1].Timestamp

	out := New(l.agentID, l.taskID)
	out.Append(compacted)
	out.events = append(out.events, l.events[cut:]...)
	return out
}

// DefaultSummary renders an event count per type, e.g. "5 events: llm_call=2, tool_call=3".
func DefaultSummary(events []Event) string {
	counts := make(map[EventType]int)
	for _, e := range events {
		counts[e.Type]++
	}
	keys := make([]string, 0, len(counts))
	for t := range counts {
		keys = append(keys, string(t))
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%d", k, counts[EventType(k)]))
	}
	return fmt.Sprintf("%d events: %s", len(events), strings.Join(parts, ", "))
}
