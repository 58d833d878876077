package workflow

import (
	"github.com/BaSui01/agentloop/agent"
	"github.com/BaSui01/agentloop/eventlog"
)

// Payload keys specific to workflow runs.
const (
	KeyNodeType = "node_type"
	KeySkipped  = "skipped"
	KeyAttempts = "attempts"
	KeyFallback = "fallback"
)

func nodeStartEvent(n *Node, cfg map[string]any) eventlog.Event {
	e := eventlog.NewToolCallEvent(n.ID, cfg, "")
	e.Data[eventlog.KeyNodeID] = n.ID
	e.Data[KeyNodeType] = string(n.Type)
	return e
}

func nodeDoneEvent(out outcome) eventlog.Event {
	e := eventlog.NewToolResultEvent(out.id, true, out.result, "")
	e.Data[eventlog.KeyNodeID] = out.id
	e.Data[KeyAttempts] = out.attempts
	if out.fallback {
		e.Data[KeyFallback] = true
		if out.err != nil {
			e.Data[eventlog.KeyError] = out.err.Error()
		}
	}
	return e
}

func nodeFailedEvent(id string, attempts int, err error) eventlog.Event {
	e := eventlog.NewToolResultEvent(id, false, nil, err.Error())
	e.Data[eventlog.KeyNodeID] = id
	e.Data[eventlog.KeyErrorType] = string(agent.ErrorClassifier{}.Classify(err))
	e.Data[KeyAttempts] = attempts
	return e
}

func nodeSkippedEvent(id, reason string) eventlog.Event {
	e := eventlog.NewToolResultEvent(id, true, nil, "")
	e.Data[eventlog.KeyNodeID] = id
	e.Data[KeySkipped] = true
	e.Data[eventlog.KeyReason] = reason
	return e
}
