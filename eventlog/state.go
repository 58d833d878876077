package eventlog

// State is the status of a run as derived from its log.
type State string

const (
	StateInitialized     State = "initialized"
	StateRunning         State = "running"
	StateExecutingTool   State = "executing_tool"
	StateWaitingForHuman State = "waiting_for_human"
	StateCompleted       State = "completed"
	StateFailed          State = "failed"
)

// Valid reports whether s is a known state.
func (s State) Valid() bool {
	switch s {
	case StateInitialized, StateRunning, StateExecutingTool,
		StateWaitingForHuman, StateCompleted, StateFailed:
		return true
	}
	return false
}

// Terminal reports whether no further events are expected.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed
}

// DeriveState maps a single event to the run state it implies.
//
// The mapping reads nothing but the event itself:
//
//	tool_call                         -> executing_tool
//	error{recoverable=false}          -> failed
//	human_request                     -> waiting_for_human
//	task_end / finish_task{success}   -> completed or failed
//	compacted{state}                  -> the state captured at compaction
//	anything else                     -> running
func DeriveState(e Event) State {
	switch e.Type {
	case EventToolCall:
		return StateExecutingTool
	case EventError:
		if !e.Bool(KeyRecoverable, true) {
			return StateFailed
		}
		return StateRunning
	case EventHumanRequest:
		return StateWaitingForHuman
	case EventTaskEnd, EventFinishTask:
		if e.Bool(KeySuccess, true) {
			return StateCompleted
		}
		return StateFailed
	case EventCompacted:
		if s := State(e.String(KeyState)); s.Valid() {
			return s
		}
		return StateRunning
	default:
		return StateRunning
	}
}
