package trigger

import (
	"errors"
	"fmt"
	"maps"
	"strings"
	"time"

	"github.com/BaSui01/agentloop/config"
	"github.com/robfig/cron/v3"
)

// Kind distinguishes how a trigger fires.
type Kind string

const (
	KindScheduled   Kind = "scheduled"
	KindEventDriven Kind = "event_driven"
)

var (
	// ErrTriggerNotFound is returned for unknown trigger ids.
	ErrTriggerNotFound = errors.New("trigger: not found")
	// ErrDuplicateTrigger is returned when an id is registered twice.
	ErrDuplicateTrigger = errors.New("trigger: duplicate id")
	// ErrStopped is returned by Start after Stop.
	ErrStopped = errors.New("trigger: service stopped")
)

// Trigger starts runs of one workflow. Payload is merged into the run
// variables on every firing.
type Trigger interface {
	ID() string
	Kind() Kind
	Workflow() string
	Payload() map[string]any
}

type base struct {
	id       string
	workflow string
	payload  map[string]any
}

func newBase(id, workflow string, payload map[string]any) (base, error) {
	if id == "" {
		return base{}, errors.New("trigger id is required")
	}
	if workflow == "" {
		return base{}, fmt.Errorf("trigger %s: workflow is required", id)
	}
	return base{id: id, workflow: workflow, payload: maps.Clone(payload)}, nil
}

func (b base) ID() string       { return b.id }
func (b base) Workflow() string { return b.workflow }

// Payload returns a copy of the static payload.
func (b base) Payload() map[string]any { return maps.Clone(b.payload) }

// ScheduledTrigger fires on a cron schedule.
type ScheduledTrigger struct {
	base
	spec     string
	schedule cron.Schedule
}

// NewScheduledTrigger parses spec, which may be a five-field cron
// expression, a descriptor such as @hourly or @every 5m, or a plain Go
// duration meaning a fixed interval.
func NewScheduledTrigger(id, workflow, spec string, payload map[string]any) (*ScheduledTrigger, error) {
	b, err := newBase(id, workflow, payload)
	if err != nil {
		return nil, err
	}
	schedule, err := ParseSchedule(spec)
	if err != nil {
		return nil, fmt.Errorf("trigger %s: %w", id, err)
	}
	return &ScheduledTrigger{base: b, spec: spec, schedule: schedule}, nil
}

// Kind implements Trigger.
func (*ScheduledTrigger) Kind() Kind { return KindScheduled }

// Spec returns the schedule as given.
func (t *ScheduledTrigger) Spec() string { return t.spec }

// Next returns the first firing time after now.
func (t *ScheduledTrigger) Next(now time.Time) time.Time { return t.schedule.Next(now) }

// ParseSchedule turns a schedule spec into a cron schedule.
func ParseSchedule(spec string) (cron.Schedule, error) {
	spec = strings.TrimSpace(spec)
	if spec == "" {
		return nil, errors.New("schedule is required")
	}
	if d, err := time.ParseDuration(spec); err == nil {
		if d < time.Second {
			return nil, fmt.Errorf("interval %s is shorter than one second", d)
		}
		return cron.Every(d), nil
	}
	schedule, err := cron.ParseStandard(spec)
	if err != nil {
		return nil, fmt.Errorf("invalid schedule %q: %w", spec, err)
	}
	return schedule, nil
}

// EventDrivenTrigger fires whenever its event is emitted.
type EventDrivenTrigger struct {
	base
	event string
}

// NewEventDrivenTrigger creates a trigger bound to event.
func NewEventDrivenTrigger(id, workflow, event string, payload map[string]any) (*EventDrivenTrigger, error) {
	b, err := newBase(id, workflow, payload)
	if err != nil {
		return nil, err
	}
	if event == "" {
		return nil, fmt.Errorf("trigger %s: event name is required", id)
	}
	return &EventDrivenTrigger{base: b, event: event}, nil
}

// Kind implements Trigger.
func (*EventDrivenTrigger) Kind() Kind { return KindEventDriven }

// Event returns the event name the trigger listens for.
func (t *EventDrivenTrigger) Event() string { return t.event }

// FromConfig builds a trigger from its configuration entry.
func FromConfig(c config.TriggerConfig) (Trigger, error) {
	switch Kind(c.Kind) {
	case KindScheduled:
		return NewScheduledTrigger(c.ID, c.Workflow, c.Schedule, c.Payload)
	case KindEventDriven:
		return NewEventDrivenTrigger(c.ID, c.Workflow, c.Event, c.Payload)
	default:
		return nil, fmt.Errorf("trigger %s: unknown kind %q", c.ID, c.Kind)
	}
}
