// Copyright (c) AgentFlow Authors.
// Licensed under the MIT License.

/*
Package trigger starts workflow runs from timers and events.

A ScheduledTrigger fires on a cron expression, a descriptor such as
@every 5m, or a plain interval. An EventDrivenTrigger fires whenever its
event is emitted on the service's watermill bus. Both hand their payload,
plus a "trigger" variable describing the firing, to a Runner.

Service.Fire runs a trigger on demand; Service.Emit publishes an event.
Stop waits for in-flight runs.
*/
package trigger
