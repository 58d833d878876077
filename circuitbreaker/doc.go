// Copyright (c) AgentFlow Authors.
// Licensed under the MIT License.

/*
Package circuitbreaker provides a fail-fast guard for operations that keep
failing, plus a process-wide registry of named breakers.

A Breaker starts closed. After FailureThreshold consecutive failures it opens
and rejects every call with ErrCircuitOpen without invoking the wrapped
function. Once RecoveryTimeout has elapsed since the last failure exactly one
trial call is let through (half-open); its outcome closes or re-opens the
breaker. Concurrent callers arriving while the trial is in flight are
rejected.

Errors classified as client errors (invalid arguments, unknown tool) are
returned to the caller but do not count toward the failure streak.
*/
package circuitbreaker
