// Copyright (c) AgentFlow Authors.
// Licensed under the MIT License.

/*
Package eventlog implements the append-only event log that is the single
source of truth for an agent run or a workflow run.

# Overview

An EventLog owns an ordered sequence of immutable Events. Nothing is ever
removed or rewritten; the status of a run is derived on demand from the log
instead of being stored next to it.

Status derivation looks only at the most recent event (see DeriveState).
Two logs that differ only in earlier events always report the same status.

# Concurrency

An EventLog has exactly one writer, the loop that owns the run. It carries no
lock; do not share a log between goroutines that append.

# Compaction

Compact folds a prefix of the log into a single Compacted event and returns
a new log, which is how finished runs are archived without keeping every
intermediate record.
*/
package eventlog
