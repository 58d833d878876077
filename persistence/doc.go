// Copyright (c) AgentFlow Authors.
// Licensed under the MIT License.

/*
Package persistence archives finished agent and workflow runs.

A RunSnapshot holds a run's event log, node results and variables, keyed
by run id. RunStore has four backends:

  - memory: process-local, for tests and one-shot CLI runs
  - file: one JSON document per run under a base directory
  - redis: JSON values plus a sorted-set index, optional TTL
  - sql: a GORM table on postgres, mysql or sqlite

NewRunStore picks the backend from config. Instrument wraps any store with
Prometheus timings.
*/
package persistence
