// Copyright (c) AgentFlow Authors.
// Licensed under the MIT License.

/*
Command agentloop serves workflows over HTTP and fires them from schedules
and events.

	agentloop serve --config config.yaml
	agentloop run --file workflow.yaml --var key=value
	agentloop validate --config config.yaml [definitions...]
	agentloop version

serve loads every definition listed under workflow.definitions into a
catalog, starts the configured triggers and exposes:

	GET  /healthz
	GET  /metrics
	GET  /v1/workflows
	POST /v1/workflows/{name}/runs
	GET  /v1/triggers
	POST /v1/triggers/{id}/fire
	POST /v1/events/{name}
	GET  /v1/runs
	GET  /v1/runs/{id}

With workflow.watch set, edited definition files are rebuilt and swapped
into the catalog without a restart.
*/
package main
