// Package telemetry installs OpenTelemetry trace and metric providers and
// offers span helpers for agent and workflow runs. When disabled, the
// global noop providers stay in place and no exporter connects anywhere.
package telemetry
