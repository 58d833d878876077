// Package config loads runtime configuration.
//
// Values are resolved in order: defaults, then a YAML file, then
// AGENTLOOP_* environment variables. FileWatcher polls definition files so
// a running service can pick up edited workflows.
package config
