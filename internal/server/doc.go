// Copyright (c) AgentFlow Authors.
// Licensed under the MIT License.

/*
Package server manages the lifecycle of the agentloop HTTP listener.

Manager wraps net/http.Server with a non-blocking Start, a Shutdown bounded
by Config.ShutdownTimeout and WaitForShutdown, which returns on SIGINT,
SIGTERM, a serve error or context cancellation. ConfigFrom derives the
settings from the application configuration.
*/
package server
