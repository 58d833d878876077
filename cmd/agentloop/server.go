package main

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/BaSui01/agentloop/persistence"
	"github.com/BaSui01/agentloop/trigger"
)

const maxBodyBytes = 1 << 20

// =============================================================================
// 🌐 HTTP API 处理器
// =============================================================================

// Handler 基于 App 提供 HTTP API
type Handler struct {
	app    *App
	logger *zap.Logger
}

// NewHandler 构建带路由和中间件的 API 处理器，ctx 约束中间件拥有的后台 goroutine
func NewHandler(ctx context.Context, app *App) http.Handler {
	h := &Handler{app: app, logger: app.logger.With(zap.String("component", "http_api"))}

	mux := http.NewServeMux()
	metricsPath := app.cfg.Metrics.Path
	if metricsPath == "" {
		metricsPath = "/metrics"
	}
	mux.HandleFunc("GET /healthz", h.health)
	if app.cfg.Metrics.Enabled {
		mux.Handle("GET "+metricsPath, promhttp.HandlerFor(app.registry, promhttp.HandlerOpts{
			ErrorLog: zap.NewStdLog(h.logger),
		}))
	}
	mux.HandleFunc("GET /v1/workflows", h.listWorkflows)
	mux.HandleFunc("POST /v1/workflows/{name}/runs", h.runWorkflow)
	mux.HandleFunc("GET /v1/triggers", h.listTriggers)
	mux.HandleFunc("POST /v1/triggers/{id}/fire", h.fireTrigger)
	mux.HandleFunc("POST /v1/events/{name}", h.emitEvent)
	mux.HandleFunc("GET /v1/runs", h.listRuns)
	mux.HandleFunc("GET /v1/runs/{id}", h.getRun)

	middlewares := []Middleware{
		Recovery(app.logger),
		RequestID(),
		SecurityHeaders(),
		Tracing(),
		Metrics(app.metrics),
		RequestLogger(h.logger),
	}
	if app.cfg.Server.RateLimitRPS > 0 {
		middlewares = append(middlewares,
			RateLimiter(ctx, app.cfg.Server.RateLimitRPS, max(app.cfg.Server.RateLimitBurst, 1), h.logger))
	}
	// 健康检查与指标端点不需要认证
	if app.cfg.Server.Auth.Enabled() {
		middlewares = append(middlewares,
			Auth(app.cfg.Server.Auth, []string{"/healthz", metricsPath}, h.logger))
	}
	return Chain(mux, middlewares...)
}

// =============================================================================
// 🩺 路由处理
// =============================================================================

func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := h.app.store.Ping(ctx); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "unhealthy", "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"workflows": len(h.app.catalog.Names()),
		"breakers":  h.app.breakers.States(),
	})
}

type workflowInfo struct {
	Name  string   `json:"name"`
	Nodes int      `json:"nodes"`
	Roots []string `json:"roots"`
}

func (h *Handler) listWorkflows(w http.ResponseWriter, r *http.Request) {
	out := []workflowInfo{}
	for _, name := range h.app.catalog.Names() {
		if g, ok := h.app.catalog.Get(name); ok {
			out = append(out, workflowInfo{Name: name, Nodes: g.Len(), Roots: g.Roots()})
		}
	}
	writeJSON(w, http.StatusOK, out)
}

type runRequest struct {
	Variables map[string]any `json:"variables"`
}

func (h *Handler) runWorkflow(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	g, ok := h.app.catalog.Get(name)
	if !ok {
		writeError(w, http.StatusNotFound, "workflow_not_found", "unknown workflow "+name)
		return
	}
	var req runRequest
	if !decodeBody(w, r, &req) {
		return
	}
	ec := h.app.engine.Run(r.Context(), g, req.Variables)
	writeJSON(w, http.StatusOK, ec.Result())
}

type triggerInfo struct {
	ID       string         `json:"id"`
	Kind     trigger.Kind   `json:"kind"`
	Workflow string         `json:"workflow"`
	Schedule string         `json:"schedule,omitempty"`
	Event    string         `json:"event,omitempty"`
	Payload  map[string]any `json:"payload,omitempty"`
}

func (h *Handler) listTriggers(w http.ResponseWriter, r *http.Request) {
	out := []triggerInfo{}
	for _, t := range h.app.triggers.List() {
		info := triggerInfo{ID: t.ID(), Kind: t.Kind(), Workflow: t.Workflow(), Payload: t.Payload()}
		switch tr := t.(type) {
		case *trigger.ScheduledTrigger:
			info.Schedule = tr.Spec()
		case *trigger.EventDrivenTrigger:
			info.Event = tr.Event()
		}
		out = append(out, info)
	}
	writeJSON(w, http.StatusOK, out)
}

type fireRequest struct {
	Payload map[string]any `json:"payload"`
}

func (h *Handler) fireTrigger(w http.ResponseWriter, r *http.Request) {
	var req fireRequest
	if !decodeBody(w, r, &req) {
		return
	}
	ec, err := h.app.triggers.Fire(r.Context(), r.PathValue("id"), req.Payload)
	switch {
	case errors.Is(err, trigger.ErrTriggerNotFound):
		writeError(w, http.StatusNotFound, "trigger_not_found", err.Error())
	case errors.Is(err, trigger.ErrWorkflowNotFound):
		writeError(w, http.StatusNotFound, "workflow_not_found", err.Error())
	case err != nil:
		writeError(w, http.StatusInternalServerError, "trigger_failed", err.Error())
	default:
		writeJSON(w, http.StatusOK, ec.Result())
	}
}

func (h *Handler) emitEvent(w http.ResponseWriter, r *http.Request) {
	var payload map[string]any
	if !decodeBody(w, r, &payload) {
		return
	}
	event := r.PathValue("name")
	if err := h.app.triggers.Emit(r.Context(), event, payload); err != nil {
		writeError(w, http.StatusInternalServerError, "emit_failed", err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"event": event, "status": "accepted"})
}

func (h *Handler) listRuns(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	opts := persistence.ListOptions{
		Kind:   persistence.Kind(q.Get("kind")),
		Name:   q.Get("name"),
		Status: q.Get("status"),
	}
	if s := q.Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "invalid_request", "limit must be a non-negative integer")
			return
		}
		opts.Limit = n
	}
	snaps, err := h.app.store.List(r.Context(), opts)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "store_error", err.Error())
		return
	}
	if snaps == nil {
		snaps = []*persistence.RunSnapshot{}
	}
	writeJSON(w, http.StatusOK, snaps)
}

func (h *Handler) getRun(w http.ResponseWriter, r *http.Request) {
	snap, err := h.app.store.Load(r.Context(), r.PathValue("id"))
	switch {
	case errors.Is(err, persistence.ErrNotFound):
		writeError(w, http.StatusNotFound, "run_not_found", err.Error())
	case err != nil:
		writeError(w, http.StatusInternalServerError, "store_error", err.Error())
	default:
		writeJSON(w, http.StatusOK, snap)
	}
}

// =============================================================================
// 🔍 辅助函数
// =============================================================================

// decodeBody 将可选的 JSON 请求体读入 v，空请求体不修改 v
func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid_request", "malformed JSON body: "+err.Error())
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, map[string]string{"error": code, "message": msg})
}
