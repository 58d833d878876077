package tools

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/BaSui01/agentloop/internal/metrics"
	"github.com/BaSui01/agentloop/types"
	"github.com/xeipuuv/gojsonschema"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// ErrToolNotFound is wrapped by Invoke when no tool has the requested name.
var ErrToolNotFound = types.NewError(types.ErrToolNotFound, "tool not found")

// DefaultTimeout applies to tools registered without an explicit timeout.
const DefaultTimeout = 30 * time.Second

// =============================================================================
// ⚙️ 工具选项
// =============================================================================

// RateLimit is a token bucket: Rate calls per second with bursts of Burst.
type RateLimit struct {
	Rate  float64
	Burst int
}

// Options tune one registration.
type Options struct {
	Timeout   time.Duration
	RateLimit *RateLimit
}

// Option mutates Options.
type Option func(*Options)

// WithTimeout bounds each invocation of the tool.
func WithTimeout(d time.Duration) Option {
	return func(o *Options) { o.Timeout = d }
}

// WithRateLimit caps the tool's call rate.
func WithRateLimit(perSecond float64, burst int) Option {
	return func(o *Options) { o.RateLimit = &RateLimit{Rate: perSecond, Burst: burst} }
}

// Result is delivered by InvokeAsync.
type Result struct {
	Tool     string
	Value    any
	Err      error
	Duration time.Duration
}

type entry struct {
	tool    Tool
	schema  types.ToolSchema
	params  *gojsonschema.Schema
	timeout time.Duration
	limiter *rate.Limiter
}

// Registry is a concurrency-safe name to Tool map.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*entry
	metrics *metrics.Collector
	logger  *zap.Logger
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithMetrics records every invocation on c.
func WithMetrics(c *metrics.Collector) RegistryOption {
	return func(r *Registry) { r.metrics = c }
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *zap.Logger, opts ...RegistryOption) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Registry{
		entries: make(map[string]*entry),
		logger:  logger.With(zap.String("component", "tool_registry")),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// =============================================================================
// 📋 注册管理
// =============================================================================

// Register adds a tool. Names must be unique and parameter schemas must compile.
func (r *Registry) Register(tool Tool, opts ...Option) error {
	if tool == nil {
		return errors.New("tool is nil")
	}
	schema := tool.Schema()
	if strings.TrimSpace(schema.Name) == "" {
		return errors.New("tool name is empty")
	}

	o := Options{Timeout: DefaultTimeout}
	for _, opt := range opts {
		opt(&o)
	}
	if o.Timeout <= 0 {
		o.Timeout = DefaultTimeout
	}

	e := &entry{tool: tool, schema: schema, timeout: o.Timeout}
	// 参数 schema 在注册时编译一次
	if schema.HasParameters() {
		compiled, err := gojsonschema.NewSchema(gojsonschema.NewBytesLoader(schema.Parameters))
		if err != nil {
			return fmt.Errorf("compile parameter schema for tool %s: %w", schema.Name, err)
		}
		e.params = compiled
	}
	if o.RateLimit != nil && o.RateLimit.Rate > 0 {
		burst := o.RateLimit.Burst
		if burst <= 0 {
			burst = 1
		}
		e.limiter = rate.NewLimiter(rate.Limit(o.RateLimit.Rate), burst)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.entries[schema.Name]; exists {
		return fmt.Errorf("tool %s already registered", schema.Name)
	}
	r.entries[schema.Name] = e

	r.logger.Info("tool registered", zap.String("name", schema.Name), zap.Duration("timeout", o.Timeout))
	return nil
}

// MustRegister is Register that panics, for static wiring at startup.
func (r *Registry) MustRegister(tool Tool, opts ...Option) {
	if err := r.Register(tool, opts...); err != nil {
		panic(err)
	}
}

// Unregister removes a tool.
func (r *Registry) Unregister(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.entries[name]; !exists {
		return fmt.Errorf("%w: %s", ErrToolNotFound, name)
	}
	delete(r.entries, name)
	r.logger.Info("tool unregistered", zap.String("name", name))
	return nil
}

// Get returns the tool registered under name.
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[name]
	if !ok {
		return nil, false
	}
	return e.tool, true
}

// Has reports whether name is registered.
func (r *Registry) Has(name string) bool {
	_, ok := r.Get(name)
	return ok
}

// List returns every schema sorted by name.
func (r *Registry) List() []types.ToolSchema {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]types.ToolSchema, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e.schema)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Invoke validates args and runs the named tool synchronously.
func (r *Registry) Invoke(ctx context.Context, name string, args map[string]any) (any, error) {
	start := time.Now()
	value, err := r.invoke(ctx, name, args)
	r.record(name, err, time.Since(start))
	return value, err
}

// InvokeAsync runs the named tool in its own goroutine. The returned channel
// receives exactly one Result and is then closed.
func (r *Registry) InvokeAsync(ctx context.Context, name string, args map[string]any) <-chan Result {
	out := make(chan Result, 1)
	go func() {
		defer close(out)
		start := time.Now()
		value, err := r.Invoke(ctx, name, args)
		out <- Result{Tool: name, Value: value, Err: err, Duration: time.Since(start)}
	}()
	return out
}

// =============================================================================
// 🔧 工具调用
// =============================================================================

func (r *Registry) invoke(ctx context.Context, name string, args map[string]any) (any, error) {
	r.mu.RLock()
	e, ok := r.entries[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrToolNotFound, name)
	}

	// 限流不排队，直接拒绝
	if e.limiter != nil && !e.limiter.Allow() {
		r.logger.Warn("rate limit exceeded", zap.String("name", name))
		return nil, types.NewError(types.ErrToolRateLimit, "rate limit exceeded").
			WithTool(name).
			WithRetryable(true)
	}

	if args == nil {
		args = map[string]any{}
	}
	if err := e.validate(args); err != nil {
		return nil, err
	}

	execCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	type outcome struct {
		value any
		err   error
	}
	// 带缓冲，超时后 goroutine 仍可退出
	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				done <- outcome{err: fmt.Errorf("tool panicked: %v", p)}
			}
		}()
		v, err := e.tool.Execute(execCtx, args)
		done <- outcome{value: v, err: err}
	}()

	select {
	case res := <-done:
		if res.err != nil && errors.Is(execCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			return nil, r.timeoutError(name, e.timeout)
		}
		if res.err != nil {
			r.logger.Debug("tool execution failed", zap.String("name", name), zap.Error(res.err))
			if _, typed := types.AsError(res.err); typed {
				return nil, res.err
			}
			return nil, types.NewToolError(name, res.err)
		}
		return res.value, nil

	case <-execCtx.Done():
		if ctx.Err() != nil {
			return nil, types.NewToolError(name, ctx.Err())
		}
		return nil, r.timeoutError(name, e.timeout)
	}
}

func (r *Registry) timeoutError(name string, timeout time.Duration) error {
	r.logger.Warn("tool execution timeout", zap.String("name", name), zap.Duration("timeout", timeout))
	return types.NewTimeoutError(fmt.Sprintf("tool %s timed out after %s", name, timeout)).WithTool(name)
}

func (e *entry) validate(args map[string]any) error {
	if e.params == nil {
		return nil
	}
	result, err := e.params.Validate(gojsonschema.NewGoLoader(args))
	if err != nil {
		return types.NewValidationError(e.schema.Name, "arguments are not valid JSON").WithCause(err)
	}
	if result.Valid() {
		return nil
	}
	msgs := make([]string, 0, len(result.Errors()))
	for _, re := range result.Errors() {
		msgs = append(msgs, re.String())
	}
	return types.NewValidationError(e.schema.Name, "invalid arguments: "+strings.Join(msgs, "; "))
}

func (r *Registry) record(name string, err error, d time.Duration) {
	status := "success"
	if err != nil {
		status = strings.ToLower(string(types.GetErrorCode(err)))
		if status == "" {
			status = "error"
		}
	}
	r.metrics.RecordToolCall(name, status, d)
}
