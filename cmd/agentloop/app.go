package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"github.com/BaSui01/agentloop/agent"
	"github.com/BaSui01/agentloop/circuitbreaker"
	"github.com/BaSui01/agentloop/config"
	"github.com/BaSui01/agentloop/internal/metrics"
	"github.com/BaSui01/agentloop/internal/telemetry"
	"github.com/BaSui01/agentloop/persistence"
	"github.com/BaSui01/agentloop/tools"
	"github.com/BaSui01/agentloop/trigger"
	"github.com/BaSui01/agentloop/workflow"
)

// =============================================================================
// 🧩 应用组装
// =============================================================================

// App 持有由同一份 Config 构建的所有长生命周期组件
type App struct {
	cfg    *config.Config
	logger *zap.Logger

	registry *prometheus.Registry
	metrics  *metrics.Collector
	breakers *circuitbreaker.Registry
	tools    *tools.Registry
	store    persistence.RunStore
	executor *agent.Executor
	factory  *workflow.DefaultUnitFactory
	engine   *workflow.Engine
	catalog  *workflow.Catalog
	triggers *trigger.Service

	// defs maps a definition file to the workflow name it registered.
	defsMu sync.Mutex
	defs   map[string]string
}

// NewApp 组装各组件，加载工作流定义和配置的触发器，但不启动触发器服务
func NewApp(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*App, error) {
	a := &App{
		cfg:      cfg,
		logger:   logger,
		registry: prometheus.NewRegistry(),
		catalog:  workflow.NewCatalog(),
		defs:     make(map[string]string),
	}

	if cfg.Metrics.Enabled {
		a.registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		a.metrics = metrics.NewCollector(cfg.Metrics.Namespace, a.registry, logger)
	}

	a.breakers = circuitbreaker.NewRegistry(circuitbreaker.Config{
		FailureThreshold: cfg.CircuitBreaker.FailureThreshold,
		RecoveryTimeout:  cfg.CircuitBreaker.RecoveryTimeout,
		CallTimeout:      cfg.CircuitBreaker.CallTimeout,
		OnStateChange: func(name string, _, to circuitbreaker.State) {
			a.metrics.SetBreakerState(name, int(to))
		},
	}, logger)

	a.tools = tools.NewRegistry(logger, tools.WithMetrics(a.metrics))
	if err := tools.RegisterBuiltins(a.tools); err != nil {
		return nil, fmt.Errorf("register builtin tools: %w", err)
	}

	store, err := persistence.NewRunStore(ctx, cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("open run store: %w", err)
	}
	a.store = persistence.Compacting(
		persistence.Instrument(store, cfg.Store.Type, a.metrics),
		cfg.Store.CompactKeep, nil)

	// No LLM provider is bundled; agent nodes fail with provider_not_set
	// until a client is supplied by an embedding program.
	a.executor = agent.NewExecutor(nil, a.tools, agent.ConfigFrom(cfg.Agent), logger,
		agent.WithBreakers(a.breakers),
		agent.WithStore(a.store),
		agent.WithMetrics(a.metrics),
		agent.WithTelemetry(telemetry.Default()),
	)

	a.factory = &workflow.DefaultUnitFactory{
		Tools:    a.tools,
		Executor: a.executor,
		Agents: map[string]*agent.Agent{
			cfg.Agent.Name: {
				ID:            cfg.Agent.Name,
				Name:          cfg.Agent.Name,
				SystemPrompt:  cfg.Agent.SystemPrompt,
				Model:         cfg.Agent.Model,
				MaxIterations: cfg.Agent.MaxIterations,
			},
		},
	}

	a.engine = workflow.NewEngine(logger,
		workflow.WithMaxConcurrentNodes(cfg.Workflow.MaxConcurrentNodes),
		workflow.WithBreakers(a.breakers),
		workflow.WithStore(a.store),
		workflow.WithMetrics(a.metrics),
		workflow.WithTelemetry(telemetry.Default()),
	)

	files, err := expandDefinitionPaths(cfg.Workflow.Definitions)
	if err != nil {
		_ = a.store.Close()
		return nil, err
	}
	var loadErrs []error
	for _, f := range files {
		if err := a.LoadDefinition(f); err != nil {
			loadErrs = append(loadErrs, err)
		}
	}
	if err := errors.Join(loadErrs...); err != nil {
		_ = a.store.Close()
		return nil, err
	}

	a.triggers = trigger.NewService(
		&trigger.CatalogRunner{Engine: a.engine, Catalog: a.catalog},
		logger,
		trigger.WithMetrics(a.metrics),
	)
	for _, tc := range cfg.Triggers {
		t, err := trigger.FromConfig(tc)
		if err == nil {
			err = a.triggers.Register(t)
		}
		if err != nil {
			_ = a.store.Close()
			return nil, fmt.Errorf("trigger %s: %w", tc.ID, err)
		}
	}

	return a, nil
}

// =============================================================================
// 📄 定义文件管理
// =============================================================================

// LoadDefinition 解析并构建一个定义文件，放入目录并替换同名的图
func (a *App) LoadDefinition(path string) error {
	def, err := workflow.LoadDefinition(path)
	if err != nil {
		return err
	}
	g, err := def.Build(a.factory)
	if err != nil {
		return fmt.Errorf("build %s: %w", path, err)
	}

	a.defsMu.Lock()
	prev, had := a.defs[path]
	a.defs[path] = g.Name()
	a.defsMu.Unlock()

	if had && prev != g.Name() {
		a.catalog.Remove(prev)
	}
	a.catalog.Put(g)
	a.logger.Info("workflow loaded",
		zap.String("workflow", g.Name()),
		zap.String("path", path),
		zap.Int("nodes", g.Len()))
	return nil
}

// UnloadDefinition 移除从 path 注册的工作流
func (a *App) UnloadDefinition(path string) {
	a.defsMu.Lock()
	name, ok := a.defs[path]
	delete(a.defs, path)
	a.defsMu.Unlock()

	if ok && a.catalog.Remove(name) {
		a.logger.Info("workflow unloaded", zap.String("workflow", name), zap.String("path", path))
	}
}

// DefinitionFiles 返回已加载的定义文件
func (a *App) DefinitionFiles() []string {
	a.defsMu.Lock()
	defer a.defsMu.Unlock()
	files := make([]string, 0, len(a.defs))
	for f := range a.defs {
		files = append(files, f)
	}
	slices.Sort(files)
	return files
}

// Close 停止触发器服务并释放存储
func (a *App) Close(ctx context.Context) error {
	var errs []error
	if err := a.triggers.Stop(ctx); err != nil {
		errs = append(errs, fmt.Errorf("stop triggers: %w", err))
	}
	if err := a.store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close run store: %w", err))
	}
	return errors.Join(errs...)
}

var definitionExts = []string{".yaml", ".yml", ".json"}

// expandDefinitionPaths 将文件和目录展开为排序后的绝对路径列表，目录不递归
func expandDefinitionPaths(paths []string) ([]string, error) {
	var files []string
	for _, p := range paths {
		abs, err := filepath.Abs(p)
		if err != nil {
			return nil, fmt.Errorf("resolve %s: %w", p, err)
		}
		info, err := os.Stat(abs)
		if err != nil {
			return nil, fmt.Errorf("workflow definitions: %w", err)
		}
		if !info.IsDir() {
			files = append(files, abs)
			continue
		}
		entries, err := os.ReadDir(abs)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", abs, err)
		}
		for _, e := range entries {
			if !e.IsDir() && slices.Contains(definitionExts, filepath.Ext(e.Name())) {
				files = append(files, filepath.Join(abs, e.Name()))
			}
		}
	}
	slices.Sort(files)
	return slices.Compact(files), nil
}
