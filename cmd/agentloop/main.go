// =============================================================================
// 🚀 agentloop 主入口
// =============================================================================
// 提供 serve、run、validate、version 四个子命令
//
// 使用方法:
//
//	agentloop serve --config /etc/agentloop/config.yaml
//	agentloop run --file workflows/triage.yaml --var score=5
//	agentloop validate --config config.yaml workflows/
// =============================================================================
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/BaSui01/agentloop/config"
	"github.com/BaSui01/agentloop/internal/server"
	"github.com/BaSui01/agentloop/internal/telemetry"
	"github.com/BaSui01/agentloop/workflow"
)

// =============================================================================
// 📦 版本信息（构建时注入）
// =============================================================================

var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

// =============================================================================
// 🎯 命令分发
// =============================================================================

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	var err error
	switch os.Args[1] {
	case "serve":
		err = runServe(os.Args[2:])
	case "run":
		err = runOnce(os.Args[2:])
	case "validate":
		err = runValidate(os.Args[2:])
	case "version":
		printVersion()
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func loadConfig(path string) (*config.Config, error) {
	loader := config.NewLoader().WithValidator((*config.Config).Validate)
	if path != "" {
		loader = loader.WithConfigPath(path)
	}
	cfg, err := loader.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

// =============================================================================
// 🌐 serve 命令
// =============================================================================

func runServe(args []string) error {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to config file")
	_ = fs.Parse(args)

	cfg, err := loadConfig(*configPath)
	if err != nil {
		return err
	}
	logger := initLogger(cfg.Log)
	defer func() { _ = logger.Sync() }()

	logger.Info("starting agentloop",
		zap.String("version", Version),
		zap.String("build_time", BuildTime),
		zap.String("git_commit", GitCommit))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// 遥测初始化失败不影响服务启动
	otelProviders, err := telemetry.Init(cfg.Telemetry, logger)
	if err != nil {
		logger.Warn("failed to initialize telemetry", zap.Error(err))
	}

	app, err := NewApp(ctx, cfg, logger)
	if err != nil {
		return err
	}

	var watcher *config.FileWatcher
	if cfg.Workflow.Watch {
		watcher, err = watchDefinitions(ctx, app, logger)
		if err != nil {
			logger.Warn("definition watcher disabled", zap.Error(err))
		}
	}

	if err := app.triggers.Start(ctx); err != nil {
		_ = app.Close(context.Background())
		return fmt.Errorf("start triggers: %w", err)
	}

	srv := server.NewManager(NewHandler(ctx, app), server.ConfigFrom(cfg.Server), logger)
	if err := srv.Start(); err != nil {
		_ = app.Close(context.Background())
		return err
	}

	serveErr := srv.WaitForShutdown(ctx)

	// 关闭顺序：监听器 -> 应用组件 -> 遥测
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if watcher != nil {
		_ = watcher.Stop()
	}
	if err := app.Close(shutdownCtx); err != nil {
		logger.Error("shutdown error", zap.Error(err))
	}
	if otelProviders != nil {
		if err := otelProviders.Shutdown(shutdownCtx); err != nil {
			logger.Warn("telemetry shutdown error", zap.Error(err))
		}
	}

	logger.Info("agentloop stopped")
	return serveErr
}

// watchDefinitions 在定义文件变化时重新加载到目录中。
// 配置的目录也会被监听，之后新增的文件同样会加载；加载失败的文件保留旧的图。
func watchDefinitions(ctx context.Context, app *App, logger *zap.Logger) (*config.FileWatcher, error) {
	w, err := config.NewFileWatcher(app.cfg.Workflow.Definitions,
		config.WithExtensions(definitionExts...),
		config.WithWatcherLogger(logger))
	if err != nil {
		return nil, err
	}
	w.OnChange(func(ev config.FileEvent) {
		switch ev.Op {
		case config.FileOpRemove:
			app.UnloadDefinition(ev.Path)
		default:
			if err := app.LoadDefinition(ev.Path); err != nil {
				logger.Error("workflow reload failed", zap.String("path", ev.Path), zap.Error(err))
			}
		}
	})
	if err := w.Start(ctx); err != nil {
		return nil, err
	}
	return w, nil
}

type varsFlag map[string]any

func (v varsFlag) String() string { return fmt.Sprint(map[string]any(v)) }

// Set 解析 key=value，合法 JSON 会被解码，其余按字符串保留
func (v varsFlag) Set(s string) error {
	key, raw, ok := strings.Cut(s, "=")
	if !ok || key == "" {
		return fmt.Errorf("expected key=value, got %q", s)
	}
	var val any
	if err := json.Unmarshal([]byte(raw), &val); err != nil {
		val = raw
	}
	v[key] = val
	return nil
}

// =============================================================================
// ▶️ run 与 validate 命令
// =============================================================================

func runOnce(args []string) error {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to config file")
	file := fs.String("file", "", "Workflow definition to run")
	timeout := fs.Duration("timeout", 0, "Abort the run after this long (0 = no limit)")
	vars := varsFlag{}
	fs.Var(vars, "var", "Run variable as key=value, repeatable")
	_ = fs.Parse(args)

	if *file == "" {
		return fmt.Errorf("--file is required")
	}
	cfg, err := loadConfig(*configPath)
	if err != nil {
		return err
	}
	cfg.Triggers = nil
	logger := initLogger(cfg.Log)
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if *timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, *timeout)
		defer cancel()
	}

	app, err := NewApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() { _ = app.Close(context.Background()) }()

	def, err := workflow.LoadDefinition(*file)
	if err != nil {
		return err
	}
	g, err := def.Build(app.factory)
	if err != nil {
		return err
	}

	res := app.engine.Run(ctx, g, vars).Result()
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(res); err != nil {
		return err
	}
	if !res.Success {
		return fmt.Errorf("workflow %s %s: %s", res.Workflow, res.Status, res.Error)
	}
	return nil
}

func runValidate(args []string) error {
	fs := flag.NewFlagSet("validate", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to config file")
	_ = fs.Parse(args)

	cfg, err := loadConfig(*configPath)
	if err != nil {
		return err
	}
	cfg.Store.Type = "memory"
	if fs.NArg() > 0 {
		cfg.Workflow.Definitions = fs.Args()
	}

	app, err := NewApp(context.Background(), cfg, zap.NewNop())
	if err != nil {
		return err
	}
	defer func() { _ = app.Close(context.Background()) }()

	for _, name := range app.catalog.Names() {
		g, _ := app.catalog.Get(name)
		fmt.Printf("ok  %s (%d nodes)\n", name, g.Len())
	}
	fmt.Printf("%d workflows, %d triggers\n", len(app.catalog.Names()), len(app.triggers.List()))
	return nil
}

func printVersion() {
	fmt.Printf("agentloop %s\n", Version)
	fmt.Printf("  Build Time: %s\n", BuildTime)
	fmt.Printf("  Git Commit: %s\n", GitCommit)
}

func printUsage() {
	fmt.Println(`agentloop - agent and workflow runtime

Usage:
  agentloop <command> [options]

Commands:
  serve      Start the HTTP API, triggers and definition watcher
  run        Run one workflow definition and print its result
  validate   Load the configuration and every workflow definition
  version    Show version information
  help       Show this help message

Options:
  --config <path>         Configuration file (YAML), all commands
  --file <path>           Definition to run (run)
  --var key=value         Run variable, repeatable (run)
  --timeout <duration>    Run deadline (run)

Examples:
  agentloop serve --config /etc/agentloop/config.yaml
  agentloop run --file workflows/triage.yaml --var score=5
  agentloop validate --config config.yaml workflows/`)
}

// =============================================================================
// 📝 日志初始化
// =============================================================================

func initLogger(cfg config.LogConfig) *zap.Logger {
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		level = zapcore.InfoLevel
	}

	var encoderConfig zapcore.EncoderConfig
	encoding := "json"
	if cfg.Format == "console" {
		encoding = "console"
		encoderConfig = zap.NewDevelopmentEncoderConfig()
		encoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	} else {
		encoderConfig = zap.NewProductionEncoderConfig()
		encoderConfig.TimeKey = "timestamp"
		encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	}

	outputs := cfg.OutputPaths
	if len(outputs) == 0 {
		outputs = []string{"stdout"}
	}

	zapConfig := zap.Config{
		Level:             zap.NewAtomicLevelAt(level),
		Development:       encoding == "console",
		Encoding:          encoding,
		EncoderConfig:     encoderConfig,
		OutputPaths:       outputs,
		ErrorOutputPaths:  []string{"stderr"},
		DisableCaller:     !cfg.EnableCaller,
		DisableStacktrace: !cfg.EnableStacktrace,
	}

	logger, err := zapConfig.Build()
	if err != nil {
		logger, _ = zap.NewProduction()
	}
	return logger
}
