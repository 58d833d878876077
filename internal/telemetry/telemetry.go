// =============================================================================
// 📡 agentloop OpenTelemetry 初始化
// =============================================================================
// Providers 持有 SDK provider 以及运行级别的 tracer 和计数器。
// 未启用时使用 noop 实现，不连接任何 exporter。
// =============================================================================

package telemetry

import (
	"context"
	"errors"
	"fmt"
	"os"
	"runtime/debug"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/metric"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap"

	"github.com/BaSui01/agentloop/config"
)

const instrumentationName = "github.com/BaSui01/agentloop"

// Run kinds reported on the resource and on every run measurement.
const (
	RunKindAgent    = "agent"
	RunKindWorkflow = "workflow"
)

// AttrRunKinds lists the run kinds this process executes.
const AttrRunKinds = attribute.Key("agentloop.run.kinds")

// Providers owns the tracer and run instruments used by agent and workflow
// runs. The SDK providers are nil unless Init built them, and Shutdown is
// then a no-op.
type Providers struct {
	tp *sdktrace.TracerProvider
	mp *sdkmetric.MeterProvider

	tracer      trace.Tracer
	runs        metric.Int64Counter
	runDuration metric.Float64Histogram
}

// NewProviders builds the run tracer and instruments on the given
// providers. It does not touch the otel globals.
func NewProviders(tp trace.TracerProvider, mp metric.MeterProvider) *Providers {
	if tp == nil {
		tp = tracenoop.NewTracerProvider()
	}
	if mp == nil {
		mp = metricnoop.NewMeterProvider()
	}
	p := &Providers{tracer: tp.Tracer(instrumentationName)}

	meter := mp.Meter(instrumentationName)
	// 创建失败时退回 noop 仪表，记录永远不会出错
	runs, err := meter.Int64Counter("agentloop.runs",
		metric.WithDescription("Finished agent and workflow runs"),
		metric.WithUnit("{run}"))
	if err != nil {
		runs, _ = metricnoop.Meter{}.Int64Counter("agentloop.runs")
	}
	dur, err := meter.Float64Histogram("agentloop.run.duration",
		metric.WithDescription("Agent and workflow run duration"),
		metric.WithUnit("s"))
	if err != nil {
		dur, _ = metricnoop.Meter{}.Float64Histogram("agentloop.run.duration")
	}
	p.runs, p.runDuration = runs, dur
	return p
}

var active atomic.Pointer[Providers]

func init() {
	active.Store(NewProviders(nil, nil))
}

// Default returns the providers installed by Init or SetDefault. Before
// either runs it is a noop set.
func Default() *Providers {
	return active.Load()
}

// SetDefault installs p as the default providers. A nil p restores the
// noop set.
func SetDefault(p *Providers) {
	if p == nil {
		p = NewProviders(nil, nil)
	}
	active.Store(p)
}

// Init builds OTLP exporting providers when cfg.Enabled is set, installs
// them as the otel globals and as Default, and returns them. Disabled
// telemetry returns the noop set.
func Init(cfg config.TelemetryConfig, logger *zap.Logger) (*Providers, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.String("component", "telemetry"))

	if !cfg.Enabled {
		logger.Info("telemetry disabled, using noop providers")
		p := NewProviders(nil, nil)
		SetDefault(p)
		return p, nil
	}

	ctx := context.Background()

	res, err := newResource(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create otel resource: %w", err)
	}

	traceExporter, err := otlptracegrpc.New(ctx,
		otlptracegrpc.WithEndpoint(cfg.OTLPEndpoint),
		otlptracegrpc.WithInsecure(),
	)
	if err != nil {
		return nil, fmt.Errorf("create trace exporter: %w", err)
	}

	metricExporter, err := otlpmetricgrpc.New(ctx,
		otlpmetricgrpc.WithEndpoint(cfg.OTLPEndpoint),
		otlpmetricgrpc.WithInsecure(),
	)
	if err != nil {
		return nil, fmt.Errorf("create metric exporter: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(traceExporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.SampleRate))),
	)
	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(metricExporter)),
		sdkmetric.WithResource(res),
	)

	// HTTP 中间件仍从全局 provider 取 tracer，需要同时设置
	otel.SetTracerProvider(tp)
	otel.SetMeterProvider(mp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	p := NewProviders(tp, mp)
	p.tp, p.mp = tp, mp
	SetDefault(p)

	logger.Info("telemetry initialized",
		zap.String("endpoint", cfg.OTLPEndpoint),
		zap.String("service_name", cfg.ServiceName),
		zap.String("instance_id", instanceID(cfg)),
		zap.Float64("sample_rate", cfg.SampleRate),
	)

	return p, nil
}

// newResource describes this process: service, version, instance and the
// run kinds it executes.
func newResource(ctx context.Context, cfg config.TelemetryConfig) (*resource.Resource, error) {
	attrs := []attribute.KeyValue{
		semconv.ServiceNameKey.String(cfg.ServiceName),
		semconv.ServiceVersionKey.String(buildVersion()),
		semconv.ServiceInstanceIDKey.String(instanceID(cfg)),
		AttrRunKinds.StringSlice([]string{RunKindAgent, RunKindWorkflow}),
	}
	if cfg.Environment != "" {
		attrs = append(attrs, semconv.DeploymentEnvironmentKey.String(cfg.Environment))
	}
	return resource.New(ctx, resource.WithAttributes(attrs...))
}

var fallbackInstanceID = uuid.NewString()

// instanceID prefers the configured id, then the hostname, then a random
// id fixed for the process lifetime.
func instanceID(cfg config.TelemetryConfig) string {
	if cfg.InstanceID != "" {
		return cfg.InstanceID
	}
	if host, err := os.Hostname(); err == nil && host != "" {
		return host
	}
	return fallbackInstanceID
}

// Tracer returns the run tracer. A nil receiver yields the default set.
func (p *Providers) Tracer() trace.Tracer {
	if p == nil {
		return Default().tracer
	}
	return p.tracer
}

// RecordRun counts a finished run and records its duration. kind is
// RunKindAgent or RunKindWorkflow.
func (p *Providers) RecordRun(ctx context.Context, kind, name, status string, d time.Duration) {
	if p == nil {
		p = Default()
	}
	attrs := metric.WithAttributes(
		attribute.String("kind", kind),
		attribute.String("name", name),
		attribute.String("status", status),
	)
	p.runs.Add(ctx, 1, attrs)
	p.runDuration.Record(ctx, d.Seconds(), attrs)
}

// Shutdown flushes pending spans and metrics.
func (p *Providers) Shutdown(ctx context.Context) error {
	if p == nil {
		return nil
	}
	var errs []error
	if p.tp != nil {
		if err := p.tp.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("shutdown tracer provider: %w", err))
		}
	}
	if p.mp != nil {
		if err := p.mp.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("shutdown meter provider: %w", err))
		}
	}
	return errors.Join(errs...)
}

// buildVersion reads the module version from build info, "dev" otherwise.
func buildVersion() string {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return "dev"
	}
	if info.Main.Version != "" && info.Main.Version != "(devel)" {
		return info.Main.Version
	}
	return "dev"
}
