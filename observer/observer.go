// Package observer provides OTEL-based observability for the RLM engine.
//
// It exposes engine-domain instruments (REPL executions, batch calls, device
// health, folds, iterations) and a Provider wrapper that traces and meters
// every chat call. Users export to any OTEL-compatible backend by setting
// standard OTEL env vars.
package observer

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlplog/otlploghttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	sdklog "go.opentelemetry.io/otel/sdk/log"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"

	otellog "go.opentelemetry.io/otel/log"
	"go.opentelemetry.io/otel/log/global"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/nevindra/rlmengine"
)

const scopeName = "github.com/nevindra/rlmengine/observer"

// Instruments holds all OTEL instruments used by the engine.
type Instruments struct {
	Tracer trace.Tracer
	Meter  metric.Meter
	Logger otellog.Logger

	// Counters
	TokenUsage     metric.Int64Counter
	LLMRequests    metric.Int64Counter
	ReplExecutions metric.Int64Counter
	BatchCalls     metric.Int64Counter
	FoldOperations metric.Int64Counter
	DeviceFailures metric.Int64Counter

	// Gauges
	DevicesHealthy metric.Int64UpDownCounter

	// Histograms
	LLMDuration       metric.Float64Histogram
	ReplDuration      metric.Float64Histogram
	BatchDuration     metric.Float64Histogram
	IterationDuration metric.Float64Histogram
	FoldRatio         metric.Float64Histogram
}

// Init sets up OTEL trace, metric, and log providers with OTLP HTTP exporters.
// Configuration comes from standard OTEL env vars (OTEL_EXPORTER_OTLP_ENDPOINT, etc.).
// Returns a shutdown function that must be called on application exit.
func Init(ctx context.Context) (*Instruments, func(context.Context) error, error) {
	res, err := resource.New(ctx,
		resource.WithAttributes(semconv.ServiceName("rlmengine")),
		resource.WithFromEnv(),
	)
	if err != nil {
		return nil, nil, err
	}

	// Trace provider
	traceExp, err := otlptracehttp.New(ctx)
	if err != nil {
		return nil, nil, err
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(traceExp),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)

	// Metric provider
	metricExp, err := otlpmetrichttp.New(ctx)
	if err != nil {
		_ = tp.Shutdown(ctx)
		return nil, nil, err
	}
	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(metricExp)),
		sdkmetric.WithResource(res),
	)
	otel.SetMeterProvider(mp)

	// Log provider
	logExp, err := otlploghttp.New(ctx)
	if err != nil {
		_ = tp.Shutdown(ctx)
		_ = mp.Shutdown(ctx)
		return nil, nil, err
	}
	lp := sdklog.NewLoggerProvider(
		sdklog.WithProcessor(sdklog.NewBatchProcessor(logExp)),
		sdklog.WithResource(res),
	)
	global.SetLoggerProvider(lp)

	inst, err := newInstruments()
	if err != nil {
		_ = tp.Shutdown(ctx)
		_ = mp.Shutdown(ctx)
		_ = lp.Shutdown(ctx)
		return nil, nil, err
	}

	shutdown := func(ctx context.Context) error {
		return errors.Join(
			tp.Shutdown(ctx),
			mp.Shutdown(ctx),
			lp.Shutdown(ctx),
		)
	}

	return inst, shutdown, nil
}

func newInstruments() (*Instruments, error) {
	tracer := otel.Tracer(scopeName)
	meter := otel.Meter(scopeName)
	logger := global.GetLoggerProvider().Logger(scopeName)

	tokenUsage, err := meter.Int64Counter("llm.token.usage",
		metric.WithDescription("Total tokens consumed"),
		metric.WithUnit("{token}"))
	if err != nil {
		return nil, err
	}

	llmRequests, err := meter.Int64Counter("llm.requests",
		metric.WithDescription("LLM request count"),
		metric.WithUnit("{request}"))
	if err != nil {
		return nil, err
	}

	replExecutions, err := meter.Int64Counter("repl.executions",
		metric.WithDescription("Code block executions"),
		metric.WithUnit("{execution}"))
	if err != nil {
		return nil, err
	}

	batchCalls, err := meter.Int64Counter("batch.calls",
		metric.WithDescription("Batch inference calls"),
		metric.WithUnit("{call}"))
	if err != nil {
		return nil, err
	}

	foldOperations, err := meter.Int64Counter("fold.operations",
		metric.WithDescription("Context fold operations"),
		metric.WithUnit("{fold}"))
	if err != nil {
		return nil, err
	}

	deviceFailures, err := meter.Int64Counter("device.failures",
		metric.WithDescription("Device operation failures"),
		metric.WithUnit("{failure}"))
	if err != nil {
		return nil, err
	}

	devicesHealthy, err := meter.Int64UpDownCounter("device.healthy",
		metric.WithDescription("Devices currently in the healthy set"),
		metric.WithUnit("{device}"))
	if err != nil {
		return nil, err
	}

	llmDuration, err := meter.Float64Histogram("llm.duration",
		metric.WithDescription("LLM call duration"),
		metric.WithUnit("ms"))
	if err != nil {
		return nil, err
	}

	replDuration, err := meter.Float64Histogram("repl.duration",
		metric.WithDescription("Code block execution duration"),
		metric.WithUnit("ms"))
	if err != nil {
		return nil, err
	}

	batchDuration, err := meter.Float64Histogram("batch.duration",
		metric.WithDescription("Batch execution duration"),
		metric.WithUnit("ms"))
	if err != nil {
		return nil, err
	}

	iterationDuration, err := meter.Float64Histogram("iteration.duration",
		metric.WithDescription("RLM iteration duration"),
		metric.WithUnit("ms"))
	if err != nil {
		return nil, err
	}

	foldRatio, err := meter.Float64Histogram("fold.ratio",
		metric.WithDescription("Folded size as a fraction of original"),
		metric.WithUnit("1"))
	if err != nil {
		return nil, err
	}

	return &Instruments{
		Tracer:            tracer,
		Meter:             meter,
		Logger:            logger,
		TokenUsage:        tokenUsage,
		LLMRequests:       llmRequests,
		ReplExecutions:    replExecutions,
		BatchCalls:        batchCalls,
		FoldOperations:    foldOperations,
		DeviceFailures:    deviceFailures,
		DevicesHealthy:    devicesHealthy,
		LLMDuration:       llmDuration,
		ReplDuration:      replDuration,
		BatchDuration:     batchDuration,
		IterationDuration: iterationDuration,
		FoldRatio:         foldRatio,
	}, nil
}

// RecordFold records one fold operation's stats.
func (i *Instruments) RecordFold(ctx context.Context, stats rlm.FoldingStats) {
	i.FoldOperations.Add(ctx, 1)
	if stats.OriginalLen > 0 {
		i.FoldRatio.Record(ctx, float64(stats.FoldedLen)/float64(stats.OriginalLen))
	}
}

// observedProvider wraps a Provider with tracing and metrics.
type observedProvider struct {
	inner rlm.Provider
	inst  *Instruments
}

// WrapProvider returns p instrumented with spans, request counts, token
// usage, and duration histograms.
func WrapProvider(p rlm.Provider, inst *Instruments) rlm.Provider {
	return &observedProvider{inner: p, inst: inst}
}

func (o *observedProvider) Name() string { return o.inner.Name() }

func (o *observedProvider) Chat(ctx context.Context, req rlm.ChatRequest) (rlm.ChatResponse, error) {
	ctx, span := o.inst.Tracer.Start(ctx, "llm.chat",
		trace.WithAttributes(
			attribute.String("provider", o.inner.Name()),
			attribute.Int("messages", len(req.Messages)),
		))
	defer span.End()

	start := time.Now()
	resp, err := o.inner.Chat(ctx, req)
	elapsed := float64(time.Since(start).Milliseconds())

	status := "ok"
	if err != nil {
		status = "error"
		span.RecordError(err)
	}
	attrs := metric.WithAttributes(
		attribute.String("provider", o.inner.Name()),
		attribute.String("status", status),
	)
	o.inst.LLMRequests.Add(ctx, 1, attrs)
	o.inst.LLMDuration.Record(ctx, elapsed, attrs)
	if err == nil {
		o.inst.TokenUsage.Add(ctx, int64(resp.Usage.InputTokens),
			metric.WithAttributes(attribute.String("direction", "input")))
		o.inst.TokenUsage.Add(ctx, int64(resp.Usage.OutputTokens),
			metric.WithAttributes(attribute.String("direction", "output")))
	}
	return resp, err
}

var _ rlm.Provider = (*observedProvider)(nil)
