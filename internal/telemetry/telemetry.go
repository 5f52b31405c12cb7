// Package telemetry wires OpenTelemetry exporters and the engine's instruments.
package telemetry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

// Shutdown flushes and stops the providers installed by Init.
type Shutdown func(ctx context.Context) error

// Init installs global tracer and meter providers exporting over OTLP/HTTP.
// An empty endpoint leaves the no-op providers in place.
func Init(ctx context.Context, endpoint, serviceName, version string, insecure bool) (Shutdown, error) {
	if endpoint == "" {
		return func(context.Context) error { return nil }, nil
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceNameKey.String(serviceName),
			semconv.ServiceVersionKey.String(version),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("telemetry: create resource: %w", err)
	}

	traceOpts := []otlptracehttp.Option{otlptracehttp.WithEndpoint(endpoint)}
	if insecure {
		traceOpts = append(traceOpts, otlptracehttp.WithInsecure())
	}
	traceExp, err := otlptracehttp.New(ctx, traceOpts...)
	if err != nil {
		return nil, fmt.Errorf("telemetry: create trace exporter: %w", err)
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(traceExp, sdktrace.WithBatchTimeout(5*time.Second)),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	metricOpts := []otlpmetrichttp.Option{otlpmetrichttp.WithEndpoint(endpoint)}
	if insecure {
		metricOpts = append(metricOpts, otlpmetrichttp.WithInsecure())
	}
	metricExp, err := otlpmetrichttp.New(ctx, metricOpts...)
	if err != nil {
		return nil, fmt.Errorf("telemetry: create metric exporter: %w", err)
	}
	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(metricExp, sdkmetric.WithInterval(15*time.Second))),
		sdkmetric.WithResource(res),
	)
	otel.SetMeterProvider(mp)

	return func(ctx context.Context) error {
		var firstErr error
		if err := tp.Shutdown(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
		if err := mp.Shutdown(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
		return firstErr
	}, nil
}

// Meter returns the global meter for an instrumentation scope.
func Meter(name string) metric.Meter {
	return otel.GetMeterProvider().Meter(name)
}

// Tracer returns the global tracer for an instrumentation scope.
func Tracer(name string) trace.Tracer {
	return otel.Tracer(name)
}

// Instruments are the engine's synchronous metrics. Instrument creation
// errors fall back to no-op instruments, so callers never check them.
type Instruments struct {
	StageRuns          metric.Int64Counter
	StageDuration      metric.Float64Histogram
	BreakerTransitions metric.Int64Counter
	GuardAborts        metric.Int64Counter
}

var (
	instOnce sync.Once
	inst     *Instruments
)

// Engine returns the process-wide instruments, created on first use against
// whatever meter provider is installed at that moment.
func Engine() *Instruments {
	instOnce.Do(func() {
		m := Meter("jikken")
		runs, _ := m.Int64Counter("jikken.stage.runs",
			metric.WithDescription("Stage executions by stage type and outcome"))
		dur, _ := m.Float64Histogram("jikken.stage.duration",
			metric.WithDescription("Stage execution time"), metric.WithUnit("ms"))
		br, _ := m.Int64Counter("jikken.breaker.transitions",
			metric.WithDescription("Circuit breaker state changes by resource and target state"))
		ga, _ := m.Int64Counter("jikken.guard.aborts",
			metric.WithDescription("Units of work stopped by a guard, by guard name"))
		inst = &Instruments{StageRuns: runs, StageDuration: dur, BreakerTransitions: br, GuardAborts: ga}
	})
	return inst
}

// RecordStage counts one stage run and its duration.
func (i *Instruments) RecordStage(ctx context.Context, stage, outcome string, d time.Duration) {
	if i == nil || i.StageRuns == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("stage", stage), attribute.String("outcome", outcome))
	i.StageRuns.Add(ctx, 1, attrs)
	if i.StageDuration != nil {
		i.StageDuration.Record(ctx, float64(d.Milliseconds()), metric.WithAttributes(attribute.String("stage", stage)))
	}
}

// RecordBreaker counts a breaker moving to state.
func (i *Instruments) RecordBreaker(ctx context.Context, resource, state string) {
	if i == nil || i.BreakerTransitions == nil {
		return
	}
	i.BreakerTransitions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("resource", resource), attribute.String("to", state)))
}

// RecordGuardAbort counts a unit of work stopped by guard.
func (i *Instruments) RecordGuardAbort(ctx context.Context, guard string) {
	if i == nil || i.GuardAborts == nil {
		return
	}
	i.GuardAborts.Add(ctx, 1, metric.WithAttributes(attribute.String("guard", guard)))
}
