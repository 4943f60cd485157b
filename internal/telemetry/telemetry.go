// Package telemetry wires the shared metrics/tracing providers consumed
// across the orchestration core. Grounded on the teacher's
// svc.obs.Tracer.StartSpan usage (go.opentelemetry.io/otel/trace) and
// its MetricsCollector shape (prometheus/client_golang); combined here
// into one small provider instead of the teacher's process-wide
// observability container, per spec.md §9's guidance to model shared
// state as explicitly constructed services rather than globals.
package telemetry

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/sdk/metric"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

// Provider bundles the metric and trace providers one process needs.
// Registry is exposed so components can register their own
// prometheus.Collectors (GaugeVec, CounterVec) into the same endpoint
// the otel exporter serves.
type Provider struct {
	Registry        *prometheus.Registry
	MeterProvider   *metric.MeterProvider
	TracerProvider  *sdktrace.TracerProvider
}

// New constructs a Provider with an in-process Prometheus registry
// bridged to an otel MeterProvider, and a TracerProvider with no
// exporter attached (spans are created and propagated but not shipped
// anywhere) — sufficient for in-process span-based debugging without
// requiring a collector endpoint to be configured for every
// deployment.
func New() (*Provider, error) {
	reg := prometheus.NewRegistry()
	exporter, err := otelprom.New(otelprom.WithRegisterer(reg))
	if err != nil {
		return nil, err
	}
	mp := metric.NewMeterProvider(metric.WithReader(exporter))
	tp := sdktrace.NewTracerProvider()

	return &Provider{Registry: reg, MeterProvider: mp, TracerProvider: tp}, nil
}

// Tracer returns the named tracer for span creation, e.g.
// p.Tracer("orchestrator").Start(ctx, "dispatch").
func (p *Provider) Tracer(name string) trace.Tracer {
	return p.TracerProvider.Tracer(name)
}

// Shutdown flushes and releases both providers; call once at process
// exit.
func (p *Provider) Shutdown(ctx context.Context) error {
	if err := p.MeterProvider.Shutdown(ctx); err != nil {
		return err
	}
	return p.TracerProvider.Shutdown(ctx)
}
