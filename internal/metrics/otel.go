package metrics

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

// Shutdown flushes and stops the OTLP exporter.
type Shutdown func(ctx context.Context) error

// otelBridge mirrors registry writes into OTEL instruments.
type otelBridge struct {
	meter metric.Meter

	mu         sync.Mutex
	counters   map[string]metric.Float64Counter
	histograms map[string]metric.Float64Histogram
}

// EnableOTLP configures a periodic OTLP/HTTP metric exporter and mirrors
// all subsequent registry writes through it. If endpoint is empty this is
// a no-op returning a no-op shutdown.
func (r *Registry) EnableOTLP(ctx context.Context, endpoint, serviceName string, insecure bool) (Shutdown, error) {
	if endpoint == "" {
		return func(context.Context) error { return nil }, nil
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(semconv.ServiceNameKey.String(serviceName)),
	)
	if err != nil {
		return nil, fmt.Errorf("metrics: create resource: %w", err)
	}

	opts := []otlpmetrichttp.Option{otlpmetrichttp.WithEndpoint(endpoint)}
	if insecure {
		opts = append(opts, otlpmetrichttp.WithInsecure())
	}
	exp, err := otlpmetrichttp.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("metrics: create exporter: %w", err)
	}

	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(
			sdkmetric.NewPeriodicReader(exp, sdkmetric.WithInterval(15*time.Second)),
		),
		sdkmetric.WithResource(res),
	)
	otel.SetMeterProvider(mp)

	r.mu.Lock()
	r.otel = &otelBridge{
		meter:      mp.Meter("webpilot"),
		counters:   make(map[string]metric.Float64Counter),
		histograms: make(map[string]metric.Float64Histogram),
	}
	r.mu.Unlock()

	return mp.Shutdown, nil
}

func attrs(labels map[string]string) []attribute.KeyValue {
	out := make([]attribute.KeyValue, 0, len(labels))
	for k, v := range labels {
		out = append(out, attribute.String(k, v))
	}
	return out
}

func (b *otelBridge) add(name string, labels map[string]string, v float64) {
	b.mu.Lock()
	c, ok := b.counters[name]
	if !ok {
		var err error
		c, err = b.meter.Float64Counter(name)
		if err != nil {
			b.mu.Unlock()
			return
		}
		b.counters[name] = c
	}
	b.mu.Unlock()
	c.Add(context.Background(), v, metric.WithAttributes(attrs(labels)...))
}

func (b *otelBridge) observe(name string, labels map[string]string, v float64) {
	b.mu.Lock()
	h, ok := b.histograms[name]
	if !ok {
		var err error
		h, err = b.meter.Float64Histogram(name)
		if err != nil {
			b.mu.Unlock()
			return
		}
		b.histograms[name] = h
	}
	b.mu.Unlock()
	h.Record(context.Background(), v, metric.WithAttributes(attrs(labels)...))
}
