// Package telemetry unifies OpenTelemetry tracing (OTLP) and the
// Prometheus metrics bridge.
package telemetry

import (
	"context"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.17.0"
)

// Config wires the OTLP exporter. ServiceName is per process (bot,
// downloader, cleaner) so traces from the three binaries stay apart.
type Config struct {
	Enabled     bool
	Endpoint    string
	APIKey      string
	ServiceName string
	Version     string
}

var (
	initOnce  sync.Once
	traceProv *sdktrace.TracerProvider
	meterProv *metric.MeterProvider
	initErr   error
)

// Init sets up tracing and the Prometheus metrics bridge. With
// telemetry disabled it still installs the propagator and a local
// tracer provider so spans and queue trace propagation keep working
// without an exporter.
func Init(ctx context.Context, cfg Config) (*sdktrace.TracerProvider, *metric.MeterProvider, error) {
	initOnce.Do(func() {
		res, err := resource.New(ctx,
			resource.WithAttributes(
				semconv.ServiceName(cfg.ServiceName),
				semconv.ServiceVersion(cfg.Version),
			),
		)
		if err != nil {
			initErr = fmt.Errorf("create resource: %w", err)
			return
		}

		opts := []sdktrace.TracerProviderOption{
			sdktrace.WithResource(res),
			sdktrace.WithSampler(sdktrace.AlwaysSample()),
		}
		if cfg.Enabled {
			exporterOpts := []otlptracehttp.Option{
				otlptracehttp.WithEndpointURL(cfg.Endpoint),
			}
			if cfg.APIKey != "" {
				exporterOpts = append(exporterOpts, otlptracehttp.WithHeaders(map[string]string{
					"Authorization": "Api-Key " + cfg.APIKey,
				}))
			}
			exporter, err := otlptracehttp.New(ctx, exporterOpts...)
			if err != nil {
				initErr = fmt.Errorf("create otlp exporter: %w", err)
				return
			}
			opts = append(opts, sdktrace.WithBatcher(exporter))
		}

		tp := sdktrace.NewTracerProvider(opts...)
		otel.SetTracerProvider(tp)
		otel.SetTextMapPropagator(
			propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}),
		)

		// Bridge OTel metrics onto the same registry promauto uses so
		// everything appears on the one /metrics endpoint.
		promExporter, err := otelprom.New(
			otelprom.WithRegisterer(prometheus.DefaultRegisterer),
		)
		if err != nil {
			initErr = fmt.Errorf("create prometheus exporter: %w", err)
			return
		}
		mp := metric.NewMeterProvider(
			metric.WithResource(res),
			metric.WithReader(promExporter),
		)
		otel.SetMeterProvider(mp)

		traceProv = tp
		meterProv = mp
	})
	return traceProv, meterProv, initErr
}

// Shutdown flushes and stops the providers.
func Shutdown(ctx context.Context) error {
	var firstErr error
	if traceProv != nil {
		if err := traceProv.Shutdown(ctx); err != nil {
			firstErr = err
		}
	}
	if meterProv != nil {
		if err := meterProv.Shutdown(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
