// Copyright (c) 2026 Yomira. All rights reserved.
// Author: tai.buivan.jp@gmail.com

/*
Package telemetry wires OpenTelemetry metrics and tracing for the gateway.

Metrics are exported in Prometheus format through a dedicated registry and
served on /metrics. Every recording method is nil-safe so components can be
constructed without telemetry in tests.
*/
package telemetry

import (
	"context"
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/taibuivan/aegis/internal/platform/constants"
)

// instrumentationName scopes every meter and tracer created by the gateway.
const instrumentationName = "github.com/taibuivan/aegis"

// Provider owns the meter provider and the Prometheus scrape handler.
type Provider struct {
	meterProvider *metric.MeterProvider
	handler       http.Handler
	metrics       *Metrics
}

// NewProvider builds a Prometheus-backed meter provider and the gateway instruments.
func NewProvider() (*Provider, error) {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	exporter, err := otelprom.New(otelprom.WithRegisterer(registry))
	if err != nil {
		return nil, fmt.Errorf("telemetry: failed to create prometheus exporter: %w", err)
	}

	res, err := resource.Merge(resource.Default(), resource.NewSchemaless(
		semconv.ServiceName(constants.AppName),
		semconv.ServiceVersion(constants.AppVersion),
	))
	if err != nil {
		return nil, fmt.Errorf("telemetry: failed to create resource: %w", err)
	}

	meterProvider := metric.NewMeterProvider(
		metric.WithReader(exporter),
		metric.WithResource(res),
	)
	otel.SetMeterProvider(meterProvider)

	metrics, err := NewMetrics(meterProvider.Meter(instrumentationName))
	if err != nil {
		return nil, err
	}

	return &Provider{
		meterProvider: meterProvider,
		handler:       promhttp.HandlerFor(registry, promhttp.HandlerOpts{Registry: registry}),
		metrics:       metrics,
	}, nil
}

// Metrics returns the gateway instruments.
func (provider *Provider) Metrics() *Metrics {
	return provider.metrics
}

// Handler serves the Prometheus exposition format.
func (provider *Provider) Handler() http.Handler {
	return provider.handler
}

// Shutdown flushes and stops the meter provider.
func (provider *Provider) Shutdown(ctx context.Context) error {
	return provider.meterProvider.Shutdown(ctx)
}

// Tracer returns the gateway tracer from the global provider.
func Tracer() trace.Tracer {
	return otel.Tracer(instrumentationName)
}
