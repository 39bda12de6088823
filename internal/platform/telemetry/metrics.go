// Copyright (c) 2026 Yomira. All rights reserved.
// Author: tai.buivan.jp@gmail.com

package telemetry

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds the metric instruments recorded by the gateway components.
type Metrics struct {
	GatewayRequests metric.Int64Counter
	GatewayDuration metric.Float64Histogram
	RateLimitDenied metric.Int64Counter
	StoreDegraded   metric.Int64Gauge
	AuditEvents     metric.Int64Counter
	AuditDropped    metric.Int64Counter
	SessionsEvicted metric.Int64Counter
	SessionsReaped  metric.Int64Counter
	TaskRuns        metric.Int64Counter
}

// NewMetrics creates every instrument on the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	if m.GatewayRequests, err = meter.Int64Counter("aegis.gateway.requests",
		metric.WithDescription("Requests evaluated by the gateway, by outcome and reason"),
		metric.WithUnit("{request}"),
	); err != nil {
		return nil, fmt.Errorf("telemetry: gateway.requests: %w", err)
	}

	if m.GatewayDuration, err = meter.Float64Histogram("aegis.gateway.duration",
		metric.WithDescription("Time spent in gateway checks before forwarding"),
		metric.WithUnit("ms"),
	); err != nil {
		return nil, fmt.Errorf("telemetry: gateway.duration: %w", err)
	}

	if m.RateLimitDenied, err = meter.Int64Counter("aegis.ratelimit.denied",
		metric.WithDescription("Requests rejected by the rate limiter, by scope and tier"),
		metric.WithUnit("{request}"),
	); err != nil {
		return nil, fmt.Errorf("telemetry: ratelimit.denied: %w", err)
	}

	if m.StoreDegraded, err = meter.Int64Gauge("aegis.kv.degraded",
		metric.WithDescription("1 while the key/value store serves from process memory"),
	); err != nil {
		return nil, fmt.Errorf("telemetry: kv.degraded: %w", err)
	}

	if m.AuditEvents, err = meter.Int64Counter("aegis.audit.events",
		metric.WithDescription("Audit events logged, by severity"),
		metric.WithUnit("{event}"),
	); err != nil {
		return nil, fmt.Errorf("telemetry: audit.events: %w", err)
	}

	if m.AuditDropped, err = meter.Int64Counter("aegis.audit.dropped",
		metric.WithDescription("Audit events discarded after exhausting retries or buffer space"),
		metric.WithUnit("{event}"),
	); err != nil {
		return nil, fmt.Errorf("telemetry: audit.dropped: %w", err)
	}

	if m.SessionsEvicted, err = meter.Int64Counter("aegis.sessions.evicted",
		metric.WithDescription("Sessions evicted by the per-user limit"),
		metric.WithUnit("{session}"),
	); err != nil {
		return nil, fmt.Errorf("telemetry: sessions.evicted: %w", err)
	}

	if m.SessionsReaped, err = meter.Int64Counter("aegis.sessions.reaped",
		metric.WithDescription("Idle sessions removed by the reaper"),
		metric.WithUnit("{session}"),
	); err != nil {
		return nil, fmt.Errorf("telemetry: sessions.reaped: %w", err)
	}

	if m.TaskRuns, err = meter.Int64Counter("aegis.scheduler.runs",
		metric.WithDescription("Background task executions, by task and result"),
		metric.WithUnit("{run}"),
	); err != nil {
		return nil, fmt.Errorf("telemetry: scheduler.runs: %w", err)
	}

	return m, nil
}

// # Recording Helpers

// RecordGatewayDecision counts one gateway outcome and its latency.
func (m *Metrics) RecordGatewayDecision(ctx context.Context, outcome, reason string, elapsed time.Duration) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("outcome", outcome),
		attribute.String("reason", reason),
	)
	m.GatewayRequests.Add(ctx, 1, attrs)
	m.GatewayDuration.Record(ctx, float64(elapsed.Microseconds())/1000, attrs)
}

// RecordRateLimited counts one rate-limit rejection.
func (m *Metrics) RecordRateLimited(ctx context.Context, scope, tier string) {
	if m == nil {
		return
	}
	m.RateLimitDenied.Add(ctx, 1, metric.WithAttributes(
		attribute.String("scope", scope),
		attribute.String("tier", tier),
	))
}

// RecordStoreMode sets the degraded gauge.
func (m *Metrics) RecordStoreMode(ctx context.Context, degraded bool) {
	if m == nil {
		return
	}
	var value int64
	if degraded {
		value = 1
	}
	m.StoreDegraded.Record(ctx, value)
}

// RecordAuditEvent counts one logged audit event.
func (m *Metrics) RecordAuditEvent(ctx context.Context, severity string) {
	if m == nil {
		return
	}
	m.AuditEvents.Add(ctx, 1, metric.WithAttributes(attribute.String("severity", severity)))
}

// RecordAuditDropped counts discarded audit events.
func (m *Metrics) RecordAuditDropped(ctx context.Context, count int, reason string) {
	if m == nil || count <= 0 {
		return
	}
	m.AuditDropped.Add(ctx, int64(count), metric.WithAttributes(attribute.String("reason", reason)))
}

// RecordSessionsEvicted counts sessions evicted by the per-user limit.
func (m *Metrics) RecordSessionsEvicted(ctx context.Context, count int) {
	if m == nil || count <= 0 {
		return
	}
	m.SessionsEvicted.Add(ctx, int64(count))
}

// RecordSessionsReaped counts sessions removed by the reaper.
func (m *Metrics) RecordSessionsReaped(ctx context.Context, count int) {
	if m == nil || count <= 0 {
		return
	}
	m.SessionsReaped.Add(ctx, int64(count))
}

// RecordTaskRun counts one background task execution.
func (m *Metrics) RecordTaskRun(ctx context.Context, task string, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.TaskRuns.Add(ctx, 1, metric.WithAttributes(
		attribute.String("task", task),
		attribute.String("result", result),
	))
}
