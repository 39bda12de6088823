// Copyright (c) 2026 Yomira. All rights reserved.
// Author: tai.buivan.jp@gmail.com

package audit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/taibuivan/aegis/internal/platform/telemetry"
	"github.com/taibuivan/aegis/pkg/uuidv7"
)

// flushTimeout bounds one durable write, including the final one at shutdown.
const flushTimeout = 10 * time.Second

// ErrRejected marks a sink failure that retrying the same batch cannot fix.
var ErrRejected = errors.New("audit batch rejected")

// Sink durably persists a batch of events.
//
// Write returns an error wrapping [ErrRejected] when the batch itself is
// unacceptable; the logger then drops it without retrying.
type Sink interface {
	Write(ctx context.Context, events []Event) error
}

// Config tunes buffering and retry behaviour.
type Config struct {
	// BufferSize is the number of pending events that triggers an early flush.
	BufferSize int

	// MaxBuffered bounds retained events while the durable sink is failing.
	MaxBuffered int

	// FlushInterval is the periodic flush cadence.
	FlushInterval time.Duration

	// MaxRetries is how many failed flushes an event survives.
	MaxRetries int
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		BufferSize:    100,
		MaxBuffered:   10000,
		FlushInterval: 30 * time.Second,
		MaxRetries:    3,
	}
}

// Logger buffers events and flushes them to a durable sink.
//
// # Concurrency
//
// Log is safe for concurrent use and never blocks on the durable sink. Only
// critical events perform synchronous I/O, against the high-priority sink.
type Logger struct {
	sink     Sink
	critical Sink
	config   Config
	logger   *slog.Logger
	metrics  *telemetry.Metrics
	now      func() time.Time

	mu     sync.Mutex
	buffer []pending

	// flushMu serializes flushes so a retained batch is never written twice.
	flushMu sync.Mutex
	signal  chan struct{}
}

// pending is a buffered event and the number of flushes it has failed.
type pending struct {
	event    Event
	attempts int
}

// Option customizes a [Logger].
type Option func(*Logger)

// WithMetrics records event and drop counts.
func WithMetrics(metrics *telemetry.Metrics) Option {
	return func(logger *Logger) {
		logger.metrics = metrics
	}
}

// WithClock overrides the time source used for event timestamps.
func WithClock(now func() time.Time) Option {
	return func(logger *Logger) {
		logger.now = now
	}
}

// NewLogger creates an audit logger.
//
// sink receives every event in batches; critical receives critical events
// one by one, synchronously.
func NewLogger(sink, critical Sink, config Config, logger *slog.Logger, options ...Option) *Logger {
	defaults := DefaultConfig()
	if config.BufferSize < 1 {
		config.BufferSize = defaults.BufferSize
	}
	if config.MaxBuffered < config.BufferSize {
		config.MaxBuffered = max(defaults.MaxBuffered, config.BufferSize)
	}
	if config.FlushInterval <= 0 {
		config.FlushInterval = defaults.FlushInterval
	}
	if config.MaxRetries < 0 {
		config.MaxRetries = defaults.MaxRetries
	}

	audit := &Logger{
		sink:     sink,
		critical: critical,
		config:   config,
		logger:   logger,
		now:      time.Now,
		signal:   make(chan struct{}, 1),
	}
	for _, option := range options {
		option(audit)
	}
	return audit
}

/*
Log records a security event.

The entry is redacted, classified and buffered. Critical events are also
written synchronously to the high-priority sink.

Returns:
  - Event: The record as it will be persisted
*/
func (audit *Logger) Log(ctx context.Context, entry Entry) Event {
	category, severity := Classify(entry.Type)

	event := Event{
		ID:        uuidv7.New(),
		Timestamp: audit.now().UTC(),
		Type:      entry.Type,
		Category:  category,
		Severity:  severity,
		UserID:    entry.UserID,
		Resource:  entry.Resource,
		Action:    entry.Action,
		Result:    entry.Result,
		Details:   Redact(entry.Details),
		IPAddress: entry.IPAddress,
		UserAgent: entry.UserAgent,
		RequestID: entry.RequestID,
		SessionID: entry.SessionID,
	}
	if event.Result == "" {
		event.Result = ResultSuccess
	}

	audit.metrics.RecordAuditEvent(ctx, string(severity))

	if severity == SeverityCritical && audit.critical != nil {
		if err := audit.critical.Write(context.WithoutCancel(ctx), []Event{event}); err != nil {
			audit.logger.Error("audit_critical_sink_failed",
				slog.String("event_id", event.ID),
				slog.String("event_type", string(event.Type)),
				slog.Any("error", err),
			)
		}
	}

	audit.mu.Lock()
	audit.buffer = append(audit.buffer, pending{event: event})
	full := len(audit.buffer) >= audit.config.BufferSize
	audit.mu.Unlock()

	if full {
		select {
		case audit.signal <- struct{}{}:
		default:
		}
	}

	return event
}

// Pending returns the number of buffered events.
func (audit *Logger) Pending() int {
	audit.mu.Lock()
	defer audit.mu.Unlock()
	return len(audit.buffer)
}

/*
Flush writes buffered events to the durable sink.

On failure each event's attempt count grows and the events go back in front
of newer ones for the next flush; an event is dropped only once it has
failed more than MaxRetries flushes. When the sink rejects a batch of
several events, they are written one by one so only the rejected ones are
dropped. Every drop is logged at error level with its counts.
*/
func (audit *Logger) Flush(ctx context.Context) error {
	audit.flushMu.Lock()
	defer audit.flushMu.Unlock()

	audit.mu.Lock()
	batch := audit.buffer
	audit.buffer = nil
	audit.mu.Unlock()

	if len(batch) == 0 {
		return nil
	}

	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), flushTimeout)
	defer cancel()

	err := audit.sink.Write(writeCtx, eventsOf(batch))
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrRejected) && len(batch) > 1:
		return audit.isolate(ctx, writeCtx, batch)
	case errors.Is(err, ErrRejected):
		audit.drop(ctx, batch, "rejected", err)
		return fmt.Errorf("audit_flush_failed: %w", err)
	}

	audit.retry(ctx, batch, err)
	return fmt.Errorf("audit_flush_failed: %w", err)
}

// isolate writes a rejected batch event by event.
func (audit *Logger) isolate(ctx, writeCtx context.Context, batch []pending) error {
	var (
		rejected, failed []pending
		rejectErr, err   error
	)
	for _, item := range batch {
		writeErr := audit.sink.Write(writeCtx, []Event{item.event})
		switch {
		case writeErr == nil:
		case errors.Is(writeErr, ErrRejected):
			rejected = append(rejected, item)
			rejectErr = writeErr
		default:
			failed = append(failed, item)
			err = writeErr
		}
	}

	if len(rejected) > 0 {
		audit.drop(ctx, rejected, "rejected", rejectErr)
	}
	if len(failed) > 0 {
		audit.retry(ctx, failed, err)
	}
	if joined := errors.Join(rejectErr, err); joined != nil {
		return fmt.Errorf("audit_flush_failed: %w", joined)
	}
	return nil
}

// retry charges one failed attempt to each event, drops the exhausted ones
// and puts the rest back ahead of events logged meanwhile.
func (audit *Logger) retry(ctx context.Context, failed []pending, err error) {
	var exhausted, kept []pending
	attempts := 0
	for _, item := range failed {
		item.attempts++
		attempts = max(attempts, item.attempts)
		if item.attempts > audit.config.MaxRetries {
			exhausted = append(exhausted, item)
		} else {
			kept = append(kept, item)
		}
	}
	if len(exhausted) > 0 {
		audit.drop(ctx, exhausted, "retries_exhausted", err)
	}

	audit.mu.Lock()
	retained := append(kept, audit.buffer...)
	var overflowed []pending
	if overflow := len(retained) - audit.config.MaxBuffered; overflow > 0 {
		// Oldest first.
		overflowed = retained[:overflow]
		retained = retained[overflow:]
	}
	audit.buffer = retained
	audit.mu.Unlock()

	if len(overflowed) > 0 {
		audit.drop(ctx, overflowed, "buffer_overflow", nil)
	}

	audit.logger.Warn("audit_flush_failed",
		slog.Int("events", len(failed)),
		slog.Int("retained", len(kept)),
		slog.Int("attempt", attempts),
		slog.Any("error", err),
	)
}

// drop discards events for good.
func (audit *Logger) drop(ctx context.Context, items []pending, reason string, err error) {
	events := eventsOf(items)
	attempts := 0
	for _, item := range items {
		attempts = max(attempts, item.attempts)
	}

	attrs := []any{
		slog.Int("events", len(events)),
		slog.Int("critical_events", countCritical(events)),
		slog.Int("attempts", attempts),
		slog.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, slog.Any("error", err))
	}
	audit.logger.Error("audit_batch_dropped", attrs...)
	audit.metrics.RecordAuditDropped(ctx, len(events), reason)
}

func eventsOf(items []pending) []Event {
	events := make([]Event, len(items))
	for index, item := range items {
		events[index] = item.event
	}
	return events
}

func countCritical(events []Event) int {
	count := 0
	for _, event := range events {
		if event.Severity == SeverityCritical {
			count++
		}
	}
	return count
}

// Run flushes on a timer and whenever the buffer fills, until ctx is
// cancelled. A final flush runs on the way out.
func (audit *Logger) Run(ctx context.Context) {
	ticker := time.NewTicker(audit.config.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			if err := audit.Flush(context.WithoutCancel(ctx)); err != nil {
				audit.logger.Error("audit_final_flush_failed",
					slog.Int("pending", audit.Pending()),
					slog.Any("error", err),
				)
			}
			return
		case <-ticker.C:
			_ = audit.Flush(ctx)
		case <-audit.signal:
			_ = audit.Flush(ctx)
		}
	}
}
