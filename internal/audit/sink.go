// Copyright (c) 2026 Yomira. All rights reserved.
// Author: tai.buivan.jp@gmail.com

package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/jackc/pgx/v5"

	"github.com/taibuivan/aegis/internal/platform/database/schema"
	"github.com/taibuivan/aegis/internal/platform/dberr"
	"github.com/taibuivan/aegis/pkg/pointer"
)

// # Log Sink

// LogSink writes events as structured log records.
//
// Used as the high-priority sink for critical events and as the durable
// sink when no database is configured.
type LogSink struct {
	logger *slog.Logger
	level  slog.Level
}

// NewLogSink creates a sink logging every event at the given level.
func NewLogSink(logger *slog.Logger, level slog.Level) *LogSink {
	return &LogSink{logger: logger, level: level}
}

// Write implements [Sink].
func (sink *LogSink) Write(ctx context.Context, events []Event) error {
	for _, event := range events {
		sink.logger.LogAttrs(ctx, sink.level, "audit_event",
			slog.String("event_id", event.ID),
			slog.String("event_type", string(event.Type)),
			slog.String("category", string(event.Category)),
			slog.String("severity", string(event.Severity)),
			slog.String("result", string(event.Result)),
			slog.String("user_id", event.UserID),
			slog.String("resource", event.Resource),
			slog.String("action", event.Action),
			slog.String("ip_address", event.IPAddress),
			slog.String("request_id", event.RequestID),
			slog.String("session_id", event.SessionID),
			slog.Any("details", event.Details),
		)
	}
	return nil
}

// # Postgres Sink

// BatchSender is the subset of pgxpool.Pool used by [PostgresSink].
type BatchSender interface {
	SendBatch(ctx context.Context, batch *pgx.Batch) pgx.BatchResults
}

// PostgresSink appends events to the audit.event table.
type PostgresSink struct {
	pool BatchSender
}

// NewPostgresSink creates a PostgreSQL-backed sink.
func NewPostgresSink(pool BatchSender) *PostgresSink {
	return &PostgresSink{pool: pool}
}

var insertEventQuery = buildInsertQuery(schema.AuditEvent)

func buildInsertQuery(table schema.AuditEventTable) string {
	columns := table.Columns()
	placeholders := make([]string, len(columns))
	for index := range columns {
		placeholders[index] = "$" + strconv.Itoa(index+1)
	}
	return fmt.Sprintf(`
	INSERT INTO %s (%s)
	VALUES (%s)
	ON CONFLICT (%s) DO NOTHING`,
		table.Table, strings.Join(columns, ", "), strings.Join(placeholders, ", "), table.ID)
}

/*
Write persists a batch in one round trip.

Inserts are idempotent on the event id, so a batch retried after a partial
failure never duplicates rows.
*/
func (sink *PostgresSink) Write(ctx context.Context, events []Event) error {
	batch := &pgx.Batch{}
	for _, event := range events {
		details, err := json.Marshal(event.Details)
		if err != nil {
			return fmt.Errorf("audit_details_encode_failed: %w: %w", ErrRejected, err)
		}
		batch.Queue(insertEventQuery,
			event.ID,
			event.Timestamp,
			string(event.Type),
			string(event.Category),
			string(event.Severity),
			pointer.NilIfZero(event.UserID),
			pointer.NilIfZero(event.Resource),
			pointer.NilIfZero(event.Action),
			string(event.Result),
			details,
			pointer.NilIfZero(event.IPAddress),
			pointer.NilIfZero(event.UserAgent),
			pointer.NilIfZero(event.RequestID),
			pointer.NilIfZero(event.SessionID),
		)
	}

	results := sink.pool.SendBatch(ctx, batch)
	for range events {
		if _, err := results.Exec(); err != nil {
			_ = results.Close()
			return insertFailed(err)
		}
	}
	if err := results.Close(); err != nil {
		return insertFailed(err)
	}
	return nil
}

// insertFailed marks errors that a retry cannot fix as rejected.
func insertFailed(err error) error {
	if dberr.IsTransient(err) {
		return fmt.Errorf("postgres_audit_insert_failed: %w", err)
	}
	return fmt.Errorf("postgres_audit_insert_failed: %w: %w", ErrRejected, err)
}
