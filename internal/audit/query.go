// Copyright (c) 2026 Yomira. All rights reserved.
// Author: tai.buivan.jp@gmail.com

package audit

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/taibuivan/aegis/internal/platform/database/schema"
	"github.com/taibuivan/aegis/pkg/pagination"
	"github.com/taibuivan/aegis/pkg/pointer"
)

// # Audit Search

// Filter narrows an audit search. Zero fields match everything.
type Filter struct {
	UserID    string
	SessionID string
	Types     []EventType
	Severity  Severity
	Since     time.Time
	Until     time.Time
}

// Querier is the subset of pgxpool.Pool used by [PostgresReader].
type Querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresReader searches the audit.event table.
type PostgresReader struct {
	pool Querier
}

// NewPostgresReader creates a reader over the durable audit trail.
func NewPostgresReader(pool Querier) *PostgresReader {
	return &PostgresReader{pool: pool}
}

// where renders the filter as a WHERE clause and its bind arguments.
func (filter Filter) where() (string, []any) {
	table := schema.AuditEvent
	var (
		conditions []string
		args       []any
	)
	add := func(format string, value any) {
		args = append(args, value)
		conditions = append(conditions, fmt.Sprintf(format, "$"+strconv.Itoa(len(args))))
	}

	if filter.UserID != "" {
		add(table.UserID+" = %s", filter.UserID)
	}
	if filter.SessionID != "" {
		add(table.SessionID+" = %s", filter.SessionID)
	}
	if len(filter.Types) > 0 {
		types := make([]string, len(filter.Types))
		for index, eventType := range filter.Types {
			types[index] = string(eventType)
		}
		add(table.EventType+" = ANY(%s)", types)
	}
	if filter.Severity != "" {
		add(table.Severity+" = %s", string(filter.Severity))
	}
	if !filter.Since.IsZero() {
		add(table.OccurredAt+" >= %s", filter.Since)
	}
	if !filter.Until.IsZero() {
		add(table.OccurredAt+" < %s", filter.Until)
	}

	if len(conditions) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conditions, " AND "), args
}

/*
Search returns one page of events, newest first, and the total match count.

Parameters:
  - ctx: context.Context
  - filter: Filter
  - page: pagination.Params

Returns:
  - []Event: Events on the requested page
  - int: Number of events matching the filter
  - error: Database errors
*/
func (reader *PostgresReader) Search(ctx context.Context, filter Filter, page pagination.Params) ([]Event, int, error) {
	table := schema.AuditEvent
	where, args := filter.where()

	var total int
	countQuery := "SELECT count(*) FROM " + table.Table + where
	if err := reader.pool.QueryRow(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("postgres_audit_count_failed: %w", err)
	}
	if total == 0 || page.Offset() >= total {
		return []Event{}, total, nil
	}

	limitAt := len(args) + 1
	selectQuery := fmt.Sprintf(`
	SELECT %s
	FROM %s%s
	ORDER BY %s DESC, %s DESC
	LIMIT $%d OFFSET $%d`,
		strings.Join(table.Columns(), ", "), table.Table, where,
		table.OccurredAt, table.ID, limitAt, limitAt+1,
	)

	rows, err := reader.pool.Query(ctx, selectQuery, append(args, page.Limit, page.Offset())...)
	if err != nil {
		return nil, 0, fmt.Errorf("postgres_audit_search_failed: %w", err)
	}

	events, err := pgx.CollectRows(rows, scanEvent)
	if err != nil {
		return nil, 0, fmt.Errorf("postgres_audit_scan_failed: %w", err)
	}
	return events, total, nil
}

// scanEvent reads one row in [schema.AuditEventTable.Columns] order.
func scanEvent(row pgx.CollectableRow) (Event, error) {
	var (
		event                                 Event
		eventType, category, severity, result string
		userID, resource, action, ipAddress   *string
		userAgent, requestID, sessionID       *string
	)
	err := row.Scan(
		&event.ID,
		&event.Timestamp,
		&eventType,
		&category,
		&severity,
		&userID,
		&resource,
		&action,
		&result,
		&event.Details,
		&ipAddress,
		&userAgent,
		&requestID,
		&sessionID,
	)
	if err != nil {
		return Event{}, err
	}

	event.Type = EventType(eventType)
	event.Category = Category(category)
	event.Severity = Severity(severity)
	event.Result = Result(result)
	event.UserID = pointer.Val(userID)
	event.Resource = pointer.Val(resource)
	event.Action = pointer.Val(action)
	event.IPAddress = pointer.Val(ipAddress)
	event.UserAgent = pointer.Val(userAgent)
	event.RequestID = pointer.Val(requestID)
	event.SessionID = pointer.Val(sessionID)
	return event, nil
}
