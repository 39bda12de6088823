// Copyright (c) 2026 Yomira. All rights reserved.
// Author: tai.buivan.jp@gmail.com

/*
Package audit records security events for the gateway.

Events are built from an [Entry], redacted, classified and buffered. A
background loop ([Logger.Run]) flushes the buffer to a durable [Sink] on a
timer or when the buffer fills. Critical events are additionally written
synchronously to a high-priority sink so they survive a durable-sink outage.
*/
package audit

import "time"

// # Event Taxonomy

// EventType names what happened.
type EventType string

const (
	EventAccessGranted      EventType = "ACCESS_GRANTED"
	EventAuthSuccess        EventType = "AUTH_SUCCESS"
	EventAuthFailed         EventType = "AUTH_FAILED"
	EventTokenRefreshed     EventType = "TOKEN_REFRESHED"
	EventTokenRevoked       EventType = "TOKEN_REVOKED"
	EventLogout             EventType = "LOGOUT"
	EventSessionCreated     EventType = "SESSION_CREATED"
	EventSessionEvicted     EventType = "SESSION_EVICTED"
	EventSessionInvalidated EventType = "SESSION_INVALIDATED"
	EventRateLimitExceeded  EventType = "RATE_LIMIT_EXCEEDED"
	EventAdminOperation     EventType = "ADMIN_OPERATION"
	EventResourceDeleted    EventType = "RESOURCE_DELETED"
	EventSecurityViolation  EventType = "SECURITY_VIOLATION"
)

var knownTypes = map[EventType]struct{}{
	EventAccessGranted: {}, EventAuthSuccess: {}, EventAuthFailed: {},
	EventTokenRefreshed: {}, EventTokenRevoked: {}, EventLogout: {},
	EventSessionCreated: {}, EventSessionEvicted: {}, EventSessionInvalidated: {},
	EventRateLimitExceeded: {}, EventAdminOperation: {}, EventResourceDeleted: {},
	EventSecurityViolation: {},
}

// Known reports whether the type is part of the taxonomy.
func (t EventType) Known() bool {
	_, ok := knownTypes[t]
	return ok
}

// Category groups event types for querying.
type Category string

const (
	CategoryAuthentication Category = "authentication"
	CategoryAuthorization  Category = "authorization"
	CategorySession        Category = "session"
	CategoryRateLimit      Category = "rate_limit"
	CategoryAdmin          Category = "admin"
	CategoryData           Category = "data"
	CategorySecurity       Category = "security"
)

// Severity drives routing: critical events also go to the high-priority sink.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Result is the outcome recorded with an event.
type Result string

const (
	ResultSuccess Result = "success"
	ResultFailure Result = "failure"
	ResultDenied  Result = "denied"
)

// Classify returns the category and severity of an event type.
func Classify(eventType EventType) (Category, Severity) {
	switch eventType {
	case EventAuthFailed:
		return CategoryAuthentication, SeverityCritical
	case EventAdminOperation:
		return CategoryAdmin, SeverityCritical
	case EventResourceDeleted:
		return CategoryData, SeverityCritical
	case EventSecurityViolation:
		return CategorySecurity, SeverityCritical
	case EventTokenRevoked:
		return CategoryAuthentication, SeverityCritical
	case EventRateLimitExceeded:
		return CategoryRateLimit, SeverityWarning
	case EventSessionEvicted, EventSessionInvalidated:
		return CategorySession, SeverityWarning
	case EventSessionCreated, EventLogout:
		return CategorySession, SeverityInfo
	case EventAccessGranted:
		return CategoryAuthorization, SeverityInfo
	default:
		return CategoryAuthentication, SeverityInfo
	}
}

// # Records

// Entry is what callers provide; the logger fills in the rest.
type Entry struct {
	Type      EventType
	UserID    string
	Resource  string
	Action    string
	Result    Result
	Details   map[string]any
	IPAddress string
	UserAgent string
	RequestID string
	SessionID string
}

// Event is the append-only audit record.
type Event struct {
	ID        string         `json:"id"`
	Timestamp time.Time      `json:"timestamp"`
	Type      EventType      `json:"event_type"`
	Category  Category       `json:"category"`
	Severity  Severity       `json:"severity"`
	UserID    string         `json:"user_id,omitempty"`
	Resource  string         `json:"resource,omitempty"`
	Action    string         `json:"action,omitempty"`
	Result    Result         `json:"result"`
	Details   map[string]any `json:"details,omitempty"`
	IPAddress string         `json:"ip_address,omitempty"`
	UserAgent string         `json:"user_agent,omitempty"`
	RequestID string         `json:"request_id,omitempty"`
	SessionID string         `json:"session_id,omitempty"`
}
