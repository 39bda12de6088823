// Copyright (c) 2026 Yomira. All rights reserved.
// Author: tai.buivan.jp@gmail.com

package schema

// AuditEventTable represents the 'audit.event' table
type AuditEventTable struct {
	Table      string
	ID         string
	OccurredAt string
	EventType  string
	Category   string
	Severity   string
	UserID     string
	Resource   string
	Action     string
	Result     string
	Details    string
	IPAddress  string
	UserAgent  string
	RequestID  string
	SessionID  string
}

// AuditEvent is the schema definition for audit.event
var AuditEvent = AuditEventTable{
	Table:      "audit.event",
	ID:         "id",
	OccurredAt: "occurredat",
	EventType:  "eventtype",
	Category:   "category",
	Severity:   "severity",
	UserID:     "userid",
	Resource:   "resource",
	Action:     "action",
	Result:     "result",
	Details:    "details",
	IPAddress:  "ipaddress",
	UserAgent:  "useragent",
	RequestID:  "requestid",
	SessionID:  "sessionid",
}

// Columns returns the insert column list, in bind order.
func (t AuditEventTable) Columns() []string {
	return []string{
		t.ID, t.OccurredAt, t.EventType, t.Category, t.Severity, t.UserID,
		t.Resource, t.Action, t.Result, t.Details, t.IPAddress, t.UserAgent,
		t.RequestID, t.SessionID,
	}
}
