// Copyright (c) 2026 Yomira. All rights reserved.
// Author: tai.buivan.jp@gmail.com

/*
Package admin exposes operator actions on other accounts' credentials.

Every route is a critical path behind the gateway and additionally requires
the admin role.
*/
package admin

import (
	"context"
	"fmt"
	"time"

	"github.com/taibuivan/aegis/internal/audit"
	"github.com/taibuivan/aegis/internal/platform/apperr"
	"github.com/taibuivan/aegis/pkg/pagination"
)

// SessionRevoker ends sessions on behalf of an operator.
type SessionRevoker interface {
	InvalidateAll(ctx context.Context, userID string) (int, error)
}

// TokenRevoker blacklists token ids.
type TokenRevoker interface {
	Revoke(ctx context.Context, tokenID string, until time.Time) error
}

// AuditRecorder accepts security events without blocking.
type AuditRecorder interface {
	Log(ctx context.Context, entry audit.Entry) audit.Event
}

// AuditReader searches the durable audit trail.
type AuditReader interface {
	Search(ctx context.Context, filter audit.Filter, page pagination.Params) ([]audit.Event, int, error)
}

// Actor identifies the operator and request behind an action.
type Actor struct {
	UserID    string
	SessionID string
	IPAddress string
	UserAgent string
	RequestID string
}

// Service implements the admin use cases.
type Service struct {
	sessions   SessionRevoker
	revocation TokenRevoker
	audit      AuditRecorder
	trail      AuditReader

	// maxTokenLifetime bounds revocations without an explicit expiry.
	maxTokenLifetime time.Duration
	now              func() time.Time
}

// Option customizes a [Service].
type Option func(*Service)

// WithAuditReader enables audit trail search.
func WithAuditReader(reader AuditReader) Option {
	return func(service *Service) {
		service.trail = reader
	}
}

// NewService constructs a new [Service].
func NewService(sessions SessionRevoker, revocation TokenRevoker, recorder AuditRecorder, maxTokenLifetime time.Duration, options ...Option) *Service {
	service := &Service{
		sessions:         sessions,
		revocation:       revocation,
		audit:            recorder,
		maxTokenLifetime: maxTokenLifetime,
		now:              time.Now,
	}
	for _, option := range options {
		option(service)
	}
	return service
}

// InvalidateUserSessions ends every session of the target account.
func (service *Service) InvalidateUserSessions(ctx context.Context, actor Actor, userID string) (int, error) {
	count, err := service.sessions.InvalidateAll(ctx, userID)
	if err != nil {
		return 0, fmt.Errorf("admin_invalidate_sessions_failed: %w", err)
	}

	service.record(ctx, actor, audit.EventSessionInvalidated, "user:"+userID, "invalidate_sessions", map[string]any{
		"target_user_id": userID,
		"sessions":       count,
	})
	return count, nil
}

// RevokeToken blacklists a token id until expiresAt, or for the longest
// token lifetime when expiresAt is zero.
func (service *Service) RevokeToken(ctx context.Context, actor Actor, tokenID string, expiresAt time.Time) error {
	if expiresAt.IsZero() {
		expiresAt = service.now().Add(service.maxTokenLifetime)
	}

	if err := service.revocation.Revoke(ctx, tokenID, expiresAt); err != nil {
		return fmt.Errorf("admin_revoke_token_failed: %w", err)
	}

	service.record(ctx, actor, audit.EventTokenRevoked, "token:"+tokenID, "revoke_token", map[string]any{
		"token_id":   tokenID,
		"expires_at": expiresAt.UTC().Format(time.RFC3339),
	})
	return nil
}

// SearchAudit returns one page of the audit trail.
//
// Reads are not audited here; the gateway records every admin-scope request.
func (service *Service) SearchAudit(ctx context.Context, filter audit.Filter, page pagination.Params) ([]audit.Event, int, error) {
	if service.trail == nil {
		return nil, 0, apperr.ServiceUnavailable(nil)
	}

	events, total, err := service.trail.Search(ctx, filter, page)
	if err != nil {
		return nil, 0, fmt.Errorf("admin_search_audit_failed: %w", err)
	}
	return events, total, nil
}

func (service *Service) record(ctx context.Context, actor Actor, eventType audit.EventType, resource, action string, details map[string]any) {
	service.audit.Log(ctx, audit.Entry{
		Type:      eventType,
		UserID:    actor.UserID,
		Resource:  resource,
		Action:    action,
		Result:    audit.ResultSuccess,
		Details:   details,
		IPAddress: actor.IPAddress,
		UserAgent: actor.UserAgent,
		RequestID: actor.RequestID,
		SessionID: actor.SessionID,
	})
}
