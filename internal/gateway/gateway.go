// Copyright (c) 2026 Yomira. All rights reserved.
// Author: tai.buivan.jp@gmail.com

/*
Package gateway is the single security checkpoint every request passes
through.

Per request it runs a fixed pipeline:

 1. Classify the path (exempt, public, critical, protected).
 2. Extract the token (Authorization, X-Auth-Token, WebSocket subprotocol).
 3. Verify it as an access token.
 4. Reject revoked token ids.
 5. Confirm the account still exists and is active.
 6. Touch the bound session.
 7. Attach the identity to the request context.
 8. Check the rate limit.
 9. Advise a refresh when the token is close to expiry.
 10. Forward with security headers, then audit the outcome.

Every authentication failure produces the same opaque 401. Internal faults
(revocation or user lookup unavailable) produce 503; a failing rate-limit
store admits the request.
*/
package gateway

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	chimw "github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/taibuivan/aegis/internal/audit"
	"github.com/taibuivan/aegis/internal/platform/apperr"
	"github.com/taibuivan/aegis/internal/platform/constants"
	"github.com/taibuivan/aegis/internal/platform/ctxutil"
	"github.com/taibuivan/aegis/internal/platform/middleware"
	"github.com/taibuivan/aegis/internal/platform/respond"
	"github.com/taibuivan/aegis/internal/platform/sec"
	"github.com/taibuivan/aegis/internal/platform/telemetry"
	"github.com/taibuivan/aegis/internal/ratelimit"
	"github.com/taibuivan/aegis/internal/users"
)

// # Collaborators

// TokenVerifier validates signed tokens.
type TokenVerifier interface {
	VerifyType(raw string, expected sec.TokenType) (*sec.Claims, error)
}

// RevocationChecker reports blacklisted token ids.
type RevocationChecker interface {
	IsRevoked(ctx context.Context, tokenID string) (bool, error)
}

// UserLookup resolves the account behind a token subject.
type UserLookup interface {
	FindByID(ctx context.Context, id string) (*users.User, error)
}

// SessionTracker records activity on bound sessions.
type SessionTracker interface {
	Touch(ctx context.Context, id string) (bool, error)
	InvalidateAll(ctx context.Context, userID string) (int, error)
}

// RateChecker admits or rejects a request against its window.
type RateChecker interface {
	Check(ctx context.Context, request ratelimit.Request) (ratelimit.Decision, error)
}

// AuditRecorder accepts security events without blocking.
type AuditRecorder interface {
	Log(ctx context.Context, entry audit.Entry) audit.Event
}

// Dependencies groups the gateway collaborators.
type Dependencies struct {
	Tokens     TokenVerifier
	Revocation RevocationChecker
	Users      UserLookup
	Sessions   SessionTracker
	Limiter    RateChecker
	Audit      AuditRecorder
	Metrics    *telemetry.Metrics
}

// Config holds the gateway policy.
type Config struct {
	// StrictMode requires a token on protected paths. Critical paths
	// always require one.
	StrictMode bool

	PublicPaths   []string
	CriticalPaths []string
	ExemptPaths   []string

	// RefreshThreshold is the remaining lifetime below which a refresh is advised.
	RefreshThreshold time.Duration
}

// # Gateway

// Gateway is the request-security middleware.
type Gateway struct {
	deps       Dependencies
	classifier *Classifier
	strict     bool
	threshold  time.Duration
	now        func() time.Time
}

// Option customizes a [Gateway].
type Option func(*Gateway)

// WithClock overrides the time source used for expiry advice.
func WithClock(now func() time.Time) Option {
	return func(gateway *Gateway) {
		gateway.now = now
	}
}

// New creates the gateway middleware.
func New(deps Dependencies, cfg Config, options ...Option) *Gateway {
	threshold := cfg.RefreshThreshold
	if threshold <= 0 {
		threshold = constants.DefaultRefreshThreshold
	}

	gateway := &Gateway{
		deps:       deps,
		classifier: NewClassifier(cfg.PublicPaths, cfg.CriticalPaths, cfg.ExemptPaths),
		strict:     cfg.StrictMode,
		threshold:  threshold,
		now:        time.Now,
	}
	for _, option := range options {
		option(gateway)
	}
	return gateway
}

// Classify exposes the path classification, mainly for diagnostics.
func (gateway *Gateway) Classify(requestPath string) PathClass {
	return gateway.classifier.Classify(requestPath)
}

// Handler wraps next with the security pipeline.
func (gateway *Gateway) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		gateway.serve(next, writer, request)
	})
}

// attempt carries per-request state through the pipeline.
type attempt struct {
	class    PathClass
	path     string
	ip       string
	claims   *sec.Claims
	identity *sec.Identity
}

func (gateway *Gateway) serve(next http.Handler, writer http.ResponseWriter, request *http.Request) {
	started := time.Now()
	state := &attempt{
		class: gateway.classifier.Classify(request.URL.Path),
		path:  CleanPath(request.URL.Path),
		ip:    ctxutil.GetClientIP(request.Context()),
	}
	if state.ip == "" {
		state.ip = middleware.RealIP(request, false)
	}

	setSecurityHeaders(writer.Header(), request.TLS != nil)

	// ── 1. Exempt paths ───────────────────────────────────────────────────
	if state.class == ClassExempt {
		next.ServeHTTP(writer, request)
		return
	}

	ctx, span := telemetry.Tracer().Start(request.Context(), "gateway.request",
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(
			attribute.String("aegis.path_class", state.class.String()),
			attribute.String("http.request.method", request.Method),
		),
	)
	defer span.End()
	request = request.WithContext(ctx)

	// ── 2. Authentication ─────────────────────────────────────────────────
	outcome := gateway.authenticate(ctx, request, state)
	if outcome.Kind == KindDenied {
		gateway.deny(writer, request, state, outcome, ratelimit.Decision{})
		gateway.finish(ctx, span, outcome, started)
		return
	}

	if state.identity != nil {
		ctx = ctxutil.WithIdentity(ctx, state.identity)
		request = request.WithContext(ctx)
		span.SetAttributes(attribute.String("enduser.id", state.identity.UserID))
	}

	// ── 3. Rate limiting ──────────────────────────────────────────────────
	decision, limited := gateway.limit(ctx, state)
	if limited {
		outcome = denied(ReasonRateLimited, nil)
		gateway.deny(writer, request, state, outcome, decision)
		gateway.finish(ctx, span, outcome, started)
		return
	}
	if !decision.Bypassed && decision.Limit > 0 {
		setRateLimitHeaders(writer.Header(), decision)
	}

	// ── 4. Expiry advice ──────────────────────────────────────────────────
	if state.identity != nil {
		setExpiryHeaders(writer.Header(), state.identity.ExpiresAt.Sub(gateway.now()), gateway.threshold)
	}

	// ── 5. Forward ────────────────────────────────────────────────────────
	wrapped := chimw.NewWrapResponseWriter(writer, request.ProtoMajor)
	next.ServeHTTP(wrapped, request)

	status := wrapped.Status()
	if status == 0 {
		status = http.StatusOK
	}

	gateway.auditForwarded(ctx, request, state, decision, status)
	span.SetAttributes(attribute.Int("http.response.status_code", status))
	gateway.finish(ctx, span, outcome, started)
}

/*
authenticate runs extraction, verification and the account checks.

On success state.claims and state.identity are set. Public paths and
lenient protected paths without a token come back anonymous.
*/
func (gateway *Gateway) authenticate(ctx context.Context, request *http.Request, state *attempt) Outcome {
	if state.class == ClassPublic {
		return anonymous(ReasonPublicPath)
	}

	// 1. Extract
	raw, err := ExtractToken(request)
	if err != nil {
		return denied(ReasonMalformedToken, err)
	}
	if raw == "" {
		if state.class == ClassCritical || gateway.strict {
			return denied(ReasonMissingToken, nil)
		}
		return anonymous(ReasonLenientMode)
	}

	// 2. Verify
	claims, err := gateway.deps.Tokens.VerifyType(raw, sec.TokenAccess)
	if err != nil {
		return denied(reasonForTokenError(err), err)
	}
	state.claims = claims

	// 3. Revocation
	revoked, err := gateway.deps.Revocation.IsRevoked(ctx, claims.ID)
	if err != nil {
		return denied(ReasonRevocationUnavailable, err)
	}
	if revoked {
		return denied(ReasonRevokedToken, nil)
	}

	// 4. Account
	user, err := gateway.deps.Users.FindByID(ctx, claims.Subject)
	switch {
	case errors.Is(err, users.ErrUserNotFound):
		gateway.revokeAccount(ctx, request, state, "account_missing")
		return denied(ReasonInactiveUser, err)
	case err != nil:
		return denied(ReasonUserLookupFailed, err)
	case !user.IsActive:
		gateway.revokeAccount(ctx, request, state, "account_inactive")
		return denied(ReasonInactiveUser, nil)
	}

	// 5. Session
	if claims.SessionID != "" {
		found, err := gateway.deps.Sessions.Touch(ctx, claims.SessionID)
		if err != nil {
			ctxutil.GetLogger(ctx).WarnContext(ctx, "gateway_session_touch_failed",
				slog.String("session_id", claims.SessionID),
				slog.Any("error", err),
			)
		} else if !found {
			return denied(ReasonSessionNotFound, nil)
		}
	}

	state.identity = sec.IdentityFromClaims(claims)
	return allowed()
}

// revokeAccount drops every session of an account that is gone or disabled.
func (gateway *Gateway) revokeAccount(ctx context.Context, request *http.Request, state *attempt, cause string) {
	userID := state.claims.Subject
	count, err := gateway.deps.Sessions.InvalidateAll(ctx, userID)
	if err != nil {
		ctxutil.GetLogger(ctx).ErrorContext(ctx, "gateway_invalidate_sessions_failed",
			slog.String("user_id", userID),
			slog.Any("error", err),
		)
	}

	entry := gateway.entry(request, state, audit.EventSessionInvalidated, audit.ResultSuccess)
	entry.Details = map[string]any{"reason": cause, "sessions": count}
	gateway.deps.Audit.Log(ctx, entry)
}

// limit runs the admission check. A store failure admits the request.
func (gateway *Gateway) limit(ctx context.Context, state *attempt) (ratelimit.Decision, bool) {
	check := ratelimit.Request{
		IP:       state.ip,
		Endpoint: state.path,
		Tier:     ratelimit.TierFor(state.identity),
	}
	if state.identity != nil {
		check.UserID = state.identity.UserID
	}

	decision, err := gateway.deps.Limiter.Check(ctx, check)
	if err != nil {
		ctxutil.GetLogger(ctx).WarnContext(ctx, "gateway_rate_limit_unavailable",
			slog.String("identifier", decision.Identifier),
			slog.Any("error", err),
		)
		return decision, false
	}
	if decision.Allowed {
		return decision, false
	}

	gateway.deps.Metrics.RecordRateLimited(ctx, string(decision.Scope), string(check.Tier))
	return decision, true
}

// deny writes the response for a denial and audits it.
func (gateway *Gateway) deny(writer http.ResponseWriter, request *http.Request, state *attempt, outcome Outcome, decision ratelimit.Decision) {
	ctx := request.Context()
	row := verdictFor(outcome.Reason)

	switch row.Status {
	case http.StatusTooManyRequests:
		writeRateLimited(writer, decision)
	case http.StatusServiceUnavailable:
		respond.Error(writer, request, apperr.ServiceUnavailable(outcome.Cause))
	default:
		respond.Unauthorized(writer)
	}

	ctxutil.GetLogger(ctx).InfoContext(ctx, "gateway_request_denied",
		slog.String("reason", string(outcome.Reason)),
		slog.String("path_class", state.class.String()),
		slog.Int("status", row.Status),
		slog.Any("cause", outcome.Cause),
	)

	entry := gateway.entry(request, state, row.EventType, row.Result)
	entry.Details = map[string]any{
		"reason":     string(outcome.Reason),
		"path_class": state.class.String(),
		"status":     row.Status,
	}
	if row.Status == http.StatusTooManyRequests {
		entry.Details["scope"] = string(decision.Scope)
		entry.Details["limit"] = decision.Limit
		entry.Details["retry_after"] = decision.RetryAfter
	}
	gateway.deps.Audit.Log(ctx, entry)
}

// auditForwarded records the outcome of a request that reached the handler.
// Anonymous reads are not audited.
func (gateway *Gateway) auditForwarded(ctx context.Context, request *http.Request, state *attempt, decision ratelimit.Decision, status int) {
	result := audit.ResultSuccess
	if status >= http.StatusBadRequest {
		result = audit.ResultFailure
	}

	var eventType audit.EventType
	switch {
	case state.identity != nil && decision.Scope == ratelimit.ScopeAdmin:
		eventType = audit.EventAdminOperation
	case request.Method == http.MethodDelete && status < http.StatusBadRequest:
		eventType = audit.EventResourceDeleted
	case state.identity != nil:
		eventType = audit.EventAccessGranted
	default:
		return
	}

	entry := gateway.entry(request, state, eventType, result)
	entry.Details = map[string]any{
		"status":     status,
		"path_class": state.class.String(),
	}
	gateway.deps.Audit.Log(ctx, entry)
}

// entry fills the request-derived fields of an audit entry.
func (gateway *Gateway) entry(request *http.Request, state *attempt, eventType audit.EventType, result audit.Result) audit.Entry {
	entry := audit.Entry{
		Type:      eventType,
		Resource:  state.path,
		Action:    request.Method,
		Result:    result,
		IPAddress: state.ip,
		UserAgent: request.UserAgent(),
		RequestID: ctxutil.GetRequestID(request.Context()),
	}
	if state.claims != nil {
		entry.UserID = state.claims.Subject
		entry.SessionID = state.claims.SessionID
	}
	return entry
}

func (gateway *Gateway) finish(ctx context.Context, span trace.Span, outcome Outcome, started time.Time) {
	span.SetAttributes(
		attribute.String("aegis.outcome", outcome.Kind.String()),
		attribute.String("aegis.reason", string(outcome.Reason)),
	)
	if outcome.Kind == KindDenied {
		span.SetStatus(codes.Error, string(outcome.Reason))
	}
	gateway.deps.Metrics.RecordGatewayDecision(ctx, outcome.Kind.String(), string(outcome.Reason), time.Since(started))
}
