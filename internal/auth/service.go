// Copyright (c) 2026 Yomira. All rights reserved.
// Author: tai.buivan.jp@gmail.com

/*
Package auth implements the token lifecycle endpoints: login, refresh
rotation, logout and session management.

# Architecture

The service orchestrates the user repository, the token codec, the session
manager and the revocation store. It knows nothing about HTTP; the handler
in http.go is a thin transport layer on top of it.
*/
package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/taibuivan/aegis/internal/audit"
	"github.com/taibuivan/aegis/internal/platform/apperr"
	"github.com/taibuivan/aegis/internal/platform/constants"
	"github.com/taibuivan/aegis/internal/platform/sec"
	"github.com/taibuivan/aegis/internal/platform/telemetry"
	"github.com/taibuivan/aegis/internal/revocation"
	"github.com/taibuivan/aegis/internal/session"
	"github.com/taibuivan/aegis/internal/users"
)

// AuditRecorder accepts security events without blocking.
type AuditRecorder interface {
	Log(ctx context.Context, entry audit.Entry) audit.Event
}

// Config holds the token and session policy.
type Config struct {
	AccessTokenTTL     time.Duration
	RefreshTokenTTL    time.Duration
	MaxSessionsPerUser int
}

// Service implements the authentication use cases.
//
// # Review Process
//
// This service is critical for security. Any changes to credential checks,
// refresh rotation or revocation must be reviewed by the security team.
type Service struct {
	users      users.Repository
	codec      *sec.TokenCodec
	sessions   *session.Manager
	revocation *revocation.Store
	audit      AuditRecorder
	metrics    *telemetry.Metrics
	config     Config
	logger     *slog.Logger
}

// NewService constructs a new [Service] with its dependencies.
func NewService(
	userRepository users.Repository,
	codec *sec.TokenCodec,
	sessions *session.Manager,
	revocations *revocation.Store,
	recorder AuditRecorder,
	metrics *telemetry.Metrics,
	config Config,
	logger *slog.Logger,
) *Service {
	if config.AccessTokenTTL <= 0 {
		config.AccessTokenTTL = constants.DefaultAccessTokenTTL
	}
	if config.RefreshTokenTTL <= 0 {
		config.RefreshTokenTTL = constants.DefaultRefreshTokenTTL
	}
	if config.MaxSessionsPerUser < 1 {
		config.MaxSessionsPerUser = constants.DefaultMaxSessionsPerUser
	}

	return &Service{
		users:      userRepository,
		codec:      codec,
		sessions:   sessions,
		revocation: revocations,
		audit:      recorder,
		metrics:    metrics,
		config:     config,
		logger:     logger,
	}
}

// # Payloads

// RequestMeta describes the caller of an operation for sessions and audit.
type RequestMeta struct {
	IPAddress string
	UserAgent string
	RequestID string
}

// LoginInput defines credentials for an authentication attempt.
type LoginInput struct {
	Login    string // Email or username
	Password string
	Meta     RequestMeta
}

// TokenPair is returned by login and refresh.
type TokenPair struct {
	AccessToken      string `json:"access_token"`
	RefreshToken     string `json:"refresh_token"`
	TokenType        string `json:"token_type"`
	ExpiresIn        int    `json:"expires_in"`
	RefreshExpiresIn int    `json:"refresh_expires_in"`
	SessionID        string `json:"session_id"`
}

// SessionView is a session as shown to its owner.
type SessionView struct {
	ID           string    `json:"id"`
	CreatedAt    time.Time `json:"created_at"`
	LastActivity time.Time `json:"last_activity"`
	ExpiresAt    time.Time `json:"expires_at"`
	IPAddress    string    `json:"ip_address,omitempty"`
	UserAgent    string    `json:"user_agent,omitempty"`
	Current      bool      `json:"current"`
}

// dummyHash keeps unknown-account logins as slow as wrong-password ones.
var dummyHash = sync.OnceValue(func() string {
	hash, _ := sec.HashPassword("aegis-timing-equalizer")
	return hash
})

// # Use Cases

/*
Login verifies credentials and opens a new session.

# Business Rules
  - Unknown accounts, disabled accounts and wrong passwords all produce the
    same [apperr.InvalidCredentials].
  - The refresh token is bound to the new session; the access token carries
    the session id.
  - Sessions over the per-user limit are evicted, least recently active first.
*/
func (service *Service) Login(ctx context.Context, input LoginInput) (*TokenPair, error) {

	// ── 1. Credentials ────────────────────────────────────────────────────
	user, err := service.users.FindByLogin(ctx, input.Login)
	switch {
	case errors.Is(err, users.ErrUserNotFound):
		sec.CheckPasswordHash(input.Password, dummyHash())
		return nil, service.loginFailed(ctx, "", "unknown_account", input.Meta)
	case err != nil:
		return nil, apperr.ServiceUnavailable(fmt.Errorf("auth_service_lookup_failed: %w", err))
	}

	if !sec.CheckPasswordHash(input.Password, user.PasswordHash) {
		return nil, service.loginFailed(ctx, user.ID, "wrong_password", input.Meta)
	}
	if !user.IsActive {
		return nil, service.loginFailed(ctx, user.ID, "inactive_account", input.Meta)
	}

	// ── 2. Session ────────────────────────────────────────────────────────
	refreshID := uuid.NewString()
	sessionID, err := service.sessions.Create(ctx, user.ID, refreshID, map[string]string{
		session.MetaIP:          input.Meta.IPAddress,
		session.MetaUserAgent:   input.Meta.UserAgent,
		session.MetaLoginMethod: "password",
	})
	if err != nil {
		return nil, fmt.Errorf("auth_service_session_failed: %w", err)
	}

	// ── 3. Tokens ─────────────────────────────────────────────────────────
	pair, err := service.issuePair(user, sessionID, refreshID)
	if err != nil {
		return nil, err
	}

	// ── 4. Session limit ──────────────────────────────────────────────────
	evicted, err := service.sessions.EnforceLimit(ctx, user.ID, service.config.MaxSessionsPerUser)
	if err != nil {
		service.logger.WarnContext(ctx, "auth_session_limit_failed",
			slog.String("user_id", user.ID),
			slog.Any("error", err),
		)
	}
	if evicted > 0 {
		service.metrics.RecordSessionsEvicted(ctx, evicted)
		service.record(ctx, audit.EventSessionEvicted, user.ID, sessionID, input.Meta, map[string]any{
			"evicted": evicted,
			"limit":   service.config.MaxSessionsPerUser,
		})
	}

	service.record(ctx, audit.EventSessionCreated, user.ID, sessionID, input.Meta, nil)
	service.record(ctx, audit.EventAuthSuccess, user.ID, sessionID, input.Meta, map[string]any{
		"login_method": "password",
	})

	return pair, nil
}

func (service *Service) loginFailed(ctx context.Context, userID, reason string, meta RequestMeta) error {
	service.audit.Log(ctx, audit.Entry{
		Type:      audit.EventAuthFailed,
		UserID:    userID,
		Action:    "login",
		Result:    audit.ResultFailure,
		Details:   map[string]any{"reason": reason},
		IPAddress: meta.IPAddress,
		UserAgent: meta.UserAgent,
		RequestID: meta.RequestID,
	})
	return apperr.InvalidCredentials(errors.New(reason))
}

/*
Refresh rotates a refresh token.

# Business Rules
  - Only unrevoked refresh tokens bound to a live session are accepted.
  - A refresh token that is valid but no longer bound to its session has
    already been rotated: the session is invalidated as a precaution.
  - The presented refresh token is revoked and the session rebound to the
    new one.
*/
func (service *Service) Refresh(ctx context.Context, raw string, meta RequestMeta) (*TokenPair, error) {

	// ── 1. Token ──────────────────────────────────────────────────────────
	claims, err := service.codec.VerifyType(raw, sec.TokenRefresh)
	if err != nil {
		return nil, apperr.InvalidCredentials(err)
	}

	revoked, err := service.revocation.IsRevoked(ctx, claims.ID)
	if err != nil {
		return nil, apperr.ServiceUnavailable(err)
	}
	if revoked {
		return nil, apperr.InvalidCredentials(errors.New("refresh_token_revoked"))
	}

	// ── 2. Session binding ────────────────────────────────────────────────
	record, err := service.sessions.Get(ctx, claims.SessionID)
	if errors.Is(err, session.ErrSessionNotFound) {
		return nil, apperr.InvalidCredentials(err)
	}
	if err != nil {
		return nil, fmt.Errorf("auth_service_session_lookup_failed: %w", err)
	}

	if record.UserID != claims.Subject || record.TokenRef != claims.ID {
		return nil, service.refreshReused(ctx, claims.Subject, record.ID, meta)
	}

	// ── 3. Account ────────────────────────────────────────────────────────
	user, err := service.users.FindByID(ctx, claims.Subject)
	if errors.Is(err, users.ErrUserNotFound) || (err == nil && !user.IsActive) {
		if _, err := service.sessions.InvalidateAll(ctx, claims.Subject); err != nil {
			service.logger.ErrorContext(ctx, "auth_invalidate_all_failed", slog.Any("error", err))
		}
		return nil, apperr.InvalidCredentials(errors.New("inactive_account"))
	}
	if err != nil {
		return nil, apperr.ServiceUnavailable(err)
	}

	// ── 4. Rotation ───────────────────────────────────────────────────────
	refreshID := uuid.NewString()
	err = service.sessions.BindToken(ctx, record.ID, claims.ID, refreshID)
	switch {
	case errors.Is(err, session.ErrTokenMismatch):
		// Another request rotated this refresh token first.
		return nil, service.refreshReused(ctx, claims.Subject, record.ID, meta)
	case errors.Is(err, session.ErrSessionNotFound):
		return nil, apperr.InvalidCredentials(err)
	case errors.Is(err, session.ErrContended):
		return nil, apperr.ServiceUnavailable(err)
	case err != nil:
		return nil, fmt.Errorf("auth_service_rebind_failed: %w", err)
	}
	if err := service.revocation.Revoke(ctx, claims.ID, claims.ExpiresAt.Time); err != nil {
		return nil, fmt.Errorf("auth_service_revoke_failed: %w", err)
	}

	pair, err := service.issuePair(user, record.ID, refreshID)
	if err != nil {
		return nil, err
	}

	service.record(ctx, audit.EventTokenRefreshed, user.ID, record.ID, meta, nil)
	return pair, nil
}

// refreshReused ends a session whose refresh token was presented after rotation.
func (service *Service) refreshReused(ctx context.Context, userID, sessionID string, meta RequestMeta) error {
	if _, err := service.sessions.Invalidate(ctx, sessionID); err != nil {
		service.logger.ErrorContext(ctx, "auth_refresh_reuse_invalidate_failed", slog.Any("error", err))
	}
	service.record(ctx, audit.EventSecurityViolation, userID, sessionID, meta, map[string]any{
		"reason": "refresh_token_reuse",
	})
	return apperr.InvalidCredentials(errors.New("refresh_token_reuse"))
}

// Logout revokes the caller's access token and ends its session.
func (service *Service) Logout(ctx context.Context, identity *sec.Identity, meta RequestMeta) error {
	if err := service.revokeAccess(ctx, identity); err != nil {
		return err
	}

	if identity.SessionID != "" {
		if _, err := service.sessions.Invalidate(ctx, identity.SessionID); err != nil {
			return fmt.Errorf("auth_service_logout_failed: %w", err)
		}
	}

	service.record(ctx, audit.EventLogout, identity.UserID, identity.SessionID, meta, nil)
	return nil
}

// LogoutAll revokes the caller's access token and ends every session of the account.
func (service *Service) LogoutAll(ctx context.Context, identity *sec.Identity, meta RequestMeta) (int, error) {
	if err := service.revokeAccess(ctx, identity); err != nil {
		return 0, err
	}

	count, err := service.sessions.InvalidateAll(ctx, identity.UserID)
	if err != nil {
		return 0, fmt.Errorf("auth_service_logout_all_failed: %w", err)
	}

	service.record(ctx, audit.EventSessionInvalidated, identity.UserID, identity.SessionID, meta, map[string]any{
		"sessions": count,
		"scope":    "all",
	})
	return count, nil
}

func (service *Service) revokeAccess(ctx context.Context, identity *sec.Identity) error {
	if identity.TokenID == "" {
		return nil
	}
	if err := service.revocation.Revoke(ctx, identity.TokenID, identity.ExpiresAt); err != nil {
		return fmt.Errorf("auth_service_revoke_failed: %w", err)
	}
	return nil
}

// Sessions lists the caller's live sessions, newest first.
func (service *Service) Sessions(ctx context.Context, identity *sec.Identity) ([]SessionView, error) {
	records, err := service.sessions.List(ctx, identity.UserID)
	if err != nil {
		return nil, fmt.Errorf("auth_service_list_sessions_failed: %w", err)
	}

	views := make([]SessionView, 0, len(records))
	for _, record := range records {
		views = append(views, SessionView{
			ID:           record.ID,
			CreatedAt:    record.CreatedAt,
			LastActivity: record.LastActivity,
			ExpiresAt:    record.ExpiresAt(),
			IPAddress:    record.Metadata[session.MetaIP],
			UserAgent:    record.Metadata[session.MetaUserAgent],
			Current:      record.ID == identity.SessionID,
		})
	}
	slices.Reverse(views)
	return views, nil
}

// RevokeSession ends one of the caller's own sessions.
func (service *Service) RevokeSession(ctx context.Context, identity *sec.Identity, sessionID string, meta RequestMeta) error {
	record, err := service.sessions.Get(ctx, sessionID)
	if errors.Is(err, session.ErrSessionNotFound) || (err == nil && record.UserID != identity.UserID) {
		return apperr.NotFound("Session")
	}
	if err != nil {
		return fmt.Errorf("auth_service_session_lookup_failed: %w", err)
	}

	if _, err := service.sessions.Invalidate(ctx, sessionID); err != nil {
		return fmt.Errorf("auth_service_revoke_session_failed: %w", err)
	}

	service.record(ctx, audit.EventSessionInvalidated, identity.UserID, sessionID, meta, map[string]any{
		"scope": "single",
	})
	return nil
}

// # Helpers

func (service *Service) issuePair(user *users.User, sessionID, refreshID string) (*TokenPair, error) {
	set := sec.ClaimSet{
		Subject:     user.ID,
		Roles:       user.Roles,
		Permissions: user.Permissions,
		SessionID:   sessionID,
	}

	access, _, err := service.codec.Issue(set, sec.TokenAccess, service.config.AccessTokenTTL)
	if err != nil {
		return nil, fmt.Errorf("auth_service_issue_failed: %w", err)
	}

	set.TokenID = refreshID
	refresh, _, err := service.codec.Issue(set, sec.TokenRefresh, service.config.RefreshTokenTTL)
	if err != nil {
		return nil, fmt.Errorf("auth_service_issue_failed: %w", err)
	}

	return &TokenPair{
		AccessToken:      access,
		RefreshToken:     refresh,
		TokenType:        constants.BearerScheme,
		ExpiresIn:        int(service.config.AccessTokenTTL.Seconds()),
		RefreshExpiresIn: int(service.config.RefreshTokenTTL.Seconds()),
		SessionID:        sessionID,
	}, nil
}

func (service *Service) record(ctx context.Context, eventType audit.EventType, userID, sessionID string, meta RequestMeta, details map[string]any) {
	service.audit.Log(ctx, audit.Entry{
		Type:      eventType,
		UserID:    userID,
		Result:    audit.ResultSuccess,
		Details:   details,
		IPAddress: meta.IPAddress,
		UserAgent: meta.UserAgent,
		RequestID: meta.RequestID,
		SessionID: sessionID,
	})
}
