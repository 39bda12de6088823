// Copyright (c) 2026 Yomira. All rights reserved.
// Author: tai.buivan.jp@gmail.com

package admin

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/taibuivan/aegis/internal/audit"
	"github.com/taibuivan/aegis/internal/platform/apperr"
	"github.com/taibuivan/aegis/internal/platform/ctxutil"
	"github.com/taibuivan/aegis/internal/platform/middleware"
	requestutil "github.com/taibuivan/aegis/internal/platform/request"
	"github.com/taibuivan/aegis/internal/platform/respond"
	"github.com/taibuivan/aegis/internal/platform/sec"
	"github.com/taibuivan/aegis/internal/platform/validate"
	"github.com/taibuivan/aegis/pkg/pagination"
	"github.com/taibuivan/aegis/pkg/query"
	"github.com/taibuivan/aegis/pkg/slice"
)

// # Field Identifiers

const (
	FieldUserID    = "id"
	FieldTokenID   = "token_id"
	FieldExpiresAt = "expires_at"
	FieldType      = "type"
	FieldSeverity  = "severity"
	FieldSince     = "since"
	FieldUntil     = "until"
	FieldPage      = "page"
)

// Handler implements the admin HTTP endpoints.
type Handler struct {
	adminService *Service
}

// NewHandler constructs a new [Handler].
func NewHandler(service *Service) *Handler {
	return &Handler{adminService: service}
}

// Routes returns a [chi.Router] configured with admin routes.
//
// # Endpoints
//   - DELETE /users/{id}/sessions : Ends every session of an account.
//   - POST   /tokens/revoke       : Blacklists a token id.
//   - GET    /audit               : Searches the audit trail.
func (handler *Handler) Routes() chi.Router {
	router := chi.NewRouter()
	router.Use(middleware.RequireRole(sec.RoleAdmin))

	router.Delete("/users/{id}/sessions", handler.invalidateUserSessions)
	router.Post("/tokens/revoke", handler.revokeToken)
	router.Get("/audit", handler.searchAudit)

	return router
}

type revokeTokenRequest struct {
	TokenID   string     `json:"token_id"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

func actorFrom(request *http.Request, identity *sec.Identity) Actor {
	return Actor{
		UserID:    identity.UserID,
		SessionID: identity.SessionID,
		IPAddress: ctxutil.GetClientIP(request.Context()),
		UserAgent: request.UserAgent(),
		RequestID: ctxutil.GetRequestID(request.Context()),
	}
}

/*
InvalidateUserSessions ends every session of an account.

DELETE /api/v1/admin/users/{id}/sessions

Response:
  - 200: {"sessions": n}
  - 403: Caller is not an admin
*/
func (handler *Handler) invalidateUserSessions(writer http.ResponseWriter, request *http.Request) {
	identity, err := requestutil.RequiredIdentity(request)
	if err != nil {
		respond.Error(writer, request, err)
		return
	}

	userID := requestutil.Param(request, FieldUserID)
	validator := &validate.Validator{}
	validator.Required(FieldUserID, userID).MaxLen(FieldUserID, userID, 64)
	if err := validator.Err(); err != nil {
		respond.Error(writer, request, err)
		return
	}

	count, err := handler.adminService.InvalidateUserSessions(request.Context(), actorFrom(request, identity), userID)
	if err != nil {
		respond.Error(writer, request, err)
		return
	}

	respond.OK(writer, map[string]int{"sessions": count})
}

/*
RevokeToken blacklists a token id.

POST /api/v1/admin/tokens/revoke

Request:
  - Body: revokeTokenRequest (TokenID, optional ExpiresAt)

Response:
  - 204: Token revoked
*/
func (handler *Handler) revokeToken(writer http.ResponseWriter, request *http.Request) {
	identity, err := requestutil.RequiredIdentity(request)
	if err != nil {
		respond.Error(writer, request, err)
		return
	}

	var input revokeTokenRequest
	if err := requestutil.DecodeJSON(request, &input); err != nil {
		respond.Error(writer, request, validate.ErrInvalidJSON)
		return
	}

	validator := &validate.Validator{}
	validator.Required(FieldTokenID, input.TokenID).UUID(FieldTokenID, input.TokenID)
	if input.ExpiresAt != nil {
		validator.Custom(FieldExpiresAt, input.ExpiresAt.Before(time.Now()), "Must be in the future")
	}
	if err := validator.Err(); err != nil {
		respond.Error(writer, request, err)
		return
	}

	var expiresAt time.Time
	if input.ExpiresAt != nil {
		expiresAt = *input.ExpiresAt
	}

	if err := handler.adminService.RevokeToken(request.Context(), actorFrom(request, identity), input.TokenID, expiresAt); err != nil {
		respond.Error(writer, request, err)
		return
	}

	respond.NoContent(writer)
}

/*
SearchAudit pages through the durable audit trail, newest first.

GET /api/v1/admin/audit?user_id=&session_id=&type=A,B&severity=&since=&until=&page=&limit=

Response:
  - 200: Paginated events
  - 400: Malformed filter or paging parameters
*/
func (handler *Handler) searchAudit(writer http.ResponseWriter, request *http.Request) {
	values := request.URL.Query()
	validator := &validate.Validator{}

	page, err := pagination.Parse(values)
	validator.Custom(FieldPage, err != nil, "Invalid page or limit")

	filter := audit.Filter{
		UserID:    values.Get("user_id"),
		SessionID: values.Get("session_id"),
		Types:     slice.Map(query.List(values, FieldType), func(raw string) audit.EventType { return audit.EventType(raw) }),
		Severity:  audit.Severity(values.Get(FieldSeverity)),
	}
	validator.MaxLen("user_id", filter.UserID, 64).MaxLen("session_id", filter.SessionID, 128)

	unknown := slice.Filter(filter.Types, func(eventType audit.EventType) bool { return !eventType.Known() })
	validator.Custom(FieldType, len(unknown) > 0, "Unknown event type")

	if filter.Severity != "" {
		validator.OneOf(FieldSeverity, string(filter.Severity),
			string(audit.SeverityInfo), string(audit.SeverityWarning), string(audit.SeverityCritical))
	}

	filter.Since = parseTime(validator, FieldSince, values.Get(FieldSince))
	filter.Until = parseTime(validator, FieldUntil, values.Get(FieldUntil))
	if !filter.Since.IsZero() && !filter.Until.IsZero() {
		validator.Custom(FieldUntil, !filter.Until.After(filter.Since), "Must be after since")
	}

	if err := validator.Err(); err != nil {
		respond.Error(writer, request, err)
		return
	}

	events, total, err := handler.adminService.SearchAudit(request.Context(), filter, page)
	if err != nil {
		if apperr.As(err) == nil {
			err = apperr.ServiceUnavailable(err)
		}
		respond.Error(writer, request, err)
		return
	}

	respond.Paginated(writer, events, pagination.NewMeta(page, total))
}

// parseTime reads an optional RFC 3339 timestamp.
func parseTime(validator *validate.Validator, field, raw string) time.Time {
	if raw == "" {
		return time.Time{}
	}
	parsed, err := time.Parse(time.RFC3339, raw)
	validator.Custom(field, err != nil, "Must be an RFC 3339 timestamp")
	return parsed
}
