// Copyright (c) 2026 Yomira. All rights reserved.
// Author: tai.buivan.jp@gmail.com

/*
Package stream pushes live session status to WebSocket clients.

Browsers cannot set an Authorization header on a WebSocket handshake, so the
client offers its token as a subprotocol entry ("token.<jwt>") next to the
application protocol. The gateway authenticates the upgrade; this handler
only ever selects the application protocol, so the token is never echoed.
*/
package stream

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/taibuivan/aegis/internal/platform/constants"
	"github.com/taibuivan/aegis/internal/platform/ctxutil"
	"github.com/taibuivan/aegis/internal/platform/sec"
	"github.com/taibuivan/aegis/internal/session"
)

// writeTimeout bounds one push to a slow client.
const writeTimeout = 5 * time.Second

// SessionReader loads session records.
type SessionReader interface {
	Get(ctx context.Context, id string) (*session.Session, error)
}

// RevocationChecker reports blacklisted token ids.
type RevocationChecker interface {
	IsRevoked(ctx context.Context, tokenID string) (bool, error)
}

// Status is one pushed frame.
type Status struct {
	Type           string    `json:"type"`
	UserID         string    `json:"user_id"`
	SessionID      string    `json:"session_id,omitempty"`
	Active         bool      `json:"active"`
	LastActivity   time.Time `json:"last_activity,omitzero"`
	TokenExpiresIn int       `json:"token_expires_in"`
	Reason         string    `json:"reason,omitempty"`
}

// Handler serves the session status stream.
type Handler struct {
	sessions       SessionReader
	revocation     RevocationChecker
	interval       time.Duration
	originPatterns []string
	now            func() time.Time
}

// NewHandler creates the stream endpoint. originPatterns lists extra
// browser origins allowed to connect.
func NewHandler(sessions SessionReader, revocation RevocationChecker, interval time.Duration, originPatterns []string) *Handler {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Handler{
		sessions:       sessions,
		revocation:     revocation,
		interval:       interval,
		originPatterns: originPatterns,
		now:            time.Now,
	}
}

/*
ServeHTTP upgrades the connection and pushes status frames.

GET /api/v1/stream/session

Mount behind middleware.RequireAuth: the handler expects an authenticated
identity in the request context.

The stream ends when the client disconnects, the access token expires or is
revoked, or the session disappears.
*/
func (handler *Handler) ServeHTTP(writer http.ResponseWriter, request *http.Request) {
	logger := ctxutil.GetLogger(request.Context())
	identity := ctxutil.GetIdentity(request.Context())

	conn, err := websocket.Accept(writer, request, &websocket.AcceptOptions{
		Subprotocols:   []string{constants.WebSocketSubprotocol},
		OriginPatterns: handler.originPatterns,
	})
	if err != nil {
		logger.Info("stream_accept_failed", slog.Any("error", err))
		return
	}
	defer conn.CloseNow()

	if conn.Subprotocol() != constants.WebSocketSubprotocol {
		_ = conn.Close(websocket.StatusPolicyViolation, "unsupported subprotocol")
		return
	}

	// Detach from the server's request deadline; the stream outlives it.
	ctx := conn.CloseRead(context.WithoutCancel(request.Context()))

	code, reason := handler.pump(ctx, conn, identity)
	if ctx.Err() == nil {
		_ = conn.Close(code, reason)
	}
	logger.Info("stream_closed",
		slog.String("user_id", identity.UserID),
		slog.String("reason", reason),
	)
}

// pump pushes a frame per tick until a terminal condition is reached.
func (handler *Handler) pump(ctx context.Context, conn *websocket.Conn, identity *sec.Identity) (websocket.StatusCode, string) {
	ticker := time.NewTicker(handler.interval)
	defer ticker.Stop()

	expiry := time.NewTimer(max(identity.ExpiresAt.Sub(handler.now()), 0))
	defer expiry.Stop()

	for {
		status := handler.status(ctx, identity)
		if err := handler.write(ctx, conn, status); err != nil {
			return websocket.StatusGoingAway, "write_failed"
		}
		if !status.Active {
			return websocket.StatusPolicyViolation, status.Reason
		}

		select {
		case <-ctx.Done():
			return websocket.StatusNormalClosure, "client_closed"
		case <-expiry.C:
			_ = handler.write(ctx, conn, Status{Type: "closing", UserID: identity.UserID, Reason: "token_expired"})
			return websocket.StatusPolicyViolation, "token_expired"
		case <-ticker.C:
		}
	}
}

// status evaluates whether the connection may stay open.
func (handler *Handler) status(ctx context.Context, identity *sec.Identity) Status {
	status := Status{
		Type:           "status",
		UserID:         identity.UserID,
		SessionID:      identity.SessionID,
		Active:         true,
		TokenExpiresIn: max(int(identity.ExpiresAt.Sub(handler.now()).Seconds()), 0),
	}

	revoked, err := handler.revocation.IsRevoked(ctx, identity.TokenID)
	if err == nil && revoked {
		status.Active = false
		status.Reason = "token_revoked"
		return status
	}

	if identity.SessionID == "" {
		return status
	}
	record, err := handler.sessions.Get(ctx, identity.SessionID)
	switch {
	case errors.Is(err, session.ErrSessionNotFound):
		status.Active = false
		status.Reason = "session_ended"
	case err == nil:
		status.LastActivity = record.LastActivity
	}
	return status
}

func (handler *Handler) write(ctx context.Context, conn *websocket.Conn, status Status) error {
	writeCtx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return wsjson.Write(writeCtx, conn, status)
}
