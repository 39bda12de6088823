// Copyright (c) 2026 Yomira. All rights reserved.
// Author: tai.buivan.jp@gmail.com

/*
Package constants provides centralized, immutable values for the entire gateway.

It defines default timeouts, header names, and cache key prefixes that are
shared between different layers of the system.

Categories:

  - Server Timing: Read/Write/Idle timeouts for the HTTP server.
  - Headers: Request and response header names used by the gateway.
  - Security: JWT issuer, token thresholds and session defaults.
  - Cache Taxonomy: Key prefixes for the distributed store.

Using this package ensures Magic Strings and Magic Numbers are eliminated
from the business logic.
*/
package constants

import "time"

// # Metadata

const (
	AppName    = "aegis-gateway"
	AppVersion = "0.3.0"
)

// # Server Timing

const (
	// DefaultReadTimeout is the maximum duration for reading the entire request.
	DefaultReadTimeout = 5 * time.Second

	// DefaultWriteTimeout is the maximum duration before timing out writes of the response.
	DefaultWriteTimeout = 10 * time.Second

	// DefaultIdleTimeout is the maximum amount of time to wait for the next request.
	DefaultIdleTimeout = 120 * time.Second

	// DefaultReadHeaderTimeout is the amount of time allowed to read request headers.
	DefaultReadHeaderTimeout = 2 * time.Second

	// GlobalRequestTimeout is the deadline for the entire request lifecycle.
	GlobalRequestTimeout = 30 * time.Second

	// ShutdownTimeout is how long we wait for in-flight requests to complete during shutdown.
	ShutdownTimeout = 30 * time.Second
)

// # Request Headers

const (
	HeaderXRequestID          = "X-Request-ID"
	HeaderXRealIP             = "X-Real-IP"
	HeaderXForwardedFor       = "X-Forwarded-For"
	HeaderOrigin              = "Origin"
	HeaderAuthorization       = "Authorization"
	HeaderXAuthToken          = "X-Auth-Token"
	HeaderSecWebSocketProto   = "Sec-WebSocket-Protocol"
	HeaderUpgrade             = "Upgrade"
	HeaderWWWAuthenticate     = "WWW-Authenticate"
	HeaderRetryAfter          = "Retry-After"
	HeaderRateLimitLimit      = "X-RateLimit-Limit"
	HeaderRateLimitRemaining  = "X-RateLimit-Remaining"
	HeaderRateLimitReset      = "X-RateLimit-Reset"
	HeaderTokenExpiresIn      = "X-Token-Expires-In"
	HeaderTokenRefreshAdvised = "X-Token-Refresh-Recommended"
)

// # Authentication

const (
	// AuthIssuer is the standard 'iss' claim in JWTs.
	AuthIssuer = "aegis.gateway"

	// BearerScheme is the only accepted spelling of the Authorization scheme.
	BearerScheme = "Bearer"

	// WebSocketTokenPrefix marks the subprotocol entry that carries a token.
	WebSocketTokenPrefix = "token."

	// WebSocketSubprotocol is the application subprotocol negotiated by the stream endpoint.
	WebSocketSubprotocol = "aegis.v1"

	// DefaultAccessTokenTTL keeps leaked access tokens short-lived.
	DefaultAccessTokenTTL = 15 * time.Minute

	// DefaultRefreshTokenTTL matches the default session lifetime.
	DefaultRefreshTokenTTL = 30 * 24 * time.Hour

	// DefaultRefreshThreshold is the remaining lifetime below which clients are told to refresh.
	DefaultRefreshThreshold = 5 * time.Minute

	// SessionIDLength is the byte length of the random session identifier.
	SessionIDLength = 32

	// MinRevocationTTL is the shortest lifetime of a revocation entry.
	MinRevocationTTL = time.Minute
)

// # Sessions

const (
	// DefaultSessionTTL is the idle lifetime of a session record.
	DefaultSessionTTL = 30 * 24 * time.Hour

	// DefaultMaxSessionsPerUser bounds concurrent sessions for one account.
	DefaultMaxSessionsPerUser = 5

	// SessionTouchAttempts bounds the compare-and-swap retry loop on activity updates.
	SessionTouchAttempts = 4
)

// # JSON Field Identifiers

const (
	FieldData    = "data"
	FieldError   = "error"
	FieldCode    = "code"
	FieldMessage = "message"
	FieldStatus  = "status"
	FieldChecks  = "checks"

	FieldRetryAfter = "retry_after"
)

// # Error Messages

const (
	// MessageInvalidCredentials is the only authentication failure text clients ever see.
	MessageInvalidCredentials = "Could not validate credentials"

	// MessageRateLimited is the 429 message.
	MessageRateLimited = "Rate limit exceeded"

	// CodeRateLimited is the machine-readable 429 code.
	CodeRateLimited = "RATE_LIMIT_EXCEEDED"
)

// # Database Schemas

const (
	SchemaUsers = "users"
	SchemaAudit = "audit"
)

// # Redis Prefixes (Cache Taxonomy)

const (
	RedisPrefixSession      = "auth:session:"
	RedisPrefixUserSessions = "auth:user_sessions:"
	RedisPrefixRevoked      = "auth:revoked:"
	RedisPrefixRateLimit    = "ratelimit:"
)
