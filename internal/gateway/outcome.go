// Copyright (c) 2026 Yomira. All rights reserved.
// Author: tai.buivan.jp@gmail.com

package gateway

import (
	"errors"
	"net/http"

	"github.com/taibuivan/aegis/internal/audit"
	"github.com/taibuivan/aegis/internal/platform/sec"
)

// # Outcomes

// Kind is the top-level result of the authentication phase.
type Kind int

const (
	// KindAllowed carries a verified identity.
	KindAllowed Kind = iota

	// KindAnonymous lets the request through without an identity.
	KindAnonymous

	// KindDenied terminates the request.
	KindDenied
)

// String returns the kind name used in metrics and spans.
func (kind Kind) String() string {
	switch kind {
	case KindAllowed:
		return "allowed"
	case KindAnonymous:
		return "anonymous"
	default:
		return "denied"
	}
}

// Reason explains an outcome. Clients never see it.
type Reason string

const (
	ReasonNone                  Reason = "none"
	ReasonPublicPath            Reason = "public_path"
	ReasonLenientMode           Reason = "lenient_mode"
	ReasonMissingToken          Reason = "missing_token"
	ReasonMalformedToken        Reason = "malformed_token"
	ReasonExpiredToken          Reason = "expired_token"
	ReasonBadSignature          Reason = "bad_signature"
	ReasonWrongTokenType        Reason = "wrong_token_type"
	ReasonRevokedToken          Reason = "revoked_token"
	ReasonSessionNotFound       Reason = "session_not_found"
	ReasonInactiveUser          Reason = "inactive_user"
	ReasonRateLimited           Reason = "rate_limited"
	ReasonRevocationUnavailable Reason = "revocation_unavailable"
	ReasonUserLookupFailed      Reason = "user_lookup_failed"
)

// Outcome is the tagged result consumed by the decision table.
type Outcome struct {
	Kind   Kind
	Reason Reason
	Cause  error
}

func allowed() Outcome {
	return Outcome{Kind: KindAllowed, Reason: ReasonNone}
}

func anonymous(reason Reason) Outcome {
	return Outcome{Kind: KindAnonymous, Reason: reason}
}

func denied(reason Reason, cause error) Outcome {
	return Outcome{Kind: KindDenied, Reason: reason, Cause: cause}
}

// # Decision Table

// verdict is the response and audit record for a denial reason.
type verdict struct {
	Status    int
	EventType audit.EventType
	Result    audit.Result
}

// denials is the single place that maps a denial onto the wire.
var denials = map[Reason]verdict{
	ReasonMissingToken:          {http.StatusUnauthorized, audit.EventAuthFailed, audit.ResultFailure},
	ReasonMalformedToken:        {http.StatusUnauthorized, audit.EventAuthFailed, audit.ResultFailure},
	ReasonExpiredToken:          {http.StatusUnauthorized, audit.EventAuthFailed, audit.ResultFailure},
	ReasonBadSignature:          {http.StatusUnauthorized, audit.EventAuthFailed, audit.ResultFailure},
	ReasonWrongTokenType:        {http.StatusUnauthorized, audit.EventAuthFailed, audit.ResultFailure},
	ReasonRevokedToken:          {http.StatusUnauthorized, audit.EventAuthFailed, audit.ResultFailure},
	ReasonSessionNotFound:       {http.StatusUnauthorized, audit.EventAuthFailed, audit.ResultFailure},
	ReasonInactiveUser:          {http.StatusUnauthorized, audit.EventAuthFailed, audit.ResultDenied},
	ReasonRateLimited:           {http.StatusTooManyRequests, audit.EventRateLimitExceeded, audit.ResultDenied},
	ReasonRevocationUnavailable: {http.StatusServiceUnavailable, audit.EventAuthFailed, audit.ResultFailure},
	ReasonUserLookupFailed:      {http.StatusServiceUnavailable, audit.EventAuthFailed, audit.ResultFailure},
}

// verdictFor returns the table row for reason; unknown reasons fail closed.
func verdictFor(reason Reason) verdict {
	if row, ok := denials[reason]; ok {
		return row
	}
	return verdict{http.StatusUnauthorized, audit.EventAuthFailed, audit.ResultFailure}
}

// reasonForTokenError classifies a codec failure.
func reasonForTokenError(err error) Reason {
	switch {
	case errors.Is(err, sec.ErrExpiredToken):
		return ReasonExpiredToken
	case errors.Is(err, sec.ErrBadSignature):
		return ReasonBadSignature
	case errors.Is(err, sec.ErrWrongTokenType):
		return ReasonWrongTokenType
	default:
		return ReasonMalformedToken
	}
}
