// Copyright (c) 2026 Yomira. All rights reserved.
// Author: tai.buivan.jp@gmail.com

// Package sec provides cryptographic primitives and token management.
//
// # Architecture
//
// This package isolates security-sensitive code (Hashing, JWT Signing) from
// the gateway logic. The [TokenCodec] is a pure function over the input token,
// the trusted secrets and the clock: it never touches storage.
package sec

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// # Token Types

// TokenType distinguishes short-lived access tokens from refresh tokens.
type TokenType string

const (
	TokenAccess  TokenType = "access"
	TokenRefresh TokenType = "refresh"
)

// Valid reports whether t is a known token type.
func (t TokenType) Valid() bool {
	return t == TokenAccess || t == TokenRefresh
}

// # Verification Failures

// Verification failures are typed so callers can branch deterministically.
// None of them is ever shown to a client verbatim.
var (
	ErrMalformedToken = errors.New("sec: malformed token")
	ErrExpiredToken   = errors.New("sec: token expired")
	ErrBadSignature   = errors.New("sec: bad token signature")
	ErrWrongTokenType = errors.New("sec: unexpected token type")

	errUnknownKey = errors.New("sec: unknown signing key")
)

// # Claims

// Claims represents the payload embedded inside a signed token.
//
// Claims are immutable once issued: they are verified, never mutated.
type Claims struct {
	jwt.RegisteredClaims

	// Custom claims are abbreviated to keep the JWT payload small.
	Type        TokenType `json:"typ"`
	Roles       []string  `json:"roles,omitempty"`
	Permissions []string  `json:"perms,omitempty"`
	SessionID   string    `json:"sid,omitempty"`
}

// ClaimSet is the caller-provided part of a token.
type ClaimSet struct {
	Subject     string
	Roles       []string
	Permissions []string
	SessionID   string

	// TokenID is optional; a random UUID is generated when empty.
	TokenID string
}

// ExpiresIn returns the remaining lifetime of the token relative to now.
func (claims *Claims) ExpiresIn(now time.Time) time.Duration {
	if claims.ExpiresAt == nil {
		return 0
	}
	return claims.ExpiresAt.Sub(now)
}

// # Codec

type signingKey struct {
	id     string
	secret []byte
}

// TokenCodec issues and verifies HS256 tokens.
//
// # Rotation
//
// The first secret signs new tokens; every configured secret verifies. Each
// token carries the key id of its signing secret in the "kid" header, so
// retiring a secret only requires dropping it from the list.
type TokenCodec struct {
	keys   []signingKey
	issuer string
	now    func() time.Time
}

// CodecOption customizes a [TokenCodec].
type CodecOption func(*TokenCodec)

// WithClock overrides the time source used for iat/exp and expiry checks.
func WithClock(now func() time.Time) CodecOption {
	return func(codec *TokenCodec) {
		codec.now = now
	}
}

// NewTokenCodec creates a codec trusting the given secrets.
func NewTokenCodec(secrets []string, issuer string, options ...CodecOption) (*TokenCodec, error) {
	if len(secrets) == 0 {
		return nil, errors.New("sec: at least one signing secret is required")
	}

	codec := &TokenCodec{issuer: issuer, now: time.Now}
	for _, secret := range secrets {
		if secret == "" {
			return nil, errors.New("sec: signing secrets must not be empty")
		}
		codec.keys = append(codec.keys, signingKey{id: KeyID(secret), secret: []byte(secret)})
	}

	for _, option := range options {
		option(codec)
	}

	return codec, nil
}

/*
Issue signs a new token of the given type.

Parameters:
  - set: ClaimSet (subject and optional roles/permissions/session)
  - tokenType: TokenType
  - timeToLive: time.Duration (must be positive)

Returns:
  - string: Signed compact JWT
  - *Claims: The exact claims embedded in the token
  - error: Invalid input or signing failures
*/
func (codec *TokenCodec) Issue(set ClaimSet, tokenType TokenType, timeToLive time.Duration) (string, *Claims, error) {
	if set.Subject == "" {
		return "", nil, errors.New("sec: subject is required")
	}
	if !tokenType.Valid() {
		return "", nil, fmt.Errorf("sec: unsupported token type %q", tokenType)
	}
	if timeToLive <= 0 {
		return "", nil, errors.New("sec: token ttl must be positive")
	}

	tokenID := set.TokenID
	if tokenID == "" {
		tokenID = uuid.NewString()
	}

	currentTime := codec.now()
	claims := &Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        tokenID,
			Subject:   set.Subject,
			Issuer:    codec.issuer,
			IssuedAt:  jwt.NewNumericDate(currentTime),
			ExpiresAt: jwt.NewNumericDate(currentTime.Add(timeToLive)),
		},
		Type:        tokenType,
		Roles:       set.Roles,
		Permissions: set.Permissions,
		SessionID:   set.SessionID,
	}

	active := codec.keys[0]
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	token.Header["kid"] = active.id

	signed, err := token.SignedString(active.secret)
	if err != nil {
		return "", nil, fmt.Errorf("sec: failed to sign token: %w", err)
	}

	return signed, claims, nil
}

/*
Verify checks signature, expiry and structure of a token.

Returns one of [ErrMalformedToken], [ErrExpiredToken] or [ErrBadSignature]
on failure; the underlying parser error is wrapped for logging.
*/
func (codec *TokenCodec) Verify(raw string) (*Claims, error) {
	if raw == "" {
		return nil, ErrMalformedToken
	}

	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(codec.issuer),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
		jwt.WithTimeFunc(codec.now),
	)

	claims := &Claims{}
	token, err := parser.ParseWithClaims(raw, claims, codec.keyFor)
	if err != nil {
		return nil, classify(err)
	}
	if !token.Valid {
		return nil, ErrMalformedToken
	}

	// Structural checks the parser does not know about.
	if claims.Subject == "" || claims.ID == "" || !claims.Type.Valid() {
		return nil, ErrMalformedToken
	}

	return claims, nil
}

// VerifyType verifies the token and additionally requires the given type.
func (codec *TokenCodec) VerifyType(raw string, expected TokenType) (*Claims, error) {
	claims, err := codec.Verify(raw)
	if err != nil {
		return nil, err
	}
	if claims.Type != expected {
		return nil, ErrWrongTokenType
	}
	return claims, nil
}

// keyFor resolves the verification secret from the "kid" header.
func (codec *TokenCodec) keyFor(token *jwt.Token) (any, error) {
	kid, _ := token.Header["kid"].(string)
	for _, key := range codec.keys {
		if key.id == kid {
			return key.secret, nil
		}
	}
	return nil, errUnknownKey
}

// classify maps parser errors onto the codec's failure taxonomy.
func classify(err error) error {
	switch {
	case errors.Is(err, jwt.ErrTokenMalformed):
		return fmt.Errorf("%w: %w", ErrMalformedToken, err)
	case errors.Is(err, jwt.ErrTokenSignatureInvalid), errors.Is(err, jwt.ErrTokenUnverifiable):
		return fmt.Errorf("%w: %w", ErrBadSignature, err)
	case errors.Is(err, jwt.ErrTokenExpired):
		return fmt.Errorf("%w: %w", ErrExpiredToken, err)
	default:
		return fmt.Errorf("%w: %w", ErrMalformedToken, err)
	}
}
