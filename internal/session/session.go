// Copyright (c) 2026 Yomira. All rights reserved.
// Author: tai.buivan.jp@gmail.com

/*
Package session manages the lifecycle of server-side login sessions.

A session is created at login, bound to the refresh token issued with it,
touched on every authenticated request, and removed on logout, eviction,
administrative invalidation or idle expiry.

Storage layout (see package kv):

  - auth:session:<id>         JSON record with a TTL equal to the idle lifetime.
  - auth:user_sessions:<uid>  set of session ids owned by the user.

Concurrency:

No lock is held across storage calls. Record updates use compare-and-swap
retries, so concurrent touches never move LastActivity backwards.
*/
package session

import (
	"errors"
	"time"
)

var (
	// ErrSessionNotFound is returned when a session does not exist or has expired.
	ErrSessionNotFound = errors.New("session: not found")

	// ErrTokenMismatch is returned by BindToken when the session is no longer
	// bound to the expected refresh token id.
	ErrTokenMismatch = errors.New("session: bound token changed")

	// ErrContended is returned when every compare-and-swap attempt lost a race.
	ErrContended = errors.New("session: update contended")
)

// Metadata keys recorded at creation.
const (
	MetaIP          = "ip"
	MetaUserAgent   = "user_agent"
	MetaLoginMethod = "login_method"
)

// Session is the persisted server-side record of one login.
type Session struct {
	ID           string            `json:"id"`
	UserID       string            `json:"user_id"`
	TokenRef     string            `json:"token_ref"`
	CreatedAt    time.Time         `json:"created_at"`
	LastActivity time.Time         `json:"last_activity"`
	Metadata     map[string]string `json:"metadata,omitempty"`
	TTL          time.Duration     `json:"ttl"`
}

// ExpiresAt returns the instant the session becomes idle-expired.
func (s *Session) ExpiresAt() time.Time {
	return s.LastActivity.Add(s.TTL)
}

// Expired reports whether the session has been idle for at least its TTL.
func (s *Session) Expired(now time.Time) bool {
	return !now.Before(s.ExpiresAt())
}
