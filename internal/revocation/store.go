// Copyright (c) 2026 Yomira. All rights reserved.
// Author: tai.buivan.jp@gmail.com

// Package revocation tracks token ids that must be rejected before their
// natural expiry (logout, refresh rotation, administrative revocation).
package revocation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/taibuivan/aegis/internal/platform/constants"
	"github.com/taibuivan/aegis/internal/platform/kv"
)

// Store records revoked token ids in the key/value capability.
//
// Entries outlive the token they revoke (at least [constants.MinRevocationTTL])
// so a revoked token can never become valid again.
type Store struct {
	store kv.Store
	now   func() time.Time
}

// NewStore creates a revocation store over the given key/value capability.
func NewStore(store kv.Store) *Store {
	return &Store{store: store, now: time.Now}
}

func revocationKey(tokenID string) string {
	return constants.RedisPrefixRevoked + tokenID
}

/*
Revoke marks a token id as revoked until the given time.

Parameters:
  - ctx: context.Context
  - tokenID: string (the token's jti claim)
  - until: time.Time (usually the token's exp)

Returns:
  - error: Storage failures
*/
func (s *Store) Revoke(ctx context.Context, tokenID string, until time.Time) error {
	if tokenID == "" {
		return errors.New("revocation: token id is required")
	}

	ttl := max(until.Sub(s.now()), constants.MinRevocationTTL)
	if err := s.store.Set(ctx, revocationKey(tokenID), []byte("1"), ttl); err != nil {
		return fmt.Errorf("revocation_set_failed: %w", err)
	}
	return nil
}

// IsRevoked reports whether the token id has been revoked.
func (s *Store) IsRevoked(ctx context.Context, tokenID string) (bool, error) {
	revoked, err := s.store.Exists(ctx, revocationKey(tokenID))
	if err != nil {
		return false, fmt.Errorf("revocation_lookup_failed: %w", err)
	}
	return revoked, nil
}
