// Copyright (c) 2026 Yomira. All rights reserved.
// Author: tai.buivan.jp@gmail.com

package session

import (
	"cmp"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"strings"
	"time"

	"github.com/taibuivan/aegis/internal/platform/constants"
	"github.com/taibuivan/aegis/internal/platform/kv"
	"github.com/taibuivan/aegis/internal/platform/sec"
)

// Manager implements the session operations over a [kv.Store].
type Manager struct {
	store  kv.Store
	ttl    time.Duration
	logger *slog.Logger
	now    func() time.Time
	newID  func() (string, error)
}

// Option customizes a [Manager].
type Option func(*Manager)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(manager *Manager) {
		manager.now = now
	}
}

// WithIDGenerator overrides session id generation.
func WithIDGenerator(generate func() (string, error)) Option {
	return func(manager *Manager) {
		manager.newID = generate
	}
}

// NewManager creates a session manager with the given idle lifetime.
func NewManager(store kv.Store, ttl time.Duration, logger *slog.Logger, options ...Option) *Manager {
	if ttl <= 0 {
		ttl = constants.DefaultSessionTTL
	}

	manager := &Manager{
		store:  store,
		ttl:    ttl,
		logger: logger,
		now:    time.Now,
		newID: func() (string, error) {
			return sec.GenerateSecureToken(constants.SessionIDLength)
		},
	}
	for _, option := range options {
		option(manager)
	}
	return manager
}

// TTL returns the idle lifetime applied to new sessions.
func (manager *Manager) TTL() time.Duration {
	return manager.ttl
}

func sessionKey(id string) string {
	return constants.RedisPrefixSession + id
}

func userIndexKey(userID string) string {
	return constants.RedisPrefixUserSessions + userID
}

// # Lifecycle

/*
Create persists a new session for a user and indexes it.

Parameters:
  - ctx: context.Context
  - userID: string
  - tokenRef: string (id of the refresh token bound to the session)
  - metadata: map[string]string (ip, user_agent, login_method)

Returns:
  - string: The new session id
  - error: Id generation or storage failures
*/
func (manager *Manager) Create(ctx context.Context, userID, tokenRef string, metadata map[string]string) (string, error) {
	if userID == "" {
		return "", errors.New("session: user id is required")
	}

	id, err := manager.newID()
	if err != nil {
		return "", fmt.Errorf("session_id_generation_failed: %w", err)
	}

	now := manager.now()
	record := &Session{
		ID:           id,
		UserID:       userID,
		TokenRef:     tokenRef,
		CreatedAt:    now,
		LastActivity: now,
		Metadata:     maps.Clone(metadata),
		TTL:          manager.ttl,
	}

	encoded, err := json.Marshal(record)
	if err != nil {
		return "", fmt.Errorf("session_encode_failed: %w", err)
	}

	if err := manager.store.Set(ctx, sessionKey(id), encoded, manager.ttl); err != nil {
		return "", fmt.Errorf("session_create_failed: %w", err)
	}

	// The index lives as long as the newest session it references.
	if err := manager.store.SetAdd(ctx, userIndexKey(userID), id); err != nil {
		return "", fmt.Errorf("session_index_failed: %w", err)
	}
	if _, err := manager.store.Expire(ctx, userIndexKey(userID), manager.ttl); err != nil {
		return "", fmt.Errorf("session_index_failed: %w", err)
	}

	return id, nil
}

// Get loads a live session. Expired records are removed and reported as missing.
func (manager *Manager) Get(ctx context.Context, id string) (*Session, error) {
	record, _, err := manager.load(ctx, id)
	if err != nil {
		return nil, err
	}
	return record, nil
}

// load returns the decoded record and its raw encoding for compare-and-swap.
func (manager *Manager) load(ctx context.Context, id string) (*Session, []byte, error) {
	if id == "" {
		return nil, nil, ErrSessionNotFound
	}

	raw, err := manager.store.Get(ctx, sessionKey(id))
	if errors.Is(err, kv.ErrNotFound) {
		return nil, nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, nil, fmt.Errorf("session_get_failed: %w", err)
	}

	record := &Session{}
	if err := json.Unmarshal(raw, record); err != nil {
		manager.logger.Warn("session_record_corrupt", slog.String("session_hash", sec.HashToken(id)[:12]), slog.Any("error", err))
		_, _ = manager.Invalidate(ctx, id)
		return nil, nil, ErrSessionNotFound
	}

	if record.Expired(manager.now()) {
		_, _ = manager.Invalidate(ctx, id)
		return nil, nil, ErrSessionNotFound
	}

	return record, raw, nil
}

// update applies mutate under a compare-and-swap retry loop. mutate runs
// against the freshly loaded record on every attempt; its error aborts the loop.
func (manager *Manager) update(ctx context.Context, id string, mutate func(record *Session, now time.Time) error) error {
	for range constants.SessionTouchAttempts {
		record, raw, err := manager.load(ctx, id)
		if err != nil {
			return err
		}

		now := manager.now()
		if err := mutate(record, now); err != nil {
			return err
		}

		encoded, err := json.Marshal(record)
		if err != nil {
			return fmt.Errorf("session_encode_failed: %w", err)
		}

		swapped, err := manager.store.CompareAndSwap(ctx, sessionKey(id), raw, encoded, record.TTL)
		if errors.Is(err, kv.ErrNotFound) {
			return ErrSessionNotFound
		}
		if err != nil {
			return fmt.Errorf("session_update_failed: %w", err)
		}
		if swapped {
			return nil
		}
	}

	return ErrContended
}

/*
Touch records activity on a session and extends its idle lifetime.

LastActivity never moves backwards: the stored value becomes max(old, now).

Returns:
  - bool: false if the session does not exist
  - error: Storage failures
*/
func (manager *Manager) Touch(ctx context.Context, id string) (bool, error) {
	var userID string
	err := manager.update(ctx, id, func(record *Session, now time.Time) error {
		userID = record.UserID
		if now.After(record.LastActivity) {
			record.LastActivity = now
		}
		return nil
	})
	if errors.Is(err, ErrSessionNotFound) {
		return false, nil
	}
	if errors.Is(err, ErrContended) {
		// Every lost race means another writer just recorded activity.
		manager.logger.Debug("session_touch_contended", slog.Int("attempts", constants.SessionTouchAttempts))
		return true, nil
	}
	if err != nil {
		return false, err
	}

	if userID != "" {
		if _, err := manager.store.Expire(ctx, userIndexKey(userID), manager.ttl); err != nil {
			manager.logger.Warn("session_index_touch_failed", slog.Any("error", err))
		}
	}
	return true, nil
}

/*
BindToken rebinds a session from expectedRef to a newly issued refresh token id.

The check and the write happen in one compare-and-swap, so of several
callers presenting the same expectedRef exactly one succeeds.

Returns:
  - error: ErrTokenMismatch if the session is bound to another token,
    ErrSessionNotFound, ErrContended or storage failures
*/
func (manager *Manager) BindToken(ctx context.Context, id, expectedRef, tokenRef string) error {
	return manager.update(ctx, id, func(record *Session, now time.Time) error {
		if record.TokenRef != expectedRef {
			return ErrTokenMismatch
		}
		record.TokenRef = tokenRef
		if now.After(record.LastActivity) {
			record.LastActivity = now
		}
		return nil
	})
}

// Invalidate removes a session. It reports whether a record was removed.
func (manager *Manager) Invalidate(ctx context.Context, id string) (bool, error) {
	if id == "" {
		return false, nil
	}

	// Resolve the owner first so the index can be pruned.
	raw, err := manager.store.Get(ctx, sessionKey(id))
	if err != nil && !errors.Is(err, kv.ErrNotFound) {
		return false, fmt.Errorf("session_get_failed: %w", err)
	}

	removed, err := manager.store.Delete(ctx, sessionKey(id))
	if err != nil {
		return false, fmt.Errorf("session_delete_failed: %w", err)
	}

	if raw != nil {
		record := &Session{}
		if json.Unmarshal(raw, record) == nil && record.UserID != "" {
			if err := manager.store.SetRemove(ctx, userIndexKey(record.UserID), id); err != nil {
				return removed > 0, fmt.Errorf("session_index_prune_failed: %w", err)
			}
		}
	}

	return removed > 0, nil
}

// # Per-User Operations

// SessionsFor returns the ids of the user's live sessions, pruning stale index entries.
func (manager *Manager) SessionsFor(ctx context.Context, userID string) ([]string, error) {
	live, _, err := manager.pruneIndex(ctx, userID)
	return live, err
}

// pruneIndex splits the user's index into live ids and removes the stale ones.
func (manager *Manager) pruneIndex(ctx context.Context, userID string) ([]string, int, error) {
	members, err := manager.store.SetMembers(ctx, userIndexKey(userID))
	if err != nil {
		return nil, 0, fmt.Errorf("session_index_read_failed: %w", err)
	}

	live := make([]string, 0, len(members))
	var stale []string
	for _, id := range members {
		exists, err := manager.store.Exists(ctx, sessionKey(id))
		if err != nil {
			return nil, 0, fmt.Errorf("session_exists_failed: %w", err)
		}
		if exists {
			live = append(live, id)
		} else {
			stale = append(stale, id)
		}
	}

	if len(stale) > 0 {
		if err := manager.store.SetRemove(ctx, userIndexKey(userID), stale...); err != nil {
			return live, 0, fmt.Errorf("session_index_prune_failed: %w", err)
		}
	}

	return live, len(stale), nil
}

// List returns the user's live session records ordered by creation time.
func (manager *Manager) List(ctx context.Context, userID string) ([]*Session, error) {
	ids, err := manager.SessionsFor(ctx, userID)
	if err != nil {
		return nil, err
	}

	records := make([]*Session, 0, len(ids))
	for _, id := range ids {
		record, err := manager.Get(ctx, id)
		if errors.Is(err, ErrSessionNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		records = append(records, record)
	}

	slices.SortFunc(records, func(a, b *Session) int {
		return cmp.Or(a.CreatedAt.Compare(b.CreatedAt), strings.Compare(a.ID, b.ID))
	})
	return records, nil
}

// InvalidateAll removes every session of a user and returns how many were removed.
func (manager *Manager) InvalidateAll(ctx context.Context, userID string) (int, error) {
	members, err := manager.store.SetMembers(ctx, userIndexKey(userID))
	if err != nil {
		return 0, fmt.Errorf("session_index_read_failed: %w", err)
	}

	keys := make([]string, 0, len(members))
	for _, id := range members {
		keys = append(keys, sessionKey(id))
	}

	removed, err := manager.store.Delete(ctx, keys...)
	if err != nil {
		return 0, fmt.Errorf("session_delete_failed: %w", err)
	}
	if _, err := manager.store.Delete(ctx, userIndexKey(userID)); err != nil {
		return removed, fmt.Errorf("session_index_delete_failed: %w", err)
	}

	return removed, nil
}

/*
EnforceLimit keeps at most limit sessions for a user.

The least recently active sessions are evicted first.

Returns:
  - int: Number of evicted sessions
  - error: Storage failures
*/
func (manager *Manager) EnforceLimit(ctx context.Context, userID string, limit int) (int, error) {
	if limit < 1 {
		return 0, fmt.Errorf("session: limit must be positive, got %d", limit)
	}

	records, err := manager.List(ctx, userID)
	if err != nil {
		return 0, err
	}

	excess := len(records) - limit
	if excess <= 0 {
		return 0, nil
	}

	slices.SortFunc(records, func(a, b *Session) int {
		return cmp.Or(
			a.LastActivity.Compare(b.LastActivity),
			a.CreatedAt.Compare(b.CreatedAt),
			strings.Compare(a.ID, b.ID),
		)
	})

	evicted := 0
	for _, record := range records[:excess] {
		removed, err := manager.Invalidate(ctx, record.ID)
		if err != nil {
			return evicted, err
		}
		if removed {
			evicted++
		}
	}
	return evicted, nil
}

// # Maintenance

// ReapExpired removes idle-expired sessions and prunes user indexes.
//
// The count covers expired records removed here plus index entries whose
// record the store had already expired on its own.
func (manager *Manager) ReapExpired(ctx context.Context) (int, error) {
	keys, err := manager.store.Scan(ctx, constants.RedisPrefixSession)
	if err != nil {
		return 0, fmt.Errorf("session_scan_failed: %w", err)
	}

	reaped := 0
	now := manager.now()
	for _, key := range keys {
		if ctx.Err() != nil {
			return reaped, ctx.Err()
		}

		raw, err := manager.store.Get(ctx, key)
		if errors.Is(err, kv.ErrNotFound) {
			continue
		}
		if err != nil {
			return reaped, fmt.Errorf("session_get_failed: %w", err)
		}

		record := &Session{}
		if json.Unmarshal(raw, record) == nil && !record.Expired(now) {
			continue
		}

		removed, err := manager.Invalidate(ctx, strings.TrimPrefix(key, constants.RedisPrefixSession))
		if err != nil {
			return reaped, err
		}
		if removed {
			reaped++
		}
	}

	indexes, err := manager.store.Scan(ctx, constants.RedisPrefixUserSessions)
	if err != nil {
		return reaped, fmt.Errorf("session_scan_failed: %w", err)
	}
	for _, index := range indexes {
		_, stale, err := manager.pruneIndex(ctx, strings.TrimPrefix(index, constants.RedisPrefixUserSessions))
		if err != nil {
			return reaped, err
		}
		reaped += stale
	}

	return reaped, nil
}
