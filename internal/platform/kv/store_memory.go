// Copyright (c) 2026 Yomira. All rights reserved.
// Author: tai.buivan.jp@gmail.com

package kv

import (
	"bytes"
	"context"
	"hash/fnv"
	"slices"
	"strings"
	"sync"
	"time"
)

const shardCount = 32

// entry is one logical key. Exactly one of value, members or window is used.
type entry struct {
	value     []byte
	members   map[string]struct{}
	window    []time.Time
	expiresAt time.Time
}

func (e *entry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && !now.Before(e.expiresAt)
}

type shard struct {
	mu      sync.Mutex
	entries map[string]*entry
}

// MemoryStore is a process-local [Store].
//
// Keys are spread over shards, each guarded by its own mutex, so every key
// has a single writer at a time. Expired keys are dropped lazily on access
// and in bulk by [MemoryStore.Sweep].
type MemoryStore struct {
	shards [shardCount]*shard
	now    func() time.Time
}

// MemoryOption customizes a [MemoryStore].
type MemoryOption func(*MemoryStore)

// WithMemoryClock overrides the time source used for TTL expiry.
func WithMemoryClock(now func() time.Time) MemoryOption {
	return func(store *MemoryStore) {
		store.now = now
	}
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore(options ...MemoryOption) *MemoryStore {
	store := &MemoryStore{now: time.Now}
	for index := range store.shards {
		store.shards[index] = &shard{entries: make(map[string]*entry)}
	}
	for _, option := range options {
		option(store)
	}
	return store
}

func (store *MemoryStore) shardFor(key string) *shard {
	hasher := fnv.New32a()
	_, _ = hasher.Write([]byte(key))
	return store.shards[hasher.Sum32()%shardCount]
}

// lookup returns the live entry for key. The shard lock must be held.
func (store *MemoryStore) lookup(s *shard, key string, now time.Time) (*entry, bool) {
	current, ok := s.entries[key]
	if !ok {
		return nil, false
	}
	if current.expired(now) {
		delete(s.entries, key)
		return nil, false
	}
	return current, true
}

func expiry(now time.Time, ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return now.Add(ttl)
}

// Get implements [Store].
func (store *MemoryStore) Get(_ context.Context, key string) ([]byte, error) {
	s := store.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := store.lookup(s, key, store.now())
	if !ok || current.value == nil {
		return nil, ErrNotFound
	}
	return bytes.Clone(current.value), nil
}

// Set implements [Store].
func (store *MemoryStore) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	s := store.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()

	s.entries[key] = &entry{value: bytes.Clone(value), expiresAt: expiry(store.now(), ttl)}
	return nil
}

// CompareAndSwap implements [Store].
func (store *MemoryStore) CompareAndSwap(_ context.Context, key string, old, value []byte, ttl time.Duration) (bool, error) {
	s := store.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()

	now := store.now()
	current, ok := store.lookup(s, key, now)
	if !ok || current.value == nil {
		return false, ErrNotFound
	}
	if !bytes.Equal(current.value, old) {
		return false, nil
	}

	current.value = bytes.Clone(value)
	if ttl > 0 {
		current.expiresAt = now.Add(ttl)
	}
	return true, nil
}

// Delete implements [Store].
func (store *MemoryStore) Delete(_ context.Context, keys ...string) (int, error) {
	now := store.now()
	removed := 0
	for _, key := range keys {
		s := store.shardFor(key)
		s.mu.Lock()
		if _, ok := store.lookup(s, key, now); ok {
			delete(s.entries, key)
			removed++
		}
		s.mu.Unlock()
	}
	return removed, nil
}

// Expire implements [Store].
func (store *MemoryStore) Expire(_ context.Context, key string, ttl time.Duration) (bool, error) {
	s := store.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()

	now := store.now()
	current, ok := store.lookup(s, key, now)
	if !ok {
		return false, nil
	}
	current.expiresAt = expiry(now, ttl)
	return true, nil
}

// Exists implements [Store].
func (store *MemoryStore) Exists(_ context.Context, key string) (bool, error) {
	s := store.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()

	_, ok := store.lookup(s, key, store.now())
	return ok, nil
}

// SetAdd implements [Store].
func (store *MemoryStore) SetAdd(_ context.Context, key string, members ...string) error {
	s := store.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := store.lookup(s, key, store.now())
	if !ok {
		current = &entry{members: make(map[string]struct{})}
		s.entries[key] = current
	}
	if current.members == nil {
		current.members = make(map[string]struct{})
	}
	for _, member := range members {
		current.members[member] = struct{}{}
	}
	return nil
}

// SetRemove implements [Store].
func (store *MemoryStore) SetRemove(_ context.Context, key string, members ...string) error {
	s := store.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := store.lookup(s, key, store.now())
	if !ok || current.members == nil {
		return nil
	}
	for _, member := range members {
		delete(current.members, member)
	}
	if len(current.members) == 0 {
		delete(s.entries, key)
	}
	return nil
}

// SetMembers implements [Store].
func (store *MemoryStore) SetMembers(_ context.Context, key string) ([]string, error) {
	s := store.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := store.lookup(s, key, store.now())
	if !ok {
		return []string{}, nil
	}
	members := make([]string, 0, len(current.members))
	for member := range current.members {
		members = append(members, member)
	}
	slices.Sort(members)
	return members, nil
}

// Scan implements [Store].
func (store *MemoryStore) Scan(_ context.Context, prefix string) ([]string, error) {
	now := store.now()
	var keys []string
	for _, s := range store.shards {
		s.mu.Lock()
		for key, current := range s.entries {
			if strings.HasPrefix(key, prefix) && !current.expired(now) {
				keys = append(keys, key)
			}
		}
		s.mu.Unlock()
	}
	slices.Sort(keys)
	return keys, nil
}

// SlidingWindow implements [Store].
func (store *MemoryStore) SlidingWindow(_ context.Context, key string, now time.Time, window time.Duration, limit int) (WindowResult, error) {
	s := store.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.entries[key]
	if !ok {
		current = &entry{}
		s.entries[key] = current
	}

	// Evict everything at or before the window start.
	windowStart := now.Add(-window)
	kept := current.window[:0]
	for _, stamp := range current.window {
		if stamp.After(windowStart) {
			kept = append(kept, stamp)
		}
	}
	current.window = kept

	result := WindowResult{Count: len(current.window)}
	if result.Count < limit {
		current.window = append(current.window, now)
		result.Allowed = true
		result.Count++
	}
	if len(current.window) > 0 {
		result.Oldest = current.window[0]
		current.expiresAt = current.window[len(current.window)-1].Add(window)
	} else {
		delete(s.entries, key)
	}

	return result, nil
}

// Ping implements [Store]. Memory is always reachable.
func (store *MemoryStore) Ping(context.Context) error {
	return nil
}

// Sweep drops every expired key and returns how many were removed.
func (store *MemoryStore) Sweep(now time.Time) int {
	removed := 0
	for _, s := range store.shards {
		s.mu.Lock()
		for key, current := range s.entries {
			if current.expired(now) {
				delete(s.entries, key)
				removed++
			}
		}
		s.mu.Unlock()
	}
	return removed
}

// Len returns the number of keys currently held, expired or not.
func (store *MemoryStore) Len() int {
	total := 0
	for _, s := range store.shards {
		s.mu.Lock()
		total += len(s.entries)
		s.mu.Unlock()
	}
	return total
}
