// Copyright (c) 2026 Yomira. All rights reserved.
// Author: tai.buivan.jp@gmail.com

package kv_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taibuivan/aegis/internal/platform/kv"
)

var errConnRefused = errors.New("dial tcp 127.0.0.1:6379: connect: connection refused")

// flakyStore behaves like a memory store until it is switched off.
// rejectWrites fails mutations while Ping still succeeds.
type flakyStore struct {
	*kv.MemoryStore
	down         atomic.Bool
	rejectWrites atomic.Bool
}

func (s *flakyStore) writeErr() error {
	if s.down.Load() || s.rejectWrites.Load() {
		return errConnRefused
	}
	return nil
}

func (s *flakyStore) Get(ctx context.Context, key string) ([]byte, error) {
	if s.down.Load() {
		return nil, errConnRefused
	}
	return s.MemoryStore.Get(ctx, key)
}

func (s *flakyStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := s.writeErr(); err != nil {
		return err
	}
	return s.MemoryStore.Set(ctx, key, value, ttl)
}

func (s *flakyStore) CompareAndSwap(ctx context.Context, key string, old, value []byte, ttl time.Duration) (bool, error) {
	if err := s.writeErr(); err != nil {
		return false, err
	}
	return s.MemoryStore.CompareAndSwap(ctx, key, old, value, ttl)
}

func (s *flakyStore) Delete(ctx context.Context, keys ...string) (int, error) {
	if err := s.writeErr(); err != nil {
		return 0, err
	}
	return s.MemoryStore.Delete(ctx, keys...)
}

func (s *flakyStore) Expire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	if err := s.writeErr(); err != nil {
		return false, err
	}
	return s.MemoryStore.Expire(ctx, key, ttl)
}

func (s *flakyStore) Exists(ctx context.Context, key string) (bool, error) {
	if s.down.Load() {
		return false, errConnRefused
	}
	return s.MemoryStore.Exists(ctx, key)
}

func (s *flakyStore) SetAdd(ctx context.Context, key string, members ...string) error {
	if err := s.writeErr(); err != nil {
		return err
	}
	return s.MemoryStore.SetAdd(ctx, key, members...)
}

func (s *flakyStore) SetRemove(ctx context.Context, key string, members ...string) error {
	if err := s.writeErr(); err != nil {
		return err
	}
	return s.MemoryStore.SetRemove(ctx, key, members...)
}

func (s *flakyStore) SetMembers(ctx context.Context, key string) ([]string, error) {
	if s.down.Load() {
		return nil, errConnRefused
	}
	return s.MemoryStore.SetMembers(ctx, key)
}

func (s *flakyStore) Ping(ctx context.Context) error {
	if s.down.Load() {
		return errConnRefused
	}
	return nil
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

/*
TestFailover_SwitchAndRecover verifies fallback on outage and recovery after a probe.
*/
func TestFailover_SwitchAndRecover(t *testing.T) {
	ctx := context.Background()
	primary := &flakyStore{MemoryStore: kv.NewMemoryStore()}
	fallback := kv.NewMemoryStore()

	var transitions []bool
	store := kv.NewFailover(primary, fallback, discardLogger(),
		kv.WithModeObserver(func(degraded bool) { transitions = append(transitions, degraded) }),
	)

	// Healthy writes land in the primary and are mirrored.
	require.NoError(t, store.Set(ctx, "revoked:1", []byte("1"), time.Hour))
	assert.Equal(t, kv.ModePrimary, store.Mode())
	mirrored, err := fallback.Get(ctx, "revoked:1")
	require.NoError(t, err)
	assert.Equal(t, []byte("1"), mirrored)

	// Outage: the call itself still succeeds via the fallback.
	primary.down.Store(true)
	value, err := store.Get(ctx, "revoked:1")
	require.NoError(t, err)
	assert.Equal(t, []byte("1"), value)
	assert.Equal(t, kv.ModeFallback, store.Mode())

	// A failed health check keeps the fallback.
	store.Probe(ctx)
	assert.True(t, store.Degraded())

	primary.down.Store(false)
	store.Probe(ctx)
	assert.False(t, store.Degraded())
	assert.Equal(t, []bool{true, false}, transitions)
}

/*
TestFailover_NotFoundIsNotOutage verifies that a missing key does not trigger failover.
*/
func TestFailover_NotFoundIsNotOutage(t *testing.T) {
	ctx := context.Background()
	primary := &flakyStore{MemoryStore: kv.NewMemoryStore()}
	store := kv.NewFailover(primary, kv.NewMemoryStore(), discardLogger())

	_, err := store.Get(ctx, "missing")
	assert.ErrorIs(t, err, kv.ErrNotFound)
	assert.False(t, store.Degraded())
}

/*
TestFailover_CancelledContextIsNotOutage verifies that caller cancellation keeps the primary.
*/
func TestFailover_CancelledContextIsNotOutage(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	primary := &flakyStore{MemoryStore: kv.NewMemoryStore()}
	primary.down.Store(true)
	store := kv.NewFailover(primary, kv.NewMemoryStore(), discardLogger())

	_, err := store.Get(ctx, "any")
	assert.Error(t, err)
	assert.False(t, store.Degraded())
}

/*
TestFailover_Run verifies that the probe loop restores the primary and exits on cancel.
*/
func TestFailover_Run(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	primary := &flakyStore{MemoryStore: kv.NewMemoryStore()}
	store := kv.NewFailover(primary, kv.NewMemoryStore(), discardLogger(), kv.WithProbeInterval(5*time.Millisecond))

	primary.down.Store(true)
	_, _ = store.Get(ctx, "k")
	require.True(t, store.Degraded())
	primary.down.Store(false)

	done := make(chan struct{})
	go func() {
		store.Run(ctx)
		close(done)
	}()

	assert.Eventually(t, func() bool { return !store.Degraded() }, time.Second, 5*time.Millisecond)
	cancel()
	<-done
}

/*
TestFailover_ReplaysOutageWrites verifies that a logout performed during an
outage (revocation plus session removal) survives the switch back.
*/
func TestFailover_ReplaysOutageWrites(t *testing.T) {
	ctx := context.Background()
	primary := &flakyStore{MemoryStore: kv.NewMemoryStore()}
	store := kv.NewFailover(primary, kv.NewMemoryStore(), discardLogger())

	require.NoError(t, store.Set(ctx, "auth:session:s1", []byte(`{"id":"s1"}`), time.Hour))
	require.NoError(t, store.SetAdd(ctx, "auth:user_sessions:u1", "s1", "s2"))

	primary.down.Store(true)
	require.NoError(t, store.Set(ctx, "auth:revoked:jti-1", []byte("1"), time.Hour))
	removed, err := store.Delete(ctx, "auth:session:s1")
	require.NoError(t, err)
	assert.Equal(t, 1, removed)
	require.NoError(t, store.SetRemove(ctx, "auth:user_sessions:u1", "s1"))
	require.True(t, store.Degraded())

	primary.down.Store(false)
	store.Probe(ctx)
	require.False(t, store.Degraded())

	revoked, err := store.Exists(ctx, "auth:revoked:jti-1")
	require.NoError(t, err)
	assert.True(t, revoked)

	alive, err := primary.MemoryStore.Exists(ctx, "auth:session:s1")
	require.NoError(t, err)
	assert.False(t, alive)

	members, err := primary.MemoryStore.SetMembers(ctx, "auth:user_sessions:u1")
	require.NoError(t, err)
	assert.Equal(t, []string{"s2"}, members)
}

/*
TestFailover_ReplayFailureStaysDegraded verifies that the primary is not
restored until the journal has been fully applied.
*/
func TestFailover_ReplayFailureStaysDegraded(t *testing.T) {
	ctx := context.Background()
	primary := &flakyStore{MemoryStore: kv.NewMemoryStore()}
	store := kv.NewFailover(primary, kv.NewMemoryStore(), discardLogger())

	primary.down.Store(true)
	require.NoError(t, store.Set(ctx, "auth:revoked:jti-2", []byte("1"), time.Hour))

	// Ping answers but writes still fail.
	primary.down.Store(false)
	primary.rejectWrites.Store(true)
	store.Probe(ctx)
	assert.True(t, store.Degraded())

	primary.rejectWrites.Store(false)
	store.Probe(ctx)
	require.False(t, store.Degraded())

	revoked, err := primary.MemoryStore.Exists(ctx, "auth:revoked:jti-2")
	require.NoError(t, err)
	assert.True(t, revoked)
}

/*
TestFailover_ReplaysSessionSwap verifies that a compare-and-swap taken by the
fallback overwrites the stale primary record.
*/
func TestFailover_ReplaysSessionSwap(t *testing.T) {
	ctx := context.Background()
	primary := &flakyStore{MemoryStore: kv.NewMemoryStore()}
	store := kv.NewFailover(primary, kv.NewMemoryStore(), discardLogger())

	require.NoError(t, store.Set(ctx, "auth:session:s1", []byte("ref-1"), time.Hour))

	primary.down.Store(true)
	swapped, err := store.CompareAndSwap(ctx, "auth:session:s1", []byte("ref-1"), []byte("ref-2"), time.Hour)
	require.NoError(t, err)
	require.True(t, swapped)

	primary.down.Store(false)
	store.Probe(ctx)
	require.False(t, store.Degraded())

	value, err := primary.MemoryStore.Get(ctx, "auth:session:s1")
	require.NoError(t, err)
	assert.Equal(t, []byte("ref-2"), value)
}
