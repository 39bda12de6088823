// Copyright (c) 2026 Yomira. All rights reserved.
// Author: tai.buivan.jp@gmail.com

package kv_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taibuivan/aegis/internal/platform/kv"
)

// fakeClock is a manually advanced time source shared by tests in this package.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

/*
TestMemoryStore_TTL verifies lazy expiry and Sweep.
*/
func TestMemoryStore_TTL(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	store := kv.NewMemoryStore(kv.WithMemoryClock(clock.Now))

	require.NoError(t, store.Set(ctx, "a", []byte("1"), time.Minute))
	require.NoError(t, store.Set(ctx, "b", []byte("2"), 0))

	value, err := store.Get(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, []byte("1"), value)

	clock.Advance(time.Minute)

	_, err = store.Get(ctx, "a")
	assert.ErrorIs(t, err, kv.ErrNotFound)

	exists, err := store.Exists(ctx, "b")
	require.NoError(t, err)
	assert.True(t, exists)

	require.NoError(t, store.Set(ctx, "c", []byte("3"), time.Second))
	clock.Advance(2 * time.Second)
	assert.Equal(t, 1, store.Sweep(clock.Now()))
	assert.Equal(t, 1, store.Len())
}

/*
TestMemoryStore_CompareAndSwap verifies the three CAS outcomes.
*/
func TestMemoryStore_CompareAndSwap(t *testing.T) {
	ctx := context.Background()
	store := kv.NewMemoryStore()

	_, err := store.CompareAndSwap(ctx, "missing", []byte("x"), []byte("y"), 0)
	assert.ErrorIs(t, err, kv.ErrNotFound)

	require.NoError(t, store.Set(ctx, "k", []byte("v1"), time.Hour))

	swapped, err := store.CompareAndSwap(ctx, "k", []byte("stale"), []byte("v2"), 0)
	require.NoError(t, err)
	assert.False(t, swapped)

	swapped, err = store.CompareAndSwap(ctx, "k", []byte("v1"), []byte("v2"), 0)
	require.NoError(t, err)
	assert.True(t, swapped)

	value, err := store.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("v2"), value)
}

/*
TestMemoryStore_Sets verifies set membership and prefix scans.
*/
func TestMemoryStore_Sets(t *testing.T) {
	ctx := context.Background()
	store := kv.NewMemoryStore()

	require.NoError(t, store.SetAdd(ctx, "idx:u1", "s2", "s1", "s2"))
	members, err := store.SetMembers(ctx, "idx:u1")
	require.NoError(t, err)
	assert.Equal(t, []string{"s1", "s2"}, members)

	require.NoError(t, store.SetRemove(ctx, "idx:u1", "s1", "s2"))
	members, err = store.SetMembers(ctx, "idx:u1")
	require.NoError(t, err)
	assert.Empty(t, members)

	require.NoError(t, store.Set(ctx, "session:a", []byte("{}"), 0))
	require.NoError(t, store.Set(ctx, "session:b", []byte("{}"), 0))
	require.NoError(t, store.Set(ctx, "other", []byte("{}"), 0))

	keys, err := store.Scan(ctx, "session:")
	require.NoError(t, err)
	assert.Equal(t, []string{"session:a", "session:b"}, keys)

	removed, err := store.Delete(ctx, "session:a", "session:missing")
	require.NoError(t, err)
	assert.Equal(t, 1, removed)
}

/*
TestMemoryStore_SlidingWindow verifies admission, rejection and window expiry.
*/
func TestMemoryStore_SlidingWindow(t *testing.T) {
	ctx := context.Background()
	store := kv.NewMemoryStore()
	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	for i := range 5 {
		result, err := store.SlidingWindow(ctx, "w", start.Add(time.Duration(i)*time.Second), time.Minute, 5)
		require.NoError(t, err)
		assert.True(t, result.Allowed)
		assert.Equal(t, i+1, result.Count)
	}

	result, err := store.SlidingWindow(ctx, "w", start.Add(10*time.Second), time.Minute, 5)
	require.NoError(t, err)
	assert.False(t, result.Allowed)
	assert.True(t, result.Oldest.Equal(start))

	// The first entry leaves the window exactly one window after it was recorded.
	result, err = store.SlidingWindow(ctx, "w", start.Add(time.Minute), time.Minute, 5)
	require.NoError(t, err)
	assert.True(t, result.Allowed)
	assert.Equal(t, 5, result.Count)
}

/*
TestMemoryStore_SlidingWindowConcurrent verifies that exactly limit callers are admitted.
*/
func TestMemoryStore_SlidingWindowConcurrent(t *testing.T) {
	ctx := context.Background()
	store := kv.NewMemoryStore()
	now := time.Now()

	const callers, limit = 64, 10
	var admitted atomic.Int32
	var wg sync.WaitGroup
	for range callers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			result, err := store.SlidingWindow(ctx, "hot", now, time.Minute, limit)
			if err == nil && result.Allowed {
				admitted.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(limit), admitted.Load())
}
