// Copyright (c) 2026 Yomira. All rights reserved.
// Author: tai.buivan.jp@gmail.com

package ratelimit_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taibuivan/aegis/internal/platform/kv"
	"github.com/taibuivan/aegis/internal/platform/sec"
	"github.com/taibuivan/aegis/internal/ratelimit"
)

func baseConfig() ratelimit.Config {
	return ratelimit.Config{
		Window:        time.Minute,
		Limits:        map[string]int{"anonymous.auth": 5},
		AuthPrefixes:  []string{"/api/v1/auth"},
		AdminPrefixes: []string{"/api/v1/admin"},
	}
}

type stepClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *stepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *stepClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

/*
TestLimiter_SlidingWindow verifies that the sixth request in a 5/60s window
is rejected and that admission resumes once the window has passed.
*/
func TestLimiter_SlidingWindow(t *testing.T) {
	ctx := context.Background()
	clock := &stepClock{now: time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC)}
	limiter, err := ratelimit.NewLimiter(kv.NewMemoryStore(), baseConfig(), ratelimit.WithClock(clock.Now))
	require.NoError(t, err)

	request := ratelimit.Request{IP: "203.0.113.7", Endpoint: "/api/v1/auth/login", Tier: ratelimit.TierAnonymous}

	for i := range 5 {
		decision, err := limiter.Check(ctx, request)
		require.NoError(t, err)
		assert.True(t, decision.Allowed)
		assert.Equal(t, 5, decision.Limit)
		assert.Equal(t, 4-i, decision.Remaining)
		clock.Advance(time.Second)
	}

	decision, err := limiter.Check(ctx, request)
	require.NoError(t, err)
	assert.False(t, decision.Allowed)
	assert.Equal(t, 0, decision.Remaining)
	assert.Equal(t, 55, decision.RetryAfter)
	assert.Equal(t, ratelimit.ScopeAuth, decision.Scope)
	assert.Equal(t, "ip:203.0.113.7", decision.Identifier)

	clock.Advance(time.Minute)
	decision, err = limiter.Check(ctx, request)
	require.NoError(t, err)
	assert.True(t, decision.Allowed)
}

/*
TestLimiter_Concurrent verifies that exactly L of N parallel checks are admitted.
*/
func TestLimiter_Concurrent(t *testing.T) {
	ctx := context.Background()
	cfg := baseConfig()
	cfg.Limits = map[string]int{"authenticated.api": 25}
	limiter, err := ratelimit.NewLimiter(kv.NewMemoryStore(), cfg)
	require.NoError(t, err)

	var admitted atomic.Int32
	var wg sync.WaitGroup
	for range 100 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			decision, err := limiter.Check(ctx, ratelimit.Request{UserID: "u1", Endpoint: "/api/v1/things", Tier: ratelimit.TierAuthenticated})
			if err == nil && decision.Allowed {
				admitted.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(25), admitted.Load())
}

/*
TestLimiter_Identity verifies that authenticated and anonymous callers use separate windows.
*/
func TestLimiter_Identity(t *testing.T) {
	ctx := context.Background()
	cfg := baseConfig()
	cfg.Limits = map[string]int{"anonymous.api": 1, "authenticated.api": 1}
	limiter, err := ratelimit.NewLimiter(kv.NewMemoryStore(), cfg)
	require.NoError(t, err)

	anonymous := ratelimit.Request{IP: "198.51.100.1", Endpoint: "/api/v1/x", Tier: ratelimit.TierAnonymous}
	user := ratelimit.Request{IP: "198.51.100.1", UserID: "u1", Endpoint: "/api/v1/x", Tier: ratelimit.TierAuthenticated}

	first, err := limiter.Check(ctx, anonymous)
	require.NoError(t, err)
	assert.True(t, first.Allowed)

	second, err := limiter.Check(ctx, user)
	require.NoError(t, err)
	assert.True(t, second.Allowed)
	assert.Equal(t, "user:u1", second.Identifier)

	third, err := limiter.Check(ctx, anonymous)
	require.NoError(t, err)
	assert.False(t, third.Allowed)
}

/*
TestLimiter_Bypass verifies the IP (exact and CIDR) and service-account allow-lists.
*/
func TestLimiter_Bypass(t *testing.T) {
	ctx := context.Background()
	cfg := baseConfig()
	cfg.Limits = map[string]int{"anonymous.api": 0}
	cfg.BypassIPs = []string{"10.0.0.0/8", "192.0.2.10"}
	cfg.BypassAccounts = []string{"svc-batch"}
	limiter, err := ratelimit.NewLimiter(kv.NewMemoryStore(), cfg)
	require.NoError(t, err)

	tests := []struct {
		name     string
		request  ratelimit.Request
		bypassed bool
	}{
		{"cidr_member", ratelimit.Request{IP: "10.20.30.40", Endpoint: "/x"}, true},
		{"exact_ip", ratelimit.Request{IP: "192.0.2.10", Endpoint: "/x"}, true},
		{"mapped_ipv4", ratelimit.Request{IP: "::ffff:10.1.1.1", Endpoint: "/x"}, true},
		{"service_account", ratelimit.Request{IP: "203.0.113.1", UserID: "svc-batch", Endpoint: "/x"}, true},
		{"outsider", ratelimit.Request{IP: "192.0.2.11", Endpoint: "/x"}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			decision, err := limiter.Check(ctx, tt.request)
			require.NoError(t, err)
			assert.Equal(t, tt.bypassed, decision.Bypassed)
			assert.Equal(t, tt.bypassed, decision.Allowed)
		})
	}

	_, err = ratelimit.NewLimiter(kv.NewMemoryStore(), ratelimit.Config{Window: time.Minute, BypassIPs: []string{"not-an-ip"}})
	assert.Error(t, err)
}

/*
TestLimiter_ScopeAndTier verifies path classification and the tier table.
*/
func TestLimiter_ScopeAndTier(t *testing.T) {
	limiter, err := ratelimit.NewLimiter(kv.NewMemoryStore(), baseConfig())
	require.NoError(t, err)

	assert.Equal(t, ratelimit.ScopeAuth, limiter.ScopeFor("/api/v1/auth/login"))
	assert.Equal(t, ratelimit.ScopeAuth, limiter.ScopeFor("/api/v1/auth"))
	assert.Equal(t, ratelimit.ScopeAPI, limiter.ScopeFor("/api/v1/authors"))
	assert.Equal(t, ratelimit.ScopeAdmin, limiter.ScopeFor("/api/v1/admin/users/1/sessions"))
	assert.Equal(t, ratelimit.ScopeAPI, limiter.ScopeFor("/api/v1/stream/session"))

	assert.Equal(t, 5000, limiter.LimitFor(ratelimit.TierAdmin, ratelimit.ScopeAPI))
	assert.Equal(t, 1000, limiter.LimitFor(ratelimit.TierPremium, ratelimit.ScopeAPI))

	assert.Equal(t, ratelimit.TierAnonymous, ratelimit.TierFor(nil))
	assert.Equal(t, ratelimit.TierAuthenticated, ratelimit.TierFor(&sec.Identity{IsAuthenticated: true, Roles: []string{"member"}}))
	assert.Equal(t, ratelimit.TierPremium, ratelimit.TierFor(&sec.Identity{IsAuthenticated: true, Roles: []string{"premium"}}))
	assert.Equal(t, ratelimit.TierAdmin, ratelimit.TierFor(&sec.Identity{IsAuthenticated: true, Roles: []string{"member", "admin"}}))
}

// brokenStore fails every sliding-window call.
type brokenStore struct {
	*kv.MemoryStore
}

func (brokenStore) SlidingWindow(context.Context, string, time.Time, time.Duration, int) (kv.WindowResult, error) {
	return kv.WindowResult{}, errors.New("connection reset")
}

/*
TestLimiter_StoreFailure verifies that a storage error is reported with an admitting decision.
*/
func TestLimiter_StoreFailure(t *testing.T) {
	limiter, err := ratelimit.NewLimiter(brokenStore{kv.NewMemoryStore()}, baseConfig())
	require.NoError(t, err)

	decision, err := limiter.Check(context.Background(), ratelimit.Request{IP: "203.0.113.9", Endpoint: "/api/v1/x"})
	assert.Error(t, err)
	assert.True(t, decision.Allowed)
}

/*
TestLimiter_Cleanup verifies that idle windows are swept from memory.
*/
func TestLimiter_Cleanup(t *testing.T) {
	store := kv.NewMemoryStore()
	limiter, err := ratelimit.NewLimiter(store, baseConfig())
	require.NoError(t, err)

	_, err = limiter.Check(context.Background(), ratelimit.Request{IP: "203.0.113.9", Endpoint: "/api/v1/x"})
	require.NoError(t, err)

	assert.Equal(t, 0, limiter.Cleanup(time.Now()))
	assert.Equal(t, 1, limiter.Cleanup(time.Now().Add(2*time.Minute)))
	assert.Equal(t, 0, store.Len())
}
