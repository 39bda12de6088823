// Copyright (c) 2026 Yomira. All rights reserved.
// Author: tai.buivan.jp@gmail.com

/*
Package ratelimit implements tiered sliding-window rate limiting.

Each caller is identified by user id when authenticated and by client IP
otherwise. Requests are grouped into scopes by path prefix, and the limit
for a (tier, scope) pair comes from a single table sharing one window.

The window itself is evaluated atomically by the key/value store (a Lua
script on Redis, a per-key mutex in memory), so N concurrent checks against
a limit L admit exactly L of them.
*/
package ratelimit

import (
	"context"
	"fmt"
	"math"
	"net/netip"
	"strings"
	"time"

	"github.com/taibuivan/aegis/internal/platform/constants"
	"github.com/taibuivan/aegis/internal/platform/kv"
	"github.com/taibuivan/aegis/internal/platform/sec"
)

// # Tiers & Scopes

// Tier is the caller class that selects a row of the limit table.
type Tier string

const (
	TierAnonymous     Tier = "anonymous"
	TierAuthenticated Tier = "authenticated"
	TierPremium       Tier = "premium"
	TierAdmin         Tier = "admin"
)

// Scope is the endpoint class that selects a column of the limit table.
type Scope string

const (
	ScopeAuth  Scope = "auth"
	ScopeAdmin Scope = "admin"
	ScopeAPI   Scope = "api"
)

// DefaultLimits is the built-in table, keyed "<tier>.<scope>".
var DefaultLimits = map[string]int{
	"anonymous.auth":      5,
	"anonymous.api":       60,
	"anonymous.admin":     5,
	"authenticated.auth":  10,
	"authenticated.api":   300,
	"authenticated.admin": 30,
	"premium.auth":        20,
	"premium.api":         1000,
	"premium.admin":       60,
	"admin.auth":          50,
	"admin.api":           5000,
	"admin.admin":         500,
}

// TierFor maps a request identity onto a tier. A nil identity is anonymous.
func TierFor(identity *sec.Identity) Tier {
	switch {
	case identity == nil || !identity.IsAuthenticated:
		return TierAnonymous
	case identity.HasRole(sec.RoleAdmin):
		return TierAdmin
	case identity.HasRole(sec.RolePremium):
		return TierPremium
	default:
		return TierAuthenticated
	}
}

// # Request & Decision

// Request describes one admission check.
type Request struct {
	IP       string
	UserID   string
	Endpoint string
	Tier     Tier
}

// Decision is the outcome of an admission check.
type Decision struct {
	Allowed    bool
	Limit      int
	Remaining  int
	RetryAfter int // seconds; only meaningful when !Allowed
	ResetAt    time.Time
	Bypassed   bool

	Scope      Scope
	Identifier string
}

// # Limiter

// Config holds the limiter settings (see config.Config for the env names).
type Config struct {
	Window         time.Duration
	Limits         map[string]int
	AuthPrefixes   []string
	AdminPrefixes  []string
	BypassIPs      []string
	BypassAccounts []string
}

// Limiter evaluates sliding windows stored in a [kv.Store].
type Limiter struct {
	store          kv.Store
	window         time.Duration
	limits         map[string]int
	authPrefixes   []string
	adminPrefixes  []string
	bypassNetworks []netip.Prefix
	bypassAccounts map[string]struct{}
	now            func() time.Time
}

// Option customizes a [Limiter].
type Option func(*Limiter)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(limiter *Limiter) {
		limiter.now = now
	}
}

// NewLimiter validates cfg and builds a limiter.
//
// Entries in cfg.Limits override [DefaultLimits]; bypass IPs may be single
// addresses or CIDR prefixes.
func NewLimiter(store kv.Store, cfg Config, options ...Option) (*Limiter, error) {
	if cfg.Window < time.Second {
		return nil, fmt.Errorf("ratelimit: window must be at least 1s, got %s", cfg.Window)
	}

	limiter := &Limiter{
		store:          store,
		window:         cfg.Window,
		limits:         make(map[string]int, len(DefaultLimits)),
		authPrefixes:   cfg.AuthPrefixes,
		adminPrefixes:  cfg.AdminPrefixes,
		bypassAccounts: make(map[string]struct{}, len(cfg.BypassAccounts)),
		now:            time.Now,
	}

	for key, limit := range DefaultLimits {
		limiter.limits[key] = limit
	}
	for key, limit := range cfg.Limits {
		if limit < 0 {
			return nil, fmt.Errorf("ratelimit: negative limit for %q", key)
		}
		limiter.limits[key] = limit
	}

	for _, raw := range cfg.BypassIPs {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		prefix, err := parseNetwork(raw)
		if err != nil {
			return nil, fmt.Errorf("ratelimit: invalid bypass address %q: %w", raw, err)
		}
		limiter.bypassNetworks = append(limiter.bypassNetworks, prefix)
	}
	for _, account := range cfg.BypassAccounts {
		if account = strings.TrimSpace(account); account != "" {
			limiter.bypassAccounts[account] = struct{}{}
		}
	}

	for _, option := range options {
		option(limiter)
	}
	return limiter, nil
}

func parseNetwork(raw string) (netip.Prefix, error) {
	if strings.Contains(raw, "/") {
		prefix, err := netip.ParsePrefix(raw)
		return prefix.Masked(), err
	}
	addr, err := netip.ParseAddr(raw)
	if err != nil {
		return netip.Prefix{}, err
	}
	return netip.PrefixFrom(addr.Unmap(), addr.Unmap().BitLen()), nil
}

// Window returns the configured window length.
func (limiter *Limiter) Window() time.Duration {
	return limiter.window
}

// ScopeFor classifies a request path.
func (limiter *Limiter) ScopeFor(path string) Scope {
	for _, prefix := range limiter.authPrefixes {
		if hasPathPrefix(path, prefix) {
			return ScopeAuth
		}
	}
	for _, prefix := range limiter.adminPrefixes {
		if hasPathPrefix(path, prefix) {
			return ScopeAdmin
		}
	}
	return ScopeAPI
}

// hasPathPrefix matches whole path segments, so /api/v1/authors is not /api/v1/auth.
func hasPathPrefix(path, prefix string) bool {
	prefix = strings.TrimSuffix(prefix, "/")
	if prefix == "" {
		return false
	}
	return path == prefix || strings.HasPrefix(path, prefix+"/")
}

// LimitFor returns the configured limit for a tier and scope.
func (limiter *Limiter) LimitFor(tier Tier, scope Scope) int {
	if limit, ok := limiter.limits[string(tier)+"."+string(scope)]; ok {
		return limit
	}
	return limiter.limits[string(TierAnonymous)+"."+string(scope)]
}

// Bypassed reports whether the caller is exempt from limiting.
func (limiter *Limiter) Bypassed(ip, userID string) bool {
	if userID != "" {
		if _, ok := limiter.bypassAccounts[userID]; ok {
			return true
		}
	}
	if ip == "" || len(limiter.bypassNetworks) == 0 {
		return false
	}
	addr, err := netip.ParseAddr(ip)
	if err != nil {
		return false
	}
	addr = addr.Unmap()
	for _, network := range limiter.bypassNetworks {
		if network.Contains(addr) {
			return true
		}
	}
	return false
}

func identifier(request Request) string {
	if request.UserID != "" {
		return "user:" + request.UserID
	}
	if request.IP != "" {
		return "ip:" + request.IP
	}
	return "ip:unknown"
}

/*
Check records one request against its window.

Parameters:
  - ctx: context.Context
  - request: Request (caller identity, endpoint path and tier)

Returns:
  - Decision: Admission outcome with the values for X-RateLimit-* headers
  - error: Storage failures; the returned Decision then admits the request
*/
func (limiter *Limiter) Check(ctx context.Context, request Request) (Decision, error) {
	scope := limiter.ScopeFor(request.Endpoint)
	tier := request.Tier
	if tier == "" {
		tier = TierAnonymous
	}

	now := limiter.now()
	limit := limiter.LimitFor(tier, scope)
	decision := Decision{
		Allowed:    true,
		Limit:      limit,
		Remaining:  limit,
		ResetAt:    now.Add(limiter.window),
		Scope:      scope,
		Identifier: identifier(request),
	}

	if limiter.Bypassed(request.IP, request.UserID) {
		decision.Bypassed = true
		return decision, nil
	}

	key := constants.RedisPrefixRateLimit + string(scope) + ":" + decision.Identifier
	result, err := limiter.store.SlidingWindow(ctx, key, now, limiter.window, limit)
	if err != nil {
		return decision, fmt.Errorf("ratelimit_check_failed: %w", err)
	}

	decision.Allowed = result.Allowed
	decision.Remaining = max(limit-result.Count, 0)
	if !result.Oldest.IsZero() {
		decision.ResetAt = result.Oldest.Add(limiter.window)
	}

	if !decision.Allowed {
		decision.Remaining = 0
		decision.RetryAfter = retryAfter(now, result.Oldest, limiter.window)
	}

	return decision, nil
}

// retryAfter is ceil(window - (now - oldest)) in seconds, never below 1.
func retryAfter(now, oldest time.Time, window time.Duration) int {
	if oldest.IsZero() {
		return int(math.Ceil(window.Seconds()))
	}
	remaining := window - now.Sub(oldest)
	return max(int(math.Ceil(remaining.Seconds())), 1)
}

// sweeper is implemented by stores holding process-local state.
type sweeper interface {
	Sweep(now time.Time) int
}

// Cleanup drops idle windows held in process memory and returns how many
// keys were removed. Shared stores expire windows on their own.
func (limiter *Limiter) Cleanup(now time.Time) int {
	if store, ok := limiter.store.(sweeper); ok {
		return store.Sweep(now)
	}
	return 0
}
