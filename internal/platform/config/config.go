// Copyright (c) 2026 Yomira. All rights reserved.
// Author: tai.buivan.jp@gmail.com

/*
Package config handles gateway-wide settings and environment parsing.

It leverages 'caarlos0/env' to map OS environment variables into a strongly-typed
Go struct, providing early validation and default values.

Usage:

	cfg, err := config.Load()
	if err != nil {
	    log.Fatal(err)
	}

Architecture:

  - Immutability: Once loaded, configuration is read-only.
  - DI-Friendly: Passed to core components (DB, Redis, Gateway) via constructors.
  - Zero Hidden State: No global variables are used to store config.

This ensures the gateway is Twelve-Factor compliant by storing config in the env.
*/
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

// # Configuration Schema

// Config holds all runtime configuration for the Aegis gateway.
type Config struct {

	// Server settings
	ServerPort  string `env:"SERVER_PORT"  envDefault:"8080"`
	Environment string `env:"ENVIRONMENT"  envDefault:"development"`
	Debug       bool   `env:"DEBUG"        envDefault:"false"`

	// Relational Database (PostgreSQL): user lookup and durable audit trail.
	DatabaseURL              string        `env:"DATABASE_URL,required,notEmpty"`
	DatabaseMaxConns         int32         `env:"DATABASE_MAX_CONNS"         envDefault:"20"`
	DatabaseMinConns         int32         `env:"DATABASE_MIN_CONNS"         envDefault:"2"`
	DatabaseStatementTimeout time.Duration `env:"DATABASE_STATEMENT_TIMEOUT" envDefault:"5s"`

	// MigrationPath is the filesystem path to the SQL migrations directory.
	MigrationPath string `env:"MIGRATION_PATH" envDefault:"./data/migrations"`

	// Key-Value Cache (Redis). Empty means process-local memory only.
	RedisURL      string `env:"REDIS_URL"`
	RedisPoolSize int    `env:"REDIS_POOL_SIZE" envDefault:"10"`

	// StoreProbeInterval is how often a degraded store is pinged for recovery.
	StoreProbeInterval time.Duration `env:"STORE_PROBE_INTERVAL" envDefault:"15s"`

	// Token signing. The first secret signs; all secrets verify.
	TokenSecrets     []string      `env:"TOKEN_SECRETS,required,notEmpty" envSeparator:","`
	TokenIssuer      string        `env:"TOKEN_ISSUER"           envDefault:"aegis.gateway"`
	AccessTokenTTL   time.Duration `env:"ACCESS_TOKEN_TTL"       envDefault:"15m"`
	RefreshTokenTTL  time.Duration `env:"REFRESH_TOKEN_TTL"      envDefault:"720h"`
	RefreshThreshold time.Duration `env:"TOKEN_REFRESH_THRESHOLD" envDefault:"5m"`

	// Sessions
	SessionTTL          time.Duration `env:"SESSION_TTL"            envDefault:"720h"`
	MaxSessionsPerUser  int           `env:"MAX_SESSIONS_PER_USER"  envDefault:"5"`
	SessionReapInterval time.Duration `env:"SESSION_REAP_INTERVAL"  envDefault:"10m"`

	// Path classification. Entries ending in "/" or "*" match as prefixes.
	StrictMode    bool     `env:"STRICT_MODE"    envDefault:"true"`
	PublicPaths   []string `env:"PUBLIC_PATHS"   envSeparator:"," envDefault:"/api/v1/auth/login,/api/v1/auth/refresh"`
	CriticalPaths []string `env:"CRITICAL_PATHS" envSeparator:"," envDefault:"/api/v1/admin/*,/api/v1/auth/logout,/api/v1/auth/logout-all,/api/v1/auth/sessions*"`
	ExemptPaths   []string `env:"EXEMPT_PATHS"   envSeparator:"," envDefault:"/health,/ready,/metrics"`

	// Rate limiting. RateLimits keys are "<tier>.<scope>".
	RateLimitWindow          time.Duration  `env:"RATE_LIMIT_WINDOW"           envDefault:"60s"`
	RateLimitCleanupInterval time.Duration  `env:"RATE_LIMIT_CLEANUP_INTERVAL" envDefault:"1m"`
	RateLimits               map[string]int `env:"RATE_LIMITS" envDefault:"anonymous.auth:5,anonymous.api:60,anonymous.admin:5,authenticated.auth:10,authenticated.api:300,authenticated.admin:30,premium.auth:20,premium.api:1000,premium.admin:60,admin.auth:50,admin.api:5000,admin.admin:500"`
	AuthScopePrefixes        []string       `env:"RATE_LIMIT_AUTH_PREFIXES"  envSeparator:"," envDefault:"/api/v1/auth"`
	AdminScopePrefixes       []string       `env:"RATE_LIMIT_ADMIN_PREFIXES" envSeparator:"," envDefault:"/api/v1/admin"`
	BypassIPs                []string       `env:"RATE_LIMIT_BYPASS_IPS"      envSeparator:","`
	BypassServiceAccounts    []string       `env:"RATE_LIMIT_BYPASS_ACCOUNTS" envSeparator:","`

	// Audit trail
	AuditBufferSize    int           `env:"AUDIT_BUFFER_SIZE"    envDefault:"100"`
	AuditMaxBuffered   int           `env:"AUDIT_MAX_BUFFERED"   envDefault:"10000"`
	AuditFlushInterval time.Duration `env:"AUDIT_FLUSH_INTERVAL" envDefault:"30s"`
	AuditMaxRetries    int           `env:"AUDIT_MAX_RETRIES"    envDefault:"3"`

	// Session stream push cadence.
	StreamInterval time.Duration `env:"STREAM_INTERVAL" envDefault:"30s"`

	// TrustProxyHeaders enables X-Real-IP / X-Forwarded-For for client addresses.
	TrustProxyHeaders bool `env:"TRUST_PROXY_HEADERS" envDefault:"false"`

	// Cross-Origin Resource Sharing
	ExtraOrigins []string `env:"EXTRA_ORIGINS" envSeparator:","`
}

// # Configuration Loading

// Load parses environment variables into a [Config] struct.
func Load() (*Config, error) {

	// Initialize an empty config struct
	cfg := &Config{}

	// Use the 'env' package to map environment variables to struct fields.
	// This will fail if any field marked with 'required' is missing.
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("config: failed to parse environment variables: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate enforces cross-field rules that struct tags cannot express.
func (c *Config) Validate() error {
	var errs []error

	for index, secret := range c.TokenSecrets {
		if len(strings.TrimSpace(secret)) < 32 {
			errs = append(errs, fmt.Errorf("config: TOKEN_SECRETS[%d] must be at least 32 characters", index))
		}
	}
	if c.AccessTokenTTL <= 0 || c.RefreshTokenTTL <= 0 {
		errs = append(errs, errors.New("config: token TTLs must be positive"))
	}
	if c.MaxSessionsPerUser < 1 {
		errs = append(errs, errors.New("config: MAX_SESSIONS_PER_USER must be at least 1"))
	}
	if c.DatabaseMaxConns < 1 || c.DatabaseMinConns < 0 || c.DatabaseMinConns > c.DatabaseMaxConns {
		errs = append(errs, errors.New("config: DATABASE_MIN_CONNS must be within [0, DATABASE_MAX_CONNS]"))
	}
	if c.RateLimitWindow < time.Second {
		errs = append(errs, errors.New("config: RATE_LIMIT_WINDOW must be at least 1s"))
	}
	if c.AuditBufferSize < 1 || c.AuditMaxBuffered < c.AuditBufferSize {
		errs = append(errs, errors.New("config: AUDIT_MAX_BUFFERED must be >= AUDIT_BUFFER_SIZE >= 1"))
	}
	for key, limit := range c.RateLimits {
		if !strings.Contains(key, ".") || limit < 0 {
			errs = append(errs, fmt.Errorf("config: invalid RATE_LIMITS entry %q", key))
		}
	}

	return errors.Join(errs...)
}

// IsDevelopment reports whether the server is running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.Environment == "development"
}

// IsProduction reports whether the server is running in production mode.
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

// AllowsOrigin reports whether a CORS origin is explicitly trusted.
func (c *Config) AllowsOrigin(origin string) bool {
	for _, allowed := range c.ExtraOrigins {
		if strings.EqualFold(strings.TrimSpace(allowed), origin) {
			return true
		}
	}
	return false
}
