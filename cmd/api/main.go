// Copyright (c) 2026 Yomira. All rights reserved.
// Author: tai.buivan.jp@gmail.com

// Command api is the entry point for the Aegis security gateway.
//
// # Startup Sequence
//
//  1. Initialize structured logger.
//  2. Load configuration from environment variables.
//  3. Initialize metrics.
//  4. Connect to PostgreSQL (pgxpool) and run migrations.
//  5. Connect to Redis behind the local-memory failover.
//  6. Wire security components, the gateway and HTTP handlers.
//  7. Start background tasks.
//  8. Start HTTP server with graceful shutdown.
//
// No business logic lives here. All wiring is explicit constructor injection.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/taibuivan/aegis/internal/admin"
	"github.com/taibuivan/aegis/internal/api"
	"github.com/taibuivan/aegis/internal/audit"
	"github.com/taibuivan/aegis/internal/auth"
	"github.com/taibuivan/aegis/internal/gateway"
	"github.com/taibuivan/aegis/internal/platform/config"
	"github.com/taibuivan/aegis/internal/platform/constants"
	"github.com/taibuivan/aegis/internal/platform/kv"
	"github.com/taibuivan/aegis/internal/platform/migration"
	pgstore "github.com/taibuivan/aegis/internal/platform/postgres"
	redisstore "github.com/taibuivan/aegis/internal/platform/redis"
	"github.com/taibuivan/aegis/internal/platform/scheduler"
	"github.com/taibuivan/aegis/internal/platform/sec"
	"github.com/taibuivan/aegis/internal/platform/telemetry"
	"github.com/taibuivan/aegis/internal/ratelimit"
	"github.com/taibuivan/aegis/internal/revocation"
	"github.com/taibuivan/aegis/internal/session"
	"github.com/taibuivan/aegis/internal/stream"
	"github.com/taibuivan/aegis/internal/users"
)

func main() {
	// ── 1. Logger ──────────────────────────────────────────────────────────
	// Initialize first so that subsequent startup errors are structured JSON.
	rawLog := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))

	// Add global context to all log entries.
	log := rawLog.With(slog.String("app", constants.AppName))
	slog.SetDefault(log)

	log.Info("service_initializing", slog.String("version", constants.AppVersion))

	// ── 2. Configuration ──────────────────────────────────────────────────
	cfg, err := config.Load()
	must(log, err, "load configuration")

	if cfg.Debug {
		debugLog := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: slog.LevelDebug,
		}))
		log = debugLog.With(slog.String("app", constants.AppName))
		slog.SetDefault(log)
		log.Debug("debug_logging_enabled")
	}

	log.Info("configuration_loaded",
		slog.String("environment", cfg.Environment),
		slog.String("port", cfg.ServerPort),
		slog.Bool("strict_mode", cfg.StrictMode),
	)

	// Root context for startup. Use a 30s deadline so misconfiguration is
	// caught quickly rather than hanging indefinitely.
	startupCtx, startupCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer startupCancel()

	// ── 3. Telemetry ──────────────────────────────────────────────────────
	provider, err := telemetry.NewProvider()
	must(log, err, "initialize telemetry")
	metrics := provider.Metrics()

	// ── 4. PostgreSQL ─────────────────────────────────────────────────────
	pool, err := pgstore.NewPool(startupCtx, cfg.DatabaseURL, pgstore.Options{
		MaxConns:         cfg.DatabaseMaxConns,
		MinConns:         cfg.DatabaseMinConns,
		StatementTimeout: cfg.DatabaseStatementTimeout,
	}, log)
	must(log, err, "connect to postgres")
	defer func() {
		log.Info("closing_postgres_pool")
		pool.Close()
	}()

	must(log, migration.RunUp(cfg.DatabaseURL, cfg.MigrationPath, log), "run migrations")

	// ── 5. Key/Value Store ────────────────────────────────────────────────
	// Redis is the shared store; process memory takes over while it is down.
	memory := kv.NewMemoryStore()
	var (
		store    kv.Store = memory
		failover *kv.Failover
	)

	health := api.HealthDependencies{
		CheckDatabase: func(ctx context.Context) error {
			return pgstore.Ping(ctx, pool)
		},
	}

	if cfg.RedisURL != "" {
		rdb, err := redisstore.NewClient(startupCtx, cfg.RedisURL, cfg.RedisPoolSize, log)
		must(log, err, "connect to redis")
		defer func() {
			log.Info("closing_redis_client")
			if cerr := rdb.Close(); cerr != nil {
				log.Error("redis_close_failed", slog.Any("error", cerr))
			}
		}()

		failover = kv.NewFailover(kv.NewRedisStore(rdb), memory, log,
			kv.WithProbeInterval(cfg.StoreProbeInterval),
			kv.WithModeObserver(func(degraded bool) {
				metrics.RecordStoreMode(context.Background(), degraded)
			}),
		)
		store = failover

		health.CheckCache = func(ctx context.Context) error {
			return redisstore.Ping(ctx, rdb)
		}
		health.StoreMode = failover.Mode
	} else {
		log.Warn("redis_not_configured", slog.String("mode", kv.ModeFallback))
		metrics.RecordStoreMode(startupCtx, true)
	}

	// ── 6. Security Components ────────────────────────────────────────────
	codec, err := sec.NewTokenCodec(cfg.TokenSecrets, cfg.TokenIssuer)
	must(log, err, "initialize token codec")

	sessions := session.NewManager(store, cfg.SessionTTL, log)
	revocations := revocation.NewStore(store)

	limiter, err := ratelimit.NewLimiter(store, ratelimit.Config{
		Window:         cfg.RateLimitWindow,
		Limits:         cfg.RateLimits,
		AuthPrefixes:   cfg.AuthScopePrefixes,
		AdminPrefixes:  cfg.AdminScopePrefixes,
		BypassIPs:      cfg.BypassIPs,
		BypassAccounts: cfg.BypassServiceAccounts,
	})
	must(log, err, "initialize rate limiter")

	auditLogger := audit.NewLogger(
		audit.NewPostgresSink(pool),
		audit.NewLogSink(log.With(slog.String("sink", "critical")), slog.LevelWarn),
		audit.Config{
			BufferSize:    cfg.AuditBufferSize,
			MaxBuffered:   cfg.AuditMaxBuffered,
			FlushInterval: cfg.AuditFlushInterval,
			MaxRetries:    cfg.AuditMaxRetries,
		},
		log,
		audit.WithMetrics(metrics),
	)

	userRepository := users.NewPostgresRepository(pool)

	guard := gateway.New(gateway.Dependencies{
		Tokens:     codec,
		Revocation: revocations,
		Users:      userRepository,
		Sessions:   sessions,
		Limiter:    limiter,
		Audit:      auditLogger,
		Metrics:    metrics,
	}, gateway.Config{
		StrictMode:       cfg.StrictMode,
		PublicPaths:      cfg.PublicPaths,
		CriticalPaths:    cfg.CriticalPaths,
		ExemptPaths:      cfg.ExemptPaths,
		RefreshThreshold: cfg.RefreshThreshold,
	})

	// ── 7. Domain Wiring ──────────────────────────────────────────────────
	authService := auth.NewService(userRepository, codec, sessions, revocations, auditLogger, metrics, auth.Config{
		AccessTokenTTL:     cfg.AccessTokenTTL,
		RefreshTokenTTL:    cfg.RefreshTokenTTL,
		MaxSessionsPerUser: cfg.MaxSessionsPerUser,
	}, log)
	adminService := admin.NewService(sessions, revocations, auditLogger, cfg.RefreshTokenTTL,
		admin.WithAuditReader(audit.NewPostgresReader(pool)),
	)

	liveness, readiness := api.NewHealthHandlers(health, log)

	server := api.NewServer(cfg, log, api.Handlers{
		Gateway:   guard.Handler,
		Liveness:  liveness,
		Readiness: readiness,
		Metrics:   provider.Handler(),
		Auth:      auth.NewHandler(authService).Routes(),
		Admin:     admin.NewHandler(adminService).Routes(),
		Stream:    stream.NewHandler(sessions, revocations, cfg.StreamInterval, originHosts(cfg.ExtraOrigins)),
	})

	// ── 8. Background Tasks ───────────────────────────────────────────────
	backgroundCtx, stopBackground := context.WithCancel(context.Background())
	tasks := scheduler.New(log, metrics)

	tasks.Every("session_reap", cfg.SessionReapInterval, func(ctx context.Context) error {
		reaped, err := sessions.ReapExpired(ctx)
		metrics.RecordSessionsReaped(ctx, reaped)
		return err
	})
	tasks.Every("local_store_sweep", cfg.RateLimitCleanupInterval, func(context.Context) error {
		if removed := limiter.Cleanup(time.Now()); removed > 0 {
			log.Debug("local_store_swept", slog.Int("removed", removed))
		}
		return nil
	})
	tasks.Go("audit_flush", auditLogger.Run)
	if failover != nil {
		tasks.Go("store_probe", failover.Run)
	}

	schedulerDone := make(chan error, 1)
	go func() {
		schedulerDone <- tasks.Run(backgroundCtx)
	}()

	// ── 9. Graceful Shutdown ──────────────────────────────────────────────
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGTERM, syscall.SIGINT)

	serverErr := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	// Block until OS signal, server error or a failed background loop.
	exitCode := 0
	schedulerStopped := false
	select {
	case sig := <-quit:
		log.Info("shutdown_signal_received", slog.String("signal", sig.String()))
	case err := <-serverErr:
		log.Error("server_startup_failed", slog.Any("error", err))
	case err := <-schedulerDone:
		log.Error("background_tasks_failed", slog.Any("error", err))
		schedulerStopped = true
		exitCode = 1
	}

	// Give in-flight requests enough time to complete.
	shutdownTimeout := constants.ShutdownTimeout
	log.Info("shutting_down_server", slog.Duration("timeout", shutdownTimeout))

	if err := server.Shutdown(shutdownTimeout); err != nil {
		log.Error("shutdown_failed", slog.Any("error", err))
		exitCode = 1
	}

	// Background tasks stop after the server so the audit loop flushes
	// events logged by the last requests.
	stopBackground()
	if !schedulerStopped {
		if err := <-schedulerDone; err != nil {
			log.Error("background_tasks_failed", slog.Any("error", err))
			exitCode = 1
		}
	}

	telemetryCtx, telemetryCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer telemetryCancel()
	if err := provider.Shutdown(telemetryCtx); err != nil {
		log.Error("telemetry_shutdown_failed", slog.Any("error", err))
	}

	if exitCode != 0 {
		os.Exit(exitCode)
	}
	log.Info("server_stopped_cleanly")
}

// originHosts converts configured origins into the host patterns the
// WebSocket handshake matches against.
func originHosts(origins []string) []string {
	hosts := make([]string, 0, len(origins))
	for _, origin := range origins {
		parsed, err := url.Parse(origin)
		if err != nil || parsed.Host == "" {
			continue
		}
		hosts = append(hosts, parsed.Host)
	}
	return hosts
}

// must logs a structured fatal error and terminates the process if err is non-nil.
//
// It is intentionally limited to startup wiring. After startup, all errors
// must be returned and handled explicitly (never panic).
func must(log *slog.Logger, err error, context string) {
	if err != nil {
		log.Error("startup_failure",
			slog.String("context", context),
			slog.Any("error", err),
		)
		os.Exit(1)
	}
}
