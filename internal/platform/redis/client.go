// Copyright (c) 2026 Yomira. All rights reserved.
// Author: tai.buivan.jp@gmail.com

/*
Package redis provides a managed client for volatile data storage.

It backs the shared gateway state: sessions, revoked token ids and
rate-limit windows (see package kv).

Unlike the database pool, an unreachable Redis does not abort startup: the
gateway serves from process memory until the store recovers.
*/
package redis

import (
	stdctx "context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	dialTimeout  = 3 * time.Second
	readTimeout  = 2 * time.Second
	writeTimeout = 2 * time.Second
	pingTimeout  = 2 * time.Second
)

// ClientName identifies gateway connections in CLIENT LIST.
const ClientName = "aegis-gateway"

// NewClient parses a Redis URL and returns a client. Only an invalid URL is an error.
//
// # Parameters
//   - context: Context for the initial ping.
//   - redisURL: Redis connection URL.
//   - poolSize: Maximum socket connections; non-positive keeps the go-redis default.
//   - logger: Structured logger for connection events.
func NewClient(context stdctx.Context, redisURL string, poolSize int, logger *slog.Logger) (*redis.Client, error) {
	options, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("redis: invalid URL: %w", err)
	}

	if poolSize > 0 {
		options.PoolSize = poolSize
		options.MinIdleConns = max(1, poolSize/5)
		options.MaxIdleConns = max(1, poolSize/2)
	}
	options.ClientName = ClientName
	options.DialTimeout = dialTimeout
	options.ReadTimeout = readTimeout
	options.WriteTimeout = writeTimeout

	// Retries belong to the kv failover wrapper.
	options.MaxRetries = -1

	client := redis.NewClient(options)

	// Failure here only degrades the store.
	if err := Ping(context, client); err != nil {
		logger.Warn("redis_unreachable_at_startup",
			slog.String("addr", options.Addr),
			slog.Any("error", err),
		)
		return client, nil
	}

	logger.Info("redis_client_connected",
		slog.String("addr", options.Addr),
		slog.Int("pool_size", options.PoolSize),
	)

	return client, nil
}

// Ping verifies that the Redis client is healthy.
func Ping(context stdctx.Context, client *redis.Client) error {
	pingCtx, cancel := stdctx.WithTimeout(context, pingTimeout)
	defer cancel()

	if err := client.Ping(pingCtx).Err(); err != nil {
		return fmt.Errorf("redis: ping failed: %w", err)
	}

	return nil
}
