// Copyright (c) 2026 Yomira. All rights reserved.
// Author: tai.buivan.jp@gmail.com

/*
Package kv defines the key/value capability consumed by the gateway core.

Sessions, revocations and rate windows never talk to Redis directly; they
depend on [Store] so the same code runs against Redis, process memory, or
the [Failover] wrapper that moves between the two.

Implementations:

  - [RedisStore]: shared state across gateway replicas (go-redis).
  - [MemoryStore]: sharded, process-local maps with lazy TTL expiry.
  - [Failover]: uses the primary while healthy and the fallback during outages.
*/
package kv

import (
	"context"
	"errors"
	"time"
)

// # Errors

var (
	// ErrNotFound is returned when a key does not exist or has expired.
	ErrNotFound = errors.New("kv: key not found")

	// ErrStorageDegraded marks the switch from the primary store to the fallback.
	ErrStorageDegraded = errors.New("kv: primary storage degraded")
)

// # Capability

// WindowResult is the outcome of a single sliding-window admission check.
type WindowResult struct {
	// Allowed reports whether the request was admitted and recorded.
	Allowed bool

	// Count is the number of requests inside the window after this check.
	Count int

	// Oldest is the timestamp of the oldest request still inside the window.
	Oldest time.Time
}

// Store is the minimal key/value surface the gateway relies on.
//
// A ttl of zero means "no expiry" for Set and "keep the current expiry" for
// CompareAndSwap.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// CompareAndSwap replaces the value only if it still equals old.
	// Returns ErrNotFound if the key is absent.
	CompareAndSwap(ctx context.Context, key string, old, value []byte, ttl time.Duration) (bool, error)

	Delete(ctx context.Context, keys ...string) (int, error)
	Expire(ctx context.Context, key string, ttl time.Duration) (bool, error)
	Exists(ctx context.Context, key string) (bool, error)

	SetAdd(ctx context.Context, key string, members ...string) error
	SetRemove(ctx context.Context, key string, members ...string) error
	SetMembers(ctx context.Context, key string) ([]string, error)

	// Scan returns every live key starting with prefix.
	Scan(ctx context.Context, prefix string) ([]string, error)

	// SlidingWindow atomically evicts entries older than window, then records
	// now if fewer than limit entries remain.
	SlidingWindow(ctx context.Context, key string, now time.Time, window time.Duration, limit int) (WindowResult, error)

	Ping(ctx context.Context) error
}
