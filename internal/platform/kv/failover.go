// Copyright (c) 2026 Yomira. All rights reserved.
// Author: tai.buivan.jp@gmail.com

package kv

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
)

// Mode names reported by [Failover.Mode].
const (
	ModePrimary  = "primary"
	ModeFallback = "fallback"
)

const (
	defaultProbeInterval = 15 * time.Second
	reminderInterval     = time.Minute
)

// Failover routes calls to a primary [Store] and switches to a fallback when
// the primary fails.
//
// # Consistency
//
// The fallback is a weaker, single-process consistency domain. While the
// primary is healthy, writes are mirrored into the fallback on a best-effort
// basis so state created by this process survives an outage.
//
// Recovery only happens through [Failover.Run]: once degraded, every call
// goes to the fallback until a periodic probe of the primary succeeds.
// Writes accepted by the fallback meanwhile (revocations, logouts, session
// updates) are journaled and replayed onto the primary before it serves
// again; a replay error keeps the wrapper degraded.
type Failover struct {
	primary  Store
	fallback Store
	logger   *slog.Logger
	now      func() time.Time

	degraded      atomic.Bool
	probeInterval time.Duration
	reminder      rate.Sometimes
	observer      func(degraded bool)

	// mu serializes fallback writes with replay so no write slips between
	// the last replayed op and the switch back.
	mu      sync.Mutex
	journal journal
}

// FailoverOption customizes a [Failover].
type FailoverOption func(*Failover)

// WithProbeInterval sets how often a degraded primary is pinged.
func WithProbeInterval(interval time.Duration) FailoverOption {
	return func(store *Failover) {
		if interval > 0 {
			store.probeInterval = interval
		}
	}
}

// WithModeObserver registers a callback invoked on every mode transition.
func WithModeObserver(observer func(degraded bool)) FailoverOption {
	return func(store *Failover) {
		store.observer = observer
	}
}

// NewFailover wraps primary with fallback.
func NewFailover(primary, fallback Store, logger *slog.Logger, options ...FailoverOption) *Failover {
	store := &Failover{
		primary:       primary,
		fallback:      fallback,
		logger:        logger,
		now:           time.Now,
		probeInterval: defaultProbeInterval,
		reminder:      rate.Sometimes{Interval: reminderInterval},
	}
	for _, option := range options {
		option(store)
	}
	return store
}

// Mode reports which store currently serves calls.
func (store *Failover) Mode() string {
	if store.degraded.Load() {
		return ModeFallback
	}
	return ModePrimary
}

// Degraded reports whether calls are currently served by the fallback.
func (store *Failover) Degraded() bool {
	return store.degraded.Load()
}

// Run probes the primary while degraded until ctx is cancelled.
func (store *Failover) Run(ctx context.Context) {
	ticker := time.NewTicker(store.probeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			store.Probe(ctx)
		}
	}
}

// Probe pings the primary once and, if it answers, replays the outage
// journal onto it and restores it.
func (store *Failover) Probe(ctx context.Context) {
	if !store.degraded.Load() {
		return
	}
	if err := store.primary.Ping(ctx); err != nil {
		return
	}

	store.mu.Lock()
	defer store.mu.Unlock()

	if !store.degraded.Load() {
		return
	}
	replayed, err := store.journal.replay(ctx, store.primary, store.now())
	if err != nil {
		store.logger.Warn("kv_store_replay_failed",
			slog.Int("replayed", replayed),
			slog.Int("pending", store.journal.len()),
			slog.Any("error", err),
		)
		return
	}
	if store.degraded.CompareAndSwap(true, false) {
		store.logger.Info("kv_store_recovered",
			slog.String("mode", ModePrimary),
			slog.Int("replayed", replayed),
		)
		store.notify(false)
	}
}

// isOutage reports whether err means the primary itself is unavailable.
func isOutage(ctx context.Context, err error) bool {
	if err == nil || errors.Is(err, ErrNotFound) {
		return false
	}
	if ctx.Err() != nil {
		return false
	}
	return true
}

func (store *Failover) markDegraded(operation string, cause error) {
	if store.degraded.CompareAndSwap(false, true) {
		store.logger.Warn("kv_store_degraded",
			slog.String("operation", operation),
			slog.String("mode", ModeFallback),
			slog.Any("error", fmt.Errorf("%w: %w", ErrStorageDegraded, cause)),
		)
		store.notify(true)
	}
}

func (store *Failover) remind(operation string) {
	store.reminder.Do(func() {
		store.logger.Warn("kv_store_still_degraded",
			slog.String("operation", operation),
			slog.String("mode", ModeFallback),
		)
	})
}

func (store *Failover) notify(degraded bool) {
	if store.observer != nil {
		store.observer(degraded)
	}
}

// route runs call on the primary, failing over to the fallback on outage.
func route[T any](ctx context.Context, store *Failover, operation string, call func(Store) (T, error)) (T, error) {
	if !store.degraded.Load() {
		result, err := call(store.primary)
		if !isOutage(ctx, err) {
			return result, err
		}
		store.markDegraded(operation, err)
	} else {
		store.remind(operation)
	}
	return call(store.fallback)
}

// write runs a mutating call like route, journaling what the fallback accepts
// while degraded and mirroring primary writes into the fallback otherwise.
func write[T any](ctx context.Context, store *Failover, operation string, call func(Store) (T, error), record func(T) []journalOp) (T, error) {
	for {
		switched := false
		if !store.degraded.Load() {
			result, err := call(store.primary)
			if !isOutage(ctx, err) {
				if err == nil {
					store.mirror(ctx, record(result))
				}
				return result, err
			}
			store.markDegraded(operation, err)
			switched = true
		}

		store.mu.Lock()
		if !store.degraded.Load() {
			// Recovered while waiting for the lock.
			store.mu.Unlock()
			continue
		}
		if !switched {
			store.remind(operation)
		}
		result, err := call(store.fallback)
		if err == nil {
			for _, op := range record(result) {
				store.journal.add(op)
			}
		}
		store.mu.Unlock()
		return result, err
	}
}

// mirror applies a successful primary write to the fallback, ignoring errors.
func (store *Failover) mirror(ctx context.Context, ops []journalOp) {
	if store.degraded.Load() {
		return
	}
	now := store.now()
	for _, op := range ops {
		_ = op.apply(ctx, store.fallback, now)
	}
}

// Get implements [Store].
func (store *Failover) Get(ctx context.Context, key string) ([]byte, error) {
	return route(ctx, store, "get", func(target Store) ([]byte, error) {
		return target.Get(ctx, key)
	})
}

// Set implements [Store].
func (store *Failover) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	_, err := write(ctx, store, "set", func(target Store) (struct{}, error) {
		return struct{}{}, target.Set(ctx, key, value, ttl)
	}, func(struct{}) []journalOp {
		return []journalOp{{kind: journalPut, key: key, value: value, ttl: ttl, at: store.now()}}
	})
	return err
}

// CompareAndSwap implements [Store]. A swap made during an outage replays as
// a plain overwrite of the same key.
func (store *Failover) CompareAndSwap(ctx context.Context, key string, old, value []byte, ttl time.Duration) (bool, error) {
	return write(ctx, store, "compare_and_swap", func(target Store) (bool, error) {
		return target.CompareAndSwap(ctx, key, old, value, ttl)
	}, func(swapped bool) []journalOp {
		if !swapped {
			return nil
		}
		return []journalOp{{kind: journalPut, key: key, value: value, ttl: ttl, keepTTL: true, at: store.now()}}
	})
}

// Delete implements [Store].
func (store *Failover) Delete(ctx context.Context, keys ...string) (int, error) {
	return write(ctx, store, "delete", func(target Store) (int, error) {
		return target.Delete(ctx, keys...)
	}, func(int) []journalOp {
		ops := make([]journalOp, 0, len(keys))
		for _, key := range keys {
			ops = append(ops, journalOp{kind: journalDelete, key: key})
		}
		return ops
	})
}

// Expire implements [Store].
func (store *Failover) Expire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	return write(ctx, store, "expire", func(target Store) (bool, error) {
		return target.Expire(ctx, key, ttl)
	}, func(bool) []journalOp {
		return []journalOp{{kind: journalExpire, key: key, ttl: ttl, at: store.now()}}
	})
}

// Exists implements [Store].
func (store *Failover) Exists(ctx context.Context, key string) (bool, error) {
	return route(ctx, store, "exists", func(target Store) (bool, error) {
		return target.Exists(ctx, key)
	})
}

// SetAdd implements [Store].
func (store *Failover) SetAdd(ctx context.Context, key string, members ...string) error {
	_, err := write(ctx, store, "set_add", func(target Store) (struct{}, error) {
		return struct{}{}, target.SetAdd(ctx, key, members...)
	}, func(struct{}) []journalOp {
		return []journalOp{{kind: journalSetAdd, key: key, members: members}}
	})
	return err
}

// SetRemove implements [Store].
func (store *Failover) SetRemove(ctx context.Context, key string, members ...string) error {
	_, err := write(ctx, store, "set_remove", func(target Store) (struct{}, error) {
		return struct{}{}, target.SetRemove(ctx, key, members...)
	}, func(struct{}) []journalOp {
		return []journalOp{{kind: journalSetRemove, key: key, members: members}}
	})
	return err
}

// SetMembers implements [Store].
func (store *Failover) SetMembers(ctx context.Context, key string) ([]string, error) {
	return route(ctx, store, "set_members", func(target Store) ([]string, error) {
		return target.SetMembers(ctx, key)
	})
}

// Scan implements [Store].
func (store *Failover) Scan(ctx context.Context, prefix string) ([]string, error) {
	return route(ctx, store, "scan", func(target Store) ([]string, error) {
		return target.Scan(ctx, prefix)
	})
}

// SlidingWindow implements [Store]. Windows are not mirrored; counting
// restarts in the fallback during an outage.
func (store *Failover) SlidingWindow(ctx context.Context, key string, now time.Time, window time.Duration, limit int) (WindowResult, error) {
	return route(ctx, store, "sliding_window", func(target Store) (WindowResult, error) {
		return target.SlidingWindow(ctx, key, now, window, limit)
	})
}

// Ping implements [Store]. It succeeds while either store can serve calls.
func (store *Failover) Ping(ctx context.Context) error {
	_, err := route(ctx, store, "ping", func(target Store) (struct{}, error) {
		return struct{}{}, target.Ping(ctx)
	})
	return err
}

// Sweep drops expired keys from any process-local store behind the wrapper.
func (store *Failover) Sweep(now time.Time) int {
	removed := 0
	for _, target := range []Store{store.primary, store.fallback} {
		if local, ok := target.(interface{ Sweep(time.Time) int }); ok {
			removed += local.Sweep(now)
		}
	}
	return removed
}
