// Copyright (c) 2026 Yomira. All rights reserved.
// Author: tai.buivan.jp@gmail.com

package kv

import (
	"context"
	"errors"
	"time"
)

// # Outage Journal

type journalKind uint8

const (
	journalPut journalKind = iota + 1
	journalDelete
	journalExpire
	journalSetAdd
	journalSetRemove
)

// journalOp is one write accepted by the fallback while the primary was down.
type journalOp struct {
	kind    journalKind
	key     string
	value   []byte
	members []string

	// ttl is relative to at. Zero means no expiry for puts and keep-expiry
	// for puts recorded from CompareAndSwap (keepTTL).
	ttl     time.Duration
	keepTTL bool
	at      time.Time
}

// remaining returns the ttl left at now and whether the entry is still live.
func (op journalOp) remaining(now time.Time) (time.Duration, bool) {
	if op.ttl <= 0 {
		return 0, true
	}
	left := op.ttl - now.Sub(op.at)
	return left, left > 0
}

// apply replays the op against target.
func (op journalOp) apply(ctx context.Context, target Store, now time.Time) error {
	switch op.kind {
	case journalPut:
		ttl, live := op.remaining(now)
		if !live {
			_, err := target.Delete(ctx, op.key)
			return err
		}
		if op.keepTTL && ttl == 0 {
			return putKeepingTTL(ctx, target, op.key, op.value)
		}
		return target.Set(ctx, op.key, op.value, ttl)

	case journalDelete:
		_, err := target.Delete(ctx, op.key)
		return err

	case journalExpire:
		ttl, live := op.remaining(now)
		if !live {
			_, err := target.Delete(ctx, op.key)
			return err
		}
		_, err := target.Expire(ctx, op.key, ttl)
		return err

	case journalSetAdd:
		return target.SetAdd(ctx, op.key, op.members...)

	case journalSetRemove:
		return target.SetRemove(ctx, op.key, op.members...)
	}
	return nil
}

// putKeepingTTL overwrites key without touching its expiry.
func putKeepingTTL(ctx context.Context, target Store, key string, value []byte) error {
	for range 3 {
		current, err := target.Get(ctx, key)
		if errors.Is(err, ErrNotFound) {
			return target.Set(ctx, key, value, 0)
		}
		if err != nil {
			return err
		}
		swapped, err := target.CompareAndSwap(ctx, key, current, value, 0)
		if err != nil && !errors.Is(err, ErrNotFound) {
			return err
		}
		if swapped {
			return nil
		}
	}
	return target.Set(ctx, key, value, 0)
}

// journal records fallback writes per key, in first-touch key order.
//
// A put or delete supersedes everything recorded earlier for its key, so the
// journal grows with the number of distinct keys written during an outage.
type journal struct {
	order []string
	ops   map[string][]journalOp
}

func (j *journal) add(op journalOp) {
	if j.ops == nil {
		j.ops = make(map[string][]journalOp)
	}
	pending, seen := j.ops[op.key]
	if !seen {
		j.order = append(j.order, op.key)
	}
	if op.kind == journalPut || op.kind == journalDelete {
		pending = pending[:0]
	}
	j.ops[op.key] = append(pending, op)
}

func (j *journal) len() int {
	total := 0
	for _, pending := range j.ops {
		total += len(pending)
	}
	return total
}

// replay applies every op to target in order. Applied ops are removed; on
// error the remaining ops stay queued for the next attempt.
func (j *journal) replay(ctx context.Context, target Store, now time.Time) (int, error) {
	applied := 0
	for len(j.order) > 0 {
		key := j.order[0]
		pending := j.ops[key]
		for len(pending) > 0 {
			if err := pending[0].apply(ctx, target, now); err != nil {
				j.ops[key] = pending
				return applied, err
			}
			pending = pending[1:]
			applied++
		}
		delete(j.ops, key)
		j.order = j.order[1:]
	}
	return applied, nil
}
