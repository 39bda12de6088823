// Copyright (c) 2026 Yomira. All rights reserved.
// Author: tai.buivan.jp@gmail.com

package kv

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

/*
TestJournal_Coalesces verifies that a put or delete supersedes earlier ops on its key.
*/
func TestJournal_Coalesces(t *testing.T) {
	now := time.Now()
	var j journal

	j.add(journalOp{kind: journalPut, key: "a", value: []byte("1"), at: now})
	j.add(journalOp{kind: journalExpire, key: "a", ttl: time.Minute, at: now})
	j.add(journalOp{kind: journalSetAdd, key: "idx", members: []string{"x"}})
	j.add(journalOp{kind: journalDelete, key: "a"})

	assert.Equal(t, 2, j.len())
	assert.Equal(t, []string{"a", "idx"}, j.order)
	assert.Equal(t, journalDelete, j.ops["a"][0].kind)
}

/*
TestJournal_ReplayExpiredPut verifies that a put whose ttl ran out during the
outage removes the key instead of resurrecting it.
*/
func TestJournal_ReplayExpiredPut(t *testing.T) {
	ctx := context.Background()
	target := NewMemoryStore()
	require.NoError(t, target.Set(ctx, "auth:revoked:old", []byte("1"), time.Hour))

	recorded := time.Now().Add(-2 * time.Minute)
	var j journal
	j.add(journalOp{kind: journalPut, key: "auth:revoked:old", value: []byte("1"), ttl: time.Minute, at: recorded})
	j.add(journalOp{kind: journalPut, key: "auth:revoked:new", value: []byte("1"), ttl: time.Hour, at: recorded})

	applied, err := j.replay(ctx, target, time.Now())
	require.NoError(t, err)
	assert.Equal(t, 2, applied)
	assert.Zero(t, j.len())

	gone, err := target.Exists(ctx, "auth:revoked:old")
	require.NoError(t, err)
	assert.False(t, gone)

	kept, err := target.Exists(ctx, "auth:revoked:new")
	require.NoError(t, err)
	assert.True(t, kept)
}
