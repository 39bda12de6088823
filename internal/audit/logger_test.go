// Copyright (c) 2026 Yomira. All rights reserved.
// Author: tai.buivan.jp@gmail.com

package audit_test

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taibuivan/aegis/internal/audit"
)

var errSinkDown = errors.New("connection refused")

// memorySink records written batches and can be made to fail.
type memorySink struct {
	mu      sync.Mutex
	events  []audit.Event
	batches int
	fail    bool
}

func (s *memorySink) Write(_ context.Context, events []audit.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		return errSinkDown
	}
	s.batches++
	s.events = append(s.events, events...)
	return nil
}

func (s *memorySink) setFail(fail bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fail = fail
}

func (s *memorySink) written() []audit.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]audit.Event(nil), s.events...)
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestLogger(sink, critical audit.Sink, config audit.Config) *audit.Logger {
	fixed := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	return audit.NewLogger(sink, critical, config, discardLogger(),
		audit.WithClock(func() time.Time { return fixed }),
	)
}

/*
TestLog_RedactsAndClassifies verifies the persisted shape of a single event.
*/
func TestLog_RedactsAndClassifies(t *testing.T) {
	ctx := context.Background()
	sink := &memorySink{}
	logger := newTestLogger(sink, nil, audit.DefaultConfig())

	event := logger.Log(ctx, audit.Entry{
		Type:      audit.EventAuthSuccess,
		UserID:    "user-1",
		Details:   map[string]any{"password": "x", "note": "y"},
		IPAddress: "10.0.0.1",
	})

	assert.Len(t, event.ID, 36)
	assert.Equal(t, audit.CategoryAuthentication, event.Category)
	assert.Equal(t, audit.SeverityInfo, event.Severity)
	assert.Equal(t, audit.ResultSuccess, event.Result)
	assert.Equal(t, 1, logger.Pending())

	require.NoError(t, logger.Flush(ctx))
	persisted := sink.written()
	require.Len(t, persisted, 1)
	assert.Equal(t, audit.Redacted, persisted[0].Details["password"])
	assert.Equal(t, "y", persisted[0].Details["note"])
	assert.Equal(t, "user-1", persisted[0].UserID)
	assert.Equal(t, 0, logger.Pending())
}

/*
TestLog_CriticalBypassesBuffer verifies that critical events reach the
high-priority sink even while the durable sink is failing.
*/
func TestLog_CriticalBypassesBuffer(t *testing.T) {
	ctx := context.Background()
	durable := &memorySink{fail: true}
	critical := &memorySink{}
	logger := newTestLogger(durable, critical, audit.DefaultConfig())

	logger.Log(ctx, audit.Entry{Type: audit.EventAuthFailed, Result: audit.ResultFailure})
	logger.Log(ctx, audit.Entry{Type: audit.EventSessionCreated})

	written := critical.written()
	require.Len(t, written, 1)
	assert.Equal(t, audit.EventAuthFailed, written[0].Type)
	assert.Equal(t, audit.SeverityCritical, written[0].Severity)

	assert.Error(t, logger.Flush(ctx))
	assert.Equal(t, 2, logger.Pending())
}

/*
TestFlush_RetainsThenRecovers verifies that a failed batch is kept in order
and written once the sink is back.
*/
func TestFlush_RetainsThenRecovers(t *testing.T) {
	ctx := context.Background()
	sink := &memorySink{fail: true}
	logger := newTestLogger(sink, nil, audit.Config{BufferSize: 10, MaxBuffered: 100, FlushInterval: time.Hour, MaxRetries: 3})

	first := logger.Log(ctx, audit.Entry{Type: audit.EventSessionCreated, UserID: "a"})
	require.Error(t, logger.Flush(ctx))

	second := logger.Log(ctx, audit.Entry{Type: audit.EventLogout, UserID: "a"})
	assert.Equal(t, 2, logger.Pending())

	sink.setFail(false)
	require.NoError(t, logger.Flush(ctx))

	written := sink.written()
	require.Len(t, written, 2)
	assert.Equal(t, first.ID, written[0].ID)
	assert.Equal(t, second.ID, written[1].ID)
}

/*
TestFlush_DropsAfterRetries verifies that retries are bounded.
*/
func TestFlush_DropsAfterRetries(t *testing.T) {
	ctx := context.Background()
	sink := &memorySink{fail: true}
	logger := newTestLogger(sink, nil, audit.Config{BufferSize: 10, MaxBuffered: 100, FlushInterval: time.Hour, MaxRetries: 2})

	logger.Log(ctx, audit.Entry{Type: audit.EventSessionCreated})

	// Two retained failures, the third drops.
	for range 2 {
		require.Error(t, logger.Flush(ctx))
		assert.Equal(t, 1, logger.Pending())
	}
	require.Error(t, logger.Flush(ctx))
	assert.Equal(t, 0, logger.Pending())

	// A new event starts with its own budget.
	logger.Log(ctx, audit.Entry{Type: audit.EventLogout})
	require.Error(t, logger.Flush(ctx))
	assert.Equal(t, 1, logger.Pending())
}

// rejectingSink refuses every batch as malformed.
type rejectingSink struct{ calls int }

func (s *rejectingSink) Write(context.Context, []audit.Event) error {
	s.calls++
	return fmt.Errorf("insert_failed: %w", audit.ErrRejected)
}

/*
TestFlush_DropsRejectedBatch verifies that unfixable batches are not retried.
*/
func TestFlush_DropsRejectedBatch(t *testing.T) {
	ctx := context.Background()
	sink := &rejectingSink{}
	logger := newTestLogger(sink, nil, audit.Config{BufferSize: 10, MaxBuffered: 100, FlushInterval: time.Hour, MaxRetries: 3})

	logger.Log(ctx, audit.Entry{Type: audit.EventSessionCreated})

	err := logger.Flush(ctx)
	require.ErrorIs(t, err, audit.ErrRejected)
	assert.Equal(t, 0, logger.Pending())
	assert.Equal(t, 1, sink.calls)
}

/*
TestFlush_RetriesAreCountedPerEvent verifies that an event logged after
earlier failures survives the drop of the exhausted ones.
*/
func TestFlush_RetriesAreCountedPerEvent(t *testing.T) {
	ctx := context.Background()
	sink := &memorySink{fail: true}
	logger := newTestLogger(sink, nil, audit.Config{BufferSize: 10, MaxBuffered: 100, FlushInterval: time.Hour, MaxRetries: 2})

	logger.Log(ctx, audit.Entry{Type: audit.EventSessionCreated, UserID: "a"})
	for range 2 {
		require.Error(t, logger.Flush(ctx))
	}

	late := logger.Log(ctx, audit.Entry{Type: audit.EventLogout, UserID: "b"})

	// The first event exhausts its budget; the late one has failed once.
	require.Error(t, logger.Flush(ctx))
	assert.Equal(t, 1, logger.Pending())

	sink.setFail(false)
	require.NoError(t, logger.Flush(ctx))

	written := sink.written()
	require.Len(t, written, 1)
	assert.Equal(t, late.ID, written[0].ID)
}

// selectiveSink rejects any batch containing an event of the poisoned user.
type selectiveSink struct {
	memorySink
	poisoned string
}

func (s *selectiveSink) Write(ctx context.Context, events []audit.Event) error {
	for _, event := range events {
		if event.UserID == s.poisoned {
			return fmt.Errorf("insert_failed: %w", audit.ErrRejected)
		}
	}
	return s.memorySink.Write(ctx, events)
}

/*
TestFlush_IsolatesRejectedEvent verifies that one unacceptable event does not
take the rest of its batch down with it.
*/
func TestFlush_IsolatesRejectedEvent(t *testing.T) {
	ctx := context.Background()
	sink := &selectiveSink{poisoned: "bad"}
	logger := newTestLogger(sink, nil, audit.Config{BufferSize: 10, MaxBuffered: 100, FlushInterval: time.Hour, MaxRetries: 3})

	first := logger.Log(ctx, audit.Entry{Type: audit.EventSessionCreated, UserID: "a"})
	logger.Log(ctx, audit.Entry{Type: audit.EventSessionCreated, UserID: "bad"})
	last := logger.Log(ctx, audit.Entry{Type: audit.EventLogout, UserID: "c"})

	err := logger.Flush(ctx)
	require.ErrorIs(t, err, audit.ErrRejected)
	assert.Equal(t, 0, logger.Pending())

	written := sink.written()
	require.Len(t, written, 2)
	assert.Equal(t, first.ID, written[0].ID)
	assert.Equal(t, last.ID, written[1].ID)
}

/*
TestFlush_BoundedRetention verifies that retained events never exceed MaxBuffered.
*/
func TestFlush_BoundedRetention(t *testing.T) {
	ctx := context.Background()
	sink := &memorySink{fail: true}
	logger := newTestLogger(sink, nil, audit.Config{BufferSize: 100, MaxBuffered: 100, FlushInterval: time.Hour, MaxRetries: 10})

	for range 150 {
		logger.Log(ctx, audit.Entry{Type: audit.EventAccessGranted})
	}
	require.Error(t, logger.Flush(ctx))
	assert.Equal(t, 100, logger.Pending())
}

/*
TestRun_FlushesOnSignalAndShutdown verifies the background flusher.
*/
func TestRun_FlushesOnSignalAndShutdown(t *testing.T) {
	sink := &memorySink{}
	logger := newTestLogger(sink, nil, audit.Config{BufferSize: 2, MaxBuffered: 10, FlushInterval: time.Hour, MaxRetries: 1})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		logger.Run(ctx)
		close(done)
	}()

	logger.Log(ctx, audit.Entry{Type: audit.EventAccessGranted})
	logger.Log(ctx, audit.Entry{Type: audit.EventAccessGranted})

	assert.Eventually(t, func() bool { return len(sink.written()) == 2 }, time.Second, 5*time.Millisecond)

	// Below the threshold: only the shutdown flush writes it.
	logger.Log(ctx, audit.Entry{Type: audit.EventLogout})
	cancel()
	<-done

	assert.Len(t, sink.written(), 3)
}
