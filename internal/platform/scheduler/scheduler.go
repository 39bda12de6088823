// Copyright (c) 2026 Yomira. All rights reserved.
// Author: tai.buivan.jp@gmail.com

/*
Package scheduler runs named background tasks on fixed intervals.

Each task gets its own goroutine. A failing periodic run is logged and
counted; it never stops the loop. A long-running loop registered with
[Scheduler.Go] that panics is fatal to the group: the remaining tasks are
cancelled and [Scheduler.Run] returns a [*PanicError].

Usage:

	tasks := scheduler.New(logger, metrics)
	tasks.Every("session_reap", 10*time.Minute, reap)
	tasks.Go("audit_flush", auditLogger.Run)
	go func() { failed <- tasks.Run(ctx) }()
*/
package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/taibuivan/aegis/internal/platform/telemetry"
)

// Func is one run of a periodic task.
type Func func(ctx context.Context) error

type task struct {
	name     string
	interval time.Duration
	run      Func
	loop     func(ctx context.Context)
}

// Scheduler holds registered tasks until Run starts them.
type Scheduler struct {
	logger  *slog.Logger
	metrics *telemetry.Metrics

	mu      sync.Mutex
	tasks   []task
	started bool
}

// New creates an empty scheduler. metrics may be nil.
func New(logger *slog.Logger, metrics *telemetry.Metrics) *Scheduler {
	return &Scheduler{logger: logger, metrics: metrics}
}

// Every registers run to be called once per interval. Non-positive intervals
// disable the task.
func (scheduler *Scheduler) Every(name string, interval time.Duration, run Func) {
	if interval <= 0 {
		scheduler.logger.Warn("scheduler_task_disabled", slog.String("task", name))
		return
	}
	scheduler.add(task{name: name, interval: interval, run: run})
}

// Go registers a long-running loop that owns its own cadence.
func (scheduler *Scheduler) Go(name string, loop func(ctx context.Context)) {
	scheduler.add(task{name: name, loop: loop})
}

func (scheduler *Scheduler) add(t task) {
	scheduler.mu.Lock()
	defer scheduler.mu.Unlock()
	if scheduler.started {
		scheduler.logger.Error("scheduler_task_late", slog.String("task", t.name))
		return
	}
	scheduler.tasks = append(scheduler.tasks, t)
}

// Run starts every task and blocks until all of them return. Tasks stop when
// ctx is cancelled or when a loop fails; the loop's error is returned.
func (scheduler *Scheduler) Run(ctx context.Context) error {
	scheduler.mu.Lock()
	scheduler.started = true
	tasks := scheduler.tasks
	scheduler.mu.Unlock()

	group, groupCtx := errgroup.WithContext(ctx)
	for _, t := range tasks {
		scheduler.logger.Info("scheduler_task_started",
			slog.String("task", t.name),
			slog.Duration("interval", t.interval),
		)
		group.Go(func() error {
			if t.loop != nil {
				return scheduler.runLoop(groupCtx, t)
			}
			scheduler.tick(groupCtx, t)
			return nil
		})
	}

	err := group.Wait()
	if err != nil {
		scheduler.logger.Error("scheduler_failed",
			slog.Int("tasks", len(tasks)),
			slog.Any("error", err),
		)
		return err
	}
	scheduler.logger.Info("scheduler_stopped", slog.Int("tasks", len(tasks)))
	return nil
}

// runLoop runs a long-running loop and returns a recovered panic as its error.
func (scheduler *Scheduler) runLoop(ctx context.Context, t task) (err error) {
	defer func() {
		if recovered := recover(); recovered != nil {
			err = &PanicError{Task: t.name, Value: recovered}
			scheduler.metrics.RecordTaskRun(ctx, t.name, err)
		}
	}()
	t.loop(ctx)
	return nil
}

func (scheduler *Scheduler) tick(ctx context.Context, t task) {
	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			scheduler.runOnce(ctx, t)
		}
	}
}

// runOnce executes a single run, containing panics so one task cannot take
// the process down.
func (scheduler *Scheduler) runOnce(ctx context.Context, t task) {
	started := time.Now()
	var err error

	func() {
		defer func() {
			if recovered := recover(); recovered != nil {
				err = &PanicError{Task: t.name, Value: recovered}
			}
		}()
		err = t.run(ctx)
	}()

	scheduler.metrics.RecordTaskRun(ctx, t.name, err)
	if err != nil && ctx.Err() == nil {
		scheduler.logger.Error("scheduler_task_failed",
			slog.String("task", t.name),
			slog.Duration("elapsed", time.Since(started)),
			slog.Any("error", err),
		)
		return
	}
	scheduler.logger.Debug("scheduler_task_done",
		slog.String("task", t.name),
		slog.Duration("elapsed", time.Since(started)),
	)
}

// PanicError reports a recovered panic inside a task run.
type PanicError struct {
	Task  string
	Value any
}

func (e *PanicError) Error() string {
	return "scheduler_task_panicked: " + e.Task
}
