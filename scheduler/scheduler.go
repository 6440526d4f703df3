// Package scheduler polls the persistent task table and drives due
// prompts through the shared dispatch queue.
package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/hrygo/clawgate/queue"
	"github.com/hrygo/clawgate/store"
)

// PollInterval is the sweep cadence.
const PollInterval = 60 * time.Second

// overdueLogThreshold marks the "missed during sleep" case.
const overdueLogThreshold = 300 * time.Second

// Executor runs one scheduled prompt and returns the reply text.
type Executor func(ctx context.Context, task *store.Task) (string, error)

// Scheduler owns the polling loop.
type Scheduler struct {
	store      *store.Store
	dispatcher *queue.Dispatcher
	execute    Executor

	interval time.Duration
	now      func() time.Time

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

// New creates a scheduler; Start must be called to begin polling.
func New(s *store.Store, d *queue.Dispatcher, execute Executor) *Scheduler {
	return &Scheduler{
		store:      s,
		dispatcher: d,
		execute:    execute,
		interval:   PollInterval,
		now:        time.Now,
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
	}
}

// Start runs one immediate sweep, then polls until Stop.
func (s *Scheduler) Start(ctx context.Context) {
	go func() {
		defer close(s.done)

		s.Sweep(ctx)
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				s.Sweep(ctx)
			case <-s.stop:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop halts the polling loop and waits for it to exit. In-flight
// executions are not interrupted.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() { close(s.stop) })
	<-s.done
}

// Sweep pulls every due task and runs each through the dispatcher
// under its task-namespace key.
func (s *Scheduler) Sweep(ctx context.Context) {
	nowTs := s.now().Unix()
	due, err := s.store.DueTasks(ctx, nowTs)
	if err != nil {
		slog.Error("due-task query failed", "error", err)
		return
	}

	for _, task := range due {
		overdueBy := nowTs - task.NextRun
		if overdueBy > int64(overdueLogThreshold/time.Second) {
			slog.Info("running task missed while asleep",
				"task_id", task.ID,
				"chat_id", task.ChatID,
				"overdue_seconds", overdueBy)
		}
		s.runTask(ctx, task)
	}
}

// runTask executes one task and records the outcome. The queue key is
// disjoint from the chat's interactive key so a long scheduled run
// never freezes the user's stream, while still counting against the
// global cap.
func (s *Scheduler) runTask(ctx context.Context, task *store.Task) {
	err := s.dispatcher.Enqueue(ctx, queue.TaskKey(task.ChatID), func(ctx context.Context) error {
		result, execErr := s.execute(ctx, task)
		ranAt := s.now().Unix()

		if execErr != nil {
			result = "ERROR: " + execErr.Error()
			slog.Warn("scheduled task failed",
				"task_id", task.ID,
				"chat_id", task.ChatID,
				"error", execErr)
		}

		nextRun, cronErr := ComputeNextRun(task.Schedule, s.now())
		if cronErr != nil {
			slog.Error("next-run computation failed; task left as-is",
				"task_id", task.ID,
				"schedule", task.Schedule,
				"error", cronErr)
			return nil
		}
		if err := s.store.RecordTaskRun(ctx, task.ID, ranAt, result, nextRun); err != nil {
			slog.Error("task result update failed", "task_id", task.ID, "error", err)
		}
		return nil
	})
	if err != nil {
		slog.Error("task dispatch failed", "task_id", task.ID, "error", err)
	}
}
