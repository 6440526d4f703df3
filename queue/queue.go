// Package queue provides the admission discipline for agent turns:
// strict FIFO per chat, a global concurrency cap across chats, and a
// per-chat sliding-window rate limiter. All turn-producing work in the
// process passes through a single Dispatcher.
package queue

import (
	"context"
	"strconv"
	"sync"

	"golang.org/x/sync/semaphore"
)

// MaxConcurrent is the process-wide cap on simultaneously executing
// task bodies.
const MaxConcurrent = 2

// Dispatcher serializes tasks per key and gates execution globally.
// Scheduled work uses a distinct key namespace (see TaskKey) so a slow
// scheduled run never blocks the same chat's interactive stream.
type Dispatcher struct {
	mu    sync.Mutex
	tails map[string]chan struct{}
	sem   *semaphore.Weighted
}

// NewDispatcher creates a dispatcher with the given global cap.
func NewDispatcher(maxConcurrent int64) *Dispatcher {
	if maxConcurrent <= 0 {
		maxConcurrent = MaxConcurrent
	}
	return &Dispatcher{
		tails: make(map[string]chan struct{}),
		sem:   semaphore.NewWeighted(maxConcurrent),
	}
}

// Enqueue runs fn after every previously enqueued task for the same key
// has settled, holding a global concurrency slot for the duration of
// fn only (not the wait). It blocks until fn settles and returns fn's
// error. A panicking or failing fn still releases its slot and still
// unblocks its successor. Context cancellation while waiting abandons
// the run without leaking the slot.
func (d *Dispatcher) Enqueue(ctx context.Context, key string, fn func(ctx context.Context) error) error {
	done := make(chan struct{})

	d.mu.Lock()
	prev := d.tails[key]
	d.tails[key] = done
	d.mu.Unlock()

	settle := func() {
		close(done)
		d.mu.Lock()
		// Evict only if we are still the tail, keeping the map bounded.
		if d.tails[key] == done {
			delete(d.tails, key)
		}
		d.mu.Unlock()
	}

	if prev != nil {
		select {
		case <-prev:
		case <-ctx.Done():
			// Pass the turn on only once the predecessor settles, so a
			// successor never overlaps it.
			go func() {
				<-prev
				settle()
			}()
			return ctx.Err()
		}
	}
	defer settle()

	if err := d.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	defer d.sem.Release(1)

	return fn(ctx)
}

// TaskKey returns the scheduled-task queue key for a chat. It shares
// the global cap with interactive turns but queues independently.
func TaskKey(chatID int64) string {
	return "__task__" + chatKey(chatID)
}

// ChatKey returns the interactive queue key for a chat.
func ChatKey(chatID int64) string {
	return chatKey(chatID)
}

func chatKey(chatID int64) string {
	return strconv.FormatInt(chatID, 10)
}
