// Package queue provides the bounded per-session serial queue.
//
// Work items run strictly one at a time in enqueue order. The queue is
// bounded: on overflow it either drops the oldest queued item (not the
// in-flight one) or rejects the new item with ErrQueueFull.
package queue

import (
	"errors"
	"log/slog"
	"sync"
)

// ErrQueueFull is returned by Enqueue when the queue is at max depth and
// drop-oldest is disabled.
var ErrQueueFull = errors.New("queue_full")

// Config configures a SerialQueue.
type Config struct {
	// MaxDepth bounds the number of queued (not in-flight) items.
	// Zero means unbounded.
	MaxDepth int
	// DropOldestOnOverflow drops the oldest queued item instead of
	// rejecting the new one.
	DropOldestOnOverflow bool
	// OnOverflow is invoked with the number of dropped items.
	OnOverflow func(dropped int)
}

// SerialQueue executes func items strictly serially. An item's panic is
// isolated to that item; the drain loop keeps going.
type SerialQueue struct {
	mu       sync.Mutex
	items    []func()
	draining bool
	cfg      Config
}

// New creates a serial queue.
func New(cfg Config) *SerialQueue {
	return &SerialQueue{cfg: cfg}
}

// Enqueue appends an item. The item starts only after every previously
// enqueued item has finished and delivered its result.
func (q *SerialQueue) Enqueue(fn func()) error {
	q.mu.Lock()
	dropped := 0
	if q.cfg.MaxDepth > 0 && len(q.items) >= q.cfg.MaxDepth {
		if !q.cfg.DropOldestOnOverflow {
			q.mu.Unlock()
			return ErrQueueFull
		}
		// Drop the oldest queued item. The in-flight item is untouched.
		// Drop and append happen in one critical section so the depth
		// bound holds at every instant.
		q.items = append(q.items[:0:0], q.items[1:]...)
		dropped = 1
	}
	q.items = append(q.items, fn)
	if !q.draining {
		q.draining = true
		go q.drain()
	}
	onOverflow := q.cfg.OnOverflow
	q.mu.Unlock()
	if dropped > 0 && onOverflow != nil {
		onOverflow(dropped)
	}
	return nil
}

// Size is the current queued depth, excluding any in-flight item.
func (q *SerialQueue) Size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Clear discards all queued items without running them. The in-flight
// item, if any, is unaffected.
func (q *SerialQueue) Clear() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := len(q.items)
	q.items = nil
	return n
}

func (q *SerialQueue) drain() {
	for {
		q.mu.Lock()
		if len(q.items) == 0 {
			q.draining = false
			q.mu.Unlock()
			return
		}
		fn := q.items[0]
		q.items = append(q.items[:0:0], q.items[1:]...)
		q.mu.Unlock()

		runIsolated(fn)
	}
}

func runIsolated(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("serial queue item panicked", "panic", r)
		}
	}()
	fn()
}
