// Package memory provides the bounded, joinable in-process queues that connect
// the queue controller with the workers.
package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

var (
	// ErrClosed is returned once the queue is closed and drained.
	ErrClosed = errors.New("queue closed")
	// ErrFull is returned by TryEnqueue when no slot is free.
	ErrFull = errors.New("queue full")
	// ErrEmpty is returned by TryDequeue when nothing is buffered.
	ErrEmpty = errors.New("queue empty")
	// ErrTaskDone is returned when TaskDone is called more often than items were added.
	ErrTaskDone = errors.New("task_done called too many times")
)

// Queue is a bounded FIFO that tracks unfinished items. Every successful
// enqueue must be matched by exactly one TaskDone after the item is dequeued;
// Join returns once all items have been acknowledged.
type Queue[T any] struct {
	ch   chan T
	done chan struct{}

	closeMu sync.Mutex
	closed  bool

	mu         sync.Mutex
	unfinished int
	idle       chan struct{}
}

// NewQueue constructs a new queue with the provided capacity.
func NewQueue[T any](capacity int) *Queue[T] {
	if capacity < 1 {
		capacity = 1
	}
	idle := make(chan struct{})
	close(idle)
	return &Queue[T]{
		ch:   make(chan T, capacity),
		done: make(chan struct{}),
		idle: idle,
	}
}

// Enqueue blocks until the item is buffered, the context ends, or the queue closes.
func (q *Queue[T]) Enqueue(ctx context.Context, item T) error {
	if q.isClosed() {
		return ErrClosed
	}
	q.addUnfinished()
	select {
	case <-ctx.Done():
		q.removeUnfinished()
		return fmt.Errorf("enqueue canceled: %w", ctx.Err())
	case <-q.done:
		q.removeUnfinished()
		return ErrClosed
	case q.ch <- item:
		return nil
	}
}

// TryEnqueue buffers the item only if a slot is free right now.
func (q *Queue[T]) TryEnqueue(item T) error {
	if q.isClosed() {
		return ErrClosed
	}
	q.addUnfinished()
	select {
	case q.ch <- item:
		return nil
	default:
		q.removeUnfinished()
		return ErrFull
	}
}

// Dequeue pops the next item, respecting context cancellation. Buffered items
// are still delivered after Close; ErrClosed is returned once none remain.
func (q *Queue[T]) Dequeue(ctx context.Context) (T, error) {
	var zero T
	select {
	case item := <-q.ch:
		return item, nil
	default:
	}
	select {
	case <-ctx.Done():
		return zero, fmt.Errorf("dequeue canceled: %w", ctx.Err())
	case item := <-q.ch:
		return item, nil
	case <-q.done:
		select {
		case item := <-q.ch:
			return item, nil
		default:
			return zero, ErrClosed
		}
	}
}

// TryDequeue pops the next item without blocking.
func (q *Queue[T]) TryDequeue() (T, error) {
	var zero T
	select {
	case item := <-q.ch:
		return item, nil
	default:
		if q.isClosed() {
			return zero, ErrClosed
		}
		return zero, ErrEmpty
	}
}

// TaskDone acknowledges one previously dequeued item.
func (q *Queue[T]) TaskDone() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.unfinished == 0 {
		return ErrTaskDone
	}
	q.unfinished--
	if q.unfinished == 0 {
		close(q.idle)
	}
	return nil
}

// Join blocks until every enqueued item has been acknowledged.
func (q *Queue[T]) Join(ctx context.Context) error {
	q.mu.Lock()
	idle := q.idle
	q.mu.Unlock()
	select {
	case <-ctx.Done():
		return fmt.Errorf("join canceled: %w", ctx.Err())
	case <-idle:
		return nil
	}
}

// Len reports the number of buffered items.
func (q *Queue[T]) Len() int {
	return len(q.ch)
}

// Cap reports the queue capacity.
func (q *Queue[T]) Cap() int {
	return cap(q.ch)
}

// Unfinished reports how many enqueued items still await TaskDone.
func (q *Queue[T]) Unfinished() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.unfinished
}

// Close stops further enqueues and wakes blocked callers. Safe to call twice.
func (q *Queue[T]) Close() {
	q.closeMu.Lock()
	defer q.closeMu.Unlock()
	if q.closed {
		return
	}
	close(q.done)
	q.closed = true
}

func (q *Queue[T]) isClosed() bool {
	q.closeMu.Lock()
	defer q.closeMu.Unlock()
	return q.closed
}

func (q *Queue[T]) addUnfinished() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.unfinished == 0 {
		q.idle = make(chan struct{})
	}
	q.unfinished++
}

func (q *Queue[T]) removeUnfinished() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.unfinished--
	if q.unfinished == 0 {
		close(q.idle)
	}
}
