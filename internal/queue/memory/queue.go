// Package memory provides lane queues for single-process deployments.
package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/JakeFAU/cap-mirror/internal/mirror"
)

// ErrClosed is returned once the queue has been closed.
var ErrClosed = mirror.ErrQueueClosed

// DefaultRedeliveryDelay is how long a nacked task waits before it is
// delivered again.
const DefaultRedeliveryDelay = time.Second

// Option configures a Queue.
type Option func(*Queue)

// WithRedeliveryDelay overrides DefaultRedeliveryDelay.
func WithRedeliveryDelay(d time.Duration) Option {
	return func(q *Queue) {
		if d >= 0 {
			q.redelivery = d
		}
	}
}

// Queue is an in-memory FIFO lane. Enqueue never blocks: lane runners enqueue
// fan-out onto the lanes they consume, so a bounded buffer could leave every
// runner waiting on itself. capacity only sizes the initial buffer.
type Queue struct {
	mu         sync.Mutex
	items      []mirror.Task
	ready      chan struct{}
	closed     bool
	redelivery time.Duration
}

// NewQueue constructs a new queue with the provided initial capacity.
func NewQueue(capacity int, opts ...Option) *Queue {
	if capacity < 0 {
		capacity = 0
	}
	q := &Queue{
		items:      make([]mirror.Task, 0, capacity),
		ready:      make(chan struct{}, 1),
		redelivery: DefaultRedeliveryDelay,
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Enqueue appends a task. It fails only when ctx is already done or the queue
// is closed.
func (q *Queue) Enqueue(ctx context.Context, task mirror.Task) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("enqueue canceled: %w", err)
	}
	return q.push(task)
}

func (q *Queue) push(task mirror.Task) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrClosed
	}
	q.items = append(q.items, task)
	q.signal()
	q.mu.Unlock()
	return nil
}

// signal wakes one waiting consumer. Callers hold q.mu and have checked that
// the queue is open.
func (q *Queue) signal() {
	select {
	case q.ready <- struct{}{}:
	default:
	}
}

// Dequeue pops the next task, respecting context cancellation. A nacked
// delivery is appended again after the redelivery delay.
func (q *Queue) Dequeue(ctx context.Context) (mirror.Delivery, error) {
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			task := q.items[0]
			q.items[0] = mirror.Task{}
			q.items = q.items[1:]
			if len(q.items) > 0 {
				q.signal()
			}
			q.mu.Unlock()
			return mirror.NewDelivery(task, q.settler(task)), nil
		}
		closed := q.closed
		q.mu.Unlock()
		if closed {
			return mirror.Delivery{}, ErrClosed
		}

		select {
		case <-ctx.Done():
			return mirror.Delivery{}, fmt.Errorf("dequeue canceled: %w", ctx.Err())
		case <-q.ready:
		}
	}
}

func (q *Queue) settler(task mirror.Task) func(bool) {
	var once sync.Once
	return func(ack bool) {
		once.Do(func() {
			if ack {
				return
			}
			if q.redelivery == 0 {
				_ = q.push(task)
				return
			}
			// A closed queue drops the task; the shard stays pending in the store.
			time.AfterFunc(q.redelivery, func() { _ = q.push(task) })
		})
	}
}

// Len reports the number of buffered tasks.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Close stops the queue. Buffered tasks are dropped and waiting consumers
// return ErrClosed.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	q.items = nil
	close(q.ready)
}
