// Package dispatcher runs the lane consumers and routes tasks to their lanes.
package dispatcher

import (
	"context"
	"fmt"
	"sync"

	"github.com/JakeFAU/cap-mirror/internal/mirror"
	"github.com/JakeFAU/cap-mirror/internal/worker"
)

// Dispatcher owns one queue per lane and a pool of runners consuming them.
type Dispatcher struct {
	queues  map[mirror.Lane]mirror.Queue
	runners []*worker.Runner
}

// New creates a Dispatcher.
func New(queues map[mirror.Lane]mirror.Queue, runners []*worker.Runner) *Dispatcher {
	return &Dispatcher{
		queues:  queues,
		runners: runners,
	}
}

// Run starts all runners and blocks until the context finishes.
func (d *Dispatcher) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for _, r := range d.runners {
		wg.Add(1)
		go func(rn *worker.Runner) {
			defer wg.Done()
			rn.Run(ctx)
		}(r)
	}
	<-ctx.Done()
	wg.Wait()
}

// Enqueue routes task to the queue of its lane.
func (d *Dispatcher) Enqueue(ctx context.Context, task mirror.Task) error {
	q, ok := d.queues[task.Lane]
	if !ok {
		return fmt.Errorf("no queue for lane %q", task.Lane)
	}
	if err := q.Enqueue(ctx, task); err != nil {
		return fmt.Errorf("queue enqueue: %w", err)
	}
	return nil
}

// Lane returns an Enqueuer bound to one lane.
func (d *Dispatcher) Lane(lane mirror.Lane) mirror.Enqueuer {
	return laneEnqueuer{d: d, lane: lane}
}

type laneEnqueuer struct {
	d    *Dispatcher
	lane mirror.Lane
}

func (l laneEnqueuer) Enqueue(ctx context.Context, task mirror.Task) error {
	task.Lane = l.lane
	return l.d.Enqueue(ctx, task)
}
