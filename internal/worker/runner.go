package worker

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/JakeFAU/cap-mirror/internal/metrics"
	"github.com/JakeFAU/cap-mirror/internal/mirror"
)

// Handler processes one delivered task.
type Handler func(ctx context.Context, task mirror.Task) error

// Runner consumes one lane queue and hands every task to its handler.
type Runner struct {
	lane   mirror.Lane
	queue  mirror.Queue
	handle Handler
	logger *zap.Logger
}

// NewRunner constructs a Runner for lane.
func NewRunner(lane mirror.Lane, queue mirror.Queue, handle Handler, logger *zap.Logger) *Runner {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Runner{
		lane:   lane,
		queue:  queue,
		handle: handle,
		logger: logger.With(zap.String("lane", string(lane))),
	}
}

// Lane returns the lane this runner consumes.
func (r *Runner) Lane() mirror.Lane {
	return r.lane
}

// Run blocks, consuming tasks until the context finishes or the queue closes.
func (r *Runner) Run(ctx context.Context) {
	for {
		d, err := r.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if errors.Is(err, mirror.ErrQueueClosed) {
				r.logger.Info("queue closed, runner exiting")
				return
			}
			r.logger.Error("queue dequeue failed", zap.Error(err))
			continue
		}
		r.dispatch(ctx, d)
	}
}

// dispatch runs the handler and settles the delivery. Only malformed tasks
// are dropped on error; anything else goes back to the lane so the shard is
// not stranded in a pending state.
func (r *Runner) dispatch(ctx context.Context, d mirror.Delivery) {
	metrics.IncActiveWorkers(string(r.lane))
	defer metrics.DecActiveWorkers(string(r.lane))

	task := d.Task
	err := r.handle(ctx, task)
	if err == nil {
		d.Ack()
		r.logger.Debug("task handled", zap.String("shard", task.Shard), zap.String("url", task.URL))
		return
	}
	fields := []zap.Field{
		zap.String("shard", task.Shard),
		zap.String("url", task.URL),
		zap.Error(err),
	}
	switch {
	case errors.Is(err, mirror.ErrBadTask):
		d.Ack()
		r.logger.Error("dropping malformed task", fields...)
	case mirror.IsControl(err):
		d.Nack()
		r.logger.Warn("task interrupted, returned to lane", fields...)
	default:
		d.Nack()
		r.logger.Error("task failed, returned to lane", fields...)
	}
}
