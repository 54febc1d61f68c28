package dispatcher

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/cap-mirror/internal/mirror"
	"github.com/JakeFAU/cap-mirror/internal/worker"
)

// TestDispatcherRunStartsRunners ensures runners begin consuming and stop on cancel.
func TestDispatcherRunStartsRunners(t *testing.T) {
	t.Parallel()

	queue := &blockingQueue{started: make(chan struct{}, 1)}
	r := worker.NewRunner(mirror.LaneWorker, queue, func(context.Context, mirror.Task) error { return nil }, zap.NewNop())
	dispatch := New(map[mirror.Lane]mirror.Queue{mirror.LaneWorker: queue}, []*worker.Runner{r})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		dispatch.Run(ctx)
		close(done)
	}()

	select {
	case <-queue.started:
	case <-time.After(time.Second):
		t.Fatal("runner did not begin dequeuing")
	}

	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("dispatcher did not stop after context cancel")
	}
}

// TestDispatcherEnqueueForwardsErrors verifies queue errors are wrapped for callers.
func TestDispatcherEnqueueForwardsErrors(t *testing.T) {
	t.Parallel()

	queue := &errorQueue{err: errors.New("boom")}
	dispatch := New(map[mirror.Lane]mirror.Queue{mirror.LaneWorker: queue}, nil)

	err := dispatch.Enqueue(context.Background(), mirror.WorkerTask("s"))
	require.EqualError(t, err, "queue enqueue: boom")

	err = dispatch.Enqueue(context.Background(), mirror.PushTask("k", "f", "u"))
	require.EqualError(t, err, `no queue for lane "push"`)
}

func TestDispatcherLaneStampsLane(t *testing.T) {
	t.Parallel()

	push := &recordingQueue{}
	dispatch := New(map[mirror.Lane]mirror.Queue{mirror.LanePush: push}, nil)

	require.NoError(t, dispatch.Lane(mirror.LanePush).Enqueue(context.Background(), mirror.Task{URL: "u"}))
	require.Len(t, push.tasks, 1)
	require.Equal(t, mirror.LanePush, push.tasks[0].Lane)
}

// --- fakes ---

type blockingQueue struct {
	started chan struct{}
}

func (q *blockingQueue) Enqueue(_ context.Context, _ mirror.Task) error {
	return nil
}

func (q *blockingQueue) Dequeue(ctx context.Context) (mirror.Delivery, error) {
	select {
	case q.started <- struct{}{}:
	default:
	}
	<-ctx.Done()
	return mirror.Delivery{}, ctx.Err()
}

type errorQueue struct {
	err error
}

func (q *errorQueue) Enqueue(context.Context, mirror.Task) error {
	return q.err
}

func (q *errorQueue) Dequeue(ctx context.Context) (mirror.Delivery, error) {
	<-ctx.Done()
	return mirror.Delivery{}, ctx.Err()
}

type recordingQueue struct {
	tasks []mirror.Task
}

func (q *recordingQueue) Enqueue(_ context.Context, task mirror.Task) error {
	q.tasks = append(q.tasks, task)
	return nil
}

func (q *recordingQueue) Dequeue(ctx context.Context) (mirror.Delivery, error) {
	<-ctx.Done()
	return mirror.Delivery{}, ctx.Err()
}
