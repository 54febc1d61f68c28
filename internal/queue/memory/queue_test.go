package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/cap-mirror/internal/mirror"
)

func TestQueueEnqueueDequeue(t *testing.T) {
	t.Parallel()

	q := NewQueue(1)
	result := make(chan mirror.Task, 1)
	errCh := make(chan error, 1)

	go func() {
		d, err := q.Dequeue(context.Background())
		if err != nil {
			errCh <- err
			return
		}
		d.Ack()
		result <- d.Task
	}()

	require.NoError(t, q.Enqueue(context.Background(), mirror.WorkerTask("shard-1")))
	select {
	case err := <-errCh:
		t.Fatalf("Dequeue() error = %v", err)
	case got := <-result:
		require.Equal(t, mirror.LaneWorker, got.Lane)
		require.Equal(t, "shard-1", got.Shard)
	case <-time.After(time.Second):
		t.Fatal("dequeue did not return task")
	}
}

func TestQueueIsFIFO(t *testing.T) {
	t.Parallel()

	q := NewQueue(0)
	for _, key := range []string{"a", "b", "c"} {
		require.NoError(t, q.Enqueue(context.Background(), mirror.WorkerTask(key)))
	}
	for _, want := range []string{"a", "b", "c"} {
		d, err := q.Dequeue(context.Background())
		require.NoError(t, err)
		assert.Equal(t, want, d.Task.Shard)
		d.Ack()
	}
	assert.Equal(t, 0, q.Len())
}

func TestQueueEnqueueNeverBlocksPastCapacity(t *testing.T) {
	t.Parallel()

	q := NewQueue(2)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 100; i++ {
			_ = q.Enqueue(context.Background(), mirror.WorkerTask("s"))
		}
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("enqueue blocked on a full lane")
	}
	assert.Equal(t, 100, q.Len())
}

func TestQueueNackRedelivers(t *testing.T) {
	t.Parallel()

	q := NewQueue(1, WithRedeliveryDelay(10*time.Millisecond))
	require.NoError(t, q.Enqueue(context.Background(), mirror.WorkerTask("shard-1")))

	first, err := q.Dequeue(context.Background())
	require.NoError(t, err)
	first.Nack()
	first.Nack()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	again, err := q.Dequeue(ctx)
	require.NoError(t, err)
	assert.Equal(t, "shard-1", again.Task.Shard)
	again.Ack()
	assert.Equal(t, 0, q.Len(), "a settled delivery is not redelivered twice")
}

func TestQueueCancelationErrors(t *testing.T) {
	t.Parallel()

	qDequeue := NewQueue(1)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := qDequeue.Dequeue(ctx)
	require.EqualError(t, err, "dequeue canceled: context canceled")
	require.True(t, mirror.IsControl(err))

	qEnqueue := NewQueue(1)
	require.NoError(t, qEnqueue.Enqueue(context.Background(), mirror.PushTask("k", "f", "u")))
	require.Equal(t, 1, qEnqueue.Len())
	err = qEnqueue.Enqueue(ctx, mirror.Task{})
	require.EqualError(t, err, "enqueue canceled: context canceled")
}

func TestQueueClose(t *testing.T) {
	t.Parallel()

	q := NewQueue(1, WithRedeliveryDelay(0))
	require.NoError(t, q.Enqueue(context.Background(), mirror.WorkerTask("s")))
	d, err := q.Dequeue(context.Background())
	require.NoError(t, err)

	q.Close()
	_, err = q.Dequeue(context.Background())
	require.ErrorIs(t, err, ErrClosed)
	require.ErrorIs(t, q.Enqueue(context.Background(), mirror.WorkerTask("s")), ErrClosed)
	d.Nack()
	assert.Equal(t, 0, q.Len())
	// Closing twice should be safe.
	q.Close()
}

func TestQueueCloseWakesWaitingConsumer(t *testing.T) {
	t.Parallel()

	q := NewQueue(0)
	errCh := make(chan error, 1)
	go func() {
		_, err := q.Dequeue(context.Background())
		errCh <- err
	}()
	time.Sleep(10 * time.Millisecond)
	q.Close()
	select {
	case err := <-errCh:
		require.ErrorIs(t, err, ErrClosed)
	case <-time.After(time.Second):
		t.Fatal("waiting consumer was not released by Close")
	}
}
