package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
	"go.uber.org/zap/zapcore"
)

func TestAddRejectsBadJobs(t *testing.T) {
	t.Parallel()

	s := New(nil)
	err := s.Add(Job{Name: "epoch", Spec: "every minute", Run: func(context.Context) error { return nil }})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "epoch")

	err = s.Add(Job{Name: "purge", Spec: "@daily"})
	require.Error(t, err)
	assert.Empty(t, s.Jobs())
}

func TestRunTriggersJobsUntilCanceled(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	s := New(zap.NewNop())
	require.NoError(t, s.Add(Job{
		Name: "epoch",
		Spec: "@every 1s",
		Run: func(ctx context.Context) error {
			calls.Add(1)
			return nil
		},
	}))
	assert.Equal(t, []string{"epoch"}, s.Jobs())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	require.Eventually(t, func() bool { return calls.Load() >= 1 }, 5*time.Second, 50*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("scheduler did not stop")
	}
	require.ErrorIs(t, s.Run(context.Background()), ErrAlreadyRunning)
	require.ErrorIs(t, s.Add(Job{Name: "late", Spec: "@hourly", Run: func(context.Context) error { return nil }}), ErrAlreadyRunning)
}

func TestWrapAppliesTimeoutAndLogsFailures(t *testing.T) {
	t.Parallel()

	core, logs := observer.New(zapcore.DebugLevel)
	s := New(zap.New(core))

	var sawDeadline atomic.Bool
	run := s.wrap(context.Background(), Job{
		Name:    "purge",
		Timeout: time.Millisecond,
		Run: func(ctx context.Context) error {
			<-ctx.Done()
			sawDeadline.Store(errors.Is(ctx.Err(), context.DeadlineExceeded))
			return errors.New("purge failed")
		},
	})
	run()

	assert.True(t, sawDeadline.Load())
	entries := logs.FilterMessage("cron job failed").All()
	require.Len(t, entries, 1)
	assert.Equal(t, "purge", entries[0].ContextMap()["job"])
}

func TestWrapSkipsAfterShutdown(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	var calls atomic.Int32
	run := New(nil).wrap(ctx, Job{Name: "epoch", Run: func(context.Context) error {
		calls.Add(1)
		return nil
	}})
	run()
	assert.Zero(t, calls.Load())
}
