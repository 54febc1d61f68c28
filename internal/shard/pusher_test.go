package shard

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/cap-mirror/internal/mirror"
	memstore "github.com/JakeFAU/cap-mirror/internal/storage/memory"
)

var started = time.Date(2011, 1, 1, 12, 0, 0, 0, time.UTC)

func TestMaybePushShardIsIdempotentUnderConcurrency(t *testing.T) {
	t.Parallel()

	store := memstore.NewStore()
	lane := &recordingLane{}
	pusher := NewPusher(store, lane, nil, zap.NewNop())
	crawl := mirror.Crawl{Started: started}

	var created atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, isNew, err := pusher.MaybePushShard(context.Background(), crawl, "feed", "http://example.com/a.xml")
			assert.NoError(t, err)
			if isNew {
				created.Add(1)
			}
		}()
	}
	wg.Wait()

	require.Equal(t, int32(1), created.Load())
	require.Equal(t, []mirror.Task{mirror.WorkerTask(DeriveKey(crawl, "http://example.com/a.xml"))}, lane.Tasks())
}

func TestMaybePushShardSequentialCallsReportCreatedOnce(t *testing.T) {
	t.Parallel()

	store := memstore.NewStore()
	lane := &recordingLane{}
	pusher := NewPusher(store, lane, nil, nil)
	crawl := mirror.Crawl{Started: started}
	ctx := context.Background()

	first, created, err := pusher.MaybePushShard(ctx, crawl, "feed", "u")
	require.NoError(t, err)
	require.True(t, created)
	require.False(t, first.IsDone)
	require.Equal(t, "CrawlShard 2011-01-01 12:00:00.000000 u", first.Key)
	require.Equal(t, crawl.Key(), first.CrawlKey)
	require.Equal(t, "feed", first.FeedURL)

	second, created, err := pusher.MaybePushShard(ctx, crawl, "feed", "u")
	require.NoError(t, err)
	require.False(t, created)
	require.Equal(t, first.Key, second.Key)
	require.Len(t, lane.Tasks(), 1)

	other := mirror.Crawl{Started: started.Add(time.Hour)}
	_, created, err = pusher.MaybePushShard(ctx, other, "feed", "u")
	require.NoError(t, err)
	require.True(t, created)
}

func TestMaybePushShardEnqueueFailureKeepsShard(t *testing.T) {
	t.Parallel()

	store := memstore.NewStore()
	lane := &recordingLane{err: errors.New("queue full")}
	pusher := NewPusher(store, lane, nil, nil)
	crawl := mirror.Crawl{Started: started}

	shard, created, err := pusher.MaybePushShard(context.Background(), crawl, "", "u")
	require.Error(t, err)
	require.True(t, created)

	stored, err := store.GetShard(context.Background(), shard.Key)
	require.NoError(t, err)
	require.False(t, stored.IsDone)
}

func TestScheduleViaPushLaneCreatesShardFirst(t *testing.T) {
	t.Parallel()

	store := memstore.NewStore()
	workers := &recordingLane{}
	pushes := &recordingLane{}
	pusher := NewPusher(store, workers, pushes, nil)
	crawl := mirror.Crawl{Started: started}
	ctx := context.Background()
	require.NoError(t, store.PutCrawl(ctx, crawl))

	require.NoError(t, pusher.Schedule(ctx, crawl, "feed", "u1", true))
	want := mirror.PushTask(crawl.Key(), "feed", "u1")
	want.Shard = DeriveKey(crawl, "u1")
	require.Equal(t, []mirror.Task{want}, pushes.Tasks())
	require.Empty(t, workers.Tasks())

	// The record is there before the push lane drains.
	pending, err := store.HasPendingShards(ctx, crawl.Key())
	require.NoError(t, err)
	require.True(t, pending)

	// Scheduling the same URL again dispatches nothing.
	require.NoError(t, pusher.Schedule(ctx, crawl, "feed", "u1", true))
	require.Len(t, pushes.Tasks(), 1)

	require.NoError(t, pusher.Schedule(ctx, crawl, "feed", "u2", false))
	require.Len(t, workers.Tasks(), 1)
}

func TestHandlePushForwardsPendingShard(t *testing.T) {
	t.Parallel()

	store := memstore.NewStore()
	workers := &recordingLane{}
	pushes := &recordingLane{}
	pusher := NewPusher(store, workers, pushes, nil)
	crawl := mirror.Crawl{Started: started}
	ctx := context.Background()
	require.NoError(t, store.PutCrawl(ctx, crawl))
	require.NoError(t, pusher.Schedule(ctx, crawl, "feed", "u", true))
	task := pushes.Tasks()[0]

	require.NoError(t, pusher.HandlePush(ctx, task))
	require.Equal(t, []mirror.Task{mirror.WorkerTask(task.Shard)}, workers.Tasks())

	// Once the shard is done a redelivered push task is a no-op.
	shard, err := store.GetShard(ctx, task.Shard)
	require.NoError(t, err)
	shard.IsDone = true
	require.NoError(t, store.PutShard(ctx, shard))
	require.NoError(t, pusher.HandlePush(ctx, task))
	require.Len(t, workers.Tasks(), 1)

	// Unknown shards are dropped.
	require.NoError(t, pusher.HandlePush(ctx, mirror.Task{Lane: mirror.LanePush, Shard: "CrawlShard gone u"}))
	require.Len(t, workers.Tasks(), 1)
}

func TestHandlePush(t *testing.T) {
	t.Parallel()

	store := memstore.NewStore()
	workers := &recordingLane{}
	pusher := NewPusher(store, workers, nil, nil)
	ctx := context.Background()
	crawl := mirror.Crawl{Started: started, FeedURLs: []string{"feed"}}
	require.NoError(t, store.PutCrawl(ctx, crawl))
	require.NoError(t, store.PutFeed(ctx, mirror.NewFeed("feed")))

	require.NoError(t, pusher.HandlePush(ctx, mirror.PushTask(crawl.Key(), "feed", "u")))
	require.NoError(t, pusher.HandlePush(ctx, mirror.PushTask(crawl.Key(), "feed", "u")))
	require.Len(t, workers.Tasks(), 1)

	// Unknown crawl or feed: dropped without error.
	require.NoError(t, pusher.HandlePush(ctx, mirror.PushTask("1999-01-01 00:00:00.000000", "feed", "x")))
	require.NoError(t, pusher.HandlePush(ctx, mirror.PushTask(crawl.Key(), "gone", "x")))
	require.Len(t, workers.Tasks(), 1)

	require.ErrorIs(t, pusher.HandlePush(ctx, mirror.Task{Lane: mirror.LanePush}), mirror.ErrBadTask)
}

func TestHandlePushDropsTasksForFinishedCrawl(t *testing.T) {
	t.Parallel()

	store := memstore.NewStore()
	workers := &recordingLane{}
	pusher := NewPusher(store, workers, nil, nil)
	ctx := context.Background()
	crawl := mirror.Crawl{Started: started, IsDone: true, Finished: started.Add(time.Minute)}
	require.NoError(t, store.PutCrawl(ctx, crawl))

	require.NoError(t, pusher.HandlePush(ctx, mirror.PushTask(crawl.Key(), "", "late")))
	require.Empty(t, workers.Tasks())
	pending, err := store.HasPendingShards(ctx, crawl.Key())
	require.NoError(t, err)
	require.False(t, pending)
}

// --- fakes ---

type recordingLane struct {
	mu    sync.Mutex
	tasks []mirror.Task
	err   error
}

func (r *recordingLane) Enqueue(_ context.Context, task mirror.Task) error {
	if r.err != nil {
		return r.err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tasks = append(r.tasks, task)
	return nil
}

func (r *recordingLane) Tasks() []mirror.Task {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]mirror.Task(nil), r.tasks...)
}
