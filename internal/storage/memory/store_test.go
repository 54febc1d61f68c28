package memory

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/cap-mirror/internal/mirror"
)

var base = time.Date(2011, 1, 1, 12, 0, 0, 0, time.UTC)

func TestGetOrCreateShardConvergesUnderConcurrency(t *testing.T) {
	t.Parallel()

	store := NewStore()
	ctx := context.Background()
	crawl := mirror.Crawl{Started: base}
	key := mirror.ShardKey(crawl, "http://example.com/a.xml")

	var created atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, isNew, err := store.GetOrCreateShard(ctx, mirror.Shard{
				Key:      key,
				CrawlKey: crawl.Key(),
				URL:      "http://example.com/a.xml",
			})
			assert.NoError(t, err)
			if isNew {
				created.Add(1)
			}
		}()
	}
	wg.Wait()

	require.Equal(t, int32(1), created.Load())
	keys, err := store.ShardKeys(ctx, crawl.Key(), 0)
	require.NoError(t, err)
	require.Equal(t, []string{key}, keys)
}

func TestGetOrCreateShardReturnsExisting(t *testing.T) {
	t.Parallel()

	store := NewStore()
	ctx := context.Background()
	first, created, err := store.GetOrCreateShard(ctx, mirror.Shard{Key: "k", CrawlKey: "c", URL: "u"})
	require.NoError(t, err)
	require.True(t, created)

	first.IsDone = true
	first.Error = "boom"
	require.NoError(t, store.PutShard(ctx, first))

	again, created, err := store.GetOrCreateShard(ctx, mirror.Shard{Key: "k", CrawlKey: "c", URL: "u"})
	require.NoError(t, err)
	require.False(t, created)
	require.True(t, again.IsDone)
	require.Equal(t, "boom", again.Error)

	require.ErrorIs(t, store.PutShard(ctx, mirror.Shard{Key: "missing"}), mirror.ErrNotFound)
}

func TestCrawlQueries(t *testing.T) {
	t.Parallel()

	store := NewStore()
	ctx := context.Background()

	_, err := store.LatestInProgressCrawl(ctx)
	require.ErrorIs(t, err, mirror.ErrNotFound)

	c1 := mirror.Crawl{Started: base, IsDone: true}
	c2 := mirror.Crawl{Started: base.Add(time.Hour)}
	c3 := mirror.Crawl{Started: base.Add(2 * time.Hour)}
	c4 := mirror.Crawl{Started: base.Add(3 * time.Hour), IsDone: true}
	for _, c := range []mirror.Crawl{c1, c2, c3, c4} {
		require.NoError(t, store.PutCrawl(ctx, c))
	}

	latest, err := store.LatestInProgressCrawl(ctx)
	require.NoError(t, err)
	require.Equal(t, c3.Key(), latest.Key())

	recent, err := store.MostRecentCrawl(ctx)
	require.NoError(t, err)
	require.Equal(t, c4.Key(), recent.Key())

	oldest, err := store.OldestCrawlBefore(ctx, base.Add(90*time.Minute))
	require.NoError(t, err)
	require.Equal(t, c1.Key(), oldest.Key())

	_, err = store.OldestCrawlBefore(ctx, base)
	require.ErrorIs(t, err, mirror.ErrNotFound)

	page, err := store.ListCrawls(ctx, mirror.Page{Limit: 2, Offset: 1})
	require.NoError(t, err)
	require.Len(t, page, 2)
	require.Equal(t, c3.Key(), page[0].Key())
	require.Equal(t, c2.Key(), page[1].Key())

	require.NoError(t, store.DeleteCrawls(ctx, []string{c1.Key()}))
	_, err = store.GetCrawl(ctx, c1.Key())
	require.ErrorIs(t, err, mirror.ErrNotFound)
}

func TestFeedsAndLastCrawlKeys(t *testing.T) {
	t.Parallel()

	store := NewStore()
	ctx := context.Background()

	notRoot := mirror.NewFeed("b")
	notRoot.IsRoot = false
	paused := mirror.NewFeed("c")
	paused.IsCrawlable = false
	for _, f := range []mirror.Feed{mirror.NewFeed("a"), notRoot, paused, mirror.NewFeed("d")} {
		require.NoError(t, store.PutFeed(ctx, f))
	}

	roots, err := store.ListRootFeeds(ctx)
	require.NoError(t, err)
	require.Len(t, roots, 2)
	require.Equal(t, "a", roots[0].URL)
	require.Equal(t, "d", roots[1].URL)

	require.NoError(t, store.SetLastCrawl(ctx, "a", "k1"))
	require.NoError(t, store.SetLastCrawl(ctx, "b", "k1"))
	require.NoError(t, store.SetLastCrawl(ctx, "d", "k2"))
	require.ErrorIs(t, store.SetLastCrawl(ctx, "zzz", "k2"), mirror.ErrNotFound)

	keys, err := store.LastCrawlKeys(ctx, 100)
	require.NoError(t, err)
	require.Equal(t, []string{"k1", "k2"}, keys)

	feedKeys, err := store.FeedKeys(ctx, 3)
	require.NoError(t, err)
	require.Equal(t, []string{"a", "b", "c"}, feedKeys)
	require.NoError(t, store.DeleteFeeds(ctx, feedKeys))
	all, err := store.ListFeeds(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)
}

func TestShardAndAlertListings(t *testing.T) {
	t.Parallel()

	store := NewStore()
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		url := fmt.Sprintf("u%d", i)
		_, _, err := store.GetOrCreateShard(ctx, mirror.Shard{
			Key:      mirror.ShardKeyFor("c1", url),
			CrawlKey: "c1",
			URL:      url,
			IsDone:   i != 3,
		})
		require.NoError(t, err)
		require.NoError(t, store.PutAlert(ctx, mirror.Alert{Key: mirror.AlertKey("c1", url), CrawlKey: "c1", URL: url}))
	}
	_, _, err := store.GetOrCreateShard(ctx, mirror.Shard{Key: "other", CrawlKey: "c2", URL: "x", IsDone: true})
	require.NoError(t, err)

	pending, err := store.HasPendingShards(ctx, "c1")
	require.NoError(t, err)
	require.True(t, pending)
	pending, err = store.HasPendingShards(ctx, "c2")
	require.NoError(t, err)
	require.False(t, pending)

	shards, err := store.ListShards(ctx, "c1", mirror.Page{Limit: 2, Offset: 3})
	require.NoError(t, err)
	require.Len(t, shards, 2)
	require.Equal(t, "u3", shards[0].URL)

	empty, err := store.ListShards(ctx, "c1", mirror.Page{Offset: 50})
	require.NoError(t, err)
	require.Empty(t, empty)

	keys, err := store.ShardKeys(ctx, "", 0)
	require.NoError(t, err)
	require.Len(t, keys, 6)

	alertKeys, err := store.AlertKeys(ctx, "c1", 2)
	require.NoError(t, err)
	require.Len(t, alertKeys, 2)
	require.NoError(t, store.DeleteAlerts(ctx, alertKeys))
	alerts, err := store.ListAlerts(ctx, "c1", mirror.Page{})
	require.NoError(t, err)
	require.Len(t, alerts, 3)
}

func TestLockerLease(t *testing.T) {
	t.Parallel()

	now := base
	locker := NewLocker(func() time.Time { return now })
	ctx := context.Background()

	require.NoError(t, locker.Acquire(ctx, "epoch", "a", time.Minute))
	require.ErrorIs(t, locker.Acquire(ctx, "epoch", "b", time.Minute), mirror.ErrLockHeld)
	require.NoError(t, locker.Acquire(ctx, "epoch", "a", time.Minute))

	require.NoError(t, locker.Release(ctx, "epoch", "b"))
	require.ErrorIs(t, locker.Acquire(ctx, "epoch", "b", time.Minute), mirror.ErrLockHeld)

	now = now.Add(2 * time.Minute)
	require.NoError(t, locker.Acquire(ctx, "epoch", "b", time.Minute))
	require.NoError(t, locker.Release(ctx, "epoch", "b"))
	require.NoError(t, locker.Acquire(ctx, "epoch", "a", time.Minute))
}
