package purge

import (
	"context"
	"errors"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/cap-mirror/internal/mirror"
	memstore "github.com/JakeFAU/cap-mirror/internal/storage/memory"
)

var now = time.Date(2011, 7, 1, 0, 0, 0, 0, time.UTC)

func TestPurgeStopsAtProtectedCrawl(t *testing.T) {
	t.Parallel()

	store := memstore.NewStore()
	c1, c2, c3 := seedCrawls(t, store)
	p := New(store, zap.NewNop())

	purged, err := p.Purge(context.Background(), 7, 20, map[string]struct{}{c2.Key(): {}}, now)
	require.NoError(t, err)
	require.Equal(t, 1, purged)

	ctx := context.Background()
	_, err = store.GetCrawl(ctx, c1.Key())
	require.ErrorIs(t, err, mirror.ErrNotFound)
	for _, c := range []mirror.Crawl{c2, c3} {
		_, err := store.GetCrawl(ctx, c.Key())
		require.NoError(t, err)
		keys, err := store.ShardKeys(ctx, c.Key(), 100)
		require.NoError(t, err)
		require.Len(t, keys, 3)
	}
	keys, err := store.ShardKeys(ctx, c1.Key(), 100)
	require.NoError(t, err)
	require.Empty(t, keys)
	alerts, err := store.AlertKeys(ctx, c1.Key(), 100)
	require.NoError(t, err)
	require.Empty(t, alerts)
}

func TestPurgeDeletesAllExpiredAndKeepsRecent(t *testing.T) {
	t.Parallel()

	store := memstore.NewStore()
	seedCrawls(t, store)
	recent := mirror.Crawl{Started: now.Add(-24 * time.Hour), IsDone: true}
	require.NoError(t, store.PutCrawl(context.Background(), recent))

	// A batch size of 2 forces several rounds per crawl.
	purged, err := New(store, nil).Purge(context.Background(), 7, 2, nil, now)
	require.NoError(t, err)
	require.Equal(t, 3, purged)

	crawls, err := store.ListCrawls(context.Background(), mirror.Page{})
	require.NoError(t, err)
	require.Len(t, crawls, 1)
	require.Equal(t, recent.Key(), crawls[0].Key())
}

func TestPurgeNothingExpired(t *testing.T) {
	t.Parallel()

	store := memstore.NewStore()
	seedCrawls(t, store)

	purged, err := New(store, nil).Purge(context.Background(), 365, 20, nil, now)
	require.NoError(t, err)
	require.Zero(t, purged)
}

func TestPurgeRejectsLargeBatch(t *testing.T) {
	t.Parallel()

	_, err := New(memstore.NewStore(), nil).Purge(context.Background(), 7, MaxBatchSize+1, nil, now)
	require.ErrorIs(t, err, ErrBatchTooLarge)
}

func TestPurgeReportsStoreErrorWithProgress(t *testing.T) {
	t.Parallel()

	store := &failingStore{Store: memstore.NewStore(), failAfter: 1, err: errors.New("datastore unavailable")}
	seedCrawls(t, store.Store)

	purged, err := New(store, zap.NewNop()).Purge(context.Background(), 7, 20, nil, now)
	require.Equal(t, 1, purged)
	require.Error(t, err)
	require.Contains(t, err.Error(), "datastore unavailable")
	require.NotErrorIs(t, err, ErrDeadlineExceeded)
}

func TestPurgeReportsDeadline(t *testing.T) {
	t.Parallel()

	store := &failingStore{Store: memstore.NewStore(), failAfter: 2, err: context.DeadlineExceeded}
	seedCrawls(t, store.Store)

	purged, err := New(store, nil).Purge(context.Background(), 7, 20, nil, now)
	require.Equal(t, 2, purged)
	require.ErrorIs(t, err, ErrDeadlineExceeded)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.Contains(t, err.Error(), "deadline exceeded")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	purged, err = New(memstore.NewStore(), nil).Purge(ctx, 7, 20, nil, now)
	require.Zero(t, purged)
	require.ErrorIs(t, err, ErrDeadlineExceeded)
}

func TestRunProtectsFeedLastCrawls(t *testing.T) {
	t.Parallel()

	store := memstore.NewStore()
	_, c2, _ := seedCrawls(t, store)
	feed := mirror.NewFeed("F")
	feed.LastCrawl = c2.Key()
	require.NoError(t, store.PutFeed(context.Background(), feed))

	p := New(store, nil)
	protected, err := p.LastCrawls(context.Background())
	require.NoError(t, err)
	require.Contains(t, protected, c2.Key())

	purged, err := p.Run(context.Background(), DefaultDaysToKeep, DefaultBatchSize, now)
	require.NoError(t, err)
	require.Equal(t, 1, purged)
}

func TestDeleteInBatches(t *testing.T) {
	t.Parallel()

	remaining := make([]string, 250)
	for i := range remaining {
		remaining[i] = strconv.Itoa(i)
	}
	var sizes []int
	list := func(_ context.Context, limit int) ([]string, error) {
		if limit > len(remaining) {
			limit = len(remaining)
		}
		return append([]string(nil), remaining[:limit]...), nil
	}
	del := func(_ context.Context, keys []string) error {
		sizes = append(sizes, len(keys))
		remaining = remaining[len(keys):]
		return nil
	}

	n, err := DeleteInBatches(context.Background(), 0, list, del)
	require.NoError(t, err)
	require.Equal(t, 250, n)
	require.Equal(t, []int{100, 100, 50}, sizes)

	_, err = DeleteInBatches(context.Background(), 501, list, del)
	require.ErrorIs(t, err, ErrBatchTooLarge)
}

func TestDeleteInBatchesWrapsErrors(t *testing.T) {
	t.Parallel()

	boom := errors.New("boom")
	_, err := DeleteInBatches(context.Background(), 10,
		func(context.Context, int) ([]string, error) { return []string{"a"}, nil },
		func(context.Context, []string) error { return boom },
	)
	require.ErrorIs(t, err, boom)
	require.EqualError(t, err, "delete batch: boom")
}

// seedCrawls stores three crawls ten, nine and eight days before now, each
// with three shards and one alert.
func seedCrawls(t *testing.T, store *memstore.Store) (mirror.Crawl, mirror.Crawl, mirror.Crawl) {
	t.Helper()
	ctx := context.Background()
	var crawls []mirror.Crawl
	for _, age := range []int{10, 9, 8} {
		c := mirror.Crawl{Started: now.AddDate(0, 0, -age), IsDone: true}
		require.NoError(t, store.PutCrawl(ctx, c))
		for _, u := range []string{"a", "b", "c"} {
			_, _, err := store.GetOrCreateShard(ctx, mirror.Shard{
				Key:      mirror.ShardKey(c, u),
				CrawlKey: c.Key(),
				URL:      u,
				IsDone:   true,
			})
			require.NoError(t, err)
		}
		require.NoError(t, store.PutAlert(ctx, mirror.Alert{
			Key:      mirror.AlertKey(c.Key(), "a"),
			CrawlKey: c.Key(),
			URL:      "a",
		}))
		crawls = append(crawls, c)
	}
	return crawls[0], crawls[1], crawls[2]
}

// --- fakes ---

// failingStore fails DeleteCrawls once failAfter crawls have been deleted.
type failingStore struct {
	*memstore.Store
	failAfter int
	deleted   int
	err       error
}

func (f *failingStore) DeleteCrawls(ctx context.Context, keys []string) error {
	if f.deleted >= f.failAfter {
		return f.err
	}
	f.deleted += len(keys)
	return f.Store.DeleteCrawls(ctx, keys)
}
