// Package feeds manages the feed whitelist and the bulk clear operations
// behind the admin surface.
package feeds

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/cap-mirror/internal/mirror"
	"github.com/JakeFAU/cap-mirror/internal/purge"
)

// Built-in list names.
const (
	ListInternal = "internal"
	ListExternal = "external"
)

var (
	// ErrUnknownFeedList is returned by ResetFeeds for unregistered list names.
	ErrUnknownFeedList = errors.New("unknown feed list")
	// ErrFeedNotFound is returned by SaveFeed when no feed has the URL.
	ErrFeedNotFound = errors.New("feed not found")
)

// Fake feed URLs served from testdata by the fetch router.
const (
	FakeFeedURL1 = "_FAKE_FEED_URL_1_"
	FakeFeedURL2 = "_FAKE_FEED_URL_2_"
)

var builtinLists = map[string][]string{
	ListInternal: {
		"testdata/rss_feed1.xml",
		"testdata/atom_feed1.xml",
		"testdata/aquila_feed1.xml",
		"testdata/parent_feed.xml",
		"testdata/weather_feed.xml",
		FakeFeedURL1,
		FakeFeedURL2,
	},
	ListExternal: {
		// California weather
		"http://www.weather.gov/alerts-beta/ca.php?x=0",
		// U.S. weather
		"http://www.weather.gov/alerts-beta/us.php?x=0",
		// Earthquakes
		"http://earthquake.usgs.gov/eqcenter/recenteqsww/catalogs/caprss7days5.xml",
		// U.S. landslides
		"http://www.usgs.gov/hazard_alert/alerts/landslides.rss",
		// U.S. volcanos
		"http://volcano.wr.usgs.gov/rss/vhpcaprss.xml",
		// Anguilla
		"http://ddmcap.hopto.org/index.atom",
		// EDIS California
		"http://edis.oes.ca.gov/index.atom",
		// Contra Costa County emergency services
		"http://cwscap.cccounty.us/index.atom",
	},
}

// Store is the slice of the work store the Admin needs.
type Store interface {
	mirror.FeedStore
	CrawlKeys(ctx context.Context, limit int) ([]string, error)
	DeleteCrawls(ctx context.Context, keys []string) error
	ShardKeys(ctx context.Context, crawlKey string, limit int) ([]string, error)
	DeleteShards(ctx context.Context, keys []string) error
	AlertKeys(ctx context.Context, crawlKey string, limit int) ([]string, error)
	DeleteAlerts(ctx context.Context, keys []string) error
}

// SaveRequest updates the configuration of an existing feed.
type SaveRequest struct {
	URL         string `json:"url"`
	IsCrawlable bool   `json:"is_crawlable"`
	IsRoot      bool   `json:"is_root"`
	// CrawlPeriodMinutes is applied only when zero or positive.
	CrawlPeriodMinutes int `json:"crawl_period_in_minutes"`
}

// Admin implements feed and bulk-data administration.
type Admin struct {
	store  Store
	lists  map[string][]string
	logger *zap.Logger
}

// NewAdmin constructs an Admin. extra adds or replaces named feed lists.
func NewAdmin(store Store, extra map[string][]string, logger *zap.Logger) *Admin {
	if logger == nil {
		logger = zap.NewNop()
	}
	lists := make(map[string][]string, len(builtinLists)+len(extra))
	for name, urls := range builtinLists {
		lists[name] = urls
	}
	for name, urls := range extra {
		lists[name] = urls
	}
	return &Admin{store: store, lists: lists, logger: logger}
}

// Lists returns the registered list names, sorted.
func (a *Admin) Lists() []string {
	names := make([]string, 0, len(a.lists))
	for name := range a.lists {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ListFeeds returns all feeds ordered by URL.
func (a *Admin) ListFeeds(ctx context.Context) ([]mirror.Feed, error) {
	feeds, err := a.store.ListFeeds(ctx)
	if err != nil {
		return nil, fmt.Errorf("list feeds: %w", err)
	}
	return feeds, nil
}

// ResetFeeds adds every feed of the named list that does not exist yet.
// Existing feeds keep their configuration. An empty name means the internal
// list. It returns the URLs it added.
func (a *Admin) ResetFeeds(ctx context.Context, list string) ([]string, error) {
	if list == "" {
		list = ListInternal
	}
	urls, ok := a.lists[list]
	if !ok {
		return nil, fmt.Errorf("%w: %q (known: %v)", ErrUnknownFeedList, list, a.Lists())
	}
	var added []string
	for _, url := range urls {
		_, err := a.store.GetFeed(ctx, url)
		if err == nil {
			continue
		}
		if !errors.Is(err, mirror.ErrNotFound) {
			return added, fmt.Errorf("look up feed %q: %w", url, err)
		}
		if err := a.store.PutFeed(ctx, mirror.NewFeed(url)); err != nil {
			return added, fmt.Errorf("create feed %q: %w", url, err)
		}
		added = append(added, url)
	}
	a.logger.Info("feeds reset", zap.String("list", list), zap.Int("added", len(added)))
	return added, nil
}

// SaveFeed updates an existing feed.
func (a *Admin) SaveFeed(ctx context.Context, req SaveRequest) (mirror.Feed, error) {
	if req.URL == "" {
		return mirror.Feed{}, fmt.Errorf("%w: no feed url given", ErrFeedNotFound)
	}
	feed, err := a.store.GetFeed(ctx, req.URL)
	if errors.Is(err, mirror.ErrNotFound) {
		return mirror.Feed{}, fmt.Errorf("%w: %q", ErrFeedNotFound, req.URL)
	}
	if err != nil {
		return mirror.Feed{}, fmt.Errorf("load feed: %w", err)
	}
	feed.IsCrawlable = req.IsCrawlable
	feed.IsRoot = req.IsRoot
	if req.CrawlPeriodMinutes >= 0 {
		feed.CrawlPeriod = time.Duration(req.CrawlPeriodMinutes) * time.Minute
	}
	if err := a.store.PutFeed(ctx, feed); err != nil {
		return mirror.Feed{}, fmt.Errorf("save feed: %w", err)
	}
	a.logger.Info("feed saved",
		zap.String("url", feed.URL),
		zap.Bool("is_crawlable", feed.IsCrawlable),
		zap.Bool("is_root", feed.IsRoot),
		zap.Duration("crawl_period", feed.CrawlPeriod),
	)
	return feed, nil
}

// ClearFeeds deletes every feed. Crawls and alerts are left alone.
func (a *Admin) ClearFeeds(ctx context.Context) (int, error) {
	n, err := purge.DeleteInBatches(ctx, 0, a.store.FeedKeys, a.store.DeleteFeeds)
	if err != nil {
		return n, fmt.Errorf("clear feeds: %w", err)
	}
	return n, nil
}

// ClearCrawls deletes every shard, then every crawl.
func (a *Admin) ClearCrawls(ctx context.Context, batchSize int) (int, error) {
	shards, err := purge.DeleteInBatches(ctx, batchSize, a.allShardKeys, a.store.DeleteShards)
	if err != nil {
		return 0, fmt.Errorf("clear shards: %w", err)
	}
	crawls, err := purge.DeleteInBatches(ctx, batchSize, a.store.CrawlKeys, a.store.DeleteCrawls)
	if err != nil {
		return crawls, fmt.Errorf("clear crawls: %w", err)
	}
	a.logger.Info("crawls cleared", zap.Int("crawls", crawls), zap.Int("shards", shards))
	return crawls, nil
}

// ClearAlerts deletes every stored alert.
func (a *Admin) ClearAlerts(ctx context.Context, batchSize int) (int, error) {
	n, err := purge.DeleteInBatches(ctx, batchSize, a.allAlertKeys, a.store.DeleteAlerts)
	if err != nil {
		return n, fmt.Errorf("clear alerts: %w", err)
	}
	a.logger.Info("alerts cleared", zap.Int("alerts", n))
	return n, nil
}

func (a *Admin) allShardKeys(ctx context.Context, limit int) ([]string, error) {
	return a.store.ShardKeys(ctx, "", limit)
}

func (a *Admin) allAlertKeys(ctx context.Context, limit int) ([]string, error) {
	return a.store.AlertKeys(ctx, "", limit)
}
