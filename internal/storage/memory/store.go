// Package memory provides in-memory stores for local development and tests.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/JakeFAU/cap-mirror/internal/mirror"
)

// Store implements mirror.Store with maps guarded by a RWMutex. Shard creation
// additionally serializes on the shard key so that concurrent creators of the
// same key converge while distinct keys proceed independently.
type Store struct {
	mu     sync.RWMutex
	feeds  map[string]mirror.Feed
	crawls map[string]mirror.Crawl
	shards map[string]mirror.Shard
	alerts map[string]mirror.Alert

	keyLocks *keyedMutex
}

// NewStore constructs an empty Store.
func NewStore() *Store {
	return &Store{
		feeds:    make(map[string]mirror.Feed),
		crawls:   make(map[string]mirror.Crawl),
		shards:   make(map[string]mirror.Shard),
		alerts:   make(map[string]mirror.Alert),
		keyLocks: newKeyedMutex(),
	}
}

// Close is a no-op for the in-memory store.
func (s *Store) Close() {}

// --- feeds ---

// ListFeeds returns all feeds ordered by URL.
func (s *Store) ListFeeds(_ context.Context) ([]mirror.Feed, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]mirror.Feed, 0, len(s.feeds))
	for _, f := range s.feeds {
		out = append(out, f)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].URL < out[j].URL })
	return out, nil
}

// ListRootFeeds returns crawlable root feeds ordered by URL.
func (s *Store) ListRootFeeds(ctx context.Context) ([]mirror.Feed, error) {
	all, err := s.ListFeeds(ctx)
	if err != nil {
		return nil, err
	}
	out := all[:0]
	for _, f := range all {
		if f.IsCrawlable && f.IsRoot {
			out = append(out, f)
		}
	}
	return out, nil
}

// GetFeed fetches a feed by URL.
func (s *Store) GetFeed(_ context.Context, url string) (mirror.Feed, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	f, ok := s.feeds[url]
	if !ok {
		return mirror.Feed{}, fmt.Errorf("feed %q: %w", url, mirror.ErrNotFound)
	}
	return f, nil
}

// PutFeed inserts or replaces a feed.
func (s *Store) PutFeed(_ context.Context, feed mirror.Feed) error {
	if feed.URL == "" {
		return fmt.Errorf("feed url is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.feeds[feed.URL] = feed
	return nil
}

// SetLastCrawl points a feed at its most recently completed crawl.
func (s *Store) SetLastCrawl(_ context.Context, url string, crawlKey string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.feeds[url]
	if !ok {
		return fmt.Errorf("feed %q: %w", url, mirror.ErrNotFound)
	}
	f.LastCrawl = crawlKey
	s.feeds[url] = f
	return nil
}

// FeedKeys lists up to limit feed URLs.
func (s *Store) FeedKeys(_ context.Context, limit int) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys := make([]string, 0, len(s.feeds))
	for k := range s.feeds {
		keys = append(keys, k)
	}
	return firstSorted(keys, limit), nil
}

// DeleteFeeds removes feeds by URL.
func (s *Store) DeleteFeeds(_ context.Context, urls []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, u := range urls {
		delete(s.feeds, u)
	}
	return nil
}

// LastCrawlKeys returns the distinct crawl keys referenced by feeds.
func (s *Store) LastCrawlKeys(_ context.Context, _ int) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	seen := make(map[string]struct{})
	for _, f := range s.feeds {
		if f.LastCrawl != "" {
			seen[f.LastCrawl] = struct{}{}
		}
	}
	keys := make([]string, 0, len(seen))
	for k := range seen {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys, nil
}

// --- crawls ---

// PutCrawl inserts or replaces a crawl.
func (s *Store) PutCrawl(_ context.Context, crawl mirror.Crawl) error {
	if crawl.Started.IsZero() {
		return fmt.Errorf("crawl started is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	crawl.FeedURLs = cloneStrings(crawl.FeedURLs)
	s.crawls[crawl.Key()] = crawl
	return nil
}

// GetCrawl fetches a crawl by key.
func (s *Store) GetCrawl(_ context.Context, key string) (mirror.Crawl, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.crawls[key]
	if !ok {
		return mirror.Crawl{}, fmt.Errorf("crawl %q: %w", key, mirror.ErrNotFound)
	}
	return copyCrawl(c), nil
}

// LatestInProgressCrawl returns the most recently started crawl that is not done.
func (s *Store) LatestInProgressCrawl(_ context.Context) (mirror.Crawl, error) {
	return s.pickCrawl(func(c mirror.Crawl) bool { return !c.IsDone }, newerThan)
}

// MostRecentCrawl returns the most recently started crawl.
func (s *Store) MostRecentCrawl(_ context.Context) (mirror.Crawl, error) {
	return s.pickCrawl(func(mirror.Crawl) bool { return true }, newerThan)
}

// OldestCrawlBefore returns the earliest crawl started before cutoff.
func (s *Store) OldestCrawlBefore(_ context.Context, cutoff time.Time) (mirror.Crawl, error) {
	return s.pickCrawl(func(c mirror.Crawl) bool { return c.Started.Before(cutoff) }, olderThan)
}

func newerThan(a, b mirror.Crawl) bool { return a.Started.After(b.Started) }
func olderThan(a, b mirror.Crawl) bool { return a.Started.Before(b.Started) }

func (s *Store) pickCrawl(match func(mirror.Crawl) bool, better func(a, b mirror.Crawl) bool) (mirror.Crawl, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var (
		best  mirror.Crawl
		found bool
	)
	for _, c := range s.crawls {
		if !match(c) {
			continue
		}
		if !found || better(c, best) {
			best, found = c, true
		}
	}
	if !found {
		return mirror.Crawl{}, mirror.ErrNotFound
	}
	return copyCrawl(best), nil
}

// ListCrawls returns crawls newest first.
func (s *Store) ListCrawls(_ context.Context, page mirror.Page) ([]mirror.Crawl, error) {
	s.mu.RLock()
	all := make([]mirror.Crawl, 0, len(s.crawls))
	for _, c := range s.crawls {
		all = append(all, copyCrawl(c))
	}
	s.mu.RUnlock()
	sort.Slice(all, func(i, j int) bool { return all[i].Started.After(all[j].Started) })
	return paginate(all, page), nil
}

// CrawlKeys lists up to limit crawl keys, oldest first.
func (s *Store) CrawlKeys(_ context.Context, limit int) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys := make([]string, 0, len(s.crawls))
	for k := range s.crawls {
		keys = append(keys, k)
	}
	return firstSorted(keys, limit), nil
}

// DeleteCrawls removes crawls by key.
func (s *Store) DeleteCrawls(_ context.Context, keys []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, k := range keys {
		delete(s.crawls, k)
	}
	return nil
}

// --- shards ---

// GetOrCreateShard returns the shard stored under shard.Key or stores shard.
func (s *Store) GetOrCreateShard(_ context.Context, shard mirror.Shard) (mirror.Shard, bool, error) {
	if shard.Key == "" {
		return mirror.Shard{}, false, fmt.Errorf("shard key is required")
	}
	unlock := s.keyLocks.Lock(shard.Key)
	defer unlock()

	s.mu.RLock()
	existing, ok := s.shards[shard.Key]
	s.mu.RUnlock()
	if ok {
		return copyShard(existing), false, nil
	}

	s.mu.Lock()
	s.shards[shard.Key] = copyShard(shard)
	s.mu.Unlock()
	return copyShard(shard), true, nil
}

// GetShard fetches a shard by key.
func (s *Store) GetShard(_ context.Context, key string) (mirror.Shard, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sh, ok := s.shards[key]
	if !ok {
		return mirror.Shard{}, fmt.Errorf("shard %q: %w", key, mirror.ErrNotFound)
	}
	return copyShard(sh), nil
}

// PutShard replaces an existing shard.
func (s *Store) PutShard(_ context.Context, shard mirror.Shard) error {
	unlock := s.keyLocks.Lock(shard.Key)
	defer unlock()
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.shards[shard.Key]; !ok {
		return fmt.Errorf("shard %q: %w", shard.Key, mirror.ErrNotFound)
	}
	s.shards[shard.Key] = copyShard(shard)
	return nil
}

// HasPendingShards reports whether any shard of the crawl is not done.
func (s *Store) HasPendingShards(_ context.Context, crawlKey string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, sh := range s.shards {
		if sh.CrawlKey == crawlKey && !sh.IsDone {
			return true, nil
		}
	}
	return false, nil
}

// ListShards returns a page of a crawl's shards ordered by URL.
func (s *Store) ListShards(_ context.Context, crawlKey string, page mirror.Page) ([]mirror.Shard, error) {
	s.mu.RLock()
	var out []mirror.Shard
	for _, sh := range s.shards {
		if sh.CrawlKey == crawlKey {
			out = append(out, copyShard(sh))
		}
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].URL < out[j].URL })
	return paginate(out, page), nil
}

// ShardKeys lists up to limit shard keys belonging to crawlKey (any crawl when empty).
func (s *Store) ShardKeys(_ context.Context, crawlKey string, limit int) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var keys []string
	for k, sh := range s.shards {
		if crawlKey == "" || sh.CrawlKey == crawlKey {
			keys = append(keys, k)
		}
	}
	return firstSorted(keys, limit), nil
}

// DeleteShards removes shards by key.
func (s *Store) DeleteShards(_ context.Context, keys []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, k := range keys {
		delete(s.shards, k)
	}
	return nil
}

// --- alerts ---

// PutAlert inserts or replaces an alert.
func (s *Store) PutAlert(_ context.Context, alert mirror.Alert) error {
	if alert.Key == "" {
		return fmt.Errorf("alert key is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.alerts[alert.Key] = alert
	return nil
}

// ListAlerts returns a page of a crawl's alerts ordered by URL.
func (s *Store) ListAlerts(_ context.Context, crawlKey string, page mirror.Page) ([]mirror.Alert, error) {
	s.mu.RLock()
	var out []mirror.Alert
	for _, a := range s.alerts {
		if a.CrawlKey == crawlKey {
			out = append(out, a)
		}
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].URL < out[j].URL })
	return paginate(out, page), nil
}

// AlertKeys lists up to limit alert keys belonging to crawlKey (any crawl when empty).
func (s *Store) AlertKeys(_ context.Context, crawlKey string, limit int) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var keys []string
	for k, a := range s.alerts {
		if crawlKey == "" || a.CrawlKey == crawlKey {
			keys = append(keys, k)
		}
	}
	return firstSorted(keys, limit), nil
}

// DeleteAlerts removes alerts by key.
func (s *Store) DeleteAlerts(_ context.Context, keys []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, k := range keys {
		delete(s.alerts, k)
	}
	return nil
}

func paginate[T any](items []T, page mirror.Page) []T {
	page = page.Normalize()
	if page.Offset >= len(items) {
		return []T{}
	}
	end := page.Offset + page.Limit
	if end > len(items) {
		end = len(items)
	}
	return items[page.Offset:end]
}

func firstSorted(keys []string, limit int) []string {
	sort.Strings(keys)
	if limit > 0 && len(keys) > limit {
		keys = keys[:limit]
	}
	return keys
}

func cloneStrings(src []string) []string {
	if len(src) == 0 {
		return nil
	}
	dst := make([]string, len(src))
	copy(dst, src)
	return dst
}

func copyCrawl(c mirror.Crawl) mirror.Crawl {
	c.FeedURLs = cloneStrings(c.FeedURLs)
	return c
}

func copyShard(sh mirror.Shard) mirror.Shard {
	sh.ParseErrors = cloneStrings(sh.ParseErrors)
	return sh
}
