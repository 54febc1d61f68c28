package mirror

import (
	"context"
	"time"
)

// FeedStore persists feeds.
type FeedStore interface {
	ListFeeds(ctx context.Context) ([]Feed, error)
	// ListRootFeeds returns crawlable root feeds, the candidates for a new crawl.
	ListRootFeeds(ctx context.Context) ([]Feed, error)
	GetFeed(ctx context.Context, url string) (Feed, error)
	PutFeed(ctx context.Context, feed Feed) error
	SetLastCrawl(ctx context.Context, url string, crawlKey string) error
	FeedKeys(ctx context.Context, limit int) ([]string, error)
	DeleteFeeds(ctx context.Context, urls []string) error
	// LastCrawlKeys returns the distinct last-crawl references held by feeds,
	// reading pageSize feeds at a time.
	LastCrawlKeys(ctx context.Context, pageSize int) ([]string, error)
}

// CrawlStore persists crawl epochs.
type CrawlStore interface {
	PutCrawl(ctx context.Context, crawl Crawl) error
	GetCrawl(ctx context.Context, key string) (Crawl, error)
	// LatestInProgressCrawl returns the most recently started crawl that is not
	// done, or ErrNotFound.
	LatestInProgressCrawl(ctx context.Context) (Crawl, error)
	MostRecentCrawl(ctx context.Context) (Crawl, error)
	// OldestCrawlBefore returns the earliest crawl started before cutoff, or ErrNotFound.
	OldestCrawlBefore(ctx context.Context, cutoff time.Time) (Crawl, error)
	ListCrawls(ctx context.Context, page Page) ([]Crawl, error)
	CrawlKeys(ctx context.Context, limit int) ([]string, error)
	DeleteCrawls(ctx context.Context, keys []string) error
}

// ShardStore persists shards.
type ShardStore interface {
	// GetOrCreateShard atomically returns the shard stored under shard.Key, or
	// stores shard when none exists. created reports which happened.
	GetOrCreateShard(ctx context.Context, shard Shard) (stored Shard, created bool, err error)
	GetShard(ctx context.Context, key string) (Shard, error)
	PutShard(ctx context.Context, shard Shard) error
	HasPendingShards(ctx context.Context, crawlKey string) (bool, error)
	ListShards(ctx context.Context, crawlKey string, page Page) ([]Shard, error)
	// ShardKeys lists up to limit shard keys of a crawl; an empty crawlKey lists any shard.
	ShardKeys(ctx context.Context, crawlKey string, limit int) ([]string, error)
	DeleteShards(ctx context.Context, keys []string) error
}

// AlertStore persists mirrored alerts.
type AlertStore interface {
	PutAlert(ctx context.Context, alert Alert) error
	ListAlerts(ctx context.Context, crawlKey string, page Page) ([]Alert, error)
	// AlertKeys lists up to limit alert keys of a crawl; an empty crawlKey lists any alert.
	AlertKeys(ctx context.Context, crawlKey string, limit int) ([]string, error)
	DeleteAlerts(ctx context.Context, keys []string) error
}

// Store is the work store shared by all roles.
type Store interface {
	FeedStore
	CrawlStore
	ShardStore
	AlertStore
	Close()
}

// Locker hands out a time-bounded exclusive lease on a name.
type Locker interface {
	// Acquire returns ErrLockHeld when another owner holds an unexpired lease.
	Acquire(ctx context.Context, name, owner string, ttl time.Duration) error
	Release(ctx context.Context, name, owner string) error
}

// Queue provides at-least-once delivery of tasks on one lane. A dequeued task
// stays owned by the queue until its Delivery is settled.
type Queue interface {
	Enqueue(ctx context.Context, task Task) error
	Dequeue(ctx context.Context) (Delivery, error)
}

// Enqueuer is the publishing half of a Queue.
type Enqueuer interface {
	Enqueue(ctx context.Context, task Task) error
}

// Fetcher retrieves the body behind a URL.
type Fetcher interface {
	Fetch(ctx context.Context, url string) ([]byte, error)
}

// Classifier turns a fetched body into a ParseOutcome.
type Classifier interface {
	Classify(url string, body []byte) ParseOutcome
}

// BlobStore archives raw alert text and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data []byte) (string, error)
}

// Publisher pushes lifecycle events (or similar notifications).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Hasher computes content digests.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces opaque unique IDs.
type IDGenerator interface {
	NewID() (string, error)
}
