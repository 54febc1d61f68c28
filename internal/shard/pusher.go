// Package shard creates and dispatches shards: it is the only place where two
// attempts to schedule the same URL within one crawl are reconciled.
package shard

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/cap-mirror/internal/metrics"
	"github.com/JakeFAU/cap-mirror/internal/mirror"
)

// Store is the slice of the work store the Pusher needs.
type Store interface {
	mirror.ShardStore
	GetCrawl(ctx context.Context, key string) (mirror.Crawl, error)
	GetFeed(ctx context.Context, url string) (mirror.Feed, error)
}

// Pusher creates shards idempotently and enqueues new ones on the worker lane.
type Pusher struct {
	store      Store
	workerLane mirror.Enqueuer
	pushLane   mirror.Enqueuer
	logger     *zap.Logger
}

// NewPusher constructs a Pusher. pushLane may be nil when fan-out never
// travels through the push lane.
func NewPusher(store Store, workerLane, pushLane mirror.Enqueuer, logger *zap.Logger) *Pusher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pusher{
		store:      store,
		workerLane: workerLane,
		pushLane:   pushLane,
		logger:     logger,
	}
}

// DeriveKey returns the deterministic shard identity for (crawl, url).
func DeriveKey(crawl mirror.Crawl, url string) string {
	return mirror.ShardKey(crawl, url)
}

// GetOrCreate returns the shard for (crawl, url), creating it when absent.
func (p *Pusher) GetOrCreate(ctx context.Context, crawl mirror.Crawl, feedURL, url string) (mirror.Shard, bool, error) {
	candidate := mirror.Shard{
		Key:      DeriveKey(crawl, url),
		CrawlKey: crawl.Key(),
		FeedURL:  feedURL,
		URL:      url,
	}
	shard, created, err := p.store.GetOrCreateShard(ctx, candidate)
	if err != nil {
		return mirror.Shard{}, false, fmt.Errorf("get or create shard %q: %w", candidate.Key, err)
	}
	return shard, created, nil
}

// MaybePushShard creates the shard for (crawl, url) and, only when it is new,
// enqueues it on the worker lane. Existing shards are never re-enqueued.
func (p *Pusher) MaybePushShard(ctx context.Context, crawl mirror.Crawl, feedURL, url string) (mirror.Shard, bool, error) {
	return p.push(ctx, crawl, feedURL, url, false)
}

// Schedule creates the shard for (crawl, feed, url) and dispatches it when new,
// either straight onto the worker lane or through the push lane. The record
// always exists before Schedule returns, so a crawl can never look finished
// while a scheduled shard is still in flight on a lane.
func (p *Pusher) Schedule(ctx context.Context, crawl mirror.Crawl, feedURL, url string, viaPushLane bool) error {
	_, _, err := p.push(ctx, crawl, feedURL, url, viaPushLane && p.pushLane != nil)
	return err
}

func (p *Pusher) push(
	ctx context.Context,
	crawl mirror.Crawl,
	feedURL, url string,
	viaPushLane bool,
) (mirror.Shard, bool, error) {
	shard, created, err := p.GetOrCreate(ctx, crawl, feedURL, url)
	if err != nil {
		return mirror.Shard{}, false, err
	}
	metrics.ObserveShardPush(created)
	if !created {
		p.logger.Debug("shard already exists", zap.String("shard", shard.Key))
		return shard, false, nil
	}

	lane, task := p.workerLane, mirror.WorkerTask(shard.Key)
	if viaPushLane {
		lane, task = p.pushLane, mirror.PushTask(crawl.Key(), feedURL, url)
		task.Shard = shard.Key
	}
	if err := lane.Enqueue(ctx, task); err != nil {
		// The shard now exists without a queued task; the crawl cannot complete
		// until it is re-enqueued through the worker endpoint.
		p.logger.Error("enqueue new shard failed",
			zap.String("shard", shard.Key), zap.String("lane", string(task.Lane)), zap.Error(err))
		return shard, true, fmt.Errorf("enqueue shard %q: %w", shard.Key, err)
	}
	p.logger.Debug("pushed shard",
		zap.String("shard", shard.Key), zap.String("url", url), zap.String("lane", string(task.Lane)))
	return shard, true, nil
}

// HandlePush resolves a push-lane task. Tasks naming an existing shard hand
// it to the worker lane unless it is already done. Bare {crawl, feed, url}
// tasks go through MaybePushShard; those naming a crawl or feed that no
// longer exists, or a crawl that has already finished, are dropped.
func (p *Pusher) HandlePush(ctx context.Context, task mirror.Task) error {
	if task.Shard != "" {
		return p.forward(ctx, task.Shard)
	}
	if task.Crawl == "" || task.URL == "" {
		return fmt.Errorf("%w: push task requires crawl and url", mirror.ErrBadTask)
	}
	crawl, err := p.store.GetCrawl(ctx, task.Crawl)
	if errors.Is(err, mirror.ErrNotFound) {
		p.logger.Error("no crawl for push task", zap.String("crawl", task.Crawl), zap.String("url", task.URL))
		return nil
	}
	if err != nil {
		return fmt.Errorf("load crawl: %w", err)
	}
	if crawl.IsDone {
		p.logger.Warn("crawl already finished, dropping push task",
			zap.String("crawl", task.Crawl), zap.String("url", task.URL))
		return nil
	}
	if task.Feed != "" {
		if _, err := p.store.GetFeed(ctx, task.Feed); errors.Is(err, mirror.ErrNotFound) {
			p.logger.Error("no feed for push task", zap.String("feed", task.Feed), zap.String("url", task.URL))
			return nil
		} else if err != nil {
			return fmt.Errorf("load feed: %w", err)
		}
	}
	_, _, err = p.MaybePushShard(ctx, crawl, task.Feed, task.URL)
	return err
}

func (p *Pusher) forward(ctx context.Context, key string) error {
	shard, err := p.store.GetShard(ctx, key)
	if errors.Is(err, mirror.ErrNotFound) {
		p.logger.Warn("no shard for push task", zap.String("shard", key))
		return nil
	}
	if err != nil {
		return fmt.Errorf("load shard: %w", err)
	}
	if shard.IsDone {
		return nil
	}
	if err := p.workerLane.Enqueue(ctx, mirror.WorkerTask(key)); err != nil {
		return fmt.Errorf("enqueue shard %q: %w", key, err)
	}
	return nil
}
