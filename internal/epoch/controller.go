// Package epoch implements the crawl epoch controller: on every trigger it
// either completes the crawl in progress, waits for it, or starts a new one
// over the root feeds that are due.
package epoch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/JakeFAU/cap-mirror/internal/metrics"
	"github.com/JakeFAU/cap-mirror/internal/mirror"
)

// State is the result of one EnsureEpoch call.
type State string

// EnsureEpoch results.
const (
	// StateIdle means no crawl is in progress and no feed is due.
	StateIdle State = "idle"
	// StateInProgress means the current crawl still has pending shards.
	StateInProgress State = "in_progress"
	// StateCompleted means the current crawl was just marked done.
	StateCompleted State = "completed"
	// StateStarted means a new crawl was created and seeded.
	StateStarted State = "started"
	// StateBusy means another controller holds the epoch lock.
	StateBusy State = "busy"
)

const (
	// DefaultLockName is the lease name guarding the epoch decision.
	DefaultLockName = "epoch"
	// EventCrawlFinished is the default topic for CrawlFinished events.
	EventCrawlFinished = "crawl.finished"
)

// Outcome describes what EnsureEpoch did.
type Outcome struct {
	State    State        `json:"state"`
	Crawl    *mirror.Crawl `json:"crawl,omitempty"`
	FeedURLs []string     `json:"feed_urls,omitempty"`
}

// Store is the slice of the work store the controller reads and writes.
type Store interface {
	LatestInProgressCrawl(ctx context.Context) (mirror.Crawl, error)
	GetCrawl(ctx context.Context, key string) (mirror.Crawl, error)
	PutCrawl(ctx context.Context, crawl mirror.Crawl) error
	HasPendingShards(ctx context.Context, crawlKey string) (bool, error)
	ListRootFeeds(ctx context.Context) ([]mirror.Feed, error)
	SetLastCrawl(ctx context.Context, url string, crawlKey string) error
}

// Scheduler seeds a root shard; implemented by shard.Pusher.
type Scheduler interface {
	Schedule(ctx context.Context, crawl mirror.Crawl, feedURL, url string, viaPushLane bool) error
}

// Config controls Controller behavior.
type Config struct {
	// ViaPushLane seeds root shards through the push lane instead of directly.
	ViaPushLane bool
	LockName    string
	LockTTL     time.Duration
	// EventTopic receives a CrawlFinished event when a crawl completes.
	EventTopic string
}

// CrawlFinished is published when a crawl is marked done.
type CrawlFinished struct {
	Crawl    string    `json:"crawl"`
	Started  time.Time `json:"started"`
	Finished time.Time `json:"finished"`
	FeedURLs []string  `json:"feed_urls"`
}

// Controller runs the epoch state machine.
type Controller struct {
	store     Store
	scheduler Scheduler
	locker    mirror.Locker
	ids       mirror.IDGenerator
	clock     mirror.Clock
	publisher mirror.Publisher
	cfg       Config
	logger    *zap.Logger
}

// New constructs a Controller. locker and publisher may be nil: without a
// locker concurrent triggers may each start a crawl, and idempotent shard keys
// bound the duplicate work to one shard per URL per crawl.
func New(
	store Store,
	scheduler Scheduler,
	locker mirror.Locker,
	ids mirror.IDGenerator,
	clock mirror.Clock,
	publisher mirror.Publisher,
	cfg Config,
	logger *zap.Logger,
) *Controller {
	if cfg.LockName == "" {
		cfg.LockName = DefaultLockName
	}
	if cfg.EventTopic == "" {
		cfg.EventTopic = EventCrawlFinished
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = 5 * time.Minute
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Controller{
		store:     store,
		scheduler: scheduler,
		locker:    locker,
		ids:       ids,
		clock:     clock,
		publisher: publisher,
		cfg:       cfg,
		logger:    logger,
	}
}

// EnsureEpoch is invoked on every scheduler trigger.
func (c *Controller) EnsureEpoch(ctx context.Context) (Outcome, error) {
	ctx, span := otel.Tracer("capmirror/epoch").Start(ctx, "EnsureEpoch")
	defer span.End()

	l, release, err := c.acquire(ctx)
	if errors.Is(err, mirror.ErrLockHeld) {
		c.logger.Info("epoch lock held elsewhere, skipping")
		metrics.ObserveEpoch(string(StateBusy))
		return Outcome{State: StateBusy}, nil
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return Outcome{}, err
	}
	defer release()

	out, err := c.ensure(ctx, l)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return out, err
	}
	span.SetAttributes(attribute.String("epoch.state", string(out.State)))
	metrics.ObserveEpoch(string(out.State))
	return out, nil
}

// lease is the epoch lock held by one EnsureEpoch call.
type lease struct {
	owner   string
	renewed time.Time
}

func (c *Controller) acquire(ctx context.Context) (*lease, func(), error) {
	if c.locker == nil {
		return nil, func() {}, nil
	}
	owner, err := c.ids.NewID()
	if err != nil {
		return nil, nil, fmt.Errorf("lock owner id: %w", err)
	}
	if err := c.locker.Acquire(ctx, c.cfg.LockName, owner, c.cfg.LockTTL); err != nil {
		if errors.Is(err, mirror.ErrLockHeld) {
			return nil, nil, err
		}
		return nil, nil, fmt.Errorf("acquire epoch lock: %w", err)
	}
	l := &lease{owner: owner, renewed: c.clock.Now()}
	return l, func() {
		releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := c.locker.Release(releaseCtx, c.cfg.LockName, owner); err != nil {
			c.logger.Warn("release epoch lock failed", zap.Error(err))
		}
	}, nil
}

// renew extends the lease once half of it has elapsed, so seeding a large
// crawl keeps other controllers out. A failed renewal is logged and seeding
// continues.
func (c *Controller) renew(ctx context.Context, l *lease) {
	if l == nil {
		return
	}
	now := c.clock.Now()
	if now.Sub(l.renewed) < c.cfg.LockTTL/2 {
		return
	}
	if err := c.locker.Acquire(ctx, c.cfg.LockName, l.owner, c.cfg.LockTTL); err != nil {
		c.logger.Warn("renew epoch lock failed", zap.Error(err))
		return
	}
	l.renewed = now
}

func (c *Controller) ensure(ctx context.Context, l *lease) (Outcome, error) {
	crawl, err := c.store.LatestInProgressCrawl(ctx)
	switch {
	case err == nil:
		return c.checkCompletion(ctx, crawl)
	case errors.Is(err, mirror.ErrNotFound):
		return c.start(ctx, l)
	default:
		return Outcome{}, fmt.Errorf("find crawl in progress: %w", err)
	}
}

func (c *Controller) checkCompletion(ctx context.Context, crawl mirror.Crawl) (Outcome, error) {
	pending, err := c.store.HasPendingShards(ctx, crawl.Key())
	if err != nil {
		return Outcome{}, fmt.Errorf("query pending shards: %w", err)
	}
	if pending {
		c.logger.Debug("waiting for workers", zap.String("crawl", crawl.Key()))
		return Outcome{State: StateInProgress, Crawl: &crawl}, nil
	}

	crawl.IsDone = true
	crawl.Finished = c.clock.Now()
	if err := c.store.PutCrawl(ctx, crawl); err != nil {
		return Outcome{}, fmt.Errorf("mark crawl done: %w", err)
	}
	for _, url := range crawl.FeedURLs {
		err := c.store.SetLastCrawl(ctx, url, crawl.Key())
		if errors.Is(err, mirror.ErrNotFound) {
			c.logger.Warn("feed removed during crawl", zap.String("feed", url))
			continue
		}
		if err != nil {
			return Outcome{}, fmt.Errorf("set last crawl of %q: %w", url, err)
		}
	}
	c.logger.Info("crawl done",
		zap.String("crawl", crawl.Key()),
		zap.Int("feeds", len(crawl.FeedURLs)),
		zap.Duration("elapsed", crawl.Finished.Sub(crawl.Started)),
	)
	c.publishFinished(ctx, crawl)
	return Outcome{State: StateCompleted, Crawl: &crawl, FeedURLs: crawl.FeedURLs}, nil
}

func (c *Controller) publishFinished(ctx context.Context, crawl mirror.Crawl) {
	if c.publisher == nil {
		return
	}
	event := CrawlFinished{
		Crawl:    crawl.Key(),
		Started:  crawl.Started,
		Finished: crawl.Finished,
		FeedURLs: crawl.FeedURLs,
	}
	if _, err := c.publisher.Publish(ctx, c.cfg.EventTopic, event); err != nil {
		c.logger.Warn("publish crawl finished failed", zap.String("crawl", crawl.Key()), zap.Error(err))
	}
}

func (c *Controller) start(ctx context.Context, l *lease) (Outcome, error) {
	now := c.clock.Now()
	feeds, err := c.dueFeeds(ctx, now)
	if err != nil {
		return Outcome{}, err
	}
	if len(feeds) == 0 {
		c.logger.Debug("no feeds to crawl")
		return Outcome{State: StateIdle}, nil
	}

	crawl := mirror.Crawl{Started: now}
	for _, f := range feeds {
		crawl.FeedURLs = append(crawl.FeedURLs, f.URL)
	}
	if err := c.store.PutCrawl(ctx, crawl); err != nil {
		return Outcome{}, fmt.Errorf("create crawl: %w", err)
	}
	c.logger.Info("started crawl", zap.String("crawl", crawl.Key()), zap.Strings("feeds", crawl.FeedURLs))

	var errs []error
	for _, f := range feeds {
		err := c.scheduler.Schedule(ctx, crawl, f.URL, f.URL, c.cfg.ViaPushLane)
		c.renew(ctx, l)
		if err == nil {
			continue
		}
		if mirror.IsControl(err) {
			return Outcome{}, err
		}
		c.logger.Error("seed root shard failed", zap.String("feed", f.URL), zap.Error(err))
		errs = append(errs, err)
	}
	out := Outcome{State: StateStarted, Crawl: &crawl, FeedURLs: crawl.FeedURLs}
	if len(errs) > 0 {
		return out, fmt.Errorf("seed crawl %s: %w", crawl.Key(), errors.Join(errs...))
	}
	return out, nil
}

// dueFeeds returns crawlable root feeds never crawled, or last crawled more
// than one crawl period before now.
func (c *Controller) dueFeeds(ctx context.Context, now time.Time) ([]mirror.Feed, error) {
	roots, err := c.store.ListRootFeeds(ctx)
	if err != nil {
		return nil, fmt.Errorf("list root feeds: %w", err)
	}
	var due []mirror.Feed
	for _, f := range roots {
		if f.LastCrawl == "" {
			due = append(due, f)
			continue
		}
		last, err := c.store.GetCrawl(ctx, f.LastCrawl)
		if errors.Is(err, mirror.ErrNotFound) {
			due = append(due, f)
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("load last crawl of %q: %w", f.URL, err)
		}
		if now.After(last.Started.Add(f.Period())) {
			due = append(due, f)
		}
	}
	return due, nil
}
