// Package purge reclaims crawls older than the retention window while
// keeping every crawl still referenced as a feed's last crawl.
package purge

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

// Retention defaults.
const (
	DefaultDaysToKeep = 7
	DefaultBatchSize  = 20
	// MaxBatchSize caps a single batched delete.
	MaxBatchSize = 500
	// DefaultDeleteBatch is used by DeleteInBatches when no size is given.
	DefaultDeleteBatch = 100
	lastCrawlPageSize  = 100
)

var (
	// ErrBatchTooLarge is returned for batch sizes above MaxBatchSize.
	ErrBatchTooLarge = fmt.Errorf("batch size exceeds %d", MaxBatchSize)
	// ErrDeadlineExceeded reports a purge interrupted by cancellation or deadline.
	ErrDeadlineExceeded = errors.New("deadline exceeded")
)

// Store is the slice of the work store the Purger needs.
type Store interface {
	OldestCrawlBefore(ctx context.Context, cutoff time.Time) (mirror.Crawl, error)
	DeleteCrawls(ctx context.Context, keys []string) error
	ShardKeys(ctx context.Context, crawlKey string, limit int) ([]string, error)
	DeleteShards(ctx context.Context, keys []string) error
	AlertKeys(ctx context.Context, crawlKey string, limit int) ([]string, error)
	DeleteAlerts(ctx context.Context, keys []string) error
	LastCrawlKeys(ctx context.Context, pageSize int) ([]string, error)
}

// ListFunc returns up to limit keys still to delete.
type ListFunc func(ctx context.Context, limit int) ([]string, error)

// DeleteFunc deletes one batch of keys.
type DeleteFunc func(ctx context.Context, keys []string) error

// DeleteInBatches repeatedly lists and deletes up to batchSize keys until
// list comes back empty. It returns the number of keys deleted.
func DeleteInBatches(ctx context.Context, batchSize int, list ListFunc, del DeleteFunc) (int, error) {
	if batchSize > MaxBatchSize {
		return 0, ErrBatchTooLarge
	}
	if batchSize <= 0 {
		batchSize = DefaultDeleteBatch
	}
	deleted := 0
	for {
		if err := ctx.Err(); err != nil {
			return deleted, err
		}
		keys, err := list(ctx, batchSize)
		if err != nil {
			return deleted, fmt.Errorf("list batch: %w", err)
		}
		if len(keys) == 0 {
			return deleted, nil
		}
		if err := del(ctx, keys); err != nil {
			return deleted, fmt.Errorf("delete batch: %w", err)
		}
		deleted += len(keys)
	}
}

// Purger deletes expired crawls with their shards and alerts.
type Purger struct {
	store  Store
	logger *zap.Logger
}

// New constructs a Purger.
func New(store Store, logger *zap.Logger) *Purger {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Purger{store: store, logger: logger}
}

// LastCrawls returns the set of crawl keys some feed still points at.
func (p *Purger) LastCrawls(ctx context.Context) (map[string]struct{}, error) {
	keys, err := p.store.LastCrawlKeys(ctx, lastCrawlPageSize)
	if err != nil {
		return nil, fmt.Errorf("collect last crawls: %w", err)
	}
	set := make(map[string]struct{}, len(keys))
	for _, k := range keys {
		set[k] = struct{}{}
	}
	return set, nil
}

// Run purges with the protected set read from the feeds.
func (p *Purger) Run(ctx context.Context, daysToKeep, batchSize int, now time.Time) (int, error) {
	protected, err := p.LastCrawls(ctx)
	if err != nil {
		if mirror.IsControl(err) {
			return 0, fmt.Errorf("%w: %w", ErrDeadlineExceeded, err)
		}
		return 0, err
	}
	return p.Purge(ctx, daysToKeep, batchSize, protected, now)
}

// Purge deletes crawls started before now minus daysToKeep, oldest first. It
// stops at the first crawl found in protected rather than skipping past it,
// and on any error returns the count purged so far.
func (p *Purger) Purge(
	ctx context.Context,
	daysToKeep, batchSize int,
	protected map[string]struct{},
	now time.Time,
) (purged int, err error) {
	ctx, span := otel.Tracer("capmirror/purge").Start(ctx, "Purge")
	defer func() {
		span.SetAttributes(attribute.Int("purge.crawls", purged))
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		metrics.ObservePurge(purged, err != nil)
		span.End()
	}()

	if daysToKeep < 0 {
		daysToKeep = DefaultDaysToKeep
	}
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	if batchSize > MaxBatchSize {
		return 0, ErrBatchTooLarge
	}
	cutoff := now.Add(-time.Duration(daysToKeep) * 24 * time.Hour)
	log := p.logger.With(zap.Time("cutoff", cutoff))

	for {
		if err := ctx.Err(); err != nil {
			return purged, fmt.Errorf("%w: %w", ErrDeadlineExceeded, err)
		}
		crawl, err := p.store.OldestCrawlBefore(ctx, cutoff)
		if errors.Is(err, mirror.ErrNotFound) {
			log.Info("purge complete", zap.Int("crawls_purged", purged))
			return purged, nil
		}
		if err != nil {
			return purged, p.fail(err)
		}
		key := crawl.Key()
		if _, ok := protected[key]; ok {
			log.Info("purge stopped at protected crawl", zap.String("crawl", key), zap.Int("crawls_purged", purged))
			return purged, nil
		}
		if err := p.purgeCrawl(ctx, key, batchSize); err != nil {
			return purged, p.fail(err)
		}
		purged++
		log.Debug("purged crawl", zap.String("crawl", key))
	}
}

func (p *Purger) purgeCrawl(ctx context.Context, key string, batchSize int) error {
	shards, err := DeleteInBatches(ctx, batchSize,
		func(ctx context.Context, limit int) ([]string, error) {
			return p.store.ShardKeys(ctx, key, limit)
		},
		p.store.DeleteShards,
	)
	if err != nil {
		return fmt.Errorf("delete shards of %s: %w", key, err)
	}
	alerts, err := DeleteInBatches(ctx, batchSize,
		func(ctx context.Context, limit int) ([]string, error) {
			return p.store.AlertKeys(ctx, key, limit)
		},
		p.store.DeleteAlerts,
	)
	if err != nil {
		return fmt.Errorf("delete alerts of %s: %w", key, err)
	}
	if err := p.store.DeleteCrawls(ctx, []string{key}); err != nil {
		return fmt.Errorf("delete crawl %s: %w", key, err)
	}
	p.logger.Debug("deleted crawl contents",
		zap.String("crawl", key),
		zap.Int("shards", shards),
		zap.Int("alerts", alerts),
	)
	return nil
}

func (p *Purger) fail(err error) error {
	if mirror.IsControl(err) {
		return fmt.Errorf("%w: %w", ErrDeadlineExceeded, err)
	}
	p.logger.Error("purge failed", zap.Error(err))
	return err
}
