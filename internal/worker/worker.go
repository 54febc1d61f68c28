// Package worker processes shards: fetch, classify, then store the alert or
// fan out the index, and finally mark the shard done.
package worker

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/JakeFAU/cap-mirror/internal/metrics"
	"github.com/JakeFAU/cap-mirror/internal/mirror"
)

// Store is the slice of the work store a ShardWorker needs.
type Store interface {
	GetShard(ctx context.Context, key string) (mirror.Shard, error)
	PutShard(ctx context.Context, shard mirror.Shard) error
	GetCrawl(ctx context.Context, key string) (mirror.Crawl, error)
	PutAlert(ctx context.Context, alert mirror.Alert) error
}

// Scheduler creates child shards; implemented by shard.Pusher.
type Scheduler interface {
	Schedule(ctx context.Context, crawl mirror.Crawl, feedURL, url string, viaPushLane bool) error
}

// EventAlertStored is the conventional topic for AlertStored events.
const EventAlertStored = "alert.stored"

// Config controls ShardWorker behavior.
type Config struct {
	ContentType string
	BlobPrefix  string
	// Topic receives an AlertStored event per stored alert; empty disables it.
	Topic string
	// MaxAttempts bounds processing attempts per shard. Values below 2 mean a
	// failed shard is recorded and marked done on its first attempt.
	MaxAttempts int
	// FanoutViaPushLane routes index children through the push lane.
	FanoutViaPushLane bool
}

// AlertStored is published after an alert is written.
type AlertStored struct {
	Key        string    `json:"key"`
	Crawl      string    `json:"crawl"`
	URL        string    `json:"url"`
	Identifier string    `json:"identifier"`
	TextURI    string    `json:"text_uri,omitempty"`
	TextHash   string    `json:"text_hash"`
	Stored     time.Time `json:"stored"`
}

// ShardWorker executes one shard per Process call.
type ShardWorker struct {
	store      Store
	fetcher    mirror.Fetcher
	classifier mirror.Classifier
	scheduler  Scheduler
	retryLane  mirror.Enqueuer
	blobStore  mirror.BlobStore
	publisher  mirror.Publisher
	hasher     mirror.Hasher
	clock      mirror.Clock
	cfg        Config
	logger     *zap.Logger
}

// New constructs a ShardWorker. retryLane, blobStore and publisher may be
// nil. Without a blob store the raw alert text is kept on the alert itself.
func New(
	store Store,
	fetcher mirror.Fetcher,
	classifier mirror.Classifier,
	scheduler Scheduler,
	retryLane mirror.Enqueuer,
	blobStore mirror.BlobStore,
	publisher mirror.Publisher,
	hasher mirror.Hasher,
	clock mirror.Clock,
	cfg Config,
	logger *zap.Logger,
) *ShardWorker {
	if cfg.ContentType == "" {
		cfg.ContentType = "application/cap+xml"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ShardWorker{
		store:      store,
		fetcher:    fetcher,
		classifier: classifier,
		scheduler:  scheduler,
		retryLane:  retryLane,
		blobStore:  blobStore,
		publisher:  publisher,
		hasher:     hasher,
		clock:      clock,
		cfg:        cfg,
		logger:     logger,
	}
}

// HandleTask adapts Process to a worker-lane delivery.
func (w *ShardWorker) HandleTask(ctx context.Context, task mirror.Task) error {
	if task.Shard == "" {
		return fmt.Errorf("%w: worker task requires shard", mirror.ErrBadTask)
	}
	return w.Process(ctx, task.Shard)
}

// Process runs the shard named by shardKey. Unknown and finished shards are
// no-ops. Cancellation and deadline errors are returned with the shard left
// pending; every other failure is recorded on the shard, which is then done.
func (w *ShardWorker) Process(ctx context.Context, shardKey string) error {
	ctx, span := otel.Tracer("capmirror/worker").Start(ctx, "ProcessShard",
		trace.WithAttributes(attribute.String("shard.key", shardKey)))
	defer span.End()

	shard, err := w.store.GetShard(ctx, shardKey)
	if errors.Is(err, mirror.ErrNotFound) {
		w.logger.Warn("shard not found, dropping task", zap.String("shard", shardKey))
		return nil
	}
	if err != nil {
		return fmt.Errorf("load shard: %w", err)
	}
	if shard.IsDone {
		w.logger.Debug("shard already done", zap.String("shard", shardKey))
		return nil
	}

	start := w.clock.Now()
	shard.Started = start
	shard.Attempts++
	if err := w.store.PutShard(ctx, shard); err != nil {
		return fmt.Errorf("mark shard started: %w", err)
	}

	kind, runErr := w.run(ctx, &shard)
	if mirror.IsControl(runErr) {
		span.RecordError(runErr)
		span.SetStatus(codes.Error, runErr.Error())
		w.logger.Warn("shard interrupted", zap.String("shard", shardKey), zap.Error(runErr))
		return runErr
	}

	outcome := kind.String()
	if runErr != nil {
		span.RecordError(runErr)
		shard.Error = describe(shard.URL, runErr)
		if w.shouldRetry(shard, runErr) {
			requeued, err := w.requeue(ctx, shard)
			if err != nil {
				return err
			}
			if requeued {
				metrics.ObserveShard("retried", w.clock.Now().Sub(start))
				return nil
			}
		}
		outcome = "error"
		w.logger.Error("shard failed",
			zap.String("shard", shardKey),
			zap.String("url", shard.URL),
			zap.Int("attempts", shard.Attempts),
			zap.Error(runErr),
		)
	} else {
		shard.Error = ""
	}

	shard.IsDone = true
	shard.Finished = w.clock.Now()
	if err := w.store.PutShard(ctx, shard); err != nil {
		return fmt.Errorf("mark shard done: %w", err)
	}
	span.SetAttributes(attribute.String("shard.outcome", outcome))
	metrics.ObserveShard(outcome, shard.Finished.Sub(start))
	w.logger.Debug("shard done", zap.String("shard", shardKey), zap.String("outcome", outcome))
	return nil
}

func (w *ShardWorker) run(ctx context.Context, shard *mirror.Shard) (kind mirror.OutcomeKind, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &panicError{value: r, stack: debug.Stack()}
		}
	}()

	crawl, err := w.store.GetCrawl(ctx, shard.CrawlKey)
	if err != nil {
		return kind, fmt.Errorf("load crawl %q: %w", shard.CrawlKey, err)
	}
	body, err := w.fetcher.Fetch(ctx, shard.URL)
	if err != nil {
		return kind, fmt.Errorf("fetch: %w", err)
	}

	out := w.classifier.Classify(shard.URL, body)
	switch out.Kind {
	case mirror.OutcomeDocument:
		shard.ParseErrors = out.ParseErrors
		return out.Kind, w.storeAlert(ctx, crawl, *shard, out, body)
	case mirror.OutcomeIndex:
		return out.Kind, w.fanOut(ctx, crawl, *shard, out.URLs)
	default:
		if out.Err == nil {
			return out.Kind, errors.New("unclassified body")
		}
		return out.Kind, out.Err
	}
}

func (w *ShardWorker) storeAlert(
	ctx context.Context,
	crawl mirror.Crawl,
	shard mirror.Shard,
	out mirror.ParseOutcome,
	body []byte,
) error {
	if out.Alert == nil {
		return errors.New("document outcome without alert")
	}
	alert := *out.Alert
	alert.Key = mirror.AlertKey(crawl.Key(), shard.URL)
	alert.CrawlKey = crawl.Key()
	alert.FeedURL = shard.FeedURL
	alert.URL = shard.URL
	alert.ParseErrors = out.ParseErrors

	hash, err := w.hasher.Hash(body)
	if err != nil {
		return fmt.Errorf("hash body: %w", err)
	}
	alert.TextHash = hash
	if w.blobStore != nil {
		uri, err := w.blobStore.PutObject(ctx, w.buildBlobPath(crawl.Key(), hash), w.cfg.ContentType, body)
		if err != nil {
			return fmt.Errorf("put object: %w", err)
		}
		alert.TextURI = uri
	} else {
		alert.Text = string(body)
	}

	if err := w.store.PutAlert(ctx, alert); err != nil {
		return fmt.Errorf("store alert: %w", err)
	}
	w.publishAlert(ctx, alert)
	return nil
}

func (w *ShardWorker) publishAlert(ctx context.Context, alert mirror.Alert) {
	if w.cfg.Topic == "" || w.publisher == nil {
		return
	}
	event := AlertStored{
		Key:        alert.Key,
		Crawl:      alert.CrawlKey,
		URL:        alert.URL,
		Identifier: alert.Identifier,
		TextURI:    alert.TextURI,
		TextHash:   alert.TextHash,
		Stored:     w.clock.Now(),
	}
	if _, err := w.publisher.Publish(ctx, w.cfg.Topic, event); err != nil {
		w.logger.Warn("publish alert failed", zap.String("alert", alert.Key), zap.Error(err))
	}
}

func (w *ShardWorker) fanOut(ctx context.Context, crawl mirror.Crawl, shard mirror.Shard, urls []string) error {
	metrics.ObserveFanout(len(urls))
	var errs []error
	for _, u := range urls {
		err := w.scheduler.Schedule(ctx, crawl, shard.FeedURL, u, w.cfg.FanoutViaPushLane)
		if err == nil {
			continue
		}
		if mirror.IsControl(err) {
			return err
		}
		errs = append(errs, err)
	}
	if len(errs) > 0 {
		return fmt.Errorf("fan out %d of %d urls: %w", len(errs), len(urls), errors.Join(errs...))
	}
	w.logger.Debug("index fanned out", zap.String("url", shard.URL), zap.Int("children", len(urls)))
	return nil
}

func (w *ShardWorker) buildBlobPath(crawlKey, hash string) string {
	dir := strings.NewReplacer(" ", "_", ":", "-").Replace(crawlKey)
	prefix := strings.Trim(w.cfg.BlobPrefix, "/")
	if prefix == "" {
		return fmt.Sprintf("%s/%s.xml", dir, hash)
	}
	return fmt.Sprintf("%s/%s/%s.xml", prefix, dir, hash)
}

func (w *ShardWorker) shouldRetry(shard mirror.Shard, err error) bool {
	if w.retryLane == nil || w.cfg.MaxAttempts < 2 || shard.Attempts >= w.cfg.MaxAttempts {
		return false
	}
	var pe *panicError
	switch {
	case errors.As(err, &pe):
		return false
	case errors.Is(err, mirror.ErrDocumentFormat),
		errors.Is(err, mirror.ErrIndexFormat),
		errors.Is(err, mirror.ErrNotADocument):
		return false
	}
	return true
}

// requeue stores the failed attempt and puts the shard back on the worker
// lane. It reports false when the enqueue failed and the shard should be
// closed out instead.
func (w *ShardWorker) requeue(ctx context.Context, shard mirror.Shard) (bool, error) {
	if err := w.store.PutShard(ctx, shard); err != nil {
		return false, fmt.Errorf("record failed attempt: %w", err)
	}
	task := mirror.WorkerTask(shard.Key)
	task.Attempt = shard.Attempts
	if err := w.retryLane.Enqueue(ctx, task); err != nil {
		if mirror.IsControl(err) {
			return false, err
		}
		w.logger.Error("requeue shard failed", zap.String("shard", shard.Key), zap.Error(err))
		return false, nil
	}
	w.logger.Info("shard requeued",
		zap.String("shard", shard.Key),
		zap.Int("attempt", shard.Attempts),
		zap.Int("max_attempts", w.cfg.MaxAttempts),
	)
	return true, nil
}

type panicError struct {
	value any
	stack []byte
}

func (e *panicError) Error() string {
	return fmt.Sprintf("panic: %v", e.value)
}

// describe renders a failure for Shard.Error: the URL, the type of the
// innermost error, the full message and, for panics, the goroutine stack.
func describe(url string, err error) string {
	root := err
	for {
		next := errors.Unwrap(root)
		if next == nil {
			break
		}
		root = next
	}
	msg := fmt.Sprintf("Skipping URL %q: %T: %v", url, root, err)
	var pe *panicError
	if errors.As(err, &pe) {
		msg += "\n" + string(pe.stack)
	}
	return msg
}
