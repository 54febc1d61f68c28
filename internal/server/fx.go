// Package server builds the mirror's dependency graph and runs it.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	pubsub "cloud.google.com/go/pubsub/v2"
	"cloud.google.com/go/storage"
	"github.com/jackc/pgx/v5/pgxpool"
	goredis "github.com/redis/go-redis/v9"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/zap"

	"github.com/JakeFAU/cap-mirror/internal/api"
	"github.com/JakeFAU/cap-mirror/internal/clock/system"
	"github.com/JakeFAU/cap-mirror/internal/config"
	"github.com/JakeFAU/cap-mirror/internal/dispatcher"
	"github.com/JakeFAU/cap-mirror/internal/epoch"
	"github.com/JakeFAU/cap-mirror/internal/feeds"
	"github.com/JakeFAU/cap-mirror/internal/fetcher"
	collyfetcher "github.com/JakeFAU/cap-mirror/internal/fetcher/colly"
	"github.com/JakeFAU/cap-mirror/internal/fetcher/ratelimit"
	"github.com/JakeFAU/cap-mirror/internal/hash/sha256"
	"github.com/JakeFAU/cap-mirror/internal/id/uuid"
	redislock "github.com/JakeFAU/cap-mirror/internal/lock/redis"
	"github.com/JakeFAU/cap-mirror/internal/logging"
	"github.com/JakeFAU/cap-mirror/internal/metrics"
	"github.com/JakeFAU/cap-mirror/internal/mirror"
	"github.com/JakeFAU/cap-mirror/internal/parser"
	memorypublisher "github.com/JakeFAU/cap-mirror/internal/publisher/memory"
	gcppublisher "github.com/JakeFAU/cap-mirror/internal/publisher/pubsub"
	"github.com/JakeFAU/cap-mirror/internal/purge"
	queueMemory "github.com/JakeFAU/cap-mirror/internal/queue/memory"
	pubsubqueue "github.com/JakeFAU/cap-mirror/internal/queue/pubsub"
	"github.com/JakeFAU/cap-mirror/internal/scheduler"
	"github.com/JakeFAU/cap-mirror/internal/shard"
	gcsstorage "github.com/JakeFAU/cap-mirror/internal/storage/gcs"
	localstorage "github.com/JakeFAU/cap-mirror/internal/storage/local"
	memoryStorage "github.com/JakeFAU/cap-mirror/internal/storage/memory"
	pgstore "github.com/JakeFAU/cap-mirror/internal/storage/postgres"
	s3store "github.com/JakeFAU/cap-mirror/internal/storage/s3"
	"github.com/JakeFAU/cap-mirror/internal/telemetry"
	"github.com/JakeFAU/cap-mirror/internal/worker"
)

// App contains the application's dependencies.
type App struct {
	cfg    config.Config
	logger *zap.Logger
	clock  mirror.Clock

	store      mirror.Store
	pool       *pgxpool.Pool
	locker     mirror.Locker
	blobStore  mirror.BlobStore
	publisher  mirror.Publisher
	queues     map[mirror.Lane]mirror.Queue
	laneLoops  []func(ctx context.Context) error
	laneClose  []func()
	checks     []api.ReadinessCheck
	pusher     *shard.Pusher
	worker     *worker.ShardWorker
	controller *epoch.Controller
	purger     *purge.Purger
	admin      *feeds.Admin
	dispatch   *dispatcher.Dispatcher
	scheduler  *scheduler.Scheduler
	apiServer  *api.Server

	pubsubClient    *pubsub.Client
	eventsPublisher *pubsub.Publisher
	storage         *storage.Client
	redis           *goredis.Client
	tracerProvider  *sdktrace.TracerProvider
}

// Build creates the application's dependencies.
func Build(ctx context.Context, cfg config.Config) (*App, error) {
	logger, err := logging.New(cfg.Logging.Development, cfg.Logging.Level)
	if err != nil {
		return nil, fmt.Errorf("logger init failed: %w", err)
	}
	zap.ReplaceGlobals(logger)
	metrics.Init()

	app := &App{
		cfg:    cfg,
		logger: logger,
		clock:  system.New(),
	}
	logger.Info("building application dependencies",
		zap.String("store", cfg.Storage.Backend),
		zap.String("blobs", cfg.Storage.BlobBackend),
		zap.String("queue", cfg.Queue.Backend),
		zap.String("epoch_lock", cfg.Crawl.EpochLock),
	)

	app.tracerProvider, err = telemetry.InitTracerProvider(ctx, telemetry.Config{
		ServiceName: cfg.Telemetry.ServiceName,
		Version:     cfg.Telemetry.Version,
		SampleRatio: cfg.Telemetry.SampleRatio,
		LogSpans:    cfg.Telemetry.LogSpans,
	}, logger.Named("trace"))
	if err != nil {
		return nil, fmt.Errorf("tracer init failed: %w", err)
	}

	steps := []func(context.Context) error{
		app.setupStore,
		app.setupLocker,
		app.setupBlobStore,
		app.setupPublisher,
		app.setupQueues,
	}
	for _, step := range steps {
		if err := step(ctx); err != nil {
			app.Close(context.Background())
			return nil, err
		}
	}
	app.setupPipeline()
	if err := app.setupScheduler(); err != nil {
		app.Close(context.Background())
		return nil, err
	}

	app.apiServer = api.NewServer(api.Deps{
		Epoch:  app.controller,
		Pusher: app.pusher,
		Worker: app.worker,
		Purger: app.purger,
		Feeds:  app.admin,
		Reader: app.store,
		Clock:  app.clock,
		Checks: app.checks,
	}, cfg, logger.Named("api"))
	return app, nil
}

func (a *App) setupStore(ctx context.Context) error {
	switch a.cfg.Storage.Backend {
	case "postgres":
		pool, err := pgstore.NewPool(ctx, pgstore.Config{
			DSN:             a.cfg.Database.DSN,
			MaxConns:        a.cfg.Database.MaxConns,
			MinConns:        a.cfg.Database.MinConns,
			MaxConnLifetime: time.Duration(a.cfg.Database.MaxConnLifetimeSeconds) * time.Second,
		})
		if err != nil {
			return fmt.Errorf("postgres pool init failed: %w", err)
		}
		store, err := pgstore.NewStore(pool)
		if err != nil {
			pool.Close()
			return fmt.Errorf("postgres store init failed: %w", err)
		}
		a.pool = pool
		a.store = store
		a.checks = append(a.checks, api.ReadinessCheck{Name: "postgres", Check: pool.Ping})
		a.logger.Info("using postgres work store")
	default:
		a.store = memoryStorage.NewStore()
		a.logger.Info("using in-memory work store")
	}
	return nil
}

func (a *App) setupLocker(ctx context.Context) error {
	switch a.cfg.Crawl.EpochLock {
	case "redis":
		a.redis = redislock.NewClient(redislock.Config{
			Addr:     a.cfg.Redis.Addr,
			Password: a.cfg.Redis.Password,
			DB:       a.cfg.Redis.DB,
		})
		if err := a.redis.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("redis ping failed: %w", err)
		}
		a.locker = redislock.New(a.redis, a.cfg.Redis.KeyPrefix)
		a.checks = append(a.checks, api.ReadinessCheck{Name: "redis", Check: func(ctx context.Context) error {
			return a.redis.Ping(ctx).Err()
		}})
		a.logger.Info("epoch lock held in redis", zap.String("addr", a.cfg.Redis.Addr))
	case "store":
		if a.pool != nil {
			a.locker = pgstore.NewLocker(a.pool, a.clock.Now)
		} else {
			a.locker = memoryStorage.NewLocker(a.clock.Now)
		}
		a.logger.Info("epoch lock held in the work store")
	default:
		a.logger.Warn("epoch lock disabled; concurrent triggers may start duplicate crawls")
	}
	return nil
}

func (a *App) setupBlobStore(ctx context.Context) error {
	switch a.cfg.Storage.BlobBackend {
	case "gcs":
		client, err := storage.NewClient(ctx)
		if err != nil {
			return fmt.Errorf("gcs client init failed: %w", err)
		}
		a.storage = client
		blobs, err := gcsstorage.New(client, gcsstorage.Config{Bucket: a.cfg.Storage.GCSBucket})
		if err != nil {
			return fmt.Errorf("gcs blob store init failed: %w", err)
		}
		a.blobStore = blobs
		a.checks = append(a.checks, api.ReadinessCheck{Name: "gcs", Check: blobs.Ping})
		a.logger.Info("archiving alerts to GCS", zap.String("bucket", a.cfg.Storage.GCSBucket))
	case "s3":
		blobs, err := s3store.NewFromConfig(ctx, s3store.Config{
			Bucket:       a.cfg.S3.Bucket,
			Region:       a.cfg.S3.Region,
			Endpoint:     a.cfg.S3.Endpoint,
			UsePathStyle: a.cfg.S3.UsePathStyle,
		})
		if err != nil {
			return fmt.Errorf("s3 blob store init failed: %w", err)
		}
		a.blobStore = blobs
		a.logger.Info("archiving alerts to S3", zap.String("bucket", a.cfg.S3.Bucket))
	case "local":
		blobs, err := localstorage.New(localstorage.Config{BaseDir: a.cfg.Storage.LocalDir})
		if err != nil {
			return fmt.Errorf("local blob store init failed: %w", err)
		}
		a.blobStore = blobs
		a.logger.Info("archiving alerts to local disk", zap.String("dir", a.cfg.Storage.LocalDir))
	case "memory":
		a.blobStore = memoryStorage.NewBlobStore()
		a.logger.Info("archiving alerts in memory")
	default:
		a.logger.Info("alert text kept inline; no blob archive configured")
	}
	return nil
}

func (a *App) ensurePubSub(ctx context.Context) (*pubsub.Client, error) {
	if a.pubsubClient != nil {
		return a.pubsubClient, nil
	}
	client, err := pubsub.NewClient(ctx, a.cfg.PubSub.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("pubsub client init failed: %w", err)
	}
	a.pubsubClient = client
	return client, nil
}

func (a *App) setupPublisher(ctx context.Context) error {
	if a.cfg.PubSub.ProjectID == "" || a.cfg.PubSub.EventsTopic == "" {
		a.logger.Warn("no Pub/Sub events topic configured, using in-memory publisher")
		a.publisher = memorypublisher.New(memorypublisher.DefaultRetention)
		return nil
	}
	client, err := a.ensurePubSub(ctx)
	if err != nil {
		return err
	}
	a.eventsPublisher = client.Publisher(a.cfg.PubSub.EventsTopic)
	a.publisher = gcppublisher.NewFromTopic(a.eventsPublisher)
	a.logger.Info("Pub/Sub publisher initialized",
		zap.String("project", a.cfg.PubSub.ProjectID),
		zap.String("topic", a.cfg.PubSub.EventsTopic),
	)
	return nil
}

func (a *App) setupQueues(ctx context.Context) error {
	a.queues = make(map[mirror.Lane]mirror.Queue, 2)
	if a.cfg.Queue.Backend != "pubsub" {
		for _, lane := range []mirror.Lane{mirror.LanePush, mirror.LaneWorker} {
			q := queueMemory.NewQueue(a.cfg.Worker.QueueDepth)
			a.queues[lane] = q
			a.laneClose = append(a.laneClose, q.Close)
		}
		a.logger.Info("using in-memory lanes", zap.Int("depth", a.cfg.Worker.QueueDepth))
		return nil
	}

	client, err := a.ensurePubSub(ctx)
	if err != nil {
		return err
	}
	lanes := []struct {
		lane         mirror.Lane
		topic        string
		subscription string
	}{
		{mirror.LanePush, a.cfg.PubSub.PushTopic, a.cfg.PubSub.PushSubscription},
		{mirror.LaneWorker, a.cfg.PubSub.WorkerTopic, a.cfg.PubSub.WorkerSubscription},
	}
	for _, l := range lanes {
		q := pubsubqueue.NewFromClient(client, l.lane, l.topic, l.subscription, a.logger.Named("lane"))
		a.queues[l.lane] = q
		a.laneLoops = append(a.laneLoops, q.Run)
		a.laneClose = append(a.laneClose, q.Close)
		a.logger.Info("Pub/Sub lane initialized",
			zap.String("lane", string(l.lane)),
			zap.String("topic", l.topic),
			zap.String("subscription", l.subscription),
		)
	}
	return nil
}

func (a *App) setupPipeline() {
	limiter := ratelimit.New(ratelimit.Config{
		DefaultRPS:   a.cfg.Fetch.RateLimitRPS,
		DefaultBurst: a.cfg.Fetch.RateLimitBurst,
	})
	network := collyfetcher.New(collyfetcher.Config{
		UserAgent:     a.cfg.Fetch.UserAgent,
		RespectRobots: a.cfg.Fetch.RespectRobots,
		Timeout:       a.cfg.FetchTimeout(),
	}, limiter)
	router := fetcher.NewRouter(network, a.cfg.Crawl.TestdataDir)
	a.logger.Info("fetcher configured",
		zap.String("user_agent", a.cfg.Fetch.UserAgent),
		zap.Duration("timeout", a.cfg.FetchTimeout()),
		zap.Float64("rate_limit_rps", a.cfg.Fetch.RateLimitRPS),
	)

	pushLane := a.queues[mirror.LanePush]
	workerLane := a.queues[mirror.LaneWorker]
	a.pusher = shard.NewPusher(a.store, workerLane, pushLane, a.logger.Named("shard"))
	a.worker = worker.New(
		a.store,
		router,
		parser.NewClassifier(),
		a.pusher,
		workerLane,
		a.blobStore,
		a.publisher,
		sha256.New(),
		a.clock,
		worker.Config{
			ContentType:       a.cfg.Storage.ContentType,
			BlobPrefix:        a.cfg.Storage.Prefix,
			Topic:             worker.EventAlertStored,
			MaxAttempts:       a.cfg.Worker.MaxAttempts,
			FanoutViaPushLane: a.cfg.Crawl.FanoutViaPushLane,
		},
		a.logger.Named("worker"),
	)
	a.controller = epoch.New(
		a.store,
		a.pusher,
		a.locker,
		uuid.New(),
		a.clock,
		a.publisher,
		epoch.Config{
			ViaPushLane: a.cfg.Crawl.FanoutViaPushLane,
			LockTTL:     a.cfg.LockTTL(),
		},
		a.logger.Named("epoch"),
	)
	a.purger = purge.New(a.store, a.logger.Named("purge"))
	a.admin = feeds.NewAdmin(a.store, a.cfg.Feeds.Lists, a.logger.Named("feeds"))

	var runners []*worker.Runner
	for i := 0; i < a.cfg.Worker.PushWorkers; i++ {
		runners = append(runners, worker.NewRunner(mirror.LanePush, pushLane, a.pusher.HandlePush,
			a.logger.Named("runner").With(zap.String("lane", string(mirror.LanePush)), zap.Int("index", i))))
	}
	for i := 0; i < a.cfg.Worker.ShardWorkers; i++ {
		runners = append(runners, worker.NewRunner(mirror.LaneWorker, workerLane, a.worker.HandleTask,
			a.logger.Named("runner").With(zap.String("lane", string(mirror.LaneWorker)), zap.Int("index", i))))
	}
	a.dispatch = dispatcher.New(a.queues, runners)
	a.logger.Info("dispatcher configured",
		zap.Int("push_workers", a.cfg.Worker.PushWorkers),
		zap.Int("shard_workers", a.cfg.Worker.ShardWorkers),
		zap.Int("max_attempts", a.cfg.Worker.MaxAttempts),
	)
}

func (a *App) setupScheduler() error {
	a.scheduler = scheduler.New(a.logger.Named("scheduler"))
	if !a.cfg.Scheduler.Enabled {
		a.logger.Info("cron scheduler disabled; epochs run only via POST /v1/crawl")
		return nil
	}
	for _, job := range a.scheduledJobs() {
		if err := a.scheduler.Add(job); err != nil {
			return fmt.Errorf("schedule %s: %w", job.Name, err)
		}
	}
	return nil
}

// scheduledJobs lists the cron jobs for the configured specs. Every job is
// bounded by scheduler.job_timeout_seconds.
func (a *App) scheduledJobs() []scheduler.Job {
	jobs := []scheduler.Job{{
		Name:    "epoch",
		Spec:    a.cfg.Scheduler.EpochSpec,
		Timeout: a.cfg.JobTimeout(),
		Run: func(ctx context.Context) error {
			_, err := a.RunEpoch(ctx)
			return err
		},
	}}
	if a.cfg.Scheduler.PurgeSpec != "" {
		jobs = append(jobs, scheduler.Job{
			Name:    "purge",
			Spec:    a.cfg.Scheduler.PurgeSpec,
			Timeout: a.cfg.JobTimeout(),
			Run: func(ctx context.Context) error {
				_, err := a.RunPurge(ctx)
				return err
			},
		})
	}
	return jobs
}

// Logger returns the application logger.
func (a *App) Logger() *zap.Logger {
	return a.logger
}

// RunEpoch performs one epoch check.
func (a *App) RunEpoch(ctx context.Context) (epoch.Outcome, error) {
	out, err := a.controller.EnsureEpoch(ctx)
	if err != nil {
		return out, fmt.Errorf("ensure epoch: %w", err)
	}
	a.logger.Info("epoch checked", zap.String("state", string(out.State)), zap.Int("feeds", len(out.FeedURLs)))
	return out, nil
}

// RunPurge purges expired crawls with the configured defaults.
func (a *App) RunPurge(ctx context.Context) (int, error) {
	return a.purger.Run(ctx, a.cfg.Purge.DaysToKeep, a.cfg.Purge.BatchSize, a.clock.Now())
}

// Run starts the lanes, the dispatcher, the scheduler and the HTTP server, and
// blocks until the context is canceled or a signal arrives.
func (a *App) Run(ctx context.Context) error {
	a.logger.Info("application started")
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var wg sync.WaitGroup
	for _, loop := range a.laneLoops {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := loop(ctx); err != nil && !mirror.IsControl(err) {
				a.logger.Error("lane receive loop failed", zap.Error(err))
				stop()
			}
		}()
	}
	wg.Add(2)
	go func() {
		defer wg.Done()
		a.logger.Info("dispatcher started")
		a.dispatch.Run(ctx)
	}()
	go func() {
		defer wg.Done()
		if err := a.scheduler.Run(ctx); err != nil {
			a.logger.Error("scheduler failed", zap.Error(err))
		}
	}()

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           a.apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		a.logger.Info("http server started", zap.Int("port", a.cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("http server error", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	a.logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.ShutdownTimeout())
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("server shutdown error", zap.Error(err))
	}
	for _, closeLane := range a.laneClose {
		closeLane()
	}
	wg.Wait()

	a.Close(shutdownCtx)
	return nil
}

// Close releases every client the App opened. It is safe on a partially
// built App.
func (a *App) Close(ctx context.Context) {
	a.closeInfrastructure()
	a.closeObservability(ctx)
	a.logger.Info("shutdown complete")
}

func (a *App) closeInfrastructure() {
	if a.eventsPublisher != nil {
		a.eventsPublisher.Stop()
	}
	if a.pubsubClient != nil {
		if err := a.pubsubClient.Close(); err != nil {
			a.logger.Warn("pubsub client close failed", zap.Error(err))
		}
	}
	if a.storage != nil {
		if err := a.storage.Close(); err != nil {
			a.logger.Warn("gcs client close failed", zap.Error(err))
		}
	}
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			a.logger.Warn("redis client close failed", zap.Error(err))
		}
	}
	if a.store != nil {
		a.store.Close()
	}
}

func (a *App) closeObservability(ctx context.Context) {
	if a.tracerProvider != nil {
		if err := a.tracerProvider.Shutdown(ctx); err != nil {
			a.logger.Warn("tracer shutdown failed", zap.Error(err))
		}
	}
	if err := a.logger.Sync(); err != nil {
		a.logger.Debug("logger sync failed", zap.Error(err))
	}
}
