package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/JakeFAU/cap-mirror/internal/config"
	"github.com/JakeFAU/cap-mirror/internal/epoch"
	"github.com/JakeFAU/cap-mirror/internal/feeds"
	"github.com/JakeFAU/cap-mirror/internal/metrics"
	"github.com/JakeFAU/cap-mirror/internal/mirror"
)

const (
	requestTimeout = 60 * time.Second
	readyTimeout   = 3 * time.Second
	maxListLimit   = 500
)

// EpochController runs one epoch check.
type EpochController interface {
	EnsureEpoch(ctx context.Context) (epoch.Outcome, error)
}

// PushHandler handles push-lane deliveries.
type PushHandler interface {
	HandlePush(ctx context.Context, task mirror.Task) error
}

// ShardProcessor handles worker-lane deliveries.
type ShardProcessor interface {
	Process(ctx context.Context, shardKey string) error
}

// Purger deletes expired crawls.
type Purger interface {
	Run(ctx context.Context, daysToKeep, batchSize int, now time.Time) (int, error)
}

// FeedAdmin administers feeds and bulk data.
type FeedAdmin interface {
	ListFeeds(ctx context.Context) ([]mirror.Feed, error)
	SaveFeed(ctx context.Context, req feeds.SaveRequest) (mirror.Feed, error)
	ResetFeeds(ctx context.Context, list string) ([]string, error)
	ClearFeeds(ctx context.Context) (int, error)
	ClearCrawls(ctx context.Context, batchSize int) (int, error)
	ClearAlerts(ctx context.Context, batchSize int) (int, error)
}

// Reader serves the read-only listings.
type Reader interface {
	GetCrawl(ctx context.Context, key string) (mirror.Crawl, error)
	MostRecentCrawl(ctx context.Context) (mirror.Crawl, error)
	ListCrawls(ctx context.Context, page mirror.Page) ([]mirror.Crawl, error)
	ListShards(ctx context.Context, crawlKey string, page mirror.Page) ([]mirror.Shard, error)
	ListAlerts(ctx context.Context, crawlKey string, page mirror.Page) ([]mirror.Alert, error)
}

// ReadinessCheck is one dependency checked by /readyz.
type ReadinessCheck struct {
	Name  string
	Check func(ctx context.Context) error
}

// Deps are the collaborators behind the routes. Nil handlers answer 503.
type Deps struct {
	Epoch  EpochController
	Pusher PushHandler
	Worker ShardProcessor
	Purger Purger
	Feeds  FeedAdmin
	Reader Reader
	Clock  mirror.Clock
	Checks []ReadinessCheck
}

// Server wires HTTP handlers to the mirror components.
type Server struct {
	router chi.Router
	deps   Deps
	cfg    config.Config
	logger *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(deps Deps, cfg config.Config, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		deps:   deps,
		cfg:    cfg,
		logger: logger,
	}
	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(logger))
	r.Use(recoverMiddleware(logger))
	r.Use(metrics.Middleware)
	r.Use(timeoutMiddleware(requestTimeout))

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		if cfg.Auth.Enabled {
			r.Use(apiKeyMiddleware(cfg.Auth.APIKey))
		}
		r.Post("/crawl", s.ensureEpoch)
		r.Post("/purge", s.purgeCrawls)
		r.Route("/tasks", func(r chi.Router) {
			r.Post("/push", s.pushTask)
			r.Post("/worker", s.workerTask)
		})
		r.Route("/feeds", func(r chi.Router) {
			r.Get("/", s.listFeeds)
			r.Put("/", s.saveFeed)
			r.Delete("/", s.clearFeeds)
			r.Post("/reset", s.resetFeeds)
		})
		r.Route("/crawls", func(r chi.Router) {
			r.Get("/", s.listCrawls)
			r.Delete("/", s.clearCrawls)
			r.Get("/latest", s.latestCrawl)
			r.Get("/{crawl}/shards", s.listShards)
			r.Get("/{crawl}/alerts", s.listAlerts)
		})
		r.Delete("/alerts", s.clearAlerts)
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), readyTimeout)
	defer cancel()
	failed := map[string]string{}
	for _, c := range s.deps.Checks {
		if err := c.Check(ctx); err != nil {
			s.logger.Warn("readiness check failed", zap.String("check", c.Name), zap.Error(err))
			failed[c.Name] = err.Error()
		}
	}
	if len(failed) > 0 {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "unavailable", "failed": failed})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		zap.L().Error("write JSON failed", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
