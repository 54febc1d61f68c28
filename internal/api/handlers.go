package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/JakeFAU/cap-mirror/internal/feeds"
	"github.com/JakeFAU/cap-mirror/internal/mirror"
	"github.com/JakeFAU/cap-mirror/internal/purge"
)

const (
	maxBodyBytes     = 1 << 20
	defaultBatchSize = 20
	latestCrawlParam = "latest"
)

// statusFor maps domain errors to HTTP status codes. Control errors answer 503
// so a push subscription redelivers the task.
func statusFor(err error) int {
	switch {
	case mirror.IsControl(err):
		return http.StatusServiceUnavailable
	case errors.Is(err, mirror.ErrNotFound), errors.Is(err, feeds.ErrFeedNotFound):
		return http.StatusNotFound
	case errors.Is(err, feeds.ErrUnknownFeedList), errors.Is(err, purge.ErrBatchTooLarge),
		errors.Is(err, mirror.ErrBadTask):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) fail(w http.ResponseWriter, r *http.Request, op string, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error(op+" failed", zap.Error(err), zap.String("request_id", RequestID(r.Context())))
	}
	writeError(w, status, err.Error())
}

func unavailable(w http.ResponseWriter, what string) {
	writeError(w, http.StatusServiceUnavailable, what+" unavailable")
}

func (s *Server) ensureEpoch(w http.ResponseWriter, r *http.Request) {
	if s.deps.Epoch == nil {
		unavailable(w, "epoch controller")
		return
	}
	out, err := s.deps.Epoch.EnsureEpoch(r.Context())
	if err != nil {
		s.fail(w, r, "ensure epoch", err)
		return
	}
	resp := epochResponse{State: string(out.State), FeedURLs: out.FeedURLs}
	if out.Crawl != nil {
		dto := toCrawlDTO(*out.Crawl)
		resp.Crawl = &dto
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) pushTask(w http.ResponseWriter, r *http.Request) {
	if s.deps.Pusher == nil {
		unavailable(w, "push handler")
		return
	}
	task, err := decodeTask(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if task.Crawl == "" || task.URL == "" {
		writeError(w, http.StatusBadRequest, "crawl and url required")
		return
	}
	task.Lane = mirror.LanePush
	if err := s.deps.Pusher.HandlePush(r.Context(), task); err != nil {
		s.fail(w, r, "push task", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) workerTask(w http.ResponseWriter, r *http.Request) {
	if s.deps.Worker == nil {
		unavailable(w, "shard worker")
		return
	}
	task, err := decodeTask(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if task.Shard == "" {
		writeError(w, http.StatusBadRequest, "shard required")
		return
	}
	if err := s.deps.Worker.Process(r.Context(), task.Shard); err != nil {
		s.fail(w, r, "worker task", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) purgeCrawls(w http.ResponseWriter, r *http.Request) {
	if s.deps.Purger == nil {
		unavailable(w, "purger")
		return
	}
	days, err := intParam(r, "days_to_keep", s.cfg.Purge.DaysToKeep)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	batch, err := intParam(r, "batch_size", s.cfg.Purge.BatchSize)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if batch > purge.MaxBatchSize {
		writeError(w, http.StatusBadRequest, purge.ErrBatchTooLarge.Error())
		return
	}
	s.logger.Info("purging crawls", zap.Int("days_to_keep", days), zap.Int("batch_size", batch))
	purged, err := s.deps.Purger.Run(r.Context(), days, batch, s.now())
	resp := purgeResponse{CrawlsPurged: purged, DaysToKeep: days, BatchSize: batch}
	if err != nil {
		resp.Error = err.Error()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) listFeeds(w http.ResponseWriter, r *http.Request) {
	if s.deps.Feeds == nil {
		unavailable(w, "feed admin")
		return
	}
	list, err := s.deps.Feeds.ListFeeds(r.Context())
	if err != nil {
		s.fail(w, r, "list feeds", err)
		return
	}
	out := make([]feedDTO, 0, len(list))
	for _, f := range list {
		out = append(out, toFeedDTO(f))
	}
	writeJSON(w, http.StatusOK, map[string]any{"feeds": out})
}

func (s *Server) saveFeed(w http.ResponseWriter, r *http.Request) {
	if s.deps.Feeds == nil {
		unavailable(w, "feed admin")
		return
	}
	var req saveFeedRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if req.URL == "" {
		writeError(w, http.StatusBadRequest, "url required")
		return
	}
	period := -1
	if req.CrawlPeriodMinutes != nil {
		period = *req.CrawlPeriodMinutes
	}
	feed, err := s.deps.Feeds.SaveFeed(r.Context(), feeds.SaveRequest{
		URL:                req.URL,
		IsCrawlable:        req.IsCrawlable,
		IsRoot:             req.IsRoot,
		CrawlPeriodMinutes: period,
	})
	if err != nil {
		s.fail(w, r, "save feed", err)
		return
	}
	writeJSON(w, http.StatusOK, toFeedDTO(feed))
}

func (s *Server) resetFeeds(w http.ResponseWriter, r *http.Request) {
	if s.deps.Feeds == nil {
		unavailable(w, "feed admin")
		return
	}
	added, err := s.deps.Feeds.ResetFeeds(r.Context(), r.URL.Query().Get("feed_list"))
	if err != nil {
		s.fail(w, r, "reset feeds", err)
		return
	}
	if added == nil {
		added = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"added": added})
}

func (s *Server) clearFeeds(w http.ResponseWriter, r *http.Request) {
	if s.deps.Feeds == nil {
		unavailable(w, "feed admin")
		return
	}
	n, err := s.deps.Feeds.ClearFeeds(r.Context())
	if err != nil {
		s.fail(w, r, "clear feeds", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"deleted": n})
}

func (s *Server) clearCrawls(w http.ResponseWriter, r *http.Request) {
	s.clearWith(w, r, "clear crawls", func(batch int) (int, error) {
		return s.deps.Feeds.ClearCrawls(r.Context(), batch)
	})
}

func (s *Server) clearAlerts(w http.ResponseWriter, r *http.Request) {
	s.clearWith(w, r, "clear alerts", func(batch int) (int, error) {
		return s.deps.Feeds.ClearAlerts(r.Context(), batch)
	})
}

func (s *Server) clearWith(w http.ResponseWriter, r *http.Request, op string, clear func(batch int) (int, error)) {
	if s.deps.Feeds == nil {
		unavailable(w, "feed admin")
		return
	}
	batch, err := intParam(r, "batch_size", defaultBatchSize)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	n, err := clear(batch)
	if err != nil {
		s.fail(w, r, op, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"deleted": n})
}

func (s *Server) listCrawls(w http.ResponseWriter, r *http.Request) {
	if s.deps.Reader == nil {
		unavailable(w, "store")
		return
	}
	page, err := parsePage(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	crawls, err := s.deps.Reader.ListCrawls(r.Context(), page)
	if err != nil {
		s.fail(w, r, "list crawls", err)
		return
	}
	resp := crawlsResponse{InProgress: []crawlDTO{}, Finished: []crawlDTO{}}
	for _, c := range crawls {
		if c.IsDone {
			resp.Finished = append(resp.Finished, toCrawlDTO(c))
		} else {
			resp.InProgress = append(resp.InProgress, toCrawlDTO(c))
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) latestCrawl(w http.ResponseWriter, r *http.Request) {
	if s.deps.Reader == nil {
		unavailable(w, "store")
		return
	}
	crawl, err := s.deps.Reader.MostRecentCrawl(r.Context())
	if err != nil {
		s.fail(w, r, "latest crawl", err)
		return
	}
	writeJSON(w, http.StatusOK, toCrawlDTO(crawl))
}

func (s *Server) listShards(w http.ResponseWriter, r *http.Request) {
	crawl, page, ok := s.crawlListing(w, r)
	if !ok {
		return
	}
	shards, err := s.deps.Reader.ListShards(r.Context(), crawl.Key(), page)
	if err != nil {
		s.fail(w, r, "list shards", err)
		return
	}
	if shards == nil {
		shards = []mirror.Shard{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"crawl": toCrawlDTO(crawl), "shards": shards})
}

func (s *Server) listAlerts(w http.ResponseWriter, r *http.Request) {
	crawl, page, ok := s.crawlListing(w, r)
	if !ok {
		return
	}
	alerts, err := s.deps.Reader.ListAlerts(r.Context(), crawl.Key(), page)
	if err != nil {
		s.fail(w, r, "list alerts", err)
		return
	}
	if alerts == nil {
		alerts = []mirror.Alert{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"crawl": toCrawlDTO(crawl), "alerts": alerts})
}

// crawlListing resolves the {crawl} path parameter ("latest" means the most
// recently started crawl) and the page bounds. It writes the error response
// itself and reports false when the request cannot proceed.
func (s *Server) crawlListing(w http.ResponseWriter, r *http.Request) (mirror.Crawl, mirror.Page, bool) {
	if s.deps.Reader == nil {
		unavailable(w, "store")
		return mirror.Crawl{}, mirror.Page{}, false
	}
	page, err := parsePage(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return mirror.Crawl{}, mirror.Page{}, false
	}
	key, err := url.PathUnescape(chi.URLParam(r, "crawl"))
	if err != nil || key == "" {
		writeError(w, http.StatusBadRequest, "invalid crawl key")
		return mirror.Crawl{}, mirror.Page{}, false
	}
	var crawl mirror.Crawl
	if key == latestCrawlParam {
		crawl, err = s.deps.Reader.MostRecentCrawl(r.Context())
	} else {
		crawl, err = s.deps.Reader.GetCrawl(r.Context(), key)
	}
	if err != nil {
		if errors.Is(err, mirror.ErrNotFound) {
			writeError(w, http.StatusNotFound, fmt.Sprintf("unknown crawl %q", key))
			return mirror.Crawl{}, mirror.Page{}, false
		}
		s.fail(w, r, "load crawl", err)
		return mirror.Crawl{}, mirror.Page{}, false
	}
	return crawl, page, true
}

func (s *Server) now() time.Time {
	if s.deps.Clock != nil {
		return s.deps.Clock.Now()
	}
	return time.Now().UTC()
}

// decodeTask accepts either a bare task object or a Pub/Sub push envelope
// whose message data holds the task JSON.
func decodeTask(r *http.Request) (mirror.Task, error) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		return mirror.Task{}, fmt.Errorf("read body: %w", err)
	}
	var req taskRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return mirror.Task{}, errors.New("invalid JSON")
	}
	if req.Message == nil {
		return req.Task, nil
	}
	var task mirror.Task
	if err := json.Unmarshal(req.Message.Data, &task); err != nil {
		return mirror.Task{}, errors.New("invalid push message data")
	}
	return task, nil
}

func intParam(r *http.Request, name string, def int) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 0 {
		return 0, fmt.Errorf("invalid %s", name)
	}
	return v, nil
}

func parsePage(r *http.Request) (mirror.Page, error) {
	q := r.URL.Query()
	page := mirror.Page{}
	if limStr := q.Get("limit"); limStr != "" {
		val, err := strconv.Atoi(limStr)
		if err != nil || val <= 0 {
			return mirror.Page{}, errors.New("invalid limit")
		}
		page.Limit = min(val, maxListLimit)
	}
	if offStr := q.Get("offset"); offStr != "" {
		val, err := strconv.Atoi(offStr)
		if err != nil || val < 0 {
			return mirror.Page{}, errors.New("invalid offset")
		}
		page.Offset = val
	}
	return page.Normalize(), nil
}

type taskRequest struct {
	mirror.Task
	Message *struct {
		Data       []byte            `json:"data"`
		Attributes map[string]string `json:"attributes"`
	} `json:"message"`
}

type saveFeedRequest struct {
	URL                string `json:"url"`
	IsCrawlable        bool   `json:"is_crawlable"`
	IsRoot             bool   `json:"is_root"`
	CrawlPeriodMinutes *int   `json:"crawl_period_in_minutes"`
}

type epochResponse struct {
	State    string    `json:"state"`
	Crawl    *crawlDTO `json:"crawl,omitempty"`
	FeedURLs []string  `json:"feed_urls,omitempty"`
}

type purgeResponse struct {
	CrawlsPurged int    `json:"crawls_purged"`
	DaysToKeep   int    `json:"days_to_keep"`
	BatchSize    int    `json:"batch_size"`
	Error        string `json:"error,omitempty"`
}

type crawlsResponse struct {
	InProgress []crawlDTO `json:"in_progress"`
	Finished   []crawlDTO `json:"finished"`
}

type crawlDTO struct {
	Key      string     `json:"key"`
	Started  time.Time  `json:"started"`
	Finished *time.Time `json:"finished,omitempty"`
	IsDone   bool       `json:"is_done"`
	FeedURLs []string   `json:"feed_urls"`
}

func toCrawlDTO(c mirror.Crawl) crawlDTO {
	dto := crawlDTO{
		Key:      c.Key(),
		Started:  c.Started,
		IsDone:   c.IsDone,
		FeedURLs: c.FeedURLs,
	}
	if !c.Finished.IsZero() {
		finished := c.Finished
		dto.Finished = &finished
	}
	if dto.FeedURLs == nil {
		dto.FeedURLs = []string{}
	}
	return dto
}

type feedDTO struct {
	URL                string `json:"url"`
	IsCrawlable        bool   `json:"is_crawlable"`
	IsRoot             bool   `json:"is_root"`
	CrawlPeriodMinutes int    `json:"crawl_period_in_minutes"`
	LastCrawl          string `json:"last_crawl,omitempty"`
}

func toFeedDTO(f mirror.Feed) feedDTO {
	return feedDTO{
		URL:                f.URL,
		IsCrawlable:        f.IsCrawlable,
		IsRoot:             f.IsRoot,
		CrawlPeriodMinutes: int(f.CrawlPeriod / time.Minute),
		LastCrawl:          f.LastCrawl,
	}
}
