// Package collyfetcher implements mirror.Fetcher using gocolly.
package collyfetcher

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gocolly/colly/v2"

	"github.com/JakeFAU/cap-mirror/internal/metrics"
	"github.com/JakeFAU/cap-mirror/internal/mirror"
)

// DefaultTimeout bounds a single fetch when Config.Timeout is zero.
const DefaultTimeout = 10 * time.Second

// Config controls collector behavior.
type Config struct {
	UserAgent     string
	RespectRobots bool
	Timeout       time.Duration
}

// Waiter delays a request until the host's rate budget allows it.
type Waiter interface {
	Wait(ctx context.Context, rawURL string) error
}

// Fetcher implements mirror.Fetcher using the Colly collector.
type Fetcher struct {
	cfg           Config
	limiter       Waiter
	baseCollector *colly.Collector
}

type collectorHooks interface {
	OnResponse(colly.ResponseCallback)
	OnError(colly.ErrorCallback)
}

type fetchResult struct {
	status int
	body   []byte
	err    error
}

// New builds a Fetcher. limiter may be nil.
func New(cfg Config, limiter Waiter) *Fetcher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	c := colly.NewCollector(colly.Async(false))
	c.WithTransport(newHTTPTransport())

	return &Fetcher{
		cfg:           cfg,
		limiter:       limiter,
		baseCollector: c,
	}
}

// Fetch retrieves url and returns its body. Any status outside 2xx is an error.
// Only cancellation of ctx itself surfaces as a control error; the per-fetch
// timeout is reported as an ordinary failure.
func (f *Fetcher) Fetch(ctx context.Context, url string) ([]byte, error) {
	site := metrics.SanitizeSite(url)
	if f.limiter != nil {
		if err := f.limiter.Wait(ctx, url); err != nil {
			return nil, fmt.Errorf("fetch %s: %w", url, err)
		}
	}

	var result fetchResult
	collector := f.buildCollector(ctx, &result)
	err := f.runCollector(ctx, collector, url, &result)
	switch {
	case err == nil:
		metrics.ObserveFetch(site, strconv.Itoa(result.status), len(result.body))
		return result.body, nil
	case ctx.Err() != nil:
		metrics.ObserveFetch(site, "canceled", 0)
		return nil, fmt.Errorf("fetch %s: %w", url, ctx.Err())
	case mirror.IsControl(err):
		metrics.ObserveFetch(site, "timeout", 0)
		// Break the chain so the timeout is not mistaken for cancellation.
		return nil, fmt.Errorf("fetch %s timed out: %v", url, err)
	default:
		status := "error"
		if result.status != 0 {
			status = strconv.Itoa(result.status)
		}
		metrics.ObserveFetch(site, status, 0)
		return nil, err
	}
}

func (f *Fetcher) buildCollector(ctx context.Context, result *fetchResult) *colly.Collector {
	collector := f.baseCollector.Clone()
	if f.cfg.UserAgent != "" {
		collector.UserAgent = f.cfg.UserAgent
	}
	collector.IgnoreRobotsTxt = !f.cfg.RespectRobots
	// Feeds are polled every crawl; the shared visited store must not block that.
	collector.AllowURLRevisit = true
	collector.Context = ctx
	collector.SetRequestTimeout(f.cfg.Timeout)

	configureCollectorHooks(collector, result)
	return collector
}

func configureCollectorHooks(hooks collectorHooks, result *fetchResult) {
	hooks.OnResponse(func(r *colly.Response) {
		result.status = r.StatusCode
		result.body = append([]byte(nil), r.Body...)
	})

	hooks.OnError(func(r *colly.Response, err error) {
		if r != nil {
			result.status = r.StatusCode
		}
		if r != nil && r.StatusCode != 0 && (r.StatusCode < 200 || r.StatusCode > 299) {
			err = fmt.Errorf("unexpected status %d: %w", r.StatusCode, err)
		}
		result.err = err
	})
}

func (f *Fetcher) runCollector(ctx context.Context, collector *colly.Collector, url string, result *fetchResult) error {
	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(url)
	}()

	select {
	case <-ctx.Done():
		return fmt.Errorf("colly fetch canceled: %w", ctx.Err())
	case err := <-done:
		if result.err != nil {
			return fmt.Errorf("colly response failed: %w", result.err)
		}
		if err != nil {
			return fmt.Errorf("colly visit failed: %w", err)
		}
		if result.status < 200 || result.status > 299 {
			return fmt.Errorf("colly response failed: %w", errUnexpectedStatus(result.status))
		}
		return nil
	}
}

func errUnexpectedStatus(code int) error {
	return errors.New("unexpected status " + strconv.Itoa(code) + " " + http.StatusText(code))
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
	}
}
