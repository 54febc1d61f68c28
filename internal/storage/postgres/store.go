// Package postgres implements the work store and epoch lock on Postgres.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/cap-mirror/internal/mirror"
)

// zeroTime stands in for NULL timestamps; it reads back as the zero time.Time.
const zeroTime = `'0001-01-01 00:00:00+00'::timestamptz`

// Config controls the Postgres connection pool.
type Config struct {
	DSN             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

// Pool is the subset of *pgxpool.Pool used by Store and Locker.
type Pool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
	Close()
}

// Store implements mirror.Store.
type Store struct {
	pool Pool
}

// NewPool opens a pgx pool from cfg.
func NewPool(ctx context.Context, cfg Config) (*pgxpool.Pool, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("database.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return pool, nil
}

// NewStore wraps an existing pool.
func NewStore(pool Pool) (*Store, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &Store{pool: pool}, nil
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// --- feeds ---

const feedColumns = `url, is_crawlable, is_root, crawl_period_seconds, last_crawl`

// ListFeeds returns all feeds ordered by URL.
func (s *Store) ListFeeds(ctx context.Context) ([]mirror.Feed, error) {
	return s.queryFeeds(ctx, `SELECT `+feedColumns+` FROM feeds ORDER BY url`)
}

// ListRootFeeds returns crawlable root feeds ordered by URL.
func (s *Store) ListRootFeeds(ctx context.Context) ([]mirror.Feed, error) {
	return s.queryFeeds(ctx, `SELECT `+feedColumns+` FROM feeds WHERE is_crawlable AND is_root ORDER BY url`)
}

func (s *Store) queryFeeds(ctx context.Context, query string, args ...any) ([]mirror.Feed, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query feeds: %w", err)
	}
	defer rows.Close()
	var out []mirror.Feed
	for rows.Next() {
		f, err := scanFeed(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate feeds: %w", err)
	}
	return out, nil
}

// GetFeed fetches a feed by URL.
func (s *Store) GetFeed(ctx context.Context, url string) (mirror.Feed, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+feedColumns+` FROM feeds WHERE url = $1`, url)
	f, err := scanFeed(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return mirror.Feed{}, fmt.Errorf("feed %q: %w", url, mirror.ErrNotFound)
	}
	return f, err
}

// PutFeed inserts or replaces a feed.
func (s *Store) PutFeed(ctx context.Context, feed mirror.Feed) error {
	const query = `
INSERT INTO feeds (` + feedColumns + `)
VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (url) DO UPDATE SET
	is_crawlable = EXCLUDED.is_crawlable,
	is_root = EXCLUDED.is_root,
	crawl_period_seconds = EXCLUDED.crawl_period_seconds,
	last_crawl = EXCLUDED.last_crawl`
	_, err := s.pool.Exec(ctx, query,
		feed.URL, feed.IsCrawlable, feed.IsRoot, int64(feed.CrawlPeriod/time.Second), feed.LastCrawl)
	if err != nil {
		return fmt.Errorf("upsert feed: %w", err)
	}
	return nil
}

// SetLastCrawl records the crawl that last covered url.
func (s *Store) SetLastCrawl(ctx context.Context, url string, crawlKey string) error {
	tag, err := s.pool.Exec(ctx, `UPDATE feeds SET last_crawl = $2 WHERE url = $1`, url, crawlKey)
	if err != nil {
		return fmt.Errorf("set last crawl: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("feed %q: %w", url, mirror.ErrNotFound)
	}
	return nil
}

// FeedKeys lists up to limit feed URLs.
func (s *Store) FeedKeys(ctx context.Context, limit int) ([]string, error) {
	return s.queryKeys(ctx, `SELECT url FROM feeds ORDER BY url LIMIT $1`, limitArg(limit))
}

// DeleteFeeds removes feeds by URL.
func (s *Store) DeleteFeeds(ctx context.Context, urls []string) error {
	return s.deleteKeys(ctx, "feeds", `DELETE FROM feeds WHERE url = ANY($1)`, urls)
}

// LastCrawlKeys returns the distinct crawl keys referenced by feeds, walking
// the feed table pageSize rows at a time.
func (s *Store) LastCrawlKeys(ctx context.Context, pageSize int) ([]string, error) {
	if pageSize <= 0 {
		pageSize = 100
	}
	seen := make(map[string]struct{})
	var out []string
	after := ""
	for {
		rows, err := s.pool.Query(ctx,
			`SELECT url, last_crawl FROM feeds WHERE url > $1 ORDER BY url LIMIT $2`, after, pageSize)
		if err != nil {
			return nil, fmt.Errorf("query last crawls: %w", err)
		}
		n := 0
		for rows.Next() {
			var url, last string
			if err := rows.Scan(&url, &last); err != nil {
				rows.Close()
				return nil, fmt.Errorf("scan last crawl: %w", err)
			}
			n++
			after = url
			if _, dup := seen[last]; last != "" && !dup {
				seen[last] = struct{}{}
				out = append(out, last)
			}
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return nil, fmt.Errorf("iterate last crawls: %w", err)
		}
		if n < pageSize {
			return out, nil
		}
	}
}

// --- crawls ---

var crawlColumns = `started, COALESCE(finished, ` + zeroTime + `), is_done, feed_urls`

// PutCrawl inserts or replaces a crawl.
func (s *Store) PutCrawl(ctx context.Context, crawl mirror.Crawl) error {
	if crawl.Started.IsZero() {
		return fmt.Errorf("crawl started is required")
	}
	const query = `
INSERT INTO crawls (key, started, finished, is_done, feed_urls)
VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (key) DO UPDATE SET
	finished = EXCLUDED.finished,
	is_done = EXCLUDED.is_done,
	feed_urls = EXCLUDED.feed_urls`
	_, err := s.pool.Exec(ctx, query,
		crawl.Key(), crawl.Started.UTC(), nullTime(crawl.Finished), crawl.IsDone, nonNil(crawl.FeedURLs))
	if err != nil {
		return fmt.Errorf("upsert crawl: %w", err)
	}
	return nil
}

// GetCrawl fetches a crawl by key.
func (s *Store) GetCrawl(ctx context.Context, key string) (mirror.Crawl, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+crawlColumns+` FROM crawls WHERE key = $1`, key)
	c, err := scanCrawl(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return mirror.Crawl{}, fmt.Errorf("crawl %q: %w", key, mirror.ErrNotFound)
	}
	return c, err
}

// LatestInProgressCrawl returns the most recently started crawl that is not done.
func (s *Store) LatestInProgressCrawl(ctx context.Context) (mirror.Crawl, error) {
	return s.oneCrawl(ctx, `SELECT `+crawlColumns+` FROM crawls WHERE NOT is_done ORDER BY started DESC LIMIT 1`)
}

// MostRecentCrawl returns the most recently started crawl.
func (s *Store) MostRecentCrawl(ctx context.Context) (mirror.Crawl, error) {
	return s.oneCrawl(ctx, `SELECT `+crawlColumns+` FROM crawls ORDER BY started DESC LIMIT 1`)
}

// OldestCrawlBefore returns the earliest crawl started before cutoff.
func (s *Store) OldestCrawlBefore(ctx context.Context, cutoff time.Time) (mirror.Crawl, error) {
	return s.oneCrawl(ctx,
		`SELECT `+crawlColumns+` FROM crawls WHERE started < $1 ORDER BY started ASC LIMIT 1`, cutoff.UTC())
}

func (s *Store) oneCrawl(ctx context.Context, query string, args ...any) (mirror.Crawl, error) {
	c, err := scanCrawl(s.pool.QueryRow(ctx, query, args...))
	if errors.Is(err, pgx.ErrNoRows) {
		return mirror.Crawl{}, mirror.ErrNotFound
	}
	return c, err
}

// ListCrawls returns crawls newest first.
func (s *Store) ListCrawls(ctx context.Context, page mirror.Page) ([]mirror.Crawl, error) {
	page = page.Normalize()
	rows, err := s.pool.Query(ctx,
		`SELECT `+crawlColumns+` FROM crawls ORDER BY started DESC LIMIT $1 OFFSET $2`, page.Limit, page.Offset)
	if err != nil {
		return nil, fmt.Errorf("query crawls: %w", err)
	}
	defer rows.Close()
	out := []mirror.Crawl{}
	for rows.Next() {
		c, err := scanCrawl(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate crawls: %w", err)
	}
	return out, nil
}

// CrawlKeys lists up to limit crawl keys, oldest first.
func (s *Store) CrawlKeys(ctx context.Context, limit int) ([]string, error) {
	return s.queryKeys(ctx, `SELECT key FROM crawls ORDER BY key LIMIT $1`, limitArg(limit))
}

// DeleteCrawls removes crawls by key.
func (s *Store) DeleteCrawls(ctx context.Context, keys []string) error {
	return s.deleteKeys(ctx, "crawls", `DELETE FROM crawls WHERE key = ANY($1)`, keys)
}

// --- shards ---

var shardColumns = `key, crawl_key, feed_url, url, is_done, COALESCE(started, ` + zeroTime + `), ` +
	`COALESCE(finished, ` + zeroTime + `), error, parse_errors, attempts`

// GetOrCreateShard inserts shard unless its key exists and returns the stored row.
// Both statements run in one transaction.
func (s *Store) GetOrCreateShard(ctx context.Context, shard mirror.Shard) (mirror.Shard, bool, error) {
	if shard.Key == "" {
		return mirror.Shard{}, false, fmt.Errorf("shard key is required")
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return mirror.Shard{}, false, fmt.Errorf("begin shard tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	const insert = `
INSERT INTO shards (key, crawl_key, feed_url, url, is_done, started, finished, error, parse_errors, attempts)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
ON CONFLICT (key) DO NOTHING`
	tag, err := tx.Exec(ctx, insert, shardArgs(shard)...)
	if err != nil {
		return mirror.Shard{}, false, fmt.Errorf("insert shard: %w", err)
	}
	created := tag.RowsAffected() == 1

	stored, err := scanShard(tx.QueryRow(ctx, `SELECT `+shardColumns+` FROM shards WHERE key = $1`, shard.Key))
	if err != nil {
		return mirror.Shard{}, false, err
	}
	if err := tx.Commit(ctx); err != nil {
		return mirror.Shard{}, false, fmt.Errorf("commit shard tx: %w", err)
	}
	return stored, created, nil
}

// GetShard fetches a shard by key.
func (s *Store) GetShard(ctx context.Context, key string) (mirror.Shard, error) {
	sh, err := scanShard(s.pool.QueryRow(ctx, `SELECT `+shardColumns+` FROM shards WHERE key = $1`, key))
	if errors.Is(err, pgx.ErrNoRows) {
		return mirror.Shard{}, fmt.Errorf("shard %q: %w", key, mirror.ErrNotFound)
	}
	return sh, err
}

// PutShard replaces an existing shard.
func (s *Store) PutShard(ctx context.Context, shard mirror.Shard) error {
	const query = `
UPDATE shards SET
	crawl_key = $2, feed_url = $3, url = $4, is_done = $5, started = $6,
	finished = $7, error = $8, parse_errors = $9, attempts = $10
WHERE key = $1`
	tag, err := s.pool.Exec(ctx, query, shardArgs(shard)...)
	if err != nil {
		return fmt.Errorf("update shard: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("shard %q: %w", shard.Key, mirror.ErrNotFound)
	}
	return nil
}

// HasPendingShards reports whether any shard of the crawl is not done.
func (s *Store) HasPendingShards(ctx context.Context, crawlKey string) (bool, error) {
	var pending bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM shards WHERE crawl_key = $1 AND NOT is_done)`, crawlKey).Scan(&pending)
	if err != nil {
		return false, fmt.Errorf("query pending shards: %w", err)
	}
	return pending, nil
}

// ListShards returns a page of a crawl's shards ordered by URL.
func (s *Store) ListShards(ctx context.Context, crawlKey string, page mirror.Page) ([]mirror.Shard, error) {
	page = page.Normalize()
	rows, err := s.pool.Query(ctx,
		`SELECT `+shardColumns+` FROM shards WHERE crawl_key = $1 ORDER BY url LIMIT $2 OFFSET $3`,
		crawlKey, page.Limit, page.Offset)
	if err != nil {
		return nil, fmt.Errorf("query shards: %w", err)
	}
	defer rows.Close()
	out := []mirror.Shard{}
	for rows.Next() {
		sh, err := scanShard(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sh)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate shards: %w", err)
	}
	return out, nil
}

// ShardKeys lists up to limit shard keys belonging to crawlKey (any crawl when empty).
func (s *Store) ShardKeys(ctx context.Context, crawlKey string, limit int) ([]string, error) {
	return s.queryKeys(ctx,
		`SELECT key FROM shards WHERE ($1 = '' OR crawl_key = $1) ORDER BY key LIMIT $2`, crawlKey, limitArg(limit))
}

// DeleteShards removes shards by key.
func (s *Store) DeleteShards(ctx context.Context, keys []string) error {
	return s.deleteKeys(ctx, "shards", `DELETE FROM shards WHERE key = ANY($1)`, keys)
}

// --- alerts ---

// PutAlert inserts or replaces an alert. The full document is kept as JSONB.
func (s *Store) PutAlert(ctx context.Context, alert mirror.Alert) error {
	if alert.Key == "" {
		return fmt.Errorf("alert key is required")
	}
	doc, err := json.Marshal(alert)
	if err != nil {
		return fmt.Errorf("marshal alert: %w", err)
	}
	const query = `
INSERT INTO alerts (key, crawl_key, url, identifier, sent, document)
VALUES ($1, $2, $3, $4, $5, $6)
ON CONFLICT (key) DO UPDATE SET
	identifier = EXCLUDED.identifier,
	sent = EXCLUDED.sent,
	document = EXCLUDED.document`
	if _, err := s.pool.Exec(ctx, query,
		alert.Key, alert.CrawlKey, alert.URL, alert.Identifier, nullTime(alert.Sent), doc); err != nil {
		return fmt.Errorf("upsert alert: %w", err)
	}
	return nil
}

// ListAlerts returns a page of a crawl's alerts ordered by URL.
func (s *Store) ListAlerts(ctx context.Context, crawlKey string, page mirror.Page) ([]mirror.Alert, error) {
	page = page.Normalize()
	rows, err := s.pool.Query(ctx,
		`SELECT document FROM alerts WHERE crawl_key = $1 ORDER BY url LIMIT $2 OFFSET $3`,
		crawlKey, page.Limit, page.Offset)
	if err != nil {
		return nil, fmt.Errorf("query alerts: %w", err)
	}
	defer rows.Close()
	out := []mirror.Alert{}
	for rows.Next() {
		var doc []byte
		if err := rows.Scan(&doc); err != nil {
			return nil, fmt.Errorf("scan alert: %w", err)
		}
		var a mirror.Alert
		if err := json.Unmarshal(doc, &a); err != nil {
			return nil, fmt.Errorf("decode alert: %w", err)
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate alerts: %w", err)
	}
	return out, nil
}

// AlertKeys lists up to limit alert keys belonging to crawlKey (any crawl when empty).
func (s *Store) AlertKeys(ctx context.Context, crawlKey string, limit int) ([]string, error) {
	return s.queryKeys(ctx,
		`SELECT key FROM alerts WHERE ($1 = '' OR crawl_key = $1) ORDER BY key LIMIT $2`, crawlKey, limitArg(limit))
}

// DeleteAlerts removes alerts by key.
func (s *Store) DeleteAlerts(ctx context.Context, keys []string) error {
	return s.deleteKeys(ctx, "alerts", `DELETE FROM alerts WHERE key = ANY($1)`, keys)
}

// --- helpers ---

func (s *Store) queryKeys(ctx context.Context, query string, args ...any) ([]string, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query keys: %w", err)
	}
	defer rows.Close()
	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, fmt.Errorf("scan key: %w", err)
		}
		keys = append(keys, k)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate keys: %w", err)
	}
	return keys, nil
}

func (s *Store) deleteKeys(ctx context.Context, table, query string, keys []string) error {
	if len(keys) == 0 {
		return nil
	}
	if _, err := s.pool.Exec(ctx, query, keys); err != nil {
		return fmt.Errorf("delete %s: %w", table, err)
	}
	return nil
}

func scanFeed(row pgx.Row) (mirror.Feed, error) {
	var (
		f       mirror.Feed
		seconds int64
	)
	if err := row.Scan(&f.URL, &f.IsCrawlable, &f.IsRoot, &seconds, &f.LastCrawl); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return mirror.Feed{}, err
		}
		return mirror.Feed{}, fmt.Errorf("scan feed: %w", err)
	}
	f.CrawlPeriod = time.Duration(seconds) * time.Second
	return f, nil
}

func scanCrawl(row pgx.Row) (mirror.Crawl, error) {
	var c mirror.Crawl
	if err := row.Scan(&c.Started, &c.Finished, &c.IsDone, &c.FeedURLs); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return mirror.Crawl{}, err
		}
		return mirror.Crawl{}, fmt.Errorf("scan crawl: %w", err)
	}
	c.Started = c.Started.UTC()
	c.Finished = fromDB(c.Finished)
	if len(c.FeedURLs) == 0 {
		c.FeedURLs = nil
	}
	return c, nil
}

func scanShard(row pgx.Row) (mirror.Shard, error) {
	var sh mirror.Shard
	err := row.Scan(&sh.Key, &sh.CrawlKey, &sh.FeedURL, &sh.URL, &sh.IsDone,
		&sh.Started, &sh.Finished, &sh.Error, &sh.ParseErrors, &sh.Attempts)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return mirror.Shard{}, err
		}
		return mirror.Shard{}, fmt.Errorf("scan shard: %w", err)
	}
	sh.Started = fromDB(sh.Started)
	sh.Finished = fromDB(sh.Finished)
	if len(sh.ParseErrors) == 0 {
		sh.ParseErrors = nil
	}
	return sh, nil
}

func shardArgs(sh mirror.Shard) []any {
	return []any{
		sh.Key, sh.CrawlKey, sh.FeedURL, sh.URL, sh.IsDone,
		nullTime(sh.Started), nullTime(sh.Finished), sh.Error, nonNil(sh.ParseErrors), sh.Attempts,
	}
}

// nullTime maps the zero time to SQL NULL.
func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UTC()
}

func fromDB(t time.Time) time.Time {
	if t.IsZero() {
		return time.Time{}
	}
	return t.UTC()
}

func nonNil(ss []string) []string {
	if ss == nil {
		return []string{}
	}
	return ss
}

// limitArg maps a non-positive limit to SQL NULL, which Postgres treats as no limit.
func limitArg(limit int) any {
	if limit <= 0 {
		return nil
	}
	return limit
}
