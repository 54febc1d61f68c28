// Package main hosts the CAP mirror entrypoint.
//
// Architecture overview:
//   - Epochs: internal/epoch.Controller decides on every trigger whether the crawl in progress is finished, still
//     draining, or whether a new crawl should start over the root feeds that are due. Triggers come from the cron
//     scheduler (scheduler.epoch_spec) and from POST /v1/crawl.
//   - Lanes: shards travel over two queues. The push lane carries {crawl, feed, url} and resolves to an idempotent
//     get-or-create of the shard; the worker lane carries {shard} and runs one shard. Lanes are in-memory channels or
//     Pub/Sub topics (queue.backend), and Pub/Sub push subscriptions may target /v1/tasks/push and /v1/tasks/worker.
//   - Shards: internal/worker fetches the shard URL (colly with per-host rate limits, or testdata/ and fake feeds
//     locally), classifies the body as a CAP alert, an RSS/ATOM index or junk, stores alerts, and fans index entries
//     out as child shards. Failures are recorded on the shard, which is then marked done.
//   - Persistence: the work store is in memory or Postgres (storage.backend); raw alert XML may be archived to GCS,
//     S3, a local directory or memory (storage.blob_backend). Crawl completion and stored alerts are published as
//     events.
//   - Retention: internal/purge deletes crawls older than purge.days_to_keep, oldest first, stopping at the first
//     crawl that is still some feed's last crawl.
//
// Commands:
//   - serve (default): HTTP API, lane runners and the cron scheduler until SIGINT/SIGTERM.
//   - migrate: apply the embedded SQL migrations to database.dsn.
//   - crawl: run a single epoch check and exit.
//   - purge: run a single purge with the configured defaults and exit.
//
// Quick checklist:
//   - Configure env vars with the CAPMIRROR_ prefix (CAPMIRROR_SERVER_PORT, CAPMIRROR_STORAGE_BACKEND,
//     CAPMIRROR_DATABASE_DSN, CAPMIRROR_QUEUE_BACKEND, CAPMIRROR_PUBSUB_*), or put them in a .env file.
//   - Run locally: go run ./cmd/capmirror -config config.yaml, then POST /v1/feeds/reset to load the internal
//     testdata feeds.
package main
