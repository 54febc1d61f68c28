// Package api hosts the HTTP trigger and admin surface of the mirror.
// Notable routes:
//   - GET /healthz and /readyz for health checks, GET /metrics for Prometheus.
//   - POST /v1/crawl runs one epoch check; the cron scheduler calls the same
//     controller.
//   - POST /v1/tasks/push and /v1/tasks/worker are the HTTP delivery targets
//     for the two queue lanes (for example a Pub/Sub push subscription).
//   - /v1/feeds, /v1/crawls, /v1/alerts and /v1/purge administer stored data.
package api
