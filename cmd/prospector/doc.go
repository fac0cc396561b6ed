// Package main hosts the prospector service entrypoint.
//
// Architecture overview:
//   - Target partition: internal/partition runs a fixed pool of worker replicas sized by config.Worker.Concurrency.
//     Each replica claims region/locality/category targets from the TargetStore under a TTL lease, so any number of
//     service instances can share one database without double-crawling; a reaper returns stale leases to the queue.
//   - Discovery: for each claimed target the worker pages through the configured business directory, normalizes
//     candidate listings and records the directory's own confidence in each one.
//   - Site crawl: internal/sitecrawl visits every candidate's website with the Colly-based fetcher, optionally
//     promoting to a headless Chromedp fetch when the heuristic detector flags a script-rendered page. A per-domain
//     governor adapts delays to block signals and a token-bucket limiter enforces the hard floor underneath it.
//     Page snapshots go to the configured BlobStore (memory/local/GCS).
//   - Verification: workers hand crawl evidence to an in-process queue drained by the verifier, which scores website
//     content, discovery confidence and external reputation into a verdict plus quality tier, optionally blends in a
//     category judgment from Gemini, persists the result and publishes a compact Pub/Sub notification.
//   - HTTP API: internal/api exposes health, metrics, target intake, listing and run inspection. Targets can also
//     arrive through a Pub/Sub subscription when one is configured.
//   - Configuration & plumbing: Viper populates config from env/files; zap provides structured logging; Prometheus
//     metrics are exported via the /metrics handler; progress events are batched by the hub and fanned out to log,
//     store and Prometheus sinks.
//
// Operational notes:
//   - Concurrency model: one governor, crawl engine and claim loop per worker replica; headless fetches share a
//     semaphore inside the Chromedp fetcher. Shutdown drains workers to a target boundary before canceling.
//   - Resumability: every claim, heartbeat and completion is persisted, so a replacement instance resumes exactly
//     where a dead one stopped. Listing upserts are keyed by source identity and idempotent.
//   - Observability: zap logs carry worker IDs and target keys at key transitions; Prometheus counters/histograms
//     track claims, crawls and verdicts; run rows record per-target outcomes. Tracing is not wired in.
//
// Quick checklist:
//   - Configure env vars with the PROSPECTOR_ prefix: PROSPECTOR_SERVER_PORT, PROSPECTOR_WORKER_CONCURRENCY,
//     PROSPECTOR_DISCOVERY_BASE_URL, PROSPECTOR_DB_DSN and PROSPECTOR_REDIS_ADDR for shared state, storage
//     (PROSPECTOR_STORAGE_*), pubsub and classify settings as needed.
//   - Run locally: go run ./cmd/prospector -config config.yaml (or rely solely on env overrides).
//   - The process reacts to SIGINT/SIGTERM with a bounded drain; a second signal cancels in-flight work.
package main
