// Package api hosts the HTTP server, middleware, and REST handlers for operator
// access. Notable routes:
//   - GET /healthz / readyz for Kubernetes probes.
//   - GET /metrics for Prometheus scraping.
//   - POST /v1/targets for bulk target intake.
//   - GET /v1/targets, /v1/runs and /v1/runs/{run_id} for queue and run
//     progress.
//   - GET /v1/listings/{listing_id}/verification and /v1/review-queue for
//     verification verdicts.
package api
