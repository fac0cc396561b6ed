// Package crawl defines the core domain types and contracts shared across the
// prospector subsystems: crawl targets, proxy endpoints, per-domain resumable
// crawl state, listings, verification results, and the interfaces the
// orchestration engine is assembled from.
package crawl
