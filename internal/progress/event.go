// Package progress defines the event structures emitted by the crawl workers.
package progress

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Stage denotes the type of milestone represented by an Event.
type Stage string

// Supported progress stages. RUN_DONE carries the stop reason in Note when
// the run ended early; an empty Note means a clean finish.
const (
	StageRunStart        Stage = "RUN_START"
	StageRunHB           Stage = "RUN_HEARTBEAT"
	StageRunDone         Stage = "RUN_DONE"
	StageTargetClaimed   Stage = "TARGET_CLAIMED"
	StageTargetDone      Stage = "TARGET_DONE"
	StageTargetFailed    Stage = "TARGET_FAILED"
	StagePageFetch       Stage = "PAGE_FETCH"
	StageDomainDone      Stage = "DOMAIN_DONE"
	StageListingFound    Stage = "LISTING_FOUND"
	StageListingVerified Stage = "LISTING_VERIFIED"
)

// StatusClass is a coarse HTTP response grouping.
type StatusClass string

// Supported HTTP status classes tracked for page fetches.
const (
	Status2xx   StatusClass = "2xx"
	Status3xx   StatusClass = "3xx"
	Status4xx   StatusClass = "4xx"
	Status5xx   StatusClass = "5xx"
	StatusOther StatusClass = "other"
)

// Event captures a single milestone of crawl progress.
type Event struct {
	// RunID identifies the worker run using the 16-byte UUID form.
	RunID [16]byte
	// WorkerID labels the worker that emitted the event.
	WorkerID string
	// TS is the UTC timestamp recorded by the emitter.
	TS time.Time
	// Stage denotes which lifecycle, fetch or listing milestone occurred.
	Stage Stage
	// Target is the region/locality/category key for target events.
	Target string
	// Domain scopes page and site events to one crawled domain.
	Domain string
	// URL is the optional page URL; it should not contain credentials.
	URL string
	// ListingID identifies the listing for listing events; zero otherwise.
	ListingID [16]byte
	// Bytes carries the response size for a page fetch.
	Bytes int64
	// Pages carries the page count a finished domain accumulated.
	Pages int64
	// StatusClass groups HTTP response codes (2xx, 3xx, etc).
	StatusClass StatusClass
	// Score carries the confidence or combined score for listing events.
	Score float64
	// Dur captures execution latency for fetches, domains and runs.
	Dur time.Duration
	// Note lets emitters attach low-volume context (verdicts, error text).
	Note string
}

// Validate performs coarse validation on Event payloads.
func (e Event) Validate() error {
	if e.RunID == [16]byte{} {
		return errors.New("run id is required")
	}
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	switch e.Stage {
	case StageRunStart, StageRunHB, StageRunDone:
	case StageTargetClaimed, StageTargetDone, StageTargetFailed:
		if e.Target == "" {
			return errors.New("target events require a target key")
		}
	case StagePageFetch:
		if e.Domain == "" {
			return errors.New("page fetch requires domain")
		}
		if e.StatusClass == "" {
			return errors.New("page fetch requires status class")
		}
	case StageDomainDone:
		if e.Domain == "" {
			return errors.New("domain done requires domain")
		}
	case StageListingFound, StageListingVerified:
		if e.ListingID == [16]byte{} {
			return errors.New("listing events require a listing id")
		}
	default:
		return fmt.Errorf("unknown stage %q", e.Stage)
	}
	if e.Dur < 0 {
		return errors.New("duration must be >= 0")
	}
	if e.Score < 0 || e.Score > 1 {
		return errors.New("score must be within [0, 1]")
	}
	return nil
}

// RunUUID converts the binary run ID to uuid.UUID for repositories.
func (e Event) RunUUID() uuid.UUID {
	return uuid.UUID(e.RunID)
}

// ListingUUID converts the binary listing ID to uuid.UUID.
func (e Event) ListingUUID() uuid.UUID {
	return uuid.UUID(e.ListingID)
}

// UUIDToBytes encodes a uuid.UUID into the Event form.
func UUIDToBytes(id uuid.UUID) [16]byte {
	var dest [16]byte
	copy(dest[:], id[:])
	return dest
}

// ClassifyStatus groups HTTP status codes for page fetch events.
func ClassifyStatus(code int) StatusClass {
	switch {
	case code >= 200 && code < 300:
		return Status2xx
	case code >= 300 && code < 400:
		return Status3xx
	case code >= 400 && code < 500:
		return Status4xx
	case code >= 500 && code < 600:
		return Status5xx
	default:
		return StatusOther
	}
}
