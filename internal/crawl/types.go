package crawl

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// TargetStatus is the lifecycle of a crawl target in the work queue.
type TargetStatus string

const (
	TargetPending    TargetStatus = "pending"
	TargetInProgress TargetStatus = "in_progress"
	TargetDone       TargetStatus = "done"
	TargetFailed     TargetStatus = "failed"
)

// CrawlTarget is one unit of discovery work: a (region, locality, category)
// cell a worker claims, crawls and verifies before moving on.
type CrawlTarget struct {
	ID         uuid.UUID    `json:"id"`
	Region     string       `json:"region"`
	Locality   string       `json:"locality"`
	Category   string       `json:"category"`
	Priority   int          `json:"priority"`
	Status     TargetStatus `json:"status"`
	Attempts   int          `json:"attempts"`
	ClaimedBy  string       `json:"claimed_by,omitempty"`
	ClaimedAt  *time.Time   `json:"claimed_at,omitempty"`
	FinishedAt *time.Time   `json:"finished_at,omitempty"`
	LastError  string       `json:"last_error,omitempty"`
	CreatedAt  time.Time    `json:"created_at"`
	UpdatedAt  time.Time    `json:"updated_at"`
}

// Key identifies the partition cell the target covers.
func (t CrawlTarget) Key() string {
	return fmt.Sprintf("%s/%s/%s", t.Region, t.Locality, t.Category)
}

// Terminal reports whether the target has reached a final status.
func (t CrawlTarget) Terminal() bool {
	return t.Status == TargetDone || t.Status == TargetFailed
}

// ProxyEndpoint is one exit node in the rotating pool together with the
// health bookkeeping the pool uses to skip and recover endpoints.
type ProxyEndpoint struct {
	URL                 string    `json:"url"`
	Healthy             bool      `json:"healthy"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	TotalUses           int64     `json:"total_uses"`
	TotalFailures       int64     `json:"total_failures"`
	LastUsedAt          time.Time `json:"last_used_at"`
	CooldownUntil       time.Time `json:"cooldown_until"`
}

// SuccessRatio is the historical fraction of uses that did not fail.
func (p ProxyEndpoint) SuccessRatio() float64 {
	if p.TotalUses == 0 {
		return 1
	}
	return 1 - float64(p.TotalFailures)/float64(p.TotalUses)
}

// Phase is the position of a site crawl in its forward-only lifecycle.
type Phase string

const (
	PhaseParsingHome      Phase = "parsing_home"
	PhaseCrawlingInternal Phase = "crawling_internal"
	PhaseDone             Phase = "done"
	PhaseFailed           Phase = "failed"
)

var phaseOrder = map[Phase]int{
	PhaseParsingHome:      0,
	PhaseCrawlingInternal: 1,
	PhaseDone:             2,
	PhaseFailed:           2,
}

// Terminal reports whether the phase admits no further transitions.
func (p Phase) Terminal() bool {
	return p == PhaseDone || p == PhaseFailed
}

// CanAdvanceTo reports whether next is a legal forward transition. Phases
// never move backwards and terminal phases never move at all.
func (p Phase) CanAdvanceTo(next Phase) bool {
	cur, ok := phaseOrder[p]
	if !ok {
		return false
	}
	nxt, ok := phaseOrder[next]
	if !ok {
		return false
	}
	if p.Terminal() {
		return false
	}
	return nxt > cur
}

// FrontierCapacity bounds the per-domain queue of internal URLs awaiting a
// visit. Links discovered once the frontier is full are dropped.
const FrontierCapacity = 50

// SiteEvidence accumulates what the crawler saw on a domain across pages.
// Merge folds per-page extractions into the running totals.
type SiteEvidence struct {
	Title        string         `json:"title,omitempty"`
	ServiceHits  map[string]int `json:"service_hits,omitempty"`
	ContextHits  map[string]int `json:"context_hits,omitempty"`
	DenyHits     int            `json:"deny_hits,omitempty"`
	Phones       []string       `json:"phones,omitempty"`
	Emails       []string       `json:"emails,omitempty"`
	NameSeen     bool           `json:"name_seen,omitempty"`
	PhoneSeen    bool           `json:"phone_seen,omitempty"`
	AddressSeen  bool           `json:"address_seen,omitempty"`
	SnapshotURIs []string       `json:"snapshot_uris,omitempty"`
}

// Merge folds other into e. Counters add, booleans OR, string slices append
// with de-duplication, and the title keeps the first non-empty value.
func (e *SiteEvidence) Merge(other SiteEvidence) {
	if e.Title == "" {
		e.Title = other.Title
	}
	for k, n := range other.ServiceHits {
		if e.ServiceHits == nil {
			e.ServiceHits = make(map[string]int)
		}
		e.ServiceHits[k] += n
	}
	for k, n := range other.ContextHits {
		if e.ContextHits == nil {
			e.ContextHits = make(map[string]int)
		}
		e.ContextHits[k] += n
	}
	e.DenyHits += other.DenyHits
	e.Phones = appendUnique(e.Phones, other.Phones...)
	e.Emails = appendUnique(e.Emails, other.Emails...)
	e.SnapshotURIs = appendUnique(e.SnapshotURIs, other.SnapshotURIs...)
	e.NameSeen = e.NameSeen || other.NameSeen
	e.PhoneSeen = e.PhoneSeen || other.PhoneSeen
	e.AddressSeen = e.AddressSeen || other.AddressSeen
}

func appendUnique(dst []string, values ...string) []string {
	for _, v := range values {
		if v == "" {
			continue
		}
		found := false
		for _, have := range dst {
			if have == v {
				found = true
				break
			}
		}
		if !found {
			dst = append(dst, v)
		}
	}
	return dst
}

// SiteCrawlState is the resumable per-domain crawl record. It is checkpointed
// after every completed page so a restarted worker picks up exactly where the
// previous one stopped.
type SiteCrawlState struct {
	Domain       string              `json:"domain"`
	ListingID    uuid.UUID           `json:"listing_id"`
	Phase        Phase               `json:"phase"`
	Cursor       string              `json:"cursor,omitempty"`
	Frontier     []string            `json:"frontier,omitempty"`
	Visited      map[string]bool     `json:"visited,omitempty"`
	Discovered   map[string][]string `json:"discovered,omitempty"`
	Evidence     SiteEvidence        `json:"evidence"`
	PagesCrawled int                 `json:"pages_crawled"`
	TargetsFound int                 `json:"targets_found"`
	ErrorsCount  int                 `json:"errors_count"`
	LastError    string              `json:"last_error,omitempty"`
	StartedAt    time.Time           `json:"started_at"`
	UpdatedAt    time.Time           `json:"updated_at"`
	CompletedAt  *time.Time          `json:"completed_at,omitempty"`
}

// NewSiteCrawlState seeds a fresh crawl for domain with the homepage as the
// only frontier entry.
func NewSiteCrawlState(domain, homepage string, listingID uuid.UUID, now time.Time) SiteCrawlState {
	return SiteCrawlState{
		Domain:    domain,
		ListingID: listingID,
		Phase:     PhaseParsingHome,
		Frontier:  []string{homepage},
		Visited:   make(map[string]bool),
		StartedAt: now,
		UpdatedAt: now,
	}
}

// PushFrontier appends URLs not already visited or queued, up to the frontier
// capacity. It returns how many were accepted; the rest are dropped.
func (s *SiteCrawlState) PushFrontier(urls ...string) int {
	accepted := 0
	for _, u := range urls {
		if u == "" || s.Seen(u) {
			continue
		}
		if len(s.Frontier) >= FrontierCapacity {
			break
		}
		s.Frontier = append(s.Frontier, u)
		accepted++
	}
	return accepted
}

// PopFrontier removes and returns the oldest queued URL, FIFO order.
func (s *SiteCrawlState) PopFrontier() (string, bool) {
	if len(s.Frontier) == 0 {
		return "", false
	}
	u := s.Frontier[0]
	s.Frontier = s.Frontier[1:]
	return u, true
}

// MarkVisited records that u has been fetched (successfully or not) so it is
// never queued again.
func (s *SiteCrawlState) MarkVisited(u string) {
	if s.Visited == nil {
		s.Visited = make(map[string]bool)
	}
	s.Visited[u] = true
}

// Seen reports whether u was already visited or is waiting in the frontier.
func (s *SiteCrawlState) Seen(u string) bool {
	if s.Visited[u] {
		return true
	}
	for _, queued := range s.Frontier {
		if queued == u {
			return true
		}
	}
	return false
}

// AddDiscovered records a candidate URL under a page category (services,
// contact, about, ...). Duplicates are ignored; new entries bump TargetsFound.
func (s *SiteCrawlState) AddDiscovered(category, u string) bool {
	if category == "" || u == "" {
		return false
	}
	for _, have := range s.Discovered[category] {
		if have == u {
			return false
		}
	}
	if s.Discovered == nil {
		s.Discovered = make(map[string][]string)
	}
	s.Discovered[category] = append(s.Discovered[category], u)
	s.TargetsFound++
	return true
}

// AdvancePhase moves the crawl to next if that is a legal forward transition
// and stamps the update time. Terminal phases additionally record the
// completion time.
func (s *SiteCrawlState) AdvancePhase(next Phase, now time.Time) bool {
	if !s.Phase.CanAdvanceTo(next) {
		return false
	}
	s.Phase = next
	s.UpdatedAt = now
	if next.Terminal() {
		completed := now
		s.CompletedAt = &completed
	}
	return true
}

// Clone returns a deep copy safe to hand across goroutine or store
// boundaries.
func (s SiteCrawlState) Clone() SiteCrawlState {
	out := s
	out.Frontier = append([]string(nil), s.Frontier...)
	if s.Visited != nil {
		out.Visited = make(map[string]bool, len(s.Visited))
		for k, v := range s.Visited {
			out.Visited[k] = v
		}
	}
	if s.Discovered != nil {
		out.Discovered = make(map[string][]string, len(s.Discovered))
		for k, v := range s.Discovered {
			out.Discovered[k] = append([]string(nil), v...)
		}
	}
	if s.Evidence.ServiceHits != nil {
		out.Evidence.ServiceHits = make(map[string]int, len(s.Evidence.ServiceHits))
		for k, v := range s.Evidence.ServiceHits {
			out.Evidence.ServiceHits[k] = v
		}
	}
	if s.Evidence.ContextHits != nil {
		out.Evidence.ContextHits = make(map[string]int, len(s.Evidence.ContextHits))
		for k, v := range s.Evidence.ContextHits {
			out.Evidence.ContextHits[k] = v
		}
	}
	out.Evidence.Phones = append([]string(nil), s.Evidence.Phones...)
	out.Evidence.Emails = append([]string(nil), s.Evidence.Emails...)
	out.Evidence.SnapshotURIs = append([]string(nil), s.Evidence.SnapshotURIs...)
	if s.CompletedAt != nil {
		completed := *s.CompletedAt
		out.CompletedAt = &completed
	}
	return out
}

// Listing is a discovered business candidate tied back to the target that
// produced it.
type Listing struct {
	ID                  uuid.UUID `json:"id"`
	TargetID            uuid.UUID `json:"target_id"`
	Name                string    `json:"name"`
	Website             string    `json:"website,omitempty"`
	Domain              string    `json:"domain,omitempty"`
	Phone               string    `json:"phone,omitempty"`
	Address             string    `json:"address,omitempty"`
	Region              string    `json:"region"`
	Locality            string    `json:"locality"`
	Category            string    `json:"category"`
	Tags                []string  `json:"tags,omitempty"`
	Snippets            []string  `json:"snippets,omitempty"`
	Source              string    `json:"source"`
	DiscoveryConfidence float64   `json:"discovery_confidence"`
	Rating              float64   `json:"rating,omitempty"`
	ReviewCount         int       `json:"review_count,omitempty"`
	CreatedAt           time.Time `json:"created_at"`
	UpdatedAt           time.Time `json:"updated_at"`
}

// VerificationStatus is the verdict a combined score maps to.
type VerificationStatus string

const (
	VerificationPassed  VerificationStatus = "passed"
	VerificationFailed  VerificationStatus = "failed"
	VerificationUnknown VerificationStatus = "unknown"
)

// Tier grades listing quality independently of the pass/fail verdict.
type Tier string

const (
	TierA Tier = "A"
	TierB Tier = "B"
	TierC Tier = "C"
	TierD Tier = "D"
)

// ScoreBreakdown carries the per-source confidences before combination.
type ScoreBreakdown struct {
	Website   float64 `json:"website"`
	Discovery float64 `json:"discovery"`
	External  float64 `json:"external,omitempty"`
}

// VerificationResult is the outcome of scoring one listing.
type VerificationResult struct {
	ListingID   uuid.UUID          `json:"listing_id"`
	Combined    float64            `json:"combined"`
	Scores      ScoreBreakdown     `json:"scores"`
	Status      VerificationStatus `json:"status"`
	NeedsReview bool               `json:"needs_review"`
	Tier        Tier               `json:"tier"`
	Signals     map[string]float64 `json:"signals,omitempty"`
	VerifiedAt  time.Time          `json:"verified_at"`
}

// VerifyJob hands a crawled listing and the evidence gathered from its
// domain to the verification consumer. RunID and WorkerID attribute the
// eventual verdict back to the run that produced the evidence.
type VerifyJob struct {
	RunID    uuid.UUID    `json:"run_id"`
	WorkerID string       `json:"worker_id,omitempty"`
	Listing  Listing      `json:"listing"`
	Evidence SiteEvidence `json:"evidence"`
}

// RunSummary is the always-emitted accounting record for one worker run,
// written whether the run ends cleanly, on budget, or on cancellation.
type RunSummary struct {
	RunID            uuid.UUID      `json:"run_id"`
	WorkerID         string         `json:"worker_id"`
	StartedAt        time.Time      `json:"started_at"`
	LastHeartbeat    *time.Time     `json:"last_heartbeat,omitempty"`
	FinishedAt       *time.Time     `json:"finished_at,omitempty"`
	TargetsClaimed   int            `json:"targets_claimed"`
	TargetsDone      int            `json:"targets_done"`
	TargetsFailed    int            `json:"targets_failed"`
	DomainsCrawled   int            `json:"domains_crawled"`
	DomainsFailed    int            `json:"domains_failed"`
	PagesFetched     int            `json:"pages_fetched"`
	ListingsFound    int            `json:"listings_found"`
	ListingsVerified int            `json:"listings_verified"`
	Operations       int            `json:"operations"`
	Successes        int            `json:"successes"`
	Failures         int            `json:"failures"`
	StopReason       string         `json:"stop_reason,omitempty"`
	ErrorCounts      map[string]int `json:"error_counts,omitempty"`
}

// CountError bumps the per-class error tally.
func (r *RunSummary) CountError(class Class) {
	if r.ErrorCounts == nil {
		r.ErrorCounts = make(map[string]int)
	}
	r.ErrorCounts[string(class)]++
}
