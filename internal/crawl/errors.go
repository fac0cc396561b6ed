package crawl

import (
	"context"
	"errors"
	"fmt"
)

// Class buckets an error into the handling taxonomy: transient errors may be
// retried, blocks escalate pacing, parse errors skip the page, budget errors
// stop the run, and proxy errors pause the worker.
type Class string

const (
	ClassTransient Class = "transient"
	ClassBlocked   Class = "blocked"
	ClassParse     Class = "parse"
	ClassBudget    Class = "budget"
	ClassProxy     Class = "proxy"
)

var (
	// ErrNoTargets signals an empty work queue; the worker idles rather
	// than treating it as a failure.
	ErrNoTargets = errors.New("no pending targets")

	// ErrProxyExhausted signals that no healthy proxy endpoint is
	// currently available for checkout.
	ErrProxyExhausted = errors.New("proxy pool exhausted")

	// ErrDomainClaimed signals that another worker holds the per-domain
	// crawl claim.
	ErrDomainClaimed = errors.New("domain already claimed")

	// ErrQueueClosed is returned by a drained queue after shutdown began.
	ErrQueueClosed = errors.New("queue closed")

	// ErrRobotsDisallowed signals that robots.txt forbids fetching the
	// URL. The page is skipped without counting as a crawl error.
	ErrRobotsDisallowed = errors.New("robots.txt disallows url")

	// ErrNotFound signals a missing record in a store.
	ErrNotFound = errors.New("record not found")
)

// TransientError wraps failures worth retrying on a later attempt: network
// timeouts, connection resets, HTTP 5xx.
type TransientError struct {
	Op  string
	Err error
}

func (e *TransientError) Error() string {
	if e.Op == "" {
		return fmt.Sprintf("transient: %v", e.Err)
	}
	return fmt.Sprintf("transient: %s: %v", e.Op, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// BlockError reports that the remote site refused service: a captcha
// interstitial, HTTP 403/429, or a challenge page.
type BlockError struct {
	URL        string
	StatusCode int
	Reason     string
}

func (e *BlockError) Error() string {
	return fmt.Sprintf("blocked at %s (status %d): %s", e.URL, e.StatusCode, e.Reason)
}

// ParseError reports a page that fetched fine but could not be interpreted.
// The page is recorded as an error and skipped, never retried.
type ParseError struct {
	URL string
	Err error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse %s: %v", e.URL, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// BudgetError stops a run: the governor's operation cap or consecutive
// failure cap was reached. Reason becomes the run summary's stop reason.
type BudgetError struct {
	Reason string
}

func (e *BudgetError) Error() string {
	return "run budget exhausted: " + e.Reason
}

// Classify maps err onto the handling taxonomy. Unrecognized errors are
// treated as transient, the most conservative bucket for network work.
func Classify(err error) Class {
	var blockErr *BlockError
	if errors.As(err, &blockErr) {
		return ClassBlocked
	}
	var parseErr *ParseError
	if errors.As(err, &parseErr) {
		return ClassParse
	}
	if errors.Is(err, ErrRobotsDisallowed) {
		return ClassParse
	}
	var budgetErr *BudgetError
	if errors.As(err, &budgetErr) {
		return ClassBudget
	}
	if errors.Is(err, ErrProxyExhausted) {
		return ClassProxy
	}
	return ClassTransient
}

// Retryable reports whether err is worth another attempt. Only transient
// failures qualify, and never after the context is gone.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	return Classify(err) == ClassTransient
}
