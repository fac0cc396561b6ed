// Package system adapts the process wall clock to the crawl.Clock interface.
package system

import "time"

// Clock reads the system wall clock.
type Clock struct{}

// New returns the process wide wall clock.
func New() *Clock {
	return &Clock{}
}

// Now returns the current UTC time truncated to microseconds. Postgres
// timestamptz columns keep microsecond precision, so truncating here lets
// timestamps survive a store round trip unchanged.
func (Clock) Now() time.Time {
	return time.Now().UTC().Truncate(time.Microsecond)
}
