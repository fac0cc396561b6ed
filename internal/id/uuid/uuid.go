// Package uuid mints the identifiers shared by targets, listings and runs.
package uuid

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/localscope/prospector/internal/crawl"
)

// Generator produces UUIDv7 values. The leading timestamp bits keep store
// indexes roughly insertion ordered, which the listing export and review
// queue scans lean on.
type Generator struct{}

var _ crawl.IDGenerator = (*Generator)(nil)

// New creates a Generator.
func New() *Generator {
	return &Generator{}
}

// NewID returns a fresh UUIDv7.
func (Generator) NewID() (uuid.UUID, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.Nil, fmt.Errorf("generate uuid7: %w", err)
	}
	return id, nil
}

// NewString returns a fresh UUIDv7 in canonical string form.
func (g Generator) NewString() (string, error) {
	id, err := g.NewID()
	if err != nil {
		return "", err
	}
	return id.String(), nil
}
