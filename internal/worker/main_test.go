package worker

import (
	"testing"

	"github.com/localscope/prospector/internal/metrics"
)

func TestMain(m *testing.M) {
	// Collectors must exist before the run loop records outcomes.
	metrics.Init()
	m.Run()
}
