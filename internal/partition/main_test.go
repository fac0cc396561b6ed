package partition

import (
	"testing"

	"github.com/localscope/prospector/internal/metrics"
)

func TestMain(m *testing.M) {
	// Collectors must exist before release accounting records outcomes.
	metrics.Init()
	m.Run()
}
