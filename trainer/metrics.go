package trainer

import (
	"github.com/go-kit/kit/metrics"
	"github.com/go-kit/kit/metrics/discard"
)

// Metrics are the scalar training signals the orchestrator emits on
// coordinator logging steps.
type Metrics struct {
	Steps metrics.Counter
	Loss  metrics.Gauge
	Beta  metrics.Gauge
	LR    metrics.Gauge
}

// NopMetrics discards every observation. Non-coordinator ranks and tests use
// it so the loop stays identical across ranks.
func NopMetrics() Metrics {
	return Metrics{
		Steps: discard.NewCounter(),
		Loss:  discard.NewGauge(),
		Beta:  discard.NewGauge(),
		LR:    discard.NewGauge(),
	}
}
