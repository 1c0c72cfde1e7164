package checkpoint

import (
	"context"
	"time"

	"github.com/go-kit/kit/metrics"
)

var _ Saver = (*metricsMiddleware)(nil)

type metricsMiddleware struct {
	counter metrics.Counter
	latency metrics.Histogram
	saver   Saver
}

// Metrics wraps a saver with save counters and latency observations.
func Metrics(counter metrics.Counter, latency metrics.Histogram, saver Saver) Saver {
	return &metricsMiddleware{
		counter: counter,
		latency: latency,
		saver:   saver,
	}
}

func (mm *metricsMiddleware) Save(ctx context.Context, snap Snapshot) error {
	defer func(begin time.Time) {
		mm.counter.With("method", "save-checkpoint").Add(1)
		mm.latency.With("method", "save-checkpoint").Observe(time.Since(begin).Seconds())
	}(time.Now())

	return mm.saver.Save(ctx, snap)
}
