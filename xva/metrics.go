package xva

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/wyfcoding/quantcore/metrics"
)

type runMetrics struct {
	batches  *prometheus.CounterVec
	duration prometheus.Observer
}

var (
	metricsMu  sync.Mutex
	registered = make(map[*metrics.Metrics]*runMetrics)
)

func runMetricsFor(m *metrics.Metrics) *runMetrics {
	if m == nil {
		return nil
	}
	metricsMu.Lock()
	defer metricsMu.Unlock()
	if rm, ok := registered[m]; ok {
		return rm
	}
	rm := &runMetrics{
		batches: m.NewCounterVec(prometheus.CounterOpts{
			Name: "xva_batches_total",
			Help: "Total number of xva path batches by status",
		}, []string{"status"}),
		duration: m.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "xva_run_duration_seconds",
			Help:    "Duration of complete xva runs",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
		}, nil).WithLabelValues(),
	}
	registered[m] = rm
	return rm
}

func (rm *runMetrics) batch(err error) {
	if rm == nil {
		return
	}
	status := "ok"
	if err != nil {
		status = "error"
	}
	rm.batches.WithLabelValues(status).Inc()
}

func (rm *runMetrics) observe(start time.Time) {
	if rm == nil {
		return
	}
	rm.duration.Observe(time.Since(start).Seconds())
}
