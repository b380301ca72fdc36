package amc

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/wyfcoding/quantcore/metrics"
)

type engineMetrics struct {
	graphNodes   *prometheus.GaugeVec
	calculations *prometheus.CounterVec
	duration     *prometheus.HistogramVec
}

var (
	metricsMu  sync.Mutex
	registered = make(map[*metrics.Metrics]*engineMetrics)
)

// engineMetricsFor 每个注册表只注册一次.
func engineMetricsFor(m *metrics.Metrics) *engineMetrics {
	if m == nil {
		return nil
	}
	metricsMu.Lock()
	defer metricsMu.Unlock()
	if em, ok := registered[m]; ok {
		return em
	}
	em := &engineMetrics{
		graphNodes: m.NewGaugeVec(prometheus.GaugeOpts{
			Name: "amc_graph_nodes",
			Help: "Number of nodes in the computation graph after the last build",
		}, []string{"engine"}),
		calculations: m.NewCounterVec(prometheus.CounterOpts{
			Name: "amc_engine_calculations_total",
			Help: "Total number of amc engine calculations",
		}, []string{"engine"}),
		duration: m.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "amc_engine_duration_seconds",
			Help:    "Duration of amc engine phases",
			Buckets: prometheus.DefBuckets,
		}, []string{"engine", "phase"}),
	}
	registered[m] = em
	return em
}

func (em *engineMetrics) observe(engine, phase string, start time.Time) {
	if em == nil {
		return
	}
	em.duration.WithLabelValues(engine, phase).Observe(time.Since(start).Seconds())
}

func (em *engineMetrics) calculated(engine string) {
	if em == nil {
		return
	}
	em.calculations.WithLabelValues(engine).Inc()
}

func (em *engineMetrics) nodes(engine string, n int) {
	if em == nil {
		return
	}
	em.graphNodes.WithLabelValues(engine).Set(float64(n))
}
