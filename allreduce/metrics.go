package allreduce

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics reports synchronization activity to Prometheus.
//
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	phaseDuration  *prometheus.HistogramVec
	roundLatency   prometheus.Histogram
	bytesPublished *prometheus.CounterVec
	blocksFetched  *prometheus.CounterVec
	failures       *prometheus.CounterVec
}

// NewMetrics registers the metrics with reg.
// It returns nil if reg is nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		return nil
	}
	return &Metrics{
		phaseDuration: promauto.With(reg).NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "paramsync",
			Name:      "phase_duration_seconds",
			Help:      "Time a worker spends in each phase of a round",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 16),
		}, []string{"phase"}),
		roundLatency: promauto.With(reg).NewHistogram(prometheus.HistogramOpts{
			Namespace: "paramsync",
			Name:      "round_latency_seconds",
			Help:      "Time from the start of a round until its weights are republished",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 16),
		}),
		bytesPublished: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Namespace: "paramsync",
			Name:      "published_bytes_total",
			Help:      "Compressed bytes put into the block store",
		}, []string{"kind"}),
		blocksFetched: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Namespace: "paramsync",
			Name:      "fetched_blocks_total",
			Help:      "Blocks read from the block store, by where they were found",
		}, []string{"kind", "source"}),
		failures: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Namespace: "paramsync",
			Name:      "failures_total",
			Help:      "Failed operations, by phase",
		}, []string{"phase"}),
	}
}

func (m *Metrics) observePhase(phase string, d time.Duration) {
	if m == nil {
		return
	}
	m.phaseDuration.WithLabelValues(phase).Observe(d.Seconds())
}

func (m *Metrics) observeRound(r Round) {
	if m == nil {
		return
	}
	m.roundLatency.Observe(r.Elapsed().Seconds())
}

func (m *Metrics) addPublished(kind string, n int) {
	if m == nil {
		return
	}
	m.bytesPublished.WithLabelValues(kind).Add(float64(n))
}

func (m *Metrics) incFetched(kind string, local bool) {
	if m == nil {
		return
	}
	source := "remote"
	if local {
		source = "local"
	}
	m.blocksFetched.WithLabelValues(kind, source).Inc()
}

func (m *Metrics) incFailure(phase string) {
	if m == nil {
		return
	}
	m.failures.WithLabelValues(phase).Inc()
}
