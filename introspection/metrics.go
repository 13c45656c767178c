package introspection

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/c360/dbusbridge/metric"
)

// Metrics for discovery. A nil *Metrics records nothing.
type Metrics struct {
	introspections *prometheus.CounterVec
	cacheHits      prometheus.Counter
	warnings       prometheus.Counter
	duration       prometheus.Histogram
}

// NewMetrics registers discovery metrics, or returns nil without a registrar
func NewMetrics(registrar metric.MetricsRegistrar) *Metrics {
	if registrar == nil {
		return nil
	}
	m := &Metrics{
		introspections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metric.Namespace,
			Subsystem: "introspection",
			Name:      "calls_total",
			Help:      "Introspect calls by outcome",
		}, []string{"outcome"}),
		cacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metric.Namespace,
			Subsystem: "introspection",
			Name:      "cache_hits_total",
			Help:      "Introspections answered from the cache",
		}),
		warnings: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metric.Namespace,
			Subsystem: "introspection",
			Name:      "warnings_total",
			Help:      "Subtrees skipped during discovery",
		}),
		duration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: metric.Namespace,
			Subsystem: "introspection",
			Name:      "discovery_duration_seconds",
			Help:      "Time to discover one service",
			Buckets:   prometheus.DefBuckets,
		}),
	}
	_ = registrar.RegisterCounterVec("introspection", "calls_total", m.introspections)
	_ = registrar.RegisterCounter("introspection", "cache_hits_total", m.cacheHits)
	_ = registrar.RegisterCounter("introspection", "warnings_total", m.warnings)
	_ = registrar.RegisterHistogram("introspection", "discovery_duration_seconds", m.duration)
	return m
}

func (m *Metrics) introspected(outcome string) {
	if m != nil {
		m.introspections.WithLabelValues(outcome).Inc()
	}
}

func (m *Metrics) cacheHit() {
	if m != nil {
		m.cacheHits.Inc()
	}
}

func (m *Metrics) warning() {
	if m != nil {
		m.warnings.Inc()
	}
}

func (m *Metrics) discovered(d time.Duration) {
	if m != nil {
		m.duration.Observe(d.Seconds())
	}
}
