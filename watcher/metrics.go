package watcher

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/c360/dbusbridge/metric"
)

// Metrics for service tracking. A nil *Metrics records nothing.
type Metrics struct {
	services    *prometheus.GaugeVec
	discoveries *prometheus.CounterVec
	losses      prometheus.Counter
	duration    prometheus.Histogram
}

// NewMetrics registers watcher metrics, or returns nil without a registrar
func NewMetrics(registrar metric.MetricsRegistrar) *Metrics {
	if registrar == nil {
		return nil
	}
	m := &Metrics{
		services: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: metric.Namespace,
			Subsystem: "watcher",
			Name:      "services",
			Help:      "Watched services by state",
		}, []string{"state"}),
		discoveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metric.Namespace,
			Subsystem: "watcher",
			Name:      "discoveries_total",
			Help:      "Finished discoveries by outcome (ok, failed, stale)",
		}, []string{"outcome"}),
		losses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metric.Namespace,
			Subsystem: "watcher",
			Name:      "lost_total",
			Help:      "Services that left the bus",
		}),
		duration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: metric.Namespace,
			Subsystem: "watcher",
			Name:      "bind_duration_seconds",
			Help:      "Time from discovery start to committed bindings",
			Buckets:   prometheus.DefBuckets,
		}),
	}
	_ = registrar.RegisterGaugeVec("watcher", "services", m.services)
	_ = registrar.RegisterCounterVec("watcher", "discoveries_total", m.discoveries)
	_ = registrar.RegisterCounter("watcher", "lost_total", m.losses)
	_ = registrar.RegisterHistogram("watcher", "bind_duration_seconds", m.duration)
	return m
}

func (m *Metrics) discovery(outcome string) {
	if m != nil {
		m.discoveries.WithLabelValues(outcome).Inc()
	}
}

func (m *Metrics) lost() {
	if m != nil {
		m.losses.Inc()
	}
}

func (m *Metrics) observe(d time.Duration) {
	if m != nil {
		m.duration.Observe(d.Seconds())
	}
}
