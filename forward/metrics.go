package forward

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/c360/dbusbridge/metric"
)

// Metrics for forwarded events. A nil *Metrics records nothing.
type Metrics struct {
	events   *prometheus.CounterVec
	coalesce prometheus.Counter
	warnings prometheus.Counter
}

// NewMetrics registers forwarder metrics, or returns nil without a registrar
func NewMetrics(registrar metric.MetricsRegistrar) *Metrics {
	if registrar == nil {
		return nil
	}
	m := &Metrics{
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metric.Namespace,
			Subsystem: "forward",
			Name:      "events_total",
			Help:      "Events queued for forwarding by type",
		}, []string{"type"}),
		coalesce: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metric.Namespace,
			Subsystem: "forward",
			Name:      "coalesced_total",
			Help:      "Queued events replaced by a newer event for the same binding on a full lane",
		}),
		warnings: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metric.Namespace,
			Subsystem: "forward",
			Name:      "warnings_total",
			Help:      "Events dropped because they could not be converted or published",
		}),
	}
	_ = registrar.RegisterCounterVec("forward", "events_total", m.events)
	_ = registrar.RegisterCounter("forward", "coalesced_total", m.coalesce)
	_ = registrar.RegisterCounter("forward", "warnings_total", m.warnings)
	return m
}

var eventNames = map[eventKind]string{
	eventSignal:  "signal",
	eventChanged: "changed",
	eventReread:  "reread",
}

func (m *Metrics) received(k eventKind) {
	if m != nil {
		m.events.WithLabelValues(eventNames[k]).Inc()
	}
}

func (m *Metrics) coalesced(n int) {
	if m != nil {
		m.coalesce.Add(float64(n))
	}
}

func (m *Metrics) warning() {
	if m != nil {
		m.warnings.Inc()
	}
}
