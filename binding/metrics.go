package binding

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/c360/dbusbridge/introspection"
	"github.com/c360/dbusbridge/metric"
)

// Metrics for the binding table. A nil *Metrics records nothing.
type Metrics struct {
	bindings prometheus.Gauge
	binds    *prometheus.CounterVec
	updates  prometheus.Counter
	errors   *prometheus.CounterVec
}

// NewMetrics registers table metrics, or returns nil without a registrar
func NewMetrics(registrar metric.MetricsRegistrar) *Metrics {
	if registrar == nil {
		return nil
	}
	m := &Metrics{
		bindings: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metric.Namespace,
			Subsystem: "binding",
			Name:      "active",
			Help:      "Live bindings",
		}),
		binds: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metric.Namespace,
			Subsystem: "binding",
			Name:      "created_total",
			Help:      "Bindings created by member kind",
		}, []string{"kind"}),
		updates: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metric.Namespace,
			Subsystem: "binding",
			Name:      "updates_total",
			Help:      "Values published for existing bindings",
		}),
		errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metric.Namespace,
			Subsystem: "binding",
			Name:      "mesh_errors_total",
			Help:      "Mesh operation failures by operation",
		}, []string{"operation"}),
	}
	_ = registrar.RegisterGauge("binding", "active", m.bindings)
	_ = registrar.RegisterCounterVec("binding", "created_total", m.binds)
	_ = registrar.RegisterCounter("binding", "updates_total", m.updates)
	_ = registrar.RegisterCounterVec("binding", "mesh_errors_total", m.errors)
	return m
}

func (m *Metrics) setBindings(n int) {
	if m != nil {
		m.bindings.Set(float64(n))
	}
}

func (m *Metrics) bound(k introspection.MemberKind) {
	if m != nil {
		m.binds.WithLabelValues(k.String()).Inc()
	}
}

func (m *Metrics) updated() {
	if m != nil {
		m.updates.Inc()
	}
}

func (m *Metrics) failed(op string) {
	if m != nil {
		m.errors.WithLabelValues(op).Inc()
	}
}
