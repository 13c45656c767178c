package dispatch

import (
	stderrors "errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/c360/dbusbridge/introspection"
	"github.com/c360/dbusbridge/metric"
)

// Metrics for dispatched calls. A nil *Metrics records nothing.
type Metrics struct {
	calls       *prometheus.CounterVec
	duration    *prometheus.HistogramVec
	pending     prometheus.Gauge
	lateReplies prometheus.Counter
	reads       *prometheus.CounterVec
}

// NewMetrics registers dispatcher metrics, or returns nil without a registrar
func NewMetrics(registrar metric.MetricsRegistrar) *Metrics {
	if registrar == nil {
		return nil
	}
	m := &Metrics{
		calls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metric.Namespace,
			Subsystem: "dispatch",
			Name:      "calls_total",
			Help:      "Mesh writes dispatched to the bus by member kind and outcome",
		}, []string{"kind", "outcome"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metric.Namespace,
			Subsystem: "dispatch",
			Name:      "call_duration_seconds",
			Help:      "Time from submission to resolution",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 30},
		}, []string{"kind"}),
		pending: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metric.Namespace,
			Subsystem: "dispatch",
			Name:      "pending_calls",
			Help:      "Calls awaiting a reply",
		}),
		lateReplies: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metric.Namespace,
			Subsystem: "dispatch",
			Name:      "late_replies_total",
			Help:      "Replies discarded because their call was already resolved",
		}),
		reads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metric.Namespace,
			Subsystem: "dispatch",
			Name:      "property_reads_total",
			Help:      "Property reads by outcome",
		}, []string{"outcome"}),
	}
	_ = registrar.RegisterCounterVec("dispatch", "calls_total", m.calls)
	_ = registrar.RegisterHistogramVec("dispatch", "call_duration_seconds", m.duration)
	_ = registrar.RegisterGauge("dispatch", "pending_calls", m.pending)
	_ = registrar.RegisterCounter("dispatch", "late_replies_total", m.lateReplies)
	_ = registrar.RegisterCounterVec("dispatch", "property_reads_total", m.reads)
	return m
}

func outcome(err error) string {
	if err == nil {
		return "ok"
	}
	var de *DispatchError
	if stderrors.As(err, &de) {
		return string(de.Kind)
	}
	return "error"
}

func (m *Metrics) rejected(kind ErrorKind) {
	if m != nil {
		m.calls.WithLabelValues("unknown", string(kind)).Inc()
	}
}

func (m *Metrics) completed(kind introspection.MemberKind, err error, d time.Duration) {
	if m == nil {
		return
	}
	m.calls.WithLabelValues(kind.String(), outcome(err)).Inc()
	m.duration.WithLabelValues(kind.String()).Observe(d.Seconds())
}

func (m *Metrics) setPending(n int) {
	if m != nil {
		m.pending.Set(float64(n))
	}
}

func (m *Metrics) lateReply() {
	if m != nil {
		m.lateReplies.Inc()
	}
}

func (m *Metrics) read(err error) {
	if m == nil {
		return
	}
	if err != nil {
		m.reads.WithLabelValues("error").Inc()
		return
	}
	m.reads.WithLabelValues("ok").Inc()
}
