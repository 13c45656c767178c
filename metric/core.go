package metric

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Namespace prefixes every metric the gateway exports.
const Namespace = "dbusbridge"

// Metrics contains the process-wide gateway metrics. Per-component metrics
// (dispatcher, forwarder, watcher) register themselves through MetricsRegistrar.
type Metrics struct {
	// Session metrics
	SessionStatus   prometheus.Gauge
	SessionsStarted prometheus.Counter
	SessionDuration prometheus.Histogram
	BusConnected    prometheus.Gauge
	ErrorsTotal     *prometheus.CounterVec

	// NATS metrics
	NATSConnected      prometheus.Gauge
	NATSRTT            prometheus.Gauge
	NATSReconnects     prometheus.Counter
	NATSCircuitBreaker prometheus.Gauge
}

// NewMetrics creates a new Metrics instance with all core metrics
func NewMetrics() *Metrics {
	return &Metrics{
		SessionStatus: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: Namespace,
				Subsystem: "session",
				Name:      "status",
				Help:      "Gateway session status (0=disconnected, 1=connecting, 2=connected)",
			},
		),

		SessionsStarted: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Subsystem: "session",
				Name:      "started_total",
				Help:      "Total number of bus sessions started",
			},
		),

		SessionDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: Namespace,
				Subsystem: "session",
				Name:      "duration_seconds",
				Help:      "Lifetime of completed bus sessions",
				Buckets:   []float64{1, 10, 60, 300, 1800, 3600, 21600, 86400},
			},
		),

		BusConnected: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: Namespace,
				Subsystem: "bus",
				Name:      "connected",
				Help:      "Bus connection status (0=disconnected, 1=connected)",
			},
		),

		ErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Subsystem: "errors",
				Name:      "total",
				Help:      "Total number of errors by component and class",
			},
			[]string{"component", "class"},
		),

		NATSConnected: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: Namespace,
				Subsystem: "nats",
				Name:      "connected",
				Help:      "NATS connection status (0=disconnected, 1=connected)",
			},
		),

		NATSRTT: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: Namespace,
				Subsystem: "nats",
				Name:      "rtt_milliseconds",
				Help:      "NATS round-trip time in milliseconds",
			},
		),

		NATSReconnects: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Subsystem: "nats",
				Name:      "reconnects_total",
				Help:      "Total number of NATS reconnections",
			},
		),

		NATSCircuitBreaker: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: Namespace,
				Subsystem: "nats",
				Name:      "circuit_breaker",
				Help:      "NATS circuit breaker status (0=closed, 1=open, 2=half-open)",
			},
		),
	}
}

func (c *Metrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		c.SessionStatus,
		c.SessionsStarted,
		c.SessionDuration,
		c.BusConnected,
		c.ErrorsTotal,
		c.NATSConnected,
		c.NATSRTT,
		c.NATSReconnects,
		c.NATSCircuitBreaker,
	}
}

// RecordSessionStatus updates the session status gauge
func (c *Metrics) RecordSessionStatus(status int) {
	if c == nil {
		return
	}
	c.SessionStatus.Set(float64(status))
}

// RecordSessionStarted counts a new bus session
func (c *Metrics) RecordSessionStarted() {
	if c == nil {
		return
	}
	c.SessionsStarted.Inc()
	c.BusConnected.Set(1)
}

// RecordSessionEnded observes how long a bus session lived
func (c *Metrics) RecordSessionEnded(lifetime time.Duration) {
	if c == nil {
		return
	}
	c.SessionDuration.Observe(lifetime.Seconds())
	c.BusConnected.Set(0)
}

// RecordError increments the error counter
func (c *Metrics) RecordError(component, class string) {
	if c == nil {
		return
	}
	c.ErrorsTotal.WithLabelValues(component, class).Inc()
}

// RecordNATSStatus updates NATS connection status
func (c *Metrics) RecordNATSStatus(connected bool) {
	if c == nil {
		return
	}
	value := 0.0
	if connected {
		value = 1.0
	}
	c.NATSConnected.Set(value)
}

// RecordNATSRTT updates NATS round-trip time
func (c *Metrics) RecordNATSRTT(rtt time.Duration) {
	if c == nil {
		return
	}
	c.NATSRTT.Set(float64(rtt.Milliseconds()))
}

// RecordNATSReconnect increments reconnection counter
func (c *Metrics) RecordNATSReconnect() {
	if c == nil {
		return
	}
	c.NATSReconnects.Inc()
}

// RecordCircuitBreakerState updates circuit breaker status
func (c *Metrics) RecordCircuitBreakerState(state int) {
	if c == nil {
		return
	}
	c.NATSCircuitBreaker.Set(float64(state))
}
