package natsclient

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/c360/dbusbridge/metric"
)

// kvMetrics holds bucket state and operation error metrics for a KVStore.
type kvMetrics struct {
	values *prometheus.GaugeVec
	bytes  *prometheus.GaugeVec
	up     *prometheus.GaugeVec
	errors *prometheus.CounterVec
}

func newKVMetrics(registrar metric.MetricsRegistrar) *kvMetrics {
	if registrar == nil {
		return nil
	}

	m := &kvMetrics{
		values: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: metric.Namespace,
			Subsystem: "kv",
			Name:      "values",
			Help:      "Live values in the KV bucket",
		}, []string{"bucket"}),
		bytes: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: metric.Namespace,
			Subsystem: "kv",
			Name:      "bytes",
			Help:      "Storage bytes used by the KV bucket",
		}, []string{"bucket"}),
		up: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: metric.Namespace,
			Subsystem: "kv",
			Name:      "up",
			Help:      "Whether the last bucket status poll succeeded (1) or failed (0)",
		}, []string{"bucket"}),
		errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metric.Namespace,
			Subsystem: "kv",
			Name:      "operation_errors_total",
			Help:      "KV operation errors by operation",
		}, []string{"bucket", "operation"}),
	}

	_ = registrar.RegisterGaugeVec("kv", "values", m.values)
	_ = registrar.RegisterGaugeVec("kv", "bytes", m.bytes)
	_ = registrar.RegisterGaugeVec("kv", "up", m.up)
	_ = registrar.RegisterCounterVec("kv", "operation_errors_total", m.errors)

	return m
}

func (m *kvMetrics) recordError(bucket, operation string) {
	if m == nil {
		return
	}
	m.errors.WithLabelValues(bucket, operation).Inc()
}

func (m *kvMetrics) update(ctx context.Context, kv *KVStore) {
	if m == nil {
		return
	}

	bucket := kv.Bucket()
	status, err := kv.Status(ctx)
	if err != nil {
		m.up.WithLabelValues(bucket).Set(0)
		return
	}

	m.values.WithLabelValues(bucket).Set(float64(status.Values()))
	m.bytes.WithLabelValues(bucket).Set(float64(status.Bytes()))
	m.up.WithLabelValues(bucket).Set(1)
}

// WithKVMetrics enables bucket metrics for this store
func WithKVMetrics(registrar metric.MetricsRegistrar) func(*KVOptions) {
	return func(o *KVOptions) {
		o.metrics = newKVMetrics(registrar)
	}
}

// PollMetrics updates the bucket gauges every interval until ctx ends. It is a
// no-op when the store was built without WithKVMetrics.
func (kv *KVStore) PollMetrics(ctx context.Context, interval time.Duration) {
	m := kv.options.metrics
	if m == nil || interval <= 0 {
		return
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	m.update(ctx, kv)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.update(ctx, kv)
		}
	}
}
