// Package worker provides a bounded worker pool used for introspection jobs
package worker

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/c360/dbusbridge/metric"
)

// Pool runs a fixed number of workers that apply one processor to queued work items
type Pool[T any] struct {
	workers   int
	queueSize int
	processor func(context.Context, T) error

	workChan chan T
	metrics  *poolMetrics
	wg       sync.WaitGroup

	lifecycleMu sync.Mutex
	started     bool
	stopped     bool

	submitted atomic.Int64
	processed atomic.Int64
	failed    atomic.Int64
	dropped   atomic.Int64
	busy      atomic.Int64

	registrar metric.MetricsRegistrar
	component string
}

type poolMetrics struct {
	queueDepth     prometheus.Gauge
	busyWorkers    prometheus.Gauge
	jobs           *prometheus.CounterVec
	processingTime prometheus.Histogram
}

// Option represents a configuration option for the worker pool
type Option[T any] func(*Pool[T])

// WithMetrics registers pool metrics under component with the given registrar.
// Metric names are prefixed with "dbusbridge_<component>_pool_".
func WithMetrics[T any](registrar metric.MetricsRegistrar, component string) Option[T] {
	return func(p *Pool[T]) {
		p.registrar = registrar
		p.component = component
	}
}

// NewPool creates a pool. workers and queueSize fall back to 4 and 256 when
// not positive.
func NewPool[T any](workers, queueSize int, processor func(context.Context, T) error, opts ...Option[T]) *Pool[T] {
	if workers <= 0 {
		workers = 4
	}
	if queueSize <= 0 {
		queueSize = 256
	}
	if processor == nil {
		panic(ErrNilProcessor)
	}

	pool := &Pool[T]{
		workers:   workers,
		queueSize: queueSize,
		processor: processor,
		workChan:  make(chan T, queueSize),
	}

	for _, opt := range opts {
		opt(pool)
	}

	if pool.registrar != nil && pool.component != "" {
		pool.metrics = newPoolMetrics(pool.registrar, pool.component)
	}

	return pool
}

func newPoolMetrics(r metric.MetricsRegistrar, component string) *poolMetrics {
	m := &poolMetrics{
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metric.Namespace,
			Subsystem: component,
			Name:      "pool_queue_depth",
			Help:      "Jobs waiting in the worker pool queue",
		}),
		busyWorkers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metric.Namespace,
			Subsystem: component,
			Name:      "pool_busy_workers",
			Help:      "Workers currently running a job",
		}),
		jobs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metric.Namespace,
			Subsystem: component,
			Name:      "pool_jobs_total",
			Help:      "Worker pool jobs by outcome",
		}, []string{"outcome"}),
		processingTime: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: metric.Namespace,
			Subsystem: component,
			Name:      "pool_job_duration_seconds",
			Help:      "Time spent running worker pool jobs",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 25},
		}),
	}

	// registration conflicts leave the collectors unexported but usable
	_ = r.RegisterGauge(component, "pool_queue_depth", m.queueDepth)
	_ = r.RegisterGauge(component, "pool_busy_workers", m.busyWorkers)
	_ = r.RegisterCounterVec(component, "pool_jobs_total", m.jobs)
	_ = r.RegisterHistogram(component, "pool_job_duration_seconds", m.processingTime)

	return m
}

func (p *Pool[T]) unregisterMetrics() {
	if p.metrics == nil {
		return
	}
	for _, name := range []string{"pool_queue_depth", "pool_busy_workers", "pool_jobs_total", "pool_job_duration_seconds"} {
		p.registrar.Unregister(p.component, name)
	}
}

func (m *poolMetrics) outcome(o string) {
	if m == nil {
		return
	}
	m.jobs.WithLabelValues(o).Inc()
}

func (p *Pool[T]) checkRunning() error {
	if !p.started {
		return ErrPoolNotStarted
	}
	if p.stopped {
		return ErrPoolStopped
	}
	return nil
}

// Submit queues work without blocking. Returns ErrQueueFull when the queue is at capacity.
func (p *Pool[T]) Submit(work T) error {
	queued, err := p.enqueue(work)
	if err != nil {
		return err
	}
	if !queued {
		p.dropped.Add(1)
		p.metrics.outcome("dropped")
		return ErrQueueFull
	}
	return nil
}

// SubmitWait queues work, blocking while the queue is full until ctx ends.
func (p *Pool[T]) SubmitWait(ctx context.Context, work T) error {
	for {
		queued, err := p.enqueue(work)
		if err != nil || queued {
			return err
		}

		timer := time.NewTimer(5 * time.Millisecond)
		select {
		case <-ctx.Done():
			timer.Stop()
			p.dropped.Add(1)
			p.metrics.outcome("dropped")
			return ctx.Err()
		case <-timer.C:
		}
	}
}

func (p *Pool[T]) enqueue(work T) (bool, error) {
	p.lifecycleMu.Lock()
	defer p.lifecycleMu.Unlock()

	if err := p.checkRunning(); err != nil {
		return false, err
	}

	select {
	case p.workChan <- work:
		p.accepted()
		return true, nil
	default:
		return false, nil
	}
}

func (p *Pool[T]) accepted() {
	p.submitted.Add(1)
	if p.metrics != nil {
		p.metrics.queueDepth.Set(float64(len(p.workChan)))
	}
}

// Start launches the workers. Work still queued when ctx ends is discarded.
func (p *Pool[T]) Start(ctx context.Context) error {
	p.lifecycleMu.Lock()
	defer p.lifecycleMu.Unlock()

	if p.started {
		return ErrPoolAlreadyStarted
	}

	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.worker(ctx)
	}

	p.started = true
	return nil
}

// Stop closes the queue and waits up to timeout for workers to drain it.
// The pool's metrics are unregistered so a successor pool can take them over.
func (p *Pool[T]) Stop(timeout time.Duration) error {
	p.lifecycleMu.Lock()
	defer p.lifecycleMu.Unlock()

	if !p.started || p.stopped {
		return nil
	}

	close(p.workChan)
	p.stopped = true
	p.unregisterMetrics()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-done:
		return nil
	case <-timer.C:
		return ErrStopTimeout
	}
}

// Stats returns current pool statistics
func (p *Pool[T]) Stats() PoolStats {
	return PoolStats{
		Workers:     p.workers,
		QueueSize:   p.queueSize,
		QueueDepth:  len(p.workChan),
		BusyWorkers: int(p.busy.Load()),
		Submitted:   p.submitted.Load(),
		Processed:   p.processed.Load(),
		Failed:      p.failed.Load(),
		Dropped:     p.dropped.Load(),
	}
}

// PoolStats represents worker pool statistics
type PoolStats struct {
	Workers     int   `json:"workers"`
	QueueSize   int   `json:"queue_size"`
	QueueDepth  int   `json:"queue_depth"`
	BusyWorkers int   `json:"busy_workers"`
	Submitted   int64 `json:"submitted"`
	Processed   int64 `json:"processed"`
	Failed      int64 `json:"failed"`
	Dropped     int64 `json:"dropped"`
}

func (p *Pool[T]) worker(ctx context.Context) {
	defer p.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case work, ok := <-p.workChan:
			if !ok {
				return
			}
			p.run(ctx, work)
		}
	}
}

func (p *Pool[T]) run(ctx context.Context, work T) {
	p.busy.Add(1)
	if p.metrics != nil {
		p.metrics.busyWorkers.Inc()
		p.metrics.queueDepth.Set(float64(len(p.workChan)))
	}

	start := time.Now()
	err := p.processor(ctx, work)
	elapsed := time.Since(start)

	p.busy.Add(-1)
	p.processed.Add(1)
	if err != nil {
		p.failed.Add(1)
	}

	if p.metrics != nil {
		p.metrics.busyWorkers.Dec()
		p.metrics.processingTime.Observe(elapsed.Seconds())
		if err != nil {
			p.metrics.outcome("failed")
		} else {
			p.metrics.outcome("ok")
		}
	}
}
