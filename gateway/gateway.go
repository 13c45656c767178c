package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/c360/dbusbridge/binding"
	"github.com/c360/dbusbridge/bus"
	"github.com/c360/dbusbridge/dispatch"
	"github.com/c360/dbusbridge/errors"
	"github.com/c360/dbusbridge/forward"
	"github.com/c360/dbusbridge/health"
	"github.com/c360/dbusbridge/introspection"
	"github.com/c360/dbusbridge/mesh"
	"github.com/c360/dbusbridge/metric"
	"github.com/c360/dbusbridge/namespace"
	"github.com/c360/dbusbridge/pkg/retry"
	"github.com/c360/dbusbridge/watcher"
)

// Dialer opens a fresh bus connection
type Dialer func(ctx context.Context) (bus.Conn, error)

// componentMetrics are created once per process and shared by every session
type componentMetrics struct {
	binding       *binding.Metrics
	introspection *introspection.Metrics
	dispatch      *dispatch.Metrics
	forward       *forward.Metrics
	watcher       *watcher.Metrics
}

// Option configures a Gateway
type Option func(*Gateway)

// WithLogger sets the gateway's logger
func WithLogger(logger *slog.Logger) Option {
	return func(g *Gateway) {
		if logger != nil {
			g.logger = logger
		}
	}
}

// WithMetrics registers the gateway's metrics with registry
func WithMetrics(registry *metric.MetricsRegistry) Option {
	return func(g *Gateway) {
		if registry != nil {
			g.registrar = registry
			g.core = registry.CoreMetrics()
		}
	}
}

// WithMonitor reports into a health monitor shared with the rest of the
// process, so Health also covers parts the gateway does not own.
func WithMonitor(monitor *health.Monitor) Option {
	return func(g *Gateway) {
		if monitor != nil {
			g.monitor = monitor
		}
	}
}

// Gateway drives bus sessions and keeps the mesh namespace in step with them
type Gateway struct {
	cfg     Config
	dial    Dialer
	mesh    mesh.Conn
	mapper  namespace.Mapper
	logger  *slog.Logger
	tracer  trace.Tracer
	monitor *health.Monitor

	registrar metric.MetricsRegistrar
	core      *metric.Metrics
	metrics   componentMetrics

	mu       sync.RWMutex
	status   SessionStatus
	current  *session
	sessions int
}

// New creates a gateway. cfg is validated and defaulted.
func New(cfg Config, dial Dialer, meshConn mesh.Conn, opts ...Option) (*Gateway, error) {
	if dial == nil || meshConn == nil {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "Gateway", "New", "require a bus dialer and a mesh connection")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	g := &Gateway{
		cfg:     cfg,
		dial:    dial,
		mesh:    meshConn,
		mapper:  namespace.New(cfg.Root),
		logger:  slog.Default(),
		tracer:  otel.Tracer("github.com/c360/dbusbridge/gateway"),
		monitor: health.NewMonitor(),
	}
	for _, opt := range opts {
		opt(g)
	}
	g.logger = g.logger.With("component", "gateway")

	g.metrics = componentMetrics{
		binding:       binding.NewMetrics(g.registrar),
		introspection: introspection.NewMetrics(g.registrar),
		dispatch:      dispatch.NewMetrics(g.registrar),
		forward:       forward.NewMetrics(g.registrar),
		watcher:       watcher.NewMetrics(g.registrar),
	}
	g.monitor.Update("session", health.NewUnhealthy("session", "not started"))
	return g, nil
}

// Root returns the mesh path bindings are published under
func (g *Gateway) Root() mesh.Path { return g.mapper.Root }

// Status returns the current session status
func (g *Gateway) Status() SessionStatus {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.status
}

func (g *Gateway) setStatus(next SessionStatus) {
	g.mu.Lock()
	prev := g.status
	if prev == next {
		g.mu.Unlock()
		return
	}
	if !prev.CanTransition(next) {
		g.mu.Unlock()
		g.logger.Error("invalid session transition", "from", prev, "to", next)
		return
	}
	g.status = next
	g.mu.Unlock()

	g.core.RecordSessionStatus(int(next))
	switch next {
	case StatusConnected:
		g.monitor.Update("session", health.NewHealthy("session", "bus session active"))
	case StatusConnecting:
		g.monitor.UpdateDegraded("session", "connecting to the bus")
	case StatusDisconnected:
		g.monitor.Update("session", health.NewUnhealthy("session", "no bus session"))
	}
	g.logger.Debug("session status changed", "from", prev, "to", next)
}

// Run drives sessions until ctx is done. A session ends when the bus
// connection or the mesh connection is lost; everything it bound is torn
// down and the next session rebuilds from live introspection.
func (g *Gateway) Run(ctx context.Context) error {
	g.logger.Info("gateway starting", "root", g.mapper.Root)
	defer g.logger.Info("gateway stopped")

	failures := 0
	for {
		started := time.Now()
		err := g.runSession(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if errors.IsFatal(err) {
			return err
		}

		if err != nil {
			g.core.RecordError("gateway", errors.Classify(err).String())
			g.logger.Warn("session ended", "error", err)
		} else {
			g.logger.Info("session ended")
		}

		if time.Since(started) > g.cfg.Reconnect.MaxDelay {
			failures = 0
		}
		failures++
		delay := g.cfg.Reconnect.Backoff(failures)
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(delay):
		}
	}
}

func (g *Gateway) reconnectConfig(what string) retry.Config {
	cfg := g.cfg.Reconnect
	cfg.OnRetry = func(attempt int, err error, delay time.Duration) {
		g.logger.Warn("connection attempt failed", "target", what, "attempt", attempt,
			"retry_in", delay, "error", err)
	}
	return cfg
}

func (g *Gateway) runSession(ctx context.Context) error {
	g.setStatus(StatusConnecting)
	defer g.setStatus(StatusDisconnected)

	conn, err := retry.DoWithResult(ctx, g.reconnectConfig("bus"), func() (bus.Conn, error) {
		return g.dial(ctx)
	})
	g.monitor.Observe("bus", err, "connected")
	if err != nil {
		return errors.WrapTransient(err, "Gateway", "runSession", "dial bus")
	}
	defer conn.Close()

	err = retry.Do(ctx, g.reconnectConfig("mesh"), func() error { return g.mesh.Ready(ctx) })
	g.monitor.Observe("mesh", err, "ready")
	if err != nil {
		return errors.WrapTransient(err, "Gateway", "runSession", "wait for mesh")
	}
	lost := g.mesh.Lost()

	if err := g.mesh.Purge(ctx, g.mapper.Root); err != nil {
		return errors.WrapTransient(err, "Gateway", "runSession", "purge stale keys")
	}

	s := g.newSession(conn)
	ctx, span := g.tracer.Start(ctx, "gateway.session", trace.WithAttributes(s.attributes()...))
	defer span.End()

	if err := s.start(ctx); err != nil {
		tctx, cancel := context.WithTimeout(context.Background(), g.cfg.TeardownTimeout)
		s.stop(tctx)
		cancel()
		return err
	}

	g.mu.Lock()
	g.current = s
	g.sessions++
	g.mu.Unlock()
	g.setStatus(StatusConnected)
	g.core.RecordSessionStarted()
	g.logger.Info("session started", "session", s.id.String())
	s.serve()

	var reason error
	select {
	case <-ctx.Done():
	case <-conn.Done():
		reason = errors.ErrBusDisconnected
		g.monitor.Observe("bus", reason, "")
	case <-lost:
		reason = errors.ErrMeshDisconnected
		g.monitor.Observe("mesh", reason, "")
	case err := <-s.failed:
		reason = err
	}

	g.mu.Lock()
	g.current = nil
	g.mu.Unlock()

	tctx, cancel := context.WithTimeout(context.Background(), g.cfg.TeardownTimeout)
	defer cancel()
	removed := s.stop(tctx)
	g.core.RecordSessionEnded(time.Since(s.started))
	g.logger.Info("session torn down", "session", s.id.String(), "bindings", removed, "reason", reason)

	if reason != nil {
		return errors.WrapTransient(reason, "Gateway", "runSession", "keep session")
	}
	return nil
}

// Health reports the session and connection health with binding counters
func (g *Gateway) Health() health.Status {
	st := g.monitor.AggregateHealth("dbusbridge")
	stats := g.Stats()
	if st.Metrics != nil {
		st.Metrics.Services = len(stats.Services)
		st.Metrics.Bindings = stats.Bindings
		st.Metrics.PendingCalls = stats.PendingCalls
	}
	return st
}

// Stats summarizes the current session
func (g *Gateway) Stats() Stats {
	g.mu.RLock()
	s := g.current
	st := Stats{Status: g.status.String(), Sessions: g.sessions}
	g.mu.RUnlock()

	if s == nil {
		return st
	}
	st.SessionID = s.id.String()
	st.Since = s.started
	st.Bindings = s.table.Len()
	st.PendingCalls = s.dispatcher.Pending()
	st.Matches = s.forwarder.Matches()
	st.Services = s.watcher.Services()
	return st
}

// Lookup returns the binding currently published at p, or nil
func (g *Gateway) Lookup(p mesh.Path) *binding.Binding {
	g.mu.RLock()
	s := g.current
	g.mu.RUnlock()
	if s == nil {
		return nil
	}
	return s.table.Lookup(p)
}

// Dispatch runs one mesh write against the current session
func (g *Gateway) Dispatch(ctx context.Context, p mesh.Path, args []mesh.Value) (mesh.Value, error) {
	g.mu.RLock()
	s := g.current
	g.mu.RUnlock()
	if s == nil {
		return mesh.Value{}, errors.WrapTransient(errors.ErrBusDisconnected, "Gateway", "Dispatch",
			fmt.Sprintf("dispatch to %s", p))
	}
	return s.dispatcher.Dispatch(ctx, p, args)
}
