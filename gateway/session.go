package gateway

import (
	"context"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/otel/attribute"

	"github.com/c360/dbusbridge/binding"
	"github.com/c360/dbusbridge/bus"
	"github.com/c360/dbusbridge/dispatch"
	"github.com/c360/dbusbridge/errors"
	"github.com/c360/dbusbridge/forward"
	"github.com/c360/dbusbridge/introspection"
	"github.com/c360/dbusbridge/watcher"
)

// session is everything built for one bus connection. Nothing survives it.
type session struct {
	g       *Gateway
	id      ulid.ULID
	started time.Time
	bus     bus.Conn

	table      *binding.Table
	resolver   *introspection.Resolver
	dispatcher *dispatch.Dispatcher
	forwarder  *forward.Forwarder
	watcher    *watcher.Watcher

	failed chan error
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func (g *Gateway) newSession(conn bus.Conn) *session {
	s := &session{
		g:       g,
		id:      ulid.Make(),
		started: time.Now(),
		bus:     conn,
		failed:  make(chan error, 1),
	}
	logger := g.logger.With("session", s.id.String())

	s.table = binding.NewTable(g.mesh, logger, g.metrics.binding)
	s.resolver = introspection.NewResolver(conn, g.cfg.Discovery, logger, g.metrics.introspection)
	s.dispatcher = dispatch.NewDispatcher(conn, s.table, g.mesh, dispatch.Config{
		CallTimeout:   g.cfg.CallTimeout,
		OnPropertySet: s.refresh,
	}, logger, g.metrics.dispatch)

	fcfg := g.cfg.Forward
	userWarning := fcfg.OnWarning
	fcfg.OnWarning = func(w forward.Warning) {
		g.core.RecordError("forward", errors.ErrorInvalid.String())
		if userWarning != nil {
			userWarning(w)
		}
	}
	s.forwarder = forward.New(conn, s.dispatcher, s.table, fcfg, logger, g.metrics.forward)

	b := &binder{
		mapper:     g.mapper,
		resolver:   s.resolver,
		table:      s.table,
		dispatcher: s.dispatcher,
		forwarder:  s.forwarder,
		logger:     logger.With("component", "binder"),
	}
	s.watcher = watcher.New(conn, b, g.cfg.Watcher, logger, g.metrics.watcher, g.registrar)
	return s
}

func (s *session) attributes() []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String("session.id", s.id.String()),
		attribute.String("mesh.root", string(s.g.mapper.Root)),
	}
}

// refresh re-reads a property after a successful write. Only polled
// properties need it; notifying ones report the change themselves.
func (s *session) refresh(b *binding.Binding) {
	s.forwarder.Refresh(b)
}

// start launches the workers and subscribes to ownership changes
func (s *session) start(ctx context.Context) error {
	s.ctx, s.cancel = context.WithCancel(ctx)

	if err := s.resolver.Start(s.ctx); err != nil {
		return err
	}
	s.forwarder.Start(s.ctx)
	if err := s.watcher.Start(s.ctx); err != nil {
		return err
	}
	if err := s.bus.AddMatch(s.ctx, bus.NameOwnerChangedRule()); err != nil {
		return errors.WrapTransient(err, "session", "start", "watch name owners")
	}
	return nil
}

// serve bootstraps the watcher, then feeds bus signals to the watcher and
// the forwarder until the session ends. Ownership changes are applied in
// arrival order on this goroutine.
func (s *session) serve() {
	ctx := s.ctx
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		bctx, bcancel := context.WithTimeout(ctx, s.g.cfg.BootstrapTimeout)
		err := s.watcher.Bootstrap(bctx)
		bcancel()
		if err != nil {
			if ctx.Err() == nil {
				s.fail(err)
			}
			return
		}

		for {
			select {
			case <-ctx.Done():
				return
			case sig, ok := <-s.bus.Signals():
				if !ok {
					return
				}
				s.route(ctx, sig)
			}
		}
	}()
}

func (s *session) route(ctx context.Context, sig *bus.Signal) {
	if sig.Sender == bus.DaemonName || sig.Sender == "" {
		if name, oldOwner, newOwner, ok := bus.ParseNameOwnerChanged(sig); ok {
			s.watcher.HandleOwnerChange(ctx, name, oldOwner, newOwner)
			return
		}
	}
	s.forwarder.Deliver(sig)
}

func (s *session) fail(err error) {
	select {
	case s.failed <- err:
	default:
	}
}

// stop ends the session: no more events are taken, discoveries are
// cancelled, pending calls are answered and every binding is withdrawn.
// It returns the number of bindings removed.
func (s *session) stop(ctx context.Context) int {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()

	if err := s.watcher.Stop(); err != nil {
		s.g.logger.Warn("discovery workers did not stop", "session", s.id.String(), "error", err)
	}
	s.dispatcher.Close()
	removed := s.table.Reset(ctx, func(b *binding.Binding) {
		s.forwarder.Unwatch(ctx, b)
	})
	s.forwarder.Stop()
	s.resolver.Close()
	return removed
}
