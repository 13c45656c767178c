// Package watcher follows bus name ownership and keeps one set of bindings
// per visible service.
//
// Every service moves through Unseen, Discovering, Bound and Gone. Discovery
// runs on a bounded worker pool; its result is committed only while the
// job's generation is still current. Losing a service is handled on the
// caller's goroutine: the in-flight discovery is cancelled, a commit already
// under way is waited for, and the bindings are torn down before the next
// ownership event is looked at.
package watcher

import (
	"context"
	"fmt"
	"log/slog"
	"path"
	"sort"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/c360/dbusbridge/binding"
	"github.com/c360/dbusbridge/bus"
	"github.com/c360/dbusbridge/errors"
	"github.com/c360/dbusbridge/introspection"
	"github.com/c360/dbusbridge/metric"
	"github.com/c360/dbusbridge/pkg/worker"
)

// State of a watched service
type State int

// Service states
const (
	StateUnseen State = iota
	StateDiscovering
	StateBound
	StateGone
)

func (s State) String() string {
	switch s {
	case StateUnseen:
		return "unseen"
	case StateDiscovering:
		return "discovering"
	case StateBound:
		return "bound"
	case StateGone:
		return "gone"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

var allStates = []State{StateUnseen, StateDiscovering, StateBound, StateGone}

// Service identifies one appearance of a bus name
type Service struct {
	Name       string
	Owner      string
	Generation uint64
}

// Plan is a prepared set of bindings for one service appearance
type Plan struct {
	Service  Service
	Specs    []binding.Spec
	Warnings []introspection.Warning
}

// Binder turns discovered services into bindings
type Binder interface {
	// Prepare discovers the service and computes its bindings without
	// touching the mesh
	Prepare(ctx context.Context, svc Service) (*Plan, error)
	// Commit installs a prepared plan
	Commit(ctx context.Context, plan *Plan) error
	// Unbind removes everything bound for name
	Unbind(ctx context.Context, name string)
}

// Config holds watcher settings
type Config struct {
	IncludeUniqueNames bool
	Allow              []string
	Deny               []string
	Workers            int
	QueueSize          int
	Rate               float64
	Burst              int
	StopTimeout        time.Duration
}

// DefaultConfig returns the watcher defaults. The daemon itself is not bridged.
func DefaultConfig() Config {
	return Config{
		Deny:        []string{bus.DaemonName},
		Workers:     4,
		QueueSize:   1024,
		Rate:        20,
		Burst:       10,
		StopTimeout: 5 * time.Second,
	}
}

// Validate checks the glob patterns and limits
func (c Config) Validate() error {
	for _, p := range append(append([]string{}, c.Allow...), c.Deny...) {
		if _, err := path.Match(p, ""); err != nil {
			return errors.WrapInvalid(err, "watcher", "Validate", fmt.Sprintf("parse pattern %q", p))
		}
	}
	if c.Rate < 0 || c.Burst < 0 || c.Workers < 0 || c.QueueSize < 0 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "watcher", "Validate", "check limits")
	}
	return nil
}

type entry struct {
	state      State
	owner      string
	generation uint64
	cancel     context.CancelFunc

	// held while a plan is committed or torn down
	commitMu sync.Mutex
}

type job struct {
	ctx context.Context
	svc Service
}

// Watcher tracks bus services and drives their binding lifecycle
type Watcher struct {
	conn    bus.Conn
	binder  Binder
	cfg     Config
	logger  *slog.Logger
	metrics *Metrics

	pool    *worker.Pool[job]
	limiter *rate.Limiter

	mu       sync.Mutex
	services map[string]*entry
	gen      uint64
	base     context.Context
	stop     context.CancelFunc
}

// New creates a watcher. registrar may be nil; it only feeds the pool's
// metrics.
func New(conn bus.Conn, binder Binder, cfg Config, logger *slog.Logger, metrics *Metrics, registrar metric.MetricsRegistrar) *Watcher {
	def := DefaultConfig()
	if cfg.Workers <= 0 {
		cfg.Workers = def.Workers
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = def.QueueSize
	}
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = def.StopTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}

	limit := rate.Inf
	if cfg.Rate > 0 {
		limit = rate.Limit(cfg.Rate)
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}

	w := &Watcher{
		conn:     conn,
		binder:   binder,
		cfg:      cfg,
		logger:   logger.With("component", "watcher"),
		metrics:  metrics,
		limiter:  rate.NewLimiter(limit, burst),
		services: make(map[string]*entry),
	}

	var opts []worker.Option[job]
	if registrar != nil {
		opts = append(opts, worker.WithMetrics[job](registrar, "watcher"))
	}
	w.pool = worker.NewPool(cfg.Workers, cfg.QueueSize, w.discover, opts...)
	return w
}

// Start launches the discovery workers
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	w.base, w.stop = context.WithCancel(ctx)
	w.mu.Unlock()
	if err := w.pool.Start(w.base); err != nil {
		return errors.Wrap(err, "watcher", "Start", "start discovery pool")
	}
	return nil
}

// Stop cancels every discovery and waits for the workers. Bindings are left
// in place; the owner of the table tears them down.
func (w *Watcher) Stop() error {
	w.mu.Lock()
	for _, e := range w.services {
		if e.cancel != nil {
			e.cancel()
		}
	}
	if w.stop != nil {
		w.stop()
	}
	w.mu.Unlock()
	return w.pool.Stop(w.cfg.StopTimeout)
}

// Watched reports whether name passes the unique-name rule and the
// allow/deny filters
func (w *Watcher) Watched(name string) bool {
	if !bus.ValidBusName(name) {
		return false
	}
	if bus.IsUniqueName(name) && !w.cfg.IncludeUniqueNames {
		return false
	}
	for _, p := range w.cfg.Deny {
		if ok, _ := path.Match(p, name); ok {
			return false
		}
	}
	if len(w.cfg.Allow) == 0 {
		return true
	}
	for _, p := range w.cfg.Allow {
		if ok, _ := path.Match(p, name); ok {
			return true
		}
	}
	return false
}

// HandleOwnerChange applies one NameOwnerChanged notification. An empty new
// owner is a loss; a replaced owner is a loss followed by an appearance.
func (w *Watcher) HandleOwnerChange(ctx context.Context, name, oldOwner, newOwner string) {
	if !w.Watched(name) {
		return
	}
	switch {
	case newOwner == "":
		w.Lost(ctx, name)
	case oldOwner != "" && oldOwner != newOwner:
		w.Lost(ctx, name)
		w.Appeared(ctx, name, newOwner)
	default:
		w.Appeared(ctx, name, newOwner)
	}
}

// Bootstrap lists the names already on the bus and treats each as appeared
func (w *Watcher) Bootstrap(ctx context.Context) error {
	names, err := bus.ListNames(ctx, w.conn)
	if err != nil {
		return errors.WrapTransient(err, "watcher", "Bootstrap", "list names")
	}
	sort.Strings(names)

	for _, name := range names {
		if !w.Watched(name) {
			continue
		}
		owner := name
		if !bus.IsUniqueName(name) {
			owner, err = bus.GetNameOwner(ctx, w.conn, name)
			if err != nil {
				// the name went away between the two calls
				w.logger.Debug("name has no owner", "name", name, "error", err)
				continue
			}
		}
		w.Appeared(ctx, name, owner)
	}
	return nil
}

// Appeared starts discovery of name owned by owner. Repeated notifications
// for the same owner are ignored; a different owner first tears down the
// previous owner's bindings.
func (w *Watcher) Appeared(ctx context.Context, name, owner string) {
	if !w.Watched(name) {
		return
	}

	w.mu.Lock()
	if e, ok := w.services[name]; ok && (e.state == StateDiscovering || e.state == StateBound) && e.owner != owner {
		w.mu.Unlock()
		w.Lost(ctx, name)
		w.mu.Lock()
	}
	if w.base == nil {
		w.mu.Unlock()
		w.logger.Warn("service appeared before start", "service", name)
		return
	}
	e, ok := w.services[name]
	if !ok {
		e = &entry{}
		w.services[name] = e
	}
	if (e.state == StateDiscovering || e.state == StateBound) && e.owner == owner {
		w.mu.Unlock()
		return
	}
	w.gen++
	jobCtx, cancel := context.WithCancel(w.base)
	e.state = StateDiscovering
	e.owner = owner
	e.generation = w.gen
	e.cancel = cancel
	svc := Service{Name: name, Owner: owner, Generation: w.gen}
	w.recordStates()
	w.mu.Unlock()

	w.logger.Info("service appeared", "service", name, "owner", owner, "generation", svc.Generation)
	if err := w.pool.SubmitWait(ctx, job{ctx: jobCtx, svc: svc}); err != nil {
		w.logger.Warn("discovery not queued", "service", name, "error", err)
		cancel()
		w.mu.Lock()
		if e.generation == svc.Generation {
			e.state = StateGone
			e.cancel = nil
			w.recordStates()
		}
		w.mu.Unlock()
	}
}

// Lost tears down name's bindings. It returns once teardown is complete.
func (w *Watcher) Lost(ctx context.Context, name string) {
	w.mu.Lock()
	e, ok := w.services[name]
	if !ok || e.state == StateGone || e.state == StateUnseen {
		w.mu.Unlock()
		return
	}
	e.state = StateGone
	e.generation = 0
	cancel := e.cancel
	e.cancel = nil
	w.recordStates()
	w.mu.Unlock()

	if cancel != nil {
		cancel()
	}

	e.commitMu.Lock()
	w.binder.Unbind(ctx, name)
	e.commitMu.Unlock()

	w.metrics.lost()
	w.logger.Info("service lost", "service", name)
}

// current reports whether svc is still the appearance being discovered
func (w *Watcher) current(svc Service) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	e, ok := w.services[svc.Name]
	return ok && e.state == StateDiscovering && e.generation == svc.Generation
}

func (w *Watcher) discover(_ context.Context, j job) error {
	if err := w.limiter.Wait(j.ctx); err != nil {
		w.metrics.discovery("stale")
		return nil
	}

	start := time.Now()
	plan, err := w.binder.Prepare(j.ctx, j.svc)

	w.mu.Lock()
	e := w.services[j.svc.Name]
	w.mu.Unlock()
	if e == nil {
		return nil
	}

	e.commitMu.Lock()
	defer e.commitMu.Unlock()

	if !w.current(j.svc) || j.ctx.Err() != nil {
		w.metrics.discovery("stale")
		return nil
	}

	outcome := "ok"
	if err != nil {
		// the service stays visible with nothing bound
		outcome = "failed"
		w.logger.Warn("discovery failed", "service", j.svc.Name, "owner", j.svc.Owner, "error", err)
		plan = &Plan{Service: j.svc}
	}
	for _, warn := range plan.Warnings {
		w.logger.Warn("subtree skipped", "service", warn.Service, "path", warn.Path, "error", warn.Err)
	}

	if len(plan.Specs) > 0 {
		if cerr := w.binder.Commit(j.ctx, plan); cerr != nil {
			outcome = "failed"
			err = cerr
			w.logger.Warn("commit incomplete", "service", j.svc.Name, "error", cerr)
		}
	}

	w.mu.Lock()
	if e.generation == j.svc.Generation && e.state == StateDiscovering {
		e.state = StateBound
		w.recordStates()
	}
	w.mu.Unlock()

	w.metrics.discovery(outcome)
	w.metrics.observe(time.Since(start))
	w.logger.Info("service bound", "service", j.svc.Name, "bindings", len(plan.Specs),
		"warnings", len(plan.Warnings), "generation", j.svc.Generation)
	return err
}

// recordStates publishes the per-state counts. Called with mu held.
func (w *Watcher) recordStates() {
	if w.metrics == nil {
		return
	}
	counts := make(map[State]int, len(allStates))
	for _, e := range w.services {
		counts[e.state]++
	}
	for _, s := range allStates {
		w.metrics.services.WithLabelValues(s.String()).Set(float64(counts[s]))
	}
}

// State returns the current state of name
func (w *Watcher) State(name string) State {
	w.mu.Lock()
	defer w.mu.Unlock()
	if e, ok := w.services[name]; ok {
		return e.state
	}
	return StateUnseen
}

// ServiceInfo describes one watched service
type ServiceInfo struct {
	Name       string `json:"name"`
	Owner      string `json:"owner,omitempty"`
	State      string `json:"state"`
	Generation uint64 `json:"generation,omitempty"`
}

// Services returns every service seen so far, sorted by name
func (w *Watcher) Services() []ServiceInfo {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]ServiceInfo, 0, len(w.services))
	for name, e := range w.services {
		info := ServiceInfo{Name: name, State: e.state.String(), Generation: e.generation}
		if e.state != StateGone {
			info.Owner = e.owner
		}
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// PoolStats exposes the discovery pool counters
func (w *Watcher) PoolStats() worker.PoolStats {
	return w.pool.Stats()
}
