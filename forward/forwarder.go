// Package forward carries bus signals and property changes to the mesh.
//
// Signal bindings and properties that announce changes are routed from the
// session's signal stream. Properties annotated EmitsChangedSignal=false are
// polled instead, and re-read early whenever their interface emits a signal.
// Events are sharded into ordered lanes by binding path, so one binding's
// updates are never reordered. A saturated lane coalesces each binding's
// queued events down to the newest.
package forward

import (
	"context"
	"hash/fnv"
	"log/slog"
	"sync"
	"time"

	"github.com/godbus/dbus/v5"
	"golang.org/x/time/rate"

	"github.com/c360/dbusbridge/binding"
	"github.com/c360/dbusbridge/bus"
	"github.com/c360/dbusbridge/codec"
	"github.com/c360/dbusbridge/introspection"
	"github.com/c360/dbusbridge/mesh"
)

// Reader reads a property's current value from the bus
type Reader interface {
	Read(ctx context.Context, b *binding.Binding) (mesh.Value, error)
}

// Updater publishes a new value for a binding
type Updater interface {
	Update(ctx context.Context, b *binding.Binding, v mesh.Value) error
}

// Warning is a dropped event
type Warning struct {
	Path mesh.Path
	Err  error
}

// Config holds forwarder settings
type Config struct {
	PollInterval time.Duration
	Lanes        int
	LaneBuffer   int
	OnWarning    func(Warning)
}

// DefaultConfig returns the forwarding defaults
func DefaultConfig() Config {
	return Config{PollInterval: 5 * time.Second, Lanes: 8, LaneBuffer: 256}
}

type routeKey struct {
	owner  string
	path   dbus.ObjectPath
	iface  string
	member string
}

type ifaceKey struct {
	owner string
	path  dbus.ObjectPath
	iface string
}

type eventKind int

const (
	eventSignal eventKind = iota
	eventChanged
	eventReread
)

type event struct {
	kind    eventKind
	binding *binding.Binding
	body    []any
	value   any
}

// Forwarder routes bus-side changes to their bindings
type Forwarder struct {
	conn    bus.Conn
	reader  Reader
	updater Updater
	cfg     Config
	logger  *slog.Logger
	metrics *Metrics
	sample  rate.Sometimes

	mu      sync.Mutex
	signals map[routeKey]*binding.Binding
	props   map[routeKey]*binding.Binding
	polled  map[ifaceKey]map[mesh.Path]*binding.Binding
	matches map[bus.MatchRule]int

	lanes  []*lane
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a forwarder. metrics may be nil.
func New(conn bus.Conn, reader Reader, updater Updater, cfg Config, logger *slog.Logger, metrics *Metrics) *Forwarder {
	def := DefaultConfig()
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	if cfg.Lanes <= 0 {
		cfg.Lanes = def.Lanes
	}
	if cfg.LaneBuffer <= 0 {
		cfg.LaneBuffer = def.LaneBuffer
	}
	if logger == nil {
		logger = slog.Default()
	}
	f := &Forwarder{
		conn:    conn,
		reader:  reader,
		updater: updater,
		cfg:     cfg,
		logger:  logger.With("component", "forward"),
		metrics: metrics,
		sample:  rate.Sometimes{First: 5, Interval: 10 * time.Second},
		signals: make(map[routeKey]*binding.Binding),
		props:   make(map[routeKey]*binding.Binding),
		polled:  make(map[ifaceKey]map[mesh.Path]*binding.Binding),
		matches: make(map[bus.MatchRule]int),
		lanes:   make([]*lane, cfg.Lanes),
	}
	for i := range f.lanes {
		f.lanes[i] = newLane(cfg.LaneBuffer)
	}
	return f
}

// Start runs the lane workers and the poller until Stop or ctx ends
func (f *Forwarder) Start(ctx context.Context) {
	ctx, f.cancel = context.WithCancel(ctx)
	for _, l := range f.lanes {
		f.wg.Add(1)
		go func() {
			defer f.wg.Done()
			l.run(ctx, f.process)
		}()
	}
	f.wg.Add(1)
	go f.poll(ctx)
}

// Stop halts the workers and waits for them
func (f *Forwarder) Stop() {
	if f.cancel != nil {
		f.cancel()
	}
	f.wg.Wait()
}

func keyOf(b *binding.Binding) routeKey {
	return routeKey{owner: b.Owner, path: b.Key.Object, iface: b.Key.Interface, member: b.Key.Member}
}

func ifaceOf(b *binding.Binding) ifaceKey {
	return ifaceKey{owner: b.Owner, path: b.Key.Object, iface: b.Key.Interface}
}

func signalRule(b *binding.Binding) bus.MatchRule {
	return bus.MatchRule{Sender: b.Owner, Path: b.Key.Object, Interface: b.Key.Interface, Member: b.Key.Member}
}

// Watch starts forwarding for b. Methods need nothing; constant and
// write-only properties are never refreshed.
func (f *Forwarder) Watch(ctx context.Context, b *binding.Binding) error {
	switch b.Kind() {
	case introspection.KindSignal:
		if err := f.addMatch(ctx, signalRule(b)); err != nil {
			return err
		}
		f.mu.Lock()
		f.signals[keyOf(b)] = b
		f.mu.Unlock()

	case introspection.KindReadableProperty, introspection.KindWritableProperty:
		if !b.Member.Readable() {
			return nil
		}
		switch {
		case b.Member.EmitsChanged.Notifies():
			if err := f.addMatch(ctx, bus.PropertiesChangedRule(b.Owner, b.Key.Object, b.Key.Interface)); err != nil {
				return err
			}
			f.mu.Lock()
			f.props[keyOf(b)] = b
			f.mu.Unlock()
		case b.Member.EmitsChanged == introspection.EmitsFalse:
			f.mu.Lock()
			set, ok := f.polled[ifaceOf(b)]
			if !ok {
				set = make(map[mesh.Path]*binding.Binding)
				f.polled[ifaceOf(b)] = set
			}
			set[b.Path] = b
			f.mu.Unlock()
		}

	case introspection.KindMethod:
	}
	return nil
}

// Unwatch stops forwarding for b
func (f *Forwarder) Unwatch(ctx context.Context, b *binding.Binding) {
	var rule *bus.MatchRule

	f.mu.Lock()
	switch b.Kind() {
	case introspection.KindSignal:
		if f.signals[keyOf(b)] == b {
			delete(f.signals, keyOf(b))
			r := signalRule(b)
			rule = &r
		}
	case introspection.KindReadableProperty, introspection.KindWritableProperty:
		if f.props[keyOf(b)] == b {
			delete(f.props, keyOf(b))
			r := bus.PropertiesChangedRule(b.Owner, b.Key.Object, b.Key.Interface)
			rule = &r
		}
		if set := f.polled[ifaceOf(b)]; set != nil && set[b.Path] == b {
			delete(set, b.Path)
			if len(set) == 0 {
				delete(f.polled, ifaceOf(b))
			}
		}
	case introspection.KindMethod:
	}
	f.mu.Unlock()

	if rule != nil {
		f.removeMatch(ctx, *rule)
	}
}

func (f *Forwarder) addMatch(ctx context.Context, rule bus.MatchRule) error {
	f.mu.Lock()
	n := f.matches[rule]
	f.matches[rule] = n + 1
	f.mu.Unlock()
	if n > 0 {
		return nil
	}
	if err := f.conn.AddMatch(ctx, rule); err != nil {
		f.mu.Lock()
		if f.matches[rule]--; f.matches[rule] <= 0 {
			delete(f.matches, rule)
		}
		f.mu.Unlock()
		return err
	}
	return nil
}

func (f *Forwarder) removeMatch(ctx context.Context, rule bus.MatchRule) {
	f.mu.Lock()
	n := f.matches[rule]
	if n <= 1 {
		delete(f.matches, rule)
	} else {
		f.matches[rule] = n - 1
	}
	f.mu.Unlock()
	if n != 1 {
		return
	}
	if err := f.conn.RemoveMatch(ctx, rule); err != nil {
		f.logger.Debug("remove match failed", "rule", rule, "error", err)
	}
}

// Matches returns the number of distinct match rules installed
func (f *Forwarder) Matches() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.matches)
}

// Deliver routes one bus signal
func (f *Forwarder) Deliver(s *bus.Signal) {
	if s.Interface == bus.PropertiesInterface && s.Member == bus.PropertiesChanged {
		f.deliverProperties(s)
		return
	}

	f.mu.Lock()
	target := f.signals[routeKey{owner: s.Sender, path: s.Path, iface: s.Interface, member: s.Member}]
	var polled []*binding.Binding
	for _, b := range f.polled[ifaceKey{owner: s.Sender, path: s.Path, iface: s.Interface}] {
		polled = append(polled, b)
	}
	f.mu.Unlock()

	if target != nil {
		f.enqueue(event{kind: eventSignal, binding: target, body: s.Body})
	}
	for _, b := range polled {
		f.enqueue(event{kind: eventReread, binding: b})
	}
}

func (f *Forwarder) deliverProperties(s *bus.Signal) {
	pc, err := bus.ParsePropertiesChanged(s)
	if err != nil {
		f.warn(Warning{Path: mesh.Path(string(s.Path)), Err: err})
		return
	}

	var events []event
	f.mu.Lock()
	for name, v := range pc.Changed {
		if b := f.props[routeKey{owner: s.Sender, path: s.Path, iface: pc.Interface, member: name}]; b != nil {
			events = append(events, event{kind: eventChanged, binding: b, value: v})
		}
	}
	for _, name := range pc.Invalidated {
		if b := f.props[routeKey{owner: s.Sender, path: s.Path, iface: pc.Interface, member: name}]; b != nil {
			events = append(events, event{kind: eventReread, binding: b})
		}
	}
	f.mu.Unlock()

	for _, e := range events {
		f.enqueue(e)
	}
}

// Refresh re-reads a polled property now. Other bindings are ignored.
func (f *Forwarder) Refresh(b *binding.Binding) {
	f.mu.Lock()
	set := f.polled[ifaceOf(b)]
	_, ok := set[b.Path]
	f.mu.Unlock()
	if ok {
		f.enqueue(event{kind: eventReread, binding: b})
	}
}

func (f *Forwarder) lane(p mesh.Path) *lane {
	h := fnv.New32a()
	_, _ = h.Write([]byte(p))
	return f.lanes[h.Sum32()%uint32(len(f.lanes))]
}

func (f *Forwarder) enqueue(e event) {
	f.metrics.received(e.kind)
	if n := f.lane(e.binding.Path).push(e); n > 0 {
		f.metrics.coalesced(n)
	}
}

func (f *Forwarder) process(ctx context.Context, e event) {
	b := e.binding
	if b.Closed() {
		return
	}

	var (
		v   mesh.Value
		err error
	)
	switch e.kind {
	case eventSignal:
		v, err = codec.ToMeshArgs(b.Member.InTypes(), e.body)
	case eventChanged:
		v, err = codec.ToMesh(b.Member.Type, e.value)
	case eventReread:
		v, err = f.reader.Read(ctx, b)
	}
	if err != nil {
		f.warn(Warning{Path: b.Path, Err: err})
		return
	}
	if err := f.updater.Update(ctx, b, v); err != nil {
		f.warn(Warning{Path: b.Path, Err: err})
	}
}

func (f *Forwarder) warn(w Warning) {
	f.metrics.warning()
	if f.cfg.OnWarning != nil {
		f.cfg.OnWarning(w)
	}
	f.sample.Do(func() {
		f.logger.Warn("dropped event", "path", w.Path, "error", w.Err)
	})
}

func (f *Forwarder) poll(ctx context.Context) {
	defer f.wg.Done()
	ticker := time.NewTicker(f.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			f.mu.Lock()
			var due []*binding.Binding
			for _, set := range f.polled {
				for _, b := range set {
					due = append(due, b)
				}
			}
			f.mu.Unlock()
			for _, b := range due {
				f.enqueue(event{kind: eventReread, binding: b})
			}
		}
	}
}
