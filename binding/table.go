package binding

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/c360/dbusbridge/errors"
	"github.com/c360/dbusbridge/introspection"
	"github.com/c360/dbusbridge/mesh"
)

var (
	// ErrDuplicatePath is returned when a path is already bound or being bound
	ErrDuplicatePath = stderrors.New("binding: path already bound")
	// ErrTornDown is returned by Bind when the service was torn down while
	// the binding was being published
	ErrTornDown = stderrors.New("binding: service torn down during bind")
)

// Table maps mesh paths to bindings, indexed by path and by service
type Table struct {
	conn    mesh.Conn
	logger  *slog.Logger
	metrics *Metrics

	mu        sync.RWMutex
	byPath    map[mesh.Path]*Binding
	byService map[string]map[mesh.Path]struct{}
	pending   map[mesh.Path]*Binding
}

// NewTable creates an empty table publishing through conn. metrics may be nil.
func NewTable(conn mesh.Conn, logger *slog.Logger, metrics *Metrics) *Table {
	if logger == nil {
		logger = slog.Default()
	}
	return &Table{
		conn:      conn,
		logger:    logger.With("component", "binding"),
		metrics:   metrics,
		byPath:    make(map[mesh.Path]*Binding),
		byService: make(map[string]map[mesh.Path]struct{}),
		pending:   make(map[mesh.Path]*Binding),
	}
}

// Insert adds b to both indices
func (t *Table) Insert(b *Binding) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.insertLocked(b)
}

func (t *Table) insertLocked(b *Binding) error {
	if _, ok := t.byPath[b.Path]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicatePath, b.Path)
	}
	t.byPath[b.Path] = b
	paths, ok := t.byService[b.Service()]
	if !ok {
		paths = make(map[mesh.Path]struct{})
		t.byService[b.Service()] = paths
	}
	paths[b.Path] = struct{}{}
	t.metrics.setBindings(len(t.byPath))
	return nil
}

// RemoveByPath removes and closes the binding at p
func (t *Table) RemoveByPath(p mesh.Path) *Binding {
	t.mu.Lock()
	defer t.mu.Unlock()
	b, ok := t.byPath[p]
	if !ok {
		return nil
	}
	delete(t.byPath, p)
	if paths := t.byService[b.Service()]; paths != nil {
		delete(paths, p)
		if len(paths) == 0 {
			delete(t.byService, b.Service())
		}
	}
	b.closed.Store(true)
	t.metrics.setBindings(len(t.byPath))
	return b
}

// RemoveAllForService removes every binding of service, closing each one
// before the lock is released. Bindings still being published are closed too.
func (t *Table) RemoveAllForService(service string) []*Binding {
	t.mu.Lock()
	defer t.mu.Unlock()

	var removed []*Binding
	for p := range t.byService[service] {
		b := t.byPath[p]
		delete(t.byPath, p)
		b.closed.Store(true)
		removed = append(removed, b)
	}
	delete(t.byService, service)

	for p, b := range t.pending {
		if b.Service() == service {
			b.closed.Store(true)
			delete(t.pending, p)
		}
	}

	t.metrics.setBindings(len(t.byPath))
	sort.Slice(removed, func(i, j int) bool { return removed[i].Path < removed[j].Path })
	return removed
}

// Lookup returns the binding at p, or nil
func (t *Table) Lookup(p mesh.Path) *Binding {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.byPath[p]
}

// Len returns the number of live bindings
func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.byPath)
}

// Paths returns the sorted paths bound for service
func (t *Table) Paths(service string) []mesh.Path {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]mesh.Path, 0, len(t.byService[service]))
	for p := range t.byService[service] {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Services returns the sorted names of services with live bindings
func (t *Table) Services() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]string, 0, len(t.byService))
	for s := range t.byService {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

func writable(k introspection.MemberKind) bool {
	return k == introspection.KindMethod || k.IsProperty()
}

// Bind publishes spec and, for methods and properties, routes mesh writes at
// its path to h. The binding joins the table only once both exist.
func (t *Table) Bind(ctx context.Context, spec Spec, h mesh.WriteHandler) (*Binding, error) {
	b := New(spec)

	t.mu.Lock()
	_, bound := t.byPath[b.Path]
	_, busy := t.pending[b.Path]
	if bound || busy {
		t.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrDuplicatePath, b.Path)
	}
	t.pending[b.Path] = b
	t.mu.Unlock()

	pub, err := t.conn.Publish(ctx, b.Path, spec.Initial)
	if err != nil {
		t.unreserve(b)
		t.metrics.failed("publish")
		return nil, errors.WrapTransient(err, "Table", "Bind", "publish "+string(b.Path))
	}
	b.pub = pub

	if h != nil && writable(b.Kind()) {
		sub, err := t.conn.Subscribe(ctx, b.Path, h)
		if err != nil {
			t.unreserve(b)
			t.withdraw(ctx, b)
			t.metrics.failed("subscribe")
			return nil, errors.WrapTransient(err, "Table", "Bind", "subscribe "+string(b.Path))
		}
		b.sub = sub
	}

	t.mu.Lock()
	if b.Closed() {
		t.mu.Unlock()
		t.release(ctx, b)
		return nil, fmt.Errorf("%w: %s", ErrTornDown, b.Path)
	}
	delete(t.pending, b.Path)
	err = t.insertLocked(b)
	t.mu.Unlock()
	if err != nil {
		t.release(ctx, b)
		return nil, err
	}

	t.metrics.bound(b.Kind())
	return b, nil
}

func (t *Table) unreserve(b *Binding) {
	t.mu.Lock()
	if t.pending[b.Path] == b {
		delete(t.pending, b.Path)
	}
	t.mu.Unlock()
}

// Update publishes v for b. Updates to one binding are applied in call
// order; updates to a closed binding are dropped.
func (t *Table) Update(ctx context.Context, b *Binding, v mesh.Value) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.Closed() || b.pub == nil {
		return nil
	}
	if err := b.pub.Update(ctx, v); err != nil {
		t.metrics.failed("update")
		return errors.WrapTransient(err, "Table", "Update", "update "+string(b.Path))
	}
	b.value = v
	t.metrics.updated()
	return nil
}

// Teardown removes every binding of service. For each one it runs cancel,
// which stops bus-side delivery and pending calls, then drops the write
// subscription and finally withdraws the publication.
func (t *Table) Teardown(ctx context.Context, service string, cancel func(*Binding)) []*Binding {
	removed := t.RemoveAllForService(service)
	for _, b := range removed {
		if cancel != nil {
			cancel(b)
		}
		t.release(ctx, b)
	}
	if len(removed) > 0 {
		t.logger.Debug("service torn down", "service", service, "bindings", len(removed))
	}
	return removed
}

// Unbind tears down the single binding at p the way Teardown does. It
// reports whether a binding was there.
func (t *Table) Unbind(ctx context.Context, p mesh.Path, cancel func(*Binding)) bool {
	b := t.RemoveByPath(p)
	if b == nil {
		return false
	}
	if cancel != nil {
		cancel(b)
	}
	t.release(ctx, b)
	return true
}

// Reset tears down every service
func (t *Table) Reset(ctx context.Context, cancel func(*Binding)) int {
	n := 0
	for _, s := range t.Services() {
		n += len(t.Teardown(ctx, s, cancel))
	}
	return n
}

func (t *Table) release(ctx context.Context, b *Binding) {
	if b.sub != nil {
		if err := b.sub.Unsubscribe(); err != nil {
			t.logger.Debug("unsubscribe failed", "path", b.Path, "error", err)
		}
	}
	// waits out an in-flight Update
	b.mu.Lock()
	defer b.mu.Unlock()
	t.withdrawLocked(ctx, b)
}

func (t *Table) withdraw(ctx context.Context, b *Binding) {
	b.mu.Lock()
	defer b.mu.Unlock()
	t.withdrawLocked(ctx, b)
}

func (t *Table) withdrawLocked(ctx context.Context, b *Binding) {
	if b.pub == nil {
		return
	}
	if err := b.pub.Withdraw(ctx); err != nil {
		t.metrics.failed("withdraw")
		t.logger.Warn("withdraw failed", "path", b.Path, "error", err)
	}
	b.pub = nil
}
