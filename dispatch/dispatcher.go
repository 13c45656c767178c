// Package dispatch turns mesh writes into bus calls. Method calls and
// property sets are sent asynchronously, tracked as pending calls and
// answered when the reply arrives, the call times out or its binding goes
// away.
package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/godbus/dbus/v5"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/c360/dbusbridge/binding"
	"github.com/c360/dbusbridge/bus"
	"github.com/c360/dbusbridge/codec"
	"github.com/c360/dbusbridge/introspection"
	"github.com/c360/dbusbridge/mesh"
)

// DefaultCallTimeout bounds a bus call unless configured otherwise
const DefaultCallTimeout = 30 * time.Second

// Lookup resolves mesh paths to bindings. *binding.Table implements it.
type Lookup interface {
	Lookup(p mesh.Path) *binding.Binding
}

// Config holds dispatcher settings
type Config struct {
	CallTimeout time.Duration

	// OnPropertySet runs after a successful property write
	OnPropertySet func(*binding.Binding)
}

type result struct {
	value mesh.Value
	err   error
}

// PendingCall is a bus call awaiting its reply
type PendingCall struct {
	ID        uuid.UUID
	RequestID string
	Path      mesh.Path
	Binding   *binding.Binding
	Submitted time.Time

	outTypes []codec.Type
	property bool
	span     trace.Span
	cancel   context.CancelFunc
	done     chan result
}

// Dispatcher routes mesh writes to the bus
type Dispatcher struct {
	bus     bus.Conn
	table   Lookup
	mesh    mesh.Conn
	cfg     Config
	logger  *slog.Logger
	metrics *Metrics
	tracer  trace.Tracer

	mu      sync.Mutex
	pending map[uuid.UUID]*PendingCall
	closed  bool
}

// NewDispatcher creates a dispatcher. meshConn is used to answer writes
// received through HandleWrite; metrics may be nil.
func NewDispatcher(busConn bus.Conn, table Lookup, meshConn mesh.Conn, cfg Config, logger *slog.Logger, metrics *Metrics) *Dispatcher {
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = DefaultCallTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		bus:     busConn,
		table:   table,
		mesh:    meshConn,
		cfg:     cfg,
		logger:  logger.With("component", "dispatch"),
		metrics: metrics,
		tracer:  otel.Tracer("github.com/c360/dbusbridge/dispatch"),
		pending: make(map[uuid.UUID]*PendingCall),
	}
}

// Dispatch submits a call and waits for its outcome
func (d *Dispatcher) Dispatch(ctx context.Context, path mesh.Path, args []mesh.Value) (mesh.Value, error) {
	pc, err := d.Submit(ctx, path, "", args)
	if err != nil {
		return mesh.Null(), err
	}
	return d.Await(ctx, pc)
}

// Submit validates a write and sends the bus call before returning, so
// calls submitted in order reach the bus in order.
func (d *Dispatcher) Submit(ctx context.Context, path mesh.Path, requestID string, args []mesh.Value) (*PendingCall, error) {
	b := d.table.Lookup(path)
	if b == nil {
		d.metrics.rejected(KindUnknownPath)
		return nil, &DispatchError{Kind: KindUnknownPath, Path: path, Message: "nothing is bound at " + string(path)}
	}
	return d.submit(ctx, b, requestID, args)
}

func (d *Dispatcher) submit(ctx context.Context, b *binding.Binding, requestID string, args []mesh.Value) (*PendingCall, error) {
	path := b.Path
	target, busArgs, derr := d.prepare(b, args)
	if derr != nil {
		d.metrics.rejected(derr.Kind)
		return nil, derr
	}

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil, &DispatchError{Kind: KindCancelled, Path: path, Message: "dispatcher closed"}
	}
	// Teardown closes the binding before CancelBinding takes d.mu
	if b.Closed() {
		d.mu.Unlock()
		d.metrics.rejected(KindCancelled)
		return nil, &DispatchError{Kind: KindCancelled, Path: path, Message: "binding torn down"}
	}
	callCtx, cancel := context.WithTimeout(ctx, d.cfg.CallTimeout)
	_, span := d.tracer.Start(ctx, "dispatch "+b.Kind().String(), trace.WithAttributes(
		attribute.String("mesh.path", string(path)),
		attribute.String("bus.service", target.Service),
		attribute.String("bus.object", string(target.Path)),
		attribute.String("bus.method", target.Method()),
	))
	pc := &PendingCall{
		ID:        uuid.New(),
		RequestID: requestID,
		Path:      path,
		Binding:   b,
		Submitted: time.Now(),
		outTypes:  b.Member.OutTypes(),
		property:  b.Kind() == introspection.KindWritableProperty,
		span:      span,
		cancel:    cancel,
		done:      make(chan result, 1),
	}
	d.pending[pc.ID] = pc
	d.metrics.setPending(len(d.pending))
	d.mu.Unlock()

	replies := d.bus.Go(callCtx, target, busArgs...)
	go d.collect(pc, replies)
	return pc, nil
}

func (d *Dispatcher) prepare(b *binding.Binding, args []mesh.Value) (bus.Target, []any, *DispatchError) {
	service := b.Owner
	if service == "" {
		service = b.Key.Service
	}
	target := bus.Target{Service: service, Path: b.Key.Object, Interface: b.Key.Interface, Member: b.Key.Member}

	switch b.Kind() {
	case introspection.KindMethod:
		busArgs, err := codec.ToBusArgs(b.Member.InTypes(), args)
		if err != nil {
			return target, nil, newError(KindInvalidArguments, b.Path, err)
		}
		return target, busArgs, nil

	case introspection.KindWritableProperty:
		if len(args) != 1 {
			return target, nil, &DispatchError{Kind: KindInvalidArguments, Path: b.Path,
				Message: fmt.Sprintf("property write takes 1 value, got %d", len(args))}
		}
		v, err := codec.ToBus(b.Member.Type, args[0])
		if err != nil {
			return target, nil, newError(KindInvalidArguments, b.Path, err)
		}
		sig, err := dbus.ParseSignature(b.Member.Type.String())
		if err != nil {
			return target, nil, newError(KindInvalidArguments, b.Path, err)
		}
		set := bus.SetPropertyTarget(service, b.Key.Object)
		return set, []any{b.Key.Interface, b.Key.Member, dbus.MakeVariantWithSignature(v, sig)}, nil

	case introspection.KindReadableProperty, introspection.KindSignal:
		return target, nil, &DispatchError{Kind: KindNotWritable, Path: b.Path,
			Message: b.Kind().String() + " " + b.Key.Member + " cannot be written"}

	default:
		return target, nil, &DispatchError{Kind: KindNotWritable, Path: b.Path, Message: "unknown member kind"}
	}
}

func (d *Dispatcher) collect(pc *PendingCall, replies <-chan bus.Reply) {
	r := <-replies

	var res result
	switch {
	case r.Err != nil:
		res.err = classify(pc.Path, r.Err)
	case pc.property:
		res.value = mesh.Null()
	default:
		v, err := codec.ToMeshArgs(pc.outTypes, r.Body)
		if err != nil {
			res.err = &DispatchError{Kind: KindRemote, Path: pc.Path, Message: "malformed reply: " + err.Error(), Err: err}
		} else {
			res.value = v
		}
	}

	if !d.finish(pc.ID, res) {
		d.metrics.lateReply()
		d.logger.Debug("discarded late reply", "path", pc.Path, "call", pc.ID)
		return
	}
	if res.err == nil && pc.property && d.cfg.OnPropertySet != nil && !pc.Binding.Closed() {
		d.cfg.OnPropertySet(pc.Binding)
	}
}

// finish resolves a pending call once. It reports false when the call was
// already resolved.
func (d *Dispatcher) finish(id uuid.UUID, res result) bool {
	d.mu.Lock()
	pc, ok := d.pending[id]
	if ok {
		delete(d.pending, id)
		d.metrics.setPending(len(d.pending))
	}
	d.mu.Unlock()
	if !ok {
		return false
	}

	pc.cancel()
	if res.err != nil {
		pc.span.RecordError(res.err)
		pc.span.SetStatus(codes.Error, res.err.Error())
	}
	pc.span.End()
	d.metrics.completed(pc.Binding.Kind(), res.err, time.Since(pc.Submitted))
	pc.done <- res
	return true
}

// Await waits for pc's reply, its timeout or ctx
func (d *Dispatcher) Await(ctx context.Context, pc *PendingCall) (mesh.Value, error) {
	timer := time.NewTimer(time.Until(pc.Submitted.Add(d.cfg.CallTimeout)))
	defer timer.Stop()

	select {
	case res := <-pc.done:
		return res.value, res.err
	case <-timer.C:
		d.finish(pc.ID, result{err: &DispatchError{Kind: KindTimeout, Path: pc.Path,
			Message: fmt.Sprintf("no reply within %s", d.cfg.CallTimeout)}})
	case <-ctx.Done():
		d.finish(pc.ID, result{err: newError(KindCancelled, pc.Path, ctx.Err())})
	}
	res := <-pc.done
	return res.value, res.err
}

// Pending returns the number of calls awaiting a reply
func (d *Dispatcher) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pending)
}

// CancelBinding resolves every pending call on path as cancelled
func (d *Dispatcher) CancelBinding(path mesh.Path) int {
	return d.cancelWhere(func(pc *PendingCall) bool { return pc.Path == path })
}

// CancelAll resolves every pending call as cancelled
func (d *Dispatcher) CancelAll() int {
	return d.cancelWhere(func(*PendingCall) bool { return true })
}

// Close cancels everything and rejects later submissions
func (d *Dispatcher) Close() {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()
	d.CancelAll()
}

func (d *Dispatcher) cancelWhere(match func(*PendingCall) bool) int {
	d.mu.Lock()
	var ids []uuid.UUID
	for id, pc := range d.pending {
		if match(pc) {
			ids = append(ids, id)
		}
	}
	paths := make(map[uuid.UUID]mesh.Path, len(ids))
	for _, id := range ids {
		paths[id] = d.pending[id].Path
	}
	d.mu.Unlock()

	n := 0
	for _, id := range ids {
		if d.finish(id, result{err: &DispatchError{Kind: KindCancelled, Path: paths[id], Message: "binding removed"}}) {
			n++
		}
	}
	return n
}

// HandleWrite is the mesh write handler for bound paths. The call is
// submitted on the delivering goroutine and answered from another.
func (d *Dispatcher) HandleWrite(w mesh.Write) {
	ctx := context.Background()
	pc, err := d.Submit(ctx, w.Path, w.RequestID, w.Args)
	if err != nil {
		d.respond(ctx, w, mesh.Null(), err)
		return
	}
	go func() {
		v, err := d.Await(ctx, pc)
		d.respond(ctx, w, v, err)
	}()
}

func (d *Dispatcher) respond(ctx context.Context, w mesh.Write, v mesh.Value, err error) {
	if w.RequestID == "" {
		if err != nil {
			d.logger.Debug("write failed", "path", w.Path, "error", err)
		}
		return
	}
	if rerr := d.mesh.Respond(ctx, w.RequestID, v, err); rerr != nil {
		d.logger.Warn("respond failed", "path", w.Path, "error", rerr)
	}
}

// Read fetches the current value of a readable property
func (d *Dispatcher) Read(ctx context.Context, b *binding.Binding) (mesh.Value, error) {
	if !b.Member.Readable() {
		return mesh.Null(), &DispatchError{Kind: KindNotWritable, Path: b.Path, Message: b.Key.Member + " is not readable"}
	}
	if b.Closed() {
		return mesh.Null(), &DispatchError{Kind: KindCancelled, Path: b.Path, Message: "binding torn down"}
	}
	service := b.Owner
	if service == "" {
		service = b.Key.Service
	}

	ctx, cancel := context.WithTimeout(ctx, d.cfg.CallTimeout)
	defer cancel()
	body, err := d.bus.Call(ctx, bus.GetPropertyTarget(service, b.Key.Object), b.Key.Interface, b.Key.Member)
	d.metrics.read(err)
	if err != nil {
		return mesh.Null(), classify(b.Path, err)
	}
	raw, err := bus.VariantValue(body)
	if err != nil {
		return mesh.Null(), &DispatchError{Kind: KindRemote, Path: b.Path, Message: err.Error(), Err: err}
	}
	v, err := codec.ToMesh(b.Member.Type, raw)
	if err != nil {
		return mesh.Null(), err
	}
	return v, nil
}
