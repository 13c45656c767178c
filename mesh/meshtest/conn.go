// Package meshtest provides an in-memory mesh.Conn for tests.
package meshtest

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/c360/dbusbridge/mesh"
)

// Op names a recorded mesh operation
type Op string

// Recorded operations
const (
	OpPublish  Op = "publish"
	OpUpdate   Op = "update"
	OpWithdraw Op = "withdraw"
	OpPurge    Op = "purge"
)

// Event is one recorded operation against the fake
type Event struct {
	Op    Op
	Path  mesh.Path
	Value mesh.Value
}

// Errors returned by the fake
var (
	ErrNotSubscribed     = errors.New("meshtest: no write subscription at path")
	ErrAlreadySubscribed = errors.New("meshtest: path already has a write subscription")
	ErrWithdrawn         = errors.New("meshtest: publication withdrawn")
	ErrUnknownRequest    = errors.New("meshtest: unknown request id")
)

type reply struct {
	value mesh.Value
	err   error
}

// Conn is an in-memory mesh. Writes are delivered to handlers on one
// goroutine per subscription, in submission order.
type Conn struct {
	mu       sync.Mutex
	values   map[mesh.Path]mesh.Value
	subs     map[mesh.Path]*subscription
	pending  map[string]chan reply
	events   []Event
	nextReq  int
	changed  chan struct{}
	lost     chan struct{}
	down     bool
	ready    int
	readyErr error
	pubErr   map[mesh.Path]error
}

// New returns an empty mesh
func New() *Conn {
	return &Conn{
		values:  make(map[mesh.Path]mesh.Value),
		subs:    make(map[mesh.Path]*subscription),
		pending: make(map[string]chan reply),
		changed: make(chan struct{}),
		lost:    make(chan struct{}),
		pubErr:  make(map[mesh.Path]error),
	}
}

// notify wakes WaitFor callers. Must hold mu.
func (c *Conn) notify() {
	close(c.changed)
	c.changed = make(chan struct{})
}

func (c *Conn) record(op Op, path mesh.Path, v mesh.Value) {
	c.events = append(c.events, Event{Op: op, Path: path, Value: v})
	c.notify()
}

// Publish implements mesh.Conn
func (c *Conn) Publish(_ context.Context, path mesh.Path, v mesh.Value) (mesh.Publication, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.pubErr[path]; err != nil {
		return nil, err
	}
	c.values[path] = v
	c.record(OpPublish, path, v)
	return &publication{conn: c, path: path}, nil
}

// Subscribe implements mesh.Conn
func (c *Conn) Subscribe(_ context.Context, path mesh.Path, h mesh.WriteHandler) (mesh.Subscription, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.subs[path]; ok {
		return nil, fmt.Errorf("%w: %s", ErrAlreadySubscribed, path)
	}
	s := &subscription{
		conn:    c,
		path:    path,
		handler: h,
		queue:   make(chan mesh.Write, 64),
		done:    make(chan struct{}),
	}
	c.subs[path] = s
	go s.run()
	c.notify()
	return s, nil
}

// Respond implements mesh.Conn. The error is handed to Call unchanged.
func (c *Conn) Respond(_ context.Context, requestID string, result mesh.Value, err error) error {
	if requestID == "" {
		return nil
	}
	c.mu.Lock()
	ch, ok := c.pending[requestID]
	delete(c.pending, requestID)
	c.mu.Unlock()

	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownRequest, requestID)
	}
	ch <- reply{value: result, err: err}
	return nil
}

// Purge implements mesh.Conn
func (c *Conn) Purge(_ context.Context, root mesh.Path) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	for p := range c.values {
		if p.Under(root) {
			delete(c.values, p)
		}
	}
	c.record(OpPurge, root, mesh.Null())
	return nil
}

// Ready implements mesh.Conn and re-arms Lost after SetLost
func (c *Conn) Ready(_ context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.readyErr != nil {
		return c.readyErr
	}
	if c.down {
		c.lost = make(chan struct{})
		c.down = false
	}
	c.ready++
	c.notify()
	return nil
}

// Lost implements mesh.Conn
func (c *Conn) Lost() <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lost
}

// SetLost simulates a dropped mesh connection
func (c *Conn) SetLost() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.down {
		c.down = true
		close(c.lost)
	}
}

// FailReady makes Ready return err until cleared with nil
func (c *Conn) FailReady(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.readyErr = err
}

// FailPublish makes Publish at path return err until cleared with nil
func (c *Conn) FailPublish(path mesh.Path, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err == nil {
		delete(c.pubErr, path)
		return
	}
	c.pubErr[path] = err
}

// ReadyCount returns how many times Ready succeeded
func (c *Conn) ReadyCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ready
}

// Value returns the value currently published at path
func (c *Conn) Value(path mesh.Path) (mesh.Value, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.values[path]
	return v, ok
}

// Paths returns every published path in sorted order
func (c *Conn) Paths() []mesh.Path {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]mesh.Path, 0, len(c.values))
	for p := range c.values {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Subscribed reports whether path has a write handler
func (c *Conn) Subscribed(path mesh.Path) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.subs[path]
	return ok
}

// Events returns a copy of the recorded operations
func (c *Conn) Events() []Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Event, len(c.events))
	copy(out, c.events)
	return out
}

// Put stores a value as if another publisher wrote it, e.g. a stale key
// left from a previous run.
func (c *Conn) Put(path mesh.Path, v mesh.Value) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.values[path] = v
	c.notify()
}

// Call sends a write with a request id to path and waits for the response.
// The returned error is exactly what the handler passed to Respond.
func (c *Conn) Call(ctx context.Context, path mesh.Path, args ...mesh.Value) (mesh.Value, error) {
	c.mu.Lock()
	s, ok := c.subs[path]
	if !ok {
		c.mu.Unlock()
		return mesh.Value{}, fmt.Errorf("%w: %s", ErrNotSubscribed, path)
	}
	c.nextReq++
	id := fmt.Sprintf("req-%d", c.nextReq)
	ch := make(chan reply, 1)
	c.pending[id] = ch
	c.mu.Unlock()

	if err := s.enqueue(ctx, mesh.Write{RequestID: id, Path: path, Args: args}); err != nil {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return mesh.Value{}, err
	}

	select {
	case r := <-ch:
		return r.value, r.err
	case <-ctx.Done():
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return mesh.Value{}, ctx.Err()
	}
}

// Send delivers a write without a request id
func (c *Conn) Send(ctx context.Context, path mesh.Path, args ...mesh.Value) error {
	c.mu.Lock()
	s, ok := c.subs[path]
	c.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotSubscribed, path)
	}
	return s.enqueue(ctx, mesh.Write{Path: path, Args: args})
}

// WaitFor blocks until cond holds or ctx ends. cond runs with the fake
// unlocked and may call its accessors.
func (c *Conn) WaitFor(ctx context.Context, cond func() bool) error {
	for {
		c.mu.Lock()
		changed := c.changed
		c.mu.Unlock()

		if cond() {
			return nil
		}
		select {
		case <-changed:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// WaitForValue waits until path holds want
func (c *Conn) WaitForValue(ctx context.Context, path mesh.Path, want mesh.Value) error {
	err := c.WaitFor(ctx, func() bool {
		v, ok := c.Value(path)
		return ok && v.Equal(want)
	})
	if err != nil {
		got, ok := c.Value(path)
		return fmt.Errorf("waiting for %s = %s (have %s, present %t): %w", path, want, got, ok, err)
	}
	return nil
}

// WaitForAbsent waits until nothing is published at path
func (c *Conn) WaitForAbsent(ctx context.Context, path mesh.Path) error {
	err := c.WaitFor(ctx, func() bool {
		_, ok := c.Value(path)
		return !ok
	})
	if err != nil {
		return fmt.Errorf("waiting for %s to be withdrawn: %w", path, err)
	}
	return nil
}

type publication struct {
	conn      *Conn
	path      mesh.Path
	withdrawn bool
}

func (p *publication) Path() mesh.Path { return p.path }

func (p *publication) Update(_ context.Context, v mesh.Value) error {
	c := p.conn
	c.mu.Lock()
	defer c.mu.Unlock()
	if p.withdrawn {
		return fmt.Errorf("%w: %s", ErrWithdrawn, p.path)
	}
	c.values[p.path] = v
	c.record(OpUpdate, p.path, v)
	return nil
}

func (p *publication) Withdraw(_ context.Context) error {
	c := p.conn
	c.mu.Lock()
	defer c.mu.Unlock()
	if p.withdrawn {
		return nil
	}
	p.withdrawn = true
	delete(c.values, p.path)
	c.record(OpWithdraw, p.path, mesh.Null())
	return nil
}

type subscription struct {
	conn    *Conn
	path    mesh.Path
	handler mesh.WriteHandler
	queue   chan mesh.Write
	done    chan struct{}
	once    sync.Once
}

func (s *subscription) run() {
	for {
		select {
		case <-s.done:
			return
		case w := <-s.queue:
			s.handler(w)
		}
	}
}

func (s *subscription) enqueue(ctx context.Context, w mesh.Write) error {
	select {
	case s.queue <- w:
		return nil
	case <-s.done:
		return fmt.Errorf("%w: %s", ErrNotSubscribed, s.path)
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *subscription) Unsubscribe() error {
	s.once.Do(func() {
		c := s.conn
		c.mu.Lock()
		if c.subs[s.path] == s {
			delete(c.subs, s.path)
		}
		c.notify()
		c.mu.Unlock()
		close(s.done)
	})
	return nil
}
