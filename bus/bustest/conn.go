package bustest

import (
	"context"
	"sync"
	"time"

	"github.com/godbus/dbus/v5"

	"github.com/c360/dbusbridge/bus"
)

// Conn is one connection to a Bus
type Conn struct {
	bus    *Bus
	unique string

	mu      sync.Mutex
	matches map[bus.MatchRule]int
	closed  bool

	signals   chan *bus.Signal
	queue     chan func()
	done      chan struct{}
	closeOnce sync.Once
}

var _ bus.Conn = (*Conn)(nil)

// UniqueName returns the connection's own unique name
func (c *Conn) UniqueName() string { return c.unique }

func matches(rule bus.MatchRule, s *bus.Signal, owners map[string]string) bool {
	if rule.Sender != "" && rule.Sender != s.Sender && owners[rule.Sender] != s.Sender {
		return false
	}
	if rule.Path != "" && rule.Path != s.Path {
		return false
	}
	if rule.Interface != "" && rule.Interface != s.Interface {
		return false
	}
	if rule.Member != "" && rule.Member != s.Member {
		return false
	}
	if rule.Arg0 != "" {
		if len(s.Body) == 0 {
			return false
		}
		if a, ok := s.Body[0].(string); !ok || a != rule.Arg0 {
			return false
		}
	}
	return true
}

func (c *Conn) deliver(s *bus.Signal, owners map[string]string) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	matched := false
	for rule := range c.matches {
		if matches(rule, s, owners) {
			matched = true
			break
		}
	}
	c.mu.Unlock()
	if !matched {
		return
	}

	body := make([]any, len(s.Body))
	copy(body, s.Body)
	cp := *s
	cp.Body = body

	select {
	case c.signals <- &cp:
	case <-c.done:
	}
}

// AddMatch implements bus.Conn. Rules are reference counted like the daemon does.
func (c *Conn) AddMatch(_ context.Context, rule bus.MatchRule) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return bus.ErrClosed
	}
	c.matches[rule]++
	return nil
}

// RemoveMatch implements bus.Conn
func (c *Conn) RemoveMatch(_ context.Context, rule bus.MatchRule) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return bus.ErrClosed
	}
	n, ok := c.matches[rule]
	if !ok {
		return &bus.RemoteError{Name: "org.freedesktop.DBus.Error.MatchRuleNotFound", Message: "no such match rule"}
	}
	if n <= 1 {
		delete(c.matches, rule)
	} else {
		c.matches[rule] = n - 1
	}
	return nil
}

// Signals implements bus.Conn
func (c *Conn) Signals() <-chan *bus.Signal { return c.signals }

// Done implements bus.Conn
func (c *Conn) Done() <-chan struct{} { return c.done }

// Close implements bus.Conn
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		c.bus.mu.Lock()
		delete(c.bus.conns, c)
		c.bus.mu.Unlock()

		c.mu.Lock()
		c.closed = true
		c.mu.Unlock()
		close(c.done)
	})
	return nil
}

func (c *Conn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Call implements bus.Conn
func (c *Conn) Call(ctx context.Context, target bus.Target, args ...any) ([]any, error) {
	r := <-c.Go(ctx, target, args...)
	return r.Body, r.Err
}

// Go implements bus.Conn. Calls on one connection are handled in the order
// they were issued; a configured delay holds back only the reply.
func (c *Conn) Go(ctx context.Context, target bus.Target, args ...any) <-chan bus.Reply {
	out := make(chan bus.Reply, 1)
	if c.isClosed() {
		out <- bus.Reply{Err: bus.ErrClosed}
		return out
	}

	b := c.bus
	b.mu.Lock()
	b.calls = append(b.calls, target)
	delay := b.delayFor(target)
	b.mu.Unlock()

	job := func() {
		body, sig, err := b.handle(target, args)
		if sig != nil {
			b.emit(sig)
		}
		reply := bus.Reply{Body: body, Err: err}

		if delay <= 0 {
			out <- reply
			return
		}
		go func() {
			timer := time.NewTimer(delay)
			defer timer.Stop()
			select {
			case <-timer.C:
				out <- reply
			case <-ctx.Done():
				out <- bus.Reply{Err: ctx.Err()}
			case <-c.done:
				out <- bus.Reply{Err: bus.ErrClosed}
			}
		}()
	}

	select {
	case c.queue <- job:
	case <-c.done:
		out <- bus.Reply{Err: bus.ErrClosed}
	}
	return out
}

func (c *Conn) serve() {
	for {
		select {
		case <-c.done:
			return
		case job := <-c.queue:
			job()
		}
	}
}

func (b *Bus) lookupKeyed(m map[string]error, t bus.Target) (error, bool) {
	for _, key := range []string{
		targetKey(t),
		targetKey(bus.Target{Path: t.Path, Interface: t.Interface, Member: t.Member}),
		targetKey(bus.Target{Service: t.Service, Interface: t.Interface, Member: t.Member}),
		targetKey(bus.Target{Interface: t.Interface, Member: t.Member}),
	} {
		if err, ok := m[key]; ok {
			return err, true
		}
	}
	return nil, false
}

func (b *Bus) delayFor(t bus.Target) time.Duration {
	for _, key := range []string{
		targetKey(t),
		targetKey(bus.Target{Path: t.Path, Interface: t.Interface, Member: t.Member}),
		targetKey(bus.Target{Service: t.Service, Interface: t.Interface, Member: t.Member}),
		targetKey(bus.Target{Interface: t.Interface, Member: t.Member}),
	} {
		if d, ok := b.delays[key]; ok {
			return d
		}
	}
	return 0
}

func remote(name, msg string) error {
	return &bus.RemoteError{Name: name, Message: msg}
}

// handle computes a reply and any signal the call causes. mu is released
// before a MethodFunc runs so handlers may use the Bus.
func (b *Bus) handle(t bus.Target, args []any) ([]any, *bus.Signal, error) {
	b.mu.Lock()

	if err, ok := b.lookupKeyed(b.failures, t); ok {
		b.mu.Unlock()
		return nil, nil, err
	}

	if t.Service == bus.DaemonName {
		defer b.mu.Unlock()
		return b.handleDaemon(t, args)
	}

	svc := b.resolve(t.Service)
	if svc == nil {
		b.mu.Unlock()
		return nil, nil, remote(bus.ErrorServiceUnknown, "The name "+t.Service+" was not provided by any .service files")
	}

	switch t.Interface {
	case bus.IntrospectableInterface:
		defer b.mu.Unlock()
		if t.Member != "Introspect" {
			return nil, nil, remote(bus.ErrorUnknownMethod, t.Member)
		}
		doc, err := b.introspect(svc, t.Path)
		if err != nil {
			return nil, nil, err
		}
		return []any{doc}, nil, nil

	case bus.PropertiesInterface:
		body, sig, err := b.handleProperties(svc, t, args)
		b.mu.Unlock()
		return body, sig, err
	}

	obj, ok := svc.objects[t.Path]
	if !ok {
		b.mu.Unlock()
		return nil, nil, remote(bus.ErrorUnknownObject, string(t.Path))
	}
	var fn MethodFunc
	for _, i := range obj.ifaces {
		if i.spec.Name == t.Interface {
			fn = i.methods[t.Member]
		}
	}
	b.mu.Unlock()

	if fn == nil {
		return nil, nil, remote(bus.ErrorUnknownMethod, t.Method())
	}
	body, err := fn(args)
	return body, nil, err
}

func (b *Bus) handleDaemon(t bus.Target, args []any) ([]any, *bus.Signal, error) {
	switch t.Member {
	case "ListNames":
		return []any{b.listNames()}, nil, nil
	case "GetNameOwner":
		if len(args) != 1 {
			return nil, nil, remote(bus.ErrorInvalidArgs, "GetNameOwner takes one name")
		}
		name, _ := args[0].(string)
		if bus.IsUniqueName(name) {
			for _, owner := range b.owners {
				if owner == name {
					return []any{name}, nil, nil
				}
			}
			return nil, nil, remote(bus.ErrorNameHasNoOwner, name)
		}
		owner, ok := b.owners[name]
		if !ok {
			return nil, nil, remote(bus.ErrorNameHasNoOwner, "Could not get owner of name '"+name+"'")
		}
		return []any{owner}, nil, nil
	}
	return nil, nil, remote(bus.ErrorUnknownMethod, t.Method())
}

func (b *Bus) handleProperties(svc *Service, t bus.Target, args []any) ([]any, *bus.Signal, error) {
	if len(args) == 0 {
		return nil, nil, remote(bus.ErrorInvalidArgs, "missing interface")
	}
	ifaceName, _ := args[0].(string)

	var iface *Interface
	if obj, ok := svc.objects[t.Path]; ok {
		for _, i := range obj.ifaces {
			if i.spec.Name == ifaceName {
				iface = i
			}
		}
	}
	if iface == nil {
		return nil, nil, remote(bus.ErrorUnknownInterface, ifaceName)
	}

	switch t.Member {
	case "GetAll":
		out := make(map[string]dbus.Variant)
		for _, p := range iface.spec.Properties {
			if p.Access == "write" {
				continue
			}
			out[p.Name] = dbus.MakeVariantWithSignature(iface.props[p.Name], dbus.ParseSignatureMust(p.Type))
		}
		return []any{out}, nil, nil

	case "Get":
		if len(args) != 2 {
			return nil, nil, remote(bus.ErrorInvalidArgs, "Get takes interface and name")
		}
		name, _ := args[1].(string)
		p, ok := iface.property(name)
		if !ok {
			return nil, nil, remote(bus.ErrorUnknownProperty, name)
		}
		if p.Access == "write" {
			return nil, nil, remote(bus.ErrorFailed, name+" is write-only")
		}
		return []any{dbus.MakeVariantWithSignature(iface.props[name], dbus.ParseSignatureMust(p.Type))}, nil, nil

	case "Set":
		if len(args) != 3 {
			return nil, nil, remote(bus.ErrorInvalidArgs, "Set takes interface, name and value")
		}
		name, _ := args[1].(string)
		p, ok := iface.property(name)
		if !ok {
			return nil, nil, remote(bus.ErrorUnknownProperty, name)
		}
		if p.Access == "read" {
			return nil, nil, remote(bus.ErrorPropertyReadOnly, name)
		}
		v, ok := args[2].(dbus.Variant)
		if !ok {
			return nil, nil, remote(bus.ErrorInvalidArgs, "value must be a variant")
		}
		if v.Signature().String() != p.Type {
			return nil, nil, remote(bus.ErrorInvalidArgs, "wrong type "+v.Signature().String()+" for "+name)
		}
		return nil, b.setLocked(iface, name, v.Value()), nil
	}

	return nil, nil, remote(bus.ErrorUnknownMethod, t.Method())
}
