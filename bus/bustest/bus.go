// Package bustest provides an in-memory bus for tests. A Bus holds services
// and their objects; Dial opens connections to it that implement bus.Conn.
package bustest

import (
	"context"
	"encoding/xml"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/godbus/dbus/v5"
	"github.com/godbus/dbus/v5/introspect"

	"github.com/c360/dbusbridge/bus"
)

// EmitsChangedSignal is the standard property annotation
const EmitsChangedSignal = "org.freedesktop.DBus.Property.EmitsChangedSignal"

// MethodFunc implements a method. Returned errors should be *bus.RemoteError.
type MethodFunc func(args []any) ([]any, error)

// Bus is the shared state behind every connection
type Bus struct {
	mu        sync.Mutex
	services  map[string]*Service
	owners    map[string]string
	conns     map[*Conn]struct{}
	nextID    int
	calls     []bus.Target
	failures  map[string]error
	delays    map[string]time.Duration
	dialErr   error
	dials     int
	overrides map[string]string
}

// New returns an empty bus
func New() *Bus {
	return &Bus{
		services:  make(map[string]*Service),
		owners:    make(map[string]string),
		conns:     make(map[*Conn]struct{}),
		failures:  make(map[string]error),
		delays:    make(map[string]time.Duration),
		overrides: make(map[string]string),
	}
}

func (b *Bus) uniqueName() string {
	b.nextID++
	return fmt.Sprintf(":1.%d", b.nextID)
}

// Service is a named service and its object tree
type Service struct {
	bus     *Bus
	name    string
	objects map[dbus.ObjectPath]*Object
}

// Object is one exported object
type Object struct {
	svc    *Service
	path   dbus.ObjectPath
	ifaces []*Interface
}

// Interface is one interface on an object
type Interface struct {
	obj     *Object
	spec    introspect.Interface
	props   map[string]any
	methods map[string]MethodFunc
}

// ArgSpec describes a method or signal argument
type ArgSpec struct {
	Name      string
	Type      string
	Direction string
}

// In is a method input argument
func In(name, typ string) ArgSpec { return ArgSpec{Name: name, Type: typ, Direction: "in"} }

// Out is a method output argument
func Out(name, typ string) ArgSpec { return ArgSpec{Name: name, Type: typ, Direction: "out"} }

// Arg is a signal argument
func Arg(name, typ string) ArgSpec { return ArgSpec{Name: name, Type: typ} }

func toIntrospect(args []ArgSpec) []introspect.Arg {
	out := make([]introspect.Arg, len(args))
	for i, a := range args {
		out[i] = introspect.Arg{Name: a.Name, Type: a.Type, Direction: a.Direction}
	}
	return out
}

// NewService creates a service. It is not on the bus until Own.
func (b *Bus) NewService(name string) *Service {
	b.mu.Lock()
	defer b.mu.Unlock()
	s := &Service{bus: b, name: name, objects: make(map[dbus.ObjectPath]*Object)}
	b.services[name] = s
	return s
}

// Name returns the well-known name
func (s *Service) Name() string { return s.name }

// Object returns the object at path, creating it if needed
func (s *Service) Object(path dbus.ObjectPath) *Object {
	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()
	if o, ok := s.objects[path]; ok {
		return o
	}
	o := &Object{svc: s, path: path}
	s.objects[path] = o
	return o
}

// Interface returns the named interface, creating it if needed
func (o *Object) Interface(name string) *Interface {
	o.svc.bus.mu.Lock()
	defer o.svc.bus.mu.Unlock()
	for _, i := range o.ifaces {
		if i.spec.Name == name {
			return i
		}
	}
	i := &Interface{
		obj:     o,
		spec:    introspect.Interface{Name: name},
		props:   make(map[string]any),
		methods: make(map[string]MethodFunc),
	}
	o.ifaces = append(o.ifaces, i)
	return i
}

// Annotate adds an interface-level annotation
func (i *Interface) Annotate(name, value string) *Interface {
	i.obj.svc.bus.mu.Lock()
	defer i.obj.svc.bus.mu.Unlock()
	i.spec.Annotations = append(i.spec.Annotations, introspect.Annotation{Name: name, Value: value})
	return i
}

// Method adds a method
func (i *Interface) Method(name string, fn MethodFunc, args ...ArgSpec) *Interface {
	i.obj.svc.bus.mu.Lock()
	defer i.obj.svc.bus.mu.Unlock()
	i.spec.Methods = append(i.spec.Methods, introspect.Method{Name: name, Args: toIntrospect(args)})
	i.methods[name] = fn
	return i
}

// Signal adds a signal
func (i *Interface) Signal(name string, args ...ArgSpec) *Interface {
	i.obj.svc.bus.mu.Lock()
	defer i.obj.svc.bus.mu.Unlock()
	i.spec.Signals = append(i.spec.Signals, introspect.Signal{Name: name, Args: toIntrospect(args)})
	return i
}

// Property adds a property with access "read", "write" or "readwrite".
// Annotations are name, value pairs.
func (i *Interface) Property(name, typ, access string, value any, annotations ...string) *Interface {
	i.obj.svc.bus.mu.Lock()
	defer i.obj.svc.bus.mu.Unlock()
	p := introspect.Property{Name: name, Type: typ, Access: access}
	for k := 0; k+1 < len(annotations); k += 2 {
		p.Annotations = append(p.Annotations, introspect.Annotation{Name: annotations[k], Value: annotations[k+1]})
	}
	i.spec.Properties = append(i.spec.Properties, p)
	i.props[name] = value
	return i
}

func (i *Interface) property(name string) (introspect.Property, bool) {
	for _, p := range i.spec.Properties {
		if p.Name == name {
			return p, true
		}
	}
	return introspect.Property{}, false
}

// emitsChanged resolves the effective EmitsChangedSignal annotation
func (i *Interface) emitsChanged(p introspect.Property) string {
	for _, a := range p.Annotations {
		if a.Name == EmitsChangedSignal {
			return a.Value
		}
	}
	for _, a := range i.spec.Annotations {
		if a.Name == EmitsChangedSignal {
			return a.Value
		}
	}
	return "true"
}

// Own puts the service on the bus under a fresh unique name
func (b *Bus) Own(name string) string {
	b.mu.Lock()
	if _, ok := b.services[name]; !ok {
		b.mu.Unlock()
		panic("bustest: unknown service " + name)
	}
	old := b.owners[name]
	unique := b.uniqueName()
	b.owners[name] = unique
	b.mu.Unlock()

	b.emit(&bus.Signal{
		Sender: bus.DaemonName, Path: bus.DaemonPath, Interface: bus.DaemonInterface,
		Member: bus.NameOwnerChanged, Body: []any{unique, "", unique},
	})
	b.emit(&bus.Signal{
		Sender: bus.DaemonName, Path: bus.DaemonPath, Interface: bus.DaemonInterface,
		Member: bus.NameOwnerChanged, Body: []any{name, old, unique},
	})
	return unique
}

// Release drops the service's name from the bus
func (b *Bus) Release(name string) {
	b.mu.Lock()
	old, ok := b.owners[name]
	delete(b.owners, name)
	b.mu.Unlock()
	if !ok {
		return
	}

	b.emit(&bus.Signal{
		Sender: bus.DaemonName, Path: bus.DaemonPath, Interface: bus.DaemonInterface,
		Member: bus.NameOwnerChanged, Body: []any{name, old, ""},
	})
	b.emit(&bus.Signal{
		Sender: bus.DaemonName, Path: bus.DaemonPath, Interface: bus.DaemonInterface,
		Member: bus.NameOwnerChanged, Body: []any{old, old, ""},
	})
}

// Owner returns the unique name owning name
func (b *Bus) Owner(name string) string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.owners[name]
}

// Emit sends a signal from the service's current owner
func (b *Bus) Emit(service string, path dbus.ObjectPath, iface, member string, body ...any) {
	b.emit(&bus.Signal{Sender: b.Owner(service), Path: path, Interface: iface, Member: member, Body: body})
}

// SetProperty changes a property from the service side and emits
// PropertiesChanged as its annotation demands.
func (b *Bus) SetProperty(service string, path dbus.ObjectPath, iface, name string, value any) {
	b.mu.Lock()
	i := b.lookupInterface(service, path, iface)
	if i == nil {
		b.mu.Unlock()
		panic(fmt.Sprintf("bustest: no interface %s at %s on %s", iface, path, service))
	}
	sig := b.setLocked(i, name, value)
	b.mu.Unlock()

	if sig != nil {
		b.emit(sig)
	}
}

// setLocked stores value and returns the change notification to emit, if any
func (b *Bus) setLocked(i *Interface, name string, value any) *bus.Signal {
	i.props[name] = value
	p, _ := i.property(name)

	var changed map[string]dbus.Variant
	var invalidated []string
	switch i.emitsChanged(p) {
	case "true":
		changed = map[string]dbus.Variant{name: dbus.MakeVariantWithSignature(value, dbus.ParseSignatureMust(p.Type))}
		invalidated = []string{}
	case "invalidates":
		changed = map[string]dbus.Variant{}
		invalidated = []string{name}
	default:
		return nil
	}
	return &bus.Signal{
		Sender:    b.owners[i.obj.svc.name],
		Path:      i.obj.path,
		Interface: bus.PropertiesInterface,
		Member:    bus.PropertiesChanged,
		Body:      []any{i.spec.Name, changed, invalidated},
	}
}

// Property returns a property's current value
func (b *Bus) Property(service string, path dbus.ObjectPath, iface, name string) any {
	b.mu.Lock()
	defer b.mu.Unlock()
	if i := b.lookupInterface(service, path, iface); i != nil {
		return i.props[name]
	}
	return nil
}

func (b *Bus) lookupInterface(service string, path dbus.ObjectPath, iface string) *Interface {
	s, ok := b.services[service]
	if !ok {
		return nil
	}
	o, ok := s.objects[path]
	if !ok {
		return nil
	}
	for _, i := range o.ifaces {
		if i.spec.Name == iface {
			return i
		}
	}
	return nil
}

func targetKey(t bus.Target) string {
	return t.Service + "|" + string(t.Path) + "|" + t.Method()
}

// Fail makes calls to target return err until cleared with nil. An empty
// Service or Path in target matches any.
func (b *Bus) Fail(target bus.Target, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err == nil {
		delete(b.failures, targetKey(target))
		return
	}
	b.failures[targetKey(target)] = err
}

// Delay holds replies to target for d
func (b *Bus) Delay(target bus.Target, d time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.delays[targetKey(target)] = d
}

// OverrideIntrospection replaces the XML returned for an object
func (b *Bus) OverrideIntrospection(service string, path dbus.ObjectPath, xmlDoc string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.overrides[service+"|"+string(path)] = xmlDoc
}

// FailDial makes Dial return err until cleared with nil
func (b *Bus) FailDial(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.dialErr = err
}

// Dials returns how many connections were opened
func (b *Bus) Dials() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dials
}

// Targets returns every call made to member, in order
func (b *Bus) Targets(member string) []bus.Target {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []bus.Target
	for _, c := range b.calls {
		if c.Member == member {
			out = append(out, c)
		}
	}
	return out
}

// Calls returns how many calls reached member, across all connections
func (b *Bus) Calls(member string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, c := range b.calls {
		if c.Member == member {
			n++
		}
	}
	return n
}

// Matches returns the number of active match rules across open connections
func (b *Bus) Matches() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for c := range b.conns {
		c.mu.Lock()
		for _, count := range c.matches {
			n += count
		}
		c.mu.Unlock()
	}
	return n
}

// Disconnect drops every open connection
func (b *Bus) Disconnect() {
	b.mu.Lock()
	conns := make([]*Conn, 0, len(b.conns))
	for c := range b.conns {
		conns = append(conns, c)
	}
	b.mu.Unlock()

	for _, c := range conns {
		_ = c.Close()
	}
}

func (b *Bus) emit(s *bus.Signal) {
	b.mu.Lock()
	conns := make([]*Conn, 0, len(b.conns))
	for c := range b.conns {
		conns = append(conns, c)
	}
	owners := make(map[string]string, len(b.owners))
	for k, v := range b.owners {
		owners[k] = v
	}
	b.mu.Unlock()

	for _, c := range conns {
		c.deliver(s, owners)
	}
}

func (b *Bus) resolve(name string) *Service {
	if name == "" {
		return nil
	}
	if bus.IsUniqueName(name) {
		for wk, owner := range b.owners {
			if owner == name {
				return b.services[wk]
			}
		}
		return nil
	}
	if _, ok := b.owners[name]; !ok {
		return nil
	}
	return b.services[name]
}

func (b *Bus) listNames() []string {
	names := []string{bus.DaemonName}
	for wk, owner := range b.owners {
		names = append(names, wk, owner)
	}
	for c := range b.conns {
		names = append(names, c.unique)
	}
	sort.Strings(names)
	return names
}

// introspect renders an object's XML, listing direct children derived from
// the service's other object paths
func (b *Bus) introspect(s *Service, path dbus.ObjectPath) (string, error) {
	if doc, ok := b.overrides[s.name+"|"+string(path)]; ok {
		return doc, nil
	}

	node := introspect.Node{}
	obj, exists := s.objects[path]
	if exists {
		node.Interfaces = append(node.Interfaces, introspect.IntrospectData)
		node.Interfaces = append(node.Interfaces, introspect.Interface{Name: bus.PropertiesInterface})
		for _, i := range obj.ifaces {
			node.Interfaces = append(node.Interfaces, i.spec)
		}
	}

	prefix := string(path)
	if prefix != "/" {
		prefix += "/"
	}
	children := map[string]bool{}
	for p := range s.objects {
		sp := string(p)
		if sp == string(path) || !strings.HasPrefix(sp, prefix) {
			continue
		}
		child := strings.SplitN(strings.TrimPrefix(sp, prefix), "/", 2)[0]
		children[child] = true
	}
	if !exists && len(children) == 0 {
		return "", &bus.RemoteError{Name: bus.ErrorUnknownObject, Message: "no object at " + string(path)}
	}

	names := make([]string, 0, len(children))
	for c := range children {
		names = append(names, c)
	}
	sort.Strings(names)
	for _, c := range names {
		node.Children = append(node.Children, introspect.Node{Name: c})
	}

	data, err := xml.Marshal(node)
	if err != nil {
		return "", err
	}
	return introspect.IntrospectDeclarationString + string(data), nil
}

// Dial opens a connection to the bus
func (b *Bus) Dial(_ context.Context) (bus.Conn, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.dialErr != nil {
		return nil, b.dialErr
	}
	b.dials++
	c := &Conn{
		bus:     b,
		unique:  b.uniqueName(),
		matches: make(map[bus.MatchRule]int),
		signals: make(chan *bus.Signal, 1024),
		queue:   make(chan func(), 256),
		done:    make(chan struct{}),
	}
	b.conns[c] = struct{}{}
	go c.serve()
	return c, nil
}
