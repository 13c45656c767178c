// Package bus is the gateway's boundary to the local message bus. Conn is
// implemented over godbus by DBusConn and in memory by bustest.
package bus

import (
	"context"

	"github.com/godbus/dbus/v5"
)

// Well-known bus names, paths and interfaces
const (
	DaemonName              = "org.freedesktop.DBus"
	DaemonPath              = dbus.ObjectPath("/org/freedesktop/DBus")
	DaemonInterface         = "org.freedesktop.DBus"
	IntrospectableInterface = "org.freedesktop.DBus.Introspectable"
	PropertiesInterface     = "org.freedesktop.DBus.Properties"
	PeerInterface           = "org.freedesktop.DBus.Peer"

	NameOwnerChanged  = "NameOwnerChanged"
	PropertiesChanged = "PropertiesChanged"
)

// Target addresses one member of one interface on one object
type Target struct {
	Service   string
	Path      dbus.ObjectPath
	Interface string
	Member    string
}

// Method returns the interface-qualified member name godbus expects
func (t Target) Method() string {
	return t.Interface + "." + t.Member
}

func (t Target) String() string {
	return t.Service + ":" + string(t.Path) + ":" + t.Method()
}

// Reply is the outcome of an asynchronous call
type Reply struct {
	Body []any
	Err  error
}

// MatchRule selects signals. Empty fields match anything.
type MatchRule struct {
	Sender    string
	Path      dbus.ObjectPath
	Interface string
	Member    string
	Arg0      string
}

// Signal is a received bus signal
type Signal struct {
	Sender    string
	Path      dbus.ObjectPath
	Interface string
	Member    string
	Body      []any
}

// Conn is the gateway's view of a bus connection
type Conn interface {
	// Call invokes a method and waits for its reply.
	Call(ctx context.Context, target Target, args ...any) ([]any, error)
	// Go sends a method call and returns immediately. The message is on its
	// way to the bus when Go returns, so calls issued in order are sent in
	// order. The channel receives exactly one Reply.
	Go(ctx context.Context, target Target, args ...any) <-chan Reply
	AddMatch(ctx context.Context, rule MatchRule) error
	RemoveMatch(ctx context.Context, rule MatchRule) error
	// Signals delivers matched signals. It is closed when the connection ends.
	Signals() <-chan *Signal
	// Done is closed when the connection is lost or closed.
	Done() <-chan struct{}
	Close() error
}
