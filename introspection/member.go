// Package introspection discovers the shape of bus services. It introspects
// object trees, caches the results and turns the XML into member
// descriptors the rest of the gateway binds to mesh paths.
package introspection

import (
	"fmt"

	"github.com/godbus/dbus/v5"

	"github.com/c360/dbusbridge/codec"
)

// MemberKind is the closed set of bindable member shapes
type MemberKind int

// Member kinds
const (
	KindMethod MemberKind = iota
	KindSignal
	KindReadableProperty
	KindWritableProperty
)

func (k MemberKind) String() string {
	switch k {
	case KindMethod:
		return "method"
	case KindSignal:
		return "signal"
	case KindReadableProperty:
		return "readable_property"
	case KindWritableProperty:
		return "writable_property"
	default:
		return fmt.Sprintf("MemberKind(%d)", int(k))
	}
}

// IsProperty reports whether k is one of the property kinds
func (k MemberKind) IsProperty() bool {
	return k == KindReadableProperty || k == KindWritableProperty
}

// EmitsChanged is the effective value of the EmitsChangedSignal annotation
type EmitsChanged string

// EmitsChangedSignal annotation values
const (
	EmitsTrue        EmitsChanged = "true"
	EmitsInvalidates EmitsChanged = "invalidates"
	EmitsConst       EmitsChanged = "const"
	EmitsFalse       EmitsChanged = "false"
)

// Notifies reports whether the service announces changes with PropertiesChanged
func (e EmitsChanged) Notifies() bool {
	return e == EmitsTrue || e == EmitsInvalidates
}

// Property access values
const (
	AccessRead      = "read"
	AccessWrite     = "write"
	AccessReadWrite = "readwrite"
)

// Arg is a named, typed method or signal argument
type Arg struct {
	Name string
	Type codec.Type
}

// Member describes one method, signal or property. Which fields are set
// depends on Kind: methods use In and Out, signals use In, properties use
// Type, Access and EmitsChanged.
type Member struct {
	Kind MemberKind
	Name string

	In  []Arg
	Out []Arg

	Type         codec.Type
	Access       string
	EmitsChanged EmitsChanged

	// Opaque members have a signature the gateway cannot carry. They are
	// reported but never bound.
	Opaque bool
	Reason string
}

// Readable reports whether a property's value can be read
func (m Member) Readable() bool {
	return m.Kind.IsProperty() && m.Access != AccessWrite
}

// InTypes returns the signatures of the input (or signal) arguments
func (m Member) InTypes() []codec.Type { return argTypes(m.In) }

// OutTypes returns the signatures of the output arguments
func (m Member) OutTypes() []codec.Type { return argTypes(m.Out) }

func argTypes(args []Arg) []codec.Type {
	out := make([]codec.Type, len(args))
	for i, a := range args {
		out[i] = a.Type
	}
	return out
}

// Interface is one interface and its members in declaration order
type Interface struct {
	Name    string
	Members []Member
}

// Object is an introspected object
type Object struct {
	Service    string
	Path       dbus.ObjectPath
	Interfaces []Interface
	Children   []dbus.ObjectPath
}

// Tree is the result of discovering one service
type Tree struct {
	Service  string
	Root     dbus.ObjectPath
	Objects  []*Object
	Warnings []Warning
}

// Warning is a non-fatal discovery problem confined to one subtree
type Warning struct {
	Service string
	Path    dbus.ObjectPath
	Err     error
}

func (w Warning) String() string {
	return fmt.Sprintf("%s%s: %v", w.Service, w.Path, w.Err)
}

// DiscoveryError reports that a service's root object could not be introspected
type DiscoveryError struct {
	Service string
	Path    dbus.ObjectPath
	Err     error
}

func (e *DiscoveryError) Error() string {
	return fmt.Sprintf("discover %s at %s: %v", e.Service, e.Path, e.Err)
}

func (e *DiscoveryError) Unwrap() error { return e.Err }
