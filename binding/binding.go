// Package binding holds the table linking bus members to their mesh
// projections. The table is the only place that publishes, updates or
// withdraws mesh values and the only place that subscribes to mesh writes.
package binding

import (
	"sync"
	"sync/atomic"

	"github.com/c360/dbusbridge/introspection"
	"github.com/c360/dbusbridge/mesh"
	"github.com/c360/dbusbridge/namespace"
)

// Spec describes a binding to create
type Spec struct {
	Path       mesh.Path
	Key        namespace.Key
	Owner      string // unique bus name of the service at bind time
	Member     introspection.Member
	Initial    mesh.Value
	Generation uint64
}

// Binding is one live member projection
type Binding struct {
	Path       mesh.Path
	Key        namespace.Key
	Owner      string
	Member     introspection.Member
	Generation uint64

	// mu serializes mesh updates of this binding
	mu     sync.Mutex
	value  mesh.Value
	pub    mesh.Publication
	sub    mesh.Subscription
	closed atomic.Bool
}

// New builds an unpublished binding from spec
func New(spec Spec) *Binding {
	return &Binding{
		Path:       spec.Path,
		Key:        spec.Key,
		Owner:      spec.Owner,
		Member:     spec.Member,
		Generation: spec.Generation,
		value:      spec.Initial,
	}
}

// Kind returns the bound member's kind
func (b *Binding) Kind() introspection.MemberKind { return b.Member.Kind }

// Service returns the well-known name the binding belongs to
func (b *Binding) Service() string { return b.Key.Service }

// Value returns the last value published
func (b *Binding) Value() mesh.Value {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.value
}

// Closed reports whether the binding has been removed from its table
func (b *Binding) Closed() bool { return b.closed.Load() }

func (b *Binding) String() string { return string(b.Path) }
