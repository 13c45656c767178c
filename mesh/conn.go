// Package mesh defines the pub/sub mesh boundary: the value model, the wire
// format and the connection contract, plus the NATS implementation.
package mesh

import (
	"context"
	"errors"
	"strings"
)

// Path is a mesh namespace path: segments joined by '/'. Segments are
// escaped by the namespace package and never contain '/' themselves.
type Path string

// Join builds a path from already-escaped segments
func Join(segments ...string) Path {
	return Path(strings.Join(segments, "/"))
}

// Segments splits p into its segments
func (p Path) Segments() []string {
	if p == "" {
		return nil
	}
	return strings.Split(string(p), "/")
}

// Child returns p extended by one segment
func (p Path) Child(segment string) Path {
	if p == "" {
		return Path(segment)
	}
	return Path(string(p) + "/" + segment)
}

// Under reports whether p is root itself or lies below root
func (p Path) Under(root Path) bool {
	if root == "" {
		return true
	}
	return p == root || strings.HasPrefix(string(p), string(root)+"/")
}

// String returns the path as a string
func (p Path) String() string { return string(p) }

// Publication is a live mesh value owned by the gateway
type Publication interface {
	Path() Path
	Update(ctx context.Context, v Value) error
	Withdraw(ctx context.Context) error
}

// Subscription is a registered write handler
type Subscription interface {
	Unsubscribe() error
}

// Write is a mesh client's write or call against a published path. RequestID
// is empty when the client does not expect a reply.
type Write struct {
	RequestID string
	Path      Path
	Args      []Value
}

// WriteHandler receives writes for one path. Calls for a path are delivered
// in order on a single goroutine, so a handler that blocks delays later writes.
type WriteHandler func(Write)

// Conn is the gateway's view of the mesh
type Conn interface {
	// Publish makes v visible at path and returns the handle for later updates.
	Publish(ctx context.Context, path Path, v Value) (Publication, error)
	// Subscribe routes client writes at path to h.
	Subscribe(ctx context.Context, path Path, h WriteHandler) (Subscription, error)
	// Respond answers a write carrying a RequestID. err takes precedence over result.
	Respond(ctx context.Context, requestID string, result Value, err error) error
	// Purge removes every value at or below root.
	Purge(ctx context.Context, root Path) error
	// Ready blocks until the mesh can accept publications.
	Ready(ctx context.Context) error
	// Lost is closed when the connection backing the current session is lost.
	// Ready re-arms it.
	Lost() <-chan struct{}
}

// ErrorKindInternal is reported to mesh clients for errors that carry no kind
const ErrorKindInternal = "Internal"

// WireError is the error shape returned to mesh clients
type WireError struct {
	Kind    string `json:"kind"`
	Name    string `json:"name,omitempty"`
	Message string `json:"message"`
}

func (e *WireError) Error() string {
	if e.Name != "" {
		return e.Kind + ": " + e.Name + ": " + e.Message
	}
	return e.Kind + ": " + e.Message
}

// WireErrorer is implemented by errors that know their client-facing shape
type WireErrorer interface {
	WireError() *WireError
}

// ToWireError converts err into the client-facing error shape
func ToWireError(err error) *WireError {
	if err == nil {
		return nil
	}
	var we WireErrorer
	if errors.As(err, &we) {
		return we.WireError()
	}
	var direct *WireError
	if errors.As(err, &direct) {
		return direct
	}
	return &WireError{Kind: ErrorKindInternal, Message: err.Error()}
}
