package gateway

import (
	"fmt"
	"strings"
	"time"

	"github.com/c360/dbusbridge/dispatch"
	"github.com/c360/dbusbridge/errors"
	"github.com/c360/dbusbridge/forward"
	"github.com/c360/dbusbridge/introspection"
	"github.com/c360/dbusbridge/mesh"
	"github.com/c360/dbusbridge/namespace"
	"github.com/c360/dbusbridge/pkg/retry"
	"github.com/c360/dbusbridge/watcher"
)

// SessionStatus is the state of the gateway's bus session
type SessionStatus int

// Session states. Bindings exist only while Connected.
const (
	StatusDisconnected SessionStatus = iota
	StatusConnecting
	StatusConnected
)

// String returns the string representation of SessionStatus
func (s SessionStatus) String() string {
	switch s {
	case StatusDisconnected:
		return "disconnected"
	case StatusConnecting:
		return "connecting"
	case StatusConnected:
		return "connected"
	default:
		return "unknown"
	}
}

// CanTransition reports whether the session may move from s to next.
// Connected is only reachable through Connecting.
func (s SessionStatus) CanTransition(next SessionStatus) bool {
	switch s {
	case StatusDisconnected:
		return next == StatusConnecting
	case StatusConnecting:
		return next == StatusConnected || next == StatusDisconnected
	case StatusConnected:
		return next == StatusDisconnected
	default:
		return false
	}
}

// Config holds the gateway driver settings
type Config struct {
	// Root is the mesh path every binding is published under (default "local/dbus")
	Root mesh.Path

	// CallTimeout bounds each dispatched bus call (default 30s)
	CallTimeout time.Duration

	// TeardownTimeout bounds the mesh cleanup at the end of a session
	TeardownTimeout time.Duration

	// BootstrapTimeout bounds listing the names already on the bus
	BootstrapTimeout time.Duration

	Discovery introspection.Config
	Watcher   watcher.Config
	Forward   forward.Config
	Reconnect retry.Config
}

// DefaultConfig returns default gateway configuration
func DefaultConfig() Config {
	return Config{
		Root:             namespace.DefaultRoot,
		CallTimeout:      dispatch.DefaultCallTimeout,
		TeardownTimeout:  10 * time.Second,
		BootstrapTimeout: 30 * time.Second,
		Discovery:        introspection.DefaultConfig(),
		Watcher:          watcher.DefaultConfig(),
		Forward:          forward.DefaultConfig(),
		Reconnect:        retry.Reconnect(),
	}
}

// Validate ensures the gateway configuration is valid
func (c *Config) Validate() error {
	if strings.Trim(string(c.Root), "/") == "" {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate",
			"root cannot be empty")
	}
	for _, seg := range c.Root.Segments() {
		if seg != namespace.Escape(seg, true) {
			return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate",
				fmt.Sprintf("root segment %q is not a valid key segment", seg))
		}
	}

	if c.CallTimeout < 0 || c.TeardownTimeout < 0 || c.BootstrapTimeout < 0 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate",
			"timeouts cannot be negative")
	}
	if c.Discovery.MaxDepth < 0 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate",
			"discovery max_depth cannot be negative")
	}
	if c.Forward.Lanes < 0 || c.Forward.LaneBuffer < 0 || c.Forward.PollInterval < 0 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate",
			"forward settings cannot be negative")
	}

	if err := c.Watcher.Validate(); err != nil {
		return errors.WrapInvalid(err, "Config", "Validate", "invalid watcher settings")
	}

	if c.TeardownTimeout == 0 {
		c.TeardownTimeout = 10 * time.Second
	}
	if c.BootstrapTimeout == 0 {
		c.BootstrapTimeout = 30 * time.Second
	}
	return nil
}

// Stats is a point-in-time summary of the gateway
type Stats struct {
	Status       string                `json:"status"`
	SessionID    string                `json:"session_id,omitempty"`
	Sessions     int                   `json:"sessions"`
	Since        time.Time             `json:"since,omitempty"`
	Bindings     int                   `json:"bindings"`
	PendingCalls int                   `json:"pending_calls"`
	Matches      int                   `json:"matches"`
	Services     []watcher.ServiceInfo `json:"services,omitempty"`
}
