package bus

import (
	stderrors "errors"
	"fmt"

	"github.com/godbus/dbus/v5"
)

// Standard error names returned by the bus and by services
const (
	ErrorServiceUnknown   = "org.freedesktop.DBus.Error.ServiceUnknown"
	ErrorNameHasNoOwner   = "org.freedesktop.DBus.Error.NameHasNoOwner"
	ErrorUnknownObject    = "org.freedesktop.DBus.Error.UnknownObject"
	ErrorUnknownInterface = "org.freedesktop.DBus.Error.UnknownInterface"
	ErrorUnknownMethod    = "org.freedesktop.DBus.Error.UnknownMethod"
	ErrorUnknownProperty  = "org.freedesktop.DBus.Error.UnknownProperty"
	ErrorPropertyReadOnly = "org.freedesktop.DBus.Error.PropertyReadOnly"
	ErrorInvalidArgs      = "org.freedesktop.DBus.Error.InvalidArgs"
	ErrorNoReply          = "org.freedesktop.DBus.Error.NoReply"
	ErrorFailed           = "org.freedesktop.DBus.Error.Failed"
)

// ErrClosed is returned for operations on a closed connection
var ErrClosed = stderrors.New("bus: connection closed")

// RemoteError is an error reply from the bus or a service
type RemoteError struct {
	Name    string
	Message string
}

func (e *RemoteError) Error() string {
	if e.Message == "" {
		return e.Name
	}
	return fmt.Sprintf("%s: %s", e.Name, e.Message)
}

// DBusError lets godbus export a RemoteError unchanged
func (e *RemoteError) DBusError() (string, []any) {
	return e.Name, []any{e.Message}
}

// IsRemote reports whether err is an error reply named name
func IsRemote(err error, name string) bool {
	var re *RemoteError
	return stderrors.As(err, &re) && re.Name == name
}

type dbusError interface {
	DBusError() (string, []any)
}

// fromDBus converts a godbus error reply into a RemoteError. Other errors
// pass through.
func fromDBus(err error) error {
	if err == nil {
		return nil
	}
	var re *RemoteError
	if stderrors.As(err, &re) {
		return err
	}
	var ev dbus.Error
	if stderrors.As(err, &ev) {
		return remoteFromBody(ev.Name, ev.Body)
	}
	var ep *dbus.Error
	if stderrors.As(err, &ep) && ep != nil {
		return remoteFromBody(ep.Name, ep.Body)
	}
	var de dbusError
	if stderrors.As(err, &de) {
		name, body := de.DBusError()
		return remoteFromBody(name, body)
	}
	return err
}

func remoteFromBody(name string, body []any) *RemoteError {
	msg := ""
	if len(body) > 0 {
		if s, ok := body[0].(string); ok {
			msg = s
		}
	}
	return &RemoteError{Name: name, Message: msg}
}
