package dispatch

import (
	"context"
	stderrors "errors"
	"fmt"

	"github.com/c360/dbusbridge/bus"
	"github.com/c360/dbusbridge/codec"
	"github.com/c360/dbusbridge/mesh"
)

// ErrorKind classifies a failed call or write
type ErrorKind string

// Dispatch failure kinds
const (
	KindUnknownPath      ErrorKind = "UnknownPath"
	KindNotWritable      ErrorKind = "NotWritable"
	KindInvalidArguments ErrorKind = "InvalidArguments"
	KindRemote           ErrorKind = "Remote"
	KindTimeout          ErrorKind = "Timeout"
	KindCancelled        ErrorKind = "Cancelled"
)

// DispatchError is returned to mesh clients for failed calls. Remote errors
// carry the bus error name and message unchanged.
type DispatchError struct {
	Kind    ErrorKind
	Path    mesh.Path
	Name    string
	Message string
	Err     error
}

func (e *DispatchError) Error() string {
	msg := fmt.Sprintf("%s %s", e.Kind, e.Path)
	if e.Name != "" {
		msg += ": " + e.Name
	}
	if e.Message != "" {
		msg += ": " + e.Message
	}
	return msg
}

func (e *DispatchError) Unwrap() error { return e.Err }

// WireError implements mesh.WireErrorer
func (e *DispatchError) WireError() *mesh.WireError {
	return &mesh.WireError{Kind: string(e.Kind), Name: e.Name, Message: e.Message}
}

// IsKind reports whether err is a DispatchError of kind
func IsKind(err error, kind ErrorKind) bool {
	var de *DispatchError
	return stderrors.As(err, &de) && de.Kind == kind
}

func newError(kind ErrorKind, path mesh.Path, err error) *DispatchError {
	de := &DispatchError{Kind: kind, Path: path, Err: err}
	if err != nil {
		de.Message = err.Error()
	}
	return de
}

// classify turns a bus-side failure into a DispatchError
func classify(path mesh.Path, err error) *DispatchError {
	var re *bus.RemoteError
	var ce *codec.ConversionError
	switch {
	case stderrors.As(err, &re):
		return &DispatchError{Kind: KindRemote, Path: path, Name: re.Name, Message: re.Message, Err: err}
	case stderrors.Is(err, context.DeadlineExceeded):
		return newError(KindTimeout, path, err)
	case stderrors.Is(err, context.Canceled), stderrors.Is(err, bus.ErrClosed):
		return newError(KindCancelled, path, err)
	case stderrors.As(err, &ce):
		return newError(KindInvalidArguments, path, err)
	default:
		return newError(KindRemote, path, err)
	}
}
