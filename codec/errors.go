package codec

import (
	"fmt"
	"strings"
)

// ErrorKind classifies a conversion failure
type ErrorKind string

// Conversion failure kinds
const (
	KindDuplicateKey         ErrorKind = "DuplicateKey"
	KindTypeMismatch         ErrorKind = "TypeMismatch"
	KindOutOfRange           ErrorKind = "OutOfRange"
	KindUnsupportedSignature ErrorKind = "UnsupportedSignature"
)

// ConversionError reports a value that could not be converted. Location is
// the path inside the value, e.g. "[2].value".
type ConversionError struct {
	Kind      ErrorKind
	Signature string
	Location  string
	Detail    string
	Err       error
}

func (e *ConversionError) Error() string {
	var b strings.Builder
	b.WriteString(string(e.Kind))
	if e.Signature != "" {
		fmt.Fprintf(&b, " (%s)", e.Signature)
	}
	if e.Location != "" {
		fmt.Fprintf(&b, " at %s", e.Location)
	}
	if e.Detail != "" {
		b.WriteString(": ")
		b.WriteString(e.Detail)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *ConversionError) Unwrap() error { return e.Err }

// Is matches another ConversionError of the same kind, so callers can test
// errors.Is(err, &codec.ConversionError{Kind: codec.KindOutOfRange}).
func (e *ConversionError) Is(target error) bool {
	t, ok := target.(*ConversionError)
	return ok && t.Kind == e.Kind && t.Signature == "" && t.Location == ""
}

func mismatch(t Type, format string, args ...any) error {
	return &ConversionError{Kind: KindTypeMismatch, Signature: t.String(), Detail: fmt.Sprintf(format, args...)}
}

func outOfRange(t Type, format string, args ...any) error {
	return &ConversionError{Kind: KindOutOfRange, Signature: t.String(), Detail: fmt.Sprintf(format, args...)}
}

// at prefixes loc onto the location of a nested conversion error
func at(err error, loc string) error {
	ce, ok := err.(*ConversionError)
	if !ok {
		return err
	}
	cp := *ce
	switch {
	case cp.Location == "":
		cp.Location = loc
	case strings.HasPrefix(cp.Location, "["):
		cp.Location = loc + cp.Location
	default:
		cp.Location = loc + "." + cp.Location
	}
	return &cp
}
