package codec

import (
	"fmt"
	"strings"
)

// Code is a single bus type code
type Code byte

// Type codes
const (
	Byte       Code = 'y'
	Boolean    Code = 'b'
	Int16      Code = 'n'
	Uint16     Code = 'q'
	Int32      Code = 'i'
	Uint32     Code = 'u'
	Int64      Code = 'x'
	Uint64     Code = 't'
	Double     Code = 'd'
	String     Code = 's'
	ObjectPath Code = 'o'
	Signature  Code = 'g'
	Variant    Code = 'v'
	UnixFD     Code = 'h'
	Array      Code = 'a'
	Struct     Code = '('
	DictEntry  Code = '{'
)

const (
	// MaxDepth bounds container nesting in a signature.
	MaxDepth = 64
	// MaxSignatureLength is the bus limit on a signature's length.
	MaxSignatureLength = 255
)

// Type is one complete parsed type
type Type struct {
	Code Code
	// Elem is the element type of an Array.
	Elem *Type
	// Key and Value are the halves of a DictEntry.
	Key   *Type
	Value *Type
	// Fields are the members of a Struct.
	Fields []Type
}

// IsBasic reports whether t is a basic (non-container, non-variant) type
func (t Type) IsBasic() bool {
	switch t.Code {
	case Byte, Boolean, Int16, Uint16, Int32, Uint32, Int64, Uint64, Double, String, ObjectPath, Signature, UnixFD:
		return true
	}
	return false
}

// IsDict reports whether t is an array of dict entries
func (t Type) IsDict() bool {
	return t.Code == Array && t.Elem != nil && t.Elem.Code == DictEntry
}

// String renders t back to signature form
func (t Type) String() string {
	var b strings.Builder
	t.write(&b)
	return b.String()
}

func (t Type) write(b *strings.Builder) {
	switch t.Code {
	case Array:
		b.WriteByte('a')
		t.Elem.write(b)
	case DictEntry:
		b.WriteByte('{')
		t.Key.write(b)
		t.Value.write(b)
		b.WriteByte('}')
	case Struct:
		b.WriteByte('(')
		for _, f := range t.Fields {
			f.write(b)
		}
		b.WriteByte(')')
	default:
		b.WriteByte(byte(t.Code))
	}
}

// JoinSignature renders a list of types as one signature
func JoinSignature(types []Type) string {
	var b strings.Builder
	for _, t := range types {
		t.write(&b)
	}
	return b.String()
}

// ParseSignature parses a signature holding zero or more complete types
func ParseSignature(sig string) ([]Type, error) {
	if len(sig) > MaxSignatureLength {
		return nil, signatureError(sig, fmt.Sprintf("longer than %d bytes", MaxSignatureLength))
	}
	p := parser{sig: sig}
	var out []Type
	for p.pos < len(sig) {
		t, err := p.parse(0)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, nil
}

// ParseType parses a signature holding exactly one complete type
func ParseType(sig string) (Type, error) {
	types, err := ParseSignature(sig)
	if err != nil {
		return Type{}, err
	}
	if len(types) != 1 {
		return Type{}, signatureError(sig, fmt.Sprintf("want one complete type, have %d", len(types)))
	}
	return types[0], nil
}

// Supported returns an UnsupportedSignature error when t holds a type that
// cannot cross the mesh.
func Supported(t Type) error {
	switch t.Code {
	case UnixFD:
		return &ConversionError{Kind: KindUnsupportedSignature, Signature: t.String(), Detail: "unix fds cannot be forwarded"}
	case Array:
		return Supported(*t.Elem)
	case DictEntry:
		if err := Supported(*t.Key); err != nil {
			return err
		}
		return Supported(*t.Value)
	case Struct:
		for _, f := range t.Fields {
			if err := Supported(f); err != nil {
				return err
			}
		}
	}
	return nil
}

func signatureError(sig, detail string) error {
	return &ConversionError{Kind: KindUnsupportedSignature, Signature: sig, Detail: detail}
}

type parser struct {
	sig string
	pos int
}

func (p *parser) errorf(format string, args ...any) error {
	return signatureError(p.sig, fmt.Sprintf("at %d: ", p.pos)+fmt.Sprintf(format, args...))
}

func (p *parser) parse(depth int) (Type, error) {
	if depth > MaxDepth {
		return Type{}, p.errorf("nesting deeper than %d", MaxDepth)
	}
	if p.pos >= len(p.sig) {
		return Type{}, p.errorf("unexpected end")
	}

	c := Code(p.sig[p.pos])
	p.pos++

	switch c {
	case Byte, Boolean, Int16, Uint16, Int32, Uint32, Int64, Uint64, Double, String, ObjectPath, Signature, Variant, UnixFD:
		return Type{Code: c}, nil

	case Array:
		if p.pos < len(p.sig) && Code(p.sig[p.pos]) == DictEntry {
			p.pos++
			entry, err := p.parseDictEntry(depth + 1)
			if err != nil {
				return Type{}, err
			}
			return Type{Code: Array, Elem: &entry}, nil
		}
		elem, err := p.parse(depth + 1)
		if err != nil {
			return Type{}, err
		}
		return Type{Code: Array, Elem: &elem}, nil

	case Struct:
		var fields []Type
		for {
			if p.pos >= len(p.sig) {
				return Type{}, p.errorf("unterminated struct")
			}
			if p.sig[p.pos] == ')' {
				p.pos++
				break
			}
			f, err := p.parse(depth + 1)
			if err != nil {
				return Type{}, err
			}
			fields = append(fields, f)
		}
		if len(fields) == 0 {
			return Type{}, p.errorf("empty struct")
		}
		return Type{Code: Struct, Fields: fields}, nil

	case DictEntry:
		return Type{}, p.errorf("dict entry outside an array")
	}

	return Type{}, p.errorf("unknown type code %q", byte(c))
}

func (p *parser) parseDictEntry(depth int) (Type, error) {
	key, err := p.parse(depth + 1)
	if err != nil {
		return Type{}, err
	}
	if !key.IsBasic() {
		return Type{}, p.errorf("dict key %s is not a basic type", key)
	}
	value, err := p.parse(depth + 1)
	if err != nil {
		return Type{}, err
	}
	if p.pos >= len(p.sig) || p.sig[p.pos] != '}' {
		return Type{}, p.errorf("dict entry must hold exactly two types")
	}
	p.pos++
	return Type{Code: DictEntry, Key: &key, Value: &value}, nil
}
