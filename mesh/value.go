package mesh

import (
	"fmt"
	"math"
	"sort"
	"strings"
)

// Kind identifies the shape held by a Value
type Kind uint8

// Value kinds
const (
	KindNull Kind = iota
	KindBool
	KindInt
	KindUint
	KindFloat
	KindString
	KindArray
	KindMap
	KindVariant
)

// String returns the kind name
func (k Kind) String() string {
	switch k {
	case KindNull:
		return "null"
	case KindBool:
		return "bool"
	case KindInt:
		return "int"
	case KindUint:
		return "uint"
	case KindFloat:
		return "float"
	case KindString:
		return "string"
	case KindArray:
		return "array"
	case KindMap:
		return "map"
	case KindVariant:
		return "variant"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// Value is a mesh value: a tagged union over null, scalars, arrays, ordered
// maps and self-describing variants. The zero Value is Null. Values are
// immutable once built.
type Value struct {
	kind    Kind
	b       bool
	i       int64
	u       uint64
	f       float64
	s       string
	items   []Value
	entries []Entry
	inner   *Value
}

// Entry is one key/value pair of a Map value
type Entry struct {
	Key   Value
	Value Value
}

// Null returns the null value
func Null() Value { return Value{} }

// Bool returns a boolean value
func Bool(b bool) Value { return Value{kind: KindBool, b: b} }

// Int returns a signed integer value
func Int(i int64) Value { return Value{kind: KindInt, i: i} }

// Uint returns an unsigned integer value
func Uint(u uint64) Value { return Value{kind: KindUint, u: u} }

// Float returns a floating point value
func Float(f float64) Value { return Value{kind: KindFloat, f: f} }

// String returns a string value
func String(s string) Value { return Value{kind: KindString, s: s} }

// Array returns an array value holding items in order
func Array(items ...Value) Value {
	cp := make([]Value, len(items))
	copy(cp, items)
	return Value{kind: KindArray, items: cp}
}

// Map returns a map value. Entries are sorted by key; the caller is
// responsible for rejecting duplicate keys beforehand.
func Map(entries ...Entry) Value {
	cp := make([]Entry, len(entries))
	copy(cp, entries)
	sort.SliceStable(cp, func(i, j int) bool { return Compare(cp[i].Key, cp[j].Key) < 0 })
	return Value{kind: KindMap, entries: cp}
}

// StringMap builds a map value with string keys
func StringMap(m map[string]Value) Value {
	entries := make([]Entry, 0, len(m))
	for k, v := range m {
		entries = append(entries, Entry{Key: String(k), Value: v})
	}
	return Map(entries...)
}

// Variant returns a self-describing value carrying its bus type signature
func Variant(signature string, inner Value) Value {
	in := inner
	return Value{kind: KindVariant, s: signature, inner: &in}
}

// Kind reports the value's kind
func (v Value) Kind() Kind { return v.kind }

// IsNull reports whether v is the null value
func (v Value) IsNull() bool { return v.kind == KindNull }

// AsBool returns the boolean held by v
func (v Value) AsBool() (bool, bool) { return v.b, v.kind == KindBool }

// AsInt returns the signed integer held by v
func (v Value) AsInt() (int64, bool) { return v.i, v.kind == KindInt }

// AsUint returns the unsigned integer held by v
func (v Value) AsUint() (uint64, bool) { return v.u, v.kind == KindUint }

// AsFloat returns the float held by v
func (v Value) AsFloat() (float64, bool) { return v.f, v.kind == KindFloat }

// AsString returns the string held by v
func (v Value) AsString() (string, bool) { return v.s, v.kind == KindString }

// Items returns the elements of an array value, nil otherwise
func (v Value) Items() []Value {
	if v.kind != KindArray {
		return nil
	}
	return v.items
}

// Entries returns the entries of a map value in key order, nil otherwise
func (v Value) Entries() []Entry {
	if v.kind != KindMap {
		return nil
	}
	return v.entries
}

// Get looks up a string key in a map value
func (v Value) Get(key string) (Value, bool) {
	for _, e := range v.Entries() {
		if s, ok := e.Key.AsString(); ok && s == key {
			return e.Value, true
		}
	}
	return Value{}, false
}

// AsVariant returns the signature and inner value of a variant
func (v Value) AsVariant() (string, Value, bool) {
	if v.kind != KindVariant {
		return "", Value{}, false
	}
	return v.s, *v.inner, true
}

// Equal reports deep equality. Floats compare by value, with NaN equal to NaN.
func (v Value) Equal(o Value) bool {
	if v.kind != o.kind {
		return false
	}
	switch v.kind {
	case KindNull:
		return true
	case KindBool:
		return v.b == o.b
	case KindInt:
		return v.i == o.i
	case KindUint:
		return v.u == o.u
	case KindFloat:
		return v.f == o.f || (math.IsNaN(v.f) && math.IsNaN(o.f))
	case KindString:
		return v.s == o.s
	case KindArray:
		if len(v.items) != len(o.items) {
			return false
		}
		for i := range v.items {
			if !v.items[i].Equal(o.items[i]) {
				return false
			}
		}
		return true
	case KindMap:
		if len(v.entries) != len(o.entries) {
			return false
		}
		for i := range v.entries {
			if !v.entries[i].Key.Equal(o.entries[i].Key) || !v.entries[i].Value.Equal(o.entries[i].Value) {
				return false
			}
		}
		return true
	case KindVariant:
		return v.s == o.s && v.inner.Equal(*o.inner)
	}
	return false
}

// Compare orders two values: first by kind, then by content. It gives map
// keys a total order so that published maps are deterministic.
func Compare(a, b Value) int {
	if a.kind != b.kind {
		if a.kind < b.kind {
			return -1
		}
		return 1
	}
	switch a.kind {
	case KindBool:
		switch {
		case a.b == b.b:
			return 0
		case !a.b:
			return -1
		default:
			return 1
		}
	case KindInt:
		return cmp3(a.i < b.i, a.i > b.i)
	case KindUint:
		return cmp3(a.u < b.u, a.u > b.u)
	case KindFloat:
		return cmp3(a.f < b.f, a.f > b.f)
	case KindString:
		return strings.Compare(a.s, b.s)
	case KindArray:
		for i := 0; i < len(a.items) && i < len(b.items); i++ {
			if c := Compare(a.items[i], b.items[i]); c != 0 {
				return c
			}
		}
		return cmp3(len(a.items) < len(b.items), len(a.items) > len(b.items))
	case KindMap:
		for i := 0; i < len(a.entries) && i < len(b.entries); i++ {
			if c := Compare(a.entries[i].Key, b.entries[i].Key); c != 0 {
				return c
			}
			if c := Compare(a.entries[i].Value, b.entries[i].Value); c != 0 {
				return c
			}
		}
		return cmp3(len(a.entries) < len(b.entries), len(a.entries) > len(b.entries))
	case KindVariant:
		if c := strings.Compare(a.s, b.s); c != 0 {
			return c
		}
		return Compare(*a.inner, *b.inner)
	}
	return 0
}

func cmp3(less, greater bool) int {
	switch {
	case less:
		return -1
	case greater:
		return 1
	default:
		return 0
	}
}

// String renders v for logs. It is not the wire format; see MarshalJSON.
func (v Value) String() string {
	switch v.kind {
	case KindNull:
		return "null"
	case KindBool:
		return fmt.Sprintf("%t", v.b)
	case KindInt:
		return fmt.Sprintf("%d", v.i)
	case KindUint:
		return fmt.Sprintf("%du", v.u)
	case KindFloat:
		return fmt.Sprintf("%g", v.f)
	case KindString:
		return fmt.Sprintf("%q", v.s)
	case KindArray:
		parts := make([]string, len(v.items))
		for i, it := range v.items {
			parts[i] = it.String()
		}
		return "[" + strings.Join(parts, ", ") + "]"
	case KindMap:
		parts := make([]string, len(v.entries))
		for i, e := range v.entries {
			parts[i] = e.Key.String() + ": " + e.Value.String()
		}
		return "{" + strings.Join(parts, ", ") + "}"
	case KindVariant:
		return fmt.Sprintf("<%s %s>", v.s, v.inner.String())
	}
	return "?"
}
