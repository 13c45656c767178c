package codec

import (
	"fmt"
	"math"
	"reflect"

	"github.com/godbus/dbus/v5"

	"github.com/c360/dbusbridge/mesh"
)

// ToMesh converts a bus value of type t into a mesh value. It accepts both
// the godbus decoder form ([]interface{} structs, variants inside maps) and
// the typed form produced by ToBus.
func ToMesh(t Type, v any) (mesh.Value, error) {
	return toMesh(t, reflect.ValueOf(v))
}

// ToMeshArgs converts a message body. No arguments give Null, one gives the
// value itself and more give an Array.
func ToMeshArgs(types []Type, body []any) (mesh.Value, error) {
	if len(types) != len(body) {
		return mesh.Value{}, &ConversionError{
			Kind:      KindTypeMismatch,
			Signature: JoinSignature(types),
			Detail:    fmt.Sprintf("body has %d values, signature has %d", len(body), len(types)),
		}
	}
	switch len(types) {
	case 0:
		return mesh.Null(), nil
	case 1:
		return ToMesh(types[0], body[0])
	}
	items := make([]mesh.Value, len(types))
	for i, t := range types {
		v, err := ToMesh(t, body[i])
		if err != nil {
			return mesh.Value{}, at(err, fmt.Sprintf("[%d]", i))
		}
		items[i] = v
	}
	return mesh.Array(items...), nil
}

func indirect(rv reflect.Value) reflect.Value {
	for rv.IsValid() && (rv.Kind() == reflect.Interface || rv.Kind() == reflect.Pointer) {
		if rv.IsNil() {
			return reflect.Value{}
		}
		rv = rv.Elem()
	}
	return rv
}

var variantType = reflect.TypeOf(dbus.Variant{})

func toMesh(t Type, rv reflect.Value) (mesh.Value, error) {
	rv = indirect(rv)
	if !rv.IsValid() {
		return mesh.Value{}, mismatch(t, "nil value")
	}

	switch t.Code {
	case Byte:
		return unsignedToMesh(t, rv, math.MaxUint8)
	case Uint16:
		return unsignedToMesh(t, rv, math.MaxUint16)
	case Uint32:
		return unsignedToMesh(t, rv, math.MaxUint32)
	case Uint64:
		return unsignedToMesh(t, rv, math.MaxUint64)
	case Int16:
		return signedToMesh(t, rv, math.MinInt16, math.MaxInt16)
	case Int32:
		return signedToMesh(t, rv, math.MinInt32, math.MaxInt32)
	case Int64:
		return signedToMesh(t, rv, math.MinInt64, math.MaxInt64)

	case Double:
		switch rv.Kind() {
		case reflect.Float32, reflect.Float64:
			return mesh.Float(rv.Float()), nil
		}
		return mesh.Value{}, mismatch(t, "have %s", rv.Type())

	case Boolean:
		if rv.Kind() == reflect.Bool {
			return mesh.Bool(rv.Bool()), nil
		}
		return mesh.Value{}, mismatch(t, "have %s", rv.Type())

	case String, ObjectPath:
		if rv.Kind() == reflect.String {
			return mesh.String(rv.String()), nil
		}
		return mesh.Value{}, mismatch(t, "have %s", rv.Type())

	case Signature:
		if sig, ok := rv.Interface().(dbus.Signature); ok {
			return mesh.String(sig.String()), nil
		}
		if rv.Kind() == reflect.String {
			return mesh.String(rv.String()), nil
		}
		return mesh.Value{}, mismatch(t, "have %s", rv.Type())

	case Variant:
		return variantToMesh(t, rv)

	case UnixFD:
		return mesh.Value{}, Supported(t)

	case Array:
		if t.IsDict() {
			return dictToMesh(t, rv)
		}
		return arrayToMesh(t, rv)

	case Struct:
		return structToMesh(t, rv)
	}

	return mesh.Value{}, signatureError(t.String(), "unknown type")
}

func unsignedToMesh(t Type, rv reflect.Value, max uint64) (mesh.Value, error) {
	switch rv.Kind() {
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		u := rv.Uint()
		if u > max {
			return mesh.Value{}, outOfRange(t, "%d exceeds %d", u, max)
		}
		return mesh.Uint(u), nil
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		i := rv.Int()
		if i < 0 || uint64(i) > max {
			return mesh.Value{}, outOfRange(t, "%d outside [0, %d]", i, max)
		}
		return mesh.Uint(uint64(i)), nil
	}
	return mesh.Value{}, mismatch(t, "have %s", rv.Type())
}

func signedToMesh(t Type, rv reflect.Value, min, max int64) (mesh.Value, error) {
	switch rv.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		i := rv.Int()
		if i < min || i > max {
			return mesh.Value{}, outOfRange(t, "%d outside [%d, %d]", i, min, max)
		}
		return mesh.Int(i), nil
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		u := rv.Uint()
		if u > uint64(max) {
			return mesh.Value{}, outOfRange(t, "%d exceeds %d", u, max)
		}
		return mesh.Int(int64(u)), nil
	}
	return mesh.Value{}, mismatch(t, "have %s", rv.Type())
}

func variantToMesh(t Type, rv reflect.Value) (mesh.Value, error) {
	if rv.Type() != variantType {
		return mesh.Value{}, mismatch(t, "have %s", rv.Type())
	}
	variant := rv.Interface().(dbus.Variant)
	sig := variant.Signature().String()

	inner, err := ParseType(sig)
	if err != nil {
		return mesh.Value{}, err
	}
	v, err := toMesh(inner, reflect.ValueOf(variant.Value()))
	if err != nil {
		return mesh.Value{}, at(err, "<"+sig+">")
	}
	return mesh.Variant(sig, v), nil
}

func arrayToMesh(t Type, rv reflect.Value) (mesh.Value, error) {
	if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
		return mesh.Value{}, mismatch(t, "have %s", rv.Type())
	}
	items := make([]mesh.Value, rv.Len())
	for i := range items {
		v, err := toMesh(*t.Elem, rv.Index(i))
		if err != nil {
			return mesh.Value{}, at(err, fmt.Sprintf("[%d]", i))
		}
		items[i] = v
	}
	return mesh.Array(items...), nil
}

func dictToMesh(t Type, rv reflect.Value) (mesh.Value, error) {
	if rv.Kind() != reflect.Map {
		return mesh.Value{}, mismatch(t, "have %s", rv.Type())
	}
	entry := t.Elem
	entries := make([]mesh.Entry, 0, rv.Len())
	iter := rv.MapRange()
	for iter.Next() {
		k, err := toMesh(*entry.Key, iter.Key())
		if err != nil {
			return mesh.Value{}, at(err, fmt.Sprintf("[%v]", iter.Key()))
		}
		v, err := toMesh(*entry.Value, iter.Value())
		if err != nil {
			return mesh.Value{}, at(err, fmt.Sprintf("[%v]", iter.Key()))
		}
		entries = append(entries, mesh.Entry{Key: k, Value: v})
	}
	return mesh.Map(entries...), nil
}

func structToMesh(t Type, rv reflect.Value) (mesh.Value, error) {
	var fields []reflect.Value
	switch rv.Kind() {
	case reflect.Slice, reflect.Array:
		for i := 0; i < rv.Len(); i++ {
			fields = append(fields, rv.Index(i))
		}
	case reflect.Struct:
		for i := 0; i < rv.NumField(); i++ {
			if rv.Type().Field(i).IsExported() {
				fields = append(fields, rv.Field(i))
			}
		}
	default:
		return mesh.Value{}, mismatch(t, "have %s", rv.Type())
	}

	if len(fields) != len(t.Fields) {
		return mesh.Value{}, mismatch(t, "struct has %d fields, want %d", len(fields), len(t.Fields))
	}

	items := make([]mesh.Value, len(fields))
	for i, f := range fields {
		v, err := toMesh(t.Fields[i], f)
		if err != nil {
			return mesh.Value{}, at(err, fmt.Sprintf("[%d]", i))
		}
		items[i] = v
	}
	return mesh.Array(items...), nil
}
