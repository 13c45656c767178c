package codec

import (
	"fmt"
	"math"
	"reflect"
	"strconv"

	"github.com/godbus/dbus/v5"

	"github.com/c360/dbusbridge/mesh"
)

// ToBus converts a mesh value into the Go value godbus marshals as t.
// Containers become typed slices, typed maps and reflect.StructOf structs
// with fields F0..Fn; variants become dbus.Variant with an explicit
// signature.
func ToBus(t Type, v mesh.Value) (any, error) {
	rv, err := toBus(t, v)
	if err != nil {
		return nil, err
	}
	return rv.Interface(), nil
}

// ToBusArgs converts call arguments, checking arity first
func ToBusArgs(types []Type, args []mesh.Value) ([]any, error) {
	if len(types) != len(args) {
		return nil, &ConversionError{
			Kind:      KindTypeMismatch,
			Signature: JoinSignature(types),
			Detail:    fmt.Sprintf("got %d arguments, want %d", len(args), len(types)),
		}
	}
	out := make([]any, len(args))
	for i, t := range types {
		v, err := ToBus(t, args[i])
		if err != nil {
			return nil, at(err, fmt.Sprintf("[%d]", i))
		}
		out[i] = v
	}
	return out, nil
}

// GoType returns the Go type ToBus produces for t
func GoType(t Type) (reflect.Type, error) {
	switch t.Code {
	case Byte:
		return reflect.TypeOf(uint8(0)), nil
	case Boolean:
		return reflect.TypeOf(false), nil
	case Int16:
		return reflect.TypeOf(int16(0)), nil
	case Uint16:
		return reflect.TypeOf(uint16(0)), nil
	case Int32:
		return reflect.TypeOf(int32(0)), nil
	case Uint32:
		return reflect.TypeOf(uint32(0)), nil
	case Int64:
		return reflect.TypeOf(int64(0)), nil
	case Uint64:
		return reflect.TypeOf(uint64(0)), nil
	case Double:
		return reflect.TypeOf(float64(0)), nil
	case String:
		return reflect.TypeOf(""), nil
	case ObjectPath:
		return reflect.TypeOf(dbus.ObjectPath("")), nil
	case Signature:
		return reflect.TypeOf(dbus.Signature{}), nil
	case Variant:
		return variantType, nil
	case UnixFD:
		return nil, Supported(t)
	case Array:
		if t.IsDict() {
			kt, err := GoType(*t.Elem.Key)
			if err != nil {
				return nil, err
			}
			vt, err := GoType(*t.Elem.Value)
			if err != nil {
				return nil, err
			}
			return reflect.MapOf(kt, vt), nil
		}
		et, err := GoType(*t.Elem)
		if err != nil {
			return nil, err
		}
		return reflect.SliceOf(et), nil
	case Struct:
		fields := make([]reflect.StructField, len(t.Fields))
		for i, f := range t.Fields {
			ft, err := GoType(f)
			if err != nil {
				return nil, err
			}
			fields[i] = reflect.StructField{Name: "F" + strconv.Itoa(i), Type: ft}
		}
		return reflect.StructOf(fields), nil
	}
	return nil, signatureError(t.String(), "no Go type")
}

func toBus(t Type, v mesh.Value) (reflect.Value, error) {
	switch t.Code {
	case Byte:
		u, err := unsignedFromMesh(t, v, math.MaxUint8)
		return reflect.ValueOf(uint8(u)), err
	case Uint16:
		u, err := unsignedFromMesh(t, v, math.MaxUint16)
		return reflect.ValueOf(uint16(u)), err
	case Uint32:
		u, err := unsignedFromMesh(t, v, math.MaxUint32)
		return reflect.ValueOf(uint32(u)), err
	case Uint64:
		u, err := unsignedFromMesh(t, v, math.MaxUint64)
		return reflect.ValueOf(u), err
	case Int16:
		i, err := signedFromMesh(t, v, math.MinInt16, math.MaxInt16)
		return reflect.ValueOf(int16(i)), err
	case Int32:
		i, err := signedFromMesh(t, v, math.MinInt32, math.MaxInt32)
		return reflect.ValueOf(int32(i)), err
	case Int64:
		i, err := signedFromMesh(t, v, math.MinInt64, math.MaxInt64)
		return reflect.ValueOf(i), err

	case Double:
		switch v.Kind() {
		case mesh.KindFloat:
			f, _ := v.AsFloat()
			return reflect.ValueOf(f), nil
		case mesh.KindInt:
			i, _ := v.AsInt()
			if i > 1<<53 || i < -(1<<53) {
				return reflect.Value{}, outOfRange(t, "%d is not exactly representable", i)
			}
			return reflect.ValueOf(float64(i)), nil
		case mesh.KindUint:
			u, _ := v.AsUint()
			if u > 1<<53 {
				return reflect.Value{}, outOfRange(t, "%d is not exactly representable", u)
			}
			return reflect.ValueOf(float64(u)), nil
		}
		return reflect.Value{}, mismatch(t, "have %s", v.Kind())

	case Boolean:
		b, ok := v.AsBool()
		if !ok {
			return reflect.Value{}, mismatch(t, "have %s", v.Kind())
		}
		return reflect.ValueOf(b), nil

	case String:
		s, ok := v.AsString()
		if !ok {
			return reflect.Value{}, mismatch(t, "have %s", v.Kind())
		}
		return reflect.ValueOf(s), nil

	case ObjectPath:
		s, ok := v.AsString()
		if !ok {
			return reflect.Value{}, mismatch(t, "have %s", v.Kind())
		}
		p := dbus.ObjectPath(s)
		if !p.IsValid() {
			return reflect.Value{}, outOfRange(t, "%q is not a valid object path", s)
		}
		return reflect.ValueOf(p), nil

	case Signature:
		s, ok := v.AsString()
		if !ok {
			return reflect.Value{}, mismatch(t, "have %s", v.Kind())
		}
		if _, err := ParseSignature(s); err != nil {
			return reflect.Value{}, outOfRange(t, "%q is not a valid signature", s)
		}
		sig, err := dbus.ParseSignature(s)
		if err != nil {
			return reflect.Value{}, outOfRange(t, "%q is not a valid signature", s)
		}
		return reflect.ValueOf(sig), nil

	case Variant:
		return variantToBus(t, v)

	case UnixFD:
		return reflect.Value{}, Supported(t)

	case Array:
		if t.IsDict() {
			return dictToBus(t, v)
		}
		return arrayToBus(t, v)

	case Struct:
		return structToBus(t, v)
	}

	return reflect.Value{}, signatureError(t.String(), "unknown type")
}

func unsignedFromMesh(t Type, v mesh.Value, max uint64) (uint64, error) {
	switch v.Kind() {
	case mesh.KindUint:
		u, _ := v.AsUint()
		if u > max {
			return 0, outOfRange(t, "%d exceeds %d", u, max)
		}
		return u, nil
	case mesh.KindInt:
		i, _ := v.AsInt()
		if i < 0 || uint64(i) > max {
			return 0, outOfRange(t, "%d outside [0, %d]", i, max)
		}
		return uint64(i), nil
	}
	return 0, mismatch(t, "have %s", v.Kind())
}

func signedFromMesh(t Type, v mesh.Value, min, max int64) (int64, error) {
	switch v.Kind() {
	case mesh.KindInt:
		i, _ := v.AsInt()
		if i < min || i > max {
			return 0, outOfRange(t, "%d outside [%d, %d]", i, min, max)
		}
		return i, nil
	case mesh.KindUint:
		u, _ := v.AsUint()
		if u > uint64(max) {
			return 0, outOfRange(t, "%d exceeds %d", u, max)
		}
		return int64(u), nil
	}
	return 0, mismatch(t, "have %s", v.Kind())
}

// variantToBus accepts an explicit mesh Variant, or infers a signature for
// plain scalars, lists (av) and string-keyed maps (a{sv}).
func variantToBus(t Type, v mesh.Value) (reflect.Value, error) {
	sig, inner, ok := v.AsVariant()
	if !ok {
		var err error
		sig, inner, err = inferVariant(t, v)
		if err != nil {
			return reflect.Value{}, err
		}
	}

	it, err := ParseType(sig)
	if err != nil {
		return reflect.Value{}, err
	}
	if err := Supported(it); err != nil {
		return reflect.Value{}, err
	}
	rv, err := toBus(it, inner)
	if err != nil {
		return reflect.Value{}, at(err, "<"+sig+">")
	}
	dsig, err := dbus.ParseSignature(sig)
	if err != nil {
		return reflect.Value{}, outOfRange(t, "%q is not a valid signature", sig)
	}
	return reflect.ValueOf(dbus.MakeVariantWithSignature(rv.Interface(), dsig)), nil
}

func inferVariant(t Type, v mesh.Value) (string, mesh.Value, error) {
	switch v.Kind() {
	case mesh.KindBool:
		return "b", v, nil
	case mesh.KindInt:
		return "x", v, nil
	case mesh.KindUint:
		return "t", v, nil
	case mesh.KindFloat:
		return "d", v, nil
	case mesh.KindString:
		return "s", v, nil
	case mesh.KindArray:
		return "av", v, nil
	case mesh.KindMap:
		for _, e := range v.Entries() {
			if e.Key.Kind() != mesh.KindString {
				return "", mesh.Value{}, mismatch(t, "cannot infer a signature for a map with %s keys", e.Key.Kind())
			}
		}
		return "a{sv}", v, nil
	}
	return "", mesh.Value{}, mismatch(t, "cannot infer a signature for %s", v.Kind())
}

func arrayToBus(t Type, v mesh.Value) (reflect.Value, error) {
	if v.Kind() != mesh.KindArray {
		return reflect.Value{}, mismatch(t, "have %s", v.Kind())
	}
	gt, err := GoType(t)
	if err != nil {
		return reflect.Value{}, err
	}
	items := v.Items()
	out := reflect.MakeSlice(gt, len(items), len(items))
	for i, it := range items {
		ev, err := toBus(*t.Elem, it)
		if err != nil {
			return reflect.Value{}, at(err, fmt.Sprintf("[%d]", i))
		}
		out.Index(i).Set(ev)
	}
	return out, nil
}

func dictToBus(t Type, v mesh.Value) (reflect.Value, error) {
	if v.Kind() != mesh.KindMap {
		return reflect.Value{}, mismatch(t, "have %s", v.Kind())
	}
	gt, err := GoType(t)
	if err != nil {
		return reflect.Value{}, err
	}
	entries := v.Entries()
	out := reflect.MakeMapWithSize(gt, len(entries))
	for _, e := range entries {
		kv, err := toBus(*t.Elem.Key, e.Key)
		if err != nil {
			return reflect.Value{}, at(err, "["+e.Key.String()+"]")
		}
		if out.MapIndex(kv).IsValid() {
			return reflect.Value{}, &ConversionError{
				Kind:      KindDuplicateKey,
				Signature: t.String(),
				Location:  "[" + e.Key.String() + "]",
				Detail:    fmt.Sprintf("key %v appears more than once after conversion", kv.Interface()),
			}
		}
		vv, err := toBus(*t.Elem.Value, e.Value)
		if err != nil {
			return reflect.Value{}, at(err, "["+e.Key.String()+"]")
		}
		out.SetMapIndex(kv, vv)
	}
	return out, nil
}

func structToBus(t Type, v mesh.Value) (reflect.Value, error) {
	if v.Kind() != mesh.KindArray {
		return reflect.Value{}, mismatch(t, "have %s", v.Kind())
	}
	items := v.Items()
	if len(items) != len(t.Fields) {
		return reflect.Value{}, mismatch(t, "struct needs %d fields, have %d", len(t.Fields), len(items))
	}
	gt, err := GoType(t)
	if err != nil {
		return reflect.Value{}, err
	}
	out := reflect.New(gt).Elem()
	for i, it := range items {
		fv, err := toBus(t.Fields[i], it)
		if err != nil {
			return reflect.Value{}, at(err, fmt.Sprintf("[%d]", i))
		}
		out.Field(i).Set(fv)
	}
	return out, nil
}
