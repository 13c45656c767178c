package mesh

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"

	"github.com/bytedance/sonic"
)

// Wire format
//
//	null, true/false, numbers, strings and arrays map to their JSON forms.
//	Map:     {"$map": [[key, value], ...]}
//	Variant: {"$sig": "<signature>", "$value": value}
//	NaN/Inf: {"$float": "NaN" | "+Inf" | "-Inf"}
//
// Floats are always written with a fraction or exponent so they decode back
// as floats. Integer literals decode as Int, or Uint when above MaxInt64.
// Plain JSON objects written by mesh clients decode as string-keyed maps.
const (
	mapTag   = "$map"
	sigTag   = "$sig"
	valueTag = "$value"
	floatTag = "$float"
)

var wire = sonic.Config{
	SortMapKeys:    true,
	UseNumber:      true,
	ValidateString: true,
}.Froze()

// MarshalJSON encodes v in the mesh wire format
func (v Value) MarshalJSON() ([]byte, error) {
	return wire.Marshal(v.toWire())
}

// UnmarshalJSON decodes the mesh wire format into v
func (v *Value) UnmarshalJSON(data []byte) error {
	var raw any
	if err := wire.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("decode mesh value: %w", err)
	}
	out, err := fromWire(raw)
	if err != nil {
		return err
	}
	*v = out
	return nil
}

// Encode returns the wire encoding of v
func Encode(v Value) ([]byte, error) {
	return v.MarshalJSON()
}

// Decode parses a wire encoded value
func Decode(data []byte) (Value, error) {
	var v Value
	err := v.UnmarshalJSON(data)
	return v, err
}

func formatFloat(f float64) any {
	switch {
	case math.IsNaN(f):
		return map[string]any{floatTag: "NaN"}
	case math.IsInf(f, 1):
		return map[string]any{floatTag: "+Inf"}
	case math.IsInf(f, -1):
		return map[string]any{floatTag: "-Inf"}
	}
	s := strconv.FormatFloat(f, 'g', -1, 64)
	if !strings.ContainsAny(s, ".eE") {
		s += ".0"
	}
	return json.Number(s)
}

func (v Value) toWire() any {
	switch v.kind {
	case KindBool:
		return v.b
	case KindInt:
		return json.Number(strconv.FormatInt(v.i, 10))
	case KindUint:
		return json.Number(strconv.FormatUint(v.u, 10))
	case KindFloat:
		return formatFloat(v.f)
	case KindString:
		return v.s
	case KindArray:
		out := make([]any, len(v.items))
		for i, it := range v.items {
			out[i] = it.toWire()
		}
		return out
	case KindMap:
		pairs := make([]any, len(v.entries))
		for i, e := range v.entries {
			pairs[i] = []any{e.Key.toWire(), e.Value.toWire()}
		}
		return map[string]any{mapTag: pairs}
	case KindVariant:
		return map[string]any{sigTag: v.s, valueTag: v.inner.toWire()}
	default:
		return nil
	}
}

func fromWire(raw any) (Value, error) {
	switch x := raw.(type) {
	case nil:
		return Null(), nil
	case bool:
		return Bool(x), nil
	case json.Number:
		return parseNumber(string(x))
	case string:
		return String(x), nil
	case []any:
		items := make([]Value, len(x))
		for i, it := range x {
			v, err := fromWire(it)
			if err != nil {
				return Value{}, err
			}
			items[i] = v
		}
		return Array(items...), nil
	case map[string]any:
		return objectFromWire(x)
	default:
		return Value{}, fmt.Errorf("decode mesh value: unexpected %T", raw)
	}
}

func parseNumber(s string) (Value, error) {
	if !strings.ContainsAny(s, ".eE") {
		if i, err := strconv.ParseInt(s, 10, 64); err == nil {
			return Int(i), nil
		}
		if u, err := strconv.ParseUint(s, 10, 64); err == nil {
			return Uint(u), nil
		}
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return Value{}, fmt.Errorf("decode mesh value: number %q: %w", s, err)
	}
	return Float(f), nil
}

func objectFromWire(obj map[string]any) (Value, error) {
	if pairs, ok := obj[mapTag]; ok && len(obj) == 1 {
		list, ok := pairs.([]any)
		if !ok {
			return Value{}, fmt.Errorf("decode mesh value: %s must be an array of pairs", mapTag)
		}
		entries := make([]Entry, 0, len(list))
		for i, p := range list {
			pair, ok := p.([]any)
			if !ok || len(pair) != 2 {
				return Value{}, fmt.Errorf("decode mesh value: %s[%d] is not a [key, value] pair", mapTag, i)
			}
			k, err := fromWire(pair[0])
			if err != nil {
				return Value{}, err
			}
			v, err := fromWire(pair[1])
			if err != nil {
				return Value{}, err
			}
			entries = append(entries, Entry{Key: k, Value: v})
		}
		return Map(entries...), nil
	}

	if sig, ok := obj[sigTag]; ok && len(obj) == 2 {
		if inner, ok := obj[valueTag]; ok {
			s, ok := sig.(string)
			if !ok {
				return Value{}, fmt.Errorf("decode mesh value: %s must be a string", sigTag)
			}
			v, err := fromWire(inner)
			if err != nil {
				return Value{}, err
			}
			return Variant(s, v), nil
		}
	}

	if f, ok := obj[floatTag]; ok && len(obj) == 1 {
		switch f {
		case "NaN":
			return Float(math.NaN()), nil
		case "+Inf":
			return Float(math.Inf(1)), nil
		case "-Inf":
			return Float(math.Inf(-1)), nil
		}
		return Value{}, fmt.Errorf("decode mesh value: bad %s %v", floatTag, f)
	}

	keys := make([]string, 0, len(obj))
	for k := range obj {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	entries := make([]Entry, 0, len(keys))
	for _, k := range keys {
		v, err := fromWire(obj[k])
		if err != nil {
			return Value{}, err
		}
		entries = append(entries, Entry{Key: String(k), Value: v})
	}
	return Map(entries...), nil
}
