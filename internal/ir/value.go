package ir

import (
	"bytes"
	"encoding/json"
	"fmt"
	"slices"
	"strings"
	"unicode/utf16"
)

// Value is a sealed interface over the field types an operation may carry.
// Only Null, String, Int, Bool, Array and Object implement it. There is no
// float variant: ledger amounts are fixed-precision strings.
type Value interface {
	value()
}

// Null is an explicit JSON null.
type Null struct{}

func (Null) value() {}

// MarshalJSON implements json.Marshaler.
func (Null) MarshalJSON() ([]byte, error) {
	return []byte("null"), nil
}

// String is a string field.
type String string

func (String) value() {}

// Int is an integer field. Always int64.
type Int int64

func (Int) value() {}

// Bool is a boolean field.
type Bool bool

func (Bool) value() {}

// Array is an ordered list of values.
type Array []Value

func (Array) value() {}

// Object maps field names to values. Iterate with SortedKeys for
// deterministic output.
type Object map[string]Value

func (Object) value() {}

// Pair is a key/value used with Obj for compile-time typed construction.
type Pair struct {
	Key   string
	Value Value
}

// F is shorthand for Pair.
//
//	ir.Obj(ir.F("voter", ir.String("alice")), ir.F("weight", ir.Int(10000)))
func F(key string, v Value) Pair {
	return Pair{Key: key, Value: v}
}

// Obj builds an Object from pairs.
func Obj(pairs ...Pair) Object {
	obj := make(Object, len(pairs))
	for _, p := range pairs {
		obj[p.Key] = p.Value
	}
	return obj
}

// Strings builds an Array of String values.
func Strings(ss ...string) Array {
	arr := make(Array, len(ss))
	for i, s := range ss {
		arr[i] = String(s)
	}
	return arr
}

// SortedKeys returns keys in RFC 8785 order (UTF-16 code units).
// sort.Strings orders by UTF-8 bytes, which differs for astral characters.
func (obj Object) SortedKeys() []string {
	keys := make([]string, 0, len(obj))
	for k := range obj {
		keys = append(keys, k)
	}
	slices.SortFunc(keys, compareUTF16)
	return keys
}

// GetString returns the named string field, or "" when absent or not a string.
func (obj Object) GetString(key string) string {
	if s, ok := obj[key].(String); ok {
		return string(s)
	}
	return ""
}

func compareUTF16(a, b string) int {
	a16 := utf16.Encode([]rune(a))
	b16 := utf16.Encode([]rune(b))
	return slices.Compare(a16, b16)
}

// MarshalJSON emits keys in sorted order. This is not the canonical form
// (HTML characters are escaped); use MarshalCanonical for digests.
func (obj Object) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, k := range obj.SortedKeys() {
		if i > 0 {
			buf.WriteByte(',')
		}
		kb, err := json.Marshal(k)
		if err != nil {
			return nil, fmt.Errorf("marshal key %q: %w", k, err)
		}
		buf.Write(kb)
		buf.WriteByte(':')
		vb, err := MarshalValue(obj[k])
		if err != nil {
			return nil, fmt.Errorf("marshal value for key %q: %w", k, err)
		}
		buf.Write(vb)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// UnmarshalJSON implements json.Unmarshaler. Floats are rejected.
func (obj *Object) UnmarshalJSON(data []byte) error {
	v, err := decodeValue(data)
	if err != nil {
		return err
	}
	o, ok := v.(Object)
	if !ok {
		return fmt.Errorf("expected JSON object, got %T", v)
	}
	*obj = o
	return nil
}

// UnmarshalJSON implements json.Unmarshaler. Floats are rejected.
func (arr *Array) UnmarshalJSON(data []byte) error {
	v, err := decodeValue(data)
	if err != nil {
		return err
	}
	a, ok := v.(Array)
	if !ok {
		return fmt.Errorf("expected JSON array, got %T", v)
	}
	*arr = a
	return nil
}

// MarshalValue encodes a Value as JSON.
func MarshalValue(v Value) ([]byte, error) {
	switch val := v.(type) {
	case nil, Null:
		return []byte("null"), nil
	case String:
		return json.Marshal(string(val))
	case Int:
		return json.Marshal(int64(val))
	case Bool:
		return json.Marshal(bool(val))
	case Array:
		var buf bytes.Buffer
		buf.WriteByte('[')
		for i, elem := range val {
			if i > 0 {
				buf.WriteByte(',')
			}
			eb, err := MarshalValue(elem)
			if err != nil {
				return nil, fmt.Errorf("array[%d]: %w", i, err)
			}
			buf.Write(eb)
		}
		buf.WriteByte(']')
		return buf.Bytes(), nil
	case Object:
		return val.MarshalJSON()
	default:
		return nil, fmt.Errorf("unknown Value type: %T", v)
	}
}

// UnmarshalValue decodes arbitrary JSON into a Value. Floats are rejected;
// null decodes to Null.
func UnmarshalValue(data []byte) (Value, error) {
	return decodeValue(data)
}

func decodeValue(data []byte) (Value, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var raw any
	if err := dec.Decode(&raw); err != nil {
		return nil, err
	}
	return FromGo(raw)
}

// FromGo converts decoded JSON or YAML data (and common Go scalars) into a
// Value. Floats are rejected unless they hold an integral value, which is
// what YAML decoders produce for plain integers in some configurations.
func FromGo(v any) (Value, error) {
	switch val := v.(type) {
	case nil:
		return Null{}, nil
	case Value:
		return val, nil
	case string:
		return String(val), nil
	case bool:
		return Bool(val), nil
	case int:
		return Int(val), nil
	case int64:
		return Int(val), nil
	case uint16:
		return Int(val), nil
	case uint32:
		return Int(val), nil
	case json.Number:
		s := string(val)
		if strings.ContainsAny(s, ".eE") {
			return nil, fmt.Errorf("floats are not allowed in operation fields: %s", s)
		}
		n, err := val.Int64()
		if err != nil {
			return nil, fmt.Errorf("number out of int64 range: %s", s)
		}
		return Int(n), nil
	case float64:
		if val != float64(int64(val)) {
			return nil, fmt.Errorf("floats are not allowed in operation fields: %v", val)
		}
		return Int(int64(val)), nil
	case []string:
		return Strings(val...), nil
	case []any:
		arr := make(Array, len(val))
		for i, elem := range val {
			e, err := FromGo(elem)
			if err != nil {
				return nil, fmt.Errorf("[%d]: %w", i, err)
			}
			arr[i] = e
		}
		return arr, nil
	case map[string]any:
		obj := make(Object, len(val))
		for k, elem := range val {
			e, err := FromGo(elem)
			if err != nil {
				return nil, fmt.Errorf("[%q]: %w", k, err)
			}
			obj[k] = e
		}
		return obj, nil
	default:
		return nil, fmt.Errorf("unsupported type: %T", v)
	}
}

// ToGo converts a Value back to plain Go data (map[string]any, []any,
// string, int64, bool, nil). Used for JSON APIs and YAML traces.
func ToGo(v Value) any {
	switch val := v.(type) {
	case String:
		return string(val)
	case Int:
		return int64(val)
	case Bool:
		return bool(val)
	case Array:
		out := make([]any, len(val))
		for i, e := range val {
			out[i] = ToGo(e)
		}
		return out
	case Object:
		out := make(map[string]any, len(val))
		for k, e := range val {
			out[k] = ToGo(e)
		}
		return out
	default:
		return nil
	}
}
