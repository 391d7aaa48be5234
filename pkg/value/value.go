// Package value implements the totally ordered value domain used by livequery
// rows: null, booleans, numbers, UTF-8 strings, binary blobs and JSON-like
// structured values. The total order is type precedence first, then the
// natural order within the type, which makes row comparators deterministic
// across operators.
package value

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Kind identifies the type of a Value. The declaration order of the constants
// defines the cross-type precedence used by Compare.
type Kind int

const (
	KindNull Kind = iota
	KindBool
	KindNumber
	KindString
	KindBytes
	KindJSON
)

// String returns a human-readable kind name.
func (k Kind) String() string {
	switch k {
	case KindNull:
		return "null"
	case KindBool:
		return "bool"
	case KindNumber:
		return "number"
	case KindString:
		return "string"
	case KindBytes:
		return "bytes"
	case KindJSON:
		return "json"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Value is an immutable tagged union over the supported scalar and structured
// types. The zero Value is null.
type Value struct {
	kind Kind
	b    bool
	n    float64
	s    string
	raw  []byte
	j    any
}

// Null returns the null value.
func Null() Value { return Value{kind: KindNull} }

// Bool wraps a boolean.
func Bool(b bool) Value { return Value{kind: KindBool, b: b} }

// Number wraps a float64.
func Number(n float64) Value { return Value{kind: KindNumber, n: n} }

// String wraps a string.
func String(s string) Value { return Value{kind: KindString, s: s} }

// Bytes wraps a binary blob. The caller must not mutate the slice afterwards.
func Bytes(b []byte) Value { return Value{kind: KindBytes, raw: b} }

// JSON wraps a JSON-like structured value (maps, slices and primitives).
func JSON(v any) Value { return Value{kind: KindJSON, j: v} }

// Kind returns the value's kind.
func (v Value) Kind() Kind { return v.kind }

// IsNull reports whether the value is null.
func (v Value) IsNull() bool { return v.kind == KindNull }

// Interface unwraps the value into its dynamic Go representation.
func (v Value) Interface() any {
	switch v.kind {
	case KindNull:
		return nil
	case KindBool:
		return v.b
	case KindNumber:
		return v.n
	case KindString:
		return v.s
	case KindBytes:
		return v.raw
	default:
		return v.j
	}
}

// FromAny converts a dynamic Go value (as produced by YAML or JSON decoding)
// into a Value. Integers and floats map to numbers, maps and slices to JSON
// values.
func FromAny(in any) (Value, error) {
	switch t := in.(type) {
	case nil:
		return Null(), nil
	case bool:
		return Bool(t), nil
	case int:
		return Number(float64(t)), nil
	case int64:
		return Number(float64(t)), nil
	case float64:
		return Number(t), nil
	case string:
		return String(t), nil
	case []byte:
		return Bytes(t), nil
	case map[string]any, []any:
		return JSON(t), nil
	case Value:
		return t, nil
	default:
		return Null(), fmt.Errorf("unsupported value type %T", in)
	}
}

// Compare totally orders two values: first by kind precedence
// (null < bool < number < string < bytes < json), then by the natural order
// within the kind. JSON values compare by their canonical encoding.
func Compare(a, b Value) int {
	if a.kind != b.kind {
		if a.kind < b.kind {
			return -1
		}
		return 1
	}

	switch a.kind {
	case KindNull:
		return 0
	case KindBool:
		if a.b == b.b {
			return 0
		}
		if !a.b {
			return -1
		}
		return 1
	case KindNumber:
		switch {
		case a.n < b.n:
			return -1
		case a.n > b.n:
			return 1
		default:
			return 0
		}
	case KindString:
		return compareStrings(a.s, b.s)
	case KindBytes:
		return bytes.Compare(a.raw, b.raw)
	default:
		return compareStrings(CanonicalKey(a), CanonicalKey(b))
	}
}

// Equal reports whether two values are equal under Compare.
func Equal(a, b Value) bool { return Compare(a, b) == 0 }

// CanonicalKey returns a deterministic string encoding of the value, suitable
// as a map or storage key. Map keys inside JSON values are sorted by the JSON
// encoder, so structurally equal values always encode identically.
func CanonicalKey(v Value) string {
	// A kind prefix keeps values of different kinds from colliding (e.g. the
	// string "1" and the number 1).
	prefix := fmt.Sprintf("%d:", int(v.kind))

	b, err := json.Marshal(v.Interface())
	if err != nil {
		// Marshal can only fail on exotic JSON payloads (channels, funcs);
		// fall back to the verbose representation rather than losing identity.
		return prefix + fmt.Sprintf("%#v", v.Interface())
	}
	return prefix + string(b)
}

// String implements fmt.Stringer.
func (v Value) String() string {
	if v.kind == KindNull {
		return "null"
	}
	return fmt.Sprintf("%v", v.Interface())
}

func compareStrings(a, b string) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}
