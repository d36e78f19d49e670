package condition

import (
	"fmt"
	"maps"
	"strconv"
)

// Kind is the dynamic type of a Value.
type Kind uint8

const (
	KindAbsent Kind = iota
	KindString
	KindNumber
	KindBool
)

func (k Kind) String() string {
	switch k {
	case KindString:
		return "string"
	case KindNumber:
		return "number"
	case KindBool:
		return "bool"
	default:
		return "absent"
	}
}

// Value is a typed fact value. The zero Value is absent.
type Value struct {
	kind Kind
	str  string
	num  float64
	b    bool
}

func String(s string) Value { return Value{kind: KindString, str: s} }
func Number(n float64) Value { return Value{kind: KindNumber, num: n} }
func Bool(b bool) Value { return Value{kind: KindBool, b: b} }

// Absent is the value of a key that has no fact.
var Absent = Value{}

// ValueOf converts a Go value into a Value. Integers and floats become
// numbers; any other type is rejected.
func ValueOf(v any) (Value, error) {
	switch x := v.(type) {
	case Value:
		return x, nil
	case string:
		return String(x), nil
	case bool:
		return Bool(x), nil
	case int:
		return Number(float64(x)), nil
	case int8:
		return Number(float64(x)), nil
	case int16:
		return Number(float64(x)), nil
	case int32:
		return Number(float64(x)), nil
	case int64:
		return Number(float64(x)), nil
	case uint:
		return Number(float64(x)), nil
	case uint8:
		return Number(float64(x)), nil
	case uint16:
		return Number(float64(x)), nil
	case uint32:
		return Number(float64(x)), nil
	case uint64:
		return Number(float64(x)), nil
	case float32:
		return Number(float64(x)), nil
	case float64:
		return Number(x), nil
	default:
		return Absent, fmt.Errorf("unsupported fact type %T", v)
	}
}

func (v Value) Kind() Kind { return v.kind }
func (v Value) IsAbsent() bool { return v.kind == KindAbsent }
func (v Value) Str() string { return v.str }
func (v Value) Num() float64 { return v.num }
func (v Value) BoolValue() bool { return v.b }

// Interface returns the plain Go value, nil when absent.
func (v Value) Interface() any {
	switch v.kind {
	case KindString:
		return v.str
	case KindNumber:
		return v.num
	case KindBool:
		return v.b
	default:
		return nil
	}
}

func (v Value) String() string {
	switch v.kind {
	case KindString:
		return strconv.Quote(v.str)
	case KindNumber:
		return strconv.FormatFloat(v.num, 'g', -1, 64)
	case KindBool:
		return strconv.FormatBool(v.b)
	default:
		return "<absent>"
	}
}

// Facts maps keys to typed values.
type Facts map[string]Value

// Lookup returns the fact for key or Absent.
func (f Facts) Lookup(key string) Value {
	return f[key]
}

// Clone returns an independent copy.
func (f Facts) Clone() Facts {
	if f == nil {
		return Facts{}
	}
	return maps.Clone(f)
}

// Map returns the facts as plain Go values.
func (f Facts) Map() map[string]any {
	m := make(map[string]any, len(f))
	for k, v := range f {
		m[k] = v.Interface()
	}
	return m
}
