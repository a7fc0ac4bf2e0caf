package causal

import (
	"fmt"
	"strconv"
)

// ValueType tags the dynamic type carried by a Value.
type ValueType int

const (
	ValueTypeString ValueType = iota
	ValueTypeI16
	ValueTypeI32
	ValueTypeI64
	ValueTypeF64
	ValueTypeBool
	ValueTypeEntityId
	ValueTypeBinary
	ValueTypeJSON
	ValueTypeObject
)

func (t ValueType) String() string {
	switch t {
	case ValueTypeString:
		return "string"
	case ValueTypeI16:
		return "i16"
	case ValueTypeI32:
		return "i32"
	case ValueTypeI64:
		return "i64"
	case ValueTypeF64:
		return "f64"
	case ValueTypeBool:
		return "bool"
	case ValueTypeEntityId:
		return "entity_id"
	case ValueTypeBinary:
		return "binary"
	case ValueTypeJSON:
		return "json"
	case ValueTypeObject:
		return "object"
	default:
		return "unknown"
	}
}

// IsNumeric reports whether the type participates in the numeric family
// used by the filter engine's JSON-path casting rules (spec.md §4.4).
func (t ValueType) IsNumeric() bool {
	switch t {
	case ValueTypeI16, ValueTypeI32, ValueTypeI64, ValueTypeF64:
		return true
	default:
		return false
	}
}

// Value is the core's typed literal/property value, used by both the
// planner (as bound endpoints) and the filter engine (as comparison
// operands). It is a manual sum type: one field is meaningful per Kind.
type Value struct {
	Kind     ValueType
	Str      string
	I        int64
	F        float64
	B        bool
	EntityId EntityId
	Bytes    []byte
}

func StringValue(s string) Value        { return Value{Kind: ValueTypeString, Str: s} }
func I16Value(v int16) Value            { return Value{Kind: ValueTypeI16, I: int64(v)} }
func I32Value(v int32) Value            { return Value{Kind: ValueTypeI32, I: int64(v)} }
func I64Value(v int64) Value            { return Value{Kind: ValueTypeI64, I: v} }
func F64Value(v float64) Value          { return Value{Kind: ValueTypeF64, F: v} }
func BoolValue(v bool) Value            { return Value{Kind: ValueTypeBool, B: v} }
func EntityIdValue(id EntityId) Value   { return Value{Kind: ValueTypeEntityId, EntityId: id} }
func BinaryValue(b []byte) Value        { return Value{Kind: ValueTypeBinary, Bytes: b} }
func JSONValue(b []byte) Value          { return Value{Kind: ValueTypeJSON, Bytes: b} }

// Equal compares two values without any casting; use Compare for
// cast-aware ordering comparisons.
func (v Value) Equal(other Value) bool {
	if v.Kind != other.Kind {
		return false
	}
	switch v.Kind {
	case ValueTypeString:
		return v.Str == other.Str
	case ValueTypeI16, ValueTypeI32, ValueTypeI64:
		return v.I == other.I
	case ValueTypeF64:
		return v.F == other.F
	case ValueTypeBool:
		return v.B == other.B
	case ValueTypeEntityId:
		return v.EntityId == other.EntityId
	case ValueTypeBinary, ValueTypeJSON:
		return string(v.Bytes) == string(other.Bytes)
	default:
		return false
	}
}

// numeric returns the value as a float64 if it belongs to the numeric
// family, for cross-width numeric comparisons and casts.
func (v Value) numeric() (float64, bool) {
	switch v.Kind {
	case ValueTypeI16, ValueTypeI32, ValueTypeI64:
		return float64(v.I), true
	case ValueTypeF64:
		return v.F, true
	default:
		return 0, false
	}
}

// CastTo attempts to cast v into the target type. Only numeric-family
// widenings/narrowings and string<->numeric parses are supported; anything
// else is an error, matching the teacher's fail-closed cast semantics used
// by the filter engine's right-then-left cast attempt.
func (v Value) CastTo(target ValueType) (Value, error) {
	if v.Kind == target {
		return v, nil
	}
	if target.IsNumeric() {
		if n, ok := v.numeric(); ok {
			return castNumeric(n, target), nil
		}
		if v.Kind == ValueTypeString {
			if f, err := strconv.ParseFloat(v.Str, 64); err == nil {
				return castNumeric(f, target), nil
			}
		}
		return Value{}, fmt.Errorf("cannot cast %s to %s", v.Kind, target)
	}
	if target == ValueTypeString {
		if n, ok := v.numeric(); ok {
			return StringValue(strconv.FormatFloat(n, 'g', -1, 64)), nil
		}
		if v.Kind == ValueTypeBool {
			return StringValue(strconv.FormatBool(v.B)), nil
		}
	}
	return Value{}, fmt.Errorf("cannot cast %s to %s", v.Kind, target)
}

func castNumeric(n float64, target ValueType) Value {
	switch target {
	case ValueTypeI16:
		return I16Value(int16(n))
	case ValueTypeI32:
		return I32Value(int32(n))
	case ValueTypeI64:
		return I64Value(int64(n))
	default:
		return F64Value(n)
	}
}

// Compare orders two values of the SAME kind. Callers must cast first if
// kinds differ. Returns -1/0/1, or an error for incomparable kinds
// (Binary/JSON/Object have no total order).
func (v Value) Compare(other Value) (int, error) {
	if v.Kind != other.Kind {
		return 0, fmt.Errorf("cannot compare mismatched value kinds %s and %s", v.Kind, other.Kind)
	}
	switch v.Kind {
	case ValueTypeString:
		switch {
		case v.Str < other.Str:
			return -1, nil
		case v.Str > other.Str:
			return 1, nil
		default:
			return 0, nil
		}
	case ValueTypeI16, ValueTypeI32, ValueTypeI64:
		switch {
		case v.I < other.I:
			return -1, nil
		case v.I > other.I:
			return 1, nil
		default:
			return 0, nil
		}
	case ValueTypeF64:
		switch {
		case v.F < other.F:
			return -1, nil
		case v.F > other.F:
			return 1, nil
		default:
			return 0, nil
		}
	case ValueTypeBool:
		if v.B == other.B {
			return 0, nil
		}
		if !v.B {
			return -1, nil
		}
		return 1, nil
	case ValueTypeEntityId:
		return v.EntityId.Compare(other.EntityId), nil
	default:
		return 0, fmt.Errorf("value kind %s has no total order", v.Kind)
	}
}
