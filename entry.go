package opmon

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// Kind is the native scalar kind of a measurement field
type Kind int

const (
	KindUnknown Kind = iota
	KindInt32
	KindInt64
	KindUint32
	KindUint64
	KindFloat
	KindDouble
	KindBool
	KindString
	// KindMessage marks nested structures. It has no Value constructor.
	KindMessage
)

var kindNames = map[Kind]string{
	KindUnknown: "unknown",
	KindInt32:   "int32",
	KindInt64:   "int64",
	KindUint32:  "uint32",
	KindUint64:  "uint64",
	KindFloat:   "float",
	KindDouble:  "double",
	KindBool:    "bool",
	KindString:  "string",
	KindMessage: "message",
}

// String returns the kind name
func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return "kind(" + strconv.Itoa(int(k)) + ")"
}

// Value is a tagged scalar. Exactly one kind is set at a time.
type Value struct {
	kind Kind
	i    int64
	u    uint64
	f    float64
	b    bool
	s    string
}

// Constructors, one per supported kind.
func Int32Value(v int32) Value    { return Value{kind: KindInt32, i: int64(v)} }
func Int64Value(v int64) Value    { return Value{kind: KindInt64, i: v} }
func Uint32Value(v uint32) Value  { return Value{kind: KindUint32, u: uint64(v)} }
func Uint64Value(v uint64) Value  { return Value{kind: KindUint64, u: v} }
func FloatValue(v float32) Value  { return Value{kind: KindFloat, f: float64(v)} }
func DoubleValue(v float64) Value { return Value{kind: KindDouble, f: v} }
func BoolValue(v bool) Value      { return Value{kind: KindBool, b: v} }
func StringValue(v string) Value  { return Value{kind: KindString, s: v} }

// Kind returns which scalar is set
func (v Value) Kind() Kind {
	return v.kind
}

// Int32 returns the value if it holds an int32
func (v Value) Int32() (int32, bool) {
	return int32(v.i), v.kind == KindInt32
}

// Int64 returns the value if it holds an int64
func (v Value) Int64() (int64, bool) {
	return v.i, v.kind == KindInt64
}

// Uint32 returns the value if it holds an uint32
func (v Value) Uint32() (uint32, bool) {
	return uint32(v.u), v.kind == KindUint32
}

// Uint64 returns the value if it holds an uint64
func (v Value) Uint64() (uint64, bool) {
	return v.u, v.kind == KindUint64
}

// Float returns the value if it holds a float
func (v Value) Float() (float32, bool) {
	return float32(v.f), v.kind == KindFloat
}

// Double returns the value if it holds a double
func (v Value) Double() (float64, bool) {
	return v.f, v.kind == KindDouble
}

// Bool returns the value if it holds a bool
func (v Value) Bool() (bool, bool) {
	return v.b, v.kind == KindBool
}

// Str returns the value if it holds a string
func (v Value) Str() (string, bool) {
	return v.s, v.kind == KindString
}

// Any returns the underlying scalar with its native Go type
func (v Value) Any() any {
	switch v.kind {
	case KindInt32:
		return int32(v.i)
	case KindInt64:
		return v.i
	case KindUint32:
		return uint32(v.u)
	case KindUint64:
		return v.u
	case KindFloat:
		return float32(v.f)
	case KindDouble:
		return v.f
	case KindBool:
		return v.b
	case KindString:
		return v.s
	}
	return nil
}

// Number converts numeric and boolean values to float64.
// Strings are not numbers.
func (v Value) Number() (float64, bool) {
	switch v.kind {
	case KindInt32, KindInt64:
		return float64(v.i), true
	case KindUint32, KindUint64:
		return float64(v.u), true
	case KindFloat, KindDouble:
		return v.f, true
	case KindBool:
		if v.b {
			return 1, true
		}
		return 0, true
	}
	return 0, false
}

// String returns the scalar formatted as text
func (v Value) String() string {
	if v.kind == KindUnknown {
		return ""
	}
	return fmt.Sprintf("%v", v.Any())
}

var jsonKeys = map[Kind]string{
	KindInt32:  "int4_value",
	KindInt64:  "int8_value",
	KindUint32: "uint4_value",
	KindUint64: "uint8_value",
	KindFloat:  "float4_value",
	KindDouble: "double_value",
	KindBool:   "boolean_value",
	KindString: "string_value",
}

// MarshalJSON encodes the value as a single-key object naming its kind,
// e.g. {"int4_value":5}.
func (v Value) MarshalJSON() ([]byte, error) {
	key, ok := jsonKeys[v.kind]
	if !ok {
		return []byte("{}"), nil
	}
	return json.Marshal(map[string]any{key: v.Any()})
}

// UnmarshalJSON decodes the single-key form written by MarshalJSON
func (v *Value) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if len(raw) == 0 {
		*v = Value{}
		return nil
	}
	if len(raw) > 1 {
		return fmt.Errorf("value has %d kinds set, expected one", len(raw))
	}
	for kind, key := range jsonKeys {
		msg, ok := raw[key]
		if !ok {
			continue
		}
		var err error
		switch kind {
		case KindInt32:
			var x int32
			err = json.Unmarshal(msg, &x)
			*v = Int32Value(x)
		case KindInt64:
			var x int64
			err = json.Unmarshal(msg, &x)
			*v = Int64Value(x)
		case KindUint32:
			var x uint32
			err = json.Unmarshal(msg, &x)
			*v = Uint32Value(x)
		case KindUint64:
			var x uint64
			err = json.Unmarshal(msg, &x)
			*v = Uint64Value(x)
		case KindFloat:
			var x float32
			err = json.Unmarshal(msg, &x)
			*v = FloatValue(x)
		case KindDouble:
			var x float64
			err = json.Unmarshal(msg, &x)
			*v = DoubleValue(x)
		case KindBool:
			var x bool
			err = json.Unmarshal(msg, &x)
			*v = BoolValue(x)
		case KindString:
			var x string
			err = json.Unmarshal(msg, &x)
			*v = StringValue(x)
		}
		if err != nil {
			return fmt.Errorf("decode %s: %w", key, err)
		}
		return nil
	}
	return fmt.Errorf("unknown value kind in %s", string(data))
}

// Entry is one flattened measurement in generic key/value form
type Entry struct {
	Time            time.Time        `json:"time"`
	Origin          string           `json:"origin"`
	Label           string           `json:"label,omitempty"`
	MeasurementType string           `json:"measurement"`
	Data            map[string]Value `json:"data"`
}
