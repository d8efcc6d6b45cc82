package opmon

import (
	"iter"
	"reflect"
	"strings"
	"sync"
	"time"
)

// Field describes one declared field of a measurement type
type Field struct {
	Name     string
	Kind     Kind
	Repeated bool
}

// Measurement is a typed record that can be flattened into an Entry.
// Fields yields every declared field together with its current value.
// The value of a non-repeated field carries the Go type matching its Kind
// (int32 for KindInt32, float32 for KindFloat, ...).
type Measurement interface {
	MeasurementType() string
	Fields() iter.Seq2[Field, any]
}

// valueConstructors maps a field kind to the Value it produces.
// Kinds missing from the table are skipped during flattening.
var valueConstructors = map[Kind]func(any) (Value, bool){
	KindInt32: func(v any) (Value, bool) {
		x, ok := v.(int32)
		return Int32Value(x), ok
	},
	KindInt64: func(v any) (Value, bool) {
		x, ok := v.(int64)
		return Int64Value(x), ok
	},
	KindUint32: func(v any) (Value, bool) {
		x, ok := v.(uint32)
		return Uint32Value(x), ok
	},
	KindUint64: func(v any) (Value, bool) {
		x, ok := v.(uint64)
		return Uint64Value(x), ok
	},
	KindFloat: func(v any) (Value, bool) {
		x, ok := v.(float32)
		return FloatValue(x), ok
	},
	KindDouble: func(v any) (Value, bool) {
		x, ok := v.(float64)
		return DoubleValue(x), ok
	},
	KindBool: func(v any) (Value, bool) {
		x, ok := v.(bool)
		return BoolValue(x), ok
	},
	KindString: func(v any) (Value, bool) {
		x, ok := v.(string)
		return StringValue(x), ok
	},
}

// Flatten converts a measurement into an Entry stamped with the current time
// and the given label. Repeated fields and fields whose kind has no Value
// constructor are skipped. When nothing is left the second result is false
// and no Entry is produced.
func Flatten(m Measurement, label string) (Entry, bool) {
	e := flatten(m, label)
	return e, len(e.Data) > 0
}

func flatten(m Measurement, label string) Entry {
	e := Entry{
		Time:  time.Now().UTC(),
		Label: label,
		Data:  map[string]Value{},
	}
	if m == nil {
		return e
	}
	e.MeasurementType = m.MeasurementType()

	for f, v := range m.Fields() {
		if f.Repeated {
			continue
		}
		build, ok := valueConstructors[f.Kind]
		if !ok {
			continue
		}
		if value, ok := build(v); ok {
			e.Data[f.Name] = value
		}
	}
	return e
}

// structSchema is the field table of one Go struct type, built once
type structSchema struct {
	typeName string
	fields   []structField
}

type structField struct {
	Field
	index []int
}

var schemaCache sync.Map // reflect.Type -> *structSchema

type structMeasurement struct {
	schema   *structSchema
	typeName string
	value    reflect.Value
}

type typeNamer interface {
	MeasurementType() string
}

// Struct adapts a Go struct (or pointer to struct) to the Measurement interface.
//
// Exported fields are described by a table built once per type and cached.
// Slices, arrays and maps are repeated fields. Nested structs and pointers
// are reported as KindMessage. A field is renamed with the `opmon:"name"`
// tag and hidden with `opmon:"-"`. The type name is the package-qualified Go
// type name unless the struct implements MeasurementType itself.
func Struct(v any) Measurement {
	if m, ok := v.(Measurement); ok {
		return m
	}
	rv := reflect.ValueOf(v)
	if !rv.IsValid() {
		return nil
	}
	for rv.Kind() == reflect.Pointer {
		if rv.IsNil() {
			return nil
		}
		rv = rv.Elem()
	}
	if rv.Kind() != reflect.Struct {
		return nil
	}
	sm := &structMeasurement{schema: schemaOf(rv.Type()), value: rv}
	sm.typeName = sm.schema.typeName
	if n, ok := v.(typeNamer); ok {
		sm.typeName = n.MeasurementType()
	}
	return sm
}

func (s *structMeasurement) MeasurementType() string {
	return s.typeName
}

func (s *structMeasurement) Fields() iter.Seq2[Field, any] {
	return func(yield func(Field, any) bool) {
		for _, f := range s.schema.fields {
			var v any
			if !f.Repeated {
				v = nativeValue(f.Kind, s.value.FieldByIndex(f.index))
			}
			if !yield(f.Field, v) {
				return
			}
		}
	}
}

func schemaOf(t reflect.Type) *structSchema {
	if cached, ok := schemaCache.Load(t); ok {
		return cached.(*structSchema)
	}

	s := &structSchema{typeName: typeName(t)}
	for i := 0; i < t.NumField(); i++ {
		sf := t.Field(i)
		if !sf.IsExported() {
			continue
		}
		name := sf.Name
		if tag, ok := sf.Tag.Lookup("opmon"); ok {
			if tag == "-" {
				continue
			}
			if tag != "" {
				name = tag
			}
		}
		kind, repeated := kindOf(sf.Type)
		s.fields = append(s.fields, structField{
			Field: Field{Name: name, Kind: kind, Repeated: repeated},
			index: sf.Index,
		})
	}

	actual, _ := schemaCache.LoadOrStore(t, s)
	return actual.(*structSchema)
}

func typeName(t reflect.Type) string {
	pkg := t.PkgPath()
	if i := strings.LastIndex(pkg, "/"); i >= 0 {
		pkg = pkg[i+1:]
	}
	if pkg == "" {
		return t.Name()
	}
	return pkg + "." + t.Name()
}

func kindOf(t reflect.Type) (Kind, bool) {
	switch t.Kind() {
	case reflect.Slice, reflect.Array:
		elem, _ := kindOf(t.Elem())
		return elem, true
	case reflect.Map:
		return KindMessage, true
	case reflect.Int8, reflect.Int16, reflect.Int32:
		return KindInt32, false
	case reflect.Int, reflect.Int64:
		return KindInt64, false
	case reflect.Uint8, reflect.Uint16, reflect.Uint32:
		return KindUint32, false
	case reflect.Uint, reflect.Uint64, reflect.Uintptr:
		return KindUint64, false
	case reflect.Float32:
		return KindFloat, false
	case reflect.Float64:
		return KindDouble, false
	case reflect.Bool:
		return KindBool, false
	case reflect.String:
		return KindString, false
	case reflect.Struct, reflect.Pointer, reflect.Interface:
		return KindMessage, false
	}
	return KindUnknown, false
}

func nativeValue(k Kind, v reflect.Value) any {
	switch k {
	case KindInt32:
		return int32(v.Int())
	case KindInt64:
		return v.Int()
	case KindUint32:
		return uint32(v.Uint())
	case KindUint64:
		return v.Uint()
	case KindFloat:
		return float32(v.Float())
	case KindDouble:
		return v.Float()
	case KindBool:
		return v.Bool()
	case KindString:
		return v.String()
	}
	return nil
}
