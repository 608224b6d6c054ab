package serialize

import (
	"fmt"
	"reflect"
	"sort"
	"unicode/utf8"
)

// Kind identifies which member of the Value variant is populated.
type Kind uint8

const (
	// KindNone is the absent value, the zero Value.
	KindNone Kind = iota
	// KindBool is a boolean.
	KindBool
	// KindInt is a signed 64-bit integer.
	KindInt
	// KindFloat is a 64-bit float.
	KindFloat
	// KindString is a UTF-8 string.
	KindString
	// KindList is an ordered sequence of values.
	KindList
	// KindMap is a mapping from string keys to values.
	KindMap
)

func (k Kind) String() string {
	switch k {
	case KindNone:
		return "none"
	case KindBool:
		return "bool"
	case KindInt:
		return "int"
	case KindFloat:
		return "float"
	case KindString:
		return "string"
	case KindList:
		return "list"
	case KindMap:
		return "map"
	}
	return fmt.Sprintf("Kind(%d)", uint8(k))
}

// Value is a decoded structured value. The zero Value is none.
type Value struct {
	kind Kind
	b    bool
	i    int64
	f    float64
	s    string
	list []Value
	m    map[string]Value
}

// None returns the none value.
func None() Value { return Value{} }

// Bool returns a boolean value.
func Bool(b bool) Value { return Value{kind: KindBool, b: b} }

// Int returns an integer value.
func Int(i int64) Value { return Value{kind: KindInt, i: i} }

// Float returns a float value.
func Float(f float64) Value { return Value{kind: KindFloat, f: f} }

// String returns a string value. Serialize rejects it unless s is valid
// UTF-8.
func String(s string) Value { return Value{kind: KindString, s: s} }

// List returns a list value holding items in order.
func List(items ...Value) Value {
	if items == nil {
		items = []Value{}
	}
	return Value{kind: KindList, list: items}
}

// Map returns a map value. A nil map is treated as empty.
func Map(m map[string]Value) Value {
	if m == nil {
		m = map[string]Value{}
	}
	return Value{kind: KindMap, m: m}
}

// Kind reports which member of the variant v holds.
func (v Value) Kind() Kind { return v.kind }

// IsNone reports whether v is the none value.
func (v Value) IsNone() bool { return v.kind == KindNone }

// Bool returns the boolean and whether v holds one.
func (v Value) Bool() (bool, bool) { return v.b, v.kind == KindBool }

// Int returns the integer and whether v holds one.
func (v Value) Int() (int64, bool) { return v.i, v.kind == KindInt }

// Float returns the float and whether v holds one.
func (v Value) Float() (float64, bool) { return v.f, v.kind == KindFloat }

// Str returns the string and whether v holds one.
func (v Value) Str() (string, bool) { return v.s, v.kind == KindString }

// List returns the items and whether v holds a list.
func (v Value) List() ([]Value, bool) { return v.list, v.kind == KindList }

// Map returns the entries and whether v holds a map.
func (v Value) Map() (map[string]Value, bool) { return v.m, v.kind == KindMap }

// Get returns the map entry for key. It returns none if v is not a map or
// has no such key.
func (v Value) Get(key string) Value {
	if v.kind != KindMap {
		return Value{}
	}
	return v.m[key]
}

// Equal reports whether v and o hold the same kind and the same contents.
// Lists compare element-wise in order; maps compare by key set.
func (v Value) Equal(o Value) bool {
	if v.kind != o.kind {
		return false
	}
	switch v.kind {
	case KindNone:
		return true
	case KindBool:
		return v.b == o.b
	case KindInt:
		return v.i == o.i
	case KindFloat:
		return v.f == o.f || (v.f != v.f && o.f != o.f)
	case KindString:
		return v.s == o.s
	case KindList:
		if len(v.list) != len(o.list) {
			return false
		}
		for i := range v.list {
			if !v.list[i].Equal(o.list[i]) {
				return false
			}
		}
		return true
	case KindMap:
		if len(v.m) != len(o.m) {
			return false
		}
		for k, a := range v.m {
			b, ok := o.m[k]
			if !ok || !a.Equal(b) {
				return false
			}
		}
		return true
	}
	return false
}

// Interface converts v into plain Go values: nil, bool, int64, float64,
// string, []interface{} and map[string]interface{}.
func (v Value) Interface() interface{} {
	switch v.kind {
	case KindBool:
		return v.b
	case KindInt:
		return v.i
	case KindFloat:
		return v.f
	case KindString:
		return v.s
	case KindList:
		out := make([]interface{}, len(v.list))
		for i, item := range v.list {
			out[i] = item.Interface()
		}
		return out
	case KindMap:
		out := make(map[string]interface{}, len(v.m))
		for k, item := range v.m {
			out[k] = item.Interface()
		}
		return out
	}
	return nil
}

func (v Value) String() string {
	return fmt.Sprintf("%v", v.Interface())
}

// sortedKeys returns the keys of a map value in lexical order.
func (v Value) sortedKeys() []string {
	keys := make([]string, 0, len(v.m))
	for k := range v.m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

var valueType = reflect.TypeOf(Value{})

// reasonInvalidUTF8 is the Reason given for strings the JSON envelope could not
// carry unchanged.
const reasonInvalidUTF8 = "string is not valid UTF-8"

// ValueOf converts a Go value into a Value. Unsupported types, and strings or
// map keys that are not valid UTF-8, fail with a *NoSuchSerializerError.
func ValueOf(x interface{}) (Value, error) {
	if x == nil {
		return Value{}, nil
	}
	return valueOf(reflect.ValueOf(x))
}

// validUTF8 reports whether every string and map key in v is valid UTF-8.
func (v Value) validUTF8() bool {
	switch v.kind {
	case KindString:
		return utf8.ValidString(v.s)
	case KindList:
		for _, item := range v.list {
			if !item.validUTF8() {
				return false
			}
		}
	case KindMap:
		for k, item := range v.m {
			if !utf8.ValidString(k) || !item.validUTF8() {
				return false
			}
		}
	}
	return true
}

func valueOf(rv reflect.Value) (Value, error) {
	if !rv.IsValid() {
		return Value{}, nil
	}
	if rv.Type() == valueType {
		v := rv.Interface().(Value)
		if !v.validUTF8() {
			return Value{}, &NoSuchSerializerError{Type: rv.Type().String(), Reason: reasonInvalidUTF8}
		}
		return v, nil
	}
	switch rv.Kind() {
	case reflect.Interface, reflect.Ptr:
		if rv.IsNil() {
			return Value{}, nil
		}
		if rv.Kind() == reflect.Ptr {
			// pointers are not part of the registry; nil ones encode as none
			return Value{}, &NoSuchSerializerError{Type: rv.Type().String()}
		}
		return valueOf(rv.Elem())
	case reflect.Bool:
		return Bool(rv.Bool()), nil
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return Int(rv.Int()), nil
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr:
		u := rv.Uint()
		if u > 1<<63-1 {
			return Value{}, &NoSuchSerializerError{Type: rv.Type().String(), Reason: "value overflows int64"}
		}
		return Int(int64(u)), nil
	case reflect.Float32, reflect.Float64:
		return Float(rv.Float()), nil
	case reflect.String:
		if !utf8.ValidString(rv.String()) {
			return Value{}, &NoSuchSerializerError{Type: rv.Type().String(), Reason: reasonInvalidUTF8}
		}
		return String(rv.String()), nil
	case reflect.Slice, reflect.Array:
		if rv.Kind() == reflect.Slice && rv.IsNil() {
			return List(), nil
		}
		items := make([]Value, rv.Len())
		for i := range items {
			item, err := valueOf(rv.Index(i))
			if err != nil {
				return Value{}, err
			}
			items[i] = item
		}
		return List(items...), nil
	case reflect.Map:
		if rv.Type().Key().Kind() != reflect.String {
			return Value{}, &NoSuchSerializerError{Type: rv.Type().String(), Reason: "map keys must be strings"}
		}
		m := make(map[string]Value, rv.Len())
		iter := rv.MapRange()
		for iter.Next() {
			if !utf8.ValidString(iter.Key().String()) {
				return Value{}, &NoSuchSerializerError{Type: rv.Type().String(), Reason: reasonInvalidUTF8}
			}
			item, err := valueOf(iter.Value())
			if err != nil {
				return Value{}, err
			}
			m[iter.Key().String()] = item
		}
		return Map(m), nil
	}
	return Value{}, &NoSuchSerializerError{Type: rv.Type().String()}
}
