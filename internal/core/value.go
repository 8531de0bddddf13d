package core

import (
	"encoding/json"
	"fmt"
	"reflect"
	"sync"
	"time"
)

// Kind tags the representation of a Value.
type Kind int

const (
	KindNil Kind = iota // also the explicit "no value" marker for void results
	KindBool
	KindInt
	KindUint
	KindFloat
	KindString
	KindBytes
	KindDuration
	KindTime
	KindError
	KindCustom
)

func (k Kind) String() string {
	switch k {
	case KindNil:
		return "nil"
	case KindBool:
		return "bool"
	case KindInt:
		return "int"
	case KindUint:
		return "uint"
	case KindFloat:
		return "float"
	case KindString:
		return "string"
	case KindBytes:
		return "bytes"
	case KindDuration:
		return "duration"
	case KindTime:
		return "time"
	case KindError:
		return "error"
	case KindCustom:
		return "custom"
	default:
		return "unknown"
	}
}

// Value is the uniform representation used for recorded argument logs and
// task results. Directly representable types are the basic scalars plus
// []byte, time.Duration, time.Time and error. Structured types become
// representable only after an explicit RegisterValueType call, mirroring a
// type-tag registration mechanism: unregistered structs are rejected at
// registration time (results) or omitted from the argument log (arguments).
type Value struct {
	kind Kind
	name string // custom type tag, set only for KindCustom
	v    any
}

// NoValue is the explicit marker for callables that return nothing.
func NoValue() Value { return Value{} }

// ErrorValue wraps a task failure into the result model.
func ErrorValue(err error) Value {
	if err == nil {
		return Value{}
	}
	return Value{kind: KindError, v: err}
}

func (v Value) Kind() Kind  { return v.kind }
func (v Value) IsNil() bool { return v.kind == KindNil }

// Any returns the underlying value (nil for the no-value marker).
func (v Value) Any() any { return v.v }

// CustomName returns the registered type tag for KindCustom values.
func (v Value) CustomName() string { return v.name }

func (v Value) Bool() bool {
	b, _ := v.v.(bool)
	return b
}

func (v Value) Int64() int64 {
	n, _ := v.v.(int64)
	return n
}

func (v Value) Uint64() uint64 {
	n, _ := v.v.(uint64)
	return n
}

func (v Value) Float64() float64 {
	f, _ := v.v.(float64)
	return f
}

func (v Value) Str() string {
	s, _ := v.v.(string)
	return s
}

func (v Value) Bytes() []byte {
	b, _ := v.v.([]byte)
	return b
}

func (v Value) Dur() time.Duration {
	d, _ := v.v.(time.Duration)
	return d
}

func (v Value) TimeVal() time.Time {
	t, _ := v.v.(time.Time)
	return t
}

func (v Value) ErrVal() error {
	err, _ := v.v.(error)
	return err
}

func (v Value) String() string {
	switch v.kind {
	case KindNil:
		return "<nil>"
	case KindError:
		return "error: " + v.ErrVal().Error()
	case KindCustom:
		return fmt.Sprintf("%s: %+v", v.name, v.v)
	default:
		return fmt.Sprint(v.v)
	}
}

// MarshalJSON keeps values loggable/storable without consumers knowing kinds.
func (v Value) MarshalJSON() ([]byte, error) {
	if v.kind == KindError {
		return json.Marshal(v.ErrVal().Error())
	}
	return json.Marshal(v.v)
}

// ---- type registry ----

var customTypes sync.Map // reflect.Type -> string tag

// RegisterValueType makes the structured type T representable as a Value
// under the given tag. Must be called before registering callables that
// accept or return T. Re-registering the same type overwrites the tag.
func RegisterValueType[T any](name string) {
	var zero T
	customTypes.Store(reflect.TypeOf(zero), name)
}

func customTag(rt reflect.Type) (string, bool) {
	v, ok := customTypes.Load(rt)
	if !ok {
		return "", false
	}
	return v.(string), true
}

var (
	errType      = reflect.TypeOf((*error)(nil)).Elem()
	durationType = reflect.TypeOf(time.Duration(0))
	timeType     = reflect.TypeOf(time.Time{})
	bytesType    = reflect.TypeOf([]byte(nil))
	tokenType    = reflect.TypeOf((*StopToken)(nil))
)

// representableType reports whether values of rt can be wrapped.
// This is the static check applied to result types at registration.
func representableType(rt reflect.Type) bool {
	if rt == nil {
		return false
	}
	switch rt {
	case durationType, timeType, bytesType:
		return true
	}
	if rt.Implements(errType) {
		return true
	}
	switch rt.Kind() {
	case reflect.Bool,
		reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64,
		reflect.Float32, reflect.Float64,
		reflect.String:
		return true
	}
	_, ok := customTag(rt)
	return ok
}

// wrap converts a concrete Go value into the uniform model. The bool result
// is false when the value is not representable.
func wrap(a any) (Value, bool) {
	if a == nil {
		return Value{}, true
	}
	switch x := a.(type) {
	case Value:
		return x, true
	case error:
		return Value{kind: KindError, v: x}, true
	case time.Duration:
		return Value{kind: KindDuration, v: x}, true
	case time.Time:
		return Value{kind: KindTime, v: x}, true
	case []byte:
		return Value{kind: KindBytes, v: x}, true
	}

	rv := reflect.ValueOf(a)
	switch rv.Kind() {
	case reflect.Bool:
		return Value{kind: KindBool, v: rv.Bool()}, true
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return Value{kind: KindInt, v: rv.Int()}, true
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return Value{kind: KindUint, v: rv.Uint()}, true
	case reflect.Float32, reflect.Float64:
		return Value{kind: KindFloat, v: rv.Float()}, true
	case reflect.String:
		return Value{kind: KindString, v: rv.String()}, true
	}

	if tag, ok := customTag(rv.Type()); ok {
		return Value{kind: KindCustom, name: tag, v: a}, true
	}
	return Value{}, false
}
