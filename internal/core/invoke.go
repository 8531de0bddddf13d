package core

import (
	"fmt"
	"reflect"
)

// Invoker is the functor adapter category: a pre-normalized callable for
// fully dynamic cases where a static Go signature is impractical. Arguments
// arrive exactly as submitted; arity checking is the implementation's job.
type Invoker interface {
	InvokeTask(tok *StopToken, args []any) (any, error)
}

// Method names an instance-bound method for registration, covering both
// value-receiver and pointer-receiver (mutating) methods.
func Method(recv any, name string) BoundMethod {
	return BoundMethod{Recv: recv, Name: name}
}

// BoundMethod is an instance + exported method name pair.
type BoundMethod struct {
	Recv any
	Name string
}

type resultShape int

const (
	shapeNone    resultShape = iota // func(...)
	shapeVal                        // func(...) R
	shapeErr                        // func(...) error
	shapeValErr                     // func(...) (R, error)
	shapeDynamic                    // Invoker: checked at runtime
)

// callable is a normalized task body: any supported shape reduced to
// "bind submitted arguments now, produce a Value later".
type callable struct {
	fn         reflect.Value
	params     []reflect.Type // user-visible parameters, token excluded
	wantsToken bool
	shape      resultShape

	invoker Invoker // set only for the Invoker category
}

// normalizeCallable adapts a supported callable into the uniform shape.
// Returns ErrUnsupportedCallable or ErrUnsupportedResult on rejection.
func normalizeCallable(c any) (*callable, error) {
	if c == nil {
		return nil, fmt.Errorf("%w: nil", ErrUnsupportedCallable)
	}

	if inv, ok := c.(Invoker); ok {
		return &callable{invoker: inv, shape: shapeDynamic}, nil
	}

	if bm, ok := c.(BoundMethod); ok {
		rv := reflect.ValueOf(bm.Recv)
		if !rv.IsValid() {
			return nil, fmt.Errorf("%w: nil method receiver", ErrUnsupportedCallable)
		}
		m := rv.MethodByName(bm.Name)
		if !m.IsValid() {
			return nil, fmt.Errorf("%w: method %s.%s not found", ErrUnsupportedCallable, rv.Type(), bm.Name)
		}
		return normalizeFunc(m)
	}

	rv := reflect.ValueOf(c)
	if rv.Kind() != reflect.Func {
		return nil, fmt.Errorf("%w: %T", ErrUnsupportedCallable, c)
	}
	return normalizeFunc(rv)
}

func normalizeFunc(fn reflect.Value) (*callable, error) {
	ft := fn.Type()
	if ft.IsVariadic() {
		return nil, fmt.Errorf("%w: variadic func", ErrUnsupportedCallable)
	}

	c := &callable{fn: fn}

	start := 0
	if ft.NumIn() > 0 && ft.In(0) == tokenType {
		c.wantsToken = true
		start = 1
	}
	for i := start; i < ft.NumIn(); i++ {
		c.params = append(c.params, ft.In(i))
	}

	switch ft.NumOut() {
	case 0:
		c.shape = shapeNone
	case 1:
		if ft.Out(0) == errType {
			c.shape = shapeErr
		} else {
			if !representableType(ft.Out(0)) {
				return nil, fmt.Errorf("%w: %s", ErrUnsupportedResult, ft.Out(0))
			}
			c.shape = shapeVal
		}
	case 2:
		if ft.Out(1) != errType {
			return nil, fmt.Errorf("%w: second result must be error, got %s", ErrUnsupportedResult, ft.Out(1))
		}
		if !representableType(ft.Out(0)) {
			return nil, fmt.Errorf("%w: %s", ErrUnsupportedResult, ft.Out(0))
		}
		c.shape = shapeValErr
	default:
		return nil, fmt.Errorf("%w: %d results", ErrUnsupportedResult, ft.NumOut())
	}
	return c, nil
}

// bind validates submitted arguments against the normalized signature and
// returns the zero-argument invoker. A complete signature mismatch returns
// ErrArgumentMismatch; no state is retained on failure.
func (c *callable) bind(args []any) (func(tok *StopToken) Value, error) {
	if c.shape == shapeDynamic {
		inv := c.invoker
		bound := append([]any(nil), args...)
		return func(tok *StopToken) Value {
			return capturePanics(func() Value {
				res, err := inv.InvokeTask(tok, bound)
				if err != nil {
					return ErrorValue(err)
				}
				v, ok := wrap(res)
				if !ok {
					return ErrorValue(fmt.Errorf("%w: %T", ErrUnsupportedResult, res))
				}
				return v
			})
		}, nil
	}

	if len(args) != len(c.params) {
		return nil, fmt.Errorf("%w: got %d args, want %d", ErrArgumentMismatch, len(args), len(c.params))
	}

	in := make([]reflect.Value, 0, len(args)+1)
	if c.wantsToken {
		in = append(in, reflect.Value{}) // token slot, filled at invocation
	}
	for i, a := range args {
		av, err := coerceArg(a, c.params[i])
		if err != nil {
			return nil, fmt.Errorf("%w: arg %d: %v", ErrArgumentMismatch, i, err)
		}
		in = append(in, av)
	}

	fn := c.fn
	shape := c.shape
	wantsToken := c.wantsToken
	return func(tok *StopToken) Value {
		call := in
		if wantsToken {
			call = append([]reflect.Value(nil), in...)
			call[0] = reflect.ValueOf(tok)
		}
		return capturePanics(func() Value {
			out := fn.Call(call)
			switch shape {
			case shapeNone:
				return NoValue()
			case shapeErr:
				if err, _ := out[0].Interface().(error); err != nil {
					return ErrorValue(err)
				}
				return NoValue()
			case shapeValErr:
				if err, _ := out[1].Interface().(error); err != nil {
					return ErrorValue(err)
				}
				fallthrough
			default:
				v, _ := wrap(out[0].Interface())
				return v
			}
		})
	}, nil
}

// coerceArg makes a submitted argument usable as parameter type pt.
// Assignable types pass through; numeric conversions are allowed so literal
// ints reach int64/float parameters; anything else is a mismatch.
func coerceArg(a any, pt reflect.Type) (reflect.Value, error) {
	if a == nil {
		switch pt.Kind() {
		case reflect.Ptr, reflect.Interface, reflect.Slice, reflect.Map, reflect.Chan, reflect.Func:
			return reflect.Zero(pt), nil
		}
		return reflect.Value{}, fmt.Errorf("nil for %s", pt)
	}
	av := reflect.ValueOf(a)
	at := av.Type()
	if at.AssignableTo(pt) {
		return av, nil
	}
	if isNumericKind(at.Kind()) && isNumericKind(pt.Kind()) && at.ConvertibleTo(pt) {
		return av.Convert(pt), nil
	}
	return reflect.Value{}, fmt.Errorf("%s not assignable to %s", at, pt)
}

func isNumericKind(k reflect.Kind) bool {
	switch k {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64,
		reflect.Float32, reflect.Float64:
		return true
	}
	return false
}

// capturePanics folds a task-body panic into the result model so a bad task
// cannot take down the scheduler and finished still fires.
func capturePanics(fn func() Value) (v Value) {
	defer func() {
		if r := recover(); r != nil {
			v = ErrorValue(fmt.Errorf("panic: %v", r))
		}
	}()
	return fn()
}

// argLog converts submitted arguments into the recorded, order-preserving
// argument log. Non-representable arguments are skipped; the indexes of the
// skipped positions are returned so the caller can log them. Non-fatal.
func argLog(args []any) (vals []Value, skipped []int) {
	vals = make([]Value, 0, len(args))
	for i, a := range args {
		v, ok := wrap(a)
		if !ok {
			skipped = append(skipped, i)
			continue
		}
		vals = append(vals, v)
	}
	return vals, skipped
}
