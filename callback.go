package duplex

import (
	"encoding"
	"encoding/json"
	"fmt"
	"reflect"
)

// callback wraps a user-supplied handler function. Decoded payload
// values are converted to the function's parameter types on each
// invocation; binary attachments bind to []byte or Binary parameters.
type callback struct {
	fn   reflect.Value
	args []reflect.Type
}

func newCallback(fn interface{}) *callback {
	v := reflect.ValueOf(fn)
	if v.Kind() != reflect.Func {
		panic("duplex: handler must be a function")
	}
	t := v.Type()
	args := make([]reflect.Type, t.NumIn())
	for i := 0; i < t.NumIn(); i++ {
		args[i] = t.In(i)
	}
	return &callback{fn: v, args: args}
}

var errType = reflect.TypeOf((*error)(nil)).Elem()

// Call invokes the handler with the given arguments. A panic inside the
// handler is recovered into the returned error; a trailing error return
// is split off from the result value.
func (c *callback) Call(args []interface{}) (result interface{}, err error) {
	defer func() {
		if r := recover(); r != nil {
			if e, ok := r.(error); ok {
				err = e
			} else {
				err = fmt.Errorf("%v", r)
			}
		}
	}()
	in, err := c.convert(args)
	if err != nil {
		return nil, err
	}
	out := c.fn.Call(in)
	if n := len(out); n > 0 && out[n-1].Type() == errType {
		if e := out[n-1].Interface(); e != nil {
			err = e.(error)
		}
		out = out[:n-1]
	}
	if len(out) > 0 {
		result = out[0].Interface()
	}
	return
}

func (c *callback) convert(args []interface{}) ([]reflect.Value, error) {
	t := c.fn.Type()
	n := t.NumIn()
	if t.IsVariadic() {
		if len(args) < n-1 {
			return nil, fmt.Errorf("handler takes at least %d arguments, got %d", n-1, len(args))
		}
		in := make([]reflect.Value, 0, len(args))
		for i := 0; i < n-1; i++ {
			v, err := convertArg(args[i], t.In(i))
			if err != nil {
				return nil, err
			}
			in = append(in, v)
		}
		elem := t.In(n - 1).Elem()
		for i := n - 1; i < len(args); i++ {
			v, err := convertArg(args[i], elem)
			if err != nil {
				return nil, err
			}
			in = append(in, v)
		}
		return in, nil
	}
	if len(args) != n {
		return nil, fmt.Errorf("handler takes %d arguments, got %d", n, len(args))
	}
	in := make([]reflect.Value, n)
	for i := range args {
		v, err := convertArg(args[i], t.In(i))
		if err != nil {
			return nil, err
		}
		in[i] = v
	}
	return in, nil
}

var bytesType = reflect.TypeOf([]byte(nil))

func convertArg(arg interface{}, t reflect.Type) (reflect.Value, error) {
	if arg == nil {
		return reflect.Zero(t), nil
	}
	v := reflect.ValueOf(arg)
	if v.Type().AssignableTo(t) {
		return v, nil
	}
	if b, ok := arg.([]byte); ok {
		target := reflect.New(t)
		if t.Kind() == reflect.Ptr {
			target = reflect.New(t.Elem())
		}
		if u, ok := target.Interface().(encoding.BinaryUnmarshaler); ok {
			if err := u.UnmarshalBinary(b); err != nil {
				return reflect.Value{}, err
			}
			if t.Kind() == reflect.Ptr {
				return target, nil
			}
			return target.Elem(), nil
		}
		if t == bytesType {
			return v, nil
		}
		return reflect.Value{}, fmt.Errorf("cannot bind binary attachment to %s", t)
	}
	// re-marshal through JSON to reach the declared parameter type
	raw, err := json.Marshal(arg)
	if err != nil {
		return reflect.Value{}, err
	}
	target := reflect.New(t)
	if err = json.Unmarshal(raw, target.Interface()); err != nil {
		return reflect.Value{}, err
	}
	return target.Elem(), nil
}
