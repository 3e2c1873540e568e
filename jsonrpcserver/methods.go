package jsonrpcserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
)

var (
	ErrNotFunction         = errors.New("not a function")
	ErrMustReturnError     = errors.New("function must return error as a last return value")
	ErrMustHaveContext     = errors.New("function must have context.Context as a first argument")
	ErrTooManyReturnValues = errors.New("too many return values")

	ErrTooManyParams = errors.New("too many params")
)

var (
	contextType = reflect.TypeOf((*context.Context)(nil)).Elem()
	errorType   = reflect.TypeOf((*error)(nil)).Elem()
)

// Error carries an explicit JSON-RPC error code. Methods may return it directly.
type Error struct {
	Code int
	Err  error
}

func (e *Error) Error() string {
	return e.Err.Error()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// ErrorCode assigns Code to every error matching Err.
type ErrorCode struct {
	Err  error
	Code int
}

// ErrorCodes is checked in order, the first match wins.
type ErrorCodes []ErrorCode

// Code returns the code of err: an *Error's own code, then the first matching entry, else CodeCustomError.
func (c ErrorCodes) Code(err error) int {
	var coded *Error
	if errors.As(err, &coded) {
		return coded.Code
	}
	for _, ec := range c {
		if errors.Is(err, ec.Err) {
			return ec.Code
		}
	}
	return CodeCustomError
}

// method is a registered function of the form
// func(ctx, params...) (result, error) or func(ctx, params...) error.
type method struct {
	fn        reflect.Value
	params    []reflect.Type
	hasResult bool
}

func newMethod(fn any) (method, error) {
	v := reflect.ValueOf(fn)
	if v.Kind() != reflect.Func {
		return method{}, ErrNotFunction
	}
	t := v.Type()
	if t.NumIn() == 0 || t.In(0) != contextType {
		return method{}, ErrMustHaveContext
	}
	numOut := t.NumOut()
	if numOut == 0 || !t.Out(numOut-1).Implements(errorType) {
		return method{}, ErrMustReturnError
	}
	if numOut > 2 {
		return method{}, ErrTooManyReturnValues
	}

	params := make([]reflect.Type, t.NumIn()-1)
	for i := range params {
		params[i] = t.In(i + 1)
	}
	return method{fn: v, params: params, hasResult: numOut == 2}, nil
}

// decodeParams unmarshals positional params. Missing trailing params are zero values.
func (m method) decodeParams(raw []json.RawMessage) ([]reflect.Value, error) {
	if len(raw) > len(m.params) {
		return nil, &Error{Code: CodeInvalidParams, Err: ErrTooManyParams}
	}
	args := make([]reflect.Value, len(m.params))
	for i, typ := range m.params {
		arg := reflect.New(typ)
		if i < len(raw) {
			if err := json.Unmarshal(raw[i], arg.Interface()); err != nil {
				return nil, &Error{Code: CodeInvalidParams, Err: fmt.Errorf("param %d: %w", i, err)}
			}
		}
		args[i] = arg.Elem()
	}
	return args, nil
}

func (m method) call(ctx context.Context, raw []json.RawMessage) (any, error) {
	args, err := m.decodeParams(raw)
	if err != nil {
		return nil, err
	}

	out := m.fn.Call(append([]reflect.Value{reflect.ValueOf(ctx)}, args...))
	callErr, _ := out[len(out)-1].Interface().(error)
	if !m.hasResult {
		return nil, callErr
	}
	return out[0].Interface(), callErr
}
