package jsonrpcserver

import (
	"context"
	"encoding/json"
	"errors"
	"reflect"
)

var (
	ErrNotFunction         = errors.New("not a function")
	ErrMustReturnError     = errors.New("function must return error as a last return value")
	ErrMustHaveContext     = errors.New("function must have context.Context as a first argument")
	ErrTooManyReturnValues = errors.New("too many return values")

	ErrTooMuchArguments = errors.New("too much arguments")
)

var (
	contextType = reflect.TypeOf((*context.Context)(nil)).Elem()
	errorType   = reflect.TypeOf((*error)(nil)).Elem()
)

// methodHandler dispatches a JSON-RPC call to a plain Go function.
// Accepted shapes are func(ctx, args...) error and
// func(ctx, args...) (result, error).
type methodHandler struct {
	fn     reflect.Value
	params []reflect.Type
	hasRes bool
}

func getMethodTypes(fn interface{}) (methodHandler, error) {
	fnType := reflect.TypeOf(fn)
	if fnType == nil || fnType.Kind() != reflect.Func {
		return methodHandler{}, ErrNotFunction
	}
	if fnType.NumIn() == 0 || fnType.In(0) != contextType {
		return methodHandler{}, ErrMustHaveContext
	}
	numOut := fnType.NumOut()
	if numOut == 0 || !fnType.Out(numOut-1).Implements(errorType) {
		return methodHandler{}, ErrMustReturnError
	}
	if numOut > 2 {
		return methodHandler{}, ErrTooManyReturnValues
	}

	params := make([]reflect.Type, 0, fnType.NumIn()-1)
	for i := 1; i < fnType.NumIn(); i++ {
		params = append(params, fnType.In(i))
	}
	return methodHandler{
		fn:     reflect.ValueOf(fn),
		params: params,
		hasRes: numOut == 2,
	}, nil
}

func (h methodHandler) call(ctx context.Context, params []json.RawMessage) (any, error) {
	if len(params) > len(h.params) {
		return nil, ErrTooMuchArguments
	}

	args := make([]reflect.Value, 0, len(h.params)+1)
	args = append(args, reflect.ValueOf(ctx))
	// missing trailing params stay at their zero value
	for i, paramType := range h.params {
		arg := reflect.New(paramType)
		if i < len(params) {
			if err := json.Unmarshal(params[i], arg.Interface()); err != nil {
				return nil, err
			}
		}
		args = append(args, arg.Elem())
	}

	results := h.fn.Call(args)

	var callErr error
	if errVal := results[len(results)-1]; !errVal.IsNil() {
		err, ok := errVal.Interface().(error)
		if !ok {
			return nil, ErrMustReturnError
		}
		callErr = err
	}
	if !h.hasRes {
		return nil, callErr
	}
	return results[0].Interface(), callErr
}
