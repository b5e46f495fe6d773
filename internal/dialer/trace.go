package dialer

import (
	"context"
	"net"
	"reflect"
)

// the key net uses to find hooks installed by [net/http/httptrace].
// the dialer fires the httptrace hooks itself, so net must not.
var stdNetTraceKey interface{}

type captureContext struct {
	context.Context
	capture func(reflect.Type)
}

func (c captureContext) Value(key interface{}) interface{} {
	c.capture(reflect.TypeOf(key))
	return nil
}

func init() {
	var stdNetTraceType reflect.Type

	capture := captureContext{context.Background(), nil}
	capture.capture = func(t reflect.Type) {
		if stdNetTraceType == nil {
			stdNetTraceType = t
		}
	}
	(&net.Dialer{}).DialContext(capture, "invalid", "")

	if stdNetTraceType != nil {
		stdNetTraceKey = reflect.New(stdNetTraceType).Elem().Interface()
	}
}

func shadowStandardNetTrace(ctx context.Context) context.Context {
	if stdNetTraceKey == nil {
		return ctx
	}
	return context.WithValue(ctx, stdNetTraceKey, nil)
}
