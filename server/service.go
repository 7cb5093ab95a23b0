package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"reflect"

	"portrpc/message"
)

type methodType struct {
	method    reflect.Method
	withCtx   bool
	ArgType   reflect.Type
	ReplyType reflect.Type
}

type service struct {
	name   string
	rcvr   reflect.Value
	typ    reflect.Type
	method map[string]*methodType
}

// newService wraps rcvr and collects its RPC methods.
func newService(rcvr any) (*service, error) {
	typ := reflect.TypeOf(rcvr)
	if typ == nil || typ.Kind() != reflect.Ptr {
		return nil, fmt.Errorf("server: rcvr must be a pointer, got %T", rcvr)
	}
	if typ.Elem().Kind() != reflect.Struct {
		return nil, fmt.Errorf("server: rcvr must point to a struct, got %s", typ.Elem().Kind())
	}
	srv := &service{
		name:   typ.Elem().Name(),
		rcvr:   reflect.ValueOf(rcvr),
		typ:    typ,
		method: make(map[string]*methodType),
	}
	srv.registerMethods()
	if len(srv.method) == 0 {
		return nil, fmt.Errorf("server: type %s has no exported methods of suitable type", srv.name)
	}
	return srv, nil
}

var (
	errorType   = reflect.TypeOf((*error)(nil)).Elem()
	contextType = reflect.TypeOf((*context.Context)(nil)).Elem()
)

// registerMethods keeps exported methods with one of these signatures:
//
//	func (r *T) M(args *A, reply *R) error
//	func (r *T) M(ctx context.Context, args *A, reply *R) error
func (s *service) registerMethods() {
	for i := 0; i < s.typ.NumMethod(); i++ {
		method := s.typ.Method(i)
		mt := method.Type
		if mt.NumOut() != 1 || mt.Out(0) != errorType {
			continue
		}
		first := 1
		withCtx := mt.NumIn() == 4 && mt.In(1) == contextType
		if withCtx {
			first = 2
		} else if mt.NumIn() != 3 {
			continue
		}
		if mt.In(first).Kind() != reflect.Ptr || mt.In(first+1).Kind() != reflect.Ptr {
			continue
		}
		s.method[method.Name] = &methodType{
			method:    method,
			withCtx:   withCtx,
			ArgType:   mt.In(first).Elem(),
			ReplyType: mt.In(first + 1).Elem(),
		}
	}
}

// call invokes the method through reflection.
func (s *service) call(ctx context.Context, mType *methodType, argv, replyv reflect.Value) error {
	args := []reflect.Value{s.rcvr}
	if mType.withCtx {
		args = append(args, reflect.ValueOf(ctx))
	}
	args = append(args, argv, replyv)
	results := mType.method.Func.Call(args)
	if err, _ := results[0].Interface().(error); err != nil {
		return err
	}
	return nil
}

// handlers returns one request handler per method, keyed "Service.Method".
func (s *service) handlers() map[string]func(context.Context, *message.Request) (any, error) {
	out := make(map[string]func(context.Context, *message.Request) (any, error), len(s.method))
	for name, mType := range s.method {
		out[s.name+"."+name] = func(ctx context.Context, req *message.Request) (any, error) {
			argv := reflect.New(mType.ArgType)
			if err := decodeParams(req.Params, argv.Interface()); err != nil {
				return nil, message.MustError(message.CodeInvalidParams, "invalid params", err.Error())
			}
			replyv := reflect.New(mType.ReplyType)
			if err := s.call(ctx, mType, argv, replyv); err != nil {
				return nil, err
			}
			return replyv.Interface(), nil
		}
	}
	return out
}

// decodeParams accepts params given by name, or positionally with the
// argument struct as the first element.
func decodeParams(params json.RawMessage, v any) error {
	params = bytes.TrimSpace(params)
	if len(params) == 0 || bytes.Equal(params, []byte("null")) {
		return nil
	}
	if params[0] == '[' {
		var positional []json.RawMessage
		if err := json.Unmarshal(params, &positional); err != nil {
			return err
		}
		if len(positional) == 0 {
			return nil
		}
		params = positional[0]
	}
	return json.Unmarshal(params, v)
}
