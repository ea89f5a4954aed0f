package server

import (
	"context"
	"fmt"
	"reflect"
	"strings"
	"sync"

	"meshrpc/cluster"
	"meshrpc/codec"
	"meshrpc/message"
)

// Router maps the handler and method parts of a route onto registered
// services. Payloads are JSON: the request data is decoded into the
// method's argument and the reply struct is encoded as the response data.
type Router struct {
	codec codec.Codec

	mu       sync.RWMutex
	services map[string]*service
}

func NewRouter() *Router {
	return &Router{
		codec:    codec.GetCodec(codec.CodecTypeJSON),
		services: make(map[string]*service),
	}
}

// Register exposes rcvr's handler methods under name. An empty name uses
// the receiver's type name with a lower-case first letter.
func (rt *Router) Register(name string, rcvr any) error {
	svc, err := newService(name, rcvr)
	if err != nil {
		return err
	}
	rt.mu.Lock()
	defer rt.mu.Unlock()
	if _, dup := rt.services[svc.name]; dup {
		return fmt.Errorf("rpc: service already defined: %s", svc.name)
	}
	rt.services[svc.name] = svc
	return nil
}

// Handle has the middleware.HandlerFunc signature.
func (rt *Router) Handle(ctx context.Context, req *message.Request) *message.Response {
	route := req.Route()
	if _, err := cluster.ParseRoute(route); err != nil {
		return message.NewErrorResponse(cluster.CodeNotFound, err.Error())
	}
	parts := strings.Split(route, ".")
	serviceName, methodName := parts[1], parts[2]

	rt.mu.RLock()
	svc := rt.services[serviceName]
	rt.mu.RUnlock()
	if svc == nil {
		return message.NewErrorResponse(cluster.CodeNotFound, "rpc: can't find service "+serviceName)
	}
	mType := svc.method[methodName]
	if mType == nil {
		return message.NewErrorResponse(cluster.CodeNotFound, "rpc: can't find method "+route)
	}

	argv := reflect.New(mType.ArgType)
	replyv := reflect.New(mType.ReplyType)
	if data := req.Msg.Data; len(data) > 0 {
		if err := rt.codec.Decode(data, argv.Interface()); err != nil {
			return message.NewErrorResponse(cluster.CodeInternal, "rpc: decode args: "+err.Error())
		}
	}

	if err := svc.call(ctx, mType, argv, replyv); err != nil {
		return message.NewErrorResponse(cluster.CodeInternal, err.Error())
	}

	data, err := rt.codec.Encode(replyv.Interface())
	if err != nil {
		return message.NewErrorResponse(cluster.CodeInternal, "rpc: encode reply: "+err.Error())
	}
	return &message.Response{Data: data}
}
