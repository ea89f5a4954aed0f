// Package middleware wraps RPC handlers. The same chain type serves both
// sides: the dispatch loop wraps the member's route handler, and the client
// wraps its outbound call.
package middleware

import (
	"context"

	"meshrpc/message"
)

type HandlerFunc func(ctx context.Context, req *message.Request) *message.Response

type Middleware func(next HandlerFunc) HandlerFunc

// Chain composes middlewares so that the first one listed runs outermost.
func Chain(middlewares ...Middleware) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		for i := len(middlewares) - 1; i >= 0; i-- {
			next = middlewares[i](next)
		}
		return next
	}
}

func errorCode(res *message.Response) string {
	if res == nil || res.Error == nil {
		return ""
	}
	return res.Error.Code
}
