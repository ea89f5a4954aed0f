package server

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"meshrpc/middleware"
)

// Dispatch runs handler over the calls read from rpcs with a fixed number
// of workers, and returns once rpcs is closed and every worker is done.
// The number of calls in progress is therefore bounded by workers plus the
// queue capacity. A nil result or a panicking handler drops the call.
func Dispatch(ctx context.Context, rpcs <-chan *Rpc, handler middleware.HandlerFunc, workers int, logger *zap.Logger) {
	if workers < 1 {
		workers = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for rpc := range rpcs {
				handle(ctx, rpc, handler, logger)
			}
		}()
	}
	wg.Wait()
}

func handle(ctx context.Context, rpc *Rpc, handler middleware.HandlerFunc, logger *zap.Logger) {
	defer func() {
		if p := recover(); p != nil {
			logger.Error("rpc handler panicked",
				zap.String("route", rpc.Request().Route()),
				zap.Any("panic", p))
			rpc.Drop()
		}
	}()

	res := handler(ctx, rpc.Request())
	if res == nil {
		rpc.Drop()
		return
	}
	rpc.Respond(res)
}
