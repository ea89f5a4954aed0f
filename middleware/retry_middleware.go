package middleware

import (
	"context"
	"time"

	"go.uber.org/zap"

	"meshrpc/cluster"
	"meshrpc/message"
)

// RetryMiddleware repeats a call that came back overloaded or timed out,
// doubling baseDelay between attempts. Other failures return immediately.
func RetryMiddleware(maxRetries int, baseDelay time.Duration, logger *zap.Logger) Middleware {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.Request) *message.Response {
			res := next(ctx, req)
			for i := 0; i < maxRetries && retryable(res); i++ {
				delay := baseDelay * time.Duration(1<<i)
				logger.Debug("retrying rpc",
					zap.String("route", req.Route()),
					zap.Int("attempt", i+1),
					zap.String("code", errorCode(res)),
					zap.Duration("delay", delay))

				timer := time.NewTimer(delay)
				select {
				case <-ctx.Done():
					timer.Stop()
					return res
				case <-timer.C:
				}
				res = next(ctx, req)
			}
			return res
		}
	}
}

func retryable(res *message.Response) bool {
	switch errorCode(res) {
	case cluster.CodeOverloaded, cluster.CodeTimeout:
		return true
	}
	return false
}
