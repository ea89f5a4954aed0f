package middleware

import (
	"context"
	"time"

	"go.uber.org/zap"

	"meshrpc/message"
)

func LoggingMiddleware(logger *zap.Logger) Middleware {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.Request) *message.Response {
			start := time.Now()
			res := next(ctx, req)
			fields := []zap.Field{
				zap.String("route", req.Route()),
				zap.Duration("duration", time.Since(start)),
			}
			if code := errorCode(res); code != "" {
				logger.Warn("rpc failed", append(fields, zap.String("code", code), zap.String("error", res.Error.Msg))...)
				return res
			}
			logger.Debug("rpc handled", fields...)
			return res
		}
	}
}
