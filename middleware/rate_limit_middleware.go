package middleware

import (
	"context"

	"golang.org/x/time/rate"

	"meshrpc/cluster"
	"meshrpc/message"
)

// RateLimitMiddleware rejects calls beyond r per second (with the given
// burst) with a PIT-429 reply.
func RateLimitMiddleware(r float64, burst int) Middleware {
	limiter := rate.NewLimiter(rate.Limit(r), burst)
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.Request) *message.Response {
			if !limiter.Allow() {
				return message.NewErrorResponse(cluster.CodeRateLimited, "rate limit exceeded")
			}
			return next(ctx, req)
		}
	}
}
