package middleware

import (
	"context"

	"golang.org/x/time/rate"

	"portrpc/engine"
	"portrpc/message"
)

// RateLimitMiddleware admits r requests per second with bursts of burst.
// Requests over the limit end with -32005.
func RateLimitMiddleware(r float64, burst int) engine.Middleware {
	limiter := rate.NewLimiter(rate.Limit(r), burst)
	return engine.Func(func(_ context.Context, req *message.Request, _ *message.Response, next engine.Next, end engine.End) error {
		if !limiter.Allow() {
			end(message.MustError(message.CodeLimitExceeded, "rate limit exceeded", map[string]string{"method": req.Method}))
			return nil
		}
		next(nil)
		return nil
	})
}
