package middleware

import (
	"context"
	"log/slog"
	"time"

	"portrpc/engine"
	"portrpc/logging"
	"portrpc/message"
)

func LoggingMiddleware(logger *slog.Logger) engine.Middleware {
	logger = logging.OrDefault(logger)
	return engine.Func(func(ctx context.Context, req *message.Request, res *message.Response, next engine.Next, _ engine.End) error {
		start := time.Now()
		logger.DebugContext(ctx, "rpc request", "method", req.Method, "id", req.ID.String(), "params", string(req.Params))
		next(func() {
			// Record the method, the time spent downstream and the error if any
			attrs := []any{"method", req.Method, "id", res.ID.String(), "duration", time.Since(start)}
			if res.Error != nil {
				attrs = append(attrs, "code", res.Error.Code, "error", res.Error.Message)
			}
			logger.InfoContext(ctx, "rpc response", attrs...)
		})
		return nil
	})
}
