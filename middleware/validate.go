package middleware

import (
	"context"
	"log/slog"

	"portrpc/engine"
	"portrpc/logging"
	"portrpc/message"
)

// Validate rejects requests without a usable method and logs every error
// response on the way back out.
func Validate(logger *slog.Logger) engine.Middleware {
	logger = logging.OrDefault(logger)
	return engine.Func(func(_ context.Context, req *message.Request, res *message.Response, next engine.Next, end engine.End) error {
		if req.Method == "" {
			end(message.MustError(message.CodeInvalidRequest, "invalid method", map[string]any{"id": req.ID}))
			return nil
		}
		next(func() {
			if res.Error != nil {
				logger.Warn("rpc error response",
					"method", req.Method,
					"id", req.ID.String(),
					"code", res.Error.Code,
					"error", res.Error.Message,
				)
			}
		})
		return nil
	})
}
