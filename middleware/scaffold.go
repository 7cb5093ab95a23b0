package middleware

import (
	"context"

	"portrpc/engine"
	"portrpc/message"
)

// Scaffold routes requests by method name. Each table value is one of
//   - an engine.Middleware, which takes over the request
//   - a func with the engine.Func signature, used the same way
//   - an engine.Handler or a func(context.Context, *message.Request) (any, error),
//     whose return value becomes the result
//   - any other value, returned verbatim as the result
//
// Methods missing from the table fall through to the next middleware.
func Scaffold(table map[string]any) engine.Middleware {
	handlers := make(map[string]engine.Middleware, len(table))
	for method, h := range table {
		handlers[method] = asMiddleware(h)
	}
	return engine.Func(func(ctx context.Context, req *message.Request, res *message.Response, next engine.Next, end engine.End) error {
		h, ok := handlers[req.Method]
		if !ok {
			next(nil)
			return nil
		}
		return h.Handle(ctx, req, res, next, end)
	})
}

func asMiddleware(h any) engine.Middleware {
	switch v := h.(type) {
	case engine.Middleware:
		return v
	case func(context.Context, *message.Request, *message.Response, engine.Next, engine.End) error:
		return engine.Func(v)
	case engine.Handler:
		return engine.Terminal(v)
	case func(context.Context, *message.Request) (any, error):
		return engine.Terminal(v)
	default:
		return constant(v)
	}
}

func constant(v any) engine.Middleware {
	return engine.Func(func(_ context.Context, _ *message.Request, res *message.Response, _ engine.Next, end engine.End) error {
		if err := res.SetResult(v); err != nil {
			return err
		}
		end(nil)
		return nil
	})
}
