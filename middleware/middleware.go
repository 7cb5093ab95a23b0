// Package middleware provides the stock stages of a portrpc pipeline.
//
// A typical client pipeline is
//
//	Validate → IDRemap → Logging → rpcstream bridge
//
// and a typical server pipeline is
//
//	Validate → Logging → RateLimit → ParamsSchema → Scaffold
package middleware

import (
	"portrpc/engine"
)

// Chain runs middlewares as one nested stage. A request that falls through
// all of them continues with the next outer stage.
func Chain(middlewares ...engine.Middleware) engine.Middleware {
	return engine.New(middlewares).AsMiddleware()
}
