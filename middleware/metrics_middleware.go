package middleware

import (
	"context"
	"strconv"
	"time"

	"portrpc/engine"
	"portrpc/message"
	"portrpc/metrics"
)

// Metrics counts handled requests by method and outcome. When known is set,
// methods it rejects are recorded as metrics.UnknownMethod so peers cannot
// mint label values.
func Metrics(m *metrics.Metrics, known func(method string) bool) engine.Middleware {
	return engine.Func(func(_ context.Context, req *message.Request, res *message.Response, next engine.Next, _ engine.End) error {
		start := time.Now()
		next(func() {
			method := req.Method
			if known != nil && !known(method) {
				method = metrics.UnknownMethod
			}
			outcome := "ok"
			if res.Error != nil {
				outcome = strconv.Itoa(res.Error.Code)
			}
			m.CallCompleted(method, outcome, time.Since(start).Seconds())
		})
		return nil
	})
}
