package middleware

import (
	"context"

	"github.com/google/uuid"

	"portrpc/engine"
	"portrpc/message"
)

// IDGenerator returns a fresh request id.
type IDGenerator func() message.ID

// UUIDs generates random UUID string ids.
func UUIDs() message.ID {
	return message.StringID(uuid.NewString())
}

// IDRemap gives every call a fresh id while it travels further down the
// pipeline, and restores the caller's id on the way back. Ids chosen by
// independent callers sharing one transport therefore never collide.
// Notifications pass through untouched.
func IDRemap(gen IDGenerator) engine.Middleware {
	if gen == nil {
		gen = UUIDs
	}
	return engine.Func(func(_ context.Context, req *message.Request, res *message.Response, next engine.Next, _ engine.End) error {
		if req.IsNotification() {
			next(nil)
			return nil
		}
		original := req.ID
		fresh := gen()
		req.ID = fresh
		res.ID = fresh
		next(func() {
			req.ID = original
			res.ID = original
		})
		return nil
	})
}
