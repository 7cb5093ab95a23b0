package middleware

import (
	"context"
	"fmt"

	"github.com/xeipuuv/gojsonschema"

	"portrpc/engine"
	"portrpc/message"
)

// ParamsSchema checks request params against a JSON Schema per method.
// Methods without a schema pass through. A failed check ends the request with
// -32602 and the list of violations as data.
func ParamsSchema(schemas map[string]string) (engine.Middleware, error) {
	compiled := make(map[string]*gojsonschema.Schema, len(schemas))
	for method, src := range schemas {
		schema, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(src))
		if err != nil {
			return nil, fmt.Errorf("middleware: compile params schema for %q: %w", method, err)
		}
		compiled[method] = schema
	}

	return engine.Func(func(_ context.Context, req *message.Request, _ *message.Response, next engine.Next, end engine.End) error {
		schema, ok := compiled[req.Method]
		if !ok {
			next(nil)
			return nil
		}
		params := []byte(req.Params)
		if len(params) == 0 {
			params = []byte("null")
		}
		result, err := schema.Validate(gojsonschema.NewBytesLoader(params))
		if err != nil {
			end(message.MustError(message.CodeInvalidParams, "invalid params", err.Error()))
			return nil
		}
		if !result.Valid() {
			violations := make([]string, 0, len(result.Errors()))
			for _, e := range result.Errors() {
				violations = append(violations, e.String())
			}
			end(message.MustError(message.CodeInvalidParams, "invalid params", violations))
			return nil
		}
		next(nil)
		return nil
	}), nil
}
