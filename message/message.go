// Package message defines the JSON-RPC 2.0 objects exchanged across a port.
//
// Request is the "call" object. A Request without a valid id is a notification:
// it expects no reply and never occupies a slot in a pending-call table.
// Response carries exactly one of Result or Error once a call completes.
//
// Every object on the wire carries jsonrpc: "2.0". Parse classifies an inbound
// payload into a Request (method present) or a Response (method absent).
package message

import (
	"encoding/json"
	"fmt"
)

// Version is the only protocol version this package speaks.
const Version = "2.0"

// Request is a JSON-RPC request or notification.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      ID              `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// NewRequest builds a request; pass an empty ID for a notification.
// params may be nil, a json.RawMessage, or any JSON-marshalable value.
func NewRequest(id ID, method string, params any) (*Request, error) {
	req := &Request{JSONRPC: Version, ID: id, Method: method}
	if params == nil {
		return req, nil
	}
	if raw, ok := params.(json.RawMessage); ok {
		req.Params = raw
		return req, nil
	}
	raw, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("message: marshal params for %q: %w", method, err)
	}
	req.Params = raw
	return req, nil
}

// IsNotification reports whether the request expects no response.
func (r *Request) IsNotification() bool {
	return !r.ID.Valid()
}

// UnmarshalJSON accepts a non-string method and leaves Method empty, so that
// validation can answer with an invalid-request error instead of a parse error.
func (r *Request) UnmarshalJSON(b []byte) error {
	var raw struct {
		JSONRPC string          `json:"jsonrpc"`
		ID      ID              `json:"id"`
		Method  json.RawMessage `json:"method"`
		Params  json.RawMessage `json:"params"`
	}
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	r.JSONRPC = raw.JSONRPC
	r.ID = raw.ID
	r.Params = raw.Params
	r.Method = ""
	if len(raw.Method) > 0 {
		var method string
		if json.Unmarshal(raw.Method, &method) == nil {
			r.Method = method
		}
	}
	return nil
}

// Response is a JSON-RPC response.
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      ID              `json:"id,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
}

// NewResponse returns an empty response addressed to req.
func NewResponse(req *Request) *Response {
	return &Response{JSONRPC: Version, ID: req.ID}
}

// SetResult marshals v into the result field.
func (r *Response) SetResult(v any) error {
	if raw, ok := v.(json.RawMessage); ok {
		r.Result = raw
		return nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("message: marshal result: %w", err)
	}
	r.Result = raw
	return nil
}

// Decode unmarshals the result into v.
func (r *Response) Decode(v any) error {
	if r.Error != nil {
		return r.Error
	}
	if len(r.Result) == 0 {
		return fmt.Errorf("message: response %s has no result", r.ID)
	}
	return json.Unmarshal(r.Result, v)
}

// Done reports whether the response carries a result or an error.
func (r *Response) Done() bool {
	return r.Result != nil || r.Error != nil
}

// Parse classifies an inbound payload. Exactly one of the returned objects is
// non-nil when err is nil.
func Parse(raw []byte) (*Request, *Response, error) {
	var probe struct {
		Method json.RawMessage `json:"method"`
	}
	if err := json.Unmarshal(raw, &probe); err != nil {
		return nil, nil, fmt.Errorf("message: malformed payload: %w", err)
	}
	if len(probe.Method) > 0 {
		var req Request
		if err := json.Unmarshal(raw, &req); err != nil {
			return nil, nil, fmt.Errorf("message: malformed request: %w", err)
		}
		return &req, nil, nil
	}
	var res Response
	if err := json.Unmarshal(raw, &res); err != nil {
		return nil, nil, fmt.Errorf("message: malformed response: %w", err)
	}
	return nil, &res, nil
}
