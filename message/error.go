package message

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"runtime"
	"strings"
)

// Standard JSON-RPC error codes, plus the implementation-defined codes used
// by this module.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternal       = -32603
	CodeLimitExceeded  = -32005
)

var errEmptyMessage = errors.New("message: error message must be a non-empty string")

// Error is a structured JSON-RPC error. Data is serialized only when it was
// supplied at construction or present on the wire.
type Error struct {
	Code    int
	Message string
	Data    any
	Stack   string

	hasData bool
}

// NewError builds a structured error. An empty message is rejected.
func NewError(code int, msg string, data ...any) (*Error, error) {
	if msg == "" {
		return nil, errEmptyMessage
	}
	e := &Error{Code: code, Message: msg, Stack: callers(3)}
	if len(data) > 0 {
		e.Data = data[0]
		e.hasData = true
	}
	return e, nil
}

// MustError is like NewError but panics on an invalid message.
func MustError(code int, msg string, data ...any) *Error {
	e, err := NewError(code, msg, data...)
	if err != nil {
		panic(err)
	}
	e.Stack = callers(3)
	return e
}

// Errorf builds an error with a formatted message.
func Errorf(code int, format string, args ...any) *Error {
	e := MustError(code, fmt.Sprintf(format, args...))
	e.Stack = callers(3)
	return e
}

// HasData reports whether a data member was supplied.
func (e *Error) HasData() bool {
	return e.hasData
}

func (e *Error) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// AsError converts any error into a structured one. Structured errors pass
// through unchanged; everything else becomes an internal error.
func AsError(err error) *Error {
	if err == nil {
		return nil
	}
	var rpcErr *Error
	if errors.As(err, &rpcErr) {
		return rpcErr
	}
	msg := err.Error()
	if msg == "" {
		msg = "internal error"
	}
	e := MustError(CodeInternal, msg)
	e.Stack = callers(3)
	return e
}

type wireError struct {
	Code    json.Number     `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
	Stack   string          `json:"stack,omitempty"`
}

func (e *Error) MarshalJSON() ([]byte, error) {
	w := wireError{
		Code:    json.Number(fmt.Sprint(e.Code)),
		Message: e.Message,
		Stack:   e.Stack,
	}
	if e.hasData {
		data, err := json.Marshal(e.Data)
		if err != nil {
			return nil, fmt.Errorf("message: marshal error data: %w", err)
		}
		w.Data = data
	}
	return json.Marshal(w)
}

func (e *Error) UnmarshalJSON(b []byte) error {
	var w wireError
	if err := json.Unmarshal(b, &w); err != nil {
		return fmt.Errorf("message: malformed error object: %w", err)
	}
	code, err := integerCode(w.Code)
	if err != nil {
		return err
	}
	if w.Message == "" {
		return errEmptyMessage
	}
	*e = Error{Code: code, Message: w.Message, Stack: w.Stack}
	if len(w.Data) > 0 {
		e.hasData = true
		if err := json.Unmarshal(w.Data, &e.Data); err != nil {
			return fmt.Errorf("message: malformed error data: %w", err)
		}
	}
	return nil
}

func integerCode(n json.Number) (int, error) {
	if n == "" {
		return 0, errors.New("message: error code is required")
	}
	if i, err := n.Int64(); err == nil {
		return int(i), nil
	}
	f, err := n.Float64()
	if err != nil || f != math.Trunc(f) || math.IsInf(f, 0) {
		return 0, fmt.Errorf("message: error code %s is not an integer", n)
	}
	return int(f), nil
}

func callers(skip int) string {
	pcs := make([]uintptr, 16)
	n := runtime.Callers(skip, pcs)
	frames := runtime.CallersFrames(pcs[:n])
	var sb strings.Builder
	for {
		frame, more := frames.Next()
		fmt.Fprintf(&sb, "%s\n\t%s:%d\n", frame.Function, frame.File, frame.Line)
		if !more {
			break
		}
	}
	return sb.String()
}
