package message

import (
	"bytes"
	"encoding/json"
	"errors"
	"strconv"
)

var errInvalidID = errors.New("message: id must be a string, a number or null")

// ID holds a request id as canonical JSON text, e.g. `7` or `"a1"`.
// The zero value means the id is absent.
type ID string

// NumberID returns a numeric id.
func NumberID(n int64) ID {
	return ID(strconv.FormatInt(n, 10))
}

// StringID returns a string id.
func StringID(s string) ID {
	b, _ := json.Marshal(s)
	return ID(b)
}

// Valid reports whether the id is present and not falsy. Requests with an
// invalid id are notifications.
func (id ID) Valid() bool {
	switch id {
	case "", "0", `""`, "null":
		return false
	}
	return true
}

func (id ID) String() string {
	if id == "" {
		return "null"
	}
	return string(id)
}

func (id ID) MarshalJSON() ([]byte, error) {
	if id == "" {
		return []byte("null"), nil
	}
	return []byte(id), nil
}

func (id *ID) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		*id = ""
		return nil
	}
	switch c := b[0]; {
	case c == '"':
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*id = StringID(s)
	case c == '-' || (c >= '0' && c <= '9'):
		var n json.Number
		if err := json.Unmarshal(b, &n); err != nil {
			return err
		}
		if i, err := n.Int64(); err == nil {
			*id = NumberID(i)
		} else {
			*id = ID(n.String())
		}
	default:
		return errInvalidID
	}
	return nil
}
