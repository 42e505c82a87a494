package jsonrpc

import (
	"encoding/json"
	"fmt"
)

// RequestID represents a JSON-RPC ID that can be either a string or a number.
type RequestID struct {
	value any
}

// NewRequestID creates a RequestID from a string or an integer.
func NewRequestID(value any) *RequestID {
	switch v := value.(type) {
	case string:
		return &RequestID{value: v}
	case int:
		return &RequestID{value: int64(v)}
	case int64:
		return &RequestID{value: v}
	default:
		return &RequestID{}
	}
}

// String returns the string representation of the ID.
func (id *RequestID) String() string {
	if id.IsNil() {
		return ""
	}
	return fmt.Sprint(id.value)
}

// IsNil returns true if the ID is nil/empty.
func (id *RequestID) IsNil() bool {
	return id == nil || id.value == nil
}

// MarshalJSON implements json.Marshaler. A nil ID is written as null, as
// required for responses to unparseable requests.
func (id *RequestID) MarshalJSON() ([]byte, error) {
	if id.IsNil() {
		return []byte("null"), nil
	}
	return json.Marshal(id.value)
}

// UnmarshalJSON implements json.Unmarshaler.
func (id *RequestID) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		id.value = nil
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var str string
		if err := json.Unmarshal(data, &str); err != nil {
			return err
		}
		id.value = str
		return nil
	}
	var num json.Number
	if err := json.Unmarshal(data, &num); err == nil {
		if n, err := num.Int64(); err == nil {
			id.value = n
			return nil
		}
		if f, err := num.Float64(); err == nil {
			id.value = f
			return nil
		}
	}
	return fmt.Errorf("JSON-RPC ID must be a string or number, got: %s", string(data))
}
