// Package jsonrpc holds the JSON-RPC 2.0 message types spoken by the UI
// adapters.
package jsonrpc

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ProtocolVersion is the supported JSON-RPC protocol version.
const ProtocolVersion = "2.0"

// Request represents a JSON-RPC request (with an ID) or notification
// (without ID).
type Request struct {
	JSONRPCVersion string          `json:"jsonrpc"`
	Method         string          `json:"method"`
	Params         json.RawMessage `json:"params,omitempty"`
	ID             *RequestID      `json:"id,omitempty"`
}

// IsNotification reports whether r expects no response.
func (r *Request) IsNotification() bool { return r.ID.IsNil() }

// Response represents a JSON-RPC response.
type Response struct {
	JSONRPCVersion string          `json:"jsonrpc"`
	Result         json.RawMessage `json:"result,omitempty"`
	Error          *Error          `json:"error,omitempty"`
	ID             *RequestID      `json:"id"`
}

// NewResultResponse builds a successful JSON-RPC response object.
func NewResultResponse(id *RequestID, result any) (*Response, error) {
	resultBytes, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal result: %w", err)
	}

	return &Response{
		JSONRPCVersion: ProtocolVersion,
		Result:         resultBytes,
		ID:             id,
	}, nil
}

// NewErrorResponse builds an error JSON-RPC response with the given code.
func NewErrorResponse(id *RequestID, code ErrorCode, message string, data any) *Response {
	return &Response{
		JSONRPCVersion: ProtocolVersion,
		Error: &Error{
			Code:    code,
			Message: message,
			Data:    data,
		},
		ID: id,
	}
}

// NewNotification builds a server-to-client notification.
func NewNotification(method string, params any) (*Request, error) {
	b, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal params: %w", err)
	}
	return &Request{JSONRPCVersion: ProtocolVersion, Method: method, Params: b}, nil
}

// ErrNotRequest is returned by ParseRequest for well-formed messages that
// are not requests.
var ErrNotRequest = errors.New("jsonrpc: message is not a request")

// ParseRequest decodes one message and enforces the JSON-RPC 2.0 request
// shape. Parse failures are reported as *Error with ErrorCodeParseError or
// ErrorCodeInvalidRequest, so that they can be sent back verbatim.
func ParseRequest(data []byte) (*Request, error) {
	var raw struct {
		JSONRPCVersion string          `json:"jsonrpc"`
		Method         string          `json:"method"`
		Params         json.RawMessage `json:"params,omitempty"`
		Result         json.RawMessage `json:"result,omitempty"`
		Error          json.RawMessage `json:"error,omitempty"`
		ID             *RequestID      `json:"id,omitempty"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, &Error{Code: ErrorCodeParseError, Message: "invalid JSON: " + err.Error()}
	}
	if raw.JSONRPCVersion != ProtocolVersion {
		return nil, &Error{Code: ErrorCodeInvalidRequest, Message: fmt.Sprintf("invalid JSON-RPC version: expected %q, got %q", ProtocolVersion, raw.JSONRPCVersion)}
	}
	if raw.Method == "" {
		if len(raw.Result) > 0 || len(raw.Error) > 0 {
			return nil, ErrNotRequest
		}
		return nil, &Error{Code: ErrorCodeInvalidRequest, Message: "missing method"}
	}
	if len(raw.Result) > 0 || len(raw.Error) > 0 {
		return nil, &Error{Code: ErrorCodeInvalidRequest, Message: "request message cannot have result or error fields"}
	}
	return &Request{
		JSONRPCVersion: raw.JSONRPCVersion,
		Method:         raw.Method,
		Params:         raw.Params,
		ID:             raw.ID,
	}, nil
}
