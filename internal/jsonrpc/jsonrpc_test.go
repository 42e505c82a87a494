package jsonrpc

import (
	"encoding/json"
	"errors"
	"testing"
)

func TestParseRequest(t *testing.T) {
	req, err := ParseRequest([]byte(`{"jsonrpc":"2.0","id":7,"method":"snapshot","params":{}}`))
	if err != nil {
		t.Fatalf("ParseRequest() failed: %v", err)
	}
	if req.Method != "snapshot" || req.ID.String() != "7" || req.IsNotification() {
		t.Fatalf("Unexpected request %+v", req)
	}

	note, err := ParseRequest([]byte(`{"jsonrpc":"2.0","method":"wink"}`))
	if err != nil {
		t.Fatalf("ParseRequest() failed: %v", err)
	}
	if !note.IsNotification() {
		t.Fatal("Expected a notification")
	}
}

func TestParseRequest_Errors(t *testing.T) {
	tests := map[string]struct {
		in   string
		code ErrorCode
	}{
		"garbage":       {`{`, ErrorCodeParseError},
		"wrong version": {`{"jsonrpc":"1.0","id":1,"method":"x"}`, ErrorCodeInvalidRequest},
		"no method":     {`{"jsonrpc":"2.0","id":1}`, ErrorCodeInvalidRequest},
		"with result":   {`{"jsonrpc":"2.0","id":1,"method":"x","result":1}`, ErrorCodeInvalidRequest},
	}
	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := ParseRequest([]byte(tt.in))
			var rpcErr *Error
			if !errors.As(err, &rpcErr) || rpcErr.Code != tt.code {
				t.Fatalf("Expected code %d, got %v", tt.code, err)
			}
		})
	}

	if _, err := ParseRequest([]byte(`{"jsonrpc":"2.0","id":1,"result":{}}`)); !errors.Is(err, ErrNotRequest) {
		t.Fatalf("Expected ErrNotRequest, got %v", err)
	}
}

func TestRequestID_JSON(t *testing.T) {
	for _, in := range []string{`"abc"`, `42`, `null`} {
		var id RequestID
		if err := json.Unmarshal([]byte(in), &id); err != nil {
			t.Fatalf("Unmarshal(%s) failed: %v", in, err)
		}
		out, err := json.Marshal(&id)
		if err != nil {
			t.Fatalf("Marshal failed: %v", err)
		}
		if string(out) != in {
			t.Fatalf("Expected %s, got %s", in, out)
		}
	}
}

func TestErrorResponse_NullID(t *testing.T) {
	b, err := json.Marshal(NewErrorResponse(nil, ErrorCodeParseError, "bad", nil))
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}
	want := `{"jsonrpc":"2.0","error":{"code":-32700,"message":"bad"},"id":null}`
	if string(b) != want {
		t.Fatalf("Expected %s, got %s", want, b)
	}
}
