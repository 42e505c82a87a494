package errkind

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
)

func TestOf(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want Kind
	}{
		{"nil", nil, Unknown},
		{"plain", errors.New("boom"), Unknown},
		{"direct", New(NoDevice, "device.discover", "no tokens"), NoDevice},
		{"wrapped", fmt.Errorf("outer: %w", New(UnknownLabel, "oath.calculate", "github")), UnknownLabel},
		{"deadline", context.DeadlineExceeded, Timeout},
		{"transport deadline", Wrap(Transport, "exchange", context.DeadlineExceeded), Timeout},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := Of(tc.err); got != tc.want {
				t.Fatalf("Of() = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestInvalidates(t *testing.T) {
	for k := Unknown; k <= DuplicateLabel; k++ {
		want := k == Transport || k == Timeout
		if got := k.Invalidates(); got != want {
			t.Fatalf("%v.Invalidates() = %v, want %v", k, got, want)
		}
	}
}

func TestWrapNil(t *testing.T) {
	if Wrap(Transport, "x", nil) != nil {
		t.Fatal("Wrap(nil) should be nil")
	}
}

func TestErrorMessageAndDetail(t *testing.T) {
	cause := errors.New("reader gone")
	err := Wrap(Transport, "transport.exchange", cause)
	if !errors.Is(err, cause) {
		t.Fatal("expected cause to be reachable with errors.Is")
	}
	if got := err.Error(); got != "transport.exchange: Transport: reader gone" {
		t.Fatalf("Error() = %q", got)
	}
	if got := Detail(err); got != "reader gone" {
		t.Fatalf("Detail() = %q", got)
	}
	if got := Detail(New(InvalidSecret, "", "too short")); got != "too short" {
		t.Fatalf("Detail() = %q", got)
	}
}

func TestKindJSON(t *testing.T) {
	b, err := json.Marshal(struct{ Kind Kind }{AppletUnavailable})
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}
	if string(b) != `{"Kind":"AppletUnavailable"}` {
		t.Fatalf("unexpected JSON %s", b)
	}
	var out struct{ Kind Kind }
	if err := json.Unmarshal(b, &out); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}
	if out.Kind != AppletUnavailable {
		t.Fatalf("round trip gave %v", out.Kind)
	}
}
