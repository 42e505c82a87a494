package device

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ggoodman/solo2-authenticator/admin"
	"github.com/ggoodman/solo2-authenticator/errkind"
	"github.com/ggoodman/solo2-authenticator/oath"
	"github.com/ggoodman/solo2-authenticator/transport/memory"
)

func listLabels(ctx context.Context, c *Controller) ([]string, error) {
	return OATH(ctx, c, func(ctx context.Context, s *oath.Session) ([]string, error) {
		entries, err := s.List(ctx)
		if err != nil {
			return nil, err
		}
		out := make([]string, 0, len(entries))
		for _, e := range entries {
			out = append(out, e.Label)
		}
		return out, nil
	})
}

func TestDiscover_NoDevice(t *testing.T) {
	c := New(memory.New())
	p, err := c.Discover(context.Background())
	if p != Absent {
		t.Fatalf("Expected Absent, got %s", p)
	}
	if !errkind.Is(err, errkind.NoDevice) {
		t.Fatalf("Expected NoDevice, got %v", err)
	}
	if _, err := listLabels(context.Background(), c); !errkind.Is(err, errkind.NoDevice) {
		t.Fatalf("Expected NoDevice from WithOATH, got %v", err)
	}
}

func TestDiscover_PicksFirstToken(t *testing.T) {
	a := memory.NewToken(memory.WithName("first"))
	b := memory.NewToken(memory.WithName("second"))
	c := New(memory.New(a, b))
	p, err := c.Discover(context.Background())
	if err != nil {
		t.Fatalf("Discover() failed: %v", err)
	}
	if p != Present {
		t.Fatalf("Expected Present, got %s", p)
	}
	st := c.State()
	if st.Reader != "first" || st.Identity != (admin.Info{UUID: a.UUID()}).UUIDHex() {
		t.Fatalf("Unexpected state: %+v", st)
	}
	if b.Opens() != 0 {
		t.Fatalf("Expected second token untouched, got %d opens", b.Opens())
	}
}

func TestDiscover_NotASolo2DropsHandle(t *testing.T) {
	tok := memory.NewToken(memory.NotSolo2())
	c := New(memory.New(tok))
	p, err := c.Discover(context.Background())
	if p != Absent || !errkind.Is(err, errkind.NotASolo2) {
		t.Fatalf("Expected Absent/NotASolo2, got %s/%v", p, err)
	}
	if tok.Live() != 0 {
		t.Fatalf("Expected no live connection, got %d", tok.Live())
	}
	if c.State().Presence != Absent {
		t.Fatal("Expected no handle after failed validation")
	}
}

func TestDiscover_DropsPriorHandle(t *testing.T) {
	tok := memory.NewToken()
	c := New(memory.New(tok))
	ctx := context.Background()
	if _, err := c.Discover(ctx); err != nil {
		t.Fatalf("Discover() failed: %v", err)
	}
	if _, err := c.Discover(ctx); err != nil {
		t.Fatalf("Discover() failed: %v", err)
	}
	if tok.Opens() != 2 || tok.Live() != 1 {
		t.Fatalf("Expected reopen with one live handle, got opens=%d live=%d", tok.Opens(), tok.Live())
	}

	tok.Unplug()
	p, err := c.Discover(ctx)
	if p != Absent || !errkind.Is(err, errkind.NoDevice) {
		t.Fatalf("Expected Absent/NoDevice, got %s/%v", p, err)
	}
	if tok.Live() != 0 {
		t.Fatalf("Expected prior handle closed, got %d live", tok.Live())
	}
}

func TestWithOATH_ReusesHandleBetweenCalls(t *testing.T) {
	tok := memory.NewToken()
	c := New(memory.New(tok))
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if _, err := listLabels(ctx, c); err != nil {
			t.Fatalf("List failed: %v", err)
		}
	}
	if tok.Opens() != 1 {
		t.Fatalf("Expected 1 open, got %d", tok.Opens())
	}
}

func TestWithOATH_TransportErrorInvalidates(t *testing.T) {
	tok := memory.NewToken()
	c := New(memory.New(tok))
	ctx := context.Background()
	if _, err := c.Discover(ctx); err != nil {
		t.Fatalf("Discover() failed: %v", err)
	}
	gen := c.State().Generation

	tok.FailNext(errors.New("pipe broken"))
	_, err := listLabels(ctx, c)
	if !errkind.Is(err, errkind.Transport) {
		t.Fatalf("Expected Transport, got %v", err)
	}
	if c.State().Presence != Absent {
		t.Fatal("Expected handle dropped after Transport error")
	}
	if tok.Live() != 0 {
		t.Fatalf("Expected closed connection, got %d live", tok.Live())
	}

	// The next operation opens a fresh handle.
	if _, err := listLabels(ctx, c); err != nil {
		t.Fatalf("List after invalidate failed: %v", err)
	}
	if tok.Opens() != 2 {
		t.Fatalf("Expected a second open, got %d", tok.Opens())
	}
	if c.State().Generation == gen {
		t.Fatal("Expected generation to change")
	}
}

func TestWithOATH_TimeoutInvalidates(t *testing.T) {
	tok := memory.NewToken()
	c := New(memory.New(tok), WithTimeout(20*time.Millisecond))
	ctx := context.Background()
	if _, err := c.Discover(ctx); err != nil {
		t.Fatalf("Discover() failed: %v", err)
	}

	tok.Hang(time.Second)
	start := time.Now()
	_, err := listLabels(ctx, c)
	if !errkind.Is(err, errkind.Timeout) {
		t.Fatalf("Expected Timeout, got %v", err)
	}
	if time.Since(start) > 500*time.Millisecond {
		t.Fatalf("Expected soft timeout to fire early, took %s", time.Since(start))
	}
	if c.State().Presence != Absent {
		t.Fatal("Expected handle dropped after Timeout")
	}

	tok.Hang(0)
	tok.Unplug()
	if _, err := listLabels(ctx, c); !errkind.Is(err, errkind.NoDevice) {
		t.Fatalf("Expected NoDevice after unplug, got %v", err)
	}
}

func TestWithOATH_ApplicationErrorKeepsHandle(t *testing.T) {
	tok := memory.NewToken()
	c := New(memory.New(tok))
	ctx := context.Background()
	err := c.WithOATH(ctx, func(ctx context.Context, s *oath.Session) error {
		return s.Delete(ctx, "missing")
	})
	if !errkind.Is(err, errkind.UnknownLabel) {
		t.Fatalf("Expected UnknownLabel, got %v", err)
	}
	if c.State().Presence != Present {
		t.Fatal("Expected handle kept after UnknownLabel")
	}
}

func TestWithAdmin_Wink(t *testing.T) {
	tok := memory.NewToken()
	c := New(memory.New(tok))
	if err := c.WithAdmin(context.Background(), func(ctx context.Context, s *admin.Session) error {
		return s.Wink(ctx)
	}); err != nil {
		t.Fatalf("Wink failed: %v", err)
	}
	if tok.Winks() != 1 {
		t.Fatalf("Expected 1 wink, got %d", tok.Winks())
	}
}

func TestInvalidate_ClosesHandle(t *testing.T) {
	tok := memory.NewToken()
	c := New(memory.New(tok))
	if _, err := c.Discover(context.Background()); err != nil {
		t.Fatalf("Discover() failed: %v", err)
	}
	c.Invalidate()
	c.Invalidate()
	if tok.Live() != 0 || tok.Closes() != 1 {
		t.Fatalf("Expected exactly one close, got live=%d closes=%d", tok.Live(), tok.Closes())
	}
}
