package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/ggoodman/solo2-authenticator/apdu"
	"github.com/ggoodman/solo2-authenticator/errkind"
	"github.com/ggoodman/solo2-authenticator/transport"
)

func TestTransport_EnumerateSkipsUnplugged(t *testing.T) {
	a := NewToken(WithName("a"))
	b := NewToken(WithName("b"))
	tr := New(a, b)
	ctx := context.Background()

	toks, err := tr.Enumerate(ctx)
	if err != nil {
		t.Fatalf("Enumerate() failed: %v", err)
	}
	if len(toks) != 2 || toks[0].Name != "a" || toks[1].Name != "b" {
		t.Fatalf("Unexpected tokens: %+v", toks)
	}

	a.Unplug()
	toks, err = tr.Enumerate(ctx)
	if err != nil {
		t.Fatalf("Enumerate() failed: %v", err)
	}
	if len(toks) != 1 || toks[0].ID != b.ID() {
		t.Fatalf("Expected only b, got %+v", toks)
	}
	if _, err := tr.Open(ctx, transport.Token{ID: a.ID()}); !errors.Is(err, transport.ErrNotFound) {
		t.Fatalf("Expected ErrNotFound, got %v", err)
	}
}

func TestConn_UnplugBreaksOpenConnections(t *testing.T) {
	tok := NewToken()
	ctx := context.Background()
	conn, err := New(tok).Open(ctx, transport.Token{ID: tok.ID()})
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	tok.Unplug()
	tok.Plug()
	_, err = conn.Exchange(ctx, []byte{0x00, 0xA4, 0x04, 0x00})
	if !errkind.Is(err, errkind.Transport) {
		t.Fatalf("Expected Transport error on stale connection, got %v", err)
	}
	if err := conn.Close(); err != nil {
		t.Fatalf("Close() failed: %v", err)
	}
	if err := conn.Close(); err != nil {
		t.Fatalf("second Close() failed: %v", err)
	}
	if tok.Opens() != 1 || tok.Closes() != 1 || tok.Live() != 0 {
		t.Fatalf("Unexpected counters: opens=%d closes=%d live=%d", tok.Opens(), tok.Closes(), tok.Live())
	}
	if _, err := conn.Exchange(ctx, []byte{0x00, 0xA4, 0x04, 0x00}); !errors.Is(err, transport.ErrClosed) {
		t.Fatalf("Expected ErrClosed, got %v", err)
	}
}

func TestConn_AdminApplet(t *testing.T) {
	id := uuid.MustParse("0123456789abcdef0123456789abcdef")
	tok := NewToken(WithUUID(id), WithVersion(2, 964, 3), WithLocked(true))
	ctx := context.Background()
	conn, err := New(tok).Open(ctx, transport.Token{ID: tok.ID()})
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	defer conn.Close()

	if _, err := apdu.Transmit(ctx, conn, apdu.Command{INS: 0xA4, P1: 0x04, Data: adminAID}, 0); err != nil {
		t.Fatalf("SELECT admin failed: %v", err)
	}
	got, err := apdu.Transmit(ctx, conn, apdu.Command{INS: insUUID}, 0)
	if err != nil {
		t.Fatalf("UUID failed: %v", err)
	}
	if uuid.UUID(got) != id {
		t.Fatalf("Expected %s, got %x", id, got)
	}
	v, err := apdu.Transmit(ctx, conn, apdu.Command{INS: insVersion}, 0)
	if err != nil {
		t.Fatalf("VERSION failed: %v", err)
	}
	raw := uint32(v[0])<<24 | uint32(v[1])<<16 | uint32(v[2])<<8 | uint32(v[3])
	if raw>>22 != 2 || (raw>>6)&0xFFFF != 964 || raw&0x3F != 3 {
		t.Fatalf("Unexpected version encoding %08x", raw)
	}
	if _, err := apdu.Transmit(ctx, conn, apdu.Command{INS: insWink}, 0); err != nil {
		t.Fatalf("WINK failed: %v", err)
	}
	if tok.Winks() != 1 {
		t.Fatalf("Expected 1 wink, got %d", tok.Winks())
	}
}

func TestConn_NotSolo2RejectsAdmin(t *testing.T) {
	tok := NewToken(NotSolo2())
	ctx := context.Background()
	conn, err := New(tok).Open(ctx, transport.Token{ID: tok.ID()})
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	defer conn.Close()
	_, err = apdu.Transmit(ctx, conn, apdu.Command{INS: 0xA4, P1: 0x04, Data: adminAID}, 0)
	if !apdu.IsStatus(err, apdu.SWNotFound) {
		t.Fatalf("Expected 6A82, got %v", err)
	}
}

func TestConn_HangHonoursContext(t *testing.T) {
	tok := NewToken()
	tok.Hang(time.Minute)
	conn, err := New(tok).Open(context.Background(), transport.Token{ID: tok.ID()})
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	defer conn.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = conn.Exchange(ctx, []byte{0x00, 0xA4, 0x04, 0x00})
	if !errkind.Is(err, errkind.Timeout) {
		t.Fatalf("Expected Timeout, got %v", err)
	}
}
