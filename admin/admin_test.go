package admin_test

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/google/uuid"

	"github.com/ggoodman/solo2-authenticator/admin"
	"github.com/ggoodman/solo2-authenticator/errkind"
	"github.com/ggoodman/solo2-authenticator/transport"
	"github.com/ggoodman/solo2-authenticator/transport/memory"
)

func open(t *testing.T, tok *memory.Token) transport.Conn {
	t.Helper()
	conn, err := memory.New(tok).Open(context.Background(), transport.Token{ID: tok.ID()})
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func TestDecodeVersion(t *testing.T) {
	v := admin.DecodeVersion(2<<22 | 964<<6 | 5)
	if v.String() != "2.964.5" {
		t.Fatalf("Expected 2.964.5, got %s", v)
	}
	var back admin.Version
	if err := back.UnmarshalText([]byte("2.964.5")); err != nil {
		t.Fatalf("UnmarshalText() failed: %v", err)
	}
	if back != v {
		t.Fatalf("Expected %v, got %v", v, back)
	}
}

func TestSession_Info(t *testing.T) {
	id := uuid.MustParse("a1b2c3d4-0000-1111-2222-333344445555")
	tok := memory.NewToken(memory.WithUUID(id), memory.WithVersion(2, 1, 0), memory.WithLocked(true))
	ctx := context.Background()
	s, err := admin.Select(ctx, open(t, tok))
	if err != nil {
		t.Fatalf("Select() failed: %v", err)
	}
	info, err := s.Info(ctx)
	if err != nil {
		t.Fatalf("Info() failed: %v", err)
	}
	if info.UUID != id || info.Version.String() != "2.1.0" || !info.Locked {
		t.Fatalf("Unexpected info: %+v", info)
	}
	if got := info.UUIDHex(); got != "a1b2c3d4000011112222333344445555" {
		t.Fatalf("Unexpected UUIDHex %q", got)
	}

	b, err := json.Marshal(info)
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}
	if string(b) != `{"uuid":"a1b2c3d4000011112222333344445555","version":"2.1.0","locked":true}` {
		t.Fatalf("Unexpected JSON %s", b)
	}
	var back admin.Info
	if err := json.Unmarshal(b, &back); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}
	if back != info {
		t.Fatalf("Expected %+v, got %+v", info, back)
	}
}

func TestSession_Wink(t *testing.T) {
	tok := memory.NewToken()
	ctx := context.Background()
	s, err := admin.Select(ctx, open(t, tok))
	if err != nil {
		t.Fatalf("Select() failed: %v", err)
	}
	if err := s.Wink(ctx); err != nil {
		t.Fatalf("Wink() failed: %v", err)
	}
	if tok.Winks() != 1 {
		t.Fatalf("Expected 1 wink, got %d", tok.Winks())
	}
}

func TestSelect_NotSolo2(t *testing.T) {
	tok := memory.NewToken(memory.NotSolo2())
	_, err := admin.Select(context.Background(), open(t, tok))
	if !errkind.Is(err, errkind.AppletUnavailable) {
		t.Fatalf("Expected AppletUnavailable, got %v", err)
	}
}
