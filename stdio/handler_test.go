package stdio

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	brokermem "github.com/ggoodman/solo2-authenticator/broker/memory"
	"github.com/ggoodman/solo2-authenticator/clipboard"
	"github.com/ggoodman/solo2-authenticator/controller"
	"github.com/ggoodman/solo2-authenticator/device"
	"github.com/ggoodman/solo2-authenticator/internal/jsonrpc"
	"github.com/ggoodman/solo2-authenticator/internal/rpc"
	"github.com/ggoodman/solo2-authenticator/oath"
	"github.com/ggoodman/solo2-authenticator/transport/memory"
)

// testHarness encapsulates pipes and collected output for stdio handler tests.
type testHarness struct {
	t      *testing.T
	stdinW *io.PipeWriter
	clip   *clipboard.Recorder
	served chan error

	outMu sync.Mutex
	lines []string
}

type message struct {
	Method string          `json:"method"`
	Params json.RawMessage `json:"params"`
	Result json.RawMessage `json:"result"`
	Error  *jsonrpc.Error  `json:"error"`
	ID     json.RawMessage `json:"id"`
}

func discard() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func newHarness(t *testing.T, toks ...*memory.Token) *testHarness {
	t.Helper()
	b := brokermem.New()
	ctl := controller.New(
		device.New(memory.New(toks...), device.WithLogger(discard())),
		controller.WithLogger(discard()),
		controller.WithBroker(b),
		controller.WithClock(func() time.Time { return time.Unix(59, 0) }),
	)

	inR, inW := io.Pipe()
	outR, outW := io.Pipe()
	th := &testHarness{t: t, stdinW: inW, clip: &clipboard.Recorder{}, served: make(chan error, 1)}
	h := NewHandler(rpc.New(ctl, rpc.WithLogger(discard())),
		WithIO(inR, outW),
		WithLogger(discard()),
		WithEvents(b),
		WithClipboard(th.clip),
	)

	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = ctl.Run(ctx) }()
	go func() { th.served <- h.Serve(ctx) }()
	go func() {
		sc := bufio.NewScanner(outR)
		for sc.Scan() {
			line := strings.TrimSpace(sc.Text())
			th.outMu.Lock()
			th.lines = append(th.lines, line)
			th.outMu.Unlock()
		}
	}()

	t.Cleanup(func() {
		cancel()
		_ = inW.Close()
		_ = outW.Close()
	})
	return th
}

func (th *testHarness) send(line string) {
	th.t.Helper()
	if _, err := th.stdinW.Write([]byte(line + "\n")); err != nil {
		th.t.Fatalf("write stdin: %v", err)
	}
}

// next returns the first collected message matching pred, removing it.
func (th *testHarness) next(pred func(message) bool) (message, error) {
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		th.outMu.Lock()
		for i, line := range th.lines {
			var m message
			if err := json.Unmarshal([]byte(line), &m); err != nil {
				th.outMu.Unlock()
				return message{}, fmt.Errorf("bad output line %q: %w", line, err)
			}
			if pred(m) {
				th.lines = append(th.lines[:i], th.lines[i+1:]...)
				th.outMu.Unlock()
				return m, nil
			}
		}
		th.outMu.Unlock()
		time.Sleep(2 * time.Millisecond)
	}
	return message{}, fmt.Errorf("timeout waiting for output")
}

func (th *testHarness) response(id string) message {
	th.t.Helper()
	m, err := th.next(func(m message) bool { return m.Method == "" && string(m.ID) == id })
	if err != nil {
		th.t.Fatalf("response %s: %v", id, err)
	}
	return m
}

func (th *testHarness) notification(method string) message {
	th.t.Helper()
	m, err := th.next(func(m message) bool { return m.Method == method })
	if err != nil {
		th.t.Fatalf("notification %s: %v", method, err)
	}
	return m
}

func token(t *testing.T) *memory.Token {
	t.Helper()
	c, err := oath.NewCredential("github", "GEZDGNBVGY3TQOJQGEZDGNBVGY3TQOJQ")
	if err != nil {
		t.Fatalf("NewCredential() failed: %v", err)
	}
	return memory.NewToken(memory.WithCredential(c))
}

func TestServe_DiscoverPublishesSnapshot(t *testing.T) {
	th := newHarness(t, token(t))
	th.send(`{"jsonrpc":"2.0","id":1,"method":"discover"}`)

	res := th.response("1")
	if res.Error != nil {
		t.Fatalf("Unexpected error %+v", res.Error)
	}
	var reply controller.Reply
	if err := json.Unmarshal(res.Result, &reply); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}
	if reply.Snapshot == nil || !reply.Snapshot.DevicePresent || reply.Snapshot.Credentials[0].Code != "287082" {
		t.Fatalf("Unexpected snapshot %+v", reply.Snapshot)
	}

	note := th.notification("snapshotChanged")
	var snap controller.Snapshot
	if err := json.Unmarshal(note.Params, &snap); err != nil || !snap.DevicePresent {
		t.Fatalf("Unexpected snapshotChanged params %s (%v)", note.Params, err)
	}
}

func TestServe_CopyCodeWritesClipboard(t *testing.T) {
	th := newHarness(t, token(t))
	th.send(`{"jsonrpc":"2.0","id":"c","method":"copyCode","params":{"label":"github"}}`)

	res := th.response(`"c"`)
	if res.Error != nil {
		t.Fatalf("Unexpected error %+v", res.Error)
	}
	if got, ok := th.clip.Last(); !ok || got != "287082" {
		t.Fatalf("Expected clipboard to hold 287082, got %q", got)
	}
	th.notification("codeForCopy")
}

func TestServe_ErrorsCarryKind(t *testing.T) {
	th := newHarness(t)
	th.send(`{"jsonrpc":"2.0","id":2,"method":"snapshot"}`)

	res := th.response("2")
	if res.Error == nil || res.Error.Code != jsonrpc.ErrorCodeDevice {
		t.Fatalf("Expected device error, got %+v", res.Error)
	}
	data, _ := json.Marshal(res.Error.Data)
	if !strings.Contains(string(data), `"kind":"NoDevice"`) {
		t.Fatalf("Expected NoDevice kind, got %s", data)
	}
	if _, ok := th.clip.Last(); ok {
		t.Fatal("Expected no clipboard write")
	}
}

func TestServe_ParseError(t *testing.T) {
	th := newHarness(t)
	th.send(`{not json`)
	res := th.response("null")
	if res.Error == nil || res.Error.Code != jsonrpc.ErrorCodeParseError {
		t.Fatalf("Expected parse error, got %+v", res.Error)
	}
}

func TestServe_NotificationGetsNoResponse(t *testing.T) {
	tok := token(t)
	th := newHarness(t, tok)
	th.send(`{"jsonrpc":"2.0","method":"wink"}`)
	th.send(`{"jsonrpc":"2.0","id":3,"method":"window","params":{"now":45}}`)

	th.response("3")
	if tok.Winks() != 1 {
		t.Fatalf("Expected the wink notification to run, got %d winks", tok.Winks())
	}
	th.outMu.Lock()
	defer th.outMu.Unlock()
	for _, line := range th.lines {
		var m message
		_ = json.Unmarshal([]byte(line), &m)
		if m.Method == "" {
			t.Fatalf("Unexpected extra response %s", line)
		}
	}
}

func TestServe_EOF(t *testing.T) {
	th := newHarness(t)
	_ = th.stdinW.Close()
	select {
	case err := <-th.served:
		if err != nil {
			t.Fatalf("Expected nil on EOF, got %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Serve did not return on EOF")
	}
}

func TestNotify(t *testing.T) {
	var sb strings.Builder
	h := NewHandler(nil, WithIO(strings.NewReader(""), &sb))
	if err := h.Notify("tick", map[string]int{"remaining": 12}); err != nil {
		t.Fatalf("Notify() failed: %v", err)
	}
	want := `{"jsonrpc":"2.0","method":"tick","params":{"remaining":12}}` + "\n"
	if sb.String() != want {
		t.Fatalf("Expected %q, got %q", want, sb.String())
	}
}
