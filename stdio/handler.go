package stdio

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"

	"github.com/ggoodman/solo2-authenticator/broker"
	"github.com/ggoodman/solo2-authenticator/clipboard"
	"github.com/ggoodman/solo2-authenticator/controller"
	"github.com/ggoodman/solo2-authenticator/internal/jsonrpc"
	"github.com/ggoodman/solo2-authenticator/internal/logctx"
	"github.com/ggoodman/solo2-authenticator/internal/rpc"
)

const maxLine = 1 << 20

// Handler is a single-connection stdio transport that reads JSON-RPC
// requests from an io.Reader and writes responses and notifications to an
// io.Writer. By default, it uses os.Stdin and os.Stdout.
type Handler struct {
	table  *rpc.Table
	events broker.Broker
	clip   clipboard.Clipboard

	r   io.Reader
	w   io.Writer
	l   *slog.Logger
	mux *writeMux

	serveOnce sync.Once
}

// NewHandler constructs a stdio Handler with defaults and applies options.
func NewHandler(table *rpc.Table, opts ...Option) *Handler {
	h := &Handler{
		table: table,
		clip:  clipboard.Noop{},
		r:     os.Stdin,
		w:     os.Stdout,
		l:     slog.Default(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	h.mux = &writeMux{w: bufio.NewWriter(h.w)}
	return h
}

// Notify writes a notification to the peer.
func (h *Handler) Notify(method string, params any) error {
	n, err := jsonrpc.NewNotification(method, params)
	if err != nil {
		return err
	}
	return h.mux.writeJSONRPC(n)
}

// Serve runs the stdio event loop until EOF on the reader or the context is
// canceled. Requests are handled one at a time in arrival order. Serve may
// only be called once.
func (h *Handler) Serve(ctx context.Context) error {
	err := errors.New("stdio: Serve called twice")
	h.serveOnce.Do(func() { err = h.serve(ctx) })
	return err
}

func (h *Handler) serve(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if h.events != nil {
		stream, err := h.events.Subscribe(ctx, controller.Topic, "")
		if err != nil {
			return fmt.Errorf("stdio: subscribe events: %w", err)
		}
		defer func() {
			// Best-effort close; the stream ends with ctx anyway.
			_ = stream.Close()
		}()
		go h.forward(ctx, stream)
	}

	lines := make(chan []byte)
	readErr := make(chan error, 1)
	go func() {
		sc := bufio.NewScanner(h.r)
		sc.Buffer(make([]byte, 0, 64*1024), maxLine)
		for sc.Scan() {
			line := append([]byte(nil), sc.Bytes()...)
			select {
			case lines <- line:
			case <-ctx.Done():
				return
			}
		}
		readErr <- sc.Err()
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-readErr:
			if err != nil {
				return fmt.Errorf("stdio: read: %w", err)
			}
			return nil
		case line := <-lines:
			if len(line) == 0 {
				continue
			}
			h.handleLine(ctx, line)
		}
	}
}

func (h *Handler) handleLine(ctx context.Context, line []byte) {
	req, err := jsonrpc.ParseRequest(line)
	if err != nil {
		var rpcErr *jsonrpc.Error
		if errors.As(err, &rpcErr) {
			h.write(ctx, jsonrpc.NewErrorResponse(nil, rpcErr.Code, rpcErr.Message, nil))
			return
		}
		h.l.DebugContext(ctx, "stdio.message.ignored", slog.String("err", err.Error()))
		return
	}
	ctx = logctx.WithRPCMessage(ctx, &logctx.RPCMessage{Method: req.Method, ID: req.ID.String(), Type: "request"})

	res := h.table.Call(ctx, req)
	if req.Method == "copyCode" && res != nil && res.Error == nil {
		h.copy(ctx, res.Result)
	}
	if res != nil {
		h.write(ctx, res)
	}
}

// copy writes the code carried by a copyCode reply, never a cached one.
func (h *Handler) copy(ctx context.Context, result json.RawMessage) {
	var reply controller.Reply
	if err := json.Unmarshal(result, &reply); err != nil || reply.Code == "" {
		return
	}
	if err := h.clip.Write(reply.Code); err != nil {
		h.l.WarnContext(ctx, "stdio.clipboard.fail", slog.String("err", err.Error()))
	}
}

func (h *Handler) forward(ctx context.Context, stream broker.MessageStream) {
	for {
		env, err := stream.Next(ctx)
		if err != nil {
			if ctx.Err() == nil {
				h.l.WarnContext(ctx, "stdio.events.end", slog.String("err", err.Error()))
			}
			return
		}
		ev, err := controller.DecodeEvent(env.Data)
		if err != nil {
			h.l.WarnContext(ctx, "stdio.events.decode.fail", slog.String("err", err.Error()))
			continue
		}
		n := &jsonrpc.Request{JSONRPCVersion: jsonrpc.ProtocolVersion, Method: string(ev.Type), Params: ev.Data}
		if err := h.mux.writeJSONRPC(n); err != nil {
			h.l.WarnContext(ctx, "stdio.write.fail", slog.String("err", err.Error()))
			return
		}
	}
}

func (h *Handler) write(ctx context.Context, v any) {
	if err := h.mux.writeJSONRPC(v); err != nil {
		h.l.WarnContext(ctx, "stdio.write.fail", slog.String("err", err.Error()))
	}
}

// writeMux serializes whole lines onto the output.
type writeMux struct {
	mu sync.Mutex
	w  *bufio.Writer
}

func (m *writeMux) writeJSONRPC(v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, err := m.w.Write(b); err != nil {
		return err
	}
	if err := m.w.WriteByte('\n'); err != nil {
		return err
	}
	return m.w.Flush()
}
