package logctx

import (
	"context"
	"log/slog"
)

// Handler decorates records with the request, device and intent data carried
// on the context.
type Handler struct {
	slog.Handler
}

func (h Handler) Handle(ctx context.Context, r slog.Record) error {
	if rd, ok := ctx.Value(requestDataKey{}).(*RequestData); ok {
		r.AddAttrs(slog.Group("req",
			slog.String("id", rd.RequestID),
			slog.String("method", rd.Method),
			slog.String("user_agent", rd.UserAgent),
			slog.String("remote_addr", rd.RemoteAddr),
			slog.String("path", rd.Path),
		))
	}

	if dd, ok := ctx.Value(deviceDataKey{}).(*DeviceData); ok {
		r.AddAttrs(slog.Group("device",
			slog.String("id", dd.ID),
			slog.String("reader", dd.Reader),
			slog.Uint64("generation", dd.Generation),
		))
	}

	if msg, ok := ctx.Value(rpcMsg{}).(*RPCMessage); ok {
		r.AddAttrs(slog.Group("rpc",
			slog.String("method", msg.Method),
			slog.String("id", msg.ID),
			slog.String("type", msg.Type),
		))
	}

	if id, ok := ctx.Value(intentDataKey{}).(*IntentData); ok {
		r.AddAttrs(slog.Group("intent",
			slog.String("kind", id.Kind),
			slog.String("id", id.ID),
		))
	}

	return h.Handler.Handle(ctx, r)
}

func (h Handler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return Handler{h.Handler.WithAttrs(attrs)}
}

func (h Handler) WithGroup(name string) slog.Handler {
	return Handler{h.Handler.WithGroup(name)}
}

type rpcMsg struct{}

type RPCMessage struct {
	Method string
	ID     string
	Type   string
}

func WithRPCMessage(ctx context.Context, msg *RPCMessage) context.Context {
	return context.WithValue(ctx, rpcMsg{}, msg)
}

type requestDataKey struct{}

type RequestData struct {
	RequestID  string
	Method     string
	UserAgent  string
	RemoteAddr string
	Path       string
}

func WithRequestData(ctx context.Context, data *RequestData) context.Context {
	return context.WithValue(ctx, requestDataKey{}, data)
}

type deviceDataKey struct{}

// DeviceData identifies the open token.
type DeviceData struct {
	ID         string
	Reader     string
	Generation uint64
}

func WithDeviceData(ctx context.Context, data *DeviceData) context.Context {
	return context.WithValue(ctx, deviceDataKey{}, data)
}

type intentDataKey struct{}

// IntentData identifies the controller message being processed.
type IntentData struct {
	Kind string
	ID   string
}

func WithIntentData(ctx context.Context, data *IntentData) context.Context {
	return context.WithValue(ctx, intentDataKey{}, data)
}
