// Package rpc maps JSON-RPC methods onto controller intents. Both UI
// adapters share one Table so that they expose the same surface.
package rpc

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/invopop/jsonschema"

	"github.com/ggoodman/solo2-authenticator/controller"
	"github.com/ggoodman/solo2-authenticator/errkind"
	"github.com/ggoodman/solo2-authenticator/internal/jsonrpc"
	"github.com/ggoodman/solo2-authenticator/internal/logctx"
	"github.com/ggoodman/solo2-authenticator/oath"
)

// Actor is the part of the controller the table drives.
type Actor interface {
	Do(ctx context.Context, in controller.Intent) (controller.Reply, error)
	Window(now time.Time) *controller.Snapshot
}

// Method is one callable method.
type Method struct {
	Name        string             `json:"name"`
	Description string             `json:"description,omitempty"`
	Params      *jsonschema.Schema `json:"params"`

	call func(ctx context.Context, raw json.RawMessage) (any, error)
}

// NewMethod builds a Method whose params decode into A. Unknown fields are
// rejected and fields the schema marks as required must be present.
func NewMethod[A any](name, description string, fn func(ctx context.Context, params A) (any, error)) *Method {
	schema := reflectParams[A]()
	return &Method{
		Name:        name,
		Description: description,
		Params:      schema,
		call: func(ctx context.Context, raw json.RawMessage) (any, error) {
			var a A
			if len(raw) > 0 && !bytes.Equal(raw, []byte("null")) {
				dec := json.NewDecoder(bytes.NewReader(raw))
				dec.DisallowUnknownFields()
				if err := dec.Decode(&a); err != nil {
					return nil, invalidParams("invalid params: %v", err)
				}
			}
			if err := checkRequired(schema, raw); err != nil {
				return nil, err
			}
			return fn(ctx, a)
		},
	}
}

func reflectParams[A any]() *jsonschema.Schema {
	r := &jsonschema.Reflector{
		DoNotReference:            true,
		ExpandedStruct:            true,
		AllowAdditionalProperties: false,
	}
	return r.Reflect(new(A))
}

func checkRequired(s *jsonschema.Schema, raw json.RawMessage) error {
	if s == nil || len(s.Required) == 0 {
		return nil
	}
	var present map[string]json.RawMessage
	if len(raw) > 0 {
		// Already decoded strictly above.
		_ = json.Unmarshal(raw, &present)
	}
	for _, key := range s.Required {
		if _, ok := present[key]; !ok {
			return invalidParams("missing required param %q", key)
		}
	}
	return nil
}

type paramsError struct{ msg string }

func (e *paramsError) Error() string { return e.msg }

func invalidParams(format string, args ...any) error {
	return &paramsError{msg: fmt.Sprintf(format, args...)}
}

// Table dispatches requests to methods.
type Table struct {
	methods map[string]*Method
	log     *slog.Logger
	now     func() time.Time
}

// Option configures a Table.
type Option func(*Table)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(t *Table) {
		if l != nil {
			t.log = l
		}
	}
}

// WithClock replaces time.Now for the window method.
func WithClock(now func() time.Time) Option {
	return func(t *Table) {
		if now != nil {
			t.now = now
		}
	}
}

// LabelParams names a credential.
type LabelParams struct {
	Label string `json:"label" jsonschema:"required,minLength=1,maxLength=64"`
}

// RegisterParams describes a new credential.
type RegisterParams struct {
	Label     string `json:"label" jsonschema:"required,minLength=1,maxLength=64"`
	Secret    string `json:"secret" jsonschema:"required,description=Base32 secret; case and whitespace are ignored"`
	Digits    int    `json:"digits,omitempty" jsonschema:"enum=6,enum=8"`
	Period    int    `json:"period,omitempty" jsonschema:"minimum=1,description=Seconds"`
	Algorithm string `json:"algorithm,omitempty" jsonschema:"enum=SHA1,enum=SHA256,enum=SHA512"`
}

// WindowParams optionally pins the wall clock.
type WindowParams struct {
	Now int64 `json:"now,omitempty" jsonschema:"description=Unix seconds; defaults to the current time"`
}

// NoParams is the params of methods that take none.
type NoParams struct{}

// New returns the method table driving a.
func New(a Actor, opts ...Option) *Table {
	t := &Table{methods: make(map[string]*Method), log: slog.Default(), now: time.Now}
	for _, opt := range opts {
		if opt != nil {
			opt(t)
		}
	}

	do := func(in controller.Intent) func(ctx context.Context, _ NoParams) (any, error) {
		return func(ctx context.Context, _ NoParams) (any, error) { return a.Do(ctx, in) }
	}
	t.add(NewMethod("discover", "Drop the device handle and look for a token again.", do(controller.Discover{})))
	t.add(NewMethod("snapshot", "List the credentials and compute their current codes.", do(controller.SnapshotNow{})))
	t.add(NewMethod("wink", "Make the token blink.", do(controller.Wink{})))
	t.add(NewMethod("readInfo", "Read the device UUID, firmware version and lock state.", do(controller.ReadInfo{})))
	t.add(NewMethod("register", "Store a new TOTP credential.", func(ctx context.Context, p RegisterParams) (any, error) {
		var alg oath.Algorithm
		if p.Algorithm != "" {
			v, err := oath.ParseAlgorithm(p.Algorithm)
			if err != nil {
				return nil, invalidParams("%v", err)
			}
			alg = v
		}
		return a.Do(ctx, controller.Register{Label: p.Label, SecretText: p.Secret, Digits: p.Digits, Period: p.Period, Algorithm: alg})
	}))
	t.add(NewMethod("delete", "Remove a credential.", func(ctx context.Context, p LabelParams) (any, error) {
		return a.Do(ctx, controller.Delete{Label: p.Label})
	}))
	t.add(NewMethod("copyCode", "Compute the current code of a credential for the clipboard.", func(ctx context.Context, p LabelParams) (any, error) {
		return a.Do(ctx, controller.CopyCode{Label: p.Label})
	}))
	t.add(NewMethod("window", "Return the last snapshot with its remaining lifetime recomputed. No device I/O.", func(ctx context.Context, p WindowParams) (any, error) {
		now := t.now()
		if p.Now > 0 {
			now = time.Unix(p.Now, 0)
		}
		return a.Window(now), nil
	}))
	t.add(NewMethod("rpc.describe", "List the methods and their param schemas.", func(ctx context.Context, _ NoParams) (any, error) {
		return t.Methods(), nil
	}))
	return t
}

func (t *Table) add(m *Method) { t.methods[m.Name] = m }

// Methods returns the methods sorted by name.
func (t *Table) Methods() []*Method {
	out := make([]*Method, 0, len(t.methods))
	for _, m := range t.methods {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// ErrorData is the data member of error responses.
type ErrorData struct {
	Kind     errkind.Kind         `json:"kind"`
	Snapshot *controller.Snapshot `json:"snapshot,omitempty"`
}

// Call runs req. It returns nil for notifications.
func (t *Table) Call(ctx context.Context, req *jsonrpc.Request) *jsonrpc.Response {
	ctx = logctx.WithRPCMessage(ctx, &logctx.RPCMessage{Method: req.Method, ID: req.ID.String()})
	res := t.call(ctx, req)
	if req.IsNotification() {
		return nil
	}
	return res
}

func (t *Table) call(ctx context.Context, req *jsonrpc.Request) *jsonrpc.Response {
	m, ok := t.methods[req.Method]
	if !ok {
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeMethodNotFound, "method not found: "+req.Method, nil)
	}
	out, err := m.call(ctx, req.Params)
	if err != nil {
		return t.errorResponse(ctx, req, out, err)
	}
	res, err := jsonrpc.NewResultResponse(req.ID, out)
	if err != nil {
		t.log.ErrorContext(ctx, "rpc.encode.fail", slog.String("err", err.Error()))
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInternalError, "failed to encode result", nil)
	}
	return res
}

func (t *Table) errorResponse(ctx context.Context, req *jsonrpc.Request, out any, err error) *jsonrpc.Response {
	var pe *paramsError
	if errors.As(err, &pe) {
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInvalidParams, pe.msg, nil)
	}
	if errors.Is(err, controller.ErrStopped) {
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeUnavailable, err.Error(), nil)
	}
	if ctx.Err() != nil && (errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)) {
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInternalError, err.Error(), nil)
	}

	kind := errkind.Of(err)
	data := ErrorData{Kind: kind}
	if reply, ok := out.(controller.Reply); ok {
		data.Snapshot = reply.Snapshot
	}
	code := jsonrpc.ErrorCodeDevice
	switch kind {
	case errkind.InvalidSecret, errkind.InvalidLabel:
		code = jsonrpc.ErrorCodeRejected
	case errkind.Unknown:
		t.log.ErrorContext(ctx, "rpc.call.fail", slog.String("err", err.Error()))
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInternalError, err.Error(), data)
	}
	return jsonrpc.NewErrorResponse(req.ID, code, errkind.Detail(err), data)
}
