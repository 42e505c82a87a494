// Package httpui serves the controller to browser front-ends: JSON-RPC
// requests on POST /rpc, controller events as server-sent events on
// GET /events and the last snapshot on GET /snapshot. Every route requires
// an HS256 bearer token minted with NewToken.
package httpui

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/elnormous/contenttype"
	"github.com/ggoodman/solo2-authenticator/broker"
	"github.com/ggoodman/solo2-authenticator/clipboard"
	"github.com/ggoodman/solo2-authenticator/controller"
	"github.com/ggoodman/solo2-authenticator/internal/jsonrpc"
	"github.com/ggoodman/solo2-authenticator/internal/logctx"
	"github.com/ggoodman/solo2-authenticator/internal/rpc"
	"github.com/google/uuid"
)

var _ http.Handler = (*Handler)(nil)

var (
	jsonMediaType         = contenttype.NewMediaType("application/json")
	eventStreamMediaType  = contenttype.NewMediaType("text/event-stream")
	eventStreamMediaTypes = []contenttype.MediaType{eventStreamMediaType}
)

const (
	lastEventIDHeader     = "Last-Event-ID"
	authorizationHeader   = "Authorization"
	wwwAuthenticateHeader = "WWW-Authenticate"

	maxBodyBytes = 1 << 20
)

// Windower returns the last snapshot as of now without device I/O.
type Windower interface {
	Window(now time.Time) *controller.Snapshot
}

// Handler is the HTTP front-end.
type Handler struct {
	table  *rpc.Table
	snaps  Windower
	auth   *verifier
	events broker.Broker
	clip   clipboard.Clipboard
	log    *slog.Logger
	realm  string
	now    func() time.Time
	mux    *http.ServeMux
}

// Option configures a Handler.
type Option func(*Handler)

// WithLogger sets the logger. If not provided, logs are discarded.
func WithLogger(l *slog.Logger) Option {
	return func(h *Handler) {
		if l != nil {
			h.log = l
		}
	}
}

// WithEvents enables GET /events, streaming the controller topic of b.
func WithEvents(b broker.Broker) Option {
	return func(h *Handler) { h.events = b }
}

// WithClipboard writes codes returned by copyCode to c. By default the
// browser is expected to copy them itself.
func WithClipboard(c clipboard.Clipboard) Option {
	return func(h *Handler) {
		if c != nil {
			h.clip = c
		}
	}
}

// WithRealm sets the realm advertised in bearer challenges.
func WithRealm(realm string) Option {
	return func(h *Handler) { h.realm = realm }
}

// WithClock replaces time.Now for token validation and GET /snapshot.
func WithClock(now func() time.Time) Option {
	return func(h *Handler) {
		if now != nil {
			h.now = now
		}
	}
}

// New returns a Handler dispatching to table. Tokens are verified against
// secret.
func New(table *rpc.Table, snaps Windower, secret []byte, opts ...Option) (*Handler, error) {
	if table == nil {
		return nil, errors.New("httpui: method table is required")
	}
	if snaps == nil {
		return nil, errors.New("httpui: snapshot source is required")
	}
	if len(secret) == 0 {
		return nil, errors.New("httpui: token secret is required")
	}
	h := &Handler{
		table: table,
		snaps: snaps,
		clip:  clipboard.Noop{},
		log:   slog.New(slog.NewTextHandler(io.Discard, nil)),
		realm: Issuer,
		now:   time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	h.auth = &verifier{secret: secret, leeway: 5 * time.Second, now: h.now}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /rpc", h.handlePostRPC)
	mux.HandleFunc("GET /events", h.handleGetEvents)
	mux.HandleFunc("GET /snapshot", h.handleGetSnapshot)
	h.mux = mux
	return h, nil
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r.WithContext(logctx.WithRequestData(r.Context(), &logctx.RequestData{
		RequestID:  uuid.NewString(),
		Method:     r.Method,
		UserAgent:  r.UserAgent(),
		RemoteAddr: r.RemoteAddr,
		Path:       r.URL.Path,
	})))
}

// writeJSONError emits a transport-level rejection. Shape:
// {"error":{"code":<httpStatus>,"message":"<reason>"}}
func writeJSONError(w http.ResponseWriter, status int, msg string) {
	if ct := w.Header().Get("Content-Type"); ct == "" || ct == jsonMediaType.String() {
		w.Header().Set("Content-Type", jsonMediaType.String())
	}
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{"error": map[string]any{"code": status, "message": msg}})
}

func writeJSON(w http.ResponseWriter, status int, v any) error {
	w.Header().Set("Content-Type", jsonMediaType.String())
	w.WriteHeader(status)
	return json.NewEncoder(w).Encode(v)
}

func (h *Handler) handlePostRPC(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()

	if !h.checkAuthentication(ctx, r, w) {
		return
	}

	ctype, err := contenttype.GetMediaType(r)
	if err != nil || !ctype.Matches(jsonMediaType) {
		writeJSONError(w, http.StatusUnsupportedMediaType, "content-type must be application/json")
		h.log.WarnContext(ctx, "content_type.unsupported")
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes+1))
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "failed to read body")
		return
	}
	if len(body) > maxBodyBytes {
		writeJSONError(w, http.StatusRequestEntityTooLarge, "request body too large")
		return
	}

	req, err := jsonrpc.ParseRequest(body)
	if err != nil {
		var rpcErr *jsonrpc.Error
		if errors.As(err, &rpcErr) {
			_ = writeJSON(w, http.StatusOK, jsonrpc.NewErrorResponse(nil, rpcErr.Code, rpcErr.Message, nil))
			h.log.WarnContext(ctx, "jsonrpc.message.invalid", slog.String("err", err.Error()))
			return
		}
		writeJSONError(w, http.StatusBadRequest, "expected a JSON-RPC request")
		return
	}
	ctx = logctx.WithRPCMessage(ctx, &logctx.RPCMessage{Method: req.Method, ID: req.ID.String(), Type: "request"})

	res := h.table.Call(ctx, req)
	if res == nil {
		w.WriteHeader(http.StatusAccepted)
		h.log.InfoContext(ctx, "http.post.ok", slog.Duration("dur", time.Since(start)))
		return
	}
	if req.Method == "copyCode" && res.Error == nil {
		h.copy(ctx, res.Result)
	}
	if err := writeJSON(w, http.StatusOK, res); err != nil {
		h.log.WarnContext(ctx, "http.write.fail", slog.String("err", err.Error()))
		return
	}
	h.log.InfoContext(ctx, "http.post.ok", slog.Duration("dur", time.Since(start)))
}

func (h *Handler) copy(ctx context.Context, result json.RawMessage) {
	var reply controller.Reply
	if err := json.Unmarshal(result, &reply); err != nil || reply.Code == "" {
		return
	}
	if err := h.clip.Write(reply.Code); err != nil {
		h.log.WarnContext(ctx, "http.clipboard.fail", slog.String("err", err.Error()))
	}
}

func (h *Handler) handleGetSnapshot(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if !h.checkAuthentication(ctx, r, w) {
		return
	}
	w.Header().Set("Cache-Control", "no-store")
	if err := writeJSON(w, http.StatusOK, h.snaps.Window(h.now())); err != nil {
		h.log.WarnContext(ctx, "http.write.fail", slog.String("err", err.Error()))
	}
}

// handleGetEvents streams controller events. A client without a
// Last-Event-ID first receives the current snapshot so it never renders an
// empty list while waiting for the next change.
func (h *Handler) handleGetEvents(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()

	if !h.checkAuthentication(ctx, r, w) {
		return
	}
	if _, _, err := contenttype.GetAcceptableMediaType(r, eventStreamMediaTypes); err != nil {
		writeJSONError(w, http.StatusNotAcceptable, "accept must allow text/event-stream")
		h.log.WarnContext(ctx, "accept.unsupported", slog.String("accept", r.Header.Get("Accept")))
		return
	}
	if h.events == nil {
		writeJSONError(w, http.StatusNotFound, "event stream disabled")
		return
	}
	f, ok := w.(http.Flusher)
	if !ok {
		w.WriteHeader(http.StatusInternalServerError)
		h.log.ErrorContext(ctx, "sse.flusher.missing")
		return
	}

	lastEventID := r.Header.Get(lastEventIDHeader)
	stream, err := h.events.Subscribe(ctx, controller.Topic, lastEventID)
	if err != nil {
		writeJSONError(w, http.StatusServiceUnavailable, "failed to subscribe to events")
		h.log.ErrorContext(ctx, "events.subscribe.fail", slog.String("err", err.Error()))
		return
	}
	defer func() {
		// Best-effort close; the subscription is abandoned either way.
		_ = stream.Close()
	}()

	w.Header().Set("Content-Type", eventStreamMediaType.String())
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	wf := &lockedWriteFlusher{Writer: w, Flusher: f, ctx: ctx}
	wf.Flush()
	h.log.InfoContext(ctx, "sse.stream.start", slog.String("last_event_id", lastEventID))

	if lastEventID == "" {
		b, err := json.Marshal(h.snaps.Window(h.now()))
		if err == nil {
			err = writeSSEEvent(wf, "", string(controller.EventSnapshotChanged), b)
		}
		if err != nil {
			h.log.WarnContext(ctx, "sse.write.fail", slog.String("err", err.Error()))
			return
		}
	}

	for {
		env, err := stream.Next(ctx)
		if err != nil {
			if ctx.Err() == nil {
				h.log.WarnContext(ctx, "sse.stream.end", slog.String("err", err.Error()))
			}
			h.log.InfoContext(ctx, "sse.stream.done", slog.Duration("dur", time.Since(start)))
			return
		}
		ev, err := controller.DecodeEvent(env.Data)
		if err != nil {
			h.log.WarnContext(ctx, "sse.event.decode.fail", slog.String("err", err.Error()))
			continue
		}
		if err := writeSSEEvent(wf, env.ID, string(ev.Type), ev.Data); err != nil {
			h.log.WarnContext(ctx, "sse.write.fail", slog.String("err", err.Error()))
			return
		}
	}
}

// checkAuthentication writes the rejection and returns false when the
// request does not carry a valid bearer token.
func (h *Handler) checkAuthentication(ctx context.Context, r *http.Request, w http.ResponseWriter) bool {
	authHeader := r.Header.Get(authorizationHeader)
	if authHeader == "" {
		h.log.InfoContext(ctx, "auth.check.missing", slog.String("err", "no authorization header"))
		w.Header().Add(wwwAuthenticateHeader, buildBearerChallenge(h.realm, nil))
		w.WriteHeader(http.StatusUnauthorized)
		return false
	}

	const bearerPrefix = "Bearer "
	tok := strings.TrimSpace(strings.TrimPrefix(authHeader, bearerPrefix))
	if !strings.HasPrefix(authHeader, bearerPrefix) || tok == "" {
		h.log.InfoContext(ctx, "auth.check.invalid", slog.String("err", "malformed bearer authorization header"))
		w.Header().Add(wwwAuthenticateHeader, buildBearerChallenge(h.realm, map[string]string{"error": "invalid_request", "error_description": "malformed bearer authorization header"}))
		w.WriteHeader(http.StatusBadRequest)
		return false
	}

	sub, err := h.auth.verify(tok)
	if err != nil {
		h.log.InfoContext(ctx, "auth.check.fail", slog.String("err", err.Error()))
		w.Header().Add(wwwAuthenticateHeader, buildBearerChallenge(h.realm, map[string]string{"error": "invalid_token", "error_description": err.Error()}))
		w.WriteHeader(http.StatusUnauthorized)
		return false
	}
	h.log.DebugContext(ctx, "auth.ok", slog.String("sub", sub))
	return true
}

func buildBearerChallenge(realm string, params map[string]string) string {
	esc := func(v string) string { return strings.NewReplacer(`\`, `\\`, `"`, `\"`).Replace(v) }
	pieces := make([]string, 0, 1+len(params))
	if realm != "" {
		pieces = append(pieces, fmt.Sprintf(`realm="%s"`, esc(realm)))
	}
	for _, k := range []string{"error", "error_description"} {
		if v, ok := params[k]; ok {
			pieces = append(pieces, fmt.Sprintf(`%s="%s"`, k, esc(v)))
		}
	}
	if len(pieces) == 0 {
		return "Bearer"
	}
	return "Bearer " + strings.Join(pieces, ", ")
}

// lockedWriteFlusher serializes writes and flushes and refuses to write
// after ctx is done.
type lockedWriteFlusher struct {
	io.Writer
	http.Flusher
	mu  sync.Mutex
	ctx context.Context
}

func (l *lockedWriteFlusher) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.ctx != nil && l.ctx.Err() != nil {
		return 0, l.ctx.Err()
	}
	return l.Writer.Write(p)
}

func (l *lockedWriteFlusher) Flush() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.ctx != nil && l.ctx.Err() != nil {
		return
	}
	l.Flusher.Flush()
}

func writeSSEEvent(wf *lockedWriteFlusher, msgID, event string, payload []byte) error {
	if msgID != "" {
		if _, err := fmt.Fprintf(wf, "id: %s\n", msgID); err != nil {
			return fmt.Errorf("failed to write SSE event ID: %w", err)
		}
	}
	if event != "" {
		if _, err := fmt.Fprintf(wf, "event: %s\n", event); err != nil {
			return fmt.Errorf("failed to write SSE event type: %w", err)
		}
	}
	if _, err := wf.Write([]byte("data: ")); err != nil {
		return fmt.Errorf("failed to write SSE data prefix: %w", err)
	}
	if _, err := wf.Write(payload); err != nil {
		return fmt.Errorf("failed to write SSE payload: %w", err)
	}
	if _, err := wf.Write([]byte("\n\n")); err != nil {
		return fmt.Errorf("failed to write SSE frame terminator: %w", err)
	}
	wf.Flush()
	return nil
}
