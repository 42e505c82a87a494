// Package device owns the connection to the Solo2 token. A Controller holds at
// most one open transport connection, reopens it after Invalidate and hands
// out applet sessions that only live for the duration of one call.
//
// A Controller is not safe for concurrent use. It is meant to be owned by a
// single goroutine (see package controller), which gives a total order over
// device I/O without locks.
package device

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ggoodman/solo2-authenticator/admin"
	"github.com/ggoodman/solo2-authenticator/errkind"
	"github.com/ggoodman/solo2-authenticator/internal/logctx"
	"github.com/ggoodman/solo2-authenticator/oath"
	"github.com/ggoodman/solo2-authenticator/transport"
)

// DefaultTimeout is the soft deadline applied to every applet operation.
const DefaultTimeout = 3 * time.Second

// Presence is whether a usable token is open.
type Presence int

const (
	Absent Presence = iota
	Present
)

func (p Presence) String() string {
	if p == Present {
		return "Present"
	}
	return "Absent"
}

// State describes the current handle.
type State struct {
	Presence Presence
	// Identity is the device UUID as 32 lowercase hex characters.
	Identity string
	Reader   string
	// Generation increases every time a handle is dropped, so two calls that
	// observe the same generation used the same connection.
	Generation uint64
}

// Controller manages the device handle.
type Controller struct {
	t       transport.Transport
	log     *slog.Logger
	timeout time.Duration

	conn     transport.Conn
	tok      transport.Token
	identity string
	gen      uint64
}

// Option customizes a Controller.
type Option func(*Controller)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Controller) {
		if l != nil {
			c.log = l
		}
	}
}

// WithTimeout sets the soft per-operation deadline. Non-positive values keep
// the default.
func WithTimeout(d time.Duration) Option {
	return func(c *Controller) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// New returns a Controller over t with no open handle.
func New(t transport.Transport, opts ...Option) *Controller {
	c := &Controller{t: t, log: slog.Default(), timeout: DefaultTimeout}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c
}

// SetTimeout replaces the soft deadline for subsequent operations.
func (c *Controller) SetTimeout(d time.Duration) {
	if d > 0 {
		c.timeout = d
	}
}

// State returns the current handle state.
func (c *Controller) State() State {
	s := State{Generation: c.gen}
	if c.conn != nil {
		s.Presence = Present
		s.Identity = c.identity
		s.Reader = c.tok.Name
	}
	return s
}

// Context decorates ctx with the current handle for logging.
func (c *Controller) Context(ctx context.Context) context.Context {
	if c.conn == nil {
		return ctx
	}
	return logctx.WithDeviceData(ctx, &logctx.DeviceData{ID: c.identity, Reader: c.tok.Name, Generation: c.gen})
}

// Discover drops any prior handle, enumerates tokens and opens the first one
// that the transport lists. The token must answer the Admin applet with a
// UUID to be accepted. Errors are classified NoDevice, NotASolo2, Transport
// or Timeout; in every error case no handle is kept.
func (c *Controller) Discover(ctx context.Context) (Presence, error) {
	c.Invalidate()

	toks, err := c.t.Enumerate(ctx)
	if err != nil {
		c.log.WarnContext(ctx, "device.enumerate.fail", slog.String("err", err.Error()))
		return Absent, classify("device.enumerate", err)
	}
	if len(toks) == 0 {
		c.log.DebugContext(ctx, "device.discover.none")
		return Absent, errkind.New(errkind.NoDevice, "device.discover", "no token attached")
	}
	if len(toks) > 1 {
		c.log.InfoContext(ctx, "device.discover.multiple", slog.Int("count", len(toks)), slog.String("reader", toks[0].Name))
	}
	tok := toks[0]

	conn, err := c.t.Open(ctx, tok)
	if err != nil {
		c.log.WarnContext(ctx, "device.open.fail", slog.String("reader", tok.Name), slog.String("err", err.Error()))
		if errors.Is(err, transport.ErrNotFound) {
			return Absent, errkind.Wrap(errkind.NoDevice, "device.open", err)
		}
		return Absent, classify("device.open", err)
	}

	identity, err := c.identify(ctx, conn)
	if err != nil {
		_ = conn.Close()
		c.log.WarnContext(ctx, "device.identify.fail", slog.String("reader", tok.Name), slog.String("err", err.Error()))
		return Absent, err
	}

	c.conn = conn
	c.tok = tok
	c.identity = identity
	c.log.InfoContext(c.Context(ctx), "device.open.ok")
	return Present, nil
}

func (c *Controller) identify(ctx context.Context, conn transport.Conn) (string, error) {
	opCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	x := exchanger{conn}
	sess, err := admin.Select(opCtx, x)
	if err != nil {
		if errkind.Is(err, errkind.AppletUnavailable) {
			return "", errkind.Wrap(errkind.NotASolo2, "device.identify", err)
		}
		return "", timeoutOr(opCtx, "device.identify", err)
	}
	id, err := sess.UUID(opCtx)
	if err != nil {
		if errkind.Of(err).Invalidates() {
			return "", timeoutOr(opCtx, "device.identify", err)
		}
		return "", errkind.Wrap(errkind.NotASolo2, "device.identify", err)
	}
	return admin.Info{UUID: id}.UUIDHex(), nil
}

// Invalidate closes and drops the current handle, if any. The next
// operation reopens the token through discovery.
func (c *Controller) Invalidate() {
	if c.conn == nil {
		return
	}
	if err := c.conn.Close(); err != nil {
		c.log.Debug("device.close.fail", slog.String("err", err.Error()))
	}
	c.log.Debug("device.invalidate", slog.String("id", c.identity), slog.Uint64("generation", c.gen))
	c.conn = nil
	c.tok = transport.Token{}
	c.identity = ""
	c.gen++
}

// Close releases the handle.
func (c *Controller) Close() error {
	c.Invalidate()
	return nil
}

func (c *Controller) acquire(ctx context.Context) (transport.Conn, error) {
	if c.conn != nil {
		return c.conn, nil
	}
	if _, err := c.Discover(ctx); err != nil {
		return nil, err
	}
	return c.conn, nil
}

// run executes fn on the handle under the soft deadline and invalidates the
// handle if fn failed in a way that leaves the channel in an unknown state.
func (c *Controller) run(ctx context.Context, op string, fn func(ctx context.Context, x exchanger) error) error {
	conn, err := c.acquire(ctx)
	if err != nil {
		return err
	}
	opCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	err = fn(opCtx, exchanger{conn})
	if err == nil {
		return nil
	}
	err = timeoutOr(opCtx, op, err)
	if errkind.Of(err).Invalidates() {
		c.log.WarnContext(c.Context(ctx), "device.op.fail",
			slog.String("op", op),
			slog.String("kind", errkind.Of(err).String()),
			slog.String("err", err.Error()),
		)
		c.Invalidate()
	}
	return err
}

// WithOATH selects the OATH applet and runs fn with the session. The
// session must not be retained after fn returns.
func (c *Controller) WithOATH(ctx context.Context, fn func(ctx context.Context, s *oath.Session) error) error {
	return c.run(ctx, "device.oath", func(ctx context.Context, x exchanger) error {
		s, err := oath.Select(ctx, x)
		if err != nil {
			return err
		}
		return fn(ctx, s)
	})
}

// WithAdmin selects the Admin applet and runs fn with the session.
func (c *Controller) WithAdmin(ctx context.Context, fn func(ctx context.Context, s *admin.Session) error) error {
	return c.run(ctx, "device.admin", func(ctx context.Context, x exchanger) error {
		s, err := admin.Select(ctx, x)
		if err != nil {
			return err
		}
		return fn(ctx, s)
	})
}

// OATH is WithOATH for operations that produce a value.
func OATH[R any](ctx context.Context, c *Controller, fn func(ctx context.Context, s *oath.Session) (R, error)) (R, error) {
	var out R
	err := c.WithOATH(ctx, func(ctx context.Context, s *oath.Session) error {
		var err error
		out, err = fn(ctx, s)
		return err
	})
	return out, err
}

// Admin is WithAdmin for operations that produce a value.
func Admin[R any](ctx context.Context, c *Controller, fn func(ctx context.Context, s *admin.Session) (R, error)) (R, error) {
	var out R
	err := c.WithAdmin(ctx, func(ctx context.Context, s *admin.Session) error {
		var err error
		out, err = fn(ctx, s)
		return err
	})
	return out, err
}

// exchanger classifies unclassified connection errors as Transport.
type exchanger struct {
	conn transport.Conn
}

func (x exchanger) Exchange(ctx context.Context, req []byte) ([]byte, error) {
	resp, err := x.conn.Exchange(ctx, req)
	if err != nil {
		return nil, classify("device.exchange", err)
	}
	return resp, nil
}

func classify(op string, err error) error {
	if errkind.Of(err) != errkind.Unknown {
		return err
	}
	return transport.Wrap(op, err)
}

// timeoutOr reports err as Timeout when the soft deadline fired, whatever
// the lower layers made of it.
func timeoutOr(ctx context.Context, op string, err error) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) && !errkind.Is(err, errkind.Timeout) {
		return errkind.Wrap(errkind.Timeout, op, fmt.Errorf("%w: %w", context.DeadlineExceeded, err))
	}
	return err
}
