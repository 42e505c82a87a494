// Package controller is the device actor. It owns the device handle, runs the
// intents sent by UI actors one at a time in arrival order and publishes the
// resulting Snapshot. Readers of the published snapshot never block and never
// cause device I/O.
package controller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/ggoodman/solo2-authenticator/admin"
	"github.com/ggoodman/solo2-authenticator/broker"
	"github.com/ggoodman/solo2-authenticator/config"
	"github.com/ggoodman/solo2-authenticator/device"
	"github.com/ggoodman/solo2-authenticator/errkind"
	"github.com/ggoodman/solo2-authenticator/internal/logctx"
	"github.com/ggoodman/solo2-authenticator/oath"
	"github.com/ggoodman/solo2-authenticator/refresh"
)

var (
	// ErrStopped is returned by Do once Run has returned.
	ErrStopped = errors.New("controller: stopped")
	// ErrRunning is returned by Run when the actor is already running.
	ErrRunning = errors.New("controller: already running")
)

const defaultMailbox = 16

// Controller is the device actor.
type Controller struct {
	dev    *device.Controller
	log    *slog.Logger
	broker broker.Broker
	params *ParamStore
	cfg    *config.Store
	now    func() time.Time

	mailbox chan *request
	running atomic.Bool
	stopped chan struct{}

	snap atomic.Pointer[Snapshot]

	// Owned by the actor goroutine.
	info *admin.Info
}

type request struct {
	ctx    context.Context
	id     string
	intent Intent
	reply  chan result
}

type result struct {
	reply Reply
	err   error
}

// Option configures a Controller.
type Option func(*Controller)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Controller) {
		if l != nil {
			c.log = l
		}
	}
}

// WithBroker publishes events on b under Topic.
func WithBroker(b broker.Broker) Option {
	return func(c *Controller) { c.broker = b }
}

// WithParams stores registration parameters in p.
func WithParams(p *ParamStore) Option {
	return func(c *Controller) { c.params = p }
}

// WithConfig reads the configuration from s at the start of every intent.
func WithConfig(s *config.Store) Option {
	return func(c *Controller) {
		if s != nil {
			c.cfg = s
		}
	}
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(c *Controller) {
		if now != nil {
			c.now = now
		}
	}
}

// WithMailbox sets how many intents may queue before Do blocks.
func WithMailbox(n int) Option {
	return func(c *Controller) {
		if n > 0 {
			c.mailbox = make(chan *request, n)
		}
	}
}

// New returns a Controller over dev. The initial snapshot reports no device.
// Run must be called before Do.
func New(dev *device.Controller, opts ...Option) *Controller {
	c := &Controller{
		dev:     dev,
		log:     slog.Default(),
		cfg:     config.NewStore(nil),
		now:     time.Now,
		mailbox: make(chan *request, defaultMailbox),
		stopped: make(chan struct{}),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	c.snap.Store(absent(c.now(), c.cfg.Load().TOTPPeriodDefault))
	return c
}

// Current returns the last published snapshot.
func (c *Controller) Current() *Snapshot { return c.snap.Load() }

// Window returns the last published snapshot with its remaining window
// lifetime recomputed for now.
func (c *Controller) Window(now time.Time) *Snapshot { return c.Current().Window(now) }

// Config returns the configuration in effect.
func (c *Controller) Config() *config.Config { return c.cfg.Load() }

// SetConfig replaces the configuration. It applies from the next intent on.
func (c *Controller) SetConfig(cfg *config.Config) {
	if cfg != nil {
		c.cfg.Replace(cfg)
	}
}

// Run processes intents until ctx is done. The device handle is closed on
// return. Run may only be called once.
func (c *Controller) Run(ctx context.Context) error {
	if !c.running.CompareAndSwap(false, true) {
		return ErrRunning
	}
	defer close(c.stopped)
	defer func() {
		// Best-effort close; the handle is dropped either way.
		_ = c.dev.Close()
	}()

	c.log.InfoContext(ctx, "controller.run.start")
	for {
		select {
		case <-ctx.Done():
			c.log.InfoContext(ctx, "controller.run.stop")
			return ctx.Err()
		case req := <-c.mailbox:
			req.reply <- c.handle(req)
		}
	}
}

// Do enqueues in and waits for its reply. Intents are processed in the order
// Do was called. The returned error is classified with errkind; the reply may
// still carry the snapshot published as a consequence of the failure.
func (c *Controller) Do(ctx context.Context, in Intent) (Reply, error) {
	if in == nil {
		return Reply{}, errors.New("controller: nil intent")
	}
	req := &request{ctx: ctx, id: uuid.NewString(), intent: in, reply: make(chan result, 1)}

	select {
	case c.mailbox <- req:
	case <-ctx.Done():
		return Reply{ID: req.id}, ctx.Err()
	case <-c.stopped:
		return Reply{ID: req.id}, ErrStopped
	}

	select {
	case res := <-req.reply:
		return res.reply, res.err
	case <-ctx.Done():
		return Reply{ID: req.id}, ctx.Err()
	case <-c.stopped:
		select {
		case res := <-req.reply:
			return res.reply, res.err
		default:
			return Reply{ID: req.id}, ErrStopped
		}
	}
}

func (c *Controller) handle(req *request) result {
	if err := req.ctx.Err(); err != nil {
		return result{reply: Reply{ID: req.id}, err: err}
	}
	ctx := logctx.WithIntentData(req.ctx, &logctx.IntentData{Kind: req.intent.Kind(), ID: req.id})
	cfg := c.cfg.Load()
	c.dev.SetTimeout(cfg.OperationTimeout.Std())

	start := time.Now()
	reply, err := c.dispatch(ctx, cfg, req.intent)
	reply.ID = req.id
	if err != nil {
		c.fail(ctx, cfg, req.intent, err)
		if reply.Snapshot == nil {
			reply.Snapshot = c.Current()
		}
		return result{reply: reply, err: err}
	}
	c.log.DebugContext(c.dev.Context(ctx), "controller.intent.ok", slog.Duration("took", time.Since(start)))
	return result{reply: reply}
}

func (c *Controller) dispatch(ctx context.Context, cfg *config.Config, in Intent) (Reply, error) {
	switch in := in.(type) {
	case Discover:
		return c.discover(ctx, cfg)
	case SnapshotNow:
		return c.refresh(ctx, cfg)
	case Register:
		return c.register(ctx, cfg, in)
	case Delete:
		return c.delete(ctx, cfg, in)
	case CopyCode:
		return c.copyCode(ctx, cfg, in)
	case Wink:
		return Reply{}, c.dev.WithAdmin(ctx, func(ctx context.Context, s *admin.Session) error {
			return s.Wink(ctx)
		})
	case ReadInfo:
		return c.readInfo(ctx)
	default:
		return Reply{}, fmt.Errorf("controller: unsupported intent %T", in)
	}
}

func (c *Controller) discover(ctx context.Context, cfg *config.Config) (Reply, error) {
	if _, err := c.dev.Discover(ctx); err != nil {
		return Reply{}, err
	}
	return c.refresh(ctx, cfg)
}

// refresh lists the credentials, computes their codes and publishes the
// result.
func (c *Controller) refresh(ctx context.Context, cfg *config.Config) (Reply, error) {
	now := c.now()
	var id string
	res, err := device.OATH(ctx, c.dev, func(ctx context.Context, s *oath.Session) (oath.Result, error) {
		id = c.dev.State().Identity
		return s.Snapshot(ctx, now, c.periodFunc(id, cfg))
	})
	if err != nil {
		return Reply{}, err
	}

	if c.info != nil && c.info.UUIDHex() != id {
		c.info = nil
	}
	if len(res.Credentials) == 0 && c.params != nil && id != "" {
		// An empty device was wiped or reset; cached parameters no longer
		// describe anything on it.
		if err := c.params.Forget(ctx, id); err != nil {
			c.log.WarnContext(ctx, "controller.params.forget.fail", slog.String("err", err.Error()))
		}
	}
	snap := present(now, cfg.TOTPPeriodDefault, id, res, c.info)
	c.publish(ctx, snap)

	reply := Reply{Snapshot: snap}
	for _, label := range res.Duplicates {
		w := Warning{Kind: errkind.DuplicateLabel, Label: label}
		reply.Warnings = append(reply.Warnings, w)
		c.log.WarnContext(c.dev.Context(ctx), "controller.snapshot.duplicate", slog.String("label", label))
		c.emit(ctx, EventWarning, w)
	}
	return reply, nil
}

func (c *Controller) register(ctx context.Context, cfg *config.Config, in Register) (Reply, error) {
	digits, period := in.Digits, in.Period
	if digits == 0 {
		digits = cfg.TOTPDigitsDefault
	}
	if period == 0 {
		period = cfg.TOTPPeriodDefault
	}
	opts := []oath.CredentialOption{oath.WithDigits(digits), oath.WithPeriod(period)}
	if in.Algorithm != 0 {
		opts = append(opts, oath.WithAlgorithm(in.Algorithm))
	}
	cred, err := oath.NewCredential(in.Label, in.SecretText, opts...)
	if err != nil {
		return Reply{}, err
	}

	var id string
	err = c.dev.WithOATH(ctx, func(ctx context.Context, s *oath.Session) error {
		id = c.dev.State().Identity
		entries, err := s.List(ctx)
		if err != nil {
			return err
		}
		// A label keeps one period: drop copies stored under another one.
		for _, e := range entries {
			if e.Label == cred.Label && e.Name != cred.Name() {
				if err := s.Delete(ctx, e.Name); err != nil {
					return err
				}
			}
		}
		return s.Put(ctx, cred)
	})
	if err != nil {
		return Reply{}, err
	}
	c.log.InfoContext(c.dev.Context(ctx), "controller.register.ok")
	c.log.DebugContext(ctx, "controller.register.label", slog.String("label", cred.Label))
	if c.params != nil {
		p := Params{Period: cred.Period, Digits: cred.Digits, Algorithm: cred.Algorithm}
		if err := c.params.Put(ctx, id, cred.Label, p); err != nil {
			c.log.WarnContext(ctx, "controller.params.put.fail", slog.String("err", err.Error()))
		}
	}

	c.dev.Invalidate()
	return c.refresh(ctx, cfg)
}

func (c *Controller) delete(ctx context.Context, cfg *config.Config, in Delete) (Reply, error) {
	var id string
	err := c.dev.WithOATH(ctx, func(ctx context.Context, s *oath.Session) error {
		id = c.dev.State().Identity
		e, err := s.Find(ctx, in.Label)
		if err != nil {
			return err
		}
		return s.Delete(ctx, e.Name)
	})
	if err != nil {
		return Reply{}, err
	}
	c.log.InfoContext(c.dev.Context(ctx), "controller.delete.ok")
	if c.params != nil {
		if err := c.params.Delete(ctx, id, in.Label); err != nil {
			c.log.WarnContext(ctx, "controller.params.delete.fail", slog.String("err", err.Error()))
		}
	}

	c.dev.Invalidate()
	return c.refresh(ctx, cfg)
}

func (c *Controller) copyCode(ctx context.Context, cfg *config.Config, in CopyCode) (Reply, error) {
	now := c.now()
	code, err := device.OATH(ctx, c.dev, func(ctx context.Context, s *oath.Session) (string, error) {
		e, err := s.Find(ctx, in.Label)
		if err != nil {
			return "", err
		}
		period := e.PeriodOr(ctx, c.periodFunc(c.dev.State().Identity, cfg))
		return s.Calculate(ctx, e.Name, now, period)
	})
	if err != nil {
		return Reply{}, err
	}
	c.emit(ctx, EventCodeForCopy, CodeData{Label: in.Label, Code: code})
	return Reply{Code: code}, nil
}

func (c *Controller) readInfo(ctx context.Context) (Reply, error) {
	info, err := device.Admin(ctx, c.dev, func(ctx context.Context, s *admin.Session) (admin.Info, error) {
		return s.Info(ctx)
	})
	if err != nil {
		return Reply{}, err
	}
	c.info = &info

	if cur := c.Current(); cur.DevicePresent && cur.DeviceID == info.UUIDHex() {
		next := *cur
		next.Info = &info
		c.publish(ctx, &next)
	}
	c.emit(ctx, EventInfoChanged, info)
	return Reply{Info: &info}, nil
}

// periodFunc resolves the period of a credential whose device name carries
// none: cached parameters first, then the configured default.
func (c *Controller) periodFunc(id string, cfg *config.Config) oath.PeriodFunc {
	return func(ctx context.Context, label string) int {
		if c.params != nil && id != "" {
			p, ok, err := c.params.Get(ctx, id, label)
			if err != nil {
				c.log.DebugContext(ctx, "controller.params.get.fail", slog.String("err", err.Error()))
			} else if ok && p.Period > 0 {
				return p.Period
			}
		}
		return cfg.TOTPPeriodDefault
	}
}

func (c *Controller) publish(ctx context.Context, s *Snapshot) {
	c.snap.Store(s)
	c.emit(ctx, EventSnapshotChanged, s)
}

// fail publishes the consequences of a failed intent. The device controller
// has already dropped the handle for errors that poison it.
func (c *Controller) fail(ctx context.Context, cfg *config.Config, in Intent, err error) {
	kind := errkind.Of(err)
	attrs := []any{slog.String("kind", kind.String()), slog.String("err", err.Error())}
	switch kind {
	case errkind.InvalidSecret, errkind.InvalidLabel, errkind.UnknownLabel:
		c.log.InfoContext(ctx, "controller.intent.rejected", attrs...)
	default:
		c.log.WarnContext(ctx, "controller.intent.fail", attrs...)
	}

	switch kind {
	case errkind.NoDevice, errkind.NotASolo2:
		c.info = nil
		if c.Current().DevicePresent {
			c.publish(ctx, absent(c.now(), cfg.TOTPPeriodDefault))
		}
	}
	c.emit(ctx, EventError, ErrorData{Kind: kind, Detail: errkind.Detail(err), Intent: in.Kind()})
}

// AutoRefresh drives the UI side of the refresh clock: every tick hands the
// snapshot with a recomputed window to onTick, and a step boundary requests
// a new snapshot while a device is present. It returns when ctx is done.
func (c *Controller) AutoRefresh(ctx context.Context, ticks <-chan refresh.Tick, onTick func(*Snapshot)) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case t := <-ticks:
			if t.Boundary && c.Current().DevicePresent {
				if _, err := c.Do(ctx, SnapshotNow{}); err != nil {
					if ctx.Err() != nil {
						return ctx.Err()
					}
					if errors.Is(err, ErrStopped) {
						return err
					}
				}
			}
			if onTick != nil {
				onTick(c.Current().Window(t.Now))
			}
		}
	}
}
