// Package refresh provides the one-hertz clock the UI uses to redraw the
// remaining lifetime of the current TOTP window and to decide when codes must
// be recomputed. It never talks to the device.
package refresh

import (
	"sync"
	"time"

	"github.com/ggoodman/solo2-authenticator/oath"
)

// DefaultInterval is the tick interval.
const DefaultInterval = time.Second

// Tick is one observation of the wall clock.
type Tick struct {
	Now       time.Time
	Period    int
	Step      int64
	Remaining int
	// Boundary is set when the TOTP step changed since the previous tick,
	// i.e. the codes on display are stale.
	Boundary bool
}

// Window tracks step transitions across successive observations.
type Window struct {
	last   int64
	period int
	seen   bool
}

// Observe returns the tick for now. The first observation never reports a
// boundary. A period change counts as a boundary.
func (w *Window) Observe(now time.Time, period int) Tick {
	if period <= 0 {
		period = oath.DefaultPeriod
	}
	step := oath.Step(now, period)
	t := Tick{
		Now:       now,
		Period:    period,
		Step:      step,
		Remaining: oath.Remaining(now, period),
		Boundary:  w.seen && (step != w.last || period != w.period),
	}
	w.last, w.period, w.seen = step, period, true
	return t
}

// Ticker delivers Ticks on C. When the receiver falls behind, pending ticks
// are coalesced into the latest one and a boundary is never lost.
type Ticker struct {
	c        chan Tick
	period   func() int
	now      func() time.Time
	interval time.Duration

	stopOnce sync.Once
	done     chan struct{}
}

// Option customizes a Ticker.
type Option func(*Ticker)

// WithInterval sets the tick interval (default one second).
func WithInterval(d time.Duration) Option {
	return func(t *Ticker) {
		if d > 0 {
			t.interval = d
		}
	}
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(t *Ticker) {
		if now != nil {
			t.now = now
		}
	}
}

// New starts a Ticker. period is consulted on every tick so that
// configuration changes apply without a restart.
func New(period func() int, opts ...Option) *Ticker {
	t := &Ticker{
		c:        make(chan Tick),
		period:   period,
		now:      time.Now,
		interval: DefaultInterval,
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(t)
		}
	}
	go t.loop()
	return t
}

// C returns the tick channel. It is never closed.
func (t *Ticker) C() <-chan Tick { return t.c }

// Stop stops the ticker. It is safe to call more than once.
func (t *Ticker) Stop() {
	t.stopOnce.Do(func() { close(t.done) })
}

func (t *Ticker) loop() {
	tk := time.NewTicker(t.interval)
	defer tk.Stop()

	var w Window
	var pending *Tick
	for {
		var out chan Tick
		var next Tick
		if pending != nil {
			out, next = t.c, *pending
		}
		select {
		case <-t.done:
			return
		case <-tk.C:
			p := oath.DefaultPeriod
			if t.period != nil {
				p = t.period()
			}
			tick := w.Observe(t.now(), p)
			if pending != nil && pending.Boundary {
				tick.Boundary = true
			}
			pending = &tick
		case out <- next:
			pending = nil
		}
	}
}
