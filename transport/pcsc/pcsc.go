// Package pcsc implements transport.Transport over the host's PC/SC service
// (pcsclite on Linux/macOS, WinSCard on Windows). Solo2 tokens expose their
// applets through a CCID interface, so each reader that currently holds a
// card is one token.
package pcsc

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/ebfe/scard"

	"github.com/ggoodman/solo2-authenticator/transport"
)

// Transport enumerates PC/SC readers.
type Transport struct {
	filter string
	log    *slog.Logger
}

// Option customizes a Transport.
type Option func(*Transport)

// WithReaderFilter restricts enumeration to readers whose name contains s
// (case-insensitive). An empty filter admits every reader.
func WithReaderFilter(s string) Option {
	return func(t *Transport) { t.filter = strings.ToLower(s) }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(t *Transport) {
		if l != nil {
			t.log = l
		}
	}
}

// New returns a PC/SC transport.
func New(opts ...Option) *Transport {
	t := &Transport{log: slog.Default()}
	for _, opt := range opts {
		if opt != nil {
			opt(t)
		}
	}
	return t
}

// Enumerate implements transport.Transport. Only readers holding a card are
// reported, in the order the PC/SC service lists them.
func (t *Transport) Enumerate(ctx context.Context) ([]transport.Token, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	sc, err := scard.EstablishContext()
	if err != nil {
		return nil, transport.Wrap("pcsc.establish", err)
	}
	defer func() {
		// Best-effort release; nothing actionable on failure.
		_ = sc.Release()
	}()

	readers, err := sc.ListReaders()
	if err != nil {
		if errors.Is(err, scard.ErrNoReadersAvailable) {
			return nil, nil
		}
		return nil, transport.Wrap("pcsc.list_readers", err)
	}

	states := make([]scard.ReaderState, len(readers))
	for i, r := range readers {
		states[i] = scard.ReaderState{Reader: r, CurrentState: scard.StateUnaware}
	}
	// Unaware states make the call return immediately with each reader's
	// current state.
	if err := sc.GetStatusChange(states, 0); err != nil {
		return nil, transport.Wrap("pcsc.status", err)
	}

	toks := make([]transport.Token, 0, len(readers))
	for _, r := range presentReaders(states) {
		if t.filter != "" && !strings.Contains(strings.ToLower(r), t.filter) {
			continue
		}
		toks = append(toks, transport.Token{ID: r, Name: r})
	}
	t.log.DebugContext(ctx, "pcsc.enumerate", slog.Int("readers", len(readers)), slog.Int("tokens", len(toks)))
	return toks, nil
}

// presentReaders returns the readers that hold a card, in order. A reader
// that is empty or whose state could not be read is not a token.
func presentReaders(states []scard.ReaderState) []string {
	var out []string
	for _, rs := range states {
		if rs.EventState&scard.StateUnknown != 0 || rs.EventState&scard.StateUnavailable != 0 {
			continue
		}
		if rs.EventState&scard.StatePresent != 0 {
			out = append(out, rs.Reader)
		}
	}
	return out
}

// Open implements transport.Transport. The card is connected exclusively so
// no other process can interleave APDUs with ours.
func (t *Transport) Open(ctx context.Context, tok transport.Token) (transport.Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	sc, err := scard.EstablishContext()
	if err != nil {
		return nil, transport.Wrap("pcsc.establish", err)
	}
	card, err := sc.Connect(tok.ID, scard.ShareExclusive, scard.ProtocolAny)
	if err != nil {
		_ = sc.Release()
		if errors.Is(err, scard.ErrUnknownReader) || errors.Is(err, scard.ErrNoSmartcard) || errors.Is(err, scard.ErrReaderUnavailable) {
			return nil, transport.Wrap("pcsc.connect", fmt.Errorf("%w: %s", transport.ErrNotFound, tok.ID))
		}
		return nil, transport.Wrap("pcsc.connect", err)
	}
	t.log.DebugContext(ctx, "pcsc.open", slog.String("reader", tok.ID))
	return &conn{sc: sc, card: card, reader: tok.ID, log: t.log}, nil
}

type transmitResult struct {
	resp []byte
	err  error
}

type conn struct {
	mu     sync.Mutex
	sc     *scard.Context
	card   *scard.Card
	reader string
	log    *slog.Logger

	closed bool
	broken bool // a transmit was abandoned mid-flight
}

func (c *conn) Exchange(ctx context.Context, req []byte) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || c.broken {
		return nil, transport.Wrap("pcsc.transmit", transport.ErrClosed)
	}

	// SCardTransmit cannot be interrupted; when the caller's deadline fires
	// first the connection is marked broken and must be reopened.
	done := make(chan transmitResult, 1)
	card := c.card
	go func() {
		resp, err := card.Transmit(req)
		done <- transmitResult{resp: resp, err: err}
	}()

	select {
	case res := <-done:
		if res.err != nil {
			return nil, transport.Wrap("pcsc.transmit", res.err)
		}
		return res.resp, nil
	case <-ctx.Done():
		c.broken = true
		c.log.WarnContext(ctx, "pcsc.transmit.abandoned", slog.String("reader", c.reader))
		return nil, transport.Wrap("pcsc.transmit", ctx.Err())
	}
}

func (c *conn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true

	// Reset so the next session starts from a clean applet selection state.
	err := c.card.Disconnect(scard.ResetCard)
	if err2 := c.sc.Release(); err2 != nil && err == nil {
		err = err2
	}
	if err != nil {
		return transport.Wrap("pcsc.close", err)
	}
	return nil
}

var (
	_ transport.Transport = (*Transport)(nil)
	_ transport.Conn      = (*conn)(nil)
)
