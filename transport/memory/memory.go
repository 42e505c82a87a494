// Package memory implements transport.Transport with simulated Solo2 tokens
// that run the OATH and Admin applets in-process. The applets are driven by
// the same APDUs a real token receives, so code built on top of the
// transport is exercised end to end.
package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ggoodman/solo2-authenticator/apdu"
	"github.com/ggoodman/solo2-authenticator/oath"
	"github.com/ggoodman/solo2-authenticator/transport"
)

// Transport is a set of simulated tokens. The zero value has no tokens.
type Transport struct {
	mu     sync.Mutex
	tokens []*Token
}

var _ transport.Transport = (*Transport)(nil)

// New returns a transport with the given tokens attached, in order.
func New(tokens ...*Token) *Transport {
	return &Transport{tokens: tokens}
}

// Attach appends tok to the enumeration order.
func (t *Transport) Attach(tok *Token) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.tokens = append(t.tokens, tok)
}

// Enumerate implements transport.Transport. Unplugged tokens are skipped.
func (t *Transport) Enumerate(ctx context.Context) ([]transport.Token, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []transport.Token
	for _, tok := range t.tokens {
		if tok.Plugged() {
			out = append(out, transport.Token{ID: tok.id, Name: tok.name})
		}
	}
	return out, nil
}

// Open implements transport.Transport.
func (t *Transport) Open(ctx context.Context, ref transport.Token) (transport.Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	t.mu.Lock()
	var tok *Token
	for _, cand := range t.tokens {
		if cand.id == ref.ID {
			tok = cand
			break
		}
	}
	t.mu.Unlock()
	if tok == nil {
		return nil, transport.Wrap("memory.open", transport.ErrNotFound)
	}
	return tok.open()
}

type credential struct {
	label  string
	typ    oath.Type
	alg    oath.Algorithm
	digits int
	key    []byte
}

// Token is one simulated Solo2.
type Token struct {
	id   string
	name string

	mu       sync.Mutex
	uuid     uuid.UUID
	version  uint32
	locked   bool
	notSolo2 bool
	capacity int
	creds    []credential
	plugged  bool
	epoch    int

	failNext  error
	statusNxt uint16
	hang      time.Duration

	winks  int
	opens  int
	closes int
	live   int
}

// TokenOption customizes NewToken.
type TokenOption func(*Token)

// WithName sets the reader name reported by Enumerate.
func WithName(name string) TokenOption {
	return func(t *Token) { t.name = name }
}

// WithUUID sets the device UUID returned by the Admin applet.
func WithUUID(id uuid.UUID) TokenOption {
	return func(t *Token) { t.uuid = id }
}

// WithVersion sets the firmware version returned by the Admin applet.
func WithVersion(major, minor, patch uint32) TokenOption {
	return func(t *Token) { t.version = major<<22 | (minor&0xFFFF)<<6 | patch&0x3F }
}

// WithLocked sets the lock state returned by the Admin applet.
func WithLocked(locked bool) TokenOption {
	return func(t *Token) { t.locked = locked }
}

// WithCapacity bounds the number of credentials PUT accepts (default 50).
func WithCapacity(n int) TokenOption {
	return func(t *Token) { t.capacity = n }
}

// WithCredential preloads a TOTP credential. Unlike PUT, preloading does not
// replace an existing credential with the same label, which lets tests build
// a device that lists a label twice.
func WithCredential(c oath.Credential) TokenOption {
	return func(t *Token) {
		t.creds = append(t.creds, credential{
			label:  c.Name(),
			typ:    oath.TOTP,
			alg:    c.Algorithm,
			digits: c.Digits,
			key:    append([]byte(nil), c.Secret...),
		})
	}
}

// WithHOTP preloads an HOTP credential, which the host must skip.
func WithHOTP(label string, key []byte) TokenOption {
	return func(t *Token) {
		t.creds = append(t.creds, credential{label: label, typ: oath.HOTP, alg: oath.SHA1, digits: 6, key: key})
	}
}

// NotSolo2 makes the token reject the Admin applet, like a generic OATH
// token would.
func NotSolo2() TokenOption {
	return func(t *Token) { t.notSolo2 = true }
}

// NewToken returns a plugged-in token with a random UUID and firmware 2.964.0
// unless overridden.
func NewToken(opts ...TokenOption) *Token {
	t := &Token{
		uuid:     uuid.New(),
		capacity: 50,
		plugged:  true,
	}
	WithVersion(2, 964, 0)(t)
	for _, opt := range opts {
		if opt != nil {
			opt(t)
		}
	}
	if t.name == "" {
		t.name = fmt.Sprintf("SoloKeys Solo 2 Simulated [%s]", t.uuid.String()[:8])
	}
	t.id = t.uuid.String()
	return t
}

// ID returns the transport token ID.
func (t *Token) ID() string { return t.id }

// UUID returns the device UUID.
func (t *Token) UUID() uuid.UUID { return t.uuid }

// Plugged reports whether the token is attached.
func (t *Token) Plugged() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.plugged
}

// Unplug detaches the token. Open connections fail from now on.
func (t *Token) Unplug() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.plugged = false
	t.epoch++
}

// Plug reattaches the token.
func (t *Token) Plug() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.plugged = true
}

// FailNext makes the next exchange on any connection fail with err.
func (t *Token) FailNext(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.failNext = err
}

// RespondNext makes the next exchange answer with the bare status word sw.
func (t *Token) RespondNext(sw uint16) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.statusNxt = sw
}

// Hang delays every exchange by d until Hang(0) is called. A delayed
// exchange still honours context cancellation.
func (t *Token) Hang(d time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.hang = d
}

// Labels returns the stored labels in device order.
func (t *Token) Labels() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]string, len(t.creds))
	for i, c := range t.creds {
		out[i] = c.label
	}
	return out
}

// Winks returns how many WINK commands the token received.
func (t *Token) Winks() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.winks
}

// Opens returns how many connections were opened.
func (t *Token) Opens() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.opens
}

// Closes returns how many connections were closed.
func (t *Token) Closes() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closes
}

// Live returns the number of connections opened and not yet closed.
func (t *Token) Live() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.live
}

func (t *Token) open() (*conn, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.plugged {
		return nil, transport.Wrap("memory.open", transport.ErrNotFound)
	}
	t.opens++
	t.live++
	return &conn{tok: t, epoch: t.epoch}, nil
}

type applet int

const (
	appletNone applet = iota
	appletOATH
	appletAdmin
)

type conn struct {
	tok   *Token
	epoch int

	mu        sync.Mutex
	closed    bool
	selected  applet
	remaining []byte
}

var _ transport.Conn = (*conn)(nil)

func (c *conn) Exchange(ctx context.Context, req []byte) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, transport.Wrap("memory.exchange", transport.ErrClosed)
	}

	c.tok.mu.Lock()
	hang := c.tok.hang
	c.tok.mu.Unlock()
	if hang > 0 {
		timer := time.NewTimer(hang)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, transport.Wrap("memory.exchange", ctx.Err())
		case <-timer.C:
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, transport.Wrap("memory.exchange", err)
	}

	c.tok.mu.Lock()
	defer c.tok.mu.Unlock()
	if !c.tok.plugged || c.tok.epoch != c.epoch {
		return nil, transport.Wrap("memory.exchange", fmt.Errorf("token %s removed", c.tok.id))
	}
	if err := c.tok.failNext; err != nil {
		c.tok.failNext = nil
		return nil, transport.Wrap("memory.exchange", err)
	}
	if sw := c.tok.statusNxt; sw != 0 {
		c.tok.statusNxt = 0
		return apdu.Response{SW: sw}.Bytes(), nil
	}

	cmd, err := apdu.ParseCommand(req)
	if err != nil {
		return apdu.Response{SW: apdu.SWWrongLength}.Bytes(), nil
	}
	return c.dispatch(cmd).Bytes(), nil
}

func (c *conn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	c.tok.mu.Lock()
	c.tok.closes++
	c.tok.live--
	c.tok.mu.Unlock()
	return nil
}
