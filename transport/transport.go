// Package transport defines the blocking smart-card transport the device
// controller consumes. A Transport enumerates tokens visible to the host and
// opens exclusive connections to them; a Conn exchanges raw APDUs.
//
// Implementations
//
//	pcsc   : PC/SC readers via github.com/ebfe/scard (production)
//	memory : in-process simulated Solo2 tokens (tests, -simulate)
package transport

import (
	"context"
	"errors"

	"github.com/ggoodman/solo2-authenticator/errkind"
)

// ErrClosed is returned by Exchange on a connection that has been closed.
var ErrClosed = errors.New("transport: connection closed")

// ErrNotFound is returned by Open when the token is no longer present.
var ErrNotFound = errors.New("transport: token not found")

// Token identifies one enumerated device. ID is stable for as long as the
// device stays attached; Name is human readable (usually the reader name).
type Token struct {
	ID   string
	Name string
}

// Transport enumerates and opens tokens. Both calls may block.
type Transport interface {
	// Enumerate lists the tokens currently visible, in the transport's
	// natural order. An empty result is not an error.
	Enumerate(ctx context.Context) ([]Token, error)

	// Open establishes an exclusive connection to tok.
	Open(ctx context.Context, tok Token) (Conn, error)
}

// Conn is an open channel to one token.
type Conn interface {
	// Exchange sends a command APDU and returns the response APDU,
	// status word included.
	Exchange(ctx context.Context, req []byte) ([]byte, error)

	// Close releases the channel. Close is idempotent.
	Close() error
}

// Wrap classifies a transport failure so that the controller invalidates
// its handle. It returns nil when err is nil.
func Wrap(op string, err error) error {
	return errkind.Wrap(errkind.Transport, op, err)
}
