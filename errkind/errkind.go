// Package errkind defines the closed set of failure kinds surfaced by the
// authenticator core to its UI adapters. Every error produced by the device,
// oath and admin packages can be classified with Of; UI adapters present the
// kind verbatim alongside a human readable detail.
package errkind

import (
	"context"
	"errors"
	"fmt"
)

// Kind classifies an error. The zero value is Unknown.
type Kind int

const (
	Unknown Kind = iota
	// NoDevice means discovery found zero tokens.
	NoDevice
	// NotASolo2 means a token was found but does not identify as a Solo2.
	NotASolo2
	// Transport is a lower-level I/O failure. The device handle is invalidated.
	Transport
	// AppletUnavailable means SELECT failed for the OATH or Admin applet.
	AppletUnavailable
	// UnknownLabel means the named credential is not present on the device.
	UnknownLabel
	// InvalidSecret means the user-entered secret did not decode to a usable key.
	InvalidSecret
	// InvalidLabel means the label was rejected (too long, illegal bytes).
	InvalidLabel
	// Timeout means an operation exceeded its soft deadline. The device
	// handle is invalidated.
	Timeout
	// DuplicateLabel is a non-fatal warning: the device listed a label twice.
	DuplicateLabel
)

var kindNames = [...]string{
	Unknown:           "Unknown",
	NoDevice:          "NoDevice",
	NotASolo2:         "NotASolo2",
	Transport:         "Transport",
	AppletUnavailable: "AppletUnavailable",
	UnknownLabel:      "UnknownLabel",
	InvalidSecret:     "InvalidSecret",
	InvalidLabel:      "InvalidLabel",
	Timeout:           "Timeout",
	DuplicateLabel:    "DuplicateLabel",
}

func (k Kind) String() string {
	if k < 0 || int(k) >= len(kindNames) {
		return fmt.Sprintf("Kind(%d)", int(k))
	}
	return kindNames[k]
}

// MarshalText renders the kind name so JSON payloads carry "NoDevice" rather
// than an integer.
func (k Kind) MarshalText() ([]byte, error) { return []byte(k.String()), nil }

// UnmarshalText parses a kind name produced by MarshalText.
func (k *Kind) UnmarshalText(b []byte) error {
	for i, name := range kindNames {
		if name == string(b) {
			*k = Kind(i)
			return nil
		}
	}
	return fmt.Errorf("errkind: unknown kind %q", b)
}

// Invalidates reports whether an error of this kind must drop the device
// handle so that the next operation reopens the token.
func (k Kind) Invalidates() bool {
	return k == Transport || k == Timeout
}

// Error is a classified failure.
type Error struct {
	Kind   Kind
	Op     string // e.g. "oath.calculate"
	Detail string
	Err    error
}

func (e *Error) Error() string {
	msg := e.Kind.String()
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// New returns a classified error without an underlying cause.
func New(kind Kind, op, detail string) error {
	return &Error{Kind: kind, Op: op, Detail: detail}
}

// Wrap classifies err. It returns nil when err is nil.
func Wrap(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// Of returns the kind of err. Deadline expiry anywhere in the chain is
// reported as Timeout, regardless of how the layers above wrapped it.
func Of(err error) Kind {
	if err == nil {
		return Unknown
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return Timeout
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Unknown
}

// Is reports whether err is classified as kind.
func Is(err error, kind Kind) bool {
	return err != nil && Of(err) == kind
}

// Detail returns the most specific human readable description of err.
func Detail(err error) string {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		if e.Detail != "" {
			return e.Detail
		}
		if e.Err != nil {
			return e.Err.Error()
		}
		return e.Kind.String()
	}
	return err.Error()
}
