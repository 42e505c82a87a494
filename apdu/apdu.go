// Package apdu implements the ISO 7816-4 framing used to talk to smart-card
// applets: short command APDUs, response status words, response chaining and
// the one-byte-tag BER-TLV subset used by the OATH and Admin applets.
package apdu

import (
	"context"
	"errors"
	"fmt"
)

// Status words used by the applets this module talks to.
const (
	SWSuccess         uint16 = 0x9000
	SWWrongLength     uint16 = 0x6700
	SWConditions      uint16 = 0x6985
	SWWrongData       uint16 = 0x6A80
	SWNotFound        uint16 = 0x6A82
	SWNoSpace         uint16 = 0x6A84
	SWWrongP1P2       uint16 = 0x6B00
	SWInsNotSupported uint16 = 0x6D00
	SWClaNotSupported uint16 = 0x6E00
)

// MaxShortData is the largest payload a short APDU can carry.
const MaxShortData = 255

// ErrDataTooLong is returned when a command payload does not fit a short APDU.
var ErrDataTooLong = errors.New("apdu: command data exceeds 255 bytes")

// ErrShortResponse is returned for responses lacking a status word.
var ErrShortResponse = errors.New("apdu: response shorter than status word")

// Exchanger sends one command APDU and returns the raw response APDU.
type Exchanger interface {
	Exchange(ctx context.Context, req []byte) ([]byte, error)
}

// Command is a short command APDU without an expected-length field.
type Command struct {
	CLA  byte
	INS  byte
	P1   byte
	P2   byte
	Data []byte
}

// Bytes encodes the command.
func (c Command) Bytes() ([]byte, error) {
	if len(c.Data) > MaxShortData {
		return nil, ErrDataTooLong
	}
	b := make([]byte, 0, 5+len(c.Data))
	b = append(b, c.CLA, c.INS, c.P1, c.P2)
	if len(c.Data) > 0 {
		b = append(b, byte(len(c.Data)))
		b = append(b, c.Data...)
	}
	return b, nil
}

// ParseCommand decodes a short command APDU as produced by Bytes.
func ParseCommand(b []byte) (Command, error) {
	if len(b) < 4 {
		return Command{}, fmt.Errorf("apdu: command too short (%d bytes)", len(b))
	}
	c := Command{CLA: b[0], INS: b[1], P1: b[2], P2: b[3]}
	rest := b[4:]
	if len(rest) == 0 {
		return c, nil
	}
	lc := int(rest[0])
	rest = rest[1:]
	// A trailing Le byte is tolerated and ignored.
	if len(rest) < lc || len(rest) > lc+1 {
		return Command{}, fmt.Errorf("apdu: Lc %d does not match %d data bytes", lc, len(rest))
	}
	c.Data = append([]byte(nil), rest[:lc]...)
	return c, nil
}

// Response is a parsed response APDU.
type Response struct {
	Data []byte
	SW   uint16
}

// ParseResponse splits the trailing status word off a raw response.
func ParseResponse(b []byte) (Response, error) {
	if len(b) < 2 {
		return Response{}, ErrShortResponse
	}
	n := len(b) - 2
	return Response{
		Data: b[:n],
		SW:   uint16(b[n])<<8 | uint16(b[n+1]),
	}, nil
}

// Bytes encodes the response.
func (r Response) Bytes() []byte {
	b := make([]byte, 0, len(r.Data)+2)
	b = append(b, r.Data...)
	return append(b, byte(r.SW>>8), byte(r.SW))
}

// MoreData reports whether the response announces further chained data (61xx).
func (r Response) MoreData() bool { return r.SW>>8 == 0x61 }

// StatusError is returned by Transmit when the applet answers with a status
// word other than 9000.
type StatusError struct {
	INS byte
	SW  uint16
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("apdu: ins 0x%02x: status %04x (%s)", e.INS, e.SW, statusText(e.SW))
}

// IsStatus reports whether err is a StatusError carrying sw.
func IsStatus(err error, sw uint16) bool {
	var se *StatusError
	return errors.As(err, &se) && se.SW == sw
}

func statusText(sw uint16) string {
	switch sw {
	case SWSuccess:
		return "success"
	case SWWrongLength:
		return "wrong length"
	case SWConditions:
		return "conditions of use not satisfied"
	case SWWrongData:
		return "wrong data"
	case SWNotFound:
		return "not found"
	case SWNoSpace:
		return "not enough memory"
	case SWWrongP1P2:
		return "wrong parameters"
	case SWInsNotSupported:
		return "instruction not supported"
	case SWClaNotSupported:
		return "class not supported"
	}
	if sw>>8 == 0x61 {
		return "more data available"
	}
	return "unknown"
}

// Transmit sends cmd and returns the response data. When the applet answers
// 61xx, Transmit keeps issuing moreINS until the chain completes and returns
// the concatenated data. Any final status other than 9000 is a *StatusError.
// Errors from the exchanger are returned unchanged.
func Transmit(ctx context.Context, x Exchanger, cmd Command, moreINS byte) ([]byte, error) {
	req, err := cmd.Bytes()
	if err != nil {
		return nil, err
	}
	var out []byte
	for {
		raw, err := x.Exchange(ctx, req)
		if err != nil {
			return nil, err
		}
		resp, err := ParseResponse(raw)
		if err != nil {
			return nil, err
		}
		out = append(out, resp.Data...)
		if resp.MoreData() && moreINS != 0 {
			req = []byte{0x00, moreINS, 0x00, 0x00}
			continue
		}
		if resp.SW != SWSuccess {
			return out, &StatusError{INS: cmd.INS, SW: resp.SW}
		}
		return out, nil
	}
}
