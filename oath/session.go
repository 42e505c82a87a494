// Package oath is a client for the OATH applet of a Solo2 token. The applet
// speaks the YubiKey OATH wire protocol: credentials are addressed by name,
// codes are computed on the device from a host-supplied challenge and secrets
// are write-only.
//
// A Session is obtained by selecting the applet on an open connection and is
// only valid until the next SELECT on that connection.
package oath

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ggoodman/solo2-authenticator/apdu"
	"github.com/ggoodman/solo2-authenticator/errkind"
)

// AID is the OATH applet identifier.
var AID = []byte{0xA0, 0x00, 0x00, 0x05, 0x27, 0x21, 0x01}

// Instructions.
const (
	InsPut           byte = 0x01
	InsDelete        byte = 0x02
	InsList          byte = 0xA1
	InsCalculate     byte = 0xA2
	InsSelect        byte = 0xA4
	InsSendRemaining byte = 0xA5
)

// TLV tags.
const (
	TagName      byte = 0x71
	TagNameList  byte = 0x72
	TagKey       byte = 0x73
	TagChallenge byte = 0x74
	TagTruncated byte = 0x76
	TagProperty  byte = 0x78
	TagVersion   byte = 0x79
)

// CodeUnavailable is the code recorded for a credential whose calculation
// failed during a Snapshot.
const CodeUnavailable = "------"

// Entry is one credential as listed by the device.
type Entry struct {
	// Name is the name the device stores; Label and Period are parsed
	// from it.
	Name  string
	Label string
	// Period is 0 when the name does not encode one.
	Period    int
	Type      Type
	Algorithm Algorithm
}

// Session is a selected OATH applet.
type Session struct {
	x       apdu.Exchanger
	version []byte
}

// Select issues SELECT for the OATH applet.
func Select(ctx context.Context, x apdu.Exchanger) (*Session, error) {
	data, err := apdu.Transmit(ctx, x, apdu.Command{INS: InsSelect, P1: 0x04, Data: AID}, 0)
	if err != nil {
		return nil, selectError(err)
	}
	s := &Session{x: x}
	tlvs, err := apdu.ParseTLVs(data)
	if err != nil {
		// Some firmware answers SELECT with an empty or non-TLV body.
		return s, nil
	}
	if v, ok := apdu.Find(tlvs, TagVersion); ok {
		s.version = append([]byte(nil), v...)
	}
	if _, ok := apdu.Find(tlvs, TagChallenge); ok {
		return nil, errkind.New(errkind.AppletUnavailable, "oath.select", "applet is password protected")
	}
	return s, nil
}

// Version returns the applet version reported on SELECT, e.g. "4.4.5", or
// the empty string if the applet did not report one.
func (s *Session) Version() string {
	if len(s.version) != 3 {
		return ""
	}
	return fmt.Sprintf("%d.%d.%d", s.version[0], s.version[1], s.version[2])
}

// List returns the credentials in device order.
func (s *Session) List(ctx context.Context) ([]Entry, error) {
	data, err := apdu.Transmit(ctx, s.x, apdu.Command{INS: InsList}, InsSendRemaining)
	if err != nil {
		return nil, statusError("oath.list", err)
	}
	tlvs, err := apdu.ParseTLVs(data)
	if err != nil {
		return nil, errkind.Wrap(errkind.Transport, "oath.list", err)
	}
	entries := make([]Entry, 0, len(tlvs))
	for _, t := range tlvs {
		if t.Tag != TagNameList || len(t.Value) < 1 {
			continue
		}
		name := string(t.Value[1:])
		label, period := ParseName(name)
		entries = append(entries, Entry{
			Name:      name,
			Label:     label,
			Period:    period,
			Type:      Type(t.Value[0] & 0xF0),
			Algorithm: Algorithm(t.Value[0] & 0x0F),
		})
	}
	return entries, nil
}

// Find returns the first listed credential with the given label. A raw device
// name is accepted as well.
func (s *Session) Find(ctx context.Context, label string) (Entry, error) {
	entries, err := s.List(ctx)
	if err != nil {
		return Entry{}, err
	}
	for _, e := range entries {
		if e.Label == label {
			return e, nil
		}
	}
	for _, e := range entries {
		if e.Name == label {
			return e, nil
		}
	}
	return Entry{}, errkind.New(errkind.UnknownLabel, "oath.find", label)
}

// Calculate asks the device for the code of the credential stored as name at
// now. The device returns
// the truncated value and its digit count; the result is zero-padded to that
// count.
func (s *Session) Calculate(ctx context.Context, name string, now time.Time, period int) (string, error) {
	challenge := Challenge(now, period)
	var req []byte
	req = apdu.AppendTLV(req, TagName, []byte(name))
	req = apdu.AppendTLV(req, TagChallenge, challenge[:])

	data, err := apdu.Transmit(ctx, s.x, apdu.Command{INS: InsCalculate, P2: 0x01, Data: req}, InsSendRemaining)
	if err != nil {
		if apdu.IsStatus(err, apdu.SWNotFound) {
			return "", errkind.New(errkind.UnknownLabel, "oath.calculate", name)
		}
		return "", statusError("oath.calculate", err)
	}
	tlvs, err := apdu.ParseTLVs(data)
	if err != nil {
		return "", errkind.Wrap(errkind.Transport, "oath.calculate", err)
	}
	v, ok := apdu.Find(tlvs, TagTruncated)
	if !ok || len(v) != 5 {
		return "", errkind.New(errkind.Transport, "oath.calculate", "malformed truncated response")
	}
	digits := int(v[0])
	value := uint32(v[1])<<24 | uint32(v[2])<<16 | uint32(v[3])<<8 | uint32(v[4])
	return FormatCode(value, digits), nil
}

// Put registers c under c.Name(). An existing credential with the same name is
// overwritten by the device.
func (s *Session) Put(ctx context.Context, c Credential) error {
	if err := c.Validate(); err != nil {
		return err
	}
	key := c.deviceKey()
	kv := make([]byte, 0, 2+len(key))
	kv = append(kv, byte(TOTP)|byte(c.Algorithm), byte(c.Digits))
	kv = append(kv, key...)

	var req []byte
	req = apdu.AppendTLV(req, TagName, []byte(c.Name()))
	req = apdu.AppendTLV(req, TagKey, kv)

	if _, err := apdu.Transmit(ctx, s.x, apdu.Command{INS: InsPut, Data: req}, 0); err != nil {
		if errors.Is(err, apdu.ErrDataTooLong) {
			return errkind.New(errkind.InvalidSecret, "oath.put", "credential does not fit in one command")
		}
		if apdu.IsStatus(err, apdu.SWWrongData) {
			return errkind.New(errkind.InvalidLabel, "oath.put", c.Label)
		}
		if apdu.IsStatus(err, apdu.SWNoSpace) {
			return errkind.New(errkind.Unknown, "oath.put", "device credential storage is full")
		}
		return statusError("oath.put", err)
	}
	return nil
}

// Delete removes the credential stored as name.
func (s *Session) Delete(ctx context.Context, name string) error {
	req := apdu.AppendTLV(nil, TagName, []byte(name))
	if _, err := apdu.Transmit(ctx, s.x, apdu.Command{INS: InsDelete, Data: req}, 0); err != nil {
		if apdu.IsStatus(err, apdu.SWNotFound) {
			return errkind.New(errkind.UnknownLabel, "oath.delete", name)
		}
		return statusError("oath.delete", err)
	}
	return nil
}

func selectError(err error) error {
	var se *apdu.StatusError
	if errors.As(err, &se) {
		return errkind.Wrap(errkind.AppletUnavailable, "oath.select", err)
	}
	return err
}

// statusError classifies an unexpected applet status. Errors that are not
// status words (transport failures) pass through unchanged.
func statusError(op string, err error) error {
	var se *apdu.StatusError
	if !errors.As(err, &se) {
		return err
	}
	if se.SW == apdu.SWConditions {
		return errkind.Wrap(errkind.AppletUnavailable, op, err)
	}
	return errkind.Wrap(errkind.Transport, op, err)
}
