// Package admin is a client for the Solo2 management applet, which reports
// the device identity and firmware state and can make the token blink.
package admin

import (
	"context"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/ggoodman/solo2-authenticator/apdu"
	"github.com/ggoodman/solo2-authenticator/errkind"
)

// AID is the Admin applet identifier.
var AID = []byte{0xA0, 0x00, 0x00, 0x08, 0x47, 0x00, 0x00, 0x00, 0x01}

// Instructions.
const (
	InsWink    byte = 0x08
	InsVersion byte = 0x61
	InsUUID    byte = 0x62
	InsLocked  byte = 0x63
	InsSelect  byte = 0xA4
)

// Version is a firmware version.
type Version struct {
	Major uint32 `json:"major"`
	Minor uint32 `json:"minor"`
	Patch uint32 `json:"patch"`
}

// DecodeVersion unpacks the applet's u32 encoding: 10 bits major, 16 bits
// minor, 6 bits patch.
func DecodeVersion(v uint32) Version {
	return Version{
		Major: v >> 22,
		Minor: (v >> 6) & 0xFFFF,
		Patch: v & 0x3F,
	}
}

func (v Version) String() string {
	return fmt.Sprintf("%d.%d.%d", v.Major, v.Minor, v.Patch)
}

// MarshalText renders the semantic version string.
func (v Version) MarshalText() ([]byte, error) { return []byte(v.String()), nil }

// UnmarshalText parses "major.minor.patch".
func (v *Version) UnmarshalText(b []byte) error {
	var out Version
	if _, err := fmt.Sscanf(string(b), "%d.%d.%d", &out.Major, &out.Minor, &out.Patch); err != nil {
		return fmt.Errorf("admin: invalid version %q: %w", b, err)
	}
	*v = out
	return nil
}

// Info is the identity view of a device.
type Info struct {
	UUID    uuid.UUID `json:"-"`
	Version Version   `json:"version"`
	Locked  bool      `json:"locked"`
}

// UUIDHex renders the UUID as 32 lowercase hex characters without dashes.
func (i Info) UUIDHex() string { return hex.EncodeToString(i.UUID[:]) }

type infoJSON struct {
	UUID    string  `json:"uuid"`
	Version Version `json:"version"`
	Locked  bool    `json:"locked"`
}

// MarshalJSON renders the UUID in the UUIDHex form.
func (i Info) MarshalJSON() ([]byte, error) {
	return json.Marshal(infoJSON{UUID: i.UUIDHex(), Version: i.Version, Locked: i.Locked})
}

// UnmarshalJSON accepts the MarshalJSON form.
func (i *Info) UnmarshalJSON(b []byte) error {
	var w infoJSON
	if err := json.Unmarshal(b, &w); err != nil {
		return err
	}
	id, err := uuid.Parse(w.UUID)
	if err != nil {
		return fmt.Errorf("admin: invalid uuid %q: %w", w.UUID, err)
	}
	*i = Info{UUID: id, Version: w.Version, Locked: w.Locked}
	return nil
}

// Session is a selected Admin applet.
type Session struct {
	x apdu.Exchanger
}

// Select issues SELECT for the Admin applet.
func Select(ctx context.Context, x apdu.Exchanger) (*Session, error) {
	if _, err := apdu.Transmit(ctx, x, apdu.Command{INS: InsSelect, P1: 0x04, Data: AID}, 0); err != nil {
		var se *apdu.StatusError
		if errors.As(err, &se) {
			return nil, errkind.Wrap(errkind.AppletUnavailable, "admin.select", err)
		}
		return nil, err
	}
	return &Session{x: x}, nil
}

func (s *Session) call(ctx context.Context, op string, ins byte) ([]byte, error) {
	data, err := apdu.Transmit(ctx, s.x, apdu.Command{INS: ins}, 0)
	if err != nil {
		var se *apdu.StatusError
		if errors.As(err, &se) {
			return nil, errkind.Wrap(errkind.Transport, op, err)
		}
		return nil, err
	}
	return data, nil
}

// UUID reads the 128-bit device UUID.
func (s *Session) UUID(ctx context.Context) (uuid.UUID, error) {
	data, err := s.call(ctx, "admin.uuid", InsUUID)
	if err != nil {
		return uuid.Nil, err
	}
	id, err := uuid.FromBytes(data)
	if err != nil {
		return uuid.Nil, errkind.Wrap(errkind.Transport, "admin.uuid", err)
	}
	return id, nil
}

// Version reads the firmware version.
func (s *Session) Version(ctx context.Context) (Version, error) {
	data, err := s.call(ctx, "admin.version", InsVersion)
	if err != nil {
		return Version{}, err
	}
	if len(data) < 4 {
		return Version{}, errkind.New(errkind.Transport, "admin.version", fmt.Sprintf("expected 4 bytes, got %d", len(data)))
	}
	return DecodeVersion(binary.BigEndian.Uint32(data)), nil
}

// Locked reads the lock state.
func (s *Session) Locked(ctx context.Context) (bool, error) {
	data, err := s.call(ctx, "admin.locked", InsLocked)
	if err != nil {
		return false, err
	}
	if len(data) < 1 {
		return false, errkind.New(errkind.Transport, "admin.locked", "empty response")
	}
	return data[0] != 0, nil
}

// Wink asks the token to blink.
func (s *Session) Wink(ctx context.Context) error {
	_, err := s.call(ctx, "admin.wink", InsWink)
	return err
}

// Info reads UUID, version and lock state.
func (s *Session) Info(ctx context.Context) (Info, error) {
	var info Info
	var err error
	if info.UUID, err = s.UUID(ctx); err != nil {
		return Info{}, err
	}
	if info.Version, err = s.Version(ctx); err != nil {
		return Info{}, err
	}
	if info.Locked, err = s.Locked(ctx); err != nil {
		return Info{}, err
	}
	return info, nil
}
