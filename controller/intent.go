package controller

import (
	"github.com/ggoodman/solo2-authenticator/admin"
	"github.com/ggoodman/solo2-authenticator/errkind"
	"github.com/ggoodman/solo2-authenticator/oath"
)

// Intent is a request from a UI actor. The set of intents is closed.
type Intent interface {
	// Kind names the intent in logs and events.
	Kind() string
	intent()
}

// Discover drops the current handle and looks for a token again. On success
// the reply carries a fresh snapshot.
type Discover struct{}

// SnapshotNow lists the credentials and computes their codes.
type SnapshotNow struct{}

// Register stores a new TOTP credential. Zero Digits, Period and Algorithm
// take the configured defaults.
type Register struct {
	Label      string
	SecretText string
	Digits     int
	Period     int
	Algorithm  oath.Algorithm
}

// Delete removes a credential.
type Delete struct {
	Label string
}

// CopyCode computes the current code of a credential. The UI writes the
// returned code to the clipboard.
type CopyCode struct {
	Label string
}

// Wink makes the token blink.
type Wink struct{}

// ReadInfo reads the device identity.
type ReadInfo struct{}

func (Discover) Kind() string    { return "Discover" }
func (SnapshotNow) Kind() string { return "SnapshotNow" }
func (Register) Kind() string    { return "Register" }
func (Delete) Kind() string      { return "Delete" }
func (CopyCode) Kind() string    { return "CopyCode" }
func (Wink) Kind() string        { return "Wink" }
func (ReadInfo) Kind() string    { return "ReadInfo" }

func (Discover) intent()    {}
func (SnapshotNow) intent() {}
func (Register) intent()    {}
func (Delete) intent()      {}
func (CopyCode) intent()    {}
func (Wink) intent()        {}
func (ReadInfo) intent()    {}

// Reply is the outcome of one intent. Fields that the intent does not
// produce are left zero.
type Reply struct {
	ID       string      `json:"id"`
	Snapshot *Snapshot   `json:"snapshot,omitempty"`
	Code     string      `json:"code,omitempty"`
	Info     *admin.Info `json:"info,omitempty"`
	Warnings []Warning   `json:"warnings,omitempty"`
}

// Warning is a non-fatal condition reported alongside a valid result.
type Warning struct {
	Kind  errkind.Kind `json:"kind"`
	Label string       `json:"label,omitempty"`
}
