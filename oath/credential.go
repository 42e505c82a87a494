package oath

import (
	"crypto/sha1"
	"crypto/sha256"
	"crypto/sha512"
	"fmt"
	"hash"
	"strings"
	"unicode/utf8"

	"github.com/ggoodman/solo2-authenticator/errkind"
)

// Algorithm is the HMAC hash used by a credential, encoded as the applet
// expects it in the low nibble of the type byte.
type Algorithm byte

const (
	SHA1   Algorithm = 0x01
	SHA256 Algorithm = 0x02
	SHA512 Algorithm = 0x03
)

func (a Algorithm) String() string {
	switch a {
	case SHA1:
		return "SHA1"
	case SHA256:
		return "SHA256"
	case SHA512:
		return "SHA512"
	}
	return fmt.Sprintf("Algorithm(0x%02x)", byte(a))
}

// MarshalText implements encoding.TextMarshaler.
func (a Algorithm) MarshalText() ([]byte, error) { return []byte(a.String()), nil }

// UnmarshalText implements encoding.TextUnmarshaler.
func (a *Algorithm) UnmarshalText(b []byte) error {
	v, err := ParseAlgorithm(string(b))
	if err != nil {
		return err
	}
	*a = v
	return nil
}

// ParseAlgorithm accepts "SHA1", "sha-256", "SHA512" and similar spellings.
func ParseAlgorithm(s string) (Algorithm, error) {
	switch strings.ReplaceAll(strings.ToUpper(strings.TrimSpace(s)), "-", "") {
	case "", "SHA1":
		return SHA1, nil
	case "SHA256":
		return SHA256, nil
	case "SHA512":
		return SHA512, nil
	}
	return 0, fmt.Errorf("oath: unsupported algorithm %q", s)
}

// Valid reports whether a is one of the supported algorithms.
func (a Algorithm) Valid() bool { return a == SHA1 || a == SHA256 || a == SHA512 }

func (a Algorithm) hash() func() hash.Hash {
	switch a {
	case SHA256:
		return sha256.New
	case SHA512:
		return sha512.New
	default:
		return sha1.New
	}
}

// BlockSize is the HMAC block size. Longer keys are hashed down before they
// are sent to the device.
func (a Algorithm) BlockSize() int {
	if a == SHA512 {
		return sha512.BlockSize
	}
	return sha1.BlockSize
}

// MinKeyLen is the shortest decoded secret accepted for a.
//
// 10 bytes is the 16-character base32 secret handed out by most issuers.
func (a Algorithm) MinKeyLen() int {
	switch a {
	case SHA256, SHA512:
		return 16
	default:
		return 10
	}
}

// Type is the credential type in the high nibble of the type byte. Only TOTP
// credentials are created by this package.
type Type byte

const (
	HOTP Type = 0x10
	TOTP Type = 0x20
)

func (t Type) String() string {
	switch t {
	case HOTP:
		return "HOTP"
	case TOTP:
		return "TOTP"
	}
	return fmt.Sprintf("Type(0x%02x)", byte(t))
}

const (
	DefaultDigits = 6
	DefaultPeriod = 30
	MaxLabelLen   = 64
)

// Credential is a TOTP credential to be registered on the device. Secrets are
// write-only: the device never returns them.
type Credential struct {
	Label     string
	Algorithm Algorithm
	Digits    int
	Period    int
	Secret    []byte
}

// CredentialOption customizes NewCredential.
type CredentialOption func(*Credential)

// WithAlgorithm sets the HMAC algorithm (default SHA1).
func WithAlgorithm(a Algorithm) CredentialOption {
	return func(c *Credential) { c.Algorithm = a }
}

// WithDigits sets the code length, 6 or 8 (default 6).
func WithDigits(n int) CredentialOption {
	return func(c *Credential) { c.Digits = n }
}

// WithPeriod sets the TOTP period in seconds (default 30).
func WithPeriod(seconds int) CredentialOption {
	return func(c *Credential) { c.Period = seconds }
}

// NewCredential builds a TOTP credential from a label and a user-entered
// base32 secret. See DecodeSecret for the accepted secret syntax.
func NewCredential(label, secretText string, opts ...CredentialOption) (Credential, error) {
	c := Credential{
		Label:     label,
		Algorithm: SHA1,
		Digits:    DefaultDigits,
		Period:    DefaultPeriod,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(&c)
		}
	}
	if err := ValidateLabel(label); err != nil {
		return Credential{}, err
	}
	secret, err := DecodeSecret(secretText)
	if err != nil {
		return Credential{}, err
	}
	c.Secret = secret
	if err := c.Validate(); err != nil {
		return Credential{}, err
	}
	return c, nil
}

// ValidateLabel checks the constraints the applet enforces on names.
func ValidateLabel(label string) error {
	switch {
	case label == "":
		return errkind.New(errkind.InvalidLabel, "oath.label", "label is empty")
	case len(label) > MaxLabelLen:
		return errkind.New(errkind.InvalidLabel, "oath.label", fmt.Sprintf("label is %d bytes, at most %d allowed", len(label), MaxLabelLen))
	case !utf8.ValidString(label):
		return errkind.New(errkind.InvalidLabel, "oath.label", "label is not valid UTF-8")
	case strings.IndexByte(label, 0) >= 0:
		return errkind.New(errkind.InvalidLabel, "oath.label", "label contains a NUL byte")
	}
	return nil
}

// Validate checks every field of c.
func (c Credential) Validate() error {
	if err := ValidateLabel(c.Label); err != nil {
		return err
	}
	if !c.Algorithm.Valid() {
		return errkind.New(errkind.InvalidSecret, "oath.credential", "unsupported hash algorithm "+c.Algorithm.String())
	}
	if len(c.Secret) < c.Algorithm.MinKeyLen() {
		return errkind.New(errkind.InvalidSecret, "oath.credential",
			fmt.Sprintf("secret decodes to %d bytes, %s needs at least %d", len(c.Secret), c.Algorithm, c.Algorithm.MinKeyLen()))
	}
	if c.Digits != 6 && c.Digits != 8 {
		return errkind.New(errkind.InvalidSecret, "oath.credential", fmt.Sprintf("code length must be 6 or 8 digits, got %d", c.Digits))
	}
	if c.Period <= 0 {
		return errkind.New(errkind.InvalidSecret, "oath.credential", fmt.Sprintf("time step must be a positive number of seconds, got %d", c.Period))
	}
	if n := len(c.Name()); n > MaxLabelLen {
		return errkind.New(errkind.InvalidLabel, "oath.label", fmt.Sprintf("label with its %ds period prefix is %d bytes, at most %d allowed", c.Period, n, MaxLabelLen))
	}
	return nil
}

// deviceKey returns the key as stored on the device: keys longer than the
// HMAC block size are replaced by their digest, which yields identical MACs.
func (c Credential) deviceKey() []byte {
	if len(c.Secret) <= c.Algorithm.BlockSize() {
		return c.Secret
	}
	h := c.Algorithm.hash()()
	h.Write(c.Secret)
	return h.Sum(nil)
}
