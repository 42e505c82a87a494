package oath

import (
	"encoding/base32"
	"strings"
	"unicode"

	"github.com/ggoodman/solo2-authenticator/errkind"
)

var secretEncoding = base32.StdEncoding.WithPadding(base32.NoPadding)

// DecodeSecret decodes a user-entered RFC 4648 base32 secret. Decoding is
// case-insensitive, ignores all whitespace and accepts optional '=' padding.
func DecodeSecret(text string) ([]byte, error) {
	s := strings.Map(func(r rune) rune {
		if unicode.IsSpace(r) {
			return -1
		}
		return unicode.ToUpper(r)
	}, text)
	s = strings.TrimRight(s, "=")
	if s == "" {
		return nil, errkind.New(errkind.InvalidSecret, "oath.secret", "secret is empty")
	}
	b, err := secretEncoding.DecodeString(s)
	if err != nil {
		return nil, errkind.Wrap(errkind.InvalidSecret, "oath.secret", err)
	}
	return b, nil
}

// EncodeSecret renders raw key bytes as unpadded uppercase base32.
func EncodeSecret(b []byte) string {
	return secretEncoding.EncodeToString(b)
}
