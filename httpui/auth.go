package httpui

import (
	"crypto/rand"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// Issuer is the iss claim of every token minted by NewToken.
const Issuer = "solo2-oath"

// ErrUnauthorized indicates the bearer token was missing, malformed or did
// not verify.
var ErrUnauthorized = errors.New("unauthorized")

// GenerateSecret returns a random 32 byte HS256 key.
func GenerateSecret() ([]byte, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return nil, fmt.Errorf("httpui: generate secret: %w", err)
	}
	return b, nil
}

// NewToken mints an HS256 bearer token for subject valid for ttl.
func NewToken(secret []byte, subject string, ttl time.Duration) (string, error) {
	if len(secret) == 0 {
		return "", errors.New("httpui: empty secret")
	}
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Issuer:    Issuer,
		Subject:   subject,
		ID:        uuid.NewString(),
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
}

// verifier checks bearer tokens against a shared secret.
type verifier struct {
	secret []byte
	leeway time.Duration
	now    func() time.Time
}

// verify returns the token subject.
func (v *verifier) verify(tok string) (string, error) {
	if tok == "" {
		return "", fmt.Errorf("%w: empty token", ErrUnauthorized)
	}
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithIssuer(Issuer),
		jwt.WithLeeway(v.leeway),
		jwt.WithTimeFunc(v.now),
	)
	var claims jwt.RegisteredClaims
	if _, err := parser.ParseWithClaims(tok, &claims, func(*jwt.Token) (any, error) { return v.secret, nil }); err != nil {
		return "", fmt.Errorf("%w: token parse/verify failed: %v", ErrUnauthorized, err)
	}
	if claims.Subject == "" {
		return "", fmt.Errorf("%w: missing sub", ErrUnauthorized)
	}
	return claims.Subject, nil
}
