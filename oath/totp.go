package oath

import (
	"crypto/hmac"
	"encoding/binary"
	"fmt"
	"time"
)

// Step returns the TOTP time step for now: floor(unix(now) / period). The
// step is always derived from UTC Unix seconds, never local time.
func Step(now time.Time, period int) int64 {
	if period <= 0 {
		period = DefaultPeriod
	}
	sec := now.Unix()
	step := sec / int64(period)
	if sec < 0 && sec%int64(period) != 0 {
		step--
	}
	return step
}

// Remaining returns the seconds left in the current window, in 1..=period.
func Remaining(now time.Time, period int) int {
	if period <= 0 {
		period = DefaultPeriod
	}
	rem := int(now.Unix() % int64(period))
	if rem < 0 {
		rem += period
	}
	return period - rem
}

// Challenge is the CALCULATE challenge for now: the big-endian step.
func Challenge(now time.Time, period int) [8]byte {
	var c [8]byte
	binary.BigEndian.PutUint64(c[:], uint64(Step(now, period)))
	return c
}

// Truncate computes the RFC 4226 dynamically truncated 31-bit value of
// HMAC(key, counter).
func Truncate(key []byte, alg Algorithm, counter uint64) uint32 {
	var msg [8]byte
	binary.BigEndian.PutUint64(msg[:], counter)
	mac := hmac.New(alg.hash(), key)
	mac.Write(msg[:])
	sum := mac.Sum(nil)
	off := sum[len(sum)-1] & 0x0F
	return binary.BigEndian.Uint32(sum[off:off+4]) & 0x7FFFFFFF
}

var pow10 = [...]uint32{1, 10, 100, 1000, 10000, 100000, 1000000, 10000000, 100000000, 1000000000}

// FormatCode reduces a truncated value to digits decimal digits, zero-padded.
func FormatCode(v uint32, digits int) string {
	if digits <= 0 || digits >= len(pow10) {
		digits = DefaultDigits
	}
	return fmt.Sprintf("%0*d", digits, v%pow10[digits])
}

// Generate computes a TOTP/HOTP code in software. The device never reveals
// secrets, so this is only used where the key is known (tests, simulator).
func Generate(key []byte, alg Algorithm, digits int, counter uint64) string {
	return FormatCode(Truncate(key, alg, counter), digits)
}
