package oath

import (
	"strconv"
	"strings"
)

// DeviceName returns the name a credential is stored under. The applet keeps
// no period of its own, so a period other than DefaultPeriod is carried in the
// name as "<period>/<label>", the convention YubiKey tooling uses. A label
// that would itself parse as prefixed is always prefixed so it round-trips.
func DeviceName(label string, period int) string {
	if period == DefaultPeriod {
		if _, p := ParseName(label); p == 0 {
			return label
		}
	}
	return strconv.Itoa(period) + "/" + label
}

// ParseName splits a device name into its label and the period it encodes.
// The period is 0 when the name carries none.
func ParseName(name string) (label string, period int) {
	i := strings.IndexByte(name, '/')
	if i <= 0 || i == len(name)-1 {
		return name, 0
	}
	for _, r := range name[:i] {
		if r < '0' || r > '9' {
			return name, 0
		}
	}
	p, err := strconv.Atoi(name[:i])
	if err != nil || p <= 0 {
		return name, 0
	}
	return name[i+1:], p
}

// Name returns the device name of c.
func (c Credential) Name() string {
	return DeviceName(c.Label, c.Period)
}
