package apdu

import (
	"errors"
	"fmt"
)

// TLV is a tag-length-value element with a one-byte tag.
type TLV struct {
	Tag   byte
	Value []byte
}

// ErrTruncatedTLV is returned when a TLV header announces more bytes than remain.
var ErrTruncatedTLV = errors.New("apdu: truncated tlv")

// AppendTLV appends the encoding of tag/value to dst. Lengths up to 0xFFFF
// are supported.
func AppendTLV(dst []byte, tag byte, value []byte) []byte {
	dst = append(dst, tag)
	switch n := len(value); {
	case n < 0x80:
		dst = append(dst, byte(n))
	case n <= 0xFF:
		dst = append(dst, 0x81, byte(n))
	default:
		dst = append(dst, 0x82, byte(n>>8), byte(n))
	}
	return append(dst, value...)
}

// ParseTLVs decodes a flat sequence of TLVs. Values alias b.
func ParseTLVs(b []byte) ([]TLV, error) {
	var out []TLV
	for len(b) > 0 {
		if len(b) < 2 {
			return nil, ErrTruncatedTLV
		}
		tag := b[0]
		n := int(b[1])
		b = b[2:]
		switch n {
		case 0x81:
			if len(b) < 1 {
				return nil, ErrTruncatedTLV
			}
			n = int(b[0])
			b = b[1:]
		case 0x82:
			if len(b) < 2 {
				return nil, ErrTruncatedTLV
			}
			n = int(b[0])<<8 | int(b[1])
			b = b[2:]
		default:
			if n >= 0x80 {
				return nil, fmt.Errorf("apdu: unsupported tlv length form 0x%02x", n)
			}
		}
		if len(b) < n {
			return nil, ErrTruncatedTLV
		}
		out = append(out, TLV{Tag: tag, Value: b[:n]})
		b = b[n:]
	}
	return out, nil
}

// Find returns the value of the first TLV with tag.
func Find(tlvs []TLV, tag byte) ([]byte, bool) {
	for _, t := range tlvs {
		if t.Tag == tag {
			return t.Value, true
		}
	}
	return nil, false
}
