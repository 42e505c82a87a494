package apdu

import (
	"bytes"
	"context"
	"errors"
	"testing"
)

// scriptedExchanger replays canned responses and records requests.
type scriptedExchanger struct {
	responses [][]byte
	requests  [][]byte
	err       error
}

func (s *scriptedExchanger) Exchange(ctx context.Context, req []byte) ([]byte, error) {
	s.requests = append(s.requests, append([]byte(nil), req...))
	if s.err != nil {
		return nil, s.err
	}
	if len(s.responses) == 0 {
		return []byte{0x6F, 0x00}, nil
	}
	r := s.responses[0]
	s.responses = s.responses[1:]
	return r, nil
}

func TestCommandBytes(t *testing.T) {
	got, err := Command{CLA: 0x00, INS: 0xA4, P1: 0x04, Data: []byte{0xA0, 0x00}}.Bytes()
	if err != nil {
		t.Fatalf("Bytes() failed: %v", err)
	}
	want := []byte{0x00, 0xA4, 0x04, 0x00, 0x02, 0xA0, 0x00}
	if !bytes.Equal(got, want) {
		t.Fatalf("Bytes() = %x, want %x", got, want)
	}

	got, err = Command{INS: 0xA1}.Bytes()
	if err != nil {
		t.Fatalf("Bytes() failed: %v", err)
	}
	if !bytes.Equal(got, []byte{0x00, 0xA1, 0x00, 0x00}) {
		t.Fatalf("Bytes() without data = %x", got)
	}

	if _, err := (Command{Data: make([]byte, 256)}).Bytes(); !errors.Is(err, ErrDataTooLong) {
		t.Fatalf("expected ErrDataTooLong, got %v", err)
	}
}

func TestParseCommand(t *testing.T) {
	raw := []byte{0x00, 0x01, 0x00, 0x00, 0x03, 0x71, 0x01, 0x61}
	c, err := ParseCommand(raw)
	if err != nil {
		t.Fatalf("ParseCommand() failed: %v", err)
	}
	if c.INS != 0x01 || !bytes.Equal(c.Data, []byte{0x71, 0x01, 0x61}) {
		t.Fatalf("unexpected command: %+v", c)
	}

	// trailing Le is ignored
	if _, err := ParseCommand(append(raw, 0x00)); err != nil {
		t.Fatalf("ParseCommand() with Le failed: %v", err)
	}
	if _, err := ParseCommand([]byte{0x00, 0x01, 0x00, 0x00, 0x05, 0x01}); err == nil {
		t.Fatal("expected error for mismatched Lc")
	}
}

func TestTransmitFollowsChain(t *testing.T) {
	x := &scriptedExchanger{responses: [][]byte{
		{0x01, 0x02, 0x61, 0x02},
		{0x03, 0x04, 0x90, 0x00},
	}}
	data, err := Transmit(context.Background(), x, Command{INS: 0xA1}, 0xA5)
	if err != nil {
		t.Fatalf("Transmit() failed: %v", err)
	}
	if !bytes.Equal(data, []byte{0x01, 0x02, 0x03, 0x04}) {
		t.Fatalf("Transmit() data = %x", data)
	}
	if len(x.requests) != 2 || x.requests[1][1] != 0xA5 {
		t.Fatalf("expected a SEND REMAINING follow-up, got %x", x.requests)
	}
}

func TestTransmitStatusError(t *testing.T) {
	x := &scriptedExchanger{responses: [][]byte{{0x6A, 0x82}}}
	_, err := Transmit(context.Background(), x, Command{INS: 0xA2}, 0xA5)
	if !IsStatus(err, SWNotFound) {
		t.Fatalf("expected 6a82 status error, got %v", err)
	}
	var se *StatusError
	if !errors.As(err, &se) || se.INS != 0xA2 {
		t.Fatalf("expected StatusError for ins a2, got %v", err)
	}
}

func TestTransmitExchangerError(t *testing.T) {
	boom := errors.New("unplugged")
	x := &scriptedExchanger{err: boom}
	if _, err := Transmit(context.Background(), x, Command{INS: 0xA1}, 0xA5); !errors.Is(err, boom) {
		t.Fatalf("expected exchanger error, got %v", err)
	}
}

func TestParseResponse(t *testing.T) {
	if _, err := ParseResponse([]byte{0x90}); !errors.Is(err, ErrShortResponse) {
		t.Fatalf("expected ErrShortResponse, got %v", err)
	}
	r, err := ParseResponse([]byte{0xAA, 0x61, 0x10})
	if err != nil {
		t.Fatalf("ParseResponse() failed: %v", err)
	}
	if !r.MoreData() || r.SW != 0x6110 || !bytes.Equal(r.Data, []byte{0xAA}) {
		t.Fatalf("unexpected response %+v", r)
	}
	if !bytes.Equal(r.Bytes(), []byte{0xAA, 0x61, 0x10}) {
		t.Fatalf("Bytes() = %x", r.Bytes())
	}
}

func TestTLVLengthForms(t *testing.T) {
	for _, n := range []int{0, 1, 0x7F, 0x80, 0xFF, 0x100, 0x1234} {
		value := bytes.Repeat([]byte{0x5A}, n)
		enc := AppendTLV(nil, 0x71, value)
		tlvs, err := ParseTLVs(enc)
		if err != nil {
			t.Fatalf("len %d: ParseTLVs() failed: %v", n, err)
		}
		if len(tlvs) != 1 || tlvs[0].Tag != 0x71 || !bytes.Equal(tlvs[0].Value, value) {
			t.Fatalf("len %d: unexpected tlvs %v", n, tlvs)
		}
	}
}

func TestParseTLVsSequenceAndFind(t *testing.T) {
	var b []byte
	b = AppendTLV(b, 0x71, []byte("github"))
	b = AppendTLV(b, 0x74, []byte{0, 0, 0, 0, 0, 0, 0, 1})
	tlvs, err := ParseTLVs(b)
	if err != nil {
		t.Fatalf("ParseTLVs() failed: %v", err)
	}
	if len(tlvs) != 2 {
		t.Fatalf("expected 2 tlvs, got %d", len(tlvs))
	}
	v, ok := Find(tlvs, 0x74)
	if !ok || len(v) != 8 {
		t.Fatalf("Find(0x74) = %x, %v", v, ok)
	}
	if _, ok := Find(tlvs, 0x99); ok {
		t.Fatal("Find(0x99) should miss")
	}

	if _, err := ParseTLVs([]byte{0x71, 0x05, 0x01}); !errors.Is(err, ErrTruncatedTLV) {
		t.Fatalf("expected ErrTruncatedTLV, got %v", err)
	}
}
