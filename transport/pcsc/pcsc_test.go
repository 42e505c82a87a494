package pcsc

import (
	"fmt"
	"testing"

	"github.com/ebfe/scard"
)

func TestPresentReaders(t *testing.T) {
	states := []scard.ReaderState{
		{Reader: "SoloKeys Solo 2 [CCID/ICCD Interface] 00 00", EventState: scard.StatePresent | scard.StateInuse},
		{Reader: "Generic Smart Card Reader 01 00", EventState: scard.StateEmpty},
		{Reader: "Gone Reader 02 00", EventState: scard.StateUnknown | scard.StateChanged},
		{Reader: "SoloKeys Solo 2 [CCID/ICCD Interface] 03 00", EventState: scard.StatePresent | scard.StateChanged},
		{Reader: "Stale Reader 04 00", EventState: scard.StateUnavailable | scard.StatePresent},
	}
	got := presentReaders(states)
	want := []string{
		"SoloKeys Solo 2 [CCID/ICCD Interface] 00 00",
		"SoloKeys Solo 2 [CCID/ICCD Interface] 03 00",
	}
	if fmt.Sprint(got) != fmt.Sprint(want) {
		t.Fatalf("Expected %v, got %v", want, got)
	}

	if got := presentReaders([]scard.ReaderState{{Reader: "empty", EventState: scard.StateEmpty}}); len(got) != 0 {
		t.Fatalf("Expected no tokens for an empty reader, got %v", got)
	}
}
