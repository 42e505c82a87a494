// Package clipboard is the port through which UI adapters hand a code to the
// user. Writes are fire-and-forget: callers log failures and carry on.
package clipboard

import (
	"log/slog"
	"sync"
	"time"

	"github.com/atotto/clipboard"
)

// Clipboard writes text to a clipboard.
type Clipboard interface {
	Write(text string) error
}

// System writes to the host clipboard (xclip/xsel/wl-copy on Linux,
// pbcopy on macOS, the Win32 API on Windows).
type System struct {
	// ClearAfter, if positive, empties the clipboard after the delay unless
	// something else was copied in the meantime.
	ClearAfter time.Duration
	Log        *slog.Logger
}

func (s System) Write(text string) error {
	if err := clipboard.WriteAll(text); err != nil {
		return err
	}
	if s.ClearAfter > 0 {
		time.AfterFunc(s.ClearAfter, func() {
			cur, err := clipboard.ReadAll()
			if err != nil || cur != text {
				return
			}
			if err := clipboard.WriteAll(""); err != nil && s.Log != nil {
				s.Log.Debug("clipboard.clear.fail", slog.String("err", err.Error()))
			}
		})
	}
	return nil
}

// Available reports whether the host has a usable clipboard.
func Available() bool { return !clipboard.Unsupported }

// Noop discards writes.
type Noop struct{}

func (Noop) Write(string) error { return nil }

// Recorder keeps every write in memory.
type Recorder struct {
	mu     sync.Mutex
	writes []string
}

func (r *Recorder) Write(text string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.writes = append(r.writes, text)
	return nil
}

// Writes returns the recorded writes in order.
func (r *Recorder) Writes() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.writes...)
}

// Last returns the most recent write.
func (r *Recorder) Last() (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.writes) == 0 {
		return "", false
	}
	return r.writes[len(r.writes)-1], true
}

var (
	_ Clipboard = System{}
	_ Clipboard = Noop{}
	_ Clipboard = (*Recorder)(nil)
)
