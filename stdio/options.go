package stdio

import (
	"io"
	"log/slog"

	"github.com/ggoodman/solo2-authenticator/broker"
	"github.com/ggoodman/solo2-authenticator/clipboard"
)

// Option customizes a Handler.
type Option func(*Handler)

// WithIO sets the reader and writer for the handler.
func WithIO(r io.Reader, w io.Writer) Option {
	return func(h *Handler) {
		if r != nil {
			h.r = r
		}
		if w != nil {
			h.w = w
		}
	}
}

// WithLogger overrides the logger.
func WithLogger(l *slog.Logger) Option {
	return func(h *Handler) {
		if l != nil {
			h.l = l
		}
	}
}

// WithEvents forwards the controller events published on b as
// notifications.
func WithEvents(b broker.Broker) Option {
	return func(h *Handler) { h.events = b }
}

// WithClipboard sets where copied codes go. The default discards them.
func WithClipboard(c clipboard.Clipboard) Option {
	return func(h *Handler) {
		if c != nil {
			h.clip = c
		}
	}
}
