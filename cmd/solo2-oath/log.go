package main

import (
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/ggoodman/solo2-authenticator/internal/logctx"
	"hermannm.dev/devlog"
)

func parseLevel(s string) (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(strings.ToUpper(s))); err != nil {
		return 0, fmt.Errorf("invalid log level %q", s)
	}
	return l, nil
}

// newLogger writes to w in the requested format. Records are decorated with
// the device and intent attributes carried by the context.
func newLogger(w io.Writer, format string, level *slog.LevelVar) (*slog.Logger, error) {
	var h slog.Handler
	switch format {
	case "", "text":
		h = devlog.NewHandler(w, &devlog.Options{Level: level})
	case "json":
		h = slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level})
	default:
		return nil, fmt.Errorf("invalid log format %q", format)
	}
	return slog.New(logctx.Handler{Handler: h}), nil
}
