package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/ggoodman/solo2-authenticator/clipboard"
	"github.com/ggoodman/solo2-authenticator/config"
	"github.com/ggoodman/solo2-authenticator/controller"
	"github.com/ggoodman/solo2-authenticator/httpui"
	"github.com/ggoodman/solo2-authenticator/internal/rpc"
	"github.com/ggoodman/solo2-authenticator/refresh"
	"github.com/ggoodman/solo2-authenticator/stdio"
)

// tickMethod is the stdio notification carrying the once-per-second window.
const tickMethod = "tick"

func systemClipboard(a *app, clearAfter time.Duration) clipboard.Clipboard {
	if !clipboard.Available() {
		a.log.Warn("clipboard.unavailable")
		return clipboard.Noop{}
	}
	return clipboard.System{ClearAfter: clearAfter, Log: a.log}
}

// background starts the refresh clock and the configuration watcher. Both
// stop with ctx.
func (a *app) background(ctx context.Context, onTick func(*controller.Snapshot)) {
	ticker := refresh.New(func() int { return a.ctl.Config().TOTPPeriodDefault })
	go func() {
		<-ctx.Done()
		ticker.Stop()
	}()
	go func() {
		if err := a.ctl.AutoRefresh(ctx, ticker.C(), onTick); err != nil && !errors.Is(err, context.Canceled) {
			a.log.Warn("refresh.stop", slog.String("err", err.Error()))
		}
	}()
	go func() {
		if err := config.Watch(ctx, a.g.configPath, a.log, a.setConfig); err != nil && !errors.Is(err, context.Canceled) {
			a.log.Warn("config.watch.stop", slog.String("err", err.Error()))
		}
	}()

	// The initial discovery outcome reaches the UI as an event.
	if _, err := a.ctl.Do(ctx, controller.Discover{}); err != nil {
		a.log.Info("device.discover.initial", slog.String("err", err.Error()))
	}
}

func serveCommand(fs *flag.FlagSet) func(context.Context, *app, io.Reader, io.Writer) error {
	clearAfter := fs.Duration("clear-clipboard", 30*time.Second, "Clear a copied code after this `duration` (0 keeps it)")
	return func(ctx context.Context, a *app, stdin io.Reader, stdout io.Writer) error {
		ctx, cancel := context.WithCancel(ctx)
		defer cancel()

		h := stdio.NewHandler(rpc.New(a.ctl, rpc.WithLogger(a.log)),
			stdio.WithIO(stdin, stdout),
			stdio.WithLogger(a.log),
			stdio.WithEvents(a.events),
			stdio.WithClipboard(systemClipboard(a, *clearAfter)),
		)
		served := make(chan error, 1)
		go func() { served <- h.Serve(ctx) }()

		a.background(ctx, func(s *controller.Snapshot) {
			if err := h.Notify(tickMethod, s); err != nil {
				a.log.Debug("stdio.tick.fail", slog.String("err", err.Error()))
			}
		})
		return <-served
	}
}

func httpCommand(fs *flag.FlagSet) func(context.Context, *app, io.Reader, io.Writer) error {
	addr := fs.String("addr", "127.0.0.1:8737", "The `addr`ess to listen on")
	ttl := fs.Duration("token-ttl", 12*time.Hour, "Lifetime of the printed bearer token")
	serverClipboard := fs.Bool("clipboard", false, "Also write copied codes to this machine's clipboard")
	return func(ctx context.Context, a *app, _ io.Reader, stdout io.Writer) error {
		ctx, cancel := context.WithCancel(ctx)
		defer cancel()

		secret, err := httpui.GenerateSecret()
		if err != nil {
			return err
		}
		tok, err := httpui.NewToken(secret, "solo2-oath", *ttl)
		if err != nil {
			return err
		}
		opts := []httpui.Option{httpui.WithLogger(a.log), httpui.WithEvents(a.events)}
		if *serverClipboard {
			opts = append(opts, httpui.WithClipboard(systemClipboard(a, 30*time.Second)))
		}
		h, err := httpui.New(rpc.New(a.ctl, rpc.WithLogger(a.log)), a.ctl, secret, opts...)
		if err != nil {
			return err
		}

		ln, err := net.Listen("tcp", *addr)
		if err != nil {
			return err
		}
		srv := &http.Server{
			Handler:           h,
			ReadHeaderTimeout: 10 * time.Second,
			BaseContext:       func(net.Listener) context.Context { return ctx },
		}
		_, _ = fmt.Fprintf(stdout, "listening on http://%s\ntoken: %s\n", ln.Addr(), tok)

		errc := make(chan error, 1)
		go func() { errc <- srv.Serve(ln) }()

		// Snapshots are published by the controller; SSE clients recompute
		// the window themselves between boundaries.
		a.background(ctx, func(*controller.Snapshot) {})
		select {
		case err := <-errc:
			return err
		case <-ctx.Done():
		}
		shutdownCtx, stop := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer stop()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		return ctx.Err()
	}
}
