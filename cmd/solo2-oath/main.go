// Command solo2-oath lists, adds, deletes and copies the TOTP codes stored on
// a SoloKeys Solo 2 token. It runs either as a long-lived UI backend (serve,
// http) or as a one-shot command.
package main

import (
	"bytes"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/ggoodman/solo2-authenticator/config"
)

// globals are the options shared by every subcommand.
type globals struct {
	configPath string
	logLevel   string
	logFormat  string
	simulate   bool
}

func newRootFlags(g *globals) *flag.FlagSet {
	fs := flag.NewFlagSet("solo2-oath", flag.ContinueOnError)
	fs.StringVar(&g.configPath, "config", config.DefaultPath(), "Configuration file `path`")
	fs.StringVar(&g.logLevel, "log-level", "", "Log `level`: debug, info, warn or error (default from config)")
	fs.StringVar(&g.logFormat, "log-format", "text", "Log `format`: text or json")
	fs.BoolVar(&g.simulate, "simulate", false, "Use an in-memory token instead of PC/SC readers")
	return fs
}

func usage(w io.Writer, root *flag.FlagSet) {
	_, _ = fmt.Fprintf(w, `
Usage:
  solo2-oath [global_options] <command> [options]

Commands:
  serve          JSON-RPC over stdin/stdout with live refresh notifications
  http           JSON-RPC and server-sent events over HTTP
  list           Print the credentials and their current codes
  add            Store a new TOTP credential
  delete         Remove a credential
  copy           Copy the current code of a credential to the clipboard
  info           Print the device UUID, firmware version and lock state
  wink           Make the token blink
  config-schema  Print the JSON schema of the configuration file

Global options:
%s`, options(root))
}

func options(fs *flag.FlagSet) string {
	oldOutput := fs.Output()
	defer fs.SetOutput(oldOutput)

	var buf bytes.Buffer
	fs.SetOutput(&buf)
	fs.PrintDefaults()
	return buf.String()
}

// errUsage reports a command line that could not be parsed.
var errUsage = errors.New("usage")

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	err := run(ctx, os.Args[1:], os.Stdin, os.Stdout, os.Stderr)
	switch {
	case err == nil, errors.Is(err, context.Canceled):
	case errors.Is(err, errUsage):
		os.Exit(1)
	default:
		_, _ = fmt.Fprintf(os.Stderr, "solo2-oath: %v\n", err)
		os.Exit(2)
	}
}

func run(ctx context.Context, args []string, stdin io.Reader, stdout, stderr io.Writer) error {
	var g globals
	root := newRootFlags(&g)
	root.SetOutput(stderr)
	root.Usage = func() { usage(stderr, root) }
	if err := root.Parse(args); err != nil {
		return errUsage
	}

	sub := root.Arg(0)
	var rest []string
	if root.NArg() > 1 {
		rest = root.Args()[1:]
		if root.Arg(1) == "--" {
			rest = root.Args()[2:]
		}
	}

	if sub == "config-schema" {
		return configSchema(stdout)
	}
	cmd, ok := commands[sub]
	if !ok {
		if sub != "" {
			_, _ = fmt.Fprintf(stderr, "unknown command %q\n", sub)
		}
		usage(stderr, root)
		return errUsage
	}

	fs := flag.NewFlagSet(sub, flag.ContinueOnError)
	fs.SetOutput(stderr)
	exec := cmd(fs)
	if err := fs.Parse(rest); err != nil {
		return errUsage
	}

	a, err := newApp(ctx, g, stderr)
	if err != nil {
		return err
	}
	defer a.close()
	return exec(ctx, a, stdin, stdout)
}

// command registers its flags on fs and returns the function running it.
type command func(fs *flag.FlagSet) func(ctx context.Context, a *app, stdin io.Reader, stdout io.Writer) error

var commands = map[string]command{
	"serve":  serveCommand,
	"http":   httpCommand,
	"list":   listCommand,
	"add":    addCommand,
	"delete": deleteCommand,
	"copy":   copyCommand,
	"info":   infoCommand,
	"wink":   winkCommand,
}
