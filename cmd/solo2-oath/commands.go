package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/ggoodman/solo2-authenticator/clipboard"
	"github.com/ggoodman/solo2-authenticator/config"
	"github.com/ggoodman/solo2-authenticator/controller"
	"github.com/ggoodman/solo2-authenticator/errkind"
	"github.com/ggoodman/solo2-authenticator/oath"
)

// do discovers the token and then runs in. Discover is skipped when in is
// itself a Discover.
func (a *app) do(ctx context.Context, in controller.Intent) (controller.Reply, error) {
	reply, err := a.ctl.Do(ctx, controller.Discover{})
	if err != nil {
		return reply, describe(err)
	}
	if _, ok := in.(controller.Discover); ok {
		return reply, nil
	}
	reply, err = a.ctl.Do(ctx, in)
	if err != nil {
		return reply, describe(err)
	}
	return reply, nil
}

// describe prefixes the error with its kind for the terminal.
func describe(err error) error {
	return fmt.Errorf("%s: %s", errkind.Of(err), errkind.Detail(err))
}

func printSnapshot(w io.Writer, s *controller.Snapshot) error {
	if len(s.Credentials) == 0 {
		_, err := fmt.Fprintln(w, "No TOTP codes.")
		return err
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	for _, c := range s.Credentials {
		_, _ = fmt.Fprintf(tw, "%s\t%s\n", c.Label, c.Code)
	}
	_, _ = fmt.Fprintf(tw, "\nvalid for %ds\n", s.WindowRemaining)
	return tw.Flush()
}

func listCommand(fs *flag.FlagSet) func(context.Context, *app, io.Reader, io.Writer) error {
	asJSON := fs.Bool("json", false, "Print the snapshot as JSON")
	return func(ctx context.Context, a *app, _ io.Reader, stdout io.Writer) error {
		reply, err := a.do(ctx, controller.Discover{})
		if err != nil {
			return err
		}
		if *asJSON {
			enc := json.NewEncoder(stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(reply.Snapshot)
		}
		return printSnapshot(stdout, reply.Snapshot)
	}
}

func addCommand(fs *flag.FlagSet) func(context.Context, *app, io.Reader, io.Writer) error {
	label := fs.String("label", "", "Credential `label`")
	secret := fs.String("secret", "", "Base32 `secret`")
	digits := fs.Int("digits", 0, "Code length, 6 or 8 (default from config)")
	period := fs.Int("period", 0, "Period in `seconds` (default from config)")
	algorithm := fs.String("algorithm", "SHA1", "HMAC `algorithm`: SHA1, SHA256 or SHA512")
	return func(ctx context.Context, a *app, _ io.Reader, stdout io.Writer) error {
		alg, err := oath.ParseAlgorithm(*algorithm)
		if err != nil {
			return err
		}
		reply, err := a.do(ctx, controller.Register{
			Label:      *label,
			SecretText: *secret,
			Digits:     *digits,
			Period:     *period,
			Algorithm:  alg,
		})
		if err != nil {
			return err
		}
		return printSnapshot(stdout, reply.Snapshot)
	}
}

func deleteCommand(fs *flag.FlagSet) func(context.Context, *app, io.Reader, io.Writer) error {
	label := fs.String("label", "", "Credential `label`")
	return func(ctx context.Context, a *app, _ io.Reader, stdout io.Writer) error {
		reply, err := a.do(ctx, controller.Delete{Label: *label})
		if err != nil {
			return err
		}
		return printSnapshot(stdout, reply.Snapshot)
	}
}

func copyCommand(fs *flag.FlagSet) func(context.Context, *app, io.Reader, io.Writer) error {
	label := fs.String("label", "", "Credential `label`")
	printOnly := fs.Bool("print", false, "Print the code instead of copying it")
	return func(ctx context.Context, a *app, _ io.Reader, stdout io.Writer) error {
		reply, err := a.do(ctx, controller.CopyCode{Label: *label})
		if err != nil {
			return err
		}
		if *printOnly {
			_, err := fmt.Fprintln(stdout, reply.Code)
			return err
		}
		if !clipboard.Available() {
			return errors.New("no clipboard available; use -print")
		}
		// A one-shot process cannot clear the clipboard after it exits.
		if err := systemClipboard(a, 0).Write(reply.Code); err != nil {
			return err
		}
		_, err = fmt.Fprintf(stdout, "copied code for %s\n", *label)
		return err
	}
}

func infoCommand(fs *flag.FlagSet) func(context.Context, *app, io.Reader, io.Writer) error {
	return func(ctx context.Context, a *app, _ io.Reader, stdout io.Writer) error {
		reply, err := a.do(ctx, controller.ReadInfo{})
		if err != nil {
			return err
		}
		tw := tabwriter.NewWriter(stdout, 0, 4, 2, ' ', 0)
		_, _ = fmt.Fprintf(tw, "uuid\t%s\n", reply.Info.UUIDHex())
		_, _ = fmt.Fprintf(tw, "firmware\t%s\n", reply.Info.Version)
		_, _ = fmt.Fprintf(tw, "locked\t%t\n", reply.Info.Locked)
		return tw.Flush()
	}
}

func winkCommand(fs *flag.FlagSet) func(context.Context, *app, io.Reader, io.Writer) error {
	return func(ctx context.Context, a *app, _ io.Reader, _ io.Writer) error {
		_, err := a.do(ctx, controller.Wink{})
		return err
	}
}

func configSchema(stdout io.Writer) error {
	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(config.Schema())
}
