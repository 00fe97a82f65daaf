package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"

	"github.com/andyleap/authsession/internal/passkey"
	"github.com/jessevdk/go-flags"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	os.Exit(run(ctx, os.Args[1:], os.Stdin, os.Stdout, os.Stderr))
}

// runtime is shared by every command; the client stack is built lazily so
// --help never touches storage.
type runtime struct {
	ctx context.Context
	cfg *Config
	in  io.Reader
	out io.Writer
}

func (r *runtime) open() (*App, error) {
	return NewApp(r.ctx, r.cfg, r.in, r.out)
}

func newParser(rt *runtime) *flags.Parser {
	parser := flags.NewParser(rt.cfg, flags.HelpFlag|flags.PassDoubleDash)
	parser.Usage = "[OPTIONS] <command>"

	parser.AddCommand("login", "Sign in with username and password", "", &loginCommand{rt: rt})
	parser.AddCommand("register", "Create an account and sign in", "", &registerCommand{rt: rt})
	parser.AddCommand("logout", "Sign out and forget stored credentials", "", &logoutCommand{rt: rt})
	parser.AddCommand("whoami", "Show the signed-in user", "", &whoamiCommand{rt: rt})
	parser.AddCommand("activity", "Show recent authentication activity", "", &activityCommand{rt: rt})

	pk, _ := parser.AddCommand("passkey", "Manage passkeys", "", &struct{}{})
	pk.AddCommand("register", "Add a passkey on this device", "", &passkeyRegisterCommand{rt: rt})
	pk.AddCommand("login", "Sign in with a passkey", "", &passkeyLoginCommand{rt: rt})
	pk.AddCommand("status", "List registered passkeys", "", &passkeyStatusCommand{rt: rt})
	pk.AddCommand("remove", "Remove a passkey", "", &passkeyRemoveCommand{rt: rt})

	dev, _ := parser.AddCommand("devices", "Manage devices", "", &struct{}{})
	dev.AddCommand("list", "List devices", "", &devicesListCommand{rt: rt})
	dev.AddCommand("rename", "Rename a device", "", &devicesRenameCommand{rt: rt})
	dev.AddCommand("remove", "Remove a device and its passkeys", "", &devicesRemoveCommand{rt: rt})

	sess, _ := parser.AddCommand("sessions", "Manage sessions", "", &struct{}{})
	sess.AddCommand("list", "List active sessions", "", &sessionsListCommand{rt: rt})
	sess.AddCommand("revoke-others", "End every session except this one", "", &sessionsRevokeCommand{rt: rt})

	return parser
}

func run(ctx context.Context, args []string, in io.Reader, out, errOut io.Writer) int {
	pre, err := profileArgs(args)
	if err != nil {
		fmt.Fprintln(errOut, err)
		return 2
	}

	rt := &runtime{ctx: ctx, cfg: &Config{}, in: in, out: out}
	parser := newParser(rt)
	if _, err := parser.ParseArgs(append(pre, args...)); err != nil {
		var ferr *flags.Error
		if errors.As(err, &ferr) {
			if ferr.Type == flags.ErrHelp {
				fmt.Fprintln(out, ferr.Message)
				return 0
			}
			fmt.Fprintln(errOut, ferr.Message)
			return 2
		}
		fmt.Fprintln(errOut, "error:", describe(err))
		return 1
	}
	return 0
}

// describe prefers the user-facing explanation of ceremony failures.
func describe(err error) string {
	var ce *passkey.CeremonyError
	if errors.As(err, &ce) {
		return ce.Message()
	}
	return err.Error()
}
