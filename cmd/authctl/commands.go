package main

import (
	"errors"
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/andyleap/authsession/internal/activity"
	"github.com/andyleap/authsession/internal/auth"
	"github.com/andyleap/authsession/internal/models"
)

type loginCommand struct {
	Username string `short:"u" long:"username" required:"true" description:"Account username"`
	Password string `long:"password" env:"AUTHCTL_PASSWORD" description:"Password; prompted when empty"`

	rt *runtime
}

func (c *loginCommand) Execute(args []string) error {
	app, err := c.rt.open()
	if err != nil {
		return err
	}
	defer app.Close()

	password := c.Password
	if password == "" {
		if password, err = app.ask("Password: "); err != nil {
			return err
		}
	}
	id, err := app.auth.Login(c.rt.ctx, c.Username, password)
	if err != nil {
		return err
	}
	fmt.Fprintf(app.out, "Signed in as %s\n", displayName(id))
	return nil
}

type registerCommand struct {
	Username string `short:"u" long:"username" required:"true" description:"Account username"`
	Email    string `long:"email" description:"Email address"`
	Password string `long:"password" env:"AUTHCTL_PASSWORD" description:"Password; prompted when empty"`

	rt *runtime
}

func (c *registerCommand) Execute(args []string) error {
	app, err := c.rt.open()
	if err != nil {
		return err
	}
	defer app.Close()

	form := auth.RegisterForm{Username: c.Username, Email: c.Email, Password: c.Password}
	if form.Password == "" {
		if form.Password, err = app.ask("Password: "); err != nil {
			return err
		}
		if form.PasswordConfirm, err = app.ask("Confirm password: "); err != nil {
			return err
		}
	}
	id, err := app.auth.Register(c.rt.ctx, form)
	if err != nil {
		return err
	}
	fmt.Fprintf(app.out, "Registered and signed in as %s\n", displayName(id))
	return nil
}

type logoutCommand struct {
	rt *runtime
}

func (c *logoutCommand) Execute(args []string) error {
	app, err := c.rt.open()
	if err != nil {
		return err
	}
	defer app.Close()

	if err := app.auth.Logout(c.rt.ctx); err != nil {
		return err
	}
	fmt.Fprintln(app.out, "Signed out")
	return nil
}

type whoamiCommand struct {
	rt *runtime
}

func (c *whoamiCommand) Execute(args []string) error {
	app, err := c.rt.open()
	if err != nil {
		return err
	}
	defer app.Close()

	id, ok, err := app.auth.CurrentUser(c.rt.ctx)
	if err != nil {
		return err
	}
	if !ok {
		fmt.Fprintln(app.out, "Not signed in")
		return nil
	}
	fmt.Fprintln(app.out, displayName(id))
	if !id.ExpiresAt.IsZero() {
		state := "valid"
		if id.Expired(time.Now()) {
			state = "expired, renews on next request"
		}
		fmt.Fprintf(app.out, "Access token until %s (%s)\n", id.ExpiresAt.Local().Format(time.RFC1123), state)
	}
	return nil
}

type activityCommand struct {
	Limit  int  `short:"n" long:"limit" default:"20" description:"Entries per page"`
	Offset int  `long:"offset" default:"0" description:"Entries to skip"`
	All    bool `long:"all" description:"Walk every page"`

	rt *runtime
}

func (c *activityCommand) Execute(args []string) error {
	app, err := c.rt.open()
	if err != nil {
		return err
	}
	defer app.Close()

	w := tabwriter.NewWriter(app.out, 0, 4, 2, ' ', 0)
	defer w.Flush()
	fmt.Fprintln(w, "WHEN\tMETHOD\tDEVICE\tIP")
	row := func(e models.ActivityEntry) {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", since(e.CreatedAt), e.AuthenticationMethod, e.DeviceName, e.IPAddress)
	}

	if c.All {
		for entry, err := range app.activity.All(c.rt.ctx, c.Limit) {
			if err != nil {
				return err
			}
			row(entry)
		}
		return nil
	}

	page, err := app.activity.List(c.rt.ctx, activity.Page{Limit: c.Limit, Offset: c.Offset})
	if err != nil {
		return err
	}
	for _, e := range page.Activity {
		row(e)
	}
	if shown := c.Offset + len(page.Activity); shown < page.Count {
		fmt.Fprintf(w, "(%d of %d, use --offset %d for more)\n", shown, page.Count, shown)
	}
	return nil
}

type passkeyRegisterCommand struct {
	Name string `long:"name" description:"Device name; defaults to the platform label"`

	rt *runtime
}

func (c *passkeyRegisterCommand) Execute(args []string) error {
	app, err := c.rt.open()
	if err != nil {
		return err
	}
	defer app.Close()

	if err := app.ceremonies.Register(c.rt.ctx, c.Name); err != nil {
		return err
	}
	fmt.Fprintln(app.out, "Passkey registered")
	return nil
}

type passkeyLoginCommand struct {
	rt *runtime
}

func (c *passkeyLoginCommand) Execute(args []string) error {
	app, err := c.rt.open()
	if err != nil {
		return err
	}
	defer app.Close()

	id, err := app.auth.LoginWithPasskey(c.rt.ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(app.out, "Signed in as %s\n", displayName(id))
	return nil
}

type passkeyStatusCommand struct {
	rt *runtime
}

func (c *passkeyStatusCommand) Execute(args []string) error {
	app, err := c.rt.open()
	if err != nil {
		return err
	}
	defer app.Close()

	status, err := app.status.Get(c.rt.ctx)
	if err != nil {
		return err
	}
	if !status.HasPasskey {
		fmt.Fprintln(app.out, "No passkeys registered")
		return nil
	}
	w := tabwriter.NewWriter(app.out, 0, 4, 2, ' ', 0)
	defer w.Flush()
	fmt.Fprintln(w, "ID\tDEVICE\tCREATED\tLAST USED")
	for _, cred := range status.Credentials {
		used := "never"
		if cred.LastUsedAt != nil {
			used = since(*cred.LastUsedAt)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", cred.ID, cred.DeviceName, since(cred.CreatedAt), used)
	}
	return nil
}

type passkeyRemoveCommand struct {
	Args struct {
		ID string `positional-arg-name:"id" required:"yes"`
	} `positional-args:"yes"`

	rt *runtime
}

func (c *passkeyRemoveCommand) Execute(args []string) error {
	app, err := c.rt.open()
	if err != nil {
		return err
	}
	defer app.Close()

	status, err := app.status.Remove(c.rt.ctx, c.Args.ID)
	if err != nil {
		return err
	}
	fmt.Fprintf(app.out, "Passkey removed, %d remaining\n", len(status.Credentials))
	return nil
}

type devicesListCommand struct {
	rt *runtime
}

func (c *devicesListCommand) Execute(args []string) error {
	app, err := c.rt.open()
	if err != nil {
		return err
	}
	defer app.Close()

	list, err := app.registry.ListDevices(c.rt.ctx)
	if err != nil {
		return err
	}
	w := tabwriter.NewWriter(app.out, 0, 4, 2, ' ', 0)
	defer w.Flush()
	fmt.Fprintln(w, "ID\tNAME\tLOCATION\tLAST USED")
	for _, d := range list {
		used := "never"
		if d.LastUsedAt != nil {
			used = since(*d.LastUsedAt)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", d.ID, d.DeviceName, orDash(d.Location), used)
	}
	return nil
}

type devicesRenameCommand struct {
	Args struct {
		ID   string `positional-arg-name:"id" required:"yes"`
		Name string `positional-arg-name:"name" required:"yes"`
	} `positional-args:"yes"`

	rt *runtime
}

func (c *devicesRenameCommand) Execute(args []string) error {
	app, err := c.rt.open()
	if err != nil {
		return err
	}
	defer app.Close()

	name := strings.TrimSpace(strings.Join(append([]string{c.Args.Name}, args...), " "))
	if err := app.registry.RenameDevice(c.rt.ctx, c.Args.ID, name); err != nil {
		return err
	}
	fmt.Fprintf(app.out, "Device %s renamed to %q\n", c.Args.ID, name)
	return nil
}

type devicesRemoveCommand struct {
	Args struct {
		ID string `positional-arg-name:"id" required:"yes"`
	} `positional-args:"yes"`

	rt *runtime
}

func (c *devicesRemoveCommand) Execute(args []string) error {
	app, err := c.rt.open()
	if err != nil {
		return err
	}
	defer app.Close()

	if err := app.registry.RemoveDevice(c.rt.ctx, c.Args.ID); err != nil {
		return err
	}
	fmt.Fprintf(app.out, "Device %s removed\n", c.Args.ID)
	return nil
}

type sessionsListCommand struct {
	rt *runtime
}

func (c *sessionsListCommand) Execute(args []string) error {
	app, err := c.rt.open()
	if err != nil {
		return err
	}
	defer app.Close()

	sessions, err := app.registry.ListSessions(c.rt.ctx)
	if err != nil {
		return err
	}
	printSessions(app, sessions)
	return nil
}

type sessionsRevokeCommand struct {
	rt *runtime
}

func (c *sessionsRevokeCommand) Execute(args []string) error {
	app, err := c.rt.open()
	if err != nil {
		return err
	}
	defer app.Close()

	sessions, err := app.registry.RevokeAllOtherSessions(c.rt.ctx)
	if err != nil {
		return err
	}
	printSessions(app, sessions)
	return nil
}

func printSessions(app *App, sessions []models.Session) {
	w := tabwriter.NewWriter(app.out, 0, 4, 2, ' ', 0)
	defer w.Flush()
	fmt.Fprintln(w, "ID\tDEVICE\tIP\tLAST ACTIVE\t")
	for _, s := range sessions {
		marker := ""
		if s.IsCurrent {
			marker = "(this session)"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", s.ID, orDash(s.DeviceName), orDash(s.IPAddress), since(s.LastActivity), marker)
	}
}

// ask reads one line of input after printing prompt.
func (a *App) ask(prompt string) (string, error) {
	fmt.Fprint(a.out, prompt)
	line, err := a.readLine(a.ctx)
	if err != nil {
		return "", fmt.Errorf("failed to read input: %w", err)
	}
	if line == "" {
		return "", errors.New("no input given")
	}
	return line, nil
}

func displayName(id models.Identity) string {
	switch {
	case id.Username != "" && id.UserID != "":
		return fmt.Sprintf("%s (id %s)", id.Username, id.UserID)
	case id.Username != "":
		return id.Username
	case id.UserID != "":
		return "user " + id.UserID
	}
	return "unknown user"
}

func since(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	d := time.Since(t).Round(time.Second)
	switch {
	case d < time.Minute:
		return "just now"
	case d < time.Hour:
		return fmt.Sprintf("%dm ago", int(d.Minutes()))
	case d < 48*time.Hour:
		return fmt.Sprintf("%dh ago", int(d.Hours()))
	}
	return t.Local().Format("2006-01-02")
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
