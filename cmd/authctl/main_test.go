package main

import (
	"bytes"
	"context"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/andyleap/authsession/internal/fakeapi"
)

type cli struct {
	t       *testing.T
	server  string
	dataDir string
}

func newCLI(t *testing.T) (*cli, *fakeapi.Server) {
	t.Helper()
	srv, err := fakeapi.New()
	if err != nil {
		t.Fatalf("new fake api: %v", err)
	}
	ts := httptest.NewServer(srv)
	t.Cleanup(ts.Close)
	return &cli{t: t, server: ts.URL, dataDir: t.TempDir()}, srv
}

func (c *cli) run(stdin string, args ...string) (int, string, string) {
	c.t.Helper()
	var out, errOut bytes.Buffer
	full := append([]string{"--server=" + c.server, "--data-path=" + c.dataDir, "--yes"}, args...)
	code := run(context.Background(), full, strings.NewReader(stdin), &out, &errOut)
	return code, out.String(), errOut.String()
}

func (c *cli) mustRun(args ...string) string {
	c.t.Helper()
	code, out, errOut := c.run("", args...)
	if code != 0 {
		c.t.Fatalf("authctl %v exited %d: %s", args, code, errOut)
	}
	return out
}

func TestAccountLifecycle(t *testing.T) {
	c, _ := newCLI(t)

	out := c.mustRun("register", "-u", "alice", "--password=correct horse")
	if !strings.Contains(out, "signed in as alice") {
		t.Fatalf("register output = %q", out)
	}
	if out := c.mustRun("whoami"); !strings.HasPrefix(out, "alice (id ") {
		t.Fatalf("whoami output = %q", out)
	}

	c.mustRun("passkey", "register", "--name", "CLI Laptop")
	if out := c.mustRun("passkey", "status"); !strings.Contains(out, "CLI Laptop") {
		t.Fatalf("passkey status output = %q", out)
	}

	c.mustRun("logout")
	if out := c.mustRun("whoami"); !strings.Contains(out, "Not signed in") {
		t.Fatalf("whoami after logout = %q", out)
	}

	if out := c.mustRun("passkey", "login"); !strings.Contains(out, "Signed in as alice") {
		t.Fatalf("passkey login output = %q", out)
	}
	if out := c.mustRun("sessions", "list"); !strings.Contains(out, "(this session)") {
		t.Fatalf("sessions output = %q", out)
	}
	if out := c.mustRun("devices", "list"); !strings.Contains(out, "CLI Laptop") {
		t.Fatalf("devices output = %q", out)
	}
	out = c.mustRun("activity")
	if !strings.Contains(out, "passkey") || !strings.Contains(out, "password") {
		t.Fatalf("activity output = %q", out)
	}
}

func TestLoginPromptsForPassword(t *testing.T) {
	c, srv := newCLI(t)
	if err := srv.CreateUser("bob", "hunter22"); err != nil {
		t.Fatalf("create user: %v", err)
	}

	code, out, errOut := c.run("hunter22\n", "login", "-u", "bob")
	if code != 0 {
		t.Fatalf("login exited %d: %s", code, errOut)
	}
	if !strings.Contains(out, "Password: ") || !strings.Contains(out, "Signed in as bob") {
		t.Fatalf("login output = %q", out)
	}

	code, _, errOut = c.run("", "login", "-u", "bob", "--password=wrong")
	if code != 1 || !strings.Contains(errOut, "No active account") {
		t.Fatalf("bad login: code %d, stderr %q", code, errOut)
	}
}

func TestPasskeyLoginWithoutCredential(t *testing.T) {
	c, _ := newCLI(t)
	code, _, errOut := c.run("", "passkey", "login")
	if code != 1 || !strings.Contains(errOut, "No passkey for this account") {
		t.Fatalf("code %d, stderr %q", code, errOut)
	}
}

func TestRenameRejectsEmptyName(t *testing.T) {
	c, srv := newCLI(t)
	if err := srv.CreateUser("alice", "correct horse"); err != nil {
		t.Fatalf("create user: %v", err)
	}
	c.mustRun("login", "-u", "alice", "--password=correct horse")

	code, _, errOut := c.run("", "devices", "rename", "1", " ")
	if code != 1 || !strings.Contains(errOut, "validation failed") {
		t.Fatalf("code %d, stderr %q", code, errOut)
	}
	if n := srv.Calls("/auth/devices/{id}/"); n != 0 {
		t.Fatalf("device calls = %d, want 0", n)
	}
}

func TestHelp(t *testing.T) {
	c, _ := newCLI(t)
	code, out, _ := c.run("", "--help")
	if code != 0 || !strings.Contains(out, "passkey") {
		t.Fatalf("help: code %d, output %q", code, out)
	}
}

func TestProfileArgs(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "authctl.yaml")
	profile := "server: https://api.example.com\nstore-mode: sqlite\nyes: true\nredis-db: 3\n"
	if err := os.WriteFile(path, []byte(profile), 0600); err != nil {
		t.Fatalf("write profile: %v", err)
	}

	args, err := profileArgs([]string{"--config", path, "whoami"})
	if err != nil {
		t.Fatalf("profile args: %v", err)
	}
	want := []string{"--redis-db=3", "--server=https://api.example.com", "--store-mode=sqlite", "--yes"}
	if strings.Join(args, " ") != strings.Join(want, " ") {
		t.Fatalf("args = %v, want %v", args, want)
	}

	var cfg Config
	rt := &runtime{ctx: context.Background(), cfg: &cfg}
	parser := newParser(rt)
	parser.SubcommandsOptional = true
	if _, err := parser.ParseArgs(append(args, "--server=http://override")); err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cfg.Server != "http://override" {
		t.Fatalf("server = %q, want the command line value", cfg.Server)
	}
	if cfg.StoreMode != "sqlite" || !cfg.AssumeYes || cfg.Redis.DB != 3 {
		t.Fatalf("profile not applied: %+v", cfg)
	}
}

func TestProfileRejectsUnknownKeys(t *testing.T) {
	path := filepath.Join(t.TempDir(), "authctl.yaml")
	if err := os.WriteFile(path, []byte("sever: typo\n"), 0600); err != nil {
		t.Fatalf("write profile: %v", err)
	}
	if _, err := profileArgs([]string{"--config=" + path}); err == nil || !strings.Contains(err.Error(), `"sever"`) {
		t.Fatalf("err = %v, want unknown option error", err)
	}
}
