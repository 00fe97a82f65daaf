package devices

import (
	"context"
	"errors"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/andyleap/authsession/internal/api"
	"github.com/andyleap/authsession/internal/fakeapi"
	"github.com/andyleap/authsession/internal/models"
	"github.com/andyleap/authsession/internal/passkey"
	"github.com/andyleap/authsession/internal/softauthn"
	"github.com/andyleap/authsession/internal/storage"
)

const deviceRoute = "/auth/devices/{id}/"

type fixture struct {
	srv      *fakeapi.Server
	client   *api.Client
	status   *passkey.StatusCache
	registry *Registry
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	srv, err := fakeapi.New()
	if err != nil {
		t.Fatalf("new fake api: %v", err)
	}
	ts := httptest.NewServer(srv)
	t.Cleanup(ts.Close)

	store := storage.NewMemoryStorage()
	client, err := api.NewClient(ts.URL, store)
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	if err := srv.CreateUser("alice", "correct horse"); err != nil {
		t.Fatalf("create user: %v", err)
	}
	pair, err := srv.IssueTokens("alice")
	if err != nil {
		t.Fatalf("issue tokens: %v", err)
	}
	if err := store.SetTokens(context.Background(), pair); err != nil {
		t.Fatalf("set tokens: %v", err)
	}

	status := passkey.NewStatusCache(client)
	return &fixture{srv: srv, client: client, status: status, registry: NewRegistry(client, status, nil)}
}

// addPasskeyDevice registers a passkey from a fresh authenticator, which
// creates a device on the account.
func (f *fixture) addPasskeyDevice(t *testing.T, name string) {
	t.Helper()
	authn, err := softauthn.New(fakeapi.RPOrigin, softauthn.NewMemoryKeyring())
	if err != nil {
		t.Fatalf("new authenticator: %v", err)
	}
	c := passkey.NewClient(f.client, authn, f.status, passkey.Config{})
	if err := c.Register(context.Background(), name); err != nil {
		t.Fatalf("register %s: %v", name, err)
	}
}

func TestListDevicesIsCached(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.addPasskeyDevice(t, "Phone")
	f.addPasskeyDevice(t, "Laptop")

	for i := 0; i < 3; i++ {
		got, err := f.registry.ListDevices(ctx)
		if err != nil {
			t.Fatalf("list devices: %v", err)
		}
		if len(got) != 2 || got[0].DeviceName != "Phone" || got[1].DeviceName != "Laptop" {
			t.Fatalf("devices = %+v, want Phone then Laptop", got)
		}
	}
	if n := f.srv.Calls(api.PathDevices); n != 1 {
		t.Fatalf("device list calls = %d, want 1", n)
	}

	f.registry.Reset()
	if _, err := f.registry.ListDevices(ctx); err != nil {
		t.Fatalf("list devices after reset: %v", err)
	}
	if n := f.srv.Calls(api.PathDevices); n != 2 {
		t.Fatalf("device list calls after reset = %d, want 2", n)
	}
}

func TestRenameDeviceRejectsEmptyNameLocally(t *testing.T) {
	f := newFixture(t)
	for _, name := range []string{"", "   "} {
		err := f.registry.RenameDevice(context.Background(), "1", name)
		if !errors.Is(err, ErrValidation) {
			t.Fatalf("rename %q err = %v, want ErrValidation", name, err)
		}
	}
	if n := f.srv.Calls(deviceRoute); n != 0 {
		t.Fatalf("device calls = %d, want 0", n)
	}
}

func TestRenameDeviceRefetches(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.addPasskeyDevice(t, "Phone")

	devices, err := f.registry.ListDevices(ctx)
	if err != nil {
		t.Fatalf("list devices: %v", err)
	}
	id := devices[0].ID.String()

	if err := f.registry.RenameDevice(ctx, id, "Personal Phone"); err != nil {
		t.Fatalf("rename: %v", err)
	}
	devices, err = f.registry.ListDevices(ctx)
	if err != nil {
		t.Fatalf("list devices: %v", err)
	}
	if devices[0].DeviceName != "Personal Phone" {
		t.Fatalf("device name = %q, want Personal Phone", devices[0].DeviceName)
	}
	if n := f.srv.Calls(api.PathDevices); n != 2 {
		t.Fatalf("device list calls = %d, want 2", n)
	}

	f.srv.RejectDeviceName("Forbidden")
	err = f.registry.RenameDevice(ctx, id, "Forbidden")
	if !errors.Is(err, api.ErrBadRequest) {
		t.Fatalf("policy rejection err = %v, want ErrBadRequest", err)
	}
	devices, _ = f.registry.ListDevices(ctx)
	if devices[0].DeviceName != "Personal Phone" {
		t.Fatalf("cache patched after rejected rename: %q", devices[0].DeviceName)
	}
}

func TestRemoveDeviceRefreshesPasskeyStatus(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.addPasskeyDevice(t, "Phone")
	f.addPasskeyDevice(t, "Laptop")

	status, err := f.status.Get(ctx)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if len(status.Credentials) != 2 {
		t.Fatalf("passkeys = %d, want 2", len(status.Credentials))
	}

	devices, err := f.registry.ListDevices(ctx)
	if err != nil {
		t.Fatalf("list devices: %v", err)
	}
	if err := f.registry.RemoveDevice(ctx, devices[0].ID.String()); err != nil {
		t.Fatalf("remove device: %v", err)
	}

	// Cached read, no extra fetch needed.
	status, err = f.status.Get(ctx)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if len(status.Credentials) != 1 || status.Credentials[0].DeviceName != "Laptop" {
		t.Fatalf("passkeys after remove = %+v, want only Laptop", status.Credentials)
	}
	devices, _ = f.registry.ListDevices(ctx)
	if len(devices) != 1 || devices[0].DeviceName != "Laptop" {
		t.Fatalf("devices after remove = %+v, want only Laptop", devices)
	}
}

func TestRevokeAllOtherSessionsKeepsCurrent(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	if _, err := f.srv.IssueTokens("alice"); err != nil {
		t.Fatalf("issue second session: %v", err)
	}

	sessions, err := f.registry.ListSessions(ctx)
	if err != nil {
		t.Fatalf("list sessions: %v", err)
	}
	if len(sessions) != 2 {
		t.Fatalf("sessions = %d, want 2", len(sessions))
	}
	current, ok := (models.SessionList{Sessions: sessions}).CurrentSession()
	if !ok {
		t.Fatalf("no current session in %+v", sessions)
	}

	remaining, err := f.registry.RevokeAllOtherSessions(ctx)
	if err != nil {
		t.Fatalf("revoke: %v", err)
	}
	if len(remaining) != 1 || remaining[0].ID != current.ID || !remaining[0].IsCurrent {
		t.Fatalf("remaining = %+v, want only %s", remaining, current.ID)
	}
	if n := f.srv.Calls(api.PathSessions); n != 2 {
		t.Fatalf("session list calls = %d, want 2 (list, then re-fetch)", n)
	}

	cached, err := f.registry.ListSessions(ctx)
	if err != nil {
		t.Fatalf("list sessions: %v", err)
	}
	if len(cached) != 1 {
		t.Fatalf("cached sessions = %+v", cached)
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("condition not met before deadline")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestPollStopsOnReset(t *testing.T) {
	f := newFixture(t)
	f.registry.Poll(context.Background(), 10*time.Millisecond)

	waitFor(t, func() bool { return f.srv.Calls(api.PathSessions) >= 2 })
	f.registry.Reset()
	// A tick already in flight may still land.
	time.Sleep(20 * time.Millisecond)
	stopped := f.srv.Calls(api.PathSessions)

	time.Sleep(60 * time.Millisecond)
	if n := f.srv.Calls(api.PathSessions); n != stopped {
		t.Fatalf("session calls grew from %d to %d after reset", stopped, n)
	}
}

func TestPollDefaultsNonPositiveInterval(t *testing.T) {
	f := newFixture(t)
	before := f.srv.Calls(api.PathSessions)

	f.registry.Poll(context.Background(), 0)
	f.registry.Poll(context.Background(), -time.Second)
	defer f.registry.Reset()

	time.Sleep(50 * time.Millisecond)
	if n := f.srv.Calls(api.PathSessions); n != before {
		t.Fatalf("session calls = %d, want %d before the default interval elapses", n, before)
	}
}
