package auth

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/andyleap/authsession/internal/api"
	"github.com/andyleap/authsession/internal/devices"
	"github.com/andyleap/authsession/internal/fakeapi"
	"github.com/andyleap/authsession/internal/models"
	"github.com/andyleap/authsession/internal/passkey"
	"github.com/andyleap/authsession/internal/softauthn"
	"github.com/andyleap/authsession/internal/storage"
)

type resetCounter struct {
	n atomic.Int32
}

func (r *resetCounter) Reset() { r.n.Add(1) }

type env struct {
	srv     *fakeapi.Server
	ts      *httptest.Server
	store   storage.CredentialStore
	client  *api.Client
	service *Service
	dep     *resetCounter
}

func newEnv(t *testing.T, opts ...fakeapi.Option) *env {
	t.Helper()
	srv, err := fakeapi.New(opts...)
	if err != nil {
		t.Fatalf("new fake api: %v", err)
	}
	ts := httptest.NewServer(srv)
	t.Cleanup(ts.Close)
	if err := srv.CreateUser("alice", "correct horse"); err != nil {
		t.Fatalf("create user: %v", err)
	}

	store := storage.NewMemoryStorage()
	client, err := api.NewClient(ts.URL, store)
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	dep := &resetCounter{}
	return &env{
		srv:     srv,
		ts:      ts,
		store:   store,
		client:  client,
		service: NewService(client, store, WithDependents(dep)),
		dep:     dep,
	}
}

func (e *env) feedStatus() (int, error) {
	resp, err := e.client.HTTPClient().Get(e.ts.URL + fakeapi.PathFeed)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	return resp.StatusCode, nil
}

func (e *env) feed(t *testing.T) int {
	t.Helper()
	code, err := e.feedStatus()
	if err != nil {
		t.Fatalf("get feed: %v", err)
	}
	return code
}

func TestLoginStoresPair(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)

	var changes []bool
	e.service.OnChange(func(v bool) { changes = append(changes, v) })

	id, err := e.service.Login(ctx, " alice ", "correct horse")
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	if id.Username != "alice" || id.UserID == "" {
		t.Fatalf("identity = %+v", id)
	}
	if !e.service.IsAuthenticated(ctx) {
		t.Fatalf("IsAuthenticated() = false after login")
	}
	if got := e.feed(t); got != http.StatusOK {
		t.Fatalf("feed status = %d, want 200", got)
	}
	if len(changes) != 1 || !changes[0] {
		t.Fatalf("changes = %v, want [true]", changes)
	}
}

func TestLoginFailures(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)

	if _, err := e.service.Login(ctx, "", "pw"); !errors.Is(err, ErrValidation) {
		t.Fatalf("empty username err = %v, want ErrValidation", err)
	}
	if n := e.srv.Calls(api.PathLogin); n != 0 {
		t.Fatalf("login calls = %d, want 0", n)
	}

	_, err := e.service.Login(ctx, "alice", "wrong")
	if !errors.Is(err, api.ErrUnauthorized) {
		t.Fatalf("bad password err = %v, want ErrUnauthorized", err)
	}
	if e.service.IsAuthenticated(ctx) {
		t.Fatalf("authenticated after failed login")
	}
	// A failed login never triggers a refresh.
	if n := e.srv.Calls(api.PathTokenRefresh); n != 0 {
		t.Fatalf("refresh calls = %d, want 0", n)
	}
}

func TestRegister(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)

	bad := RegisterForm{Username: "bob", Password: "longenough", PasswordConfirm: "different"}
	if _, err := e.service.Register(ctx, bad); !errors.Is(err, ErrValidation) {
		t.Fatalf("mismatched confirm err = %v, want ErrValidation", err)
	}

	id, err := e.service.Register(ctx, RegisterForm{Username: "bob", Email: "bob@example.com", Password: "longenough", PasswordConfirm: "longenough"})
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if id.Username != "bob" {
		t.Fatalf("username = %q, want bob", id.Username)
	}

	_, err = e.service.Register(ctx, RegisterForm{Username: "alice", Password: "longenough"})
	var apiErr *api.APIError
	if !errors.As(err, &apiErr) || !strings.HasPrefix(apiErr.Message, "username:") {
		t.Fatalf("duplicate err = %v, want a username field error", err)
	}
}

func TestLogoutResetsDependents(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	if _, err := e.service.Login(ctx, "alice", "correct horse"); err != nil {
		t.Fatalf("login: %v", err)
	}

	for i := 0; i < 2; i++ {
		if err := e.service.Logout(ctx); err != nil {
			t.Fatalf("logout %d: %v", i, err)
		}
	}
	if e.service.IsAuthenticated(ctx) {
		t.Fatalf("authenticated after logout")
	}
	if _, ok, _ := e.service.CurrentUser(ctx); ok {
		t.Fatalf("CurrentUser() reported a user after logout")
	}
	if n := e.dep.n.Load(); n != 2 {
		t.Fatalf("resets = %d, want 2", n)
	}
}

func TestExpiredAccessTokenRecoversTransparently(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	if _, err := e.service.Login(ctx, "alice", "correct horse"); err != nil {
		t.Fatalf("login: %v", err)
	}
	before, _ := e.store.GetCredentials(ctx)

	e.srv.ExpireAccessTokens()
	var wg sync.WaitGroup
	codes := make([]int, 3)
	errs := make([]error, 3)
	for i := range codes {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			codes[i], errs[i] = e.feedStatus()
		}(i)
	}
	wg.Wait()

	for i, c := range codes {
		if errs[i] != nil {
			t.Fatalf("request %d: %v", i, errs[i])
		}
		if c != http.StatusOK {
			t.Fatalf("request %d status = %d, want 200", i, c)
		}
	}
	if n := e.srv.Calls(api.PathTokenRefresh); n != 1 {
		t.Fatalf("refresh calls = %d, want 1", n)
	}
	after, _ := e.store.GetCredentials(ctx)
	if after.AccessToken == before.AccessToken {
		t.Fatalf("access token not replaced")
	}
	if after.RefreshToken != before.RefreshToken {
		t.Fatalf("refresh token changed without rotation")
	}
}

func TestRotatedRefreshTokenIsStored(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, fakeapi.WithRotation())
	if _, err := e.service.Login(ctx, "alice", "correct horse"); err != nil {
		t.Fatalf("login: %v", err)
	}
	before, _ := e.store.GetCredentials(ctx)

	e.srv.ExpireAccessTokens()
	if got := e.feed(t); got != http.StatusOK {
		t.Fatalf("feed status = %d, want 200", got)
	}
	after, _ := e.store.GetCredentials(ctx)
	if after.RefreshToken == before.RefreshToken || after.RefreshToken == "" {
		t.Fatalf("refresh token = %q, want a rotated token", after.RefreshToken)
	}

	// The rotated token keeps working.
	e.srv.ExpireAccessTokens()
	if got := e.feed(t); got != http.StatusOK {
		t.Fatalf("second feed status = %d, want 200", got)
	}
}

func TestRevokedRefreshTokenSignsOut(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)

	var changes []bool
	var mu sync.Mutex
	e.service.OnChange(func(v bool) {
		mu.Lock()
		changes = append(changes, v)
		mu.Unlock()
	})
	if _, err := e.service.Login(ctx, "alice", "correct horse"); err != nil {
		t.Fatalf("login: %v", err)
	}

	registry := devices.NewRegistry(e.client, nil, nil)
	e.service.AddDependent(registry)

	e.srv.ExpireAccessTokens()
	e.srv.RevokeRefreshTokens()
	_, err := registry.ListSessions(ctx)
	if !errors.Is(err, api.ErrUnauthorized) {
		t.Fatalf("err = %v, want ErrUnauthorized", err)
	}

	pair, _ := e.store.GetCredentials(ctx)
	if !pair.LoggedOut() {
		t.Fatalf("store = %+v, want cleared", pair)
	}
	if e.service.IsAuthenticated(ctx) {
		t.Fatalf("authenticated after refresh rejection")
	}
	if n := e.dep.n.Load(); n != 1 {
		t.Fatalf("resets = %d, want 1", n)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(changes) != 2 || changes[1] {
		t.Fatalf("changes = %v, want [true false]", changes)
	}
}

func TestLoginWithPasskey(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t)
	if _, err := e.service.Login(ctx, "alice", "correct horse"); err != nil {
		t.Fatalf("login: %v", err)
	}

	authn, err := softauthn.New(fakeapi.RPOrigin, softauthn.NewMemoryKeyring())
	if err != nil {
		t.Fatalf("new authenticator: %v", err)
	}
	status := passkey.NewStatusCache(e.client)
	ceremonies := passkey.NewClient(e.client, authn, status, passkey.Config{})
	if err := ceremonies.Register(ctx, "Phone"); err != nil {
		t.Fatalf("register passkey: %v", err)
	}

	svc := NewService(e.client, e.store, WithPasskeys(ceremonies), WithDependents(status))
	if err := svc.Logout(ctx); err != nil {
		t.Fatalf("logout: %v", err)
	}

	id, err := svc.LoginWithPasskey(ctx)
	if err != nil {
		t.Fatalf("passkey login: %v", err)
	}
	if id.Username != "alice" {
		t.Fatalf("username = %q, want alice", id.Username)
	}
	pair, _ := e.store.GetCredentials(ctx)
	if pair.UserID == "" || pair.UserID != id.UserID {
		t.Fatalf("stored user id = %q, want %q", pair.UserID, id.UserID)
	}
	if got := e.feed(t); got != http.StatusOK {
		t.Fatalf("feed status = %d, want 200", got)
	}
}

func TestEstablishRejectsPartialPair(t *testing.T) {
	e := newEnv(t)
	_, err := e.service.Establish(context.Background(), models.CredentialPair{AccessToken: "a1"})
	if !errors.Is(err, ErrIncompletePair) {
		t.Fatalf("err = %v, want ErrIncompletePair", err)
	}
}
