package storage

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/andyleap/authsession/internal/models"
)

func storeFactories(t *testing.T) map[string]func(t *testing.T) CredentialStore {
	return map[string]func(t *testing.T) CredentialStore{
		"memory": func(t *testing.T) CredentialStore {
			return NewMemoryStorage()
		},
		"filesystem": func(t *testing.T) CredentialStore {
			s, err := NewFilesystemStorage(t.TempDir())
			if err != nil {
				t.Fatalf("new filesystem storage: %v", err)
			}
			return s
		},
		"filesystem_encrypted": func(t *testing.T) CredentialStore {
			s, err := NewFilesystemStorage(t.TempDir(), WithEncryptionSecret([]byte("hunter2")))
			if err != nil {
				t.Fatalf("new encrypted storage: %v", err)
			}
			return s
		},
		"sqlite": func(t *testing.T) CredentialStore {
			s, err := NewSQLiteStorage(filepath.Join(t.TempDir(), "auth.db"), "default")
			if err != nil {
				t.Fatalf("new sqlite storage: %v", err)
			}
			t.Cleanup(func() { _ = s.Close() })
			return s
		},
	}
}

func TestCredentialStoreLifecycle(t *testing.T) {
	ctx := context.Background()
	for name, newStore := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			s := newStore(t)

			pair, err := s.GetCredentials(ctx)
			if err != nil {
				t.Fatalf("get credentials on empty store: %v", err)
			}
			if !pair.LoggedOut() {
				t.Fatalf("empty store returned %+v", pair)
			}

			if err := s.SetTokens(ctx, models.CredentialPair{AccessToken: "a1", RefreshToken: "r1", UserID: "u1"}); err != nil {
				t.Fatalf("set tokens: %v", err)
			}
			if err := s.SetAccessToken(ctx, "a2"); err != nil {
				t.Fatalf("set access token: %v", err)
			}

			access, err := s.GetAccessToken(ctx)
			if err != nil || access != "a2" {
				t.Fatalf("access = %q, %v, want a2", access, err)
			}
			refresh, err := s.GetRefreshToken(ctx)
			if err != nil || refresh != "r1" {
				t.Fatalf("refresh = %q, %v, want r1", refresh, err)
			}
			pair, _ = s.GetCredentials(ctx)
			if pair.UserID != "u1" {
				t.Fatalf("user id = %q, want u1", pair.UserID)
			}

			if err := s.Clear(ctx); err != nil {
				t.Fatalf("clear: %v", err)
			}
			if err := s.Clear(ctx); err != nil {
				t.Fatalf("second clear: %v", err)
			}
			access, _ = s.GetAccessToken(ctx)
			refresh, _ = s.GetRefreshToken(ctx)
			if access != "" || refresh != "" {
				t.Fatalf("after clear access=%q refresh=%q, want both empty", access, refresh)
			}
		})
	}
}

func TestCredentialStorePendingRefresh(t *testing.T) {
	ctx := context.Background()
	for name, newStore := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			s := newStore(t)
			if err := s.SetTokens(ctx, models.CredentialPair{RefreshToken: "r1"}); err != nil {
				t.Fatalf("set tokens: %v", err)
			}
			pair, err := s.GetCredentials(ctx)
			if err != nil {
				t.Fatalf("get credentials: %v", err)
			}
			if !pair.PendingRefresh() {
				t.Fatalf("pair %+v is not pending refresh", pair)
			}
		})
	}
}

func TestCredentialStoreRefreshTokensAfterClear(t *testing.T) {
	ctx := context.Background()
	for name, newStore := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			s := newStore(t)
			if err := s.SetTokens(ctx, models.CredentialPair{AccessToken: "a1", RefreshToken: "r1", UserID: "u1"}); err != nil {
				t.Fatalf("set tokens: %v", err)
			}
			if err := s.Clear(ctx); err != nil {
				t.Fatalf("clear: %v", err)
			}

			if err := s.RefreshTokens(ctx, "r1", "a2", ""); !errors.Is(err, ErrTokensReplaced) {
				t.Fatalf("refresh after clear err = %v, want ErrTokensReplaced", err)
			}
			if err := s.RefreshTokens(ctx, "r1", "a2", "r2"); !errors.Is(err, ErrTokensReplaced) {
				t.Fatalf("rotate after clear err = %v, want ErrTokensReplaced", err)
			}
			pair, err := s.GetCredentials(ctx)
			if err != nil {
				t.Fatalf("get credentials: %v", err)
			}
			if !pair.LoggedOut() || pair.AccessToken != "" {
				t.Fatalf("after clear and refresh pair = %+v, want logged out", pair)
			}
		})
	}
}

func TestCredentialStoreRefreshTokensMatchesUsedToken(t *testing.T) {
	ctx := context.Background()
	for name, newStore := range storeFactories(t) {
		t.Run(name, func(t *testing.T) {
			s := newStore(t)
			if err := s.SetTokens(ctx, models.CredentialPair{AccessToken: "a1", RefreshToken: "r1", UserID: "u1"}); err != nil {
				t.Fatalf("set tokens: %v", err)
			}

			if err := s.RefreshTokens(ctx, "r0", "stale", ""); !errors.Is(err, ErrTokensReplaced) {
				t.Fatalf("refresh with old token err = %v, want ErrTokensReplaced", err)
			}
			if err := s.RefreshTokens(ctx, "r1", "a2", ""); err != nil {
				t.Fatalf("refresh: %v", err)
			}
			pair, _ := s.GetCredentials(ctx)
			if pair.AccessToken != "a2" || pair.RefreshToken != "r1" || pair.UserID != "u1" {
				t.Fatalf("after refresh pair = %+v, want a2/r1/u1", pair)
			}

			if err := s.RefreshTokens(ctx, "r1", "a3", "r2"); err != nil {
				t.Fatalf("rotate: %v", err)
			}
			pair, _ = s.GetCredentials(ctx)
			if pair.AccessToken != "a3" || pair.RefreshToken != "r2" || pair.UserID != "u1" {
				t.Fatalf("after rotate pair = %+v, want a3/r2/u1", pair)
			}
		})
	}
}

func TestCredentialStoreConcurrentAccess(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStorage()
	if err := s.SetTokens(ctx, models.CredentialPair{AccessToken: "a0", RefreshToken: "r0"}); err != nil {
		t.Fatalf("set tokens: %v", err)
	}

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, _ = s.GetAccessToken(ctx)
		}()
		go func() {
			defer wg.Done()
			_ = s.SetAccessToken(ctx, "a1")
		}()
	}
	wg.Wait()

	refresh, _ := s.GetRefreshToken(ctx)
	if refresh != "r0" {
		t.Fatalf("refresh = %q, want r0", refresh)
	}
}

func TestFilesystemStoragePersistsAcrossInstances(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	first, err := NewFilesystemStorage(dir)
	if err != nil {
		t.Fatalf("new storage: %v", err)
	}
	if err := first.SetTokens(ctx, models.CredentialPair{AccessToken: "a1", RefreshToken: "r1"}); err != nil {
		t.Fatalf("set tokens: %v", err)
	}

	second, err := NewFilesystemStorage(dir)
	if err != nil {
		t.Fatalf("reopen storage: %v", err)
	}
	refresh, err := second.GetRefreshToken(ctx)
	if err != nil || refresh != "r1" {
		t.Fatalf("refresh = %q, %v, want r1", refresh, err)
	}
}

func TestFilesystemStorageEncryptsAtRest(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	s, err := NewFilesystemStorage(dir, WithEncryptionSecret([]byte("secret")))
	if err != nil {
		t.Fatalf("new storage: %v", err)
	}
	if err := s.SetTokens(ctx, models.CredentialPair{AccessToken: "plain-access", RefreshToken: "plain-refresh"}); err != nil {
		t.Fatalf("set tokens: %v", err)
	}

	raw, err := os.ReadFile(filepath.Join(dir, credentialsFile))
	if err != nil {
		t.Fatalf("read file: %v", err)
	}
	if bytes.Contains(raw, []byte("plain-refresh")) {
		t.Fatalf("refresh token stored in plaintext")
	}

	wrongKey, err := NewFilesystemStorage(dir, WithEncryptionSecret([]byte("other")))
	if err != nil {
		t.Fatalf("new storage: %v", err)
	}
	if _, err := wrongKey.GetRefreshToken(ctx); err == nil {
		t.Fatalf("expected decrypt error with wrong secret")
	}
}

func TestSQLiteStorageProfilesAreIsolated(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "auth.db")

	work, err := NewSQLiteStorage(path, "work")
	if err != nil {
		t.Fatalf("open work: %v", err)
	}
	defer work.Close()
	home, err := NewSQLiteStorage(path, "home")
	if err != nil {
		t.Fatalf("open home: %v", err)
	}
	defer home.Close()

	if err := work.SetTokens(ctx, models.CredentialPair{AccessToken: "a1", RefreshToken: "r1"}); err != nil {
		t.Fatalf("set tokens: %v", err)
	}
	refresh, err := home.GetRefreshToken(ctx)
	if err != nil {
		t.Fatalf("get refresh: %v", err)
	}
	if refresh != "" {
		t.Fatalf("home profile refresh = %q, want empty", refresh)
	}
}
