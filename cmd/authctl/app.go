package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/andyleap/authsession/internal/activity"
	"github.com/andyleap/authsession/internal/api"
	"github.com/andyleap/authsession/internal/auth"
	"github.com/andyleap/authsession/internal/devices"
	"github.com/andyleap/authsession/internal/passkey"
	"github.com/andyleap/authsession/internal/platform"
	"github.com/andyleap/authsession/internal/softauthn"
	"github.com/andyleap/authsession/internal/storage"
	"github.com/redis/go-redis/v9"
)

const appVersion = "0.4.0"

// App is the wired client stack for one invocation.
type App struct {
	ctx    context.Context
	cfg    *Config
	logger *slog.Logger
	in     *bufio.Reader
	out    io.Writer

	store      storage.CredentialStore
	client     *api.Client
	status     *passkey.StatusCache
	ceremonies *passkey.Client
	registry   *devices.Registry
	activity   *activity.Reader
	auth       *auth.Service

	closers []func() error
}

func NewApp(ctx context.Context, cfg *Config, in io.Reader, out io.Writer) (*App, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.level()}))
	slog.SetDefault(logger)

	a := &App{ctx: ctx, cfg: cfg, logger: logger, in: bufio.NewReader(in), out: out}

	store, err := a.openStore(ctx)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.store = store

	a.client, err = api.NewClient(cfg.Server, store,
		api.WithTimeout(cfg.Timeout),
		api.WithRefreshTimeout(cfg.RefreshTimeout),
		api.WithLogger(logger),
	)
	if err != nil {
		a.Close()
		return nil, err
	}

	installID, err := platform.LoadInstallID(filepath.Join(cfg.DataPath, "install_id"))
	if err != nil {
		logger.Warn("Failed to load install id", "error", err)
	}

	keyring, err := softauthn.NewFileKeyring(cfg.keyringPath())
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("failed to open keyring: %w", err)
	}
	authn, err := softauthn.New(cfg.RPOrigin, keyring, softauthn.WithPresence(a.confirm))
	if err != nil {
		a.Close()
		return nil, err
	}

	a.status = passkey.NewStatusCache(a.client)
	a.ceremonies = passkey.NewClient(a.client, authn, a.status, passkey.Config{
		BeginTimeout: cfg.BeginTimeout,
		DeviceName:   cfg.DeviceName,
		Device:       platform.Info{InstallID: installID, AppVersion: appVersion},
		Logger:       logger,
	})
	a.registry = devices.NewRegistry(a.client, a.status, logger)
	a.activity = activity.NewReader(a.client)
	a.auth = auth.NewService(a.client, store,
		auth.WithPasskeys(a.ceremonies),
		auth.WithDependents(a.status, a.registry),
		auth.WithLogger(logger),
	)
	return a, nil
}

func (a *App) openStore(ctx context.Context) (storage.CredentialStore, error) {
	cfg := a.cfg
	switch cfg.StoreMode {
	case "memory":
		a.logger.Warn("Using in-memory credentials (not persistent)")
		return storage.NewMemoryStorage(), nil
	case "filesystem":
		var opts []storage.FilesystemOption
		if cfg.EncryptionSecret != "" {
			opts = append(opts, storage.WithEncryptionSecret([]byte(cfg.EncryptionSecret)))
		}
		s, err := storage.NewFilesystemStorage(filepath.Join(cfg.DataPath, cfg.Profile), opts...)
		if err != nil {
			return nil, fmt.Errorf("failed to create filesystem storage: %w", err)
		}
		a.logger.Debug("Using filesystem storage", "path", cfg.DataPath, "encrypted", cfg.EncryptionSecret != "")
		return s, nil
	case "sqlite":
		if err := os.MkdirAll(cfg.DataPath, 0700); err != nil {
			return nil, fmt.Errorf("failed to create data dir: %w", err)
		}
		s, err := storage.NewSQLiteStorage(filepath.Join(cfg.DataPath, "credentials.db"), cfg.Profile)
		if err != nil {
			return nil, fmt.Errorf("failed to create sqlite storage: %w", err)
		}
		a.closers = append(a.closers, s.Close)
		a.logger.Debug("Using sqlite storage", "path", cfg.DataPath)
		return s, nil
	case "redis":
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		a.closers = append(a.closers, client.Close)
		if err := client.Ping(ctx).Err(); err != nil {
			return nil, fmt.Errorf("failed to connect to redis: %w", err)
		}
		a.logger.Debug("Using redis storage", "addr", cfg.Redis.Addr)
		return storage.NewRedisStorage(client, cfg.Profile), nil
	case "s3":
		s, err := storage.NewS3Storage(cfg.S3.Endpoint, cfg.S3.AccessKey, cfg.S3.SecretKey, cfg.S3.Bucket, cfg.Profile, cfg.S3.UseSSL)
		if err != nil {
			return nil, fmt.Errorf("failed to create s3 storage: %w", err)
		}
		a.logger.Debug("Using S3 storage", "endpoint", cfg.S3.Endpoint, "bucket", cfg.S3.Bucket)
		return s, nil
	}
	return nil, fmt.Errorf("invalid store mode %q", cfg.StoreMode)
}

// confirm is the presence check for the software authenticator.
func (a *App) confirm(ctx context.Context, p softauthn.Prompt) error {
	if a.cfg.AssumeYes {
		return nil
	}
	fmt.Fprintf(a.out, "Approve passkey %s for %s", p.Ceremony, p.RPID)
	if p.UserName != "" {
		fmt.Fprintf(a.out, " as %s", p.UserName)
	}
	fmt.Fprint(a.out, "? [y/N] ")

	line, err := a.readLine(ctx)
	if err != nil {
		return err
	}
	if answer := strings.ToLower(line); answer != "y" && answer != "yes" {
		return passkey.ErrCancelled
	}
	return nil
}

func (a *App) readLine(ctx context.Context) (string, error) {
	type result struct {
		line string
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		line, err := a.in.ReadString('\n')
		if errors.Is(err, io.EOF) && line != "" {
			err = nil
		}
		ch <- result{strings.TrimSpace(line), err}
	}()
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case r := <-ch:
		return r.line, r.err
	}
}

func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.logger.Warn("Failed to close resource", "error", err)
		}
	}
	a.closers = nil
}
