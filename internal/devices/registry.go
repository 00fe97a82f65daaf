package devices

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/andyleap/authsession/internal/api"
	"github.com/andyleap/authsession/internal/models"
	"github.com/go-playground/validator/v10"
)

var ErrValidation = errors.New("validation failed")

// DefaultPollInterval is used by Poll when the interval given is not positive.
const DefaultPollInterval = 30 * time.Second

var validate = validator.New(validator.WithRequiredStructEnabled())

type renameRequest struct {
	DeviceName string `json:"device_name" validate:"required,max=100"`
}

// PasskeyRefresher re-fetches passkey state. Removing a device invalidates
// any passkey bound to it, so the registry refreshes both together.
type PasskeyRefresher interface {
	Refresh(ctx context.Context) (models.PasskeyStatus, error)
}

// Registry lists and manages the account's devices and sessions. Lists are
// cached per session; every mutation re-fetches from the server instead of
// patching the cache.
type Registry struct {
	api      api.Doer
	passkeys PasskeyRefresher
	logger   *slog.Logger

	mu       sync.Mutex
	devices  []models.Device
	sessions []models.Session
	haveDev  bool
	haveSess bool
	gen      uint64
	stopPoll context.CancelFunc
}

func NewRegistry(doer api.Doer, passkeys PasskeyRefresher, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{api: doer, passkeys: passkeys, logger: logger}
}

func (r *Registry) ListDevices(ctx context.Context) ([]models.Device, error) {
	r.mu.Lock()
	if r.haveDev {
		out := append([]models.Device(nil), r.devices...)
		r.mu.Unlock()
		return out, nil
	}
	r.mu.Unlock()
	return r.RefreshDevices(ctx)
}

func (r *Registry) RefreshDevices(ctx context.Context) ([]models.Device, error) {
	gen := r.generation()
	var list models.DeviceList
	if err := r.api.Do(ctx, api.Request{Method: http.MethodGet, Path: api.PathDevices}, &list); err != nil {
		return nil, fmt.Errorf("failed to list devices: %w", err)
	}

	r.mu.Lock()
	if r.gen == gen {
		r.devices = list.Devices
		r.haveDev = true
	}
	r.mu.Unlock()
	return append([]models.Device(nil), list.Devices...), nil
}

func (r *Registry) ListSessions(ctx context.Context) ([]models.Session, error) {
	r.mu.Lock()
	if r.haveSess {
		out := append([]models.Session(nil), r.sessions...)
		r.mu.Unlock()
		return out, nil
	}
	r.mu.Unlock()
	return r.RefreshSessions(ctx)
}

func (r *Registry) RefreshSessions(ctx context.Context) ([]models.Session, error) {
	gen := r.generation()
	var list models.SessionList
	if err := r.api.Do(ctx, api.Request{Method: http.MethodGet, Path: api.PathSessions}, &list); err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}

	r.mu.Lock()
	if r.gen == gen {
		r.sessions = list.Sessions
		r.haveSess = true
	}
	r.mu.Unlock()
	return append([]models.Session(nil), list.Sessions...), nil
}

// RenameDevice rejects empty names before any network call.
func (r *Registry) RenameDevice(ctx context.Context, id, name string) error {
	if strings.TrimSpace(id) == "" {
		return fmt.Errorf("%w: device id is required", ErrValidation)
	}
	req := renameRequest{DeviceName: strings.TrimSpace(name)}
	if err := validate.Struct(req); err != nil {
		return fmt.Errorf("%w: device name: %v", ErrValidation, err)
	}

	if err := r.api.Do(ctx, api.Request{Method: http.MethodPatch, Path: api.DevicePath(id), Body: req}, nil); err != nil {
		return fmt.Errorf("failed to rename device: %w", err)
	}
	if _, err := r.RefreshDevices(ctx); err != nil {
		return err
	}
	return nil
}

// RemoveDevice deletes the device, then re-fetches the device list and the
// passkey status. It returns once both reflect the removal.
func (r *Registry) RemoveDevice(ctx context.Context, id string) error {
	if strings.TrimSpace(id) == "" {
		return fmt.Errorf("%w: device id is required", ErrValidation)
	}
	if err := r.api.Do(ctx, api.Request{Method: http.MethodDelete, Path: api.DevicePath(id)}, nil); err != nil {
		return fmt.Errorf("failed to remove device: %w", err)
	}
	r.logger.Info("Device removed", "device_id", id)

	_, devErr := r.RefreshDevices(ctx)
	var passErr error
	if r.passkeys != nil {
		if _, err := r.passkeys.Refresh(ctx); err != nil {
			passErr = err
		}
	}
	return errors.Join(devErr, passErr)
}

// RevokeAllOtherSessions ends every session except the current one and
// returns the list as the server now reports it.
func (r *Registry) RevokeAllOtherSessions(ctx context.Context) ([]models.Session, error) {
	if err := r.api.Do(ctx, api.Request{Method: http.MethodPost, Path: api.PathSessionsRevokeAll}, nil); err != nil {
		return nil, fmt.Errorf("failed to revoke sessions: %w", err)
	}
	sessions, err := r.RefreshSessions(ctx)
	if err != nil {
		return nil, err
	}
	if _, ok := (models.SessionList{Sessions: sessions}).CurrentSession(); !ok {
		r.logger.Warn("Session list has no current session after revoke-all")
	}
	r.logger.Info("Other sessions revoked", "remaining", len(sessions))
	return sessions, nil
}

// Poll refreshes both lists every interval until ctx ends or Reset is
// called. Errors are logged; a 401 that survives refresh ends the session
// and Reset stops the loop. A non-positive interval means
// DefaultPollInterval.
func (r *Registry) Poll(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	pctx, cancel := context.WithCancel(ctx)

	r.mu.Lock()
	if r.stopPoll != nil {
		r.stopPoll()
	}
	r.stopPoll = cancel
	r.mu.Unlock()

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-pctx.Done():
				return
			case <-ticker.C:
				if _, err := r.RefreshSessions(pctx); err != nil && pctx.Err() == nil {
					r.logger.Warn("Session poll failed", "error", err)
				}
				if _, err := r.RefreshDevices(pctx); err != nil && pctx.Err() == nil {
					r.logger.Warn("Device poll failed", "error", err)
				}
			}
		}
	}()
}

// Reset drops cached lists and stops polling. Called on logout.
func (r *Registry) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.devices, r.sessions = nil, nil
	r.haveDev, r.haveSess = false, false
	r.gen++
	if r.stopPoll != nil {
		r.stopPoll()
		r.stopPoll = nil
	}
}

func (r *Registry) generation() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.gen
}
