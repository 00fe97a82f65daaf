package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	"github.com/andyleap/authsession/internal/api"
	"github.com/andyleap/authsession/internal/models"
	"github.com/andyleap/authsession/internal/storage"
	"github.com/go-playground/validator/v10"
)

var (
	ErrValidation = errors.New("validation failed")
	// ErrIncompletePair means the server answered without both tokens.
	ErrIncompletePair = errors.New("credential pair is incomplete")
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// Session is the backend surface the service needs: calls plus the refresh
// transport's expiry signal.
type Session interface {
	api.Doer
	OnSessionExpired(fn func())
}

// PasskeyAuthenticator proves identity with a passkey and returns tokens.
type PasskeyAuthenticator interface {
	Authenticate(ctx context.Context) (models.CredentialPair, error)
}

// Dependent is session-scoped state that must be dropped on logout, such as
// caches and pollers.
type Dependent interface {
	Reset()
}

type LoginForm struct {
	Username string `json:"username" validate:"required"`
	Password string `json:"password" validate:"required"`
}

type RegisterForm struct {
	Username        string `json:"username" validate:"required,max=150"`
	Email           string `json:"email,omitempty" validate:"omitempty,email"`
	Password        string `json:"password" validate:"required,min=8"`
	PasswordConfirm string `json:"-" validate:"omitempty,eqfield=Password"`
}

// Service is the single entry point for signing in and out. Whether the user
// is authenticated is derived from the stored pair; there is no other state.
type Service struct {
	api      Session
	store    storage.CredentialStore
	passkeys PasskeyAuthenticator
	logger   *slog.Logger

	mu         sync.Mutex
	dependents []Dependent
	listeners  []func(authenticated bool)
}

type Option func(*Service)

func WithPasskeys(p PasskeyAuthenticator) Option {
	return func(s *Service) { s.passkeys = p }
}

func WithDependents(deps ...Dependent) Option {
	return func(s *Service) { s.dependents = append(s.dependents, deps...) }
}

func WithLogger(l *slog.Logger) Option {
	return func(s *Service) { s.logger = l }
}

func NewService(session Session, store storage.CredentialStore, opts ...Option) *Service {
	s := &Service{api: session, store: store, logger: slog.Default()}
	for _, opt := range opts {
		opt(s)
	}
	session.OnSessionExpired(func() {
		s.logger.Info("Session expired, signing out")
		s.resetDependents()
		s.notify(false)
	})
	return s
}

// AddDependent registers state to reset on logout or session expiry.
func (s *Service) AddDependent(d Dependent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dependents = append(s.dependents, d)
}

// OnChange registers fn to run whenever the authenticated state flips.
func (s *Service) OnChange(fn func(authenticated bool)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, fn)
}

func (s *Service) Login(ctx context.Context, username, password string) (models.Identity, error) {
	form := LoginForm{Username: strings.TrimSpace(username), Password: password}
	if err := validate.Struct(form); err != nil {
		return models.Identity{}, fmt.Errorf("%w: %v", ErrValidation, err)
	}
	return s.obtain(ctx, api.PathLogin, form)
}

func (s *Service) Register(ctx context.Context, form RegisterForm) (models.Identity, error) {
	form.Username = strings.TrimSpace(form.Username)
	form.Email = strings.TrimSpace(form.Email)
	if err := validate.Struct(form); err != nil {
		return models.Identity{}, fmt.Errorf("%w: %v", ErrValidation, err)
	}
	return s.obtain(ctx, api.PathRegister, form)
}

// LoginWithPasskey runs a passkey authentication ceremony and signs in with
// the issued pair.
func (s *Service) LoginWithPasskey(ctx context.Context) (models.Identity, error) {
	if s.passkeys == nil {
		return models.Identity{}, errors.New("passkey login is not configured")
	}
	pair, err := s.passkeys.Authenticate(ctx)
	if err != nil {
		return models.Identity{}, err
	}
	return s.Establish(ctx, pair)
}

func (s *Service) obtain(ctx context.Context, path string, body any) (models.Identity, error) {
	var pair models.CredentialPair
	if err := s.api.Do(ctx, api.Request{Method: http.MethodPost, Path: path, Body: body, Public: true}, &pair); err != nil {
		return models.Identity{}, err
	}
	return s.Establish(ctx, pair)
}

// Establish stores a freshly issued pair and marks the user signed in. Both
// tokens are written together.
func (s *Service) Establish(ctx context.Context, pair models.CredentialPair) (models.Identity, error) {
	if pair.AccessToken == "" || pair.RefreshToken == "" {
		return models.Identity{}, ErrIncompletePair
	}
	if err := s.store.SetTokens(ctx, pair); err != nil {
		return models.Identity{}, fmt.Errorf("failed to store credentials: %w", err)
	}
	id := models.IdentityFromPair(pair)
	s.logger.Info("Signed in", "user_id", id.UserID)
	s.notify(true)
	return id, nil
}

// Logout clears stored credentials and resets dependents. It is safe to call
// when already signed out.
func (s *Service) Logout(ctx context.Context) error {
	err := s.store.Clear(ctx)
	s.resetDependents()
	s.notify(false)
	if err != nil {
		return fmt.Errorf("failed to clear credentials: %w", err)
	}
	s.logger.Info("Signed out")
	return nil
}

// IsAuthenticated reports whether any token is stored. A pair with only a
// refresh token is still a session; the next request recovers it.
func (s *Service) IsAuthenticated(ctx context.Context) bool {
	pair, err := s.store.GetCredentials(ctx)
	if err != nil {
		s.logger.Warn("Failed to read credentials", "error", err)
		return false
	}
	return !pair.LoggedOut()
}

// CurrentUser returns the identity carried by the stored access token.
func (s *Service) CurrentUser(ctx context.Context) (models.Identity, bool, error) {
	pair, err := s.store.GetCredentials(ctx)
	if err != nil {
		return models.Identity{}, false, fmt.Errorf("failed to read credentials: %w", err)
	}
	if pair.LoggedOut() {
		return models.Identity{}, false, nil
	}
	return models.IdentityFromPair(pair), true, nil
}

func (s *Service) resetDependents() {
	s.mu.Lock()
	deps := append([]Dependent(nil), s.dependents...)
	s.mu.Unlock()
	for _, d := range deps {
		d.Reset()
	}
}

func (s *Service) notify(authenticated bool) {
	s.mu.Lock()
	fns := append([]func(bool){}, s.listeners...)
	s.mu.Unlock()
	for _, fn := range fns {
		fn(authenticated)
	}
}
