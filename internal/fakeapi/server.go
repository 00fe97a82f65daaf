// Package fakeapi is an in-process backend that speaks the account API. It
// verifies passkey ceremonies with a real relying party and issues signed
// access tokens, so clients can be exercised end to end over HTTP.
package fakeapi

import (
	"crypto/rand"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/andyleap/authsession/internal/api"
	"github.com/go-webauthn/webauthn/webauthn"
	"github.com/gorilla/mux"
)

const (
	RPID     = "localhost"
	RPOrigin = "https://localhost"
)

type Option func(*Server)

// WithAccessTTL sets the exp claim of issued access tokens.
func WithAccessTTL(d time.Duration) Option {
	return func(s *Server) { s.accessTTL = d }
}

// WithRotation makes the refresh endpoint issue a new refresh token on every
// exchange.
func WithRotation() Option {
	return func(s *Server) { s.rotate = true }
}

// WithEnvelope wraps ceremony options in {"publicKey": ...}.
func WithEnvelope() Option {
	return func(s *Server) { s.envelope = true }
}

func WithLogger(l *slog.Logger) Option {
	return func(s *Server) { s.logger = l }
}

// Server holds all account state in memory.
type Server struct {
	router    *mux.Router
	rp        *webauthn.WebAuthn
	signKey   []byte
	accessTTL time.Duration
	rotate    bool
	envelope  bool
	logger    *slog.Logger

	mu         sync.Mutex
	nextID     int
	users      map[string]*user // by username
	sessions   map[string]*session
	access     map[string]string // live access token -> session id
	refresh    map[string]string // live refresh token -> session id
	challenges map[string]*pendingCeremony
	issued     map[string][]string
	completed  map[string][]string
	calls      map[string]int
	failures   map[string]int
	rejected   map[string]bool
}

func New(opts ...Option) (*Server, error) {
	rp, err := webauthn.New(&webauthn.Config{
		RPDisplayName: "Fake Account Service",
		RPID:          RPID,
		RPOrigins:     []string{RPOrigin},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create relying party: %w", err)
	}

	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("failed to generate signing key: %w", err)
	}

	s := &Server{
		rp:         rp,
		signKey:    key,
		accessTTL:  15 * time.Minute,
		logger:     slog.Default(),
		users:      make(map[string]*user),
		sessions:   make(map[string]*session),
		access:     make(map[string]string),
		refresh:    make(map[string]string),
		challenges: make(map[string]*pendingCeremony),
		issued:     make(map[string][]string),
		completed:  make(map[string][]string),
		calls:      make(map[string]int),
		failures:   make(map[string]int),
		rejected:   make(map[string]bool),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.routes()
	return s, nil
}

func (s *Server) routes() {
	r := mux.NewRouter()
	r.Use(s.count)

	r.HandleFunc(api.PathLogin, s.handleLogin).Methods(http.MethodPost)
	r.HandleFunc(api.PathRegister, s.handleRegister).Methods(http.MethodPost)
	r.HandleFunc(api.PathTokenRefresh, s.handleRefresh).Methods(http.MethodPost)
	r.HandleFunc(api.PathPasskeyAuthBegin, s.handleAuthBegin).Methods(http.MethodPost)
	r.HandleFunc(api.PathPasskeyAuthDone, s.handleAuthComplete).Methods(http.MethodPost)

	authed := r.NewRoute().Subrouter()
	authed.Use(s.authenticate)
	authed.HandleFunc(api.PathPasskeyRegisterBegin, s.handleRegisterBegin).Methods(http.MethodPost)
	authed.HandleFunc(api.PathPasskeyRegisterDone, s.handleRegisterComplete).Methods(http.MethodPost)
	authed.HandleFunc(api.PathPasskeyStatus, s.handlePasskeyStatus).Methods(http.MethodGet)
	authed.HandleFunc("/auth/passkey/remove/{id}/", s.handlePasskeyRemove).Methods(http.MethodDelete)
	authed.HandleFunc(api.PathDevices, s.handleDevices).Methods(http.MethodGet)
	authed.HandleFunc("/auth/devices/{id}/", s.handleDeviceRename).Methods(http.MethodPatch)
	authed.HandleFunc("/auth/devices/{id}/", s.handleDeviceRemove).Methods(http.MethodDelete)
	authed.HandleFunc(api.PathSessions, s.handleSessions).Methods(http.MethodGet)
	authed.HandleFunc(api.PathSessionsRevokeAll, s.handleRevokeAll).Methods(http.MethodPost)
	authed.HandleFunc(api.PathActivity, s.handleActivity).Methods(http.MethodGet)
	authed.HandleFunc(PathFeed, s.handleFeed).Methods(http.MethodGet)

	s.router = r
}

// PathFeed is a protected resource outside the account API.
const PathFeed = "/feed/"

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// count records calls by route template and serves queued failures.
func (s *Server) count(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := r.URL.Path
		if route := mux.CurrentRoute(r); route != nil {
			if tpl, err := route.GetPathTemplate(); err == nil {
				key = tpl
			}
		}

		s.mu.Lock()
		s.calls[key]++
		status := s.failures[key]
		if status != 0 {
			delete(s.failures, key)
		}
		s.mu.Unlock()

		if status != 0 {
			writeError(w, status, "injected failure")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Calls returns how many requests reached the route. Templated routes are
// keyed by template, e.g. "/auth/devices/{id}/".
func (s *Server) Calls(route string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[route]
}

// FailNext makes the next request to route answer with status.
func (s *Server) FailNext(route string, status int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures[route] = status
}

// RejectDeviceName makes rename fail for name, as a policy check would.
func (s *Server) RejectDeviceName(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rejected[name] = true
}

// ExpireAccessTokens invalidates every issued access token. Refresh tokens
// stay valid.
func (s *Server) ExpireAccessTokens() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.access = make(map[string]string)
}

// RevokeRefreshTokens invalidates every refresh token, ending all sessions on
// their next refresh.
func (s *Server) RevokeRefreshTokens() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.refresh = make(map[string]string)
}

func (s *Server) newID() string {
	s.nextID++
	return strconv.Itoa(s.nextID)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		json.NewEncoder(w).Encode(v)
	}
}

func writeError(w http.ResponseWriter, status int, detail string) {
	writeJSON(w, status, map[string]string{"detail": detail})
}

func decode(r *http.Request, v any) error {
	defer r.Body.Close()
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}
