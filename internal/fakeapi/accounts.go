package fakeapi

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/andyleap/authsession/internal/models"
	"github.com/go-webauthn/webauthn/webauthn"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

type user struct {
	id       []byte
	userID   string
	username string
	password string
	email    string
	creds    []webauthn.Credential
	passkeys []*passkeyRecord
	devices  []*models.Device
	activity []models.ActivityEntry
}

func (u *user) WebAuthnID() []byte                         { return u.id }
func (u *user) WebAuthnName() string                       { return u.username }
func (u *user) WebAuthnDisplayName() string                { return u.username }
func (u *user) WebAuthnCredentials() []webauthn.Credential { return u.creds }

type passkeyRecord struct {
	id         string
	deviceID   models.ID
	deviceName string
	createdAt  time.Time
	lastUsedAt *time.Time
}

type session struct {
	id           string
	username     string
	deviceName   string
	ipAddress    string
	createdAt    time.Time
	lastActivity time.Time
}

type accessClaims struct {
	UserID    string `json:"user_id"`
	Username  string `json:"username"`
	SessionID string `json:"sid"`
	jwt.RegisteredClaims
}

type ctxKey struct{}

type principal struct {
	user    *user
	session *session
}

var errDuplicateUser = errors.New("a user with that username already exists")

// CreateUser adds an account that can log in with password.
func (s *Server) CreateUser(username, password string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.createUserLocked(username, password, "")
	return err
}

func (s *Server) createUserLocked(username, password, email string) (*user, error) {
	if _, ok := s.users[username]; ok {
		return nil, errDuplicateUser
	}
	u := &user{
		id:       []byte(uuid.NewString()),
		userID:   s.newID(),
		username: username,
		password: password,
		email:    email,
	}
	s.users[username] = u
	return u, nil
}

// IssueTokens starts a session for an existing user without a login call.
func (s *Server) IssueTokens(username string) (models.CredentialPair, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[username]
	if !ok {
		return models.CredentialPair{}, fmt.Errorf("unknown user %q", username)
	}
	return s.startSessionLocked(u, "Test Device", "127.0.0.1", models.AuthMethodPassword)
}

func (s *Server) startSessionLocked(u *user, deviceName, ip string, method models.AuthMethod) (models.CredentialPair, error) {
	now := time.Now()
	sess := &session{
		id:           s.newID(),
		username:     u.username,
		deviceName:   deviceName,
		ipAddress:    ip,
		createdAt:    now,
		lastActivity: now,
	}
	access, err := s.signAccessLocked(u, sess)
	if err != nil {
		return models.CredentialPair{}, err
	}
	refresh := randomToken()

	s.sessions[sess.id] = sess
	s.access[access] = sess.id
	s.refresh[refresh] = sess.id
	u.activity = append(u.activity, models.ActivityEntry{
		AuthenticationMethod: method,
		DeviceName:           deviceName,
		IPAddress:            ip,
		CreatedAt:            now,
	})
	return models.CredentialPair{AccessToken: access, RefreshToken: refresh}, nil
}

func (s *Server) signAccessLocked(u *user, sess *session) (string, error) {
	now := time.Now()
	claims := accessClaims{
		UserID:    u.userID,
		Username:  u.username,
		SessionID: sess.id,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   u.userID,
			ID:        uuid.NewString(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.accessTTL)),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.signKey)
	if err != nil {
		return "", fmt.Errorf("failed to sign access token: %w", err)
	}
	return token, nil
}

func (s *Server) endSessionLocked(id string) {
	delete(s.sessions, id)
	for tok, sid := range s.access {
		if sid == id {
			delete(s.access, tok)
		}
	}
	for tok, sid := range s.refresh {
		if sid == id {
			delete(s.refresh, tok)
		}
	}
}

// authenticate requires a live, correctly signed bearer token.
func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || raw == "" {
			writeError(w, http.StatusUnauthorized, "Authentication credentials were not provided.")
			return
		}

		var claims accessClaims
		_, err := jwt.ParseWithClaims(raw, &claims, func(t *jwt.Token) (any, error) {
			return s.signKey, nil
		}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
		if err != nil {
			writeError(w, http.StatusUnauthorized, "Given token not valid for any token type")
			return
		}

		s.mu.Lock()
		sid, live := s.access[raw]
		sess := s.sessions[sid]
		var u *user
		if sess != nil {
			u = s.users[sess.username]
			sess.lastActivity = time.Now()
		}
		s.mu.Unlock()

		if !live || sess == nil || u == nil || sid != claims.SessionID {
			writeError(w, http.StatusUnauthorized, "Given token not valid for any token type")
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), ctxKey{}, principal{user: u, session: sess})))
	})
}

func principalFrom(r *http.Request) principal {
	p, _ := r.Context().Value(ctxKey{}).(principal)
	return p
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[req.Username]
	if !ok || u.password == "" || u.password != req.Password {
		writeError(w, http.StatusUnauthorized, "No active account found with the given credentials")
		return
	}
	pair, err := s.startSessionLocked(u, deviceLabel(r), clientIP(r), models.AuthMethodPassword)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, pair)
}

type registerRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
	Email    string `json:"email"`
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	fields := map[string][]string{}
	if req.Username == "" {
		fields["username"] = append(fields["username"], "This field is required.")
	}
	if len(req.Password) < 8 {
		fields["password"] = append(fields["password"], "Ensure this field has at least 8 characters.")
	}
	if len(fields) > 0 {
		writeJSON(w, http.StatusBadRequest, fields)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	u, err := s.createUserLocked(req.Username, req.Password, req.Email)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string][]string{"username": {err.Error()}})
		return
	}
	pair, err := s.startSessionLocked(u, deviceLabel(r), clientIP(r), models.AuthMethodPassword)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, pair)
}

type refreshRequest struct {
	Refresh string `json:"refresh"`
}

type refreshResponse struct {
	Access  string `json:"access"`
	Refresh string `json:"refresh,omitempty"`
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	sid, ok := s.refresh[req.Refresh]
	sess := s.sessions[sid]
	if !ok || sess == nil {
		writeError(w, http.StatusUnauthorized, "Token is invalid or expired")
		return
	}
	u := s.users[sess.username]
	access, err := s.signAccessLocked(u, sess)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.access[access] = sid

	resp := refreshResponse{Access: access}
	if s.rotate {
		delete(s.refresh, req.Refresh)
		resp.Refresh = randomToken()
		s.refresh[resp.Refresh] = sid
	}
	writeJSON(w, http.StatusOK, resp)
}

func randomToken() string {
	b := make([]byte, 24)
	rand.Read(b)
	return hex.EncodeToString(b)
}

func deviceLabel(r *http.Request) string {
	if ua := r.Header.Get("User-Agent"); ua != "" {
		return ua
	}
	return "Unknown Device"
}

func clientIP(r *http.Request) string {
	host := r.RemoteAddr
	if i := strings.LastIndex(host, ":"); i > 0 {
		host = host[:i]
	}
	return host
}
