package fakeapi

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/andyleap/authsession/internal/models"
	"github.com/andyleap/authsession/internal/passkey"
	"github.com/go-webauthn/webauthn/protocol"
	"github.com/go-webauthn/webauthn/webauthn"
	"github.com/gorilla/mux"
)

const (
	ceremonyRegister     = "register"
	ceremonyAuthenticate = "authenticate"
	challengeTTL         = 5 * time.Minute
)

type pendingCeremony struct {
	kind      string
	username  string
	data      *webauthn.SessionData
	expiresAt time.Time
}

// IssuedChallenges lists challenges handed out by begin, oldest first. kind
// is "register" or "authenticate".
func (s *Server) IssuedChallenges(kind string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.issued[kind]...)
}

// CompletedChallenges lists challenges that reached complete, accepted or not.
func (s *Server) CompletedChallenges(kind string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.completed[kind]...)
}

func (s *Server) saveCeremony(kind, username string, data *webauthn.SessionData, challenge []byte) string {
	key := passkey.Encode(challenge)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.challenges[key] = &pendingCeremony{
		kind:      kind,
		username:  username,
		data:      data,
		expiresAt: time.Now().Add(challengeTTL),
	}
	s.issued[kind] = append(s.issued[kind], key)
	return key
}

// takeCeremony consumes a challenge. A challenge is good for one complete
// call whatever its outcome.
func (s *Server) takeCeremony(kind, challenge string) (*pendingCeremony, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.completed[kind] = append(s.completed[kind], challenge)
	c, ok := s.challenges[challenge]
	if !ok || c.kind != kind {
		return nil, fmt.Errorf("challenge not found or already used")
	}
	delete(s.challenges, challenge)
	if time.Now().After(c.expiresAt) {
		return nil, fmt.Errorf("challenge expired")
	}
	return c, nil
}

func (s *Server) beginResponse(options any, challenge string) map[string]any {
	if s.envelope {
		options = map[string]any{"publicKey": options}
	}
	return map[string]any{"options": options, "challenge": challenge}
}

func (s *Server) handleRegisterBegin(w http.ResponseWriter, r *http.Request) {
	p := principalFrom(r)

	s.mu.Lock()
	exclusions := webauthn.Credentials(p.user.creds).CredentialDescriptors()
	s.mu.Unlock()

	creation, data, err := s.rp.BeginRegistration(
		p.user,
		webauthn.WithAuthenticatorSelection(protocol.AuthenticatorSelection{
			RequireResidentKey: protocol.ResidentKeyRequired(),
			ResidentKey:        protocol.ResidentKeyRequirementRequired,
			UserVerification:   protocol.VerificationPreferred,
		}),
		webauthn.WithExclusions(exclusions),
	)
	if err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("registration begin failed: %v", err))
		return
	}

	challenge := s.saveCeremony(ceremonyRegister, p.user.username, data, creation.Response.Challenge)
	writeJSON(w, http.StatusOK, s.beginResponse(creation.Response, challenge))
}

type registerCompleteRequest struct {
	Credential json.RawMessage   `json:"credential"`
	Challenge  string            `json:"challenge"`
	DeviceName string            `json:"device_name"`
	DeviceInfo map[string]string `json:"device_info"`
}

func (s *Server) handleRegisterComplete(w http.ResponseWriter, r *http.Request) {
	p := principalFrom(r)

	var req registerCompleteRequest
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	pending, err := s.takeCeremony(ceremonyRegister, req.Challenge)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if pending.username != p.user.username {
		writeError(w, http.StatusBadRequest, "challenge was issued to another account")
		return
	}

	parsed, err := protocol.ParseCredentialCreationResponseBytes(req.Credential)
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid credential: %v", err))
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	cred, err := s.rp.CreateCredential(p.user, *pending.data, parsed)
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("registration finish failed: %v", err))
		return
	}

	now := time.Now()
	name := req.DeviceName
	if name == "" {
		name = "Unknown Device"
	}
	info := make(map[string]any, len(req.DeviceInfo))
	for k, v := range req.DeviceInfo {
		info[k] = v
	}
	device := &models.Device{
		ID:         models.ID(s.newID()),
		DeviceName: name,
		DeviceInfo: info,
		IPAddress:  clientIP(r),
		CreatedAt:  now,
	}
	p.user.devices = append(p.user.devices, device)
	p.user.creds = append(p.user.creds, *cred)
	p.user.passkeys = append(p.user.passkeys, &passkeyRecord{
		id:         passkey.Encode(cred.ID),
		deviceID:   device.ID,
		deviceName: name,
		createdAt:  now,
	})
	s.logger.Debug("Passkey registered", "username", p.user.username, "device_id", device.ID)
	writeJSON(w, http.StatusCreated, map[string]string{"status": "registered"})
}

func (s *Server) handleAuthBegin(w http.ResponseWriter, r *http.Request) {
	assertion, data, err := s.rp.BeginDiscoverableLogin()
	if err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("login begin failed: %v", err))
		return
	}
	challenge := s.saveCeremony(ceremonyAuthenticate, "", data, assertion.Response.Challenge)
	writeJSON(w, http.StatusOK, s.beginResponse(assertion.Response, challenge))
}

type authCompleteRequest struct {
	Credential json.RawMessage   `json:"credential"`
	Challenge  string            `json:"challenge"`
	DeviceInfo map[string]string `json:"device_info"`
}

func (s *Server) handleAuthComplete(w http.ResponseWriter, r *http.Request) {
	var req authCompleteRequest
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	pending, err := s.takeCeremony(ceremonyAuthenticate, req.Challenge)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	parsed, err := protocol.ParseCredentialRequestResponseBytes(req.Credential)
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid assertion: %v", err))
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	var found *user
	_, cred, err := s.rp.ValidatePasskeyLogin(func(rawID, userHandle []byte) (webauthn.User, error) {
		for _, u := range s.users {
			if bytes.Equal(u.id, userHandle) {
				found = u
				return u, nil
			}
		}
		return nil, fmt.Errorf("user not found")
	}, *pending.data, parsed)
	if err != nil || found == nil {
		writeError(w, http.StatusUnauthorized, "Passkey authentication failed")
		return
	}

	now := time.Now()
	deviceName := "Passkey"
	id := passkey.Encode(cred.ID)
	for _, pk := range found.passkeys {
		if pk.id == id {
			pk.lastUsedAt = &now
			deviceName = pk.deviceName
		}
	}
	for i := range found.creds {
		if bytes.Equal(found.creds[i].ID, cred.ID) {
			found.creds[i].Authenticator.SignCount = cred.Authenticator.SignCount
		}
	}

	pair, err := s.startSessionLocked(found, deviceName, clientIP(r), models.AuthMethodPasskey)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	pair.UserID = found.userID
	writeJSON(w, http.StatusOK, pair)
}

func (s *Server) handlePasskeyStatus(w http.ResponseWriter, r *http.Request) {
	p := principalFrom(r)

	s.mu.Lock()
	defer s.mu.Unlock()
	status := models.PasskeyStatus{Credentials: []models.PasskeyCredential{}}
	for _, pk := range p.user.passkeys {
		status.Credentials = append(status.Credentials, models.PasskeyCredential{
			ID:         models.ID(pk.id),
			DeviceName: pk.deviceName,
			CreatedAt:  pk.createdAt,
			LastUsedAt: pk.lastUsedAt,
		})
	}
	status.HasPasskey = len(status.Credentials) > 0
	writeJSON(w, http.StatusOK, status)
}

func (s *Server) handlePasskeyRemove(w http.ResponseWriter, r *http.Request) {
	p := principalFrom(r)
	id := mux.Vars(r)["id"]

	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.removePasskeysLocked(p.user, func(pk *passkeyRecord) bool { return pk.id == id }) {
		writeError(w, http.StatusNotFound, "credential not found")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// removePasskeysLocked drops matching passkeys and their WebAuthn credentials.
func (s *Server) removePasskeysLocked(u *user, match func(*passkeyRecord) bool) bool {
	removed := map[string]bool{}
	kept := u.passkeys[:0]
	for _, pk := range u.passkeys {
		if match(pk) {
			removed[pk.id] = true
			continue
		}
		kept = append(kept, pk)
	}
	u.passkeys = kept

	creds := u.creds[:0]
	for _, c := range u.creds {
		if !removed[passkey.Encode(c.ID)] {
			creds = append(creds, c)
		}
	}
	u.creds = creds
	return len(removed) > 0
}
