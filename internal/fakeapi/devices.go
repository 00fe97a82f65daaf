package fakeapi

import (
	"net/http"
	"sort"
	"strconv"
	"strings"

	"github.com/andyleap/authsession/internal/models"
	"github.com/gorilla/mux"
)

func (s *Server) handleDevices(w http.ResponseWriter, r *http.Request) {
	p := principalFrom(r)

	s.mu.Lock()
	defer s.mu.Unlock()
	list := models.DeviceList{Devices: []models.Device{}}
	for _, d := range p.user.devices {
		list.Devices = append(list.Devices, *d)
	}
	writeJSON(w, http.StatusOK, list)
}

type renameRequest struct {
	DeviceName string `json:"device_name"`
}

func (s *Server) handleDeviceRename(w http.ResponseWriter, r *http.Request) {
	p := principalFrom(r)
	id := models.ID(mux.Vars(r)["id"])

	var req renameRequest
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	name := strings.TrimSpace(req.DeviceName)
	if name == "" {
		writeJSON(w, http.StatusBadRequest, map[string][]string{"device_name": {"This field may not be blank."}})
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.rejected[name] {
		writeJSON(w, http.StatusBadRequest, map[string][]string{"device_name": {"This name is not allowed."}})
		return
	}
	for _, d := range p.user.devices {
		if d.ID == id {
			d.DeviceName = name
			for _, pk := range p.user.passkeys {
				if pk.deviceID == id {
					pk.deviceName = name
				}
			}
			writeJSON(w, http.StatusOK, d)
			return
		}
	}
	writeError(w, http.StatusNotFound, "Device not found")
}

// handleDeviceRemove deletes the device and every passkey bound to it.
func (s *Server) handleDeviceRemove(w http.ResponseWriter, r *http.Request) {
	p := principalFrom(r)
	id := models.ID(mux.Vars(r)["id"])

	s.mu.Lock()
	defer s.mu.Unlock()
	kept := p.user.devices[:0]
	found := false
	for _, d := range p.user.devices {
		if d.ID == id {
			found = true
			continue
		}
		kept = append(kept, d)
	}
	p.user.devices = kept
	if !found {
		writeError(w, http.StatusNotFound, "Device not found")
		return
	}
	s.removePasskeysLocked(p.user, func(pk *passkeyRecord) bool { return pk.deviceID == id })
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	p := principalFrom(r)

	s.mu.Lock()
	defer s.mu.Unlock()
	writeJSON(w, http.StatusOK, models.SessionList{Sessions: s.sessionsForLocked(p)})
}

func (s *Server) sessionsForLocked(p principal) []models.Session {
	out := []models.Session{}
	for _, sess := range s.sessions {
		if sess.username != p.user.username {
			continue
		}
		out = append(out, models.Session{
			ID:           models.ID(sess.id),
			DeviceName:   sess.deviceName,
			IPAddress:    sess.ipAddress,
			CreatedAt:    sess.createdAt,
			LastActivity: sess.lastActivity,
			IsCurrent:    sess.id == p.session.id,
		})
	}
	sort.Slice(out, func(i, j int) bool {
		a, _ := strconv.Atoi(out[i].ID.String())
		b, _ := strconv.Atoi(out[j].ID.String())
		return a < b
	})
	return out
}

// handleRevokeAll ends every session of the user except the calling one.
func (s *Server) handleRevokeAll(w http.ResponseWriter, r *http.Request) {
	p := principalFrom(r)

	s.mu.Lock()
	defer s.mu.Unlock()
	revoked := 0
	for id, sess := range s.sessions {
		if sess.username == p.user.username && id != p.session.id {
			s.endSessionLocked(id)
			revoked++
		}
	}
	writeJSON(w, http.StatusOK, map[string]int{"revoked": revoked})
}

// handleActivity pages newest first.
func (s *Server) handleActivity(w http.ResponseWriter, r *http.Request) {
	p := principalFrom(r)
	limit, err := strconv.Atoi(r.URL.Query().Get("limit"))
	if err != nil || limit <= 0 {
		limit = 20
	}
	offset, err := strconv.Atoi(r.URL.Query().Get("offset"))
	if err != nil || offset < 0 {
		offset = 0
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	all := p.user.activity
	page := models.ActivityPage{Activity: []models.ActivityEntry{}, Count: len(all)}
	for i := len(all) - 1 - offset; i >= 0 && len(page.Activity) < limit; i-- {
		page.Activity = append(page.Activity, all[i])
	}
	writeJSON(w, http.StatusOK, page)
}

func (s *Server) handleFeed(w http.ResponseWriter, r *http.Request) {
	p := principalFrom(r)
	writeJSON(w, http.StatusOK, map[string]any{
		"user":  p.user.username,
		"items": []string{"welcome"},
	})
}
