package models

import (
	"time"
)

// Device is a client installation bound to the account, created when a
// passkey is registered or a session is established.
type Device struct {
	ID         ID             `json:"id"`
	DeviceName string         `json:"device_name"`
	DeviceInfo map[string]any `json:"device_info,omitempty"`
	IPAddress  string         `json:"ip_address,omitempty"`
	Location   string         `json:"location,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
	LastUsedAt *time.Time     `json:"last_used_at,omitempty"`
}

// Session is an active login. Exactly one session is current for the acting
// client.
type Session struct {
	ID           ID        `json:"id"`
	DeviceName   string    `json:"device_name,omitempty"`
	IPAddress    string    `json:"ip_address,omitempty"`
	Location     string    `json:"location,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	LastActivity time.Time `json:"last_activity"`
	IsCurrent    bool      `json:"is_current"`
}

type AuthMethod string

const (
	AuthMethodPassword AuthMethod = "password"
	AuthMethodPasskey  AuthMethod = "passkey"
)

// ActivityEntry is a read-only record of an authentication event.
type ActivityEntry struct {
	AuthenticationMethod AuthMethod `json:"authentication_method"`
	DeviceName           string     `json:"device_name,omitempty"`
	Location             string     `json:"location,omitempty"`
	IPAddress            string     `json:"ip_address,omitempty"`
	CreatedAt            time.Time  `json:"created_at"`
}

type DeviceList struct {
	Devices []Device `json:"devices"`
}

type SessionList struct {
	Sessions []Session `json:"sessions"`
}

type ActivityPage struct {
	Activity []ActivityEntry `json:"activity"`
	Count    int             `json:"count"`
}

// CurrentSession returns the session flagged as current, if any.
func (l SessionList) CurrentSession() (Session, bool) {
	for _, s := range l.Sessions {
		if s.IsCurrent {
			return s, true
		}
	}
	return Session{}, false
}
