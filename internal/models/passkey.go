package models

import (
	"encoding/json"
	"time"
)

// PasskeyCredential describes a passkey registered on the account.
type PasskeyCredential struct {
	ID         ID         `json:"id"`
	DeviceName string     `json:"device_name,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	LastUsedAt *time.Time `json:"last_used_at,omitempty"`
}

type PasskeyStatus struct {
	HasPasskey  bool                `json:"has_passkey"`
	Credentials []PasskeyCredential `json:"credentials"`
}

// BeginResponse is returned by both begin endpoints. Options holds the
// WebAuthn creation or request options exactly as the server sent them.
type BeginResponse struct {
	Options   json.RawMessage `json:"options"`
	Challenge string          `json:"challenge"`
}

// Binary members below are base64url without padding.

type AttestationResponse struct {
	ClientDataJSON    string   `json:"clientDataJSON" validate:"required"`
	AttestationObject string   `json:"attestationObject" validate:"required"`
	Transports        []string `json:"transports,omitempty"`
}

type RegistrationCredential struct {
	ID                      string              `json:"id" validate:"required"`
	RawID                   string              `json:"rawId" validate:"required,eqfield=ID"`
	Type                    string              `json:"type" validate:"eq=public-key"`
	AuthenticatorAttachment string              `json:"authenticatorAttachment,omitempty"`
	Response                AttestationResponse `json:"response"`
}

type AssertionResponse struct {
	ClientDataJSON    string `json:"clientDataJSON" validate:"required"`
	AuthenticatorData string `json:"authenticatorData" validate:"required"`
	Signature         string `json:"signature" validate:"required"`
	UserHandle        string `json:"userHandle,omitempty"`
}

type AssertionCredential struct {
	ID                      string            `json:"id" validate:"required"`
	RawID                   string            `json:"rawId" validate:"required,eqfield=ID"`
	Type                    string            `json:"type" validate:"eq=public-key"`
	AuthenticatorAttachment string            `json:"authenticatorAttachment,omitempty"`
	Response                AssertionResponse `json:"response"`
}

type RegisterCompleteRequest struct {
	Credential RegistrationCredential `json:"credential"`
	Challenge  string                 `json:"challenge" validate:"required"`
	DeviceName string                 `json:"device_name" validate:"required,max=100"`
	DeviceInfo map[string]string      `json:"device_info"`
}

type AuthenticateCompleteRequest struct {
	Credential AssertionCredential `json:"credential"`
	Challenge  string              `json:"challenge" validate:"required"`
	DeviceInfo map[string]string   `json:"device_info"`
}
