package api

import (
	"fmt"
	"net/url"
)

const (
	PathLogin                = "/auth/login/"
	PathRegister             = "/auth/register/"
	PathTokenRefresh         = "/auth/token/refresh/"
	PathPasskeyRegisterBegin = "/auth/passkey/register/begin/"
	PathPasskeyRegisterDone  = "/auth/passkey/register/complete/"
	PathPasskeyAuthBegin     = "/auth/passkey/authenticate/begin/"
	PathPasskeyAuthDone      = "/auth/passkey/authenticate/complete/"
	PathPasskeyStatus        = "/auth/passkey/status/"
	PathDevices              = "/auth/devices/"
	PathSessions             = "/auth/sessions/"
	PathSessionsRevokeAll    = "/auth/sessions/revoke-all/"
	PathActivity             = "/auth/activity/"
)

func PasskeyRemovePath(id string) string {
	return fmt.Sprintf("/auth/passkey/remove/%s/", url.PathEscape(id))
}

func DevicePath(id string) string {
	return fmt.Sprintf("/auth/devices/%s/", url.PathEscape(id))
}
