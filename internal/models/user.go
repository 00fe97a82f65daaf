package models

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// CredentialPair is the token pair issued by login, register and passkey
// authentication. UserID is only present on the passkey path.
type CredentialPair struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	UserID       string `json:"user_id,omitempty"`
}

// LoggedOut reports whether neither token is present.
func (p CredentialPair) LoggedOut() bool {
	return p.AccessToken == "" && p.RefreshToken == ""
}

// PendingRefresh reports the recoverable state where only the refresh token
// survives.
func (p CredentialPair) PendingRefresh() bool {
	return p.AccessToken == "" && p.RefreshToken != ""
}

// Identity is what the client knows about the signed-in user without asking
// the server. It is derived from access token claims when the token is a JWT.
type Identity struct {
	UserID    string    `json:"user_id"`
	Username  string    `json:"username,omitempty"`
	ExpiresAt time.Time `json:"expires_at,omitempty"`
}

// Expired reports whether the access token has passed its exp claim. Tokens
// without an exp claim never report expired.
func (i Identity) Expired(now time.Time) bool {
	return !i.ExpiresAt.IsZero() && !now.Before(i.ExpiresAt)
}

// IdentityFromPair derives an identity from the stored pair. The signature is
// not verified; the server remains the authority on token validity.
func IdentityFromPair(p CredentialPair) Identity {
	id := Identity{UserID: p.UserID}
	if p.AccessToken == "" {
		return id
	}

	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(p.AccessToken, claims); err != nil {
		// Opaque access token.
		return id
	}

	if uid, ok := claims["user_id"]; ok && id.UserID == "" {
		id.UserID = claimString(uid)
	}
	if id.UserID == "" {
		if sub, err := claims.GetSubject(); err == nil {
			id.UserID = sub
		}
	}
	if name, ok := claims["username"].(string); ok {
		id.Username = name
	}
	if exp, err := claims.GetExpirationTime(); err == nil && exp != nil {
		id.ExpiresAt = exp.Time
	}
	return id
}

func claimString(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case float64:
		return fmt.Sprintf("%.0f", t)
	default:
		return fmt.Sprint(t)
	}
}
