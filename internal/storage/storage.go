package storage

import (
	"context"
	"errors"

	"github.com/andyleap/authsession/internal/models"
)

// ErrTokensReplaced is returned by RefreshTokens when the stored refresh token
// is no longer the one the exchange used, typically after a logout.
var ErrTokensReplaced = errors.New("stored refresh token changed")

// CredentialStore persists the token pair across process restarts. Tokens are
// opaque; no validation of their structure happens here.
//
// Getters return the empty string when a token is absent. SetTokens and Clear
// always write both tokens together so a reader never observes a partial pair.
// Clear is idempotent.
type CredentialStore interface {
	GetAccessToken(ctx context.Context) (string, error)
	GetRefreshToken(ctx context.Context) (string, error)
	GetCredentials(ctx context.Context) (models.CredentialPair, error)
	SetAccessToken(ctx context.Context, token string) error
	SetTokens(ctx context.Context, pair models.CredentialPair) error
	// RefreshTokens writes the result of a refresh exchange only while the
	// stored refresh token still equals used. rotated replaces the refresh
	// token when non-empty. Otherwise the store is left alone and
	// ErrTokensReplaced is returned.
	RefreshTokens(ctx context.Context, used, access, rotated string) error
	Clear(ctx context.Context) error
}

// pairStore is the single-record primitive every backend implements. The
// CredentialStore methods are derived from it by recordStore.
type pairStore interface {
	load(ctx context.Context) (models.CredentialPair, error)
	save(ctx context.Context, pair models.CredentialPair) error
	remove(ctx context.Context) error
}
