package storage

import (
	"context"
	"fmt"
	"sync"

	"github.com/andyleap/authsession/internal/models"
)

// recordStore adapts a pairStore into a CredentialStore. The mutex serialises
// read-modify-write of the access token within the process.
type recordStore struct {
	mu      sync.RWMutex
	backend pairStore
}

func (r *recordStore) GetCredentials(ctx context.Context) (models.CredentialPair, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return r.backend.load(ctx)
}

func (r *recordStore) GetAccessToken(ctx context.Context) (string, error) {
	pair, err := r.GetCredentials(ctx)
	if err != nil {
		return "", err
	}
	return pair.AccessToken, nil
}

func (r *recordStore) GetRefreshToken(ctx context.Context) (string, error) {
	pair, err := r.GetCredentials(ctx)
	if err != nil {
		return "", err
	}
	return pair.RefreshToken, nil
}

func (r *recordStore) SetAccessToken(ctx context.Context, token string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	pair, err := r.backend.load(ctx)
	if err != nil {
		return fmt.Errorf("failed to load credentials: %w", err)
	}
	pair.AccessToken = token
	return r.backend.save(ctx, pair)
}

func (r *recordStore) SetTokens(ctx context.Context, pair models.CredentialPair) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.backend.save(ctx, pair)
}

func (r *recordStore) RefreshTokens(ctx context.Context, used, access, rotated string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	pair, err := r.backend.load(ctx)
	if err != nil {
		return fmt.Errorf("failed to load credentials: %w", err)
	}
	if used == "" || pair.RefreshToken != used {
		return ErrTokensReplaced
	}
	pair.AccessToken = access
	if rotated != "" {
		pair.RefreshToken = rotated
	}
	return r.backend.save(ctx, pair)
}

func (r *recordStore) Clear(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.backend.remove(ctx)
}
