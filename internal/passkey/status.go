package passkey

import (
	"context"
	"fmt"
	"net/http"
	"sync"

	"github.com/andyleap/authsession/internal/api"
	"github.com/andyleap/authsession/internal/models"
)

// StatusCache is a read-through cache of the account's passkeys.
type StatusCache struct {
	api api.Doer

	mu     sync.Mutex
	status *models.PasskeyStatus
	gen    uint64
}

func NewStatusCache(doer api.Doer) *StatusCache {
	return &StatusCache{api: doer}
}

// Get returns the cached status, fetching it on first use.
func (s *StatusCache) Get(ctx context.Context) (models.PasskeyStatus, error) {
	s.mu.Lock()
	cached := s.status
	s.mu.Unlock()
	if cached != nil {
		return *cached, nil
	}
	return s.Refresh(ctx)
}

// Refresh always asks the server.
func (s *StatusCache) Refresh(ctx context.Context) (models.PasskeyStatus, error) {
	s.mu.Lock()
	gen := s.gen
	s.mu.Unlock()

	var status models.PasskeyStatus
	if err := s.api.Do(ctx, api.Request{Method: http.MethodGet, Path: api.PathPasskeyStatus}, &status); err != nil {
		return models.PasskeyStatus{}, fmt.Errorf("failed to fetch passkey status: %w", err)
	}

	s.mu.Lock()
	// A Reset during the fetch wins; the result belongs to a dead session.
	if s.gen == gen {
		s.status = &status
	}
	s.mu.Unlock()
	return status, nil
}

// Remove deletes one passkey and re-fetches the status.
func (s *StatusCache) Remove(ctx context.Context, id string) (models.PasskeyStatus, error) {
	if id == "" {
		return models.PasskeyStatus{}, fmt.Errorf("passkey id is required")
	}
	if err := s.api.Do(ctx, api.Request{Method: http.MethodDelete, Path: api.PasskeyRemovePath(id)}, nil); err != nil {
		return models.PasskeyStatus{}, fmt.Errorf("failed to remove passkey: %w", err)
	}
	return s.Refresh(ctx)
}

// Reset drops the cache. Called on logout.
func (s *StatusCache) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status = nil
	s.gen++
}
