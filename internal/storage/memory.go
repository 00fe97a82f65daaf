package storage

import (
	"context"

	"github.com/andyleap/authsession/internal/models"
)

// MemoryStorage keeps credentials for the lifetime of the process only. It is
// meant for tests and throwaway CLI sessions.
type MemoryStorage struct {
	recordStore
}

func NewMemoryStorage() *MemoryStorage {
	m := &MemoryStorage{}
	m.backend = &memoryBackend{}
	return m
}

type memoryBackend struct {
	pair models.CredentialPair
}

func (m *memoryBackend) load(ctx context.Context) (models.CredentialPair, error) {
	return m.pair, nil
}

func (m *memoryBackend) save(ctx context.Context, pair models.CredentialPair) error {
	m.pair = pair
	return nil
}

func (m *memoryBackend) remove(ctx context.Context) error {
	m.pair = models.CredentialPair{}
	return nil
}
