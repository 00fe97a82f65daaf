package softauthn

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Credential is one resident key held by the software authenticator.
type Credential struct {
	ID         []byte    `json:"id"`
	RPID       string    `json:"rp_id"`
	UserHandle []byte    `json:"user_handle"`
	UserName   string    `json:"user_name,omitempty"`
	PrivateKey []byte    `json:"private_key"`
	SignCount  uint32    `json:"sign_count"`
	CreatedAt  time.Time `json:"created_at"`
}

type Keyring interface {
	List(ctx context.Context, rpID string) ([]Credential, error)
	Put(ctx context.Context, cred Credential) error
	Delete(ctx context.Context, id []byte) error
}

type MemoryKeyring struct {
	mu    sync.RWMutex
	creds []Credential
}

func NewMemoryKeyring() *MemoryKeyring {
	return &MemoryKeyring{}
}

func (m *MemoryKeyring) List(ctx context.Context, rpID string) ([]Credential, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return filterRP(m.creds, rpID), nil
}

func (m *MemoryKeyring) Put(ctx context.Context, cred Credential) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.creds = upsert(m.creds, cred)
	return nil
}

func (m *MemoryKeyring) Delete(ctx context.Context, id []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.creds = without(m.creds, id)
	return nil
}

// FileKeyring keeps keys in a JSON file readable only by the owner.
type FileKeyring struct {
	mu   sync.Mutex
	path string
}

func NewFileKeyring(path string) (*FileKeyring, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("failed to create keyring dir: %w", err)
	}
	return &FileKeyring{path: path}, nil
}

func (f *FileKeyring) read() ([]Credential, error) {
	data, err := os.ReadFile(f.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read keyring: %w", err)
	}
	var creds []Credential
	if err := json.Unmarshal(data, &creds); err != nil {
		return nil, fmt.Errorf("failed to unmarshal keyring: %w", err)
	}
	return creds, nil
}

func (f *FileKeyring) write(creds []Credential) error {
	data, err := json.MarshalIndent(creds, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal keyring: %w", err)
	}
	tmp := f.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return fmt.Errorf("failed to write keyring: %w", err)
	}
	if err := os.Rename(tmp, f.path); err != nil {
		return fmt.Errorf("failed to replace keyring: %w", err)
	}
	return nil
}

func (f *FileKeyring) List(ctx context.Context, rpID string) ([]Credential, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	creds, err := f.read()
	if err != nil {
		return nil, err
	}
	return filterRP(creds, rpID), nil
}

func (f *FileKeyring) Put(ctx context.Context, cred Credential) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	creds, err := f.read()
	if err != nil {
		return err
	}
	return f.write(upsert(creds, cred))
}

func (f *FileKeyring) Delete(ctx context.Context, id []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	creds, err := f.read()
	if err != nil {
		return err
	}
	return f.write(without(creds, id))
}

func filterRP(creds []Credential, rpID string) []Credential {
	var out []Credential
	for _, c := range creds {
		if c.RPID == rpID {
			out = append(out, c)
		}
	}
	return out
}

func upsert(creds []Credential, cred Credential) []Credential {
	for i := range creds {
		if bytes.Equal(creds[i].ID, cred.ID) {
			creds[i] = cred
			return creds
		}
	}
	return append(creds, cred)
}

func without(creds []Credential, id []byte) []Credential {
	out := creds[:0]
	for _, c := range creds {
		if !bytes.Equal(c.ID, id) {
			out = append(out, c)
		}
	}
	return out
}
