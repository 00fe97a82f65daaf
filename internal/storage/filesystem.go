package storage

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/andyleap/authsession/internal/models"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

const credentialsFile = "credentials.json"

// FilesystemStorage keeps the credential pair in a single JSON file under
// basePath. Writes go through a temp file and rename so a crash never leaves a
// half-written pair behind.
type FilesystemStorage struct {
	recordStore
}

type FilesystemOption func(*filesystemBackend) error

// WithEncryptionSecret seals the file with XChaCha20-Poly1305 under a key
// derived from secret.
func WithEncryptionSecret(secret []byte) FilesystemOption {
	return func(f *filesystemBackend) error {
		if len(secret) == 0 {
			return errors.New("encryption secret is empty")
		}
		key := make([]byte, chacha20poly1305.KeySize)
		kdf := hkdf.New(sha256.New, secret, nil, []byte("authsession credential store"))
		if _, err := io.ReadFull(kdf, key); err != nil {
			return fmt.Errorf("failed to derive encryption key: %w", err)
		}
		aead, err := chacha20poly1305.NewX(key)
		if err != nil {
			return fmt.Errorf("failed to create cipher: %w", err)
		}
		f.aead = aead
		return nil
	}
}

func NewFilesystemStorage(basePath string, opts ...FilesystemOption) (*FilesystemStorage, error) {
	if err := os.MkdirAll(basePath, 0700); err != nil {
		return nil, fmt.Errorf("failed to create base path %s: %w", basePath, err)
	}

	backend := &filesystemBackend{path: filepath.Join(basePath, credentialsFile)}
	for _, opt := range opts {
		if err := opt(backend); err != nil {
			return nil, err
		}
	}

	f := &FilesystemStorage{}
	f.backend = backend
	return f, nil
}

type filesystemBackend struct {
	path string
	aead interface {
		NonceSize() int
		Seal(dst, nonce, plaintext, additionalData []byte) []byte
		Open(dst, nonce, ciphertext, additionalData []byte) ([]byte, error)
	}
}

func (f *filesystemBackend) load(ctx context.Context) (models.CredentialPair, error) {
	var pair models.CredentialPair

	data, err := os.ReadFile(f.path)
	if err != nil {
		if os.IsNotExist(err) {
			return pair, nil
		}
		return pair, fmt.Errorf("failed to read credentials file: %w", err)
	}

	if f.aead != nil {
		ns := f.aead.NonceSize()
		if len(data) < ns {
			return pair, errors.New("credentials file is truncated")
		}
		data, err = f.aead.Open(nil, data[:ns], data[ns:], nil)
		if err != nil {
			return pair, fmt.Errorf("failed to decrypt credentials file: %w", err)
		}
	}

	if err := json.Unmarshal(data, &pair); err != nil {
		return pair, fmt.Errorf("failed to unmarshal credentials: %w", err)
	}
	return pair, nil
}

func (f *filesystemBackend) save(ctx context.Context, pair models.CredentialPair) error {
	data, err := json.MarshalIndent(pair, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal credentials: %w", err)
	}

	if f.aead != nil {
		nonce := make([]byte, f.aead.NonceSize())
		if _, err := rand.Read(nonce); err != nil {
			return fmt.Errorf("failed to generate nonce: %w", err)
		}
		data = f.aead.Seal(nonce, nonce, data, nil)
	}

	tmp, err := os.CreateTemp(filepath.Dir(f.path), credentialsFile+".*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write credentials file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to sync credentials file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close credentials file: %w", err)
	}
	if err := os.Rename(tmp.Name(), f.path); err != nil {
		return fmt.Errorf("failed to replace credentials file: %w", err)
	}
	return nil
}

func (f *filesystemBackend) remove(ctx context.Context) error {
	if err := os.Remove(f.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove credentials file: %w", err)
	}
	return nil
}
