package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/andyleap/authsession/internal/models"
	_ "modernc.org/sqlite"
)

const credentialsSchema = `
CREATE TABLE IF NOT EXISTS credentials (
	profile       TEXT PRIMARY KEY,
	access_token  TEXT NOT NULL DEFAULT '',
	refresh_token TEXT NOT NULL DEFAULT '',
	user_id       TEXT NOT NULL DEFAULT '',
	updated_at    INTEGER NOT NULL
);
`

// SQLiteStorage keeps one row per profile.
type SQLiteStorage struct {
	recordStore
	db *sql.DB
}

func NewSQLiteStorage(path, profile string) (*SQLiteStorage, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("storage path is required")
	}

	dsn := filepath.Clean(path) + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite db: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping sqlite db: %w", err)
	}
	if _, err := db.Exec(credentialsSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to migrate sqlite db: %w", err)
	}

	s := &SQLiteStorage{db: db}
	s.backend = &sqliteBackend{db: db, profile: profile}
	return s, nil
}

func (s *SQLiteStorage) Close() error {
	return s.db.Close()
}

type sqliteBackend struct {
	db      *sql.DB
	profile string
}

func (s *sqliteBackend) load(ctx context.Context) (models.CredentialPair, error) {
	var pair models.CredentialPair
	err := s.db.QueryRowContext(ctx,
		`SELECT access_token, refresh_token, user_id FROM credentials WHERE profile = ?`,
		s.profile,
	).Scan(&pair.AccessToken, &pair.RefreshToken, &pair.UserID)
	if errors.Is(err, sql.ErrNoRows) {
		return models.CredentialPair{}, nil
	}
	if err != nil {
		return models.CredentialPair{}, fmt.Errorf("failed to load credentials: %w", err)
	}
	return pair, nil
}

func (s *sqliteBackend) save(ctx context.Context, pair models.CredentialPair) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO credentials (profile, access_token, refresh_token, user_id, updated_at)
VALUES (?, ?, ?, ?, ?)
ON CONFLICT(profile) DO UPDATE SET
	access_token = excluded.access_token,
	refresh_token = excluded.refresh_token,
	user_id = excluded.user_id,
	updated_at = excluded.updated_at`,
		s.profile, pair.AccessToken, pair.RefreshToken, pair.UserID, time.Now().UTC().UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("failed to save credentials: %w", err)
	}
	return nil
}

func (s *sqliteBackend) remove(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM credentials WHERE profile = ?`, s.profile); err != nil {
		return fmt.Errorf("failed to delete credentials: %w", err)
	}
	return nil
}
