package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/andyleap/authsession/internal/models"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// S3Storage keeps the pair as one object; S3 PUTs replace objects whole, so
// the two tokens are always written together.
type S3Storage struct {
	recordStore
}

func NewS3Storage(endpoint, accessKey, secretKey, bucket, profile string, useSSL bool) (*S3Storage, error) {
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(accessKey, secretKey, ""),
		Secure: useSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create MinIO client: %w", err)
	}

	s := &S3Storage{}
	s.backend = &s3Backend{
		client: client,
		bucket: bucket,
		key:    fmt.Sprintf("credentials/%s.json", profile),
	}
	return s, nil
}

type s3Backend struct {
	client *minio.Client
	bucket string
	key    string
}

func isNoSuchKey(err error) bool {
	return minio.ToErrorResponse(err).Code == "NoSuchKey"
}

func (s *s3Backend) load(ctx context.Context) (models.CredentialPair, error) {
	var pair models.CredentialPair

	object, err := s.client.GetObject(ctx, s.bucket, s.key, minio.GetObjectOptions{})
	if err != nil {
		return pair, fmt.Errorf("failed to get credentials from S3: %w", err)
	}
	defer object.Close()

	data, err := io.ReadAll(object)
	if err != nil {
		if isNoSuchKey(err) {
			return pair, nil
		}
		return pair, fmt.Errorf("failed to read credentials: %w", err)
	}

	if err := json.Unmarshal(data, &pair); err != nil {
		return pair, fmt.Errorf("failed to unmarshal credentials: %w", err)
	}
	return pair, nil
}

func (s *s3Backend) save(ctx context.Context, pair models.CredentialPair) error {
	data, err := json.Marshal(pair)
	if err != nil {
		return fmt.Errorf("failed to marshal credentials: %w", err)
	}

	_, err = s.client.PutObject(ctx, s.bucket, s.key, bytes.NewReader(data), int64(len(data)), minio.PutObjectOptions{
		ContentType: "application/json",
	})
	if err != nil {
		return fmt.Errorf("failed to save credentials to S3: %w", err)
	}
	return nil
}

func (s *s3Backend) remove(ctx context.Context) error {
	err := s.client.RemoveObject(ctx, s.bucket, s.key, minio.RemoveObjectOptions{})
	if err != nil && !isNoSuchKey(err) {
		return fmt.Errorf("failed to remove credentials from S3: %w", err)
	}
	return nil
}
