package storage

import (
	"context"
	"fmt"

	"github.com/andyleap/authsession/internal/models"
	"github.com/redis/go-redis/v9"
)

// RedisStorage keeps the pair in a hash so every write replaces all fields in
// one MULTI/EXEC block.
type RedisStorage struct {
	recordStore
}

func NewRedisStorage(client *redis.Client, profile string) *RedisStorage {
	r := &RedisStorage{}
	r.backend = &redisBackend{
		client: client,
		key:    fmt.Sprintf("authsession:credentials:%s", profile),
	}
	return r
}

type redisBackend struct {
	client *redis.Client
	key    string
}

func (r *redisBackend) load(ctx context.Context) (models.CredentialPair, error) {
	fields, err := r.client.HGetAll(ctx, r.key).Result()
	if err != nil {
		return models.CredentialPair{}, fmt.Errorf("failed to get credentials: %w", err)
	}
	return models.CredentialPair{
		AccessToken:  fields["access_token"],
		RefreshToken: fields["refresh_token"],
		UserID:       fields["user_id"],
	}, nil
}

func (r *redisBackend) save(ctx context.Context, pair models.CredentialPair) error {
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, r.key)
		pipe.HSet(ctx, r.key,
			"access_token", pair.AccessToken,
			"refresh_token", pair.RefreshToken,
			"user_id", pair.UserID,
		)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to save credentials: %w", err)
	}
	return nil
}

func (r *redisBackend) remove(ctx context.Context) error {
	if err := r.client.Del(ctx, r.key).Err(); err != nil {
		return fmt.Errorf("failed to delete credentials: %w", err)
	}
	return nil
}
