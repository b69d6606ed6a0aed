package relationship

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const keyPrefix = "parley:relationship:"

// RedisRepository stores each pair as one JSON value.
type RedisRepository struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisRepository connects to redisURL and verifies the connection.
// A zero ttl keeps pairs forever; otherwise every save refreshes the expiry.
func NewRedisRepository(ctx context.Context, redisURL string, ttl time.Duration) (*RedisRepository, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return NewRedisRepositoryFromClient(client, ttl), nil
}

// NewRedisRepositoryFromClient wraps an existing client.
func NewRedisRepositoryFromClient(client *redis.Client, ttl time.Duration) *RedisRepository {
	if ttl < 0 {
		ttl = 0
	}
	return &RedisRepository{client: client, ttl: ttl}
}

func pairRedisKey(personaID, userID string) string {
	return fmt.Sprintf("%s%s:%s", keyPrefix, personaID, userID)
}

func (r *RedisRepository) Load(ctx context.Context, personaID, userID string) (Pair, bool, error) {
	val, err := r.client.Get(ctx, pairRedisKey(personaID, userID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return Pair{}, false, nil
	}
	if err != nil {
		return Pair{}, false, err
	}

	var p Pair
	if err := json.Unmarshal(val, &p); err != nil {
		return Pair{}, false, fmt.Errorf("decode pair: %w", err)
	}
	return p, true, nil
}

func (r *RedisRepository) Save(ctx context.Context, personaID, userID string, p Pair) error {
	val, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("encode pair: %w", err)
	}
	return r.client.Set(ctx, pairRedisKey(personaID, userID), val, r.ttl).Err()
}

// Ping checks the Redis connection.
func (r *RedisRepository) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// Close closes the Redis connection.
func (r *RedisRepository) Close() error {
	return r.client.Close()
}
