package store

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

// RouteTTL bounds how long a route outlives the delegate that registered it.
const RouteTTL = 24 * time.Hour

type RedisStore struct {
	client redis.UniversalClient
}

func NewRedisStore(addr string) *RedisStore {
	return NewRedisStoreWithClient(redis.NewClient(&redis.Options{Addr: addr}))
}

func NewRedisStoreWithClient(client redis.UniversalClient) *RedisStore {
	return &RedisStore{client: client}
}

// Client exposes the underlying connection so transports can share it.
func (r *RedisStore) Client() redis.UniversalClient {
	return r.client
}

func (r *RedisStore) SetRoute(ctx context.Context, protocol, url string) error {
	return r.client.Set(ctx, "route:"+protocol, url, RouteTTL).Err()
}

func (r *RedisStore) GetRoute(ctx context.Context, protocol string) (string, error) {
	result, err := r.client.Get(ctx, "route:"+protocol).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	return result, err
}

func (r *RedisStore) IsProcessed(ctx context.Context, key string) (bool, error) {
	count, err := r.client.Exists(ctx, "processed:"+key).Result()
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

func (r *RedisStore) MarkProcessed(ctx context.Context, key string, ttl time.Duration) error {
	return r.client.Set(ctx, "processed:"+key, "1", ttl).Err()
}

func (r *RedisStore) SetReplyStatus(ctx context.Context, key, status string, ttl time.Duration) error {
	return r.client.Set(ctx, "reply:"+key, status, ttl).Err()
}

func (r *RedisStore) ReplyStatus(ctx context.Context, key string) (string, error) {
	result, err := r.client.Get(ctx, "reply:"+key).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	return result, err
}

func (r *RedisStore) Close() error {
	return r.client.Close()
}
