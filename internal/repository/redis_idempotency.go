package repository

import (
	"context"
	"encoding/json"
	"time"

	"github.com/GoPolymarket/mmengine/internal/middleware"
	"github.com/redis/go-redis/v9"
)

const idemOpTimeout = 2 * time.Second

// RedisIdempotencyStore shares idempotency records between engine replicas.
// The in-progress marker is written with SETNX so two replicas racing on the
// same key never both execute the request.
type RedisIdempotencyStore struct {
	client *redis.Client
	keys   Keyspace
	ttl    time.Duration
}

func NewRedisIdempotencyStore(client *redis.Client, keys Keyspace, ttl time.Duration) *RedisIdempotencyStore {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &RedisIdempotencyStore{client: client, keys: keys, ttl: ttl}
}

func (s *RedisIdempotencyStore) GetOrLock(key string) (*middleware.IdempotencyRecord, bool) {
	ctx, cancel := context.WithTimeout(context.Background(), idemOpTimeout)
	defer cancel()

	marker, _ := json.Marshal(middleware.IdempotencyRecord{CreatedAt: time.Now().UTC(), Processing: true})
	locked, err := s.client.SetNX(ctx, s.keys.Key("idem", key), marker, s.ttl).Result()
	if err != nil || locked {
		// redis 故障时放行请求, 相当于未启用幂等
		return nil, false
	}

	raw, err := s.client.Get(ctx, s.keys.Key("idem", key)).Bytes()
	if err != nil {
		return nil, false
	}
	var rec middleware.IdempotencyRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, false
	}
	return &rec, true
}

func (s *RedisIdempotencyStore) Save(key string, status int, body []byte) {
	ctx, cancel := context.WithTimeout(context.Background(), idemOpTimeout)
	defer cancel()
	payload, err := json.Marshal(middleware.IdempotencyRecord{
		Status:    status,
		Body:      body,
		CreatedAt: time.Now().UTC(),
	})
	if err != nil {
		return
	}
	_ = s.client.Set(ctx, s.keys.Key("idem", key), payload, s.ttl).Err()
}

func (s *RedisIdempotencyStore) Unlock(key string) {
	ctx, cancel := context.WithTimeout(context.Background(), idemOpTimeout)
	defer cancel()
	_ = s.client.Del(ctx, s.keys.Key("idem", key)).Err()
}
