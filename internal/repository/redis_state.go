package repository

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/GoPolymarket/mmengine/internal/runner"
	"github.com/redis/go-redis/v9"
)

// RedisStateStore keeps each runner's open order ids so a restarted engine
// can cancel orphans before quoting again.
type RedisStateStore struct {
	client *redis.Client
	keys   Keyspace
	ttl    time.Duration
}

func NewRedisStateStore(client *redis.Client, keys Keyspace) *RedisStateStore {
	return &RedisStateStore{client: client, keys: keys, ttl: 7 * 24 * time.Hour}
}

func (s *RedisStateStore) key(strategyID string) string {
	return s.keys.Key("runner", strategyID)
}

func (s *RedisStateStore) Save(ctx context.Context, p *runner.Persisted) error {
	payload, err := json.Marshal(p)
	if err != nil {
		return err
	}
	return s.client.Set(ctx, s.key(p.StrategyID), payload, s.ttl).Err()
}

// Load returns (nil, nil) when nothing was saved for the strategy.
func (s *RedisStateStore) Load(ctx context.Context, strategyID string) (*runner.Persisted, error) {
	raw, err := s.client.Get(ctx, s.key(strategyID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var p runner.Persisted
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

func (s *RedisStateStore) Delete(ctx context.Context, strategyID string) error {
	return s.client.Del(ctx, s.key(strategyID)).Err()
}
