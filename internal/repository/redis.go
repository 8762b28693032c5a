package repository

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/GoPolymarket/mmengine/internal/config"
	"github.com/redis/go-redis/v9"
)

// Keyspace prefixes every key the engine writes, so several deployments can
// share one redis database.
type Keyspace string

func NewKeyspace(prefix string) Keyspace {
	prefix = strings.TrimRight(strings.TrimSpace(prefix), ":")
	if prefix == "" {
		prefix = "mmengine"
	}
	return Keyspace(prefix)
}

// Key joins parts with ":" under the keyspace, e.g. mmengine:lock:strategy:<id>.
func (k Keyspace) Key(parts ...string) string {
	return string(k) + ":" + strings.Join(parts, ":")
}

// NewRedis dials redis and pings it once. Callers fall back to in-memory
// stores when this fails.
func NewRedis(cfg *config.Config) (*redis.Client, error) {
	if cfg.Redis.Addr == "" {
		return nil, fmt.Errorf("redis address is empty")
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:         cfg.Redis.Addr,
		Password:     cfg.Redis.Password,
		DB:           cfg.Redis.DB,
		DialTimeout:  3 * time.Second,
		ReadTimeout:  2 * time.Second,
		WriteTimeout: 2 * time.Second,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("ping redis %s: %w", cfg.Redis.Addr, err)
	}
	return rdb, nil
}
