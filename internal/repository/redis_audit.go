package repository

import (
	"context"
	"encoding/json"

	"github.com/GoPolymarket/mmengine/internal/model"
	"github.com/redis/go-redis/v9"
)

// RedisAuditRepo stores audit entries in a capped list, newest first. It is
// used when redis is available but postgres is not.
type RedisAuditRepo struct {
	client *redis.Client
	key    string
	keep   int64
}

func NewRedisAuditRepo(client *redis.Client, keys Keyspace, keep int64) *RedisAuditRepo {
	if keep <= 0 {
		keep = 10000
	}
	return &RedisAuditRepo{client: client, key: keys.Key("audit"), keep: keep}
}

func (r *RedisAuditRepo) Insert(ctx context.Context, entry *model.AuditLog) error {
	if entry == nil {
		return nil
	}
	payload, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.LPush(ctx, r.key, payload)
		pipe.LTrim(ctx, r.key, 0, r.keep-1)
		return nil
	})
	return err
}

// List scans the list in pages until limit matching entries are found.
func (r *RedisAuditRepo) List(ctx context.Context, f model.AuditFilter) ([]*model.AuditLog, error) {
	limit := f.Limit
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	const page = 200

	out := make([]*model.AuditLog, 0, limit)
	for start := int64(0); start < r.keep && len(out) < limit; start += page {
		items, err := r.client.LRange(ctx, r.key, start, start+page-1).Result()
		if err != nil {
			return nil, err
		}
		for _, raw := range items {
			var entry model.AuditLog
			if json.Unmarshal([]byte(raw), &entry) != nil {
				continue
			}
			if !matchAudit(&entry, f) {
				continue
			}
			// 列表按时间倒序, 早于 From 之后不会再有匹配
			if f.From != nil && entry.CreatedAt.Before(*f.From) {
				return out, nil
			}
			out = append(out, &entry)
			if len(out) == limit {
				return out, nil
			}
		}
		if len(items) < page {
			break
		}
	}
	return out, nil
}

func matchAudit(e *model.AuditLog, f model.AuditFilter) bool {
	if f.OperatorID != "" && e.OperatorID != f.OperatorID {
		return false
	}
	if f.To != nil && e.CreatedAt.After(*f.To) {
		return false
	}
	return true
}
