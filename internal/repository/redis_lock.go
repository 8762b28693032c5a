package repository

import (
	"context"
	"time"

	"github.com/GoPolymarket/mmengine/internal/pkg/apperrors"
	"github.com/GoPolymarket/mmengine/internal/pkg/logger"
	"github.com/GoPolymarket/mmengine/internal/service"
	"github.com/go-redsync/redsync/v4"
	"github.com/go-redsync/redsync/v4/redis/goredis/v9"
	"github.com/redis/go-redis/v9"
)

// RedsyncLocker makes sure only one engine replica runs a given strategy.
type RedsyncLocker struct {
	rs   *redsync.Redsync
	ttl  time.Duration
	keys Keyspace
}

func NewRedsyncLocker(client *redis.Client, keys Keyspace, ttl time.Duration) *RedsyncLocker {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &RedsyncLocker{
		rs:   redsync.New(goredis.NewPool(client)),
		ttl:  ttl,
		keys: keys,
	}
}

func (l *RedsyncLocker) Acquire(ctx context.Context, strategyID string) (service.Lease, error) {
	m := l.rs.NewMutex(l.keys.Key("lock", "strategy", strategyID),
		redsync.WithExpiry(l.ttl),
		redsync.WithTries(1),
	)
	if err := m.LockContext(ctx); err != nil {
		e := apperrors.Conflict("strategy is running on another engine replica", strategyID)
		e.Cause = err
		return nil, e
	}
	lease := &redsyncLease{m: m, stop: make(chan struct{}), done: make(chan struct{})}
	go lease.keepAlive(l.ttl / 3)
	return lease, nil
}

type redsyncLease struct {
	m    *redsync.Mutex
	stop chan struct{}
	done chan struct{}
}

// keepAlive 定期续期, 进程崩溃后锁在 ttl 内自动过期
func (l *redsyncLease) keepAlive(every time.Duration) {
	defer close(l.done)
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-l.stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), every)
			ok, err := l.m.ExtendContext(ctx)
			cancel()
			if err != nil || !ok {
				logger.Warn("extend strategy lock failed", "lock", l.m.Name(), "error", err)
			}
		}
	}
}

func (l *redsyncLease) Release(ctx context.Context) error {
	close(l.stop)
	<-l.done
	_, err := l.m.UnlockContext(ctx)
	return err
}
