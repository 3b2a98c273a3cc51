package service

import (
	"context"
	"time"

	"github.com/google/uuid"
	redisWrapper "github.com/moduly/moduly/common/redis"
)

// RedisDocumentLocker implements DocumentLocker on the shared Redis
// client. The TTL bounds how long a crashed sync can block a document.
type RedisDocumentLocker struct {
	redis *redisWrapper.Client
	ttl   time.Duration
}

// NewRedisDocumentLocker creates a locker with the given lease TTL.
func NewRedisDocumentLocker(client *redisWrapper.Client, ttl time.Duration) *RedisDocumentLocker {
	return &RedisDocumentLocker{redis: client, ttl: ttl}
}

// Acquire takes the per-document lease. The returned release function
// only deletes the lock if this call still owns it.
func (l *RedisDocumentLocker) Acquire(ctx context.Context, documentID uuid.UUID) (func(), bool, error) {
	name := "document:sync:" + documentID.String()
	owner := uuid.New().String()

	ok, err := l.redis.AcquireLock(ctx, name, owner, l.ttl)
	if err != nil || !ok {
		return nil, false, err
	}
	release := func() {
		l.redis.ReleaseLock(context.WithoutCancel(ctx), name, owner)
	}
	return release, true, nil
}
