package worker

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// DrainLock is the named mutual-exclusion lock around a drain cycle: only
// one processor across all agent instances may replay a batch at a time.
// With redis it is a SET NX lease shared across processes; without redis
// it degrades to an in-process mutex, which still serializes the triggers
// of a single agent.
type DrainLock struct {
	client *redis.Client
	key    string
	ttl    time.Duration

	mu    sync.Mutex
	token string
}

func NewDrainLock(client *redis.Client, key string, ttl time.Duration) *DrainLock {
	if key == "" {
		key = "sync:drain-lock"
	}
	if ttl <= 0 {
		ttl = 2 * time.Minute
	}
	return &DrainLock{client: client, key: key, ttl: ttl}
}

// TryAcquire attempts to take the lock without blocking. It returns a
// release func and true on success. Redis errors fall back to the local
// mutex rather than blocking the drain entirely.
func (l *DrainLock) TryAcquire(ctx context.Context) (func(), bool) {
	if !l.mu.TryLock() {
		return nil, false
	}

	if l.client == nil {
		return func() { l.mu.Unlock() }, true
	}

	token := uuid.NewString()
	ok, err := l.client.SetNX(ctx, l.key, token, l.ttl).Result()
	if err != nil {
		// Redis unreachable: the local mutex is the best exclusion we have.
		return func() { l.mu.Unlock() }, true
	}
	if !ok {
		l.mu.Unlock()
		return nil, false
	}

	l.token = token
	return func() {
		// Release only our own lease; an expired lease may belong to a
		// newer holder.
		val, err := l.client.Get(ctx, l.key).Result()
		if err == nil && val == token {
			l.client.Del(ctx, l.key)
		}
		l.token = ""
		l.mu.Unlock()
	}, true
}
