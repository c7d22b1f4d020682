package redislock

import (
	"context"
	"time"

	"github.com/go-redis/redis/v8"
)

// Lock is a redis-backed advisory lock keyed by name. It keeps scheduled
// outbox runs from overlapping when more than one worker instance is up; the
// claim CAS in the store remains the correctness guarantee.
type Lock struct {
	Client *redis.Client
	TTL    time.Duration
}

func New(client *redis.Client, ttl time.Duration) *Lock {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &Lock{Client: client, TTL: ttl}
}

// Acquire takes the named lock for owner. Returns false when someone else
// holds it.
func (l *Lock) Acquire(ctx context.Context, name, owner string) (bool, error) {
	return l.Client.SetNX(ctx, "run_lock:"+name, owner, l.TTL).Result()
}

// Release drops the lock only when owner still holds it, so an expired lock
// taken over by another worker is left alone.
func (l *Lock) Release(ctx context.Context, name, owner string) error {
	key := "run_lock:" + name
	val, err := l.Client.Get(ctx, key).Result()
	if err == redis.Nil {
		return nil
	}
	if err != nil {
		return err
	}
	if val == owner {
		_, err := l.Client.Del(ctx, key).Result()
		return err
	}
	return nil
}
