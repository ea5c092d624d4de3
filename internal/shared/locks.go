package shared

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// SettlementDateLockKey builds the redis key guarding one settlement date.
func SettlementDateLockKey(date time.Time) string {
	return fmt.Sprintf("settlement:date:%s:lock", date.Format("2006-01-02"))
}

var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisLocker hands out token-guarded locks stored in redis.
type RedisLocker struct {
	client redis.Cmdable
	ttl    time.Duration
}

// NewRedisLocker constructs a locker whose locks expire after ttl.
func NewRedisLocker(client redis.Cmdable, ttl time.Duration) *RedisLocker {
	if ttl <= 0 {
		ttl = 30 * time.Minute
	}
	return &RedisLocker{client: client, ttl: ttl}
}

// Acquire takes key or returns ErrLocked. The returned func releases the lock
// only while this caller still owns it.
func (l *RedisLocker) Acquire(ctx context.Context, key string) (func(context.Context) error, error) {
	token := uuid.NewString()
	ok, err := l.client.SetNX(ctx, key, token, l.ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("shared: acquire %s: %w", key, err)
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrLocked, key)
	}
	return func(ctx context.Context) error {
		if err := releaseScript.Run(ctx, l.client, []string{key}, token).Err(); err != nil {
			return fmt.Errorf("shared: release %s: %w", key, err)
		}
		return nil
	}, nil
}
