package sweeper

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// releaseScript deletes the lock only while it still carries this holder's token.
const releaseScript = `
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('DEL', KEYS[1])
end
return 0
`

// RedisLocker implements Locker with SET NX PX on a shared Redis.
type RedisLocker struct {
	client redis.Cmdable
	newID  func() string
}

// NewRedisLocker wraps a go-redis client.
func NewRedisLocker(client redis.Cmdable) *RedisLocker {
	return &RedisLocker{client: client, newID: func() string { return uuid.NewString() }}
}

func (locker *RedisLocker) TryLock(ctx context.Context, name string, ttl time.Duration) (func(context.Context) error, bool, error) {
	token := locker.newID()
	acquired, err := locker.client.SetNX(ctx, name, token, ttl).Result()
	if err != nil {
		return nil, false, fmt.Errorf("sweeper lock %s: %w", name, err)
	}
	if !acquired {
		return nil, false, nil
	}
	release := func(ctx context.Context) error {
		if err := locker.client.Eval(ctx, releaseScript, []string{name}, token).Err(); err != nil {
			return fmt.Errorf("sweeper unlock %s: %w", name, err)
		}
		return nil
	}
	return release, true, nil
}
