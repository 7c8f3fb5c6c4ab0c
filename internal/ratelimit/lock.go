package ratelimit

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	redis "github.com/redis/go-redis/v9"
)

// Compare-and-delete: an instance must not drop a lock that expired and was
// re-acquired by another instance in the meantime.
const lockReleaseScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`

// Locker serializes the reconciliation sweep across instances. TryLock hands
// the winner a fencing token; Release is a no-op for anyone else.
type Locker struct {
	client *redis.Client
	script *redis.Script
}

func NewLocker(client *redis.Client) *Locker {
	if client == nil {
		return nil
	}
	return &Locker{
		client: client,
		script: redis.NewScript(lockReleaseScript),
	}
}

// TryLock attempts to claim the key for ttl. The returned token identifies
// this holder; acquired is false when another instance holds the lock.
func (l *Locker) TryLock(ctx context.Context, key string, ttl time.Duration) (token string, acquired bool, err error) {
	if l == nil || l.client == nil {
		return "", false, errors.New("reconcile lock: redis client not configured")
	}
	if key == "" {
		return "", false, errors.New("reconcile lock: key is empty")
	}
	if ttl <= 0 {
		return "", false, errors.New("reconcile lock: ttl must be positive")
	}

	token = uuid.NewString()
	acquired, err = l.client.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return "", false, err
	}
	return token, acquired, nil
}

// Release drops the lock when token still owns it. Releasing a lock someone
// else took over is silently skipped.
func (l *Locker) Release(ctx context.Context, key, token string) error {
	if l == nil || l.client == nil {
		return nil
	}
	if key == "" || token == "" {
		return nil
	}
	return l.script.Run(ctx, l.client, []string{key}, token).Err()
}
