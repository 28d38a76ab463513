package ratelimit

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	redis "github.com/redis/go-redis/v9"
)

const lockKeyPrefix = "meterledger:lock:"

// releaseIfOwned deletes the key only while it still carries the holder's
// token, so an expired holder cannot drop a lock someone else now owns.
var releaseIfOwned = redis.NewScript(`
local v = redis.call("GET", KEYS[1])
if v == false or v ~= ARGV[1] then
  return 0
end
return redis.call("DEL", KEYS[1])
`)

var (
	ErrLockNotConfigured = errors.New("lock client not configured")
	ErrLockBusy          = errors.New("lock_busy")
)

// Locker hands out best-effort distributed locks. The database stays the
// source of truth; a lock only keeps replicas from racing for the same row.
type Locker struct {
	client *redis.Client
}

func NewLocker(client *redis.Client) *Locker {
	if client == nil {
		return nil
	}
	return &Locker{client: client}
}

// Lock is a held lock. Release is safe to call more than once.
type Lock struct {
	Key    string
	token  string
	client *redis.Client
}

// Acquire takes name for ttl. It returns ErrLockBusy while another holder
// has it.
func (l *Locker) Acquire(ctx context.Context, name string, ttl time.Duration) (*Lock, error) {
	if l == nil || l.client == nil {
		return nil, ErrLockNotConfigured
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, errors.New("lock name is empty")
	}
	if ttl <= 0 {
		return nil, errors.New("lock ttl must be positive")
	}

	lock := &Lock{Key: lockKeyPrefix + name, token: uuid.NewString(), client: l.client}
	ok, err := l.client.SetNX(ctx, lock.Key, lock.token, ttl).Result()
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrLockBusy
	}
	return lock, nil
}

func (k *Lock) Release(ctx context.Context) error {
	if k == nil || k.client == nil || k.token == "" {
		return nil
	}
	token := k.token
	k.token = ""
	return releaseIfOwned.Run(ctx, k.client, []string{k.Key}, token).Err()
}
