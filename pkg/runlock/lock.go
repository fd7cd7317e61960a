package runlock

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"

	"github.com/platinummonkey/recur/pkg/billing"
)

const (
	// DefaultKey is the Redis key guarding billing runs.
	DefaultKey = "recur:run-lock"
	// DefaultTTL outlives any expected run; a crashed holder frees the
	// lock once it expires.
	DefaultTTL = 2 * time.Hour
)

// ErrHeld is returned by Acquire when another run holds the lock.
var ErrHeld = billing.ErrRunInProgress

// releaseScript deletes the key only if it still holds our token.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Lock implements billing.Locker on Redis.
type Lock struct {
	client redis.Cmdable
	key    string
	ttl    time.Duration
}

var _ billing.Locker = (*Lock)(nil)

// New creates a Lock. Empty key and zero ttl take the defaults.
func New(client redis.Cmdable, key string, ttl time.Duration) *Lock {
	if key == "" {
		key = DefaultKey
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Lock{client: client, key: key, ttl: ttl}
}

// Acquire takes the lock for owner. The returned func releases it if it
// is still ours.
func (l *Lock) Acquire(ctx context.Context, owner string) (func(context.Context) error, error) {
	token := owner + ":" + uuid.NewString()

	ok, err := l.client.SetNX(ctx, l.key, token, l.ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to acquire lock %s: %w", l.key, err)
	}
	if !ok {
		holder, _ := l.client.Get(ctx, l.key).Result()
		return nil, fmt.Errorf("%w: held by %s", ErrHeld, holder)
	}

	release := func(ctx context.Context) error {
		if err := releaseScript.Run(ctx, l.client, []string{l.key}, token).Err(); err != nil {
			return fmt.Errorf("failed to release lock %s: %w", l.key, err)
		}
		return nil
	}
	return release, nil
}
