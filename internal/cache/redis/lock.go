package redis

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"

	"github.com/vadiminshakov/holdings/internal/domain"
	"github.com/vadiminshakov/holdings/pkg/retrier"
)

// unlockLua deletes the lock only when the caller still owns it.
const unlockLua = `
if redis.call('GET', KEYS[1]) == ARGV[1] then
    return redis.call('DEL', KEYS[1])
end
return 0
`

// ErrLockHeld another process holds the account lock.
var ErrLockHeld = errors.New("account lock held")

// Locker implements domain.Locker with SET NX and a TTL. Lock waits with
// backoff while another process holds the account.
type Locker struct {
	c        *Client
	ttl      time.Duration
	unlockSc *redis.Script
	retry    *retrier.Retrier
}

// NewLocker creates a locker. The ttl bounds how long a crashed holder blocks others.
func NewLocker(c *Client, ttl time.Duration) *Locker {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &Locker{
		c:        c,
		ttl:      ttl,
		unlockSc: redis.NewScript(unlockLua),
		retry: retrier.New(
			retrier.WithInitialInterval(20*time.Millisecond),
			retrier.WithMaxInterval(time.Second),
			retrier.WithMaxRetries(20),
			retrier.WithRetryIf(func(err error) bool { return errors.Is(err, ErrLockHeld) }),
		),
	}
}

func (lm *Locker) tryLock(ctx context.Context, key, token string) error {
	ok, err := lm.c.rdb.SetNX(ctx, key, token, lm.ttl).Result()
	if err != nil {
		return errors.Wrapf(err, "acquire lock %s", key)
	}
	if !ok {
		return ErrLockHeld
	}
	return nil
}

// Lock acquires the account lock. The returned unlock is idempotent.
func (lm *Locker) Lock(ctx context.Context, account string) (func(), error) {
	key := lm.c.key("lock", account)
	token := uuid.NewString()
	if err := lm.retry.Do(ctx, func(ctx context.Context) error {
		return lm.tryLock(ctx, key, token)
	}); err != nil {
		return nil, err
	}

	released := false
	return func() {
		if released {
			return
		}
		released = true
		unlockCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = lm.unlockSc.Run(unlockCtx, lm.c.rdb, []string{key}, token).Err()
	}, nil
}

var _ domain.Locker = (*Locker)(nil)
