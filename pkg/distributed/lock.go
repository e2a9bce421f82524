package distributed

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

var (
	// ErrLockHeld is returned when another holder owns the key.
	ErrLockHeld = errors.New("lock is held by another instance")
	// ErrLockLost reports that the key expired or changed owner while held.
	ErrLockLost = errors.New("lock lost")
)

// Deletes the key only if we still own it.
const unlockScript = `
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0`

// Extends the key only if we still own it.
const renewScript = `
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("pexpire", KEYS[1], ARGV[2])
end
return 0`

// Scripter is the part of a Redis client the locks use. *redis.Client and
// redis.UniversalClient satisfy it.
type Scripter interface {
	SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.BoolCmd
	Eval(ctx context.Context, script string, keys []string, args ...interface{}) *redis.Cmd
}

// Lock is an exclusive Redis lease. It is renewed at half its TTL until
// Unlock, or until a renewal finds it gone.
type Lock struct {
	client Scripter
	key    string
	value  string
	ttl    time.Duration
	clock  clock.Clock
	logger *zap.SugaredLogger

	stop     chan struct{}
	done     chan struct{}
	stopOnce sync.Once

	mu  sync.Mutex
	err error
}

// LockManager hands out locks under a common key prefix.
type LockManager struct {
	client Scripter
	prefix string
	ttl    time.Duration
	clock  clock.Clock
	logger *zap.SugaredLogger
}

func NewLockManager(client Scripter, prefix string, ttl time.Duration, clk clock.Clock, logger *zap.SugaredLogger) *LockManager {
	if clk == nil {
		clk = clock.New()
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	if ttl <= 0 {
		ttl = 15 * time.Second
	}
	return &LockManager{
		client: client,
		prefix: prefix,
		ttl:    ttl,
		clock:  clk,
		logger: logger,
	}
}

// TryAcquire takes the lock for name without waiting. It returns
// ErrLockHeld when another holder owns it.
func (lm *LockManager) TryAcquire(ctx context.Context, name string) (*Lock, error) {
	l := &Lock{
		client: lm.client,
		key:    lm.prefix + name,
		value:  uuid.NewString(),
		ttl:    lm.ttl,
		clock:  lm.clock,
		logger: lm.logger,
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}

	acquired, err := lm.client.SetNX(ctx, l.key, l.value, l.ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to acquire lock %s: %w", l.key, err)
	}
	if !acquired {
		return nil, ErrLockHeld
	}

	ticker := lm.clock.Ticker(l.ttl / 2)
	go l.renew(ticker)
	return l, nil
}

func (l *Lock) Key() string {
	return l.key
}

// Done is closed once the lock is no longer renewed, after Unlock or loss.
func (l *Lock) Done() <-chan struct{} {
	return l.done
}

// Err returns ErrLockLost if the lock was lost while held, nil otherwise.
func (l *Lock) Err() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.err
}

func (l *Lock) renew(ticker *clock.Ticker) {
	defer close(l.done)
	defer ticker.Stop()

	for {
		select {
		case <-l.stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), l.ttl/2)
			n, err := l.client.Eval(ctx, renewScript, []string{l.key}, l.value, l.ttl.Milliseconds()).Int64()
			cancel()
			if err != nil {
				// Transient; the key survives until its TTL runs out.
				l.logger.Warnw("failed to renew lock", "key", l.key, "error", err)
				continue
			}
			if n == 0 {
				l.logger.Warnw("lock lost", "key", l.key)
				l.mu.Lock()
				l.err = ErrLockLost
				l.mu.Unlock()
				return
			}
		}
	}
}

// Unlock stops renewal and deletes the key if it is still ours.
func (l *Lock) Unlock(ctx context.Context) error {
	l.stopOnce.Do(func() { close(l.stop) })
	<-l.done

	if l.Err() != nil {
		return nil
	}
	if _, err := l.client.Eval(ctx, unlockScript, []string{l.key}, l.value).Result(); err != nil {
		return fmt.Errorf("failed to unlock %s: %w", l.key, err)
	}
	return nil
}
