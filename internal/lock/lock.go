// Package lock implements the cluster-singleton advisory lock the order
// cleanup worker uses to guarantee only one node acts on a given
// position-close event: SET NX PX to acquire, a background renewal loop,
// and a Lua compare-and-delete to release, each script built with
// redis.NewScript and executed with Script.Run.
package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// ErrUnavailable is returned by Acquire when the lock is already held.
var ErrUnavailable = errors.New("lock: unavailable")

const defaultLease = 15 * time.Second

var releaseScript = redis.NewScript(`
	if redis.call('GET', KEYS[1]) == ARGV[1] then
		return redis.call('DEL', KEYS[1])
	end
	return 0
`)

var renewScript = redis.NewScript(`
	if redis.call('GET', KEYS[1]) == ARGV[1] then
		return redis.call('PEXPIRE', KEYS[1], ARGV[2])
	end
	return 0
`)

// Locker acquires named advisory locks over a shared Redis instance.
type Locker struct {
	client *redis.Client
	lease  time.Duration
}

// New builds a Locker with the given lease duration (0 uses the default
// 15s lease).
func New(client *redis.Client, lease time.Duration) *Locker {
	if lease <= 0 {
		lease = defaultLease
	}
	return &Locker{client: client, lease: lease}
}

// Held represents a lock acquired by this process. Release stops the
// renewal loop and drops the key if this process still owns it.
type Held struct {
	key    string
	token  string
	client *redis.Client
	cancel context.CancelFunc
	done   chan struct{}
}

// Ping verifies the backing Redis connection is live, for /healthz.
func (l *Locker) Ping(ctx context.Context) error {
	return l.client.Ping(ctx).Err()
}

// Acquire attempts to take the named lock, fail-closed: any Redis error
// is treated the same as "lock unavailable," never as "lock granted."
func (l *Locker) Acquire(ctx context.Context, name string) (*Held, error) {
	key := "lock:" + name
	token := uuid.NewString()

	ok, err := l.client.SetNX(ctx, key, token, l.lease).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if !ok {
		return nil, ErrUnavailable
	}

	renewCtx, cancel := context.WithCancel(context.Background())
	h := &Held{key: key, token: token, client: l.client, cancel: cancel, done: make(chan struct{})}
	go h.renewLoop(renewCtx, l.lease)
	return h, nil
}

func (h *Held) renewLoop(ctx context.Context, lease time.Duration) {
	defer close(h.done)
	interval := lease / 3
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			renewCtx, cancel := context.WithTimeout(context.Background(), interval)
			_, err := renewScript.Run(renewCtx, h.client, []string{h.key}, h.token, lease.Milliseconds()).Result()
			cancel()
			if err != nil {
				// Lost the lock (or Redis is unreachable); stop renewing and
				// let the lease expire naturally so a retry can take over.
				return
			}
		}
	}
}

// Release deletes the key only if this process still owns it (compare
// and delete), then stops the renewal loop. Idempotent.
func (h *Held) Release(ctx context.Context) error {
	h.cancel()
	<-h.done
	_, err := releaseScript.Run(ctx, h.client, []string{h.key}, h.token).Result()
	return err
}
