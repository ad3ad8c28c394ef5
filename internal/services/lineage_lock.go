package services

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"entitlement-reconciler/pkg/logging"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Locker serializes work on lineages and users.
// Lock acquires every key (in sorted order) and returns a release func that is safe to call once.
type Locker interface {
	Lock(ctx context.Context, keys ...string) (func(), error)
}

func sortedUnique(keys []string) []string {
	out := make([]string, 0, len(keys))
	seen := make(map[string]bool, len(keys))
	for _, k := range keys {
		if k == "" || seen[k] {
			continue
		}
		seen[k] = true
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// MemoryLocker 进程内锁
// Entries are reference counted and dropped when no caller holds or waits on them.
type MemoryLocker struct {
	mutex   sync.Mutex
	entries map[string]*lockEntry
}

type lockEntry struct {
	ch   chan struct{}
	refs int
}

// NewMemoryLocker 创建进程内锁
func NewMemoryLocker() *MemoryLocker {
	return &MemoryLocker{entries: make(map[string]*lockEntry)}
}

func (l *MemoryLocker) acquireEntry(key string) *lockEntry {
	l.mutex.Lock()
	defer l.mutex.Unlock()
	e, ok := l.entries[key]
	if !ok {
		e = &lockEntry{ch: make(chan struct{}, 1)}
		l.entries[key] = e
	}
	e.refs++
	return e
}

func (l *MemoryLocker) releaseEntry(key string, e *lockEntry) {
	l.mutex.Lock()
	defer l.mutex.Unlock()
	e.refs--
	if e.refs == 0 {
		delete(l.entries, key)
	}
}

func (l *MemoryLocker) lockOne(ctx context.Context, key string) (func(), error) {
	e := l.acquireEntry(key)
	select {
	case e.ch <- struct{}{}:
		return func() {
			<-e.ch
			l.releaseEntry(key, e)
		}, nil
	case <-ctx.Done():
		l.releaseEntry(key, e)
		return nil, fmt.Errorf("waiting for lock %s: %w", key, ctx.Err())
	}
}

// Lock implements Locker
func (l *MemoryLocker) Lock(ctx context.Context, keys ...string) (func(), error) {
	return lockAll(ctx, sortedUnique(keys), l.lockOne)
}

// Len returns the number of live entries
func (l *MemoryLocker) Len() int {
	l.mutex.Lock()
	defer l.mutex.Unlock()
	return len(l.entries)
}

func lockAll(ctx context.Context, keys []string, lockOne func(context.Context, string) (func(), error)) (func(), error) {
	releases := make([]func(), 0, len(keys))
	releaseAll := func() {
		for i := len(releases) - 1; i >= 0; i-- {
			releases[i]()
		}
	}
	for _, key := range keys {
		release, err := lockOne(ctx, key)
		if err != nil {
			releaseAll()
			return nil, err
		}
		releases = append(releases, release)
	}
	var once sync.Once
	return func() { once.Do(releaseAll) }, nil
}

// releaseScript deletes the key only when it still holds our token
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// renewScript extends the lease only while the key still holds our token
var renewScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

// RedisLocker 分布式锁
// SET NX PX per key; waiters poll with exponential backoff until the context ends.
// Holders renew the lease every ttl/3 until release, so long transactions keep their keys.
type RedisLocker struct {
	client *redis.Client
	ttl    time.Duration
	prefix string
}

// NewRedisLocker 创建分布式锁
func NewRedisLocker(client *redis.Client, ttl time.Duration) *RedisLocker {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &RedisLocker{client: client, ttl: ttl, prefix: "reconciler:lock:"}
}

var errLockHeld = errors.New("lock held")

func (l *RedisLocker) lockOne(ctx context.Context, key string) (func(), error) {
	redisKey := l.prefix + key
	token := uuid.NewString()

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 10 * time.Millisecond
	policy.MaxInterval = 500 * time.Millisecond
	policy.MaxElapsedTime = 0

	err := backoff.Retry(func() error {
		ok, err := l.client.SetNX(ctx, redisKey, token, l.ttl).Result()
		if err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(ctx.Err())
			}
			return err
		}
		if !ok {
			return errLockHeld
		}
		return nil
	}, backoff.WithContext(policy, ctx))
	if err != nil {
		return nil, fmt.Errorf("waiting for lock %s: %w", key, err)
	}

	stop := make(chan struct{})
	done := make(chan struct{})
	go l.keepAlive(redisKey, token, stop, done)

	return func() {
		close(stop)
		<-done
		// Release must run even when the caller's context is already done.
		releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := releaseScript.Run(releaseCtx, l.client, []string{redisKey}, token).Err(); err != nil {
			logging.Errorf("Failed to release lock %s: %v", key, err)
		}
	}, nil
}

// keepAlive 锁续期
// Stops on release, or when the lease was lost to expiry and another holder.
func (l *RedisLocker) keepAlive(redisKey, token string, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(l.ttl / 3)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), l.ttl/3)
			renewed, err := renewScript.Run(ctx, l.client, []string{redisKey}, token, l.ttl.Milliseconds()).Int64()
			cancel()
			if err != nil {
				logging.Warnf("Failed to renew lock %s: %v", redisKey, err)
				continue
			}
			if renewed == 0 {
				logging.Errorf("Lost lock %s before release", redisKey)
				return
			}
		}
	}
}

// Lock implements Locker
func (l *RedisLocker) Lock(ctx context.Context, keys ...string) (func(), error) {
	return lockAll(ctx, sortedUnique(keys), l.lockOne)
}
