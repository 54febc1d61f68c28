// Package redis implements the epoch lease on Redis.
package redis

import (
	"context"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/JakeFAU/cap-mirror/internal/mirror"
)

// Take the key when free or already ours, then (re)arm its expiry.
const acquireScript = `
local cur = redis.call('GET', KEYS[1])
if cur == false or cur == ARGV[1] then
	redis.call('SET', KEYS[1], ARGV[1], 'PX', ARGV[2])
	return 1
end
return 0`

// Delete the key only if we still own it.
const releaseScript = `
if redis.call('GET', KEYS[1]) == ARGV[1] then
	return redis.call('DEL', KEYS[1])
end
return 0`

// Scripter runs Lua scripts. *goredis.Client satisfies it.
type Scripter interface {
	Eval(ctx context.Context, script string, keys []string, args ...any) *goredis.Cmd
}

// Config holds connection settings.
type Config struct {
	Addr      string
	Password  string
	DB        int
	KeyPrefix string
}

// Locker implements mirror.Locker.
type Locker struct {
	client Scripter
	prefix string
}

// NewClient opens a go-redis client from cfg.
func NewClient(cfg Config) *goredis.Client {
	return goredis.NewClient(&goredis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
}

// New builds a Locker. Keys are stored as prefix+name.
func New(client Scripter, prefix string) *Locker {
	if prefix == "" {
		prefix = "capmirror:lock:"
	}
	return &Locker{client: client, prefix: prefix}
}

// Acquire takes or renews the lease on name for ttl.
func (l *Locker) Acquire(ctx context.Context, name, owner string, ttl time.Duration) error {
	ms := ttl.Milliseconds()
	if ms <= 0 {
		ms = 1
	}
	got, err := l.client.Eval(ctx, acquireScript, []string{l.prefix + name}, owner, ms).Int64()
	if err != nil {
		return fmt.Errorf("acquire lock %q: %w", name, err)
	}
	if got == 0 {
		return mirror.ErrLockHeld
	}
	return nil
}

// Release drops the lease if owner still holds it.
func (l *Locker) Release(ctx context.Context, name, owner string) error {
	if err := l.client.Eval(ctx, releaseScript, []string{l.prefix + name}, owner).Err(); err != nil {
		return fmt.Errorf("release lock %q: %w", name, err)
	}
	return nil
}
