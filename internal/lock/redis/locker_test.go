package redis

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/cap-mirror/internal/mirror"
)

func TestLockerExcludesOtherOwners(t *testing.T) {
	t.Parallel()

	fake := newFakeRedis()
	l := New(fake, "")

	require.NoError(t, l.Acquire(context.Background(), "epoch", "a", time.Minute))
	require.ErrorIs(t, l.Acquire(context.Background(), "epoch", "b", time.Minute), mirror.ErrLockHeld)

	// The holder may renew.
	require.NoError(t, l.Acquire(context.Background(), "epoch", "a", time.Minute))
	assert.Equal(t, int64(60000), fake.ttl["capmirror:lock:epoch"])

	// Only the holder can release.
	require.NoError(t, l.Release(context.Background(), "epoch", "b"))
	require.ErrorIs(t, l.Acquire(context.Background(), "epoch", "b", time.Minute), mirror.ErrLockHeld)

	require.NoError(t, l.Release(context.Background(), "epoch", "a"))
	require.NoError(t, l.Acquire(context.Background(), "epoch", "b", time.Minute))
}

func TestLockerWrapsClientErrors(t *testing.T) {
	t.Parallel()

	fake := newFakeRedis()
	fake.err = errors.New("connection refused")
	l := New(fake, "p:")

	err := l.Acquire(context.Background(), "epoch", "a", time.Second)
	require.Error(t, err)
	assert.NotErrorIs(t, err, mirror.ErrLockHeld)
	require.Error(t, l.Release(context.Background(), "epoch", "a"))
}

// --- fakes ---

// fakeRedis interprets the two lock scripts against a map.
type fakeRedis struct {
	mu   sync.Mutex
	vals map[string]string
	ttl  map[string]int64
	err  error
}

func newFakeRedis() *fakeRedis {
	return &fakeRedis{vals: map[string]string{}, ttl: map[string]int64{}}
}

func (f *fakeRedis) Eval(_ context.Context, script string, keys []string, args ...any) *goredis.Cmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return goredis.NewCmdResult(nil, f.err)
	}
	key, owner := keys[0], args[0].(string)
	cur, held := f.vals[key]
	switch script {
	case acquireScript:
		if held && cur != owner {
			return goredis.NewCmdResult(int64(0), nil)
		}
		f.vals[key] = owner
		f.ttl[key] = args[1].(int64)
		return goredis.NewCmdResult(int64(1), nil)
	case releaseScript:
		if held && cur == owner {
			delete(f.vals, key)
			return goredis.NewCmdResult(int64(1), nil)
		}
		return goredis.NewCmdResult(int64(0), nil)
	}
	return goredis.NewCmdResult(nil, errors.New("unknown script"))
}
