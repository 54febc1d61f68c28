package memory

import (
	"context"
	"sync"
	"time"

	"github.com/JakeFAU/cap-mirror/internal/mirror"
)

// Locker is an in-process lease table implementing mirror.Locker.
type Locker struct {
	mu     sync.Mutex
	now    func() time.Time
	leases map[string]lease
}

type lease struct {
	owner   string
	expires time.Time
}

// NewLocker creates a Locker. A nil now uses time.Now.
func NewLocker(now func() time.Time) *Locker {
	if now == nil {
		now = time.Now
	}
	return &Locker{now: now, leases: make(map[string]lease)}
}

// Acquire takes the lease on name unless another owner holds an unexpired one.
func (l *Locker) Acquire(_ context.Context, name, owner string, ttl time.Duration) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	if cur, ok := l.leases[name]; ok && cur.owner != owner && now.Before(cur.expires) {
		return mirror.ErrLockHeld
	}
	l.leases[name] = lease{owner: owner, expires: now.Add(ttl)}
	return nil
}

// Release drops the lease if owner still holds it.
func (l *Locker) Release(_ context.Context, name, owner string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if cur, ok := l.leases[name]; ok && cur.owner == owner {
		delete(l.leases, name)
	}
	return nil
}
