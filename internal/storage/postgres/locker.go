package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/JakeFAU/cap-mirror/internal/mirror"
)

// Locker implements mirror.Locker with rows of the epoch_lock table.
type Locker struct {
	pool Pool
	now  func() time.Time
}

// NewLocker builds a Locker. A nil now uses time.Now.
func NewLocker(pool Pool, now func() time.Time) *Locker {
	if now == nil {
		now = time.Now
	}
	return &Locker{pool: pool, now: now}
}

// Acquire takes or renews the lease on name. The upsert only overwrites a row
// held by the same owner or one whose lease has expired.
func (l *Locker) Acquire(ctx context.Context, name, owner string, ttl time.Duration) error {
	const query = `
INSERT INTO epoch_lock (name, owner, expires_at)
VALUES ($1, $2, $3)
ON CONFLICT (name) DO UPDATE SET owner = EXCLUDED.owner, expires_at = EXCLUDED.expires_at
WHERE epoch_lock.owner = EXCLUDED.owner OR epoch_lock.expires_at <= $4`
	now := l.now().UTC()
	tag, err := l.pool.Exec(ctx, query, name, owner, now.Add(ttl), now)
	if err != nil {
		return fmt.Errorf("acquire lock %q: %w", name, err)
	}
	if tag.RowsAffected() == 0 {
		return mirror.ErrLockHeld
	}
	return nil
}

// Release drops the lease if owner still holds it.
func (l *Locker) Release(ctx context.Context, name, owner string) error {
	if _, err := l.pool.Exec(ctx, `DELETE FROM epoch_lock WHERE name = $1 AND owner = $2`, name, owner); err != nil {
		return fmt.Errorf("release lock %q: %w", name, err)
	}
	return nil
}
