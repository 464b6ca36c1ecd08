package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/vietddude/mender/internal/core/domain"
	"github.com/vietddude/mender/internal/infra/storage"
)

// LockRepo implements storage.LockRepository using PostgreSQL. Acquire,
// extend and release are each a single atomic statement; no advisory locks
// or consensus needed.
type LockRepo struct {
	db *DB
}

// NewLockRepo creates a new PostgreSQL lock repository.
func NewLockRepo(db *DB) *LockRepo {
	return &LockRepo{db: db}
}

// Acquire grants the lock if no row exists or the existing one has expired.
// The expiry check inside the ON CONFLICT clause makes steal-if-expired
// atomic with the insert.
func (r *LockRepo) Acquire(ctx context.Context, name, holder string, ttl time.Duration) error {
	query := `
		INSERT INTO distributed_locks (name, holder, acquired_at, expires_at)
		VALUES ($1, $2, NOW(), NOW() + $3::interval)
		ON CONFLICT (name) DO UPDATE
		SET holder = EXCLUDED.holder,
		    acquired_at = EXCLUDED.acquired_at,
		    expires_at = EXCLUDED.expires_at
		WHERE distributed_locks.expires_at <= NOW()
	`
	res, err := r.db.ExecContext(ctx, query, name, holder, interval(ttl))
	if err != nil {
		return fmt.Errorf("failed to acquire lock %s: %w", name, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return storage.ErrLockHeld
	}
	return nil
}

// Extend pushes out expiry for the current holder only.
func (r *LockRepo) Extend(ctx context.Context, name, holder string, ttl time.Duration) error {
	query := `
		UPDATE distributed_locks
		SET expires_at = NOW() + $3::interval
		WHERE name = $1 AND holder = $2 AND expires_at > NOW()
	`
	res, err := r.db.ExecContext(ctx, query, name, holder, interval(ttl))
	if err != nil {
		return fmt.Errorf("failed to extend lock %s: %w", name, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return storage.ErrNotHolder
	}
	return nil
}

// Release deletes the lock for the current holder only.
func (r *LockRepo) Release(ctx context.Context, name, holder string) error {
	query := `DELETE FROM distributed_locks WHERE name = $1 AND holder = $2`
	res, err := r.db.ExecContext(ctx, query, name, holder)
	if err != nil {
		return fmt.Errorf("failed to release lock %s: %w", name, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return storage.ErrNotHolder
	}
	return nil
}

// List returns current lock rows.
func (r *LockRepo) List(ctx context.Context) ([]*domain.DistributedLock, error) {
	query := `SELECT name, holder, acquired_at, expires_at FROM distributed_locks ORDER BY name`
	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list locks: %w", err)
	}
	defer rows.Close()

	var out []*domain.DistributedLock
	for rows.Next() {
		var l domain.DistributedLock
		if err := rows.Scan(&l.Name, &l.Holder, &l.AcquiredAt, &l.ExpiresAt); err != nil {
			return nil, err
		}
		out = append(out, &l)
	}
	return out, rows.Err()
}

func interval(d time.Duration) string {
	return fmt.Sprintf("%d milliseconds", d.Milliseconds())
}
