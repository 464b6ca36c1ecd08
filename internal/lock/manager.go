package lock

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"log/slog"

	"github.com/google/uuid"

	"github.com/vietddude/mender/internal/infra/storage"
)

// Manager coordinates named TTL locks for singleton jobs. Each process gets a
// distinct holder identity so a crashed holder's lock expires rather than
// wedging the job.
type Manager struct {
	repo   storage.LockRepository
	holder string
	ttl    time.Duration
}

// NewManager builds a manager with a process-unique holder identity.
func NewManager(repo storage.LockRepository, ttl time.Duration) *Manager {
	host, err := os.Hostname()
	if err != nil {
		host = "unknown"
	}
	return &Manager{
		repo:   repo,
		holder: fmt.Sprintf("%s-%s", host, uuid.New().String()[:8]),
		ttl:    ttl,
	}
}

// Holder returns this process's lock identity.
func (m *Manager) Holder() string {
	return m.holder
}

// WithLock runs fn while holding the named lock, extending it on a heartbeat
// at half the TTL. Returns storage.ErrLockHeld without running fn when
// another holder owns the lock.
func (m *Manager) WithLock(ctx context.Context, name string, fn func(ctx context.Context) error) error {
	if err := m.repo.Acquire(ctx, name, m.holder, m.ttl); err != nil {
		return err
	}
	defer func() {
		if err := m.repo.Release(context.WithoutCancel(ctx), name, m.holder); err != nil && !errors.Is(err, storage.ErrNotHolder) {
			slog.Warn("Lock release failed", "lock", name, "error", err)
		}
	}()

	// Cancel fn if we lose the lock mid-run.
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	heartbeatDone := make(chan struct{})
	go func() {
		defer close(heartbeatDone)
		ticker := time.NewTicker(m.ttl / 2)
		defer ticker.Stop()
		for {
			select {
			case <-runCtx.Done():
				return
			case <-ticker.C:
				if err := m.repo.Extend(runCtx, name, m.holder, m.ttl); err != nil {
					if errors.Is(err, storage.ErrNotHolder) {
						slog.Error("Lost lock mid-run", "lock", name, "holder", m.holder)
						cancel()
						return
					}
					slog.Warn("Lock extend failed", "lock", name, "error", err)
				}
			}
		}
	}()

	err := fn(runCtx)
	cancel()
	<-heartbeatDone
	return err
}

// List exposes the current lock table for the ops surface.
func (m *Manager) List(ctx context.Context) ([]LockStatus, error) {
	rows, err := m.repo.List(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]LockStatus, 0, len(rows))
	for _, l := range rows {
		out = append(out, LockStatus{
			Name:      l.Name,
			Holder:    l.Holder,
			ExpiresAt: l.ExpiresAt,
			Expired:   l.Expired(time.Now()),
			Mine:      l.Holder == m.holder,
		})
	}
	return out, nil
}

// LockStatus is the ops view of one lock row.
type LockStatus struct {
	Name      string    `json:"name"`
	Holder    string    `json:"holder"`
	ExpiresAt time.Time `json:"expires_at"`
	Expired   bool      `json:"expired"`
	Mine      bool      `json:"mine"`
}
