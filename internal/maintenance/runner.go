package maintenance

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/vietddude/mender/internal/infra/storage"
	"github.com/vietddude/mender/internal/lock"
	"github.com/vietddude/mender/internal/pipeline/metrics"
)

// Job is one periodic maintenance task. Name doubles as the lock name.
type Job struct {
	Name     string
	Interval time.Duration
	Run      func(ctx context.Context) error
}

// Runner executes jobs on their intervals, each behind its named lock so
// exactly one instance runs a given job across the fleet.
type Runner struct {
	locks *lock.Manager
	jobs  []Job

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// NewRunner creates the maintenance runner.
func NewRunner(locks *lock.Manager, jobs []Job) *Runner {
	return &Runner{locks: locks, jobs: jobs}
}

// Start launches one ticker goroutine per job.
func (r *Runner) Start(ctx context.Context) {
	ctx, r.cancel = context.WithCancel(ctx)

	for _, job := range r.jobs {
		if job.Interval <= 0 {
			slog.Info("Maintenance job disabled", "job", job.Name)
			continue
		}
		r.wg.Add(1)
		go func(job Job) {
			defer r.wg.Done()
			ticker := time.NewTicker(job.Interval)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					r.runOnce(ctx, job)
				}
			}
		}(job)
	}
}

func (r *Runner) runOnce(ctx context.Context, job Job) {
	err := r.locks.WithLock(ctx, job.Name, func(ctx context.Context) error {
		start := time.Now()
		if err := job.Run(ctx); err != nil {
			return err
		}
		slog.Info("Maintenance job finished", "job", job.Name, "duration", time.Since(start))
		return nil
	})
	switch {
	case err == nil:
		metrics.MaintenanceRuns.WithLabelValues(job.Name, "ok").Inc()
	case errors.Is(err, storage.ErrLockHeld):
		// Another instance is the leader for this job this round.
		metrics.MaintenanceRuns.WithLabelValues(job.Name, "lock_held").Inc()
	default:
		metrics.MaintenanceRuns.WithLabelValues(job.Name, "error").Inc()
		slog.Error("Maintenance job failed", "job", job.Name, "error", err)
	}
}

// Stop waits for in-flight jobs to complete.
func (r *Runner) Stop() {
	if r.cancel != nil {
		r.cancel()
	}
	r.wg.Wait()
}
