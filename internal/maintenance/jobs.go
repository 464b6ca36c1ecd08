package maintenance

import (
	"context"
	"log/slog"
	"time"

	"github.com/vietddude/mender/internal/core/config"
	"github.com/vietddude/mender/internal/infra/storage"
	"github.com/vietddude/mender/internal/lock"
	"github.com/vietddude/mender/internal/reclaim"
)

// Lock names, one per singleton job.
const (
	JobReconcile    = "maintenance:reconcile"
	JobStatsRefresh = "maintenance:stats-refresh"
	JobRetention    = "maintenance:retention"
)

// BuildJobs wires the standard job set from configuration.
func BuildJobs(
	cfg config.MaintenanceConfig,
	reclaimer *reclaim.Reclaimer,
	catalog storage.CatalogRepository,
	retention *Retention,
) []Job {
	return []Job{
		{Name: JobReconcile, Interval: cfg.ReconcileEvery, Run: reclaimer.Sweep},
		{Name: JobStatsRefresh, Interval: cfg.RefreshEvery, Run: catalog.RefreshStats},
		{Name: JobRetention, Interval: retentionInterval(cfg), Run: func(ctx context.Context) error {
			_, err := retention.Run(ctx, false)
			return err
		}},
	}
}

func retentionInterval(cfg config.MaintenanceConfig) time.Duration {
	if cfg.RetentionPeriod <= 0 {
		return 0 // disabled
	}
	return cfg.RetentionEvery
}

// Retention prunes terminal queue tasks and delivered outbox events older
// than the configured period. Dead letter entries and provenance are kept
// indefinitely.
type Retention struct {
	fallback storage.FallbackQueueRepository
	outbox   storage.OutboxRepository
	period   time.Duration
}

// NewRetention creates the retention job.
func NewRetention(fallback storage.FallbackQueueRepository, outbox storage.OutboxRepository, period time.Duration) *Retention {
	return &Retention{fallback: fallback, outbox: outbox, period: period}
}

// RetentionReport summarizes one retention pass.
type RetentionReport struct {
	Cutoff        time.Time `json:"cutoff"`
	DryRun        bool      `json:"dry_run"`
	TasksRemoved  int       `json:"tasks_removed"`
	OutboxRemoved int       `json:"outbox_removed"`
}

// Run executes one pass. With dryRun it reports what would be removed
// without deleting anything.
func (r *Retention) Run(ctx context.Context, dryRun bool) (*RetentionReport, error) {
	cutoff := time.Now().Add(-r.period)

	tasks, err := r.fallback.DeleteTerminalBefore(ctx, cutoff, dryRun)
	if err != nil {
		return nil, err
	}
	events, err := r.outbox.DeleteProcessedBefore(ctx, cutoff, dryRun)
	if err != nil {
		return nil, err
	}

	report := &RetentionReport{Cutoff: cutoff, DryRun: dryRun, TasksRemoved: tasks, OutboxRemoved: events}
	slog.Info("Retention pass complete",
		"cutoff", cutoff.Format(time.RFC3339), "dry_run", dryRun,
		"tasks", tasks, "outbox", events)
	return report, nil
}

// RunLocked executes one deleting pass behind the retention leader lock, so
// an operator-triggered pass cannot overlap the scheduled job. Returns
// storage.ErrLockHeld when the job is already running elsewhere.
func (r *Retention) RunLocked(ctx context.Context, locks *lock.Manager) (*RetentionReport, error) {
	var report *RetentionReport
	err := locks.WithLock(ctx, JobRetention, func(ctx context.Context) error {
		var runErr error
		report, runErr = r.Run(ctx, false)
		return runErr
	})
	if err != nil {
		return nil, err
	}
	return report, nil
}
