package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/vietddude/mender/internal/infra/storage"
	"github.com/vietddude/mender/internal/infra/storage/postgres"
	"github.com/vietddude/mender/internal/lock"
	"github.com/vietddude/mender/internal/maintenance"
)

var cleanupDryRun bool

var cleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Prune terminal queue tasks and delivered outbox events",
	Run:   runCleanup,
}

func init() {
	cleanupCmd.Flags().BoolVar(&cleanupDryRun, "dry-run", false, "report what would be removed without deleting")
	rootCmd.AddCommand(cleanupCmd)
}

func runCleanup(cmd *cobra.Command, args []string) {
	cfg := loadConfig()
	if cfg.Maintenance.RetentionPeriod <= 0 {
		slog.Error("Retention is disabled (maintenance.retention_period is zero)")
		os.Exit(1)
	}

	ctx := context.Background()
	db, err := postgres.NewDB(ctx, cfg.Database)
	if err != nil {
		slog.Error("Failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer func() {
		_ = db.Close()
	}()

	retention := maintenance.NewRetention(
		postgres.NewFallbackQueueRepo(db),
		postgres.NewOutboxRepo(db),
		cfg.Maintenance.RetentionPeriod,
	)

	var report *maintenance.RetentionReport
	if cleanupDryRun {
		report, err = retention.Run(ctx, true)
	} else {
		// Deleting passes take the retention leader lock so an offline
		// cleanup cannot overlap the scheduled job on a running instance.
		locks := lock.NewManager(postgres.NewLockRepo(db), cfg.Maintenance.LockTTL)
		report, err = retention.RunLocked(ctx, locks)
	}
	if err != nil {
		if errors.Is(err, storage.ErrLockHeld) {
			slog.Error("Retention is already running on another instance")
			os.Exit(1)
		}
		slog.Error("Cleanup failed", "error", err)
		os.Exit(1)
	}

	verb := "removed"
	if report.DryRun {
		verb = "would remove"
	}
	fmt.Printf("%s %d queue tasks and %d outbox events older than %s\n",
		verb, report.TasksRemoved, report.OutboxRemoved, report.Cutoff.Format("2006-01-02 15:04:05"))
}
