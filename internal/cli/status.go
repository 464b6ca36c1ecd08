package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/vietddude/mender/internal/infra/storage/postgres"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show lock holders, queue depth and pending candidates",
	Run:   runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) {
	cfg := loadConfig()

	ctx := context.Background()
	db, err := postgres.NewDB(ctx, cfg.Database)
	if err != nil {
		slog.Error("Failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer func() {
		_ = db.Close()
	}()

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', tabwriter.Debug)

	var pending, executing, deadLetters int
	_ = db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM recovery_candidates WHERE execution = 'pending'").Scan(&pending)
	_ = db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM recovery_candidates WHERE execution = 'executing'").Scan(&executing)
	_ = db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM dead_letter_entries").Scan(&deadLetters)

	var queued int
	_ = db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM queue_tasks WHERE completed_at IS NULL").Scan(&queued)

	_, _ = fmt.Fprintln(w, "PENDING\tEXECUTING\tQUEUED\tDEAD LETTERS")
	_, _ = fmt.Fprintf(w, "%d\t%d\t%d\t%d\n", pending, executing, queued, deadLetters)
	_, _ = fmt.Fprintln(w)
	_ = w.Flush()

	rows, err := db.QueryContext(ctx,
		"SELECT name, holder, expires_at FROM distributed_locks ORDER BY name")
	if err != nil {
		slog.Error("Failed to query locks", "error", err)
		os.Exit(1)
	}
	defer func() {
		_ = rows.Close()
	}()

	w = tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', tabwriter.Debug)
	_, _ = fmt.Fprintln(w, "LOCK\tHOLDER\tEXPIRES")

	for rows.Next() {
		var name, holder, expires string
		if err := rows.Scan(&name, &holder, &expires); err != nil {
			continue
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\n", name, holder, expires)
	}
	_ = w.Flush()
}
