package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/vietddude/mender/internal/core/config"
	"github.com/vietddude/mender/internal/infra/storage/postgres"
	"github.com/vietddude/mender/internal/queue"
	"github.com/vietddude/mender/internal/reclaim"
)

var replayCmd = &cobra.Command{
	Use:   "replay <dead-letter-id>",
	Short: "Re-enqueue an archived dead letter entry",
	Args:  cobra.ExactArgs(1),
	Run:   runReplay,
}

func init() {
	rootCmd.AddCommand(replayCmd)
}

func runReplay(cmd *cobra.Command, args []string) {
	cfg := loadConfig()

	ctx := context.Background()
	replayer, cleanup, err := buildReplayer(ctx, cfg)
	if err != nil {
		slog.Error("Failed to initialize", "error", err)
		os.Exit(1)
	}
	defer cleanup()

	result, err := replayer.Replay(ctx, args[0], "cli")
	if err != nil {
		slog.Error("Replay failed", "id", args[0], "error", err)
		os.Exit(1)
	}

	if result.Replayed {
		fmt.Printf("replayed %s\n", args[0])
		return
	}
	fmt.Printf("skipped %s: %s\n", args[0], result.Reason)
}

// buildReplayer wires just enough of the stack to replay: Postgres repos and
// the fallback transport. The stream is intentionally skipped so replay from
// the CLI works during a Redis outage.
func buildReplayer(ctx context.Context, cfg *config.AppConfig) (*reclaim.Replayer, func(), error) {
	db, err := postgres.NewDB(ctx, cfg.Database)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	cleanup := func() { _ = db.Close() }

	fallback := postgres.NewFallbackQueueRepo(db)
	dualQueue := queue.NewDualQueue(nil, fallback, cfg.Queue.ReadBlock)

	replayer := reclaim.NewReplayer(
		postgres.NewDeadLetterRepo(db),
		postgres.NewCandidateRepo(db),
		postgres.NewProvenanceRepo(db),
		dualQueue,
	)
	return replayer, cleanup, nil
}
