package control

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/pressly/goose/v3"

	"github.com/vietddude/mender/internal/api"
	"github.com/vietddude/mender/internal/core/config"
	"github.com/vietddude/mender/internal/engine"
	redisclient "github.com/vietddude/mender/internal/infra/redis"
	"github.com/vietddude/mender/internal/infra/storage"
	"github.com/vietddude/mender/internal/infra/storage/memory"
	"github.com/vietddude/mender/internal/infra/storage/postgres"
	"github.com/vietddude/mender/internal/ingest"
	"github.com/vietddude/mender/internal/lock"
	"github.com/vietddude/mender/internal/maintenance"
	"github.com/vietddude/mender/internal/outbox"
	"github.com/vietddude/mender/internal/queue"
	"github.com/vietddude/mender/internal/reclaim"
	"github.com/vietddude/mender/internal/worker"
)

// App is the assembled service: ingestion, workers, reclaim, outbox and the
// HTTP surface, wired from one config.
type App struct {
	cfg *config.AppConfig

	db     *postgres.DB
	rdb    *redisclient.Client
	server *api.Server
	pool   *worker.Pool
	runner *maintenance.Runner
	outbox *outbox.Processor
	depths *depthPoller

	cancel context.CancelFunc
}

// repos groups the storage interfaces the rest of the wiring consumes, so
// postgres and memory modes assemble identically.
type repos struct {
	candidates storage.CandidateRepository
	provenance storage.ProvenanceRepository
	inputs     storage.SuggestionInputRepository
	catalog    storage.CatalogRepository
	fallback   storage.FallbackQueueRepository
	deadLetter storage.DeadLetterRepository
	locks      storage.LockRepository
	outbox     storage.OutboxRepository
	committer  storage.ExecutionCommitter
}

// NewApp builds the service. With an empty database URL everything runs on
// in-memory storage, which is how the e2e tests exercise the full wiring.
func NewApp(cfg *config.AppConfig) (*App, error) {
	app := &App{cfg: cfg}

	var r repos
	if cfg.Database.URL != "" {
		db, err := postgres.NewDB(context.Background(), cfg.Database)
		if err != nil {
			return nil, fmt.Errorf("failed to init db: %w", err)
		}
		if err := goose.SetDialect("postgres"); err != nil {
			return nil, err
		}
		if err := goose.Up(db.DB, "migrations"); err != nil {
			return nil, fmt.Errorf("failed to migrate db: %w", err)
		}
		app.db = db
		r = repos{
			candidates: postgres.NewCandidateRepo(db),
			provenance: postgres.NewProvenanceRepo(db),
			inputs:     postgres.NewSuggestionInputRepo(db),
			catalog:    postgres.NewCatalogRepo(db),
			fallback:   postgres.NewFallbackQueueRepo(db),
			deadLetter: postgres.NewDeadLetterRepo(db),
			locks:      postgres.NewLockRepo(db),
			outbox:     postgres.NewOutboxRepo(db),
			committer:  postgres.NewExecutionCommitter(db),
		}
		slog.Info("Using PostgreSQL storage")
	} else {
		store := memory.NewMemoryStorage()
		r = repos{
			candidates: memory.NewCandidateRepo(store),
			provenance: memory.NewProvenanceRepo(store),
			inputs:     memory.NewSuggestionInputRepo(store),
			catalog:    memory.NewCatalogRepo(store),
			fallback:   memory.NewFallbackQueueRepo(store),
			deadLetter: memory.NewDeadLetterRepo(store),
			locks:      memory.NewLockRepo(store),
			outbox:     memory.NewOutboxRepo(store),
			committer:  memory.NewExecutionCommitter(store),
		}
		slog.Info("Using Memory storage")
	}

	// Stream transport is optional; everything degrades to the fallback table.
	var stream *redisclient.StreamQueue
	if cfg.Redis.URL != "" {
		rdb, err := redisclient.NewClient(cfg.Redis)
		if err != nil {
			slog.Warn("Redis unavailable, running fallback-only", "error", err)
		} else {
			app.rdb = rdb
			stream, err = redisclient.NewStreamQueue(context.Background(), rdb,
				cfg.Queue.StreamKey, cfg.Queue.Group, "mender")
			if err != nil {
				return nil, fmt.Errorf("failed to init stream queue: %w", err)
			}
		}
	}

	var queueStream queue.Stream
	var reclaimStream reclaim.Stream
	if stream != nil {
		queueStream = stream
		reclaimStream = stream
	}
	dualQueue := queue.NewDualQueue(queueStream, r.fallback, cfg.Queue.ReadBlock)

	rules, err := engine.LoadRules(cfg.RulesPath)
	if err != nil {
		return nil, err
	}
	eng := engine.New(rules)

	normalizer := ingest.NewNormalizer(cfg.Ingest.VolatileKeys)
	ingestSvc := ingest.NewService(r.candidates, r.provenance, normalizer, dualQueue)

	app.pool = worker.NewPool(worker.Deps{
		Candidates:          r.candidates,
		Provenance:          r.provenance,
		Inputs:              r.inputs,
		Catalog:             r.catalog,
		Committer:           r.committer,
		Engine:              eng,
		Executor:            worker.NewTemplateExecutor(),
		Queue:               dualQueue,
		ConfidenceThreshold: cfg.Worker.ConfidenceThreshold,
	}, cfg.Worker.PoolSize, cfg.Worker.Idle)

	reclaimer := reclaim.NewReclaimer(reclaimStream, r.fallback, r.deadLetter,
		cfg.Reclaim, cfg.Queue.StaleClaimAge)
	replayer := reclaim.NewReplayer(r.deadLetter, r.candidates, r.provenance, dualQueue)

	locks := lock.NewManager(r.locks, cfg.Maintenance.LockTTL)
	retention := maintenance.NewRetention(r.fallback, r.outbox, cfg.Maintenance.RetentionPeriod)
	app.runner = maintenance.NewRunner(locks,
		maintenance.BuildJobs(cfg.Maintenance, reclaimer, r.catalog, retention))

	if cfg.Outbox.SinkURL != "" {
		sink := outbox.NewHTTPSink(cfg.Outbox.SinkURL, cfg.Outbox.HTTPTimeout)
		app.outbox = outbox.NewProcessor(r.outbox, r.deadLetter, sink, cfg.Outbox)
	} else {
		slog.Info("Outbox sink not configured, delivery disabled")
	}

	app.depths = &depthPoller{queue: dualQueue, every: cfg.Queue.FallbackPoll}

	app.server = api.NewServer(api.Deps{
		Ingest:     ingestSvc,
		Candidates: r.candidates,
		Provenance: r.provenance,
		Inputs:     r.inputs,
		Catalog:    r.catalog,
		DeadLetter: r.deadLetter,
		Replayer:   replayer,
		Retention:  retention,
		Locks:      locks,
		Queue:      dualQueue,
		Engine:     eng,
		Health:     app.health,
	}, cfg.Server.Port)

	return app, nil
}

// Start launches the background loops and the HTTP server.
func (a *App) Start(ctx context.Context) error {
	ctx, a.cancel = context.WithCancel(ctx)

	if a.db != nil {
		a.db.StartMetricsCollector(ctx)
	}
	a.pool.Start(ctx)
	a.runner.Start(ctx)
	if a.outbox != nil {
		a.outbox.Start(ctx)
	}
	a.depths.start(ctx)

	go func() {
		if err := a.server.Start(); err != nil && err != http.ErrServerClosed {
			slog.Error("HTTP server failed", "error", err)
		}
	}()
	slog.Info("Server listening", "port", a.cfg.Server.Port)
	return nil
}

// Stop shuts the service down: HTTP first so no new work arrives, then the
// loops, draining in-flight tasks.
func (a *App) Stop(ctx context.Context) error {
	if err := a.server.Stop(ctx); err != nil {
		slog.Warn("HTTP shutdown failed", "error", err)
	}

	if a.cancel != nil {
		a.cancel()
	}
	a.pool.Stop()
	a.runner.Stop()
	if a.outbox != nil {
		a.outbox.Stop()
	}

	if a.rdb != nil {
		if err := a.rdb.Close(); err != nil {
			slog.Warn("Redis close failed", "error", err)
		}
	}
	if a.db != nil {
		if err := a.db.Close(); err != nil {
			return fmt.Errorf("db close failed: %w", err)
		}
	}
	slog.Info("Shutdown complete")
	return nil
}

func (a *App) health(ctx context.Context) error {
	if a.db != nil {
		return a.db.Health(ctx)
	}
	return nil
}

// depthPoller refreshes the queue depth gauges.
type depthPoller struct {
	queue *queue.DualQueue
	every time.Duration
}

func (p *depthPoller) start(ctx context.Context) {
	if p.every <= 0 {
		p.every = 5 * time.Second
	}
	go func() {
		ticker := time.NewTicker(p.every)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if _, _, err := p.queue.Depths(ctx); err != nil {
					slog.Debug("Queue depth refresh failed", "error", err)
				}
			}
		}
	}()
}
