package commands

import (
	"context"
	"database/sql"

	"github.com/teranos/imgbatch/am"
	"github.com/teranos/imgbatch/batch"
	"github.com/teranos/imgbatch/db"
	"github.com/teranos/imgbatch/errors"
	"github.com/teranos/imgbatch/imageproc"
	"github.com/teranos/imgbatch/logger"
	"github.com/teranos/imgbatch/notify"
	"github.com/teranos/imgbatch/pulse/async"
	"github.com/teranos/imgbatch/pulse/schedule"
)

// runtime is the wired pipeline shared by serve, worker and ingest
type runtime struct {
	cfg         *am.Config
	db          *sql.DB
	store       *batch.SQLStore
	queue       *async.Queue
	coordinator *batch.Coordinator
	pool        *async.WorkerPool
	sweeper     *schedule.Ticker // nil when pulse.sweep_seconds is 0
}

// loadConfig loads and validates the configuration, applying a --db-path override
func loadConfig(dbPath string) (*am.Config, error) {
	cfg, err := am.Load()
	if err != nil {
		return nil, errors.Wrap(err, "failed to load configuration")
	}
	if dbPath != "" {
		cfg.Database.Path = dbPath
	}
	if err := cfg.Validate(); err != nil {
		return nil, errors.WithHint(err, "run `imgbatch am show` to inspect the effective configuration")
	}
	return cfg, nil
}

// openDatabase opens and migrates the database at path
func openDatabase(path string) (*sql.DB, error) {
	if path == "" {
		path = "imgbatch.db"
	}
	database, err := db.OpenWithMigrations(path, logger.Logger)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open database at %s", path)
	}
	return database, nil
}

// openRuntime loads configuration, opens the database and wires the pipeline
func openRuntime(ctx context.Context, dbPath string) (*runtime, error) {
	cfg, err := loadConfig(dbPath)
	if err != nil {
		return nil, err
	}
	database, err := openDatabase(cfg.Database.Path)
	if err != nil {
		return nil, err
	}
	return newRuntime(ctx, cfg, database, notify.NewWebhookNotifier(cfg), imageproc.NewPipelineFromConfig(cfg)), nil
}

// newRuntime wires store, queue, coordinator, processor and worker pool over database
func newRuntime(ctx context.Context, cfg *am.Config, database *sql.DB, notifier batch.Notifier, images batch.ImageProcessor) *runtime {
	store := batch.NewSQLStore(database)
	queue := async.NewQueue(database)
	coordinator := batch.NewCoordinator(store, notifier,
		batch.CoordinatorConfigFromConfig(cfg), logger.ComponentLogger("coordinator"))

	registry := async.NewHandlerRegistry()
	registry.Register(batch.NewProcessor(store, images, coordinator,
		cfg.Pulse.ItemParallelism, logger.ComponentLogger("processor")))

	pool := async.NewWorkerPoolWithQueue(ctx, queue, async.PoolConfigFromConfig(cfg), logger.Logger, registry)

	var sweeper *schedule.Ticker
	if interval := cfg.SweepInterval(); interval > 0 {
		sweeper = schedule.NewTickerWithContext(ctx, "notify-sweep", coordinator.SweepTask(store),
			schedule.TickerConfig{Interval: interval}, logger.ComponentLogger("sweep"))
	}

	return &runtime{
		cfg:         cfg,
		db:          database,
		store:       store,
		queue:       queue,
		coordinator: coordinator,
		pool:        pool,
		sweeper:     sweeper,
	}
}

func (r *runtime) ingestor() *batch.Ingestor {
	return batch.NewIngestor(r.store, r.queue, logger.ComponentLogger("ingest"))
}

// startSweeper starts the notification sweep and returns its stop function
func (r *runtime) startSweeper() func() {
	if r.sweeper == nil {
		return func() {}
	}
	r.sweeper.Start()
	return r.sweeper.Stop
}

func (r *runtime) Close() error {
	return r.db.Close()
}
