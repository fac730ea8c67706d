package backend

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"saldo/internal/amqp"
	"saldo/internal/cache"
	"saldo/internal/log"
	"saldo/internal/services"
	gsheet "saldo/internal/sheets/google"
	memsheet "saldo/internal/sheets/memory"
	"saldo/internal/storage"
	memstore "saldo/internal/storage/memory"
)

// DefaultFactory implements the Factory interface
type DefaultFactory struct {
	logger *slog.Logger
}

// NewFactory creates a new ledger factory
func NewFactory(logger *slog.Logger) Factory {
	if logger == nil {
		logger = slog.Default()
	}
	return &DefaultFactory{
		logger: logger,
	}
}

// CreateLedger opens the store and wires every service on top of it. The
// returned ledger is not started.
func (f *DefaultFactory) CreateLedger(ctx context.Context, config Config) (*Ledger, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}

	l := &Ledger{cleanupInterval: config.CacheCleanupInterval}
	ok := false
	defer func() {
		if !ok {
			l.runCleanups(f.logger)
		}
	}()

	store, err := f.createStore(config)
	if err != nil {
		return nil, err
	}
	l.Store = store
	l.cleanups = append(l.cleanups, store.Close)

	l.Cache = cache.NewStore(config.CacheMaxEntries, config.BalanceCacheTTL)
	l.cacheManager = cache.NewManager(f.logger.With(log.FieldComponent, log.ComponentCache))
	l.cacheManager.Register(l.Cache.Cleaner())

	l.Exporter, err = f.createExporter(ctx, config)
	if err != nil {
		return nil, err
	}

	l.Coordinator = services.NewCacheCoordinator(l.Cache, f.logger.With(log.FieldComponent, log.ComponentCache))
	l.Oracle = services.NewBalanceOracle(store, l.Coordinator, services.OracleConfig{
		BalanceTTL: config.BalanceCacheTTL,
		PageSize:   config.DetectorPageSize,
	}, f.logger.With(log.FieldComponent, log.ComponentOracle))
	l.Detector = services.NewInvalidDetector(store, config.DetectorPageSize, f.logger.With(log.FieldComponent, log.ComponentDetector))
	l.Summaries = services.NewDailySummaryRecalculator(store, l.Oracle, l.Detector, f.logger.With(log.FieldComponent, log.ComponentSummary))
	l.Recomputer = services.NewRecomputer(store, l.Coordinator, l.Summaries, l.Exporter, f.logger.With(log.FieldComponent, log.ComponentScheduler))

	if config.usesBroker() {
		client, err := amqp.NewClient(config.AMQPURL, config.AMQPExchange, config.AMQPQueue, f.logger.With(log.FieldComponent, log.ComponentAMQP))
		if err != nil {
			return nil, fmt.Errorf("failed to connect to AMQP broker: %w", err)
		}
		l.AMQP = client
		l.cleanups = append(l.cleanups, client.Close)
		f.logger.Info("Initialized AMQP client",
			"exchange", config.AMQPExchange,
			"queue", config.AMQPQueue)
	}

	if config.runsLocally() {
		l.Local = services.NewLocalScheduler(l.Recomputer.Run, services.SchedulerConfig{
			MaxAttempts: config.RecomputeMaxAttempts,
		}, f.logger.With(log.FieldComponent, log.ComponentScheduler))
		l.Scheduler = l.Local
	} else {
		l.Scheduler = l.AMQP
	}

	l.Guard = services.NewMutationGuard(store, l.Oracle, l.Coordinator, l.Scheduler, f.logger.With(log.FieldComponent, log.ComponentLedger))
	l.Bulk = services.NewBulkLoader(store, l.Coordinator, l.Scheduler, config.BulkBatchSize, f.logger.With(log.FieldComponent, log.ComponentBulk))
	l.Queries = services.NewLedgerQueries(store, l.Oracle, l.Coordinator, config.AggregateCacheTTL, f.logger.With(log.FieldComponent, log.ComponentLedger))

	f.logger.Info("Initialized ledger",
		"backend", config.Type,
		"role", config.Role,
		"amqp", l.AMQP != nil,
		"local_recompute", l.Local != nil,
		"export", l.Exporter != nil)

	ok = true
	return l, nil
}

func (f *DefaultFactory) createStore(config Config) (services.LedgerStore, error) {
	switch config.Type {
	case SQLiteBackend:
		repo, err := storage.NewSQLiteRepository(config.SQLiteDBPath)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize SQLite repository: %w", err)
		}
		f.logger.Info("Initialized SQLite store", "db_path", config.SQLiteDBPath)
		return repo, nil
	case MemoryBackend:
		f.logger.Info("Initialized memory store")
		return memstore.NewStore(), nil
	default:
		return nil, fmt.Errorf("unsupported backend type: %s", config.Type)
	}
}

// createExporter returns nil when the export is disabled. The memory backend
// exports to an in-process sheet so nothing leaves the process.
func (f *DefaultFactory) createExporter(ctx context.Context, config Config) (services.SummaryExporter, error) {
	if !config.SheetsExportEnabled {
		return nil, nil
	}
	if config.Type == MemoryBackend {
		return memsheet.New(), nil
	}
	exporter, err := gsheet.New(ctx, gsheet.Options{
		SpreadsheetID:   config.GoogleSpreadsheetID,
		SheetName:       config.GoogleSummarySheetName,
		CredentialsJSON: config.GoogleServiceAccountJSON,
		CredentialsFile: config.GoogleServiceAccountFile,
	}, f.logger.With(log.FieldComponent, log.ComponentSheets))
	if err != nil {
		return nil, fmt.Errorf("failed to initialize Google Sheets exporter: %w", err)
	}
	return exporter, nil
}

// Start launches the local recompute queue, when present, and the cache
// sweeper. ctx should outlive every request.
func (l *Ledger) Start(ctx context.Context) error {
	if l.Local != nil {
		if err := l.Local.Start(ctx); err != nil {
			return err
		}
	}
	interval := l.cleanupInterval
	if interval <= 0 {
		interval = defaultCacheCleanupInterval
	}
	l.cacheManager.StartCleanup(interval)
	l.started = true
	return nil
}

// Close drains the local queue within ctx, then releases the broker
// connection and the store.
func (l *Ledger) Close(ctx context.Context, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}
	var errs []error
	if l.Local != nil {
		if err := l.Local.Stop(ctx); err != nil {
			errs = append(errs, fmt.Errorf("stop scheduler: %w", err))
		}
	}
	if l.cacheManager != nil && l.started {
		l.cacheManager.Stop()
		l.started = false
	}
	if err := l.runCleanups(logger); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// runCleanups runs cleanups in reverse order of registration.
func (l *Ledger) runCleanups(logger *slog.Logger) error {
	var errs []error
	for i := len(l.cleanups) - 1; i >= 0; i-- {
		if err := l.cleanups[i](); err != nil {
			logger.Error("Cleanup failed", "error", err)
			errs = append(errs, err)
		}
	}
	l.cleanups = nil
	return errors.Join(errs...)
}
