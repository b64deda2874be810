// Package fingraph assembles the knowledge-graph storage stack from a
// config.Config.
//
// Open builds, in order: the metrics registry, the connection pools and
// backends, the write-ahead log, the transaction manager, the 2PC and sync
// coordinators and, in hybrid mode, the dual-write coordinator that ties
// them together. Storage is what callers read and write:
//
//	db, err := fingraph.Open(ctx, config.LoadFromEnv(), logger)
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer db.Close()
//
//	if err := db.Start(ctx); err != nil {
//		log.Fatal(err)
//	}
//	acme, err := db.Storage.CreateEntity(ctx, &storage.Entity{Type: "Company", Name: "ACME"})
//
// In single-primary and single-secondary mode Storage is the chosen backend
// itself and the WAL, transaction and sync layers stay idle.
package fingraph

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/orneryd/fingraph/pkg/config"
	"github.com/orneryd/fingraph/pkg/dualwrite"
	"github.com/orneryd/fingraph/pkg/logging"
	"github.com/orneryd/fingraph/pkg/metrics"
	"github.com/orneryd/fingraph/pkg/neo4jstore"
	"github.com/orneryd/fingraph/pkg/pool"
	"github.com/orneryd/fingraph/pkg/replication"
	"github.com/orneryd/fingraph/pkg/sqlstore"
	"github.com/orneryd/fingraph/pkg/storage"
	"github.com/orneryd/fingraph/pkg/txn"
	"github.com/orneryd/fingraph/pkg/wal"
)

// ErrNotHybrid is returned by operations that need two backends.
var ErrNotHybrid = errors.New("fingraph: storage mode is not hybrid")

// DB is an assembled storage stack.
type DB struct {
	// Storage is the entry point for reads and writes.
	Storage storage.GraphStorage
	// DualWrite is nil unless the storage mode is hybrid.
	DualWrite    *dualwrite.Coordinator
	WAL          *wal.Log
	Transactions *txn.Manager
	TwoPhase     *txn.Coordinator
	Sync         *replication.Coordinator
	Pools        *pool.Manager
	Metrics      *metrics.Metrics

	config   *config.Config
	registry *prometheus.Registry
	logger   *slog.Logger

	mu      sync.Mutex
	started bool
	closed  bool
	cancel  context.CancelFunc
	bgWg    sync.WaitGroup
}

// Open validates cfg and builds the stack. A nil cfg uses config.Default.
// Nothing runs in the background until Start.
func Open(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*DB, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("fingraph: invalid config: %w", err)
	}
	logger = logging.OrDiscard(logger)

	registry := prometheus.NewRegistry()
	m, err := metrics.New(registry)
	if err != nil {
		return nil, fmt.Errorf("fingraph: metrics: %w", err)
	}

	db := &DB{
		Pools:    pool.NewManager(),
		Metrics:  m,
		config:   cfg,
		registry: registry,
		logger:   logger.With("component", "fingraph"),
	}
	if err := db.open(ctx); err != nil {
		_ = db.closeAll()
		return nil, err
	}
	db.logger.Info("storage stack ready", "config", cfg.String())
	return db, nil
}

func (db *DB) open(ctx context.Context) error {
	cfg := db.config
	var err error

	db.WAL, err = wal.Open(cfg.WAL, wal.WithLogger(db.logger), wal.WithMetrics(db.Metrics))
	if err != nil {
		return fmt.Errorf("fingraph: open wal: %w", err)
	}

	db.Transactions = txn.NewManager(
		txn.WithJournal(db.WAL),
		txn.WithDefaultTimeout(cfg.Transactions.DefaultTimeout),
		txn.WithManagerLogger(db.logger),
		txn.WithManagerMetrics(db.Metrics),
	)
	db.TwoPhase = txn.NewCoordinator(db.Transactions,
		txn.WithCoordinatorJournal(db.WAL),
		txn.WithMaxParticipants(cfg.Transactions.MaxParticipants),
		txn.WithParallelPrepare(cfg.Transactions.ParallelPrepare),
		txn.WithCoordinatorLogger(db.logger),
		txn.WithCoordinatorMetrics(db.Metrics),
	)
	db.Sync = replication.New(
		replication.WithQueueSize(cfg.Sync.QueueSize),
		replication.WithMaxRetries(cfg.Sync.MaxRetries),
		replication.WithBaseDelay(cfg.Sync.BaseDelay),
		replication.WithLogger(db.logger),
		replication.WithMetrics(db.Metrics),
	)

	switch cfg.Storage.Mode {
	case config.ModeSinglePrimary:
		db.Storage, err = db.openBackend(ctx, cfg.Storage.Primary)
		return err
	case config.ModeSingleSecondary:
		db.Storage, err = db.openBackend(ctx, cfg.Storage.Secondary)
		return err
	}

	primary, err := db.openBackend(ctx, cfg.Storage.Primary)
	if err != nil {
		return err
	}
	secondary, err := db.openBackend(ctx, cfg.Storage.Secondary)
	if err != nil {
		_ = primary.Close()
		return err
	}
	mode, err := dualwrite.ParseMode(cfg.Storage.SyncMode)
	if err != nil {
		return errors.Join(err, primary.Close(), secondary.Close())
	}
	db.DualWrite, err = dualwrite.New(dualwrite.Config{
		Primary:         primary,
		Secondary:       secondary,
		Mode:            mode,
		WAL:             db.WAL,
		TwoPhase:        db.TwoPhase,
		Sync:            db.Sync,
		RouteTraversals: cfg.Storage.RouteTraversals,
		TxTimeout:       cfg.Transactions.DefaultTimeout,
		Logger:          db.logger,
		Metrics:         db.Metrics,
	})
	if err != nil {
		return errors.Join(err, primary.Close(), secondary.Close())
	}
	db.Storage = db.DualWrite
	return nil
}

// openBackend builds one backend. Pooled backends register their pool with
// the manager.
func (db *DB) openBackend(ctx context.Context, bc config.BackendConfig) (storage.GraphStorage, error) {
	name := bc.DisplayName()
	log := db.logger.With("backend", name, "kind", bc.Kind)

	switch bc.Kind {
	case config.KindMemory:
		return storage.NewMemoryStorage(storage.WithMemoryName(name)), nil

	case config.KindBadger:
		b, err := storage.NewBadgerStorage(storage.BadgerOptions{
			Name:     name,
			DataDir:  bc.DataDir,
			InMemory: bc.DataDir == "",
			Logger:   badgerLogger{log},
		})
		if err != nil {
			return nil, fmt.Errorf("fingraph: open %s: %w", name, err)
		}
		return b, nil

	case config.KindSQLite, config.KindPostgres:
		dialect := sqlstore.DialectSQLite
		if bc.Kind == config.KindPostgres {
			dialect = sqlstore.DialectPostgres
		}
		s, err := sqlstore.Open(ctx, sqlstore.Config{
			Dialect:        dialect,
			DSN:            bc.DSN,
			Name:           name,
			PoolSize:       bc.PoolSize,
			AcquireTimeout: bc.AcquireTimeout,
		}, sqlstore.WithLogger(db.logger), sqlstore.WithMetrics(db.Metrics))
		if err != nil {
			return nil, fmt.Errorf("fingraph: open %s: %w", name, err)
		}
		if err := s.EnsureSchema(ctx); err != nil {
			return nil, errors.Join(fmt.Errorf("fingraph: schema %s: %w", name, err), s.Close())
		}
		if err := db.Pools.Register(s.Pool()); err != nil {
			return nil, errors.Join(err, s.Close())
		}
		return s, nil

	case config.KindNeo4j:
		s, err := neo4jstore.Open(ctx, neo4jstore.Config{
			URI:            bc.URI,
			Username:       bc.Username,
			Password:       bc.Password,
			Database:       bc.Database,
			Name:           name,
			PoolSize:       bc.PoolSize,
			AcquireTimeout: bc.AcquireTimeout,
		}, neo4jstore.WithLogger(db.logger), neo4jstore.WithMetrics(db.Metrics))
		if err != nil {
			return nil, fmt.Errorf("fingraph: open %s: %w", name, err)
		}
		if err := s.EnsureSchema(ctx); err != nil {
			return nil, errors.Join(fmt.Errorf("fingraph: schema %s: %w", name, err), s.Close())
		}
		if err := db.Pools.Register(s.Pool()); err != nil {
			return nil, errors.Join(err, s.Close())
		}
		return s, nil
	}
	return nil, fmt.Errorf("fingraph: unknown backend kind %q", bc.Kind)
}

// Start launches the sync worker and, when configured, the janitor that
// aborts stale transactions. Both stop on Close or when ctx is done.
func (db *DB) Start(ctx context.Context) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.closed {
		return errors.New("fingraph: closed")
	}
	if db.started {
		return errors.New("fingraph: already started")
	}
	ctx, db.cancel = context.WithCancel(ctx)
	if err := db.Sync.Start(ctx); err != nil {
		db.cancel()
		return err
	}

	tc := db.config.Transactions
	if tc.JanitorInterval > 0 && tc.StaleAge > 0 {
		db.bgWg.Add(1)
		go func() {
			defer db.bgWg.Done()
			db.Transactions.RunJanitor(ctx, tc.JanitorInterval, tc.StaleAge)
		}()
	}
	db.started = true
	db.logger.Info("background workers started",
		"janitor_interval", tc.JanitorInterval, "stale_age", tc.StaleAge)
	return nil
}

// Recover resolves in-doubt transactions left in the WAL. Call it before
// Start.
func (db *DB) Recover(ctx context.Context, policy dualwrite.Policy) (dualwrite.Report, error) {
	if db.DualWrite == nil {
		return dualwrite.Report{}, ErrNotHybrid
	}
	return db.DualWrite.Recover(ctx, policy)
}

// Health checks every connection pool.
func (db *DB) Health(ctx context.Context) map[string]bool {
	return db.Pools.HealthCheck(ctx)
}

// MetricsHandler serves the Prometheus metrics of this stack.
func (db *DB) MetricsHandler() http.Handler {
	return metrics.Handler(db.registry)
}

// Config returns the configuration the stack was built from.
func (db *DB) Config() *config.Config { return db.config }

// Close stops the background workers and closes the backends, the pools and
// the WAL. Close is idempotent.
func (db *DB) Close() error {
	db.mu.Lock()
	if db.closed {
		db.mu.Unlock()
		return nil
	}
	db.closed = true
	cancel := db.cancel
	db.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	db.bgWg.Wait()
	return db.closeAll()
}

func (db *DB) closeAll() error {
	var errs []error
	if db.Sync != nil {
		db.Sync.Stop()
	}
	if db.Storage != nil {
		if err := db.Storage.Close(); err != nil {
			errs = append(errs, fmt.Errorf("storage close: %w", err))
		}
	}
	if err := db.Pools.Close(); err != nil {
		errs = append(errs, fmt.Errorf("pools close: %w", err))
	}
	if db.WAL != nil {
		if err := db.WAL.Close(); err != nil {
			errs = append(errs, fmt.Errorf("WAL close: %w", err))
		}
	}
	return errors.Join(errs...)
}

// badgerLogger routes BadgerDB's internal logging to slog.
type badgerLogger struct {
	l *slog.Logger
}

func (b badgerLogger) Errorf(format string, args ...any) {
	b.l.Error(fmt.Sprintf(format, args...))
}

func (b badgerLogger) Warningf(format string, args ...any) {
	b.l.Warn(fmt.Sprintf(format, args...))
}

func (b badgerLogger) Infof(format string, args ...any) {
	b.l.Debug(fmt.Sprintf(format, args...))
}

func (b badgerLogger) Debugf(format string, args ...any) {
	b.l.Debug(fmt.Sprintf(format, args...))
}
