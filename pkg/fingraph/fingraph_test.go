package fingraph

import (
	"context"
	"io"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orneryd/fingraph/pkg/config"
	"github.com/orneryd/fingraph/pkg/dualwrite"
	"github.com/orneryd/fingraph/pkg/storage"
	"github.com/orneryd/fingraph/pkg/wal"
)

// testConfig is a hybrid stack on disk: SQLite attributes, Badger graph.
func testConfig(t *testing.T, dir string) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Storage.Primary = config.BackendConfig{
		Kind:     config.KindSQLite,
		DSN:      filepath.Join(dir, "kg.db") + "?_busy_timeout=5000&_journal_mode=WAL",
		PoolSize: 2,
	}
	cfg.Storage.Secondary = config.BackendConfig{Kind: config.KindBadger, DataDir: filepath.Join(dir, "graph")}
	cfg.WAL.Dir = filepath.Join(dir, "wal")
	cfg.WAL.SyncMode = "none"
	cfg.Sync.BaseDelay = time.Millisecond
	return cfg
}

func memoryConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Storage.Primary = config.BackendConfig{Kind: config.KindMemory, Name: "attrs"}
	cfg.Storage.Secondary = config.BackendConfig{Kind: config.KindMemory, Name: "graph"}
	cfg.WAL.Dir = filepath.Join(t.TempDir(), "wal")
	cfg.WAL.SyncMode = "none"
	cfg.Sync.BaseDelay = time.Millisecond
	return cfg
}

func TestOpen_Hybrid(t *testing.T) {
	ctx := context.Background()
	db, err := Open(ctx, testConfig(t, t.TempDir()), nil)
	require.NoError(t, err)
	defer db.Close()

	require.NotNil(t, db.DualWrite)
	assert.Equal(t, "dualwrite(sqlite+badger)", db.Storage.Name())
	assert.Equal(t, dualwrite.Strict, db.DualWrite.Mode())

	acme, err := db.Storage.CreateEntity(ctx, &storage.Entity{Type: "Company", Name: "ACME"})
	require.NoError(t, err)
	for _, g := range []storage.GraphStorage{db.DualWrite.Primary(), db.DualWrite.Secondary()} {
		got, err := g.GetEntity(ctx, acme.ID)
		require.NoError(t, err, g.Name())
		assert.Equal(t, "ACME", got.Name)
	}

	health := db.Health(ctx)
	assert.Equal(t, map[string]bool{"sqlite": true}, health)
	assert.Contains(t, db.Pools.Names(), "sqlite")

	rec := httptest.NewRecorder()
	db.MetricsHandler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "fingraph_dualwrite_operations_total")
	assert.Contains(t, string(body), "fingraph_wal_appends_total")

	require.NoError(t, db.Close())
	require.NoError(t, db.Close())
}

func TestOpen_SingleModes(t *testing.T) {
	ctx := context.Background()

	t.Run("single_primary", func(t *testing.T) {
		cfg := memoryConfig(t)
		cfg.Storage.Mode = config.ModeSinglePrimary
		db, err := Open(ctx, cfg, nil)
		require.NoError(t, err)
		defer db.Close()

		assert.Nil(t, db.DualWrite)
		assert.Equal(t, "attrs", db.Storage.Name())

		_, err = db.Recover(ctx, dualwrite.RecoverRedo)
		assert.ErrorIs(t, err, ErrNotHybrid)
	})

	t.Run("single_secondary", func(t *testing.T) {
		cfg := memoryConfig(t)
		cfg.Storage.Mode = config.ModeSingleSecondary
		db, err := Open(ctx, cfg, nil)
		require.NoError(t, err)
		defer db.Close()
		assert.Equal(t, "graph", db.Storage.Name())
	})
}

func TestOpen_Errors(t *testing.T) {
	ctx := context.Background()

	t.Run("invalid_config", func(t *testing.T) {
		cfg := memoryConfig(t)
		cfg.Storage.SyncMode = "relaxed"
		_, err := Open(ctx, cfg, nil)
		assert.ErrorContains(t, err, "invalid config")
	})

	t.Run("unreachable_backend", func(t *testing.T) {
		cfg := memoryConfig(t)
		cfg.Storage.Secondary = config.BackendConfig{
			Kind:     config.KindSQLite,
			DSN:      filepath.Join(t.TempDir(), "missing", "dir", "kg.db"),
			PoolSize: 1,
		}
		_, err := Open(ctx, cfg, nil)
		assert.Error(t, err)
	})
}

func TestStart_Eventual(t *testing.T) {
	ctx := context.Background()
	cfg := memoryConfig(t)
	cfg.Storage.SyncMode = "eventual"
	db, err := Open(ctx, cfg, nil)
	require.NoError(t, err)
	defer db.Close()

	require.NoError(t, db.Start(ctx))
	assert.Error(t, db.Start(ctx), "second start")

	acme, err := db.Storage.CreateEntity(ctx, &storage.Entity{Type: "Company", Name: "ACME"})
	require.NoError(t, err)

	drainCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	require.NoError(t, db.Sync.Drain(drainCtx))

	_, err = db.DualWrite.Secondary().GetEntity(ctx, acme.ID)
	assert.NoError(t, err)

	require.NoError(t, db.Close())
	assert.Error(t, db.Start(ctx), "start after close")
}

func TestStart_JanitorAbortsStale(t *testing.T) {
	ctx := context.Background()
	cfg := memoryConfig(t)
	cfg.Transactions.JanitorInterval = 5 * time.Millisecond
	cfg.Transactions.StaleAge = time.Millisecond
	db, err := Open(ctx, cfg, nil)
	require.NoError(t, err)
	defer db.Close()

	txID := db.Transactions.Begin(time.Hour, nil)
	require.NoError(t, db.Start(ctx))

	assert.Eventually(t, func() bool {
		return db.Transactions.ActiveCount() == 0
	}, 2*time.Second, 5*time.Millisecond)

	entries, err := db.WAL.ReadEntries(txID)
	require.NoError(t, err)
	require.NotEmpty(t, entries)
	assert.Equal(t, wal.Abort, entries[len(entries)-1].Type)
}

func TestRecover_AfterRestart(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	db, err := Open(ctx, testConfig(t, dir), nil)
	require.NoError(t, err)
	// The process dies after journaling the operation.
	op := dualwrite.Operation{
		Op:     dualwrite.OpCreateEntity,
		Entity: &storage.Entity{ID: "acme", Type: "Company", Name: "ACME"},
	}
	_, err = db.WAL.Append(wal.Begin, "tx-crash", map[string]any{"operation": string(op.Op)})
	require.NoError(t, err)
	_, err = db.WAL.Append(wal.Operation, "tx-crash", op)
	require.NoError(t, err)
	require.NoError(t, db.Close())

	db, err = Open(ctx, testConfig(t, dir), nil)
	require.NoError(t, err)
	defer db.Close()

	report, err := db.Recover(ctx, dualwrite.RecoverRedo)
	require.NoError(t, err)
	assert.Equal(t, []string{"tx-crash"}, report.Redone)

	for _, g := range []storage.GraphStorage{db.DualWrite.Primary(), db.DualWrite.Secondary()} {
		_, err := g.GetEntity(ctx, "acme")
		assert.NoError(t, err, g.Name())
	}

	pending, err := db.WAL.UncommittedIDs()
	require.NoError(t, err)
	assert.Empty(t, pending)
}
