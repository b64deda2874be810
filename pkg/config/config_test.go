package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "fingraph.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, ModeHybrid, cfg.Storage.Mode)
	assert.Equal(t, "strict", cfg.Storage.SyncMode)
	assert.Equal(t, KindSQLite, cfg.Storage.Primary.Kind)
	assert.Equal(t, KindBadger, cfg.Storage.Secondary.Kind)
	assert.Equal(t, 16, cfg.Transactions.MaxParticipants)
	assert.Equal(t, 1024, cfg.Sync.QueueSize)
}

func TestLoadFromEnv(t *testing.T) {
	t.Run("defaults", func(t *testing.T) {
		cfg := LoadFromEnv()
		assert.Equal(t, Default(), cfg)
	})

	t.Run("overrides", func(t *testing.T) {
		t.Setenv("FINGRAPH_STORAGE_MODE", "single-primary")
		t.Setenv("FINGRAPH_SYNC_MODE", "eventual")
		t.Setenv("FINGRAPH_ROUTE_TRAVERSALS", "false")
		t.Setenv("FINGRAPH_PRIMARY_KIND", "postgres")
		t.Setenv("FINGRAPH_PRIMARY_DSN", "postgres://kg@localhost/kg")
		t.Setenv("FINGRAPH_PRIMARY_POOL_SIZE", "20")
		t.Setenv("FINGRAPH_SECONDARY_KIND", "neo4j")
		t.Setenv("FINGRAPH_SECONDARY_URI", "neo4j://localhost:7687")
		t.Setenv("FINGRAPH_SECONDARY_ACQUIRE_TIMEOUT", "3")
		t.Setenv("FINGRAPH_WAL_DIR", "/var/lib/fingraph/wal")
		t.Setenv("FINGRAPH_WAL_MAX_FILE_SIZE", "16MB")
		t.Setenv("FINGRAPH_TX_TIMEOUT", "1m")
		t.Setenv("FINGRAPH_TX_PARALLEL_PREPARE", "yes")
		t.Setenv("FINGRAPH_SYNC_MAX_RETRIES", "5")
		t.Setenv("FINGRAPH_LOG_LEVEL", "debug")
		t.Setenv("FINGRAPH_METRICS_ENABLED", "1")

		cfg := LoadFromEnv()
		assert.Equal(t, ModeSinglePrimary, cfg.Storage.Mode)
		assert.Equal(t, "eventual", cfg.Storage.SyncMode)
		assert.False(t, cfg.Storage.RouteTraversals)
		assert.Equal(t, KindPostgres, cfg.Storage.Primary.Kind)
		assert.Equal(t, "postgres://kg@localhost/kg", cfg.Storage.Primary.DSN)
		assert.Equal(t, 20, cfg.Storage.Primary.PoolSize)
		assert.Equal(t, KindNeo4j, cfg.Storage.Secondary.Kind)
		assert.Equal(t, 3*time.Second, cfg.Storage.Secondary.AcquireTimeout)
		assert.Equal(t, "/var/lib/fingraph/wal", cfg.WAL.Dir)
		assert.Equal(t, int64(16*1024*1024), cfg.WAL.MaxFileSize)
		assert.Equal(t, time.Minute, cfg.Transactions.DefaultTimeout)
		assert.True(t, cfg.Transactions.ParallelPrepare)
		assert.Equal(t, 5, cfg.Sync.MaxRetries)
		assert.Equal(t, "debug", cfg.Logging.Level)
		assert.True(t, cfg.Metrics.Enabled)
		require.NoError(t, cfg.Validate())
	})

	t.Run("unparseable_values_keep_defaults", func(t *testing.T) {
		t.Setenv("FINGRAPH_SYNC_QUEUE_SIZE", "lots")
		t.Setenv("FINGRAPH_TX_TIMEOUT", "soon")

		cfg := LoadFromEnv()
		assert.Equal(t, 1024, cfg.Sync.QueueSize)
		assert.Equal(t, 30*time.Second, cfg.Transactions.DefaultTimeout)
	})
}

func TestLoadFile(t *testing.T) {
	t.Run("yaml_over_defaults", func(t *testing.T) {
		path := writeFile(t, `
storage:
  mode: hybrid
  sync_mode: eventual
  primary:
    kind: memory
    name: attrs
  secondary:
    kind: badger
    data_dir: /tmp/graph
wal:
  dir: /tmp/wal
  sync_mode: none
transactions:
  default_timeout: 10s
sync:
  base_delay: 250ms
`)
		cfg, err := LoadFile(path)
		require.NoError(t, err)
		assert.Equal(t, "eventual", cfg.Storage.SyncMode)
		assert.Equal(t, "attrs", cfg.Storage.Primary.DisplayName())
		assert.Equal(t, "/tmp/graph", cfg.Storage.Secondary.DataDir)
		assert.Equal(t, "none", cfg.WAL.SyncMode)
		assert.Equal(t, 10*time.Second, cfg.Transactions.DefaultTimeout)
		assert.Equal(t, 250*time.Millisecond, cfg.Sync.BaseDelay)
		// Untouched sections keep their defaults.
		assert.Equal(t, 16, cfg.Transactions.MaxParticipants)
		assert.Equal(t, 3, cfg.Sync.MaxRetries)
		require.NoError(t, cfg.Validate())
	})

	t.Run("env_wins_over_file", func(t *testing.T) {
		path := writeFile(t, "wal:\n  dir: /from/file\n")
		t.Setenv("FINGRAPH_WAL_DIR", "/from/env")

		cfg, err := LoadFile(path)
		require.NoError(t, err)
		assert.Equal(t, "/from/env", cfg.WAL.Dir)
	})

	t.Run("empty_file", func(t *testing.T) {
		cfg, err := LoadFile(writeFile(t, ""))
		require.NoError(t, err)
		assert.Equal(t, Default(), cfg)
	})

	t.Run("unknown_key", func(t *testing.T) {
		_, err := LoadFile(writeFile(t, "storage:\n  flavour: spicy\n"))
		assert.ErrorContains(t, err, "config: parse")
	})

	t.Run("missing_file", func(t *testing.T) {
		_, err := LoadFile(filepath.Join(t.TempDir(), "nope.yaml"))
		assert.ErrorContains(t, err, "config: read")
	})

	t.Run("load_without_path_uses_env", func(t *testing.T) {
		t.Setenv("FINGRAPH_LOG_FORMAT", "json")
		cfg, err := Load("")
		require.NoError(t, err)
		assert.Equal(t, "json", cfg.Logging.Format)
	})
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *Config)
		want   string
	}{
		{"bad_sync_mode", func(c *Config) { c.Storage.SyncMode = "relaxed" }, "invalid sync mode"},
		{"bad_storage_mode", func(c *Config) { c.Storage.Mode = "triple" }, "invalid storage mode"},
		{"missing_kind", func(c *Config) { c.Storage.Secondary.Kind = "" }, "kind is required"},
		{"unknown_kind", func(c *Config) { c.Storage.Primary.Kind = "oracle" }, "unknown kind"},
		{"sql_needs_dsn", func(c *Config) { c.Storage.Primary.DSN = "" }, "dsn is required"},
		{"neo4j_needs_uri", func(c *Config) { c.Storage.Secondary = BackendConfig{Kind: KindNeo4j} }, "uri is required"},
		{"same_names", func(c *Config) { c.Storage.Secondary = BackendConfig{Kind: KindSQLite, DSN: "x"} }, "share the name"},
		{"bad_wal", func(c *Config) { c.WAL.SyncMode = "batch" }, "unsupported sync mode"},
		{"bad_timeout", func(c *Config) { c.Transactions.DefaultTimeout = 0 }, "invalid transaction timeout"},
		{"bad_participants", func(c *Config) { c.Transactions.MaxParticipants = 0 }, "invalid max participants"},
		{"bad_queue", func(c *Config) { c.Sync.QueueSize = -1 }, "invalid sync queue size"},
		{"bad_retries", func(c *Config) { c.Sync.MaxRetries = 0 }, "invalid sync max retries"},
		{"bad_level", func(c *Config) { c.Logging.Level = "loud" }, "unknown level"},
		{"metrics_need_address", func(c *Config) { c.Metrics = MetricsConfig{Enabled: true} }, "no address"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			assert.ErrorContains(t, cfg.Validate(), tt.want)
		})
	}

	t.Run("single_mode_only_checks_its_backend", func(t *testing.T) {
		cfg := Default()
		cfg.Storage.Mode = ModeSinglePrimary
		cfg.Storage.Secondary = BackendConfig{}
		assert.NoError(t, cfg.Validate())

		cfg.Storage.Mode = ModeSingleSecondary
		cfg.Storage.Secondary = BackendConfig{Kind: KindMemory}
		cfg.Storage.Primary = BackendConfig{}
		assert.NoError(t, cfg.Validate())
	})
}

func TestStringHidesCredentials(t *testing.T) {
	cfg := Default()
	cfg.Storage.Secondary = BackendConfig{Kind: KindNeo4j, URI: "neo4j://db", Username: "neo4j", Password: "hunter2"}
	s := cfg.String()
	assert.NotContains(t, s, "hunter2")
	assert.NotContains(t, s, "_busy_timeout")
	assert.Contains(t, s, "neo4j")
	assert.Contains(t, s, "64.00 MB")
}

func TestParseMemorySize(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  int64
	}{
		{"bytes numeric", "1024", 1024},
		{"bytes with B suffix", "1024B", 1024},
		{"kilobytes KB", "1KB", 1024},
		{"megabytes lowercase", "512mb", 512 * 1024 * 1024},
		{"gigabytes G", "1G", 1024 * 1024 * 1024},
		{"terabytes TB", "1TB", 1024 * 1024 * 1024 * 1024},
		{"zero", "0", 0},
		{"unlimited", "unlimited", 0},
		{"empty string", "", 0},
		{"whitespace", "  2GB  ", 2 * 1024 * 1024 * 1024},
		{"invalid chars", "abc", 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, parseMemorySize(tt.input))
		})
	}
}

func TestFormatMemorySize(t *testing.T) {
	tests := []struct {
		name string
		size int64
		want string
	}{
		{"zero", 0, "0 B"},
		{"bytes", 512, "512 B"},
		{"kilobytes fractional", 1536, "1.50 KB"},
		{"megabytes", 1024 * 1024, "1.00 MB"},
		{"gigabytes large", 4 * 1024 * 1024 * 1024, "4.00 GB"},
		{"terabytes", 1024 * 1024 * 1024 * 1024, "1.00 TB"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, FormatMemorySize(tt.size))
		})
	}
}
