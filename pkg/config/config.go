// Package config loads fingraph configuration from YAML files and
// environment variables.
//
// Defaults come first, a YAML file (optional) is decoded on top of them and
// FINGRAPH_* environment variables override both:
//
//	cfg, err := config.LoadFile("fingraph.yaml")
//	if err != nil {
//		log.Fatal(err)
//	}
//	if err := cfg.Validate(); err != nil {
//		log.Fatalf("invalid config: %v", err)
//	}
//
// Environment Variables:
//
// Storage:
//   - FINGRAPH_STORAGE_MODE="hybrid" | "single-primary" | "single-secondary"
//   - FINGRAPH_SYNC_MODE="strict" | "eventual"
//   - FINGRAPH_ROUTE_TRAVERSALS=true
//   - FINGRAPH_PRIMARY_KIND="sqlite", FINGRAPH_PRIMARY_DSN="data/kg.db"
//   - FINGRAPH_SECONDARY_KIND="neo4j", FINGRAPH_SECONDARY_URI="neo4j://localhost:7687"
//   - FINGRAPH_SECONDARY_USERNAME / FINGRAPH_SECONDARY_PASSWORD
//
// WAL and transactions:
//   - FINGRAPH_WAL_DIR="data/wal"
//   - FINGRAPH_WAL_SYNC_MODE="immediate" | "none"
//   - FINGRAPH_WAL_MAX_FILE_SIZE="64MB"
//   - FINGRAPH_TX_TIMEOUT=30s
//   - FINGRAPH_TX_PARALLEL_PREPARE=false
//
// Sync, logging and metrics:
//   - FINGRAPH_SYNC_QUEUE_SIZE=1024, FINGRAPH_SYNC_MAX_RETRIES=3
//   - FINGRAPH_LOG_LEVEL="info", FINGRAPH_LOG_FORMAT="json"
//   - FINGRAPH_METRICS_ENABLED=true, FINGRAPH_METRICS_ADDRESS=":9090"
//
// For a complete list, see applyEnv.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/orneryd/fingraph/pkg/logging"
	"github.com/orneryd/fingraph/pkg/wal"
)

// Storage modes.
const (
	ModeHybrid          = "hybrid"
	ModeSinglePrimary   = "single-primary"
	ModeSingleSecondary = "single-secondary"
)

// Backend kinds.
const (
	KindMemory   = "memory"
	KindBadger   = "badger"
	KindSQLite   = "sqlite"
	KindPostgres = "postgres"
	KindNeo4j    = "neo4j"
)

// Config holds all fingraph configuration.
//
// Configuration is organized into logical sections:
//   - Storage: backends and how they are combined
//   - WAL: write-ahead log location and durability
//   - Transactions: lifecycle and two-phase commit settings
//   - Sync: asynchronous replication queue
//   - Logging and Metrics
type Config struct {
	Storage      StorageConfig     `yaml:"storage"`
	WAL          wal.Config        `yaml:"wal"`
	Transactions TransactionConfig `yaml:"transactions"`
	Sync         SyncConfig        `yaml:"sync"`
	Logging      logging.Config    `yaml:"logging"`
	Metrics      MetricsConfig     `yaml:"metrics"`
}

// StorageConfig selects the backends and the consistency mode.
type StorageConfig struct {
	// Mode is hybrid (dual-write), single-primary or single-secondary.
	Mode string `yaml:"mode"`
	// SyncMode is strict (two-phase commit) or eventual (async replication).
	SyncMode string `yaml:"sync_mode"`
	// RouteTraversals sends graph traversals to the secondary in hybrid mode.
	RouteTraversals bool          `yaml:"route_traversals"`
	Primary         BackendConfig `yaml:"primary"`
	Secondary       BackendConfig `yaml:"secondary"`
}

// BackendConfig describes one storage backend.
type BackendConfig struct {
	// Kind is memory, badger, sqlite, postgres or neo4j.
	Kind string `yaml:"kind"`
	// Name identifies the backend in logs, metrics and sync targets.
	// Defaults to Kind.
	Name string `yaml:"name"`
	// DataDir is the Badger directory. Empty runs Badger in memory.
	DataDir string `yaml:"data_dir"`
	// DSN is the database/sql data source for sqlite and postgres.
	DSN string `yaml:"dsn"`
	// URI, Username, Password and Database address a Neo4j server.
	URI      string `yaml:"uri"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	Database string `yaml:"database"`
	// PoolSize and AcquireTimeout size the connection pool.
	PoolSize       int           `yaml:"pool_size"`
	AcquireTimeout time.Duration `yaml:"acquire_timeout"`
}

// DisplayName returns Name, or Kind when Name is empty.
func (b BackendConfig) DisplayName() string {
	if b.Name != "" {
		return b.Name
	}
	return b.Kind
}

// TransactionConfig holds transaction lifecycle settings.
type TransactionConfig struct {
	DefaultTimeout time.Duration `yaml:"default_timeout"`
	// StaleAge is how old an active transaction may get before the janitor
	// aborts it.
	StaleAge        time.Duration `yaml:"stale_age"`
	JanitorInterval time.Duration `yaml:"janitor_interval"`
	MaxParticipants int           `yaml:"max_participants"`
	ParallelPrepare bool          `yaml:"parallel_prepare"`
}

// SyncConfig holds replication queue settings.
type SyncConfig struct {
	QueueSize  int           `yaml:"queue_size"`
	MaxRetries int           `yaml:"max_retries"`
	BaseDelay  time.Duration `yaml:"base_delay"`
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Address string `yaml:"address"`
}

// Default returns the configuration used when nothing is set: a SQLite
// primary and an embedded Badger secondary kept in step with two-phase
// commit.
func Default() *Config {
	return &Config{
		Storage: StorageConfig{
			Mode:            ModeHybrid,
			SyncMode:        "strict",
			RouteTraversals: true,
			Primary: BackendConfig{
				Kind:     KindSQLite,
				DSN:      "data/fingraph.db?_busy_timeout=5000&_journal_mode=WAL",
				PoolSize: 10,
			},
			Secondary: BackendConfig{
				Kind:    KindBadger,
				DataDir: "data/graph",
			},
		},
		WAL: wal.DefaultConfig(),
		Transactions: TransactionConfig{
			DefaultTimeout:  30 * time.Second,
			StaleAge:        5 * time.Minute,
			JanitorInterval: time.Minute,
			MaxParticipants: 16,
		},
		Sync: SyncConfig{
			QueueSize:  1024,
			MaxRetries: 3,
			BaseDelay:  100 * time.Millisecond,
		},
		Logging: logging.Config{Level: "info", Format: "text", Output: "stderr"},
		Metrics: MetricsConfig{Address: ":9090"},
	}
}

// LoadFromEnv returns the defaults overridden by FINGRAPH_* variables.
func LoadFromEnv() *Config {
	cfg := Default()
	cfg.applyEnv()
	return cfg
}

// LoadFile decodes a YAML file over the defaults and then applies the
// environment. Unknown keys are an error.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	cfg := Default()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	cfg.applyEnv()
	return cfg, nil
}

// Load reads path when it is set and the environment alone otherwise.
func Load(path string) (*Config, error) {
	if path == "" {
		return LoadFromEnv(), nil
	}
	return LoadFile(path)
}

func (c *Config) applyEnv() {
	s := &c.Storage
	s.Mode = getEnv("FINGRAPH_STORAGE_MODE", s.Mode)
	s.SyncMode = getEnv("FINGRAPH_SYNC_MODE", s.SyncMode)
	s.RouteTraversals = getEnvBool("FINGRAPH_ROUTE_TRAVERSALS", s.RouteTraversals)
	s.Primary.applyEnv("FINGRAPH_PRIMARY_")
	s.Secondary.applyEnv("FINGRAPH_SECONDARY_")

	c.WAL.Dir = getEnv("FINGRAPH_WAL_DIR", c.WAL.Dir)
	c.WAL.SyncMode = getEnv("FINGRAPH_WAL_SYNC_MODE", c.WAL.SyncMode)
	if v := os.Getenv("FINGRAPH_WAL_MAX_FILE_SIZE"); v != "" {
		c.WAL.MaxFileSize = parseMemorySize(v)
	}

	t := &c.Transactions
	t.DefaultTimeout = getEnvDuration("FINGRAPH_TX_TIMEOUT", t.DefaultTimeout)
	t.StaleAge = getEnvDuration("FINGRAPH_TX_STALE_AGE", t.StaleAge)
	t.JanitorInterval = getEnvDuration("FINGRAPH_TX_JANITOR_INTERVAL", t.JanitorInterval)
	t.MaxParticipants = getEnvInt("FINGRAPH_TX_MAX_PARTICIPANTS", t.MaxParticipants)
	t.ParallelPrepare = getEnvBool("FINGRAPH_TX_PARALLEL_PREPARE", t.ParallelPrepare)

	c.Sync.QueueSize = getEnvInt("FINGRAPH_SYNC_QUEUE_SIZE", c.Sync.QueueSize)
	c.Sync.MaxRetries = getEnvInt("FINGRAPH_SYNC_MAX_RETRIES", c.Sync.MaxRetries)
	c.Sync.BaseDelay = getEnvDuration("FINGRAPH_SYNC_BASE_DELAY", c.Sync.BaseDelay)

	c.Logging.Level = getEnv("FINGRAPH_LOG_LEVEL", c.Logging.Level)
	c.Logging.Format = getEnv("FINGRAPH_LOG_FORMAT", c.Logging.Format)
	c.Logging.Output = getEnv("FINGRAPH_LOG_OUTPUT", c.Logging.Output)

	c.Metrics.Enabled = getEnvBool("FINGRAPH_METRICS_ENABLED", c.Metrics.Enabled)
	c.Metrics.Address = getEnv("FINGRAPH_METRICS_ADDRESS", c.Metrics.Address)
}

func (b *BackendConfig) applyEnv(prefix string) {
	b.Kind = getEnv(prefix+"KIND", b.Kind)
	b.Name = getEnv(prefix+"NAME", b.Name)
	b.DataDir = getEnv(prefix+"DATA_DIR", b.DataDir)
	b.DSN = getEnv(prefix+"DSN", b.DSN)
	b.URI = getEnv(prefix+"URI", b.URI)
	b.Username = getEnv(prefix+"USERNAME", b.Username)
	b.Password = getEnv(prefix+"PASSWORD", b.Password)
	b.Database = getEnv(prefix+"DATABASE", b.Database)
	b.PoolSize = getEnvInt(prefix+"POOL_SIZE", b.PoolSize)
	b.AcquireTimeout = getEnvDuration(prefix+"ACQUIRE_TIMEOUT", b.AcquireTimeout)
}

// Validate checks the configuration for errors.
//
// Returns nil if configuration is valid, or an error describing the first
// problem found.
func (c *Config) Validate() error {
	s := c.Storage
	switch s.SyncMode {
	case "strict", "eventual":
	default:
		return fmt.Errorf("invalid sync mode: %q", s.SyncMode)
	}

	switch s.Mode {
	case ModeHybrid:
		if err := s.Primary.validate("primary"); err != nil {
			return err
		}
		if err := s.Secondary.validate("secondary"); err != nil {
			return err
		}
		if s.Primary.DisplayName() == s.Secondary.DisplayName() {
			return fmt.Errorf("primary and secondary share the name %q", s.Primary.DisplayName())
		}
	case ModeSinglePrimary:
		if err := s.Primary.validate("primary"); err != nil {
			return err
		}
	case ModeSingleSecondary:
		if err := s.Secondary.validate("secondary"); err != nil {
			return err
		}
	default:
		return fmt.Errorf("invalid storage mode: %q", s.Mode)
	}

	if err := c.WAL.Validate(); err != nil {
		return err
	}

	if c.Transactions.DefaultTimeout <= 0 {
		return fmt.Errorf("invalid transaction timeout: %v", c.Transactions.DefaultTimeout)
	}
	if c.Transactions.MaxParticipants <= 0 {
		return fmt.Errorf("invalid max participants: %d", c.Transactions.MaxParticipants)
	}
	if c.Transactions.StaleAge < 0 || c.Transactions.JanitorInterval < 0 {
		return errors.New("stale age and janitor interval must not be negative")
	}

	if c.Sync.QueueSize <= 0 {
		return fmt.Errorf("invalid sync queue size: %d", c.Sync.QueueSize)
	}
	if c.Sync.MaxRetries <= 0 {
		return fmt.Errorf("invalid sync max retries: %d", c.Sync.MaxRetries)
	}
	if c.Sync.BaseDelay < 0 {
		return fmt.Errorf("invalid sync base delay: %v", c.Sync.BaseDelay)
	}

	if _, err := logging.ParseLevel(c.Logging.Level); err != nil {
		return err
	}

	if c.Metrics.Enabled && c.Metrics.Address == "" {
		return errors.New("metrics enabled but no address provided")
	}
	return nil
}

func (b BackendConfig) validate(role string) error {
	switch b.Kind {
	case KindMemory, KindBadger:
	case KindSQLite, KindPostgres:
		if b.DSN == "" {
			return fmt.Errorf("%s backend %s: dsn is required", role, b.Kind)
		}
	case KindNeo4j:
		if b.URI == "" {
			return fmt.Errorf("%s backend neo4j: uri is required", role)
		}
	case "":
		return fmt.Errorf("%s backend: kind is required", role)
	default:
		return fmt.Errorf("%s backend: unknown kind %q", role, b.Kind)
	}
	if b.PoolSize < 0 {
		return fmt.Errorf("%s backend: invalid pool size %d", role, b.PoolSize)
	}
	return nil
}

// String returns a safe string representation of the Config.
//
// Credentials and DSNs are NOT included in the output, making this safe for
// logging.
func (c *Config) String() string {
	return fmt.Sprintf(
		"Config{Mode: %s, Sync: %s, Primary: %s, Secondary: %s, WAL: %s (%s segments), Metrics: %v}",
		c.Storage.Mode, c.Storage.SyncMode,
		c.Storage.Primary.DisplayName(), c.Storage.Secondary.DisplayName(),
		c.WAL.Dir, FormatMemorySize(c.WAL.MaxFileSize), c.Metrics.Enabled,
	)
}

// Helper functions for environment variable parsing

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return defaultVal
}

func getEnvBool(key string, defaultVal bool) bool {
	if val := os.Getenv(key); val != "" {
		val = strings.ToLower(val)
		return val == "true" || val == "1" || val == "yes" || val == "on"
	}
	return defaultVal
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			return d
		}
		// Try parsing as seconds
		if secs, err := strconv.Atoi(val); err == nil {
			return time.Duration(secs) * time.Second
		}
	}
	return defaultVal
}

// parseMemorySize parses a human-readable size string.
// Supports: "1024", "1KB", "1MB", "1GB", "1TB", "0", "unlimited"
func parseMemorySize(s string) int64 {
	s = strings.TrimSpace(strings.ToUpper(s))
	if s == "" || s == "0" || s == "UNLIMITED" {
		return 0
	}

	s = strings.TrimSuffix(s, "B")

	var multiplier int64 = 1
	switch {
	case strings.HasSuffix(s, "K"):
		multiplier = 1024
		s = strings.TrimSuffix(s, "K")
	case strings.HasSuffix(s, "M"):
		multiplier = 1024 * 1024
		s = strings.TrimSuffix(s, "M")
	case strings.HasSuffix(s, "G"):
		multiplier = 1024 * 1024 * 1024
		s = strings.TrimSuffix(s, "G")
	case strings.HasSuffix(s, "T"):
		multiplier = 1024 * 1024 * 1024 * 1024
		s = strings.TrimSuffix(s, "T")
	}

	val, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0
	}
	return val * multiplier
}

// FormatMemorySize formats bytes as human-readable string.
func FormatMemorySize(size int64) string {
	const (
		KB = 1024
		MB = KB * 1024
		GB = MB * 1024
		TB = GB * 1024
	)

	switch {
	case size >= TB:
		return fmt.Sprintf("%.2f TB", float64(size)/float64(TB))
	case size >= GB:
		return fmt.Sprintf("%.2f GB", float64(size)/float64(GB))
	case size >= MB:
		return fmt.Sprintf("%.2f MB", float64(size)/float64(MB))
	case size >= KB:
		return fmt.Sprintf("%.2f KB", float64(size)/float64(KB))
	default:
		return fmt.Sprintf("%d B", size)
	}
}
