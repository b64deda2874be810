// Package sqlstore is the relational storage.GraphStorage backend.
//
// Entities and relations live in the kg_entities and kg_relations tables
// of a SQLite or PostgreSQL database. Every statement runs on a connection
// borrowed from a pool.Pool[*sql.Conn], so the number of concurrent
// database sessions never exceeds the configured pool size.
//
//	s, err := sqlstore.Open(ctx, sqlstore.Config{
//		Dialect: sqlstore.DialectSQLite,
//		DSN:     "file:kg.db?_busy_timeout=5000",
//	})
//	if err != nil {
//		return err
//	}
//	defer s.Close()
//	if err := s.EnsureSchema(ctx); err != nil {
//		return err
//	}
//
// SQLite ":memory:" databases are per connection; use a file DSN.
package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // registers the "pgx" driver
	_ "github.com/mattn/go-sqlite3"    // registers the "sqlite3" driver

	"github.com/orneryd/fingraph/pkg/logging"
	"github.com/orneryd/fingraph/pkg/metrics"
	"github.com/orneryd/fingraph/pkg/pool"
	"github.com/orneryd/fingraph/pkg/storage"
)

// Config configures a Store.
type Config struct {
	Dialect Dialect
	DSN     string
	// Name is the backend name, default "sql".
	Name           string
	PoolSize       int
	AcquireTimeout time.Duration
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the store logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// WithMetrics records pool usage of the store.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Store) { s.metrics = m }
}

// WithClock overrides the timestamp source.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// Store implements storage.GraphStorage on database/sql.
type Store struct {
	name    string
	db      *sql.DB
	pool    *pool.Pool[*sql.Conn]
	logger  *slog.Logger
	metrics *metrics.Metrics
	now     func() time.Time
	closed  atomic.Bool
}

var _ storage.GraphStorage = (*Store)(nil)

// querier is satisfied by *sql.Conn and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Open opens the database and fills the connection pool.
func Open(ctx context.Context, cfg Config, opts ...Option) (*Store, error) {
	driver, err := cfg.Dialect.driverName()
	if err != nil {
		return nil, err
	}
	if cfg.DSN == "" {
		return nil, errors.New("sqlstore: dsn is required")
	}
	name := cfg.Name
	if name == "" {
		name = "sql"
	}

	s := &Store{name: name, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = logging.OrDiscard(s.logger).With("component", "sqlstore", "backend", name)

	db, err := sql.Open(driver, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("sqlstore: open %s: %w", driver, err)
	}

	pcfg := pool.ConnectionConfig{
		Kind:           string(cfg.Dialect),
		Name:           name,
		Endpoint:       cfg.DSN,
		PoolSize:       cfg.PoolSize,
		AcquireTimeout: cfg.AcquireTimeout,
	}
	s.pool = pool.New[*sql.Conn](pcfg,
		func(ctx context.Context) (*sql.Conn, error) { return db.Conn(ctx) },
		func(c *sql.Conn) error { return c.Close() },
		pool.WithLogger[*sql.Conn](s.logger),
		pool.WithMetrics[*sql.Conn](s.metrics),
		pool.WithPing(func(ctx context.Context, c *sql.Conn) error { return c.PingContext(ctx) }),
	)
	db.SetMaxOpenConns(s.pool.Config().PoolSize)
	s.db = db

	if err := s.pool.Initialize(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlstore: initialize pool: %w", err)
	}
	s.logger.Debug("sql store opened", "dialect", cfg.Dialect, "pool_size", s.pool.Config().PoolSize)
	return s, nil
}

func (s *Store) Name() string { return s.name }

// Pool exposes the connection pool for registration with a pool.Manager.
func (s *Store) Pool() *pool.Pool[*sql.Conn] { return s.pool }

func (s *Store) checkOpen() error {
	if s.closed.Load() {
		return storage.ErrStorageClosed
	}
	return nil
}

func (s *Store) timestamp() time.Time { return s.now().UTC() }

// withConn runs fn on a pooled connection.
func (s *Store) withConn(ctx context.Context, fn func(q querier) error) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	return s.pool.WithConn(ctx, func(c *sql.Conn) error { return fn(c) })
}

// withTx runs fn in a transaction on a pooled connection.
func (s *Store) withTx(ctx context.Context, fn func(q querier) error) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	return s.pool.WithConn(ctx, func(c *sql.Conn) error {
		tx, err := c.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		if err := fn(tx); err != nil {
			_ = tx.Rollback()
			return err
		}
		return tx.Commit()
	})
}

// ============================================================================
// Row encoding
// ============================================================================

type rowScanner interface {
	Scan(dest ...any) error
}

func encodeProperties(p map[string]any) (string, error) {
	if len(p) == 0 {
		return "{}", nil
	}
	b, err := json.Marshal(p)
	if err != nil {
		return "", fmt.Errorf("%w: properties: %v", storage.ErrInvalidData, err)
	}
	return string(b), nil
}

func decodeProperties(s string) (map[string]any, error) {
	if s == "" || s == "{}" {
		return nil, nil
	}
	var p map[string]any
	if err := json.Unmarshal([]byte(s), &p); err != nil {
		return nil, err
	}
	return p, nil
}

func toNanos(t time.Time) int64 { return t.UnixNano() }

func fromNanos(n int64) time.Time {
	if n <= 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}

func scanEntity(row rowScanner) (*storage.Entity, error) {
	var (
		e                storage.Entity
		id, props        string
		created, updated int64
	)
	if err := row.Scan(&id, &e.Type, &e.Name, &props, &created, &updated); err != nil {
		return nil, err
	}
	p, err := decodeProperties(props)
	if err != nil {
		return nil, fmt.Errorf("sqlstore: entity %s properties: %w", id, err)
	}
	e.ID = storage.EntityID(id)
	e.Properties = p
	e.CreatedAt = fromNanos(created)
	e.UpdatedAt = fromNanos(updated)
	return &e, nil
}

func scanRelation(row rowScanner) (*storage.Relation, error) {
	var (
		r                   storage.Relation
		id, src, dst, props string
		created, updated    int64
	)
	if err := row.Scan(&id, &src, &dst, &r.Type, &props, &r.Weight, &created, &updated); err != nil {
		return nil, err
	}
	p, err := decodeProperties(props)
	if err != nil {
		return nil, fmt.Errorf("sqlstore: relation %s properties: %w", id, err)
	}
	r.ID = storage.RelationID(id)
	r.SourceID = storage.EntityID(src)
	r.TargetID = storage.EntityID(dst)
	r.Properties = p
	r.CreatedAt = fromNanos(created)
	r.UpdatedAt = fromNanos(updated)
	return &r, nil
}

func collectEntities(rows *sql.Rows) ([]*storage.Entity, error) {
	defer rows.Close()
	var out []*storage.Entity
	for rows.Next() {
		e, err := scanEntity(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func collectRelations(rows *sql.Rows) ([]*storage.Relation, error) {
	defer rows.Close()
	var out []*storage.Relation
	for rows.Next() {
		r, err := scanRelation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// ============================================================================
// Entities
// ============================================================================

func getEntity(ctx context.Context, q querier, id storage.EntityID) (*storage.Entity, error) {
	row := q.QueryRowContext(ctx, `SELECT `+entityColumns+` FROM kg_entities WHERE id = $1`, string(id))
	e, err := scanEntity(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: entity %s", storage.ErrNotFound, id)
	}
	return e, err
}

func entityExists(ctx context.Context, q querier, id storage.EntityID) (bool, error) {
	var one int
	err := q.QueryRowContext(ctx, `SELECT 1 FROM kg_entities WHERE id = $1`, string(id)).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	return err == nil, err
}

func insertEntity(ctx context.Context, q querier, e *storage.Entity) error {
	props, err := encodeProperties(e.Properties)
	if err != nil {
		return err
	}
	res, err := q.ExecContext(ctx,
		`INSERT INTO kg_entities (`+entityColumns+`) VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO NOTHING`,
		string(e.ID), e.Type, e.Name, props, toNanos(e.CreatedAt), toNanos(e.UpdatedAt))
	if err != nil {
		return fmt.Errorf("sqlstore: insert entity %s: %w", e.ID, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("%w: entity %s", storage.ErrAlreadyExists, e.ID)
	}
	return nil
}

func (s *Store) CreateEntity(ctx context.Context, e *storage.Entity) (*storage.Entity, error) {
	c, err := storage.PrepareEntityForCreate(e, s.timestamp())
	if err != nil {
		return nil, err
	}
	if err := s.withConn(ctx, func(q querier) error { return insertEntity(ctx, q, c) }); err != nil {
		return nil, err
	}
	return c, nil
}

func (s *Store) GetEntity(ctx context.Context, id storage.EntityID) (*storage.Entity, error) {
	if id == "" {
		return nil, storage.ErrInvalidID
	}
	var e *storage.Entity
	err := s.withConn(ctx, func(q querier) error {
		var err error
		e, err = getEntity(ctx, q, id)
		return err
	})
	return e, err
}

// GetEntities returns the existing entities among ids, in the order given.
func (s *Store) GetEntities(ctx context.Context, ids []storage.EntityID) ([]*storage.Entity, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	out := make([]*storage.Entity, 0, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = string(id)
	}
	var found []*storage.Entity
	err := s.withConn(ctx, func(q querier) error {
		rows, err := q.QueryContext(ctx,
			`SELECT `+entityColumns+` FROM kg_entities WHERE id IN (`+placeholders(1, len(ids))+`)`, args...)
		if err != nil {
			return err
		}
		found, err = collectEntities(rows)
		return err
	})
	if err != nil {
		return nil, err
	}
	byID := make(map[storage.EntityID]*storage.Entity, len(found))
	for _, e := range found {
		byID[e.ID] = e
	}
	for _, id := range ids {
		if e, ok := byID[id]; ok {
			out = append(out, e)
		}
	}
	return out, nil
}

func (s *Store) UpdateEntity(ctx context.Context, e *storage.Entity) (*storage.Entity, error) {
	if e == nil || e.ID == "" {
		return nil, storage.ErrInvalidID
	}
	var out *storage.Entity
	err := s.withTx(ctx, func(q querier) error {
		existing, err := getEntity(ctx, q, e.ID)
		if err != nil {
			return err
		}
		c, err := storage.PrepareEntityForUpdate(e, existing, s.timestamp())
		if err != nil {
			return err
		}
		props, err := encodeProperties(c.Properties)
		if err != nil {
			return err
		}
		if _, err := q.ExecContext(ctx,
			`UPDATE kg_entities SET type = $1, name = $2, properties = $3, updated_at = $4 WHERE id = $5`,
			c.Type, c.Name, props, toNanos(c.UpdatedAt), string(c.ID)); err != nil {
			return fmt.Errorf("sqlstore: update entity %s: %w", c.ID, err)
		}
		out = c
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// DeleteEntity removes the entity and every relation touching it.
func (s *Store) DeleteEntity(ctx context.Context, id storage.EntityID) error {
	if id == "" {
		return storage.ErrInvalidID
	}
	return s.withTx(ctx, func(q querier) error {
		ok, err := entityExists(ctx, q, id)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%w: entity %s", storage.ErrNotFound, id)
		}
		if _, err := q.ExecContext(ctx,
			`DELETE FROM kg_relations WHERE source_id = $1 OR target_id = $1`, string(id)); err != nil {
			return fmt.Errorf("sqlstore: delete relations of %s: %w", id, err)
		}
		if _, err := q.ExecContext(ctx, `DELETE FROM kg_entities WHERE id = $1`, string(id)); err != nil {
			return fmt.Errorf("sqlstore: delete entity %s: %w", id, err)
		}
		return nil
	})
}

// SearchEntities filters type and name in SQL and properties in Go.
func (s *Store) SearchEntities(ctx context.Context, sq storage.SearchQuery) ([]*storage.Entity, error) {
	query := `SELECT ` + entityColumns + ` FROM kg_entities WHERE 1 = 1`
	var args []any
	if sq.Type != "" {
		args = append(args, sq.Type)
		query += fmt.Sprintf(` AND type = $%d`, len(args))
	}
	if sq.Name != "" {
		args = append(args, likePattern(sq.Name))
		query += fmt.Sprintf(` AND LOWER(name) LIKE $%d ESCAPE '\'`, len(args))
	}
	query += ` ORDER BY id`
	// Without a Go-side filter the limit can go to the database.
	if len(sq.Properties) == 0 && sq.Limit > 0 {
		args = append(args, sq.Limit)
		query += fmt.Sprintf(` LIMIT $%d`, len(args))
	}

	var out []*storage.Entity
	err := s.withConn(ctx, func(q querier) error {
		rows, err := q.QueryContext(ctx, query, args...)
		if err != nil {
			return err
		}
		all, err := collectEntities(rows)
		if err != nil {
			return err
		}
		for _, e := range all {
			if storage.MatchesSearch(e, sq) {
				out = append(out, e)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return storage.Limit(out, sq.Limit), nil
}

// ============================================================================
// Relations
// ============================================================================

func getRelation(ctx context.Context, q querier, id storage.RelationID) (*storage.Relation, error) {
	row := q.QueryRowContext(ctx, `SELECT `+relationColumns+` FROM kg_relations WHERE id = $1`, string(id))
	r, err := scanRelation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: relation %s", storage.ErrNotFound, id)
	}
	return r, err
}

func insertRelation(ctx context.Context, q querier, r *storage.Relation) error {
	for _, end := range []storage.EntityID{r.SourceID, r.TargetID} {
		ok, err := entityExists(ctx, q, end)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%w: %s", storage.ErrInvalidEdge, end)
		}
	}
	props, err := encodeProperties(r.Properties)
	if err != nil {
		return err
	}
	res, err := q.ExecContext(ctx,
		`INSERT INTO kg_relations (`+relationColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO NOTHING`,
		string(r.ID), string(r.SourceID), string(r.TargetID), r.Type, props, r.Weight,
		toNanos(r.CreatedAt), toNanos(r.UpdatedAt))
	if err != nil {
		return fmt.Errorf("sqlstore: insert relation %s: %w", r.ID, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("%w: relation %s", storage.ErrAlreadyExists, r.ID)
	}
	return nil
}

func (s *Store) CreateRelation(ctx context.Context, r *storage.Relation) (*storage.Relation, error) {
	c, err := storage.PrepareRelationForCreate(r, s.timestamp())
	if err != nil {
		return nil, err
	}
	if err := s.withTx(ctx, func(q querier) error { return insertRelation(ctx, q, c) }); err != nil {
		return nil, err
	}
	return c, nil
}

func (s *Store) GetRelation(ctx context.Context, id storage.RelationID) (*storage.Relation, error) {
	if id == "" {
		return nil, storage.ErrInvalidID
	}
	var r *storage.Relation
	err := s.withConn(ctx, func(q querier) error {
		var err error
		r, err = getRelation(ctx, q, id)
		return err
	})
	return r, err
}

func (s *Store) UpdateRelation(ctx context.Context, r *storage.Relation) (*storage.Relation, error) {
	if r == nil || r.ID == "" {
		return nil, storage.ErrInvalidID
	}
	var out *storage.Relation
	err := s.withTx(ctx, func(q querier) error {
		existing, err := getRelation(ctx, q, r.ID)
		if err != nil {
			return err
		}
		c, err := storage.PrepareRelationForUpdate(r, existing, s.timestamp())
		if err != nil {
			return err
		}
		props, err := encodeProperties(c.Properties)
		if err != nil {
			return err
		}
		if _, err := q.ExecContext(ctx,
			`UPDATE kg_relations SET type = $1, properties = $2, weight = $3, updated_at = $4 WHERE id = $5`,
			c.Type, props, c.Weight, toNanos(c.UpdatedAt), string(c.ID)); err != nil {
			return fmt.Errorf("sqlstore: update relation %s: %w", c.ID, err)
		}
		out = c
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Store) DeleteRelation(ctx context.Context, id storage.RelationID) error {
	if id == "" {
		return storage.ErrInvalidID
	}
	return s.withConn(ctx, func(q querier) error {
		res, err := q.ExecContext(ctx, `DELETE FROM kg_relations WHERE id = $1`, string(id))
		if err != nil {
			return fmt.Errorf("sqlstore: delete relation %s: %w", id, err)
		}
		if n, err := res.RowsAffected(); err == nil && n == 0 {
			return fmt.Errorf("%w: relation %s", storage.ErrNotFound, id)
		}
		return nil
	})
}

func (s *Store) GetRelations(ctx context.Context, id storage.EntityID, dir storage.Direction) ([]*storage.Relation, error) {
	var where string
	switch dir {
	case storage.Outgoing:
		where = `source_id = $1`
	case storage.Incoming:
		where = `target_id = $1`
	default:
		where = `source_id = $1 OR target_id = $1`
	}
	var out []*storage.Relation
	err := s.withConn(ctx, func(q querier) error {
		rows, err := q.QueryContext(ctx,
			`SELECT `+relationColumns+` FROM kg_relations WHERE `+where+` ORDER BY id`, string(id))
		if err != nil {
			return err
		}
		out, err = collectRelations(rows)
		return err
	})
	return out, err
}

// ============================================================================
// Graph queries
// ============================================================================

func (s *Store) GetNeighbors(ctx context.Context, id storage.EntityID, q storage.NeighborQuery) ([]*storage.Entity, error) {
	return storage.Neighbors(ctx, s, id, q)
}

func (s *Store) FindPath(ctx context.Context, from, to storage.EntityID, maxDepth int) (*storage.Path, error) {
	return storage.ShortestPath(ctx, s, from, to, maxDepth)
}

func (s *Store) GetSubgraph(ctx context.Context, center storage.EntityID, depth int) (*storage.Subgraph, error) {
	return storage.CollectSubgraph(ctx, s, center, depth)
}

// ============================================================================
// Batch
// ============================================================================

// BatchCreateEntities inserts every entity in one database transaction.
func (s *Store) BatchCreateEntities(ctx context.Context, entities []*storage.Entity) ([]*storage.Entity, error) {
	now := s.timestamp()
	prepared := make([]*storage.Entity, 0, len(entities))
	for i, e := range entities {
		c, err := storage.PrepareEntityForCreate(e, now)
		if err != nil {
			return nil, fmt.Errorf("entity %d: %w", i, err)
		}
		prepared = append(prepared, c)
	}
	err := s.withTx(ctx, func(q querier) error {
		for _, c := range prepared {
			if err := insertEntity(ctx, q, c); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return prepared, nil
}

// BatchCreateRelations inserts every relation in one database transaction.
func (s *Store) BatchCreateRelations(ctx context.Context, relations []*storage.Relation) ([]*storage.Relation, error) {
	now := s.timestamp()
	prepared := make([]*storage.Relation, 0, len(relations))
	for i, r := range relations {
		c, err := storage.PrepareRelationForCreate(r, now)
		if err != nil {
			return nil, fmt.Errorf("relation %d: %w", i, err)
		}
		prepared = append(prepared, c)
	}
	err := s.withTx(ctx, func(q querier) error {
		for _, c := range prepared {
			if err := insertRelation(ctx, q, c); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return prepared, nil
}

// ============================================================================
// Stats
// ============================================================================

func (s *Store) count(ctx context.Context, table string) (int64, error) {
	var n int64
	err := s.withConn(ctx, func(q querier) error {
		return q.QueryRowContext(ctx, `SELECT COUNT(*) FROM `+table).Scan(&n)
	})
	return n, err
}

func (s *Store) CountEntities(ctx context.Context) (int64, error) {
	return s.count(ctx, "kg_entities")
}

func (s *Store) CountRelations(ctx context.Context) (int64, error) {
	return s.count(ctx, "kg_relations")
}

func groupCounts(ctx context.Context, q querier, table string, into map[string]int64) (int64, error) {
	rows, err := q.QueryContext(ctx, `SELECT type, COUNT(*) FROM `+table+` GROUP BY type`)
	if err != nil {
		return 0, err
	}
	defer rows.Close()
	var total int64
	for rows.Next() {
		var (
			typ string
			n   int64
		)
		if err := rows.Scan(&typ, &n); err != nil {
			return 0, err
		}
		into[typ] = n
		total += n
	}
	return total, rows.Err()
}

func (s *Store) Stats(ctx context.Context) (storage.Stats, error) {
	st := storage.NewStats(s.name)
	err := s.withConn(ctx, func(q querier) error {
		var err error
		if st.Entities, err = groupCounts(ctx, q, "kg_entities", st.EntityTypes); err != nil {
			return err
		}
		st.Relations, err = groupCounts(ctx, q, "kg_relations", st.RelationTypes)
		return err
	})
	if err != nil {
		return storage.Stats{}, err
	}
	return st, nil
}

// Close closes the pool and the database. It is idempotent.
func (s *Store) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	err := s.pool.Close()
	if dbErr := s.db.Close(); err == nil {
		err = dbErr
	}
	return err
}
