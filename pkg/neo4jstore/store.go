// Package neo4jstore is the graph-native storage.GraphStorage backend.
//
// Entities are (:Entity) nodes and relations are typed relationships, so
// neighbor, path and subgraph queries run as native Cypher traversals
// (variable-length matches and shortestPath) instead of hop-by-hop lookups.
// Sessions are borrowed from a pool.Pool[neo4j.SessionWithContext].
package neo4jstore

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"

	"github.com/orneryd/fingraph/pkg/logging"
	"github.com/orneryd/fingraph/pkg/metrics"
	"github.com/orneryd/fingraph/pkg/pool"
	"github.com/orneryd/fingraph/pkg/storage"
)

// Config configures a Store.
type Config struct {
	// URI is the bolt or neo4j URI, e.g. "neo4j://localhost:7687".
	URI      string
	Username string
	Password string
	// Database is the target database; empty uses the server default.
	Database string
	// Name is the backend name, default "neo4j".
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

// WithMetrics records session pool usage.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Store) { s.metrics = m }
}

// WithClock overrides the timestamp source.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// Store implements storage.GraphStorage on Neo4j.
type Store struct {
	name    string
	driver  neo4j.DriverWithContext
	pool    *pool.Pool[neo4j.SessionWithContext]
	logger  *slog.Logger
	metrics *metrics.Metrics
	now     func() time.Time
	closed  atomic.Bool
}

var _ storage.GraphStorage = (*Store)(nil)

// Open connects to Neo4j, verifies connectivity and fills the session pool.
func Open(ctx context.Context, cfg Config, opts ...Option) (*Store, error) {
	if cfg.URI == "" {
		return nil, fmt.Errorf("neo4jstore: uri is required")
	}
	name := cfg.Name
	if name == "" {
		name = "neo4j"
	}
	s := &Store{name: name, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = logging.OrDiscard(s.logger).With("component", "neo4jstore", "backend", name)

	auth := neo4j.NoAuth()
	if cfg.Username != "" {
		auth = neo4j.BasicAuth(cfg.Username, cfg.Password, "")
	}
	driver, err := neo4j.NewDriverWithContext(cfg.URI, auth)
	if err != nil {
		return nil, fmt.Errorf("neo4jstore: create driver: %w", err)
	}
	if err := driver.VerifyConnectivity(ctx); err != nil {
		_ = driver.Close(ctx)
		return nil, fmt.Errorf("neo4jstore: verify connectivity: %w", err)
	}
	s.driver = driver

	sessionConfig := neo4j.SessionConfig{AccessMode: neo4j.AccessModeWrite, DatabaseName: cfg.Database}
	s.pool = pool.New[neo4j.SessionWithContext](
		pool.ConnectionConfig{
			Kind:           "neo4j",
			Name:           name,
			Endpoint:       cfg.URI,
			PoolSize:       cfg.PoolSize,
			AcquireTimeout: cfg.AcquireTimeout,
			Username:       cfg.Username,
			Password:       cfg.Password,
		},
		func(ctx context.Context) (neo4j.SessionWithContext, error) {
			return driver.NewSession(ctx, sessionConfig), nil
		},
		func(sess neo4j.SessionWithContext) error { return sess.Close(context.Background()) },
		pool.WithLogger[neo4j.SessionWithContext](s.logger),
		pool.WithMetrics[neo4j.SessionWithContext](s.metrics),
		pool.WithPing(func(ctx context.Context, _ neo4j.SessionWithContext) error {
			return driver.VerifyConnectivity(ctx)
		}),
	)
	if err := s.pool.Initialize(ctx); err != nil {
		_ = driver.Close(ctx)
		return nil, fmt.Errorf("neo4jstore: initialize pool: %w", err)
	}
	s.logger.Debug("neo4j store opened", "uri", cfg.URI, "pool_size", s.pool.Config().PoolSize)
	return s, nil
}

func (s *Store) Name() string { return s.name }

// Pool exposes the session pool for registration with a pool.Manager.
func (s *Store) Pool() *pool.Pool[neo4j.SessionWithContext] { return s.pool }

func (s *Store) timestamp() time.Time { return s.now().UTC() }

func (s *Store) execute(ctx context.Context, write bool, work neo4j.ManagedTransactionWork) (any, error) {
	if s.closed.Load() {
		return nil, storage.ErrStorageClosed
	}
	var out any
	err := s.pool.WithConn(ctx, func(sess neo4j.SessionWithContext) error {
		var err error
		if write {
			out, err = sess.ExecuteWrite(ctx, work)
		} else {
			out, err = sess.ExecuteRead(ctx, work)
		}
		return err
	})
	return out, err
}

func (s *Store) read(ctx context.Context, work neo4j.ManagedTransactionWork) (any, error) {
	return s.execute(ctx, false, work)
}

func (s *Store) write(ctx context.Context, work neo4j.ManagedTransactionWork) (any, error) {
	return s.execute(ctx, true, work)
}

func collect(ctx context.Context, tx neo4j.ManagedTransaction, cypher string, params map[string]any) ([]*neo4j.Record, error) {
	res, err := tx.Run(ctx, cypher, params)
	if err != nil {
		return nil, err
	}
	return res.Collect(ctx)
}

func single(ctx context.Context, tx neo4j.ManagedTransaction, cypher string, params map[string]any, key string) (any, bool, error) {
	records, err := collect(ctx, tx, cypher, params)
	if err != nil || len(records) == 0 {
		return nil, false, err
	}
	v, ok := records[0].Get(key)
	return v, ok, nil
}

func count(ctx context.Context, tx neo4j.ManagedTransaction, cypher string, params map[string]any) (int64, error) {
	v, _, err := single(ctx, tx, cypher, params, "c")
	if err != nil {
		return 0, err
	}
	n, _ := v.(int64)
	return n, nil
}

// EnsureSchema creates the id constraint and type index when missing.
func (s *Store) EnsureSchema(ctx context.Context) error {
	if s.closed.Load() {
		return storage.ErrStorageClosed
	}
	return s.pool.WithConn(ctx, func(sess neo4j.SessionWithContext) error {
		for _, stmt := range schemaStatements {
			res, err := sess.Run(ctx, stmt, nil)
			if err != nil {
				return fmt.Errorf("neo4jstore: ensure schema: %w", err)
			}
			if _, err := res.Consume(ctx); err != nil {
				return fmt.Errorf("neo4jstore: ensure schema: %w", err)
			}
		}
		return nil
	})
}

// ============================================================================
// Entities
// ============================================================================

func getEntityTx(ctx context.Context, tx neo4j.ManagedTransaction, id storage.EntityID) (*storage.Entity, error) {
	v, ok, err := single(ctx, tx, `MATCH (n:Entity {id: $id}) RETURN `+entityProjection+` AS entity`,
		map[string]any{"id": string(id)}, "entity")
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: entity %s", storage.ErrNotFound, id)
	}
	return decodeEntity(v)
}

func createEntityTx(ctx context.Context, tx neo4j.ManagedTransaction, e *storage.Entity) error {
	n, err := count(ctx, tx, `MATCH (n:Entity {id: $id}) RETURN count(n) AS c`, map[string]any{"id": string(e.ID)})
	if err != nil {
		return err
	}
	if n > 0 {
		return fmt.Errorf("%w: entity %s", storage.ErrAlreadyExists, e.ID)
	}
	params, err := entityParams(e)
	if err != nil {
		return err
	}
	_, err = collect(ctx, tx, `CREATE (n:Entity {id: $id, type: $type, name: $name, properties: $properties, created_at: $created_at, updated_at: $updated_at})`, params)
	return err
}

func (s *Store) CreateEntity(ctx context.Context, e *storage.Entity) (*storage.Entity, error) {
	c, err := storage.PrepareEntityForCreate(e, s.timestamp())
	if err != nil {
		return nil, err
	}
	_, err = s.write(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		return nil, createEntityTx(ctx, tx, c)
	})
	if err != nil {
		return nil, err
	}
	return c, nil
}

func (s *Store) GetEntity(ctx context.Context, id storage.EntityID) (*storage.Entity, error) {
	if id == "" {
		return nil, storage.ErrInvalidID
	}
	v, err := s.read(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		return getEntityTx(ctx, tx, id)
	})
	if err != nil {
		return nil, err
	}
	return v.(*storage.Entity), nil
}

// GetEntities returns the existing entities among ids, in the order given.
func (s *Store) GetEntities(ctx context.Context, ids []storage.EntityID) ([]*storage.Entity, error) {
	raw := make([]string, len(ids))
	for i, id := range ids {
		raw[i] = string(id)
	}
	v, err := s.read(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		records, err := collect(ctx, tx, `MATCH (n:Entity) WHERE n.id IN $ids RETURN `+entityProjection+` AS entity`,
			map[string]any{"ids": raw})
		if err != nil {
			return nil, err
		}
		byID := make(map[storage.EntityID]*storage.Entity, len(records))
		for _, rec := range records {
			val, _ := rec.Get("entity")
			e, err := decodeEntity(val)
			if err != nil {
				return nil, err
			}
			byID[e.ID] = e
		}
		return byID, nil
	})
	if err != nil {
		return nil, err
	}
	byID := v.(map[storage.EntityID]*storage.Entity)
	out := make([]*storage.Entity, 0, len(ids))
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
	v, err := s.write(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		existing, err := getEntityTx(ctx, tx, e.ID)
		if err != nil {
			return nil, err
		}
		c, err := storage.PrepareEntityForUpdate(e, existing, s.timestamp())
		if err != nil {
			return nil, err
		}
		params, err := entityParams(c)
		if err != nil {
			return nil, err
		}
		_, err = collect(ctx, tx, `MATCH (n:Entity {id: $id})
SET n.type = $type, n.name = $name, n.properties = $properties, n.updated_at = $updated_at`, params)
		return c, err
	})
	if err != nil {
		return nil, err
	}
	return v.(*storage.Entity), nil
}

// DeleteEntity detaches and deletes the node, removing its relations.
func (s *Store) DeleteEntity(ctx context.Context, id storage.EntityID) error {
	if id == "" {
		return storage.ErrInvalidID
	}
	_, err := s.write(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		n, err := count(ctx, tx, `MATCH (n:Entity {id: $id}) DETACH DELETE n RETURN count(*) AS c`,
			map[string]any{"id": string(id)})
		if err != nil {
			return nil, err
		}
		if n == 0 {
			return nil, fmt.Errorf("%w: entity %s", storage.ErrNotFound, id)
		}
		return nil, nil
	})
	return err
}

func (s *Store) SearchEntities(ctx context.Context, q storage.SearchQuery) ([]*storage.Entity, error) {
	cypher, params := searchQuery(q)
	v, err := s.read(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		records, err := collect(ctx, tx, cypher, params)
		if err != nil {
			return nil, err
		}
		var out []*storage.Entity
		for _, rec := range records {
			raw, _ := rec.Get("entity")
			e, err := decodeEntity(raw)
			if err != nil {
				return nil, err
			}
			if storage.MatchesSearch(e, q) {
				out = append(out, e)
			}
		}
		return out, nil
	})
	if err != nil {
		return nil, err
	}
	return storage.Limit(v.([]*storage.Entity), q.Limit), nil
}

// ============================================================================
// Relations
// ============================================================================

func getRelationTx(ctx context.Context, tx neo4j.ManagedTransaction, id storage.RelationID) (*storage.Relation, error) {
	v, ok, err := single(ctx, tx, `MATCH ()-[r {id: $id}]->() RETURN `+relationProjection+` AS rel`,
		map[string]any{"id": string(id)}, "rel")
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: relation %s", storage.ErrNotFound, id)
	}
	return decodeRelation(v)
}

func createRelationTx(ctx context.Context, tx neo4j.ManagedTransaction, r *storage.Relation) error {
	cypher, err := createRelationQuery(r.Type)
	if err != nil {
		return err
	}
	n, err := count(ctx, tx, `MATCH ()-[r {id: $id}]->() RETURN count(r) AS c`, map[string]any{"id": string(r.ID)})
	if err != nil {
		return err
	}
	if n > 0 {
		return fmt.Errorf("%w: relation %s", storage.ErrAlreadyExists, r.ID)
	}
	params, err := relationParams(r)
	if err != nil {
		return err
	}
	v, _, err := single(ctx, tx, cypher, params, "created")
	if err != nil {
		return err
	}
	if created, _ := v.(int64); created == 0 {
		return fmt.Errorf("%w: %s -> %s", storage.ErrInvalidEdge, r.SourceID, r.TargetID)
	}
	return nil
}

func (s *Store) CreateRelation(ctx context.Context, r *storage.Relation) (*storage.Relation, error) {
	c, err := storage.PrepareRelationForCreate(r, s.timestamp())
	if err != nil {
		return nil, err
	}
	_, err = s.write(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		return nil, createRelationTx(ctx, tx, c)
	})
	if err != nil {
		return nil, err
	}
	return c, nil
}

func (s *Store) GetRelation(ctx context.Context, id storage.RelationID) (*storage.Relation, error) {
	if id == "" {
		return nil, storage.ErrInvalidID
	}
	v, err := s.read(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		return getRelationTx(ctx, tx, id)
	})
	if err != nil {
		return nil, err
	}
	return v.(*storage.Relation), nil
}

// UpdateRelation rewrites the relation. A type change recreates the
// relationship because Neo4j relationship types are immutable.
func (s *Store) UpdateRelation(ctx context.Context, r *storage.Relation) (*storage.Relation, error) {
	if r == nil || r.ID == "" {
		return nil, storage.ErrInvalidID
	}
	v, err := s.write(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		existing, err := getRelationTx(ctx, tx, r.ID)
		if err != nil {
			return nil, err
		}
		c, err := storage.PrepareRelationForUpdate(r, existing, s.timestamp())
		if err != nil {
			return nil, err
		}
		if c.Type != existing.Type {
			if _, err := relType(c.Type); err != nil {
				return nil, err
			}
			if _, err := collect(ctx, tx, `MATCH ()-[r {id: $id}]->() DELETE r`, map[string]any{"id": string(c.ID)}); err != nil {
				return nil, err
			}
			return c, createRelationTx(ctx, tx, c)
		}
		params, err := relationParams(c)
		if err != nil {
			return nil, err
		}
		_, err = collect(ctx, tx, `MATCH ()-[r {id: $id}]->()
SET r.properties = $properties, r.weight = $weight, r.updated_at = $updated_at`, params)
		return c, err
	})
	if err != nil {
		return nil, err
	}
	return v.(*storage.Relation), nil
}

func (s *Store) DeleteRelation(ctx context.Context, id storage.RelationID) error {
	if id == "" {
		return storage.ErrInvalidID
	}
	_, err := s.write(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		n, err := count(ctx, tx, `MATCH ()-[r {id: $id}]->() DELETE r RETURN count(*) AS c`,
			map[string]any{"id": string(id)})
		if err != nil {
			return nil, err
		}
		if n == 0 {
			return nil, fmt.Errorf("%w: relation %s", storage.ErrNotFound, id)
		}
		return nil, nil
	})
	return err
}

func relationsFrom(records []*neo4j.Record, key string) ([]*storage.Relation, error) {
	out := make([]*storage.Relation, 0, len(records))
	for _, rec := range records {
		raw, _ := rec.Get(key)
		r, err := decodeRelation(raw)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, nil
}

func (s *Store) GetRelations(ctx context.Context, id storage.EntityID, dir storage.Direction) ([]*storage.Relation, error) {
	v, err := s.read(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		records, err := collect(ctx, tx, relationsQuery(dir), map[string]any{"id": string(id)})
		if err != nil {
			return nil, err
		}
		return relationsFrom(records, "rel")
	})
	if err != nil {
		return nil, err
	}
	return v.([]*storage.Relation), nil
}

// ============================================================================
// Graph queries
// ============================================================================

func (s *Store) GetNeighbors(ctx context.Context, id storage.EntityID, q storage.NeighborQuery) ([]*storage.Entity, error) {
	cypher, params := neighborsQuery(id, q)
	v, err := s.read(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		if _, err := getEntityTx(ctx, tx, id); err != nil {
			return nil, err
		}
		records, err := collect(ctx, tx, cypher, params)
		if err != nil {
			return nil, err
		}
		out := make([]*storage.Entity, 0, len(records))
		for _, rec := range records {
			raw, _ := rec.Get("entity")
			e, err := decodeEntity(raw)
			if err != nil {
				return nil, err
			}
			out = append(out, e)
		}
		return out, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]*storage.Entity), nil
}

// FindPath uses Cypher shortestPath over undirected relationships.
func (s *Store) FindPath(ctx context.Context, from, to storage.EntityID, maxDepth int) (*storage.Path, error) {
	v, err := s.read(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		start, err := getEntityTx(ctx, tx, from)
		if err != nil {
			return nil, err
		}
		if _, err := getEntityTx(ctx, tx, to); err != nil {
			return nil, err
		}
		if from == to {
			return &storage.Path{Entities: []*storage.Entity{start}}, nil
		}
		records, err := collect(ctx, tx, shortestPathQuery(maxDepth), map[string]any{"from": string(from), "to": string(to)})
		if err != nil {
			return nil, err
		}
		if len(records) == 0 {
			return nil, fmt.Errorf("%w: no path from %s to %s within %d hops", storage.ErrNotFound, from, to, maxDepth)
		}
		rawEntities, _ := records[0].Get("entities")
		rawRelations, _ := records[0].Get("relations")
		entities, err := decodeEntities(rawEntities)
		if err != nil {
			return nil, err
		}
		relations, err := decodeRelations(rawRelations)
		if err != nil {
			return nil, err
		}
		return &storage.Path{Entities: entities, Relations: relations}, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*storage.Path), nil
}

// GetSubgraph collects member ids with a variable-length match, then the
// relations among them.
func (s *Store) GetSubgraph(ctx context.Context, center storage.EntityID, depth int) (*storage.Subgraph, error) {
	v, err := s.read(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		if _, err := getEntityTx(ctx, tx, center); err != nil {
			return nil, err
		}
		rawIDs, _, err := single(ctx, tx, subgraphMembersQuery(depth), map[string]any{"id": string(center)}, "ids")
		if err != nil {
			return nil, err
		}
		list, _ := rawIDs.([]any)
		ids := make([]string, 0, len(list))
		for _, id := range list {
			if sid, ok := id.(string); ok {
				ids = append(ids, sid)
			}
		}
		entityRecords, err := collect(ctx, tx, `MATCH (n:Entity) WHERE n.id IN $ids RETURN `+entityProjection+` AS entity ORDER BY entity.id`,
			map[string]any{"ids": ids})
		if err != nil {
			return nil, err
		}
		entities := make([]*storage.Entity, 0, len(entityRecords))
		for _, rec := range entityRecords {
			raw, _ := rec.Get("entity")
			e, err := decodeEntity(raw)
			if err != nil {
				return nil, err
			}
			entities = append(entities, e)
		}
		relRecords, err := collect(ctx, tx, subgraphRelationsQuery, map[string]any{"ids": ids})
		if err != nil {
			return nil, err
		}
		relations, err := relationsFrom(relRecords, "rel")
		if err != nil {
			return nil, err
		}
		return &storage.Subgraph{Entities: entities, Relations: relations}, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*storage.Subgraph), nil
}

// ============================================================================
// Batch
// ============================================================================

// BatchCreateEntities creates every entity in one write transaction.
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
	_, err := s.write(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		for _, c := range prepared {
			if err := createEntityTx(ctx, tx, c); err != nil {
				return nil, err
			}
		}
		return nil, nil
	})
	if err != nil {
		return nil, err
	}
	return prepared, nil
}

// BatchCreateRelations creates every relation in one write transaction.
func (s *Store) BatchCreateRelations(ctx context.Context, relations []*storage.Relation) ([]*storage.Relation, error) {
	now := s.timestamp()
	prepared := make([]*storage.Relation, 0, len(relations))
	for i, r := range relations {
		c, err := storage.PrepareRelationForCreate(r, now)
		if err != nil {
			return nil, fmt.Errorf("relation %d: %w", i, err)
		}
		if _, err := relType(c.Type); err != nil {
			return nil, fmt.Errorf("relation %d: %w", i, err)
		}
		prepared = append(prepared, c)
	}
	_, err := s.write(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		for _, c := range prepared {
			if err := createRelationTx(ctx, tx, c); err != nil {
				return nil, err
			}
		}
		return nil, nil
	})
	if err != nil {
		return nil, err
	}
	return prepared, nil
}

// ============================================================================
// Stats
// ============================================================================

func (s *Store) CountEntities(ctx context.Context) (int64, error) {
	v, err := s.read(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		return count(ctx, tx, `MATCH (n:Entity) RETURN count(n) AS c`, nil)
	})
	if err != nil {
		return 0, err
	}
	return v.(int64), nil
}

func (s *Store) CountRelations(ctx context.Context) (int64, error) {
	v, err := s.read(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		return count(ctx, tx, `MATCH (:Entity)-[r]->(:Entity) RETURN count(r) AS c`, nil)
	})
	if err != nil {
		return 0, err
	}
	return v.(int64), nil
}

func groupCounts(ctx context.Context, tx neo4j.ManagedTransaction, cypher string, into map[string]int64) (int64, error) {
	records, err := collect(ctx, tx, cypher, nil)
	if err != nil {
		return 0, err
	}
	var total int64
	for _, rec := range records {
		t, _ := rec.Get("type")
		c, _ := rec.Get("c")
		typ, _ := t.(string)
		n, _ := c.(int64)
		into[typ] = n
		total += n
	}
	return total, nil
}

func (s *Store) Stats(ctx context.Context) (storage.Stats, error) {
	st := storage.NewStats(s.name)
	_, err := s.read(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		clear(st.EntityTypes)
		clear(st.RelationTypes)
		var err error
		if st.Entities, err = groupCounts(ctx, tx, `MATCH (n:Entity) RETURN n.type AS type, count(*) AS c`, st.EntityTypes); err != nil {
			return nil, err
		}
		st.Relations, err = groupCounts(ctx, tx, `MATCH (:Entity)-[r]->(:Entity) RETURN type(r) AS type, count(*) AS c`, st.RelationTypes)
		return nil, err
	})
	if err != nil {
		return storage.Stats{}, err
	}
	return st, nil
}

// Close closes the session pool and the driver. It is idempotent.
func (s *Store) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	err := s.pool.Close()
	if dErr := s.driver.Close(context.Background()); err == nil {
		err = dErr
	}
	return err
}
