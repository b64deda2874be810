package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
)

// Key prefixes for BadgerDB storage organization
// Using single-byte prefixes for efficiency
const (
	prefixEntity    = byte(0x01) // entity:entityID -> Entity
	prefixRelation  = byte(0x02) // relation:relationID -> Relation
	prefixTypeIndex = byte(0x03) // type:typeName:entityID -> []byte{}
	prefixOutgoing  = byte(0x04) // outgoing:entityID:relationID -> []byte{}
	prefixIncoming  = byte(0x05) // incoming:entityID:relationID -> []byte{}
)

// BadgerStorage is a persistent, graph-native GraphStorage on BadgerDB.
//
// Adjacency is kept as index keys next to the records, so a traversal step
// is one prefix scan.
//
// Key Structure:
//   - Entities: 0x01 + entityID -> JSON(Entity)
//   - Relations: 0x02 + relationID -> JSON(Relation)
//   - Type Index: 0x03 + type + 0x00 + entityID -> empty
//   - Outgoing Index: 0x04 + entityID + 0x00 + relationID -> empty
//   - Incoming Index: 0x05 + entityID + 0x00 + relationID -> empty
//
// Example:
//
//	g, err := storage.NewBadgerStorage(storage.BadgerOptions{DataDir: "./data/graph"})
//	if err != nil {
//		return err
//	}
//	defer g.Close()
type BadgerStorage struct {
	name   string
	db     *badger.DB
	now    func() time.Time
	mu     sync.RWMutex
	closed bool
}

// BadgerOptions configures the BadgerDB backend.
type BadgerOptions struct {
	// Name overrides the backend name (default "badger").
	Name string

	// DataDir is the directory for storing data files.
	// Required unless InMemory is set.
	DataDir string

	// InMemory runs BadgerDB in memory-only mode.
	// Useful for testing. Data is not persisted.
	InMemory bool

	// SyncWrites forces fsync after each write.
	SyncWrites bool

	// Logger for BadgerDB internal logging. Nil silences it.
	Logger badger.Logger

	// LowMemory reduces memtable and cache sizes.
	LowMemory bool
}

// NewBadgerStorage opens a BadgerDB-backed store.
func NewBadgerStorage(opts BadgerOptions) (*BadgerStorage, error) {
	badgerOpts := badger.DefaultOptions(opts.DataDir)
	if opts.InMemory {
		badgerOpts = badger.DefaultOptions("").WithInMemory(true)
	}
	if opts.SyncWrites {
		badgerOpts = badgerOpts.WithSyncWrites(true)
	}
	badgerOpts = badgerOpts.WithLogger(opts.Logger)

	if opts.LowMemory {
		badgerOpts = badgerOpts.
			WithMemTableSize(16 << 20).     // 16MB instead of 64MB
			WithValueLogFileSize(64 << 20). // 64MB instead of 1GB
			WithNumMemtables(2).
			WithNumLevelZeroTables(2).
			WithNumLevelZeroTablesStall(4).
			WithBlockCacheSize(32 << 20).
			WithIndexCacheSize(16 << 20)
	}

	db, err := badger.Open(badgerOpts)
	if err != nil {
		return nil, fmt.Errorf("failed to open BadgerDB: %w", err)
	}

	name := opts.Name
	if name == "" {
		name = "badger"
	}
	return &BadgerStorage{name: name, db: db, now: time.Now}, nil
}

// NewBadgerStorageInMemory opens an in-memory BadgerDB for testing.
func NewBadgerStorageInMemory() (*BadgerStorage, error) {
	return NewBadgerStorage(BadgerOptions{InMemory: true})
}

func (b *BadgerStorage) Name() string { return b.name }

func (b *BadgerStorage) checkOpen() error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ErrStorageClosed
	}
	return nil
}

// ============================================================================
// Key encoding helpers
// ============================================================================

func entityKey(id EntityID) []byte {
	return append([]byte{prefixEntity}, []byte(id)...)
}

func relationKey(id RelationID) []byte {
	return append([]byte{prefixRelation}, []byte(id)...)
}

// indexKey builds prefix + part + 0x00 + id.
func indexKey(prefix byte, part, id string) []byte {
	key := make([]byte, 0, 1+len(part)+1+len(id))
	key = append(key, prefix)
	key = append(key, part...)
	key = append(key, 0x00)
	key = append(key, id...)
	return key
}

func indexPrefix(prefix byte, part string) []byte {
	key := make([]byte, 0, 1+len(part)+1)
	key = append(key, prefix)
	key = append(key, part...)
	key = append(key, 0x00)
	return key
}

// idFromIndexKey returns the part after the 0x00 separator.
func idFromIndexKey(key []byte) string {
	if i := bytes.IndexByte(key[1:], 0x00); i >= 0 {
		return string(key[i+2:])
	}
	return ""
}

// ============================================================================
// Serialization helpers
// ============================================================================

type serializableEntity struct {
	ID         string         `json:"id"`
	Type       string         `json:"type"`
	Name       string         `json:"name"`
	Properties map[string]any `json:"properties"`
	CreatedAt  int64          `json:"createdAt"`
	UpdatedAt  int64          `json:"updatedAt"`
}

type serializableRelation struct {
	ID         string         `json:"id"`
	SourceID   string         `json:"sourceId"`
	TargetID   string         `json:"targetId"`
	Type       string         `json:"type"`
	Properties map[string]any `json:"properties"`
	Weight     float64        `json:"weight"`
	CreatedAt  int64          `json:"createdAt"`
	UpdatedAt  int64          `json:"updatedAt"`
}

func encodeEntity(e *Entity) ([]byte, error) {
	return json.Marshal(serializableEntity{
		ID:         string(e.ID),
		Type:       e.Type,
		Name:       e.Name,
		Properties: e.Properties,
		CreatedAt:  e.CreatedAt.UnixNano(),
		UpdatedAt:  e.UpdatedAt.UnixNano(),
	})
}

func decodeEntity(data []byte) (*Entity, error) {
	var se serializableEntity
	if err := json.Unmarshal(data, &se); err != nil {
		return nil, err
	}
	return &Entity{
		ID:         EntityID(se.ID),
		Type:       se.Type,
		Name:       se.Name,
		Properties: se.Properties,
		CreatedAt:  nanosToTime(se.CreatedAt),
		UpdatedAt:  nanosToTime(se.UpdatedAt),
	}, nil
}

func encodeRelation(r *Relation) ([]byte, error) {
	return json.Marshal(serializableRelation{
		ID:         string(r.ID),
		SourceID:   string(r.SourceID),
		TargetID:   string(r.TargetID),
		Type:       r.Type,
		Properties: r.Properties,
		Weight:     r.Weight,
		CreatedAt:  r.CreatedAt.UnixNano(),
		UpdatedAt:  r.UpdatedAt.UnixNano(),
	})
}

func decodeRelation(data []byte) (*Relation, error) {
	var sr serializableRelation
	if err := json.Unmarshal(data, &sr); err != nil {
		return nil, err
	}
	return &Relation{
		ID:         RelationID(sr.ID),
		SourceID:   EntityID(sr.SourceID),
		TargetID:   EntityID(sr.TargetID),
		Type:       sr.Type,
		Properties: sr.Properties,
		Weight:     sr.Weight,
		CreatedAt:  nanosToTime(sr.CreatedAt),
		UpdatedAt:  nanosToTime(sr.UpdatedAt),
	}, nil
}

func nanosToTime(n int64) time.Time {
	if n <= 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}

func getEntityTxn(txn *badger.Txn, id EntityID) (*Entity, error) {
	item, err := txn.Get(entityKey(id))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, fmt.Errorf("%w: entity %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	var e *Entity
	err = item.Value(func(val []byte) error {
		var decodeErr error
		e, decodeErr = decodeEntity(val)
		return decodeErr
	})
	return e, err
}

func getRelationTxn(txn *badger.Txn, id RelationID) (*Relation, error) {
	item, err := txn.Get(relationKey(id))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, fmt.Errorf("%w: relation %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, err
	}
	var r *Relation
	err = item.Value(func(val []byte) error {
		var decodeErr error
		r, decodeErr = decodeRelation(val)
		return decodeErr
	})
	return r, err
}

func exists(txn *badger.Txn, key []byte) (bool, error) {
	_, err := txn.Get(key)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, badger.ErrKeyNotFound) {
		return false, nil
	}
	return false, err
}

// scanIDs collects the ids of every index key under prefix.
func scanIDs(txn *badger.Txn, prefix []byte) []string {
	opts := badger.DefaultIteratorOptions
	opts.PrefetchValues = false
	it := txn.NewIterator(opts)
	defer it.Close()

	var ids []string
	for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
		ids = append(ids, idFromIndexKey(it.Item().Key()))
	}
	return ids
}

// ============================================================================
// Entity Operations
// ============================================================================

func (b *BadgerStorage) CreateEntity(ctx context.Context, e *Entity) (*Entity, error) {
	c, err := PrepareEntityForCreate(e, b.now().UTC())
	if err != nil {
		return nil, err
	}
	if err := b.checkOpen(); err != nil {
		return nil, err
	}
	err = b.db.Update(func(txn *badger.Txn) error {
		return b.createEntityTxn(txn, c)
	})
	if err != nil {
		return nil, err
	}
	return c.Clone(), nil
}

func (b *BadgerStorage) createEntityTxn(txn *badger.Txn, c *Entity) error {
	found, err := exists(txn, entityKey(c.ID))
	if err != nil {
		return err
	}
	if found {
		return fmt.Errorf("%w: entity %s", ErrAlreadyExists, c.ID)
	}
	return putEntityTxn(txn, c)
}

func putEntityTxn(txn *badger.Txn, e *Entity) error {
	data, err := encodeEntity(e)
	if err != nil {
		return fmt.Errorf("failed to encode entity: %w", err)
	}
	if err := txn.Set(entityKey(e.ID), data); err != nil {
		return err
	}
	return txn.Set(indexKey(prefixTypeIndex, e.Type, string(e.ID)), []byte{})
}

func (b *BadgerStorage) GetEntity(ctx context.Context, id EntityID) (*Entity, error) {
	if id == "" {
		return nil, ErrInvalidID
	}
	if err := b.checkOpen(); err != nil {
		return nil, err
	}
	var e *Entity
	err := b.db.View(func(txn *badger.Txn) error {
		var err error
		e, err = getEntityTxn(txn, id)
		return err
	})
	return e, err
}

func (b *BadgerStorage) GetEntities(ctx context.Context, ids []EntityID) ([]*Entity, error) {
	if err := b.checkOpen(); err != nil {
		return nil, err
	}
	out := make([]*Entity, 0, len(ids))
	err := b.db.View(func(txn *badger.Txn) error {
		for _, id := range ids {
			e, err := getEntityTxn(txn, id)
			if errors.Is(err, ErrNotFound) {
				continue
			}
			if err != nil {
				return err
			}
			out = append(out, e)
		}
		return nil
	})
	return out, err
}

func (b *BadgerStorage) UpdateEntity(ctx context.Context, e *Entity) (*Entity, error) {
	if e == nil || e.ID == "" {
		return nil, ErrInvalidID
	}
	if err := b.checkOpen(); err != nil {
		return nil, err
	}
	var out *Entity
	err := b.db.Update(func(txn *badger.Txn) error {
		existing, err := getEntityTxn(txn, e.ID)
		if err != nil {
			return err
		}
		c, err := PrepareEntityForUpdate(e, existing, b.now().UTC())
		if err != nil {
			return err
		}
		if existing.Type != c.Type {
			if err := txn.Delete(indexKey(prefixTypeIndex, existing.Type, string(e.ID))); err != nil {
				return err
			}
		}
		out = c
		return putEntityTxn(txn, c)
	})
	if err != nil {
		return nil, err
	}
	return out.Clone(), nil
}

func (b *BadgerStorage) DeleteEntity(ctx context.Context, id EntityID) error {
	if id == "" {
		return ErrInvalidID
	}
	if err := b.checkOpen(); err != nil {
		return err
	}
	return b.db.Update(func(txn *badger.Txn) error {
		e, err := getEntityTxn(txn, id)
		if err != nil {
			return err
		}
		rels := scanIDs(txn, indexPrefix(prefixOutgoing, string(id)))
		rels = append(rels, scanIDs(txn, indexPrefix(prefixIncoming, string(id)))...)
		for _, rid := range rels {
			if err := deleteRelationTxn(txn, RelationID(rid)); err != nil && !errors.Is(err, ErrNotFound) {
				return err
			}
		}
		if err := txn.Delete(indexKey(prefixTypeIndex, e.Type, string(id))); err != nil {
			return err
		}
		return txn.Delete(entityKey(id))
	})
}

func (b *BadgerStorage) SearchEntities(ctx context.Context, q SearchQuery) ([]*Entity, error) {
	if err := b.checkOpen(); err != nil {
		return nil, err
	}
	var out []*Entity
	err := b.db.View(func(txn *badger.Txn) error {
		if q.Type != "" {
			for _, id := range scanIDs(txn, indexPrefix(prefixTypeIndex, q.Type)) {
				e, err := getEntityTxn(txn, EntityID(id))
				if err != nil {
					return err
				}
				if MatchesSearch(e, q) {
					out = append(out, e)
				}
			}
			return nil
		}

		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		prefix := []byte{prefixEntity}
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			var e *Entity
			if err := it.Item().Value(func(val []byte) error {
				var decodeErr error
				e, decodeErr = decodeEntity(val)
				return decodeErr
			}); err != nil {
				return err
			}
			if MatchesSearch(e, q) {
				out = append(out, e)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	SortEntities(out)
	return Limit(out, q.Limit), nil
}

// ============================================================================
// Relation Operations
// ============================================================================

func (b *BadgerStorage) CreateRelation(ctx context.Context, r *Relation) (*Relation, error) {
	c, err := PrepareRelationForCreate(r, b.now().UTC())
	if err != nil {
		return nil, err
	}
	if err := b.checkOpen(); err != nil {
		return nil, err
	}
	err = b.db.Update(func(txn *badger.Txn) error {
		return createRelationTxn(txn, c)
	})
	if err != nil {
		return nil, err
	}
	return c.Clone(), nil
}

func createRelationTxn(txn *badger.Txn, c *Relation) error {
	found, err := exists(txn, relationKey(c.ID))
	if err != nil {
		return err
	}
	if found {
		return fmt.Errorf("%w: relation %s", ErrAlreadyExists, c.ID)
	}
	for _, end := range []EntityID{c.SourceID, c.TargetID} {
		ok, err := exists(txn, entityKey(end))
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%w: %s", ErrInvalidEdge, end)
		}
	}
	if err := putRelationTxn(txn, c); err != nil {
		return err
	}
	if err := txn.Set(indexKey(prefixOutgoing, string(c.SourceID), string(c.ID)), []byte{}); err != nil {
		return err
	}
	return txn.Set(indexKey(prefixIncoming, string(c.TargetID), string(c.ID)), []byte{})
}

func putRelationTxn(txn *badger.Txn, r *Relation) error {
	data, err := encodeRelation(r)
	if err != nil {
		return fmt.Errorf("failed to encode relation: %w", err)
	}
	return txn.Set(relationKey(r.ID), data)
}

func (b *BadgerStorage) GetRelation(ctx context.Context, id RelationID) (*Relation, error) {
	if id == "" {
		return nil, ErrInvalidID
	}
	if err := b.checkOpen(); err != nil {
		return nil, err
	}
	var r *Relation
	err := b.db.View(func(txn *badger.Txn) error {
		var err error
		r, err = getRelationTxn(txn, id)
		return err
	})
	return r, err
}

func (b *BadgerStorage) UpdateRelation(ctx context.Context, r *Relation) (*Relation, error) {
	if r == nil || r.ID == "" {
		return nil, ErrInvalidID
	}
	if err := b.checkOpen(); err != nil {
		return nil, err
	}
	var out *Relation
	err := b.db.Update(func(txn *badger.Txn) error {
		existing, err := getRelationTxn(txn, r.ID)
		if err != nil {
			return err
		}
		c, err := PrepareRelationForUpdate(r, existing, b.now().UTC())
		if err != nil {
			return err
		}
		out = c
		return putRelationTxn(txn, c)
	})
	if err != nil {
		return nil, err
	}
	return out.Clone(), nil
}

func (b *BadgerStorage) DeleteRelation(ctx context.Context, id RelationID) error {
	if id == "" {
		return ErrInvalidID
	}
	if err := b.checkOpen(); err != nil {
		return err
	}
	return b.db.Update(func(txn *badger.Txn) error {
		return deleteRelationTxn(txn, id)
	})
}

func deleteRelationTxn(txn *badger.Txn, id RelationID) error {
	r, err := getRelationTxn(txn, id)
	if err != nil {
		return err
	}
	if err := txn.Delete(indexKey(prefixOutgoing, string(r.SourceID), string(id))); err != nil {
		return err
	}
	if err := txn.Delete(indexKey(prefixIncoming, string(r.TargetID), string(id))); err != nil {
		return err
	}
	return txn.Delete(relationKey(id))
}

func (b *BadgerStorage) GetRelations(ctx context.Context, id EntityID, dir Direction) ([]*Relation, error) {
	if err := b.checkOpen(); err != nil {
		return nil, err
	}
	if dir == "" {
		dir = Both
	}
	var out []*Relation
	err := b.db.View(func(txn *badger.Txn) error {
		var ids []string
		if dir == Outgoing || dir == Both {
			ids = append(ids, scanIDs(txn, indexPrefix(prefixOutgoing, string(id)))...)
		}
		if dir == Incoming || dir == Both {
			ids = append(ids, scanIDs(txn, indexPrefix(prefixIncoming, string(id)))...)
		}
		seen := make(map[string]bool, len(ids))
		for _, rid := range ids {
			if seen[rid] {
				continue
			}
			seen[rid] = true
			r, err := getRelationTxn(txn, RelationID(rid))
			if err != nil {
				return err
			}
			out = append(out, r)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	SortRelations(out)
	return out, nil
}

// ============================================================================
// Graph queries
// ============================================================================

func (b *BadgerStorage) GetNeighbors(ctx context.Context, id EntityID, q NeighborQuery) ([]*Entity, error) {
	return Neighbors(ctx, b, id, q)
}

func (b *BadgerStorage) FindPath(ctx context.Context, from, to EntityID, maxDepth int) (*Path, error) {
	return ShortestPath(ctx, b, from, to, maxDepth)
}

func (b *BadgerStorage) GetSubgraph(ctx context.Context, center EntityID, depth int) (*Subgraph, error) {
	return CollectSubgraph(ctx, b, center, depth)
}

// ============================================================================
// Batch
// ============================================================================

// BatchCreateEntities writes every entity in one transaction.
func (b *BadgerStorage) BatchCreateEntities(ctx context.Context, entities []*Entity) ([]*Entity, error) {
	now := b.now().UTC()
	prepared := make([]*Entity, 0, len(entities))
	for i, e := range entities {
		c, err := PrepareEntityForCreate(e, now)
		if err != nil {
			return nil, fmt.Errorf("entity %d: %w", i, err)
		}
		prepared = append(prepared, c)
	}
	if err := b.checkOpen(); err != nil {
		return nil, err
	}
	err := b.db.Update(func(txn *badger.Txn) error {
		for _, c := range prepared {
			if err := b.createEntityTxn(txn, c); err != nil {
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

// BatchCreateRelations writes every relation in one transaction.
func (b *BadgerStorage) BatchCreateRelations(ctx context.Context, relations []*Relation) ([]*Relation, error) {
	now := b.now().UTC()
	prepared := make([]*Relation, 0, len(relations))
	for i, r := range relations {
		c, err := PrepareRelationForCreate(r, now)
		if err != nil {
			return nil, fmt.Errorf("relation %d: %w", i, err)
		}
		prepared = append(prepared, c)
	}
	if err := b.checkOpen(); err != nil {
		return nil, err
	}
	err := b.db.Update(func(txn *badger.Txn) error {
		for _, c := range prepared {
			if err := createRelationTxn(txn, c); err != nil {
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

func (b *BadgerStorage) countPrefix(prefix byte) (int64, error) {
	if err := b.checkOpen(); err != nil {
		return 0, err
	}
	var n int64
	err := b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()
		p := []byte{prefix}
		for it.Seek(p); it.ValidForPrefix(p); it.Next() {
			n++
		}
		return nil
	})
	return n, err
}

func (b *BadgerStorage) CountEntities(ctx context.Context) (int64, error) {
	return b.countPrefix(prefixEntity)
}

func (b *BadgerStorage) CountRelations(ctx context.Context) (int64, error) {
	return b.countPrefix(prefixRelation)
}

func (b *BadgerStorage) Stats(ctx context.Context) (Stats, error) {
	if err := b.checkOpen(); err != nil {
		return Stats{}, err
	}
	s := NewStats(b.name)
	err := b.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		for _, prefix := range []byte{prefixEntity, prefixRelation} {
			p := []byte{prefix}
			for it.Seek(p); it.ValidForPrefix(p); it.Next() {
				err := it.Item().Value(func(val []byte) error {
					if prefix == prefixEntity {
						e, err := decodeEntity(val)
						if err != nil {
							return err
						}
						s.Entities++
						s.EntityTypes[e.Type]++
						return nil
					}
					r, err := decodeRelation(val)
					if err != nil {
						return err
					}
					s.Relations++
					s.RelationTypes[r.Type]++
					return nil
				})
				if err != nil {
					return err
				}
			}
		}
		return nil
	})
	return s, err
}

// Close closes the database. It is idempotent.
func (b *BadgerStorage) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	return b.db.Close()
}
