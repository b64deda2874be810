package storage

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// MemoryStorage is a thread-safe in-memory GraphStorage.
//
// Use Cases:
//   - Unit testing (no disk I/O, fast cleanup)
//   - The secondary of a dual-write setup in development
//   - Small graphs that fit entirely in RAM
//
// Features:
//   - Indexed: maintains type and adjacency indexes for O(degree) traversal
//   - Copies: returns clones so callers cannot mutate stored state
//
// Example:
//
//	g := storage.NewMemoryStorage()
//	defer g.Close()
//
//	e, _ := g.CreateEntity(ctx, &storage.Entity{Type: "Sector", Name: "Energy"})
//	found, _ := g.SearchEntities(ctx, storage.SearchQuery{Type: "Sector"})
type MemoryStorage struct {
	name string
	now  func() time.Time

	mu        sync.RWMutex
	entities  map[EntityID]*Entity
	relations map[RelationID]*Relation

	entitiesByType map[string]map[EntityID]struct{}
	outgoing       map[EntityID]map[RelationID]struct{}
	incoming       map[EntityID]map[RelationID]struct{}

	closed bool
}

// MemoryOption configures a MemoryStorage.
type MemoryOption func(*MemoryStorage)

// WithMemoryName overrides the backend name (default "memory").
func WithMemoryName(name string) MemoryOption {
	return func(m *MemoryStorage) { m.name = name }
}

// WithMemoryClock replaces time.Now.
func WithMemoryClock(now func() time.Time) MemoryOption {
	return func(m *MemoryStorage) { m.now = now }
}

// NewMemoryStorage returns an empty in-memory store.
func NewMemoryStorage(opts ...MemoryOption) *MemoryStorage {
	m := &MemoryStorage{
		name:           "memory",
		now:            time.Now,
		entities:       make(map[EntityID]*Entity),
		relations:      make(map[RelationID]*Relation),
		entitiesByType: make(map[string]map[EntityID]struct{}),
		outgoing:       make(map[EntityID]map[RelationID]struct{}),
		incoming:       make(map[EntityID]map[RelationID]struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *MemoryStorage) Name() string { return m.name }

func (m *MemoryStorage) timestamp() time.Time { return m.now().UTC() }

// ============================================================================
// Entities
// ============================================================================

func (m *MemoryStorage) CreateEntity(ctx context.Context, e *Entity) (*Entity, error) {
	c, err := PrepareEntityForCreate(e, m.timestamp())
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrStorageClosed
	}
	if _, ok := m.entities[c.ID]; ok {
		return nil, fmt.Errorf("%w: entity %s", ErrAlreadyExists, c.ID)
	}
	m.putEntityLocked(c)
	return c.Clone(), nil
}

func (m *MemoryStorage) putEntityLocked(e *Entity) {
	if old, ok := m.entities[e.ID]; ok {
		delete(m.entitiesByType[old.Type], e.ID)
	}
	m.entities[e.ID] = e
	if m.entitiesByType[e.Type] == nil {
		m.entitiesByType[e.Type] = make(map[EntityID]struct{})
	}
	m.entitiesByType[e.Type][e.ID] = struct{}{}
}

func (m *MemoryStorage) GetEntity(ctx context.Context, id EntityID) (*Entity, error) {
	if id == "" {
		return nil, ErrInvalidID
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrStorageClosed
	}
	e, ok := m.entities[id]
	if !ok {
		return nil, fmt.Errorf("%w: entity %s", ErrNotFound, id)
	}
	return e.Clone(), nil
}

func (m *MemoryStorage) GetEntities(ctx context.Context, ids []EntityID) ([]*Entity, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrStorageClosed
	}
	out := make([]*Entity, 0, len(ids))
	for _, id := range ids {
		if e, ok := m.entities[id]; ok {
			out = append(out, e.Clone())
		}
	}
	return out, nil
}

func (m *MemoryStorage) UpdateEntity(ctx context.Context, e *Entity) (*Entity, error) {
	if e == nil || e.ID == "" {
		return nil, ErrInvalidID
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrStorageClosed
	}
	existing, ok := m.entities[e.ID]
	if !ok {
		return nil, fmt.Errorf("%w: entity %s", ErrNotFound, e.ID)
	}
	c, err := PrepareEntityForUpdate(e, existing, m.timestamp())
	if err != nil {
		return nil, err
	}
	m.putEntityLocked(c)
	return c.Clone(), nil
}

func (m *MemoryStorage) DeleteEntity(ctx context.Context, id EntityID) error {
	if id == "" {
		return ErrInvalidID
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrStorageClosed
	}
	e, ok := m.entities[id]
	if !ok {
		return fmt.Errorf("%w: entity %s", ErrNotFound, id)
	}
	for rid := range m.outgoing[id] {
		m.deleteRelationLocked(rid)
	}
	for rid := range m.incoming[id] {
		m.deleteRelationLocked(rid)
	}
	delete(m.outgoing, id)
	delete(m.incoming, id)
	delete(m.entitiesByType[e.Type], id)
	delete(m.entities, id)
	return nil
}

func (m *MemoryStorage) SearchEntities(ctx context.Context, q SearchQuery) ([]*Entity, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrStorageClosed
	}

	var out []*Entity
	consider := func(e *Entity) {
		if MatchesSearch(e, q) {
			out = append(out, e.Clone())
		}
	}
	if q.Type != "" {
		for id := range m.entitiesByType[q.Type] {
			consider(m.entities[id])
		}
	} else {
		for _, e := range m.entities {
			consider(e)
		}
	}
	SortEntities(out)
	return Limit(out, q.Limit), nil
}

// ============================================================================
// Relations
// ============================================================================

func (m *MemoryStorage) CreateRelation(ctx context.Context, r *Relation) (*Relation, error) {
	c, err := PrepareRelationForCreate(r, m.timestamp())
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrStorageClosed
	}
	if err := m.createRelationLocked(c); err != nil {
		return nil, err
	}
	return c.Clone(), nil
}

func (m *MemoryStorage) createRelationLocked(c *Relation) error {
	if _, ok := m.relations[c.ID]; ok {
		return fmt.Errorf("%w: relation %s", ErrAlreadyExists, c.ID)
	}
	if _, ok := m.entities[c.SourceID]; !ok {
		return fmt.Errorf("%w: source %s", ErrInvalidEdge, c.SourceID)
	}
	if _, ok := m.entities[c.TargetID]; !ok {
		return fmt.Errorf("%w: target %s", ErrInvalidEdge, c.TargetID)
	}
	m.relations[c.ID] = c
	if m.outgoing[c.SourceID] == nil {
		m.outgoing[c.SourceID] = make(map[RelationID]struct{})
	}
	if m.incoming[c.TargetID] == nil {
		m.incoming[c.TargetID] = make(map[RelationID]struct{})
	}
	m.outgoing[c.SourceID][c.ID] = struct{}{}
	m.incoming[c.TargetID][c.ID] = struct{}{}
	return nil
}

func (m *MemoryStorage) GetRelation(ctx context.Context, id RelationID) (*Relation, error) {
	if id == "" {
		return nil, ErrInvalidID
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrStorageClosed
	}
	r, ok := m.relations[id]
	if !ok {
		return nil, fmt.Errorf("%w: relation %s", ErrNotFound, id)
	}
	return r.Clone(), nil
}

func (m *MemoryStorage) UpdateRelation(ctx context.Context, r *Relation) (*Relation, error) {
	if r == nil || r.ID == "" {
		return nil, ErrInvalidID
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrStorageClosed
	}
	existing, ok := m.relations[r.ID]
	if !ok {
		return nil, fmt.Errorf("%w: relation %s", ErrNotFound, r.ID)
	}
	c, err := PrepareRelationForUpdate(r, existing, m.timestamp())
	if err != nil {
		return nil, err
	}
	m.relations[c.ID] = c
	return c.Clone(), nil
}

func (m *MemoryStorage) DeleteRelation(ctx context.Context, id RelationID) error {
	if id == "" {
		return ErrInvalidID
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrStorageClosed
	}
	if _, ok := m.relations[id]; !ok {
		return fmt.Errorf("%w: relation %s", ErrNotFound, id)
	}
	m.deleteRelationLocked(id)
	return nil
}

func (m *MemoryStorage) deleteRelationLocked(id RelationID) {
	r, ok := m.relations[id]
	if !ok {
		return
	}
	delete(m.outgoing[r.SourceID], id)
	delete(m.incoming[r.TargetID], id)
	delete(m.relations, id)
}

func (m *MemoryStorage) GetRelations(ctx context.Context, id EntityID, dir Direction) ([]*Relation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrStorageClosed
	}
	if dir == "" {
		dir = Both
	}
	seen := make(map[RelationID]bool)
	var out []*Relation
	collect := func(index map[RelationID]struct{}) {
		for rid := range index {
			if !seen[rid] {
				seen[rid] = true
				out = append(out, m.relations[rid].Clone())
			}
		}
	}
	if dir == Outgoing || dir == Both {
		collect(m.outgoing[id])
	}
	if dir == Incoming || dir == Both {
		collect(m.incoming[id])
	}
	SortRelations(out)
	return out, nil
}

// ============================================================================
// Graph queries
// ============================================================================

func (m *MemoryStorage) GetNeighbors(ctx context.Context, id EntityID, q NeighborQuery) ([]*Entity, error) {
	return Neighbors(ctx, m, id, q)
}

func (m *MemoryStorage) FindPath(ctx context.Context, from, to EntityID, maxDepth int) (*Path, error) {
	return ShortestPath(ctx, m, from, to, maxDepth)
}

func (m *MemoryStorage) GetSubgraph(ctx context.Context, center EntityID, depth int) (*Subgraph, error) {
	return CollectSubgraph(ctx, m, center, depth)
}

// ============================================================================
// Batch
// ============================================================================

func (m *MemoryStorage) BatchCreateEntities(ctx context.Context, entities []*Entity) ([]*Entity, error) {
	now := m.timestamp()
	prepared := make([]*Entity, 0, len(entities))
	seen := make(map[EntityID]bool, len(entities))
	for i, e := range entities {
		c, err := PrepareEntityForCreate(e, now)
		if err != nil {
			return nil, fmt.Errorf("entity %d: %w", i, err)
		}
		if seen[c.ID] {
			return nil, fmt.Errorf("%w: duplicate entity %s in batch", ErrAlreadyExists, c.ID)
		}
		seen[c.ID] = true
		prepared = append(prepared, c)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrStorageClosed
	}
	for _, c := range prepared {
		if _, ok := m.entities[c.ID]; ok {
			return nil, fmt.Errorf("%w: entity %s", ErrAlreadyExists, c.ID)
		}
	}
	out := make([]*Entity, 0, len(prepared))
	for _, c := range prepared {
		m.putEntityLocked(c)
		out = append(out, c.Clone())
	}
	return out, nil
}

func (m *MemoryStorage) BatchCreateRelations(ctx context.Context, relations []*Relation) ([]*Relation, error) {
	now := m.timestamp()
	prepared := make([]*Relation, 0, len(relations))
	seen := make(map[RelationID]bool, len(relations))
	for i, r := range relations {
		c, err := PrepareRelationForCreate(r, now)
		if err != nil {
			return nil, fmt.Errorf("relation %d: %w", i, err)
		}
		if seen[c.ID] {
			return nil, fmt.Errorf("%w: duplicate relation %s in batch", ErrAlreadyExists, c.ID)
		}
		seen[c.ID] = true
		prepared = append(prepared, c)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrStorageClosed
	}
	for _, c := range prepared {
		if _, ok := m.relations[c.ID]; ok {
			return nil, fmt.Errorf("%w: relation %s", ErrAlreadyExists, c.ID)
		}
		if _, ok := m.entities[c.SourceID]; !ok {
			return nil, fmt.Errorf("%w: source %s", ErrInvalidEdge, c.SourceID)
		}
		if _, ok := m.entities[c.TargetID]; !ok {
			return nil, fmt.Errorf("%w: target %s", ErrInvalidEdge, c.TargetID)
		}
	}
	out := make([]*Relation, 0, len(prepared))
	for _, c := range prepared {
		_ = m.createRelationLocked(c)
		out = append(out, c.Clone())
	}
	return out, nil
}

// ============================================================================
// Stats
// ============================================================================

func (m *MemoryStorage) CountEntities(ctx context.Context) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return 0, ErrStorageClosed
	}
	return int64(len(m.entities)), nil
}

func (m *MemoryStorage) CountRelations(ctx context.Context) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return 0, ErrStorageClosed
	}
	return int64(len(m.relations)), nil
}

func (m *MemoryStorage) Stats(ctx context.Context) (Stats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return Stats{}, ErrStorageClosed
	}
	s := NewStats(m.name)
	s.Entities = int64(len(m.entities))
	s.Relations = int64(len(m.relations))
	for _, e := range m.entities {
		s.EntityTypes[e.Type]++
	}
	for _, r := range m.relations {
		s.RelationTypes[r.Type]++
	}
	return s, nil
}

// Close marks the store closed. Further calls fail with ErrStorageClosed.
func (m *MemoryStorage) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}
