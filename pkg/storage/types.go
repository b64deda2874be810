// Package storage defines the GraphStorage contract of the knowledge graph
// and the embedded backends that implement it.
//
// Every backend (in-memory, BadgerDB, SQL, Neo4j) and the dual-write
// composite satisfy the same interface, so callers never know whether they
// are talking to one store or two:
//
//	var g storage.GraphStorage = storage.NewMemoryStorage()
//	defer g.Close()
//
//	acme, _ := g.CreateEntity(ctx, &storage.Entity{
//		Type: "Company",
//		Name: "ACME Corp",
//		Properties: map[string]any{"ticker": "ACME"},
//	})
//	bob, _ := g.CreateEntity(ctx, &storage.Entity{Type: "Person", Name: "Bob"})
//	g.CreateRelation(ctx, &storage.Relation{
//		SourceID: bob.ID,
//		TargetID: acme.ID,
//		Type:     "OWNS",
//		Weight:   0.35,
//	})
//
//	path, _ := g.FindPath(ctx, bob.ID, acme.ID, 3)
package storage

import (
	"context"
	"errors"
	"time"
)

// Common errors
var (
	ErrNotFound      = errors.New("not found")
	ErrAlreadyExists = errors.New("already exists")
	ErrInvalidID     = errors.New("invalid id")
	ErrInvalidData   = errors.New("invalid data")
	ErrInvalidEdge   = errors.New("invalid relation: source or target entity not found")
	ErrStorageClosed = errors.New("storage closed")
)

// EntityID is a strongly-typed identifier for entities.
type EntityID string

// RelationID is a strongly-typed identifier for relations.
//
// Kept distinct from EntityID so a relation id can never be passed where an
// entity id is expected.
type RelationID string

// Entity is a node of the knowledge graph: a company, person, instrument,
// sector and so on.
//
// Type is required. ID is generated on create when empty. CreatedAt and
// UpdatedAt are set by the backend when zero, which lets a replica keep the
// timestamps assigned by the primary.
type Entity struct {
	ID         EntityID       `json:"id"`
	Type       string         `json:"type"`
	Name       string         `json:"name"`
	Properties map[string]any `json:"properties,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
	UpdatedAt  time.Time      `json:"updated_at"`
}

// Relation is a directed, typed edge between two entities, e.g.
// (Person)-[OWNS {weight: 0.35}]->(Company).
type Relation struct {
	ID         RelationID     `json:"id"`
	SourceID   EntityID       `json:"source_id"`
	TargetID   EntityID       `json:"target_id"`
	Type       string         `json:"type"`
	Properties map[string]any `json:"properties,omitempty"`
	Weight     float64        `json:"weight"`
	CreatedAt  time.Time      `json:"created_at"`
	UpdatedAt  time.Time      `json:"updated_at"`
}

// Direction selects which relations of an entity a query follows.
type Direction string

const (
	Outgoing Direction = "outgoing"
	Incoming Direction = "incoming"
	Both     Direction = "both"
)

// NeighborQuery parameterizes GetNeighbors.
type NeighborQuery struct {
	// Direction defaults to Both.
	Direction Direction
	// RelationTypes restricts traversal to these types. Empty means all.
	RelationTypes []string
	// Depth is the number of hops, default 1.
	Depth int
	// Limit caps the result size. Zero means unlimited.
	Limit int
}

// SearchQuery parameterizes SearchEntities. All set fields must match.
type SearchQuery struct {
	// Type matches exactly.
	Type string
	// Name matches as a case-insensitive substring.
	Name string
	// Properties must all be present with equal values.
	Properties map[string]any
	Limit      int
}

// Path is a chain of entities joined by relations. Entities has one more
// element than Relations.
type Path struct {
	Entities  []*Entity   `json:"entities"`
	Relations []*Relation `json:"relations"`
}

// Len returns the number of hops.
func (p *Path) Len() int { return len(p.Relations) }

// Subgraph is a set of entities and the relations among them.
type Subgraph struct {
	Entities  []*Entity   `json:"entities"`
	Relations []*Relation `json:"relations"`
}

// Stats summarizes a backend's contents.
type Stats struct {
	Backend       string           `json:"backend"`
	Entities      int64            `json:"entities"`
	Relations     int64            `json:"relations"`
	EntityTypes   map[string]int64 `json:"entity_types"`
	RelationTypes map[string]int64 `json:"relation_types"`
}

// DefaultMaxDepth bounds path and subgraph queries when no depth is given.
const DefaultMaxDepth = 5

// GraphStorage is the storage contract of the knowledge graph.
//
// Implementations must be safe for concurrent use. Methods return copies;
// callers may modify returned values freely.
//
// Semantics shared by every implementation:
//   - Create fails with ErrAlreadyExists when the id is taken.
//   - Get, Update and Delete fail with ErrNotFound for a missing id.
//   - CreateRelation fails with ErrInvalidEdge when an endpoint is missing.
//   - DeleteEntity also deletes every relation touching the entity.
//   - GetEntities skips ids that do not exist.
//   - FindPath ignores direction and returns ErrNotFound when no path of at
//     most maxDepth hops exists.
//   - Batch creates validate every item first and write nothing when one is
//     invalid.
type GraphStorage interface {
	// Name identifies the backend in logs, metrics and sync targets.
	Name() string

	CreateEntity(ctx context.Context, e *Entity) (*Entity, error)
	GetEntity(ctx context.Context, id EntityID) (*Entity, error)
	GetEntities(ctx context.Context, ids []EntityID) ([]*Entity, error)
	UpdateEntity(ctx context.Context, e *Entity) (*Entity, error)
	DeleteEntity(ctx context.Context, id EntityID) error
	SearchEntities(ctx context.Context, q SearchQuery) ([]*Entity, error)

	CreateRelation(ctx context.Context, r *Relation) (*Relation, error)
	GetRelation(ctx context.Context, id RelationID) (*Relation, error)
	UpdateRelation(ctx context.Context, r *Relation) (*Relation, error)
	DeleteRelation(ctx context.Context, id RelationID) error
	GetRelations(ctx context.Context, id EntityID, dir Direction) ([]*Relation, error)

	GetNeighbors(ctx context.Context, id EntityID, q NeighborQuery) ([]*Entity, error)
	FindPath(ctx context.Context, from, to EntityID, maxDepth int) (*Path, error)
	GetSubgraph(ctx context.Context, center EntityID, depth int) (*Subgraph, error)

	BatchCreateEntities(ctx context.Context, entities []*Entity) ([]*Entity, error)
	BatchCreateRelations(ctx context.Context, relations []*Relation) ([]*Relation, error)

	CountEntities(ctx context.Context) (int64, error)
	CountRelations(ctx context.Context) (int64, error)
	Stats(ctx context.Context) (Stats, error)

	Close() error
}
