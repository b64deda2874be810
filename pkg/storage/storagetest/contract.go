// Package storagetest provides a conformance suite every storage.GraphStorage
// implementation runs in its own tests.
package storagetest

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orneryd/fingraph/pkg/storage"
)

// Factory returns a fresh, empty store. The suite closes it.
type Factory func(t *testing.T) storage.GraphStorage

// Run exercises the GraphStorage semantics against stores built by newStore.
func Run(t *testing.T, newStore Factory) {
	t.Helper()
	tests := []struct {
		name string
		fn   func(t *testing.T, g storage.GraphStorage)
	}{
		{"entity_crud", testEntityCRUD},
		{"entity_errors", testEntityErrors},
		{"get_entities", testGetEntities},
		{"search", testSearch},
		{"relation_crud", testRelationCRUD},
		{"relation_errors", testRelationErrors},
		{"delete_cascades", testDeleteCascades},
		{"neighbors", testNeighbors},
		{"find_path", testFindPath},
		{"subgraph", testSubgraph},
		{"batch", testBatch},
		{"batch_all_or_nothing", testBatchAllOrNothing},
		{"stats", testStats},
		{"closed", testClosed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := newStore(t)
			defer g.Close()
			tt.fn(t, g)
		})
	}
}

func mustEntity(t *testing.T, g storage.GraphStorage, id, typ, name string) *storage.Entity {
	t.Helper()
	e, err := g.CreateEntity(context.Background(), &storage.Entity{
		ID:   storage.EntityID(id),
		Type: typ,
		Name: name,
	})
	require.NoError(t, err)
	return e
}

func mustRelation(t *testing.T, g storage.GraphStorage, id, from, to, typ string) *storage.Relation {
	t.Helper()
	r, err := g.CreateRelation(context.Background(), &storage.Relation{
		ID:       storage.RelationID(id),
		SourceID: storage.EntityID(from),
		TargetID: storage.EntityID(to),
		Type:     typ,
		Weight:   1,
	})
	require.NoError(t, err)
	return r
}

func entityIDs(es []*storage.Entity) []storage.EntityID {
	ids := make([]storage.EntityID, len(es))
	for i, e := range es {
		ids[i] = e.ID
	}
	return ids
}

func relationIDs(rs []*storage.Relation) []storage.RelationID {
	ids := make([]storage.RelationID, len(rs))
	for i, r := range rs {
		ids[i] = r.ID
	}
	return ids
}

// chain builds a -OWNS-> b -SUPPLIES-> c -OWNS-> d plus an isolated e.
func chain(t *testing.T, g storage.GraphStorage) {
	t.Helper()
	for _, id := range []string{"a", "b", "c", "d", "e"} {
		mustEntity(t, g, id, "Company", "Company "+id)
	}
	mustRelation(t, g, "r1", "a", "b", "OWNS")
	mustRelation(t, g, "r2", "b", "c", "SUPPLIES")
	mustRelation(t, g, "r3", "c", "d", "OWNS")
}

func testEntityCRUD(t *testing.T, g storage.GraphStorage) {
	ctx := context.Background()
	created := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	e, err := g.CreateEntity(ctx, &storage.Entity{
		Type:       "Company",
		Name:       "ACME Corp",
		Properties: map[string]any{"ticker": "ACME"},
		CreatedAt:  created,
	})
	require.NoError(t, err)
	require.NotEmpty(t, e.ID)
	assert.True(t, e.CreatedAt.Equal(created))
	assert.False(t, e.UpdatedAt.IsZero())

	got, err := g.GetEntity(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, "ACME Corp", got.Name)
	assert.Equal(t, "Company", got.Type)
	assert.Equal(t, "ACME", got.Properties["ticker"])
	assert.True(t, got.CreatedAt.Equal(created))

	// Returned values are copies.
	got.Properties["ticker"] = "XXX"
	again, err := g.GetEntity(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, "ACME", again.Properties["ticker"])

	updated, err := g.UpdateEntity(ctx, &storage.Entity{
		ID:         e.ID,
		Type:       "Company",
		Name:       "ACME Holdings",
		Properties: map[string]any{"ticker": "ACMH"},
	})
	require.NoError(t, err)
	assert.Equal(t, "ACME Holdings", updated.Name)
	assert.True(t, updated.CreatedAt.Equal(created), "created_at survives updates")

	got, err = g.GetEntity(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, "ACME Holdings", got.Name)
	assert.Equal(t, "ACMH", got.Properties["ticker"])

	require.NoError(t, g.DeleteEntity(ctx, e.ID))
	_, err = g.GetEntity(ctx, e.ID)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func testEntityErrors(t *testing.T, g storage.GraphStorage) {
	ctx := context.Background()
	mustEntity(t, g, "acme", "Company", "ACME")

	_, err := g.CreateEntity(ctx, &storage.Entity{ID: "acme", Type: "Company"})
	assert.ErrorIs(t, err, storage.ErrAlreadyExists)

	_, err = g.CreateEntity(ctx, &storage.Entity{Name: "untyped"})
	assert.ErrorIs(t, err, storage.ErrInvalidData)

	_, err = g.GetEntity(ctx, "missing")
	assert.ErrorIs(t, err, storage.ErrNotFound)

	_, err = g.UpdateEntity(ctx, &storage.Entity{ID: "missing", Type: "Company"})
	assert.ErrorIs(t, err, storage.ErrNotFound)

	assert.ErrorIs(t, g.DeleteEntity(ctx, "missing"), storage.ErrNotFound)
}

func testGetEntities(t *testing.T, g storage.GraphStorage) {
	ctx := context.Background()
	mustEntity(t, g, "a", "Company", "A")
	mustEntity(t, g, "b", "Company", "B")

	got, err := g.GetEntities(ctx, []storage.EntityID{"b", "missing", "a"})
	require.NoError(t, err)
	assert.Equal(t, []storage.EntityID{"b", "a"}, entityIDs(got))

	got, err = g.GetEntities(ctx, nil)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func testSearch(t *testing.T, g storage.GraphStorage) {
	ctx := context.Background()
	_, err := g.CreateEntity(ctx, &storage.Entity{ID: "acme", Type: "Company", Name: "ACME Corp", Properties: map[string]any{"sector": "tech", "rank": 1}})
	require.NoError(t, err)
	_, err = g.CreateEntity(ctx, &storage.Entity{ID: "globex", Type: "Company", Name: "Globex", Properties: map[string]any{"sector": "energy", "rank": 2}})
	require.NoError(t, err)
	_, err = g.CreateEntity(ctx, &storage.Entity{ID: "bob", Type: "Person", Name: "Bob Acme"})
	require.NoError(t, err)

	t.Run("by_type", func(t *testing.T) {
		got, err := g.SearchEntities(ctx, storage.SearchQuery{Type: "Company"})
		require.NoError(t, err)
		assert.Equal(t, []storage.EntityID{"acme", "globex"}, entityIDs(got))
	})

	t.Run("by_name_case_insensitive", func(t *testing.T) {
		got, err := g.SearchEntities(ctx, storage.SearchQuery{Name: "acme"})
		require.NoError(t, err)
		assert.Equal(t, []storage.EntityID{"acme", "bob"}, entityIDs(got))
	})

	t.Run("by_property", func(t *testing.T) {
		got, err := g.SearchEntities(ctx, storage.SearchQuery{Properties: map[string]any{"rank": 2}})
		require.NoError(t, err)
		assert.Equal(t, []storage.EntityID{"globex"}, entityIDs(got))
	})

	t.Run("combined_and_limit", func(t *testing.T) {
		got, err := g.SearchEntities(ctx, storage.SearchQuery{Type: "Company", Limit: 1})
		require.NoError(t, err)
		assert.Equal(t, []storage.EntityID{"acme"}, entityIDs(got))

		got, err = g.SearchEntities(ctx, storage.SearchQuery{Type: "Person", Name: "corp"})
		require.NoError(t, err)
		assert.Empty(t, got)
	})
}

func testRelationCRUD(t *testing.T, g storage.GraphStorage) {
	ctx := context.Background()
	mustEntity(t, g, "bob", "Person", "Bob")
	mustEntity(t, g, "acme", "Company", "ACME")

	r, err := g.CreateRelation(ctx, &storage.Relation{
		SourceID:   "bob",
		TargetID:   "acme",
		Type:       "OWNS",
		Weight:     0.35,
		Properties: map[string]any{"since": "2020"},
	})
	require.NoError(t, err)
	require.NotEmpty(t, r.ID)

	got, err := g.GetRelation(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, storage.EntityID("bob"), got.SourceID)
	assert.Equal(t, storage.EntityID("acme"), got.TargetID)
	assert.Equal(t, "OWNS", got.Type)
	assert.InDelta(t, 0.35, got.Weight, 1e-9)
	assert.Equal(t, "2020", got.Properties["since"])

	out, err := g.GetRelations(ctx, "bob", storage.Outgoing)
	require.NoError(t, err)
	assert.Equal(t, []storage.RelationID{r.ID}, relationIDs(out))

	in, err := g.GetRelations(ctx, "bob", storage.Incoming)
	require.NoError(t, err)
	assert.Empty(t, in)

	both, err := g.GetRelations(ctx, "acme", storage.Both)
	require.NoError(t, err)
	assert.Equal(t, []storage.RelationID{r.ID}, relationIDs(both))

	updated, err := g.UpdateRelation(ctx, &storage.Relation{ID: r.ID, Type: "OWNS", Weight: 0.5})
	require.NoError(t, err)
	assert.InDelta(t, 0.5, updated.Weight, 1e-9)
	assert.Equal(t, storage.EntityID("bob"), updated.SourceID)

	got, err = g.GetRelation(ctx, r.ID)
	require.NoError(t, err)
	assert.InDelta(t, 0.5, got.Weight, 1e-9)

	require.NoError(t, g.DeleteRelation(ctx, r.ID))
	_, err = g.GetRelation(ctx, r.ID)
	assert.ErrorIs(t, err, storage.ErrNotFound)

	out, err = g.GetRelations(ctx, "bob", storage.Outgoing)
	require.NoError(t, err)
	assert.Empty(t, out)
}

func testRelationErrors(t *testing.T, g storage.GraphStorage) {
	ctx := context.Background()
	mustEntity(t, g, "bob", "Person", "Bob")
	mustEntity(t, g, "acme", "Company", "ACME")
	mustRelation(t, g, "r1", "bob", "acme", "OWNS")

	_, err := g.CreateRelation(ctx, &storage.Relation{SourceID: "bob", TargetID: "missing", Type: "OWNS"})
	assert.ErrorIs(t, err, storage.ErrInvalidEdge)

	_, err = g.CreateRelation(ctx, &storage.Relation{ID: "r1", SourceID: "bob", TargetID: "acme", Type: "OWNS"})
	assert.ErrorIs(t, err, storage.ErrAlreadyExists)

	_, err = g.CreateRelation(ctx, &storage.Relation{SourceID: "bob", TargetID: "acme"})
	assert.ErrorIs(t, err, storage.ErrInvalidData)

	_, err = g.UpdateRelation(ctx, &storage.Relation{ID: "r1", Type: "OWNS", SourceID: "acme"})
	assert.ErrorIs(t, err, storage.ErrInvalidData)

	_, err = g.UpdateRelation(ctx, &storage.Relation{ID: "missing", Type: "OWNS"})
	assert.ErrorIs(t, err, storage.ErrNotFound)

	assert.ErrorIs(t, g.DeleteRelation(ctx, "missing"), storage.ErrNotFound)
}

func testDeleteCascades(t *testing.T, g storage.GraphStorage) {
	ctx := context.Background()
	chain(t, g)

	require.NoError(t, g.DeleteEntity(ctx, "b"))

	for _, id := range []storage.RelationID{"r1", "r2"} {
		_, err := g.GetRelation(ctx, id)
		assert.ErrorIs(t, err, storage.ErrNotFound, "relation %s", id)
	}
	_, err := g.GetRelation(ctx, "r3")
	assert.NoError(t, err)

	rels, err := g.GetRelations(ctx, "a", storage.Both)
	require.NoError(t, err)
	assert.Empty(t, rels)
}

func testNeighbors(t *testing.T, g storage.GraphStorage) {
	ctx := context.Background()
	chain(t, g)

	t.Run("default_depth_both", func(t *testing.T) {
		got, err := g.GetNeighbors(ctx, "b", storage.NeighborQuery{})
		require.NoError(t, err)
		assert.Equal(t, []storage.EntityID{"a", "c"}, entityIDs(got))
	})

	t.Run("outgoing_depth_two", func(t *testing.T) {
		got, err := g.GetNeighbors(ctx, "a", storage.NeighborQuery{Direction: storage.Outgoing, Depth: 2})
		require.NoError(t, err)
		assert.Equal(t, []storage.EntityID{"b", "c"}, entityIDs(got))
	})

	t.Run("incoming", func(t *testing.T) {
		got, err := g.GetNeighbors(ctx, "b", storage.NeighborQuery{Direction: storage.Incoming})
		require.NoError(t, err)
		assert.Equal(t, []storage.EntityID{"a"}, entityIDs(got))
	})

	t.Run("relation_type_filter", func(t *testing.T) {
		got, err := g.GetNeighbors(ctx, "b", storage.NeighborQuery{RelationTypes: []string{"OWNS"}})
		require.NoError(t, err)
		assert.Equal(t, []storage.EntityID{"a"}, entityIDs(got))
	})

	t.Run("limit", func(t *testing.T) {
		got, err := g.GetNeighbors(ctx, "a", storage.NeighborQuery{Depth: 3, Limit: 2})
		require.NoError(t, err)
		assert.Equal(t, []storage.EntityID{"b", "c"}, entityIDs(got))
	})

	t.Run("isolated", func(t *testing.T) {
		got, err := g.GetNeighbors(ctx, "e", storage.NeighborQuery{})
		require.NoError(t, err)
		assert.Empty(t, got)
	})

	t.Run("missing_start", func(t *testing.T) {
		_, err := g.GetNeighbors(ctx, "missing", storage.NeighborQuery{})
		assert.ErrorIs(t, err, storage.ErrNotFound)
	})
}

func testFindPath(t *testing.T, g storage.GraphStorage) {
	ctx := context.Background()
	chain(t, g)

	path, err := g.FindPath(ctx, "a", "d", 5)
	require.NoError(t, err)
	assert.Equal(t, []storage.EntityID{"a", "b", "c", "d"}, entityIDs(path.Entities))
	assert.Equal(t, []storage.RelationID{"r1", "r2", "r3"}, relationIDs(path.Relations))
	assert.Equal(t, 3, path.Len())

	// Direction is ignored.
	path, err = g.FindPath(ctx, "d", "b", 5)
	require.NoError(t, err)
	assert.Equal(t, []storage.EntityID{"d", "c", "b"}, entityIDs(path.Entities))

	path, err = g.FindPath(ctx, "a", "a", 5)
	require.NoError(t, err)
	assert.Equal(t, 0, path.Len())

	_, err = g.FindPath(ctx, "a", "d", 2)
	assert.ErrorIs(t, err, storage.ErrNotFound)

	_, err = g.FindPath(ctx, "a", "e", 5)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func testSubgraph(t *testing.T, g storage.GraphStorage) {
	ctx := context.Background()
	chain(t, g)

	sub, err := g.GetSubgraph(ctx, "b", 1)
	require.NoError(t, err)
	assert.ElementsMatch(t, []storage.EntityID{"a", "b", "c"}, entityIDs(sub.Entities))
	assert.Equal(t, []storage.RelationID{"r1", "r2"}, relationIDs(sub.Relations))

	sub, err = g.GetSubgraph(ctx, "a", 3)
	require.NoError(t, err)
	assert.ElementsMatch(t, []storage.EntityID{"a", "b", "c", "d"}, entityIDs(sub.Entities))
	assert.Len(t, sub.Relations, 3)

	_, err = g.GetSubgraph(ctx, "missing", 1)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func testBatch(t *testing.T, g storage.GraphStorage) {
	ctx := context.Background()
	entities, err := g.BatchCreateEntities(ctx, []*storage.Entity{
		{ID: "acme", Type: "Company", Name: "ACME"},
		{ID: "bob", Type: "Person", Name: "Bob"},
		{Type: "Sector", Name: "Tech"},
	})
	require.NoError(t, err)
	require.Len(t, entities, 3)
	assert.NotEmpty(t, entities[2].ID)

	relations, err := g.BatchCreateRelations(ctx, []*storage.Relation{
		{ID: "r1", SourceID: "bob", TargetID: "acme", Type: "OWNS"},
		{SourceID: "acme", TargetID: entities[2].ID, Type: "IN_SECTOR"},
	})
	require.NoError(t, err)
	require.Len(t, relations, 2)

	n, err := g.CountEntities(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)

	n, err = g.CountRelations(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
}

func testBatchAllOrNothing(t *testing.T, g storage.GraphStorage) {
	ctx := context.Background()
	mustEntity(t, g, "acme", "Company", "ACME")

	_, err := g.BatchCreateEntities(ctx, []*storage.Entity{
		{ID: "ok", Type: "Company"},
		{ID: "untyped"},
	})
	assert.ErrorIs(t, err, storage.ErrInvalidData)

	_, err = g.BatchCreateEntities(ctx, []*storage.Entity{
		{ID: "ok", Type: "Company"},
		{ID: "acme", Type: "Company"},
	})
	assert.ErrorIs(t, err, storage.ErrAlreadyExists)

	_, err = g.GetEntity(ctx, "ok")
	assert.ErrorIs(t, err, storage.ErrNotFound, "failed batch must not write")

	_, err = g.BatchCreateRelations(ctx, []*storage.Relation{
		{ID: "r1", SourceID: "acme", TargetID: "acme", Type: "SELF"},
		{ID: "r2", SourceID: "acme", TargetID: "missing", Type: "OWNS"},
	})
	assert.ErrorIs(t, err, storage.ErrInvalidEdge)

	_, err = g.GetRelation(ctx, "r1")
	assert.ErrorIs(t, err, storage.ErrNotFound, "failed batch must not write")
}

func testStats(t *testing.T, g storage.GraphStorage) {
	ctx := context.Background()
	chain(t, g)
	mustEntity(t, g, "bob", "Person", "Bob")

	s, err := g.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, g.Name(), s.Backend)
	assert.Equal(t, int64(6), s.Entities)
	assert.Equal(t, int64(3), s.Relations)
	assert.Equal(t, map[string]int64{"Company": 5, "Person": 1}, s.EntityTypes)
	assert.Equal(t, map[string]int64{"OWNS": 2, "SUPPLIES": 1}, s.RelationTypes)
}

func testClosed(t *testing.T, g storage.GraphStorage) {
	ctx := context.Background()
	mustEntity(t, g, "acme", "Company", "ACME")
	require.NoError(t, g.Close())

	_, err := g.GetEntity(ctx, "acme")
	assert.ErrorIs(t, err, storage.ErrStorageClosed)

	_, err = g.CreateEntity(ctx, &storage.Entity{Type: "Company"})
	assert.ErrorIs(t, err, storage.ErrStorageClosed)

	assert.NoError(t, g.Close(), "close is idempotent")
}
