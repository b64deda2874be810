package dualwrite

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orneryd/fingraph/pkg/replication"
	"github.com/orneryd/fingraph/pkg/storage"
)

func task(t *testing.T, op Operation) replication.Task {
	t.Helper()
	data, err := json.Marshal(op)
	require.NoError(t, err)
	return replication.Task{ID: "task-1", Operation: string(op.Op), Data: data}
}

func TestReplicator_IsIdempotent(t *testing.T) {
	ctx := context.Background()
	target := storage.NewMemoryStorage(storage.WithMemoryName("graph"))
	r := NewReplicator(target)

	create := task(t, Operation{Op: OpCreateEntity, Entity: company("acme")})
	require.NoError(t, r.Replicate(ctx, create))
	require.NoError(t, r.Replicate(ctx, create), "re-delivered create is a no-op")

	upd := company("globex")
	upd.Name = "Globex"
	require.NoError(t, r.Replicate(ctx, task(t, Operation{Op: OpUpdateEntity, Entity: upd})), "update of missing entity creates it")

	e, err := target.GetEntity(ctx, "globex")
	require.NoError(t, err)
	assert.Equal(t, "Globex", e.Name)

	rel := task(t, Operation{Op: OpCreateRelation, Relation: &storage.Relation{ID: "r1", SourceID: "acme", TargetID: "globex", Type: "SUPPLIES"}})
	require.NoError(t, r.Replicate(ctx, rel))
	require.NoError(t, r.Replicate(ctx, rel))

	del := task(t, Operation{Op: OpDeleteRelation, RelationID: "r1"})
	require.NoError(t, r.Replicate(ctx, del))
	require.NoError(t, r.Replicate(ctx, del), "delete of missing relation succeeds")

	delEntity := task(t, Operation{Op: OpDeleteEntity, EntityID: "acme"})
	require.NoError(t, r.Replicate(ctx, delEntity))
	require.NoError(t, r.Replicate(ctx, delEntity))

	n, err := target.CountEntities(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestReplicator_Batches(t *testing.T) {
	ctx := context.Background()
	target := storage.NewMemoryStorage()
	r := NewReplicator(target)

	require.NoError(t, r.Replicate(ctx, task(t, Operation{
		Op:       OpBatchCreateEntities,
		Entities: []*storage.Entity{company("a"), company("b")},
	})))
	require.NoError(t, r.Replicate(ctx, task(t, Operation{
		Op:        OpBatchCreateRelations,
		Relations: []*storage.Relation{{ID: "r1", SourceID: "a", TargetID: "b", Type: "OWNS"}},
	})))

	n, err := target.CountRelations(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestReplicator_Errors(t *testing.T) {
	ctx := context.Background()
	r := NewReplicator(storage.NewMemoryStorage())

	err := r.Replicate(ctx, replication.Task{ID: "bad", Data: json.RawMessage(`{broken`)})
	assert.ErrorContains(t, err, "decode task bad")

	err = r.Replicate(ctx, task(t, Operation{Op: "merge_entities"}))
	assert.ErrorIs(t, err, ErrUnknownOperation)

	err = r.Replicate(ctx, task(t, Operation{Op: OpCreateEntity}))
	assert.ErrorIs(t, err, storage.ErrInvalidData)

	err = r.Replicate(ctx, task(t, Operation{Op: OpCreateRelation, Relation: &storage.Relation{ID: "r1", SourceID: "x", TargetID: "y", Type: "OWNS"}}))
	assert.ErrorIs(t, err, storage.ErrInvalidEdge)
}

func TestReplicator_OperationFromTask(t *testing.T) {
	ctx := context.Background()
	target := storage.NewMemoryStorage()
	r := NewReplicator(target)

	data, err := json.Marshal(map[string]any{"entity": company("acme")})
	require.NoError(t, err)
	require.NoError(t, r.Replicate(ctx, replication.Task{ID: "t", Operation: string(OpCreateEntity), Data: data}))

	_, err = target.GetEntity(ctx, "acme")
	assert.NoError(t, err)
}

func TestReplicator_LastWriterWins(t *testing.T) {
	ctx := context.Background()
	base := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	at := func(name string, d time.Duration) *storage.Entity {
		e := company("acme")
		e.Name = name
		e.CreatedAt = base
		e.UpdatedAt = base.Add(d)
		return e
	}

	t.Run("stale_update_skipped", func(t *testing.T) {
		target := storage.NewMemoryStorage()
		r := NewReplicator(target)
		require.NoError(t, r.Replicate(ctx, task(t, Operation{Op: OpCreateEntity, Entity: at("v0", 0)})))
		require.NoError(t, r.Replicate(ctx, task(t, Operation{Op: OpUpdateEntity, Entity: at("v2", 2*time.Second)})))
		require.NoError(t, r.Replicate(ctx, task(t, Operation{Op: OpUpdateEntity, Entity: at("v1", time.Second)})))

		e, err := target.GetEntity(ctx, "acme")
		require.NoError(t, err)
		assert.Equal(t, "v2", e.Name)
		assert.True(t, e.UpdatedAt.Equal(base.Add(2*time.Second)))
	})

	t.Run("delete_blocks_late_create", func(t *testing.T) {
		target := storage.NewMemoryStorage()
		r := NewReplicator(target)
		require.NoError(t, r.Replicate(ctx, task(t, Operation{Op: OpDeleteEntity, EntityID: "acme", DeletedAt: base.Add(time.Second)})))
		require.NoError(t, r.Replicate(ctx, task(t, Operation{Op: OpCreateEntity, Entity: at("v0", 0)})))
		require.NoError(t, r.Replicate(ctx, task(t, Operation{Op: OpUpdateEntity, Entity: at("v1", time.Second)})))

		_, err := target.GetEntity(ctx, "acme")
		assert.ErrorIs(t, err, storage.ErrNotFound)

		require.NoError(t, r.Replicate(ctx, task(t, Operation{Op: OpCreateEntity, Entity: at("reborn", 3*time.Second)})))
		e, err := target.GetEntity(ctx, "acme")
		require.NoError(t, err, "a write after the delete recreates the record")
		assert.Equal(t, "reborn", e.Name)
	})

	t.Run("late_delete_keeps_newer_record", func(t *testing.T) {
		target := storage.NewMemoryStorage()
		r := NewReplicator(target)
		require.NoError(t, r.Replicate(ctx, task(t, Operation{Op: OpCreateEntity, Entity: at("v3", 3*time.Second)})))
		require.NoError(t, r.Replicate(ctx, task(t, Operation{Op: OpDeleteEntity, EntityID: "acme", DeletedAt: base.Add(time.Second)})))

		_, err := target.GetEntity(ctx, "acme")
		assert.NoError(t, err)
	})

	t.Run("deleted_endpoint_blocks_relation", func(t *testing.T) {
		target := storage.NewMemoryStorage()
		r := NewReplicator(target)
		require.NoError(t, r.Replicate(ctx, task(t, Operation{Op: OpCreateEntity, Entity: company("globex")})))
		require.NoError(t, r.Replicate(ctx, task(t, Operation{Op: OpDeleteEntity, EntityID: "acme", DeletedAt: base.Add(time.Second)})))

		rel := &storage.Relation{ID: "r1", SourceID: "acme", TargetID: "globex", Type: "SUPPLIES", CreatedAt: base, UpdatedAt: base}
		require.NoError(t, r.Replicate(ctx, task(t, Operation{Op: OpCreateRelation, Relation: rel})))

		_, err := target.GetRelation(ctx, "r1")
		assert.ErrorIs(t, err, storage.ErrNotFound)
	})
}

func TestReplicator_TombstonesExpire(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	r := NewReplicator(storage.NewMemoryStorage())
	r.now = func() time.Time { return now }

	require.NoError(t, r.Replicate(ctx, task(t, Operation{Op: OpDeleteEntity, EntityID: "old"})))
	now = now.Add(DefaultTombstoneTTL + time.Second)
	require.NoError(t, r.Replicate(ctx, task(t, Operation{Op: OpDeleteEntity, EntityID: "new"})))

	r.mu.Lock()
	defer r.mu.Unlock()
	assert.NotContains(t, r.tombstones, entityKey("old"))
	assert.Contains(t, r.tombstones, entityKey("new"))
}
