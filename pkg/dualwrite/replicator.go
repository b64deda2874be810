package dualwrite

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/orneryd/fingraph/pkg/replication"
	"github.com/orneryd/fingraph/pkg/storage"
)

// DefaultTombstoneTTL is how long a Replicator remembers a delete.
const DefaultTombstoneTTL = 10 * time.Minute

// Replicator is the sync handler that replays operations on one backend.
//
// Tasks may be retried and overtaken, so it applies last-writer-wins on the
// UpdatedAt the primary assigned: a write no newer than the target's copy is
// skipped, and a delete leaves a tombstone so a late create or update cannot
// bring the record back. Tombstones are kept in memory for the TTL, which
// must exceed the longest retry schedule of the sync coordinator.
type Replicator struct {
	target storage.GraphStorage
	ttl    time.Duration
	now    func() time.Time

	mu         sync.Mutex
	tombstones map[string]time.Time
}

var _ replication.Handler = (*Replicator)(nil)

// NewReplicator returns a handler writing to target.
func NewReplicator(target storage.GraphStorage) *Replicator {
	return &Replicator{
		target:     target,
		ttl:        DefaultTombstoneTTL,
		now:        time.Now,
		tombstones: make(map[string]time.Time),
	}
}

func (r *Replicator) Replicate(ctx context.Context, task replication.Task) error {
	var op Operation
	if err := json.Unmarshal(task.Data, &op); err != nil {
		return fmt.Errorf("dualwrite: decode task %s: %w", task.ID, err)
	}
	if op.Op == "" {
		op.Op = Op(task.Operation)
	}

	switch op.Op {
	case OpCreateEntity, OpUpdateEntity:
		if op.Entity == nil {
			return fmt.Errorf("%w: %s without entity", storage.ErrInvalidData, op.Op)
		}
		return r.entity(ctx, op.Entity)
	case OpBatchCreateEntities:
		for _, e := range op.Entities {
			if err := r.entity(ctx, e); err != nil {
				return err
			}
		}
		return nil
	case OpCreateRelation, OpUpdateRelation:
		if op.Relation == nil {
			return fmt.Errorf("%w: %s without relation", storage.ErrInvalidData, op.Op)
		}
		return r.relation(ctx, op.Relation)
	case OpBatchCreateRelations:
		for _, rel := range op.Relations {
			if err := r.relation(ctx, rel); err != nil {
				return err
			}
		}
		return nil
	case OpDeleteEntity:
		return r.deleteEntity(ctx, op.EntityID, op.DeletedAt)
	case OpDeleteRelation:
		return r.deleteRelation(ctx, op.RelationID, op.DeletedAt)
	}
	return fmt.Errorf("%w: %q", ErrUnknownOperation, op.Op)
}

func (r *Replicator) entity(ctx context.Context, e *storage.Entity) error {
	cur, err := r.target.GetEntity(ctx, e.ID)
	switch {
	case err == nil:
		if !e.UpdatedAt.After(cur.UpdatedAt) {
			return nil
		}
		_, err = r.target.UpdateEntity(ctx, e)
		return err
	case errors.Is(err, storage.ErrNotFound):
		if r.buried(entityKey(e.ID), e.UpdatedAt) {
			return nil
		}
		_, err = r.target.CreateEntity(ctx, e)
		return err
	default:
		return err
	}
}

func (r *Replicator) relation(ctx context.Context, rel *storage.Relation) error {
	cur, err := r.target.GetRelation(ctx, rel.ID)
	switch {
	case err == nil:
		if !rel.UpdatedAt.After(cur.UpdatedAt) {
			return nil
		}
		_, err = r.target.UpdateRelation(ctx, rel)
		return err
	case errors.Is(err, storage.ErrNotFound):
		// A deleted endpoint took the relation with it.
		if r.buried(relationKey(rel.ID), rel.UpdatedAt) ||
			r.buried(entityKey(rel.SourceID), rel.UpdatedAt) ||
			r.buried(entityKey(rel.TargetID), rel.UpdatedAt) {
			return nil
		}
		_, err = r.target.CreateRelation(ctx, rel)
		return err
	default:
		return err
	}
}

func (r *Replicator) deleteEntity(ctx context.Context, id storage.EntityID, at time.Time) error {
	if at.IsZero() {
		at = r.now()
	}
	cur, err := r.target.GetEntity(ctx, id)
	switch {
	case err == nil:
		if cur.UpdatedAt.After(at) {
			// Re-created after this delete.
			return nil
		}
		if err := ignoreNotFound(r.target.DeleteEntity(ctx, id)); err != nil {
			return err
		}
	case !errors.Is(err, storage.ErrNotFound):
		return err
	}
	r.bury(entityKey(id), at)
	return nil
}

func (r *Replicator) deleteRelation(ctx context.Context, id storage.RelationID, at time.Time) error {
	if at.IsZero() {
		at = r.now()
	}
	cur, err := r.target.GetRelation(ctx, id)
	switch {
	case err == nil:
		if cur.UpdatedAt.After(at) {
			return nil
		}
		if err := ignoreNotFound(r.target.DeleteRelation(ctx, id)); err != nil {
			return err
		}
	case !errors.Is(err, storage.ErrNotFound):
		return err
	}
	r.bury(relationKey(id), at)
	return nil
}

func entityKey(id storage.EntityID) string     { return "e:" + string(id) }
func relationKey(id storage.RelationID) string { return "r:" + string(id) }

// buried reports whether key was deleted at or after updatedAt.
func (r *Replicator) buried(key string, updatedAt time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	at, ok := r.tombstones[key]
	return ok && !updatedAt.After(at)
}

func (r *Replicator) bury(key string, at time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if prev, ok := r.tombstones[key]; !ok || at.After(prev) {
		r.tombstones[key] = at
	}
	horizon := r.now().Add(-r.ttl)
	for k, t := range r.tombstones {
		if t.Before(horizon) {
			delete(r.tombstones, k)
		}
	}
}
