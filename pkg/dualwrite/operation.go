package dualwrite

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/orneryd/fingraph/pkg/storage"
)

// Op names a mutation. It is the WAL operation name, the sync task
// operation and the metrics label.
type Op string

const (
	OpCreateEntity         Op = "create_entity"
	OpUpdateEntity         Op = "update_entity"
	OpDeleteEntity         Op = "delete_entity"
	OpCreateRelation       Op = "create_relation"
	OpUpdateRelation       Op = "update_relation"
	OpDeleteRelation       Op = "delete_relation"
	OpBatchCreateEntities  Op = "batch_create_entities"
	OpBatchCreateRelations Op = "batch_create_relations"
)

// ErrUnknownOperation is returned when an operation cannot be applied.
var ErrUnknownOperation = errors.New("dualwrite: unknown operation")

// Operation is the replayable description of one mutation. It is the
// payload of the OPERATION entry in the WAL and of every sync task.
type Operation struct {
	Op         Op                  `json:"op"`
	Entity     *storage.Entity     `json:"entity,omitempty"`
	Relation   *storage.Relation   `json:"relation,omitempty"`
	Entities   []*storage.Entity   `json:"entities,omitempty"`
	Relations  []*storage.Relation `json:"relations,omitempty"`
	EntityID   storage.EntityID    `json:"entity_id,omitempty"`
	RelationID storage.RelationID  `json:"relation_id,omitempty"`
	// DeletedAt is when the primary applied a delete.
	DeletedAt  time.Time           `json:"deleted_at,omitzero"`
}

// Apply performs op against g so that repeating it converges on the same
// state: creating an existing record updates it, updating a missing record
// creates it and deleting a missing record succeeds.
func Apply(ctx context.Context, g storage.GraphStorage, op Operation) error {
	switch op.Op {
	case OpCreateEntity, OpUpdateEntity:
		if op.Entity == nil {
			return fmt.Errorf("%w: %s without entity", storage.ErrInvalidData, op.Op)
		}
		return upsertEntity(ctx, g, op.Entity)
	case OpDeleteEntity:
		return ignoreNotFound(g.DeleteEntity(ctx, op.EntityID))
	case OpCreateRelation, OpUpdateRelation:
		if op.Relation == nil {
			return fmt.Errorf("%w: %s without relation", storage.ErrInvalidData, op.Op)
		}
		return upsertRelation(ctx, g, op.Relation)
	case OpDeleteRelation:
		return ignoreNotFound(g.DeleteRelation(ctx, op.RelationID))
	case OpBatchCreateEntities:
		for _, e := range op.Entities {
			if err := upsertEntity(ctx, g, e); err != nil {
				return err
			}
		}
		return nil
	case OpBatchCreateRelations:
		for _, r := range op.Relations {
			if err := upsertRelation(ctx, g, r); err != nil {
				return err
			}
		}
		return nil
	}
	return fmt.Errorf("%w: %q", ErrUnknownOperation, op.Op)
}

func upsertEntity(ctx context.Context, g storage.GraphStorage, e *storage.Entity) error {
	_, err := g.UpdateEntity(ctx, e)
	if errors.Is(err, storage.ErrNotFound) {
		_, err = g.CreateEntity(ctx, e)
	}
	return err
}

func upsertRelation(ctx context.Context, g storage.GraphStorage, r *storage.Relation) error {
	_, err := g.UpdateRelation(ctx, r)
	if errors.Is(err, storage.ErrNotFound) {
		_, err = g.CreateRelation(ctx, r)
	}
	return err
}

func ignoreNotFound(err error) error {
	if errors.Is(err, storage.ErrNotFound) {
		return nil
	}
	return err
}

// undo captures the current state of every record op touches in g and
// returns the operations that restore it.
func undo(ctx context.Context, g storage.GraphStorage, op Operation) ([]Operation, error) {
	var out []Operation
	entity := func(id storage.EntityID) error {
		e, err := g.GetEntity(ctx, id)
		switch {
		case errors.Is(err, storage.ErrNotFound):
			out = append(out, Operation{Op: OpDeleteEntity, EntityID: id})
		case err != nil:
			return err
		default:
			out = append(out, Operation{Op: OpUpdateEntity, Entity: e})
		}
		return nil
	}
	relation := func(id storage.RelationID) error {
		r, err := g.GetRelation(ctx, id)
		switch {
		case errors.Is(err, storage.ErrNotFound):
			out = append(out, Operation{Op: OpDeleteRelation, RelationID: id})
		case err != nil:
			return err
		default:
			out = append(out, Operation{Op: OpUpdateRelation, Relation: r})
		}
		return nil
	}

	switch op.Op {
	case OpCreateEntity, OpUpdateEntity:
		return out, entity(op.Entity.ID)
	case OpCreateRelation, OpUpdateRelation:
		return out, relation(op.Relation.ID)
	case OpBatchCreateEntities:
		for _, e := range op.Entities {
			if err := entity(e.ID); err != nil {
				return nil, err
			}
		}
		return out, nil
	case OpBatchCreateRelations:
		for _, r := range op.Relations {
			if err := relation(r.ID); err != nil {
				return nil, err
			}
		}
		return out, nil
	case OpDeleteEntity:
		e, err := g.GetEntity(ctx, op.EntityID)
		if errors.Is(err, storage.ErrNotFound) {
			return nil, nil
		}
		if err != nil {
			return nil, err
		}
		rels, err := g.GetRelations(ctx, op.EntityID, storage.Both)
		if err != nil {
			return nil, err
		}
		out = append(out, Operation{Op: OpCreateEntity, Entity: e})
		for _, r := range rels {
			out = append(out, Operation{Op: OpCreateRelation, Relation: r})
		}
		return out, nil
	case OpDeleteRelation:
		r, err := g.GetRelation(ctx, op.RelationID)
		if errors.Is(err, storage.ErrNotFound) {
			return nil, nil
		}
		if err != nil {
			return nil, err
		}
		return []Operation{{Op: OpCreateRelation, Relation: r}}, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownOperation, op.Op)
}

// restore applies undo operations in order and keeps going past failures.
func restore(ctx context.Context, g storage.GraphStorage, ops []Operation) error {
	var errs []error
	for _, op := range ops {
		if err := Apply(ctx, g, op); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", op.Op, err))
		}
	}
	return errors.Join(errs...)
}

// validate checks that op can be applied to g without breaking referential
// integrity.
func validate(ctx context.Context, g storage.GraphStorage, op Operation) error {
	var rels []*storage.Relation
	switch op.Op {
	case OpCreateRelation:
		rels = []*storage.Relation{op.Relation}
	case OpBatchCreateRelations:
		rels = op.Relations
	default:
		return nil
	}
	for _, r := range rels {
		for _, id := range []storage.EntityID{r.SourceID, r.TargetID} {
			if _, err := g.GetEntity(ctx, id); err != nil {
				if errors.Is(err, storage.ErrNotFound) {
					return fmt.Errorf("%w: relation %s endpoint %s missing on %s", storage.ErrInvalidEdge, r.ID, id, g.Name())
				}
				return err
			}
		}
	}
	return nil
}
