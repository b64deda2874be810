// Package dualwrite keeps a primary and a secondary GraphStorage consistent.
//
// Coordinator is itself a storage.GraphStorage. Every mutation is journaled
// in the WAL before it reaches a backend, is applied to the primary and then
// reaches the secondary in one of two ways:
//
//   - strict: a two-phase commit over a primary compensator and a secondary
//     participant. The call fails when the secondary cannot prepare, and the
//     primary is put back the way it was.
//   - eventual: the transaction is committed on the primary alone and a sync
//     task replays the operation on the secondary in the background.
//
// Reads go to the primary. Graph traversals can be routed to the secondary,
// which is normally the graph-native store.
package dualwrite

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/orneryd/fingraph/pkg/fault"
	"github.com/orneryd/fingraph/pkg/logging"
	"github.com/orneryd/fingraph/pkg/metrics"
	"github.com/orneryd/fingraph/pkg/replication"
	"github.com/orneryd/fingraph/pkg/storage"
	"github.com/orneryd/fingraph/pkg/txn"
	"github.com/orneryd/fingraph/pkg/wal"
)

// Mode selects how the secondary is kept in step.
type Mode string

const (
	Strict   Mode = "strict"
	Eventual Mode = "eventual"
)

// ParseMode parses a mode name.
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case Strict, Eventual:
		return Mode(s), nil
	}
	return "", fmt.Errorf("dualwrite: unknown sync mode %q", s)
}

var (
	ErrNoWAL          = errors.New("dualwrite: a WAL is required")
	ErrNoTwoPhase     = errors.New("dualwrite: strict mode requires a 2PC coordinator")
	ErrNoSync         = errors.New("dualwrite: eventual mode requires a sync coordinator")
	ErrSameBackend    = errors.New("dualwrite: primary and secondary must be different backends")
	ErrMissingBackend = errors.New("dualwrite: primary and secondary are required")
)

// Config carries the collaborators of a Coordinator.
type Config struct {
	Primary   storage.GraphStorage
	Secondary storage.GraphStorage
	Mode      Mode
	// WAL journals every mutation. The 2PC coordinator must journal to the
	// same log so recovery sees its COMMIT decisions.
	WAL *wal.Log
	// TwoPhase runs strict-mode transactions. Its Manager is used for the
	// lifecycle of every transaction.
	TwoPhase *txn.Coordinator
	// Sync replays operations on the secondary in eventual mode and
	// reconciles commit-phase failures in strict mode.
	Sync *replication.Coordinator
	// RouteTraversals sends GetNeighbors, FindPath and GetSubgraph to the
	// secondary.
	RouteTraversals bool
	// TxTimeout bounds each transaction. Zero uses the manager default.
	TxTimeout time.Duration
	Logger    *slog.Logger
	Metrics   *metrics.Metrics
}

// Coordinator is the dual-write composite storage.
type Coordinator struct {
	primary   storage.GraphStorage
	secondary storage.GraphStorage
	mode      Mode
	log       *wal.Log
	tm        *txn.Manager
	tpc       *txn.Coordinator
	syncer    *replication.Coordinator
	route     bool
	timeout   time.Duration
	logger    *slog.Logger
	metrics   *metrics.Metrics

	// strictMu serializes strict-mode mutations so before-images stay valid
	// until the transaction ends.
	strictMu sync.Mutex
}

var _ storage.GraphStorage = (*Coordinator)(nil)

// New validates cfg and builds a Coordinator. When cfg.Sync is set, a
// Replicator for the secondary is registered on it.
func New(cfg Config) (*Coordinator, error) {
	if cfg.Primary == nil || cfg.Secondary == nil {
		return nil, ErrMissingBackend
	}
	if cfg.Primary.Name() == cfg.Secondary.Name() {
		return nil, fmt.Errorf("%w: both are named %q", ErrSameBackend, cfg.Primary.Name())
	}
	if cfg.WAL == nil {
		return nil, ErrNoWAL
	}
	if cfg.Mode == "" {
		cfg.Mode = Strict
	}
	if _, err := ParseMode(string(cfg.Mode)); err != nil {
		return nil, err
	}
	if cfg.Mode == Strict && cfg.TwoPhase == nil {
		return nil, ErrNoTwoPhase
	}
	if cfg.Mode == Eventual && cfg.Sync == nil {
		return nil, ErrNoSync
	}

	c := &Coordinator{
		primary:   cfg.Primary,
		secondary: cfg.Secondary,
		mode:      cfg.Mode,
		log:       cfg.WAL,
		tpc:       cfg.TwoPhase,
		syncer:    cfg.Sync,
		route:     cfg.RouteTraversals,
		timeout:   cfg.TxTimeout,
		metrics:   cfg.Metrics,
	}
	if c.tpc != nil {
		c.tm = c.tpc.Manager()
	} else {
		c.tm = txn.NewManager(txn.WithJournal(c.log), txn.WithManagerLogger(cfg.Logger), txn.WithManagerMetrics(cfg.Metrics))
	}
	if c.syncer != nil {
		c.syncer.RegisterHandler(c.secondary.Name(), NewReplicator(c.secondary))
	}
	c.logger = logging.OrDiscard(cfg.Logger).With(
		"component", "dualwrite",
		"primary", c.primary.Name(),
		"secondary", c.secondary.Name(),
		"mode", string(c.mode),
	)
	return c, nil
}

func (c *Coordinator) Name() string {
	return "dualwrite(" + c.primary.Name() + "+" + c.secondary.Name() + ")"
}

// Mode returns the sync mode.
func (c *Coordinator) Mode() Mode { return c.mode }

// Primary returns the primary backend.
func (c *Coordinator) Primary() storage.GraphStorage { return c.primary }

// Secondary returns the secondary backend.
func (c *Coordinator) Secondary() storage.GraphStorage { return c.secondary }

// Transactions returns the lifecycle manager used for every mutation.
func (c *Coordinator) Transactions() *txn.Manager { return c.tm }

// ============================================================================
// Mutation protocol
// ============================================================================

// mutate runs one operation through the protocol. write applies it to the
// primary and returns the operation as the primary stored it, which is what
// the secondary receives.
func (c *Coordinator) mutate(ctx context.Context, op Operation, write func(ctx context.Context) (Operation, error)) (err error) {
	start := time.Now()
	defer func() {
		c.metrics.DualWrite(string(op.Op), string(c.mode), err, float64(time.Since(start).Microseconds())/1000)
	}()

	if c.mode == Strict {
		c.strictMu.Lock()
		defer c.strictMu.Unlock()
	}

	txID := c.tm.Begin(c.timeout, map[string]any{"operation": string(op.Op), "mode": string(c.mode)})
	log := c.logger.With("txid", txID, "operation", string(op.Op))

	if err := c.journal(txID, op); err != nil {
		log.Error("operation not durable, aborting", "error", err)
		_ = c.tm.Fail(txID, err.Error())
		c.tm.Rollback(txID)
		return err
	}

	var primaryUndo []Operation
	if c.mode == Strict {
		primaryUndo, err = undo(ctx, c.primary, op)
		if err != nil {
			c.abort(txID, err)
			return fmt.Errorf("dualwrite: snapshot %s: %w", c.primary.Name(), err)
		}
	}

	applied, err := write(ctx)
	if err != nil {
		log.Debug("primary write failed", "error", err)
		c.abort(txID, err)
		return err
	}

	if c.mode == Eventual {
		c.commitEventual(ctx, txID, applied, log)
		return nil
	}
	return c.commitStrict(ctx, txID, applied, primaryUndo, log)
}

func (c *Coordinator) journal(txID string, op Operation) error {
	if _, err := c.log.Append(wal.Begin, txID, map[string]any{
		"operation": string(op.Op),
		"mode":      string(c.mode),
	}); err != nil {
		return err
	}
	if _, err := c.log.Append(wal.Operation, txID, op); err != nil {
		c.appendAbort(txID, err)
		return err
	}
	return nil
}

// abort ends a transaction that never reached a commit decision.
func (c *Coordinator) abort(txID string, cause error) {
	c.appendAbort(txID, cause)
	_ = c.tm.Fail(txID, cause.Error())
	c.tm.Rollback(txID)
}

func (c *Coordinator) appendAbort(txID string, cause error) {
	if _, err := c.log.Append(wal.Abort, txID, map[string]any{"reason": cause.Error()}); err != nil {
		c.logger.Error("abort not journaled", "txid", txID, "error", err)
	}
}

func (c *Coordinator) commitEventual(ctx context.Context, txID string, op Operation, log *slog.Logger) {
	if _, err := c.log.Checkpoint(txID); err != nil {
		// The primary already holds the write; recovery will redo it.
		log.Error("commit not journaled", "error", err)
	}
	c.tm.Commit(txID)

	if _, err := c.syncer.Submit(ctx, string(op.Op), c.primary.Name(), c.secondary.Name(), op); err != nil {
		log.Error("sync task not submitted", "error", fault.New(fault.KindSync, "dualwrite.submit", err).WithTx(txID))
		return
	}
	log.Debug("committed on primary, sync task submitted")
}

func (c *Coordinator) commitStrict(ctx context.Context, txID string, op Operation, primaryUndo []Operation, log *slog.Logger) error {
	primary, err := txn.NewParticipant(c.primary.Name(),
		func(context.Context) error { return nil },
		func(context.Context) error { return nil },
		func(ctx context.Context) error { return restore(ctx, c.primary, primaryUndo) },
	)
	if err != nil {
		c.abort(txID, err)
		return err
	}

	var secondaryUndo []Operation
	secondary, err := txn.NewParticipant(c.secondary.Name(),
		func(ctx context.Context) error {
			if err := validate(ctx, c.secondary, op); err != nil {
				return err
			}
			var err error
			secondaryUndo, err = undo(ctx, c.secondary, op)
			return err
		},
		func(ctx context.Context) error { return Apply(ctx, c.secondary, op) },
		func(ctx context.Context) error { return restore(ctx, c.secondary, secondaryUndo) },
	)
	if err != nil {
		c.abort(txID, err)
		return err
	}

	for _, p := range []txn.Participant{primary, secondary} {
		if err := c.tpc.RegisterParticipant(txID, p); err != nil {
			if rerr := restore(ctx, c.primary, primaryUndo); rerr != nil {
				log.Error("primary compensation failed", "error", rerr)
			}
			c.abort(txID, err)
			return err
		}
	}

	res := c.tpc.Execute(ctx, txID)
	if !res.Committed {
		log.Warn("dual write rolled back", "error", res.Err)
		return res.Err
	}
	for _, f := range res.CommitFailures {
		c.reconcile(ctx, txID, op, f, log)
	}
	log.Debug("dual write committed")
	return nil
}

// reconcile hands a commit-phase failure to the sync coordinator. Without
// one the divergence is only logged.
func (c *Coordinator) reconcile(ctx context.Context, txID string, op Operation, f txn.ParticipantError, log *slog.Logger) {
	if f.Participant != c.secondary.Name() {
		log.Error("participant diverged after commit", "participant", f.Participant, "error", f.Err)
		return
	}
	if c.syncer == nil {
		log.Error("secondary diverged after commit, no sync coordinator", "error", f.Err)
		return
	}
	id, err := c.syncer.Submit(ctx, string(op.Op), c.primary.Name(), c.secondary.Name(), op)
	if err != nil {
		log.Error("reconciliation not submitted", "error", fault.New(fault.KindSync, "dualwrite.reconcile", err).WithTx(txID))
		return
	}
	log.Warn("secondary commit failed, reconciliation queued", "task", id, "error", f.Err)
}

// ============================================================================
// Entities
// ============================================================================

func (c *Coordinator) CreateEntity(ctx context.Context, e *storage.Entity) (*storage.Entity, error) {
	prepared, err := storage.PrepareEntityForCreate(e, time.Now().UTC())
	if err != nil {
		return nil, err
	}
	var out *storage.Entity
	err = c.mutate(ctx, Operation{Op: OpCreateEntity, Entity: prepared}, func(ctx context.Context) (Operation, error) {
		var err error
		out, err = c.primary.CreateEntity(ctx, prepared)
		return Operation{Op: OpCreateEntity, Entity: out}, err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Coordinator) UpdateEntity(ctx context.Context, e *storage.Entity) (*storage.Entity, error) {
	if err := storage.ValidateEntity(e); err != nil {
		return nil, err
	}
	if e.ID == "" {
		return nil, storage.ErrInvalidID
	}
	var out *storage.Entity
	err := c.mutate(ctx, Operation{Op: OpUpdateEntity, Entity: e.Clone()}, func(ctx context.Context) (Operation, error) {
		var err error
		out, err = c.primary.UpdateEntity(ctx, e)
		return Operation{Op: OpUpdateEntity, Entity: out}, err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Coordinator) DeleteEntity(ctx context.Context, id storage.EntityID) error {
	op := Operation{Op: OpDeleteEntity, EntityID: id}
	return c.mutate(ctx, op, func(ctx context.Context) (Operation, error) {
		err := c.primary.DeleteEntity(ctx, id)
		done := op
		done.DeletedAt = time.Now().UTC()
		return done, err
	})
}

func (c *Coordinator) GetEntity(ctx context.Context, id storage.EntityID) (*storage.Entity, error) {
	return c.primary.GetEntity(ctx, id)
}

func (c *Coordinator) GetEntities(ctx context.Context, ids []storage.EntityID) ([]*storage.Entity, error) {
	return c.primary.GetEntities(ctx, ids)
}

func (c *Coordinator) SearchEntities(ctx context.Context, q storage.SearchQuery) ([]*storage.Entity, error) {
	return c.primary.SearchEntities(ctx, q)
}

// ============================================================================
// Relations
// ============================================================================

func (c *Coordinator) CreateRelation(ctx context.Context, r *storage.Relation) (*storage.Relation, error) {
	prepared, err := storage.PrepareRelationForCreate(r, time.Now().UTC())
	if err != nil {
		return nil, err
	}
	var out *storage.Relation
	err = c.mutate(ctx, Operation{Op: OpCreateRelation, Relation: prepared}, func(ctx context.Context) (Operation, error) {
		var err error
		out, err = c.primary.CreateRelation(ctx, prepared)
		return Operation{Op: OpCreateRelation, Relation: out}, err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Coordinator) UpdateRelation(ctx context.Context, r *storage.Relation) (*storage.Relation, error) {
	if r == nil || r.ID == "" {
		return nil, storage.ErrInvalidID
	}
	var out *storage.Relation
	err := c.mutate(ctx, Operation{Op: OpUpdateRelation, Relation: r.Clone()}, func(ctx context.Context) (Operation, error) {
		var err error
		out, err = c.primary.UpdateRelation(ctx, r)
		return Operation{Op: OpUpdateRelation, Relation: out}, err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Coordinator) DeleteRelation(ctx context.Context, id storage.RelationID) error {
	op := Operation{Op: OpDeleteRelation, RelationID: id}
	return c.mutate(ctx, op, func(ctx context.Context) (Operation, error) {
		err := c.primary.DeleteRelation(ctx, id)
		done := op
		done.DeletedAt = time.Now().UTC()
		return done, err
	})
}

func (c *Coordinator) GetRelation(ctx context.Context, id storage.RelationID) (*storage.Relation, error) {
	return c.primary.GetRelation(ctx, id)
}

func (c *Coordinator) GetRelations(ctx context.Context, id storage.EntityID, dir storage.Direction) ([]*storage.Relation, error) {
	return c.primary.GetRelations(ctx, id, dir)
}

// ============================================================================
// Graph queries
// ============================================================================

func (c *Coordinator) traversal() storage.GraphStorage {
	if c.route {
		return c.secondary
	}
	return c.primary
}

func (c *Coordinator) GetNeighbors(ctx context.Context, id storage.EntityID, q storage.NeighborQuery) ([]*storage.Entity, error) {
	return c.traversal().GetNeighbors(ctx, id, q)
}

func (c *Coordinator) FindPath(ctx context.Context, from, to storage.EntityID, maxDepth int) (*storage.Path, error) {
	return c.traversal().FindPath(ctx, from, to, maxDepth)
}

func (c *Coordinator) GetSubgraph(ctx context.Context, center storage.EntityID, depth int) (*storage.Subgraph, error) {
	return c.traversal().GetSubgraph(ctx, center, depth)
}

// ============================================================================
// Batch
// ============================================================================

func (c *Coordinator) BatchCreateEntities(ctx context.Context, entities []*storage.Entity) ([]*storage.Entity, error) {
	now := time.Now().UTC()
	prepared := make([]*storage.Entity, len(entities))
	for i, e := range entities {
		p, err := storage.PrepareEntityForCreate(e, now)
		if err != nil {
			return nil, fmt.Errorf("entity %d: %w", i, err)
		}
		prepared[i] = p
	}
	var out []*storage.Entity
	err := c.mutate(ctx, Operation{Op: OpBatchCreateEntities, Entities: prepared}, func(ctx context.Context) (Operation, error) {
		var err error
		out, err = c.primary.BatchCreateEntities(ctx, prepared)
		return Operation{Op: OpBatchCreateEntities, Entities: out}, err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Coordinator) BatchCreateRelations(ctx context.Context, relations []*storage.Relation) ([]*storage.Relation, error) {
	now := time.Now().UTC()
	prepared := make([]*storage.Relation, len(relations))
	for i, r := range relations {
		p, err := storage.PrepareRelationForCreate(r, now)
		if err != nil {
			return nil, fmt.Errorf("relation %d: %w", i, err)
		}
		prepared[i] = p
	}
	var out []*storage.Relation
	err := c.mutate(ctx, Operation{Op: OpBatchCreateRelations, Relations: prepared}, func(ctx context.Context) (Operation, error) {
		var err error
		out, err = c.primary.BatchCreateRelations(ctx, prepared)
		return Operation{Op: OpBatchCreateRelations, Relations: out}, err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// ============================================================================
// Stats
// ============================================================================

func (c *Coordinator) CountEntities(ctx context.Context) (int64, error) {
	return c.primary.CountEntities(ctx)
}

func (c *Coordinator) CountRelations(ctx context.Context) (int64, error) {
	return c.primary.CountRelations(ctx)
}

func (c *Coordinator) Stats(ctx context.Context) (storage.Stats, error) {
	return c.primary.Stats(ctx)
}

// Close closes both backends. The WAL and coordinators belong to the caller.
func (c *Coordinator) Close() error {
	return errors.Join(c.primary.Close(), c.secondary.Close())
}
