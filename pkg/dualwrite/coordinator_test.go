package dualwrite

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orneryd/fingraph/pkg/fault"
	"github.com/orneryd/fingraph/pkg/replication"
	"github.com/orneryd/fingraph/pkg/storage"
	"github.com/orneryd/fingraph/pkg/txn"
	"github.com/orneryd/fingraph/pkg/wal"
)

var errBackendDown = errors.New("backend down")

// faultyStorage fails every write while down is set, and the next
// failUpdates entity updates.
type faultyStorage struct {
	*storage.MemoryStorage

	mu          sync.Mutex
	down        error
	failUpdates int
}

func newFaulty(name string) *faultyStorage {
	return &faultyStorage{MemoryStorage: storage.NewMemoryStorage(storage.WithMemoryName(name))}
}

func (f *faultyStorage) setDown(err error) {
	f.mu.Lock()
	f.down = err
	f.mu.Unlock()
}

func (f *faultyStorage) err() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.down
}

func (f *faultyStorage) failNextUpdates(n int) {
	f.mu.Lock()
	f.failUpdates = n
	f.mu.Unlock()
}

func (f *faultyStorage) updateErr() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.down != nil {
		return f.down
	}
	if f.failUpdates > 0 {
		f.failUpdates--
		return errBackendDown
	}
	return nil
}

func (f *faultyStorage) CreateEntity(ctx context.Context, e *storage.Entity) (*storage.Entity, error) {
	if err := f.err(); err != nil {
		return nil, err
	}
	return f.MemoryStorage.CreateEntity(ctx, e)
}

func (f *faultyStorage) UpdateEntity(ctx context.Context, e *storage.Entity) (*storage.Entity, error) {
	if err := f.updateErr(); err != nil {
		return nil, err
	}
	return f.MemoryStorage.UpdateEntity(ctx, e)
}

func (f *faultyStorage) DeleteEntity(ctx context.Context, id storage.EntityID) error {
	if err := f.err(); err != nil {
		return err
	}
	return f.MemoryStorage.DeleteEntity(ctx, id)
}

type fixture struct {
	primary   *faultyStorage
	secondary *faultyStorage
	log       *wal.Log
	sync      *replication.Coordinator
	dw        *Coordinator
}

func openWAL(t *testing.T) *wal.Log {
	t.Helper()
	w, err := wal.Open(wal.Config{Dir: t.TempDir(), SyncMode: wal.SyncNone})
	require.NoError(t, err)
	t.Cleanup(func() { _ = w.Close() })
	return w
}

func newFixture(t *testing.T, mode Mode, route bool) *fixture {
	t.Helper()
	f := &fixture{
		primary:   newFaulty("primary"),
		secondary: newFaulty("secondary"),
		log:       openWAL(t),
		sync:      replication.New(replication.WithBaseDelay(time.Millisecond)),
	}
	tm := txn.NewManager(txn.WithJournal(f.log))
	tpc := txn.NewCoordinator(tm, txn.WithCoordinatorJournal(f.log))

	dw, err := New(Config{
		Primary:         f.primary,
		Secondary:       f.secondary,
		Mode:            mode,
		WAL:             f.log,
		TwoPhase:        tpc,
		Sync:            f.sync,
		RouteTraversals: route,
	})
	require.NoError(t, err)
	f.dw = dw
	t.Cleanup(f.sync.Stop)
	return f
}

func (f *fixture) drain(t *testing.T) {
	t.Helper()
	require.NoError(t, f.sync.Start(context.Background()))
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, f.sync.Drain(ctx))
}

func types(entries []wal.Entry) []wal.EntryType {
	out := make([]wal.EntryType, len(entries))
	for i, e := range entries {
		out[i] = e.Type
	}
	return out
}

func company(id string) *storage.Entity {
	return &storage.Entity{ID: storage.EntityID(id), Type: "Company", Name: "Company " + id}
}

func TestNew(t *testing.T) {
	w := openWAL(t)
	tpc := txn.NewCoordinator(txn.NewManager())
	p := storage.NewMemoryStorage(storage.WithMemoryName("p"))
	s := storage.NewMemoryStorage(storage.WithMemoryName("s"))

	t.Run("missing_backend", func(t *testing.T) {
		_, err := New(Config{Primary: p, WAL: w, TwoPhase: tpc})
		assert.ErrorIs(t, err, ErrMissingBackend)
	})

	t.Run("same_backend", func(t *testing.T) {
		_, err := New(Config{Primary: p, Secondary: p, WAL: w, TwoPhase: tpc})
		assert.ErrorIs(t, err, ErrSameBackend)
	})

	t.Run("wal_required", func(t *testing.T) {
		_, err := New(Config{Primary: p, Secondary: s, TwoPhase: tpc})
		assert.ErrorIs(t, err, ErrNoWAL)
	})

	t.Run("strict_needs_two_phase", func(t *testing.T) {
		_, err := New(Config{Primary: p, Secondary: s, WAL: w, Mode: Strict})
		assert.ErrorIs(t, err, ErrNoTwoPhase)
	})

	t.Run("eventual_needs_sync", func(t *testing.T) {
		_, err := New(Config{Primary: p, Secondary: s, WAL: w, Mode: Eventual})
		assert.ErrorIs(t, err, ErrNoSync)
	})

	t.Run("unknown_mode", func(t *testing.T) {
		_, err := New(Config{Primary: p, Secondary: s, WAL: w, Mode: "sometimes", TwoPhase: tpc})
		assert.ErrorContains(t, err, "unknown sync mode")
	})

	t.Run("defaults_to_strict", func(t *testing.T) {
		dw, err := New(Config{Primary: p, Secondary: s, WAL: w, TwoPhase: tpc})
		require.NoError(t, err)
		assert.Equal(t, Strict, dw.Mode())
		assert.Equal(t, "dualwrite(p+s)", dw.Name())
		assert.Same(t, tpc.Manager(), dw.Transactions())
	})
}

func TestParseMode(t *testing.T) {
	m, err := ParseMode("eventual")
	require.NoError(t, err)
	assert.Equal(t, Eventual, m)

	_, err = ParseMode("STRICT")
	assert.Error(t, err)
}

func TestStrict_CreateEntityWritesBoth(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Strict, false)

	e, err := f.dw.CreateEntity(ctx, &storage.Entity{Type: "Company", Name: "ACME", Properties: map[string]any{"ticker": "ACME"}})
	require.NoError(t, err)
	require.NotEmpty(t, e.ID)

	p, err := f.primary.GetEntity(ctx, e.ID)
	require.NoError(t, err)
	s, err := f.secondary.GetEntity(ctx, e.ID)
	require.NoError(t, err)
	assert.Equal(t, p, s)

	entries, err := f.log.ReadEntries("")
	require.NoError(t, err)
	assert.Equal(t, []wal.EntryType{wal.Begin, wal.Operation, wal.Prepare, wal.Prepare, wal.Commit}, types(entries))

	var op Operation
	require.NoError(t, entries[1].Decode(&op))
	assert.Equal(t, OpCreateEntity, op.Op)
	assert.Equal(t, e.ID, op.Entity.ID)

	pending, err := f.log.UncommittedIDs()
	require.NoError(t, err)
	assert.Empty(t, pending)
	assert.Zero(t, f.dw.Transactions().ActiveCount())
}

func TestStrict_PrimaryFailureLeavesSecondaryUntouched(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Strict, false)

	_, err := f.dw.CreateEntity(ctx, company("acme"))
	require.NoError(t, err)

	_, err = f.dw.CreateEntity(ctx, company("acme"))
	assert.ErrorIs(t, err, storage.ErrAlreadyExists)

	f.primary.setDown(errBackendDown)
	_, err = f.dw.CreateEntity(ctx, company("globex"))
	assert.ErrorIs(t, err, errBackendDown)

	_, err = f.secondary.GetEntity(ctx, "globex")
	assert.ErrorIs(t, err, storage.ErrNotFound)

	ids, err := f.log.UncommittedIDs()
	require.NoError(t, err)
	require.Len(t, ids, 2)
	for _, id := range ids {
		entries, err := f.log.ReadEntries(id)
		require.NoError(t, err)
		assert.Equal(t, []wal.EntryType{wal.Begin, wal.Operation, wal.Abort}, types(entries))
	}
}

func TestStrict_SecondaryPrepareFailureCompensatesPrimary(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Strict, false)

	for _, id := range []string{"a", "b"} {
		_, err := f.dw.CreateEntity(ctx, company(id))
		require.NoError(t, err)
	}
	// The secondary lost b, so it cannot accept a relation to it.
	require.NoError(t, f.secondary.MemoryStorage.DeleteEntity(ctx, "b"))

	_, err := f.dw.CreateRelation(ctx, &storage.Relation{ID: "r1", SourceID: "a", TargetID: "b", Type: "OWNS"})
	require.Error(t, err)
	assert.True(t, fault.Is(err, fault.KindPrepare))
	assert.ErrorIs(t, err, storage.ErrInvalidEdge)

	_, err = f.primary.GetRelation(ctx, "r1")
	assert.ErrorIs(t, err, storage.ErrNotFound, "primary write compensated")
	_, err = f.secondary.GetRelation(ctx, "r1")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestStrict_BatchPrepareFailureCompensatesPrimary(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Strict, false)

	_, err := f.dw.BatchCreateEntities(ctx, []*storage.Entity{company("a"), company("b")})
	require.NoError(t, err)
	_, err = f.dw.CreateRelation(ctx, &storage.Relation{ID: "r1", SourceID: "a", TargetID: "b", Type: "OWNS", Weight: 0.1})
	require.NoError(t, err)

	require.NoError(t, f.secondary.MemoryStorage.DeleteEntity(ctx, "b"))
	_, err = f.dw.BatchCreateRelations(ctx, []*storage.Relation{
		{ID: "r2", SourceID: "b", TargetID: "a", Type: "SUPPLIES"},
	})
	require.Error(t, err)

	n, err := f.primary.CountRelations(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	r, err := f.primary.GetRelation(ctx, "r1")
	require.NoError(t, err)
	assert.InDelta(t, 0.1, r.Weight, 1e-9)
}

func TestStrict_UpdateAndDelete(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Strict, false)

	_, err := f.dw.BatchCreateEntities(ctx, []*storage.Entity{company("a"), company("b")})
	require.NoError(t, err)
	_, err = f.dw.CreateRelation(ctx, &storage.Relation{ID: "r1", SourceID: "a", TargetID: "b", Type: "OWNS"})
	require.NoError(t, err)

	upd := company("a")
	upd.Name = "Renamed"
	_, err = f.dw.UpdateEntity(ctx, upd)
	require.NoError(t, err)

	_, err = f.dw.UpdateRelation(ctx, &storage.Relation{ID: "r1", Type: "OWNS", Weight: 0.5})
	require.NoError(t, err)

	for _, g := range []storage.GraphStorage{f.primary, f.secondary} {
		e, err := g.GetEntity(ctx, "a")
		require.NoError(t, err)
		assert.Equal(t, "Renamed", e.Name, g.Name())
		r, err := g.GetRelation(ctx, "r1")
		require.NoError(t, err)
		assert.InDelta(t, 0.5, r.Weight, 1e-9, g.Name())
	}

	require.NoError(t, f.dw.DeleteEntity(ctx, "b"))
	for _, g := range []storage.GraphStorage{f.primary, f.secondary} {
		_, err := g.GetRelation(ctx, "r1")
		assert.ErrorIs(t, err, storage.ErrNotFound, g.Name())
	}

	assert.ErrorIs(t, f.dw.DeleteRelation(ctx, "missing"), storage.ErrNotFound)
	_, err = f.dw.UpdateEntity(ctx, company("ghost"))
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestStrict_DeleteCompensationRestoresRelations(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Strict, false)

	_, err := f.dw.BatchCreateEntities(ctx, []*storage.Entity{company("a"), company("b")})
	require.NoError(t, err)
	_, err = f.dw.CreateRelation(ctx, &storage.Relation{ID: "r1", SourceID: "a", TargetID: "b", Type: "OWNS"})
	require.NoError(t, err)

	ops, err := undo(ctx, f.primary, Operation{Op: OpDeleteEntity, EntityID: "b"})
	require.NoError(t, err)
	require.NoError(t, f.primary.MemoryStorage.DeleteEntity(ctx, "b"))
	require.NoError(t, restore(ctx, f.primary, ops))

	_, err = f.primary.GetEntity(ctx, "b")
	require.NoError(t, err)
	_, err = f.primary.GetRelation(ctx, "r1")
	assert.NoError(t, err)
}

func TestStrict_CommitFailureQueuesReconciliation(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Strict, false)

	f.secondary.setDown(errBackendDown)
	_, err := f.dw.CreateEntity(ctx, company("acme"))
	require.NoError(t, err, "the decision was committed")

	_, err = f.secondary.GetEntity(ctx, "acme")
	require.ErrorIs(t, err, storage.ErrNotFound)

	entries, err := f.log.ReadEntries("")
	require.NoError(t, err)
	assert.Equal(t, wal.Operation, entries[len(entries)-1].Type, "commit failure journaled")

	tasks := f.sync.Tasks(replication.Pending)
	require.Len(t, tasks, 1)
	assert.Equal(t, "secondary", tasks[0].Target)

	f.secondary.setDown(nil)
	f.drain(t)

	_, err = f.secondary.GetEntity(ctx, "acme")
	assert.NoError(t, err)
}

func TestEventual(t *testing.T) {
	ctx := context.Background()

	t.Run("secondary_catches_up", func(t *testing.T) {
		f := newFixture(t, Eventual, false)

		e, err := f.dw.CreateEntity(ctx, company("acme"))
		require.NoError(t, err)
		_, err = f.dw.CreateEntity(ctx, company("globex"))
		require.NoError(t, err)
		_, err = f.dw.CreateRelation(ctx, &storage.Relation{ID: "r1", SourceID: "acme", TargetID: "globex", Type: "SUPPLIES"})
		require.NoError(t, err)

		_, err = f.secondary.GetEntity(ctx, e.ID)
		assert.ErrorIs(t, err, storage.ErrNotFound, "nothing replicated before the worker runs")

		f.drain(t)

		s, err := f.secondary.GetEntity(ctx, e.ID)
		require.NoError(t, err)
		assert.True(t, s.CreatedAt.Equal(e.CreatedAt), "replica keeps primary timestamps")
		_, err = f.secondary.GetRelation(ctx, "r1")
		assert.NoError(t, err)

		pending, err := f.log.UncommittedIDs()
		require.NoError(t, err)
		assert.Empty(t, pending)
		assert.Equal(t, int64(3), f.sync.Stats().Successful)
	})

	t.Run("secondary_failure_does_not_fail_write", func(t *testing.T) {
		f := newFixture(t, Eventual, false)
		f.secondary.setDown(errBackendDown)

		_, err := f.dw.CreateEntity(ctx, company("acme"))
		require.NoError(t, err)
		f.drain(t)

		assert.Equal(t, int64(1), f.sync.Stats().Failed)
		_, err = f.primary.GetEntity(ctx, "acme")
		assert.NoError(t, err)
	})

	t.Run("delete_replicates", func(t *testing.T) {
		f := newFixture(t, Eventual, false)
		_, err := f.dw.CreateEntity(ctx, company("acme"))
		require.NoError(t, err)
		require.NoError(t, f.dw.DeleteEntity(ctx, "acme"))
		f.drain(t)

		_, err = f.secondary.GetEntity(ctx, "acme")
		assert.ErrorIs(t, err, storage.ErrNotFound)
	})

	t.Run("overtaken_retry_converges", func(t *testing.T) {
		f := newFixture(t, Eventual, false)
		_, err := f.dw.CreateEntity(ctx, company("acme"))
		require.NoError(t, err)

		// v1 fails once on the secondary and is retried after v2 lands.
		f.secondary.failNextUpdates(1)
		for _, name := range []string{"v1", "v2"} {
			e := company("acme")
			e.Name = name
			_, err = f.dw.UpdateEntity(ctx, e)
			require.NoError(t, err)
		}
		f.drain(t)

		p, err := f.primary.GetEntity(ctx, "acme")
		require.NoError(t, err)
		s, err := f.secondary.GetEntity(ctx, "acme")
		require.NoError(t, err)
		assert.Equal(t, "v2", p.Name)
		assert.Equal(t, p, s)
		assert.Equal(t, int64(3), f.sync.Stats().Successful)
	})

	t.Run("late_update_does_not_resurrect_delete", func(t *testing.T) {
		f := newFixture(t, Eventual, false)
		_, err := f.dw.CreateEntity(ctx, company("acme"))
		require.NoError(t, err)

		f.secondary.failNextUpdates(1)
		e := company("acme")
		e.Name = "renamed"
		_, err = f.dw.UpdateEntity(ctx, e)
		require.NoError(t, err)
		require.NoError(t, f.dw.DeleteEntity(ctx, "acme"))
		f.drain(t)

		_, err = f.primary.GetEntity(ctx, "acme")
		assert.ErrorIs(t, err, storage.ErrNotFound)
		_, err = f.secondary.GetEntity(ctx, "acme")
		assert.ErrorIs(t, err, storage.ErrNotFound)
	})
}

func TestRouteTraversals(t *testing.T) {
	ctx := context.Background()

	for _, route := range []bool{false, true} {
		f := newFixture(t, Strict, route)
		_, err := f.dw.BatchCreateEntities(ctx, []*storage.Entity{company("a"), company("b")})
		require.NoError(t, err)

		// Only the secondary knows this relation.
		_, err = f.secondary.CreateRelation(ctx, &storage.Relation{ID: "r1", SourceID: "a", TargetID: "b", Type: "OWNS"})
		require.NoError(t, err)

		neighbors, err := f.dw.GetNeighbors(ctx, "a", storage.NeighborQuery{})
		require.NoError(t, err)
		_, pathErr := f.dw.FindPath(ctx, "a", "b", 2)
		sub, err := f.dw.GetSubgraph(ctx, "a", 1)
		require.NoError(t, err)

		if route {
			assert.Len(t, neighbors, 1)
			assert.NoError(t, pathErr)
			assert.Len(t, sub.Relations, 1)
		} else {
			assert.Empty(t, neighbors)
			assert.ErrorIs(t, pathErr, storage.ErrNotFound)
			assert.Empty(t, sub.Relations)
		}

		rels, err := f.dw.GetRelations(ctx, "a", storage.Both)
		require.NoError(t, err)
		assert.Empty(t, rels, "relation reads always use the primary")
	}
}

func TestReadsUsePrimary(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Strict, true)

	_, err := f.primary.CreateEntity(ctx, company("only-primary"))
	require.NoError(t, err)

	_, err = f.dw.GetEntity(ctx, "only-primary")
	assert.NoError(t, err)
	got, err := f.dw.GetEntities(ctx, []storage.EntityID{"only-primary", "nope"})
	require.NoError(t, err)
	assert.Len(t, got, 1)

	found, err := f.dw.SearchEntities(ctx, storage.SearchQuery{Type: "Company"})
	require.NoError(t, err)
	assert.Len(t, found, 1)

	n, err := f.dw.CountEntities(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	stats, err := f.dw.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, "primary", stats.Backend)
}

func TestDurabilityFailureAbortsBeforeWrite(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Strict, false)
	require.NoError(t, f.log.Close())

	_, err := f.dw.CreateEntity(ctx, company("acme"))
	require.Error(t, err)

	_, err = f.primary.GetEntity(ctx, "acme")
	assert.ErrorIs(t, err, storage.ErrNotFound)
	assert.Zero(t, f.dw.Transactions().ActiveCount())
}

func TestClose(t *testing.T) {
	f := newFixture(t, Strict, false)
	require.NoError(t, f.dw.Close())

	_, err := f.primary.GetEntity(context.Background(), "x")
	assert.ErrorIs(t, err, storage.ErrStorageClosed)
	_, err = f.secondary.GetEntity(context.Background(), "x")
	assert.ErrorIs(t, err, storage.ErrStorageClosed)
}
