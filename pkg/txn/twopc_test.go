package txn

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orneryd/fingraph/pkg/fault"
	"github.com/orneryd/fingraph/pkg/wal"
)

type recordingParticipant struct {
	name       string
	prepareErr error
	commitErr  error

	prepares  atomic.Int32
	commits   atomic.Int32
	rollbacks atomic.Int32

	// calls is shared across participants to check ordering.
	calls *callLog
}

type callLog struct {
	mu    sync.Mutex
	calls []string
}

func (l *callLog) add(s string) {
	if l == nil {
		return
	}
	l.mu.Lock()
	l.calls = append(l.calls, s)
	l.mu.Unlock()
}

func (l *callLog) get() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.calls...)
}

func (p *recordingParticipant) Name() string { return p.name }

func (p *recordingParticipant) Prepare(ctx context.Context) error {
	p.prepares.Add(1)
	p.calls.add(p.name + ".prepare")
	return p.prepareErr
}

func (p *recordingParticipant) Commit(ctx context.Context) error {
	p.commits.Add(1)
	p.calls.add(p.name + ".commit")
	return p.commitErr
}

func (p *recordingParticipant) Rollback(ctx context.Context) error {
	p.rollbacks.Add(1)
	p.calls.add(p.name + ".rollback")
	return nil
}

func newTestCoordinator(j Journal, opts ...CoordinatorOption) (*Manager, *Coordinator) {
	tm := NewManager()
	if j != nil {
		opts = append(opts, WithCoordinatorJournal(j))
	}
	return tm, NewCoordinator(tm, opts...)
}

// =============================================================================
// Execute
// =============================================================================

func TestExecuteAllPrepareSucceed(t *testing.T) {
	j := &memJournal{}
	tm, c := newTestCoordinator(j)
	ctx := context.Background()
	calls := &callLog{}

	t1 := tm.Begin(0, nil)
	a := &recordingParticipant{name: "A", calls: calls}
	b := &recordingParticipant{name: "B", calls: calls}
	require.NoError(t, c.RegisterParticipant(t1, a))
	require.NoError(t, c.RegisterParticipant(t1, b))

	res := c.Execute(ctx, t1)
	require.NoError(t, res.Err)
	assert.True(t, res.Committed)
	assert.Empty(t, res.CommitFailures)

	state, ok := tm.State(t1)
	require.True(t, ok)
	assert.Equal(t, Committed, state)

	assert.Equal(t, int32(1), a.commits.Load())
	assert.Equal(t, int32(1), b.commits.Load())
	assert.Zero(t, a.rollbacks.Load())
	assert.Zero(t, b.rollbacks.Load())
	assert.Equal(t, []string{"A.prepare", "B.prepare", "A.commit", "B.commit"}, calls.get())

	assert.Equal(t, []wal.EntryType{wal.Prepare, wal.Prepare, wal.Commit}, j.types(t1))
	assert.Empty(t, c.Participants(t1), "registration discarded")
}

func TestExecuteSecondPrepareFails(t *testing.T) {
	j := &memJournal{}
	tm, c := newTestCoordinator(j)
	ctx := context.Background()

	t2 := tm.Begin(0, nil)
	vetoed := errors.New("unique constraint")
	a := &recordingParticipant{name: "A"}
	b := &recordingParticipant{name: "B", prepareErr: vetoed}
	never := &recordingParticipant{name: "C"}
	require.NoError(t, c.RegisterParticipant(t2, a))
	require.NoError(t, c.RegisterParticipant(t2, b))
	require.NoError(t, c.RegisterParticipant(t2, never))

	res := c.Execute(ctx, t2)
	assert.False(t, res.Committed)
	require.Error(t, res.Err)
	assert.True(t, fault.Is(res.Err, fault.KindPrepare))
	assert.ErrorIs(t, res.Err, vetoed)

	var pe ParticipantError
	require.ErrorAs(t, res.Err, &pe)
	assert.Equal(t, "B", pe.Participant)

	state, ok := tm.State(t2)
	require.True(t, ok)
	assert.Equal(t, Failed, state)

	assert.Equal(t, int32(1), a.rollbacks.Load())
	assert.Zero(t, b.rollbacks.Load())
	assert.Zero(t, never.prepares.Load())
	assert.Zero(t, never.rollbacks.Load())
	assert.Zero(t, a.commits.Load())

	assert.Equal(t, []wal.EntryType{wal.Prepare, wal.Abort}, j.types(t2))
}

func TestExecuteRollbackReverseOrder(t *testing.T) {
	tm, c := newTestCoordinator(nil)
	calls := &callLog{}
	id := tm.Begin(0, nil)
	for _, name := range []string{"A", "B"} {
		require.NoError(t, c.RegisterParticipant(id, &recordingParticipant{name: name, calls: calls}))
	}
	require.NoError(t, c.RegisterParticipant(id, &recordingParticipant{name: "C", calls: calls, prepareErr: errors.New("no")}))

	res := c.Execute(context.Background(), id)
	assert.False(t, res.Committed)
	assert.Equal(t, []string{"A.prepare", "B.prepare", "C.prepare", "B.rollback", "A.rollback"}, calls.get())
}

func TestExecuteNoParticipants(t *testing.T) {
	j := &memJournal{}
	tm, c := newTestCoordinator(j)
	id := tm.Begin(0, nil)

	res := c.Execute(context.Background(), id)
	assert.True(t, res.Committed)
	s, _ := tm.State(id)
	assert.Equal(t, Committed, s)
	assert.Equal(t, []wal.EntryType{wal.Commit}, j.types(id))
}

func TestExecuteUnknownTransaction(t *testing.T) {
	_, c := newTestCoordinator(nil)
	res := c.Execute(context.Background(), "missing")
	assert.False(t, res.Committed)
	assert.ErrorIs(t, res.Err, ErrUnknownTransaction)
}

func TestExecuteCommitPhaseFailure(t *testing.T) {
	j := &memJournal{}
	tm, c := newTestCoordinator(j)
	id := tm.Begin(0, nil)
	a := &recordingParticipant{name: "A"}
	b := &recordingParticipant{name: "B", commitErr: errors.New("connection reset")}
	require.NoError(t, c.RegisterParticipant(id, a))
	require.NoError(t, c.RegisterParticipant(id, b))

	res := c.Execute(context.Background(), id)
	assert.True(t, res.Committed)
	require.Len(t, res.CommitFailures, 1)
	assert.Equal(t, "B", res.CommitFailures[0].Participant)
	assert.Equal(t, "commit", res.CommitFailures[0].Phase)

	s, _ := tm.State(id)
	assert.Equal(t, Committed, s)
	assert.Zero(t, a.rollbacks.Load())
	assert.Equal(t, []wal.EntryType{wal.Prepare, wal.Prepare, wal.Commit, wal.Operation}, j.types(id))
}

func TestExecuteCommitDecisionNotDurable(t *testing.T) {
	j := &memJournal{failOn: wal.Commit}
	tm, c := newTestCoordinator(j)
	id := tm.Begin(0, nil)
	a := &recordingParticipant{name: "A"}
	require.NoError(t, c.RegisterParticipant(id, a))

	res := c.Execute(context.Background(), id)
	assert.False(t, res.Committed)
	assert.True(t, fault.Is(res.Err, fault.KindDurability))
	assert.Equal(t, int32(1), a.rollbacks.Load())
	assert.Zero(t, a.commits.Load())
	s, _ := tm.State(id)
	assert.Equal(t, Failed, s)
}

func TestExecuteParallelPrepare(t *testing.T) {
	t.Run("all_succeed", func(t *testing.T) {
		tm, c := newTestCoordinator(nil, WithParallelPrepare(true))
		id := tm.Begin(0, nil)
		parts := make([]*recordingParticipant, 4)
		for i := range parts {
			parts[i] = &recordingParticipant{name: fmt.Sprintf("p%d", i)}
			require.NoError(t, c.RegisterParticipant(id, parts[i]))
		}

		res := c.Execute(context.Background(), id)
		require.True(t, res.Committed)
		for _, p := range parts {
			assert.Equal(t, int32(1), p.prepares.Load())
			assert.Equal(t, int32(1), p.commits.Load())
		}
	})

	t.Run("one_fails_none_commit", func(t *testing.T) {
		tm, c := newTestCoordinator(nil, WithParallelPrepare(true))
		id := tm.Begin(0, nil)
		ok := &recordingParticipant{name: "ok"}
		bad := &recordingParticipant{name: "bad", prepareErr: errors.New("veto")}
		require.NoError(t, c.RegisterParticipant(id, ok))
		require.NoError(t, c.RegisterParticipant(id, bad))

		res := c.Execute(context.Background(), id)
		assert.False(t, res.Committed)
		assert.True(t, fault.Is(res.Err, fault.KindPrepare))
		assert.Zero(t, ok.commits.Load())
		assert.Zero(t, bad.rollbacks.Load())
		assert.LessOrEqual(t, ok.rollbacks.Load(), int32(1))
		assert.Equal(t, ok.prepares.Load(), ok.rollbacks.Load())
	})
}

// =============================================================================
// Registration / Abort
// =============================================================================

func TestRegisterParticipant(t *testing.T) {
	tm, c := newTestCoordinator(nil, WithMaxParticipants(2))
	id := tm.Begin(0, nil)

	require.NoError(t, c.RegisterParticipant(id, &recordingParticipant{name: "a"}))
	require.NoError(t, c.RegisterParticipant(id, &recordingParticipant{name: "b"}))
	err := c.RegisterParticipant(id, &recordingParticipant{name: "c"})
	assert.True(t, fault.Is(err, fault.KindCapacity))
	assert.Equal(t, []string{"a", "b"}, c.Participants(id))

	assert.ErrorIs(t, c.RegisterParticipant("missing", &recordingParticipant{name: "x"}), ErrUnknownTransaction)
	assert.ErrorIs(t, c.RegisterParticipant(id, nil), ErrIncompleteParticipant)

	ctxState, _ := tm.Get(id)
	assert.Equal(t, []string{"a", "b"}, ctxState.Participants)
}

func TestNewParticipant(t *testing.T) {
	noop := func(context.Context) error { return nil }
	_, err := NewParticipant("x", noop, nil, noop)
	assert.ErrorIs(t, err, ErrIncompleteParticipant)

	var committed bool
	p, err := NewParticipant("x", noop, func(context.Context) error { committed = true; return nil }, noop)
	require.NoError(t, err)
	assert.Equal(t, "x", p.Name())
	require.NoError(t, p.Commit(context.Background()))
	assert.True(t, committed)
}

func TestAbort(t *testing.T) {
	j := &memJournal{}
	tm, c := newTestCoordinator(j)
	id := tm.Begin(0, nil)
	a := &recordingParticipant{name: "A"}
	b := &recordingParticipant{name: "B"}
	require.NoError(t, c.RegisterParticipant(id, a))
	require.NoError(t, c.RegisterParticipant(id, b))

	assert.True(t, c.Abort(context.Background(), id))
	assert.Equal(t, int32(1), a.rollbacks.Load())
	assert.Equal(t, int32(1), b.rollbacks.Load())
	s, _ := tm.State(id)
	assert.Equal(t, RolledBack, s)
	assert.Equal(t, []wal.EntryType{wal.Abort}, j.types(id))

	assert.False(t, c.Abort(context.Background(), id))
}

func TestExecuteWithRealLog(t *testing.T) {
	log, err := wal.Open(wal.Config{Dir: t.TempDir(), SyncMode: wal.SyncNone})
	require.NoError(t, err)
	defer log.Close()

	tm := NewManager(WithJournal(log))
	c := NewCoordinator(tm, WithCoordinatorJournal(log))
	ctx := context.Background()

	ok := tm.Begin(0, nil)
	require.NoError(t, c.RegisterParticipant(ok, &recordingParticipant{name: "A"}))
	require.True(t, c.Execute(ctx, ok).Committed)

	bad := tm.Begin(0, nil)
	require.NoError(t, c.RegisterParticipant(bad, &recordingParticipant{name: "A", prepareErr: errors.New("no")}))
	require.False(t, c.Execute(ctx, bad).Committed)

	pending, err := log.RecoverUncommitted()
	require.NoError(t, err)
	assert.NotContains(t, pending, ok)
	require.Contains(t, pending, bad)
	assert.Equal(t, wal.Abort, pending[bad][0].Type)
}
