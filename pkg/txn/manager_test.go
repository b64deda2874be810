package txn

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orneryd/fingraph/pkg/fault"
	"github.com/orneryd/fingraph/pkg/wal"
)

// memJournal records appended entries in memory.
type memJournal struct {
	mu      sync.Mutex
	entries []wal.Entry
	failOn  wal.EntryType
}

func (j *memJournal) Append(t wal.EntryType, txID string, data any) (*wal.Entry, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.failOn != "" && t == j.failOn {
		return nil, fault.New(fault.KindDurability, "wal.append", errors.New("disk full")).WithTx(txID)
	}
	payload, err := wal.Canonicalize(data)
	if err != nil {
		return nil, err
	}
	e := wal.Entry{Type: t, TransactionID: txID, Data: payload}
	j.entries = append(j.entries, e)
	return &e, nil
}

func (j *memJournal) types(txID string) []wal.EntryType {
	j.mu.Lock()
	defer j.mu.Unlock()
	var out []wal.EntryType
	for _, e := range j.entries {
		if e.TransactionID == txID {
			out = append(out, e.Type)
		}
	}
	return out
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// =============================================================================
// State machine
// =============================================================================

func TestCanTransition(t *testing.T) {
	allowed := [][2]State{
		{Active, Preparing}, {Active, RollingBack}, {Active, Failed},
		{Preparing, Prepared}, {Preparing, RollingBack}, {Preparing, Failed},
		{Prepared, Committing}, {Prepared, RollingBack}, {Prepared, Failed},
		{Committing, Committed}, {Committing, Failed},
		{RollingBack, RolledBack}, {RollingBack, Failed},
	}
	for _, tr := range allowed {
		assert.True(t, CanTransition(tr[0], tr[1]), "%s -> %s", tr[0], tr[1])
	}

	forbidden := [][2]State{
		{Active, Prepared}, {Active, Committed}, {Preparing, Committing},
		{Committing, RollingBack}, {Committed, Active}, {RolledBack, Active},
		{Failed, RollingBack}, {Prepared, Preparing},
	}
	for _, tr := range forbidden {
		assert.False(t, CanTransition(tr[0], tr[1]), "%s -> %s", tr[0], tr[1])
	}
}

func TestManagerLifecycle(t *testing.T) {
	t.Run("begin_creates_active_context", func(t *testing.T) {
		m := NewManager()
		id := m.Begin(0, map[string]any{"op": "create_entity"})

		c, ok := m.Get(id)
		require.True(t, ok)
		assert.Equal(t, Active, c.State)
		assert.Equal(t, 30*time.Second, c.Timeout)
		assert.Equal(t, "create_entity", c.Metadata["op"])
		assert.NotEqual(t, id, m.Begin(time.Second, nil))
	})

	t.Run("invalid_transition_rejected", func(t *testing.T) {
		m := NewManager()
		id := m.Begin(0, nil)

		err := m.Transition(id, Committed)
		assert.True(t, fault.Is(err, fault.KindInvalidState))
		state, _ := m.State(id)
		assert.Equal(t, Active, state)

		assert.ErrorIs(t, m.Transition("nope", Preparing), ErrUnknownTransaction)
	})

	t.Run("commit_walks_every_phase", func(t *testing.T) {
		m := NewManager()
		id := m.Begin(0, nil)

		assert.True(t, m.Commit(id))
		_, ok := m.Get(id)
		assert.False(t, ok)
		state, ok := m.State(id)
		require.True(t, ok)
		assert.Equal(t, Committed, state)

		assert.False(t, m.Commit(id), "second commit is a no-op signal")
		assert.False(t, m.Commit("unknown"))
	})

	t.Run("commit_from_failed_refused", func(t *testing.T) {
		m := NewManager()
		id := m.Begin(0, nil)
		require.NoError(t, m.Fail(id, "boom"))

		assert.False(t, m.Commit(id))
		c, ok := m.Get(id)
		require.True(t, ok)
		assert.Equal(t, "boom", c.Reason)
	})

	t.Run("rollback_paths", func(t *testing.T) {
		m := NewManager()

		a := m.Begin(0, nil)
		assert.True(t, m.Rollback(a))
		s, _ := m.State(a)
		assert.Equal(t, RolledBack, s)

		b := m.Begin(0, nil)
		require.NoError(t, m.Fail(b, "prepare vetoed"))
		assert.True(t, m.Rollback(b))
		s, _ = m.State(b)
		assert.Equal(t, Failed, s)

		c := m.Begin(0, nil)
		require.NoError(t, m.Transition(c, Preparing))
		require.NoError(t, m.Transition(c, Prepared))
		require.NoError(t, m.Transition(c, Committing))
		assert.True(t, m.Rollback(c))
		s, _ = m.State(c)
		assert.Equal(t, Failed, s)

		assert.False(t, m.Rollback(a))
		assert.Equal(t, 0, m.ActiveCount())
	})

	t.Run("history_is_bounded", func(t *testing.T) {
		m := NewManager(WithHistory(2))
		first := m.Begin(0, nil)
		m.Commit(first)
		for i := 0; i < 2; i++ {
			m.Commit(m.Begin(0, nil))
		}
		_, ok := m.State(first)
		assert.False(t, ok)
	})

	t.Run("participants_recorded", func(t *testing.T) {
		m := NewManager()
		id := m.Begin(0, nil)
		require.NoError(t, m.AddParticipant(id, "primary"))
		require.NoError(t, m.AddParticipant(id, "secondary"))
		require.NoError(t, m.SetMetadata(id, "entity", "e-1"))

		c, _ := m.Get(id)
		assert.Equal(t, []string{"primary", "secondary"}, c.Participants)
		assert.Equal(t, "e-1", c.Metadata["entity"])

		c.Participants[0] = "mutated"
		again, _ := m.Get(id)
		assert.Equal(t, "primary", again.Participants[0])
	})
}

// =============================================================================
// Stale cleanup
// =============================================================================

func TestCleanupStale(t *testing.T) {
	t.Run("reaps_old_and_journals_abort", func(t *testing.T) {
		clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
		j := &memJournal{}
		m := NewManager(WithClock(clock.Now), WithJournal(j))

		old := m.Begin(0, nil)
		clock.Advance(2 * time.Minute)
		fresh := m.Begin(0, nil)

		reaped := m.CleanupStale(time.Minute)
		assert.Equal(t, []string{old}, reaped)

		_, ok := m.Get(old)
		assert.False(t, ok)
		s, _ := m.State(old)
		assert.Equal(t, RolledBack, s)
		_, ok = m.Get(fresh)
		assert.True(t, ok)

		assert.Equal(t, []wal.EntryType{wal.Abort}, j.types(old))
		var data map[string]string
		require.NoError(t, j.entries[0].Decode(&data))
		assert.Equal(t, "stale", data["reason"])
	})

	t.Run("own_timeout_when_max_age_zero", func(t *testing.T) {
		clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
		m := NewManager(WithClock(clock.Now))
		short := m.Begin(time.Second, nil)
		long := m.Begin(time.Hour, nil)
		clock.Advance(time.Minute)

		assert.Equal(t, []string{short}, m.CleanupStale(0))
		_, ok := m.Get(long)
		assert.True(t, ok)
	})

	t.Run("journal_failure_keeps_transaction", func(t *testing.T) {
		clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
		m := NewManager(WithClock(clock.Now), WithJournal(&memJournal{failOn: wal.Abort}))
		id := m.Begin(0, nil)
		clock.Advance(time.Hour)

		assert.Empty(t, m.CleanupStale(time.Minute))
		_, ok := m.Get(id)
		assert.True(t, ok)
	})

	t.Run("janitor_stops_with_context", func(t *testing.T) {
		m := NewManager()
		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan struct{})
		go func() {
			m.RunJanitor(ctx, time.Millisecond, time.Hour)
			close(done)
		}()
		cancel()
		select {
		case <-done:
		case <-time.After(time.Second):
			t.Fatal("janitor did not stop")
		}
	})
}
