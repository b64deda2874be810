// Package txn tracks the lifecycle of logical transactions and drives the
// two-phase commit protocol across the participants registered for them.
//
// Manager owns every transaction Context. A context only moves forward:
//
//	ACTIVE -> PREPARING -> PREPARED -> COMMITTING -> COMMITTED
//	ACTIVE | PREPARING | PREPARED -> ROLLING_BACK -> ROLLED_BACK
//	any non-terminal state -> FAILED
//
// Coordinator runs prepare/commit/rollback over typed Participants and
// records every protocol step in a Journal (normally a *wal.Log).
package txn

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/orneryd/fingraph/pkg/fault"
	"github.com/orneryd/fingraph/pkg/logging"
	"github.com/orneryd/fingraph/pkg/metrics"
	"github.com/orneryd/fingraph/pkg/wal"
)

// State is the lifecycle state of a transaction.
type State string

const (
	Active      State = "ACTIVE"
	Preparing   State = "PREPARING"
	Prepared    State = "PREPARED"
	Committing  State = "COMMITTING"
	Committed   State = "COMMITTED"
	RollingBack State = "ROLLING_BACK"
	RolledBack  State = "ROLLED_BACK"
	Failed      State = "FAILED"
)

var transitions = map[State][]State{
	Active:      {Preparing, RollingBack, Failed},
	Preparing:   {Prepared, RollingBack, Failed},
	Prepared:    {Committing, RollingBack, Failed},
	Committing:  {Committed, Failed},
	RollingBack: {RolledBack, Failed},
}

// commitPath is the forward path a transaction walks from ACTIVE to COMMITTED.
var commitPath = []State{Active, Preparing, Prepared, Committing, Committed}

// CanTransition reports whether from -> to is allowed.
func CanTransition(from, to State) bool {
	return slices.Contains(transitions[from], to)
}

// Terminal reports whether no transition leaves s.
func (s State) Terminal() bool {
	return s == Committed || s == RolledBack || s == Failed
}

var (
	ErrUnknownTransaction = errors.New("txn: unknown transaction")
)

// Journal durably records protocol steps. *wal.Log implements it.
type Journal interface {
	Append(entryType wal.EntryType, txID string, data any) (*wal.Entry, error)
}

// Context is a snapshot of one transaction.
type Context struct {
	ID           string
	State        State
	CreatedAt    time.Time
	UpdatedAt    time.Time
	Timeout      time.Duration
	Participants []string
	Metadata     map[string]any
	// Reason holds the cause when State is FAILED.
	Reason string
}

// Age returns how long ago the transaction began.
func (c Context) Age(now time.Time) time.Duration {
	return now.Sub(c.CreatedAt)
}

func (c *Context) clone() Context {
	out := *c
	out.Participants = slices.Clone(c.Participants)
	out.Metadata = maps.Clone(c.Metadata)
	return out
}

const defaultHistory = 1024

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithJournal makes stale cleanup write an ABORT entry per reaped transaction.
func WithJournal(j Journal) ManagerOption {
	return func(m *Manager) { m.journal = j }
}

// WithManagerLogger sets the logger.
func WithManagerLogger(l *slog.Logger) ManagerOption {
	return func(m *Manager) { m.logger = l }
}

// WithManagerMetrics records finished transactions.
func WithManagerMetrics(mt *metrics.Metrics) ManagerOption {
	return func(m *Manager) { m.metrics = mt }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) ManagerOption {
	return func(m *Manager) { m.now = now }
}

// WithDefaultTimeout is used by Begin when no timeout is given.
func WithDefaultTimeout(d time.Duration) ManagerOption {
	return func(m *Manager) { m.defaultTimeout = d }
}

// WithHistory sets how many finished transactions State remembers.
func WithHistory(n int) ManagerOption {
	return func(m *Manager) { m.historyLimit = n }
}

// Manager owns the transaction contexts of one process.
type Manager struct {
	journal        Journal
	logger         *slog.Logger
	metrics        *metrics.Metrics
	now            func() time.Time
	defaultTimeout time.Duration
	historyLimit   int

	mu       sync.RWMutex
	active   map[string]*Context
	finished map[string]State
	order    []string
}

// NewManager returns an empty manager.
func NewManager(opts ...ManagerOption) *Manager {
	m := &Manager{
		now:            time.Now,
		defaultTimeout: 30 * time.Second,
		historyLimit:   defaultHistory,
		active:         make(map[string]*Context),
		finished:       make(map[string]State),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = logging.OrDiscard(m.logger).With("component", "txn")
	return m
}

// Begin starts a transaction in ACTIVE and returns its id. A zero timeout
// uses the manager default.
func (m *Manager) Begin(timeout time.Duration, metadata map[string]any) string {
	if timeout <= 0 {
		timeout = m.defaultTimeout
	}
	now := m.now()
	c := &Context{
		ID:        uuid.NewString(),
		State:     Active,
		CreatedAt: now,
		UpdatedAt: now,
		Timeout:   timeout,
		Metadata:  maps.Clone(metadata),
	}
	if c.Metadata == nil {
		c.Metadata = make(map[string]any)
	}

	m.mu.Lock()
	m.active[c.ID] = c
	m.mu.Unlock()

	m.logger.Debug("transaction started", "txid", c.ID, "timeout", timeout)
	return c.ID
}

// Get returns a snapshot of an active transaction.
func (m *Manager) Get(id string) (Context, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.active[id]
	if !ok {
		return Context{}, false
	}
	return c.clone(), true
}

// State returns the state of an active or recently finished transaction.
func (m *Manager) State(id string) (State, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if c, ok := m.active[id]; ok {
		return c.State, true
	}
	s, ok := m.finished[id]
	return s, ok
}

// Active returns snapshots of every active transaction.
func (m *Manager) Active() []Context {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Context, 0, len(m.active))
	for _, c := range m.active {
		out = append(out, c.clone())
	}
	slices.SortFunc(out, func(a, b Context) int { return a.CreatedAt.Compare(b.CreatedAt) })
	return out
}

// ActiveCount returns the number of active transactions.
func (m *Manager) ActiveCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.active)
}

// Transition moves a transaction to a new state.
func (m *Manager) Transition(id string, to State) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.active[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownTransaction, id)
	}
	return m.transitionLocked(c, to)
}

func (m *Manager) transitionLocked(c *Context, to State) error {
	if !CanTransition(c.State, to) {
		return fault.Newf(fault.KindInvalidState, "txn.transition", "%s -> %s", c.State, to).WithTx(c.ID)
	}
	m.logger.Debug("transaction state", "txid", c.ID, "from", c.State, "to", to)
	c.State = to
	c.UpdatedAt = m.now()
	return nil
}

// AddParticipant records a participant name on the transaction.
func (m *Manager) AddParticipant(id, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.active[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownTransaction, id)
	}
	c.Participants = append(c.Participants, name)
	c.UpdatedAt = m.now()
	return nil
}

// SetMetadata stores a metadata value on the transaction.
func (m *Manager) SetMetadata(id, key string, value any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.active[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownTransaction, id)
	}
	c.Metadata[key] = value
	return nil
}

// Fail moves a transaction to FAILED. It stays active until Rollback
// finalizes it.
func (m *Manager) Fail(id, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.active[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownTransaction, id)
	}
	if c.State == Failed {
		return nil
	}
	if err := m.transitionLocked(c, Failed); err != nil {
		return err
	}
	c.Reason = reason
	return nil
}

// Commit walks the transaction forward to COMMITTED and finalizes it. It
// returns false when the id is unknown or the transaction can no longer
// commit.
func (m *Manager) Commit(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.active[id]
	if !ok {
		return false
	}
	pos := slices.Index(commitPath, c.State)
	if pos < 0 {
		m.logger.Warn("transaction cannot commit", "txid", id, "state", c.State)
		return false
	}
	for _, next := range commitPath[pos+1:] {
		if err := m.transitionLocked(c, next); err != nil {
			m.logger.Error("commit transition failed", "txid", id, "error", err)
			return false
		}
	}
	m.finalizeLocked(c)
	return true
}

// Rollback finalizes the transaction. FAILED and COMMITTING transactions end
// FAILED; everything else goes through ROLLING_BACK to ROLLED_BACK. It
// returns false when the id is unknown.
func (m *Manager) Rollback(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.active[id]
	if !ok {
		return false
	}
	m.rollbackLocked(c)
	return true
}

func (m *Manager) rollbackLocked(c *Context) {
	switch c.State {
	case Failed:
	case Committing:
		_ = m.transitionLocked(c, Failed)
	case RollingBack:
		_ = m.transitionLocked(c, RolledBack)
	default:
		_ = m.transitionLocked(c, RollingBack)
		_ = m.transitionLocked(c, RolledBack)
	}
	m.finalizeLocked(c)
}

func (m *Manager) finalizeLocked(c *Context) {
	delete(m.active, c.ID)
	m.finished[c.ID] = c.State
	m.order = append(m.order, c.ID)
	if m.historyLimit > 0 && len(m.order) > m.historyLimit {
		drop := len(m.order) - m.historyLimit
		for _, id := range m.order[:drop] {
			delete(m.finished, id)
		}
		m.order = slices.Clone(m.order[drop:])
	}
	m.metrics.TransactionFinished(strings.ToLower(string(c.State)))
	m.logger.Debug("transaction finished", "txid", c.ID, "state", c.State)
}

// CleanupStale rolls back every transaction older than maxAge and returns
// their ids. With a journal configured an ABORT entry is written for each
// one first, so recovery can tell a reaped transaction from a live one.
// A non-positive maxAge reaps transactions past their own timeout.
func (m *Manager) CleanupStale(maxAge time.Duration) []string {
	now := m.now()

	m.mu.RLock()
	var stale []string
	for id, c := range m.active {
		limit := maxAge
		if limit <= 0 {
			limit = c.Timeout
		}
		if c.Age(now) > limit {
			stale = append(stale, id)
		}
	}
	m.mu.RUnlock()

	var reaped []string
	for _, id := range stale {
		if m.journal != nil {
			if _, err := m.journal.Append(wal.Abort, id, map[string]any{"reason": "stale"}); err != nil {
				m.logger.Error("stale abort not journaled, keeping transaction", "txid", id, "error", err)
				continue
			}
		}
		m.mu.Lock()
		if c, ok := m.active[id]; ok {
			m.rollbackLocked(c)
			reaped = append(reaped, id)
		}
		m.mu.Unlock()
	}
	if len(reaped) > 0 {
		m.logger.Info("reaped stale transactions", "count", len(reaped))
	}
	slices.Sort(reaped)
	return reaped
}

// RunJanitor calls CleanupStale every interval until ctx is done. Nothing
// starts it implicitly.
func (m *Manager) RunJanitor(ctx context.Context, interval, maxAge time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.CleanupStale(maxAge)
		}
	}
}
