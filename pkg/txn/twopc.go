package txn

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/orneryd/fingraph/pkg/fault"
	"github.com/orneryd/fingraph/pkg/logging"
	"github.com/orneryd/fingraph/pkg/metrics"
	"github.com/orneryd/fingraph/pkg/wal"
)

const DefaultMaxParticipants = 16

// Result is the outcome of Execute.
type Result struct {
	Committed bool
	// Err is set when Committed is false.
	Err error
	// CommitFailures lists participants that failed after the commit
	// decision. The transaction is still committed.
	CommitFailures []ParticipantError
}

// CoordinatorOption configures a Coordinator.
type CoordinatorOption func(*Coordinator)

// WithCoordinatorJournal records PREPARE, COMMIT and ABORT entries.
func WithCoordinatorJournal(j Journal) CoordinatorOption {
	return func(c *Coordinator) { c.journal = j }
}

// WithMaxParticipants caps registrations per transaction.
func WithMaxParticipants(n int) CoordinatorOption {
	return func(c *Coordinator) { c.maxParticipants = n }
}

// WithParallelPrepare runs every Prepare concurrently and waits for all of
// them before deciding.
func WithParallelPrepare(on bool) CoordinatorOption {
	return func(c *Coordinator) { c.parallel = on }
}

// WithCoordinatorLogger sets the logger.
func WithCoordinatorLogger(l *slog.Logger) CoordinatorOption {
	return func(c *Coordinator) { c.logger = l }
}

// WithCoordinatorMetrics records commit-phase failures.
func WithCoordinatorMetrics(m *metrics.Metrics) CoordinatorOption {
	return func(c *Coordinator) { c.metrics = m }
}

// Coordinator drives two-phase commit for transactions owned by a Manager.
type Coordinator struct {
	tm              *Manager
	journal         Journal
	maxParticipants int
	parallel        bool
	logger          *slog.Logger
	metrics         *metrics.Metrics

	mu           sync.Mutex
	participants map[string][]Participant
}

// NewCoordinator returns a coordinator over tm.
func NewCoordinator(tm *Manager, opts ...CoordinatorOption) *Coordinator {
	c := &Coordinator{
		tm:              tm,
		maxParticipants: DefaultMaxParticipants,
		participants:    make(map[string][]Participant),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.maxParticipants <= 0 {
		c.maxParticipants = DefaultMaxParticipants
	}
	c.logger = logging.OrDiscard(c.logger).With("component", "2pc")
	return c
}

// Manager returns the transaction manager.
func (c *Coordinator) Manager() *Manager { return c.tm }

// RegisterParticipant adds p to the transaction. Participants prepare and
// commit in registration order.
func (c *Coordinator) RegisterParticipant(txID string, p Participant) error {
	if p == nil {
		return fmt.Errorf("%w: nil participant", ErrIncompleteParticipant)
	}
	if _, ok := c.tm.Get(txID); !ok {
		return fmt.Errorf("%w: %s", ErrUnknownTransaction, txID)
	}

	c.mu.Lock()
	if len(c.participants[txID]) >= c.maxParticipants {
		c.mu.Unlock()
		return fault.Newf(fault.KindCapacity, "2pc.register",
			"transaction already has %d participants", c.maxParticipants).WithTx(txID)
	}
	c.participants[txID] = append(c.participants[txID], p)
	c.mu.Unlock()

	return c.tm.AddParticipant(txID, p.Name())
}

// Participants returns the names registered for txID.
func (c *Coordinator) Participants(txID string) []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	names := make([]string, 0, len(c.participants[txID]))
	for _, p := range c.participants[txID] {
		names = append(names, p.Name())
	}
	return names
}

func (c *Coordinator) snapshot(txID string) []Participant {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Clone(c.participants[txID])
}

func (c *Coordinator) forget(txID string) {
	c.mu.Lock()
	delete(c.participants, txID)
	c.mu.Unlock()
}

// Execute runs two-phase commit for txID.
//
// Every participant must prepare before any commits. When one vetoes, the
// participants that already prepared are rolled back in reverse order, the
// transaction ends FAILED and Err carries fault.KindPrepare. Failures after
// the commit decision are reported in CommitFailures; the transaction still
// ends COMMITTED.
func (c *Coordinator) Execute(ctx context.Context, txID string) Result {
	if _, ok := c.tm.Get(txID); !ok {
		return Result{Err: fmt.Errorf("%w: %s", ErrUnknownTransaction, txID)}
	}
	defer c.forget(txID)

	parts := c.snapshot(txID)
	log := c.logger.With("txid", txID)

	if len(parts) == 0 {
		if err := c.record(wal.Commit, txID, map[string]any{"participants": []string{}}); err != nil {
			c.fail(txID, err)
			return Result{Err: err}
		}
		if !c.tm.Commit(txID) {
			return Result{Err: fault.Newf(fault.KindInvalidState, "2pc.commit", "transaction cannot commit").WithTx(txID)}
		}
		return Result{Committed: true}
	}

	if err := c.tm.Transition(txID, Preparing); err != nil {
		return Result{Err: err}
	}

	var prepared []Participant
	var err error
	if c.parallel {
		prepared, err = c.prepareParallel(ctx, txID, parts)
	} else {
		prepared, err = c.prepareSequential(ctx, txID, parts)
	}
	if err != nil {
		log.Warn("prepare failed, rolling back", "error", err, "prepared", len(prepared))
		_ = c.tm.Fail(txID, err.Error())
		c.rollbackAll(ctx, txID, prepared)
		if abortErr := c.record(wal.Abort, txID, map[string]any{"reason": err.Error()}); abortErr != nil {
			err = errors.Join(err, abortErr)
		}
		c.tm.Rollback(txID)
		return Result{Err: err}
	}

	if err := c.tm.Transition(txID, Prepared); err != nil {
		c.rollbackAll(ctx, txID, prepared)
		c.fail(txID, err)
		return Result{Err: err}
	}

	names := make([]string, len(parts))
	for i, p := range parts {
		names[i] = p.Name()
	}
	if err := c.record(wal.Commit, txID, map[string]any{"participants": names}); err != nil {
		log.Error("commit decision not durable, rolling back", "error", err)
		c.rollbackAll(ctx, txID, prepared)
		c.fail(txID, err)
		return Result{Err: err}
	}

	if err := c.tm.Transition(txID, Committing); err != nil {
		// The decision is already durable; commit regardless.
		log.Error("transition to committing failed", "error", err)
	}

	var failures []ParticipantError
	for _, p := range parts {
		if err := p.Commit(ctx); err != nil {
			pe := ParticipantError{Participant: p.Name(), Phase: "commit", Err: err}
			failures = append(failures, pe)
			c.metrics.CommitFailed(p.Name())
			log.Warn("participant commit failed after decision", "participant", p.Name(), "error", err)
			if jerr := c.record(wal.Operation, txID, map[string]any{
				"participant": p.Name(),
				"phase":       "commit",
				"error":       err.Error(),
			}); jerr != nil {
				log.Error("commit failure not journaled", "participant", p.Name(), "error", jerr)
			}
			continue
		}
		log.Debug("participant committed", "participant", p.Name())
	}

	c.tm.Commit(txID)
	return Result{Committed: true, CommitFailures: failures}
}

func (c *Coordinator) prepareSequential(ctx context.Context, txID string, parts []Participant) ([]Participant, error) {
	prepared := make([]Participant, 0, len(parts))
	for _, p := range parts {
		if err := p.Prepare(ctx); err != nil {
			return prepared, fault.New(fault.KindPrepare, "2pc.prepare",
				ParticipantError{Participant: p.Name(), Phase: "prepare", Err: err}).WithTx(txID)
		}
		prepared = append(prepared, p)
		if err := c.record(wal.Prepare, txID, map[string]any{"participant": p.Name()}); err != nil {
			return prepared, err
		}
		c.logger.Debug("participant prepared", "txid", txID, "participant", p.Name())
	}
	return prepared, nil
}

func (c *Coordinator) prepareParallel(ctx context.Context, txID string, parts []Participant) ([]Participant, error) {
	ok := make([]bool, len(parts))
	g, gctx := errgroup.WithContext(ctx)
	for i, p := range parts {
		g.Go(func() error {
			if err := p.Prepare(gctx); err != nil {
				return ParticipantError{Participant: p.Name(), Phase: "prepare", Err: err}
			}
			ok[i] = true
			return nil
		})
	}
	waitErr := g.Wait()

	var prepared []Participant
	for i, p := range parts {
		if ok[i] {
			prepared = append(prepared, p)
		}
	}
	if waitErr != nil {
		return prepared, fault.New(fault.KindPrepare, "2pc.prepare", waitErr).WithTx(txID)
	}
	for _, p := range prepared {
		if err := c.record(wal.Prepare, txID, map[string]any{"participant": p.Name()}); err != nil {
			return prepared, err
		}
	}
	return prepared, nil
}

// rollbackAll undoes participants in reverse order. Rollback errors are
// logged; they cannot change the outcome.
func (c *Coordinator) rollbackAll(ctx context.Context, txID string, parts []Participant) {
	for i := len(parts) - 1; i >= 0; i-- {
		p := parts[i]
		if err := p.Rollback(ctx); err != nil {
			c.logger.Error("participant rollback failed", "txid", txID, "participant", p.Name(), "error", err)
			continue
		}
		c.logger.Debug("participant rolled back", "txid", txID, "participant", p.Name())
	}
}

func (c *Coordinator) fail(txID string, err error) {
	_ = c.tm.Fail(txID, err.Error())
	if abortErr := c.record(wal.Abort, txID, map[string]any{"reason": err.Error()}); abortErr != nil {
		c.logger.Error("abort not journaled", "txid", txID, "error", abortErr)
	}
	c.tm.Rollback(txID)
}

func (c *Coordinator) record(t wal.EntryType, txID string, data any) error {
	if c.journal == nil {
		return nil
	}
	_, err := c.journal.Append(t, txID, data)
	return err
}

// Abort rolls back every registered participant regardless of phase and
// finalizes the transaction. It returns false when txID is unknown.
func (c *Coordinator) Abort(ctx context.Context, txID string) bool {
	if _, ok := c.tm.Get(txID); !ok {
		c.forget(txID)
		return false
	}
	parts := c.snapshot(txID)
	c.rollbackAll(ctx, txID, parts)
	if err := c.record(wal.Abort, txID, map[string]any{"reason": "aborted"}); err != nil {
		c.logger.Error("abort not journaled", "txid", txID, "error", err)
	}
	c.forget(txID)
	return c.tm.Rollback(txID)
}
