// Package replication asynchronously copies operations from a source backend
// to a target backend with bounded retries.
//
// A Coordinator owns a bounded queue and a single worker goroutine. Submitted
// tasks are handled FIFO by the handler registered for their target. A failed
// task is put back at the tail of the queue after base_delay * 2^retry_count,
// so later tasks can overtake it: delivery is eventual, not ordered.
//
//	sc := replication.New(replication.WithMaxRetries(3))
//	sc.RegisterHandler("graph", replication.HandlerFunc(apply))
//	sc.Start(ctx)
//	defer sc.Stop()
//	id, err := sc.Submit(ctx, "create_entity", "relational", "graph", entity)
package replication

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/orneryd/fingraph/pkg/fault"
	"github.com/orneryd/fingraph/pkg/logging"
	"github.com/orneryd/fingraph/pkg/metrics"
)

// Status is the lifecycle status of a Task.
type Status string

const (
	Pending    Status = "PENDING"
	InProgress Status = "IN_PROGRESS"
	Synced     Status = "SYNCED"
	Failed     Status = "FAILED"
)

// Terminal reports whether the task will not run again.
func (s Status) Terminal() bool { return s == Synced || s == Failed }

const (
	DefaultQueueSize  = 1024
	DefaultMaxRetries = 3
	DefaultBaseDelay  = 100 * time.Millisecond
	// MaxDelay caps the retry backoff.
	MaxDelay = 5 * time.Minute
)

var (
	ErrQueueFull      = errors.New("replication: queue full")
	ErrNoHandler      = errors.New("replication: no handler for target")
	ErrAlreadyStarted = errors.New("replication: already started")
	ErrStopped        = errors.New("replication: stopped")
)

// Task is one replication request.
type Task struct {
	ID         string          `json:"task_id"`
	Operation  string          `json:"operation"`
	Source     string          `json:"source"`
	Target     string          `json:"target"`
	Data       json.RawMessage `json:"data"`
	Status     Status          `json:"status"`
	RetryCount int             `json:"retry_count"`
	MaxRetries int             `json:"max_retries"`
	CreatedAt  time.Time       `json:"created_at"`
	UpdatedAt  time.Time       `json:"updated_at"`
	LastError  string          `json:"error_message,omitempty"`
}

// Handler applies a task to its target backend.
type Handler interface {
	Replicate(ctx context.Context, task Task) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, task Task) error

func (f HandlerFunc) Replicate(ctx context.Context, task Task) error { return f(ctx, task) }

// Stats are the coordinator counters.
type Stats struct {
	Total      int64
	Successful int64
	Failed     int64
	Retries    int64
	Pending    int
	QueueDepth int
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithQueueSize bounds the queue.
func WithQueueSize(n int) Option {
	return func(c *Coordinator) { c.queueSize = n }
}

// WithMaxRetries sets how many attempts a task gets before it is FAILED.
func WithMaxRetries(n int) Option {
	return func(c *Coordinator) { c.maxRetries = n }
}

// WithBaseDelay sets the first retry delay unit.
func WithBaseDelay(d time.Duration) Option {
	return func(c *Coordinator) { c.baseDelay = d }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Coordinator) { c.logger = l }
}

// WithMetrics records task outcomes and queue depth.
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Coordinator) { c.metrics = m }
}

// Coordinator is the asynchronous replication queue.
type Coordinator struct {
	queueSize  int
	maxRetries int
	baseDelay  time.Duration
	logger     *slog.Logger
	metrics    *metrics.Metrics

	queue chan string
	quit  chan struct{}
	wg    sync.WaitGroup

	mu       sync.Mutex
	handlers map[string]Handler
	tasks    map[string]*Task
	timers   map[string]*time.Timer
	started  bool
	stopped  bool
	cancel   context.CancelFunc
	stats    Stats
}

// New builds a stopped coordinator.
func New(opts ...Option) *Coordinator {
	c := &Coordinator{
		queueSize:  DefaultQueueSize,
		maxRetries: DefaultMaxRetries,
		baseDelay:  DefaultBaseDelay,
		handlers:   make(map[string]Handler),
		tasks:      make(map[string]*Task),
		timers:     make(map[string]*time.Timer),
		quit:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.queueSize <= 0 {
		c.queueSize = DefaultQueueSize
	}
	if c.maxRetries <= 0 {
		c.maxRetries = DefaultMaxRetries
	}
	c.queue = make(chan string, c.queueSize)
	c.logger = logging.OrDiscard(c.logger).With("component", "sync")
	return c
}

// RegisterHandler binds the handler for a target backend, replacing any
// previous one.
func (c *Coordinator) RegisterHandler(target string, h Handler) {
	c.mu.Lock()
	c.handlers[target] = h
	c.mu.Unlock()
}

// Submit enqueues a task and returns its id. It blocks while the queue is
// full until ctx is done or the coordinator stops.
func (c *Coordinator) Submit(ctx context.Context, operation, source, target string, data any) (string, error) {
	task, err := c.newTask(operation, source, target, data)
	if err != nil {
		return "", err
	}
	select {
	case c.queue <- task.ID:
		c.accepted(task)
		return task.ID, nil
	case <-ctx.Done():
		c.drop(task.ID)
		return "", ctx.Err()
	case <-c.quit:
		c.drop(task.ID)
		return "", ErrStopped
	}
}

// TrySubmit enqueues a task without blocking. It fails with ErrQueueFull
// when the queue is at capacity.
func (c *Coordinator) TrySubmit(operation, source, target string, data any) (string, error) {
	task, err := c.newTask(operation, source, target, data)
	if err != nil {
		return "", err
	}
	select {
	case c.queue <- task.ID:
		c.accepted(task)
		return task.ID, nil
	default:
		c.drop(task.ID)
		return "", fmt.Errorf("%w (capacity %d)", ErrQueueFull, c.queueSize)
	}
}

func (c *Coordinator) newTask(operation, source, target string, data any) (*Task, error) {
	payload, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("replication: marshal task data: %w", err)
	}
	now := time.Now().UTC()
	task := &Task{
		ID:         uuid.NewString(),
		Operation:  operation,
		Source:     source,
		Target:     target,
		Data:       payload,
		Status:     Pending,
		MaxRetries: c.maxRetries,
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopped {
		return nil, ErrStopped
	}
	if _, ok := c.handlers[target]; !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoHandler, target)
	}
	// Stored before the send so the worker always finds it.
	c.tasks[task.ID] = task
	return task, nil
}

func (c *Coordinator) accepted(task *Task) {
	c.mu.Lock()
	c.stats.Total++
	c.mu.Unlock()
	c.metrics.SetSyncQueueDepth(len(c.queue))
	c.logger.Debug("task submitted", "task", task.ID, "operation", task.Operation, "target", task.Target)
}

func (c *Coordinator) drop(id string) {
	c.mu.Lock()
	delete(c.tasks, id)
	c.mu.Unlock()
}

// Start launches the worker. It runs until ctx is done or Stop is called.
func (c *Coordinator) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.started {
		return ErrAlreadyStarted
	}
	c.started = true
	ctx, c.cancel = context.WithCancel(ctx)

	c.wg.Add(1)
	go c.run(ctx)
	c.logger.Info("sync worker started", "queue_size", c.queueSize, "max_retries", c.maxRetries)
	return nil
}

// Stop halts the worker and pending retry timers. Tasks that have not
// finished stay PENDING. Stop is idempotent.
func (c *Coordinator) Stop() {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return
	}
	c.stopped = true
	close(c.quit)
	for id, t := range c.timers {
		t.Stop()
		delete(c.timers, id)
	}
	cancel := c.cancel
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	c.wg.Wait()
	c.logger.Info("sync worker stopped")
}

func (c *Coordinator) run(ctx context.Context) {
	defer c.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.quit:
			return
		case id := <-c.queue:
			c.metrics.SetSyncQueueDepth(len(c.queue))
			c.process(ctx, id)
		}
	}
}

func (c *Coordinator) process(ctx context.Context, id string) {
	c.mu.Lock()
	task, ok := c.tasks[id]
	if !ok || task.Status.Terminal() {
		c.mu.Unlock()
		return
	}
	handler := c.handlers[task.Target]
	task.Status = InProgress
	task.UpdatedAt = time.Now().UTC()
	snapshot := *task
	c.mu.Unlock()

	var err error
	if handler == nil {
		err = fmt.Errorf("%w: %s", ErrNoHandler, task.Target)
	} else {
		err = handler.Replicate(ctx, snapshot)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	task.UpdatedAt = time.Now().UTC()

	if err == nil {
		task.Status = Synced
		task.LastError = ""
		c.stats.Successful++
		c.metrics.SyncFinished(task.Target, string(Synced))
		c.logger.Debug("task synced", "task", id, "retries", task.RetryCount)
		return
	}

	if ctx.Err() != nil {
		// Shutdown interrupted the handler; leave the task for a later run.
		task.Status = Pending
		task.LastError = err.Error()
		return
	}

	task.RetryCount++
	task.LastError = err.Error()
	if task.RetryCount < task.MaxRetries {
		task.Status = Pending
		c.stats.Retries++
		c.metrics.SyncRetried()
		delay := c.backoff(task.RetryCount)
		c.logger.Warn("task failed, retrying",
			"task", id, "attempt", task.RetryCount, "delay", delay, "error", err)
		c.scheduleRetryLocked(id, delay)
		return
	}

	task.Status = Failed
	c.stats.Failed++
	c.metrics.SyncFinished(task.Target, string(Failed))
	c.logger.Error("task failed permanently",
		"task", id, "operation", task.Operation, "target", task.Target,
		"error", fault.New(fault.KindSync, "sync.replicate", err))
}

// backoff returns base_delay * 2^retryCount, capped at MaxDelay.
func (c *Coordinator) backoff(retryCount int) time.Duration {
	d := c.baseDelay
	for i := 0; i < retryCount && d < MaxDelay; i++ {
		d *= 2
	}
	return min(d, MaxDelay)
}

func (c *Coordinator) scheduleRetryLocked(id string, delay time.Duration) {
	if c.stopped {
		return
	}
	c.timers[id] = time.AfterFunc(delay, func() {
		c.mu.Lock()
		delete(c.timers, id)
		c.mu.Unlock()
		select {
		case c.queue <- id:
			c.metrics.SetSyncQueueDepth(len(c.queue))
		case <-c.quit:
		}
	})
}

// Task returns a snapshot of a task.
func (c *Coordinator) Task(id string) (Task, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	t, ok := c.tasks[id]
	if !ok {
		return Task{}, false
	}
	return *t, true
}

// Tasks returns snapshots of tasks with the given status, or all tasks when
// status is empty, oldest first.
func (c *Coordinator) Tasks(status Status) []Task {
	c.mu.Lock()
	out := make([]Task, 0, len(c.tasks))
	for _, t := range c.tasks {
		if status == "" || t.Status == status {
			out = append(out, *t)
		}
	}
	c.mu.Unlock()
	slices.SortFunc(out, func(a, b Task) int { return a.CreatedAt.Compare(b.CreatedAt) })
	return out
}

// PurgeFinished removes SYNCED and FAILED tasks last updated more than
// olderThan ago and returns how many were removed.
func (c *Coordinator) PurgeFinished(olderThan time.Duration) int {
	cutoff := time.Now().UTC().Add(-olderThan)
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for id, t := range c.tasks {
		if t.Status.Terminal() && !t.UpdatedAt.After(cutoff) {
			delete(c.tasks, id)
			n++
		}
	}
	return n
}

// Stats returns the counters.
func (c *Coordinator) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.stats
	for _, t := range c.tasks {
		if !t.Status.Terminal() {
			s.Pending++
		}
	}
	s.QueueDepth = len(c.queue)
	return s
}

// Drain waits until no task is pending or in progress, or ctx is done.
func (c *Coordinator) Drain(ctx context.Context) error {
	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()
	for {
		if c.Stats().Pending == 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
