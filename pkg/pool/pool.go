// Package pool provides bounded connection pools for backend drivers.
//
// A Pool owns the connections it creates. Callers borrow a connection
// through Acquire, which hands back a release function, or through WithConn,
// which scopes the borrow to a callback:
//
//	err := p.WithConn(ctx, func(conn *sql.Conn) error {
//		_, err := conn.ExecContext(ctx, "DELETE FROM kg_entities WHERE id = $1", id)
//		return err
//	})
//
// No more than PoolSize connections are ever checked out at the same time.
// When none becomes free within AcquireTimeout, Acquire fails with a
// fault.KindPoolExhausted error. After Close every Acquire fails immediately
// with fault.KindPoolClosed.
package pool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/orneryd/fingraph/pkg/fault"
	"github.com/orneryd/fingraph/pkg/logging"
	"github.com/orneryd/fingraph/pkg/metrics"
)

const (
	DefaultPoolSize       = 10
	DefaultAcquireTimeout = 5 * time.Second
)

// ConnectionConfig describes one backend endpoint and how many connections to
// keep for it. It is copied into the pool and never changed afterwards.
type ConnectionConfig struct {
	// Kind is the backend kind, e.g. "sqlite", "postgres", "neo4j".
	Kind string
	// Name identifies the pool inside a Manager and in logs.
	Name     string
	Endpoint string
	PoolSize int
	// AcquireTimeout bounds how long Acquire waits for a free connection.
	AcquireTimeout time.Duration
	Username       string
	Password       string
}

func (c ConnectionConfig) withDefaults() ConnectionConfig {
	if c.PoolSize <= 0 {
		c.PoolSize = DefaultPoolSize
	}
	if c.AcquireTimeout <= 0 {
		c.AcquireTimeout = DefaultAcquireTimeout
	}
	if c.Name == "" {
		c.Name = c.Kind
	}
	return c
}

// Factory opens a new connection.
type Factory[C any] func(ctx context.Context) (C, error)

// Pinger is implemented by connections that can check their own liveness.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Stats is a point-in-time view of a pool.
type Stats struct {
	Name      string
	Kind      string
	Size      int
	Idle      int
	InUse     int
	Acquires  uint64
	Exhausted uint64
	Closed    bool
}

// Option configures a Pool.
type Option[C any] func(*Pool[C])

// WithLogger sets the pool logger.
func WithLogger[C any](l *slog.Logger) Option[C] {
	return func(p *Pool[C]) { p.logger = l }
}

// WithMetrics records acquisitions and exhaustion.
func WithMetrics[C any](m *metrics.Metrics) Option[C] {
	return func(p *Pool[C]) { p.metrics = m }
}

// WithPing sets the liveness check used by HealthCheck. Without it the pool
// uses Pinger when the connection type implements it.
func WithPing[C any](ping func(ctx context.Context, conn C) error) Option[C] {
	return func(p *Pool[C]) { p.ping = ping }
}

// Pool is a bounded set of connections of type C.
type Pool[C any] struct {
	cfg     ConnectionConfig
	factory Factory[C]
	closer  func(C) error
	ping    func(ctx context.Context, conn C) error
	logger  *slog.Logger
	metrics *metrics.Metrics

	// slots holds one token per checked-out connection.
	slots chan struct{}
	done  chan struct{}

	mu     sync.Mutex
	idle   []C
	closed bool

	acquires  atomic.Uint64
	exhausted atomic.Uint64
}

// New builds a pool. No connection is opened until Initialize or the first
// Acquire. closer may be nil when connections need no cleanup.
func New[C any](cfg ConnectionConfig, factory Factory[C], closer func(C) error, opts ...Option[C]) *Pool[C] {
	cfg = cfg.withDefaults()
	p := &Pool[C]{
		cfg:     cfg,
		factory: factory,
		closer:  closer,
		slots:   make(chan struct{}, cfg.PoolSize),
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.logger = logging.OrDiscard(p.logger).With("component", "pool", "pool", cfg.Name)
	return p
}

// Name returns the pool name.
func (p *Pool[C]) Name() string { return p.cfg.Name }

// Config returns the pool configuration.
func (p *Pool[C]) Config() ConnectionConfig { return p.cfg }

// Initialize opens PoolSize connections. If any factory call fails the
// connections opened so far are closed and the error is returned.
func (p *Pool[C]) Initialize(ctx context.Context) error {
	conns := make([]C, 0, p.cfg.PoolSize)
	for i := 0; i < p.cfg.PoolSize; i++ {
		conn, err := p.factory(ctx)
		if err != nil {
			for _, c := range conns {
				p.closeConn(c)
			}
			return fmt.Errorf("pool %s: initialize connection %d: %w", p.cfg.Name, i+1, err)
		}
		conns = append(conns, conn)
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		for _, c := range conns {
			p.closeConn(c)
		}
		return fault.New(fault.KindPoolClosed, "pool.initialize", fmt.Errorf("pool %s closed", p.cfg.Name))
	}
	p.idle = append(p.idle, conns...)
	p.mu.Unlock()

	p.logger.Debug("pool initialized", "size", p.cfg.PoolSize, "endpoint", p.cfg.Endpoint)
	return nil
}

// Acquire borrows a connection. The returned release function must be called
// exactly once; extra calls are ignored.
func (p *Pool[C]) Acquire(ctx context.Context) (C, func(), error) {
	var zero C
	if p.isClosed() {
		return zero, nil, p.closedErr()
	}

	timer := time.NewTimer(p.cfg.AcquireTimeout)
	defer timer.Stop()

	select {
	case p.slots <- struct{}{}:
	case <-p.done:
		return zero, nil, p.closedErr()
	case <-ctx.Done():
		return zero, nil, ctx.Err()
	case <-timer.C:
		p.exhausted.Add(1)
		p.metrics.PoolWasExhausted(p.cfg.Name)
		return zero, nil, fault.New(fault.KindPoolExhausted, "pool.acquire",
			fmt.Errorf("pool %s: no connection free within %s", p.cfg.Name, p.cfg.AcquireTimeout))
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		<-p.slots
		return zero, nil, p.closedErr()
	}
	var conn C
	var ok bool
	if n := len(p.idle); n > 0 {
		conn, ok = p.idle[n-1], true
		p.idle = p.idle[:n-1]
	}
	p.mu.Unlock()

	if !ok {
		var err error
		conn, err = p.factory(ctx)
		if err != nil {
			<-p.slots
			return zero, nil, fmt.Errorf("pool %s: open connection: %w", p.cfg.Name, err)
		}
	}

	p.acquires.Add(1)
	p.metrics.PoolAcquired(p.cfg.Name)

	var once sync.Once
	release := func() {
		once.Do(func() { p.put(conn) })
	}
	return conn, release, nil
}

// WithConn borrows a connection for the duration of fn. The connection goes
// back to the pool on every exit path, including a panic in fn.
func (p *Pool[C]) WithConn(ctx context.Context, fn func(C) error) error {
	conn, release, err := p.Acquire(ctx)
	if err != nil {
		return err
	}
	defer release()
	return fn(conn)
}

func (p *Pool[C]) put(conn C) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		p.closeConn(conn)
	} else {
		p.idle = append(p.idle, conn)
		p.mu.Unlock()
	}
	<-p.slots
}

// discard drops a checked-out connection instead of returning it.
func (p *Pool[C]) discard(conn C) {
	p.closeConn(conn)
	<-p.slots
}

// HealthCheck borrows one connection and pings it. A connection that fails
// the ping is closed and replaced with a fresh one from the factory.
func (p *Pool[C]) HealthCheck(ctx context.Context) error {
	conn, release, err := p.Acquire(ctx)
	if err != nil {
		return err
	}

	if pingErr := p.pingConn(ctx, conn); pingErr != nil {
		p.logger.Warn("connection failed health check, replacing", "error", pingErr)
		p.discard(conn)

		fresh, err := p.factory(ctx)
		if err != nil {
			return fmt.Errorf("pool %s: replace connection: %w", p.cfg.Name, errors.Join(pingErr, err))
		}
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			p.closeConn(fresh)
		} else {
			p.idle = append(p.idle, fresh)
			p.mu.Unlock()
		}
		return fmt.Errorf("pool %s: ping: %w", p.cfg.Name, pingErr)
	}

	release()
	return nil
}

func (p *Pool[C]) pingConn(ctx context.Context, conn C) error {
	if p.ping != nil {
		return p.ping(ctx, conn)
	}
	if pinger, ok := any(conn).(Pinger); ok {
		return pinger.Ping(ctx)
	}
	return nil
}

// Stats returns a snapshot of the pool counters.
func (p *Pool[C]) Stats() Stats {
	p.mu.Lock()
	idle := len(p.idle)
	closed := p.closed
	p.mu.Unlock()
	return Stats{
		Name:      p.cfg.Name,
		Kind:      p.cfg.Kind,
		Size:      p.cfg.PoolSize,
		Idle:      idle,
		InUse:     len(p.slots),
		Acquires:  p.acquires.Load(),
		Exhausted: p.exhausted.Load(),
		Closed:    closed,
	}
}

// Close closes every idle connection and marks the pool closed. Connections
// still checked out are closed when released. Close is idempotent.
func (p *Pool[C]) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	close(p.done)
	idle := p.idle
	p.idle = nil
	p.mu.Unlock()

	var errs []error
	for _, c := range idle {
		if err := p.closeConnErr(c); err != nil {
			errs = append(errs, err)
		}
	}
	p.logger.Debug("pool closed", "closed_connections", len(idle))
	return errors.Join(errs...)
}

func (p *Pool[C]) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

func (p *Pool[C]) closedErr() error {
	return fault.New(fault.KindPoolClosed, "pool.acquire", fmt.Errorf("pool %s closed", p.cfg.Name))
}

func (p *Pool[C]) closeConn(conn C) {
	if err := p.closeConnErr(conn); err != nil {
		p.logger.Warn("close connection", "error", err)
	}
}

func (p *Pool[C]) closeConnErr(conn C) error {
	if p.closer == nil {
		return nil
	}
	return p.closer(conn)
}
