package sshpool

import (
	"context"
	"errors"
	"fmt"

	"github.com/charmbracelet/log"

	"github.com/gluk-w/claworc/sshpool/internal/keyedpool"
	"github.com/gluk-w/claworc/sshpool/sshclient"
)

// PoolConfig tunes capacity, waiting, validation and eviction.
type PoolConfig = keyedpool.Config

// Stats is a snapshot of a pool's sessions and lifecycle counters.
type Stats = keyedpool.KeyStats

// Event is one session lifecycle change.
type Event = keyedpool.Event

// EventType names a session lifecycle event.
type EventType = keyedpool.EventType

// DefaultPoolConfig returns the default tuning: at most 8 sessions, idle
// sessions validated on borrow, borrows wait for a free slot, no evictor.
func DefaultPoolConfig() PoolConfig {
	return keyedpool.DefaultConfig()
}

// maxStaleBorrows bounds how many disconnected sessions a single borrow
// discards before giving up.
const maxStaleBorrows = 3

// Pool lends SSH sessions for one ConnectionKey. It is safe for concurrent
// use; each session is held by at most one borrower at a time.
type Pool struct {
	key    ConnectionKey
	engine *keyedpool.Pool[ConnectionKey, *sshclient.Session]
	logger *log.Logger
}

type options struct {
	factory     SessionFactory
	factoryOpts []FactoryOption
	limiter     *RateLimiter
	logger      *log.Logger
	scope       PrivilegedScope
}

// Option configures New and NewWithConfig.
type Option func(*options)

// WithFactory replaces the default session factory.
func WithFactory(f SessionFactory) Option {
	return func(o *options) { o.factory = f }
}

// WithFactoryOptions configures the default factory. Ignored with WithFactory.
func WithFactoryOptions(opts ...FactoryOption) Option {
	return func(o *options) { o.factoryOpts = append(o.factoryOpts, opts...) }
}

// WithRateLimiter gates session creates of the default factory.
func WithRateLimiter(rl *RateLimiter) Option {
	return func(o *options) { o.limiter = rl }
}

// WithLogger sets the pool logger.
func WithLogger(l *log.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithPrivilegedScope wraps pool construction in scope.
func WithPrivilegedScope(scope PrivilegedScope) Option {
	return func(o *options) { o.scope = scope }
}

// New builds a pool for key with DefaultPoolConfig.
func New(key ConnectionKey, opts ...Option) (*Pool, error) {
	return NewWithConfig(key, DefaultPoolConfig(), opts...)
}

// NewWithConfig builds a pool for key. Only the construction of the pool
// engine runs inside the privileged scope. Failures are *PoolInitError.
func NewWithConfig(key ConnectionKey, cfg PoolConfig, opts ...Option) (*Pool, error) {
	o := options{scope: NoPrivilege}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = log.Default().WithPrefix("sshpool")
	}
	if o.scope == nil {
		o.scope = NoPrivilege
	}

	if err := key.Validate(); err != nil {
		return nil, &PoolInitError{Key: key, Err: err}
	}

	factory := o.factory
	if factory == nil {
		fopts := append([]FactoryOption{WithFactoryLogger(o.logger)}, o.factoryOpts...)
		if o.limiter != nil {
			fopts = append(fopts, WithCreateRateLimiter(o.limiter))
		}
		factory = NewFactory(fopts...)
	}

	var engine *keyedpool.Pool[ConnectionKey, *sshclient.Session]
	err := runPrivileged(o.scope, func() error {
		var err error
		engine, err = keyedpool.New[ConnectionKey, *sshclient.Session](factory, cfg, o.logger.WithPrefix("keyedpool"))
		return err
	})
	if err != nil {
		if engine != nil {
			engine.Close()
		}
		return nil, &PoolInitError{Key: key, Err: err}
	}

	o.logger.Info("pool initialized", "key", key,
		"max_total", cfg.MaxTotal, "max_total_per_key", cfg.MaxTotalPerKey,
		"max_idle_per_key", cfg.MaxIdlePerKey, "max_wait", cfg.MaxWait)
	return &Pool{key: key, engine: engine, logger: o.logger}, nil
}

// Key returns the pool's connection key.
func (p *Pool) Key() ConnectionKey {
	return p.key
}

// Config returns the pool tuning.
func (p *Pool) Config() PoolConfig {
	return p.engine.Config()
}

// BorrowSession hands out a connected session, reusing an idle one when it
// can. Failures are *SessionAcquisitionError wrapping the cause.
func (p *Pool) BorrowSession(ctx context.Context) (*sshclient.Session, error) {
	for attempt := 0; ; attempt++ {
		s, err := p.engine.Borrow(ctx, p.key)
		if err != nil {
			p.logger.Warn("borrow failed", "key", p.key, "err", err)
			return nil, &SessionAcquisitionError{Key: p.key, Err: err}
		}
		if s.IsConnected() {
			return s, nil
		}

		// Only reachable when borrow validation is off.
		p.logger.Debug("discarding disconnected session", "session", s.ID(), "key", p.key)
		p.engine.Invalidate(s)
		if attempt+1 >= maxStaleBorrows {
			err := fmt.Errorf("%w: %d disconnected sessions in a row", ErrValidation, maxStaleBorrows)
			return nil, &SessionAcquisitionError{Key: p.key, Err: err}
		}
	}
}

// ReturnSession gives a borrowed session back for reuse. A session the pool
// does not consider borrowed (returned twice, from another pool, or after
// Close) is ignored, so cleanup paths never fail.
func (p *Pool) ReturnSession(s *sshclient.Session) {
	if s == nil {
		return
	}
	if err := p.engine.Return(s); err != nil {
		p.logger.Debug("ignored session return", "session", s.ID(), "key", p.key, "err", err)
	}
}

// InvalidateSession discards a broken session. Its connection is closed
// before InvalidateSession returns and it is never handed out again.
func (p *Pool) InvalidateSession(s *sshclient.Session) error {
	if s == nil {
		return &SessionInvalidationError{Key: p.key, Err: errors.New("session is nil")}
	}
	if err := p.engine.Invalidate(s); err != nil {
		return &SessionInvalidationError{Key: p.key, SessionID: s.ID(), Err: err}
	}
	return nil
}

// Prepare opens sessions until MinIdlePerKey are idle.
func (p *Pool) Prepare(ctx context.Context) error {
	if err := p.engine.Prepare(ctx, p.key); err != nil {
		return &SessionAcquisitionError{Key: p.key, Err: err}
	}
	return nil
}

// Stats returns a snapshot of the pool.
func (p *Pool) Stats() Stats {
	return p.engine.Stats(p.key)
}

// Events returns the recent session lifecycle events, oldest first.
func (p *Pool) Events() []Event {
	return p.engine.Events(p.key)
}

// RecentEvents returns at most the last n events, oldest first.
func (p *Pool) RecentEvents(n int) []Event {
	return p.engine.RecentEvents(p.key, n)
}

// EventCounts counts the stored events by type.
func (p *Pool) EventCounts() map[EventType]int {
	return p.engine.EventCounts(p.key)
}

// Close disconnects every idle session and stops the evictor. Sessions
// still borrowed are disconnected when returned or invalidated. Later
// borrows fail with ErrClosed. Closing an already closed pool does nothing.
func (p *Pool) Close() error {
	if p.engine.Closed() {
		return nil
	}
	p.logger.Info("closing pool", "key", p.key)
	return p.engine.Close()
}
