package keyedpool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"
	"github.com/jackc/puddle/v2"
	"github.com/robfig/cron/v3"
	"golang.org/x/sync/semaphore"
)

var (
	ErrClosed      = errors.New("pool is closed")
	ErrExhausted   = errors.New("pool exhausted")
	ErrWaitTimeout = errors.New("timed out waiting for a session")
	ErrNotBorrowed = errors.New("value is not borrowed from this pool")
	ErrValidation  = errors.New("new value failed validation")
)

// Factory creates, validates and destroys the values pooled under a key.
// Destroy must not block indefinitely; its failures are the factory's to
// swallow.
type Factory[K comparable, V any] interface {
	Create(ctx context.Context, key K) (V, error)
	Validate(key K, value V) bool
	Destroy(key K, value V)
}

type entry[V any] struct {
	value   V
	created time.Time
	borrows int64
}

// createMarker rides on the Acquire context so the constructor can tell the
// borrower which entry it built for this call. It also carries the
// borrower's wait bounds for taking a MaxTotal slot.
type createMarker[V any] struct {
	entry atomic.Pointer[entry[V]]
	wait  context.Context
	block bool
}

type createMarkerKey struct{}

type keyPool[K comparable, V comparable] struct {
	key  K
	pool *puddle.Pool[*entry[V]]

	outstanding      atomic.Int64
	created          atomic.Int64
	createFailed     atomic.Int64
	borrowed         atomic.Int64
	returned         atomic.Int64
	invalidated      atomic.Int64
	validationFailed atomic.Int64
	evicted          atomic.Int64
	destroyed        atomic.Int64
}

func (kp *keyPool[K, V]) exhausted() bool {
	st := kp.pool.Stat()
	return st.IdleResources() == 0 && st.TotalResources() >= st.MaxResources()
}

type lease[K comparable, V comparable] struct {
	kp  *keyPool[K, V]
	res *puddle.Resource[*entry[V]]
}

// Pool is a keyed object pool: an independent bounded sub-pool per key,
// backed by puddle, plus an optional cap on values borrowed across keys.
// It is safe for concurrent use.
type Pool[K comparable, V comparable] struct {
	cfg     Config
	factory Factory[K, V]
	logger  *log.Logger

	// total holds one slot per live value (idle, borrowed or being
	// created) when MaxTotal is set.
	total *semaphore.Weighted
	// idleMu guards idleCh, closed and replaced whenever a value goes idle
	// so borrowers waiting on total can reclaim it.
	idleMu sync.Mutex
	idleCh chan struct{}

	// closeCtx is cancelled by Close to wake waiting borrowers.
	closeCtx    context.Context
	closeCancel context.CancelFunc

	// mu guards closed and keys. Return holds it shared while deciding
	// between release and destroy so Close cannot miss a released value.
	mu     sync.RWMutex
	closed bool
	keys   map[K]*keyPool[K, V]

	leasesMu sync.Mutex
	leases   map[V]*lease[K, V]

	evictor *cron.Cron

	eventsMu sync.RWMutex
	events   map[K][]Event
}

// New builds a pool. A nil logger uses the default logger.
func New[K comparable, V comparable](factory Factory[K, V], cfg Config, logger *log.Logger) (*Pool[K, V], error) {
	if factory == nil {
		return nil, errors.New("keyedpool: factory is nil")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("keyedpool: %w", err)
	}
	if logger == nil {
		logger = log.Default().WithPrefix("keyedpool")
	}

	p := &Pool[K, V]{
		cfg:     cfg,
		factory: factory,
		logger:  logger,
		idleCh:  make(chan struct{}),
		keys:    make(map[K]*keyPool[K, V]),
		leases:  make(map[V]*lease[K, V]),
		events:  make(map[K][]Event),
	}
	p.closeCtx, p.closeCancel = context.WithCancel(context.Background())
	if cfg.MaxTotal > 0 {
		p.total = semaphore.NewWeighted(int64(cfg.MaxTotal))
	}
	if cfg.TimeBetweenEvictionRuns > 0 {
		p.startEvictor()
	}
	return p, nil
}

// Config returns the pool tuning.
func (p *Pool[K, V]) Config() Config {
	return p.cfg
}

func (p *Pool[K, V]) keyPool(key K) (*keyPool[K, V], error) {
	p.mu.RLock()
	kp, ok := p.keys[key]
	closed := p.closed
	p.mu.RUnlock()
	if closed {
		return nil, ErrClosed
	}
	if ok {
		return kp, nil
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, ErrClosed
	}
	if kp, ok := p.keys[key]; ok {
		return kp, nil
	}

	kp = &keyPool[K, V]{key: key}
	pool, err := puddle.NewPool(&puddle.Config[*entry[V]]{
		Constructor: func(ctx context.Context) (*entry[V], error) {
			return p.create(ctx, kp)
		},
		// Only reached for values puddle destroys itself, such as a value
		// released after its pool closed.
		Destructor: func(e *entry[V]) {
			p.destroyValue(kp, e, "pool closed")
		},
		MaxSize: p.cfg.maxPerKey(),
	})
	if err != nil {
		return nil, fmt.Errorf("keyedpool: %w", err)
	}
	kp.pool = pool
	p.keys[key] = kp
	return kp, nil
}

func (p *Pool[K, V]) create(ctx context.Context, kp *keyPool[K, V]) (*entry[V], error) {
	m, _ := ctx.Value(createMarkerKey{}).(*createMarker[V])
	if p.total != nil {
		if err := p.acquireSlot(m); err != nil {
			return nil, err
		}
	}

	v, err := p.factory.Create(ctx, kp.key)
	if err != nil {
		if p.total != nil {
			p.total.Release(1)
		}
		kp.createFailed.Add(1)
		p.emitEvent(kp.key, EventCreateFailed, err.Error())
		return nil, err
	}
	kp.created.Add(1)
	p.emitEvent(kp.key, EventCreated, "")

	e := &entry[V]{value: v, created: time.Now()}
	if m != nil {
		m.entry.Store(e)
	}
	return e, nil
}

// acquireSlot takes a MaxTotal slot for a value about to be created. Prepare
// and the evictor (m == nil) never wait. A borrower first destroys the least
// recently used idle value of any key, then waits within its bounds, going
// back to reclaiming whenever a value turns idle.
func (p *Pool[K, V]) acquireSlot(m *createMarker[V]) error {
	exhausted := fmt.Errorf("%w: max_total %d reached", ErrExhausted, p.cfg.MaxTotal)
	for {
		if p.total.TryAcquire(1) {
			return nil
		}
		if m == nil {
			return exhausted
		}
		idle := p.idleSignal()
		if p.reclaimIdle() {
			continue
		}
		if !m.block {
			return exhausted
		}

		wctx, cancel := context.WithCancel(m.wait)
		go func() {
			select {
			case <-idle:
				cancel()
			case <-wctx.Done():
			}
		}()
		err := p.total.Acquire(wctx, 1)
		cancel()
		if err == nil {
			return nil
		}
		if werr := m.wait.Err(); werr != nil {
			return werr
		}
	}
}

func (p *Pool[K, V]) idleSignal() <-chan struct{} {
	p.idleMu.Lock()
	defer p.idleMu.Unlock()
	return p.idleCh
}

func (p *Pool[K, V]) notifyIdle() {
	if p.total == nil {
		return
	}
	p.idleMu.Lock()
	close(p.idleCh)
	p.idleCh = make(chan struct{})
	p.idleMu.Unlock()
}

// reclaimIdle destroys the least recently used idle value across all keys.
// It reports false when nothing was idle.
func (p *Pool[K, V]) reclaimIdle() bool {
	type idleRes struct {
		kp  *keyPool[K, V]
		res *puddle.Resource[*entry[V]]
	}
	var all []idleRes
	for _, kp := range p.keyPools() {
		for _, res := range kp.pool.AcquireAllIdle() {
			all = append(all, idleRes{kp: kp, res: res})
		}
	}
	if len(all) == 0 {
		return false
	}

	oldest := 0
	for i := range all {
		if all[i].res.LastUsedNanotime() < all[oldest].res.LastUsedNanotime() {
			oldest = i
		}
	}
	for i, r := range all {
		if i != oldest {
			r.res.ReleaseUnused()
		}
	}
	victim := all[oldest]
	victim.kp.evicted.Add(1)
	p.emitEvent(victim.kp.key, EventEvicted, "reclaimed for max_total")
	p.destroy(victim.kp, victim.res, "reclaimed for max_total")
	return true
}

// Borrow hands out an idle value for key, validating it when TestOnBorrow is
// set, or creates one. When the key (or MaxTotal) is at capacity it waits up
// to MaxWait and ctx if BlockWhenExhausted, otherwise it fails with
// ErrExhausted. Idle values that fail validation are destroyed and the
// borrow tries again; a freshly created value that fails TestOnCreate
// returns ErrValidation.
func (p *Pool[K, V]) Borrow(ctx context.Context, key K) (V, error) {
	var zero V
	kp, err := p.keyPool(key)
	if err != nil {
		return zero, err
	}

	waitCtx, cancelWait := context.WithCancelCause(ctx)
	defer cancelWait(nil)
	stop := context.AfterFunc(p.closeCtx, func() { cancelWait(ErrClosed) })
	defer stop()
	if p.cfg.BlockWhenExhausted && p.cfg.MaxWait > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(waitCtx, p.cfg.MaxWait)
		defer cancel()
	}

	return p.borrow(ctx, waitCtx, kp)
}

func (p *Pool[K, V]) borrow(ctx, waitCtx context.Context, kp *keyPool[K, V]) (V, error) {
	var zero V
	for {
		if !p.cfg.BlockWhenExhausted && kp.exhausted() {
			return zero, fmt.Errorf("%w: max_total_per_key %d reached", ErrExhausted, p.cfg.MaxTotalPerKey)
		}

		marker := &createMarker[V]{wait: waitCtx, block: p.cfg.BlockWhenExhausted}
		res, err := kp.pool.Acquire(context.WithValue(waitCtx, createMarkerKey{}, marker))
		if err != nil {
			if errors.Is(err, puddle.ErrClosedPool) {
				return zero, ErrClosed
			}
			return zero, waitError(ctx, waitCtx, err)
		}

		e := res.Value()
		fresh := marker.entry.Load() == e
		if (fresh && p.cfg.TestOnCreate) || (!fresh && p.cfg.TestOnBorrow) {
			if !p.validate(kp, e) {
				p.destroy(kp, res, "validation failed on borrow")
				if fresh {
					return zero, ErrValidation
				}
				continue
			}
		}

		if !p.lease(kp, res) {
			p.destroy(kp, res, "pool closed")
			return zero, ErrClosed
		}
		return e.value, nil
	}
}

func (p *Pool[K, V]) lease(kp *keyPool[K, V], res *puddle.Resource[*entry[V]]) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return false
	}

	e := res.Value()
	e.borrows++
	p.leasesMu.Lock()
	p.leases[e.value] = &lease[K, V]{kp: kp, res: res}
	p.leasesMu.Unlock()
	kp.outstanding.Add(1)
	kp.borrowed.Add(1)
	return true
}

func (p *Pool[K, V]) takeLease(value V) (*lease[K, V], bool) {
	p.leasesMu.Lock()
	defer p.leasesMu.Unlock()
	l, ok := p.leases[value]
	if ok {
		delete(p.leases, value)
		l.kp.outstanding.Add(-1)
	}
	return l, ok
}

// waitError maps a failed wait: Close wins, then MaxWait expiring while the
// caller's ctx is still live.
func waitError(ctx, waitCtx context.Context, err error) error {
	isCtxErr := errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
	if isCtxErr && errors.Is(context.Cause(waitCtx), ErrClosed) {
		return ErrClosed
	}
	if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
		return ErrWaitTimeout
	}
	return err
}

// Return puts a borrowed value back to idle. It returns ErrNotBorrowed for a
// value that is not currently borrowed (including a second return). After
// Close the value is destroyed and ErrClosed is returned.
func (p *Pool[K, V]) Return(value V) error {
	l, ok := p.takeLease(value)
	if !ok {
		return ErrNotBorrowed
	}
	kp := l.kp
	kp.returned.Add(1)

	p.mu.RLock()
	defer p.mu.RUnlock()

	switch {
	case p.closed:
		p.destroy(kp, l.res, "returned after close")
		return ErrClosed
	case p.cfg.TestOnReturn && !p.validate(kp, l.res.Value()):
		p.destroy(kp, l.res, "validation failed on return")
	case p.cfg.MaxIdlePerKey >= 0 && int(kp.pool.Stat().IdleResources()) >= p.cfg.MaxIdlePerKey:
		p.destroy(kp, l.res, "idle capacity reached")
	default:
		l.res.Release()
		p.notifyIdle()
	}
	return nil
}

// Invalidate destroys a borrowed value. The factory's Destroy has run by the
// time it returns.
func (p *Pool[K, V]) Invalidate(value V) error {
	l, ok := p.takeLease(value)
	if !ok {
		return ErrNotBorrowed
	}
	l.kp.invalidated.Add(1)
	p.emitEvent(l.kp.key, EventInvalidated, "")
	p.destroy(l.kp, l.res, "invalidated")
	return nil
}

// Prepare creates idle values for key until MinIdlePerKey are idle or the
// key (or MaxTotal) is at capacity.
func (p *Pool[K, V]) Prepare(ctx context.Context, key K) error {
	kp, err := p.keyPool(key)
	if err != nil {
		return err
	}
	return p.ensureMinIdle(ctx, kp)
}

func (p *Pool[K, V]) ensureMinIdle(ctx context.Context, kp *keyPool[K, V]) error {
	for int(kp.pool.Stat().IdleResources()) < p.cfg.MinIdlePerKey {
		err := kp.pool.CreateResource(ctx)
		switch {
		case errors.Is(err, puddle.ErrNotAvailable), errors.Is(err, ErrExhausted):
			return nil
		case errors.Is(err, puddle.ErrClosedPool):
			return ErrClosed
		case err != nil:
			return err
		}
	}
	return nil
}

func (p *Pool[K, V]) validate(kp *keyPool[K, V], e *entry[V]) bool {
	if p.factory.Validate(kp.key, e.value) {
		return true
	}
	kp.validationFailed.Add(1)
	p.emitEvent(kp.key, EventValidationFailed, "")
	return false
}

// destroy takes res out of puddle's accounting and destroys its value on the
// calling goroutine.
func (p *Pool[K, V]) destroy(kp *keyPool[K, V], res *puddle.Resource[*entry[V]], reason string) {
	e := res.Value()
	res.Hijack()
	p.destroyValue(kp, e, reason)
}

func (p *Pool[K, V]) destroyValue(kp *keyPool[K, V], e *entry[V], reason string) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Warn("destroy panicked", "key", kp.key, "panic", r)
		}
	}()
	if p.total != nil {
		defer p.total.Release(1)
	}
	kp.destroyed.Add(1)
	p.emitEvent(kp.key, EventDestroyed, reason)
	p.factory.Destroy(kp.key, e.value)
}

func (p *Pool[K, V]) isClosed() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.closed
}

func (p *Pool[K, V]) keyPools() []*keyPool[K, V] {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return nil
	}
	out := make([]*keyPool[K, V], 0, len(p.keys))
	for _, kp := range p.keys {
		out = append(out, kp)
	}
	return out
}

// Close stops the evictor and destroys every idle value before returning.
// Values still borrowed are destroyed when they are returned or
// invalidated. Later borrows fail with ErrClosed. Closing twice is a no-op.
func (p *Pool[K, V]) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.closeCancel()
	keys := make([]*keyPool[K, V], 0, len(p.keys))
	for _, kp := range p.keys {
		keys = append(keys, kp)
	}
	p.mu.Unlock()

	if p.evictor != nil {
		<-p.evictor.Stop().Done()
	}

	destroyed := 0
	for _, kp := range keys {
		for _, res := range kp.pool.AcquireAllIdle() {
			p.destroy(kp, res, "pool closed")
			destroyed++
		}
		st := kp.pool.Stat()
		if st.AcquiredResources() == 0 && st.ConstructingResources() == 0 {
			kp.pool.Close()
		} else {
			// puddle's Close waits until every value it tracks is
			// destroyed or hijacked, borrowed ones included.
			go kp.pool.Close()
		}
	}

	p.logger.Info("pool closed", "keys", len(keys), "destroyed", destroyed, "borrowed", p.NumBorrowed())
	return nil
}

// Closed reports whether Close has been called.
func (p *Pool[K, V]) Closed() bool {
	return p.isClosed()
}
