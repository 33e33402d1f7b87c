package pool

import (
	"fmt"
	"runtime"
	"sync"
	"time"

	"antipool/pkg/config"
	"antipool/pkg/errors"
	"antipool/pkg/factory"
	"antipool/pkg/logger"
)

// idleConn is a pooled connection together with the time it was last
// released, which drives the scale-down pass.
type idleConn struct {
	conn     factory.Conn
	released time.Time
}

// Pool hands out database connections to concurrent callers. Read-write
// connections come from a bounded pool; read-only ones share a single
// reference-counted connection unless sharing is disabled.
type Pool struct {
	factory        factory.Factory
	minIdle        int
	maxLive        int // 0 means unbounded
	keepAlive      time.Duration
	acquireTimeout time.Duration // 0 means wait forever
	roSharing      bool
	debug          bool
	log            *logger.Logger

	// hook, when set, is invoked by the garbage-collection safety net
	// for every handle that was never released.
	hook func()

	// Read-write pool state, guarded by mu. cond signals blocked
	// acquirers on every release.
	mu         sync.Mutex
	cond       *sync.Cond
	idle       []idleConn
	live       int // connections created and not yet closed (idle + checked out)
	checkedOut map[factory.Conn]struct{}

	// Shared read-only connection, guarded by roMu. Finalize takes roMu
	// before mu; nothing else ever holds both.
	roMu   sync.Mutex
	roConn factory.Conn
	roRefs int

	// clock is swapped out by tests to drive eviction deterministically.
	clock func() time.Time
}

// Stats is a point-in-time snapshot of the pool's accounting.
type Stats struct {
	Idle         int  `json:"idle"`
	Live         int  `json:"live"`
	MinIdle      int  `json:"min_idle"`
	MaxLive      int  `json:"max_live"`
	ReadOnly     bool `json:"read_only_active"`
	ReadOnlyRefs int  `json:"read_only_refs"`
}

// New creates a pool on top of the given factory. If the factory reports
// that its connections cannot be shared across goroutines, read-only
// sharing is disabled regardless of configuration and a warning is logged.
func New(f factory.Factory, cfg config.PoolConfig) (*Pool, error) {
	if f == nil {
		return nil, fmt.Errorf("%w: factory is required", errors.ErrInvalidConfig)
	}
	if cfg.MinIdle < 0 || cfg.MaxLive < 0 || cfg.KeepAliveSeconds < 0 || cfg.AcquireTimeoutSeconds < 0 {
		return nil, fmt.Errorf("%w: pool sizes and durations cannot be negative", errors.ErrInvalidConfig)
	}
	if cfg.MaxLive > 0 && cfg.MinIdle > cfg.MaxLive {
		return nil, fmt.Errorf("%w: min_idle (%d) exceeds max_live (%d)",
			errors.ErrInvalidConfig, cfg.MinIdle, cfg.MaxLive)
	}

	roSharing := !cfg.DisableReadOnlySharing
	if roSharing && !f.SharableReadOnly() {
		logger.Get().Warn("factory does not support sharing a connection across goroutines; disabling read-only sharing")
		roSharing = false
	}

	p := &Pool{
		factory:        f,
		minIdle:        cfg.MinIdle,
		maxLive:        cfg.MaxLive,
		keepAlive:      time.Duration(cfg.KeepAliveSeconds * float64(time.Second)),
		acquireTimeout: time.Duration(cfg.AcquireTimeoutSeconds * float64(time.Second)),
		roSharing:      roSharing,
		debug:          cfg.DebugLogging,
		log:            logger.Get().With("component", "pool"),
		checkedOut:     make(map[factory.Conn]struct{}),
		clock:          time.Now,
	}
	p.cond = sync.NewCond(&p.mu)
	return p, nil
}

// SetUnreleasedHandleHook installs a diagnostic callback invoked whenever
// the garbage collector finds a handle that was never released. The safety
// net releases the handle after calling the hook, but callers must not rely
// on it: explicit Release is the contract. Set it before handing the pool
// to other goroutines.
func (p *Pool) SetUnreleasedHandleHook(fn func()) {
	p.hook = fn
}

// Acquire returns a read-write handle. When the pool is bounded and
// exhausted it blocks until a release frees a slot, or until the configured
// acquire timeout elapses.
func (p *Pool) Acquire() (*Handle, error) {
	conn, err := p.acquireRW()
	if err != nil {
		return nil, err
	}
	return p.newHandle(conn, ReadWrite), nil
}

// AcquireReadOnly returns a handle for read-only work. With sharing enabled
// this is the shared singleton; otherwise it comes from the bounded pool
// wrapped so that commits are rejected.
func (p *Pool) AcquireReadOnly() (*Handle, error) {
	if !p.roSharing {
		conn, err := p.acquireRW()
		if err != nil {
			return nil, err
		}
		return p.newHandle(conn, Semi), nil
	}

	p.roMu.Lock()
	defer p.roMu.Unlock()

	if p.roConn == nil {
		conn, err := p.factory.Create(true)
		if err != nil {
			return nil, err
		}
		p.roConn = conn
	}
	p.roRefs++
	if p.debug {
		p.log.Debug("acquire read-only", "refs", p.roRefs)
	}
	return p.newHandle(p.roConn, ReadOnly), nil
}

// With acquires a handle, passes it to fn and releases it when fn returns.
func (p *Pool) With(readOnly bool, fn func(*Handle) error) error {
	var h *Handle
	var err error
	if readOnly {
		h, err = p.AcquireReadOnly()
	} else {
		h, err = p.Acquire()
	}
	if err != nil {
		return err
	}
	defer h.Release()
	return fn(h)
}

// acquireRW takes a connection from the idle set or creates one, blocking
// while a bounded pool is exhausted.
func (p *Pool) acquireRW() (factory.Conn, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.maxLive > 0 {
		var deadline time.Time
		if p.acquireTimeout > 0 {
			deadline = time.Now().Add(p.acquireTimeout)
			// The timer takes the mutex so its broadcast cannot fire
			// between the deadline check and cond.Wait.
			timer := time.AfterFunc(p.acquireTimeout, func() {
				p.mu.Lock()
				p.cond.Broadcast()
				p.mu.Unlock()
			})
			defer timer.Stop()
		}
		for len(p.idle) == 0 && p.live >= p.maxLive {
			if p.acquireTimeout > 0 && !time.Now().Before(deadline) {
				return nil, errors.ErrAcquireTimeout
			}
			p.cond.Wait()
		}
	}

	if n := len(p.idle); n > 0 {
		ic := p.idle[n-1]
		p.idle = p.idle[:n-1]
		p.checkedOut[ic.conn] = struct{}{}
		if p.debug {
			p.log.Debug("acquire", "idle", len(p.idle), "live", p.live)
		}
		return ic.conn, nil
	}

	// Creation happens under the lock, like every other accounting
	// mutation; on failure live is untouched and the error propagates.
	conn, err := p.factory.Create(false)
	if err != nil {
		return nil, err
	}
	p.live++
	p.checkedOut[conn] = struct{}{}
	if p.debug {
		p.log.Debug("acquire created", "idle", len(p.idle), "live", p.live)
	}
	return conn, nil
}

// releaseRW returns a connection to the idle set, runs the scale-down pass
// and wakes one blocked acquirer.
func (p *Pool) releaseRW(conn factory.Conn) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, ok := p.checkedOut[conn]; !ok {
		errors.Invariant("released a connection this pool did not issue")
	}
	delete(p.checkedOut, conn)

	now := p.clock()
	p.idle = append(p.idle, idleConn{conn: conn, released: now})
	p.scaleDown(now)
	p.cond.Signal()
	if p.debug {
		p.log.Debug("release", "idle", len(p.idle), "live", p.live)
	}
}

// releaseRO drops one reference to the shared read-only connection.
func (p *Pool) releaseRO(conn factory.Conn) {
	p.roMu.Lock()
	defer p.roMu.Unlock()

	if conn != p.roConn {
		errors.Invariant("released a read-only handle that does not wrap the shared connection")
	}
	p.roRefs--
	if p.roRefs < 0 {
		errors.Invariant("read-only reference count went negative")
	}
	if p.debug {
		p.log.Debug("release read-only", "refs", p.roRefs)
	}
}

// scaleDown closes idle connections that have been unused longer than the
// keep-alive threshold, preserving the minIdle floor. Greedy single pass;
// order among eligible entries does not matter. Caller holds mu.
func (p *Pool) scaleDown(now time.Time) {
	excess := len(p.idle) - p.minIdle
	if excess <= 0 {
		return
	}

	cutoff := now.Add(-p.keepAlive)
	kept := p.idle[:0]
	for _, ic := range p.idle {
		if excess > 0 && ic.released.Before(cutoff) {
			p.factory.Destroy(ic.conn)
			p.live--
			excess--
			if p.debug {
				p.log.Debug("scale-down", "idle", len(p.idle), "live", p.live)
			}
			continue
		}
		kept = append(kept, ic)
	}
	p.idle = kept
}

// Stats returns a snapshot of the pool's accounting.
func (p *Pool) Stats() Stats {
	p.roMu.Lock()
	roActive := p.roConn != nil
	roRefs := p.roRefs
	p.roMu.Unlock()

	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{
		Idle:         len(p.idle),
		Live:         p.live,
		MinIdle:      p.minIdle,
		MaxLive:      p.maxLive,
		ReadOnly:     roActive,
		ReadOnlyRefs: roRefs,
	}
}

// Finalize closes every connection the pool holds and resets it. All
// handles must have been released first; unreturned handles are a
// programming error and make Finalize panic with ErrInvariantViolation.
// Finalizing an already-finalized (or never-used) pool is a no-op.
func (p *Pool) Finalize() {
	// Give the safety net a chance to flush handles the caller leaked, so
	// the accounting assertions below see them as returned.
	if p.hook != nil {
		p.collectLeaked()
	}

	p.roMu.Lock()
	defer p.roMu.Unlock()
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.roConn == nil && len(p.idle) == 0 && p.live == 0 {
		if p.roRefs != 0 {
			errors.Invariant("finalize: %d read-only reference(s) with no shared connection", p.roRefs)
		}
		return
	}

	if p.roRefs != 0 {
		errors.Invariant("finalize with %d read-only handle(s) still held", p.roRefs)
	}
	if len(p.idle) != p.live {
		errors.Invariant("finalize with %d connection(s) still checked out", p.live-len(p.idle))
	}

	if p.roConn != nil {
		p.factory.Destroy(p.roConn)
		p.roConn = nil
	}
	for _, ic := range p.idle {
		p.factory.Destroy(ic.conn)
	}
	p.idle = nil
	p.live = 0
	p.checkedOut = make(map[factory.Conn]struct{})

	p.log.Info("pool finalized")
}

// collectLeaked forces a garbage collection pass and briefly waits for
// handle finalizers to run. Best effort: finalizers run asynchronously.
func (p *Pool) collectLeaked() {
	runtime.GC()
	deadline := time.Now().Add(250 * time.Millisecond)
	for time.Now().Before(deadline) {
		p.roMu.Lock()
		roRefs := p.roRefs
		p.roMu.Unlock()
		p.mu.Lock()
		outstanding := len(p.checkedOut)
		p.mu.Unlock()
		if roRefs == 0 && outstanding == 0 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
}
