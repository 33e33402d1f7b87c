package pool

import (
	"database/sql"
	stderrors "errors"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"antipool/pkg/config"
	"antipool/pkg/errors"
	"antipool/pkg/factory"
)

// fakeConn is an in-memory stand-in for a database connection.
type fakeConn struct {
	id         int
	commits    atomic.Int32
	rollbacks  atomic.Int32
	closed     atomic.Bool
	closeError error
}

func (c *fakeConn) Exec(query string, args ...any) (sql.Result, error) { return nil, nil }
func (c *fakeConn) Query(query string, args ...any) (*sql.Rows, error) { return nil, nil }
func (c *fakeConn) QueryRow(query string, args ...any) *sql.Row        { return nil }
func (c *fakeConn) Commit() error                                      { c.commits.Add(1); return nil }
func (c *fakeConn) Rollback() error                                    { c.rollbacks.Add(1); return nil }
func (c *fakeConn) Close() error {
	c.closed.Store(true)
	return c.closeError
}

// fakeFactory counts creations and destructions and can be made to fail.
type fakeFactory struct {
	mu          sync.Mutex
	created     int
	roCreated   int
	destroyed   int
	outstanding int
	peak        int
	failing     bool
	notSharable bool
}

func (f *fakeFactory) Create(readOnly bool) (factory.Conn, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failing {
		return nil, fmt.Errorf("%w: simulated connect failure", errors.ErrConnectionFailed)
	}
	f.created++
	if readOnly {
		f.roCreated++
	}
	f.outstanding++
	if f.outstanding > f.peak {
		f.peak = f.outstanding
	}
	return &fakeConn{id: f.created}, nil
}

func (f *fakeFactory) Destroy(conn factory.Conn) {
	if conn == nil {
		return
	}
	conn.Close()
	f.mu.Lock()
	defer f.mu.Unlock()
	f.destroyed++
	f.outstanding--
}

func (f *fakeFactory) SharableReadOnly() bool {
	return !f.notSharable
}

func (f *fakeFactory) snapshot() (created, destroyed, peak int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.created, f.destroyed, f.peak
}

func newTestPool(t *testing.T, f *fakeFactory, cfg config.PoolConfig) *Pool {
	t.Helper()
	p, err := New(f, cfg)
	if err != nil {
		t.Fatalf("Failed to create pool: %v", err)
	}
	return p
}

func mustAcquire(t *testing.T, p *Pool) *Handle {
	t.Helper()
	h, err := p.Acquire()
	if err != nil {
		t.Fatalf("Failed to acquire: %v", err)
	}
	return h
}

func TestAcquireRelease(t *testing.T) {
	f := &fakeFactory{}
	p := newTestPool(t, f, config.PoolConfig{MinIdle: 2, KeepAliveSeconds: 5})

	h := mustAcquire(t, p)

	stats := p.Stats()
	if stats.Live != 1 {
		t.Errorf("Expected live 1, got %d", stats.Live)
	}
	if stats.Idle != 0 {
		t.Errorf("Expected idle 0, got %d", stats.Idle)
	}

	if err := h.Release(); err != nil {
		t.Fatalf("Failed to release: %v", err)
	}

	stats = p.Stats()
	if stats.Live != 1 || stats.Idle != 1 {
		t.Errorf("Expected live 1 / idle 1 after release, got %d / %d", stats.Live, stats.Idle)
	}

	p.Finalize()
}

func TestIdleConnectionIsReused(t *testing.T) {
	f := &fakeFactory{}
	p := newTestPool(t, f, config.PoolConfig{MinIdle: 1, KeepAliveSeconds: 5})

	h := mustAcquire(t, p)
	h.Release()
	h = mustAcquire(t, p)
	h.Release()

	created, _, _ := f.snapshot()
	if created != 1 {
		t.Errorf("Expected a single connection to be reused, got %d creations", created)
	}

	p.Finalize()
}

func TestLiveCountNeverExceedsMax(t *testing.T) {
	const maxLive = 3
	f := &fakeFactory{}
	p := newTestPool(t, f, config.PoolConfig{MaxLive: maxLive, KeepAliveSeconds: 60})

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				h, err := p.Acquire()
				if err != nil {
					t.Errorf("Acquire failed: %v", err)
					return
				}
				h.Release()
			}
		}()
	}
	wg.Wait()

	_, _, peak := f.snapshot()
	if peak > maxLive {
		t.Errorf("Live connections peaked at %d, max is %d", peak, maxLive)
	}

	stats := p.Stats()
	if stats.Live != stats.Idle {
		t.Errorf("All handles released but live (%d) != idle (%d)", stats.Live, stats.Idle)
	}

	p.Finalize()
}

func TestAcquireBlocksUntilRelease(t *testing.T) {
	f := &fakeFactory{}
	p := newTestPool(t, f, config.PoolConfig{MaxLive: 1, KeepAliveSeconds: 60})

	h := mustAcquire(t, p)

	done := make(chan struct{})
	go func() {
		h2, err := p.Acquire()
		if err != nil {
			t.Errorf("Blocked acquire failed: %v", err)
		} else {
			h2.Release()
		}
		close(done)
	}()

	select {
	case <-done:
		t.Fatal("Acquire should have blocked while the pool was exhausted")
	case <-time.After(100 * time.Millisecond):
	}

	h.Release()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Acquire did not unblock after release")
	}

	created, _, _ := f.snapshot()
	if created != 1 {
		t.Errorf("Expected the blocked acquire to reuse the released connection, got %d creations", created)
	}

	p.Finalize()
}

// Three workers fill a pool of three; a fourth blocks until one of them
// releases, and the live count never moves past the ceiling.
func TestFourthAcquirerWaitsForCapacity(t *testing.T) {
	f := &fakeFactory{}
	p := newTestPool(t, f, config.PoolConfig{MinIdle: 2, MaxLive: 3, KeepAliveSeconds: 5})

	h1 := mustAcquire(t, p)
	h2 := mustAcquire(t, p)
	h3 := mustAcquire(t, p)

	if stats := p.Stats(); stats.Live != 3 {
		t.Fatalf("Expected live 3, got %d", stats.Live)
	}

	done := make(chan *Handle)
	go func() {
		h4, err := p.Acquire()
		if err != nil {
			t.Errorf("Fourth acquire failed: %v", err)
		}
		done <- h4
	}()

	select {
	case <-done:
		t.Fatal("Fourth acquire should have blocked")
	case <-time.After(100 * time.Millisecond):
	}

	h1.Release()

	var h4 *Handle
	select {
	case h4 = <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Fourth acquire did not unblock")
	}

	if stats := p.Stats(); stats.Live != 3 {
		t.Errorf("Live count should stay at 3, got %d", stats.Live)
	}

	h2.Release()
	h3.Release()
	h4.Release()
	p.Finalize()
}

func TestAcquireTimeout(t *testing.T) {
	f := &fakeFactory{}
	p := newTestPool(t, f, config.PoolConfig{
		MaxLive:               1,
		KeepAliveSeconds:      60,
		AcquireTimeoutSeconds: 0.05,
	})

	h := mustAcquire(t, p)

	_, err := p.Acquire()
	if !stderrors.Is(err, errors.ErrAcquireTimeout) {
		t.Fatalf("Expected ErrAcquireTimeout, got %v", err)
	}

	h.Release()
	p.Finalize()
}

func TestScaleDownEvictsStaleIdle(t *testing.T) {
	f := &fakeFactory{}
	p := newTestPool(t, f, config.PoolConfig{MinIdle: 0, KeepAliveSeconds: 5})

	now := time.Now()
	p.clock = func() time.Time { return now }

	h1 := mustAcquire(t, p)
	h2 := mustAcquire(t, p)

	h1.Release() // idle at t0

	now = now.Add(6 * time.Second)
	h2.Release() // triggers scale-down; h1's connection is past keep-alive

	_, destroyed, _ := f.snapshot()
	if destroyed != 1 {
		t.Errorf("Expected 1 eviction, got %d", destroyed)
	}

	stats := p.Stats()
	if stats.Live != 1 || stats.Idle != 1 {
		t.Errorf("Expected live 1 / idle 1 after eviction, got %d / %d", stats.Live, stats.Idle)
	}

	p.Finalize()
}

func TestScaleDownKeepsRecentIdle(t *testing.T) {
	f := &fakeFactory{}
	p := newTestPool(t, f, config.PoolConfig{MinIdle: 0, KeepAliveSeconds: 60})

	h1 := mustAcquire(t, p)
	h2 := mustAcquire(t, p)
	h1.Release()
	h2.Release()

	_, destroyed, _ := f.snapshot()
	if destroyed != 0 {
		t.Errorf("Recently released connections must not be evicted, got %d evictions", destroyed)
	}

	p.Finalize()
}

func TestScaleDownPreservesMinIdleFloor(t *testing.T) {
	f := &fakeFactory{}
	p := newTestPool(t, f, config.PoolConfig{MinIdle: 2, KeepAliveSeconds: 5})

	now := time.Now()
	p.clock = func() time.Time { return now }

	handles := make([]*Handle, 4)
	for i := range handles {
		handles[i] = mustAcquire(t, p)
	}
	for _, h := range handles[:3] {
		h.Release()
	}

	// Everything idle is now well past the keep-alive threshold.
	now = now.Add(10 * time.Second)
	handles[3].Release()

	stats := p.Stats()
	if stats.Idle < 2 {
		t.Errorf("Idle count %d fell below the min_idle floor of 2", stats.Idle)
	}
	if stats.Idle != 2 {
		t.Errorf("Expected eviction down to the floor, idle is %d", stats.Idle)
	}

	p.Finalize()
}

func TestConnectFailurePropagatesAndLeavesStateClean(t *testing.T) {
	f := &fakeFactory{failing: true}
	p := newTestPool(t, f, config.PoolConfig{MaxLive: 2, KeepAliveSeconds: 5})

	_, err := p.Acquire()
	if !stderrors.Is(err, errors.ErrConnectionFailed) {
		t.Fatalf("Expected ErrConnectionFailed, got %v", err)
	}

	if stats := p.Stats(); stats.Live != 0 {
		t.Errorf("Failed creation must not count as live, got %d", stats.Live)
	}

	// The pool keeps working once the factory recovers.
	f.mu.Lock()
	f.failing = false
	f.mu.Unlock()

	h := mustAcquire(t, p)
	h.Release()
	p.Finalize()
}

func TestReadOnlySharesSingleConnection(t *testing.T) {
	f := &fakeFactory{}
	p := newTestPool(t, f, config.PoolConfig{MinIdle: 1, KeepAliveSeconds: 5})

	h1, err := p.AcquireReadOnly()
	if err != nil {
		t.Fatalf("Failed to acquire read-only: %v", err)
	}
	h2, err := p.AcquireReadOnly()
	if err != nil {
		t.Fatalf("Failed to acquire read-only: %v", err)
	}

	f.mu.Lock()
	roCreated := f.roCreated
	f.mu.Unlock()
	if roCreated != 1 {
		t.Errorf("Expected one shared read-only connection, got %d", roCreated)
	}

	stats := p.Stats()
	if stats.ReadOnlyRefs != 2 {
		t.Errorf("Expected 2 read-only refs, got %d", stats.ReadOnlyRefs)
	}
	if stats.Live != 0 {
		t.Errorf("Shared read-only connection must not count as live, got %d", stats.Live)
	}

	h1.Release()
	h2.Release()

	if stats := p.Stats(); stats.ReadOnlyRefs != 0 {
		t.Errorf("Expected 0 read-only refs after release, got %d", stats.ReadOnlyRefs)
	}

	p.Finalize()

	f.mu.Lock()
	destroyed := f.destroyed
	f.mu.Unlock()
	if destroyed != 1 {
		t.Errorf("Finalize should close the shared connection, destroyed %d", destroyed)
	}
}

func TestDisabledSharingRoutesThroughPool(t *testing.T) {
	f := &fakeFactory{}
	p := newTestPool(t, f, config.PoolConfig{
		MaxLive:                3,
		KeepAliveSeconds:       5,
		DisableReadOnlySharing: true,
	})

	h, err := p.AcquireReadOnly()
	if err != nil {
		t.Fatalf("Failed to acquire read-only: %v", err)
	}

	if h.Capability() != Semi {
		t.Errorf("Expected Semi capability, got %v", h.Capability())
	}

	stats := p.Stats()
	if stats.Live != 1 {
		t.Errorf("Read-only acquire should count as live with sharing disabled, got %d", stats.Live)
	}
	if stats.ReadOnly {
		t.Error("No shared connection should exist with sharing disabled")
	}

	if err := h.Commit(); !stderrors.Is(err, errors.ErrReadOnlyViolation) {
		t.Errorf("Expected ErrReadOnlyViolation on semi handle, got %v", err)
	}

	h.Release()
	p.Finalize()
}

func TestNonSharableFactoryDisablesSharing(t *testing.T) {
	f := &fakeFactory{notSharable: true}
	p := newTestPool(t, f, config.PoolConfig{KeepAliveSeconds: 5})

	h, err := p.AcquireReadOnly()
	if err != nil {
		t.Fatalf("Failed to acquire read-only: %v", err)
	}

	if h.Capability() != Semi {
		t.Errorf("Expected Semi capability when sharing is unsupported, got %v", h.Capability())
	}

	h.Release()
	p.Finalize()
}

func TestConcurrentReadOnlyAndWriters(t *testing.T) {
	f := &fakeFactory{}
	p := newTestPool(t, f, config.PoolConfig{MinIdle: 1, MaxLive: 4, KeepAliveSeconds: 60})

	var wg sync.WaitGroup
	for i := 0; i < 12; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			for j := 0; j < 30; j++ {
				if (n+j)%3 == 0 {
					h, err := p.Acquire()
					if err != nil {
						t.Errorf("Acquire failed: %v", err)
						return
					}
					h.Commit()
					h.Release()
				} else {
					h, err := p.AcquireReadOnly()
					if err != nil {
						t.Errorf("AcquireReadOnly failed: %v", err)
						return
					}
					h.Rollback()
					h.Release()
				}
			}
		}(i)
	}
	wg.Wait()

	stats := p.Stats()
	if stats.ReadOnlyRefs != 0 {
		t.Errorf("Expected 0 read-only refs, got %d", stats.ReadOnlyRefs)
	}
	if stats.Live != stats.Idle {
		t.Errorf("All released but live (%d) != idle (%d)", stats.Live, stats.Idle)
	}

	p.Finalize()
}

func TestFinalizeClosesEverythingAndIsIdempotent(t *testing.T) {
	f := &fakeFactory{}
	p := newTestPool(t, f, config.PoolConfig{MinIdle: 5, KeepAliveSeconds: 60})

	for i := 0; i < 3; i++ {
		h := mustAcquire(t, p)
		h.Release()
	}
	ro, err := p.AcquireReadOnly()
	if err != nil {
		t.Fatalf("Failed to acquire read-only: %v", err)
	}
	ro.Release()

	p.Finalize()

	created, destroyed, _ := f.snapshot()
	if destroyed != created {
		t.Errorf("Finalize must close every connection: created %d, destroyed %d", created, destroyed)
	}

	stats := p.Stats()
	if stats.Live != 0 || stats.Idle != 0 || stats.ReadOnly {
		t.Errorf("Expected empty pool after finalize, got %+v", stats)
	}

	// Second finalize is a no-op.
	p.Finalize()
}

func TestFinalizeWithOutstandingHandlePanics(t *testing.T) {
	f := &fakeFactory{}
	p := newTestPool(t, f, config.PoolConfig{KeepAliveSeconds: 5})

	h := mustAcquire(t, p)

	defer func() {
		r := recover()
		if r == nil {
			t.Fatal("Finalize with a checked-out handle should panic")
		}
		err, ok := r.(error)
		if !ok || !stderrors.Is(err, errors.ErrInvariantViolation) {
			t.Fatalf("Expected ErrInvariantViolation panic, got %v", r)
		}
		h.Release()
		p.Finalize()
	}()

	p.Finalize()
}

func TestFinalizeWithHeldReadOnlyHandlePanics(t *testing.T) {
	f := &fakeFactory{}
	p := newTestPool(t, f, config.PoolConfig{KeepAliveSeconds: 5})

	h, err := p.AcquireReadOnly()
	if err != nil {
		t.Fatalf("Failed to acquire read-only: %v", err)
	}

	defer func() {
		r := recover()
		if r == nil {
			t.Fatal("Finalize with a held read-only handle should panic")
		}
		h.Release()
		p.Finalize()
	}()

	p.Finalize()
}

func TestReleaseForeignConnectionPanics(t *testing.T) {
	f := &fakeFactory{}
	p := newTestPool(t, f, config.PoolConfig{KeepAliveSeconds: 5})

	defer func() {
		r := recover()
		if r == nil {
			t.Fatal("Releasing a foreign connection should panic")
		}
		err, ok := r.(error)
		if !ok || !stderrors.Is(err, errors.ErrInvariantViolation) {
			t.Fatalf("Expected ErrInvariantViolation panic, got %v", r)
		}
	}()

	p.releaseRW(&fakeConn{id: -1})
}

func TestUnreleasedHandleHook(t *testing.T) {
	f := &fakeFactory{}
	p := newTestPool(t, f, config.PoolConfig{MinIdle: 1, KeepAliveSeconds: 60})

	var flagged atomic.Int32
	p.SetUnreleasedHandleHook(func() {
		flagged.Add(1)
	})

	leakHandle(t, p)

	// The safety net runs off the garbage collector; nudge it.
	for i := 0; i < 50 && flagged.Load() == 0; i++ {
		runtime.GC()
		time.Sleep(10 * time.Millisecond)
	}

	if flagged.Load() == 0 {
		t.Fatal("Unreleased handle was never flagged by the safety net")
	}

	// The safety net also returned the connection, so finalize passes.
	p.Finalize()
}

//go:noinline
func leakHandle(t *testing.T, p *Pool) {
	t.Helper()
	h, err := p.Acquire()
	if err != nil {
		t.Fatalf("Failed to acquire: %v", err)
	}
	_ = h // deliberately not released
}

func TestWithReleasesAtScopeExit(t *testing.T) {
	f := &fakeFactory{}
	p := newTestPool(t, f, config.PoolConfig{MinIdle: 1, KeepAliveSeconds: 5})

	var inside *Handle
	err := p.With(false, func(h *Handle) error {
		inside = h
		_, err := h.Exec(`INSERT INTO things (name) VALUES (?)`, "x")
		return err
	})
	if err != nil {
		t.Fatalf("With failed: %v", err)
	}

	if _, err := inside.Exec(`SELECT 1`); !stderrors.Is(err, errors.ErrUseAfterRelease) {
		t.Error("Handle should be released after With returns")
	}

	p.Finalize()
}

func TestNewRejectsBadConfig(t *testing.T) {
	f := &fakeFactory{}

	cases := []config.PoolConfig{
		{MinIdle: -1},
		{MaxLive: -2},
		{KeepAliveSeconds: -1},
		{AcquireTimeoutSeconds: -1},
		{MinIdle: 5, MaxLive: 2},
	}
	for i, cfg := range cases {
		if _, err := New(f, cfg); !stderrors.Is(err, errors.ErrInvalidConfig) {
			t.Errorf("case %d: expected ErrInvalidConfig, got %v", i, err)
		}
	}

	if _, err := New(nil, config.PoolConfig{}); !stderrors.Is(err, errors.ErrInvalidConfig) {
		t.Errorf("nil factory: expected ErrInvalidConfig, got %v", err)
	}
}
