package pool

import (
	"database/sql"
	"runtime"
	"sync/atomic"

	"antipool/pkg/errors"
	"antipool/pkg/factory"
)

// Capability determines which operations a handle permits.
type Capability int

const (
	// ReadOnly wraps the shared read-only connection; commits are
	// rejected and release drops a reference on the shared slot.
	ReadOnly Capability = iota

	// Semi comes from the bounded pool but still rejects commits. Used
	// for read-only work when connection sharing is disabled.
	Semi

	// ReadWrite comes from the bounded pool and permits commits.
	ReadWrite
)

// capabilities is the permission table for the three capability tags: a
// flat lookup instead of a wrapper type hierarchy.
var capabilities = [...]struct {
	name   string
	commit bool
	pooled bool // released to the bounded pool rather than the shared slot
}{
	ReadOnly:  {name: "read-only", commit: false, pooled: false},
	Semi:      {name: "semi", commit: false, pooled: true},
	ReadWrite: {name: "read-write", commit: true, pooled: true},
}

func (c Capability) String() string {
	return capabilities[c].name
}

// Handle is the capability-scoped wrapper returned to callers. It is owned
// exclusively by the acquiring goroutine until released; only the shared
// read-only connection underneath may be referenced by several handles at
// once. Every operation after Release fails with ErrUseAfterRelease.
type Handle struct {
	pool       *Pool
	conn       factory.Conn
	capability Capability
	released   atomic.Bool
}

// newHandle wraps a connection. When the unreleased-handle hook is set, a
// finalizer flags and releases handles the caller forgot.
func (p *Pool) newHandle(conn factory.Conn, c Capability) *Handle {
	h := &Handle{pool: p, conn: conn, capability: c}
	if p.hook != nil {
		runtime.SetFinalizer(h, func(h *Handle) {
			if !h.released.Load() {
				p.hook()
				_ = h.Release()
			}
		})
	}
	return h
}

// Capability reports what the handle permits.
func (h *Handle) Capability() Capability {
	return h.capability
}

// Exec runs a statement on the underlying connection.
func (h *Handle) Exec(query string, args ...any) (sql.Result, error) {
	if h.released.Load() {
		return nil, errors.ErrUseAfterRelease
	}
	return h.conn.Exec(query, args...)
}

// Query runs a query on the underlying connection.
func (h *Handle) Query(query string, args ...any) (*sql.Rows, error) {
	if h.released.Load() {
		return nil, errors.ErrUseAfterRelease
	}
	return h.conn.Query(query, args...)
}

// QueryRow runs a single-row query on the underlying connection.
func (h *Handle) QueryRow(query string, args ...any) (*sql.Row, error) {
	if h.released.Load() {
		return nil, errors.ErrUseAfterRelease
	}
	return h.conn.QueryRow(query, args...), nil
}

// Commit commits pending work. Only read-write handles may commit; the
// read-only variants fail immediately so that writes through a handle
// meant for reads surface as bugs instead of silently succeeding.
func (h *Handle) Commit() error {
	if h.released.Load() {
		return errors.ErrUseAfterRelease
	}
	if !capabilities[h.capability].commit {
		return errors.ErrReadOnlyViolation
	}
	return h.conn.Commit()
}

// Rollback discards pending work. Permitted for every capability.
func (h *Handle) Rollback() error {
	if h.released.Load() {
		return errors.ErrUseAfterRelease
	}
	return h.conn.Rollback()
}

// Release returns the underlying connection to its owning component. A
// handle can be released exactly once; further calls (and any other
// operation) fail with ErrUseAfterRelease.
func (h *Handle) Release() error {
	if !h.released.CompareAndSwap(false, true) {
		return errors.ErrUseAfterRelease
	}
	runtime.SetFinalizer(h, nil)

	if capabilities[h.capability].pooled {
		h.pool.releaseRW(h.conn)
	} else {
		h.pool.releaseRO(h.conn)
	}
	h.conn = nil
	return nil
}
