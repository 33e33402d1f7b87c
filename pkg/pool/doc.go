// Package pool provides a thread-safe database connection pool. Connections
// are created on demand, returned to the pool on release, and scaled down
// when they sit idle past a keep-alive threshold. Read-only work can share a
// single reference-counted connection across goroutines; everything else
// goes through a bounded read-write pool that blocks acquirers at capacity.
//
// Usage:
//
//	f, err := factory.NewSQL(cfg.Database)
//	if err != nil {
//		log.Fatal(err)
//	}
//	p, err := pool.New(f, cfg.Pool)
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer p.Finalize()
//
//	h, err := p.Acquire()
//	if err != nil {
//		return err
//	}
//	defer h.Release()
//	if _, err := h.Exec(`INSERT INTO things (name) VALUES (?)`, name); err != nil {
//		return err
//	}
//	return h.Commit()
//
// Always release handles explicitly (or use Pool.With, which releases at
// scope exit). A finalizer-based safety net can be enabled for development
// via SetUnreleasedHandleHook, but it is diagnostic only.
package pool
