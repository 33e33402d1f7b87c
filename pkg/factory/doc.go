// Package factory creates and destroys the raw database connections handed
// out by the pool. The pool treats connections as opaque handles with
// cursor-style query operations plus Commit, Rollback and Close; everything
// driver-specific lives here.
//
// The SQL factory supports the sqlite3, mysql and pgx drivers. Each handle
// owns a dedicated database/sql connection so the pool's accounting is the
// only pooling layer in play.
package factory
