package factory

import (
	"context"
	"database/sql"
	"sync"
)

// sqlConn is a Conn over a dedicated *sql.DB. Writes run inside an implicit
// transaction opened on the first Exec and ended by Commit or Rollback.
// Reads outside a transaction go straight to the database, which is what
// makes the shared read-only handle safe to use from several goroutines.
type sqlConn struct {
	db  *sql.DB
	iso sql.IsolationLevel

	mu sync.Mutex
	tx *sql.Tx
}

// begin opens the implicit transaction if none is active. Caller holds mu.
func (c *sqlConn) begin() error {
	if c.tx != nil {
		return nil
	}
	tx, err := c.db.BeginTx(context.Background(), &sql.TxOptions{Isolation: c.iso})
	if err != nil {
		return err
	}
	c.tx = tx
	return nil
}

func (c *sqlConn) Exec(query string, args ...any) (sql.Result, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.begin(); err != nil {
		return nil, err
	}
	return c.tx.Exec(query, args...)
}

func (c *sqlConn) Query(query string, args ...any) (*sql.Rows, error) {
	c.mu.Lock()
	tx := c.tx
	c.mu.Unlock()
	if tx != nil {
		return tx.Query(query, args...)
	}
	return c.db.Query(query, args...)
}

func (c *sqlConn) QueryRow(query string, args ...any) *sql.Row {
	c.mu.Lock()
	tx := c.tx
	c.mu.Unlock()
	if tx != nil {
		return tx.QueryRow(query, args...)
	}
	return c.db.QueryRow(query, args...)
}

// Commit ends the implicit transaction. With no transaction open there is
// nothing to commit and this is a no-op.
func (c *sqlConn) Commit() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.tx == nil {
		return nil
	}
	err := c.tx.Commit()
	c.tx = nil
	return err
}

// Rollback discards the implicit transaction, if any.
func (c *sqlConn) Rollback() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.tx == nil {
		return nil
	}
	err := c.tx.Rollback()
	c.tx = nil
	return err
}

// Close rolls back any open transaction and closes the connection.
func (c *sqlConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.tx != nil {
		_ = c.tx.Rollback()
		c.tx = nil
	}
	return c.db.Close()
}
