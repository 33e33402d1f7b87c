package factory

import (
	"database/sql"
	"fmt"
	"strings"

	"antipool/pkg/config"
	"antipool/pkg/errors"
	"antipool/pkg/logger"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/mattn/go-sqlite3"
)

// Conn is the opaque connection handle the pool manages. Query operations
// delegate to the underlying driver; Commit and Rollback end the implicit
// transaction opened by the first Exec.
type Conn interface {
	Exec(query string, args ...any) (sql.Result, error)
	Query(query string, args ...any) (*sql.Rows, error)
	QueryRow(query string, args ...any) *sql.Row
	Commit() error
	Rollback() error
	Close() error
}

// Factory creates and destroys connection handles on behalf of the pool.
type Factory interface {
	// Create opens a new connection. When readOnly is true and a distinct
	// read-only principal is configured, it connects as that principal.
	Create(readOnly bool) (Conn, error)

	// Destroy closes a connection. Close failures are logged, not
	// returned: a failed close must never prevent other handles from
	// being cleaned up.
	Destroy(conn Conn)

	// SharableReadOnly reports whether a single handle may be used by
	// several goroutines at once. It is a static property of the
	// resource type; the pool disables read-only sharing when false.
	SharableReadOnly() bool
}

// SQL is a Factory backed by database/sql.
type SQL struct {
	cfg config.DatabaseConfig
	iso sql.IsolationLevel
}

// NewSQL creates a factory for the configured driver and DSN.
func NewSQL(cfg config.DatabaseConfig) (*SQL, error) {
	switch cfg.Driver {
	case "sqlite3", "mysql", "pgx":
	default:
		return nil, fmt.Errorf("%w: %s", errors.ErrUnsupportedDriver, cfg.Driver)
	}

	iso, err := parseIsolationLevel(cfg.IsolationLevel)
	if err != nil {
		return nil, err
	}

	return &SQL{cfg: cfg, iso: iso}, nil
}

// Create opens a new connection and verifies it with a ping, so connect
// errors surface here rather than on first use.
func (f *SQL) Create(readOnly bool) (Conn, error) {
	dsn := f.cfg.DSN
	if readOnly && f.cfg.ReadOnlyDSN != "" {
		dsn = f.cfg.ReadOnlyDSN
	}

	db, err := sql.Open(f.cfg.Driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errors.ErrConnectionFailed, err)
	}

	// One underlying connection per handle; the pool is the only layer
	// doing reuse and accounting.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: %v", errors.ErrConnectionFailed, err)
	}

	return &sqlConn{db: db, iso: f.iso}, nil
}

// Destroy closes a connection, best effort.
func (f *SQL) Destroy(conn Conn) {
	if conn == nil {
		return
	}
	if err := conn.Close(); err != nil {
		logger.Get().Warn("failed to close connection", "error", err)
	}
}

// SharableReadOnly is true for database/sql backends: *sql.DB serializes
// access to its single underlying connection across goroutines.
func (f *SQL) SharableReadOnly() bool {
	return true
}

// parseIsolationLevel maps the configured name to a database/sql level
func parseIsolationLevel(level string) (sql.IsolationLevel, error) {
	switch strings.ToLower(level) {
	case "":
		return sql.LevelDefault, nil
	case "read-committed":
		return sql.LevelReadCommitted, nil
	case "repeatable-read":
		return sql.LevelRepeatableRead, nil
	case "serializable":
		return sql.LevelSerializable, nil
	default:
		return sql.LevelDefault, fmt.Errorf("%w: unknown isolation level %q",
			errors.ErrInvalidConfig, level)
	}
}
