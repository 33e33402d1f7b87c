// Package config provides configuration loading for the antipool library
// and the poolbench driver. Configuration is read from an optional YAML
// file, overridden by ANTIPOOL_* environment variables, and validated.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config is the top-level configuration for a pool and its tooling
type Config struct {
	Database DatabaseConfig `yaml:"database"`
	Pool     PoolConfig     `yaml:"pool"`
	Logging  LoggingConfig  `yaml:"logging"`
	Bench    BenchConfig    `yaml:"bench"`
}

// DatabaseConfig describes how the factory connects to the backing store
type DatabaseConfig struct {
	Driver string `yaml:"driver"` // sqlite3 | mysql | pgx
	DSN    string `yaml:"dsn"`

	// ReadOnlyDSN, when set, is used for read-only connections so they can
	// run under a less privileged database principal.
	ReadOnlyDSN string `yaml:"read_only_dsn"`

	// IsolationLevel is applied to every transaction the factory opens.
	// Empty means the driver default.
	IsolationLevel string `yaml:"isolation_level"` // "" | read-committed | repeatable-read | serializable
}

// PoolConfig holds the pool sizing and lifecycle knobs
type PoolConfig struct {
	// MinIdle is the floor of warm idle connections the scale-down pass
	// never evicts.
	MinIdle int `yaml:"min_idle"`

	// MaxLive caps the number of live read-write connections. Zero means
	// unbounded. The shared read-only connection is not counted, so a
	// bounded pool may hold up to MaxLive+1 real connections.
	MaxLive int `yaml:"max_live"`

	// KeepAliveSeconds is the minimum idle time before a connection above
	// the MinIdle floor becomes eligible for eviction.
	KeepAliveSeconds float64 `yaml:"keep_alive_seconds"`

	// DisableReadOnlySharing routes read-only acquisitions through the
	// bounded pool instead of the shared singleton.
	DisableReadOnlySharing bool `yaml:"disable_read_only_sharing"`

	// AcquireTimeoutSeconds bounds the wait when the pool is exhausted.
	// Zero keeps the default behavior of waiting indefinitely.
	AcquireTimeoutSeconds float64 `yaml:"acquire_timeout_seconds"`

	// DebugLogging enables acquire/release traces at debug level.
	DebugLogging bool `yaml:"debug_logging"`
}

// LoggingConfig represents logging settings
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// BenchConfig holds settings for the poolbench simulation driver
type BenchConfig struct {
	Workers         int     `yaml:"workers"`
	DurationSeconds float64 `yaml:"duration_seconds"`
	ReadRatio       float64 `yaml:"read_ratio"`        // probability an operation is read-only
	ForgetRatio     float64 `yaml:"forget_ratio"`      // probability a worker forgets to release
	MaxWaitSeconds  float64 `yaml:"max_wait_seconds"`  // max pause between operations
	HoldSeconds     float64 `yaml:"hold_seconds"`      // how long a connection is held per operation
	HTTPAddr        string  `yaml:"http_addr"`         // stats endpoint address, empty disables it
}

// DefaultConfig returns default configuration
func DefaultConfig() *Config {
	return &Config{
		Database: DatabaseConfig{
			Driver: "sqlite3",
			DSN:    "./antipool.db",
		},
		Pool: PoolConfig{
			MinIdle:          5,
			MaxLive:          0,
			KeepAliveSeconds: 5,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
		Bench: BenchConfig{
			Workers:         10,
			DurationSeconds: 10,
			ReadRatio:       0.8,
			ForgetRatio:     0,
			MaxWaitSeconds:  2.0,
			HoldSeconds:     0.1,
		},
	}
}

// LoadConfig loads configuration from file and environment variables
func LoadConfig(configPath string) (*Config, error) {
	config := DefaultConfig()

	// Load from file if provided
	if configPath != "" {
		if err := loadFromFile(configPath, config); err != nil {
			return nil, fmt.Errorf("failed to load config file: %w", err)
		}
	}

	// Override with environment variables
	applyEnvOverrides(config)

	// Validate configuration
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return config, nil
}

// loadFromFile loads configuration from a YAML file
func loadFromFile(path string, config *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	if err := yaml.Unmarshal(data, config); err != nil {
		return err
	}

	return nil
}

// applyEnvOverrides applies environment variable overrides
func applyEnvOverrides(config *Config) {
	if driver := os.Getenv("ANTIPOOL_DB_DRIVER"); driver != "" {
		config.Database.Driver = driver
	}

	if dsn := os.Getenv("ANTIPOOL_DB_DSN"); dsn != "" {
		config.Database.DSN = dsn
	}

	if roDSN := os.Getenv("ANTIPOOL_DB_RO_DSN"); roDSN != "" {
		config.Database.ReadOnlyDSN = roDSN
	}

	if iso := os.Getenv("ANTIPOOL_DB_ISOLATION"); iso != "" {
		config.Database.IsolationLevel = iso
	}

	if minIdle := os.Getenv("ANTIPOOL_MIN_IDLE"); minIdle != "" {
		if val, err := strconv.Atoi(minIdle); err == nil {
			config.Pool.MinIdle = val
		}
	}

	if maxLive := os.Getenv("ANTIPOOL_MAX_LIVE"); maxLive != "" {
		if val, err := strconv.Atoi(maxLive); err == nil {
			config.Pool.MaxLive = val
		}
	}

	if keepAlive := os.Getenv("ANTIPOOL_KEEP_ALIVE_SECONDS"); keepAlive != "" {
		if val, err := strconv.ParseFloat(keepAlive, 64); err == nil {
			config.Pool.KeepAliveSeconds = val
		}
	}

	if disableRO := os.Getenv("ANTIPOOL_DISABLE_RO_SHARING"); disableRO != "" {
		config.Pool.DisableReadOnlySharing = disableRO == "true"
	}

	if logLevel := os.Getenv("ANTIPOOL_LOG_LEVEL"); logLevel != "" {
		config.Logging.Level = logLevel
	}

	if logFormat := os.Getenv("ANTIPOOL_LOG_FORMAT"); logFormat != "" {
		config.Logging.Format = logFormat
	}
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Database.Driver == "" {
		return fmt.Errorf("database driver cannot be empty")
	}

	if c.Database.DSN == "" {
		return fmt.Errorf("database dsn cannot be empty")
	}

	if !isValidIsolationLevel(c.Database.IsolationLevel) {
		return fmt.Errorf("invalid isolation level: %s", c.Database.IsolationLevel)
	}

	if c.Pool.MinIdle < 0 {
		return fmt.Errorf("pool min_idle cannot be negative")
	}

	if c.Pool.MaxLive < 0 {
		return fmt.Errorf("pool max_live cannot be negative")
	}

	if c.Pool.MaxLive > 0 && c.Pool.MinIdle > c.Pool.MaxLive {
		return fmt.Errorf("pool min_idle (%d) cannot exceed max_live (%d)",
			c.Pool.MinIdle, c.Pool.MaxLive)
	}

	if c.Pool.KeepAliveSeconds < 0 {
		return fmt.Errorf("pool keep_alive_seconds cannot be negative")
	}

	if c.Pool.AcquireTimeoutSeconds < 0 {
		return fmt.Errorf("pool acquire_timeout_seconds cannot be negative")
	}

	if !isValidLogLevel(c.Logging.Level) {
		return fmt.Errorf("invalid log level: %s", c.Logging.Level)
	}

	return nil
}

// isValidIsolationLevel checks the isolation level name
func isValidIsolationLevel(level string) bool {
	switch strings.ToLower(level) {
	case "", "read-committed", "repeatable-read", "serializable":
		return true
	}
	return false
}

// isValidLogLevel checks if the log level is valid
func isValidLogLevel(level string) bool {
	valid := []string{"debug", "info", "warn", "error"}
	level = strings.ToLower(level)
	for _, v := range valid {
		if level == v {
			return true
		}
	}
	return false
}

// String returns a string representation of the configuration (for logging)
func (c *Config) String() string {
	return fmt.Sprintf("Config{Driver: %s, MinIdle: %d, MaxLive: %d, KeepAlive: %.1fs, ROSharing: %v}",
		c.Database.Driver, c.Pool.MinIdle, c.Pool.MaxLive,
		c.Pool.KeepAliveSeconds, !c.Pool.DisableReadOnlySharing)
}
