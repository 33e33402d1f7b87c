// Package health produces health snapshots combining pool accounting with
// Go runtime readings, for exposure by tooling such as poolbench.
package health

import (
	"runtime"
	"time"

	"antipool/pkg/pool"
)

// Status represents the health status of the pool
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusSaturated Status = "saturated"
)

// Snapshot is a point-in-time health report
type Snapshot struct {
	Status     Status     `json:"status"`
	Uptime     int64      `json:"uptime_seconds"`
	Timestamp  time.Time  `json:"timestamp"`
	Goroutines int        `json:"goroutines"`
	MemoryMB   uint64     `json:"memory_mb"`
	Pool       pool.Stats `json:"pool"`
}

// Monitor reports on a pool's health
type Monitor struct {
	pool      *pool.Pool
	startTime time.Time
}

// NewMonitor creates a monitor for the given pool
func NewMonitor(p *pool.Pool) *Monitor {
	return &Monitor{
		pool:      p,
		startTime: time.Now(),
	}
}

// Check returns the current health snapshot. The pool is saturated when it
// is bounded, at its ceiling, and has nothing idle: new acquirers block.
func (m *Monitor) Check() *Snapshot {
	stats := m.pool.Stats()

	status := StatusHealthy
	if stats.MaxLive > 0 && stats.Live >= stats.MaxLive && stats.Idle == 0 {
		status = StatusSaturated
	}

	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	return &Snapshot{
		Status:     status,
		Uptime:     int64(time.Since(m.startTime).Seconds()),
		Timestamp:  time.Now(),
		Goroutines: runtime.NumGoroutine(),
		MemoryMB:   mem.Alloc / 1024 / 1024,
		Pool:       stats,
	}
}
