// poolbench is a multi-goroutine simulation driver for the connection pool.
// It hammers a database with a configurable mix of read-only and read-write
// traffic, optionally serving live pool statistics over HTTP, and finalizes
// the pool at the end so accounting violations surface.
package main

import (
	"flag"
	"fmt"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"antipool/pkg/config"
	"antipool/pkg/factory"
	"antipool/pkg/health"
	"antipool/pkg/logger"
	"antipool/pkg/pool"

	"github.com/gin-gonic/gin"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
)

var names = []string{
	"martin", "cyriaque", "pierre", "mathieu",
	"marie-claude", "eric", "normand", "christine", "emric",
}

// counters aggregates what the workers did
type counters struct {
	reads   atomic.Int64
	writes  atomic.Int64
	errors  atomic.Int64
	leaked  atomic.Int64
	forgets atomic.Int64
}

func main() {
	configPath := flag.String("config", "", "Config file path (optional)")
	driver := flag.String("driver", "", "Database driver: sqlite3, mysql or pgx")
	dsn := flag.String("dsn", "", "Database DSN")
	workers := flag.Int("workers", 0, "Number of worker goroutines")
	duration := flag.Float64("duration", 0, "Total time for the experiment in seconds")
	readRatio := flag.Float64("read-ratio", -1, "Probability an operation is read-only")
	forgetRatio := flag.Float64("forget-ratio", -1, "Probability a worker forgets to release")
	maxWait := flag.Float64("max-wait", -1, "Maximum pause between operations in seconds")
	hold := flag.Float64("hold", -1, "Time to hold a connection per operation in seconds")
	minIdle := flag.Int("min-idle", -1, "Minimum idle connections kept warm")
	maxLive := flag.Int("max-live", -1, "Maximum live connections, 0 for unbounded")
	keepAlive := flag.Float64("keep-alive", -1, "Idle seconds before a connection may be evicted")
	disableRO := flag.Bool("disable-ro", false, "Disable the shared read-only connection")
	debug := flag.Bool("debug", false, "Enable pool debug logging")
	httpAddr := flag.String("http", "", "Serve live stats on this address (e.g. :8080)")
	logLevel := flag.String("log-level", "", "Log level: debug, info, warn, error")
	logFormat := flag.String("log-format", "", "Log format: text or json")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "poolbench: %v\n", err)
		os.Exit(1)
	}

	// Flags set on the command line win over file and environment.
	flag.Visit(func(fl *flag.Flag) {
		switch fl.Name {
		case "driver":
			cfg.Database.Driver = *driver
		case "dsn":
			cfg.Database.DSN = *dsn
		case "workers":
			cfg.Bench.Workers = *workers
		case "duration":
			cfg.Bench.DurationSeconds = *duration
		case "read-ratio":
			cfg.Bench.ReadRatio = *readRatio
		case "forget-ratio":
			cfg.Bench.ForgetRatio = *forgetRatio
		case "max-wait":
			cfg.Bench.MaxWaitSeconds = *maxWait
		case "hold":
			cfg.Bench.HoldSeconds = *hold
		case "min-idle":
			cfg.Pool.MinIdle = *minIdle
		case "max-live":
			cfg.Pool.MaxLive = *maxLive
		case "keep-alive":
			cfg.Pool.KeepAliveSeconds = *keepAlive
		case "disable-ro":
			cfg.Pool.DisableReadOnlySharing = *disableRO
		case "debug":
			cfg.Pool.DebugLogging = *debug
		case "http":
			cfg.Bench.HTTPAddr = *httpAddr
		case "log-level":
			cfg.Logging.Level = *logLevel
		case "log-format":
			cfg.Logging.Format = *logFormat
		}
	})
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "poolbench: %v\n", err)
		os.Exit(1)
	}
	if cfg.Pool.DebugLogging && cfg.Logging.Level == "info" {
		cfg.Logging.Level = "debug"
	}

	logger.Init(logger.LogLevel(cfg.Logging.Level), cfg.Logging.Format)
	log := logger.Get().With("component", "poolbench")
	log.Info("starting", "config", cfg.String(),
		"workers", cfg.Bench.Workers, "duration_seconds", cfg.Bench.DurationSeconds)

	if err := run(cfg, log); err != nil {
		log.ErrorWithErr("bench failed", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, log *logger.Logger) error {
	f, err := factory.NewSQL(cfg.Database)
	if err != nil {
		return err
	}

	p, err := pool.New(f, cfg.Pool)
	if err != nil {
		return err
	}

	var stats counters
	p.SetUnreleasedHandleHook(func() {
		stats.leaked.Add(1)
		log.Warn("handle was never released; returned by the safety net")
	})

	if err := seedSchema(p); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}

	if cfg.Bench.HTTPAddr != "" {
		srv := statsServer(cfg.Bench.HTTPAddr, p, &stats)
		defer srv.Close()
		log.Info("serving live stats", "addr", cfg.Bench.HTTPAddr)
	}

	stop := make(chan struct{})
	var wg sync.WaitGroup
	for i := 0; i < cfg.Bench.Workers; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			work(id, p, cfg.Bench, stop, &stats)
		}(i)
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-time.After(time.Duration(cfg.Bench.DurationSeconds * float64(time.Second))):
	case s := <-sig:
		log.Info("interrupted", "signal", s.String())
	}
	close(stop)
	wg.Wait()

	poolStats := p.Stats()
	log.Info("run complete",
		"reads", stats.reads.Load(),
		"writes", stats.writes.Load(),
		"errors", stats.errors.Load(),
		"forgotten", stats.forgets.Load(),
		"flagged_leaks", stats.leaked.Load(),
		"idle", poolStats.Idle,
		"live", poolStats.Live)

	return finalize(p, log)
}

// finalize drains the pool, converting invariant panics (leaked handles the
// collector never flushed) into an error so the summary above still prints.
func finalize(p *pool.Pool, log *logger.Logger) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("finalize: %v", r)
		}
	}()
	p.Finalize()
	log.Info("finalized cleanly")
	return nil
}

// seedSchema creates the table the workers write to.
func seedSchema(p *pool.Pool) error {
	return p.With(false, func(h *pool.Handle) error {
		if _, err := h.Exec(`CREATE TABLE IF NOT EXISTS things (
			name TEXT,
			worker TEXT
		)`); err != nil {
			return err
		}
		return h.Commit()
	})
}

// work runs one worker's acquire/operate/release loop until stopped.
func work(id int, p *pool.Pool, cfg config.BenchConfig, stop <-chan struct{}, stats *counters) {
	rng := rand.New(rand.NewSource(time.Now().UnixNano() + int64(id)))
	worker := fmt.Sprintf("worker-%d", id)

	for {
		select {
		case <-stop:
			return
		case <-time.After(time.Duration(rng.Float64() * cfg.MaxWaitSeconds * float64(time.Second))):
		}

		var err error
		if rng.Float64() < cfg.ReadRatio {
			err = readOp(p, rng, cfg, stats)
			stats.reads.Add(1)
		} else {
			err = writeOp(p, rng, worker, cfg, stats)
			stats.writes.Add(1)
		}
		if err != nil {
			stats.errors.Add(1)
			logger.Get().Warn("operation failed", "worker", worker, "error", err)
		}
	}
}

func readOp(p *pool.Pool, rng *rand.Rand, cfg config.BenchConfig, stats *counters) error {
	h, err := p.AcquireReadOnly()
	if err != nil {
		return err
	}
	released := maybeForget(h, rng, cfg, stats)
	defer released()

	rows, err := h.Query(`SELECT name FROM things LIMIT ?`, rng.Intn(5)+1)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return err
		}
	}
	hold(cfg)
	return rows.Err()
}

func writeOp(p *pool.Pool, rng *rand.Rand, worker string, cfg config.BenchConfig, stats *counters) error {
	h, err := p.Acquire()
	if err != nil {
		return err
	}
	released := maybeForget(h, rng, cfg, stats)
	defer released()

	name := names[rng.Intn(len(names))]
	if _, err := h.Exec(`INSERT INTO things (name, worker) VALUES (?, ?)`, name, worker); err != nil {
		return err
	}
	if err := h.Commit(); err != nil {
		return err
	}
	hold(cfg)
	return nil
}

// maybeForget returns the release function for a handle, or a no-op when
// the worker is simulating a forgotten release (exercising the safety net).
func maybeForget(h *pool.Handle, rng *rand.Rand, cfg config.BenchConfig, stats *counters) func() {
	if rng.Float64() < cfg.ForgetRatio {
		stats.forgets.Add(1)
		return func() {}
	}
	return func() { h.Release() }
}

func hold(cfg config.BenchConfig) {
	if cfg.HoldSeconds > 0 {
		time.Sleep(time.Duration(cfg.HoldSeconds * float64(time.Second)))
	}
}

// statsServer exposes live pool and system readings over HTTP.
func statsServer(addr string, p *pool.Pool, stats *counters) *http.Server {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	monitor := health.NewMonitor(p)

	router.GET("/stats", func(c *gin.Context) {
		cpuPct, _ := cpu.Percent(0, false)
		var cpuUsed float64
		if len(cpuPct) > 0 {
			cpuUsed = cpuPct[0]
		}
		var memUsed float64
		if vm, err := mem.VirtualMemory(); err == nil {
			memUsed = vm.UsedPercent
		}

		c.JSON(http.StatusOK, gin.H{
			"pool": p.Stats(),
			"ops": gin.H{
				"reads":     stats.reads.Load(),
				"writes":    stats.writes.Load(),
				"errors":    stats.errors.Load(),
				"forgotten": stats.forgets.Load(),
				"leaked":    stats.leaked.Load(),
			},
			"system": gin.H{
				"cpu_percent":      cpuUsed,
				"mem_used_percent": memUsed,
			},
		})
	})

	router.GET("/healthz", func(c *gin.Context) {
		snap := monitor.Check()
		status := http.StatusOK
		if snap.Status != health.StatusHealthy {
			status = http.StatusServiceUnavailable
		}
		c.JSON(status, snap)
	})

	srv := &http.Server{Addr: addr, Handler: router}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Get().ErrorWithErr("stats server failed", err)
		}
	}()
	return srv
}
