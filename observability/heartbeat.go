package observability

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"runtime"
	"time"
)

// RuntimeMetrics captures Go process health at a point in time.
type RuntimeMetrics struct {
	GoroutinesCount int
	MemoryAllocMB   float64
	MemorySysMB     float64
	GCCount         uint32
}

// CollectRuntimeMetrics reads current Go runtime stats (~10µs overhead).
func CollectRuntimeMetrics() RuntimeMetrics {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)
	return RuntimeMetrics{
		GoroutinesCount: runtime.NumGoroutine(),
		MemoryAllocMB:   float64(mem.Alloc) / 1024 / 1024,
		MemorySysMB:     float64(mem.Sys) / 1024 / 1024,
		GCCount:         mem.NumGC,
	}
}

// HeartbeatWriter writes periodic liveness probes to the worker_heartbeats
// table. The ronde tick loop runs one so operators can tell a stalled
// scheduler from an idle one.
type HeartbeatWriter struct {
	db         *sql.DB
	workerName string
	hostname   string
	workerPID  int
	interval   time.Duration
	stop       chan struct{}
	done       chan struct{}
}

// NewHeartbeatWriter creates a writer. Recommended interval: 15s.
func NewHeartbeatWriter(db *sql.DB, workerName string, interval time.Duration) *HeartbeatWriter {
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown"
	}
	return &HeartbeatWriter{
		db:         db,
		workerName: workerName,
		hostname:   hostname,
		workerPID:  os.Getpid(),
		interval:   interval,
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
	}
}

// Start launches the heartbeat goroutine. It writes one heartbeat
// immediately, then repeats at the configured interval until Stop or
// context cancellation.
func (hw *HeartbeatWriter) Start(ctx context.Context) {
	go hw.loop(ctx)
}

// WriteHeartbeat writes a single heartbeat row with current runtime metrics.
func (hw *HeartbeatWriter) WriteHeartbeat() error {
	m := CollectRuntimeMetrics()
	_, err := hw.db.Exec(`
		INSERT INTO worker_heartbeats (
			worker_name, hostname, worker_pid, timestamp,
			goroutines_count, memory_alloc_mb, memory_sys_mb, gc_count
		) VALUES (?,?,?,?,?,?,?,?)`,
		hw.workerName, hw.hostname, hw.workerPID, time.Now().Unix(),
		m.GoroutinesCount, m.MemoryAllocMB, m.MemorySysMB, m.GCCount)
	if err != nil {
		return fmt.Errorf("insert heartbeat: %w", err)
	}
	return nil
}

// Stop signals the heartbeat goroutine to exit and waits for it.
func (hw *HeartbeatWriter) Stop() {
	close(hw.stop)
	<-hw.done
}

func (hw *HeartbeatWriter) loop(ctx context.Context) {
	defer close(hw.done)
	ticker := time.NewTicker(hw.interval)
	defer ticker.Stop()

	// Immediate first heartbeat.
	if err := hw.WriteHeartbeat(); err != nil {
		slog.Error("heartbeat write failed", "error", err, "worker", hw.workerName)
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-hw.stop:
			return
		case <-ticker.C:
			if err := hw.WriteHeartbeat(); err != nil {
				slog.Error("heartbeat write failed", "error", err, "worker", hw.workerName)
			}
		}
	}
}
