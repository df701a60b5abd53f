// Package monitor exposes a point-in-time view of process and store health.
package monitor

import (
	"context"
	"runtime"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
	"go.uber.org/zap"

	"github.com/t77yq/agent-orchestrator/internal/storage"
)

// Stats is one snapshot served on /api/stats
type Stats struct {
	UptimeSeconds     float64   `json:"uptime_seconds"`
	CPUPercent        float64   `json:"cpu_percent"`
	MemoryUsedPercent float64   `json:"memory_used_percent"`
	Goroutines        int       `json:"goroutines"`
	Jobs              int       `json:"jobs"`
	Runs              int       `json:"runs"`
	CollectedAt       time.Time `json:"collected_at"`
}

// Collector samples system metrics and store counters
type Collector struct {
	logger    *zap.Logger
	storage   *storage.Storage
	startedAt time.Time
}

// NewCollector creates a new stats collector
func NewCollector(st *storage.Storage, logger *zap.Logger) *Collector {
	return &Collector{
		logger:    logger.Named("monitor"),
		storage:   st,
		startedAt: time.Now(),
	}
}

// Snapshot collects a stats snapshot. Metric sampling failures degrade to
// zero values rather than failing the whole snapshot.
func (c *Collector) Snapshot(ctx context.Context) Stats {
	stats := Stats{
		UptimeSeconds: time.Since(c.startedAt).Seconds(),
		Goroutines:    runtime.NumGoroutine(),
		CollectedAt:   time.Now(),
	}

	if percents, err := cpu.Percent(0, false); err == nil && len(percents) > 0 {
		stats.CPUPercent = percents[0]
	} else if err != nil {
		c.logger.Warn("Failed to sample CPU", zap.Error(err))
	}

	if vm, err := mem.VirtualMemory(); err == nil {
		stats.MemoryUsedPercent = vm.UsedPercent
	} else {
		c.logger.Warn("Failed to sample memory", zap.Error(err))
	}

	if jobs, err := c.storage.CountJobs(ctx); err == nil {
		stats.Jobs = jobs
	}
	if runs, err := c.storage.CountRuns(ctx); err == nil {
		stats.Runs = runs
	}

	return stats
}
