package executor

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
	"go.uber.org/zap"

	"github.com/t77yq/taskbeat/internal/model"
)

// ResourceLimits defines host usage above which workers stop fetching
type ResourceLimits struct {
	MaxCPU    float64 // Maximum CPU usage in percentage, 0 disables
	MaxMemory float64 // Maximum memory usage in percentage, 0 disables
}

// Sampler reads current host usage
type Sampler func(ctx context.Context) (model.HostStats, error)

// ResourceGate holds worker slots back while the host is overloaded
type ResourceGate struct {
	logger   *zap.Logger
	limits   ResourceLimits
	sample   Sampler
	interval time.Duration
	running  atomic.Int64

	mu    sync.RWMutex
	stats model.HostStats
}

// NewResourceGate creates a gate sampling the host with gopsutil
func NewResourceGate(limits ResourceLimits, logger *zap.Logger) *ResourceGate {
	return &ResourceGate{
		logger:   logger.Named("resource-gate"),
		limits:   limits,
		sample:   SampleHost,
		interval: time.Second,
	}
}

// SampleHost collects CPU and memory usage of the host
func SampleHost(ctx context.Context) (model.HostStats, error) {
	stats := model.HostStats{CollectedAt: time.Now()}

	cpuPercent, err := cpu.PercentWithContext(ctx, 200*time.Millisecond, false)
	if err != nil {
		return stats, err
	}
	if len(cpuPercent) > 0 {
		stats.CPUUsage = cpuPercent[0]
	}

	memInfo, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return stats, err
	}
	stats.MemoryUsage = memInfo.UsedPercent

	return stats, nil
}

// Enabled reports whether any limit is configured
func (g *ResourceGate) Enabled() bool {
	return g.limits.MaxCPU > 0 || g.limits.MaxMemory > 0
}

// Wait blocks while sampled usage exceeds the limits. Sampling errors let
// the caller through.
func (g *ResourceGate) Wait(ctx context.Context) error {
	if !g.Enabled() {
		return ctx.Err()
	}

	for {
		stats, err := g.sample(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			g.logger.Warn("Failed to sample host resources", zap.Error(err))
			return nil
		}
		stats.RunningJobs = int(g.running.Load())

		g.mu.Lock()
		g.stats = stats
		g.mu.Unlock()

		if !g.overloaded(stats) {
			return nil
		}

		g.logger.Debug("Host overloaded, holding back",
			zap.Float64("cpu_usage", stats.CPUUsage),
			zap.Float64("memory_usage", stats.MemoryUsage),
			zap.Int("running_jobs", stats.RunningJobs))

		timer := time.NewTimer(g.interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

func (g *ResourceGate) overloaded(stats model.HostStats) bool {
	if g.limits.MaxCPU > 0 && stats.CPUUsage > g.limits.MaxCPU {
		return true
	}
	return g.limits.MaxMemory > 0 && stats.MemoryUsage > g.limits.MaxMemory
}

// Acquire and Release track jobs running on this host
func (g *ResourceGate) Acquire() { g.running.Add(1) }
func (g *ResourceGate) Release() { g.running.Add(-1) }

// Stats returns the last sample
func (g *ResourceGate) Stats() model.HostStats {
	g.mu.RLock()
	defer g.mu.RUnlock()
	stats := g.stats
	stats.RunningJobs = int(g.running.Load())
	return stats
}
