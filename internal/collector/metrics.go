package collector

import (
	"context"
	"fmt"
	"os"
	"runtime"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/load"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/process"
	"go.uber.org/zap"

	"github.com/breeze-rmm/voicetask/pkg/models"
)

// ServiceCollector reports resource usage of this process and its host.
type ServiceCollector struct {
	BaseCollector
	version   string
	startedAt time.Time
	pid       int32
	// cpuInterval is how long host CPU sampling blocks. Zero compares
	// against the previous call.
	cpuInterval time.Duration
}

// NewServiceCollector creates a collector for the current process.
func NewServiceCollector(version string, logger *zap.Logger) *ServiceCollector {
	return &ServiceCollector{
		BaseCollector: NewBaseCollector(logger),
		version:       version,
		startedAt:     time.Now().UTC(),
		pid:           int32(os.Getpid()),
	}
}

// Name returns the collector's name
func (s *ServiceCollector) Name() string {
	return "service"
}

// Collect implements Collector.
func (s *ServiceCollector) Collect(ctx context.Context) (any, error) {
	return s.Status(ctx)
}

// Status gathers a snapshot. It fails only when every source fails.
func (s *ServiceCollector) Status(ctx context.Context) (models.ServiceStatus, error) {
	status := models.ServiceStatus{
		Status:        "ok",
		Version:       s.version,
		StartedAt:     s.startedAt,
		UptimeSeconds: int64(time.Since(s.startedAt).Seconds()),
		Goroutines:    runtime.NumGoroutine(),
	}
	var failures []string

	proc, err := s.collectProcess(ctx)
	if err != nil {
		s.LogWarning("Failed to collect process metrics", zap.Error(err))
		failures = append(failures, fmt.Sprintf("process: %v", err))
	} else {
		status.Process = proc
	}

	host, err := s.collectHost(ctx)
	if err != nil {
		s.LogWarning("Failed to collect host metrics", zap.Error(err))
		failures = append(failures, fmt.Sprintf("host: %v", err))
	} else {
		status.Host = host
	}

	s.LogDebug("Status collection completed",
		zap.Uint64("rss", status.Process.RSSBytes),
		zap.Float64("hostMemUsed", status.Host.MemUsedPct),
		zap.Int("errors", len(failures)))

	if len(failures) == 2 {
		status.Status = "degraded"
		return status, fmt.Errorf("all status collectors failed: %v", failures)
	}
	return status, nil
}

func (s *ServiceCollector) collectProcess(ctx context.Context) (models.ProcessMetrics, error) {
	var metrics models.ProcessMetrics

	p, err := process.NewProcessWithContext(ctx, s.pid)
	if err != nil {
		return metrics, fmt.Errorf("failed to open process %d: %w", s.pid, err)
	}

	memInfo, err := p.MemoryInfoWithContext(ctx)
	if err != nil {
		return metrics, fmt.Errorf("failed to get process memory: %w", err)
	}
	metrics.RSSBytes = memInfo.RSS

	if pct, err := p.CPUPercentWithContext(ctx); err != nil {
		s.LogWarning("Failed to get process CPU percentage", zap.Error(err))
	} else {
		metrics.CPUPct = pct
	}

	if threads, err := p.NumThreadsWithContext(ctx); err != nil {
		s.LogWarning("Failed to get process thread count", zap.Error(err))
	} else {
		metrics.Threads = threads
	}

	return metrics, nil
}

func (s *ServiceCollector) collectHost(ctx context.Context) (models.HostMetrics, error) {
	var metrics models.HostMetrics

	vmem, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return metrics, fmt.Errorf("failed to get memory stats: %w", err)
	}
	metrics.MemUsedPct = vmem.UsedPercent
	metrics.MemAvailable = vmem.Available

	percentages, err := cpu.PercentWithContext(ctx, s.cpuInterval, false)
	if err != nil {
		s.LogWarning("Failed to get CPU percentage", zap.Error(err))
	} else if len(percentages) > 0 {
		metrics.CPUPct = percentages[0]
	}

	// Load average is unavailable on Windows.
	if runtime.GOOS != "windows" {
		if avg, err := load.AvgWithContext(ctx); err != nil {
			s.LogWarning("Failed to get load average", zap.Error(err))
		} else {
			metrics.LoadAvg1 = avg.Load1
		}
	}

	return metrics, nil
}
