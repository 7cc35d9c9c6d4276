package metrics

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/disk"
	"github.com/shirou/gopsutil/v4/mem"
	"github.com/shirou/gopsutil/v4/process"
	"go.uber.org/zap"
)

// SystemMetrics holds current system metrics snapshot
type SystemMetrics struct {
	CPUPercent        float64 // System-wide CPU usage (0-100%)
	ProcessCPUPercent float64 // Can exceed 100% on multi-core
	IOWaitPercent     float64 // High = the run is disk bound
	MemoryUsedGB      float64
	MemoryTotalGB     float64
	MemoryPercent     float64
	DiskReadMBps      float64
	DiskWriteMBps     float64
	Timestamp         time.Time
}

// Collector periodically samples and logs system metrics while chunks are
// decoded and written
type Collector struct {
	interval time.Duration
	logger   *zap.Logger
	proc     *process.Process
	run      *Run

	lastDisk     map[string]disk.IOCountersStat
	lastDiskTime time.Time
	lastCPU      *cpu.TimesStat

	mu   sync.RWMutex
	last *SystemMetrics
}

// NewCollector creates a new metrics collector. When run is non-nil the
// process CPU and memory gauges are updated on every sample.
func NewCollector(interval time.Duration, logger *zap.Logger, run *Run) *Collector {
	if interval < time.Second {
		interval = 30 * time.Second
	}

	// Handle to this process for CPU tracking
	proc, _ := process.NewProcess(int32(os.Getpid()))

	return &Collector{
		interval: interval,
		logger:   logger,
		proc:     proc,
		run:      run,
	}
}

// Start begins periodic metrics collection. Returns when context is cancelled.
func (c *Collector) Start(ctx context.Context) {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	// First sample initializes the disk and CPU baselines
	c.Collect()

	for {
		select {
		case <-ctx.Done():
			c.logger.Debug("Metrics collection stopped")
			return
		case <-ticker.C:
			c.Collect()
		}
	}
}

// Last returns the last collected metrics, nil before the first sample
func (c *Collector) Last() *SystemMetrics {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.last
}

// Collect takes one sample, logs it and updates the run gauges
func (c *Collector) Collect() *SystemMetrics {
	m := &SystemMetrics{Timestamp: time.Now()}

	if pct, err := cpu.Percent(0, false); err == nil && len(pct) > 0 {
		m.CPUPercent = pct[0]
	}
	if c.proc != nil {
		if pct, err := c.proc.Percent(0); err == nil {
			m.ProcessCPUPercent = pct
		}
	}
	m.IOWaitPercent = c.ioWait()

	if vmem, err := mem.VirtualMemory(); err == nil {
		m.MemoryPercent = vmem.UsedPercent
		m.MemoryUsedGB = float64(vmem.Used) / (1 << 30)
		m.MemoryTotalGB = float64(vmem.Total) / (1 << 30)
	}
	m.DiskReadMBps, m.DiskWriteMBps = c.diskRates(m.Timestamp)

	c.mu.Lock()
	c.last = m
	c.mu.Unlock()

	if c.run != nil {
		c.run.ProcessCPU.Set(m.ProcessCPUPercent)
		c.run.MemoryUsed.Set(m.MemoryPercent)
	}

	c.logger.Info("System metrics",
		zap.Float64("sys_cpu", m.CPUPercent),
		zap.Float64("proc_cpu", m.ProcessCPUPercent),
		zap.Float64("iowait", m.IOWaitPercent),
		zap.Float64("mem_pct", m.MemoryPercent),
		zap.String("mem_used", fmt.Sprintf("%.1f GB", m.MemoryUsedGB)),
		zap.String("disk_r", fmt.Sprintf("%.1f MB/s", m.DiskReadMBps)),
		zap.String("disk_w", fmt.Sprintf("%.1f MB/s", m.DiskWriteMBps)),
	)
	return m
}

// ioWait returns the share of CPU time spent waiting on I/O since the
// previous sample
func (c *Collector) ioWait() float64 {
	times, err := cpu.Times(false)
	if err != nil || len(times) == 0 {
		return 0
	}
	cur := times[0]
	prev := c.lastCPU
	c.lastCPU = &cur
	if prev == nil {
		return 0
	}

	total := (cur.User - prev.User) +
		(cur.System - prev.System) +
		(cur.Idle - prev.Idle) +
		(cur.Iowait - prev.Iowait) +
		(cur.Irq - prev.Irq) +
		(cur.Softirq - prev.Softirq) +
		(cur.Steal - prev.Steal)
	if total <= 0 {
		return 0
	}
	return (cur.Iowait - prev.Iowait) / total * 100
}

// diskRates returns read and write MB/s summed over all disks since the
// previous sample
func (c *Collector) diskRates(now time.Time) (readMBps, writeMBps float64) {
	counters, err := disk.IOCounters()
	if err != nil {
		return 0, 0
	}
	prev, prevTime := c.lastDisk, c.lastDiskTime
	c.lastDisk, c.lastDiskTime = counters, now
	if prev == nil {
		return 0, 0
	}

	elapsed := now.Sub(prevTime).Seconds()
	if elapsed < 0.1 {
		return 0, 0
	}

	var read, write uint64
	for name, cur := range counters {
		last, ok := prev[name]
		if !ok {
			continue
		}
		// counters can wrap
		if cur.ReadBytes >= last.ReadBytes {
			read += cur.ReadBytes - last.ReadBytes
		}
		if cur.WriteBytes >= last.WriteBytes {
			write += cur.WriteBytes - last.WriteBytes
		}
	}
	return float64(read) / elapsed / (1 << 20), float64(write) / elapsed / (1 << 20)
}
