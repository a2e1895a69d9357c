// Package metrics implements the Metrics Collector and Rule Engine: the
// sampling worker that produces a MetricSample on a fixed interval and the
// stateless-per-tick evaluator that turns a sample into RuleViolations.
package metrics

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/disk"
	"github.com/shirou/gopsutil/v4/load"
	"github.com/shirou/gopsutil/v4/mem"
	gnet "github.com/shirou/gopsutil/v4/net"
	"github.com/shirou/gopsutil/v4/process"

	"github.com/opsagent/agent/internal/types"
)

// Collector produces one MetricSample per call, reflecting the current
// host. The intrinsic driver implements it and feeds the Rule Engine; the
// external alert-feed driver (NetdataCollector) does not implement it and
// returns violations directly from Poll instead.
type Collector interface {
	Collect(ctx context.Context) (types.MetricSample, error)
}

const topN = 5

// IntrinsicCollector samples host metrics directly via gopsutil. Rate
// fields (network rx/tx/error, disk I/O) require a previous sample; the
// first call emits zero rates.
type IntrinsicCollector struct {
	serverID string

	mu       sync.Mutex
	prevAt   time.Time
	prevNet  gnet.IOCountersStat
	prevDisk map[string]disk.IOCountersStat
	haveNet  bool
	haveDisk bool
}

// NewIntrinsicCollector returns a Collector that samples the local host.
func NewIntrinsicCollector(serverID string) *IntrinsicCollector {
	return &IntrinsicCollector{serverID: serverID}
}

func (c *IntrinsicCollector) Collect(ctx context.Context) (types.MetricSample, error) {
	now := time.Now()
	sample := types.MetricSample{Timestamp: now, ServerID: c.serverID}

	cpuMetrics, err := c.collectCPU(ctx)
	if err != nil {
		return types.MetricSample{}, err
	}
	sample.CPU = cpuMetrics

	memMetrics, err := c.collectMemory(ctx)
	if err != nil {
		return types.MetricSample{}, err
	}
	sample.Memory = memMetrics

	diskMetrics, err := c.collectDisk(ctx, now)
	if err != nil {
		return types.MetricSample{}, err
	}
	sample.Disk = diskMetrics

	netMetrics, err := c.collectNetwork(ctx, now)
	if err != nil {
		return types.MetricSample{}, err
	}
	sample.Network = netMetrics

	procMetrics, err := c.collectProcesses(ctx)
	if err != nil {
		return types.MetricSample{}, err
	}
	sample.Processes = procMetrics

	sample.FileDescriptors = collectFileDescriptors()

	return sample, nil
}

func (c *IntrinsicCollector) collectCPU(ctx context.Context) (types.CPUMetrics, error) {
	pct, err := cpu.PercentWithContext(ctx, 0, false)
	if err != nil {
		return types.CPUMetrics{}, err
	}
	var usage float64
	if len(pct) > 0 {
		usage = pct[0]
	}

	avg, err := load.AvgWithContext(ctx)
	if err != nil {
		return types.CPUMetrics{}, err
	}

	m := types.CPUMetrics{
		Usage:  usage,
		Load1:  avg.Load1,
		Load5:  avg.Load5,
		Load15: avg.Load15,
	}

	if times, err := cpu.TimesWithContext(ctx, false); err == nil && len(times) > 0 {
		t := times[0]
		total := t.User + t.System + t.Idle + t.Iowait + t.Nice + t.Irq + t.Softirq + t.Steal
		if total > 0 {
			m.IOWait = (t.Iowait / total) * 100
		}
	}

	return m, nil
}

func (c *IntrinsicCollector) collectMemory(ctx context.Context) (types.MemoryMetrics, error) {
	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return types.MemoryMetrics{}, err
	}
	m := types.MemoryMetrics{
		UsedPct:      vm.UsedPercent,
		AvailablePct: 100 - vm.UsedPercent,
	}
	if swap, err := mem.SwapMemoryWithContext(ctx); err == nil {
		m.SwapPct = swap.UsedPercent
	}
	return m, nil
}

func (c *IntrinsicCollector) collectDisk(ctx context.Context, now time.Time) (types.DiskMetrics, error) {
	partitions, err := disk.PartitionsWithContext(ctx, false)
	if err != nil {
		return types.DiskMetrics{}, err
	}

	m := types.DiskMetrics{}
	var deviceNames []string
	for _, p := range partitions {
		usage, err := disk.UsageWithContext(ctx, p.Mountpoint)
		if err != nil {
			continue
		}
		m.Mounts = append(m.Mounts, types.DiskMount{
			MountPoint:  p.Mountpoint,
			FSType:      p.Fstype,
			UsedPercent: usage.UsedPercent,
			TotalBytes:  usage.Total,
			UsedBytes:   usage.Used,
		})
		if p.Device != "" {
			deviceNames = append(deviceNames, p.Device)
		}
	}

	counters, err := disk.IOCountersWithContext(ctx, deviceNames...)
	if err != nil {
		return m, nil // partial sample without I/O rates is acceptable
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.haveDisk {
		elapsed := now.Sub(c.prevAt).Seconds()
		if elapsed > 0 {
			var readDelta, writeDelta uint64
			for name, cur := range counters {
				if prev, ok := c.prevDisk[name]; ok {
					readDelta += cur.ReadBytes - prev.ReadBytes
					writeDelta += cur.WriteBytes - prev.WriteBytes
				}
			}
			m.IOReadRate = float64(readDelta) / elapsed
			m.IOWriteRate = float64(writeDelta) / elapsed
		}
	}
	c.prevDisk = counters
	c.haveDisk = true

	return m, nil
}

func (c *IntrinsicCollector) collectNetwork(ctx context.Context, now time.Time) (types.NetworkMetrics, error) {
	counters, err := gnet.IOCountersWithContext(ctx, false)
	if err != nil {
		return types.NetworkMetrics{}, err
	}
	if len(counters) == 0 {
		return types.NetworkMetrics{}, nil
	}
	cur := counters[0]

	c.mu.Lock()
	defer c.mu.Unlock()

	var m types.NetworkMetrics
	if c.haveNet {
		elapsed := now.Sub(c.prevAt).Seconds()
		if elapsed > 0 {
			rxDelta := cur.BytesRecv - c.prevNet.BytesRecv
			txDelta := cur.BytesSent - c.prevNet.BytesSent
			errDelta := (cur.Errin + cur.Errout) - (c.prevNet.Errin + c.prevNet.Errout)
			m.RxRate = float64(rxDelta) / elapsed
			m.TxRate = float64(txDelta) / elapsed
			m.ErrorRate = float64(errDelta) / elapsed
		}
	}
	c.prevNet = cur
	c.haveNet = true
	c.prevAt = now

	return m, nil
}

func (c *IntrinsicCollector) collectProcesses(ctx context.Context) (types.ProcessMetrics, error) {
	procs, err := process.ProcessesWithContext(ctx)
	if err != nil {
		return types.ProcessMetrics{}, err
	}

	m := types.ProcessMetrics{}
	var all []types.ProcessInfo

	for _, p := range procs {
		statuses, err := p.StatusWithContext(ctx)
		if err == nil {
			classifyStatus(statuses, &m)
		}
		m.Total++

		name, err := p.NameWithContext(ctx)
		if err != nil {
			continue
		}
		cpuPct, _ := p.CPUPercentWithContext(ctx)
		memPct, _ := p.MemoryPercentWithContext(ctx)
		all = append(all, types.ProcessInfo{
			PID:        p.Pid,
			Name:       name,
			CPUPercent: float64(cpuPct),
			MemPercent: float64(memPct),
		})
	}

	m.TopCPU = topProcesses(all, func(p types.ProcessInfo) float64 { return p.CPUPercent })
	m.TopMem = topProcesses(all, func(p types.ProcessInfo) float64 { return p.MemPercent })

	return m, nil
}

// classifyStatus buckets gopsutil's per-platform status strings (which
// vary between single-letter POSIX codes and full words) into the four
// process-table categories the sample reports.
func classifyStatus(statuses []string, m *types.ProcessMetrics) {
	for _, s := range statuses {
		switch strings.ToLower(s) {
		case "r", "running":
			m.Running++
		case "s", "sleep", "sleeping", "idle":
			m.Sleeping++
		case "d", "disk sleep", "blocked", "lock", "wait", "waiting":
			m.Blocked++
		case "t", "stop", "stopped":
			m.Blocked++
		case "z", "zombie":
			m.Zombie++
		}
	}
}

func topProcesses(procs []types.ProcessInfo, key func(types.ProcessInfo) float64) []types.ProcessInfo {
	sorted := make([]types.ProcessInfo, len(procs))
	copy(sorted, procs)
	// insertion sort descending by key; process counts are small enough
	// per tick that this beats pulling in a sort-interface allocation.
	for i := 1; i < len(sorted); i++ {
		for j := i; j > 0 && key(sorted[j]) > key(sorted[j-1]); j-- {
			sorted[j], sorted[j-1] = sorted[j-1], sorted[j]
		}
	}
	if len(sorted) > topN {
		sorted = sorted[:topN]
	}
	return sorted
}
