package types

import "time"

// CPUMetrics captures processor load and temperature.
type CPUMetrics struct {
	Usage   float64 `json:"usage"`
	Load1   float64 `json:"load1"`
	Load5   float64 `json:"load5"`
	Load15  float64 `json:"load15"`
	TempC   float64 `json:"temp_c,omitempty"`
	IOWait  float64 `json:"iowait,omitempty"`
	HasTemp bool    `json:"-"`
}

// MemoryMetrics captures RAM/swap utilization.
type MemoryMetrics struct {
	UsedPct      float64 `json:"used_pct"`
	SwapPct      float64 `json:"swap_pct"`
	AvailablePct float64 `json:"available_pct"`
}

// DiskMount is per-mount utilization and throughput.
type DiskMount struct {
	MountPoint  string  `json:"mount_point"`
	FSType      string  `json:"fs_type"`
	UsedPercent float64 `json:"used_percent"`
	TotalBytes  uint64  `json:"total_bytes"`
	UsedBytes   uint64  `json:"used_bytes"`
}

// DiskMetrics aggregates per-mount disk stats plus I/O rates (bytes/sec).
type DiskMetrics struct {
	Mounts      []DiskMount `json:"mounts"`
	IOReadRate  float64     `json:"io_read_rate"`
	IOWriteRate float64     `json:"io_write_rate"`
}

// NetworkMetrics captures throughput and error rate (bytes/sec, errors/sec).
type NetworkMetrics struct {
	RxRate    float64 `json:"rx_rate"`
	TxRate    float64 `json:"tx_rate"`
	ErrorRate float64 `json:"error_rate"`
}

// ProcessInfo identifies a single process for the top-N lists.
type ProcessInfo struct {
	PID        int32   `json:"pid"`
	Name       string  `json:"name"`
	CPUPercent float64 `json:"cpu_percent"`
	MemPercent float64 `json:"mem_percent"`
}

// ProcessMetrics summarizes process-table state.
type ProcessMetrics struct {
	Running  int           `json:"running"`
	Sleeping int           `json:"sleeping"`
	Blocked  int           `json:"blocked"`
	Zombie   int           `json:"zombie"`
	Total    int           `json:"total"`
	TopCPU   []ProcessInfo `json:"top_cpu"`
	TopMem   []ProcessInfo `json:"top_mem"`
}

// FileDescriptorMetrics is optional, platform-dependent.
type FileDescriptorMetrics struct {
	UsedPct float64 `json:"used_pct"`
	Present bool    `json:"-"`
}

// MetricSample is an immutable snapshot of one host at time Timestamp.
type MetricSample struct {
	Timestamp       time.Time             `json:"timestamp"`
	ServerID        string                `json:"server_id"`
	CPU             CPUMetrics            `json:"cpu"`
	Memory          MemoryMetrics         `json:"memory"`
	Disk            DiskMetrics           `json:"disk"`
	Network         NetworkMetrics        `json:"network"`
	Processes       ProcessMetrics        `json:"processes"`
	FileDescriptors FileDescriptorMetrics `json:"file_descriptors,omitempty"`
}

// pseudoFilesystems are excluded from disk.maxUsedPercent / disk.totalUsed
// aggregation, per the rule-engine metric-path contract.
var pseudoFilesystems = map[string]bool{
	"tmpfs":    true,
	"devtmpfs": true,
	"overlay":  true,
}

// MaxUsedPercent returns disk.maxUsedPercent: the max used-percent across
// mounts, excluding pseudo filesystems.
func (d DiskMetrics) MaxUsedPercent() (float64, bool) {
	found := false
	max := 0.0
	for _, m := range d.Mounts {
		if pseudoFilesystems[m.FSType] {
			continue
		}
		if !found || m.UsedPercent > max {
			max = m.UsedPercent
			found = true
		}
	}
	return max, found
}

// TotalUsed returns disk.totalUsed: the sum of used bytes across mounts,
// excluding pseudo filesystems.
func (d DiskMetrics) TotalUsed() uint64 {
	var total uint64
	for _, m := range d.Mounts {
		if pseudoFilesystems[m.FSType] {
			continue
		}
		total += m.UsedBytes
	}
	return total
}

// MetricsSnapshot is a point-in-time capture used for bounded in-memory
// history (rate/sustained windows, never exceeding 1h).
type MetricsSnapshot struct {
	Timestamp time.Time    `json:"timestamp"`
	Sample    MetricSample `json:"sample"`
}
