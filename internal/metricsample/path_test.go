package metricsample

import (
	"testing"
	"time"

	"github.com/opsagent/agent/internal/types"
)

func testSample() types.MetricSample {
	return types.MetricSample{
		Timestamp: time.Now(),
		ServerID:  "srv-1",
		CPU:       types.CPUMetrics{Usage: 42.5, Load1: 1.2},
		Memory:    types.MemoryMetrics{UsedPct: 77.1, SwapPct: 3.0},
		Disk: types.DiskMetrics{
			Mounts: []types.DiskMount{
				{MountPoint: "/", FSType: "ext4", UsedPercent: 60, TotalBytes: 1000, UsedBytes: 600},
				{MountPoint: "/boot", FSType: "tmpfs", UsedPercent: 99, TotalBytes: 100, UsedBytes: 99},
			},
		},
		Network:   types.NetworkMetrics{ErrorRate: 2.5},
		Processes: types.ProcessMetrics{Zombie: 3},
	}
}

func TestGetValueSimplePaths(t *testing.T) {
	s := testSample()

	tests := []struct {
		path string
		want float64
	}{
		{"cpu.usage", 42.5},
		{"cpu.load1", 1.2},
		{"memory.usedPct", 77.1},
		{"memory.swapPct", 3.0},
		{"network.errorRate", 2.5},
		{"processes.zombie", 3},
	}

	for _, tc := range tests {
		got, ok := GetValue(s, tc.path)
		if !ok {
			t.Errorf("path %q: expected found, got not-found", tc.path)
			continue
		}
		if got != tc.want {
			t.Errorf("path %q: got %v, want %v", tc.path, got, tc.want)
		}
	}
}

func TestGetValueAggregateDiskPaths(t *testing.T) {
	s := testSample()

	max, ok := GetValue(s, "disk.maxUsedPercent")
	if !ok || max != 60 {
		t.Errorf("disk.maxUsedPercent: got %v ok=%v, want 60 (tmpfs excluded)", max, ok)
	}

	total, ok := GetValue(s, "disk.totalUsed")
	if !ok || total != 600 {
		t.Errorf("disk.totalUsed: got %v ok=%v, want 600 (tmpfs excluded)", total, ok)
	}
}

func TestGetValueUnknownPathIsNotFound(t *testing.T) {
	s := testSample()
	if _, ok := GetValue(s, "cpu.doesNotExist"); ok {
		t.Fatal("expected unknown path to yield not-found")
	}
	if _, ok := GetValue(s, "nonexistent.top.level"); ok {
		t.Fatal("expected unknown top-level path to yield not-found")
	}
}
