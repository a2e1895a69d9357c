package metrics

import (
	"os"
	"runtime"
	"strconv"
	"strings"

	"github.com/opsagent/agent/internal/types"
)

// collectFileDescriptors reports host-wide file descriptor utilization on
// Linux by reading /proc/sys/fs/file-nr (allocated, unused, max). Other
// platforms have no equivalent host-wide counter; FileDescriptors is
// reported absent rather than guessed.
func collectFileDescriptors() types.FileDescriptorMetrics {
	if runtime.GOOS != "linux" {
		return types.FileDescriptorMetrics{}
	}

	data, err := os.ReadFile("/proc/sys/fs/file-nr")
	if err != nil {
		return types.FileDescriptorMetrics{}
	}

	fields := strings.Fields(string(data))
	if len(fields) != 3 {
		return types.FileDescriptorMetrics{}
	}

	allocated, err1 := strconv.ParseFloat(fields[0], 64)
	max, err2 := strconv.ParseFloat(fields[2], 64)
	if err1 != nil || err2 != nil || max == 0 {
		return types.FileDescriptorMetrics{}
	}

	return types.FileDescriptorMetrics{
		UsedPct: (allocated / max) * 100,
		Present: true,
	}
}
