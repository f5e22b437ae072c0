// Package monitoring collects process and host statistics for the health
// endpoint.
package monitoring

import (
	"os"
	"runtime"

	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/process"
)

// SystemStats is the resource block of the /health response.
type SystemStats struct {
	Goroutines     int     `json:"goroutines"`
	HeapAllocBytes uint64  `json:"heap_alloc_bytes"`
	RSSBytes       uint64  `json:"rss_bytes"`
	CPUPercent     float64 `json:"cpu_percent"`
	HostMemPercent float64 `json:"host_mem_percent"`
}

// Collect gathers a best-effort snapshot; fields stay zero when a probe
// fails so health checks never error on stats collection.
func Collect() SystemStats {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	stats := SystemStats{
		Goroutines:     runtime.NumGoroutine(),
		HeapAllocBytes: memStats.HeapAlloc,
	}

	if proc, err := process.NewProcess(int32(os.Getpid())); err == nil {
		if memInfo, err := proc.MemoryInfo(); err == nil && memInfo != nil {
			stats.RSSBytes = memInfo.RSS
		}
		if cpuPercent, err := proc.CPUPercent(); err == nil {
			stats.CPUPercent = cpuPercent
		}
	}

	if vm, err := mem.VirtualMemory(); err == nil && vm != nil {
		stats.HostMemPercent = vm.UsedPercent
	}

	return stats
}
