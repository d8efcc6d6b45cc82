package opmon

import (
	"bufio"
	"os"
	"runtime"
	"strconv"
	"strings"
)

// RuntimeStats is the measurement published by the runtime node
type RuntimeStats struct {
	MemoryAllocBytes      uint64 `opmon:"memory_alloc_bytes"`
	MemorySysBytes        uint64 `opmon:"memory_sys_bytes"`
	MemoryHeapAllocBytes  uint64 `opmon:"memory_heap_alloc_bytes"`
	MemoryHeapInuseBytes  uint64 `opmon:"memory_heap_inuse_bytes"`
	MemoryHeapSysBytes    uint64 `opmon:"memory_heap_sys_bytes"`
	MemoryStackInuseBytes uint64 `opmon:"memory_stack_inuse_bytes"`
	MemoryStackSysBytes   uint64 `opmon:"memory_stack_sys_bytes"`
	MemoryRSSBytes        uint64 `opmon:"memory_rss_bytes"`
	Goroutines            int64  `opmon:"goroutines_num"`
	GCRuns                uint32 `opmon:"gc_runs_total"`
	GCPauseTotalNs        uint64 `opmon:"gc_pause_total_ns"`
	FileDescriptors       uint64 `opmon:"file_descriptors_num"`

	// repeated, never flattened
	RecentPausesNs []uint64 `opmon:"gc_recent_pauses_ns"`
}

// MeasurementType implements the type name lookup of Struct
func (RuntimeStats) MeasurementType() string {
	return "opmon.RuntimeStats"
}

// ReadRuntimeStats samples memory, goroutine and GC statistics of the process
func ReadRuntimeStats() RuntimeStats {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)

	stats := RuntimeStats{
		MemoryAllocBytes:      ms.Alloc,
		MemorySysBytes:        ms.Sys,
		MemoryHeapAllocBytes:  ms.HeapAlloc,
		MemoryHeapInuseBytes:  ms.HeapInuse,
		MemoryHeapSysBytes:    ms.HeapSys,
		MemoryStackInuseBytes: ms.StackInuse,
		MemoryStackSysBytes:   ms.StackSys,
		MemoryRSSBytes:        processRSSBytes(),
		Goroutines:            int64(runtime.NumGoroutine()),
		GCRuns:                ms.NumGC,
		GCPauseTotalNs:        ms.PauseTotalNs,
		FileDescriptors:       openFileDescriptors(),
	}
	n := min(int(ms.NumGC), len(ms.PauseNs))
	for i := 0; i < n; i++ {
		stats.RecentPausesNs = append(stats.RecentPausesNs, ms.PauseNs[(int(ms.NumGC)-1-i+len(ms.PauseNs))%len(ms.PauseNs)])
	}
	return stats
}

// NewRuntimeNode returns a node publishing RuntimeStats at LevelDefault on
// every collection
func NewRuntimeNode(opts ...Option) *Handle {
	return NewNode(GeneratorFunc(func(n *Node) error {
		n.Publish(Struct(ReadRuntimeStats()), "", LevelDefault)
		return nil
	}), opts...)
}

// processRSSBytes reads VmRSS from /proc/self/status. It returns 0 where
// procfs is not available.
func processRSSBytes() uint64 {
	f, err := os.Open("/proc/self/status")
	if err != nil {
		return 0
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		value, ok := strings.CutPrefix(scanner.Text(), "VmRSS:")
		if !ok {
			continue
		}
		kb, err := strconv.ParseUint(strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(value), "kB")), 10, 64)
		if err != nil {
			return 0
		}
		return kb << 10
	}
	return 0
}

// openFileDescriptors counts the entries of /proc/self/fd
func openFileDescriptors() uint64 {
	fds, err := os.ReadDir("/proc/self/fd")
	if err != nil {
		return 0
	}
	return uint64(len(fds))
}
