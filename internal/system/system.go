// Package system specifies the SystemSampler external-collaborator
// contract: host sensor snapshots the controller takes before and
// after each rate-step, grounded on original_source/src/system_stat.cpp.
package system

// InterfaceStat carries one network interface's cumulative counters,
// treated as monotonic modulo the counter width by callers computing
// deltas.
type InterfaceStat struct {
	RxBytes   uint64
	TxBytes   uint64
	RxPackets uint64
	TxPackets uint64
	RxErrors  uint64
	TxErrors  uint64
	RxDropped uint64
	TxDropped uint64
}

// CPUJiffies carries the host's aggregate CPU time buckets.
type CPUJiffies struct {
	User   uint64
	Nice   uint64
	System uint64
	Idle   uint64
	IOWait uint64
}

// MemStat carries the host memory/uptime summary.
type MemStat struct {
	UptimeSeconds uint64
	FreeRAM       uint64
	TotalRAM      uint64
	FreeSwap      uint64
	TotalSwap     uint64
	Shared        uint64
	Procs         uint64
}

// Stat is one full snapshot: interfaces keyed by name, CPU jiffies, and
// the memory summary.
type Stat struct {
	Interfaces map[string]InterfaceStat
	CPU        CPUJiffies
	Mem        MemStat
}

// Sampler is the contract the controller consumes; its implementation
// is OS-specific and out of the core's scope (spec.md §6).
type Sampler interface {
	Snapshot() (Stat, error)
}

// DeltaUint64 computes an overflow-safe subtraction treating both
// counters as monotonic modulo 2^64, per spec.md §6.
func DeltaUint64(before, after uint64) uint64 {
	return after - before
}
