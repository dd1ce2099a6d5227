package system

import (
	"context"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/mem"
	netstat "github.com/shirou/gopsutil/v3/net"
	"github.com/shirou/gopsutil/v3/process"
)

// GopsutilSampler is the concrete Sampler backed by gopsutil/v3, giving
// the SystemSampler contract a real cross-platform implementation.
type GopsutilSampler struct{}

// NewGopsutilSampler returns a ready-to-use Sampler.
func NewGopsutilSampler() *GopsutilSampler { return &GopsutilSampler{} }

// Snapshot gathers per-interface counters, CPU jiffies, and a memory
// summary in one pass.
func (GopsutilSampler) Snapshot() (Stat, error) {
	ctx := context.Background()
	var stat Stat

	ioCounters, err := netstat.IOCountersWithContext(ctx, true)
	if err != nil {
		return Stat{}, err
	}
	stat.Interfaces = make(map[string]InterfaceStat, len(ioCounters))
	for _, c := range ioCounters {
		stat.Interfaces[c.Name] = InterfaceStat{
			RxBytes:   c.BytesRecv,
			TxBytes:   c.BytesSent,
			RxPackets: c.PacketsRecv,
			TxPackets: c.PacketsSent,
			RxErrors:  c.Errin,
			TxErrors:  c.Errout,
			RxDropped: c.Dropin,
			TxDropped: c.Dropout,
		}
	}

	times, err := cpu.TimesWithContext(ctx, false)
	if err != nil {
		return Stat{}, err
	}
	if len(times) > 0 {
		t := times[0]
		stat.CPU = CPUJiffies{
			User:   uint64(t.User),
			Nice:   uint64(t.Nice),
			System: uint64(t.System),
			Idle:   uint64(t.Idle),
			IOWait: uint64(t.Iowait),
		}
	}

	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return Stat{}, err
	}
	sw, err := mem.SwapMemoryWithContext(ctx)
	if err != nil {
		return Stat{}, err
	}
	uptime, err := host.UptimeWithContext(ctx)
	if err != nil {
		return Stat{}, err
	}
	pids, err := process.PidsWithContext(ctx)
	if err != nil {
		return Stat{}, err
	}
	stat.Mem = MemStat{
		UptimeSeconds: uptime,
		FreeRAM:       vm.Free,
		TotalRAM:      vm.Total,
		FreeSwap:      sw.Free,
		TotalSwap:     sw.Total,
		Shared:        vm.Shared,
		Procs:         uint64(len(pids)),
	}
	return stat, nil
}
