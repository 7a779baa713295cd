package threads

import (
	"runtime"
	"runtime/debug"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/mem"
)

// Resources reports live host readings. CPULoad returns a value in [0,1], or
// a negative value when unknown.
type Resources interface {
	Cores() int
	CPULoad() float64
	AvailableMemory() uint64
}

type SystemResources struct{}

func (SystemResources) Cores() int {
	return runtime.NumCPU()
}

func (SystemResources) CPULoad() float64 {
	pct, err := cpu.Percent(0, false)
	if err != nil || len(pct) == 0 {
		return -1
	}
	return pct[0] / 100
}

func (SystemResources) AvailableMemory() uint64 {
	var avail uint64
	if vm, err := mem.VirtualMemory(); err == nil {
		avail = vm.Available
	}
	// A runtime memory limit bounds the heap regardless of free host memory.
	if limit := debug.SetMemoryLimit(-1); limit > 0 && limit < 1<<62 {
		var ms runtime.MemStats
		runtime.ReadMemStats(&ms)
		headroom := uint64(0)
		if uint64(limit) > ms.HeapInuse {
			headroom = uint64(limit) - ms.HeapInuse
		}
		if avail == 0 || headroom < avail {
			avail = headroom
		}
	}
	return avail
}
