package metrics

import (
	"context"
	"os"
	"time"

	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/process"
)

// RunProcessMonitor samples this process's resident memory on a ticker and
// publishes it to ProcessMemoryMB, falling back to system-wide memory if
// the process handle can't be opened. Meant to be launched with
// `go metrics.RunProcessMonitor(ctx, period)`; it returns when ctx is
// canceled.
func RunProcessMonitor(ctx context.Context, period time.Duration) {
	if period <= 0 {
		period = 15 * time.Second
	}

	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		proc = nil
	}

	ticker := time.NewTicker(period)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sampleMemory(proc)
		}
	}
}

func sampleMemory(proc *process.Process) {
	if proc != nil {
		if info, err := proc.MemoryInfo(); err == nil {
			ProcessMemoryMB.Set(float64(info.RSS) / 1024 / 1024)
			return
		}
	}
	if vmem, err := mem.VirtualMemory(); err == nil {
		ProcessMemoryMB.Set(float64(vmem.Used) / 1024 / 1024)
	}
}
