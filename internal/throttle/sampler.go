package throttle

import (
	"context"
	"fmt"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
)

// HostSampler reads host CPU and memory usage via gopsutil.
type HostSampler struct {
	// Interval is the CPU measurement window. Zero compares against the
	// previous call, which keeps Sample non-blocking.
	Interval time.Duration
}

// NewHostSampler creates a HostSampler with a non-blocking CPU window.
func NewHostSampler() *HostSampler {
	return &HostSampler{}
}

// Sample implements Sampler.
func (s *HostSampler) Sample(ctx context.Context) (Resources, error) {
	cpus, err := cpu.PercentWithContext(ctx, s.Interval, false)
	if err != nil {
		return Resources{}, fmt.Errorf("sample cpu: %w", err)
	}
	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return Resources{}, fmt.Errorf("sample memory: %w", err)
	}

	r := Resources{MemoryPercent: vm.UsedPercent}
	if len(cpus) > 0 {
		r.CPUPercent = cpus[0]
	}
	return r, nil
}
