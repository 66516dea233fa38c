package resource

import (
	"context"
	"fmt"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"
	gnet "github.com/shirou/gopsutil/v3/net"
)

// Sampler acquires one Snapshot of system metrics. Implementations must
// honor ctx cancellation; the monitor bounds each acquisition by its
// sampling interval.
type Sampler interface {
	Sample(ctx context.Context) (Snapshot, error)
}

// SystemSampler reads live metrics via gopsutil. diskPath is the volume
// whose free space is reported, normally the checkpoint storage root.
type SystemSampler struct {
	diskPath string
}

// NewSystemSampler creates a sampler reporting free disk for diskPath
// ("/" when empty).
func NewSystemSampler(diskPath string) *SystemSampler {
	if diskPath == "" {
		diskPath = "/"
	}
	return &SystemSampler{diskPath: diskPath}
}

// Sample reads memory, CPU, disk, and connection counts. A memory, CPU, or
// disk failure surfaces as an error; the monitor logs and skips that tick
// rather than acting on incomplete numbers. A failed connection enumeration
// reports zero open connections.
func (s *SystemSampler) Sample(ctx context.Context) (Snapshot, error) {
	snap := Snapshot{Timestamp: time.Now().UTC()}

	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return snap, fmt.Errorf("resource: sampling memory: %w", err)
	}
	snap.MemoryPercent = vm.UsedPercent
	snap.MemoryMB = float64(vm.Used) / (1024 * 1024)

	// Interval 0 returns utilization since the previous call, so the first
	// sample of a fresh process reads low. Acceptable: breach handling keys
	// off consecutive samples, not the first.
	cpuPcts, err := cpu.PercentWithContext(ctx, 0, false)
	if err != nil {
		return snap, fmt.Errorf("resource: sampling cpu: %w", err)
	}
	if len(cpuPcts) > 0 {
		snap.CPUPercent = cpuPcts[0]
	}

	du, err := disk.UsageWithContext(ctx, s.diskPath)
	if err != nil {
		return snap, fmt.Errorf("resource: sampling disk %s: %w", s.diskPath, err)
	}
	snap.FreeDiskMB = float64(du.Free) / (1024 * 1024)

	conns, err := gnet.ConnectionsWithContext(ctx, "tcp")
	if err != nil {
		// Connection enumeration needs elevated privileges on some
		// platforms; report zero rather than failing the whole sample.
		snap.OpenConnections = 0
		return snap, nil
	}
	snap.OpenConnections = len(conns)

	return snap, nil
}
