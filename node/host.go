package node

import (
	"context"
	"fmt"
	"os"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
)

// Load is a sample of the host's resources, reported in heartbeats.
type Load struct {
	Host       string
	CPU        float64
	FreeMemory uint64
}

// HostProbe samples the host's load.
type HostProbe interface {
	Sample(ctx context.Context) (Load, error)
}

// SystemProbe reads CPU utilization and available memory from the
// operating system.
type SystemProbe struct{}

// Sample implements HostProbe. CPU is the utilization percentage since
// the previous call.
func (SystemProbe) Sample(ctx context.Context) (Load, error) {
	host, err := os.Hostname()
	if err != nil {
		host = "unknown"
	}
	percents, err := cpu.PercentWithContext(ctx, 0, false)
	if err != nil {
		return Load{}, fmt.Errorf("node: sample cpu: %w", err)
	}
	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return Load{}, fmt.Errorf("node: sample memory: %w", err)
	}
	load := Load{Host: host, FreeMemory: vm.Available}
	if len(percents) > 0 {
		load.CPU = percents[0]
	}
	return load, nil
}

// StaticProbe reports a fixed load.
type StaticProbe Load

// Sample implements HostProbe.
func (p StaticProbe) Sample(context.Context) (Load, error) { return Load(p), nil }
