// Package sysstats reads the built-in telemetry: uptime, CPU load and free memory.
package sysstats

import (
	"fmt"
	"time"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/host"
	"github.com/shirou/gopsutil/v4/mem"
)

// Source provides the built-in telemetry values
type Source interface {
	Uptime() (time.Duration, error)
	// CPULoad is the total load in percent since the previous call
	CPULoad() (float64, error)
	// FreeMemory is the available memory in bytes
	FreeMemory() (uint64, error)
}

// Host reads the values from the operating system
type Host struct{}

// NewHost returns a Source backed by gopsutil
func NewHost() *Host {
	return &Host{}
}

// Uptime implements Source
func (Host) Uptime() (time.Duration, error) {
	secs, err := host.Uptime()
	if err != nil {
		return 0, fmt.Errorf("read uptime: %w", err)
	}
	return time.Duration(secs) * time.Second, nil
}

// CPULoad implements Source
func (Host) CPULoad() (float64, error) {
	percents, err := cpu.Percent(0, false)
	if err != nil {
		return 0, fmt.Errorf("read cpu load: %w", err)
	}
	if len(percents) == 0 {
		return 0, fmt.Errorf("read cpu load: no samples")
	}
	return percents[0], nil
}

// FreeMemory implements Source
func (Host) FreeMemory() (uint64, error) {
	vm, err := mem.VirtualMemory()
	if err != nil {
		return 0, fmt.Errorf("read memory: %w", err)
	}
	return vm.Available, nil
}

// Static is a Source returning fixed values
type Static struct {
	UptimeValue     time.Duration
	CPULoadValue    float64
	FreeMemoryValue uint64
}

// Uptime implements Source
func (s Static) Uptime() (time.Duration, error) { return s.UptimeValue, nil }

// CPULoad implements Source
func (s Static) CPULoad() (float64, error) { return s.CPULoadValue, nil }

// FreeMemory implements Source
func (s Static) FreeMemory() (uint64, error) { return s.FreeMemoryValue, nil }
