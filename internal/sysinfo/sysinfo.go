// Package sysinfo reports a snapshot of the host the controller runs on.
package sysinfo

import (
	"context"
	"fmt"
	"time"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/disk"
	"github.com/shirou/gopsutil/v4/host"
	"github.com/shirou/gopsutil/v4/load"
	"github.com/shirou/gopsutil/v4/mem"
	"github.com/shirou/gopsutil/v4/net"
)

// Space is the usage of the volume holding the data directory.
type Space struct {
	Path  string `json:"path"`
	Total uint64 `json:"total"`
	Free  uint64 `json:"free"`
	Used  uint64 `json:"used"`
}

// Info is the payload of GET /system.
type Info struct {
	Space             Space                 `json:"space"`
	CPUs              []cpu.InfoStat        `json:"cpus"`
	CPUUsage          float64               `json:"cpuUsage"`
	FreeMem           uint64                `json:"freemem"`
	TotalMem          uint64                `json:"totalmem"`
	LoadAvg           []float64             `json:"loadavg"`
	Uptime            float64               `json:"uptime"`
	HostUptime        uint64                `json:"hostUptime"`
	NetworkInterfaces net.InterfaceStatList `json:"networkInterfaces"`
}

// Collector gathers host information.
type Collector struct {
	path     string
	started  time.Time
	interval time.Duration
}

// New returns a collector reporting disk usage for path. Uptime is measured
// from the moment New is called.
func New(path string) *Collector {
	return &Collector{path: path, started: time.Now(), interval: 200 * time.Millisecond}
}

// Collect samples the host. Failing to read disk usage is an error; the
// remaining values are best effort and left zero when unavailable.
func (c *Collector) Collect(ctx context.Context) (*Info, error) {
	du, err := disk.UsageWithContext(ctx, c.path)
	if err != nil {
		return nil, fmt.Errorf("disk usage of %s: %w", c.path, err)
	}
	info := &Info{
		Space:  Space{Path: du.Path, Total: du.Total, Free: du.Free, Used: du.Used},
		Uptime: time.Since(c.started).Seconds(),
	}
	if cpus, err := cpu.InfoWithContext(ctx); err == nil {
		info.CPUs = cpus
	}
	if pct, err := cpu.PercentWithContext(ctx, c.interval, false); err == nil && len(pct) > 0 {
		info.CPUUsage = pct[0] / 100
	}
	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		info.FreeMem = vm.Available
		info.TotalMem = vm.Total
	}
	if avg, err := load.AvgWithContext(ctx); err == nil {
		info.LoadAvg = []float64{avg.Load1, avg.Load5, avg.Load15}
	}
	if up, err := host.UptimeWithContext(ctx); err == nil {
		info.HostUptime = up
	}
	if ifs, err := net.InterfacesWithContext(ctx); err == nil {
		info.NetworkInterfaces = ifs
	}
	return info, nil
}
