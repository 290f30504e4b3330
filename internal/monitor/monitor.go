// Package monitor samples CPU and memory usage of worker processes.
package monitor

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v4/process"
	"golang.org/x/sync/errgroup"

	"github.com/loykin/nodehost/internal/metrics"
)

// DefaultConcurrency bounds the number of pids sampled at once.
const DefaultConcurrency = 8

// Stats is the resource usage of one worker. The zero value is reported when
// sampling failed or the node has no process.
type Stats struct {
	PID        int32     `json:"pid,omitempty"`
	CPUPercent float64   `json:"cpu,omitempty"`
	MemoryRSS  uint64    `json:"memory,omitempty"`
	NumThreads int32     `json:"threads,omitempty"`
	NumFDs     int32     `json:"fds,omitempty"`
	Ctime      time.Time `json:"ctime,omitzero"`
	Elapsed    int64     `json:"elapsed,omitempty"` // milliseconds since the process started
	Timestamp  time.Time `json:"timestamp,omitzero"`
}

// Empty reports whether s carries no sample.
func (s Stats) Empty() bool { return s.PID == 0 }

// Source samples one pid.
type Source interface {
	Sample(ctx context.Context, pid int32) (Stats, error)
}

// Gopsutil samples through github.com/shirou/gopsutil.
type Gopsutil struct{}

func (Gopsutil) Sample(ctx context.Context, pid int32) (Stats, error) {
	proc, err := process.NewProcessWithContext(ctx, pid)
	if err != nil {
		return Stats{}, fmt.Errorf("failed to create process handle: %w", err)
	}
	mem, err := proc.MemoryInfoWithContext(ctx)
	if err != nil {
		return Stats{}, fmt.Errorf("failed to get memory info: %w", err)
	}
	now := time.Now()
	s := Stats{PID: pid, MemoryRSS: mem.RSS, Timestamp: now}

	if cpu, err := proc.CPUPercentWithContext(ctx); err == nil {
		s.CPUPercent = cpu
	} else {
		slog.Debug("failed to get cpu percent", "pid", pid, "error", err)
	}
	if n, err := proc.NumThreadsWithContext(ctx); err == nil {
		s.NumThreads = n
	}
	if runtime.GOOS != "windows" {
		if n, err := proc.NumFDsWithContext(ctx); err == nil {
			s.NumFDs = n
		}
	}
	if ms, err := proc.CreateTimeWithContext(ctx); err == nil {
		s.Ctime = time.UnixMilli(ms)
		s.Elapsed = now.Sub(s.Ctime).Milliseconds()
	}
	return s, nil
}

// Monitor fans sampling out over a bounded number of goroutines.
type Monitor struct {
	src         Source
	concurrency int
}

func New(src Source, concurrency int) *Monitor {
	if src == nil {
		src = Gopsutil{}
	}
	if concurrency <= 0 {
		concurrency = DefaultConcurrency
	}
	return &Monitor{src: src, concurrency: concurrency}
}

// Collect samples every pid in pids (node id -> pid). Nodes whose sample
// fails map to an empty Stats; the call itself only fails when ctx ends.
func (m *Monitor) Collect(ctx context.Context, pids map[string]int) (map[string]Stats, error) {
	out := make(map[string]Stats, len(pids))
	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(m.concurrency)
	for id, pid := range pids {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			s, err := m.src.Sample(gctx, int32(pid))
			if err != nil {
				slog.Debug("resource sample failed", "node", id, "pid", pid, "error", err)
				s = Stats{}
			} else {
				metrics.SetResourceUsage(id, s.CPUPercent, s.MemoryRSS)
			}
			mu.Lock()
			out[id] = s
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// One samples a single node.
func (m *Monitor) One(ctx context.Context, id string, pid int) Stats {
	res, err := m.Collect(ctx, map[string]int{id: pid})
	if err != nil {
		return Stats{}
	}
	return res[id]
}
