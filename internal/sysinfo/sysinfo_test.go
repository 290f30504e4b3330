//go:build linux

package sysinfo

import (
	"context"
	"path/filepath"
	"testing"
)

func TestCollect(t *testing.T) {
	c := New(t.TempDir())
	info, err := c.Collect(context.Background())
	if err != nil {
		t.Fatalf("collect: %v", err)
	}
	if info.Space.Total == 0 {
		t.Error("disk total is zero")
	}
	if info.TotalMem == 0 {
		t.Error("total memory is zero")
	}
	if len(info.CPUs) == 0 {
		t.Error("no cpus reported")
	}
	if len(info.LoadAvg) != 3 {
		t.Errorf("load average = %v, want 3 values", info.LoadAvg)
	}
	if info.CPUUsage < 0 || info.CPUUsage > 1 {
		t.Errorf("cpu usage %v outside [0,1]", info.CPUUsage)
	}
}

func TestCollectMissingPath(t *testing.T) {
	c := New(filepath.Join(t.TempDir(), "missing"))
	if _, err := c.Collect(context.Background()); err == nil {
		t.Fatal("expected error for a missing data dir")
	}
}
