package main

import (
	"os"
	"path/filepath"
	"reflect"
	"strconv"
	"testing"
)

func TestChildArgsDropsDaemonFlags(t *testing.T) {
	tests := []struct {
		in   []string
		want []string
	}{
		{
			in:   []string{"serve", "--config", "c.toml", "--daemonize", "--pidfile", "/run/n.pid", "--logfile", "/var/log/n.log"},
			want: []string{"serve", "--config", "c.toml", "--logfile", "/var/log/n.log"},
		},
		{
			in:   []string{"serve", "--daemonize=true", "--pidfile=/run/n.pid"},
			want: []string{"serve"},
		},
	}
	for _, tt := range tests {
		if got := childArgs(tt.in); !reflect.DeepEqual(got, tt.want) {
			t.Errorf("childArgs(%v) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestPidFile(t *testing.T) {
	pidFile := filepath.Join(t.TempDir(), "nodehost.pid")
	if err := writePidFile(pidFile, os.Getpid()); err != nil {
		t.Fatalf("write pid file: %v", err)
	}
	b, err := os.ReadFile(pidFile)
	if err != nil {
		t.Fatalf("read pid file: %v", err)
	}
	if string(b) != strconv.Itoa(os.Getpid()) {
		t.Fatalf("pid file = %q, want %d", b, os.Getpid())
	}

	if err := removePidFile(pidFile); err != nil {
		t.Fatalf("remove pid file: %v", err)
	}
	if _, err := os.Stat(pidFile); !os.IsNotExist(err) {
		t.Fatalf("pid file still present: %v", err)
	}
	// already gone or unset is fine
	if err := removePidFile(pidFile); err != nil {
		t.Fatalf("remove missing pid file: %v", err)
	}
	if err := removePidFile(""); err != nil {
		t.Fatalf("remove unset pid file: %v", err)
	}
}
