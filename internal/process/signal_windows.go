//go:build windows

package process

import (
	"errors"
	"os"
)

// terminate has no SIGTERM equivalent on Windows; the process is killed.
func terminate(pid int) error {
	if pid <= 0 {
		return errors.New("invalid pid")
	}
	p, err := os.FindProcess(pid)
	if err != nil {
		return err
	}
	return p.Kill()
}
