//go:build !windows

package process

import "syscall"

// terminate sends SIGTERM to the process group of pid, falling back to the
// process itself when the group is gone.
func terminate(pid int) error {
	if pid <= 0 {
		return syscall.ESRCH
	}
	if err := syscall.Kill(-pid, syscall.SIGTERM); err == nil {
		return nil
	}
	return syscall.Kill(pid, syscall.SIGTERM)
}
