package process

import (
	"os/exec"
	"strings"
	"time"

	"github.com/loykin/nodehost/internal/logger"
)

// DefaultWaitDelay bounds how long Wait keeps draining output after the
// worker exits while descendants still hold its pipes.
const DefaultWaitDelay = 2 * time.Second

// Spec describes one launch of a worker: `Launcher Executable Args...`
// started in WorkDir with Env.
type Spec struct {
	Name        string        `json:"name"`
	Launcher    string        `json:"launcher"`
	Executable  string        `json:"executable"`
	Args        []string      `json:"args"`
	WorkDir     string        `json:"work_dir"`
	Env         []string      `json:"env"`
	OutputLimit int           `json:"output_limit"`
	Log         logger.Config `json:"log"`
}

// SplitArgs turns a whitespace separated argument string into arguments.
func SplitArgs(command string) []string {
	return strings.Fields(command)
}

// BuildCommand constructs the *exec.Cmd for the spec without a shell.
func (s Spec) BuildCommand() *exec.Cmd {
	args := make([]string, 0, len(s.Args)+1)
	args = append(args, s.Executable)
	args = append(args, s.Args...)
	// launcher comes from configuration; arguments are passed verbatim
	// #nosec G204
	cmd := exec.Command(s.Launcher, args...)
	if s.WorkDir != "" {
		cmd.Dir = s.WorkDir
	}
	if len(s.Env) > 0 {
		cmd.Env = s.Env
	}
	cmd.WaitDelay = DefaultWaitDelay
	configureSysProcAttr(cmd)
	return cmd
}
