//go:build unix

package worker

import (
	"os/exec"
	"syscall"
)

// setProcessGroup puts the worker in its own group so a kill reaches any
// children it started.
func setProcessGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

func killProcessGroup(cmd *exec.Cmd) {
	if cmd.Process != nil {
		syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}
}
