//go:build unix

package executable

import (
	"os"
	"os/exec"
	"syscall"
)

func setProcessGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

// killProcess sends SIGKILL to the child's process group when it leads one,
// falling back to the child alone.
func killProcess(proc *os.Process, group bool) error {
	if group {
		if err := syscall.Kill(-proc.Pid, syscall.SIGKILL); err == nil {
			return nil
		}
	}
	return proc.Kill()
}
