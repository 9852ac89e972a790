//go:build !unix

package executable

import (
	"os"
	"os/exec"
)

func setProcessGroup(*exec.Cmd) {}

func killProcess(proc *os.Process, _ bool) error {
	return proc.Kill()
}
