//go:build windows

package subprocess

import (
	"os"
	"os/exec"
)

func configureProcess(*exec.Cmd) {}

// terminate kills the process. Windows has no SIGTERM.
func terminate(p *os.Process) error {
	return p.Kill()
}

func exitStatus(state *os.ProcessState) int {
	return state.ExitCode()
}
