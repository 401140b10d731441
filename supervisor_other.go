//go:build !unix

package sockbridge

import (
	"os"
	"os/exec"
)

func configureProcess(cmd *exec.Cmd) {}

func interruptProcess(p *os.Process) error {
	return p.Signal(os.Interrupt)
}

func killProcess(p *os.Process) error {
	return p.Kill()
}
