//go:build windows

package process

import (
	"os"
	"os/exec"
	"syscall"
)

const createNewProcessGroup = 0x00000200

func configureSysProcAttr(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{CreationFlags: createNewProcessGroup}
}

// Windows has no SIGTERM for console-less children; termination is a kill.
func terminateTree(p *os.Process) error {
	return killTree(p)
}

func killTree(p *os.Process) error {
	if p == nil {
		return nil
	}
	return p.Kill()
}
