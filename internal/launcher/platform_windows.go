//go:build windows

package launcher

import (
	"os/exec"
)

func setupProcessGroup(cmd *exec.Cmd) {}

// interrupt kills outright; console interrupts cannot be sent to a single child.
func interrupt(cmd *exec.Cmd) error {
	return cmd.Process.Kill()
}

func killGroup(cmd *exec.Cmd) {}
