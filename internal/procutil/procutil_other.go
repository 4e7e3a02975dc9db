//go:build !linux

package procutil

import "os/exec"

// Prepare is a no-op beyond the default context cancellation. There is no
// kernel-level mechanism like Linux's Pdeathsig here, so an ungraceful
// server death can leave engine CLI children behind.
func Prepare(cmd *exec.Cmd, _ bool) {
	cmd.Cancel = func() error {
		if cmd.Process == nil {
			return nil
		}
		return cmd.Process.Kill()
	}
}

// StartWithCleanup prepares and starts cmd.
func StartWithCleanup(cmd *exec.Cmd) error {
	Prepare(cmd, true)
	return cmd.Start()
}
