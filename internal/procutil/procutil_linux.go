//go:build linux

package procutil

import (
	"os/exec"

	"golang.org/x/sys/unix"
)

// Prepare configures cmd so the child is killed when the server dies (via
// Pdeathsig) and so cancelling its context kills the child's whole process
// group rather than only the direct child.
//
// Commands that need their own session, such as a pty-attached shell, pass
// setpgid=false: a session leader is already its own group leader.
func Prepare(cmd *exec.Cmd, setpgid bool) {
	attr := sysProcAttr(cmd)
	attr.Pdeathsig = unix.SIGKILL
	if setpgid {
		attr.Setpgid = true
	}
	cmd.Cancel = func() error {
		if cmd.Process == nil {
			return nil
		}
		if err := unix.Kill(-cmd.Process.Pid, unix.SIGKILL); err != nil {
			return cmd.Process.Kill()
		}
		return nil
	}
}

// StartWithCleanup prepares and starts cmd in its own process group.
func StartWithCleanup(cmd *exec.Cmd) error {
	Prepare(cmd, true)
	return cmd.Start()
}
