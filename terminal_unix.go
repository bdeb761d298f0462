//go:build !windows

package main

import (
	"os/exec"
	"syscall"
	"time"
)

// agentCommand wraps command in /bin/sh so AGENT_COMMAND may carry flags and
// quoting. The agent gets its own session with the PTY as controlling tty.
func agentCommand(command string) *exec.Cmd {
	cmd := exec.Command("/bin/sh", "-c", command)
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setsid:  true,
		Setctty: true,
	}
	return cmd
}

// stopAgentTree hangs up the agent's session like a closed terminal would and
// kills the whole group when it is still around after grace.
func stopAgentTree(cmd *exec.Cmd, grace time.Duration) {
	if cmd.Process == nil || cmd.Process.Pid <= 0 {
		return
	}
	pgid := -cmd.Process.Pid

	_ = syscall.Kill(pgid, syscall.SIGHUP)
	deadline := time.Now().Add(grace)
	for time.Now().Before(deadline) {
		if syscall.Kill(pgid, 0) != nil {
			return
		}
		time.Sleep(25 * time.Millisecond)
	}
	_ = syscall.Kill(pgid, syscall.SIGKILL)
}
