//go:build windows

package main

import (
	"os/exec"
	"strconv"
	"time"
)

// agentCommand wraps command in cmd.exe. ConPTY needs no process attributes.
func agentCommand(command string) *exec.Cmd {
	return exec.Command("cmd.exe", "/C", command)
}

// stopAgentTree force-kills the agent and its children with taskkill.
func stopAgentTree(cmd *exec.Cmd, grace time.Duration) {
	if cmd.Process == nil {
		return
	}
	kill := exec.Command("taskkill", "/F", "/T", "/PID", strconv.Itoa(cmd.Process.Pid))
	if kill.Run() != nil {
		time.Sleep(grace)
	}
	_ = cmd.Process.Kill()
}
