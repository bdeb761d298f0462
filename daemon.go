//go:build !windows

package main

import (
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"
)

// daemonDirOverride replaces ~/.minirag in tests.
var daemonDirOverride string

// stopGracePeriod is how long stop waits after SIGTERM before SIGKILL.
var stopGracePeriod = 5 * time.Second

// daemonDir returns the directory holding the PID and log files.
func daemonDir() string {
	if daemonDirOverride != "" {
		return daemonDirOverride
	}
	return defaultConfigDir()
}

// pidFilePath returns the path to the PID file used by daemon mode.
func pidFilePath() string {
	return filepath.Join(daemonDir(), "minirag.pid")
}

// logFilePath returns the path to the log file used by daemon mode.
func logFilePath() string {
	return filepath.Join(daemonDir(), "minirag.log")
}

// writePIDFile writes the given PID to the PID file.
func writePIDFile(pid int) error {
	if err := os.MkdirAll(daemonDir(), 0o700); err != nil {
		return err
	}
	return os.WriteFile(pidFilePath(), []byte(strconv.Itoa(pid)), 0o644)
}

// readPIDFile reads and parses the PID from the PID file.
func readPIDFile() (int, error) {
	data, err := os.ReadFile(pidFilePath())
	if err != nil {
		return 0, fmt.Errorf("failed to read PID file: %w", err)
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("invalid PID in file: %w", err)
	}
	return pid, nil
}

// removePIDFile removes the PID file, ignoring errors (best-effort cleanup).
func removePIDFile() {
	os.Remove(pidFilePath())
}

// releasePIDFile removes the PID file if it still names this process. The
// daemon child calls it on shutdown.
func releasePIDFile() {
	if pid, err := readPIDFile(); err == nil && pid == os.Getpid() {
		removePIDFile()
	}
}

// isProcessAlive checks whether a process with the given PID is still running.
// Uses the Unix convention of sending signal 0 to test for process existence.
func isProcessAlive(pid int) bool {
	return syscall.Kill(pid, 0) == nil
}

// daemonStart re-executes this binary with args, detached from the terminal
// with setsid and logging to the daemon log file.
func daemonStart(w io.Writer, args []string) error {
	if pid, err := readPIDFile(); err == nil {
		if isProcessAlive(pid) {
			return fmt.Errorf("%w (PID %d); use 'minirag stop' first", ErrDaemonRunning, pid)
		}
		// Stale PID file from a previous run
		removePIDFile()
	}

	if err := os.MkdirAll(daemonDir(), 0o700); err != nil {
		return err
	}
	logPath := logFilePath()
	logFile, err := os.OpenFile(logPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open log file %s: %w", logPath, err)
	}
	defer logFile.Close()

	exe, err := os.Executable()
	if err != nil {
		return err
	}

	cmd := exec.Command(exe, args...)
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	cmd.Stdin = nil
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setsid: true, // Detach from controlling terminal
	}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start daemon: %w", err)
	}
	pid := cmd.Process.Pid
	if err := writePIDFile(pid); err != nil {
		fmt.Fprintf(w, "Warning: failed to write PID file: %v\n", err)
	}
	cmd.Process.Release()

	fmt.Fprintf(w, "Daemon started (PID %d).\n", pid)
	fmt.Fprintf(w, "Log file: %s\n", logPath)
	fmt.Fprintf(w, "PID file: %s\n", pidFilePath())
	fmt.Fprintln(w, "\nUse 'minirag status' to check status, 'minirag stop' to stop.")
	return nil
}

// daemonStop sends SIGTERM to the running daemon and waits for it to exit,
// falling back to SIGKILL after stopGracePeriod.
func daemonStop(w io.Writer) error {
	pid, err := readPIDFile()
	if err != nil {
		fmt.Fprintln(w, "No daemon is running (PID file not found).")
		return nil
	}

	if !isProcessAlive(pid) {
		fmt.Fprintf(w, "Daemon (PID %d) is not running. Removing stale PID file.\n", pid)
		removePIDFile()
		return nil
	}

	fmt.Fprintf(w, "Stopping daemon (PID %d)...\n", pid)
	if err := syscall.Kill(pid, syscall.SIGTERM); err != nil {
		return fmt.Errorf("send SIGTERM: %w", err)
	}

	deadline := time.Now().Add(stopGracePeriod)
	for time.Now().Before(deadline) {
		if !isProcessAlive(pid) {
			fmt.Fprintln(w, "Daemon stopped.")
			removePIDFile()
			return nil
		}
		time.Sleep(100 * time.Millisecond)
	}

	fmt.Fprintln(w, "Daemon did not stop gracefully. Sending SIGKILL...")
	syscall.Kill(pid, syscall.SIGKILL)
	time.Sleep(500 * time.Millisecond)
	removePIDFile()

	if isProcessAlive(pid) {
		return fmt.Errorf("failed to kill daemon (PID %d)", pid)
	}
	fmt.Fprintln(w, "Daemon killed.")
	return nil
}

// daemonStatus prints whether the daemon is running. A stale PID file is
// reported and removed.
func daemonStatus(w io.Writer) error {
	pid, err := readPIDFile()
	if err != nil {
		fmt.Fprintln(w, "Status: Not running (no PID file).")
		return nil
	}

	if isProcessAlive(pid) {
		fmt.Fprintf(w, "Status: Running (PID %d)\n", pid)
		fmt.Fprintf(w, "PID file: %s\n", pidFilePath())
		fmt.Fprintf(w, "Log file: %s\n", logFilePath())
	} else {
		fmt.Fprintf(w, "Status: Not running (stale PID %d)\n", pid)
		removePIDFile()
	}
	return nil
}
