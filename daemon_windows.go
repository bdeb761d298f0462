//go:build windows

package main

import (
	"fmt"
	"io"
)

const daemonHint = "Use 'start /b minirag serve' or run it as a Windows service."

// releasePIDFile is a no-op on Windows; no PID file is ever written.
func releasePIDFile() {}

func daemonStart(w io.Writer, args []string) error {
	fmt.Fprintln(w, daemonHint)
	return ErrDaemonUnsupported
}

func daemonStop(w io.Writer) error {
	fmt.Fprintln(w, daemonHint)
	return ErrDaemonUnsupported
}

func daemonStatus(w io.Writer) error {
	fmt.Fprintln(w, daemonHint)
	return ErrDaemonUnsupported
}
