package main

import (
	"errors"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/creack/pty"
)

// ErrTerminalClosed is returned by writes after Close.
var ErrTerminalClosed = errors.New("terminal closed")

// agentStopGrace is how long a hung-up agent may take to exit before it is
// killed.
const agentStopGrace = 500 * time.Millisecond

// Terminal runs an agent CLI inside a pseudo-terminal and streams its raw
// output on a channel.
type Terminal struct {
	ptmx       *os.File
	cmd        *exec.Cmd
	outputChan chan string
	done       chan struct{} // Signal to stop reading
	closeOnce  sync.Once
}

// getCleanEnvironment returns environment variables filtered for clean terminal sessions
func getCleanEnvironment() []string {
	env := os.Environ()
	cleaned := make([]string, 0, len(env))

	for _, e := range env {
		// Skip CLAUDECODE to allow a nested agent session
		if strings.HasPrefix(e, "CLAUDECODE=") {
			continue
		}
		cleaned = append(cleaned, e)
	}

	return cleaned
}

// NewTerminal starts command in a PTY of cols x rows. The size matters: the
// agent wraps its answer at cols and the cleaner relies on that width.
func NewTerminal(command string, cols, rows int) (*Terminal, error) {
	cmd := agentCommand(command)
	cmd.Env = append(getCleanEnvironment(),
		"TERM=xterm-256color",
		"COLORTERM=truecolor",
		"FORCE_COLOR=1",
		"NO_UPDATE_NOTIFIER=1",
		"DISABLE_AUTO_UPDATE=1",
	)

	ptmx, err := pty.StartWithSize(cmd, &pty.Winsize{
		Rows: uint16(rows),
		Cols: uint16(cols),
	})
	if err != nil {
		return nil, err
	}

	term := &Terminal{
		ptmx:       ptmx,
		cmd:        cmd,
		outputChan: make(chan string, 100),
		done:       make(chan struct{}),
	}

	go term.readOutput()

	return term, nil
}

func (t *Terminal) readOutput() {
	defer close(t.outputChan)

	// Large buffer for streaming agent answers
	buf := make([]byte, 8192)

	for {
		select {
		case <-t.done:
			return
		default:
		}

		// Read deadline lets the loop notice done while the agent is quiet
		t.ptmx.SetReadDeadline(time.Now().Add(500 * time.Millisecond))

		n, err := t.ptmx.Read(buf)
		if n > 0 {
			select {
			case t.outputChan <- string(buf[:n]):
			case <-t.done:
				return
			}
		}
		if err != nil {
			if errors.Is(err, os.ErrDeadlineExceeded) {
				continue
			}
			// EOF, or EIO once the child has exited
			return
		}
	}
}

// Output returns the channel of raw PTY output. It is closed when the agent
// exits or the terminal is closed.
func (t *Terminal) Output() <-chan string {
	return t.outputChan
}

// SendInput types text into the agent and presses Enter.
//
// Text and Enter go out as SEPARATE writes with a short delay. Ink based TUIs
// only split input chunks on escape sequences, so "text\r" arriving in one
// read() is taken as pasted text and the Enter is never recognized.
func (t *Terminal) SendInput(text string) error {
	if _, err := t.Write([]byte(text)); err != nil {
		return err
	}
	time.Sleep(50 * time.Millisecond)
	_, err := t.Write([]byte("\r"))
	return err
}

// Write sends raw bytes to the PTY. Terminal query replies from the screen
// emulator are copied back through it.
func (t *Terminal) Write(p []byte) (int, error) {
	select {
	case <-t.done:
		return 0, ErrTerminalClosed
	default:
	}
	return t.ptmx.Write(p)
}

var _ io.Writer = (*Terminal)(nil)

// Resize changes the PTY window size
func (t *Terminal) Resize(cols, rows int) error {
	return pty.Setsize(t.ptmx, &pty.Winsize{
		Rows: uint16(rows),
		Cols: uint16(cols),
	})
}

// Close stops reading, terminates the agent with its children and releases
// the PTY. It is safe to call more than once.
func (t *Terminal) Close() {
	t.closeOnce.Do(func() {
		close(t.done)

		if t.cmd != nil && t.cmd.Process != nil {
			stopAgentTree(t.cmd, agentStopGrace)
			t.cmd.Wait() // Clean up zombie
		}

		if t.ptmx != nil {
			t.ptmx.Close()
		}
	})
}
