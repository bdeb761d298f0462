package main

import (
	"regexp"
	"strings"

	"github.com/charmbracelet/x/ansi"
	"github.com/charmbracelet/x/vt"
)

// ScreenReader wraps a virtual terminal emulator to interpret ANSI escape
// sequences and read the composed screen as plain text. TUI agents position
// the cursor freely, so stripping escape codes would destroy the layout;
// emulating a terminal gives what a human would see.
type ScreenReader struct {
	emu  *vt.SafeEmulator
	cols int
}

// NewScreenReader creates a virtual terminal with the given dimensions.
// Dimensions should match the PTY size for correct cursor positioning.
func NewScreenReader(cols, rows int) *ScreenReader {
	return &ScreenReader{
		emu:  vt.NewSafeEmulator(cols, rows),
		cols: cols,
	}
}

// Write feeds raw PTY output into the virtual terminal.
func (sr *ScreenReader) Write(data []byte) (int, error) {
	return sr.emu.Write(data)
}

// WriteString feeds a string of raw PTY output into the virtual terminal.
func (sr *ScreenReader) WriteString(s string) (int, error) {
	return sr.emu.Write([]byte(s))
}

// Read returns the emulator's replies to terminal queries (cursor position,
// device attributes). They must be written back to the PTY or agents that
// probe the terminal stall.
func (sr *ScreenReader) Read(p []byte) (int, error) {
	return sr.emu.Read(p)
}

// Close stops the reply stream so a pending Read returns.
func (sr *ScreenReader) Close() error {
	return sr.emu.Close()
}

// Screen returns the current screen as plain text with trailing blanks
// trimmed from every row and trailing empty rows removed.
func (sr *ScreenReader) Screen() string {
	rows := sr.rows()
	for i, row := range rows {
		rows[i] = strings.TrimRight(row, " \t")
	}
	return strings.Join(rows, "\n")
}

// Transcript returns the screen the way an 80-column agent panel delivers
// it: every non-empty row padded with blanks to the full width. The padding
// is what tells the cleaner that a row was hard-wrapped.
func (sr *ScreenReader) Transcript() string {
	rows := sr.rows()
	for i, row := range rows {
		row = strings.TrimRight(row, " \t")
		if row == "" {
			rows[i] = ""
			continue
		}
		if w := ansi.StringWidth(row); w < sr.cols {
			row += strings.Repeat(" ", sr.cols-w)
		}
		rows[i] = row
	}
	return strings.Join(rows, "\n")
}

// rows returns the screen rows up to the last non-empty one.
func (sr *ScreenReader) rows() []string {
	lines := strings.Split(strings.ReplaceAll(sr.emu.String(), "\r", ""), "\n")
	last := -1
	for i := len(lines) - 1; i >= 0; i-- {
		if strings.TrimSpace(lines[i]) != "" {
			last = i
			break
		}
	}
	return lines[:last+1]
}

// Resize changes the virtual terminal dimensions.
func (sr *ScreenReader) Resize(cols, rows int) {
	sr.emu.Resize(cols, rows)
	sr.cols = cols
}

// findNewContent returns the rows of current that follow the old screen.
// Terminal scrolling shifts old rows up, so the longest suffix of old found
// as a contiguous block in current marks where the new rows start. Rows are
// compared without trailing blanks but returned untouched.
func findNewContent(old, current string) string {
	if old == "" {
		return trimBlankRows(current)
	}
	if current == old {
		return ""
	}

	oldLines := strings.Split(old, "\n")
	newLines := strings.Split(current, "\n")

	norm := func(s string) string {
		return strings.TrimRight(s, " \t")
	}

	for suffixStart := 0; suffixStart < len(oldLines); suffixStart++ {
		suffix := oldLines[suffixStart:]
		if len(suffix) == 1 && norm(suffix[0]) == "" {
			break // a lone blank row matches anywhere
		}

		for nStart := 0; nStart+len(suffix) <= len(newLines); nStart++ {
			match := true
			for j := range suffix {
				if norm(newLines[nStart+j]) != norm(suffix[j]) {
					match = false
					break
				}
			}
			if match {
				return trimBlankRows(strings.Join(newLines[nStart+len(suffix):], "\n"))
			}
		}
	}

	// Full redraw: everything on screen is new.
	return trimBlankRows(current)
}

// trimBlankRows drops leading and trailing blank rows but keeps the
// indentation and padding of the rows in between.
func trimBlankRows(s string) string {
	lines := strings.Split(s, "\n")
	start, end := 0, len(lines)
	for start < end && strings.TrimSpace(lines[start]) == "" {
		start++
	}
	for end > start && strings.TrimSpace(lines[end-1]) == "" {
		end--
	}
	return strings.Join(lines[start:end], "\n")
}

var reToolCall = regexp.MustCompile(`^[A-Z][A-Za-z]+\(`)

// stripScreenChrome removes the parts of a live agent screen that are layout
// rather than answer: the input box and its borders, the echoed prompt,
// thinking spinners, hint bars and doubled status text. It runs before
// CleanTUIOutput on screens captured from a PTY.
func stripScreenChrome(screen string) string {
	lines := strings.Split(screen, "\n")
	kept := make([]string, 0, len(lines))

	for _, line := range lines {
		trimmed := strings.TrimSpace(line)

		if trimmed != "" && (isOnlySeparators(trimmed) || isPromptBar(trimmed)) {
			continue
		}

		// Input prompt, empty or echoing the question.
		if strings.HasPrefix(trimmed, "❯") {
			continue
		}

		if isScreenHint(trimmed) || isDuplicatedText(trimmed) {
			continue
		}

		// "● text" opens the answer; "● Tool(args)" is a tool call.
		if rest, ok := strings.CutPrefix(trimmed, "●"); ok {
			rest = strings.TrimSpace(rest)
			if rest == "" || reToolCall.MatchString(rest) {
				continue
			}
			line = strings.Replace(line, "●", " ", 1)
		}

		if isSpinnerLine(trimmed) {
			continue
		}

		kept = append(kept, line)
	}

	return trimBlankRows(strings.Join(kept, "\n"))
}

// isScreenHint matches status and keyboard hint rows of the agent UI.
func isScreenHint(trimmed string) bool {
	if strings.Contains(trimmed, "Chrome extension not detected") ||
		strings.Contains(trimmed, "claude.ai/chrome") ||
		strings.Contains(trimmed, "MCP server needs auth") ||
		strings.HasPrefix(trimmed, "Tip:") ||
		strings.Contains(trimmed, "/plugin marketplace") ||
		strings.Contains(trimmed, "/plugin install") ||
		trimmed == "Checking for updates" {
		return true
	}

	lower := strings.ToLower(trimmed)
	return strings.Contains(lower, "esc to cancel") ||
		strings.Contains(lower, "tab to amend") ||
		strings.Contains(lower, "ctrl+g to edit") ||
		strings.Contains(lower, "shift+tab to cycle") ||
		strings.Contains(trimmed, "accept edits on")
}

// isSpinnerLine matches transient progress rows such as "✻ Thinking…".
func isSpinnerLine(trimmed string) bool {
	if trimmed == "" {
		return false
	}
	switch []rune(trimmed)[0] {
	case '✶', '✻', '✦', '✧', '✢', '✽', '·':
		return true
	case '*':
		return strings.Contains(trimmed, "…")
	}
	return false
}

// isOnlySeparators returns true if the string contains only box-drawing
// separator characters and spaces.
func isOnlySeparators(s string) bool {
	for _, r := range s {
		switch r {
		case '─', '━', '═', '—', '╌', '╍', '┄', '┅', '┈', '┉', ' ':
		default:
			return false
		}
	}
	return true
}

// isPromptBar catches the input box border with the question drawn into it,
// "────what─is─2+2 ──────────". Rows that merely end in a dash run are wrapped
// prose and stay.
func isPromptBar(s string) bool {
	if !strings.HasPrefix(s, "─") && !strings.HasPrefix(s, "━") {
		return false
	}
	var sepCount, totalCount int
	for _, r := range s {
		if r == ' ' {
			continue
		}
		totalCount++
		switch r {
		case '─', '━', '═', '—', '╌', '╍', '┄', '┅', '┈', '┉':
			sepCount++
		}
	}
	if totalCount < 10 {
		return false
	}
	return float64(sepCount)/float64(totalCount) > 0.6
}

// isDuplicatedText returns true if a line consists of a phrase repeated twice,
// a status bar rendering artifact like "Claude Code Claude Code".
func isDuplicatedText(s string) bool {
	words := strings.Fields(s)
	if len(words) < 2 || len(words)%2 != 0 {
		return false
	}
	half := len(words) / 2
	for i := 0; i < half; i++ {
		if words[i] != words[half+i] {
			return false
		}
	}
	return true
}
