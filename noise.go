package main

import (
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"
)

// noisePatterns match whole lines of agent UI chrome. A matching line is
// blanked, not removed, so paragraph breaks around it survive.
var noisePatterns = []*regexp.Regexp{
	regexp.MustCompile(`^⏺`),        // tool-use status line
	regexp.MustCompile(`^●\s`),      // tool-use marker line
	regexp.MustCompile(`^\s*⎿`),     // tool result continuation
	regexp.MustCompile(`^thought for \d+s\s*$`),
	regexp.MustCompile(`Type your message or @path/to/file`),
	regexp.MustCompile(`Press 'i' for INSERT mode`),
	regexp.MustCompile(`^\s*⏵⏵\s`), // auto-accept status
	regexp.MustCompile(`^\s*[✓✗]\s.*(?:Update installed|Restart to apply)`),
	regexp.MustCompile(`\?\s*for shortcuts`),
	regexp.MustCompile(`^\s*…\s*\+\d+\s*lines?\s*\(ctrl\+`), // "… +334 lines (ctrl+o to expand)"
}

// Compiled regexes for per-line stripping
var (
	// Known right-pane phrases, stripped after a gap of only two spaces.
	reStatusPhrase = regexp.MustCompile(`\s{2,}(?:esc to interrupt|ctrl\+[a-z] to (?:expand|interrupt)\)?|to expand\)|thought for \d+s\)?|[\d.]+s\s*[·•]\s*thought for \d+s\)|↓[^)]*\)|[\d.]+[ks]?\s*tokens[^)]*\)|\d+\.\d+s\)).*$`)
	reThoughtSuffix = regexp.MustCompile(`\s*[\x{2014}\x{2013}-]\s*thought for \d+s\s*$|\s+thought for \d+s\s*$|\s*[A-Z][a-zéè]+ for \d+s\s*$`)
	reInlineHint    = regexp.MustCompile(`\s*\(ctrl\+[a-z] to (?:expand|interrupt)\)`)
	reUIGlyph       = regexp.MustCompile(`[⎿▀▄░✦●✻⏺⏵❯]`)
	reBoxDrawing    = regexp.MustCompile(`[\x{2500}-\x{257F}]`)
	reGlyphBullet   = regexp.MustCompile(`^(\s*)[•◦‣⁃]\s*`)
	reDashTrail     = regexp.MustCompile(`[─━]+\s*$`)
	rePaddingTrail  = regexp.MustCompile(`\S\s{10,}$`)
)

// statusGapWidth is the shortest run of blanks that separates content from
// right-pane status text bleeding into the same screen row.
const statusGapWidth = 4

// isNoiseLine reports whether the whole line is UI chrome.
func isNoiseLine(line string) bool {
	for _, re := range noisePatterns {
		if re.MatchString(line) {
			return true
		}
	}
	return false
}

// isWrappedLine reports whether a raw screen line was cut at the terminal
// edge: it ends in a run of border dashes, or it is prose padded out to the
// column width with trailing blanks.
func isWrappedLine(raw string) bool {
	if reDashTrail.MatchString(raw) {
		return true
	}
	if k := classifyLine(raw); isCompleteEntry(k) || k == kindFence {
		return false
	}
	return rePaddingTrail.MatchString(raw)
}

// statusGapIndex returns the byte offset of the first run of statusGapWidth
// or more blanks that follows content and precedes more text, or -1. A gap
// followed by "# " is an inline annotation and does not count.
func statusGapIndex(line string) int {
	prevContent := false
	for i := 0; i < len(line); {
		r, size := utf8.DecodeRuneInString(line[i:])
		if !isASCIISpace(r) {
			prevContent = true
			i += size
			continue
		}

		start := i
		for i < len(line) && isASCIISpace(rune(line[i])) {
			i++
		}
		if !prevContent || i-start < statusGapWidth || i == len(line) {
			continue
		}
		if line[i] == '#' && i+1 < len(line) && isASCIISpace(rune(line[i+1])) {
			continue
		}
		return start
	}
	return -1
}

// isASCIISpace matches the blanks a terminal emits, the same set as \s.
func isASCIISpace(r rune) bool {
	switch r {
	case ' ', '\t', '\n', '\v', '\f', '\r':
		return true
	}
	return false
}

// stripTrailingStatus cuts right-pane status text off the end of a line. The
// status string can be truncated at any column ("rrupt", "upt"), so any text
// behind a wide gap goes; known phrases go behind a narrow one too.
func stripTrailingStatus(line string) string {
	cut := statusGapIndex(line)
	if loc := reStatusPhrase.FindStringIndex(line); loc != nil && (cut < 0 || loc[0] < cut) {
		cut = loc[0]
	}
	if cut < 0 {
		return line
	}
	return line[:cut]
}

// stripLineNoise removes status fragments, glyphs and box-drawing remnants from
// a single line and rewrites glyph bullets to "- ".
func stripLineNoise(line string) string {
	line = stripTrailingStatus(line)
	line = reThoughtSuffix.ReplaceAllString(line, "")
	line = reInlineHint.ReplaceAllString(line, "")
	line = reUIGlyph.ReplaceAllString(line, "")
	line = reBoxDrawing.ReplaceAllString(line, "")
	line = reGlyphBullet.ReplaceAllString(line, "${1}- ")
	return strings.TrimRightFunc(line, unicode.IsSpace)
}
