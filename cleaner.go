package main

import (
	"strings"
	"unicode"
)

// lineRecord is one screen line during stripping and unwrapping.
type lineRecord struct {
	text    string
	wrapped bool // cut at the terminal edge; continues on the next line
}

// foldState is the cross-line state threaded through the line folds.
type foldState struct {
	inFence bool
}

// step advances the fence flag past line and reports whether line is a
// fence marker.
func (s foldState) step(line string) (foldState, bool) {
	if isFenceLine(line) {
		return foldState{inFence: !s.inFence}, true
	}
	return s, false
}

// CleanTUIOutput turns the raw transcript of a terminal agent session into
// Markdown the chat renderers accept: tables and trees become lists, UI
// chrome is dropped, hard-wrapped lines are rejoined and the 2-space panel
// indent is removed. Fenced code passes through untouched. It never fails;
// empty or all-noise input yields "".
func CleanTUIOutput(text string) string {
	if text == "" {
		return ""
	}

	lines := strings.Split(text, "\n")
	for _, phase := range []func([]string) []string{
		convertBoxTables,
		stripBanners,
		convertPipeTables,
		convertTrees,
	} {
		lines = phase(lines)
	}

	records := unwrapLines(stripNoise(lines))
	lines = collapseBlankLines(recordTexts(records))
	lines = deindent(lines)

	return strings.TrimSpace(strings.Join(lines, "\n"))
}

// stripNoise blanks UI chrome lines and cleans the rest, recording whether
// each line was wrapped before its evidence is stripped. Lines inside fences
// are only right-trimmed.
func stripNoise(lines []string) []lineRecord {
	out := make([]lineRecord, 0, len(lines))
	var st foldState

	for _, line := range lines {
		var fence bool
		st, fence = st.step(line)
		if fence || st.inFence {
			out = append(out, lineRecord{text: strings.TrimRightFunc(line, unicode.IsSpace)})
			continue
		}
		if classifyLine(line) == kindNoise {
			out = append(out, lineRecord{})
			continue
		}
		out = append(out, lineRecord{
			text:    stripLineNoise(line),
			wrapped: isWrappedLine(line),
		})
	}
	return out
}

// unwrapLines joins each wrapped line with the non-empty line after it. Lines
// that open their own block are never absorbed. The joined line takes over
// the continuation's wrapped flag, so chains merge transitively.
func unwrapLines(records []lineRecord) []lineRecord {
	out := make([]lineRecord, 0, len(records))

	for _, rec := range records {
		if n := len(out); n > 0 && canAbsorb(out[n-1], rec) {
			prev := out[n-1]
			out[n-1] = lineRecord{
				text:    prev.text + " " + strings.TrimLeftFunc(rec.text, unicode.IsSpace),
				wrapped: rec.wrapped,
			}
			continue
		}
		out = append(out, rec)
	}
	return out
}

func canAbsorb(prev, next lineRecord) bool {
	if !prev.wrapped || strings.TrimSpace(prev.text) == "" || next.text == "" {
		return false
	}
	return !isBlockStart(classifyLine(next.text))
}

func recordTexts(records []lineRecord) []string {
	out := make([]string, len(records))
	for i, rec := range records {
		out[i] = rec.text
	}
	return out
}

// collapseBlankLines squeezes every run of empty lines down to one.
func collapseBlankLines(lines []string) []string {
	out := make([]string, 0, len(lines))
	for _, line := range lines {
		if line == "" && len(out) > 0 && out[len(out)-1] == "" {
			continue
		}
		out = append(out, line)
	}
	return out
}

// deindent strips the panel indent from every line outside fences. Nested
// list items ("  - x", from tree conversion) keep their indent and fence
// markers are always pulled to column 0.
func deindent(lines []string) []string {
	out := make([]string, len(lines))
	var st foldState

	for i, line := range lines {
		var fence bool
		st, fence = st.step(line)
		switch {
		case fence:
			out[i] = strings.TrimLeftFunc(line, unicode.IsSpace)
		case st.inFence:
			out[i] = line
		case reNestedListItem.MatchString(line):
			out[i] = line
		default:
			out[i] = strings.TrimLeftFunc(line, unicode.IsSpace)
		}
	}
	return out
}
