package main

import (
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"
)

// Compiled regexes for directory trees
var (
	reTreeLine   = regexp.MustCompile(`^\s*[├└│]`)
	reTreeIndent = regexp.MustCompile(`^ {1,2}`)
	reTreeGlyphs = regexp.MustCompile(`^[│\s]*(?:[├└][─━]*)?\s*`)
)

// treeIndentUnit is the column width of one nesting level when a tree is
// indented with spaces only (the rows below a └── entry).
const treeIndentUnit = 4

// treeRow is one entry of a directory tree.
type treeRow struct {
	depth int
	label string
}

// String renders the row as a nested Markdown list item.
func (r treeRow) String() string {
	return strings.Repeat("  ", r.depth) + "- " + r.label
}

// parseTreeRow reduces a tree line to its depth and label. ok is false for
// pure spacer lines such as a lone "│".
func parseTreeRow(raw string) (row treeRow, ok bool) {
	line := reTreeIndent.ReplaceAllString(raw, "")

	label := strings.TrimRightFunc(line[len(reTreeGlyphs.FindString(line)):], unicode.IsSpace)
	if label == "" {
		return treeRow{}, false
	}
	return treeRow{depth: treeDepth(line), label: label}, true
}

// treeDepth infers nesting from the prefix before the branch glyph. Each │
// is one level; only a prefix of plain spaces (rows under a └── entry) is
// measured by width, one level per treeIndentUnit columns, rounded.
func treeDepth(line string) int {
	idx := strings.IndexFunc(line, func(r rune) bool {
		return r != '│' && !unicode.IsSpace(r)
	})
	if idx <= 0 {
		return 0
	}
	if !strings.HasPrefix(line[idx:], "├") && !strings.HasPrefix(line[idx:], "└") {
		return 0
	}
	prefix := line[:idx]
	if pipes := strings.Count(prefix, "│"); pipes > 0 {
		return pipes
	}
	return (utf8.RuneCountInString(prefix) + treeIndentUnit/2) / treeIndentUnit
}

// convertTrees rewrites runs of ├── / └── / │ lines into nested list items so
// directory listings survive glyph stripping and keep their shape. The label
// line above a tree is left as is; blank lines inside a run are dropped.
func convertTrees(lines []string) []string {
	out := make([]string, 0, len(lines))
	inFence := false

	for i := 0; i < len(lines); {
		line := lines[i]
		if isFenceLine(line) {
			inFence = !inFence
		}
		if inFence || !reTreeLine.MatchString(line) {
			out = append(out, line)
			i++
			continue
		}

		for i < len(lines) {
			if reTreeLine.MatchString(lines[i]) {
				if row, ok := parseTreeRow(lines[i]); ok {
					out = append(out, row.String())
				}
				i++
				continue
			}
			// Blank lines stay part of the run only if the tree resumes.
			j := i
			for j < len(lines) && strings.TrimSpace(lines[j]) == "" {
				j++
			}
			if j == i || j == len(lines) || !reTreeLine.MatchString(lines[j]) {
				break
			}
			i = j
		}
	}
	return out
}
