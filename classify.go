package main

import (
	"regexp"
	"strings"
)

// lineKind is the structural role of a single transcript line.
type lineKind int

const (
	kindEmpty lineKind = iota
	kindProse
	kindHeading
	kindListItem
	kindRule
	kindFence
	kindBoxRow    // starts with a table/tree glyph: ┌ ├ └ │
	kindBoldLabel // "**label** ..." line
	kindNoise
)

func (k lineKind) String() string {
	switch k {
	case kindEmpty:
		return "empty"
	case kindProse:
		return "prose"
	case kindHeading:
		return "heading"
	case kindListItem:
		return "list"
	case kindRule:
		return "rule"
	case kindFence:
		return "fence"
	case kindBoxRow:
		return "box"
	case kindBoldLabel:
		return "bold"
	case kindNoise:
		return "noise"
	}
	return "unknown"
}

// Compiled regexes for line classification (compiled once at package init)
var (
	reHeadingPrefix  = regexp.MustCompile(`^#{1,6}\s`)
	reRulePrefix     = regexp.MustCompile(`^(?:-{3,}|\*{3,}|_{3,})`)
	reListPrefix     = regexp.MustCompile(`^(?:[-*+]\s|\d+\.\s)`)
	reBoldLabel      = regexp.MustCompile(`^\*\*[^*]`)
	reAnyListItem    = regexp.MustCompile(`^\s*[-*+]\s|^\s*\d+\.\s`)
	reNestedListItem = regexp.MustCompile(`^ {2,}- `)
)

// fenceMarker is the triple-backtick code fence delimiter.
const fenceMarker = "```"

// isFenceLine reports whether a line opens or closes a fenced code block.
func isFenceLine(line string) bool {
	return strings.HasPrefix(strings.TrimSpace(line), fenceMarker)
}

// classifyLine assigns a structural kind to a line, ignoring leading indent.
// UI chrome wins over every kind except fences.
func classifyLine(line string) lineKind {
	trimmed := strings.TrimLeft(line, " \t")
	if strings.TrimSpace(trimmed) == "" {
		return kindEmpty
	}
	switch {
	case strings.HasPrefix(trimmed, fenceMarker):
		return kindFence
	case isNoiseLine(line):
		return kindNoise
	case reHeadingPrefix.MatchString(trimmed):
		return kindHeading
	case reRulePrefix.MatchString(trimmed):
		return kindRule
	case reListPrefix.MatchString(trimmed):
		return kindListItem
	case strings.HasPrefix(trimmed, "┌"), strings.HasPrefix(trimmed, "├"),
		strings.HasPrefix(trimmed, "└"), strings.HasPrefix(trimmed, "│"):
		return kindBoxRow
	case reBoldLabel.MatchString(trimmed):
		return kindBoldLabel
	}
	return kindProse
}

// isCompleteEntry reports whether a line is a self-contained structural entry,
// so trailing column padding on it does not mean the line was wrapped.
func isCompleteEntry(k lineKind) bool {
	switch k {
	case kindHeading, kindRule, kindListItem, kindBoxRow, kindBoldLabel:
		return true
	}
	return false
}

// isBlockStart reports whether a line starts its own block and therefore can
// never be the continuation of a wrapped line.
func isBlockStart(k lineKind) bool {
	switch k {
	case kindHeading, kindRule, kindListItem, kindFence:
		return true
	}
	return false
}
