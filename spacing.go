package main

import (
	"regexp"
	"strings"
)

// Compiled regexes for paragraph spacing
var (
	reBoldKeyItem  = regexp.MustCompile(`^-\s+\*\*[^*]+\*\*\s*[:/]|^\*\*[^*]+\*\*\s*[:/]`)
	reSlashRow     = regexp.MustCompile(`^-\s+[^|*#\-\d].+\s/\s|^[^|*#\-\d].+\s/\s`)
	reConnectorEnd = regexp.MustCompile(`[+|,]\s*$`)
	reContinuation = regexp.MustCompile(`^[(\x{4e00}-\x{9fff}\x{3040}-\x{309f}\x{30a0}-\x{30ff}a-z]`)
	reSentenceEnd  = regexp.MustCompile(`[。！？.!?…]\s*$`)
)

// codeLikePatterns recognise command, HTTP and JSON fragments that reach us
// without a surrounding fence.
var codeLikePatterns = []*regexp.Regexp{
	regexp.MustCompile(`^(?:curl|wget|docker|git|npm|npx|node|python|pip|go |make|ssh|scp|rsync|tar|cat|echo|export|source|chmod|chown|mkdir|rm|cp|mv|ls|cd|grep|awk|sed)\b`),
	regexp.MustCompile(`^(?:GET|POST|PUT|DELETE|PATCH|HEAD|OPTIONS)\s+/`),
	regexp.MustCompile(`^#\s`),       // shell comment
	regexp.MustCompile(`^-[A-Za-z]`), // flag continuation, e.g. -H
	regexp.MustCompile(`^\s*[{}\[\]]`),
	regexp.MustCompile(`^\s*"[^"]+"\s*:`),
	regexp.MustCompile(`\\\s*$`),
	regexp.MustCompile(`^\s{2,}(?:[-"]|\w+=|[{}\[\]])`),
}

// isTableDerived matches lines produced by the table flattener.
func isTableDerived(line string) bool {
	return reBoldKeyItem.MatchString(line) || reSlashRow.MatchString(line)
}

func isCodeLike(line string) bool {
	for _, re := range codeLikePatterns {
		if re.MatchString(line) {
			return true
		}
	}
	return false
}

// needsBreak decides whether a blank line belongs between two adjacent
// non-empty lines outside a fence. The first matching rule wins; headings
// and plain paragraphs fall through to a break.
func needsBreak(cur, next string) bool {
	switch {
	case reAnyListItem.MatchString(cur) && reAnyListItem.MatchString(next):
		return false
	case isTableDerived(cur) && isTableDerived(next):
		return false
	case isCodeLike(cur) && isCodeLike(next):
		return false
	case reConnectorEnd.MatchString(cur) && reContinuation.MatchString(next):
		return false // sentence wrapped after a connector
	case strings.HasPrefix(next, "(") && !reSentenceEnd.MatchString(cur):
		return false // parenthetical continuation
	}
	return true
}

// NormalizeRAGMarkdown inserts the blank lines renderers that need strict
// paragraph separation expect: after headings and between paragraphs, but
// not between list items, flattened table rows, unfenced code lines or
// sentence continuations. Fenced code is never touched, and an unclosed
// fence runs to the end of the text.
func NormalizeRAGMarkdown(text string) string {
	lines := strings.Split(text, "\n")
	out := make([]string, 0, len(lines)*2)
	var st foldState

	for i, line := range lines {
		out = append(out, line)
		st, _ = st.step(line)

		if st.inFence || line == "" || i+1 == len(lines) || lines[i+1] == "" {
			continue
		}
		if needsBreak(line, lines[i+1]) {
			out = append(out, "")
		}
	}
	return strings.Join(out, "\n")
}
