package main

import (
	"fmt"
	"html"
	"regexp"
	"strings"
	"unicode/utf8"
)

// Compiled regexes for Telegram HTML rendering (compiled once at package init)
var (
	reHeading    = regexp.MustCompile(`^\s*#{1,6}\s+(.+?)\s*#*\s*$`)
	reBulletItem = regexp.MustCompile(`^(\s*)[-*+]\s+(.*)$`)
	reInlineCode = regexp.MustCompile("`([^`\n]+)`")
	reLink       = regexp.MustCompile(`\[([^\]]+)\]\(([^)\s]+)\)`)
	reBold       = regexp.MustCompile(`\*\*(.+?)\*\*`)
	reStrike     = regexp.MustCompile(`~~(.+?)~~`)
	reItalic     = regexp.MustCompile(`(^|[^*\w])\*([^*\s][^*]*?)\*($|[^*\w])`)
)

// htmlBlock is one unit of a Telegram message: a paragraph, a quote or a
// code block. A block too long for one message is split on line boundaries
// and every piece is re-wrapped in open/close so the HTML stays balanced.
type htmlBlock struct {
	open  string
	close string
	body  string
}

func (b htmlBlock) String() string {
	return b.open + b.body + b.close
}

// markdownToTelegramHTML converts chat Markdown to the HTML subset Telegram
// accepts: headings become bold lines, list markers become bullets, fenced
// code becomes <pre>, and "> " lines become a blockquote.
func markdownToTelegramHTML(md string) string {
	blocks := renderTelegramBlocks(md)
	parts := make([]string, len(blocks))
	for i, b := range blocks {
		parts[i] = b.String()
	}
	return strings.Join(parts, "\n\n")
}

// renderTelegramBlocks renders md block by block. An unclosed fence runs to
// the end of the text.
func renderTelegramBlocks(md string) []htmlBlock {
	var (
		blocks []htmlBlock
		para   []string
		quote  []string
		code   []string
		lang   string
		st     foldState
	)

	flushPara := func() {
		if len(para) > 0 {
			blocks = append(blocks, htmlBlock{body: strings.Join(para, "\n")})
			para = nil
		}
	}
	flushQuote := func() {
		if len(quote) > 0 {
			blocks = append(blocks, htmlBlock{open: "<blockquote>", close: "</blockquote>", body: strings.Join(quote, "\n")})
			quote = nil
		}
	}
	flushCode := func() {
		open := "<pre><code>"
		if lang != "" {
			open = fmt.Sprintf(`<pre><code class="language-%s">`, html.EscapeString(lang))
		}
		blocks = append(blocks, htmlBlock{open: open, close: "</code></pre>", body: html.EscapeString(strings.Join(code, "\n"))})
		code = nil
	}

	for _, line := range strings.Split(md, "\n") {
		var fence bool
		st, fence = st.step(line)
		switch {
		case fence && st.inFence:
			flushPara()
			flushQuote()
			lang = strings.TrimSpace(strings.TrimLeft(strings.TrimSpace(line), "`"))
		case fence:
			flushCode()
		case st.inFence:
			code = append(code, line)
		case strings.TrimSpace(line) == "":
			flushPara()
			flushQuote()
		case strings.HasPrefix(line, ">"):
			flushPara()
			quote = append(quote, renderInline(strings.TrimPrefix(strings.TrimPrefix(line, ">"), " ")))
		default:
			flushQuote()
			para = append(para, renderLine(line))
		}
	}

	if st.inFence {
		flushCode()
	}
	flushPara()
	flushQuote()
	return blocks
}

// renderLine renders one paragraph line, handling line-level syntax before
// the inline patterns.
func renderLine(line string) string {
	if m := reHeading.FindStringSubmatch(line); m != nil {
		return "<b>" + renderInline(m[1]) + "</b>"
	}
	if m := reBulletItem.FindStringSubmatch(line); m != nil {
		return m[1] + "• " + renderInline(m[2])
	}
	return renderInline(line)
}

// renderInline escapes s and converts inline Markdown. Code spans are cut
// out first so nothing inside them is interpreted.
func renderInline(s string) string {
	var sb strings.Builder
	last := 0
	for _, m := range reInlineCode.FindAllStringSubmatchIndex(s, -1) {
		sb.WriteString(formatInline(s[last:m[0]]))
		sb.WriteString("<code>" + html.EscapeString(s[m[2]:m[3]]) + "</code>")
		last = m[1]
	}
	sb.WriteString(formatInline(s[last:]))
	return sb.String()
}

// formatInline converts links, bold, strikethrough and italic in text that
// holds no code spans. Bold runs before italic so "**" is never read as two
// italic markers.
func formatInline(s string) string {
	s = html.EscapeString(s)
	s = convertLinks(s)
	s = reBold.ReplaceAllString(s, "<b>$1</b>")
	s = reStrike.ReplaceAllString(s, "<s>$1</s>")
	s = reItalic.ReplaceAllString(s, "${1}<i>${2}</i>${3}")
	return s
}

// convertLinks handles [text](url) after HTML escaping.
// Only allows safe URL protocols (http, https, tg) to prevent
// javascript:/data: injection from agent output.
func convertLinks(text string) string {
	return reLink.ReplaceAllStringFunc(text, func(match string) string {
		parts := reLink.FindStringSubmatch(match)
		linkText, url := parts[1], parts[2]
		lower := strings.ToLower(url)
		if !strings.HasPrefix(lower, "http://") &&
			!strings.HasPrefix(lower, "https://") &&
			!strings.HasPrefix(lower, "tg://") {
			return linkText + " (" + url + ")"
		}
		return fmt.Sprintf(`<a href="%s">%s</a>`, url, linkText)
	})
}

// splitTelegramMessage packs rendered blocks into messages of at most maxLen
// bytes, breaking between blocks where possible.
func splitTelegramMessage(blocks []htmlBlock, maxLen int) []string {
	var chunks []string
	var current strings.Builder

	flush := func() {
		if current.Len() > 0 {
			chunks = append(chunks, current.String())
			current.Reset()
		}
	}

	for _, b := range blocks {
		for _, piece := range b.pieces(maxLen) {
			if current.Len() > 0 && current.Len()+2+len(piece) > maxLen {
				flush()
			}
			if current.Len() > 0 {
				current.WriteString("\n\n")
			}
			current.WriteString(piece)
		}
	}
	flush()
	return chunks
}

// pieces returns the block as one string, or split on line boundaries with
// the wrapper repeated when it does not fit in maxLen.
func (b htmlBlock) pieces(maxLen int) []string {
	whole := b.String()
	if len(whole) <= maxLen {
		return []string{whole}
	}

	room := maxLen - len(b.open) - len(b.close)
	if room < 16 {
		room = 16
	}

	var out []string
	var current strings.Builder
	for _, line := range strings.Split(b.body, "\n") {
		for _, part := range splitAtSafeBoundary(line, room) {
			if current.Len() > 0 && current.Len()+1+len(part) > room {
				out = append(out, b.open+current.String()+b.close)
				current.Reset()
			}
			if current.Len() > 0 {
				current.WriteString("\n")
			}
			current.WriteString(part)
		}
	}
	if current.Len() > 0 {
		out = append(out, b.open+current.String()+b.close)
	}
	return out
}

// splitAtSafeBoundary splits a long line at maxLen bytes while avoiding
// splits inside an HTML entity (&amp; &lt; &#34;), an HTML tag or a UTF-8
// sequence.
func splitAtSafeBoundary(s string, maxLen int) []string {
	var parts []string
	for len(s) > maxLen {
		end := maxLen
		for j := end - 1; j >= 0 && j >= end-10; j-- {
			if s[j] == ';' {
				break
			}
			if s[j] == '&' {
				end = j
				break
			}
		}
		if open := strings.LastIndexByte(s[:end], '<'); open > strings.LastIndexByte(s[:end], '>') && open > 0 {
			end = open
		}
		for end > 0 && !utf8.RuneStart(s[end]) {
			end--
		}
		if end == 0 {
			end = maxLen
		}
		parts = append(parts, s[:end])
		s = s[end:]
	}
	if len(s) > 0 {
		parts = append(parts, s)
	}
	return parts
}
