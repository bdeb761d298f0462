package main

import (
	"regexp"
	"strings"
)

// Compiled regexes for box-drawn and pipe tables
var (
	reBoxTop        = regexp.MustCompile(`^[ \t]*[┌╔][─═┬╦]+[┐╗]`)
	reBoxBottom     = regexp.MustCompile(`[└╚][─═┴╩]+[┘╝]`)
	reBoxSeparator  = regexp.MustCompile(`[│║]`)
	reBannerTop     = regexp.MustCompile(`^[ \t]*╭[─╌]+╮`)
	reBannerBottom  = regexp.MustCompile(`╰[─╌]+╯`)
	rePipe          = regexp.MustCompile(`\|`)
	rePipeRow       = regexp.MustCompile(`^\s*\|`)
	rePipeSeparator = regexp.MustCompile(`^\s*\|[\s:]*-{2,}[\s:|-]*\|\s*$`)
)

// tableBlock is a parsed table: the first row is the header, the rest data.
type tableBlock struct {
	header []string
	rows   [][]string
}

func newTableBlock(rows [][]string) tableBlock {
	return tableBlock{header: rows[0], rows: rows[1:]}
}

// fitRow pads or truncates a row to the given width.
func fitRow(row []string, width int) []string {
	out := make([]string, width)
	copy(out, row)
	return out
}

// formatTableAsList flattens a table into list items the target renderer can
// show. Two-column tables become "- **key**: value" lines. Wider tables get a
// bold header item followed by one " / "-joined item per data row; a row with an
// empty first cell inherits the last non-empty first cell seen.
func formatTableAsList(t tableBlock) []string {
	width := len(t.header)

	if width == 2 {
		if len(t.rows) == 0 {
			return []string{"- **" + t.header[0] + "**: " + t.header[1]}
		}
		out := make([]string, 0, len(t.rows))
		for _, row := range t.rows {
			cells := fitRow(row, width)
			out = append(out, "- **"+cells[0]+"**: "+cells[1])
		}
		return out
	}

	bold := make([]string, width)
	for i, h := range t.header {
		bold[i] = "**" + h + "**"
	}
	out := make([]string, 0, len(t.rows)+1)
	out = append(out, "- "+strings.Join(bold, " / "))

	lastFirst := ""
	for _, row := range t.rows {
		cells := fitRow(row, width)
		if cells[0] == "" {
			cells[0] = lastFirst
		} else {
			lastFirst = cells[0]
		}
		out = append(out, "- "+strings.Join(cells, " / "))
	}
	return out
}

// splitCells splits a table row on sep and trims each cell. Whatever sits
// before the first separator is dropped. The segment after the last one is
// dropped too when closed is set, otherwise only when it is blank, so a pipe
// row without its closing "|" keeps its last cell.
func splitCells(line string, sep *regexp.Regexp, closed bool) []string {
	parts := sep.Split(line, -1)
	if len(parts) < 2 {
		return nil
	}
	parts = parts[1:]
	if closed || strings.TrimSpace(parts[len(parts)-1]) == "" {
		parts = parts[:len(parts)-1]
	}
	cells := make([]string, len(parts))
	for i, p := range parts {
		cells[i] = strings.TrimSpace(p)
	}
	return cells
}

// convertBoxTables rewrites ┌─┬─┐ … └─┴─┘ tables into list form. A candidate
// without a bottom border or without any │ row is left untouched.
func convertBoxTables(lines []string) []string {
	out := make([]string, 0, len(lines))
	inFence := false

	for i := 0; i < len(lines); i++ {
		line := lines[i]
		if isFenceLine(line) {
			inFence = !inFence
		}
		if inFence || !reBoxTop.MatchString(line) {
			out = append(out, line)
			continue
		}

		end := -1
		for j := i + 1; j < len(lines); j++ {
			if reBoxBottom.MatchString(lines[j]) {
				end = j
				break
			}
		}
		if end < 0 {
			out = append(out, line)
			continue
		}

		var rows [][]string
		for _, l := range lines[i+1 : end] {
			if !reBoxSeparator.MatchString(l) {
				continue // border-only row
			}
			if cells := splitCells(l, reBoxSeparator, true); len(cells) > 0 {
				rows = append(rows, cells)
			}
		}
		if len(rows) == 0 {
			out = append(out, lines[i:end+1]...)
			i = end
			continue
		}

		out = append(out, formatTableAsList(newTableBlock(rows))...)
		if rest := lineAfterMatch(lines[end], reBoxBottom); rest != "" {
			out = append(out, rest)
		}
		i = end
	}
	return out
}

// stripBanners deletes rounded ╭─╮ … ╰─╯ boxes, which only ever carry
// decorative welcome banners.
func stripBanners(lines []string) []string {
	out := make([]string, 0, len(lines))
	inFence := false

	for i := 0; i < len(lines); i++ {
		line := lines[i]
		if isFenceLine(line) {
			inFence = !inFence
		}
		if inFence || !reBannerTop.MatchString(line) {
			out = append(out, line)
			continue
		}

		end := -1
		if rest := line[len(reBannerTop.FindString(line)):]; reBannerBottom.MatchString(rest) {
			end = i
		}
		for j := i + 1; end < 0 && j < len(lines); j++ {
			if reBannerBottom.MatchString(lines[j]) {
				end = j
			}
		}
		if end < 0 {
			out = append(out, line)
			continue
		}
		if rest := lineAfterMatch(lines[end], reBannerBottom); rest != "" {
			out = append(out, rest)
		}
		i = end
	}
	return out
}

// lineAfterMatch returns the non-blank text following the first match of re.
func lineAfterMatch(line string, re *regexp.Regexp) string {
	loc := re.FindStringIndex(line)
	if loc == nil {
		return ""
	}
	rest := line[loc[1]:]
	if strings.TrimSpace(rest) == "" {
		return ""
	}
	return rest
}

// convertPipeTables rewrites GFM pipe tables into list form. A run of lines
// starting with "|" qualifies only when it has a separator row such as
// "| --- | :--: |"; anything else is kept as plain text.
func convertPipeTables(lines []string) []string {
	out := make([]string, 0, len(lines))
	inFence := false

	for i := 0; i < len(lines); {
		line := lines[i]
		if isFenceLine(line) {
			inFence = !inFence
		}
		if inFence || !rePipeRow.MatchString(line) {
			out = append(out, line)
			i++
			continue
		}

		j := i
		for j < len(lines) && rePipeRow.MatchString(lines[j]) {
			j++
		}
		run := lines[i:j]
		i = j

		if rows := parsePipeRows(run); len(rows) > 0 {
			out = append(out, formatTableAsList(newTableBlock(rows))...)
			continue
		}
		out = append(out, run...)
	}
	return out
}

// parsePipeRows returns the non-empty data rows of a pipe-table run, or nil
// when the run is not a table.
func parsePipeRows(run []string) [][]string {
	if len(run) < 2 {
		return nil
	}

	hasSeparator := false
	var rows [][]string
	for _, l := range run {
		if rePipeSeparator.MatchString(l) {
			hasSeparator = true
			continue
		}
		cells := splitCells(l, rePipe, false)
		if len(cells) == 0 || allEmpty(cells) {
			continue
		}
		rows = append(rows, cells)
	}
	if !hasSeparator {
		return nil
	}
	return rows
}

func allEmpty(cells []string) bool {
	for _, c := range cells {
		if c != "" {
			return false
		}
	}
	return true
}
