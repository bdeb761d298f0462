package main

import (
	"regexp"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/extension"
	extast "github.com/yuin/goldmark/extension/ast"
	"github.com/yuin/goldmark/text"
)

func TestCleanTUIOutput(t *testing.T) {
	pad := func(s string, n int) string { return s + strings.Repeat(" ", n) }

	tests := []struct {
		name  string
		input string
		want  string
	}{
		{
			name:  "empty",
			input: "",
			want:  "",
		},
		{
			name:  "thought_suffix",
			input: "Final answer — thought for 3s",
			want:  "Final answer",
		},
		{
			name:  "standalone_thought",
			input: "thought for 5s",
			want:  "",
		},
		{
			name:  "tool_use_with_hint",
			input: "⏺ Searched for 2 patterns (ctrl+o to expand)",
			want:  "",
		},
		{
			name:  "tool_use_search",
			input: `⏺ Search(pattern: "foo")`,
			want:  "",
		},
		{
			name:  "tool_use_bash",
			input: "⏺ Bash(echo hello)",
			want:  "",
		},
		{
			name:  "all_noise",
			input: "⏺ Bash(ls)\n  ⎿  a.go\n  ? for shortcuts",
			want:  "",
		},
		{
			name:  "esc_to_interrupt",
			input: "Analyzing your question  esc to interrupt",
			want:  "Analyzing your question",
		},
		{
			name:  "timing_fragment",
			input: "Processing  12.3s · thought for 9s)",
			want:  "Processing",
		},
		{
			name:  "token_fragment",
			input: "Response text  ↓ 1.8k tokens)",
			want:  "Response text",
		},
		{
			name:  "expand_fragment",
			input: "Some content  ctrl+o to expand)",
			want:  "Some content",
		},
		{
			name:  "input_prompt_removed",
			input: "real content\nType your message or @path/to/file",
			want:  "real content",
		},
		{
			name:  "truncation_marker_removed",
			input: "result\n  … +334 lines (ctrl+o to expand)",
			want:  "result",
		},
		{
			name:  "blank_runs_collapsed",
			input: "a\n\n\n\nb",
			want:  "a\n\nb",
		},
		{
			name:  "noise_line_keeps_paragraph_break",
			input: "a\n⏺ Read(file)\nb",
			want:  "a\n\nb",
		},
		{
			name:  "box_table",
			input: "┌──────┬──────┐\n│ 项目 │ 说明 │\n├──────┼──────┤\n│ 源码 │ Go   │\n└──────┴──────┘",
			want:  "- **源码**: Go",
		},
		{
			name:  "single_cell_box",
			input: "┌──────┐\n│ text │\n└──────┘",
			want:  "- **text**",
		},
		{
			name:  "banner_removed",
			input: "╭───────────────────╮\n│ ✻ Welcome to Claude │\n╰───────────────────╯\n\n答案",
			want:  "答案",
		},
		{
			name:  "gfm_table",
			input: "结果如下:\n| 名称 | 值 |\n| --- | --- |\n| a | 1 |\n| b | 2 |",
			want:  "结果如下:\n- **a**: 1\n- **b**: 2",
		},
		{
			name:  "tree",
			input: "目录结构:\n├── cmd/\n│   └── main.go\n└── go.mod",
			want:  "目录结构:\n- cmd/\n  - main.go\n- go.mod",
		},
		{
			name:  "tui_indented_tree_with_comment",
			input: "  src/\n  ├── a.go    # entry\n  └── b.go",
			want:  "src/\n- a.go    # entry\n- b.go",
		},
		{
			name:  "padding_wrap",
			input: pad("  TRP (Trusted Reverse Proxy) 是", 20) + "\n  一个反向代理。",
			want:  "TRP (Trusted Reverse Proxy) 是 一个反向代理。",
		},
		{
			name:  "dash_wrap",
			input: "基于 Nginx +      ───────────────\nOpenResty 开发。",
			want:  "基于 Nginx + OpenResty 开发。",
		},
		{
			name:  "wrap_chain",
			input: pad("aaa", 12) + "\n" + pad("bbb", 12) + "\nccc",
			want:  "aaa bbb ccc",
		},
		{
			name:  "wrap_does_not_absorb_list",
			input: pad("intro", 12) + "\n- item",
			want:  "intro\n- item",
		},
		{
			name:  "wrap_does_not_absorb_heading",
			input: pad("intro", 12) + "\n## Next",
			want:  "intro\n## Next",
		},
		{
			name:  "wrap_does_not_absorb_blank",
			input: pad("intro", 12) + "\n\nnext",
			want:  "intro\n\nnext",
		},
		{
			name:  "padded_list_item_not_wrapped",
			input: pad("- item", 12) + "\nnext",
			want:  "- item\nnext",
		},
		{
			name:  "nine_trailing_spaces_not_wrapped",
			input: pad("short", 9) + "\nnext",
			want:  "short\nnext",
		},
		{
			name:  "ten_trailing_spaces_wrapped",
			input: pad("short", 10) + "\nnext",
			want:  "short next",
		},
		{
			name:  "tree_grandchild_under_closed_sibling",
			input: "src/\n├── a/\n│   ├── b.go\n│   └── c/\n│       └── d.go\n└── e.go",
			want:  "src/\n- a/\n  - b.go\n  - c/\n  - d.go\n- e.go",
		},
		{
			name:  "pure_dash_rule_does_not_absorb",
			input: "above\n────────────\nbelow",
			want:  "above\n\nbelow",
		},
		{
			name:  "bullets_normalized",
			input: "• one\n  ◦ two",
			want:  "- one\n  - two",
		},
		{
			name:  "panel_indent_removed",
			input: "  ## Title\n  Body text\n- item\n  - nested",
			want:  "## Title\nBody text\n- item\n  - nested",
		},
		{
			name:  "fence_preserved",
			input: "  说明\n  ```go\n      x := 1    // note\n  │ keep\n  ```",
			want:  "说明\n```go\n      x := 1    // note\n  │ keep\n```",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, CleanTUIOutput(tt.input))
		})
	}
}

// transcriptSamples are realistic screen captures used for the property
// checks below.
var transcriptSamples = []string{
	"⏺ Read(README.md)\n  ⎿  Read 120 lines\n\n  TRP 是一个反向代理。\n\n  ┌──────┬──────┐\n  │ 项目 │ 说明 │\n  ├──────┼──────┤\n  │ 源码 │ Go   │\n  │ 部署 │ k8s  │\n  └──────┴──────┘\n\n\n\n  ✻ Thinking…      esc to interrupt",
	"╭────────────────────╮\n│ ✻ Welcome!         │\n╰────────────────────╯\n\n  目录:\n  ├── cmd/\n  │   └── main.go\n  └── go.mod\n\n  | A | B | C |\n  |---|---|---|\n  | 1 | 2 | 3 |",
	"  Here is the command:\n  ```bash\n  curl -X POST http://x/y \\\n    -d '{\"a\": 1}'\n  ```\n  ● done\n  ⏵⏵ accept edits on",
	"  The service uses a long sentence that was cut                 \n  at the edge of the panel and continues here ────────\n  and ends here.\n\n\n\n  • first\n  • second",
}

var reUIChrome = regexp.MustCompile(`[\x{2500}-\x{257F}⎿▀▄░✦●✻⏺⏵❯]`)

func TestCleanTUIOutputInvariants(t *testing.T) {
	for i, sample := range transcriptSamples {
		out := CleanTUIOutput(sample)

		assert.NotContains(t, out, "\n\n\n", "sample %d", i)
		assert.Equal(t, strings.TrimSpace(out), out, "sample %d", i)

		inFence := false
		for _, line := range strings.Split(out, "\n") {
			if isFenceLine(line) {
				inFence = !inFence
				continue
			}
			if inFence {
				continue
			}
			assert.False(t, reUIChrome.MatchString(line), "sample %d: chrome survived in %q", i, line)
			if strings.HasPrefix(strings.TrimLeft(line, " "), "- ") && strings.HasPrefix(line, " ") {
				indent := len(line) - len(strings.TrimLeft(line, " "))
				assert.Zero(t, indent%2, "sample %d: odd nesting in %q", i, line)
			}
		}
	}
}

func TestCleanedOutputHasNoTables(t *testing.T) {
	md := goldmark.New(goldmark.WithExtensions(extension.GFM))

	for i, sample := range transcriptSamples {
		src := []byte(NormalizeRAGMarkdown(CleanTUIOutput(sample)))
		doc := md.Parser().Parse(text.NewReader(src))

		err := ast.Walk(doc, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
			if entering && n.Kind() == extast.KindTable {
				t.Errorf("sample %d: table survived cleaning:\n%s", i, src)
				return ast.WalkStop, nil
			}
			return ast.WalkContinue, nil
		})
		require.NoError(t, err)
	}
}

func TestCleanTUIOutputSafeForConcurrentUse(t *testing.T) {
	want := make([]string, len(transcriptSamples))
	for i, s := range transcriptSamples {
		want[i] = CleanTUIOutput(s)
	}

	done := make(chan struct{})
	for g := 0; g < 8; g++ {
		go func() {
			defer func() { done <- struct{}{} }()
			for i, s := range transcriptSamples {
				assert.Equal(t, want[i], CleanTUIOutput(s))
			}
		}()
	}
	for g := 0; g < 8; g++ {
		<-done
	}
}
