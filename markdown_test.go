package main

import (
	"reflect"
	"strings"
	"testing"
)

func TestMarkdownToTelegramHTML(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{
			name:  "empty_input",
			input: "",
			want:  "",
		},
		{
			name:  "plain_text",
			input: "Hello world",
			want:  "Hello world",
		},
		{
			name:  "html_escaping",
			input: "Use <div> & \"quotes\"",
			want:  "Use &lt;div&gt; &amp; &#34;quotes&#34;",
		},
		{
			name:  "bold",
			input: "This is **bold** text",
			want:  "This is <b>bold</b> text",
		},
		{
			name:  "italic",
			input: "This is *italic* text",
			want:  "This is <i>italic</i> text",
		},
		{
			name:  "bold_and_italic",
			input: "**bold** and *italic*",
			want:  "<b>bold</b> and <i>italic</i>",
		},
		{
			name:  "strikethrough",
			input: "This is ~~deleted~~ text",
			want:  "This is <s>deleted</s> text",
		},
		{
			name:  "inline_code",
			input: "Use `fmt.Println` here",
			want:  "Use <code>fmt.Println</code> here",
		},
		{
			name:  "inline_code_is_literal",
			input: "Use `**<div>**` tag",
			want:  "Use <code>**&lt;div&gt;**</code> tag",
		},
		{
			name:  "heading",
			input: "## 部署步骤",
			want:  "<b>部署步骤</b>",
		},
		{
			name:  "bullets",
			input: "- one\n  * two",
			want:  "• one\n  • two",
		},
		{
			name:  "fenced_code",
			input: "```go\nif a < b {\n}\n```",
			want:  "<pre><code class=\"language-go\">if a &lt; b {\n}</code></pre>",
		},
		{
			name:  "unclosed_fence_runs_to_end",
			input: "text\n```\n**not bold**",
			want:  "text\n\n<pre><code>**not bold**</code></pre>",
		},
		{
			name:  "blockquote",
			input: "> first\n> **second**\nafter",
			want:  "<blockquote>first\n<b>second</b></blockquote>\n\nafter",
		},
		{
			name:  "paragraphs",
			input: "para one\n\n## Title\nbody",
			want:  "para one\n\n<b>Title</b>\nbody",
		},
		{
			name:  "link",
			input: "See [Go](https://go.dev/doc)",
			want:  "See <a href=\"https://go.dev/doc\">Go</a>",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := markdownToTelegramHTML(tt.input)
			if got != tt.want {
				t.Errorf("markdownToTelegramHTML(%q)\ngot:  %q\nwant: %q", tt.input, got, tt.want)
			}
		})
	}
}

func TestConvertLinksURLSanitization(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{"https", "[docs](https://example.com)", `<a href="https://example.com">docs</a>`},
		{"http", "[docs](http://example.com)", `<a href="http://example.com">docs</a>`},
		{"tg", "[me](tg://user?id=1)", `<a href="tg://user?id=1">me</a>`},
		{"uppercase_scheme", "[docs](HTTPS://example.com)", `<a href="HTTPS://example.com">docs</a>`},
		{"javascript", "[click](javascript:void)", "click (javascript:void)"},
		{"data", "[x](data:text/html,hi)", "x (data:text/html,hi)"},
		{"relative", "[x](/etc/passwd)", "x (/etc/passwd)"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := convertLinks(tt.input); got != tt.want {
				t.Errorf("convertLinks(%q) = %q, want %q", tt.input, got, tt.want)
			}
		})
	}
}

func TestSplitTelegramMessage(t *testing.T) {
	t.Run("packs_blocks", func(t *testing.T) {
		blocks := []htmlBlock{
			{body: strings.Repeat("a", 10)},
			{body: strings.Repeat("b", 10)},
			{body: strings.Repeat("c", 10)},
		}
		got := splitTelegramMessage(blocks, 25)
		want := []string{"aaaaaaaaaa\n\nbbbbbbbbbb", "cccccccccc"}
		if !reflect.DeepEqual(got, want) {
			t.Errorf("got %q, want %q", got, want)
		}
	})

	t.Run("oversized_code_block_stays_balanced", func(t *testing.T) {
		body := strings.TrimSuffix(strings.Repeat("0123456789\n", 5), "\n")
		blocks := []htmlBlock{{open: "<pre><code>", close: "</code></pre>", body: body}}

		got := splitTelegramMessage(blocks, 50)
		if len(got) != 3 {
			t.Fatalf("expected 3 chunks, got %d: %q", len(got), got)
		}
		for _, chunk := range got {
			if len(chunk) > 50 {
				t.Errorf("chunk exceeds limit: %d bytes", len(chunk))
			}
			if !strings.HasPrefix(chunk, "<pre><code>") || !strings.HasSuffix(chunk, "</code></pre>") {
				t.Errorf("chunk is not wrapped: %q", chunk)
			}
		}
	})

	t.Run("empty", func(t *testing.T) {
		if got := splitTelegramMessage(nil, 100); len(got) != 0 {
			t.Errorf("expected no chunks, got %q", got)
		}
	})

	t.Run("rendered_answer_fits", func(t *testing.T) {
		md := strings.Repeat("- **item** with some text & more\n", 300)
		chunks := splitTelegramMessage(renderTelegramBlocks(md), 4000)
		if len(chunks) < 2 {
			t.Fatalf("expected the answer to be split, got %d chunk", len(chunks))
		}
		for i, chunk := range chunks {
			if len(chunk) > 4000 {
				t.Errorf("chunk %d is %d bytes", i, len(chunk))
			}
			if strings.Count(chunk, "<b>") != strings.Count(chunk, "</b>") {
				t.Errorf("chunk %d has unbalanced bold tags", i)
			}
		}
	})
}

func TestSplitAtSafeBoundary(t *testing.T) {
	tests := []struct {
		name   string
		input  string
		maxLen int
		want   []string
	}{
		{"short", "abc", 10, []string{"abc"}},
		{"entity_not_split", "aaaa&amp;bbbb", 6, []string{"aaaa", "&amp;b", "bbb"}},
		{"utf8_not_split", "你好世界", 4, []string{"你", "好", "世", "界"}},
		{"plain", "abcdefgh", 3, []string{"abc", "def", "gh"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := splitAtSafeBoundary(tt.input, tt.maxLen)
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("splitAtSafeBoundary(%q, %d) = %q, want %q", tt.input, tt.maxLen, got, tt.want)
			}
		})
	}
}

func BenchmarkMarkdownToTelegramHTML(b *testing.B) {
	input := strings.Repeat("## Heading\n\nSome **bold** and *italic* text with `code`.\n\n```go\nfunc main() {}\n```\n\n- item one\n- item two\n\n", 10)
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		markdownToTelegramHTML(input)
	}
}
