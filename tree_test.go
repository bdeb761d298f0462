package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestConvertTrees(t *testing.T) {
	tests := []struct {
		name  string
		input []string
		want  []string
	}{
		{
			name: "pipe_nesting",
			input: []string{
				"01_产品模块/TRP/",
				"├── _MODULE_INDEX.md    # 模块索引",
				"├── 设计文档/",
				"│   ├── foo.md",
				"│   └── bar.md",
				"└── OCSP/",
			},
			want: []string{
				"01_产品模块/TRP/",
				"- _MODULE_INDEX.md    # 模块索引",
				"- 设计文档/",
				"  - foo.md",
				"  - bar.md",
				"- OCSP/",
			},
		},
		{
			name: "space_nesting_under_last_entry",
			input: []string{
				"  └── pkg/",
				"      ├── a.go",
				"      └── sub/",
				"          └── b.go",
			},
			want: []string{
				"- pkg/",
				"  - a.go",
				"  - sub/",
				"    - b.go",
			},
		},
		{
			name: "pipe_then_spaces",
			input: []string{
				"├── a/",
				"│   └── b/",
				"│       └── c.go",
				"└── d",
			},
			want: []string{
				"- a/",
				"  - b/",
				"  - c.go",
				"- d",
			},
		},
		{
			name:  "spacer_lines_dropped",
			input: []string{"├── a", "│", "└── b"},
			want:  []string{"- a", "- b"},
		},
		{
			name:  "blank_inside_run_dropped",
			input: []string{"├── a", "", "└── b", "", "after"},
			want:  []string{"- a", "- b", "", "after"},
		},
		{
			name:  "heavy_dash_filler",
			input: []string{"├━━ a", "└━━ b"},
			want:  []string{"- a", "- b"},
		},
		{
			name:  "inside_fence_untouched",
			input: []string{"```", "├── a", "└── b", "```"},
			want:  []string{"```", "├── a", "└── b", "```"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, convertTrees(tt.input))
		})
	}
}

func TestTreeDepth(t *testing.T) {
	tests := []struct {
		line string
		want int
	}{
		{"├── a", 0},
		{"│   ├── a", 1},
		{"│   │   └── a", 2},
		{"    └── a", 1},
		{"        └── a", 2},
		{"│ │ ├─ a", 2},
		{"│       └── a", 1},
		{"│ text", 0},
	}

	for _, tt := range tests {
		t.Run(tt.line, func(t *testing.T) {
			assert.Equal(t, tt.want, treeDepth(tt.line))
		})
	}
}
