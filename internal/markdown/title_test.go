package markdown

import (
	"strings"
	"testing"
)

func TestDeriveTitle(t *testing.T) {
	cases := []struct {
		name string
		body string
		want string
	}{
		{"heading", "# Hello\nWorld", "Hello"},
		{"deep heading", "### Deep Dive\ntext", "Deep Dive"},
		{"heading after blank lines", "\n\n## Second\nbody", "Second"},
		{"plain first line", "Just a line\nmore", "Just a line"},
		{"markdown stripped", "*emphasis* and [link](x)\nrest", "emphasis and linkx"},
		{"blockquote stripped", "> quoted words", "quoted words"},
		{"empty body", "", DefaultTitle},
		{"whitespace only", "  \n\t\n", DefaultTitle},
		{"punctuation only line then text", "---\nReal title", "Real title"},
	}
	for _, tc := range cases {
		if got := DeriveTitle(tc.body); got != tc.want {
			t.Errorf("%s: DeriveTitle(%q) = %q, want %q", tc.name, tc.body, got, tc.want)
		}
	}
}

func TestDeriveTitleTruncates(t *testing.T) {
	long := strings.Repeat("a", 250)
	got := DeriveTitle("# " + long)
	if len([]rune(got)) != 100 {
		t.Fatalf("truncated length = %d, want 100", len([]rune(got)))
	}
}
