// Package markdown derives display titles from Markdown note bodies.
package markdown

import (
	"regexp"
	"strings"
)

// DefaultTitle is used when no title can be derived from the body.
const DefaultTitle = "Untitled"

// maxTitleLen bounds derived titles.
const maxTitleLen = 100

var (
	headingRe = regexp.MustCompile(`^#{1,6}\s+(.*)$`)
	// Inline markers stripped when falling back to a plain line.
	markupRe = regexp.MustCompile("[*_`~\\[\\]()>#-]")
)

// DeriveTitle returns a title for the given Markdown body: the first
// heading line, else the first non-empty line with Markdown punctuation
// stripped, truncated to 100 characters, else "Untitled".
func DeriveTitle(body string) string {
	for _, line := range strings.Split(body, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if m := headingRe.FindStringSubmatch(line); m != nil {
			if t := truncate(strings.TrimSpace(m[1])); t != "" {
				return t
			}
			continue
		}
		if t := truncate(strings.TrimSpace(markupRe.ReplaceAllString(line, ""))); t != "" {
			return t
		}
	}
	return DefaultTitle
}

func truncate(s string) string {
	r := []rune(s)
	if len(r) <= maxTitleLen {
		return s
	}
	return string(r[:maxTitleLen])
}
