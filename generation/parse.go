package generation

import (
	"strings"
)

// DefaultStoryTitle is used when generated content names no title
const DefaultStoryTitle = "Untitled Story"

// maxHeaderLines bounds the header block searched for a "Title:" line
const maxHeaderLines = 5

// Parsed is generated content split into title and body
type Parsed struct {
	Title string
	Body  string
}

// ParseStory extracts a story title, falling back to DefaultStoryTitle
func ParseStory(content string) Parsed {
	return ParseContent(content, DefaultStoryTitle)
}

// ParseContent extracts a title from generated content. The first match
// wins, in this order: a heading as the first line, a "Title:" line in the
// header block, a single bold line as the first line. The header block is
// the first paragraph, at most maxHeaderLines lines. The body is the remaining text with
// leading blank lines skipped. Without a match the title is fallback and
// the body is the whole content.
func ParseContent(content, fallback string) Parsed {
	lines := strings.Split(strings.ReplaceAll(content, "\r\n", "\n"), "\n")

	first := firstNonBlank(lines)
	if first < 0 {
		return Parsed{Title: fallback}
	}

	if title, ok := headingTitle(lines[first]); ok {
		return Parsed{Title: title, Body: bodyAfter(lines, first)}
	}

	for i := first; i < len(lines) && i < first+maxHeaderLines && strings.TrimSpace(lines[i]) != ""; i++ {
		if title, ok := labeledTitle(lines[i]); ok {
			return Parsed{Title: title, Body: bodyWithout(lines, i)}
		}
	}

	if title, ok := boldTitle(lines[first]); ok {
		return Parsed{Title: title, Body: bodyAfter(lines, first)}
	}

	return Parsed{Title: fallback, Body: strings.TrimSpace(content)}
}

func firstNonBlank(lines []string) int {
	for i, l := range lines {
		if strings.TrimSpace(l) != "" {
			return i
		}
	}
	return -1
}

func headingTitle(line string) (string, bool) {
	l := strings.TrimSpace(line)
	if !strings.HasPrefix(l, "#") {
		return "", false
	}
	title := strings.TrimSpace(strings.TrimLeft(l, "#"))
	return title, title != ""
}

func labeledTitle(line string) (string, bool) {
	l := strings.TrimSpace(line)
	l = strings.Trim(l, "*_")
	if len(l) < len("title:") || !strings.EqualFold(l[:len("title:")], "title:") {
		return "", false
	}
	title := strings.TrimSpace(strings.Trim(strings.TrimSpace(l[len("title:"):]), "*_\""))
	return title, title != ""
}

func boldTitle(line string) (string, bool) {
	l := strings.TrimSpace(line)
	for _, mark := range []string{"**", "__"} {
		if len(l) > 2*len(mark) && strings.HasPrefix(l, mark) && strings.HasSuffix(l, mark) {
			inner := strings.TrimSpace(l[len(mark) : len(l)-len(mark)])
			if inner != "" && !strings.Contains(inner, mark) {
				return inner, true
			}
		}
	}
	return "", false
}

// bodyAfter joins the lines after index i, skipping leading blank lines
func bodyAfter(lines []string, i int) string {
	rest := lines[i+1:]
	start := firstNonBlank(rest)
	if start < 0 {
		return ""
	}
	return strings.TrimRight(strings.Join(rest[start:], "\n"), " \n\t")
}

// bodyWithout joins every line except index i, skipping leading blank lines
func bodyWithout(lines []string, i int) string {
	rest := make([]string, 0, len(lines)-1)
	rest = append(rest, lines[:i]...)
	rest = append(rest, lines[i+1:]...)
	start := firstNonBlank(rest)
	if start < 0 {
		return ""
	}
	return strings.TrimRight(strings.Join(rest[start:], "\n"), " \n\t")
}
