// Package termclean turns raw terminal output into text that reads well in a
// chat transcript or an API response.
package termclean

import (
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/charmbracelet/x/ansi"
)

var (
	// Fragments of protocol sequences whose ESC byte was lost, e.g. "]654;prompt".
	strayOSC = regexp.MustCompile(`\]654;[^\n\x07]*\x07?`)

	multiNewline = regexp.MustCompile(`\n{3,}`)
	multiSpace   = regexp.MustCompile(`[ \t]{2,}`)
	colonSpace   = regexp.MustCompile(`:[ \t]+`)

	keywordBreak = regexp.MustCompile(`(error|failed|warning|Error|Failed|Warning):`)
	frameBreak   = regexp.MustCompile(`at\s+`)
	npmBreak     = regexp.MustCompile(`npm ERR!`)
	echoBreak    = regexp.MustCompile(`> `)
)

// Clean strips escape sequences from recorded terminal output, normalises
// line endings, puts error keywords and stack frames on their own lines
// without splitting file paths, and drops blank lines.
func Clean(raw string) string {
	s := ansi.Strip(raw)
	s = strayOSC.ReplaceAllString(s, "")
	s = strings.ReplaceAll(s, "\x1b", "")
	s = strings.ReplaceAll(s, "\x07", "")

	s = strings.ReplaceAll(s, "\r\n", "\n")
	s = strings.ReplaceAll(s, "\r", "\n")
	s = multiNewline.ReplaceAllString(s, "\n\n")

	s = breakBefore(s, keywordBreak, func(prev rune, _ string) bool {
		return !isWord(prev)
	})
	s = breakBefore(s, frameBreak, func(prev rune, rest string) bool {
		if prev == '/' || isWord(prev) {
			return false
		}
		// "at async fn" and "at sync fn" stay on the line they started on.
		next := strings.TrimLeftFunc(rest, unicode.IsSpace)
		return !strings.HasPrefix(next, "async") && !strings.HasPrefix(next, "sync")
	})
	s = breakBefore(s, npmBreak, func(rune, string) bool { return true })
	s = breakBefore(s, echoBreak, func(prev rune, _ string) bool {
		return unicode.IsSpace(prev)
	})

	lines := strings.Split(s, "\n")
	kept := lines[:0]
	for _, line := range lines {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		kept = append(kept, line)
	}
	s = strings.Join(kept, "\n")

	s = colonSpace.ReplaceAllString(s, ": ")
	s = multiSpace.ReplaceAllString(s, " ")
	s = strings.ReplaceAll(s, "\x00", "")
	return strings.TrimSpace(s)
}

// breakBefore inserts a newline in front of every match of re that does not
// already start a line and for which allow returns true. allow receives the
// rune preceding the match and the text following the matched keyword.
func breakBefore(s string, re *regexp.Regexp, allow func(prev rune, rest string) bool) string {
	matches := re.FindAllStringIndex(s, -1)
	if len(matches) == 0 {
		return s
	}
	var b strings.Builder
	b.Grow(len(s) + len(matches))
	last := 0
	for _, m := range matches {
		start := m[0]
		if start == 0 {
			continue
		}
		prev, _ := utf8.DecodeLastRuneInString(s[:start])
		if prev == '\n' || !allow(prev, s[m[1]:]) {
			continue
		}
		b.WriteString(s[last:start])
		b.WriteByte('\n')
		last = start
	}
	b.WriteString(s[last:])
	return b.String()
}

func isWord(r rune) bool {
	return r == '_' || unicode.IsLetter(r) || unicode.IsDigit(r)
}
