package telegram

import (
	"regexp"
	"strings"
)

// Telegram HTML mode accepts only a small tag set, so replies are
// converted with sequential regex passes rather than a markdown
// parser. Order matters: entities first, fenced blocks before inline
// code, bold before italic.
var (
	htmlEscaper = strings.NewReplacer("&", "&amp;", "<", "&lt;", ">", "&gt;")

	fencedRe = regexp.MustCompile("(?s)```(?:[a-zA-Z0-9_+-]*\n)?(.*?)```")
	inlineRe = regexp.MustCompile("`([^`\n]+)`")
	boldRe   = regexp.MustCompile(`\*\*(.+?)\*\*`)
	italicRe = regexp.MustCompile(`\*([^*\n]+)\*`)
)

// FormatHTML converts the light markdown produced by the agent into
// Telegram HTML.
func FormatHTML(text string) string {
	out := htmlEscaper.Replace(text)
	out = fencedRe.ReplaceAllString(out, "<pre>$1</pre>")
	out = inlineRe.ReplaceAllString(out, "<code>$1</code>")
	out = boldRe.ReplaceAllString(out, "<b>$1</b>")
	out = italicRe.ReplaceAllString(out, "<i>$1</i>")
	return out
}
