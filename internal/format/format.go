// Package format translates agent markdown into Telegram-safe HTML.
// Telegram accepts only a small tag set (b, i, s, u, a, code, pre,
// blockquote); everything else produced by the renderer is flattened
// back to text. ToTelegramHTML returns an error only when the renderer
// fails; the caller then falls back to plain text.
package format

import (
	"bytes"
	"regexp"
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
	"github.com/yuin/goldmark/renderer/html"
)

var md = goldmark.New(
	goldmark.WithExtensions(extension.Strikethrough),
	goldmark.WithRendererOptions(html.WithHardWraps()),
)

var (
	tagMap = []struct {
		re   *regexp.Regexp
		repl string
	}{
		{regexp.MustCompile(`(?s)<strong>(.*?)</strong>`), "<b>$1</b>"},
		{regexp.MustCompile(`(?s)<em>(.*?)</em>`), "<i>$1</i>"},
		{regexp.MustCompile(`(?s)<del>(.*?)</del>`), "<s>$1</s>"},
		{regexp.MustCompile(`(?s)<h[1-6][^>]*>(.*?)</h[1-6]>`), "<b>$1</b>\n"},
		{regexp.MustCompile(`(?s)<pre><code[^>]*>(.*?)</code></pre>`), "<pre>$1</pre>"},
		{regexp.MustCompile(`<li>`), "• "},
		{regexp.MustCompile(`</li>`), "\n"},
		{regexp.MustCompile(`</?(?:ul|ol)[^>]*>`), ""},
		{regexp.MustCompile(`<p>`), ""},
		{regexp.MustCompile(`</p>`), "\n"},
		{regexp.MustCompile(`<br\s*/?>`), "\n"},
		{regexp.MustCompile(`(?s)<blockquote>\n?(.*?)</blockquote>`), "<blockquote>$1</blockquote>"},
		{regexp.MustCompile(`<hr\s*/?>`), "—\n"},
	}

	// Anything left that is not in Telegram's supported set gets dropped.
	allowedTag = regexp.MustCompile(`^</?(?:b|i|s|u|a(?:\s+href="[^"]*")?|code|pre|blockquote)>$`)
	anyTag     = regexp.MustCompile(`<[^>]+>`)
)

// ToTelegramHTML renders markdown to HTML restricted to the tags the
// Telegram Bot API accepts in parse_mode=HTML.
func ToTelegramHTML(markdown string) (string, error) {
	var buf bytes.Buffer
	if err := md.Convert([]byte(markdown), &buf); err != nil {
		return "", err
	}

	out := buf.String()
	for _, m := range tagMap {
		out = m.re.ReplaceAllString(out, m.repl)
	}
	out = anyTag.ReplaceAllStringFunc(out, func(tag string) string {
		if allowedTag.MatchString(tag) {
			return tag
		}
		return ""
	})

	out = strings.TrimSpace(out)
	// Collapse the blank-line runs list flattening leaves behind.
	for strings.Contains(out, "\n\n\n") {
		out = strings.ReplaceAll(out, "\n\n\n", "\n\n")
	}
	return out, nil
}
