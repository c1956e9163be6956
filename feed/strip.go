package feed

import (
	"strings"

	"golang.org/x/net/html"
)

// blockTags are replaced by a space so adjacent blocks do not run together.
var blockTags = map[string]bool{
	"div": true, "p": true, "br": true, "li": true,
	"h1": true, "h2": true, "h3": true, "h4": true, "h5": true, "h6": true,
	"tr": true, "td": true, "th": true, "dt": true, "dd": true,
	"section": true, "article": true,
}

// StripTitle returns title as plain text. Titles without markup are only
// trimmed.
func StripTitle(title string) string {
	if !strings.Contains(title, "<") {
		return strings.TrimSpace(title)
	}
	return StripHTML(title)
}

// StripHTML removes tags, decodes entities and collapses whitespace.
func StripHTML(s string) string {
	z := html.NewTokenizer(strings.NewReader(s))
	var b strings.Builder

	for {
		switch z.Next() {
		case html.ErrorToken:
			return strings.Join(strings.Fields(b.String()), " ")
		case html.TextToken:
			b.Write(z.Text())
		case html.StartTagToken, html.EndTagToken, html.SelfClosingTagToken:
			name, _ := z.TagName()
			if blockTags[string(name)] {
				b.WriteByte(' ')
			}
		}
	}
}
