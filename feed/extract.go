package feed

import (
	"strings"
	"time"

	"github.com/mmcdole/gofeed/atom"
	ext "github.com/mmcdole/gofeed/extensions"
	"github.com/mmcdole/gofeed/rss"
	"github.com/robertmeta/tsubame/model"
)

// dcDateLayouts covers the W3C-DTF profile used by dc:date plus the RFC 822
// forms some publishers put there anyway.
var dcDateLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04Z07:00",
	"2006-01-02T15:04:05",
	"2006-01-02",
	time.RFC1123Z,
	time.RFC1123,
}

// Extract maps a parsed item to a RawItem. Fields are taken in order of
// preference and left empty when no source provides them.
func Extract(item ParsedItem) model.RawItem {
	switch item.Format {
	case FormatRSS, FormatRDF:
		if item.RSS != nil {
			return extractRSS(item.RSS)
		}
	case FormatAtom:
		if item.Atom != nil {
			return extractAtom(item.Atom)
		}
	}
	return model.RawItem{}
}

// ExtractAll extracts every item of doc.
func ExtractAll(doc *Document) []model.RawItem {
	items := make([]model.RawItem, 0, len(doc.Items))
	for _, item := range doc.Items {
		items = append(items, Extract(item))
	}
	return items
}

func extractRSS(item *rss.Item) model.RawItem {
	raw := model.RawItem{
		Title: StripTitle(item.Title),
		Link:  strings.TrimSpace(item.Link),
	}

	if item.GUID != nil {
		raw.GUID = strings.TrimSpace(item.GUID.Value)
	}
	if raw.GUID == "" {
		raw.GUID = raw.Link
	}

	raw.Author = strings.TrimSpace(item.Author)
	if raw.Author == "" && item.DublinCoreExt != nil {
		raw.Author = first(item.DublinCoreExt.Creator)
	}

	// content:encoded holds the full post; description is often a teaser.
	raw.Body = item.Content
	if strings.TrimSpace(raw.Body) == "" {
		raw.Body = item.Description
	}

	if item.DublinCoreExt != nil {
		raw.PublishedAt = parseDCDate(first(item.DublinCoreExt.Date))
	}
	if raw.PublishedAt == nil && item.PubDateParsed != nil {
		raw.PublishedAt = utc(item.PubDateParsed)
	}

	return raw
}

func extractAtom(entry *atom.Entry) model.RawItem {
	raw := model.RawItem{
		Title: StripTitle(entry.Title),
	}

	if len(entry.Links) > 0 {
		raw.Link = strings.TrimSpace(entry.Links[0].Href)
	}

	raw.GUID = strings.TrimSpace(entry.ID)
	if raw.GUID == "" {
		raw.GUID = raw.Link
	}

	if len(entry.Authors) > 0 && entry.Authors[0] != nil {
		raw.Author = strings.TrimSpace(entry.Authors[0].Name)
	}
	if raw.Author == "" {
		raw.Author = extensionValue(entry.Extensions, "dc", "creator")
	}

	if entry.Content != nil && strings.TrimSpace(entry.Content.Value) != "" {
		raw.Body = entry.Content.Value
	} else {
		raw.Body = entry.Summary
	}

	switch {
	case entry.PublishedParsed != nil:
		raw.PublishedAt = utc(entry.PublishedParsed)
	case entry.UpdatedParsed != nil:
		raw.PublishedAt = utc(entry.UpdatedParsed)
	}

	return raw
}

// parseDCDate returns nil for empty or malformed dates.
func parseDCDate(s string) *time.Time {
	if s == "" {
		return nil
	}
	for _, layout := range dcDateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return utc(&t)
		}
	}
	return nil
}

func extensionValue(exts ext.Extensions, prefix, name string) string {
	if exts == nil {
		return ""
	}
	for _, e := range exts[prefix][name] {
		if v := strings.TrimSpace(e.Value); v != "" {
			return v
		}
	}
	return ""
}

func first(values []string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}

func utc(t *time.Time) *time.Time {
	u := t.UTC()
	return &u
}
