// Package feed turns fetched RSS/Atom bodies into normalized items for tsubame.
package feed

import (
	"errors"
	"fmt"
	"strings"

	"github.com/mmcdole/gofeed"
	"github.com/mmcdole/gofeed/atom"
	"github.com/mmcdole/gofeed/rss"
)

// ErrFormat is returned when a document is not a feed this package can read.
var ErrFormat = errors.New("feed format error")

// Format identifies the syndication format of a document.
type Format int

const (
	FormatUnknown Format = iota
	FormatRSS
	FormatRDF
	FormatAtom
)

func (f Format) String() string {
	switch f {
	case FormatRSS:
		return "rss"
	case FormatRDF:
		return "rdf"
	case FormatAtom:
		return "atom"
	default:
		return "unknown"
	}
}

// ParsedItem is one item of a document. Exactly one of RSS or Atom is set,
// according to Format; RSS 1.0 items use the RSS field.
type ParsedItem struct {
	Format Format
	RSS    *rss.Item
	Atom   *atom.Entry
}

// Document is the channel metadata and items of a parsed feed.
type Document struct {
	Format  Format
	Title   string
	SiteURL string
	Items   []ParsedItem
}

// Parse detects the format of doc and parses it.
func Parse(doc string) (*Document, error) {
	if strings.TrimSpace(doc) == "" {
		return nil, fmt.Errorf("%w: empty document", ErrFormat)
	}

	switch gofeed.DetectFeedType(strings.NewReader(doc)) {
	case gofeed.FeedTypeRSS:
		return parseRSS(doc)
	case gofeed.FeedTypeAtom:
		return parseAtom(doc)
	default:
		return nil, fmt.Errorf("%w: not an RSS or Atom document", ErrFormat)
	}
}

// parseRSS handles both RSS 2.0 and the RDF-based RSS 0.9/1.0 family.
func parseRSS(doc string) (*Document, error) {
	parser := &rss.Parser{}
	channel, err := parser.Parse(strings.NewReader(doc))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFormat, err)
	}

	format := FormatRSS
	if channel.Version == "1.0" || channel.Version == "0.9" {
		format = FormatRDF
	}

	out := &Document{
		Format:  format,
		Title:   strings.TrimSpace(channel.Title),
		SiteURL: strings.TrimSpace(channel.Link),
		Items:   make([]ParsedItem, 0, len(channel.Items)),
	}
	for _, item := range channel.Items {
		out.Items = append(out.Items, ParsedItem{Format: format, RSS: item})
	}
	return out, nil
}

func parseAtom(doc string) (*Document, error) {
	parser := &atom.Parser{}
	channel, err := parser.Parse(strings.NewReader(doc))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFormat, err)
	}

	out := &Document{
		Format:  FormatAtom,
		Title:   strings.TrimSpace(channel.Title),
		SiteURL: alternateLink(channel.Links),
		Items:   make([]ParsedItem, 0, len(channel.Entries)),
	}
	for _, entry := range channel.Entries {
		out.Items = append(out.Items, ParsedItem{Format: FormatAtom, Atom: entry})
	}
	return out, nil
}

// alternateLink picks the feed's HTML page among its links.
func alternateLink(links []*atom.Link) string {
	for _, l := range links {
		if l.Rel == "" || l.Rel == "alternate" {
			return strings.TrimSpace(l.Href)
		}
	}
	return ""
}
