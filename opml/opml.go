// Package opml provides OPML import and export of tsubame subscriptions.
package opml

import (
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"html"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/robertmeta/tsubame/model"
)

// MaxImportBytes bounds the size of an imported OPML document.
const MaxImportBytes = 5 << 20

// ErrInvalidOPML is returned when a document cannot be read as OPML.
var ErrInvalidOPML = errors.New("invalid OPML document")

// OPML represents the root OPML structure.
type OPML struct {
	XMLName xml.Name `xml:"opml"`
	Version string   `xml:"version,attr"`
	Head    Head     `xml:"head"`
	Body    Body     `xml:"body"`
}

// Head contains metadata about the OPML document.
type Head struct {
	Title       string `xml:"title,omitempty"`
	DateCreated string `xml:"dateCreated,omitempty"`
}

// Body contains the outline elements (feeds).
type Body struct {
	Outlines []Outline `xml:"outline"`
}

// Outline represents a feed or a folder of feeds.
type Outline struct {
	Text     string    `xml:"text,attr,omitempty"`
	Title    string    `xml:"title,attr,omitempty"`
	Type     string    `xml:"type,attr,omitempty"`
	XMLUrl   string    `xml:"xmlUrl,attr,omitempty"`
	HTMLUrl  string    `xml:"htmlUrl,attr,omitempty"`
	Outlines []Outline `xml:"outline,omitempty"`
}

// Parse reads an OPML document and returns its feeds in document order.
// Folders are flattened.
func Parse(r io.Reader) ([]*model.Feed, error) {
	limited := &io.LimitedReader{R: r, N: MaxImportBytes + 1}

	var doc OPML
	if err := xml.NewDecoder(limited).Decode(&doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidOPML, err)
	}
	if limited.N <= 0 {
		return nil, fmt.Errorf("%w: larger than %d bytes", ErrInvalidOPML, MaxImportBytes)
	}

	return extractFeeds(doc.Body.Outlines), nil
}

// extractFeeds walks outlines depth-first. An outline with an xmlUrl is a
// feed and its children are ignored.
func extractFeeds(outlines []Outline) []*model.Feed {
	var feeds []*model.Feed

	for _, outline := range outlines {
		if url := strings.TrimSpace(outline.XMLUrl); url != "" {
			title := outline.Title
			if title == "" {
				title = outline.Text
			}
			feeds = append(feeds, &model.Feed{
				URL:     url,
				Title:   html.UnescapeString(title),
				SiteURL: strings.TrimSpace(outline.HTMLUrl),
			})
			continue
		}
		feeds = append(feeds, extractFeeds(outline.Outlines)...)
	}

	return feeds
}

// Subscriber creates a feed for one URL. *refresh.Subscriber satisfies it.
type Subscriber interface {
	Subscribe(ctx context.Context, rawURL string, intervalMinutes int) (*model.Feed, error)
}

// TitleUpdater stores the display title and site URL of a feed.
type TitleUpdater interface {
	UpdateFeedTitle(ctx context.Context, id int64, title, siteURL string) error
}

// ImportResult counts the outcome of an import.
type ImportResult struct {
	Added   int `json:"added"`
	Skipped int `json:"skipped"`
}

// Import subscribes to every feed in the document, one URL at a time.
// Feeds that are already subscribed or fail validation are skipped and
// counted; only an unreadable document fails the import.
func Import(ctx context.Context, r io.Reader, sub Subscriber, titles TitleUpdater) (ImportResult, error) {
	feeds, err := Parse(r)
	if err != nil {
		return ImportResult{}, err
	}

	var result ImportResult
	for _, outline := range feeds {
		if err := ctx.Err(); err != nil {
			return result, err
		}

		f, err := sub.Subscribe(ctx, outline.URL, model.DefaultFetchInterval)
		if err != nil {
			log.Warn().Err(err).Str("url", outline.URL).Msg("OPML import: skipped feed")
			result.Skipped++
			continue
		}
		result.Added++

		if outline.Title == "" && outline.SiteURL == "" {
			continue
		}
		if err := titles.UpdateFeedTitle(ctx, f.ID, outline.Title, outline.SiteURL); err != nil {
			log.Warn().Err(err).Int64("feed_id", f.ID).Msg("OPML import: failed to set title")
		}
	}

	log.Info().Int("added", result.Added).Int("skipped", result.Skipped).Msg("OPML import finished")
	return result, nil
}

// Generate writes feeds as an OPML document, ordered by title.
func Generate(w io.Writer, feeds []*model.Feed) error {
	sorted := make([]*model.Feed, len(feeds))
	copy(sorted, feeds)
	sort.SliceStable(sorted, func(i, j int) bool {
		return displayTitle(sorted[i]) < displayTitle(sorted[j])
	})

	doc := OPML{
		Version: "2.0",
		Head: Head{
			Title:       "Tsubame Subscriptions",
			DateCreated: time.Now().UTC().Format(time.RFC1123),
		},
		Body: Body{
			Outlines: make([]Outline, 0, len(sorted)),
		},
	}

	for _, f := range sorted {
		title := displayTitle(f)
		doc.Body.Outlines = append(doc.Body.Outlines, Outline{
			Type:    "rss",
			Text:    title,
			Title:   title,
			XMLUrl:  f.URL,
			HTMLUrl: f.SiteURL,
		})
	}

	// Write XML declaration
	if _, err := w.Write([]byte(xml.Header)); err != nil {
		return fmt.Errorf("failed to write XML header: %w", err)
	}

	encoder := xml.NewEncoder(w)
	encoder.Indent("", "  ")
	if err := encoder.Encode(doc); err != nil {
		return fmt.Errorf("failed to encode OPML: %w", err)
	}

	if _, err := w.Write([]byte("\n")); err != nil {
		return fmt.Errorf("failed to write final newline: %w", err)
	}

	return nil
}

func displayTitle(f *model.Feed) string {
	if f.Title != "" {
		return f.Title
	}
	return f.URL
}
