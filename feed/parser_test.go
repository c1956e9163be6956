package feed

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func readFixture(t *testing.T, name string) string {
	t.Helper()
	data, err := os.ReadFile("../testdata/" + name)
	require.NoError(t, err)
	return string(data)
}

func TestParse_RSS2(t *testing.T) {
	doc, err := Parse(readFixture(t, "rss2.xml"))
	require.NoError(t, err)

	assert.Equal(t, FormatRSS, doc.Format)
	assert.Equal(t, "Test RSS Feed", doc.Title)
	assert.Equal(t, "https://example.com", doc.SiteURL)
	require.Len(t, doc.Items, 4)

	items := ExtractAll(doc)

	// Check first entry
	assert.Equal(t, "entry-1", items[0].GUID)
	assert.Equal(t, "First Test Entry", items[0].Title)
	assert.Equal(t, "https://example.com/entry-1", items[0].Link)
	assert.Equal(t, "Jane Writer", items[0].Author)
	assert.Contains(t, items[0].Body, "first test entry in full")
	require.NotNil(t, items[0].PublishedAt)
	assert.Equal(t, time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC), *items[0].PublishedAt)

	// Check second entry: markup stripped, bad date ignored
	assert.Equal(t, "entry-2", items[1].GUID)
	assert.Equal(t, "Second Test Entry", items[1].Title)
	assert.Equal(t, "editor@example.com (Ed Itor)", items[1].Author)
	assert.Equal(t, "Second entry description", items[1].Body)
	assert.Nil(t, items[1].PublishedAt)

	// Check third entry: link stands in for guid, dc:date wins
	assert.Equal(t, "https://example.com/entry-3", items[2].GUID)
	require.NotNil(t, items[2].PublishedAt)
	assert.Equal(t, time.Date(2024, 1, 2, 23, 30, 0, 0, time.UTC), *items[2].PublishedAt)

	// Fourth entry has nothing to key on
	assert.Empty(t, items[3].GUID)
}

func TestParse_Atom(t *testing.T) {
	doc, err := Parse(readFixture(t, "atom.xml"))
	require.NoError(t, err)

	assert.Equal(t, FormatAtom, doc.Format)
	assert.Equal(t, "Test Atom Feed", doc.Title)
	assert.Equal(t, "https://example.com/", doc.SiteURL)
	require.Len(t, doc.Items, 2)

	items := ExtractAll(doc)

	assert.Equal(t, "atom-entry-1", items[0].GUID)
	assert.Equal(t, "First Atom Entry", items[0].Title)
	assert.Equal(t, "https://example.com/atom-entry-1", items[0].Link)
	assert.Equal(t, "John Doe", items[0].Author)
	assert.Contains(t, items[0].Body, "First full content")
	require.NotNil(t, items[0].PublishedAt)
	assert.Equal(t, time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC), *items[0].PublishedAt)

	assert.Equal(t, "https://example.com/atom-entry-2", items[1].GUID)
	assert.Equal(t, "Second summary", items[1].Body)
	assert.Equal(t, "Dee Creator", items[1].Author)
	require.NotNil(t, items[1].PublishedAt)
	assert.Equal(t, time.Date(2024, 1, 2, 12, 0, 0, 0, time.UTC), *items[1].PublishedAt)
}

func TestParse_RDF(t *testing.T) {
	doc, err := Parse(readFixture(t, "rdf.xml"))
	require.NoError(t, err)

	assert.Equal(t, FormatRDF, doc.Format)
	assert.Equal(t, "Test RDF Feed", doc.Title)
	require.Len(t, doc.Items, 2)

	items := ExtractAll(doc)

	assert.Equal(t, "https://example.jp/rdf-1", items[0].GUID)
	assert.Equal(t, "First RDF Entry", items[0].Title)
	assert.Equal(t, "Taro", items[0].Author)
	assert.Equal(t, "First RDF description", items[0].Body)
	require.NotNil(t, items[0].PublishedAt)
	assert.Equal(t, time.Date(2024, 1, 5, 1, 0, 0, 0, time.UTC), *items[0].PublishedAt)

	assert.Nil(t, items[1].PublishedAt)
}

func TestParse_Invalid(t *testing.T) {
	tests := []struct {
		name string
		doc  string
	}{
		{"empty", ""},
		{"whitespace", "  \n "},
		{"broken xml", "<invalid>xml</broken>"},
		{"html page", "<!DOCTYPE html><html><head><title>x</title></head></html>"},
		{"plain text", "just some text"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse(tt.doc)
			assert.ErrorIs(t, err, ErrFormat)
		})
	}
}

func TestExtract_EmptyVariant(t *testing.T) {
	assert.Empty(t, Extract(ParsedItem{Format: FormatAtom}).GUID)
	assert.Empty(t, Extract(ParsedItem{}).GUID)
}

func TestParseDCDate(t *testing.T) {
	tests := []struct {
		in   string
		want *time.Time
	}{
		{"2024-01-05", ptr(time.Date(2024, 1, 5, 0, 0, 0, 0, time.UTC))},
		{"2024-01-05T10:00Z", ptr(time.Date(2024, 1, 5, 10, 0, 0, 0, time.UTC))},
		{"Fri, 05 Jan 2024 10:00:00 +0000", ptr(time.Date(2024, 1, 5, 10, 0, 0, 0, time.UTC))},
		{"soon", nil},
		{"", nil},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, parseDCDate(tt.in))
		})
	}
}

func ptr(t time.Time) *time.Time {
	return &t
}
