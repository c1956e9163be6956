// Package refresh fetches due feeds and stores their new entries.
package refresh

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/robertmeta/tsubame/model"
)

// FeedStore is the feed persistence used by the fetch path.
type FeedStore interface {
	GetFeed(ctx context.Context, id int64) (*model.Feed, error)
	UpdateFeedTitle(ctx context.Context, id int64, title, siteURL string) error
	SaveFetchState(ctx context.Context, f *model.Feed) error
}

// EntryStore is the entry persistence used by ingestion.
type EntryStore interface {
	ExistingGUIDs(ctx context.Context, feedID int64, guids []string) (map[string]bool, error)
	CreateEntry(ctx context.Context, e *model.Entry) error
}

// Channel is the feed-level metadata of a fetched document.
type Channel struct {
	Title   string
	SiteURL string
}

// Ingester stores the new items of a fetched feed.
type Ingester struct {
	feeds   FeedStore
	entries EntryStore
}

// NewIngester creates an Ingester.
func NewIngester(feeds FeedStore, entries EntryStore) *Ingester {
	return &Ingester{feeds: feeds, entries: entries}
}

// Ingest refreshes the feed title and creates entries for items whose guid
// is not yet stored. It returns the number of entries created. Only the
// existence query can fail the call; individual inserts that fail are
// logged and skipped.
func (in *Ingester) Ingest(ctx context.Context, f *model.Feed, channel Channel, items []model.RawItem) (int, error) {
	logger := log.With().Int64("feed_id", f.ID).Logger()

	if channel.Title != "" {
		if err := in.feeds.UpdateFeedTitle(ctx, f.ID, channel.Title, channel.SiteURL); err != nil {
			logger.Warn().Err(err).Msg("Failed to update feed title")
		} else {
			f.Title = channel.Title
			if channel.SiteURL != "" {
				f.SiteURL = channel.SiteURL
			}
		}
	}

	candidates := keyedItems(items)
	if len(candidates) == 0 {
		return 0, nil
	}

	guids := make([]string, len(candidates))
	for i, item := range candidates {
		guids[i] = item.GUID
	}
	existing, err := in.entries.ExistingGUIDs(ctx, f.ID, guids)
	if err != nil {
		return 0, fmt.Errorf("failed to check existing entries: %w", err)
	}

	created := 0
	for _, item := range candidates {
		if existing[item.GUID] {
			continue
		}
		created += in.create(ctx, f.ID, item)
	}

	logger.Debug().
		Int("items", len(items)).
		Int("new_entries", created).
		Msg("Ingested feed items")

	return created, nil
}

// create returns 1 when the entry was stored and 0 when it was skipped.
func (in *Ingester) create(ctx context.Context, feedID int64, item model.RawItem) int {
	entry := item.ToEntry(feedID)
	if err := in.entries.CreateEntry(ctx, entry); err != nil {
		log.Warn().
			Err(err).
			Int64("feed_id", feedID).
			Str("guid", item.GUID).
			Msg("Skipping entry that could not be saved")
		return 0
	}
	return 1
}

// keyedItems drops items without a guid and repeats of a guid within the
// same document, keeping the first.
func keyedItems(items []model.RawItem) []model.RawItem {
	seen := make(map[string]bool, len(items))
	out := make([]model.RawItem, 0, len(items))
	for _, item := range items {
		if item.GUID == "" || seen[item.GUID] {
			continue
		}
		seen[item.GUID] = true
		out = append(out, item)
	}
	return out
}

// nowUTC is the default clock.
func nowUTC() time.Time {
	return time.Now().UTC()
}
