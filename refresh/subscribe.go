package refresh

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/robertmeta/tsubame/model"
)

// FeedCreator inserts new feeds. *store.Store satisfies it.
type FeedCreator interface {
	CreateFeed(ctx context.Context, f *model.Feed) error
}

// URLChecker rejects URLs that resolve to blocked addresses.
// *safehttp.Guard satisfies it.
type URLChecker interface {
	CheckURL(ctx context.Context, rawURL string) error
}

// Subscriber creates feed subscriptions.
type Subscriber struct {
	guard URLChecker
	feeds FeedCreator
	now   func() time.Time
}

// NewSubscriber creates a Subscriber. A nil now uses the wall clock.
func NewSubscriber(guard URLChecker, feeds FeedCreator, now func() time.Time) *Subscriber {
	if now == nil {
		now = nowUTC
	}
	return &Subscriber{guard: guard, feeds: feeds, now: now}
}

// Subscribe validates rawURL and stores a new feed that is due immediately.
// A zero interval selects the default. Subscribing a URL twice returns
// store.ErrDuplicateFeed.
func (s *Subscriber) Subscribe(ctx context.Context, rawURL string, intervalMinutes int) (*model.Feed, error) {
	feedURL := model.NormalizeURL(rawURL)
	if err := model.ValidateFeedURL(feedURL); err != nil {
		return nil, err
	}
	if err := s.guard.CheckURL(ctx, feedURL); err != nil {
		return nil, err
	}

	if intervalMinutes == 0 {
		intervalMinutes = model.DefaultFetchInterval
	}
	now := s.now().UTC()
	f := &model.Feed{
		URL:                  feedURL,
		Status:               model.StatusOK,
		NextFetchAt:          &now,
		FetchIntervalMinutes: intervalMinutes,
	}
	if err := s.feeds.CreateFeed(ctx, f); err != nil {
		return nil, err
	}

	log.Info().Int64("feed_id", f.ID).Str("url", f.URL).Msg("Subscribed to feed")
	return f, nil
}
