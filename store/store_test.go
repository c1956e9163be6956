package store

import (
	"context"
	"testing"
	"time"

	"github.com/robertmeta/tsubame/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func createFeed(t *testing.T, s *Store, url string) *model.Feed {
	t.Helper()
	f := &model.Feed{URL: url, Title: "Example Feed", FetchIntervalMinutes: 60}
	require.NoError(t, s.CreateFeed(context.Background(), f))
	return f
}

func TestNewStore(t *testing.T) {
	s, err := New(":memory:")
	require.NoError(t, err)
	require.NotNil(t, s)
	defer s.Close()

	assert.NoError(t, s.Ping(context.Background()))
	// Migrations are idempotent.
	assert.NoError(t, s.migrate(context.Background()))
}

func TestOpen_UnknownDriver(t *testing.T) {
	_, err := Open(context.Background(), Config{Driver: "oracle"})
	assert.Error(t, err)
}

func TestStore_CreateAndGetFeed(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	f := &model.Feed{URL: "https://example.com/rss", Title: "Example Feed"}
	require.NoError(t, s.CreateFeed(ctx, f))
	assert.NotZero(t, f.ID, "Feed ID should be set after save")
	assert.Equal(t, model.StatusOK, f.Status)
	assert.Equal(t, model.DefaultFetchInterval, f.FetchIntervalMinutes)

	got, err := s.GetFeed(ctx, f.ID)
	require.NoError(t, err)
	assert.Equal(t, f.URL, got.URL)
	assert.Equal(t, "Example Feed", got.Title)
	assert.Equal(t, model.StatusOK, got.Status)
	assert.Nil(t, got.LastFetchedAt)
	assert.Nil(t, got.NextFetchAt)

	byURL, err := s.GetFeedByURL(ctx, "https://example.com/rss")
	require.NoError(t, err)
	assert.Equal(t, f.ID, byURL.ID)

	_, err = s.GetFeed(ctx, 999)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStore_CreateFeedRejectsDuplicatesAndInvalid(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	createFeed(t, s, "https://example.com/rss")

	err := s.CreateFeed(ctx, &model.Feed{URL: "https://example.com/rss"})
	assert.ErrorIs(t, err, ErrDuplicateFeed)

	err = s.CreateFeed(ctx, &model.Feed{URL: "ftp://example.com/rss"})
	assert.ErrorIs(t, err, model.ErrInvalidFeedURL)

	err = s.CreateFeed(ctx, &model.Feed{URL: "https://example.com/other", FetchIntervalMinutes: 7})
	assert.Error(t, err)
}

func TestStore_ListAndDeleteFeeds(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	a := createFeed(t, s, "https://example1.com/rss")
	createFeed(t, s, "https://example2.com/rss")

	all, err := s.ListFeeds(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 2)

	entry := &model.Entry{FeedID: a.ID, GUID: "g1"}
	require.NoError(t, s.CreateEntry(ctx, entry))

	require.NoError(t, s.DeleteFeed(ctx, a.ID))
	_, err = s.GetFeed(ctx, a.ID)
	assert.ErrorIs(t, err, ErrNotFound)

	// Entries go with the feed
	_, err = s.GetEntry(ctx, entry.ID)
	assert.ErrorIs(t, err, ErrNotFound)

	assert.ErrorIs(t, s.DeleteFeed(ctx, a.ID), ErrNotFound)
}

func TestStore_DueFeedIDs(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	past := now.Add(-time.Minute)
	future := now.Add(time.Hour)

	due := &model.Feed{URL: "https://due.example/rss", NextFetchAt: &past}
	exact := &model.Feed{URL: "https://exact.example/rss", NextFetchAt: &now}
	later := &model.Feed{URL: "https://later.example/rss", NextFetchAt: &future}
	never := &model.Feed{URL: "https://never.example/rss"}
	for _, f := range []*model.Feed{due, exact, later, never} {
		require.NoError(t, s.CreateFeed(ctx, f))
	}

	ids, err := s.DueFeedIDs(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, []int64{due.ID, exact.ID}, ids)
}

func TestStore_SaveFetchState(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	f := createFeed(t, s, "https://example.com/rss")

	now := time.Now().UTC()
	f.MarkError(now, "HTTP error 500", 30*time.Minute)
	require.NoError(t, s.SaveFetchState(ctx, f))

	got, err := s.GetFeed(ctx, f.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusError, got.Status)
	assert.Equal(t, "HTTP error 500", got.ErrorMessage)
	require.NotNil(t, got.LastFetchedAt)
	require.NotNil(t, got.NextFetchAt)
	assert.WithinDuration(t, now, *got.LastFetchedAt, time.Millisecond)
	assert.WithinDuration(t, now.Add(30*time.Minute), *got.NextFetchAt, time.Millisecond)

	got.MarkFetched(now, "abc123", "Wed, 03 Jan 2024 00:00:00 GMT")
	require.NoError(t, s.SaveFetchState(ctx, got))

	got, err = s.GetFeed(ctx, f.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusOK, got.Status)
	assert.Empty(t, got.ErrorMessage)
	assert.Equal(t, "abc123", got.ETag)
	assert.Equal(t, "Wed, 03 Jan 2024 00:00:00 GMT", got.LastModified)
}

func TestStore_UpdateFeedTitleKeepsUpdatedAt(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	f := createFeed(t, s, "https://example.com/rss")

	before, err := s.GetFeed(ctx, f.ID)
	require.NoError(t, err)

	require.NoError(t, s.UpdateFeedTitle(ctx, f.ID, "Channel Title", "https://example.com"))
	require.NoError(t, s.UpdateFeedTitle(ctx, f.ID, "Channel Title 2", ""))

	after, err := s.GetFeed(ctx, f.ID)
	require.NoError(t, err)
	assert.Equal(t, "Channel Title 2", after.Title)
	assert.Equal(t, "https://example.com", after.SiteURL)
	assert.True(t, before.UpdatedAt.Equal(after.UpdatedAt))
}

func TestStore_UpdateFetchInterval(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	f := createFeed(t, s, "https://example.com/rss")

	now := time.Now().UTC()
	updated, err := s.UpdateFetchInterval(ctx, f.ID, 180, now)
	require.NoError(t, err)
	assert.Equal(t, 180, updated.FetchIntervalMinutes)
	assert.WithinDuration(t, now.Add(3*time.Hour), *updated.NextFetchAt, time.Millisecond)

	last := now.Add(-time.Hour)
	updated.MarkFetched(last, "", "")
	require.NoError(t, s.SaveFetchState(ctx, updated))

	updated, err = s.UpdateFetchInterval(ctx, f.ID, 30, now)
	require.NoError(t, err)
	assert.WithinDuration(t, last.Add(30*time.Minute), *updated.NextFetchAt, time.Millisecond)

	_, err = s.UpdateFetchInterval(ctx, f.ID, 45, now)
	assert.Error(t, err)
}

func TestStore_CreateEntryDuplicate(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	f := createFeed(t, s, "https://example.com/rss")
	other := createFeed(t, s, "https://other.example/rss")

	first := &model.Entry{FeedID: f.ID, GUID: "entry-1", Title: "Original"}
	require.NoError(t, s.CreateEntry(ctx, first))

	err := s.CreateEntry(ctx, &model.Entry{FeedID: f.ID, GUID: "entry-1", Title: "Changed"})
	assert.ErrorIs(t, err, ErrDuplicateEntry)

	got, err := s.GetEntry(ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, "Original", got.Title)

	// Same guid under another feed is a different entry.
	require.NoError(t, s.CreateEntry(ctx, &model.Entry{FeedID: other.ID, GUID: "entry-1"}))

	assert.Error(t, s.CreateEntry(ctx, &model.Entry{FeedID: f.ID}))
}

func TestStore_ExistingGUIDs(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	f := createFeed(t, s, "https://example.com/rss")
	other := createFeed(t, s, "https://other.example/rss")

	require.NoError(t, s.CreateEntry(ctx, &model.Entry{FeedID: f.ID, GUID: "a"}))
	require.NoError(t, s.CreateEntry(ctx, &model.Entry{FeedID: f.ID, GUID: "b"}))
	require.NoError(t, s.CreateEntry(ctx, &model.Entry{FeedID: other.ID, GUID: "c"}))

	existing, err := s.ExistingGUIDs(ctx, f.ID, []string{"a", "c", "d"})
	require.NoError(t, err)
	assert.Equal(t, map[string]bool{"a": true}, existing)

	existing, err = s.ExistingGUIDs(ctx, f.ID, nil)
	require.NoError(t, err)
	assert.Empty(t, existing)
}

func TestStore_ListEntries(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	f := createFeed(t, s, "https://example.com/rss")
	other := createFeed(t, s, "https://other.example/rss")

	now := time.Now().UTC()
	older := now.Add(-48 * time.Hour)
	newer := now.Add(-time.Hour)
	ancient := now.Add(-30 * 24 * time.Hour)

	require.NoError(t, s.CreateEntry(ctx, &model.Entry{FeedID: f.ID, GUID: "old", PublishedAt: &older}))
	require.NoError(t, s.CreateEntry(ctx, &model.Entry{FeedID: f.ID, GUID: "new", PublishedAt: &newer}))
	require.NoError(t, s.CreateEntry(ctx, &model.Entry{FeedID: other.ID, GUID: "ancient", PublishedAt: &ancient}))

	all, err := s.ListEntries(ctx, QueryOptions{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "new", all[0].GUID)
	assert.Equal(t, "ancient", all[2].GUID)

	byFeed, err := s.ListEntries(ctx, QueryOptions{FeedID: f.ID, Limit: 1, Offset: 1})
	require.NoError(t, err)
	require.Len(t, byFeed, 1)
	assert.Equal(t, "old", byFeed[0].GUID)

	since := now.Add(-7 * 24 * time.Hour)
	recent, err := s.ListEntries(ctx, QueryOptions{Since: &since})
	require.NoError(t, err)
	assert.Len(t, recent, 2)

	require.NoError(t, s.MarkEntryRead(ctx, all[0].ID, true, now))
	unread, err := s.ListEntries(ctx, QueryOptions{UnreadOnly: true})
	require.NoError(t, err)
	assert.Len(t, unread, 2)

	pinned, err := s.TogglePin(ctx, all[1].ID)
	require.NoError(t, err)
	assert.True(t, pinned)
	onlyPinned, err := s.ListEntries(ctx, QueryOptions{PinnedOnly: true})
	require.NoError(t, err)
	require.Len(t, onlyPinned, 1)
	assert.Equal(t, all[1].ID, onlyPinned[0].ID)

	n, err := s.CountEntries(ctx, f.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestStore_MarkRead(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	f := createFeed(t, s, "https://example.com/rss")
	now := time.Now().UTC()

	e := &model.Entry{FeedID: f.ID, GUID: "a"}
	require.NoError(t, s.CreateEntry(ctx, e))
	require.NoError(t, s.CreateEntry(ctx, &model.Entry{FeedID: f.ID, GUID: "b"}))

	require.NoError(t, s.MarkEntryRead(ctx, e.ID, true, now))
	got, err := s.GetEntry(ctx, e.ID)
	require.NoError(t, err)
	assert.False(t, got.IsUnread())

	require.NoError(t, s.MarkEntryRead(ctx, e.ID, false, now))
	got, err = s.GetEntry(ctx, e.ID)
	require.NoError(t, err)
	assert.True(t, got.IsUnread())

	marked, err := s.MarkFeedRead(ctx, f.ID, now)
	require.NoError(t, err)
	assert.Equal(t, int64(2), marked)

	marked, err = s.MarkFeedRead(ctx, f.ID, now)
	require.NoError(t, err)
	assert.Zero(t, marked)

	assert.ErrorIs(t, s.MarkEntryRead(ctx, 999, true, now), ErrNotFound)
}

func TestStore_PurgeReadEntries(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	f := createFeed(t, s, "https://example.com/rss")
	now := time.Now().UTC()
	longAgo := now.Add(-100 * 24 * time.Hour)
	recently := now.Add(-24 * time.Hour)

	oldRead := &model.Entry{FeedID: f.ID, GUID: "old-read", ReadAt: &longAgo}
	oldPinned := &model.Entry{FeedID: f.ID, GUID: "old-pinned", ReadAt: &longAgo, Pinned: true}
	newRead := &model.Entry{FeedID: f.ID, GUID: "new-read", ReadAt: &recently}
	unread := &model.Entry{FeedID: f.ID, GUID: "unread"}
	for _, e := range []*model.Entry{oldRead, oldPinned, newRead, unread} {
		require.NoError(t, s.CreateEntry(ctx, e))
	}

	purged, err := s.PurgeReadEntries(ctx, now.Add(-90*24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), purged)

	_, err = s.GetEntry(ctx, oldRead.ID)
	assert.ErrorIs(t, err, ErrNotFound)
	for _, e := range []*model.Entry{oldPinned, newRead, unread} {
		_, err := s.GetEntry(ctx, e.ID)
		assert.NoError(t, err, e.GUID)
	}
}
