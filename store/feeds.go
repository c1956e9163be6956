package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/robertmeta/tsubame/model"
)

const feedColumns = `id, url, title, site_url, status, error_message, etag, last_modified,
	last_fetched_at, next_fetch_at, fetch_interval_minutes, created_at, updated_at`

// CreateFeed inserts a new feed and sets its ID.
func (s *Store) CreateFeed(ctx context.Context, f *model.Feed) error {
	if f.Status == "" {
		f.Status = model.StatusOK
	}
	if f.FetchIntervalMinutes == 0 {
		f.FetchIntervalMinutes = model.DefaultFetchInterval
	}
	if err := f.Validate(); err != nil {
		return err
	}

	now := time.Now().UTC()
	f.CreatedAt = now
	f.UpdatedAt = now

	query := s.db.Rebind(`INSERT INTO feeds (url, title, site_url, status, error_message, etag, last_modified,
		last_fetched_at, next_fetch_at, fetch_interval_minutes, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?) RETURNING id`)

	err := s.db.QueryRowxContext(ctx, query,
		f.URL, f.Title, f.SiteURL, f.Status, f.ErrorMessage, f.ETag, f.LastModified,
		utcPtr(f.LastFetchedAt), utcPtr(f.NextFetchAt), f.FetchIntervalMinutes, f.CreatedAt, f.UpdatedAt,
	).Scan(&f.ID)
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: %s", ErrDuplicateFeed, f.URL)
	}
	if err != nil {
		return fmt.Errorf("failed to insert feed: %w", err)
	}
	return nil
}

// GetFeed retrieves a feed by ID.
func (s *Store) GetFeed(ctx context.Context, id int64) (*model.Feed, error) {
	f := &model.Feed{}
	err := s.db.GetContext(ctx, f, s.db.Rebind("SELECT "+feedColumns+" FROM feeds WHERE id = ?"), id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("feed %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get feed: %w", err)
	}
	return f, nil
}

// GetFeedByURL retrieves a feed by its normalized URL.
func (s *Store) GetFeedByURL(ctx context.Context, url string) (*model.Feed, error) {
	f := &model.Feed{}
	err := s.db.GetContext(ctx, f, s.db.Rebind("SELECT "+feedColumns+" FROM feeds WHERE url = ?"), url)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("feed %s: %w", url, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get feed: %w", err)
	}
	return f, nil
}

// ListFeeds retrieves all feeds ordered by title.
func (s *Store) ListFeeds(ctx context.Context) ([]*model.Feed, error) {
	var feeds []*model.Feed
	if err := s.db.SelectContext(ctx, &feeds, "SELECT "+feedColumns+" FROM feeds ORDER BY title, id"); err != nil {
		return nil, fmt.Errorf("failed to query feeds: %w", err)
	}
	return feeds, nil
}

// DeleteFeed deletes a feed and its entries.
func (s *Store) DeleteFeed(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, s.db.Rebind("DELETE FROM feeds WHERE id = ?"), id)
	if err != nil {
		return fmt.Errorf("failed to delete feed: %w", err)
	}
	return expectRow(res, "feed", id)
}

// DueFeedIDs returns the feeds whose next fetch time is at or before now.
func (s *Store) DueFeedIDs(ctx context.Context, now time.Time) ([]int64, error) {
	var ids []int64
	query := s.db.Rebind(`SELECT id FROM feeds
		WHERE next_fetch_at IS NOT NULL AND next_fetch_at <= ?
		ORDER BY next_fetch_at, id`)
	if err := s.db.SelectContext(ctx, &ids, query, now.UTC()); err != nil {
		return nil, fmt.Errorf("failed to query due feeds: %w", err)
	}
	return ids, nil
}

// UpdateFeedTitle stores channel metadata. It does not bump updated_at.
// An empty siteURL keeps the stored one.
func (s *Store) UpdateFeedTitle(ctx context.Context, id int64, title, siteURL string) error {
	query := s.db.Rebind(`UPDATE feeds SET title = ?,
		site_url = CASE WHEN ? = '' THEN site_url ELSE ? END
		WHERE id = ?`)
	if _, err := s.db.ExecContext(ctx, query, title, siteURL, siteURL, id); err != nil {
		return fmt.Errorf("failed to update feed title: %w", err)
	}
	return nil
}

// SaveFetchState persists the outcome of a fetch.
func (s *Store) SaveFetchState(ctx context.Context, f *model.Feed) error {
	f.UpdatedAt = time.Now().UTC()
	query := s.db.Rebind(`UPDATE feeds SET status = ?, error_message = ?, etag = ?, last_modified = ?,
		last_fetched_at = ?, next_fetch_at = ?, updated_at = ?
		WHERE id = ?`)
	res, err := s.db.ExecContext(ctx, query,
		f.Status, f.ErrorMessage, f.ETag, f.LastModified,
		utcPtr(f.LastFetchedAt), utcPtr(f.NextFetchAt), f.UpdatedAt, f.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to save fetch state: %w", err)
	}
	return expectRow(res, "feed", f.ID)
}

// UpdateFetchInterval changes a feed's interval and reschedules its next
// fetch relative to the last fetch.
func (s *Store) UpdateFetchInterval(ctx context.Context, id int64, minutes int, now time.Time) (*model.Feed, error) {
	if !model.ValidFetchInterval(minutes) {
		return nil, fmt.Errorf("fetch interval %d is not one of %v", minutes, model.FetchIntervals)
	}

	f, err := s.GetFeed(ctx, id)
	if err != nil {
		return nil, err
	}
	f.FetchIntervalMinutes = minutes
	next := f.RescheduleFrom(now).UTC()
	f.NextFetchAt = &next
	f.UpdatedAt = time.Now().UTC()

	query := s.db.Rebind("UPDATE feeds SET fetch_interval_minutes = ?, next_fetch_at = ?, updated_at = ? WHERE id = ?")
	if _, err := s.db.ExecContext(ctx, query, minutes, next, f.UpdatedAt, id); err != nil {
		return nil, fmt.Errorf("failed to update fetch interval: %w", err)
	}
	return f, nil
}

func expectRow(res sql.Result, kind string, id int64) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check affected rows: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%s %d: %w", kind, id, ErrNotFound)
	}
	return nil
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}
