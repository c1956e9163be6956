package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/robertmeta/tsubame/model"
)

const entryColumns = `id, feed_id, guid, title, url, author, body, published_at, read_at, pinned, created_at`

// QueryOptions specifies how to query entries.
type QueryOptions struct {
	FeedID     int64
	Limit      int
	Offset     int
	UnreadOnly bool
	PinnedOnly bool
	Since      *time.Time
}

// CreateEntry inserts an entry. A (feed_id, guid) collision returns
// ErrDuplicateEntry and leaves the stored entry untouched.
func (s *Store) CreateEntry(ctx context.Context, e *model.Entry) error {
	if e.GUID == "" {
		return errors.New("entry guid is required")
	}
	e.CreatedAt = time.Now().UTC()

	query := s.db.Rebind(`INSERT INTO entries (feed_id, guid, title, url, author, body, published_at, read_at, pinned, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?) RETURNING id`)

	err := s.db.QueryRowxContext(ctx, query,
		e.FeedID, e.GUID, e.Title, e.URL, e.Author, e.Body,
		utcPtr(e.PublishedAt), utcPtr(e.ReadAt), e.Pinned, e.CreatedAt,
	).Scan(&e.ID)
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: feed %d guid %q", ErrDuplicateEntry, e.FeedID, e.GUID)
	}
	if err != nil {
		return fmt.Errorf("failed to insert entry: %w", err)
	}
	return nil
}

// ExistingGUIDs returns which of guids are already stored for feedID,
// using a single query.
func (s *Store) ExistingGUIDs(ctx context.Context, feedID int64, guids []string) (map[string]bool, error) {
	existing := make(map[string]bool)
	if len(guids) == 0 {
		return existing, nil
	}

	query, args, err := sqlx.In("SELECT guid FROM entries WHERE feed_id = ? AND guid IN (?)", feedID, guids)
	if err != nil {
		return nil, fmt.Errorf("failed to build guid query: %w", err)
	}

	var found []string
	if err := s.db.SelectContext(ctx, &found, s.db.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("failed to query existing guids: %w", err)
	}
	for _, g := range found {
		existing[g] = true
	}
	return existing, nil
}

// GetEntry retrieves an entry by ID.
func (s *Store) GetEntry(ctx context.Context, id int64) (*model.Entry, error) {
	e := &model.Entry{}
	err := s.db.GetContext(ctx, e, s.db.Rebind("SELECT "+entryColumns+" FROM entries WHERE id = ?"), id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("entry %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get entry: %w", err)
	}
	return e, nil
}

// ListEntries retrieves entries with optional filtering and pagination,
// newest first.
func (s *Store) ListEntries(ctx context.Context, opts QueryOptions) ([]*model.Entry, error) {
	var (
		where []string
		args  []interface{}
	)

	// Apply filters
	if opts.FeedID != 0 {
		where = append(where, "feed_id = ?")
		args = append(args, opts.FeedID)
	}
	if opts.UnreadOnly {
		where = append(where, "read_at IS NULL")
	}
	if opts.PinnedOnly {
		where = append(where, "pinned = ?")
		args = append(args, true)
	}
	if opts.Since != nil {
		where = append(where, "COALESCE(published_at, created_at) >= ?")
		args = append(args, opts.Since.UTC())
	}

	query := "SELECT " + entryColumns + " FROM entries"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY COALESCE(published_at, created_at) DESC, id DESC"

	// Apply pagination
	if opts.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, opts.Limit)
		if opts.Offset > 0 {
			query += " OFFSET ?"
			args = append(args, opts.Offset)
		}
	}

	var entries []*model.Entry
	if err := s.db.SelectContext(ctx, &entries, s.db.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("failed to query entries: %w", err)
	}
	return entries, nil
}

// CountEntries returns how many entries feedID has.
func (s *Store) CountEntries(ctx context.Context, feedID int64) (int, error) {
	var n int
	if err := s.db.GetContext(ctx, &n, s.db.Rebind("SELECT COUNT(*) FROM entries WHERE feed_id = ?"), feedID); err != nil {
		return 0, fmt.Errorf("failed to count entries: %w", err)
	}
	return n, nil
}

// MarkEntryRead marks an entry as read at the given time, or unread.
func (s *Store) MarkEntryRead(ctx context.Context, id int64, read bool, now time.Time) error {
	var readAt *time.Time
	if read {
		t := now.UTC()
		readAt = &t
	}
	res, err := s.db.ExecContext(ctx, s.db.Rebind("UPDATE entries SET read_at = ? WHERE id = ?"), readAt, id)
	if err != nil {
		return fmt.Errorf("failed to mark entry read: %w", err)
	}
	return expectRow(res, "entry", id)
}

// MarkFeedRead marks every unread entry of a feed as read.
func (s *Store) MarkFeedRead(ctx context.Context, feedID int64, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		s.db.Rebind("UPDATE entries SET read_at = ? WHERE feed_id = ? AND read_at IS NULL"),
		now.UTC(), feedID,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to mark feed read: %w", err)
	}
	return res.RowsAffected()
}

// TogglePin flips an entry's pinned flag and returns the new value.
func (s *Store) TogglePin(ctx context.Context, id int64) (bool, error) {
	e, err := s.GetEntry(ctx, id)
	if err != nil {
		return false, err
	}
	if _, err := s.db.ExecContext(ctx, s.db.Rebind("UPDATE entries SET pinned = ? WHERE id = ?"), !e.Pinned, id); err != nil {
		return false, fmt.Errorf("failed to toggle pin: %w", err)
	}
	return !e.Pinned, nil
}

// PurgeReadEntries deletes unpinned entries that were read before cutoff.
func (s *Store) PurgeReadEntries(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		s.db.Rebind("DELETE FROM entries WHERE read_at IS NOT NULL AND read_at < ? AND pinned = ?"),
		cutoff.UTC(), false,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to purge entries: %w", err)
	}
	return res.RowsAffected()
}
