// Package model defines the core data structures for tsubame.
package model

import (
	"errors"
	"fmt"
	"time"
)

// FetchStatus is the health of a feed as of its last fetch.
type FetchStatus string

const (
	StatusOK    FetchStatus = "ok"
	StatusError FetchStatus = "error"
)

// FetchIntervals lists the allowed values for Feed.FetchIntervalMinutes.
var FetchIntervals = []int{10, 30, 60, 180, 360, 720, 1440}

// DefaultFetchInterval is used when a feed is created without an interval.
const DefaultFetchInterval = 10

// Feed represents a subscribed RSS/Atom source and its scheduling state.
type Feed struct {
	ID                   int64       `json:"id" db:"id"`
	URL                  string      `json:"url" db:"url"`
	Title                string      `json:"title" db:"title"`
	SiteURL              string      `json:"site_url,omitempty" db:"site_url"`
	Status               FetchStatus `json:"status" db:"status"`
	ErrorMessage         string      `json:"error_message,omitempty" db:"error_message"`
	ETag                 string      `json:"etag,omitempty" db:"etag"`
	LastModified         string      `json:"last_modified,omitempty" db:"last_modified"`
	LastFetchedAt        *time.Time  `json:"last_fetched_at,omitempty" db:"last_fetched_at"`
	NextFetchAt          *time.Time  `json:"next_fetch_at,omitempty" db:"next_fetch_at"`
	FetchIntervalMinutes int         `json:"fetch_interval_minutes" db:"fetch_interval_minutes"`
	CreatedAt            time.Time   `json:"created_at" db:"created_at"`
	UpdatedAt            time.Time   `json:"updated_at" db:"updated_at"`
}

// Validate checks if the feed has required fields.
func (f *Feed) Validate() error {
	if f.URL == "" {
		return errors.New("feed URL is required")
	}
	if err := ValidateFeedURL(f.URL); err != nil {
		return err
	}
	if !ValidFetchInterval(f.FetchIntervalMinutes) {
		return fmt.Errorf("fetch interval %d is not one of %v", f.FetchIntervalMinutes, FetchIntervals)
	}
	if f.Status != StatusOK && f.Status != StatusError {
		return fmt.Errorf("unknown feed status %q", f.Status)
	}
	return nil
}

// ValidFetchInterval reports whether minutes is an allowed fetch interval.
func ValidFetchInterval(minutes int) bool {
	for _, m := range FetchIntervals {
		if m == minutes {
			return true
		}
	}
	return false
}

// FetchInterval returns the feed's interval as a duration.
func (f *Feed) FetchInterval() time.Duration {
	return time.Duration(f.FetchIntervalMinutes) * time.Minute
}

// MarkFetched records a successful or not-modified fetch. Validators are
// only replaced when the response carried new ones.
func (f *Feed) MarkFetched(now time.Time, etag, lastModified string) {
	f.Status = StatusOK
	f.ErrorMessage = ""
	if etag != "" {
		f.ETag = etag
	}
	if lastModified != "" {
		f.LastModified = lastModified
	}
	f.stamp(now, f.FetchInterval())
}

// MarkError records a failed fetch and pushes the next attempt out by backoff.
func (f *Feed) MarkError(now time.Time, message string, backoff time.Duration) {
	f.Status = StatusError
	f.ErrorMessage = message
	f.stamp(now, backoff)
}

func (f *Feed) stamp(now time.Time, wait time.Duration) {
	fetched := now
	next := now.Add(wait)
	f.LastFetchedAt = &fetched
	f.NextFetchAt = &next
}

// RescheduleFrom computes next_fetch_at after an interval change.
func (f *Feed) RescheduleFrom(now time.Time) time.Time {
	base := now
	if f.LastFetchedAt != nil {
		base = *f.LastFetchedAt
	}
	return base.Add(f.FetchInterval())
}

// Entry represents a single RSS/Atom entry/article.
type Entry struct {
	ID          int64      `json:"id" db:"id"`
	FeedID      int64      `json:"feed_id" db:"feed_id"`
	GUID        string     `json:"guid" db:"guid"`
	Title       string     `json:"title" db:"title"`
	URL         string     `json:"url" db:"url"`
	Author      string     `json:"author,omitempty" db:"author"`
	Body        string     `json:"body" db:"body"`
	PublishedAt *time.Time `json:"published_at,omitempty" db:"published_at"`
	ReadAt      *time.Time `json:"read_at,omitempty" db:"read_at"`
	Pinned      bool       `json:"pinned" db:"pinned"`
	CreatedAt   time.Time  `json:"created_at" db:"created_at"`
}

// IsUnread returns true if the entry hasn't been read.
func (e *Entry) IsUnread() bool {
	return e.ReadAt == nil
}

// RawItem is one channel item after extraction, before guid filtering.
type RawItem struct {
	GUID        string
	Title       string
	Link        string
	Author      string
	Body        string
	PublishedAt *time.Time
}

// ToEntry converts the item into an unsaved entry for feedID.
func (r RawItem) ToEntry(feedID int64) *Entry {
	return &Entry{
		FeedID:      feedID,
		GUID:        r.GUID,
		Title:       r.Title,
		URL:         r.Link,
		Author:      r.Author,
		Body:        r.Body,
		PublishedAt: r.PublishedAt,
	}
}
