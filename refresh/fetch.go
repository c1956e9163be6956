package refresh

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/robertmeta/tsubame/feed"
	"github.com/robertmeta/tsubame/model"
	"github.com/robertmeta/tsubame/safehttp"
)

// Outcome classifies a single fetch attempt.
type Outcome int

const (
	OutcomeSuccess Outcome = iota
	OutcomeNotModified
	OutcomeHTTPError
	OutcomeFormatError
	OutcomeTimeout
	OutcomeNetworkError
	OutcomeStorageError
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSuccess:
		return "success"
	case OutcomeNotModified:
		return "not_modified"
	case OutcomeHTTPError:
		return "http_error"
	case OutcomeFormatError:
		return "format_error"
	case OutcomeTimeout:
		return "timeout"
	case OutcomeNetworkError:
		return "network_error"
	case OutcomeStorageError:
		return "storage_error"
	default:
		return "unknown"
	}
}

// FetchResult is the outcome of one fetch of one feed.
type FetchResult struct {
	Outcome      Outcome `json:"-"`
	StatusCode   int     `json:"status_code,omitempty"`
	Err          error   `json:"-"`
	ChannelTitle string  `json:"channel_title,omitempty"`
	ETag         string  `json:"-"`
	LastModified string  `json:"-"`
	NewEntries   int     `json:"new_entries"`
}

// Failed reports whether the result puts the feed into the error state.
func (r FetchResult) Failed() bool {
	return r.Outcome != OutcomeSuccess && r.Outcome != OutcomeNotModified
}

// ErrorMessage is the text stored on the feed for a failed fetch.
func (r FetchResult) ErrorMessage() string {
	switch r.Outcome {
	case OutcomeSuccess, OutcomeNotModified:
		return ""
	case OutcomeHTTPError:
		return fmt.Sprintf("HTTP error %d", r.StatusCode)
	case OutcomeFormatError:
		return "Feed format error"
	case OutcomeTimeout:
		return "Request timed out"
	default:
		return "Failed to fetch feed"
	}
}

// Fetcher performs the guarded HTTP GET. *safehttp.Client satisfies it.
type Fetcher interface {
	FetchWithRedirects(ctx context.Context, rawURL string, header http.Header, maxBytes int64, opts ...safehttp.ReadOption) (*safehttp.Response, error)
}

// Options configures an Orchestrator.
type Options struct {
	MaxBodyBytes int64
	ErrorBackoff time.Duration
	Now          func() time.Time
}

// DefaultOptions returns the standard caps and backoff.
func DefaultOptions() Options {
	return Options{
		MaxBodyBytes: safehttp.MaxFeedBytes,
		ErrorBackoff: 30 * time.Minute,
	}
}

// Orchestrator fetches a single feed and records the result on it.
type Orchestrator struct {
	client   Fetcher
	feeds    FeedStore
	ingester *Ingester
	opts     Options
}

// NewOrchestrator creates an Orchestrator.
func NewOrchestrator(client Fetcher, feeds FeedStore, entries EntryStore, opts Options) *Orchestrator {
	if opts.Now == nil {
		opts.Now = nowUTC
	}
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = safehttp.MaxFeedBytes
	}
	return &Orchestrator{
		client:   client,
		feeds:    feeds,
		ingester: NewIngester(feeds, entries),
		opts:     opts,
	}
}

// Fetch downloads the feed, ingests new entries and moves the feed to the
// ok or error state. Every fetch problem is recorded on the feed; the
// returned error only reports a failure to load or save the feed itself.
func (o *Orchestrator) Fetch(ctx context.Context, feedID int64) (FetchResult, error) {
	f, err := o.feeds.GetFeed(ctx, feedID)
	if err != nil {
		return FetchResult{}, err
	}

	result := o.attempt(ctx, f)

	now := o.opts.Now()
	if result.Failed() {
		f.MarkError(now, result.ErrorMessage(), o.opts.ErrorBackoff)
	} else {
		f.MarkFetched(now, result.ETag, result.LastModified)
	}

	event := log.Info()
	if result.Failed() {
		event = log.Warn().Err(result.Err)
	}
	event.
		Int64("feed_id", f.ID).
		Str("url", f.URL).
		Str("outcome", result.Outcome.String()).
		Int("new_entries", result.NewEntries).
		Time("next_fetch_at", *f.NextFetchAt).
		Msg("Feed fetched")

	if err := o.feeds.SaveFetchState(ctx, f); err != nil {
		return result, fmt.Errorf("failed to save fetch state for feed %d: %w", f.ID, err)
	}
	return result, nil
}

func (o *Orchestrator) attempt(ctx context.Context, f *model.Feed) FetchResult {
	resp, err := o.client.FetchWithRedirects(ctx, f.URL, conditionalHeaders(f), o.opts.MaxBodyBytes)
	if err != nil {
		if errors.Is(err, safehttp.ErrTimeout) {
			return FetchResult{Outcome: OutcomeTimeout, Err: err}
		}
		return FetchResult{Outcome: OutcomeNetworkError, Err: err}
	}

	if resp.StatusCode == http.StatusNotModified {
		return FetchResult{Outcome: OutcomeNotModified, StatusCode: resp.StatusCode}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return FetchResult{
			Outcome:    OutcomeHTTPError,
			StatusCode: resp.StatusCode,
			Err:        fmt.Errorf("unexpected status %d", resp.StatusCode),
		}
	}

	text := feed.Normalize(resp.Header.Get("Content-Type"), resp.Body)
	doc, err := feed.Parse(text)
	if err != nil {
		return FetchResult{Outcome: OutcomeFormatError, StatusCode: resp.StatusCode, Err: err}
	}

	channel := Channel{Title: doc.Title, SiteURL: doc.SiteURL}
	created, err := o.ingester.Ingest(ctx, f, channel, feed.ExtractAll(doc))
	if err != nil {
		return FetchResult{Outcome: OutcomeStorageError, StatusCode: resp.StatusCode, Err: err}
	}

	return FetchResult{
		Outcome:      OutcomeSuccess,
		StatusCode:   resp.StatusCode,
		ChannelTitle: doc.Title,
		ETag:         resp.Header.Get("ETag"),
		LastModified: resp.Header.Get("Last-Modified"),
		NewEntries:   created,
	}
}

func conditionalHeaders(f *model.Feed) http.Header {
	header := http.Header{}
	if f.ETag != "" {
		header.Set("If-None-Match", f.ETag)
	}
	if f.LastModified != "" {
		header.Set("If-Modified-Since", f.LastModified)
	}
	return header
}
