package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/rs/zerolog/hlog"
	"github.com/robertmeta/tsubame/discover"
	"github.com/robertmeta/tsubame/model"
	"github.com/robertmeta/tsubame/safehttp"
	"github.com/robertmeta/tsubame/store"
)

const (
	defaultLimit = 50
	maxLimit     = 500
)

type handlers struct {
	deps Deps
}

type errorResponse struct {
	Error string `json:"error"`
}

type createFeedRequest struct {
	URL             string `json:"url"`
	IntervalMinutes int    `json:"interval_minutes"`
}

type createFeedResponse struct {
	Feed       *model.Feed `json:"feed,omitempty"`
	Candidates []string    `json:"candidates,omitempty"`
}

type fetchResponse struct {
	FeedID       int64  `json:"feed_id"`
	Outcome      string `json:"outcome"`
	StatusCode   int    `json:"status_code,omitempty"`
	NewEntries   int    `json:"new_entries"`
	ErrorMessage string `json:"error_message,omitempty"`
}

func (h *handlers) health(w http.ResponseWriter, r *http.Request) {
	if err := h.deps.Store.Ping(r.Context()); err != nil {
		hlog.FromRequest(r).Error().Err(err).Msg("Health check failed")
		http.Error(w, "database unavailable", http.StatusServiceUnavailable)
		return
	}
	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusOK)
	if _, err := io.WriteString(w, "OK"); err != nil {
		hlog.FromRequest(r).Error().Err(err).Msg("Error writing health response body to client")
	}
}

func (h *handlers) listFeeds(w http.ResponseWriter, r *http.Request) {
	feeds, err := h.deps.Store.ListFeeds(r.Context())
	if err != nil {
		hlog.FromRequest(r).Error().Err(err).Msg("Failed to list feeds")
		writeError(w, r, http.StatusInternalServerError, "Internal server error")
		return
	}
	if feeds == nil {
		feeds = []*model.Feed{}
	}
	writeJSON(w, r, http.StatusOK, map[string]any{"feeds": feeds})
}

func (h *handlers) getFeed(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	f, err := h.deps.Store.GetFeed(r.Context(), id)
	if err != nil {
		writeStoreError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, f)
}

// createFeed runs discovery on the submitted URL. A single candidate is
// subscribed; several are returned for the caller to choose from.
func (h *handlers) createFeed(w http.ResponseWriter, r *http.Request) {
	log := hlog.FromRequest(r)

	var req createFeedRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 64<<10)).Decode(&req); err != nil {
		writeError(w, r, http.StatusBadRequest, "Invalid JSON body")
		return
	}
	if req.IntervalMinutes != 0 && !model.ValidFetchInterval(req.IntervalMinutes) {
		writeError(w, r, http.StatusBadRequest, "Invalid interval_minutes")
		return
	}
	rawURL := model.NormalizeURL(req.URL)
	if err := model.ValidateFeedURL(rawURL); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	result, err := h.deps.Discoverer.Discover(r.Context(), rawURL)
	if err != nil {
		writeDiscoverError(w, r, err)
		return
	}

	switch len(result.FeedURLs) {
	case 0:
		writeError(w, r, http.StatusUnprocessableEntity, "No feed found at URL")
		return
	case 1:
	default:
		writeJSON(w, r, http.StatusMultipleChoices, createFeedResponse{Candidates: result.FeedURLs})
		return
	}

	f, err := h.deps.Subscriber.Subscribe(r.Context(), result.FeedURLs[0], req.IntervalMinutes)
	switch {
	case errors.Is(err, store.ErrDuplicateFeed):
		writeError(w, r, http.StatusConflict, "Feed already subscribed")
		return
	case errors.Is(err, model.ErrInvalidFeedURL), safehttp.IsSafetyViolation(err):
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	case err != nil:
		log.Error().Err(err).Str("url", result.FeedURLs[0]).Msg("Failed to subscribe")
		writeError(w, r, http.StatusInternalServerError, "Internal server error")
		return
	}

	writeJSON(w, r, http.StatusCreated, createFeedResponse{Feed: f})
}

func (h *handlers) fetchFeed(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	result, err := h.deps.Fetcher.FetchNow(r.Context(), id)
	if err != nil {
		writeStoreError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, fetchResponse{
		FeedID:       id,
		Outcome:      result.Outcome.String(),
		StatusCode:   result.StatusCode,
		NewEntries:   result.NewEntries,
		ErrorMessage: result.ErrorMessage(),
	})
}

func (h *handlers) listEntries(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	if _, err := h.deps.Store.GetFeed(r.Context(), id); err != nil {
		writeStoreError(w, r, err)
		return
	}

	query := r.URL.Query()
	limit := defaultLimit
	if s := query.Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 || n > maxLimit {
			writeError(w, r, http.StatusBadRequest, "Invalid 'limit' parameter")
			return
		}
		limit = n
	}
	offset := 0
	if s := query.Get("offset"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 0 {
			writeError(w, r, http.StatusBadRequest, "Invalid 'offset' parameter")
			return
		}
		offset = n
	}
	unread, _ := strconv.ParseBool(query.Get("unread"))
	pinned, _ := strconv.ParseBool(query.Get("pinned"))

	opts, err := store.BuildQueryOptions(id, limit, offset, unread, pinned, query.Get("since"))
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	entries, err := h.deps.Store.ListEntries(r.Context(), opts)
	if err != nil {
		hlog.FromRequest(r).Error().Err(err).Int64("feed_id", id).Msg("Failed to list entries")
		writeError(w, r, http.StatusInternalServerError, "Internal server error")
		return
	}
	if entries == nil {
		entries = []*model.Entry{}
	}
	writeJSON(w, r, http.StatusOK, map[string]any{"entries": entries})
}

func (h *handlers) discover(w http.ResponseWriter, r *http.Request) {
	rawURL := model.NormalizeURL(r.URL.Query().Get("url"))
	if err := model.ValidateFeedURL(rawURL); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	result, err := h.deps.Discoverer.Discover(r.Context(), rawURL)
	if err != nil {
		writeDiscoverError(w, r, err)
		return
	}
	if result.FeedURLs == nil {
		result.FeedURLs = []string{}
	}
	writeJSON(w, r, http.StatusOK, result)
}

func pathID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, r, http.StatusBadRequest, "Invalid feed ID")
		return 0, false
	}
	return id, true
}

func writeStoreError(w http.ResponseWriter, r *http.Request, err error) {
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, r, http.StatusNotFound, "Feed not found")
		return
	}
	hlog.FromRequest(r).Error().Err(err).Msg("Store request failed")
	writeError(w, r, http.StatusInternalServerError, "Internal server error")
}

func writeDiscoverError(w http.ResponseWriter, r *http.Request, err error) {
	if safehttp.IsSafetyViolation(err) {
		hlog.FromRequest(r).Warn().Err(err).Msg("Rejected unsafe URL")
		writeError(w, r, http.StatusBadRequest, "URL is not allowed")
		return
	}
	hlog.FromRequest(r).Warn().Err(err).Msg("Discovery failed")
	writeError(w, r, http.StatusBadGateway, "Failed to fetch URL")
}

func writeJSON(w http.ResponseWriter, r *http.Request, status int, v any) {
	body, err := json.Marshal(v)
	if err != nil {
		hlog.FromRequest(r).Error().Err(err).Msg("Error marshaling JSON response")
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if _, err := w.Write(body); err != nil {
		hlog.FromRequest(r).Error().Err(err).Msg("Error writing JSON response body to client")
	}
}

func writeError(w http.ResponseWriter, r *http.Request, status int, msg string) {
	writeJSON(w, r, status, errorResponse{Error: msg})
}

var _ Discoverer = (*discover.Resolver)(nil)
