package refresh

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/robertmeta/tsubame/model"
	"github.com/robertmeta/tsubame/safehttp"
	"github.com/robertmeta/tsubame/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const twoItemRSS = `<?xml version="1.0" encoding="UTF-8"?>
<rss version="2.0">
  <channel>
    <title>Example Blog</title>
    <link>https://example.com/</link>
    <item>
      <guid>post-1</guid>
      <title>First</title>
      <link>https://example.com/1</link>
      <description>one</description>
    </item>
    <item>
      <guid>post-2</guid>
      <title>Second</title>
      <link>https://example.com/2</link>
      <description>two</description>
    </item>
  </channel>
</rss>`

var testNow = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

type testEnv struct {
	store *store.Store
	orch  *Orchestrator
}

// newTestEnv wires an orchestrator to an in-memory store. With no blocked
// ranges the client may reach httptest servers on loopback.
func newTestEnv(t *testing.T, blocked ...string) *testEnv {
	t.Helper()

	s, err := store.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	policy, err := safehttp.NewPolicy(blocked)
	require.NoError(t, err)
	clientOpts := safehttp.DefaultOptions()
	clientOpts.ConnectTimeout = 500 * time.Millisecond
	clientOpts.ReadTimeout = 500 * time.Millisecond
	client := safehttp.NewClient(safehttp.NewGuard(policy, nil), clientOpts)

	opts := DefaultOptions()
	opts.Now = func() time.Time { return testNow }

	return &testEnv{store: s, orch: NewOrchestrator(client, s, s, opts)}
}

func (e *testEnv) addFeed(t *testing.T, url string) *model.Feed {
	t.Helper()
	next := testNow
	f := &model.Feed{URL: url, Status: model.StatusOK, NextFetchAt: &next}
	require.NoError(t, e.store.CreateFeed(context.Background(), f))
	return f
}

func (e *testEnv) reload(t *testing.T, id int64) *model.Feed {
	t.Helper()
	f, err := e.store.GetFeed(context.Background(), id)
	require.NoError(t, err)
	return f
}

func (e *testEnv) entries(t *testing.T, feedID int64) []*model.Entry {
	t.Helper()
	entries, err := e.store.ListEntries(context.Background(), store.QueryOptions{FeedID: feedID})
	require.NoError(t, err)
	return entries
}

func serveFeed(body string, header map[string]string) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		for k, v := range header {
			w.Header().Set(k, v)
		}
		w.Header().Set("Content-Type", "application/rss+xml")
		fmt.Fprint(w, body)
	}))
}

func TestFetch_Success(t *testing.T) {
	srv := serveFeed(twoItemRSS, map[string]string{"ETag": "abc123", "Last-Modified": "Fri, 01 Mar 2024 10:00:00 GMT"})
	defer srv.Close()

	env := newTestEnv(t)
	f := env.addFeed(t, srv.URL+"/feed.xml")

	result, err := env.orch.Fetch(context.Background(), f.ID)
	require.NoError(t, err)
	assert.Equal(t, OutcomeSuccess, result.Outcome)
	assert.Equal(t, 2, result.NewEntries)
	assert.Equal(t, "Example Blog", result.ChannelTitle)

	got := env.reload(t, f.ID)
	assert.Equal(t, model.StatusOK, got.Status)
	assert.Empty(t, got.ErrorMessage)
	assert.Equal(t, "abc123", got.ETag)
	assert.Equal(t, "Fri, 01 Mar 2024 10:00:00 GMT", got.LastModified)
	assert.Equal(t, "Example Blog", got.Title)
	assert.Equal(t, "https://example.com/", got.SiteURL)
	require.NotNil(t, got.LastFetchedAt)
	require.NotNil(t, got.NextFetchAt)
	assert.True(t, testNow.Equal(*got.LastFetchedAt))
	assert.True(t, testNow.Add(10*time.Minute).Equal(*got.NextFetchAt))

	entries := env.entries(t, f.ID)
	require.Len(t, entries, 2)
	guids := []string{entries[0].GUID, entries[1].GUID}
	assert.ElementsMatch(t, []string{"post-1", "post-2"}, guids)
}

func TestFetch_IsIdempotent(t *testing.T) {
	srv := serveFeed(twoItemRSS, nil)
	defer srv.Close()

	env := newTestEnv(t)
	f := env.addFeed(t, srv.URL)

	first, err := env.orch.Fetch(context.Background(), f.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, first.NewEntries)

	second, err := env.orch.Fetch(context.Background(), f.ID)
	require.NoError(t, err)
	assert.Equal(t, OutcomeSuccess, second.Outcome)
	assert.Equal(t, 0, second.NewEntries)
	assert.Len(t, env.entries(t, f.ID), 2)
}

func TestFetch_ConcurrentFetchesDoNotDuplicate(t *testing.T) {
	srv := serveFeed(twoItemRSS, nil)
	defer srv.Close()

	env := newTestEnv(t)
	f := env.addFeed(t, srv.URL)

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := env.orch.Fetch(context.Background(), f.ID)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Len(t, env.entries(t, f.ID), 2)
}

func TestFetch_NotModifiedKeepsValidators(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("If-None-Match") == "abc123" &&
			r.Header.Get("If-Modified-Since") == "Fri, 01 Mar 2024 10:00:00 GMT" {
			w.WriteHeader(http.StatusNotModified)
			return
		}
		w.WriteHeader(http.StatusPreconditionFailed)
	}))
	defer srv.Close()

	env := newTestEnv(t)
	f := env.addFeed(t, srv.URL)
	f.ETag = "abc123"
	f.LastModified = "Fri, 01 Mar 2024 10:00:00 GMT"
	f.Status = model.StatusError
	f.ErrorMessage = "HTTP error 500"
	require.NoError(t, env.store.SaveFetchState(context.Background(), f))

	result, err := env.orch.Fetch(context.Background(), f.ID)
	require.NoError(t, err)
	assert.Equal(t, OutcomeNotModified, result.Outcome)

	got := env.reload(t, f.ID)
	assert.Equal(t, model.StatusOK, got.Status)
	assert.Empty(t, got.ErrorMessage)
	assert.Equal(t, "abc123", got.ETag)
	assert.Equal(t, "Fri, 01 Mar 2024 10:00:00 GMT", got.LastModified)
	assert.True(t, testNow.Add(10*time.Minute).Equal(*got.NextFetchAt))
	assert.Empty(t, env.entries(t, f.ID))
}

func TestFetch_ErrorOutcomes(t *testing.T) {
	tests := []struct {
		name    string
		handler http.HandlerFunc
		outcome Outcome
		message string
	}{
		{
			name:    "not found",
			handler: func(w http.ResponseWriter, r *http.Request) { http.NotFound(w, r) },
			outcome: OutcomeHTTPError,
			message: "HTTP error 404",
		},
		{
			name: "server error",
			handler: func(w http.ResponseWriter, r *http.Request) {
				http.Error(w, "boom", http.StatusInternalServerError)
			},
			outcome: OutcomeHTTPError,
			message: "HTTP error 500",
		},
		{
			name: "not a feed",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Type", "text/html")
				fmt.Fprint(w, "<html><body>hello</body></html>")
			},
			outcome: OutcomeFormatError,
			message: "Feed format error",
		},
		{
			name: "slow",
			handler: func(w http.ResponseWriter, r *http.Request) {
				select {
				case <-r.Context().Done():
				case <-time.After(3 * time.Second):
				}
			},
			outcome: OutcomeTimeout,
			message: "Request timed out",
		},
		{
			name: "too large",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Type", "application/rss+xml")
				fmt.Fprint(w, strings.Repeat("x", int(safehttp.MaxFeedBytes)+1))
			},
			outcome: OutcomeNetworkError,
			message: "Failed to fetch feed",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(tt.handler)
			defer srv.Close()

			env := newTestEnv(t)
			f := env.addFeed(t, srv.URL)

			result, err := env.orch.Fetch(context.Background(), f.ID)
			require.NoError(t, err)
			assert.Equal(t, tt.outcome, result.Outcome)

			got := env.reload(t, f.ID)
			assert.Equal(t, model.StatusError, got.Status)
			assert.Equal(t, tt.message, got.ErrorMessage)
			assert.True(t, testNow.Add(30*time.Minute).Equal(*got.NextFetchAt))
			assert.Empty(t, env.entries(t, f.ID))
		})
	}
}

func TestFetch_TooManyRedirects(t *testing.T) {
	var srv *httptest.Server
	srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var n int
		fmt.Sscanf(r.URL.Path, "/hop/%d", &n)
		http.Redirect(w, r, fmt.Sprintf("%s/hop/%d", srv.URL, n+1), http.StatusFound)
	}))
	defer srv.Close()

	env := newTestEnv(t)
	f := env.addFeed(t, srv.URL+"/hop/0")

	result, err := env.orch.Fetch(context.Background(), f.ID)
	require.NoError(t, err)
	assert.Equal(t, OutcomeNetworkError, result.Outcome)
	assert.ErrorIs(t, result.Err, safehttp.ErrTooManyRedirects)
	assert.Equal(t, "Failed to fetch feed", env.reload(t, f.ID).ErrorMessage)
}

func TestFetch_BlockedHost(t *testing.T) {
	env := newTestEnv(t, safehttp.DefaultBlockedRanges...)
	f := env.addFeed(t, "http://127.0.0.1:1/feed")

	result, err := env.orch.Fetch(context.Background(), f.ID)
	require.NoError(t, err)
	assert.Equal(t, OutcomeNetworkError, result.Outcome)
	assert.True(t, safehttp.IsSafetyViolation(result.Err))

	got := env.reload(t, f.ID)
	assert.Equal(t, model.StatusError, got.Status)
	assert.Equal(t, "Failed to fetch feed", got.ErrorMessage)
}

func TestFetch_SendsUserAgent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("User-Agent") != "Tsubame/1.0" {
			http.Error(w, "bad agent", http.StatusForbidden)
			return
		}
		fmt.Fprint(w, twoItemRSS)
	}))
	defer srv.Close()

	env := newTestEnv(t)
	f := env.addFeed(t, srv.URL)

	result, err := env.orch.Fetch(context.Background(), f.ID)
	require.NoError(t, err)
	assert.Equal(t, OutcomeSuccess, result.Outcome)
}

func TestFetch_UnknownFeed(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.orch.Fetch(context.Background(), 999)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestFetchResult_ErrorMessage(t *testing.T) {
	assert.Empty(t, FetchResult{Outcome: OutcomeSuccess}.ErrorMessage())
	assert.Empty(t, FetchResult{Outcome: OutcomeNotModified}.ErrorMessage())
	assert.Equal(t, "HTTP error 403", FetchResult{Outcome: OutcomeHTTPError, StatusCode: 403}.ErrorMessage())
	assert.Equal(t, "Failed to fetch feed", FetchResult{Outcome: OutcomeStorageError}.ErrorMessage())
	assert.False(t, FetchResult{Outcome: OutcomeNotModified}.Failed())
	assert.True(t, FetchResult{Outcome: OutcomeTimeout}.Failed())
}
