// Package server exposes the tsubame control API over HTTP.
package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"
	"github.com/robertmeta/tsubame/discover"
	"github.com/robertmeta/tsubame/model"
	"github.com/robertmeta/tsubame/refresh"
	"github.com/robertmeta/tsubame/store"
)

// Store is the persistence the API reads from. *store.Store satisfies it.
type Store interface {
	Ping(ctx context.Context) error
	ListFeeds(ctx context.Context) ([]*model.Feed, error)
	GetFeed(ctx context.Context, id int64) (*model.Feed, error)
	ListEntries(ctx context.Context, opts store.QueryOptions) ([]*model.Entry, error)
}

// Subscriber creates feeds. *refresh.Subscriber satisfies it.
type Subscriber interface {
	Subscribe(ctx context.Context, rawURL string, intervalMinutes int) (*model.Feed, error)
}

// Discoverer finds feeds behind a page. *discover.Resolver satisfies it.
type Discoverer interface {
	Discover(ctx context.Context, rawURL string) (discover.Result, error)
}

// Fetcher fetches one feed on demand. *refresh.Scheduler satisfies it.
type Fetcher interface {
	FetchNow(ctx context.Context, feedID int64) (refresh.FetchResult, error)
}

// Deps are the collaborators behind the API.
type Deps struct {
	Store      Store
	Subscriber Subscriber
	Discoverer Discoverer
	Fetcher    Fetcher
}

// apiKeyMiddleware checks the X-API-Key header. An empty key allows all requests.
func apiKeyMiddleware(apiKey string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			reqAPIKey := r.Header.Get("X-API-Key")
			if reqAPIKey == "" {
				writeError(w, r, http.StatusUnauthorized, "API key required")
				return
			}
			if reqAPIKey != apiKey {
				writeError(w, r, http.StatusUnauthorized, "Invalid API key")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// NewHandler builds the routed handler wrapped in the logging middleware.
// The health check stays reachable without an API key.
func NewHandler(deps Deps, logger zerolog.Logger, apiKey string) http.Handler {
	h := &handlers{deps: deps}

	api := http.NewServeMux()
	api.HandleFunc("GET /v1/feeds", h.listFeeds)
	api.HandleFunc("POST /v1/feeds", h.createFeed)
	api.HandleFunc("GET /v1/feeds/{id}", h.getFeed)
	api.HandleFunc("POST /v1/feeds/{id}/fetch", h.fetchFeed)
	api.HandleFunc("GET /v1/feeds/{id}/entries", h.listEntries)
	api.HandleFunc("GET /v1/discover", h.discover)

	var protected http.Handler = api
	if apiKey != "" {
		protected = apiKeyMiddleware(apiKey)(api)
		logger.Info().Msg("API key authentication enabled")
	} else {
		logger.Info().Msg("API key authentication disabled")
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", h.health)
	mux.Handle("/v1/", protected)

	// Set up middleware chain for logging and request tracking
	var out http.Handler = mux
	out = hlog.AccessHandler(func(r *http.Request, status, size int, duration time.Duration) {
		idReq, _ := hlog.IDFromRequest(r)

		hlog.FromRequest(r).Info().
			Str("method", r.Method).
			Stringer("url", r.URL).
			Int("status", status).
			Int("size", size).
			Dur("duration", duration).
			Str("req_id", idReq.String()).
			Msg("HTTP Request")
	})(out)
	out = hlog.RequestIDHandler("req_id", "Request-Id")(out)
	out = hlog.UserAgentHandler("user_agent")(out)
	out = hlog.RemoteAddrHandler("remote_addr")(out)
	out = hlog.NewHandler(logger.With().Str("service", "tsubame-api").Logger())(out)
	return out
}

// Run serves handler on addr until ctx is cancelled, then shuts down
// gracefully.
func Run(ctx context.Context, addr string, handler http.Handler, logger zerolog.Logger) error {
	httpServer := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		// Fetch-now and discovery wait on remote servers.
		WriteTimeout: 90 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		logger.Info().Str("address", addr).Msg("API server starting")
		err := httpServer.ListenAndServe()
		if !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	select {
	case err := <-serverErr:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("HTTP server shutdown error")
		if err := httpServer.Close(); err != nil {
			logger.Error().Err(err).Msg("HTTP server force close error")
		}
	} else {
		logger.Info().Msg("HTTP server shutdown complete")
	}
	return <-serverErr
}
