package safehttp

import (
	"context"
	"fmt"
	"net/http"
)

// IsRedirect reports whether status should be followed. 304 shares the
// 3xx class but is a cache answer, not a redirect.
func IsRedirect(status int) bool {
	return status >= 300 && status < 400 && status != http.StatusNotModified
}

// FetchWithRedirects performs a GET and follows up to Options.MaxRedirects
// redirects. Each hop is validated by the guard like a fresh request.
func (c *Client) FetchWithRedirects(ctx context.Context, rawURL string, header http.Header, maxBytes int64, opts ...ReadOption) (*Response, error) {
	current := rawURL

	for hops := 0; ; hops++ {
		resp, err := c.Get(ctx, current, header, maxBytes, opts...)
		if err != nil {
			return nil, err
		}
		if !IsRedirect(resp.StatusCode) {
			return resp, nil
		}
		if hops >= c.opts.MaxRedirects {
			return nil, fmt.Errorf("%w: gave up after %d", ErrTooManyRedirects, hops)
		}

		location := resp.Header.Get("Location")
		if location == "" {
			return nil, fmt.Errorf("%w: status %d from %s", ErrMissingLocation, resp.StatusCode, current)
		}
		next, err := resp.URL.Parse(location)
		if err != nil {
			return nil, fmt.Errorf("%w: bad Location %q: %v", ErrInvalidURL, location, err)
		}
		current = next.String()
	}
}
