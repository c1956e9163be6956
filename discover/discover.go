// Package discover resolves a page URL into the feed URLs it advertises.
package discover

import (
	"context"
	"io"
	"mime"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/robertmeta/tsubame/safehttp"
	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// Kind is what the discovered URL turned out to be.
type Kind int

const (
	KindUnknown Kind = iota
	KindFeed
	KindHTML
)

func (k Kind) String() string {
	switch k {
	case KindFeed:
		return "feed"
	case KindHTML:
		return "html"
	default:
		return "unknown"
	}
}

// MarshalText encodes the kind by name.
func (k Kind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// Result lists the candidate feed URLs for a discovered page.
type Result struct {
	FeedURLs []string `json:"feed_urls"`
	Kind     Kind     `json:"kind"`
}

// HTTPClient is the guarded client discovery issues requests through.
// *safehttp.Client satisfies it.
type HTTPClient interface {
	FetchWithRedirects(ctx context.Context, rawURL string, header http.Header, maxBytes int64, opts ...safehttp.ReadOption) (*safehttp.Response, error)
	Head(ctx context.Context, rawURL string, header http.Header, timeout time.Duration) (*safehttp.Response, error)
}

// Options holds the tables that drive discovery.
type Options struct {
	// FeedTypes are response media types treated as a feed.
	FeedTypes []string
	// LinkTypes are <link type> values accepted as feed declarations.
	LinkTypes []string
	// GuessPaths are probed on the site origin when a page declares no feeds.
	GuessPaths   []string
	MaxHTMLBytes int64
	ProbeTimeout time.Duration
}

// DefaultOptions returns the standard discovery tables.
func DefaultOptions() Options {
	return Options{
		FeedTypes:    []string{"application/rss+xml", "application/atom+xml", "text/xml", "application/xml"},
		LinkTypes:    []string{"application/rss+xml", "application/atom+xml"},
		GuessPaths:   []string{"/feed", "/feed.xml", "/rss", "/rss.xml", "/atom.xml", "/index.xml", "/feed.atom"},
		MaxHTMLBytes: safehttp.MaxHTMLBytes,
		ProbeTimeout: 5 * time.Second,
	}
}

// Resolver discovers feeds behind page URLs.
type Resolver struct {
	client    HTTPClient
	opts      Options
	feedTypes map[string]bool
	linkTypes map[string]bool
}

// NewResolver creates a Resolver.
func NewResolver(client HTTPClient, opts Options) *Resolver {
	if opts.MaxHTMLBytes <= 0 {
		opts.MaxHTMLBytes = safehttp.MaxHTMLBytes
	}
	if opts.ProbeTimeout <= 0 {
		opts.ProbeTimeout = 5 * time.Second
	}
	return &Resolver{
		client:    client,
		opts:      opts,
		feedTypes: lowerSet(opts.FeedTypes),
		linkTypes: lowerSet(opts.LinkTypes),
	}
}

// Discover fetches rawURL and reports whether it is a feed, a page with
// feed candidates, or neither. Safety violations and transport failures are
// returned as errors; an unusable response is KindUnknown.
func (r *Resolver) Discover(ctx context.Context, rawURL string) (Result, error) {
	header := http.Header{}
	header.Set("Accept", "text/html,application/xhtml+xml")

	resp, err := r.client.FetchWithRedirects(ctx, rawURL, header, r.opts.MaxHTMLBytes, safehttp.StopAt("</head>"))
	if err != nil {
		return Result{}, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return Result{Kind: KindUnknown}, nil
	}

	mediaType := mediaTypeOf(resp.Header)
	if r.feedTypes[mediaType] {
		return Result{FeedURLs: []string{rawURL}, Kind: KindFeed}, nil
	}
	if mediaType != "text/html" {
		return Result{Kind: KindUnknown}, nil
	}

	urls := r.feedLinks(strings.NewReader(string(resp.Body)), resp.URL)
	if len(urls) == 0 {
		urls = r.guess(ctx, resp.URL)
	}

	log.Debug().
		Str("url", rawURL).
		Strs("feed_urls", urls).
		Msg("Discovered feeds")

	return Result{FeedURLs: urls, Kind: KindHTML}, nil
}

// feedLinks returns the de-duplicated, absolute hrefs of feed <link>
// elements found before the document body.
func (r *Resolver) feedLinks(body io.Reader, base *url.URL) []string {
	var urls []string
	seen := make(map[string]bool)

	z := html.NewTokenizer(body)
	for {
		switch z.Next() {
		case html.ErrorToken:
			return urls
		case html.StartTagToken, html.SelfClosingTagToken:
			name, hasAttr := z.TagName()
			switch atom.Lookup(name) {
			case atom.Body:
				return urls
			case atom.Link:
				if !hasAttr {
					continue
				}
				href, ok := r.feedHref(z)
				if !ok {
					continue
				}
				ref, err := base.Parse(href)
				if err != nil {
					continue
				}
				abs := ref.String()
				if !seen[abs] {
					seen[abs] = true
					urls = append(urls, abs)
				}
			}
		case html.EndTagToken:
			if name, _ := z.TagName(); atom.Lookup(name) == atom.Head {
				return urls
			}
		}
	}
}

// feedHref reads the attributes of the current <link> tag in any order.
func (r *Resolver) feedHref(z *html.Tokenizer) (string, bool) {
	var rel, typ, href string
	for {
		key, val, more := z.TagAttr()
		switch string(key) {
		case "rel":
			rel = string(val)
		case "type":
			typ = string(val)
		case "href":
			href = strings.TrimSpace(string(val))
		}
		if !more {
			break
		}
	}
	if href == "" || !hasToken(rel, "alternate") {
		return "", false
	}
	return href, r.linkTypes[strings.ToLower(strings.TrimSpace(typ))]
}

// guess probes the well-known feed paths on the origin of base. Each probe
// is a separate guarded HEAD request; results keep the configured order.
func (r *Resolver) guess(ctx context.Context, base *url.URL) []string {
	origin := &url.URL{Scheme: base.Scheme, Host: base.Host}
	found := make([]string, len(r.opts.GuessPaths))

	var wg sync.WaitGroup
	for i, path := range r.opts.GuessPaths {
		candidate := origin.JoinPath(path).String()
		wg.Add(1)
		go func() {
			defer wg.Done()
			resp, err := r.client.Head(ctx, candidate, nil, r.opts.ProbeTimeout)
			if err != nil {
				log.Debug().Err(err).Str("url", candidate).Msg("Feed probe failed")
				return
			}
			if resp.StatusCode >= 200 && resp.StatusCode < 300 && r.feedTypes[mediaTypeOf(resp.Header)] {
				found[i] = candidate
			}
		}()
	}
	wg.Wait()

	urls := make([]string, 0, len(found))
	for _, u := range found {
		if u != "" {
			urls = append(urls, u)
		}
	}
	return urls
}

func mediaTypeOf(h http.Header) string {
	ct := h.Get("Content-Type")
	if ct == "" {
		return ""
	}
	mediaType, _, err := mime.ParseMediaType(ct)
	if err != nil {
		mediaType, _, _ = strings.Cut(ct, ";")
	}
	return strings.ToLower(strings.TrimSpace(mediaType))
}

func hasToken(list, token string) bool {
	for _, f := range strings.Fields(list) {
		if strings.EqualFold(f, token) {
			return true
		}
	}
	return false
}

func lowerSet(values []string) map[string]bool {
	set := make(map[string]bool, len(values))
	for _, v := range values {
		set[strings.ToLower(v)] = true
	}
	return set
}
