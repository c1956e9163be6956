// Package safehttp performs HTTP requests against untrusted URLs without
// letting them reach private networks, hang forever or exhaust memory.
package safehttp

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/netip"
	"net/url"
	"time"
)

// Read caps for the two kinds of documents the fetcher downloads.
const (
	MaxFeedBytes int64 = 10 << 20
	MaxHTMLBytes int64 = 512 << 10
)

// Options configures a Client.
type Options struct {
	UserAgent      string
	ConnectTimeout time.Duration
	ReadTimeout    time.Duration
	MaxRedirects   int
}

// DefaultOptions returns the options used by the fetcher.
func DefaultOptions() Options {
	return Options{
		UserAgent:      "Tsubame/1.0",
		ConnectTimeout: 10 * time.Second,
		ReadTimeout:    30 * time.Second,
		MaxRedirects:   5,
	}
}

// Response is a fully read HTTP response. Body is only populated for
// successful GET requests.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
	URL        *url.URL
}

// Client issues guarded HTTP requests.
type Client struct {
	guard *Guard
	opts  Options
}

// NewClient creates a Client that validates every request with guard.
func NewClient(guard *Guard, opts Options) *Client {
	return &Client{guard: guard, opts: opts}
}

// Guard returns the host guard used by the client.
func (c *Client) Guard() *Guard {
	return c.guard
}

// ReadOption adjusts how a GET body is read.
type ReadOption func(*request)

// StopAt ends the body read once marker has been seen (case-insensitive).
func StopAt(marker string) ReadOption {
	return func(r *request) {
		r.stop = bytes.ToLower([]byte(marker))
	}
}

type request struct {
	method   string
	url      string
	header   http.Header
	maxBytes int64
	stop     []byte
	timeout  time.Duration
}

// Get performs a single GET without following redirects.
func (c *Client) Get(ctx context.Context, rawURL string, header http.Header, maxBytes int64, opts ...ReadOption) (*Response, error) {
	req := request{method: http.MethodGet, url: rawURL, header: header, maxBytes: maxBytes}
	for _, opt := range opts {
		opt(&req)
	}
	return c.do(ctx, req)
}

// Head performs a single HEAD request bounded by timeout.
func (c *Client) Head(ctx context.Context, rawURL string, header http.Header, timeout time.Duration) (*Response, error) {
	return c.do(ctx, request{method: http.MethodHead, url: rawURL, header: header, timeout: timeout})
}

func (c *Client) do(ctx context.Context, req request) (*Response, error) {
	u, addr, err := c.guard.Check(ctx, req.url)
	if err != nil {
		return nil, err
	}

	timeout := req.timeout
	if timeout <= 0 {
		timeout = c.opts.ConnectTimeout + c.opts.ReadTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	transport := c.pinnedTransport(addr)
	defer transport.CloseIdleConnections()

	httpClient := &http.Client{
		Transport: transport,
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.method, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidURL, err)
	}
	for key, values := range req.header {
		for _, v := range values {
			httpReq.Header.Add(key, v)
		}
	}
	httpReq.Header.Set("User-Agent", c.opts.UserAgent)

	resp, err := httpClient.Do(httpReq)
	if err != nil {
		return nil, classify(ctx, err)
	}
	defer resp.Body.Close()

	out := &Response{
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		URL:        u,
	}

	if req.method != http.MethodGet || resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return out, nil
	}

	if resp.ContentLength > req.maxBytes {
		return nil, fmt.Errorf("%w: content length %d exceeds %d", ErrBodyTooLarge, resp.ContentLength, req.maxBytes)
	}
	body, err := readCapped(resp.Body, req.maxBytes, req.stop)
	if err != nil {
		if errors.Is(err, ErrBodyTooLarge) {
			return nil, err
		}
		return nil, classify(ctx, err)
	}
	out.Body = body

	return out, nil
}

// pinnedTransport dials addr no matter which host the request names, so the
// address that passed the guard is the one connected to.
func (c *Client) pinnedTransport(addr netip.Addr) *http.Transport {
	dialer := &net.Dialer{Timeout: c.opts.ConnectTimeout}
	return &http.Transport{
		DialContext: func(ctx context.Context, network, hostport string) (net.Conn, error) {
			_, port, err := net.SplitHostPort(hostport)
			if err != nil {
				return nil, err
			}
			return dialer.DialContext(ctx, network, net.JoinHostPort(addr.String(), port))
		},
		TLSHandshakeTimeout:   c.opts.ConnectTimeout,
		ResponseHeaderTimeout: c.opts.ReadTimeout,
		DisableKeepAlives:     true,
		ForceAttemptHTTP2:     true,
	}
}

func classify(ctx context.Context, err error) error {
	var netErr net.Error
	if errors.Is(ctx.Err(), context.DeadlineExceeded) ||
		errors.Is(err, context.DeadlineExceeded) ||
		(errors.As(err, &netErr) && netErr.Timeout()) {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	return err
}

// readCapped reads r until EOF, failing once more than maxBytes arrive.
// When stop is set the read ends as soon as it appears; the search window
// overlaps the previous chunk so a marker split across reads still matches.
func readCapped(r io.Reader, maxBytes int64, stop []byte) ([]byte, error) {
	var buf bytes.Buffer
	chunk := make([]byte, 32*1024)

	for {
		n, err := r.Read(chunk)
		if n > 0 {
			start := buf.Len()
			buf.Write(chunk[:n])
			if int64(buf.Len()) > maxBytes {
				return nil, fmt.Errorf("%w: exceeds %d bytes", ErrBodyTooLarge, maxBytes)
			}
			if len(stop) > 0 {
				from := max(0, start-len(stop)+1)
				if bytes.Contains(bytes.ToLower(buf.Bytes()[from:]), stop) {
					return buf.Bytes(), nil
				}
			}
		}
		if err == io.EOF {
			return buf.Bytes(), nil
		}
		if err != nil {
			return nil, err
		}
	}
}
