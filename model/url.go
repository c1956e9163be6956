package model

import (
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"strings"
)

// ErrInvalidFeedURL is returned for URLs that can never be fetched.
var ErrInvalidFeedURL = errors.New("invalid feed URL")

// escapedAmp matches HTML-escaped ampersands, including double escaping,
// which show up when URLs are copied out of page source.
var escapedAmp = regexp.MustCompile(`&(amp;)+`)

// NormalizeURL trims whitespace and unescapes ampersands.
func NormalizeURL(raw string) string {
	return escapedAmp.ReplaceAllString(strings.TrimSpace(raw), "&")
}

// ValidateFeedURL checks the scheme and host. Host safety is checked
// separately by the fetcher.
func ValidateFeedURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidFeedURL, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("%w: scheme must be http or https", ErrInvalidFeedURL)
	}
	if u.Hostname() == "" {
		return fmt.Errorf("%w: host is required", ErrInvalidFeedURL)
	}
	return nil
}
