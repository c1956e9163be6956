package safehttp

import "errors"

var (
	// ErrInvalidURL is returned when a URL cannot be parsed or uses a
	// scheme other than http or https.
	ErrInvalidURL = errors.New("invalid URL")

	// ErrUnsafeHost is returned when a host resolves to a blocked address
	// or cannot be resolved at all.
	ErrUnsafeHost = errors.New("unsafe host")

	// ErrTooManyRedirects is returned when a redirect chain exceeds the limit.
	ErrTooManyRedirects = errors.New("too many redirects")

	// ErrMissingLocation is returned for a redirect response without a Location header.
	ErrMissingLocation = errors.New("redirect without Location header")

	// ErrBodyTooLarge is returned when a response body exceeds the read cap.
	ErrBodyTooLarge = errors.New("response body too large")

	// ErrTimeout is returned when the connect or read deadline passes.
	ErrTimeout = errors.New("request timed out")
)

// IsSafetyViolation reports whether err means the URL must never be fetched.
func IsSafetyViolation(err error) bool {
	return errors.Is(err, ErrInvalidURL) || errors.Is(err, ErrUnsafeHost)
}
