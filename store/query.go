package store

import (
	"fmt"
	"regexp"
	"strconv"
	"time"
)

var durationPattern = regexp.MustCompile(`^(\d+)([dwmy])$`)

const day = 24 * time.Hour

// durationUnits approximates months as 30 days and years as 365.
var durationUnits = map[string]time.Duration{
	"d": day,
	"w": 7 * day,
	"m": 30 * day,
	"y": 365 * day,
}

// ParseDuration parses a day-granular duration such as "7d", "2w", "3m" or "1y".
func ParseDuration(s string) (time.Duration, error) {
	if s == "" {
		return 0, fmt.Errorf("duration string is empty")
	}

	matches := durationPattern.FindStringSubmatch(s)
	if matches == nil {
		return 0, fmt.Errorf("invalid duration format: %s (expected <number><unit>, e.g., 7d, 2w, 3m, 1y)", s)
	}

	num, err := strconv.Atoi(matches[1])
	if err != nil {
		return 0, fmt.Errorf("invalid number in duration: %s", matches[1])
	}

	return time.Duration(num) * durationUnits[matches[2]], nil
}

// SinceToTime converts a "since" duration string into the point in time
// that long before now.
func SinceToTime(since string, now time.Time) (time.Time, error) {
	d, err := ParseDuration(since)
	if err != nil {
		return time.Time{}, err
	}
	return now.Add(-d), nil
}

// BuildQueryOptions constructs QueryOptions from CLI flags or query parameters.
func BuildQueryOptions(feedID int64, limit, offset int, unread, pinned bool, since string) (QueryOptions, error) {
	opts := QueryOptions{
		FeedID:     feedID,
		Limit:      limit,
		Offset:     offset,
		UnreadOnly: unread,
		PinnedOnly: pinned,
	}

	if since != "" {
		t, err := SinceToTime(since, time.Now())
		if err != nil {
			return opts, fmt.Errorf("failed to parse since: %w", err)
		}
		opts.Since = &t
	}

	return opts, nil
}
