// Package ratelimit recognizes provider throttling responses and
// supplies the escalating backoff the fetcher applies instead of its
// normal linear retry delay.
package ratelimit

import (
	"net/http"
	"time"
)

// IsThrottled reports whether an HTTP status indicates the provider is
// rate limiting us. Some providers answer 403 rather than 429 when a
// client is throttled.
func IsThrottled(status int) bool {
	return status == http.StatusTooManyRequests || status == http.StatusForbidden
}

// Strategy holds the escalating wait intervals for throttled retries.
// Attempts past the last interval keep using the last one.
type Strategy struct {
	Intervals []time.Duration
}

// DefaultStrategy waits substantially longer than the regular retry
// backoff.
func DefaultStrategy() *Strategy {
	return &Strategy{Intervals: []time.Duration{
		2 * time.Second,
		5 * time.Second,
		10 * time.Second,
		30 * time.Second,
		time.Minute,
	}}
}

// Backoff returns the wait before retry number attempt (0-based).
func (s *Strategy) Backoff(attempt int) time.Duration {
	if len(s.Intervals) == 0 {
		return 0
	}
	if attempt >= len(s.Intervals) {
		attempt = len(s.Intervals) - 1
	}
	if attempt < 0 {
		attempt = 0
	}
	return s.Intervals[attempt]
}
