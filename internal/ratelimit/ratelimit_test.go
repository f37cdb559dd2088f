package ratelimit

import (
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestIsThrottled(t *testing.T) {
	assert.True(t, IsThrottled(http.StatusTooManyRequests))
	assert.True(t, IsThrottled(http.StatusForbidden))
	assert.False(t, IsThrottled(http.StatusOK))
	assert.False(t, IsThrottled(http.StatusNotFound))
	assert.False(t, IsThrottled(http.StatusInternalServerError))
}

func TestStrategy_Backoff(t *testing.T) {
	s := &Strategy{Intervals: []time.Duration{time.Second, 2 * time.Second}}

	assert.Equal(t, time.Second, s.Backoff(0))
	assert.Equal(t, 2*time.Second, s.Backoff(1))
	// Past the end the last interval holds.
	assert.Equal(t, 2*time.Second, s.Backoff(5))
	assert.Equal(t, time.Second, s.Backoff(-1))

	var empty Strategy
	assert.Equal(t, time.Duration(0), empty.Backoff(3))
}

func TestDefaultStrategy_Escalates(t *testing.T) {
	s := DefaultStrategy()
	for i := 1; i < len(s.Intervals); i++ {
		assert.Greater(t, s.Intervals[i], s.Intervals[i-1])
	}
}
