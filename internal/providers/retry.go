// Package providers holds helpers shared by the mail provider adapters.
package providers

import (
	"net/http"
	"strconv"
	"strings"
	"time"
)

// ParseRetryAfter reads a Retry-After header value given either as seconds
// or as an HTTP date. It returns 0 when the value is missing or unusable.
func ParseRetryAfter(v string, now time.Time) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil {
		if secs <= 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := t.Sub(now); d > 0 {
			return d.Round(time.Second)
		}
	}
	return 0
}

// IsThrottleStatus reports whether status is a throttling response
func IsThrottleStatus(status int) bool {
	return status == http.StatusTooManyRequests
}

// IsTransientStatus reports whether a later retry of the same request may succeed
func IsTransientStatus(status int) bool {
	return IsThrottleStatus(status) || status >= 500
}
