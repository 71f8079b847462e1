package platform

import (
	"fmt"
	"net/http"
	"strconv"
	"time"
)

// StatusError maps an unexpected HTTP status onto the error kinds above, so
// every adapter classifies the same way.
func StatusError(op string, status int, header http.Header) error {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return fmt.Errorf("%s: %w", op, ErrUnauthorized)
	case status == http.StatusNotFound:
		return fmt.Errorf("%s: %w", op, ErrNotFound)
	case status == http.StatusTooManyRequests:
		return &RateLimitedError{RetryAfter: retryAfter(header)}
	case status >= 500:
		return &TransportError{Op: op, Err: fmt.Errorf("server returned %d", status)}
	}
	return fmt.Errorf("%s: unexpected status %d", op, status)
}

func retryAfter(header http.Header) time.Duration {
	if header == nil {
		return 0
	}
	if secs, err := strconv.Atoi(header.Get("Retry-After")); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	return 0
}
