package platform

import (
	"errors"
	"fmt"
	"time"
)

// Sentinel errors adapters return so the executor can classify failures
// without knowing platform details. Wrap them with %w and context.
var (
	// ErrUnauthorized means credentials are missing, expired or rejected.
	// The run for that platform aborts; retrying cannot help.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrNoOriginalFile means the activity has no device recording to
	// download (manual entries, platform-side imports without a file).
	ErrNoOriginalFile = errors.New("no original file")

	// ErrNotFound means the activity id is unknown to the platform.
	ErrNotFound = errors.New("activity not found")
)

// RateLimitedError is returned when the platform itself says to back off,
// separate from our own budget governor.
type RateLimitedError struct {
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("rate limited, retry after %s", e.RetryAfter)
	}
	return "rate limited"
}

// IsRateLimited reports whether err carries a platform rate limit, and the
// advertised wait if any.
func IsRateLimited(err error) (time.Duration, bool) {
	var rl *RateLimitedError
	if errors.As(err, &rl) {
		return rl.RetryAfter, true
	}
	return 0, false
}

// TransportError wraps network-level failures (timeouts, resets, 5xx). These
// are the only failures worth retrying.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// IsTransient reports whether err is worth another attempt.
func IsTransient(err error) bool {
	var te *TransportError
	return errors.As(err, &te)
}
