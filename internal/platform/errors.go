package platform

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// ErrMessageTooLong is returned (or wrapped) by adapters when the platform
// rejects a post for exceeding its length cap. The content pipeline reacts
// by creating a continuation post instead of retrying.
var ErrMessageTooLong = errors.New("message too long")

// ErrNotConnected is returned by adapter operations before Connect or after
// Disconnect.
var ErrNotConnected = errors.New("platform not connected")

// APIError is a failed platform API call.
type APIError struct {
	StatusCode int
	Op         string
	Message    string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("platform %s: status %d", e.Op, e.StatusCode)
	}
	return fmt.Sprintf("platform %s: status %d: %s", e.Op, e.StatusCode, e.Message)
}

// IsRateLimit reports whether the call was throttled.
func (e *APIError) IsRateLimit() bool {
	return e.StatusCode == http.StatusTooManyRequests
}

// IsServerError reports a transient 5xx failure.
func (e *APIError) IsServerError() bool {
	return e.StatusCode >= 500
}

// IsTooLong reports whether the platform rejected the post for length.
func (e *APIError) IsTooLong() bool {
	return e.StatusCode == http.StatusBadRequest &&
		strings.Contains(strings.ToLower(e.Message), "too long")
}

// IsMessageTooLong reports whether err means the post text exceeded the
// platform cap, in either the sentinel or the APIError form.
func IsMessageTooLong(err error) bool {
	if errors.Is(err, ErrMessageTooLong) {
		return true
	}
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.IsTooLong()
}

// IsRetryable reports whether err is a transient platform failure (rate
// limit or 5xx) worth retrying on the next flush.
func IsRetryable(err error) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.IsRateLimit() || apiErr.IsServerError()
	}
	return false
}
