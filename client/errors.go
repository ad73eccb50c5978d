package client

import (
	"fmt"
	"time"
)

// maxBodySnippet bounds how much of an error response body is kept.
const maxBodySnippet = 512

// HTTPError represents a non-success HTTP response.
// Body holds at most the first 512 bytes of the response.
type HTTPError struct {
	StatusCode int
	URL        string
	Body       string
}

func (e *HTTPError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("HTTP %d: %s", e.StatusCode, e.URL)
	}
	return fmt.Sprintf("HTTP %d: %s: %s", e.StatusCode, e.URL, e.Body)
}

// IsNotFound returns true if the error represents a 404 response.
func (e *HTTPError) IsNotFound() bool {
	return e.StatusCode == 404
}

// Temporary reports whether retrying the request may succeed.
func (e *HTTPError) Temporary() bool {
	return e.StatusCode == 429 || e.StatusCode >= 500
}

// TimeoutError is returned when a request exceeds the client deadline.
type TimeoutError struct {
	URL   string
	After time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("request to %s timed out after %s", e.URL, e.After)
}

func (e *TimeoutError) Timeout() bool { return true }

// MalformedResponseError is returned when a response body cannot be decoded
// or lacks fields the caller depends on.
type MalformedResponseError struct {
	URL    string
	Reason string
	Err    error
}

func (e *MalformedResponseError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("malformed response from %s: %s: %v", e.URL, e.Reason, e.Err)
	}
	return fmt.Sprintf("malformed response from %s: %s", e.URL, e.Reason)
}

func (e *MalformedResponseError) Unwrap() error {
	return e.Err
}

func truncate(b []byte) string {
	if len(b) > maxBodySnippet {
		return string(b[:maxBodySnippet]) + "..."
	}
	return string(b)
}
