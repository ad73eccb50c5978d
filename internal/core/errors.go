package core

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// ErrNotFound is returned when a package is not found.
var ErrNotFound = errors.New("not found")

// NotFoundError wraps ErrNotFound with additional context.
type NotFoundError struct {
	Name string
	Err  error
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("npm: package %s not found", e.Name)
}

func (e *NotFoundError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrNotFound}
	}
	return []error{ErrNotFound, e.Err}
}

// ConfigurationError reports a sink that cannot act on a notification,
// such as a repository URL with no owner/repo path.
type ConfigurationError struct {
	Sink   string
	Reason string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("sink %s: configuration error: %s", e.Sink, e.Reason)
}

// SinkDeliveryError wraps a failure to deliver a message to one sink.
type SinkDeliveryError struct {
	Sink string
	Err  error
}

func (e *SinkDeliveryError) Error() string {
	return fmt.Sprintf("sink %s: delivery failed: %v", e.Sink, e.Err)
}

func (e *SinkDeliveryError) Unwrap() error {
	return e.Err
}

// IsTransient reports whether err is worth retrying: timeouts, network
// failures, malformed responses and 429/5xx statuses.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}

	var timeoutErr *TimeoutError
	if errors.As(err, &timeoutErr) {
		return true
	}
	var malformed *MalformedResponseError
	if errors.As(err, &malformed) {
		return true
	}
	var fetchErr *FetchError
	if errors.As(err, &fetchErr) {
		return fetchErr.Temporary()
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	return errors.Is(err, context.DeadlineExceeded)
}
