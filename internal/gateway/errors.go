package gateway

import "errors"

var (
	// ErrNotFound is returned when the addressed record doesn't exist.
	ErrNotFound = errors.New("not found")

	// ErrSubscriptionUnavailable is returned when the gateway cannot deliver
	// change events in the current environment.
	ErrSubscriptionUnavailable = errors.New("subscription unavailable")

	// ErrFilterUnsupported is returned when a subscription exists but cannot
	// be filtered server-side.
	ErrFilterUnsupported = errors.New("filtered subscription unsupported")

	// ErrClosed is returned by operations on a gateway that has been closed.
	ErrClosed = errors.New("gateway closed")
)
