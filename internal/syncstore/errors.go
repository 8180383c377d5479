package syncstore

import (
	"errors"
	"fmt"
)

var (
	// ErrClosed is returned by operations on a closed Store.
	ErrClosed = errors.New("store closed")

	// ErrInvalidOptions is returned by Open when options are unusable.
	ErrInvalidOptions = errors.New("invalid store options")
)

// ErrorKind classifies a failed gateway interaction.
type ErrorKind string

const (
	KindFetchFailure            ErrorKind = "fetch_failure"
	KindMutationFailure         ErrorKind = "mutation_failure"
	KindSubscriptionUnavailable ErrorKind = "subscription_unavailable"
)

// OpError describes a failed store operation. errors.Is reaches the gateway
// cause through Unwrap.
type OpError struct {
	Kind       ErrorKind
	Collection string
	Op         string
	ID         string
	Err        error
}

func (e *OpError) Error() string {
	target := e.Collection
	if e.ID != "" {
		target += "/" + e.ID
	}
	return fmt.Sprintf("%s %s: %s: %v", e.Op, target, e.Kind, e.Err)
}

func (e *OpError) Unwrap() error {
	return e.Err
}

// IsKind reports whether err is an *OpError of the given kind.
func IsKind(err error, kind ErrorKind) bool {
	var opErr *OpError
	return errors.As(err, &opErr) && opErr.Kind == kind
}
