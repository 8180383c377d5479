package session

import "errors"

var (
	// ErrUnauthenticated indicates there is no usable session.
	ErrUnauthenticated = errors.New("unauthenticated")
	// ErrInvalidToken indicates a malformed, forged, or expired token.
	ErrInvalidToken = errors.New("invalid session token")
	// ErrInvalidInput indicates invalid session configuration.
	ErrInvalidInput = errors.New("invalid session input")
)
