package record

import "errors"

var (
	// ErrReservedField indicates a payload tried to set id or an audit timestamp.
	ErrReservedField = errors.New("reserved record field")
	// ErrInvalidCollection indicates a malformed collection name.
	ErrInvalidCollection = errors.New("invalid collection name")
	// ErrInvalidInput indicates invalid record input.
	ErrInvalidInput = errors.New("invalid record input")
)
