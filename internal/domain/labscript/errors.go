package labscript

import "errors"

var (
	ErrInvalidInput      = errors.New("invalid lab script input")
	ErrNotFound          = errors.New("lab script not found")
	ErrInvalidTransition = errors.New("invalid status transition")
)
