package utils

import (
	"errors"
	"fmt"
)

// ErrCorrupt marks structural damage detected while decoding file metadata.
var ErrCorrupt = errors.New("corrupt file structure")

// H5Error represents a structured HDF5 error.
type H5Error struct {
	Context string
	Cause   error
}

// Error implements the error interface.
func (e *H5Error) Error() string {
	return fmt.Sprintf("%s: %v", e.Context, e.Cause)
}

// Unwrap provides compatibility with errors.Unwrap().
func (e *H5Error) Unwrap() error {
	return e.Cause
}

// WrapError creates a contextual error. A nil cause yields nil.
func WrapError(context string, cause error) error {
	if cause == nil {
		return nil
	}
	return &H5Error{
		Context: context,
		Cause:   cause,
	}
}

// WrapErrorAt is WrapError with the file address the failure occurred at.
func WrapErrorAt(context string, addr uint64, cause error) error {
	if cause == nil {
		return nil
	}
	return &H5Error{
		Context: fmt.Sprintf("%s at 0x%x", context, addr),
		Cause:   cause,
	}
}

// Corruptf returns an error wrapping ErrCorrupt.
func Corruptf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrCorrupt, fmt.Sprintf(format, args...))
}
