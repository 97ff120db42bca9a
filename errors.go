package tables

import (
	"errors"

	"github.com/scigolib/tables/internal/filters"
)

var (
	// ErrNodeNotFound is returned when a path names no node.
	ErrNodeNotFound = errors.New("node not found")

	// ErrNodeExists is returned when creating a node whose name is taken.
	ErrNodeExists = errors.New("node already exists")

	// ErrNotExtendable is returned when appending to a dataset without
	// chunked storage, which HDF5 cannot grow.
	ErrNotExtendable = errors.New("dataset is not extendable")

	// ErrReadOnly is returned by modifying calls on a file opened read-only.
	ErrReadOnly = errors.New("file is read-only")

	// ErrClosed is returned by calls on a closed file.
	ErrClosed = errors.New("file is closed")

	// ErrUnsupported is returned for valid HDF5 structures this package
	// cannot read or write.
	ErrUnsupported = errors.New("unsupported")

	// ErrTypeMismatch is returned when a value does not fit the atom it
	// is stored as, or a typed accessor is used on the wrong column.
	ErrTypeMismatch = errors.New("type mismatch")

	// ErrNoIndex is returned when a column has no index.
	ErrNoIndex = errors.New("column is not indexed")

	// ErrBadCondition is returned for conditions that do not parse or do
	// not evaluate to a boolean.
	ErrBadCondition = errors.New("bad condition")
)

// UnsupportedFilterError reports a filter whose codec is not available
// in the requested direction.
type UnsupportedFilterError = filters.UnsupportedError

// IsUnsupportedFilter reports whether err comes from a filter this
// package cannot run.
func IsUnsupportedFilter(err error) bool {
	var fe *filters.UnsupportedError
	return errors.As(err, &fe)
}
