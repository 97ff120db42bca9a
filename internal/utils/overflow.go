package utils

import (
	"fmt"
	"math"
)

// Buffer limits applied to sizes read from untrusted files.
const (
	// MaxChunkSize limits a single decoded chunk to 1GB.
	MaxChunkSize = 1 << 30

	// MaxAttributeSize limits attribute payloads to 64MB.
	MaxAttributeSize = 64 << 20

	// MaxReadSize limits a single dataset read to 4GB.
	MaxReadSize = 4 << 30
)

// SafeMultiply multiplies two uint64 values and reports overflow.
func SafeMultiply(a, b uint64) (uint64, error) {
	if a == 0 || b == 0 {
		return 0, nil
	}
	if a > math.MaxUint64/b {
		return 0, fmt.Errorf("multiplication overflow: %d * %d exceeds uint64 max", a, b)
	}
	return a * b, nil
}

// ElementCount returns the product of dims. An empty dims slice is a
// scalar and counts one element.
func ElementCount(dims []uint64) (uint64, error) {
	n := uint64(1)
	for i, d := range dims {
		var err error
		n, err = SafeMultiply(n, d)
		if err != nil {
			return 0, fmt.Errorf("dimension %d: %w", i, err)
		}
	}
	return n, nil
}

// ByteSize returns product(dims)*elemSize, bounded by limit.
func ByteSize(dims []uint64, elemSize, limit uint64) (uint64, error) {
	n, err := ElementCount(dims)
	if err != nil {
		return 0, err
	}
	size, err := SafeMultiply(n, elemSize)
	if err != nil {
		return 0, err
	}
	if size > limit {
		return 0, fmt.Errorf("size %d exceeds limit %d", size, limit)
	}
	return size, nil
}
