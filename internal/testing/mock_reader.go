// Package testing provides in-memory files for package tests.
package testing

import (
	"errors"
	"io"
)

// MockReaderAt serves reads from a byte slice.
type MockReaderAt struct {
	data []byte
}

// NewMockReaderAt creates a new mock reader with the given data.
func NewMockReaderAt(data []byte) *MockReaderAt {
	return &MockReaderAt{data: data}
}

// ReadAt implements io.ReaderAt.
func (m *MockReaderAt) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, errors.New("negative offset")
	}
	if off >= int64(len(m.data)) {
		return 0, io.EOF
	}
	n := copy(p, m.data[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

// MockStorage is a growable in-memory file. Allocations start at the
// current length and are aligned to 8 bytes.
type MockStorage struct {
	data []byte
	eof  uint64
}

// NewMockStorage returns storage whose first allocation is at reserved.
func NewMockStorage(reserved uint64) *MockStorage {
	return &MockStorage{data: make([]byte, reserved), eof: reserved}
}

// ReadAt implements io.ReaderAt.
func (m *MockStorage) ReadAt(p []byte, off int64) (int, error) {
	return NewMockReaderAt(m.data).ReadAt(p, off)
}

// WriteAt implements io.WriterAt, growing the buffer as needed.
func (m *MockStorage) WriteAt(p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, errors.New("negative offset")
	}
	end := int(off) + len(p)
	if end > len(m.data) {
		m.data = append(m.data, make([]byte, end-len(m.data))...)
	}
	copy(m.data[off:], p)
	return len(p), nil
}

// Allocate reserves size bytes at the end of the buffer.
func (m *MockStorage) Allocate(size uint64) (uint64, error) {
	if size == 0 {
		return 0, errors.New("cannot allocate zero bytes")
	}
	addr := (m.eof + 7) &^ 7
	m.eof = addr + size
	if int(m.eof) > len(m.data) {
		m.data = append(m.data, make([]byte, int(m.eof)-len(m.data))...)
	}
	return addr, nil
}

// Bytes returns the current contents.
func (m *MockStorage) Bytes() []byte {
	return m.data
}

// EndOfFile returns the end of the last allocation.
func (m *MockStorage) EndOfFile() uint64 {
	return m.eof
}
