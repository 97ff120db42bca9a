package writer

import (
	"errors"
	"fmt"
	"os"
)

// ErrClosed is returned by a FileWriter after Close.
var ErrClosed = errors.New("writer is closed")

// FileWriter gives read-write access to an HDF5 file in addresses
// relative to the superblock base, and allocates new space at the end of
// the file.
//
// Thread-safety: not safe for concurrent writes. Callers serialize.
type FileWriter struct {
	file      *os.File
	base      uint64
	allocator *Allocator
}

// CreateMode specifies the file creation behavior.
type CreateMode int

const (
	// ModeTruncate creates a new file, truncating if it exists.
	ModeTruncate CreateMode = iota

	// ModeExclusive creates a new file, failing if it exists.
	ModeExclusive
)

// NewFileWriter creates a file whose HDF5 data starts at base, after a
// user block of that many zero bytes. Allocation starts at reserved,
// leaving room for the superblock.
func NewFileWriter(filename string, mode CreateMode, base, reserved uint64) (*FileWriter, error) {
	var f *os.File
	var err error
	switch mode {
	case ModeTruncate:
		f, err = os.Create(filename)
	case ModeExclusive:
		f, err = os.OpenFile(filename, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o666)
	default:
		return nil, fmt.Errorf("invalid create mode: %d", mode)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create file: %w", err)
	}
	if base > 0 {
		//nolint:gosec // G115: user blocks are small
		if _, err := f.WriteAt(make([]byte, base), 0); err != nil {
			_ = f.Close()
			return nil, fmt.Errorf("failed to write user block: %w", err)
		}
	}
	return &FileWriter{file: f, base: base, allocator: NewAllocator(reserved)}, nil
}

// OpenFileWriter appends to an open file whose data ends at eof.
func OpenFileWriter(f *os.File, base, eof uint64) *FileWriter {
	return &FileWriter{file: f, base: base, allocator: NewAllocator(eof)}
}

// Allocate reserves size bytes at the end of the file.
func (w *FileWriter) Allocate(size uint64) (uint64, error) {
	if w.file == nil {
		return 0, ErrClosed
	}
	return w.allocator.Allocate(size)
}

// WriteAt implements io.WriterAt in relative addresses.
func (w *FileWriter) WriteAt(data []byte, offset int64) (int, error) {
	if w.file == nil {
		return 0, ErrClosed
	}
	if len(data) == 0 {
		return 0, nil
	}
	//nolint:gosec // G115: base addresses fit in int64
	n, err := w.file.WriteAt(data, offset+int64(w.base))
	if err != nil {
		return n, fmt.Errorf("write at address %d failed: %w", offset, err)
	}
	if n != len(data) {
		return n, fmt.Errorf("incomplete write at address %d: wrote %d of %d bytes", offset, n, len(data))
	}
	return n, nil
}

// ReadAt implements io.ReaderAt in relative addresses.
func (w *FileWriter) ReadAt(buf []byte, offset int64) (int, error) {
	if w.file == nil {
		return 0, ErrClosed
	}
	//nolint:gosec // G115: base addresses fit in int64
	return w.file.ReadAt(buf, offset+int64(w.base))
}

// Base returns the absolute offset of relative address 0.
func (w *FileWriter) Base() uint64 {
	return w.base
}

// EndOfFile returns the relative end-of-file address.
func (w *FileWriter) EndOfFile() uint64 {
	return w.allocator.EndOfFile()
}

// Allocator returns the space allocator.
func (w *FileWriter) Allocator() *Allocator {
	return w.allocator
}

// File returns the underlying file.
func (w *FileWriter) File() *os.File {
	return w.file
}

// Flush commits writes to stable storage.
func (w *FileWriter) Flush() error {
	if w.file == nil {
		return ErrClosed
	}
	return w.file.Sync()
}

// Close closes the file. It does not flush.
func (w *FileWriter) Close() error {
	if w.file == nil {
		return nil
	}
	err := w.file.Close()
	w.file = nil
	return err
}
