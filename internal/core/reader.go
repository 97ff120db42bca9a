package core

import (
	"errors"
	"fmt"
	"io"

	"github.com/scigolib/tables/internal/utils"
)

// Reader reads metadata at addresses relative to the superblock base.
type Reader struct {
	src io.ReaderAt
	Format
}

// NewReader wraps src, which must already be positioned so that offset 0
// is the base address of the file.
func NewReader(src io.ReaderAt, f Format) *Reader {
	return &Reader{src: src, Format: f}
}

// ReadAt implements io.ReaderAt in relative addresses.
func (r *Reader) ReadAt(p []byte, off int64) (int, error) {
	return r.src.ReadAt(p, off)
}

// Read returns n bytes at addr.
func (r *Reader) Read(addr uint64, n int) ([]byte, error) {
	if addr == UndefinedAddress {
		return nil, errors.New("read at undefined address")
	}
	if n < 0 {
		return nil, fmt.Errorf("negative read of %d bytes", n)
	}
	buf := make([]byte, n)
	if err := r.readFull(buf, addr); err != nil {
		return nil, err
	}
	return buf, nil
}

// readPooled is Read into a scratch buffer from utils.GetBuffer. The
// caller releases it with utils.ReleaseBuffer once nothing refers to it.
func (r *Reader) readPooled(addr uint64, n int) ([]byte, error) {
	if addr == UndefinedAddress || n < 0 {
		return r.Read(addr, n)
	}
	buf := utils.GetBuffer(n)
	if err := r.readFull(buf, addr); err != nil {
		utils.ReleaseBuffer(buf)
		return nil, err
	}
	return buf, nil
}

func (r *Reader) readFull(buf []byte, addr uint64) error {
	//nolint:gosec // G115: file addresses fit in int64
	n, err := r.src.ReadAt(buf, int64(addr))
	if n == len(buf) {
		return nil
	}
	if err == nil || errors.Is(err, io.EOF) {
		err = io.ErrUnexpectedEOF
	}
	return utils.WrapErrorAt(fmt.Sprintf("read %d bytes", len(buf)), addr, err)
}

// decoderAt reads n bytes at addr and returns a decoder over them.
func (r *Reader) decoderAt(addr uint64, n int) (*Decoder, error) {
	buf, err := r.Read(addr, n)
	if err != nil {
		return nil, err
	}
	return NewDecoder(buf, r.Format), nil
}

// Storage is a random-access file that can also grow. Writers implement it
// with relative addresses, the same as Reader.
type Storage interface {
	io.ReaderAt
	io.WriterAt
	Allocate(size uint64) (uint64, error)
}

func writeFull(w io.WriterAt, buf []byte, addr uint64) error {
	//nolint:gosec // G115: file addresses fit in int64
	if _, err := w.WriteAt(buf, int64(addr)); err != nil {
		return utils.WrapErrorAt("write", addr, err)
	}
	return nil
}
