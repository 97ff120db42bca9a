package core

import (
	"encoding/binary"
	"fmt"

	"github.com/scigolib/tables/internal/utils"
)

// UndefinedAddress marks an address field that points nowhere.
const UndefinedAddress = ^uint64(0)

// Format holds the file-wide widths of address and length fields.
type Format struct {
	OffsetSize int
	LengthSize int
}

// DefaultFormat is what newly created files use.
var DefaultFormat = Format{OffsetSize: 8, LengthSize: 8}

// Decoder walks a metadata buffer. All HDF5 metadata is little-endian.
// The first failure is sticky: later reads return zero values and the
// caller checks err once at the end.
type Decoder struct {
	buf []byte
	pos int
	err error
	f   Format
}

func NewDecoder(buf []byte, f Format) *Decoder {
	return &Decoder{buf: buf, f: f}
}

// Err returns the first decoding failure.
func (d *Decoder) Err() error { return d.err }

// Pos returns the offset of the next unread byte.
func (d *Decoder) Pos() int { return d.pos }

func (d *Decoder) need(n int) bool {
	if d.err != nil {
		return false
	}
	if n < 0 || d.pos+n > len(d.buf) {
		d.err = utils.Corruptf("need %d bytes at offset %d, have %d", n, d.pos, len(d.buf)-d.pos)
		return false
	}
	return true
}

func (d *Decoder) Failf(format string, args ...any) {
	if d.err == nil {
		d.err = utils.Corruptf(format, args...)
	}
}

func (d *Decoder) Remaining() int {
	if d.err != nil {
		return 0
	}
	return len(d.buf) - d.pos
}

func (d *Decoder) U8() uint8 {
	if !d.need(1) {
		return 0
	}
	v := d.buf[d.pos]
	d.pos++
	return v
}

func (d *Decoder) U16() uint16 {
	if !d.need(2) {
		return 0
	}
	v := binary.LittleEndian.Uint16(d.buf[d.pos:])
	d.pos += 2
	return v
}

func (d *Decoder) U32() uint32 {
	if !d.need(4) {
		return 0
	}
	v := binary.LittleEndian.Uint32(d.buf[d.pos:])
	d.pos += 4
	return v
}

func (d *Decoder) U64() uint64 {
	if !d.need(8) {
		return 0
	}
	v := binary.LittleEndian.Uint64(d.buf[d.pos:])
	d.pos += 8
	return v
}

// Uvar reads an n-byte little-endian unsigned integer.
func (d *Decoder) Uvar(n int) uint64 {
	if n > 8 {
		d.Failf("integer field of %d bytes", n)
		return 0
	}
	if !d.need(n) {
		return 0
	}
	v := decodeUint(d.buf[d.pos : d.pos+n])
	d.pos += n
	return v
}

// Addr reads an address; the all-ones pattern becomes UndefinedAddress.
func (d *Decoder) Addr() uint64 {
	n := d.f.OffsetSize
	v := d.Uvar(n)
	if d.err == nil && isUndefined(v, n) {
		return UndefinedAddress
	}
	return v
}

func (d *Decoder) Length() uint64 {
	return d.Uvar(d.f.LengthSize)
}

func (d *Decoder) Bytes(n int) []byte {
	if !d.need(n) {
		return nil
	}
	b := d.buf[d.pos : d.pos+n]
	d.pos += n
	return b
}

func (d *Decoder) Skip(n int) {
	if d.need(n) {
		d.pos += n
	}
}

// CString reads a NUL-terminated string and consumes the terminator.
func (d *Decoder) CString() string {
	if d.err != nil {
		return ""
	}
	for i := d.pos; i < len(d.buf); i++ {
		if d.buf[i] == 0 {
			s := string(d.buf[d.pos:i])
			d.pos = i + 1
			return s
		}
	}
	d.Failf("unterminated string at offset %d", d.pos)
	return ""
}

// Align advances to the next multiple of n relative to the buffer start.
func (d *Decoder) Align(n int) {
	if rem := d.pos % n; rem != 0 {
		d.Skip(n - rem)
	}
}

func (d *Decoder) Signature(sig string) {
	if !d.need(len(sig)) {
		return
	}
	if got := string(d.buf[d.pos : d.pos+len(sig)]); got != sig {
		d.Failf("signature %q, want %q", got, sig)
		return
	}
	d.pos += len(sig)
}

// Encoder appends little-endian metadata fields.
type Encoder struct {
	buf []byte
	f   Format
}

func NewEncoder(f Format, capacity int) *Encoder {
	return &Encoder{buf: make([]byte, 0, capacity), f: f}
}

// Bytes returns the encoded buffer.
func (e *Encoder) Bytes() []byte { return e.buf }

// Len returns the number of bytes encoded so far.
func (e *Encoder) Len() int { return len(e.buf) }

func (e *Encoder) U8(v uint8) { e.buf = append(e.buf, v) }
func (e *Encoder) U16(v uint16) { e.buf = binary.LittleEndian.AppendUint16(e.buf, v) }
func (e *Encoder) U32(v uint32) { e.buf = binary.LittleEndian.AppendUint32(e.buf, v) }
func (e *Encoder) U64(v uint64) { e.buf = binary.LittleEndian.AppendUint64(e.buf, v) }

func (e *Encoder) Uvar(v uint64, n int) {
	for i := 0; i < n; i++ {
		e.buf = append(e.buf, byte(v>>(8*uint(i))))
	}
}

func (e *Encoder) Addr(v uint64) { e.Uvar(v, e.f.OffsetSize) }
func (e *Encoder) Length(v uint64) { e.Uvar(v, e.f.LengthSize) }
func (e *Encoder) Raw(b []byte) { e.buf = append(e.buf, b...) }
func (e *Encoder) Zeros(n int) { e.buf = append(e.buf, make([]byte, n)...) }

func (e *Encoder) CString(s string) {
	e.buf = append(e.buf, s...)
	e.buf = append(e.buf, 0)
}

// PadTo appends zeros until the length is a multiple of n.
func (e *Encoder) PadTo(n int) {
	if rem := len(e.buf) % n; rem != 0 {
		e.Zeros(n - rem)
	}
}

func (e *Encoder) Checksum() {
	e.U32(utils.Checksum(e.buf))
}

func decodeUint(b []byte) uint64 {
	var v uint64
	for i := len(b) - 1; i >= 0; i-- {
		v = v<<8 | uint64(b[i])
	}
	return v
}

func isUndefined(v uint64, size int) bool {
	if size >= 8 {
		return v == UndefinedAddress
	}
	return v == 1<<(8*uint(size))-1
}

// BytesFor returns the number of bytes needed to store v, at least one.
func BytesFor(v uint64) int {
	n := 1
	for v >= 1<<8 && n < 8 {
		v >>= 8
		n++
	}
	return n
}

// Padded8 rounds n up to a multiple of eight.
func Padded8(n int) int {
	return (n + 7) &^ 7
}

func checkSize(size int) error {
	switch size {
	case 2, 4, 8:
		return nil
	}
	return fmt.Errorf("unsupported field width %d", size)
}
