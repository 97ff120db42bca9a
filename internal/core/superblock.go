package core

import (
	"errors"
	"fmt"
	"io"

	"github.com/scigolib/tables/internal/utils"
)

// Signature opens every HDF5 superblock.
const Signature = "\x89HDF\r\n\x1a\n"

// ErrNotHDF5 is returned when no superblock signature is found.
var ErrNotHDF5 = errors.New("not an HDF5 file")

// Superblock holds the file-level metadata.
type Superblock struct {
	Version uint8
	Format

	// BaseAddress is the absolute position of the signature. Every other
	// address in the file is relative to it.
	BaseAddress uint64
	EOFAddress  uint64

	// RootAddress is the root group object header.
	RootAddress uint64

	// RootBTree and RootHeap come from the root symbol table entry's
	// scratch pad in version 0 and 1 superblocks.
	RootBTree uint64
	RootHeap  uint64

	ExtensionAddress uint64
	Flags            uint8

	GroupLeafK     uint16
	GroupInternalK uint16
	ChunkK         uint16

	eofField     int
	scratchField int
}

// Default tree fan-outs when the superblock does not record them.
const (
	DefaultGroupLeafK     = 4
	DefaultGroupInternalK = 16
	DefaultChunkK         = 32
)

const superblockProbe = 256

// FindSuperblock searches for the signature at 0, 512, 1024 and every
// further power of two below size, as the format allows a user block in
// front of the HDF5 data.
func FindSuperblock(r io.ReaderAt, size int64) (*Superblock, error) {
	sig := make([]byte, len(Signature))
	for pos := int64(0); pos+int64(len(Signature)) <= size; {
		if n, _ := r.ReadAt(sig, pos); n == len(sig) && string(sig) == Signature {
			return ReadSuperblock(r, pos)
		}
		if pos == 0 {
			pos = 512
		} else {
			pos *= 2
		}
	}
	return nil, ErrNotHDF5
}

// ReadSuperblock parses the superblock whose signature is at pos.
func ReadSuperblock(r io.ReaderAt, pos int64) (*Superblock, error) {
	buf := make([]byte, superblockProbe)
	n, err := r.ReadAt(buf, pos)
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, utils.WrapError("superblock read failed", err)
	}
	buf = buf[:n]
	if len(buf) < 12 || string(buf[:8]) != Signature {
		return nil, ErrNotHDF5
	}

	sb := &Superblock{
		Version:        buf[8],
		BaseAddress:    uint64(pos), //nolint:gosec // G115: pos is non-negative
		RootBTree:      UndefinedAddress,
		RootHeap:       UndefinedAddress,
		GroupLeafK:     DefaultGroupLeafK,
		GroupInternalK: DefaultGroupInternalK,
		ChunkK:         DefaultChunkK,
	}

	switch sb.Version {
	case 0, 1:
		err = sb.decodeV0(buf)
	case 2, 3:
		err = sb.decodeV2(buf)
	default:
		return nil, fmt.Errorf("unsupported superblock version: %d", sb.Version)
	}
	if err != nil {
		return nil, utils.WrapError(fmt.Sprintf("superblock v%d", sb.Version), err)
	}
	return sb, nil
}

func (sb *Superblock) decodeV0(buf []byte) error {
	d := NewDecoder(buf, Format{})
	d.Skip(13)
	sb.OffsetSize = int(d.U8())
	sb.LengthSize = int(d.U8())
	d.Skip(1)
	if err := checkSize(sb.OffsetSize); err != nil {
		return err
	}
	if err := checkSize(sb.LengthSize); err != nil {
		return err
	}
	d.f = sb.Format

	sb.GroupLeafK = d.U16()
	sb.GroupInternalK = d.U16()
	d.Skip(4) // consistency flags
	if sb.Version == 1 {
		sb.ChunkK = d.U16()
		d.Skip(2)
	}

	d.Addr() // base address, superseded by the signature position
	d.Addr() // free-space info
	sb.eofField = d.pos
	sb.EOFAddress = d.Addr()
	d.Addr() // driver info

	// Root group symbol table entry.
	d.Addr() // link name offset
	sb.RootAddress = d.Addr()
	cacheType := d.U32()
	d.Skip(4)
	sb.scratchField = d.pos
	scratch := d.Bytes(16)
	if d.err != nil {
		return d.err
	}
	if cacheType == 1 {
		s := NewDecoder(scratch, sb.Format)
		sb.RootBTree = s.Addr()
		sb.RootHeap = s.Addr()
	}
	return nil
}

func (sb *Superblock) decodeV2(buf []byte) error {
	d := NewDecoder(buf, Format{})
	d.Skip(9)
	sb.OffsetSize = int(d.U8())
	sb.LengthSize = int(d.U8())
	sb.Flags = d.U8()
	if err := checkSize(sb.OffsetSize); err != nil {
		return err
	}
	if err := checkSize(sb.LengthSize); err != nil {
		return err
	}
	d.f = sb.Format

	d.Addr() // base address
	sb.ExtensionAddress = d.Addr()
	sb.eofField = d.pos
	sb.EOFAddress = d.Addr()
	sb.RootAddress = d.Addr()
	end := d.pos
	stored := d.U32()
	if d.err != nil {
		return d.err
	}
	if sum := utils.Checksum(buf[:end]); sum != stored {
		return fmt.Errorf("checksum mismatch: stored 0x%08x, computed 0x%08x", stored, sum)
	}
	return nil
}

// NewSuperblock describes a fresh version 2 superblock.
func NewSuperblock(base uint64) *Superblock {
	return &Superblock{
		Version:          2,
		Format:           DefaultFormat,
		BaseAddress:      base,
		ExtensionAddress: UndefinedAddress,
		RootBTree:        UndefinedAddress,
		RootHeap:         UndefinedAddress,
		GroupLeafK:       DefaultGroupLeafK,
		GroupInternalK:   DefaultGroupInternalK,
		ChunkK:           DefaultChunkK,
	}
}

// SuperblockV2Size is the encoded size of a version 2 superblock.
func SuperblockV2Size(f Format) int {
	return 12 + 4*f.OffsetSize + 4
}

// Encode serializes a version 2 or 3 superblock.
func (sb *Superblock) Encode() ([]byte, error) {
	if sb.Version < 2 {
		return nil, fmt.Errorf("encoding superblock v%d is not supported", sb.Version)
	}
	e := NewEncoder(sb.Format, SuperblockV2Size(sb.Format))
	e.Raw([]byte(Signature))
	e.U8(sb.Version)
	e.U8(uint8(sb.OffsetSize)) //nolint:gosec // validated width
	e.U8(uint8(sb.LengthSize)) //nolint:gosec // validated width
	e.U8(sb.Flags)
	e.Addr(sb.BaseAddress)
	e.Addr(sb.ExtensionAddress)
	e.Addr(sb.EOFAddress)
	e.Addr(sb.RootAddress)
	e.Checksum()
	return e.buf, nil
}

// CommitEOF records the end-of-file address. w takes absolute offsets.
func (sb *Superblock) CommitEOF(w io.WriterAt, eof uint64) error {
	sb.EOFAddress = eof
	if sb.Version >= 2 {
		buf, err := sb.Encode()
		if err != nil {
			return err
		}
		//nolint:gosec // G115: base address fits in int64
		_, err = w.WriteAt(buf, int64(sb.BaseAddress))
		return utils.WrapError("superblock write failed", err)
	}
	e := NewEncoder(sb.Format, sb.OffsetSize)
	e.Addr(eof)
	//nolint:gosec // G115: base address fits in int64
	_, err := w.WriteAt(e.buf, int64(sb.BaseAddress)+int64(sb.eofField))
	return utils.WrapError("superblock EOF write failed", err)
}

// CommitRootSymbolTable rewrites the root group's cached B-tree and heap
// addresses when the superblock carries them. w takes absolute offsets.
func (sb *Superblock) CommitRootSymbolTable(w io.WriterAt, btree, heap uint64) error {
	if sb.Version >= 2 || sb.RootBTree == UndefinedAddress {
		return nil
	}
	e := NewEncoder(sb.Format, 2*sb.OffsetSize)
	e.Addr(btree)
	e.Addr(heap)
	//nolint:gosec // G115: base address fits in int64
	if _, err := w.WriteAt(e.buf, int64(sb.BaseAddress)+int64(sb.scratchField)); err != nil {
		return utils.WrapError("superblock root cache write failed", err)
	}
	sb.RootBTree, sb.RootHeap = btree, heap
	return nil
}
