package core

import (
	"fmt"

	"github.com/scigolib/tables/internal/utils"
)

// LayoutClass is the storage layout of a dataset.
type LayoutClass uint8

// Layout classes.
const (
	LayoutCompact    LayoutClass = 0
	LayoutContiguous LayoutClass = 1
	LayoutChunked    LayoutClass = 2
	LayoutVirtual    LayoutClass = 3
)

func (c LayoutClass) String() string {
	switch c {
	case LayoutCompact:
		return "compact"
	case LayoutContiguous:
		return "contiguous"
	case LayoutChunked:
		return "chunked"
	case LayoutVirtual:
		return "virtual"
	}
	return fmt.Sprintf("layout(%d)", uint8(c))
}

// ChunkIndexType selects how chunk addresses are found. Layout messages
// before version 4 always use a version 1 B-tree.
type ChunkIndexType uint8

// Chunk index types.
const (
	IndexBTreeV1         ChunkIndexType = 0
	IndexSingleChunk     ChunkIndexType = 1
	IndexImplicit        ChunkIndexType = 2
	IndexFixedArray      ChunkIndexType = 3
	IndexExtensibleArray ChunkIndexType = 4
	IndexBTreeV2         ChunkIndexType = 5
)

// Layout is a decoded data layout message.
type Layout struct {
	Version uint8
	Class   LayoutClass

	// Address is the contiguous data or the chunk index. Size is the
	// contiguous data size; zero in old messages that do not record it.
	Address uint64
	Size    uint64

	CompactData []byte

	// ChunkDims excludes the trailing element-size dimension.
	ChunkDims   []uint64
	ElementSize uint32
	IndexType   ChunkIndexType
	Flags       uint8

	// Single chunk index with filters.
	SingleFilteredSize uint64
	SingleFilterMask   uint32

	// Fixed array index.
	PageBits uint8

	addrOffset int
}

// ParseLayout decodes a data layout message (versions 1 to 4).
func ParseLayout(data []byte, f Format) (*Layout, error) {
	d := NewDecoder(data, f)
	l := &Layout{Version: d.U8(), Address: UndefinedAddress, addrOffset: -1}
	switch l.Version {
	case 1, 2:
		parseLayoutV1(d, l)
	case 3, 4:
		parseLayoutV3(d, l)
	default:
		if d.err != nil {
			return nil, d.err
		}
		return nil, fmt.Errorf("unsupported layout version: %d", l.Version)
	}
	if d.err != nil {
		return nil, utils.WrapError("layout message", d.err)
	}
	return l, nil
}

func parseLayoutV1(d *Decoder, l *Layout) {
	ndims := int(d.U8())
	l.Class = LayoutClass(d.U8())
	d.Skip(5)
	if l.Class != LayoutCompact {
		l.addrOffset = d.pos
		l.Address = d.Addr()
	}
	dims := make([]uint64, ndims)
	for i := range dims {
		dims[i] = uint64(d.U32())
	}
	switch l.Class {
	case LayoutChunked:
		if ndims < 2 {
			d.Failf("chunked layout with %d dimensions", ndims)
			return
		}
		l.ChunkDims = dims[:ndims-1]
		l.ElementSize = uint32(dims[ndims-1]) //nolint:gosec // read as 32 bits
	case LayoutCompact:
		n := int(d.U32())
		l.CompactData = d.Bytes(n)
		l.Size = uint64(n) //nolint:gosec // non-negative
	case LayoutContiguous:
	default:
		d.Failf("layout class %d", l.Class)
	}
}

//nolint:gocognit // one branch per index type
func parseLayoutV3(d *Decoder, l *Layout) {
	l.Class = LayoutClass(d.U8())
	switch l.Class {
	case LayoutCompact:
		n := int(d.U16())
		l.CompactData = d.Bytes(n)
		l.Size = uint64(n) //nolint:gosec // non-negative
	case LayoutContiguous:
		l.addrOffset = d.pos
		l.Address = d.Addr()
		l.Size = d.Length()
	case LayoutChunked:
		if l.Version == 3 {
			ndims := int(d.U8())
			l.addrOffset = d.pos
			l.Address = d.Addr()
			if ndims < 2 {
				d.Failf("chunked layout with %d dimensions", ndims)
				return
			}
			dims := make([]uint64, ndims)
			for i := range dims {
				dims[i] = uint64(d.U32())
			}
			l.ChunkDims = dims[:ndims-1]
			l.ElementSize = uint32(dims[ndims-1]) //nolint:gosec // read as 32 bits
			l.IndexType = IndexBTreeV1
			return
		}
		l.Flags = d.U8()
		ndims := int(d.U8())
		width := int(d.U8())
		if ndims < 2 {
			d.Failf("chunked layout with %d dimensions", ndims)
			return
		}
		dims := make([]uint64, ndims)
		for i := range dims {
			dims[i] = d.Uvar(width)
		}
		l.ChunkDims = dims[:ndims-1]
		l.ElementSize = uint32(dims[ndims-1]) //nolint:gosec // element sizes fit 32 bits
		l.IndexType = ChunkIndexType(d.U8())
		switch l.IndexType {
		case IndexSingleChunk:
			if l.Flags&0x02 != 0 {
				l.SingleFilteredSize = d.Length()
				l.SingleFilterMask = d.U32()
			}
		case IndexImplicit:
		case IndexFixedArray:
			l.PageBits = d.U8()
		case IndexExtensibleArray:
			d.Skip(5)
		case IndexBTreeV2:
			d.Skip(6)
		default:
			d.Failf("chunk index type %d", l.IndexType)
			return
		}
		l.addrOffset = d.pos
		l.Address = d.Addr()
	case LayoutVirtual:
		d.Failf("virtual datasets are not supported")
	default:
		d.Failf("layout class %d", l.Class)
	}
}

// NewContiguousLayout describes size bytes of data at addr.
func NewContiguousLayout(addr, size uint64) *Layout {
	return &Layout{Version: 3, Class: LayoutContiguous, Address: addr, Size: size}
}

// NewChunkedLayout describes a version 1 B-tree indexed chunked layout.
func NewChunkedLayout(chunkDims []uint64, elemSize uint32) *Layout {
	return &Layout{
		Version:     3,
		Class:       LayoutChunked,
		Address:     UndefinedAddress,
		ChunkDims:   chunkDims,
		ElementSize: elemSize,
		IndexType:   IndexBTreeV1,
	}
}

// NewCompactLayout stores data inside the object header.
func NewCompactLayout(data []byte) *Layout {
	return &Layout{Version: 3, Class: LayoutCompact, CompactData: data, Size: uint64(len(data))}
}

// Encode serializes the layout as a version 3 message.
func (l *Layout) Encode(f Format) ([]byte, error) {
	e := NewEncoder(f, 32)
	e.U8(3)
	e.U8(uint8(l.Class))
	switch l.Class {
	case LayoutCompact:
		if len(l.CompactData) > 0xffff {
			return nil, fmt.Errorf("compact data of %d bytes", len(l.CompactData))
		}
		e.U16(uint16(len(l.CompactData))) //nolint:gosec // checked above
		e.Raw(l.CompactData)
	case LayoutContiguous:
		e.Addr(l.Address)
		e.Length(l.Size)
	case LayoutChunked:
		if l.IndexType != IndexBTreeV1 {
			return nil, fmt.Errorf("cannot encode chunk index type %d in a version 3 layout", l.IndexType)
		}
		e.U8(uint8(len(l.ChunkDims) + 1)) //nolint:gosec // rank is small
		e.Addr(l.Address)
		for _, v := range l.ChunkDims {
			if v > 0xffffffff {
				return nil, fmt.Errorf("chunk dimension %d exceeds 32 bits", v)
			}
			e.U32(uint32(v))
		}
		e.U32(l.ElementSize)
	default:
		return nil, fmt.Errorf("cannot encode %s layout", l.Class)
	}
	return e.buf, nil
}

// PatchAddress returns a copy of the encoded message data with the
// address field replaced. The message keeps its size and version.
func (l *Layout) PatchAddress(data []byte, f Format, addr uint64) ([]byte, error) {
	if l.addrOffset < 0 || l.addrOffset+f.OffsetSize > len(data) {
		return nil, fmt.Errorf("%s layout v%d has no patchable address", l.Class, l.Version)
	}
	out := append([]byte(nil), data...)
	e := NewEncoder(f, f.OffsetSize)
	e.Addr(addr)
	copy(out[l.addrOffset:], e.buf)
	l.Address = addr
	return out, nil
}
