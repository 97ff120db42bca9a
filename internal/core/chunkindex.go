package core

import (
	"fmt"

	"github.com/scigolib/tables/internal/utils"
)

// ReadChunkIndex lists the stored chunks of a chunked dataset whatever
// index the layout uses. Chunks never written are absent from the result.
func ReadChunkIndex(r *Reader, l *Layout, ds *Dataspace, filtered bool) ([]ChunkRef, error) {
	if l.Class != LayoutChunked {
		return nil, fmt.Errorf("layout class %s has no chunk index", l.Class)
	}
	rank := len(l.ChunkDims)
	if l.Address == UndefinedAddress {
		return nil, nil
	}
	switch l.IndexType {
	case IndexBTreeV1:
		return ReadChunkBTree(r, l.Address, rank)
	case IndexSingleChunk:
		c := ChunkRef{Offset: make([]uint64, rank), Addr: l.Address, Size: uint32(l.chunkBytes())} //nolint:gosec // chunk sizes are bounded
		if l.Flags&0x02 != 0 {
			c.Size = uint32(l.SingleFilteredSize) //nolint:gosec // chunk sizes are bounded
			c.FilterMask = l.SingleFilterMask
		}
		return []ChunkRef{c}, nil
	case IndexImplicit:
		return implicitChunks(l, ds), nil
	case IndexFixedArray:
		return readFixedArray(r, l, ds, filtered)
	default:
		return nil, fmt.Errorf("chunk index type %d not supported", l.IndexType)
	}
}

func (l *Layout) chunkBytes() uint64 {
	n := uint64(l.ElementSize)
	for _, c := range l.ChunkDims {
		n *= c
	}
	return n
}

// chunkGrid returns how many chunks span each dimension. Fixed-size
// indexes cover the maximum extent.
func chunkGrid(l *Layout, ds *Dataspace) []uint64 {
	grid := make([]uint64, len(l.ChunkDims))
	for i, c := range l.ChunkDims {
		extent := uint64(0)
		if i < len(ds.Dims) {
			extent = ds.Dims[i]
		}
		if i < len(ds.MaxDims) && ds.MaxDims[i] != Unlimited {
			extent = ds.MaxDims[i]
		}
		grid[i] = (extent + c - 1) / c
	}
	return grid
}

// forEachChunk visits chunk origins of grid in row-major order.
func forEachChunk(l *Layout, grid []uint64, fn func(i int, offset []uint64)) {
	total := uint64(1)
	for _, g := range grid {
		total *= g
	}
	idx := make([]uint64, len(grid))
	for i := uint64(0); i < total; i++ {
		offset := make([]uint64, len(grid))
		for d := range idx {
			offset[d] = idx[d] * l.ChunkDims[d]
		}
		fn(int(i), offset) //nolint:gosec // chunk counts fit int
		for d := len(idx) - 1; d >= 0; d-- {
			idx[d]++
			if idx[d] < grid[d] {
				break
			}
			idx[d] = 0
		}
	}
}

func implicitChunks(l *Layout, ds *Dataspace) []ChunkRef {
	size := l.chunkBytes()
	var out []ChunkRef
	forEachChunk(l, chunkGrid(l, ds), func(i int, offset []uint64) {
		out = append(out, ChunkRef{
			Offset: offset,
			Addr:   l.Address + uint64(i)*size, //nolint:gosec // non-negative
			Size:   uint32(size),               //nolint:gosec // chunk sizes are bounded
		})
	})
	return out
}

func readFixedArray(r *Reader, l *Layout, ds *Dataspace, filtered bool) ([]ChunkRef, error) {
	hdrSize := 4 + 1 + 1 + 1 + 1 + r.LengthSize + r.OffsetSize + 4
	buf, err := r.Read(l.Address, hdrSize)
	if err != nil {
		return nil, utils.WrapErrorAt("fixed array header", l.Address, err)
	}
	if err := VerifyChecksum(buf); err != nil {
		return nil, utils.WrapErrorAt("fixed array header", l.Address, err)
	}
	d := NewDecoder(buf, r.Format)
	d.Signature("FAHD")
	d.Skip(1) // version
	client := d.U8()
	entrySize := int(d.U8())
	pageBits := d.U8()
	count := d.Length()
	blockAddr := d.Addr()
	if d.err != nil {
		return nil, utils.WrapErrorAt("fixed array header", l.Address, d.err)
	}
	if count > 1<<pageBits {
		return nil, fmt.Errorf("paged fixed array index (%d entries) not supported", count)
	}
	if filtered != (client == 1) {
		return nil, utils.Corruptf("fixed array client %d does not match filter pipeline", client)
	}
	if blockAddr == UndefinedAddress {
		return nil, nil
	}

	blockSize := 4 + 1 + 1 + r.OffsetSize + int(count)*entrySize + 4 //nolint:gosec // bounded by page size
	buf, err = r.Read(blockAddr, blockSize)
	if err != nil {
		return nil, utils.WrapErrorAt("fixed array data block", blockAddr, err)
	}
	if err := VerifyChecksum(buf); err != nil {
		return nil, utils.WrapErrorAt("fixed array data block", blockAddr, err)
	}
	d = NewDecoder(buf, r.Format)
	d.Signature("FADB")
	d.Skip(2 + r.OffsetSize)

	grid := chunkGrid(l, ds)
	var out []ChunkRef
	forEachChunk(l, grid, func(i int, offset []uint64) {
		if uint64(i) >= count { //nolint:gosec // non-negative
			return
		}
		c := ChunkRef{Offset: offset, Addr: d.Addr(), Size: uint32(l.chunkBytes())} //nolint:gosec // chunk sizes are bounded
		if client == 1 {
			c.Size = uint32(d.Uvar(entrySize - r.OffsetSize - 4)) //nolint:gosec // chunk sizes are bounded
			c.FilterMask = d.U32()
		}
		if c.Addr != UndefinedAddress {
			out = append(out, c)
		}
	})
	if d.err != nil {
		return nil, utils.WrapErrorAt("fixed array data block", blockAddr, d.err)
	}
	return out, nil
}

// VerifyChecksum checks the trailing lookup3 checksum of a metadata block.
func VerifyChecksum(buf []byte) error {
	if len(buf) < 4 {
		return utils.Corruptf("block of %d bytes has no checksum", len(buf))
	}
	body := buf[:len(buf)-4]
	want := uint32(decodeUint(buf[len(buf)-4:])) //nolint:gosec // four bytes
	if got := utils.Checksum(body); got != want {
		return utils.Corruptf("checksum 0x%08x, want 0x%08x", got, want)
	}
	return nil
}
